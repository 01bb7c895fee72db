// Copyright 2024 The LUCI Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tasks

import (
	"context"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/swarming/client/swarming"
	"go.chromium.org/luci/swarming/client/swarming/swarmingtest"
	apipb "go.chromium.org/luci/swarming/proto/api_v2"
)

func testDefinition() *TaskDefinition {
	return &TaskDefinition{
		BuildID:        1,
		SwarmingHost:   "swarming.example.com",
		Name:           "bb-1-linux",
		Tags:           []string{"builder:linux"},
		Priority:       30,
		PubsubTopic:    "projects/bbsched/topics/swarming",
		PubsubUserdata: `{"build_id":"1"}`,
		TaskSlices: []*TaskSlice{
			{
				ExpirationSecs: 60,
				Properties: &SliceProperties{
					Dimensions:  []StringPair{{Key: "caches", Value: "git"}, {Key: "os", Value: "Linux"}},
					Caches:      []CacheEntry{{Name: "git", Path: "cache/git"}},
					CipdInput:   []CipdPackage{{PackageName: "infra/recipe_bundle", Version: "refs/heads/main", Path: "kitchen-checkout"}},
					ExtraArgs:   []string{"-recipe", "recipe"},
					Env:         []StringPair{{Key: "BUILDBUCKET_EXPERIMENTAL", Value: "FALSE"}},
					EnvPrefixes: []StringListPair{{Key: "GIT_CACHE", Value: []string{"cache/git"}}},

					ExecutionTimeoutSecs: 1800,
					GracePeriodSecs:      30,
				},
			},
			{
				ExpirationSecs: 3540,
				Properties: &SliceProperties{
					Dimensions: []StringPair{{Key: "os", Value: "Linux"}},
				},
			},
		},
	}
}

func TestToSwarmingRequest(t *testing.T) {
	t.Parallel()

	ftt.Run("ToSwarmingRequest", t, func(t *ftt.Test) {
		req := ToSwarmingRequest(testDefinition())

		assert.Loosely(t, req.Name, should.Equal("bb-1-linux"))
		assert.Loosely(t, req.Priority, should.Equal(int32(30)))
		assert.Loosely(t, req.PoolTaskTemplate, should.Equal(apipb.NewTaskRequest_SKIP))
		assert.Loosely(t, req.PubsubUserdata, should.Equal(`{"build_id":"1"}`))
		assert.Loosely(t, req.TaskSlices, should.HaveLength(2))

		s := req.TaskSlices[0]
		assert.Loosely(t, s.ExpirationSecs, should.Equal(int32(60)))
		assert.Loosely(t, s.Properties, should.Match(&apipb.TaskProperties{
			Command: []string{"-recipe", "recipe"},
			Dimensions: []*apipb.StringPair{
				{Key: "caches", Value: "git"},
				{Key: "os", Value: "Linux"},
			},
			Env:         []*apipb.StringPair{{Key: "BUILDBUCKET_EXPERIMENTAL", Value: "FALSE"}},
			EnvPrefixes: []*apipb.StringListPair{{Key: "GIT_CACHE", Value: []string{"cache/git"}}},
			Caches:      []*apipb.CacheEntry{{Name: "git", Path: "cache/git"}},
			CipdInput: &apipb.CipdInput{
				Packages: []*apipb.CipdPackage{{
					PackageName: "infra/recipe_bundle",
					Version:     "refs/heads/main",
					Path:        "kitchen-checkout",
				}},
			},
			ExecutionTimeoutSecs: 1800,
			GracePeriodSecs:      30,
		}))
		assert.Loosely(t, req.TaskSlices[1].Properties.CipdInput, should.BeNil)

		t.Run("request uuid is stable", func(t *ftt.Test) {
			again := ToSwarmingRequest(testDefinition())
			assert.Loosely(t, again.RequestUuid, should.Equal(req.RequestUuid))

			other := testDefinition()
			other.BuildID = 2
			assert.Loosely(t, ToSwarmingRequest(other).RequestUuid, should.NotEqual(req.RequestUuid))
		})
	})
}

func TestSwarmingBackend(t *testing.T) {
	t.Parallel()

	ftt.Run("SwarmingBackend", t, func(t *ftt.Test) {
		ctx := context.Background()
		mock := &swarmingtest.Client{}
		var hosts []string
		backend := NewSwarmingBackend(func(ctx context.Context, hostname string) (swarming.Client, error) {
			hosts = append(hosts, hostname)
			return mock, nil
		})

		t.Run("Submit", func(t *ftt.Test) {
			var got *apipb.NewTaskRequest
			mock.NewTaskMock = func(ctx context.Context, req *apipb.NewTaskRequest) (*apipb.TaskRequestMetadataResponse, error) {
				got = req
				return &apipb.TaskRequestMetadataResponse{TaskId: "task1"}, nil
			}

			id, err := backend.Submit(ctx, testDefinition())
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, id, should.Equal("task1"))
			assert.Loosely(t, got.Name, should.Equal("bb-1-linux"))

			t.Run("clients are reused", func(t *ftt.Test) {
				_, err := backend.Submit(ctx, testDefinition())
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, hosts, should.Match([]string{"swarming.example.com"}))
			})
		})

		t.Run("Submit transient failure", func(t *ftt.Test) {
			mock.NewTaskMock = func(ctx context.Context, req *apipb.NewTaskRequest) (*apipb.TaskRequestMetadataResponse, error) {
				return nil, status.Errorf(codes.Unavailable, "boom")
			}
			_, err := backend.Submit(ctx, testDefinition())
			assert.Loosely(t, err, should.ErrLike("failed to create a swarming task for build 1"))
			assert.Loosely(t, transient.Tag.In(err), should.BeTrue)
		})

		t.Run("Submit permanent failure", func(t *ftt.Test) {
			mock.NewTaskMock = func(ctx context.Context, req *apipb.NewTaskRequest) (*apipb.TaskRequestMetadataResponse, error) {
				return nil, status.Errorf(codes.InvalidArgument, "bad dimensions")
			}
			_, err := backend.Submit(ctx, testDefinition())
			assert.Loosely(t, err, should.ErrLike("bad dimensions"))
			assert.Loosely(t, transient.Tag.In(err), should.BeFalse)
		})

		t.Run("Cancel", func(t *ftt.Test) {
			var killed bool
			mock.CancelTaskMock = func(ctx context.Context, taskID string, killRunning bool) (*apipb.CancelResponse, error) {
				assert.Loosely(t, taskID, should.Equal("task1"))
				killed = killRunning
				return &apipb.CancelResponse{Canceled: true}, nil
			}
			assert.Loosely(t, backend.Cancel(ctx, "swarming.example.com", "task1"), should.BeNil)
			assert.Loosely(t, killed, should.BeTrue)
		})

		t.Run("Cancel of an ended task", func(t *ftt.Test) {
			mock.CancelTaskMock = func(ctx context.Context, taskID string, killRunning bool) (*apipb.CancelResponse, error) {
				return &apipb.CancelResponse{}, nil
			}
			assert.Loosely(t, backend.Cancel(ctx, "swarming.example.com", "task1"), should.BeNil)
		})

		t.Run("QueryResult", func(t *ftt.Test) {
			mock.TaskResultMock = func(ctx context.Context, taskID string, fields *swarming.TaskResultFields) (*apipb.TaskResultResponse, error) {
				return &apipb.TaskResultResponse{
					TaskId:  taskID,
					State:   apipb.TaskState_COMPLETED,
					Failure: true,
					BotId:   "bot1",
				}, nil
			}
			res, err := backend.QueryResult(ctx, "swarming.example.com", "task1")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res, should.Match(&TaskResult{
				TaskID:  "task1",
				State:   apipb.TaskState_COMPLETED,
				Failure: true,
				BotID:   "bot1",
			}))
			assert.Loosely(t, res.IsEnded(), should.BeTrue)
		})

		t.Run("IsEnded", func(t *ftt.Test) {
			assert.Loosely(t, (&TaskResult{State: apipb.TaskState_PENDING}).IsEnded(), should.BeFalse)
			assert.Loosely(t, (&TaskResult{State: apipb.TaskState_RUNNING}).IsEnded(), should.BeFalse)
			assert.Loosely(t, (&TaskResult{State: apipb.TaskState_KILLED}).IsEnded(), should.BeTrue)
		})
	})
}
