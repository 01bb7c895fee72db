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
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/status"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/grpc/grpcutil"
	"go.chromium.org/luci/swarming/client/swarming"
	apipb "go.chromium.org/luci/swarming/proto/api_v2"
)

// TaskResult is the state of a worker task.
type TaskResult struct {
	TaskID string
	State  apipb.TaskState
	// Failure is true if the task ran and failed.
	Failure bool
	BotID   string
}

// IsEnded returns true if the task will not change state anymore.
func (r *TaskResult) IsEnded() bool {
	switch r.State {
	case apipb.TaskState_PENDING, apipb.TaskState_RUNNING:
		return false
	default:
		return true
	}
}

//go:generate mockgen -source swarming.go -destination mock_backend.go -package tasks

// Backend is the worker-dispatch backend.
type Backend interface {
	// Submit creates a task and returns its id.
	Submit(ctx context.Context, def *TaskDefinition) (string, error)
	// Cancel cancels a task, killing it if it is running.
	Cancel(ctx context.Context, hostname, taskID string) error
	// QueryResult returns the current state of a task.
	QueryResult(ctx context.Context, hostname, taskID string) (*TaskResult, error)
}

// ClientFactory returns a swarming client talking to the given host.
type ClientFactory func(ctx context.Context, hostname string) (swarming.Client, error)

// HTTPClientFactory returns a factory of clients authenticating with c.
func HTTPClientFactory(c *http.Client) ClientFactory {
	return func(ctx context.Context, hostname string) (swarming.Client, error) {
		return swarming.NewClient(ctx, swarming.ClientOptions{
			ServiceURL:          "https://" + hostname,
			AuthenticatedClient: c,
		})
	}
}

// SwarmingBackend implements Backend on top of Swarming.
type SwarmingBackend struct {
	factory ClientFactory

	m       sync.Mutex
	clients map[string]swarming.Client
}

// NewSwarmingBackend returns a backend using clients created by factory.
func NewSwarmingBackend(factory ClientFactory) *SwarmingBackend {
	return &SwarmingBackend{factory: factory, clients: map[string]swarming.Client{}}
}

func (s *SwarmingBackend) client(ctx context.Context, hostname string) (swarming.Client, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if c, ok := s.clients[hostname]; ok {
		return c, nil
	}
	c, err := s.factory(ctx, hostname)
	if err != nil {
		return nil, errors.Annotate(err, "failed to create a swarming client for %q", hostname).Err()
	}
	s.clients[hostname] = c
	return c, nil
}

// annotate annotates err, tagging it as transient if it carries a transient
// gRPC code.
func annotate(err error, format string, args ...any) error {
	a := errors.Annotate(err, format, args...)
	if grpcutil.IsTransientCode(status.Code(err)) {
		a.Tag(transient.Tag)
	}
	return a.Err()
}

// Submit implements Backend.
func (s *SwarmingBackend) Submit(ctx context.Context, def *TaskDefinition) (string, error) {
	c, err := s.client(ctx, def.SwarmingHost)
	if err != nil {
		return "", err
	}
	res, err := c.NewTask(ctx, ToSwarmingRequest(def))
	if err != nil {
		return "", annotate(err, "failed to create a swarming task for build %d", def.BuildID)
	}
	logging.Infof(ctx, "created swarming task %s for build %d", res.TaskId, def.BuildID)
	return res.TaskId, nil
}

// Cancel implements Backend.
func (s *SwarmingBackend) Cancel(ctx context.Context, hostname, taskID string) error {
	c, err := s.client(ctx, hostname)
	if err != nil {
		return err
	}
	res, err := c.CancelTask(ctx, taskID, true)
	if err != nil {
		return annotate(err, "failed to cancel swarming task %s", taskID)
	}
	if !res.Canceled {
		logging.Infof(ctx, "swarming task %s was not canceled, it has probably ended", taskID)
	}
	return nil
}

// QueryResult implements Backend.
func (s *SwarmingBackend) QueryResult(ctx context.Context, hostname, taskID string) (*TaskResult, error) {
	c, err := s.client(ctx, hostname)
	if err != nil {
		return nil, err
	}
	res, err := c.TaskResult(ctx, taskID, &swarming.TaskResultFields{})
	if err != nil {
		return nil, annotate(err, "failed to fetch swarming task %s", taskID)
	}
	return &TaskResult{
		TaskID:  res.TaskId,
		State:   res.State,
		Failure: res.Failure,
		BotID:   res.BotId,
	}, nil
}

// ToSwarmingRequest converts a task definition to a swarming request.
func ToSwarmingRequest(def *TaskDefinition) *apipb.NewTaskRequest {
	req := &apipb.NewTaskRequest{
		// Swarming deduplicates retried requests by RequestUuid.
		RequestUuid:      uuid.NewSHA1(uuid.Nil, []byte(strconv.FormatInt(def.BuildID, 10))).String(),
		Name:             def.Name,
		Tags:             def.Tags,
		Priority:         int32(def.Priority),
		ServiceAccount:   def.ServiceAccount,
		PubsubTopic:      def.PubsubTopic,
		PubsubUserdata:   def.PubsubUserdata,
		PoolTaskTemplate: apipb.NewTaskRequest_SKIP,
		TaskSlices:       make([]*apipb.TaskSlice, len(def.TaskSlices)),
	}
	for i, s := range def.TaskSlices {
		req.TaskSlices[i] = &apipb.TaskSlice{
			ExpirationSecs:  int32(s.ExpirationSecs),
			WaitForCapacity: s.WaitForCapacity,
			Properties:      toSwarmingProperties(s.Properties),
		}
	}
	return req
}

func toSwarmingProperties(p *SliceProperties) *apipb.TaskProperties {
	out := &apipb.TaskProperties{
		Command:              p.ExtraArgs,
		ExecutionTimeoutSecs: int32(p.ExecutionTimeoutSecs),
		GracePeriodSecs:      int32(p.GracePeriodSecs),
	}
	for _, d := range p.Dimensions {
		out.Dimensions = append(out.Dimensions, &apipb.StringPair{Key: d.Key, Value: d.Value})
	}
	for _, e := range p.Env {
		out.Env = append(out.Env, &apipb.StringPair{Key: e.Key, Value: e.Value})
	}
	for _, e := range p.EnvPrefixes {
		out.EnvPrefixes = append(out.EnvPrefixes, &apipb.StringListPair{Key: e.Key, Value: e.Value})
	}
	for _, c := range p.Caches {
		out.Caches = append(out.Caches, &apipb.CacheEntry{Name: c.Name, Path: c.Path})
	}
	if len(p.CipdInput) > 0 {
		out.CipdInput = &apipb.CipdInput{}
		for _, pkg := range p.CipdInput {
			out.CipdInput.Packages = append(out.CipdInput.Packages, &apipb.CipdPackage{
				PackageName: pkg.PackageName,
				Version:     pkg.Version,
				Path:        pkg.Path,
			})
		}
	}
	return out
}
