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

package model

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/gae/service/datastore"
)

func TestSequence(t *testing.T) {
	t.Parallel()

	ftt.Run("GenerateSequenceNumbers", t, func(t *ftt.Test) {
		ctx := memory.Use(context.Background())
		datastore.GetTestable(ctx).AutoIndex(true)
		datastore.GetTestable(ctx).Consistent(true)

		t.Run("not found", func(t *ftt.Test) {
			t.Run("zero", func(t *ftt.Test) {
				seq, err := GenerateSequenceNumbers(ctx, "seq", 0)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, seq, should.Equal[int32](1))

				seq, err = GenerateSequenceNumbers(ctx, "seq", 0)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, seq, should.Equal[int32](1))
			})

			t.Run("many", func(t *ftt.Test) {
				seq, err := GenerateSequenceNumbers(ctx, "seq", 10)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, seq, should.Equal[int32](1))

				seq, err = GenerateSequenceNumbers(ctx, "seq", 10)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, seq, should.Equal[int32](11))
			})
		})

		t.Run("found", func(t *ftt.Test) {
			assert.Loosely(t, datastore.Put(ctx, &NumberSequence{
				ID:   "seq",
				Next: 2,
			}), should.BeNil)

			seq, err := GenerateSequenceNumbers(ctx, "seq", 1)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, seq, should.Equal[int32](2))

			seq, err = GenerateSequenceNumbers(ctx, "seq", 1)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, seq, should.Equal[int32](3))
		})
	})
}

func TestBuild(t *testing.T) {
	t.Parallel()

	ftt.Run("Build", t, func(t *ftt.Test) {
		ctx := memory.Use(context.Background())
		ctx, _ = testclock.UseTime(ctx, testclock.TestRecentTimeUTC)
		datastore.GetTestable(ctx).AutoIndex(true)
		datastore.GetTestable(ctx).Consistent(true)

		t.Run("LegacyStatus", func(t *ftt.Test) {
			cases := []struct {
				b    Build
				want LegacyStatus
			}{
				{Build{Status: Scheduled}, LegacyScheduled},
				{Build{Status: Started}, LegacyStarted},
				{Build{Status: Completed, Result: ResultSuccess}, LegacySuccess},
				{Build{Status: Completed, Result: ResultFailure, FailureReason: FailureBuild}, LegacyFailure},
				{Build{Status: Completed, Result: ResultInfraFailure, FailureReason: FailureInfra}, LegacyInfraFailure},
				{Build{Status: Completed, Result: ResultCanceled}, LegacyCanceled},
			}
			for _, c := range cases {
				assert.Loosely(t, c.b.LegacyStatus(), should.Equal(c.want))
			}

			b := &Build{Status: Started, StatusLegacy: LegacyScheduled}
			assert.Loosely(t, b.SyncLegacyStatus(), should.BeTrue)
			assert.Loosely(t, b.StatusLegacy, should.Equal(LegacyStarted))
			assert.Loosely(t, b.SyncLegacyStatus(), should.BeFalse)
		})

		t.Run("lease", func(t *ftt.Test) {
			now := testclock.TestRecentTimeUTC
			b := &Build{LeaseKey: 1, IsLeased: true, LeaseExpirationDate: now.Add(time.Minute)}
			assert.Loosely(t, b.IsLeaseActive(now), should.BeTrue)
			assert.Loosely(t, b.IsLeaseActive(now.Add(time.Hour)), should.BeFalse)
			b.ClearLease()
			assert.Loosely(t, b.IsLeaseActive(now), should.BeFalse)
			assert.Loosely(t, b.LeaseKey, should.BeZero)
		})

		t.Run("round trip", func(t *ftt.Test) {
			props, err := structpb.NewStruct(map[string]any{"a": "b", "n": 1})
			assert.Loosely(t, err, should.BeNil)
			b := &Build{
				ID:        1,
				Project:   "project",
				BucketID:  "project/bucket",
				BuilderID: "project/bucket/builder",
				Status:    Scheduled,
				Tags:      []string{"k:v"},
			}
			b.Properties.Set(props)
			assert.Loosely(t, datastore.Put(ctx, b), should.BeNil)

			got := &Build{ID: 1}
			assert.Loosely(t, datastore.Get(ctx, got), should.BeNil)
			diff := cmp.Diff(b, got,
				cmpopts.IgnoreUnexported(Build{}),
				cmpopts.IgnoreFields(Build{}, "Properties", "ResultDetails"))
			assert.Loosely(t, diff, should.BeEmpty)
			assert.Loosely(t, got.BuilderName(), should.Equal("builder"))
			assert.Loosely(t, got.Status, should.Equal(Scheduled))
			assert.Loosely(t, got.Properties.Equal(props), should.BeTrue)
			assert.Loosely(t, got.HasTag("k:v"), should.BeTrue)

			task := NewBuildTask(ctx, 1)
			task.TaskID = "task"
			assert.Loosely(t, datastore.Put(ctx, task), should.BeNil)
			gotTask := NewBuildTask(ctx, 1)
			assert.Loosely(t, datastore.Get(ctx, gotTask), should.BeNil)
			assert.Loosely(t, gotTask.TaskID, should.Equal("task"))
		})

		t.Run("DSStruct", func(t *ftt.Test) {
			var s DSStruct
			a, _ := structpb.NewStruct(map[string]any{"a": 1, "b": 2})
			b, _ := structpb.NewStruct(map[string]any{"b": 3, "c": 4})
			s.Set(a)
			s.MergeFields(b)
			want, _ := structpb.NewStruct(map[string]any{"a": 1, "b": 3, "c": 4})
			assert.Loosely(t, s.Equal(want), should.BeTrue)
			assert.Loosely(t, (&DSStruct{}).Equal(nil), should.BeTrue)
		})

		t.Run("BucketKey", func(t *ftt.Test) {
			bkt := &Bucket{ID: "bucket", Parent: ProjectKey(ctx, "project")}
			assert.Loosely(t, bkt.Project(), should.Equal("project"))
			assert.Loosely(t, BucketKey(ctx, "project", "bucket").Equal(datastore.KeyForObj(ctx, bkt)), should.BeTrue)
			assert.Loosely(t, BucketID("project", "bucket"), should.Equal("project/bucket"))
			assert.Loosely(t, TaskTemplateID("t", true), should.Equal("t:canary"))
		})
	})
}
