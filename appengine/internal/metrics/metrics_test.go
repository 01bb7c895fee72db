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

package metrics

import (
	"context"
	"testing"
	"time"

	"go.chromium.org/luci/common/clock/testclock"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/common/tsmon"
	"go.chromium.org/luci/common/tsmon/distribution"

	"go.chromium.org/bbsched/appengine/model"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	ftt.Run("metrics", t, func(t *ftt.Test) {
		ctx, _ := tsmon.WithDummyInMemory(context.Background())
		store := tsmon.Store(ctx)
		now := testclock.TestRecentTimeUTC

		b := &model.Build{
			ID:         1,
			BucketID:   "project/bucket",
			Status:     model.Started,
			CreateTime: now,
		}

		t.Run("Transition", func(t *ftt.Test) {
			Transition(ctx, b, model.Scheduled)
			assert.Loosely(t, store.Get(ctx, BuildTransitions, []any{"project/bucket", "SCHEDULED", "STARTED"}), should.Equal(int64(1)))
			assert.Loosely(t, store.Get(ctx, CycleDurations, []any{"project/bucket", "RESULT_UNSPECIFIED"}), should.BeNil)

			b.Status = model.Completed
			b.Result = model.ResultSuccess
			b.CompleteTime = now.Add(time.Minute)
			Transition(ctx, b, model.Started)
			assert.Loosely(t, store.Get(ctx, BuildTransitions, []any{"project/bucket", "STARTED", "COMPLETED"}), should.Equal(int64(1)))
			d := store.Get(ctx, CycleDurations, []any{"project/bucket", "SUCCESS"}).(*distribution.Distribution)
			assert.Loosely(t, d.Count(), should.Equal(int64(1)))
			assert.Loosely(t, d.Sum(), should.Equal(60.0))
		})

		t.Run("LeaseAttempt", func(t *ftt.Test) {
			LeaseAttempt(ctx, b, LeaseLeased)
			LeaseAttempt(ctx, b, LeaseLeased)
			assert.Loosely(t, store.Get(ctx, LeaseAttempts, []any{"project/bucket", "leased"}), should.Equal(int64(2)))
		})

		t.Run("BuildCreated", func(t *ftt.Test) {
			b.Canary = true
			BuildCreated(ctx, b)
			assert.Loosely(t, store.Get(ctx, BuildsCreated, []any{"project/bucket", "true"}), should.Equal(int64(1)))
		})
	})
}
