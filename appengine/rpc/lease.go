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

package rpc

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/gae/filter/txndefer"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/bbsched/appengine/common"
	"go.chromium.org/bbsched/appengine/internal/metrics"
	"go.chromium.org/bbsched/appengine/model"
)

// Lease tries to lease a SCHEDULED build until expiration. The zero
// expiration means the default lease duration.
//
// Returns true and the leased build on success. Returns false and the current
// build if the build is not SCHEDULED or holds an active lease. In that case
// a stale legacy status of the stored build is repaired.
func (s *Builds) Lease(ctx context.Context, id int64, expiration time.Time) (bool, *model.Build, error) {
	expiration, err := s.leaseExpiration(ctx, expiration)
	if err != nil {
		return false, nil, err
	}

	var b *model.Build
	var leased bool
	err = datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		if b, err = common.GetBuild(ctx, id); err != nil {
			return err
		}
		now := clock.Now(ctx).UTC()

		outcome := metrics.LeaseLeased
		switch {
		case b.Status != model.Scheduled:
			outcome = metrics.LeaseNotScheduled
		case b.IsLeaseActive(now):
			outcome = metrics.LeaseAlreadyLeased
		}
		attempted := b
		txndefer.Defer(ctx, func(ctx context.Context) {
			metrics.LeaseAttempt(ctx, attempted, outcome)
		})

		leased = outcome == metrics.LeaseLeased
		if !leased {
			if b.SyncLegacyStatus() {
				logging.Warningf(ctx, "build %d had a stale legacy status, repairing", b.ID)
				return putBuild(ctx, b)
			}
			return nil
		}

		b.LeaseKey = newLeaseKey(ctx, b.LeaseKey)
		b.LeaseExpirationDate = expiration
		b.IsLeased = true
		b.NeverLeased = false
		return putBuild(ctx, b)
	}, nil)
	if err != nil {
		return false, nil, err
	}
	return leased, b, nil
}
