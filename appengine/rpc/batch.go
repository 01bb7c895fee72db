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

	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/sync/parallel"

	"go.chromium.org/bbsched/appengine/common"
	"go.chromium.org/bbsched/appengine/model"
)

// BatchResult is the outcome of one item of a batch.
type BatchResult struct {
	Build *model.Build
	Err   error
}

// HeartbeatRequest is one item of HeartbeatBatch.
type HeartbeatRequest struct {
	BuildID             int64
	LeaseKey            int64
	LeaseExpirationDate time.Time
}

// runBatch calls fn for every item index concurrently and collects the
// results. Per-item errors are reported in the results. The batch as a whole
// fails only if the context is done.
func runBatch(ctx context.Context, n int, fn func(i int) (*model.Build, error)) ([]*BatchResult, error) {
	res := make([]*BatchResult, n)
	err := parallel.WorkPool(batchWorkers, func(work chan<- func() error) {
		for i := 0; i < n; i++ {
			i := i
			work <- func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				b, err := fn(i)
				if err != nil && common.KindOf(err) == common.Unknown {
					logging.WithError(err).Warningf(ctx, "batch item %d failed", i)
				}
				res[i] = &BatchResult{Build: b, Err: err}
				return nil
			}
		}
	})
	if err != nil {
		return nil, errors.Annotate(err, "batch aborted").Err()
	}
	return res, nil
}

// HeartbeatBatch heartbeats every build independently.
func (s *Builds) HeartbeatBatch(ctx context.Context, reqs []*HeartbeatRequest) ([]*BatchResult, error) {
	return runBatch(ctx, len(reqs), func(i int) (*model.Build, error) {
		r := reqs[i]
		return s.Heartbeat(ctx, r.BuildID, r.LeaseKey, r.LeaseExpirationDate)
	})
}

// CancelBatch cancels every build independently.
func (s *Builds) CancelBatch(ctx context.Context, ids []int64, resultDetails *structpb.Struct) ([]*BatchResult, error) {
	return runBatch(ctx, len(ids), func(i int) (*model.Build, error) {
		return s.Cancel(ctx, ids[i], resultDetails)
	})
}
