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
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/bbsched/appengine/common"
	"go.chromium.org/bbsched/appengine/model"
)

// cursorPrefix prefixes the last examined build id in Peek cursors.
const cursorPrefix = "id>"

// PeekRequest is a request to list leasable builds.
type PeekRequest struct {
	// Buckets are "<project>/<bucket>" ids.
	Buckets []string
	Cursor  string
	// MaxBuilds defaults to the policy peek size.
	MaxBuilds int
}

// PeekResponse is a page of leasable builds.
type PeekResponse struct {
	// Builds are ordered by id.
	Builds []*model.Build
	// Cursor continues the listing. Empty if there are no more builds.
	Cursor string
}

func parseBucketID(id string) (project, bucket string, err error) {
	project, bucket, ok := strings.Cut(id, "/")
	if !ok || project == "" || bucket == "" || strings.Contains(bucket, "/") {
		return "", "", common.Errorf(common.InvalidInput, "invalid bucket id %q, want <project>/<bucket>", id)
	}
	return project, bucket, nil
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(cursor, cursorPrefix), 10, 64)
	if err != nil || !strings.HasPrefix(cursor, cursorPrefix) || id <= 0 {
		return 0, common.Errorf(common.InvalidInput, "invalid cursor %q", cursor)
	}
	return id, nil
}

// Peek returns SCHEDULED builds of the buckets that are unleased or whose
// lease has expired, in ascending id order. Paused buckets are skipped.
func (s *Builds) Peek(ctx context.Context, req *PeekRequest) (*PeekResponse, error) {
	size := req.MaxBuilds
	switch {
	case size == 0:
		size = s.Policy.DefaultPeekSize
	case size < 0 || size > s.Policy.MaxPeekSize:
		return nil, common.Errorf(common.InvalidInput, "max_builds must be in [1, %d]", s.Policy.MaxPeekSize)
	}
	if len(req.Buckets) == 0 {
		return nil, common.Errorf(common.InvalidInput, "at least one bucket is required")
	}
	after, err := parseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}

	var active []string
	for _, id := range req.Buckets {
		project, bucket, err := parseBucketID(id)
		if err != nil {
			return nil, err
		}
		switch b, err := common.GetBucket(ctx, project, bucket); {
		case err != nil:
			return nil, err
		case !b.Paused:
			active = append(active, id)
		}
	}

	now := clock.Now(ctx).UTC()
	var builds []*model.Build
	for _, id := range active {
		q := datastore.NewQuery("Build").
			Eq("bucket_id", id).
			Eq("status", model.Scheduled).
			Order("__key__")
		if after > 0 {
			q = q.Gt("__key__", datastore.KeyForObj(ctx, &model.Build{ID: after}))
		}
		found := 0
		err := datastore.Run(ctx, q, func(b *model.Build) error {
			if b.IsLeaseActive(now) {
				return nil
			}
			builds = append(builds, b)
			if found++; found == size {
				return datastore.Stop
			}
			return nil
		})
		if err != nil {
			return nil, errors.Annotate(err, "failed to query builds of %q", id).Tag(transient.Tag).Err()
		}
	}

	sort.Slice(builds, func(i, j int) bool { return builds[i].ID < builds[j].ID })
	res := &PeekResponse{Builds: builds}
	if len(builds) >= size {
		res.Builds = builds[:size]
		res.Cursor = fmt.Sprintf("%s%d", cursorPrefix, res.Builds[size-1].ID)
	}
	return res, nil
}

// Pause adds or removes a bucket from the pool Peek lists builds of.
func (s *Builds) Pause(ctx context.Context, bucketID string, paused bool) error {
	project, bucket, err := parseBucketID(bucketID)
	if err != nil {
		return err
	}
	return datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		b, err := common.GetBucket(ctx, project, bucket)
		if err != nil {
			return err
		}
		if b.Paused == paused {
			return nil
		}
		b.Paused = paused
		if err := datastore.Put(ctx, b); err != nil {
			return errors.Annotate(err, "failed to store bucket %q", bucketID).Tag(transient.Tag).Err()
		}
		return nil
	}, nil)
}
