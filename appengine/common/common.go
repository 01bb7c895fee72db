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

// Package common contains the error kinds and helpers shared by the
// scheduling operations.
package common

import (
	"context"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/bbsched/appengine/model"
)

// GetBuild returns the build with the given ID or a NotFound error if it is
// not found. Other errors are tagged as transient.
func GetBuild(ctx context.Context, id int64) (*model.Build, error) {
	b := &model.Build{ID: id}
	switch err := datastore.Get(ctx, b); {
	case errors.Contains(err, datastore.ErrNoSuchEntity):
		return nil, Errorf(NotFound, "build %d not found", id)
	case err != nil:
		return nil, errors.Annotate(err, "error fetching build %d", id).Tag(transient.Tag).Err()
	default:
		return b, nil
	}
}

// GetBuildTask returns the task entity of the build or a NotFound error.
func GetBuildTask(ctx context.Context, id int64) (*model.BuildTask, error) {
	t := model.NewBuildTask(ctx, id)
	switch err := datastore.Get(ctx, t); {
	case errors.Contains(err, datastore.ErrNoSuchEntity):
		return nil, Errorf(NotFound, "task of build %d not found", id)
	case err != nil:
		return nil, errors.Annotate(err, "error fetching task of build %d", id).Tag(transient.Tag).Err()
	default:
		return t, nil
	}
}

// GetBucket returns the bucket entity or a NotFound error.
func GetBucket(ctx context.Context, project, bucket string) (*model.Bucket, error) {
	b := &model.Bucket{ID: bucket, Parent: model.ProjectKey(ctx, project)}
	switch err := datastore.Get(ctx, b); {
	case errors.Contains(err, datastore.ErrNoSuchEntity):
		return nil, Errorf(NotFound, "bucket %q not found", model.BucketID(project, bucket))
	case err != nil:
		return nil, errors.Annotate(err, "error fetching bucket %q", model.BucketID(project, bucket)).Tag(transient.Tag).Err()
	default:
		return b, nil
	}
}
