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
	"time"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/gae/service/datastore"
)

// Project is a LUCI project with its stored builder config.
type Project struct {
	_kind string `gae:"$kind,Project"`
	ID    string `gae:"$id"`
	// Revision is the config revision Config was read at.
	Revision string `gae:"revision,noindex"`
	// Config is the YAML project config.
	Config []byte `gae:"config,noindex"`
}

// ProjectKey returns a datastore key of a project.
func ProjectKey(ctx context.Context, project string) *datastore.Key {
	return datastore.KeyForObj(ctx, &Project{ID: project})
}

// Bucket is a bucket of builders.
type Bucket struct {
	_kind string `gae:"$kind,Bucket"`
	// ID is the bucket name without the project.
	ID     string         `gae:"$id"`
	Parent *datastore.Key `gae:"$parent"`
	// Paused buckets are excluded from peeking.
	Paused bool `gae:"paused"`
}

// BucketKey returns a datastore key of a bucket.
func BucketKey(ctx context.Context, project, bucket string) *datastore.Key {
	return datastore.KeyForObj(ctx, &Bucket{
		ID:     bucket,
		Parent: ProjectKey(ctx, project),
	})
}

// Project returns the project the bucket belongs to.
func (b *Bucket) Project() string {
	return b.Parent.StringID()
}

// TaskTemplate is a stored revision of a task template.
type TaskTemplate struct {
	_kind string `gae:"$kind,TaskTemplate"`
	// ID is the template name, with a ":canary" suffix for the canary
	// revision.
	ID       string `gae:"$id"`
	Revision string `gae:"revision,noindex"`
	// Template is the JSON-encoded template.
	Template   []byte    `gae:"template,noindex"`
	UpdateTime time.Time `gae:"update_time,noindex"`
}

// TaskTemplateID returns the entity id of a template revision.
func TaskTemplateID(name string, canary bool) string {
	if canary {
		return name + ":canary"
	}
	return name
}

// NumberSequence is the next number of a sequence, e.g. of builds of one
// builder.
type NumberSequence struct {
	_kind string `gae:"$kind,NumberSequence"`
	// ID is the sequence name, "<project>/<bucket>/<builder>" for builders.
	ID   string `gae:"$id"`
	Next int32  `gae:"next_number,noindex"`
}

// GenerateSequenceNumbers reserves n numbers of the sequence and returns the
// first one. Sequences start at 1. Must not be called within a transaction.
func GenerateSequenceNumbers(ctx context.Context, name string, n int) (int32, error) {
	var first int32
	err := datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		seq := &NumberSequence{ID: name}
		switch err := datastore.Get(ctx, seq); {
		case errors.Contains(err, datastore.ErrNoSuchEntity):
			seq.Next = 1
		case err != nil:
			return errors.Annotate(err, "error fetching sequence %q", name).Err()
		}
		first = seq.Next
		if n == 0 {
			return nil
		}
		seq.Next += int32(n)
		return errors.Annotate(datastore.Put(ctx, seq), "error updating sequence %q", name).Err()
	}, nil)
	if err != nil {
		return 0, err
	}
	return first, nil
}
