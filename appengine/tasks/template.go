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
	"encoding/json"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/data/caching/lru"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/bbsched/appengine/model"
)

// DefaultExpirationSecs is the scheduling budget of templates that do not
// set one.
const DefaultExpirationSecs = 6 * 60 * 60

// TaskTemplate is a versioned skeleton of a worker task.
//
// Strings may reference ${builder}, ${bucket}, ${project}, ${build_id},
// ${hostname}, ${recipe}, ${repository}, ${cipd_package}, ${cipd_version},
// ${properties_json} and ${cache_dir}.
type TaskTemplate struct {
	// Revision is set by the template provider.
	Revision string `json:"revision,omitempty" yaml:"revision"`
	// Name is the task name pattern.
	Name string `json:"name,omitempty" yaml:"name"`
	// Tags are "key:value" task tags.
	Tags     []string `json:"tags,omitempty" yaml:"tags"`
	Priority int      `json:"priority,omitempty" yaml:"priority"`
	// ExpirationSecs is the total time a task may be pending, across all of
	// its slices.
	ExpirationSecs int              `json:"expiration_secs,omitempty" yaml:"expiration_secs"`
	Slices         []*SliceSkeleton `json:"task_slices" yaml:"task_slices"`
}

// SliceSkeleton is one task slice of a template.
type SliceSkeleton struct {
	// ExpirationSecs is only used by templates with multiple slices.
	ExpirationSecs  int  `json:"expiration_secs,omitempty" yaml:"expiration_secs"`
	WaitForCapacity bool `json:"wait_for_capacity,omitempty" yaml:"wait_for_capacity"`
	// Dimensions are "key:value".
	Dimensions []string       `json:"dimensions,omitempty" yaml:"dimensions"`
	Caches     []*CacheEntry  `json:"caches,omitempty" yaml:"caches"`
	CipdInput  []*CipdPackage `json:"cipd_input,omitempty" yaml:"cipd_input"`
	ExtraArgs  []string       `json:"extra_args,omitempty" yaml:"extra_args"`
	// Env are "key:value".
	Env                  []string `json:"env,omitempty" yaml:"env"`
	ExecutionTimeoutSecs int      `json:"execution_timeout_secs,omitempty" yaml:"execution_timeout_secs"`
	GracePeriodSecs      int      `json:"grace_period_secs,omitempty" yaml:"grace_period_secs"`
}

// ParseTemplate parses a JSON or YAML task template.
func ParseTemplate(data []byte) (*TaskTemplate, error) {
	t := &TaskTemplate{}
	if err := yaml.UnmarshalStrict(data, t); err != nil {
		return nil, errors.Annotate(err, "failed to parse task template").Err()
	}
	if len(t.Slices) == 0 {
		return nil, errors.Reason("task template has no task_slices").Err()
	}
	return t, nil
}

// TemplateProvider returns the current revision of a template.
type TemplateProvider interface {
	// GetTemplate returns the production or the canary revision of the named
	// template. Returns nil and no error if it does not exist.
	GetTemplate(ctx context.Context, name string, canary bool) (*TaskTemplate, error)
}

// StaticTemplates is a TemplateProvider serving fixed templates, keyed by
// model.TaskTemplateID.
type StaticTemplates map[string]*TaskTemplate

// GetTemplate implements TemplateProvider.
func (s StaticTemplates) GetTemplate(ctx context.Context, name string, canary bool) (*TaskTemplate, error) {
	return s[model.TaskTemplateID(name, canary)], nil
}

// DatastoreTemplates serves templates stored as model.TaskTemplate
// entities, caching them in memory for TTL.
type DatastoreTemplates struct {
	TTL   time.Duration
	cache *lru.Cache[string, *TaskTemplate]
}

// NewDatastoreTemplates returns a provider caching templates for ttl.
func NewDatastoreTemplates(ttl time.Duration) *DatastoreTemplates {
	return &DatastoreTemplates{
		TTL:   ttl,
		cache: lru.New[string, *TaskTemplate](64),
	}
}

// Invalidate drops the cached revisions of the named template.
func (d *DatastoreTemplates) Invalidate(name string) {
	d.cache.Remove(model.TaskTemplateID(name, false))
	d.cache.Remove(model.TaskTemplateID(name, true))
}

// GetTemplate implements TemplateProvider.
func (d *DatastoreTemplates) GetTemplate(ctx context.Context, name string, canary bool) (*TaskTemplate, error) {
	id := model.TaskTemplateID(name, canary)
	return d.cache.GetOrCreate(ctx, id, func() (*TaskTemplate, time.Duration, error) {
		ent := &model.TaskTemplate{ID: id}
		switch err := datastore.Get(ctx, ent); {
		case errors.Contains(err, datastore.ErrNoSuchEntity):
			return nil, d.TTL, nil
		case err != nil:
			return nil, 0, errors.Annotate(err, "failed to fetch task template %q", id).Tag(transient.Tag).Err()
		}
		t := &TaskTemplate{}
		if err := json.Unmarshal(ent.Template, t); err != nil {
			return nil, 0, errors.Annotate(err, "task template %q at %q is malformed", id, ent.Revision).Err()
		}
		t.Revision = ent.Revision
		return t, d.TTL, nil
	})
}
