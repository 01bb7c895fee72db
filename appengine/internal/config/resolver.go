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

package config

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"go.chromium.org/luci/common/data/caching/lru"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
)

// ErrNotFound is returned by Resolve if the bucket or the builder is not
// defined in the project config.
var ErrNotFound = errors.New("not found in the project config")

// InvalidError is returned when a builder cannot be flattened.
type InvalidError struct {
	Diagnostics []Diagnostic
}

func (e *InvalidError) Error() string {
	msgs := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		msgs = append(msgs, d.String())
	}
	return "invalid builder config: " + strings.Join(msgs, "; ")
}

// LoadProject parses a YAML project config.
func LoadProject(data []byte) (*Project, error) {
	cfg := &Project{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, errors.Annotate(err, "failed to parse project config").Err()
	}
	return cfg, nil
}

// Resolver flattens builders and memoizes the results per config revision.
//
// Results are shared between callers and must not be modified.
type Resolver struct {
	policy Policy
	cache  *lru.Cache[string, *ResolvedBuilder]

	m           sync.Mutex
	generations map[string]int
}

// NewResolver returns a Resolver keeping at most size flattened builders.
func NewResolver(policy Policy, size int) *Resolver {
	return &Resolver{
		policy:      policy,
		cache:       lru.New[string, *ResolvedBuilder](size),
		generations: map[string]int{},
	}
}

// Invalidate drops every memoized builder of the project.
func (r *Resolver) Invalidate(project string) {
	r.m.Lock()
	r.generations[project]++
	r.m.Unlock()
}

func (r *Resolver) cacheKey(cfg *Project, bucket, builder string) string {
	r.m.Lock()
	gen := r.generations[cfg.Name]
	r.m.Unlock()
	return fmt.Sprintf("%s@%s#%d/%s/%s", cfg.Name, cfg.Revision, gen, bucket, builder)
}

// Resolve returns the flattened builder.
//
// Returns an error wrapping ErrNotFound if the bucket or the builder is
// absent, and *InvalidError if the builder config has blocking errors.
func (r *Resolver) Resolve(ctx context.Context, cfg *Project, bucket, builder string) (*ResolvedBuilder, error) {
	b := cfg.Bucket(bucket)
	if b == nil {
		return nil, errors.Annotate(ErrNotFound, "bucket %q", bucket).Err()
	}
	bld := b.Builder(builder)
	if bld == nil {
		return nil, errors.Annotate(ErrNotFound, "builder %q in bucket %q", builder, bucket).Err()
	}
	return r.cache.GetOrCreate(ctx, r.cacheKey(cfg, bucket, builder), func() (*ResolvedBuilder, time.Duration, error) {
		res, diags := r.policy.Flatten(bld, b.BuilderDefaults, cfg.Mixins)
		if res == nil {
			return nil, 0, &InvalidError{Diagnostics: diags}
		}
		for _, d := range diags {
			logging.Warningf(ctx, "%s/%s/%s: %s", cfg.Name, bucket, builder, d)
		}
		res.Project = cfg.Name
		res.Bucket = bucket
		return res, 0, nil
	})
}
