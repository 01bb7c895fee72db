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
	"testing"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
)

const projectYAML = `
name: chromium
revision: deadbeef
mixins:
- name: linux
  dimensions:
  - os:Linux
  caches:
  - name: git
    path: git
    wait_for_warm_cache_secs: 240
buckets:
- name: ci
  builder_defaults:
    swarming_host: swarming.example.com
    priority: 30
    experimental: no
    recipe:
      cipd_package: infra/recipe_bundles/chromium
      cipd_version: refs/heads/main
  builders:
  - name: linux-rel
    mixins: [linux]
    auto_builder_dimension: yes
    service_account: "-"
    recipe:
      name: chromium
      properties:
      - target:Release
      properties_j:
      - jobs:8
`

func TestResolver(t *testing.T) {
	t.Parallel()

	ftt.Run("Resolver", t, func(t *ftt.Test) {
		ctx := context.Background()
		cfg, err := LoadProject([]byte(projectYAML))
		assert.Loosely(t, err, should.BeNil)
		r := NewResolver(DefaultPolicy, 16)

		t.Run("LoadProject", func(t *ftt.Test) {
			assert.Loosely(t, cfg.Buckets, should.HaveLength(1))
			bld := cfg.Bucket("ci").Builder("linux-rel")
			assert.Loosely(t, bld.AutoBuilderDimension, should.Equal(Yes))
			assert.Loosely(t, bld.ServiceAccount, should.Match(OptString{Op: Clear}))
			assert.Loosely(t, bld.Recipe.Name, should.Match(OptString{Op: Set, Value: "chromium"}))
			assert.Loosely(t, cfg.Bucket("ci").BuilderDefaults.Experimental, should.Equal(No))

			_, err := LoadProject([]byte("unknown_field: 1"))
			assert.Loosely(t, err, should.ErrLike("failed to parse project config"))
		})

		t.Run("Resolve", func(t *ftt.Test) {
			res, err := r.Resolve(ctx, cfg, "ci", "linux-rel")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, res.Project, should.Equal("chromium"))
			assert.Loosely(t, res.Bucket, should.Equal("ci"))
			assert.Loosely(t, res.SwarmingHost, should.Equal("swarming.example.com"))
			assert.Loosely(t, res.Priority, should.Equal(30))
			assert.Loosely(t, res.AutoBuilderDimension, should.BeTrue)
			assert.Loosely(t, res.Dimensions, should.Match([]Dimension{{Key: "os", Value: "Linux"}}))
			assert.Loosely(t, res.Recipe.Source(), should.Equal(CipdSource))
			assert.Loosely(t, string(res.Recipe.Properties["jobs"]), should.Equal("8"))

			again, err := r.Resolve(ctx, cfg, "ci", "linux-rel")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, again == res, should.BeTrue)

			r.Invalidate("chromium")
			fresh, err := r.Resolve(ctx, cfg, "ci", "linux-rel")
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, fresh == res, should.BeFalse)
			assert.Loosely(t, fresh, should.Match(res))
		})

		t.Run("not found", func(t *ftt.Test) {
			_, err := r.Resolve(ctx, cfg, "try", "linux-rel")
			assert.Loosely(t, errors.Contains(err, ErrNotFound), should.BeTrue)
			_, err = r.Resolve(ctx, cfg, "ci", "mac")
			assert.Loosely(t, errors.Contains(err, ErrNotFound), should.BeTrue)
		})

		t.Run("invalid", func(t *ftt.Test) {
			cfg.Bucket("ci").Builder("linux-rel").Recipe.Repository = Str("https://example.com/r")
			_, err := r.Resolve(ctx, cfg, "ci", "linux-rel")
			invalid, ok := err.(*InvalidError)
			assert.Loosely(t, ok, should.BeTrue)
			assert.Loosely(t, invalid.Error(), should.ContainSubstring("not both"))
		})
	})
}
