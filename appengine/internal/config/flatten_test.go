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
	"strings"
	"testing"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"
	"go.chromium.org/luci/config/validation"
)

func messages(diags []Diagnostic) string {
	msgs := make([]string, len(diags))
	for i, d := range diags {
		msgs[i] = d.String()
	}
	return strings.Join(msgs, "\n")
}

func TestValidateMixins(t *testing.T) {
	t.Parallel()

	ftt.Run("ValidateMixins", t, func(t *ftt.Test) {
		t.Run("ok", func(t *ftt.Test) {
			diags := ValidateMixins([]*Mixin{
				{Name: "a", Layer: Layer{Mixins: []string{"b", "c"}}},
				{Name: "b", Layer: Layer{Mixins: []string{"c"}}},
				{Name: "c"},
			})
			assert.Loosely(t, diags, should.BeEmpty)
		})

		t.Run("self reference", func(t *ftt.Test) {
			diags := ValidateMixins([]*Mixin{
				{Name: "a", Layer: Layer{Mixins: []string{"a"}}},
			})
			assert.Loosely(t, diags, should.HaveLength(1))
			assert.Loosely(t, diags[0].Severity, should.Equal(validation.Blocking))
			assert.Loosely(t, diags[0].Message, should.ContainSubstring("circular mixin chain: a -> a"))
		})

		t.Run("long cycle", func(t *ftt.Test) {
			diags := ValidateMixins([]*Mixin{
				{Name: "a", Layer: Layer{Mixins: []string{"b"}}},
				{Name: "b", Layer: Layer{Mixins: []string{"c"}}},
				{Name: "c", Layer: Layer{Mixins: []string{"a"}}},
			})
			assert.Loosely(t, diags, should.HaveLength(1))
			assert.Loosely(t, diags[0].Message, should.ContainSubstring("circular mixin chain: a -> b -> c -> a"))
		})

		t.Run("bad names", func(t *ftt.Test) {
			diags := ValidateMixins([]*Mixin{
				{Name: ""},
				{Name: "a", Layer: Layer{Mixins: []string{"", "undefined"}}},
				{Name: "a"},
			})
			msgs := messages(diags)
			assert.Loosely(t, msgs, should.ContainSubstring("name unspecified"))
			assert.Loosely(t, msgs, should.ContainSubstring(`duplicate mixin name "a"`))
			assert.Loosely(t, msgs, should.ContainSubstring("referenced mixin name is empty"))
			assert.Loosely(t, msgs, should.ContainSubstring(`mixin "undefined" is not defined`))
		})
	})
}

func TestFlatten(t *testing.T) {
	t.Parallel()

	ftt.Run("Flatten", t, func(t *ftt.Test) {
		t.Run("diamond", func(t *ftt.Test) {
			mixins := []*Mixin{
				{
					Name: "base",
					Layer: Layer{
						Dimensions: []string{"d1:base", "d2:base", "d3:base"},
						Tags:       []string{"t1:base", "t2:base", "t3:base"},
						Caches: []Cache{
							{Name: "c1", Path: "base/c1"},
							{Name: "c2", Path: "base/c2"},
							{Name: "c3", Path: "base/c3"},
						},
						Recipe: &Recipe{
							Name:        Str("base"),
							Properties:  []string{"p1:1", "p2:1", "p3:1"},
							PropertiesJ: []string{"pj1:1", "pj2:1", "pj3:1"},
						},
					},
				},
				{
					Name: "first",
					Layer: Layer{
						Mixins:     []string{"base"},
						Dimensions: []string{"d2:first", "d3:first"},
						Tags:       []string{"t2:first", "t3:first"},
						Caches: []Cache{
							{Name: "c2", Path: "first/c2"},
							{Name: "c3", Path: "first/c3"},
						},
						Recipe: &Recipe{
							Repository:  Str("https://example.com/first"),
							Name:        Str("first"),
							Properties:  []string{"p2:2"},
							PropertiesJ: []string{"pj2:2"},
						},
					},
				},
				{
					Name: "second",
					Layer: Layer{
						Mixins:     []string{"base"},
						Dimensions: []string{"d2:", "d3:second"},
						Tags:       []string{"t3:"},
						Caches: []Cache{
							{Name: "c3", Path: "second"},
						},
						Recipe: &Recipe{
							Name:        Str("second"),
							Properties:  []string{"p3:3"},
							PropertiesJ: []string{"p2:null", "pj2:null", "pj3:3"},
						},
					},
				},
			}
			builder := &Builder{
				Name:  "builder",
				Layer: Layer{Mixins: []string{"first", "second"}},
			}

			res, diags := Flatten(builder, nil, mixins)
			assert.Loosely(t, diags, should.BeEmpty)
			assert.Loosely(t, res.Dimensions, should.Match([]Dimension{
				{Key: "d1", Value: "base"},
				{Key: "d2", Value: ""},
				{Key: "d3", Value: "second"},
			}))
			assert.Loosely(t, res.Tags, should.Match([]string{"t1:base", "t2:base", "t2:first"}))
			assert.Loosely(t, res.Caches, should.Match([]Cache{
				{Name: "c1", Path: "base/c1"},
				{Name: "c2", Path: "base/c2"},
				{Name: "c3", Path: "second"},
			}))
			assert.Loosely(t, res.Recipe.Repository, should.Equal("https://example.com/first"))
			assert.Loosely(t, res.Recipe.Name, should.Equal("second"))
			assert.Loosely(t, res.Recipe.Source(), should.Equal(RepositorySource))

			props, propsJ := res.Recipe.PropertyLists()
			assert.Loosely(t, props, should.Match([]string{"p1:1", "p3:3"}))
			assert.Loosely(t, propsJ, should.Match([]string{"pj1:1", "pj3:3"}))
			assert.Loosely(t, string(res.Recipe.Properties["p1"]), should.Equal(`"1"`))
			assert.Loosely(t, string(res.Recipe.Properties["pj3"]), should.Equal(`3`))
		})

		t.Run("merge order", func(t *ftt.Test) {
			mixins := []*Mixin{
				{Name: "defaults-mixin", Layer: Layer{ServiceAccount: Str("dm@example.com"), Priority: intPtr(10)}},
				{Name: "builder-mixin", Layer: Layer{ServiceAccount: Str("bm@example.com")}},
			}
			defaults := &Layer{
				Mixins:       []string{"defaults-mixin"},
				SwarmingHost: Str("swarming.example.com"),
				Priority:     intPtr(20),
				Recipe:       &Recipe{Name: Str("recipe"), CipdPackage: Str("infra/recipe_bundle")},
			}

			t.Run("builder mixins beat defaults", func(t *ftt.Test) {
				res, diags := Flatten(&Builder{
					Name:  "b",
					Layer: Layer{Mixins: []string{"builder-mixin"}},
				}, defaults, mixins)
				assert.Loosely(t, diags, should.BeEmpty)
				assert.Loosely(t, res.ServiceAccount, should.Equal("bm@example.com"))
				assert.Loosely(t, res.Priority, should.Equal(20))
				assert.Loosely(t, res.SwarmingHost, should.Equal("swarming.example.com"))
			})

			t.Run("builder fields beat everything", func(t *ftt.Test) {
				res, diags := Flatten(&Builder{
					Name: "b",
					Layer: Layer{
						Mixins:         []string{"builder-mixin"},
						ServiceAccount: Str("b@example.com"),
						SwarmingHost:   Str(ClearValue),
						Priority:       intPtr(30),
					},
				}, defaults, mixins)
				assert.Loosely(t, diags, should.BeEmpty)
				assert.Loosely(t, res.ServiceAccount, should.Equal("b@example.com"))
				assert.Loosely(t, res.SwarmingHost, should.BeEmpty)
				assert.Loosely(t, res.Priority, should.Equal(30))
			})
		})

		t.Run("undefined mixin", func(t *ftt.Test) {
			res, diags := Flatten(&Builder{
				Name:  "b",
				Layer: Layer{Mixins: []string{"nope"}},
			}, nil, nil)
			assert.Loosely(t, res, should.BeNil)
			assert.Loosely(t, messages(diags), should.ContainSubstring(`mixin "nope" is not defined`))
		})

		t.Run("cycle", func(t *ftt.Test) {
			res, diags := Flatten(&Builder{
				Name:  "b",
				Layer: Layer{Mixins: []string{"a"}},
			}, nil, []*Mixin{
				{Name: "a", Layer: Layer{Mixins: []string{"b"}}},
				{Name: "b", Layer: Layer{Mixins: []string{"a"}}},
			})
			assert.Loosely(t, res, should.BeNil)
			assert.Loosely(t, messages(diags), should.ContainSubstring("circular mixin chain: a -> b -> a"))
		})

		t.Run("warnings do not fail", func(t *ftt.Test) {
			res, diags := Flatten(&Builder{
				Name: "b",
				Layer: Layer{
					LuciMigrationHost: Str("migration.example.com"),
					Recipe:            &Recipe{Name: Str("r"), Repository: Str("https://example.com/r")},
				},
			}, nil, nil)
			assert.Loosely(t, res, should.NotBeNil)
			assert.Loosely(t, diags, should.HaveLength(1))
			assert.Loosely(t, diags[0].Severity, should.Equal(validation.Warning))
			assert.Loosely(t, diags[0].Message, should.ContainSubstring("luci_migration_host is deprecated"))
		})
	})
}

func intPtr(i int) *int {
	return &i
}
