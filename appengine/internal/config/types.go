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

// Package config resolves layered builder configuration.
//
// A project config declares mixins and buckets. Every bucket may carry
// builder defaults, and every builder may list mixins. Flatten merges all of
// them into a single ResolvedBuilder.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.chromium.org/luci/common/errors"
)

// ClearValue is the scalar value that explicitly clears an inherited value.
const ClearValue = "-"

// ScalarOp says what a layer does with a scalar field.
type ScalarOp int

const (
	// Inherit keeps the value set by lower layers.
	Inherit ScalarOp = iota
	// Clear resets the value to empty.
	Clear
	// Set overwrites the value.
	Set
)

// OptString is an optional string field of a config layer.
type OptString struct {
	Op    ScalarOp
	Value string
}

// Str parses a config literal: "" inherits, "-" clears, anything else sets.
func Str(v string) OptString {
	switch v {
	case "":
		return OptString{}
	case ClearValue:
		return OptString{Op: Clear}
	default:
		return OptString{Op: Set, Value: v}
	}
}

// Apply returns the value after applying o on top of cur.
func (o OptString) Apply(cur string) string {
	switch o.Op {
	case Clear:
		return ""
	case Set:
		return o.Value
	default:
		return cur
	}
}

// IsSet is true if o is not Inherit.
func (o OptString) IsSet() bool {
	return o.Op != Inherit
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *OptString) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*o = Str(s)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (o OptString) MarshalJSON() ([]byte, error) {
	switch o.Op {
	case Clear:
		return json.Marshal(ClearValue)
	case Set:
		return json.Marshal(o.Value)
	default:
		return []byte("null"), nil
	}
}

// Toggle is a three-valued boolean field.
type Toggle int

const (
	// Unset inherits the value from lower layers.
	Unset Toggle = iota
	Yes
	No
)

// Apply returns the value after applying t on top of cur.
func (t Toggle) Apply(cur bool) bool {
	switch t {
	case Yes:
		return true
	case No:
		return false
	default:
		return cur
	}
}

func (t Toggle) String() string {
	switch t {
	case Yes:
		return "YES"
	case No:
		return "NO"
	default:
		return "UNSET"
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
//
// Accepts booleans as well as "yes", "no" and "unset" in any case.
func (t *Toggle) UnmarshalYAML(unmarshal func(any) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		if b {
			*t = Yes
		} else {
			*t = No
		}
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "yes":
		*t = Yes
	case "no":
		*t = No
	case "", "unset":
		*t = Unset
	default:
		return errors.Reason("invalid toggle value %q", s).Err()
	}
	return nil
}

// Cache is a named cache mounted into the task.
type Cache struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
	// WaitForWarmCacheSecs, if positive, makes the task prefer bots that already
	// have this cache for that long before falling back to any bot.
	WaitForWarmCacheSecs int    `yaml:"wait_for_warm_cache_secs" json:"wait_for_warm_cache_secs,omitempty"`
	EnvVar               string `yaml:"env_var" json:"env_var,omitempty"`
}

// Recipe is the recipe section of a config layer.
type Recipe struct {
	Name        OptString `yaml:"name"`
	Repository  OptString `yaml:"repository"`
	CipdPackage OptString `yaml:"cipd_package"`
	CipdVersion OptString `yaml:"cipd_version"`
	// Properties are "key:value" pairs, values are strings.
	Properties []string `yaml:"properties"`
	// PropertiesJ are "key:<json>" pairs. A null value removes the key.
	PropertiesJ []string `yaml:"properties_j"`
}

// Layer is the field set shared by builder defaults, mixins and builders.
//
// Every field is optional. Unset fields inherit from lower layers.
type Layer struct {
	Mixins []string `yaml:"mixins"`

	SwarmingHost      OptString `yaml:"swarming_host"`
	ServiceAccount    OptString `yaml:"service_account"`
	LuciMigrationHost OptString `yaml:"luci_migration_host"`

	// Dimensions are "key:value" or "<expiration_secs>:key:value".
	Dimensions []string `yaml:"dimensions"`
	// Tags are "key:value".
	Tags   []string `yaml:"tags"`
	Caches []Cache  `yaml:"caches"`
	Recipe *Recipe  `yaml:"recipe"`

	Priority             *int `yaml:"priority"`
	ExecutionTimeoutSecs *int `yaml:"execution_timeout_secs"`
	CanaryPercentage     *int `yaml:"task_template_canary_percentage"`
	ExperimentPercentage *int `yaml:"experiment_percentage"`

	Experimental         Toggle `yaml:"experimental"`
	AutoBuilderDimension Toggle `yaml:"auto_builder_dimension"`
	BuildNumbers         Toggle `yaml:"build_numbers"`
}

// Mixin is a named reusable Layer.
type Mixin struct {
	Name  string `yaml:"name"`
	Layer `yaml:",inline"`
}

// Builder is a raw builder definition.
type Builder struct {
	Name  string `yaml:"name"`
	Layer `yaml:",inline"`
}

// Bucket groups builders sharing defaults.
type Bucket struct {
	Name            string     `yaml:"name"`
	BuilderDefaults *Layer     `yaml:"builder_defaults"`
	Builders        []*Builder `yaml:"builders"`
}

// Project is the whole config document of a project.
type Project struct {
	Name     string    `yaml:"name"`
	Revision string    `yaml:"revision"`
	Mixins   []*Mixin  `yaml:"mixins"`
	Buckets  []*Bucket `yaml:"buckets"`
}

// Bucket returns the bucket with the given name or nil.
func (p *Project) Bucket(name string) *Bucket {
	for _, b := range p.Buckets {
		if b.Name == name {
			return b
		}
	}
	return nil
}

// Builder returns the builder with the given name or nil.
func (b *Bucket) Builder(name string) *Builder {
	for _, bld := range b.Builders {
		if bld.Name == name {
			return bld
		}
	}
	return nil
}

// Dimension is one requested bot dimension.
type Dimension struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	// ExpirationSecs is 0 for required dimensions.
	ExpirationSecs int `json:"expiration_secs,omitempty"`
}

func (d Dimension) String() string {
	if d.ExpirationSecs > 0 {
		return fmt.Sprintf("%d:%s:%s", d.ExpirationSecs, d.Key, d.Value)
	}
	return d.Key + ":" + d.Value
}

// RecipeSource identifies where the recipe comes from.
type RecipeSource int

const (
	NoSource RecipeSource = iota
	RepositorySource
	CipdSource
)

// ResolvedRecipe is a fully merged recipe.
type ResolvedRecipe struct {
	Name        string                     `json:"name,omitempty"`
	Repository  string                     `json:"repository,omitempty"`
	CipdPackage string                     `json:"cipd_package,omitempty"`
	CipdVersion string                     `json:"cipd_version,omitempty"`
	Properties  map[string]json.RawMessage `json:"properties,omitempty"`
}

// Source returns the recipe source. Both set is reported as NoSource.
func (r *ResolvedRecipe) Source() RecipeSource {
	switch {
	case r.Repository != "" && r.CipdPackage == "":
		return RepositorySource
	case r.CipdPackage != "" && r.Repository == "":
		return CipdSource
	default:
		return NoSource
	}
}

// PropertyLists splits the properties back into "key:value" string pairs
// and "key:<json>" pairs for everything that is not a JSON string. Both lists
// are sorted by key.
func (r *ResolvedRecipe) PropertyLists() (props, propsJ []string) {
	for _, k := range sortedKeys(r.Properties) {
		raw := r.Properties[k]
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			props = append(props, k+":"+s)
		} else {
			propsJ = append(propsJ, k+":"+string(raw))
		}
	}
	return
}

// ResolvedBuilder is a fully merged builder config.
//
// It is derived per scheduling call and never stored.
type ResolvedBuilder struct {
	Project string `json:"project"`
	Bucket  string `json:"bucket"`
	Name    string `json:"name"`

	SwarmingHost      string `json:"swarming_host,omitempty"`
	ServiceAccount    string `json:"service_account,omitempty"`
	LuciMigrationHost string `json:"luci_migration_host,omitempty"`

	// Dimensions are sorted by key, value and expiration.
	Dimensions []Dimension `json:"dimensions,omitempty"`
	// Tags are sorted "key:value" pairs.
	Tags []string `json:"tags,omitempty"`
	// Caches are sorted by name.
	Caches []Cache         `json:"caches,omitempty"`
	Recipe *ResolvedRecipe `json:"recipe,omitempty"`

	Priority             int `json:"priority,omitempty"`
	ExecutionTimeoutSecs int `json:"execution_timeout_secs,omitempty"`
	CanaryPercentage     int `json:"task_template_canary_percentage,omitempty"`
	ExperimentPercentage int `json:"experiment_percentage,omitempty"`

	Experimental         bool `json:"experimental,omitempty"`
	AutoBuilderDimension bool `json:"auto_builder_dimension,omitempty"`
	BuildNumbers         bool `json:"build_numbers,omitempty"`
}

// DimensionValues returns the values of the dimension key, in order.
func (b *ResolvedBuilder) DimensionValues(key string) []string {
	var ret []string
	for _, d := range b.Dimensions {
		if d.Key == key {
			ret = append(ret, d.Value)
		}
	}
	return ret
}
