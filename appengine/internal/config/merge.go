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
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/data/strpair"
	"go.chromium.org/luci/common/errors"
)

// ParseDimension parses "key:value" or "<expiration_secs>:key:value".
func ParseDimension(s string) (Dimension, error) {
	if !strings.Contains(s, ":") {
		return Dimension{}, errors.Reason("%q does not have ':'", s).Err()
	}
	k, v := strpair.Parse(s)
	if secs, err := strconv.Atoi(k); err == nil {
		if !strings.Contains(v, ":") {
			return Dimension{}, errors.Reason("%q does not have ':' after expiration_secs", s).Err()
		}
		k, v = strpair.Parse(v)
		if k == "" {
			return Dimension{}, errors.Reason("no key in %q", s).Err()
		}
		return Dimension{Key: k, Value: v, ExpirationSecs: secs}, nil
	}
	if k == "" {
		return Dimension{}, errors.Reason("no key in %q", s).Err()
	}
	return Dimension{Key: k, Value: v}, nil
}

// Merge returns the result of applying layer on top of b.
//
// Neither argument is modified. Mixins listed in the layer are not followed;
// see Flatten. Malformed dimensions, tags and properties are skipped, they are
// reported by validation.
func Merge(b ResolvedBuilder, l *Layer) ResolvedBuilder {
	if l == nil {
		return b
	}
	out := b
	out.SwarmingHost = l.SwarmingHost.Apply(b.SwarmingHost)
	out.ServiceAccount = l.ServiceAccount.Apply(b.ServiceAccount)
	out.LuciMigrationHost = l.LuciMigrationHost.Apply(b.LuciMigrationHost)

	out.Dimensions = mergeDimensions(b.Dimensions, l.Dimensions)
	out.Tags = mergeTags(b.Tags, l.Tags)
	out.Caches = mergeCaches(b.Caches, l.Caches)
	out.Recipe = mergeRecipe(b.Recipe, l.Recipe)

	out.Priority = applyInt(l.Priority, b.Priority)
	out.ExecutionTimeoutSecs = applyInt(l.ExecutionTimeoutSecs, b.ExecutionTimeoutSecs)
	out.CanaryPercentage = applyInt(l.CanaryPercentage, b.CanaryPercentage)
	out.ExperimentPercentage = applyInt(l.ExperimentPercentage, b.ExperimentPercentage)

	out.Experimental = l.Experimental.Apply(b.Experimental)
	out.AutoBuilderDimension = l.AutoBuilderDimension.Apply(b.AutoBuilderDimension)
	out.BuildNumbers = l.BuildNumbers.Apply(b.BuildNumbers)
	return out
}

func applyInt(v *int, cur int) int {
	if v == nil {
		return cur
	}
	return *v
}

// mergeDimensions overrides dimensions by key.
//
// The first mention of a key in the layer drops every value inherited for
// that key. Values within one layer accumulate. An empty value leaves a single
// empty-valued marker for the key.
func mergeDimensions(cur []Dimension, layer []string) []Dimension {
	if len(layer) == 0 {
		return cur
	}
	out := append([]Dimension(nil), cur...)
	touched := stringset.New(len(layer))
	for _, s := range layer {
		d, err := ParseDimension(s)
		if err != nil {
			continue
		}
		if touched.Add(d.Key) || d.Value == "" {
			out = dropDimension(out, d.Key)
		}
		if d.Value != "" {
			out = dropDimensionValue(out, d.Key, "")
		}
		dup := false
		for _, e := range out {
			if e == d {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, d)
		}
	}
	sortDimensions(out)
	return out
}

func dropDimension(dims []Dimension, key string) []Dimension {
	ret := dims[:0]
	for _, d := range dims {
		if d.Key != key {
			ret = append(ret, d)
		}
	}
	return ret
}

func dropDimensionValue(dims []Dimension, key, value string) []Dimension {
	ret := dims[:0]
	for _, d := range dims {
		if d.Key != key || d.Value != value {
			ret = append(ret, d)
		}
	}
	return ret
}

func sortDimensions(dims []Dimension) {
	sort.Slice(dims, func(i, j int) bool {
		a, b := dims[i], dims[j]
		switch {
		case a.Key != b.Key:
			return a.Key < b.Key
		case a.Value != b.Value:
			return a.Value < b.Value
		default:
			return a.ExpirationSecs < b.ExpirationSecs
		}
	})
}

// mergeTags treats tags as a set of pairs. An empty value drops every pair
// with that key.
func mergeTags(cur []string, layer []string) []string {
	if len(layer) == 0 {
		return cur
	}
	set := stringset.NewFromSlice(cur...)
	for _, t := range layer {
		if !strings.Contains(t, ":") {
			continue
		}
		k, v := strpair.Parse(t)
		if v == "" {
			for _, e := range set.ToSlice() {
				if ek, _ := strpair.Parse(e); ek == k {
					set.Del(e)
				}
			}
			continue
		}
		set.Add(t)
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

// mergeCaches replaces caches by name and sorts the result by name.
func mergeCaches(cur []Cache, layer []Cache) []Cache {
	if len(layer) == 0 {
		return cur
	}
	byName := make(map[string]Cache, len(cur)+len(layer))
	for _, c := range cur {
		byName[c.Name] = c
	}
	for _, c := range layer {
		byName[c.Name] = c
	}
	out := make([]Cache, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func mergeRecipe(cur *ResolvedRecipe, r *Recipe) *ResolvedRecipe {
	if r == nil {
		return cur
	}
	out := &ResolvedRecipe{}
	if cur != nil {
		*out = *cur
	}
	out.Name = r.Name.Apply(out.Name)
	out.Repository = r.Repository.Apply(out.Repository)
	out.CipdPackage = r.CipdPackage.Apply(out.CipdPackage)
	out.CipdVersion = r.CipdVersion.Apply(out.CipdVersion)

	props := make(map[string]json.RawMessage, len(out.Properties)+len(r.Properties)+len(r.PropertiesJ))
	for k, v := range out.Properties {
		props[k] = v
	}
	for _, p := range r.Properties {
		if !strings.Contains(p, ":") {
			continue
		}
		k, v := strpair.Parse(p)
		raw, _ := json.Marshal(v)
		props[k] = raw
	}
	for _, p := range r.PropertiesJ {
		if !strings.Contains(p, ":") {
			continue
		}
		k, v := strpair.Parse(p)
		if !json.Valid([]byte(v)) {
			continue
		}
		if strings.TrimSpace(v) == "null" {
			delete(props, k)
			continue
		}
		props[k] = json.RawMessage(v)
	}
	if len(props) == 0 {
		props = nil
	}
	out.Properties = props
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
