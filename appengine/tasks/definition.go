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
	"encoding/json"
	"sort"
)

// StringPair is a key and a value.
type StringPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// StringListPair is a key and a list of values.
type StringListPair struct {
	Key   string   `json:"key"`
	Value []string `json:"value"`
}

// CacheEntry is a named cache mounted at a path relative to the task root.
type CacheEntry struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// CipdPackage is a package installed into the task root.
type CipdPackage struct {
	PackageName string `json:"package_name" yaml:"package_name"`
	Version     string `json:"version" yaml:"version"`
	Path        string `json:"path" yaml:"path"`
}

// SliceProperties are the execution requirements of a task slice.
type SliceProperties struct {
	// Dimensions are sorted by key, then value.
	Dimensions           []StringPair     `json:"dimensions,omitempty"`
	Caches               []CacheEntry     `json:"caches,omitempty"`
	CipdInput            []CipdPackage    `json:"cipd_input,omitempty"`
	ExtraArgs            []string         `json:"extra_args,omitempty"`
	ExecutionTimeoutSecs int              `json:"execution_timeout_secs,omitempty"`
	GracePeriodSecs      int              `json:"grace_period_secs,omitempty"`
	Env                  []StringPair     `json:"env,omitempty"`
	EnvPrefixes          []StringListPair `json:"env_prefixes,omitempty"`
}

func (p *SliceProperties) clone() *SliceProperties {
	out := *p
	out.Dimensions = append([]StringPair(nil), p.Dimensions...)
	return &out
}

func sortPairs(pairs []StringPair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Key == pairs[j].Key {
			return pairs[i].Value < pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})
}

// TaskSlice is one expiration tier of a task.
type TaskSlice struct {
	ExpirationSecs  int              `json:"expiration_secs"`
	WaitForCapacity bool             `json:"wait_for_capacity,omitempty"`
	Properties      *SliceProperties `json:"properties"`
}

// TaskDefinition is a worker task synthesized for a build.
type TaskDefinition struct {
	BuildID int64 `json:"build_id,string"`
	// SwarmingHost is the worker backend the task is submitted to.
	SwarmingHost   string       `json:"swarming_host"`
	Name           string       `json:"name"`
	Tags           []string     `json:"tags"`
	Priority       int          `json:"priority,omitempty"`
	ServiceAccount string       `json:"service_account,omitempty"`
	PubsubTopic    string       `json:"pubsub_topic,omitempty"`
	PubsubUserdata string       `json:"pubsub_userdata,omitempty"`
	TaskSlices     []*TaskSlice `json:"task_slices"`

	// Properties are the build input properties, keys sorted.
	Properties json.RawMessage `json:"properties"`
	// BuildTags are the tags of the build itself.
	BuildTags        []string `json:"build_tags,omitempty"`
	TemplateRevision string   `json:"template_revision,omitempty"`
	Canary           bool     `json:"canary,omitempty"`
	Experimental     bool     `json:"experimental,omitempty"`
}

// TotalExpirationSecs returns the sum of the slice expirations.
func (d *TaskDefinition) TotalExpirationSecs() int {
	total := 0
	for _, s := range d.TaskSlices {
		total += s.ExpirationSecs
	}
	return total
}
