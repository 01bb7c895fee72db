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

// Package tasks turns resolved builders into worker task definitions and
// talks to the worker backend.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/data/strpair"
	"go.chromium.org/luci/common/data/text/stringtemplate"
	"go.chromium.org/luci/common/logging"

	"go.chromium.org/bbsched/appengine/common"
	"go.chromium.org/bbsched/appengine/internal/config"
)

const (
	// cacheDir is where named caches are mounted, relative to the task root.
	cacheDir = "cache"
	// recipeCheckoutDir is where a CIPD recipe bundle is installed.
	recipeCheckoutDir = "kitchen-checkout"
	// defaultCipdVersion is used for recipe bundles without a version.
	defaultCipdVersion = "refs/heads/main"
	// defaultNamePattern names tasks of templates without a name.
	defaultNamePattern = "bb-${build_id}-${project}-${bucket}-${builder}"
)

// CanaryPreference selects between the production and the canary template.
type CanaryPreference int

const (
	// CanaryAuto picks the canary for a percentage of builds.
	CanaryAuto CanaryPreference = iota
	// CanaryForce always picks the canary.
	CanaryForce
	// CanaryProhibit always picks production.
	CanaryProhibit
)

// ParseCanaryPreference parses "auto", "yes" or "no".
func ParseCanaryPreference(s string) (CanaryPreference, error) {
	switch s {
	case "", "auto":
		return CanaryAuto, nil
	case "yes":
		return CanaryForce, nil
	case "no":
		return CanaryProhibit, nil
	default:
		return CanaryAuto, common.Errorf(common.InvalidInput, "invalid canary preference %q", s)
	}
}

// Selection is the template revision chosen for a build.
type Selection struct {
	Template *TaskTemplate
	Canary   bool
}

// SelectTemplate picks the production or the canary revision of the named
// template.
//
// percentage is the share of builds that get the canary under CanaryAuto.
func SelectTemplate(ctx context.Context, tp TemplateProvider, name string, percentage int, pref CanaryPreference) (*Selection, error) {
	canary := false
	switch pref {
	case CanaryForce:
		canary = true
	case CanaryAuto:
		canary = percentage > 0 && mathrand.Intn(ctx, 100) < percentage
	}

	if canary {
		t, err := tp.GetTemplate(ctx, name, true)
		switch {
		case err != nil:
			return nil, err
		case t != nil:
			return &Selection{Template: t, Canary: true}, nil
		case pref == CanaryForce:
			return nil, common.Errorf(common.InvalidInput, "canary template of %q is requested, but it is not defined", name)
		}
		logging.Infof(ctx, "canary template of %q is not defined, falling back to production", name)
	}

	switch t, err := tp.GetTemplate(ctx, name, false); {
	case err != nil:
		return nil, err
	case t == nil:
		return nil, common.Errorf(common.TemplateNotFound, "task template %q is not defined", name)
	default:
		return &Selection{Template: t}, nil
	}
}

// Request holds the per-build inputs of Synthesize.
type Request struct {
	BuildID int64
	// Hostname is the scheduler's own hostname.
	Hostname   string
	CreateTime time.Time
	// Number is the build number, 0 if the builder does not number builds.
	Number int32
	// Properties are the caller-supplied input properties.
	Properties *structpb.Struct
	// Tags are caller-supplied "key:value" build tags.
	Tags []string
	// Override is applied on top of the builder config. Only dimensions and
	// the recipe name and properties may be set.
	Override     *config.Builder
	Experimental config.Toggle
	PubsubTopic  string
}

// Synthesize computes the task definition of a build.
//
// The only failures are InvalidInput errors.
func Synthesize(ctx context.Context, policy config.Policy, b *config.ResolvedBuilder, sel *Selection, req *Request) (*TaskDefinition, error) {
	b, err := ApplyOverride(b, req.Override)
	if err != nil {
		return nil, err
	}
	switch {
	case b.SwarmingHost == "":
		return nil, common.Errorf(common.InvalidInput, "builder %q: swarming_host is unspecified", b.Name)
	case b.Recipe == nil || b.Recipe.Name == "":
		return nil, common.Errorf(common.InvalidInput, "builder %q: recipe name is unspecified", b.Name)
	}

	experimental := b.Experimental
	if !experimental && b.ExperimentPercentage > 0 {
		experimental = mathrand.Intn(ctx, 100) < b.ExperimentPercentage
	}
	experimental = req.Experimental.Apply(experimental)

	buildTags, err := BuildTags(b, req.Tags)
	if err != nil {
		return nil, err
	}
	props, err := assembleProperties(b, req, buildTags, experimental)
	if err != nil {
		return nil, err
	}

	vars := map[string]string{
		"builder":         b.Name,
		"bucket":          b.Bucket,
		"project":         b.Project,
		"build_id":        strconv.FormatInt(req.BuildID, 10),
		"hostname":        req.Hostname,
		"recipe":          b.Recipe.Name,
		"repository":      b.Recipe.Repository,
		"cipd_package":    b.Recipe.CipdPackage,
		"cipd_version":    b.Recipe.CipdVersion,
		"properties_json": string(props),
		"cache_dir":       cacheDir,
	}

	t := sel.Template
	slices, err := computeTaskSlices(policy, b, t, vars, experimental)
	if err != nil {
		return nil, err
	}

	namePattern := t.Name
	if namePattern == "" {
		namePattern = defaultNamePattern
	}
	name, err := resolve(namePattern, vars)
	if err != nil {
		return nil, err
	}
	if req.Number > 0 {
		name = fmt.Sprintf("%s-%d", name, req.Number)
	}

	tags, err := computeTaskTags(b, sel, req, buildTags, vars)
	if err != nil {
		return nil, err
	}

	priority := t.Priority
	if b.Priority > 0 {
		priority = b.Priority
	}

	userdata, err := json.Marshal(struct {
		BuildID          string `json:"build_id"`
		CreatedTS        int64  `json:"created_ts"`
		SwarmingHostname string `json:"swarming_hostname"`
	}{
		BuildID:          strconv.FormatInt(req.BuildID, 10),
		CreatedTS:        req.CreateTime.UnixMicro(),
		SwarmingHostname: b.SwarmingHost,
	})
	if err != nil {
		return nil, err
	}

	return &TaskDefinition{
		BuildID:          req.BuildID,
		SwarmingHost:     b.SwarmingHost,
		Name:             name,
		Tags:             tags,
		Priority:         priority,
		ServiceAccount:   b.ServiceAccount,
		PubsubTopic:      req.PubsubTopic,
		PubsubUserdata:   string(userdata),
		TaskSlices:       slices,
		Properties:       props,
		BuildTags:        buildTags,
		TemplateRevision: t.Revision,
		Canary:           sel.Canary,
		Experimental:     experimental,
	}, nil
}

// ApplyOverride applies a per-build override to b.
//
// Only dimensions and the recipe name and properties may be overridden, and
// required dimensions cannot be removed. b is not modified.
func ApplyOverride(b *config.ResolvedBuilder, o *config.Builder) (*config.ResolvedBuilder, error) {
	if o == nil {
		return b, nil
	}
	disallowed := []struct {
		field string
		set   bool
	}{
		{"name", o.Name != ""},
		{"mixins", len(o.Mixins) > 0},
		{"swarming_host", o.SwarmingHost.IsSet()},
		{"service_account", o.ServiceAccount.IsSet()},
		{"luci_migration_host", o.LuciMigrationHost.IsSet()},
		{"tags", len(o.Tags) > 0},
		{"caches", len(o.Caches) > 0},
		{"priority", o.Priority != nil},
		{"execution_timeout_secs", o.ExecutionTimeoutSecs != nil},
		{"task_template_canary_percentage", o.CanaryPercentage != nil},
		{"experiment_percentage", o.ExperimentPercentage != nil},
		{"experimental", o.Experimental != config.Unset},
		{"auto_builder_dimension", o.AutoBuilderDimension != config.Unset},
		{"build_numbers", o.BuildNumbers != config.Unset},
	}
	if r := o.Recipe; r != nil {
		disallowed = append(disallowed, []struct {
			field string
			set   bool
		}{
			{"recipe.repository", r.Repository.IsSet()},
			{"recipe.cipd_package", r.CipdPackage.IsSet()},
			{"recipe.cipd_version", r.CipdVersion.IsSet()},
		}...)
	}
	for _, d := range disallowed {
		if d.set {
			return nil, common.Errorf(common.InvalidInput, "override: %s cannot be overridden", d.field)
		}
	}

	for _, s := range o.Dimensions {
		d, err := config.ParseDimension(s)
		if err != nil {
			return nil, common.Wrap(common.InvalidInput, err, "override: invalid dimension")
		}
		if d.Value != "" {
			continue
		}
		for _, cur := range b.Dimensions {
			if cur.Key == d.Key && cur.Value != "" && cur.ExpirationSecs == 0 {
				return nil, common.Errorf(common.InvalidInput, "override: cannot remove required dimension %q", d.Key)
			}
		}
	}

	if r := o.Recipe; r != nil {
		if r.Name.Op == config.Clear {
			return nil, common.Errorf(common.InvalidInput, "override: recipe name cannot be cleared")
		}
		for _, p := range append(append([]string(nil), r.Properties...), r.PropertiesJ...) {
			if !strings.Contains(p, ":") {
				return nil, common.Errorf(common.InvalidInput, "override: property %q does not have ':'", p)
			}
			if k, _ := strpair.Parse(p); config.ReservedProperties.Has(k) {
				return nil, common.Errorf(common.InvalidInput, "override: property %q is reserved", k)
			}
		}
		for _, p := range r.PropertiesJ {
			if _, v := strpair.Parse(p); !json.Valid([]byte(v)) {
				return nil, common.Errorf(common.InvalidInput, "override: property %q is not a JSON value", p)
			}
		}
	}

	merged := config.Merge(*b, &o.Layer)
	return &merged, nil
}

// BuildTags returns the sorted, deduplicated tags of a build of b.
func BuildTags(b *config.ResolvedBuilder, requested []string) ([]string, error) {
	tags := stringset.NewFromSlice(b.Tags...)
	for _, t := range requested {
		if k, _ := strpair.Parse(t); k == "" || !strings.Contains(t, ":") {
			return nil, common.Errorf(common.InvalidInput, "tag %q must be in key:value form", t)
		}
		tags.Add(t)
	}
	return sortedSet(tags), nil
}

func sortedSet(s stringset.Set) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}

// assembleProperties returns the JSON input properties of the build.
//
// Recipe properties come first, then caller properties, then the
// properties set by the scheduler itself. Callers may not set reserved
// properties nor redefine recipe properties.
func assembleProperties(b *config.ResolvedBuilder, req *Request, buildTags []string, experimental bool) (json.RawMessage, error) {
	props := make(map[string]json.RawMessage, len(b.Recipe.Properties)+len(req.Properties.GetFields())+3)
	for k, v := range b.Recipe.Properties {
		props[k] = v
	}

	for k, v := range req.Properties.GetFields() {
		if config.ReservedProperties.Has(k) {
			return nil, common.Errorf(common.InvalidInput, "property %q is reserved", k)
		}
		if _, ok := props[k]; ok {
			return nil, common.Errorf(common.InvalidInput, "property %q is defined by the builder config and cannot be set", k)
		}
		raw, err := json.Marshal(v.AsInterface())
		if err != nil {
			return nil, common.Wrap(common.InvalidInput, err, "property %q", k)
		}
		props[k] = raw
	}

	set := func(k string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		props[k] = raw
		return nil
	}
	err := set("buildbucket", map[string]any{
		"hostname": req.Hostname,
		"build": map[string]any{
			"id":         strconv.FormatInt(req.BuildID, 10),
			"project":    b.Project,
			"bucket":     b.Bucket,
			"tags":       buildTags,
			"created_ts": req.CreateTime.UnixMicro(),
		},
	})
	if err == nil {
		err = set("buildername", b.Name)
	}
	if err == nil {
		err = set("$recipe_engine/runtime", map[string]any{
			"is_luci":         true,
			"is_experimental": experimental,
		})
	}
	if err != nil {
		return nil, err
	}

	// Maps are marshaled with sorted keys.
	return json.Marshal(props)
}

// computeTaskSlices tiers the optional dimensions and warm caches of b.
//
// Dimensions and caches with expiration b[i] are requested by slices 0..i.
// The last slice has only the required dimensions and takes the remainder of
// the template expiration.
func computeTaskSlices(policy config.Policy, b *config.ResolvedBuilder, t *TaskTemplate, vars map[string]string, experimental bool) ([]*TaskSlice, error) {
	optional := map[int][]StringPair{}
	var required []StringPair
	builderKeys := stringset.New(len(b.Dimensions))
	for _, d := range b.Dimensions {
		builderKeys.Add(d.Key)
		switch {
		case d.Value == "":
		case d.ExpirationSecs > 0:
			optional[d.ExpirationSecs] = append(optional[d.ExpirationSecs], StringPair{Key: d.Key, Value: d.Value})
		default:
			required = append(required, StringPair{Key: d.Key, Value: d.Value})
		}
	}
	for _, c := range b.Caches {
		if secs := c.WaitForWarmCacheSecs; secs > 0 {
			optional[secs] = append(optional[secs], StringPair{Key: "caches", Value: c.Name})
		}
	}
	if b.AutoBuilderDimension && !builderKeys.Has("builder") {
		required = append(required, StringPair{Key: "builder", Value: b.Name})
	}

	tiers := make([]int, 0, len(optional))
	for secs := range optional {
		if q := policy.ExpirationQuantumSecs; q > 0 && secs%q != 0 {
			return nil, common.Errorf(common.InvalidInput, "expiration_secs %d must be a multiple of %d", secs, q)
		}
		tiers = append(tiers, secs)
	}
	sort.Ints(tiers)
	if len(tiers) > policy.MaxExpirationTiers {
		return nil, common.Errorf(common.InvalidInput, "%d distinct dimension and cache expirations, at most %d are allowed", len(tiers), policy.MaxExpirationTiers)
	}
	if len(tiers) > 0 && len(t.Slices) != 1 {
		return nil, common.Errorf(common.InvalidInput, "task template has %d task slices, but dimensions or caches of builder %q expire; exactly 1 task slice is required", len(t.Slices), b.Name)
	}

	bases := make([]*SliceProperties, len(t.Slices))
	for i, s := range t.Slices {
		var err error
		if bases[i], err = sliceProperties(b, s, vars, builderKeys, required, experimental); err != nil {
			return nil, err
		}
	}

	budget := t.ExpirationSecs
	if budget <= 0 {
		budget = DefaultExpirationSecs
	}

	if len(tiers) == 0 {
		slices := make([]*TaskSlice, len(t.Slices))
		for i, s := range t.Slices {
			exp := s.ExpirationSecs
			switch {
			case len(t.Slices) == 1:
				exp = budget
			case exp <= 0:
				return nil, common.Errorf(common.InvalidInput, "task template slice %d has no expiration_secs", i)
			}
			sortPairs(bases[i].Dimensions)
			slices[i] = &TaskSlice{
				ExpirationSecs:  exp,
				WaitForCapacity: s.WaitForCapacity,
				Properties:      bases[i],
			}
		}
		return slices, nil
	}

	last := tiers[len(tiers)-1]
	if budget <= last {
		return nil, common.Errorf(common.InvalidInput, "task template expiration %ds must exceed the longest dimension or cache expiration %ds", budget, last)
	}

	skel, base := t.Slices[0], bases[0]
	slices := make([]*TaskSlice, len(tiers)+1)
	prev := 0
	for i, secs := range tiers {
		slices[i] = &TaskSlice{
			ExpirationSecs:  secs - prev,
			WaitForCapacity: skel.WaitForCapacity,
			Properties:      base.clone(),
		}
		for j := 0; j <= i; j++ {
			slices[j].Properties.Dimensions = append(slices[j].Properties.Dimensions, optional[secs]...)
		}
		prev = secs
	}
	slices[len(tiers)] = &TaskSlice{
		ExpirationSecs:  budget - prev,
		WaitForCapacity: skel.WaitForCapacity,
		Properties:      base,
	}
	for _, s := range slices {
		sortPairs(s.Properties.Dimensions)
	}
	return slices, nil
}

// sliceProperties returns the properties shared by every tier built from
// skeleton s. Builder dimensions replace template dimensions with the same
// key.
func sliceProperties(b *config.ResolvedBuilder, s *SliceSkeleton, vars map[string]string, builderKeys stringset.Set, required []StringPair, experimental bool) (*SliceProperties, error) {
	p := &SliceProperties{
		ExecutionTimeoutSecs: s.ExecutionTimeoutSecs,
		GracePeriodSecs:      s.GracePeriodSecs,
	}
	if b.ExecutionTimeoutSecs > 0 {
		p.ExecutionTimeoutSecs = b.ExecutionTimeoutSecs
	}

	for _, d := range s.Dimensions {
		d, err := resolve(d, vars)
		if err != nil {
			return nil, err
		}
		k, v := strpair.Parse(d)
		if k == "" || v == "" || builderKeys.Has(k) {
			continue
		}
		p.Dimensions = append(p.Dimensions, StringPair{Key: k, Value: v})
	}
	p.Dimensions = append(p.Dimensions, required...)

	caches := map[string]CacheEntry{}
	for _, c := range s.Caches {
		caches[c.Name] = CacheEntry{Name: c.Name, Path: filepath.Join(cacheDir, c.Path)}
	}
	prefixes := map[string][]string{}
	for _, c := range b.Caches {
		path := filepath.Join(cacheDir, c.Path)
		caches[c.Name] = CacheEntry{Name: c.Name, Path: path}
		if c.EnvVar != "" {
			prefixes[c.EnvVar] = append(prefixes[c.EnvVar], path)
		}
	}
	for _, name := range sortedKeys(caches) {
		p.Caches = append(p.Caches, caches[name])
	}
	for _, k := range sortedKeys(prefixes) {
		p.EnvPrefixes = append(p.EnvPrefixes, StringListPair{Key: k, Value: prefixes[k]})
	}

	for _, pkg := range s.CipdInput {
		name, err := resolve(pkg.PackageName, vars)
		if err != nil {
			return nil, err
		}
		version, err := resolve(pkg.Version, vars)
		if err != nil {
			return nil, err
		}
		p.CipdInput = append(p.CipdInput, CipdPackage{PackageName: name, Version: version, Path: pkg.Path})
	}
	if b.Recipe.Source() == config.CipdSource {
		version := b.Recipe.CipdVersion
		if version == "" {
			version = defaultCipdVersion
		}
		p.CipdInput = append(p.CipdInput, CipdPackage{
			PackageName: b.Recipe.CipdPackage,
			Version:     version,
			Path:        recipeCheckoutDir,
		})
	}

	var err error
	if p.ExtraArgs, err = resolveAll(s.ExtraArgs, vars); err != nil {
		return nil, err
	}

	env := map[string]string{}
	for _, e := range s.Env {
		e, err := resolve(e, vars)
		if err != nil {
			return nil, err
		}
		k, v := strpair.Parse(e)
		env[k] = v
	}
	env["BUILDBUCKET_EXPERIMENTAL"] = strings.ToUpper(strconv.FormatBool(experimental))
	for _, k := range sortedKeys(env) {
		p.Env = append(p.Env, StringPair{Key: k, Value: env[k]})
	}
	return p, nil
}

// computeTaskTags returns the sorted, deduplicated task tags.
func computeTaskTags(b *config.ResolvedBuilder, sel *Selection, req *Request, buildTags []string, vars map[string]string) ([]string, error) {
	tmplTags, err := resolveAll(sel.Template.Tags, vars)
	if err != nil {
		return nil, err
	}
	tags := stringset.NewFromSlice(tmplTags...)
	tags = tags.Union(stringset.NewFromSlice(buildTags...))
	canary := "0"
	if sel.Canary {
		canary = "1"
	}
	for _, t := range []string{
		"buildbucket_bucket:" + b.Project + "/" + b.Bucket,
		"buildbucket_build_id:" + strconv.FormatInt(req.BuildID, 10),
		"buildbucket_template_canary:" + canary,
		"builder:" + b.Name,
		"recipe_name:" + b.Recipe.Name,
	} {
		tags.Add(t)
	}
	if sel.Template.Revision != "" {
		tags.Add("buildbucket_template_revision:" + sel.Template.Revision)
	}
	return sortedSet(tags), nil
}

func resolve(s string, vars map[string]string) (string, error) {
	out, err := stringtemplate.Resolve(s, vars)
	if err != nil {
		return "", common.Wrap(common.InvalidInput, err, "task template string %q", s)
	}
	return out, nil
}

func resolveAll(ss []string, vars map[string]string) ([]string, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		var err error
		if out[i], err = resolve(s, vars); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
