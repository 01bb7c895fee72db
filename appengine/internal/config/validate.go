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
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/data/strpair"
	"go.chromium.org/luci/config/validation"
)

var (
	builderNameRe    = regexp.MustCompile(`^[a-zA-Z0-9\-_.\(\) ]{1,128}$`)
	bucketNameRe     = regexp.MustCompile(`^[a-z0-9\-_.]{1,100}$`)
	serviceAccountRe = regexp.MustCompile(`^[0-9a-zA-Z_\-\.\+\%]+@[0-9a-zA-Z_\-\.]+$`)

	// ReservedProperties are set by the scheduler itself.
	ReservedProperties = stringset.NewFromSlice("buildbucket", "buildername", "$recipe_engine/runtime")
)

// Policy holds the limits enforced on builder configs.
type Policy struct {
	// MaxExpirationTiers is the maximum number of distinct non-zero
	// dimension and cache expirations.
	MaxExpirationTiers int
	// ExpirationQuantumSecs is what every expiration must be a multiple of.
	ExpirationQuantumSecs int
	// MaxPriority is the largest allowed priority. The smallest is 0.
	MaxPriority int
}

// DefaultPolicy matches the slice limits of the swarming backend.
var DefaultPolicy = Policy{
	MaxExpirationTiers:    7,
	ExpirationQuantumSecs: 60,
	MaxPriority:           200,
}

// Diagnostic is a single validation finding.
type Diagnostic struct {
	Severity validation.Severity
	Message  string
}

func (d Diagnostic) String() string {
	if d.Severity == validation.Warning {
		return "warning: " + d.Message
	}
	return "error: " + d.Message
}

// HasErrors returns true if any diagnostic is blocking.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == validation.Blocking {
			return true
		}
	}
	return false
}

// newValidationContext returns a fresh validation context.
func newValidationContext(ctx context.Context) *validation.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return &validation.Context{Context: ctx}
}

// collect finalizes vctx and converts its errors to diagnostics. Blocking
// diagnostics come first.
func collect(vctx *validation.Context) []Diagnostic {
	err := vctx.Finalize()
	if err == nil {
		return nil
	}
	verr, ok := err.(*validation.Error)
	if !ok {
		return []Diagnostic{{Severity: validation.Blocking, Message: err.Error()}}
	}
	var out []Diagnostic
	for _, sev := range []validation.Severity{validation.Blocking, validation.Warning} {
		filtered, _ := verr.WithSeverity(sev).(*validation.Error)
		if filtered == nil {
			continue
		}
		for _, e := range filtered.Errors {
			out = append(out, Diagnostic{Severity: sev, Message: e.Error()})
		}
	}
	return out
}

// ValidateProject validates a whole project config, including every builder
// after flattening.
func (p Policy) ValidateProject(ctx context.Context, cfg *Project) []Diagnostic {
	vctx := newValidationContext(ctx)
	byName := validateMixins(vctx, cfg.Mixins)
	for _, m := range cfg.Mixins {
		vctx.Enter("mixin %q", m.Name)
		p.validateLayer(vctx, &m.Layer)
		vctx.Exit()
	}

	buckets := stringset.New(len(cfg.Buckets))
	for i, b := range cfg.Buckets {
		vctx.Enter("bucket #%d %q", i, b.Name)
		switch {
		case !bucketNameRe.MatchString(b.Name):
			vctx.Errorf("invalid bucket name %q", b.Name)
		case !buckets.Add(b.Name):
			vctx.Errorf("duplicate bucket name %q", b.Name)
		}
		if b.BuilderDefaults != nil {
			vctx.Enter("builder_defaults")
			p.validateLayer(vctx, b.BuilderDefaults)
			vctx.Exit()
		}
		builders := stringset.New(len(b.Builders))
		for _, bld := range b.Builders {
			vctx.Enter("builder %q", bld.Name)
			switch {
			case !builderNameRe.MatchString(bld.Name):
				vctx.Errorf("invalid builder name %q", bld.Name)
			case !builders.Add(bld.Name):
				vctx.Errorf("duplicate builder name %q", bld.Name)
			}
			p.validateLayer(vctx, &bld.Layer)
			if res, ok := p.flatten(vctx, bld, b.BuilderDefaults, byName); ok {
				p.validateResolved(vctx, res)
			}
			vctx.Exit()
		}
		vctx.Exit()
	}
	return collect(vctx)
}

// ValidateProject validates cfg with the DefaultPolicy.
func ValidateProject(ctx context.Context, cfg *Project) []Diagnostic {
	return DefaultPolicy.ValidateProject(ctx, cfg)
}

// validateLayer checks field formats of a single layer.
func (p Policy) validateLayer(ctx *validation.Context, l *Layer) {
	if l.SwarmingHost.Op == Set && strings.Contains(l.SwarmingHost.Value, "://") {
		ctx.Errorf("swarming_host must not contain \"://\"")
	}
	if l.ServiceAccount.Op == Set && !serviceAccountRe.MatchString(l.ServiceAccount.Value) {
		ctx.Errorf("service_account %q is not a valid email", l.ServiceAccount.Value)
	}
	if l.LuciMigrationHost.IsSet() {
		ctx.Warningf("luci_migration_host is deprecated")
	}
	if l.Priority != nil && (*l.Priority < 0 || *l.Priority > p.MaxPriority) {
		ctx.Errorf("priority must be in [0, %d]", p.MaxPriority)
	}
	if l.ExecutionTimeoutSecs != nil && *l.ExecutionTimeoutSecs < 0 {
		ctx.Errorf("execution_timeout_secs must be non-negative")
	}
	validatePercentage(ctx, "task_template_canary_percentage", l.CanaryPercentage)
	validatePercentage(ctx, "experiment_percentage", l.ExperimentPercentage)

	for i, m := range l.Mixins {
		if m == "" {
			ctx.Errorf("mixins #%d: empty name", i)
		}
	}

	for _, s := range l.Dimensions {
		ctx.Enter("dimension %q", s)
		d, err := ParseDimension(s)
		switch {
		case err != nil:
			ctx.Error(err)
		case d.ExpirationSecs != 0:
			p.validateExpiration(ctx, "expiration_secs", d.ExpirationSecs)
		}
		ctx.Exit()
	}
	for _, t := range l.Tags {
		if k, _ := strpair.Parse(t); !strings.Contains(t, ":") || k == "" {
			ctx.Errorf("tag %q must be a \"key:value\" pair", t)
		}
	}
	p.validateCaches(ctx, l.Caches)
	if l.Recipe != nil {
		ctx.Enter("recipe")
		validateRecipeProperties(ctx, l.Recipe)
		ctx.Exit()
	}
}

func validatePercentage(ctx *validation.Context, field string, v *int) {
	if v != nil && (*v < 0 || *v > 100) {
		ctx.Errorf("%s must be in [0, 100]", field)
	}
}

func (p Policy) validateExpiration(ctx *validation.Context, field string, secs int) {
	switch {
	case secs < p.ExpirationQuantumSecs:
		ctx.Errorf("%s must be at least %d", field, p.ExpirationQuantumSecs)
	case secs%p.ExpirationQuantumSecs != 0:
		ctx.Errorf("%s must be a multiple of %d", field, p.ExpirationQuantumSecs)
	}
}

func (p Policy) validateCaches(ctx *validation.Context, caches []Cache) {
	names := stringset.New(len(caches))
	paths := stringset.New(len(caches))
	for i, c := range caches {
		ctx.Enter("cache #%d", i)
		switch {
		case c.Name == "":
			ctx.Errorf("name is required")
		case !names.Add(c.Name):
			ctx.Errorf("duplicate name %q", c.Name)
		}
		p.validateCachePath(ctx, c.Path)
		if c.Path != "" && !paths.Add(c.Path) {
			ctx.Errorf("duplicate path %q", c.Path)
		}
		if c.WaitForWarmCacheSecs != 0 {
			p.validateExpiration(ctx, "wait_for_warm_cache_secs", c.WaitForWarmCacheSecs)
		}
		ctx.Exit()
	}
}

func (p Policy) validateCachePath(ctx *validation.Context, cachePath string) {
	switch {
	case cachePath == "":
		ctx.Errorf("path is required")
	case strings.Contains(cachePath, `\`):
		ctx.Errorf(`path must not contain \`)
	case strings.HasPrefix(cachePath, "/"):
		ctx.Errorf("path must not start with /")
	case path.IsAbs(cachePath):
		ctx.Errorf("path must be relative")
	}
	for _, part := range strings.Split(cachePath, "/") {
		if part == ".." {
			ctx.Errorf("path must not contain ..")
			break
		}
	}
}

func validateRecipeProperties(ctx *validation.Context, r *Recipe) {
	seen := stringset.New(len(r.Properties) + len(r.PropertiesJ))
	check := func(field, p string) (string, string, bool) {
		if !strings.Contains(p, ":") {
			ctx.Errorf("%s %q does not have ':'", field, p)
			return "", "", false
		}
		k, v := strpair.Parse(p)
		switch {
		case k == "":
			ctx.Errorf("%s %q has an empty key", field, p)
			return "", "", false
		case ReservedProperties.Has(k):
			ctx.Errorf("%s %q: key %q is reserved", field, p, k)
		case !seen.Add(k):
			ctx.Errorf("%s %q: duplicate key %q", field, p, k)
		}
		return k, v, true
	}
	for _, p := range r.Properties {
		check("properties", p)
	}
	for _, p := range r.PropertiesJ {
		if _, v, ok := check("properties_j", p); ok && !json.Valid([]byte(v)) {
			ctx.Errorf("properties_j %q: not a JSON value", p)
		}
	}
}

// validateResolved checks the invariants of a flattened builder.
func (p Policy) validateResolved(ctx *validation.Context, b *ResolvedBuilder) {
	if r := b.Recipe; r == nil {
		ctx.Errorf("recipe: unspecified")
	} else {
		ctx.Enter("recipe")
		switch {
		case r.Repository != "" && r.CipdPackage != "":
			ctx.Errorf("specify either repository or cipd_package, not both")
		case r.Repository == "" && r.CipdPackage == "":
			ctx.Errorf("specify either repository or cipd_package")
		}
		if r.Name == "" {
			ctx.Errorf("name: unspecified")
		}
		ctx.Exit()
	}

	paths := stringset.New(len(b.Caches))
	for _, c := range b.Caches {
		if !paths.Add(c.Path) {
			ctx.Errorf("cache %q: path %q is already used by another cache", c.Name, c.Path)
		}
	}

	if n := len(ExpirationTiers(b)); n > p.MaxExpirationTiers {
		ctx.Errorf("%d distinct dimension and cache expirations, at most %d are allowed", n, p.MaxExpirationTiers)
	}

	if b.AutoBuilderDimension {
		for _, v := range b.DimensionValues("builder") {
			if v != b.Name {
				ctx.Errorf("explicit dimension %q conflicts with auto_builder_dimension", fmt.Sprintf("builder:%s", v))
			}
		}
	}
}

// ExpirationTiers returns the distinct non-zero expirations of b's
// dimensions and warm caches.
func ExpirationTiers(b *ResolvedBuilder) []int {
	seen := map[int]struct{}{}
	var out []int
	add := func(secs int) {
		if _, ok := seen[secs]; secs > 0 && !ok {
			seen[secs] = struct{}{}
			out = append(out, secs)
		}
	}
	for _, d := range b.Dimensions {
		add(d.ExpirationSecs)
	}
	for _, c := range b.Caches {
		add(c.WaitForWarmCacheSecs)
	}
	sort.Ints(out)
	return out
}
