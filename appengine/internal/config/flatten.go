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
	"strings"

	"go.chromium.org/luci/config/validation"
)

// ValidateMixins checks mixin names and mixin references, and reports every
// reference cycle as a full chain, e.g. "circular mixin chain: a -> b -> a".
func ValidateMixins(mixins []*Mixin) []Diagnostic {
	vctx := newValidationContext(context.Background())
	validateMixins(vctx, mixins)
	return collect(vctx)
}

// validateMixins reports mixin errors to ctx and returns the valid mixins by
// name.
func validateMixins(ctx *validation.Context, mixins []*Mixin) map[string]*Mixin {
	byName := make(map[string]*Mixin, len(mixins))
	for i, m := range mixins {
		ctx.Enter("mixin #%d", i)
		switch {
		case m.Name == "":
			ctx.Errorf("name unspecified")
		case !builderNameRe.MatchString(m.Name):
			ctx.Errorf("invalid mixin name %q", m.Name)
		case byName[m.Name] != nil:
			ctx.Errorf("duplicate mixin name %q", m.Name)
		default:
			byName[m.Name] = m
		}
		ctx.Exit()
	}

	for _, m := range mixins {
		if byName[m.Name] != m {
			continue
		}
		ctx.Enter("mixin %q", m.Name)
		for _, ref := range m.Mixins {
			switch {
			case ref == "":
				ctx.Errorf("referenced mixin name is empty")
			case byName[ref] == nil:
				ctx.Errorf("mixin %q is not defined", ref)
			}
		}
		ctx.Exit()
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int, len(byName))
	var stack []string
	var visit func(name string)
	visit = func(name string) {
		switch state[name] {
		case visited:
			return
		case visiting:
			for i, n := range stack {
				if n == name {
					chain := append(append([]string(nil), stack[i:]...), name)
					ctx.Errorf("circular mixin chain: %s", strings.Join(chain, " -> "))
					break
				}
			}
			return
		}
		state[name] = visiting
		stack = append(stack, name)
		for _, ref := range byName[name].Mixins {
			if byName[ref] != nil {
				visit(ref)
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = visited
	}
	for _, m := range mixins {
		if byName[m.Name] == m && state[m.Name] == unvisited {
			visit(m.Name)
		}
	}
	return byName
}

// Flatten merges defaults, mixins and the builder into a ResolvedBuilder.
//
// Layers are applied lowest precedence first: the defaults' mixins, the
// defaults, the builder's mixins in the listed order, and the builder itself.
// A mixin's own mixins are applied right before it. Returns nil if there are
// blocking diagnostics. Warnings are returned along with a valid result.
func (p Policy) Flatten(builder *Builder, defaults *Layer, mixins []*Mixin) (*ResolvedBuilder, []Diagnostic) {
	vctx := newValidationContext(context.Background())
	byName := validateMixins(vctx, mixins)
	vctx.Enter("builder %q", builder.Name)
	if !builderNameRe.MatchString(builder.Name) {
		vctx.Errorf("invalid builder name %q", builder.Name)
	}
	if defaults != nil {
		p.validateLayer(vctx, defaults)
	}
	p.validateLayer(vctx, &builder.Layer)
	res, ok := p.flatten(vctx, builder, defaults, byName)
	if ok {
		p.validateResolved(vctx, res)
	}
	vctx.Exit()
	diags := collect(vctx)
	if HasErrors(diags) {
		return nil, diags
	}
	return res, diags
}

// Flatten flattens the builder with the DefaultPolicy.
func Flatten(builder *Builder, defaults *Layer, mixins []*Mixin) (*ResolvedBuilder, []Diagnostic) {
	return DefaultPolicy.Flatten(builder, defaults, mixins)
}

// flatten applies the layers. Returns false if a mixin could not be applied.
func (p Policy) flatten(ctx *validation.Context, builder *Builder, defaults *Layer, byName map[string]*Mixin) (*ResolvedBuilder, bool) {
	res := ResolvedBuilder{Name: builder.Name}
	ok := true
	var onStack []string

	var apply func(l *Layer)
	apply = func(l *Layer) {
		for _, name := range l.Mixins {
			m := byName[name]
			if m == nil {
				ctx.Errorf("mixin %q is not defined", name)
				ok = false
				continue
			}
			for _, n := range onStack {
				if n == name {
					// Already reported by validateMixins.
					ok = false
					return
				}
			}
			onStack = append(onStack, name)
			apply(&m.Layer)
			onStack = onStack[:len(onStack)-1]
		}
		res = Merge(res, l)
	}

	if defaults != nil {
		apply(defaults)
	}
	apply(&builder.Layer)
	return &res, ok
}
