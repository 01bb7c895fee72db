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

package cli

import (
	"context"
	"flag"
	"io"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/bbsched/appengine/internal/config"
)

func cmdFlatten() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: `flatten -bucket BUCKET -builder BUILDER CONFIG`,
		ShortDesc: "print a builder with defaults and mixins applied",
		LongDesc: text.Doc(`
			Print the config of a builder as JSON, after its bucket defaults
			and mixins were applied.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &flattenRun{}
			r.registerBuilderFlags(&r.Flags)
			return r
		},
	}
}

// builderFlags select a builder of a project config.
type builderFlags struct {
	bucket  string
	builder string
}

func (f *builderFlags) registerBuilderFlags(fs *flag.FlagSet) {
	fs.StringVar(&f.bucket, "bucket", "", "name of the bucket; required")
	fs.StringVar(&f.builder, "builder", "", "name of the builder; required")
}

func (f *builderFlags) resolve(ctx context.Context, cfg *config.Project) (*config.ResolvedBuilder, error) {
	if f.bucket == "" || f.builder == "" {
		return nil, errors.Reason("-bucket and -builder are required").Err()
	}
	b, err := config.NewResolver(config.DefaultPolicy, 1).Resolve(ctx, cfg, f.bucket, f.builder)
	if err != nil {
		return nil, errors.Annotate(err, "failed to resolve %s/%s", f.bucket, f.builder).Err()
	}
	return b, nil
}

type flattenRun struct {
	baseRun
	builderFlags
}

func (r *flattenRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 1 {
		return r.done(ctx, errors.Reason("exactly one config file is required").Err())
	}
	cfg, err := readProject(args[0])
	if err != nil {
		return r.done(ctx, err)
	}
	return r.done(ctx, r.flatten(ctx, a.GetOut(), cfg))
}

func (r *flattenRun) flatten(ctx context.Context, w io.Writer, cfg *config.Project) error {
	b, err := r.resolve(ctx, cfg)
	if err != nil {
		return err
	}
	return writeJSON(w, b)
}
