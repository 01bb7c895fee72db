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
	"fmt"
	"io"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/bbsched/appengine/internal/config"
)

func cmdValidate() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: `validate CONFIG`,
		ShortDesc: "validate a project config",
		LongDesc: text.Doc(`
			Validate a project config.

			Prints every finding. Exits with 1 if any of them is an error.
		`),
		CommandRun: func() subcommands.CommandRun {
			return &validateRun{}
		},
	}
}

type validateRun struct {
	baseRun
}

func (r *validateRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 1 {
		return r.done(ctx, errors.Reason("exactly one config file is required").Err())
	}
	cfg, err := readProject(args[0])
	if err != nil {
		return r.done(ctx, err)
	}
	return r.done(ctx, validate(ctx, a.GetOut(), cfg))
}

// validate prints the diagnostics of cfg and fails if any is blocking.
func validate(ctx context.Context, w io.Writer, cfg *config.Project) error {
	diags := config.ValidateProject(ctx, cfg)
	for _, d := range diags {
		fmt.Fprintln(w, d)
	}
	if config.HasErrors(diags) {
		return errors.Reason("project %q is invalid", cfg.Name).Err()
	}
	fmt.Fprintf(w, "project %q is valid\n", cfg.Name)
	return nil
}
