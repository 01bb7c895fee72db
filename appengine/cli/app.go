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

// Package cli implements the bbsched command line tool, which validates
// project configs and previews the builders and tasks they produce.
package cli

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/flag/fixflagpos"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/logging/gologger"

	"go.chromium.org/bbsched/appengine/internal/config"
)

var logCfg = gologger.LoggerConfig{
	Out: os.Stderr,
}

func application() *cli.Application {
	return &cli.Application{
		Name:  "bbsched",
		Title: "Offline tools for bbsched project configs.",
		Context: func(ctx context.Context) context.Context {
			return logCfg.Use(ctx)
		},
		Commands: []*subcommands.Command{
			cmdValidate(),
			cmdFlatten(),
			cmdSynthesize(),

			{}, // a separator
			subcommands.CmdHelp,
		},
	}
}

// Main is the main function of the bbsched application.
func Main(args []string) int {
	return subcommands.Run(application(), fixflagpos.FixSubcommands(args))
}

// baseRun is embedded by every subcommand.
type baseRun struct {
	subcommands.CommandRunBase
}

// done logs err, if any, and returns the exit code.
func (r *baseRun) done(ctx context.Context, err error) int {
	if err != nil {
		logging.Errorf(ctx, "%s", err)
		return 1
	}
	return 0
}

// readProject loads the project config at path.
func readProject(path string) (*config.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "failed to read %q", path).Err()
	}
	cfg, err := config.LoadProject(data)
	if err != nil {
		return nil, errors.Annotate(err, "%s", path).Err()
	}
	return cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
