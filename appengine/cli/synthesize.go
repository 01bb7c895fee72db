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
	"io"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/text"
	"go.chromium.org/luci/common/errors"

	"go.chromium.org/bbsched/appengine/internal/config"
	"go.chromium.org/bbsched/appengine/model"
	"go.chromium.org/bbsched/appengine/tasks"
)

const templateName = "local"

func cmdSynthesize() *subcommands.Command {
	return &subcommands.Command{
		UsageLine: `synthesize -bucket BUCKET -builder BUILDER -template FILE CONFIG`,
		ShortDesc: "print the task a build of a builder would run",
		LongDesc: text.Doc(`
			Print the task definition of a build of a builder as JSON.

			The task template is read from -template, a YAML or JSON file.
		`),
		CommandRun: func() subcommands.CommandRun {
			r := &synthesizeRun{}
			r.registerBuilderFlags(&r.Flags)
			r.Flags.StringVar(&r.template, "template", "", "path to the task template; required")
			r.Flags.StringVar(&r.canary, "canary", "auto", text.Doc(`
				whether the template is used as the canary revision: "auto" follows
				the canary percentage of the builder, "yes" or "no" force it
			`))
			r.Flags.Int64Var(&r.buildID, "build-id", 1, "id of the build")
			r.Flags.StringVar(&r.hostname, "hostname", "bbsched.example.com", "hostname of the scheduler")
			return r
		},
	}
}

type synthesizeRun struct {
	baseRun
	builderFlags
	template string
	canary   string
	buildID  int64
	hostname string
}

func (r *synthesizeRun) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, r, env)
	if len(args) != 1 {
		return r.done(ctx, errors.Reason("exactly one config file is required").Err())
	}
	if r.template == "" {
		return r.done(ctx, errors.Reason("-template is required").Err())
	}
	cfg, err := readProject(args[0])
	if err != nil {
		return r.done(ctx, err)
	}
	data, err := os.ReadFile(r.template)
	if err != nil {
		return r.done(ctx, errors.Annotate(err, "failed to read %q", r.template).Err())
	}
	t, err := tasks.ParseTemplate(data)
	if err != nil {
		return r.done(ctx, err)
	}
	return r.done(ctx, r.synthesize(ctx, a.GetOut(), cfg, t))
}

func (r *synthesizeRun) synthesize(ctx context.Context, w io.Writer, cfg *config.Project, t *tasks.TaskTemplate) error {
	pref, err := tasks.ParseCanaryPreference(r.canary)
	if err != nil {
		return err
	}
	b, err := r.resolve(ctx, cfg)
	if err != nil {
		return err
	}
	// The same file serves as both revisions.
	templates := tasks.StaticTemplates{
		model.TaskTemplateID(templateName, false): t,
		model.TaskTemplateID(templateName, true):  t,
	}
	sel, err := tasks.SelectTemplate(ctx, templates, templateName, b.CanaryPercentage, pref)
	if err != nil {
		return err
	}

	var number int32
	if b.BuildNumbers {
		number = 1
	}
	def, err := tasks.Synthesize(ctx, config.DefaultPolicy, b, sel, &tasks.Request{
		BuildID:    r.buildID,
		Hostname:   r.hostname,
		CreateTime: clock.Now(ctx).UTC(),
		Number:     number,
	})
	if err != nil {
		return err
	}
	return writeJSON(w, def)
}
