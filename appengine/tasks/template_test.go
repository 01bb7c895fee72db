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
	"context"
	"testing"
	"time"

	"go.chromium.org/luci/gae/impl/memory"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/luci/common/testing/ftt"
	"go.chromium.org/luci/common/testing/truth/assert"
	"go.chromium.org/luci/common/testing/truth/should"

	"go.chromium.org/bbsched/appengine/model"
)

func TestParseTemplate(t *testing.T) {
	t.Parallel()

	ftt.Run("ParseTemplate", t, func(t *ftt.Test) {
		t.Run("yaml", func(t *ftt.Test) {
			tmpl, err := ParseTemplate([]byte(`
name: bb-${build_id}
priority: 30
expiration_secs: 3600
task_slices:
- dimensions: ["pool:${project}"]
  extra_args: ["-recipe", "${recipe}"]
`))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, tmpl.Priority, should.Equal(30))
			assert.Loosely(t, tmpl.Slices, should.HaveLength(1))
			assert.Loosely(t, tmpl.Slices[0].Dimensions, should.Match([]string{"pool:${project}"}))
		})

		t.Run("json", func(t *ftt.Test) {
			tmpl, err := ParseTemplate([]byte(`{"name": "x", "task_slices": [{"expiration_secs": 60}]}`))
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, tmpl.Slices[0].ExpirationSecs, should.Equal(60))
		})

		t.Run("no slices", func(t *ftt.Test) {
			_, err := ParseTemplate([]byte(`name: x`))
			assert.Loosely(t, err, should.ErrLike("task template has no task_slices"))
		})

		t.Run("unknown field", func(t *ftt.Test) {
			_, err := ParseTemplate([]byte("task_slices: [{}]\nunknown: 1\n"))
			assert.Loosely(t, err, should.ErrLike("failed to parse task template"))
		})
	})
}

func TestDatastoreTemplates(t *testing.T) {
	t.Parallel()

	ftt.Run("DatastoreTemplates", t, func(t *ftt.Test) {
		ctx := memory.Use(context.Background())
		datastore.GetTestable(ctx).Consistent(true)
		tp := NewDatastoreTemplates(time.Hour)

		put := func(id, revision, body string) {
			assert.Loosely(t, datastore.Put(ctx, &model.TaskTemplate{
				ID:       id,
				Revision: revision,
				Template: []byte(body),
			}), should.BeNil)
		}

		t.Run("found", func(t *ftt.Test) {
			put("tmpl", "rev1", `{"priority": 30, "task_slices": [{}]}`)
			put("tmpl:canary", "rev2", `{"priority": 20, "task_slices": [{}]}`)

			prod, err := tp.GetTemplate(ctx, "tmpl", false)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, prod.Revision, should.Equal("rev1"))
			assert.Loosely(t, prod.Priority, should.Equal(30))

			canary, err := tp.GetTemplate(ctx, "tmpl", true)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, canary.Revision, should.Equal("rev2"))

			t.Run("cached", func(t *ftt.Test) {
				put("tmpl", "rev3", `{"task_slices": [{}]}`)
				prod, err := tp.GetTemplate(ctx, "tmpl", false)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, prod.Revision, should.Equal("rev1"))

				tp.Invalidate("tmpl")
				prod, err = tp.GetTemplate(ctx, "tmpl", false)
				assert.Loosely(t, err, should.BeNil)
				assert.Loosely(t, prod.Revision, should.Equal("rev3"))
			})
		})

		t.Run("absent", func(t *ftt.Test) {
			tmpl, err := tp.GetTemplate(ctx, "tmpl", false)
			assert.Loosely(t, err, should.BeNil)
			assert.Loosely(t, tmpl, should.BeNil)

			_, err = SelectTemplate(ctx, tp, "tmpl", 0, CanaryAuto)
			assert.Loosely(t, err, should.ErrLike(`task template "tmpl" is not defined`))
		})

		t.Run("malformed", func(t *ftt.Test) {
			put("tmpl", "rev1", `not json`)
			_, err := tp.GetTemplate(ctx, "tmpl", false)
			assert.Loosely(t, err, should.ErrLike(`task template "tmpl" at "rev1" is malformed`))
		})
	})
}
