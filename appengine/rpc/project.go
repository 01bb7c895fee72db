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

package rpc

import (
	"context"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/bbsched/appengine/common"
	"go.chromium.org/bbsched/appengine/internal/config"
	"go.chromium.org/bbsched/appengine/model"
)

// ImportProject validates and stores a YAML project config at the given
// revision. Buckets are created as needed and keep their paused state.
// Buckets no longer in the config are left in place.
//
// Returns the non-blocking diagnostics. Blocking diagnostics are an
// InvalidInput error.
func (s *Builds) ImportProject(ctx context.Context, project, revision string, data []byte) ([]config.Diagnostic, error) {
	cfg, err := config.LoadProject(data)
	if err != nil {
		return nil, common.Wrap(common.InvalidInput, err, "project %q", project)
	}
	if cfg.Name == "" {
		cfg.Name = project
	}
	if cfg.Name != project {
		return nil, common.Errorf(common.InvalidInput, "config of project %q names project %q", project, cfg.Name)
	}
	diags := s.Policy.Config.ValidateProject(ctx, cfg)
	if config.HasErrors(diags) {
		return nil, &common.Error{
			Kind:    common.InvalidInput,
			Message: "invalid project config",
			Cause:   &config.InvalidError{Diagnostics: diags},
		}
	}

	err = datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		buckets := make([]*model.Bucket, len(cfg.Buckets))
		for i, b := range cfg.Buckets {
			buckets[i] = &model.Bucket{ID: b.Name, Parent: model.ProjectKey(ctx, project)}
		}
		if err := datastore.Get(ctx, buckets); err != nil {
			merr, ok := err.(errors.MultiError)
			if !ok {
				return errors.Annotate(err, "failed to fetch buckets").Tag(transient.Tag).Err()
			}
			for _, e := range merr {
				if e != nil && !errors.Contains(e, datastore.ErrNoSuchEntity) {
					return errors.Annotate(err, "failed to fetch buckets").Tag(transient.Tag).Err()
				}
			}
		}
		ent := &model.Project{ID: project, Revision: revision, Config: data}
		if err := datastore.Put(ctx, ent, buckets); err != nil {
			return errors.Annotate(err, "failed to store project %q", project).Tag(transient.Tag).Err()
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	if s.Resolver != nil {
		s.Resolver.Invalidate(project)
	}
	logging.Infof(ctx, "imported project %q at revision %q with %d buckets", project, revision, len(cfg.Buckets))
	return diags, nil
}

// loadProject returns the stored config of the project.
func loadProject(ctx context.Context, project string) (*config.Project, error) {
	ent := &model.Project{ID: project}
	switch err := datastore.Get(ctx, ent); {
	case errors.Contains(err, datastore.ErrNoSuchEntity):
		return nil, common.Errorf(common.NotFound, "project %q not found", project)
	case err != nil:
		return nil, errors.Annotate(err, "failed to fetch project %q", project).Tag(transient.Tag).Err()
	}
	cfg, err := config.LoadProject(ent.Config)
	if err != nil {
		return nil, errors.Annotate(err, "stored config of project %q at %q", project, ent.Revision).Err()
	}
	cfg.Name = project
	cfg.Revision = ent.Revision
	return cfg, nil
}

// resolveBuilder flattens a builder of the stored project config.
func (s *Builds) resolveBuilder(ctx context.Context, project, bucket, builder string) (*config.ResolvedBuilder, error) {
	cfg, err := loadProject(ctx, project)
	if err != nil {
		return nil, err
	}
	res, err := s.Resolver.Resolve(ctx, cfg, bucket, builder)
	switch {
	case err == nil:
		return res, nil
	case errors.Contains(err, config.ErrNotFound):
		return nil, common.Wrap(common.NotFound, err, "builder %s/%s/%s", project, bucket, builder)
	case errors.Any(err, func(e error) bool { _, ok := e.(*config.InvalidError); return ok }):
		return nil, common.Wrap(common.InvalidInput, err, "builder %s/%s/%s", project, bucket, builder)
	default:
		return nil, err
	}
}
