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
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/gae/filter/txndefer"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/bbsched/appengine/common"
	"go.chromium.org/bbsched/appengine/internal/buildid"
	"go.chromium.org/bbsched/appengine/internal/config"
	"go.chromium.org/bbsched/appengine/internal/metrics"
	"go.chromium.org/bbsched/appengine/model"
	"go.chromium.org/bbsched/appengine/tasks"
)

// ScheduleRequest is a request to schedule a build.
type ScheduleRequest struct {
	Project string
	Bucket  string
	Builder string

	Properties *structpb.Struct
	// Tags are "key:value" build tags.
	Tags []string
	// Override is applied on top of the builder config.
	Override     *config.Builder
	Canary       tasks.CanaryPreference
	Experimental config.Toggle

	// RequestID, if set, makes the request idempotent: repeating it returns
	// the build created by the first one.
	RequestID string
}

func validateScheduleRequest(req *ScheduleRequest) error {
	switch {
	case req.Project == "":
		return common.Errorf(common.InvalidInput, "project is required")
	case req.Bucket == "":
		return common.Errorf(common.InvalidInput, "bucket is required")
	case req.Builder == "":
		return common.Errorf(common.InvalidInput, "builder is required")
	}
	return nil
}

// dedupedBuild returns the build created for the request id, or nil.
func dedupedBuild(ctx context.Context, id string) (*model.Build, error) {
	r := &model.RequestID{ID: id}
	switch err := datastore.Get(ctx, r); {
	case errors.Contains(err, datastore.ErrNoSuchEntity):
		return nil, nil
	case err != nil:
		return nil, errors.Annotate(err, "failed to fetch request id %q", id).Tag(transient.Tag).Err()
	}
	return common.GetBuild(ctx, r.BuildID)
}

// Schedule creates a SCHEDULED build and submits its task.
//
// The task definition is computed before the build is stored. If the task
// cannot be submitted, the build stays SCHEDULED and the error is returned;
// repeating the request with the same RequestID, or calling CreateTask,
// retries the submission.
func (s *Builds) Schedule(ctx context.Context, req *ScheduleRequest) (*model.Build, error) {
	if err := validateScheduleRequest(req); err != nil {
		return nil, err
	}
	bucketID := model.BucketID(req.Project, req.Bucket)
	var requestID string
	if req.RequestID != "" {
		requestID = bucketID + "/" + req.RequestID
		switch b, err := dedupedBuild(ctx, requestID); {
		case err != nil:
			return nil, err
		case b != nil:
			logging.Infof(ctx, "request %q was already handled by build %d", req.RequestID, b.ID)
			return s.ensureTask(ctx, b)
		}
	}

	if _, err := common.GetBucket(ctx, req.Project, req.Bucket); err != nil {
		return nil, err
	}
	builder, err := s.resolveBuilder(ctx, req.Project, req.Bucket, req.Builder)
	if err != nil {
		return nil, err
	}
	sel, err := tasks.SelectTemplate(ctx, s.Templates, s.TemplateName, builder.CanaryPercentage, req.Canary)
	if err != nil {
		return nil, err
	}

	now := clock.Now(ctx).UTC()
	id := buildid.NewBuildIDs(ctx, now, 1)[0]
	builderID := fmt.Sprintf("%s/%s", bucketID, req.Builder)

	var number int32
	if builder.BuildNumbers {
		if number, err = model.GenerateSequenceNumbers(ctx, builderID, 1); err != nil {
			return nil, errors.Annotate(err, "failed to generate a build number").Tag(transient.Tag).Err()
		}
	}

	def, err := tasks.Synthesize(ctx, s.Policy.Config, builder, sel, &tasks.Request{
		BuildID:      id,
		Hostname:     s.Hostname,
		CreateTime:   now,
		Number:       number,
		Properties:   req.Properties,
		Tags:         req.Tags,
		Override:     req.Override,
		Experimental: req.Experimental,
		PubsubTopic:  s.PubsubTopic,
	})
	if err != nil {
		return nil, err
	}
	defJSON, err := json.Marshal(def)
	if err != nil {
		return nil, errors.Annotate(err, "failed to marshal the task definition").Err()
	}

	b := &model.Build{
		ID:                id,
		Project:           req.Project,
		BucketID:          bucketID,
		BuilderID:         builderID,
		Number:            number,
		Status:            model.Scheduled,
		NeverLeased:       true,
		CreateTime:        now,
		StatusChangedTime: now,
		Tags:              def.BuildTags,
		Canary:            def.Canary,
		Experimental:      def.Experimental,
		TemplateRevision:  def.TemplateRevision,
		SwarmingHostname:  def.SwarmingHost,
	}
	if number > 0 {
		b.Tags = append(b.Tags, fmt.Sprintf("build_address:%s/%d", builderID, number))
	}
	b.Properties.Set(req.Properties)
	task := model.NewBuildTask(ctx, id)
	task.Definition = defJSON
	task.Hostname = def.SwarmingHost

	var existing int64
	err = datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		existing = 0
		toPut := []any{task}
		if requestID != "" {
			r := &model.RequestID{ID: requestID}
			switch err := datastore.Get(ctx, r); {
			case err == nil:
				existing = r.BuildID
				return nil
			case !errors.Contains(err, datastore.ErrNoSuchEntity):
				return errors.Annotate(err, "failed to fetch request id %q", requestID).Tag(transient.Tag).Err()
			}
			r.BuildID = id
			r.CreateTime = now
			toPut = append(toPut, r)
		}
		if err := putBuild(ctx, b, toPut...); err != nil {
			return err
		}
		txndefer.Defer(ctx, func(ctx context.Context) {
			metrics.BuildCreated(ctx, b)
			s.notify(ctx, b)
		})
		return nil
	}, nil)
	switch {
	case err != nil:
		return nil, err
	case existing != 0:
		logging.Infof(ctx, "request %q was concurrently handled by build %d", req.RequestID, existing)
		if b, err = common.GetBuild(ctx, existing); err != nil {
			return nil, err
		}
	default:
		logging.Infof(ctx, "scheduled build %d of %s", b.ID, builderID)
	}
	return s.ensureTask(ctx, b)
}

// ensureTask creates the task of b unless the build has ended.
func (s *Builds) ensureTask(ctx context.Context, b *model.Build) (*model.Build, error) {
	if b.IsEnded() {
		return b, nil
	}
	if _, err := s.CreateTask(ctx, b.ID); err != nil {
		return nil, errors.Annotate(err, "build %d is scheduled, but its task was not created", b.ID).Err()
	}
	return b, nil
}

// CreateTask submits the stored task definition of a build to the backend
// and returns the task id.
//
// If the build already has a task, CreateTask returns its id. If another
// task was recorded concurrently, the newly created one is canceled and the
// recorded id is returned.
func (s *Builds) CreateTask(ctx context.Context, buildID int64) (string, error) {
	task, err := common.GetBuildTask(ctx, buildID)
	switch {
	case err != nil:
		return "", err
	case task.TaskID != "":
		return task.TaskID, nil
	}

	def := &tasks.TaskDefinition{}
	if err := json.Unmarshal(task.Definition, def); err != nil {
		return "", errors.Annotate(err, "task definition of build %d is malformed", buildID).Err()
	}
	taskID, err := s.Backend.Submit(ctx, def)
	if err != nil {
		return "", err
	}

	var recorded string
	err = datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		t, err := common.GetBuildTask(ctx, buildID)
		if err != nil {
			return err
		}
		if t.TaskID != "" {
			recorded = t.TaskID
			return nil
		}
		recorded = ""
		t.TaskID = taskID
		if err := datastore.Put(ctx, t); err != nil {
			return errors.Annotate(err, "failed to record task %s of build %d", taskID, buildID).Tag(transient.Tag).Err()
		}
		return nil
	}, nil)
	if err != nil {
		return "", err
	}

	if recorded != "" && recorded != taskID {
		logging.Warningf(ctx, "build %d already has task %s, canceling the duplicate task %s", buildID, recorded, taskID)
		if err := s.Backend.Cancel(ctx, def.SwarmingHost, taskID); err != nil {
			logging.WithError(err).Warningf(ctx, "failed to cancel the duplicate task %s", taskID)
		}
		return recorded, nil
	}
	return taskID, nil
}
