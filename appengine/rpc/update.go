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
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/stringset"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/gae/filter/txndefer"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/bbsched/appengine/common"
	"go.chromium.org/bbsched/appengine/internal/buildstatus"
	"go.chromium.org/bbsched/appengine/model"
)

// timeoutDetails are merged into the result details of builds that exceed
// the maximum build duration.
var timeoutDetails = &structpb.Struct{
	Fields: map[string]*structpb.Value{
		"error": structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"message": structpb.NewStringValue("build exceeded maximum duration"),
				"timeout": structpb.NewBoolValue(true),
			},
		}),
	},
}

// Start marks a leased build as STARTED.
//
// Starting a started build only updates its URL.
func (s *Builds) Start(ctx context.Context, id, leaseKey int64, url string) (*model.Build, error) {
	var b *model.Build
	err := datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		if b, err = common.GetBuild(ctx, id); err != nil {
			return err
		}
		if err := checkLease(b, leaseKey); err != nil {
			return err
		}
		if b.Status == model.Started {
			if b.URL == url {
				return nil
			}
			b.URL = url
			return putBuild(ctx, b)
		}

		from := b.Status
		if err := buildstatus.Start(b, clock.Now(ctx).UTC()); err != nil {
			return common.Wrap(common.InvalidInput, err, "build %d", id)
		}
		b.URL = url
		if err := putBuild(ctx, b); err != nil {
			return err
		}
		s.onTransition(ctx, b, from)
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Heartbeat extends the lease of a build to expiration. The lease is never
// shortened.
//
// A build older than the maximum build duration is completed with
// INFRA_FAILURE instead, and a BuildIsCompleted error carrying it is
// returned.
func (s *Builds) Heartbeat(ctx context.Context, id, leaseKey int64, expiration time.Time) (*model.Build, error) {
	expiration, err := s.leaseExpiration(ctx, expiration)
	if err != nil {
		return nil, err
	}

	var b *model.Build
	timedOut := false
	err = datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		timedOut = false
		var err error
		if b, err = common.GetBuild(ctx, id); err != nil {
			return err
		}
		if err := checkLease(b, leaseKey); err != nil {
			return err
		}

		now := clock.Now(ctx).UTC()
		if buildstatus.TimedOut(b, now, s.Policy.MaxBuildDuration) {
			logging.Warningf(ctx, "build %d exceeded the maximum duration of %s", id, s.Policy.MaxBuildDuration)
			from := b.Status
			err := buildstatus.Complete(b, now, buildstatus.Outcome{
				Result:        model.ResultInfraFailure,
				FailureReason: model.FailureInfra,
			})
			if err != nil {
				return err
			}
			b.ResultDetails.MergeFields(timeoutDetails)
			if err := putBuild(ctx, b); err != nil {
				return err
			}
			s.onTransition(ctx, b, from)
			timedOut = true
			return nil
		}

		if !expiration.After(b.LeaseExpirationDate) {
			return nil
		}
		b.LeaseExpirationDate = expiration
		return putBuild(ctx, b)
	}, nil)
	switch {
	case err != nil:
		return nil, err
	case timedOut:
		return nil, common.Completed(b)
	}
	return b, nil
}

// CompleteRequest is a request to complete a leased build.
type CompleteRequest struct {
	BuildID  int64
	LeaseKey int64
	// ResultDetails are merged into the result details of the build.
	ResultDetails *structpb.Struct
	// URL, if set, replaces the URL of the build.
	URL string
	// NewTags are "key:value" tags to add to the build.
	NewTags []string
	// FailureReason is used by Fail. Defaults to BUILD_FAILURE.
	FailureReason model.FailureReason
}

// Succeed completes a leased build with SUCCESS.
//
// Repeating a successful call is a no-op.
func (s *Builds) Succeed(ctx context.Context, req *CompleteRequest) (*model.Build, error) {
	return s.complete(ctx, req, buildstatus.Outcome{Result: model.ResultSuccess})
}

// Fail completes a leased build with FAILURE, or with INFRA_FAILURE if the
// failure reason is INFRA_FAILURE.
//
// Repeating a successful call is a no-op.
func (s *Builds) Fail(ctx context.Context, req *CompleteRequest) (*model.Build, error) {
	o := buildstatus.Outcome{Result: model.ResultFailure, FailureReason: req.FailureReason}
	switch req.FailureReason {
	case model.FailureReasonUnspecified:
		o.FailureReason = model.FailureBuild
	case model.FailureInfra:
		o.Result = model.ResultInfraFailure
	}
	return s.complete(ctx, req, o)
}

func validateTags(tags []string) error {
	for _, t := range tags {
		if k, _, ok := strings.Cut(t, ":"); !ok || k == "" {
			return common.Errorf(common.InvalidInput, "tag %q must be in key:value form", t)
		}
	}
	return nil
}

// isReplay returns true if completing b with req and o would not change it.
func isReplay(b *model.Build, req *CompleteRequest, o buildstatus.Outcome) bool {
	if !buildstatus.Matches(b, o) {
		return false
	}
	if req.URL != "" && req.URL != b.URL {
		return false
	}
	for k, v := range req.ResultDetails.GetFields() {
		if cur, ok := b.ResultDetails.Fields[k]; !ok || !proto.Equal(cur, v) {
			return false
		}
	}
	tags := stringset.NewFromSlice(b.Tags...)
	for _, t := range req.NewTags {
		if !tags.Has(t) {
			return false
		}
	}
	return true
}

func (s *Builds) complete(ctx context.Context, req *CompleteRequest, o buildstatus.Outcome) (*model.Build, error) {
	if err := validateTags(req.NewTags); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, common.Wrap(common.InvalidInput, err, "build %d", req.BuildID)
	}

	var b *model.Build
	err := datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		if b, err = common.GetBuild(ctx, req.BuildID); err != nil {
			return err
		}
		if b.IsEnded() && isReplay(b, req, o) {
			logging.Infof(ctx, "build %d is already completed with %s", b.ID, b.Result)
			return nil
		}
		if err := checkLease(b, req.LeaseKey); err != nil {
			return err
		}

		from := b.Status
		if err := buildstatus.Complete(b, clock.Now(ctx).UTC(), o); err != nil {
			return err
		}
		if req.URL != "" {
			b.URL = req.URL
		}
		b.ResultDetails.MergeFields(req.ResultDetails)
		b.Tags = addTags(b.Tags, req.NewTags)
		if err := putBuild(ctx, b); err != nil {
			return err
		}
		s.onTransition(ctx, b, from)
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// addTags appends the tags not yet in cur.
func addTags(cur, tags []string) []string {
	seen := stringset.NewFromSlice(cur...)
	for _, t := range tags {
		if seen.Add(t) {
			cur = append(cur, t)
		}
	}
	return cur
}

// Cancel cancels a build regardless of its lease.
//
// Canceling a completed build returns it unchanged. The worker task of the
// build is canceled asynchronously after the build is stored.
func (s *Builds) Cancel(ctx context.Context, id int64, resultDetails *structpb.Struct) (*model.Build, error) {
	var b *model.Build
	err := datastore.RunInTransaction(ctx, func(ctx context.Context) error {
		var err error
		if b, err = common.GetBuild(ctx, id); err != nil {
			return err
		}
		if b.IsEnded() {
			return nil
		}

		task := model.NewBuildTask(ctx, id)
		switch err := datastore.Get(ctx, task); {
		case errors.Contains(err, datastore.ErrNoSuchEntity):
			task = nil
		case err != nil:
			return errors.Annotate(err, "failed to fetch the task of build %d", id).Tag(transient.Tag).Err()
		}

		from := b.Status
		err = buildstatus.Complete(b, clock.Now(ctx).UTC(), buildstatus.Outcome{
			Result:            model.ResultCanceled,
			CancelationReason: model.CanceledExplicitly,
		})
		if err != nil {
			return err
		}
		b.ResultDetails.MergeFields(resultDetails)
		if err := putBuild(ctx, b); err != nil {
			return err
		}
		s.onTransition(ctx, b, from)

		if task != nil && task.TaskID != "" {
			hostname, taskID := task.Hostname, task.TaskID
			txndefer.Defer(ctx, func(ctx context.Context) {
				s.async(ctx, func(ctx context.Context) {
					if err := s.Backend.Cancel(ctx, hostname, taskID); err != nil {
						logging.WithError(err).Warningf(ctx, "failed to cancel task %s of build %d", taskID, id)
					}
				})
			})
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}
	return b, nil
}
