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

// Package rpc implements the build lifecycle operations: scheduling, leasing,
// starting, heartbeating, completing and canceling builds.
package rpc

import (
	"context"
	"time"

	"go.chromium.org/luci/common/clock"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/retry/transient"
	"go.chromium.org/luci/gae/filter/txndefer"
	"go.chromium.org/luci/gae/service/datastore"

	"go.chromium.org/bbsched/appengine/common"
	"go.chromium.org/bbsched/appengine/internal/config"
	"go.chromium.org/bbsched/appengine/internal/metrics"
	"go.chromium.org/bbsched/appengine/internal/notify"
	"go.chromium.org/bbsched/appengine/model"
	"go.chromium.org/bbsched/appengine/tasks"
)

// batchWorkers is the number of items of a batch processed concurrently.
const batchWorkers = 64

// Policy holds the limits of the lifecycle operations.
type Policy struct {
	// MaxBuildDuration is how long a build may exist before a heartbeat
	// times it out.
	MaxBuildDuration time.Duration
	// DefaultLeaseDuration is used when a caller does not ask for a lease
	// expiration.
	DefaultLeaseDuration time.Duration
	MaxLeaseDuration     time.Duration

	DefaultPeekSize int
	MaxPeekSize     int

	// Config is the builder config policy.
	Config config.Policy
}

// DefaultPolicy is the production policy.
var DefaultPolicy = Policy{
	MaxBuildDuration:     2 * 24 * time.Hour,
	DefaultLeaseDuration: time.Minute,
	MaxLeaseDuration:     2 * 24 * time.Hour,
	DefaultPeekSize:      10,
	MaxPeekSize:          100,
	Config:               config.DefaultPolicy,
}

// Builds implements the build lifecycle.
//
// Contexts passed to its methods must have the txndefer filter installed.
type Builds struct {
	Policy Policy
	// Resolver flattens builder configs.
	Resolver *config.Resolver
	// Templates provides task templates. TemplateName is the template used
	// for every build.
	Templates    tasks.TemplateProvider
	TemplateName string
	Backend      tasks.Backend
	// Sink, if set, is notified of every build status change.
	Sink notify.Sink
	// Hostname is the hostname of this service.
	Hostname string
	// PubsubTopic is where the backend reports task updates.
	PubsubTopic string
	// Async runs best-effort work that must not block the caller. Defaults to
	// running fn in a new goroutine.
	Async func(ctx context.Context, fn func(context.Context))
}

// NewBuilds returns a Builds service with the default policy.
func NewBuilds(templates tasks.TemplateProvider, templateName string, backend tasks.Backend) *Builds {
	return &Builds{
		Policy:       DefaultPolicy,
		Resolver:     config.NewResolver(DefaultPolicy.Config, 1000),
		Templates:    templates,
		TemplateName: templateName,
		Backend:      backend,
	}
}

// GetBuild returns the build or a NotFound error.
func (s *Builds) GetBuild(ctx context.Context, id int64) (*model.Build, error) {
	return common.GetBuild(ctx, id)
}

func (s *Builds) async(ctx context.Context, fn func(context.Context)) {
	if s.Async != nil {
		s.Async(ctx, fn)
		return
	}
	go fn(context.WithoutCancel(ctx))
}

// notify enqueues a notification about b. Failures are only logged.
func (s *Builds) notify(ctx context.Context, b *model.Build) {
	if s.Sink == nil {
		return
	}
	if err := s.Sink.Enqueue(ctx, b); err != nil {
		logging.WithError(err).Warningf(ctx, "failed to enqueue a notification for build %d", b.ID)
	}
}

// onTransition reports the status change of b after the current
// transaction commits. b must not be modified until then.
func (s *Builds) onTransition(ctx context.Context, b *model.Build, from model.Status) {
	txndefer.Defer(ctx, func(ctx context.Context) {
		metrics.Transition(ctx, b, from)
		s.notify(ctx, b)
	})
}

// putBuild stores b, syncing its legacy status first.
func putBuild(ctx context.Context, b *model.Build, more ...any) error {
	b.SyncLegacyStatus()
	if err := datastore.Put(ctx, append([]any{b}, more...)...); err != nil {
		return errors.Annotate(err, "failed to store build %d", b.ID).Tag(transient.Tag).Err()
	}
	return nil
}

// newLeaseKey returns a random non-zero lease key different from prev.
func newLeaseKey(ctx context.Context, prev int64) int64 {
	for {
		if k := mathrand.Int63(ctx); k != 0 && k != prev {
			return k
		}
	}
}

// leaseExpiration validates a requested lease expiration date. The zero time
// means the default lease duration.
func (s *Builds) leaseExpiration(ctx context.Context, requested time.Time) (time.Time, error) {
	now := clock.Now(ctx).UTC()
	switch {
	case requested.IsZero():
		return now.Add(s.Policy.DefaultLeaseDuration), nil
	case !requested.After(now):
		return time.Time{}, common.Errorf(common.InvalidInput, "lease expiration date %s is in the past", requested)
	case requested.Sub(now) > s.Policy.MaxLeaseDuration:
		return time.Time{}, common.Errorf(common.InvalidInput, "lease duration must not exceed %s", s.Policy.MaxLeaseDuration)
	default:
		return requested.UTC(), nil
	}
}

// checkLease returns an error if the build cannot be mutated with leaseKey.
func checkLease(b *model.Build, leaseKey int64) error {
	switch {
	case b.IsEnded():
		return common.Completed(b)
	case leaseKey == 0 || b.LeaseKey != leaseKey:
		return common.Errorf(common.LeaseExpired, "lease key %d of build %d is not valid", leaseKey, b.ID)
	default:
		return nil
	}
}
