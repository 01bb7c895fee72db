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

// Package metrics reports build lifecycle metrics.
package metrics

import (
	"context"

	"go.chromium.org/luci/common/tsmon/distribution"
	"go.chromium.org/luci/common/tsmon/field"
	"go.chromium.org/luci/common/tsmon/metric"
	"go.chromium.org/luci/common/tsmon/types"

	"go.chromium.org/bbsched/appengine/model"
)

var (
	BuildsCreated = metric.NewCounter(
		"bbsched/builds/created",
		"Number of scheduled builds",
		nil,
		field.String("bucket"),
		field.String("canary"),
	)

	BuildTransitions = metric.NewCounter(
		"bbsched/builds/transitions",
		"Number of build status transitions",
		nil,
		field.String("bucket"),
		field.String("from"), // SCHEDULED | STARTED
		field.String("to"),   // STARTED | COMPLETED
	)

	LeaseAttempts = metric.NewCounter(
		"bbsched/builds/lease_attempts",
		"Number of attempts to lease a build",
		nil,
		field.String("bucket"),
		field.String("outcome"), // leased | already_leased | not_scheduled
	)

	CycleDurations = metric.NewCumulativeDistribution(
		"bbsched/builds/cycle_durations",
		"Duration between build creation and completion",
		&types.MetricMetadata{Units: types.Seconds},
		// 1 sec .. 2 days.
		distribution.GeometricBucketer(1.0233, 500),
		field.String("bucket"),
		field.String("result"),
	)
)

// BuildCreated reports a scheduled build.
func BuildCreated(ctx context.Context, b *model.Build) {
	canary := "false"
	if b.Canary {
		canary = "true"
	}
	BuildsCreated.Add(ctx, 1, b.BucketID, canary)
}

// Transition reports a status change of b from the given status.
//
// b must already hold the new status.
func Transition(ctx context.Context, b *model.Build, from model.Status) {
	BuildTransitions.Add(ctx, 1, b.BucketID, from.String(), b.Status.String())
	if b.Status == model.Completed && !b.CreateTime.IsZero() {
		CycleDurations.Add(ctx, b.CompleteTime.Sub(b.CreateTime).Seconds(), b.BucketID, b.Result.String())
	}
}

// Lease attempt outcomes.
const (
	LeaseLeased        = "leased"
	LeaseAlreadyLeased = "already_leased"
	LeaseNotScheduled  = "not_scheduled"
)

// LeaseAttempt reports the outcome of a lease attempt.
func LeaseAttempt(ctx context.Context, b *model.Build, outcome string) {
	LeaseAttempts.Add(ctx, 1, b.BucketID, outcome)
}

