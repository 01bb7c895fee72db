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

// Package buildstatus implements the build status state machine.
package buildstatus

import (
	"time"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/bbsched/appengine/model"
)

// CanTransition returns true if a build may move from one status to another.
//
// Status never decreases. Moving to the current status is allowed for every
// status but COMPLETED.
func CanTransition(from, to model.Status) bool {
	switch from {
	case model.Scheduled:
		return to == model.Scheduled || to == model.Started || to == model.Completed
	case model.Started:
		return to == model.Started || to == model.Completed
	default:
		return false
	}
}

// Outcome is the terminal state of a completed build.
type Outcome struct {
	Result            model.Result
	FailureReason     model.FailureReason
	CancelationReason model.CancelationReason
}

// Validate checks that the reasons match the result.
func (o Outcome) Validate() error {
	switch o.Result {
	case model.ResultSuccess:
		if o.FailureReason != model.FailureReasonUnspecified || o.CancelationReason != model.CancelationReasonUnspecified {
			return errors.Reason("a successful build cannot have a failure or cancelation reason").Err()
		}
	case model.ResultFailure, model.ResultInfraFailure:
		if o.CancelationReason != model.CancelationReasonUnspecified {
			return errors.Reason("a failed build cannot have a cancelation reason").Err()
		}
	case model.ResultCanceled:
		if o.FailureReason != model.FailureReasonUnspecified {
			return errors.Reason("a canceled build cannot have a failure reason").Err()
		}
	default:
		return errors.Reason("cannot complete a build with result %s", o.Result).Err()
	}
	return nil
}

// Start moves b to STARTED at now.
func Start(b *model.Build, now time.Time) error {
	if !CanTransition(b.Status, model.Started) {
		return errors.Reason("cannot start a build with status %s", b.Status).Err()
	}
	if b.Status == model.Started {
		return nil
	}
	b.Status = model.Started
	b.StartTime = now
	b.StatusChangedTime = now
	b.SyncLegacyStatus()
	return nil
}

// Complete moves b to COMPLETED with the given outcome at now and clears the
// lease.
func Complete(b *model.Build, now time.Time, o Outcome) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if !CanTransition(b.Status, model.Completed) {
		return errors.Reason("cannot complete a build with status %s", b.Status).Err()
	}
	b.Status = model.Completed
	b.Result = o.Result
	b.FailureReason = o.FailureReason
	b.CancelationReason = o.CancelationReason
	b.CompleteTime = now
	b.StatusChangedTime = now
	b.ClearLease()
	b.SyncLegacyStatus()
	return nil
}

// Matches returns true if the completed build b ended with outcome o.
func Matches(b *model.Build, o Outcome) bool {
	return b.IsEnded() &&
		b.Result == o.Result &&
		b.FailureReason == o.FailureReason &&
		b.CancelationReason == o.CancelationReason
}

// TimedOut returns true if b has been running for longer than maxDuration
// at now.
func TimedOut(b *model.Build, now time.Time, maxDuration time.Duration) bool {
	if b.IsEnded() || maxDuration <= 0 || b.CreateTime.IsZero() {
		return false
	}
	return now.Sub(b.CreateTime) > maxDuration
}
