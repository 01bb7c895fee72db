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

// Package model contains datastore entities of the build scheduler.
package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.chromium.org/luci/gae/service/datastore"
)

// Status is the authoritative status of a build. It never decreases.
type Status int32

const (
	StatusUnspecified Status = iota
	Scheduled
	Started
	Completed
)

func (s Status) String() string {
	switch s {
	case Scheduled:
		return "SCHEDULED"
	case Started:
		return "STARTED"
	case Completed:
		return "COMPLETED"
	default:
		return "STATUS_UNSPECIFIED"
	}
}

// Result is set only on completed builds.
type Result int32

const (
	ResultUnspecified Result = iota
	ResultSuccess
	ResultFailure
	ResultInfraFailure
	ResultCanceled
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultFailure:
		return "FAILURE"
	case ResultInfraFailure:
		return "INFRA_FAILURE"
	case ResultCanceled:
		return "CANCELED"
	default:
		return "RESULT_UNSPECIFIED"
	}
}

// FailureReason is set only when Result is ResultFailure or
// ResultInfraFailure.
type FailureReason int32

const (
	FailureReasonUnspecified FailureReason = iota
	FailureBuild
	FailureBuildbucket
	FailureInfra
	FailureInvalidBuildDefinition
)

func (f FailureReason) String() string {
	switch f {
	case FailureBuild:
		return "BUILD_FAILURE"
	case FailureBuildbucket:
		return "BUILDBUCKET_FAILURE"
	case FailureInfra:
		return "INFRA_FAILURE"
	case FailureInvalidBuildDefinition:
		return "INVALID_BUILD_DEFINITION"
	default:
		return "FAILURE_REASON_UNSPECIFIED"
	}
}

// CancelationReason is set only when Result is ResultCanceled.
type CancelationReason int32

const (
	CancelationReasonUnspecified CancelationReason = iota
	CanceledExplicitly
	Timeout
)

func (c CancelationReason) String() string {
	switch c {
	case CanceledExplicitly:
		return "CANCELED_EXPLICITLY"
	case Timeout:
		return "TIMEOUT"
	default:
		return "CANCELATION_REASON_UNSPECIFIED"
	}
}

// LegacyStatus is the single-enum view of a build's status and result,
// as read by older consumers.
type LegacyStatus int32

const (
	LegacyStatusUnspecified LegacyStatus = iota
	LegacyScheduled
	LegacyStarted
	LegacySuccess
	LegacyFailure
	LegacyInfraFailure
	LegacyCanceled
)

func (s LegacyStatus) String() string {
	switch s {
	case LegacyScheduled:
		return "SCHEDULED"
	case LegacyStarted:
		return "STARTED"
	case LegacySuccess:
		return "SUCCESS"
	case LegacyFailure:
		return "FAILURE"
	case LegacyInfraFailure:
		return "INFRA_FAILURE"
	case LegacyCanceled:
		return "CANCELED"
	default:
		return "STATUS_UNSPECIFIED"
	}
}

// BucketID returns the "<project>/<bucket>" id of a bucket.
func BucketID(project, bucket string) string {
	return fmt.Sprintf("%s/%s", project, bucket)
}

// Build is a representation of a build in the datastore.
type Build struct {
	_kind string `gae:"$kind,Build"`
	// Properties written by other tools are preserved on round trips.
	_extra datastore.PropertyMap `gae:"-,extra"`

	ID int64 `gae:"$id"`

	Project string `gae:"project"`
	// BucketID is "<project>/<bucket>".
	BucketID string `gae:"bucket_id"`
	// BuilderID is "<project>/<bucket>/<builder>".
	BuilderID string `gae:"builder_id"`
	Number    int32  `gae:"number,noindex"`

	Status            Status            `gae:"status"`
	Result            Result            `gae:"result"`
	FailureReason     FailureReason     `gae:"failure_reason,noindex"`
	CancelationReason CancelationReason `gae:"cancelation_reason,noindex"`
	// StatusLegacy mirrors LegacyStatus() for readers of the legacy shape.
	// It is kept in sync by SyncLegacyStatus; external writers may let it
	// drift.
	StatusLegacy LegacyStatus `gae:"status_legacy"`

	// LeaseKey is 0 when the build is not leased.
	LeaseKey            int64     `gae:"lease_key,noindex"`
	LeaseExpirationDate time.Time `gae:"lease_expiration_date"`
	IsLeased            bool      `gae:"is_leased"`
	NeverLeased         bool      `gae:"never_leased"`

	CreateTime        time.Time `gae:"create_time"`
	StartTime         time.Time `gae:"start_time,noindex"`
	CompleteTime      time.Time `gae:"complete_time,noindex"`
	StatusChangedTime time.Time `gae:"status_changed_time"`

	URL  string   `gae:"url,noindex"`
	Tags []string `gae:"tags"`

	Canary           bool   `gae:"canary,noindex"`
	Experimental     bool   `gae:"experimental"`
	TemplateRevision string `gae:"template_revision,noindex"`
	SwarmingHostname string `gae:"swarming_hostname,noindex"`

	// Properties are the caller-supplied input properties.
	Properties DSStruct `gae:"properties,noindex"`
	// ResultDetails are set by the build's executor when it completes.
	ResultDetails DSStruct `gae:"result_details,noindex"`
}

// BuilderName returns the builder part of BuilderID.
func (b *Build) BuilderName() string {
	return strings.TrimPrefix(b.BuilderID, b.BucketID+"/")
}

// LegacyStatus computes the legacy view from Status and Result.
func (b *Build) LegacyStatus() LegacyStatus {
	switch b.Status {
	case Scheduled:
		return LegacyScheduled
	case Started:
		return LegacyStarted
	case Completed:
		switch b.Result {
		case ResultSuccess:
			return LegacySuccess
		case ResultFailure:
			return LegacyFailure
		case ResultInfraFailure:
			return LegacyInfraFailure
		case ResultCanceled:
			return LegacyCanceled
		}
	}
	return LegacyStatusUnspecified
}

// SyncLegacyStatus sets StatusLegacy from the authoritative fields and
// reports whether it changed.
func (b *Build) SyncLegacyStatus() bool {
	want := b.LegacyStatus()
	if b.StatusLegacy == want {
		return false
	}
	b.StatusLegacy = want
	return true
}

// IsEnded returns true if the build is completed.
func (b *Build) IsEnded() bool {
	return b.Status == Completed
}

// IsLeaseActive returns true if the build holds a lease that has not
// expired at now.
func (b *Build) IsLeaseActive(now time.Time) bool {
	return b.IsLeased && b.LeaseKey != 0 && b.LeaseExpirationDate.After(now)
}

// ClearLease resets every lease field.
func (b *Build) ClearLease() {
	b.LeaseKey = 0
	b.IsLeased = false
	b.LeaseExpirationDate = time.Time{}
}

// HasTag returns true if the build has the given "key:value" tag.
func (b *Build) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// BuildTask holds the task definition of a build and the id of the worker
// task created from it.
type BuildTask struct {
	_kind string `gae:"$kind,BuildTask"`
	// ID is always 1 because only one such entity exists.
	ID int `gae:"$id"`
	// Build is the key for the build this entity belongs to.
	Build *datastore.Key `gae:"$parent"`

	// Definition is the JSON-encoded task definition.
	Definition []byte `gae:"definition,noindex"`
	Hostname   string `gae:"hostname,noindex"`
	TaskID     string `gae:"task_id"`
}

// NewBuildTask returns a BuildTask entity with the key of the given build.
func NewBuildTask(ctx context.Context, buildID int64) *BuildTask {
	return &BuildTask{ID: 1, Build: datastore.KeyForObj(ctx, &Build{ID: buildID})}
}

// RequestID maps a scheduling request id to the build it created.
type RequestID struct {
	_kind string `gae:"$kind,RequestID"`
	// ID is "<bucket id>/<request id>".
	ID         string    `gae:"$id"`
	BuildID    int64     `gae:"build_id,noindex"`
	CreateTime time.Time `gae:"create_time,noindex"`
}
