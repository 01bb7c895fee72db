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

package common

import (
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"go.chromium.org/luci/common/errors"

	"go.chromium.org/bbsched/appengine/model"
)

// Kind enumerates the domain failures of scheduling operations.
type Kind int

const (
	// Unknown is the kind of every error not created by this package.
	Unknown Kind = iota
	// InvalidInput means malformed or contradictory input.
	InvalidInput
	// NotFound means a build, bucket, builder or template is absent.
	NotFound
	// LeaseExpired means the lease key presented does not match the build.
	LeaseExpired
	// AlreadyLeased means the build is leased by someone else.
	AlreadyLeased
	// BuildIsCompleted means the build has already reached a terminal state.
	BuildIsCompleted
	// TemplateNotFound means no task template could be selected.
	TemplateNotFound
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "InvalidInput"
	case NotFound:
		return "NotFound"
	case LeaseExpired:
		return "LeaseExpired"
	case AlreadyLeased:
		return "AlreadyLeased"
	case BuildIsCompleted:
		return "BuildIsCompleted"
	case TemplateNotFound:
		return "TemplateNotFound"
	default:
		return "Unknown"
	}
}

// Code returns the gRPC code an error of this kind is reported with.
func (k Kind) Code() codes.Code {
	switch k {
	case InvalidInput:
		return codes.InvalidArgument
	case NotFound, TemplateNotFound:
		return codes.NotFound
	case LeaseExpired, BuildIsCompleted:
		return codes.FailedPrecondition
	case AlreadyLeased:
		return codes.Aborted
	default:
		return codes.Internal
	}
}

// Error is a domain error.
type Error struct {
	Kind    Kind
	Message string
	// Build is the current state of the build for BuildIsCompleted.
	Build *model.Build
	// Cause is an optional underlying error.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// InnerError lets errors.Walk look at the cause.
func (e *Error) InnerError() error {
	return e.Cause
}

// GRPCStatus implements the interface recognized by status.FromError.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.Code(), e.Message)
}

// Errorf returns a new *Error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new *Error of the given kind caused by err.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// Completed returns a BuildIsCompleted error carrying b.
func Completed(b *model.Build) error {
	return &Error{
		Kind:    BuildIsCompleted,
		Message: fmt.Sprintf("build %d is completed with result %s", b.ID, b.Result),
		Build:   b,
	}
}

// AsError returns the outermost *Error within err, or nil.
func AsError(err error) *Error {
	var ret *Error
	errors.Walk(err, func(e error) bool {
		if de, ok := e.(*Error); ok {
			ret = de
			return false
		}
		return true
	})
	return ret
}

// KindOf returns the Kind of err, or Unknown if err is not a domain error.
func KindOf(err error) Kind {
	if e := AsError(err); e != nil {
		return e.Kind
	}
	return Unknown
}

// IsKind returns true if err is a domain error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
