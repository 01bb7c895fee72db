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

// Package buildid generates build ids.
//
// An id is [time segment][random segment][version]. The time segment is
// inverted so newer builds sort before older ones by id.
package buildid

import (
	"context"
	"time"

	"go.chromium.org/luci/common/data/rand/mathrand"
)

const (
	// timeSuffixLen is the number of bits following the time segment.
	timeSuffixLen = 20
	// suffixLen is the number of bits in the version segment.
	suffixLen = 4
	// version is the current id format version.
	version = 1

	randomSegmentMask = (1 << (timeSuffixLen - suffixLen)) - 1
	timeSegmentMask   = (1 << (63 - timeSuffixLen)) - 1
)

// beginningOfTheWorld is the start of the id time segment: 2010-01-01.
var beginningOfTheWorld = time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)

// NewBuildIDs returns n unique build ids for builds created at t.
//
// The ids are consecutive within a single call and share the time segment.
func NewBuildIDs(ctx context.Context, t time.Time, n int) []int64 {
	if n <= 0 {
		return nil
	}
	ms := t.Sub(beginningOfTheWorld).Milliseconds()
	timeSegment := (timeSegmentMask - ms) & timeSegmentMask
	// Leave room for n consecutive random segments.
	seed := mathrand.Intn(ctx, randomSegmentMask+1-n) & randomSegmentMask

	ids := make([]int64, n)
	for i := range ids {
		ids[i] = timeSegment<<timeSuffixLen | int64(seed+i)<<suffixLen | version
	}
	return ids
}

// CreationTime returns the time encoded in the id, in milliseconds
// resolution.
func CreationTime(id int64) time.Time {
	ms := timeSegmentMask - (id >> timeSuffixLen)
	return beginningOfTheWorld.Add(time.Duration(ms) * time.Millisecond)
}
