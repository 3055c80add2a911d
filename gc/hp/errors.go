// Copyright 2021-present PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package hp

import "github.com/pingcap/errors"

var (
	// ErrTooFewHazardPointers is returned when a thread asks for more guards than
	// Options.HazardPointers allows.
	ErrTooFewHazardPointers = errors.New("hp: too few hazard pointers")
	// ErrTooManyThreads is returned when more than Options.MaxThreads threads attach.
	ErrTooManyThreads = errors.New("hp: too many attached threads")
	// ErrThreadNotAttached is returned for operations issued by a detached thread.
	ErrThreadNotAttached = errors.New("hp: thread is not attached")
	// ErrThreadsAttached is returned by a non-forced Close while threads are attached.
	ErrThreadsAttached = errors.New("hp: threads are still attached")
	// ErrCollectorClosed is returned for operations on a closed collector.
	ErrCollectorClosed = errors.New("hp: collector is closed")
	// ErrAlreadyConstructed is returned by a second Construct.
	ErrAlreadyConstructed = errors.New("hp: default collector already constructed")
	// ErrNotConstructed is returned by Destruct without Construct.
	ErrNotConstructed = errors.New("hp: default collector is not constructed")
	// ErrInvalidOptions is returned by New for malformed options.
	ErrInvalidOptions = errors.New("hp: invalid options")
)
