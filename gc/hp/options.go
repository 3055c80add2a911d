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

import (
	"time"

	"github.com/cznic/mathutil"
	"github.com/pingcap/errors"
)

// ScanType selects how retired pointers are matched against hazards.
type ScanType int

const (
	// ScanInplace makes every thread scan its own retired list. It sorts the list and
	// marks the entries hit by a hazard, so a scan never allocates.
	ScanInplace ScanType = iota
	// ScanClassic hands full retired lists to one collector-wide pool which is
	// scanned cooperatively by one thread at a time.
	ScanClassic
)

func (s ScanType) String() string {
	switch s {
	case ScanInplace:
		return "inplace"
	case ScanClassic:
		return "classic"
	default:
		return "unknown"
	}
}

// BarrierType selects the fence pairing between guards and scans.
type BarrierType int

const (
	// BarrierSeqCst relies on sequentially consistent atomics on both sides.
	BarrierSeqCst BarrierType = iota
	// BarrierAsymmetric additionally issues a process-wide membarrier before each
	// hazard snapshot. It falls back to BarrierSeqCst when the OS lacks support.
	BarrierAsymmetric
)

func (b BarrierType) String() string {
	switch b {
	case BarrierSeqCst:
		return "seq-cst"
	case BarrierAsymmetric:
		return "asymmetric"
	default:
		return "unknown"
	}
}

// ScanEvent describes a finished scan. It is passed to Options.OnScan.
type ScanEvent struct {
	Type     ScanType
	Duration time.Duration
	Freed    int
	Kept     int
}

// NOTE: Keep the comments in the following to 75 chars width, so they
// format nicely in godoc.

// Options are params for creating a GarbageCollector.
type Options struct {
	// HazardPointers is the number of hazard pointer slots of every
	// thread. It bounds the guards a thread may hold at the same time.
	HazardPointers int

	// MaxThreads bounds the number of simultaneously attached threads.
	MaxThreads int

	// MaxRetired is the capacity of a thread's retired list. When it is
	// below HazardPointers*MaxThreads it is raised to twice that product,
	// which guarantees that a scan always frees at least half the list.
	MaxRetired int

	ScanType ScanType
	Barrier  BarrierType

	// ScanInterval starts a background reclaimer when positive. It frees
	// pointers left behind by detached threads.
	ScanInterval time.Duration

	// Stats enables the per-thread counters read by Statistics.
	Stats bool

	// OnScan is called after each scan by the scanning thread.
	OnScan func(ScanEvent)

	// Threads binds records to threads. NewOSThreadManager is used when
	// it is nil.
	Threads ThreadManager
}

// DefaultOpt contains options that should work for most applications.
var DefaultOpt = Options{
	HazardPointers: 8,
	MaxThreads:     100,
	ScanType:       ScanInplace,
	Barrier:        BarrierSeqCst,
}

func (o *Options) normalize() error {
	if o.HazardPointers < 0 || o.MaxThreads < 0 || o.MaxRetired < 0 {
		return errors.Annotatef(ErrInvalidOptions, "hazard pointers %d, max threads %d, max retired %d",
			o.HazardPointers, o.MaxThreads, o.MaxRetired)
	}
	if o.ScanType != ScanInplace && o.ScanType != ScanClassic {
		return errors.Annotatef(ErrInvalidOptions, "scan type %d", o.ScanType)
	}
	if o.Barrier != BarrierSeqCst && o.Barrier != BarrierAsymmetric {
		return errors.Annotatef(ErrInvalidOptions, "barrier %d", o.Barrier)
	}
	if o.HazardPointers == 0 {
		o.HazardPointers = DefaultOpt.HazardPointers
	}
	if o.MaxThreads == 0 {
		o.MaxThreads = DefaultOpt.MaxThreads
	}
	o.MaxRetired = retiredCapacity(o.MaxRetired, o.HazardPointers, o.MaxThreads)
	if o.Threads == nil {
		o.Threads = NewOSThreadManager()
	}
	return nil
}

func retiredCapacity(size, hazardPointers, threads int) int {
	minSize := mathutil.Max(hazardPointers*threads, 1)
	if size < minSize {
		return minSize * 2
	}
	return size
}
