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
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// threadStat is written by the owning thread and read by Statistics.
type threadStat struct {
	guardAllocated atomic.Uint64
	guardFreed     atomic.Uint64
	retired        atomic.Uint64
	freed          atomic.Uint64
	scans          atomic.Uint64
	helpScans      atomic.Uint64
	scanNanos      atomic.Int64
}

// collectorStat counts record lifecycle events.
type collectorStat struct {
	recordsAllocated atomic.Uint64
	recordsReused    atomic.Uint64
	recordsReleased  atomic.Uint64
	orphansFreed     atomic.Uint64
}

// Stat is a post-mortem snapshot of the collector counters, meant for capacity tuning.
// Per-thread counters are only maintained when Options.Stats is set.
type Stat struct {
	GuardAllocated uint64
	GuardFreed     uint64
	Retired        uint64
	Freed          uint64
	Scans          uint64
	HelpScans      uint64
	ScanDuration   time.Duration

	RecordsAllocated uint64
	RecordsReused    uint64
	RecordsReleased  uint64
	// OrphansFreed counts pointers freed by the background reclaimer and by Close.
	OrphansFreed uint64

	// Records is the number of records in the registry, Attached the owned ones.
	Records  int
	Attached int
	// ClassicPending is the number of pointers waiting in the classic pool.
	ClassicPending int64
}

func (s Stat) String() string {
	return fmt.Sprintf("guards %d/%d, retired %d, freed %d, scans %d (help %d, %v), records %d/%d (alloc %d, reuse %d, release %d), orphans freed %d, classic pending %d",
		s.GuardAllocated, s.GuardFreed, s.Retired, s.Freed, s.Scans, s.HelpScans, s.ScanDuration,
		s.Attached, s.Records, s.RecordsAllocated, s.RecordsReused, s.RecordsReleased,
		s.OrphansFreed, s.ClassicPending)
}

func (s *Stat) add(ts *threadStat) {
	s.GuardAllocated += ts.guardAllocated.Load()
	s.GuardFreed += ts.guardFreed.Load()
	s.Retired += ts.retired.Load()
	s.Freed += ts.freed.Load()
	s.Scans += ts.scans.Load()
	s.HelpScans += ts.helpScans.Load()
	s.ScanDuration += time.Duration(ts.scanNanos.Load())
}
