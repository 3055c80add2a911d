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
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pingcap/badger/y"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GarbageCollector is a hazard pointer based reclaimer. Threads attach to it, protect
// the nodes they read with guards and retire the nodes they unlink. A retired node is
// disposed once no hazard pointer of any thread refers to it.
type GarbageCollector struct {
	opt Options

	// slots holds the hazard pointers of every record, HazardPointers per record.
	slots     []slot
	records   []ThreadData
	allocated uatomic.Int32
	ownerSeq  uatomic.Uint64
	registry  registry

	// helper is the record used by the background reclaimer. It has no hazard
	// pointers and is not in the registry.
	helper ThreadData

	pool       retiredPool
	poolLocked uatomic.Bool

	heavyFence func()
	closer     *y.Closer
	closed     uatomic.Bool

	stat    collectorStat
	warnLim *rate.Limiter
}

// New creates a collector. Options left zero take their DefaultOpt value.
func New(opt Options) (*GarbageCollector, error) {
	if err := opt.normalize(); err != nil {
		return nil, err
	}
	gc := &GarbageCollector{
		opt:     opt,
		slots:   make([]slot, opt.HazardPointers*opt.MaxThreads),
		records: make([]ThreadData, opt.MaxThreads),
		warnLim: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	gc.helper.init(gc, -1, nil)
	gc.helper.owner = ownerHelper
	gc.heavyFence = setupBarrier(opt.Barrier)
	if opt.ScanInterval > 0 {
		gc.closer = y.NewCloser(1)
		go gc.collectLoop(gc.closer)
	}
	log.Info("hp collector created",
		zap.Int("hazard pointers", opt.HazardPointers),
		zap.Int("max threads", opt.MaxThreads),
		zap.Int("max retired", opt.MaxRetired),
		zap.Stringer("scan type", opt.ScanType),
		zap.Bool("heavy fence", gc.heavyFence != nil),
		zap.Duration("scan interval", opt.ScanInterval))
	return gc, nil
}

// Options returns the normalized options of the collector.
func (gc *GarbageCollector) Options() Options {
	return gc.opt
}

// Close disposes every pending retired pointer. Unless forceFree is set it fails with
// ErrThreadsAttached while any thread is attached; with forceFree the attached threads
// are detached without a scan and their guards stop protecting anything.
//
// Close must not run concurrently with other operations of the collector.
func (gc *GarbageCollector) Close(forceFree bool) error {
	if gc.isClosed() {
		return ErrCollectorClosed
	}
	if n := gc.attachedCount(); n > 0 && !forceFree {
		return errors.Annotatef(ErrThreadsAttached, "%d threads", n)
	}
	if !gc.closed.CAS(false, true) {
		return ErrCollectorClosed
	}
	if gc.closer != nil {
		gc.closer.SignalAndWait()
	}
	var freed int
	gc.registry.iterate(func(td *ThreadData) bool {
		td.resetSlots()
		td.storeOwner(ownerFree)
		freed += td.disposeAll()
		return true
	})
	freed += gc.helper.disposeAll()
	freed += gc.pool.disposeAll()
	gc.stat.orphansFreed.Add(uint64(freed))
	log.Info("hp collector closed", zap.Bool("force", forceFree), zap.Int("freed", freed))
	return nil
}

func (gc *GarbageCollector) isClosed() bool {
	return gc.closed.Load()
}

// AttachThread attaches the calling thread. Attaches nest; the thread stays attached
// until the matching number of DetachThread calls.
func (gc *GarbageCollector) AttachThread() error {
	if gc.isClosed() {
		return ErrCollectorClosed
	}
	_, err := gc.opt.Threads.Attach(gc.acquireRecord)
	return err
}

// DetachThread undoes one AttachThread. The last detach scans the retired list of the
// thread and hands its record back for reuse. Pointers still protected by other threads
// stay with the record until a later scan adopts them.
func (gc *GarbageCollector) DetachThread() error {
	td, last, err := gc.opt.Threads.Detach()
	if err != nil {
		return err
	}
	if gc.isClosed() {
		return ErrCollectorClosed
	}
	if last {
		gc.releaseRecord(td)
	}
	return nil
}

// IsThreadAttached reports whether the calling thread is attached.
func (gc *GarbageCollector) IsThreadAttached() bool {
	return gc.opt.Threads.IsAttached()
}

// CurrentThread returns the record of the calling thread, or nil if it is not attached.
func (gc *GarbageCollector) CurrentThread() *ThreadData {
	return gc.opt.Threads.Current()
}

func (gc *GarbageCollector) current() (*ThreadData, error) {
	if gc.isClosed() {
		return nil, ErrCollectorClosed
	}
	td := gc.opt.Threads.Current()
	if td == nil {
		return nil, ErrThreadNotAttached
	}
	return td, nil
}

// NewGuard allocates a guard for the calling thread.
func (gc *GarbageCollector) NewGuard() (Guard, error) {
	td, err := gc.current()
	if err != nil {
		return Guard{}, err
	}
	return td.NewGuard()
}

// NewGuardArray allocates n guards for the calling thread.
func (gc *GarbageCollector) NewGuardArray(n int) (GuardArray, error) {
	td, err := gc.current()
	if err != nil {
		return GuardArray{}, err
	}
	return td.NewGuardArray(n)
}

// Retire retires p on behalf of the calling thread.
func (gc *GarbageCollector) Retire(p unsafe.Pointer, d Disposer) error {
	td, err := gc.current()
	if err != nil {
		return err
	}
	td.Retire(p, d)
	return nil
}

// Scan runs a scan on behalf of the calling thread.
func (gc *GarbageCollector) Scan() error {
	td, err := gc.current()
	if err != nil {
		return err
	}
	td.Scan()
	return nil
}

// acquireRecord hands a record to an attaching thread, reusing a free one if possible.
func (gc *GarbageCollector) acquireRecord() (*ThreadData, error) {
	if gc.isClosed() {
		return nil, ErrCollectorClosed
	}
	owner := gc.ownerSeq.Inc()
	if td := gc.reuseRecord(owner); td != nil {
		return td, nil
	}
	for {
		n := gc.allocated.Load()
		if int(n) >= gc.opt.MaxThreads {
			return gc.awaitRecord(owner)
		}
		if gc.allocated.CAS(n, n+1) {
			idx := int(n)
			hp := gc.opt.HazardPointers
			td := &gc.records[idx]
			td.init(gc, idx, gc.slots[idx*hp:(idx+1)*hp:(idx+1)*hp])
			td.owner = owner
			gc.registry.add(td)
			gc.stat.recordsAllocated.Inc()
			return td, nil
		}
	}
}

// awaitRecord is called once every record has been allocated. A record released since
// the first pass is taken; a free record briefly claimed by a helping scan is waited for.
func (gc *GarbageCollector) awaitRecord(owner uint64) (*ThreadData, error) {
	for {
		if td := gc.reuseRecord(owner); td != nil {
			return td, nil
		}
		if !gc.helping() {
			return nil, errors.Annotatef(ErrTooManyThreads, "max threads %d", gc.opt.MaxThreads)
		}
		runtime.Gosched()
	}
}

// helping reports whether a helping scan holds a free record.
func (gc *GarbageCollector) helping() bool {
	found := false
	gc.registry.iterate(func(td *ThreadData) bool {
		found = td.loadOwner() == ownerHelper
		return !found
	})
	return found
}

func (gc *GarbageCollector) reuseRecord(owner uint64) *ThreadData {
	var found *ThreadData
	gc.registry.iterate(func(td *ThreadData) bool {
		if td.loadOwner() == ownerFree && td.casOwner(ownerFree, owner) {
			found = td
			return false
		}
		return true
	})
	if found != nil {
		gc.stat.recordsReused.Inc()
	}
	return found
}

func (gc *GarbageCollector) releaseRecord(td *ThreadData) {
	td.resetSlots()
	if gc.opt.ScanType == ScanClassic {
		gc.flushDeferred(td)
		if td.retired.len() > 0 {
			gc.pool.push(td.retired.detach(), true)
		}
	} else if td.RetiredCount() > 0 {
		gc.scan(td)
	}
	td.orphans.Store(td.RetiredCount() > 0)
	td.storeOwner(ownerFree)
	gc.stat.recordsReleased.Inc()
}

func (gc *GarbageCollector) attachedCount() int {
	n := 0
	gc.registry.iterate(func(td *ThreadData) bool {
		if o := td.loadOwner(); o != ownerFree && o != ownerHelper {
			n++
		}
		return true
	})
	return n
}

// Statistics sums the counters of every record. The per-thread counters are zero
// unless Options.Stats is set.
func (gc *GarbageCollector) Statistics() Stat {
	var s Stat
	gc.registry.iterate(func(td *ThreadData) bool {
		s.add(&td.stat)
		s.Records++
		if o := td.loadOwner(); o != ownerFree && o != ownerHelper {
			s.Attached++
		}
		return true
	})
	s.add(&gc.helper.stat)
	s.RecordsAllocated = gc.stat.recordsAllocated.Load()
	s.RecordsReused = gc.stat.recordsReused.Load()
	s.RecordsReleased = gc.stat.recordsReleased.Load()
	s.OrphansFreed = gc.stat.orphansFreed.Load()
	s.ClassicPending = gc.pool.pending.Load()
	return s
}

var defaultGC atomic.Pointer[GarbageCollector]

// Construct creates the process-wide collector returned by Default.
func Construct(opt Options) error {
	if defaultGC.Load() != nil {
		return ErrAlreadyConstructed
	}
	gc, err := New(opt)
	if err != nil {
		return err
	}
	if !defaultGC.CompareAndSwap(nil, gc) {
		_ = gc.Close(true)
		return ErrAlreadyConstructed
	}
	return nil
}

// Destruct closes the process-wide collector. See GarbageCollector.Close.
func Destruct(forceFree bool) error {
	gc := defaultGC.Load()
	if gc == nil {
		return ErrNotConstructed
	}
	if err := gc.Close(forceFree); err != nil {
		return err
	}
	defaultGC.CompareAndSwap(gc, nil)
	return nil
}

// Default returns the process-wide collector. It panics if Construct was not called.
func Default() *GarbageCollector {
	gc := defaultGC.Load()
	if gc == nil {
		panic(ErrNotConstructed)
	}
	return gc
}

// MustCurrentThread is CurrentThread for callers that treat a detached thread as a
// programming error. It panics with ErrThreadNotAttached.
func (gc *GarbageCollector) MustCurrentThread() *ThreadData {
	td := gc.opt.Threads.Current()
	if td == nil {
		panic(ErrThreadNotAttached)
	}
	return td
}
