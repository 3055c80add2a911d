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
	"sync/atomic"
	"unsafe"

	"github.com/ngaut/cds/internal/debug"
	uatomic "go.uber.org/atomic"
)

const (
	ownerFree uint64 = 0
	// ownerHelper marks a free record temporarily claimed by a helping scan.
	ownerHelper = ^uint64(0)
)

// slot is one hazard pointer. ptr is written only by the owning thread and read by every
// scanner. next links the owner-private list of free slots.
type slot struct {
	ptr   unsafe.Pointer
	next  *slot
	inUse bool
}

func (s *slot) load() unsafe.Pointer {
	return atomic.LoadPointer(&s.ptr)
}

func (s *slot) store(p unsafe.Pointer) {
	atomic.StorePointer(&s.ptr, p)
}

// ThreadData is the hazard pointer record of one attached thread: its hazard pointer
// slots and its retired list. All methods must be called by the owning thread.
type ThreadData struct {
	gc    *GarbageCollector
	id    int
	owner uint64

	// next links the collector's registry. It never changes once published.
	next unsafe.Pointer

	slots    []slot
	freeSlot *slot

	retired retiredList
	// orphans is set when the record is released with retired pointers left, so
	// helping scans only claim free records that have something to adopt.
	orphans uatomic.Bool
	// deferred collects pointers retired by disposers while a scan is running.
	deferred []retired
	scanning bool

	// hazards is scratch space for hazard snapshots.
	hazards []uintptr

	stat threadStat
}

func (td *ThreadData) init(gc *GarbageCollector, id int, slots []slot) {
	td.gc = gc
	td.id = id
	td.slots = slots
	td.resetSlots()
	td.retired = newRetiredList(gc.opt.MaxRetired)
	td.hazards = make([]uintptr, 0, gc.opt.HazardPointers*gc.opt.MaxThreads)
}

// ID returns the index of the record in the collector's slot arena.
func (td *ThreadData) ID() int {
	return td.id
}

func (td *ThreadData) loadOwner() uint64 {
	return atomic.LoadUint64(&td.owner)
}

func (td *ThreadData) casOwner(old, new uint64) bool {
	return atomic.CompareAndSwapUint64(&td.owner, old, new)
}

func (td *ThreadData) storeOwner(owner uint64) {
	atomic.StoreUint64(&td.owner, owner)
}

func (td *ThreadData) nextRecord() *ThreadData {
	return (*ThreadData)(atomic.LoadPointer(&td.next))
}

// resetSlots clears every hazard pointer and rebuilds the free list.
func (td *ThreadData) resetSlots() {
	td.freeSlot = nil
	for i := len(td.slots) - 1; i >= 0; i-- {
		s := &td.slots[i]
		s.store(nil)
		s.inUse = false
		s.next = td.freeSlot
		td.freeSlot = s
	}
}

func (td *ThreadData) allocSlot() (*slot, error) {
	s := td.freeSlot
	if s == nil {
		return nil, ErrTooFewHazardPointers
	}
	td.freeSlot = s.next
	s.next = nil
	s.inUse = true
	if td.gc.opt.Stats {
		td.stat.guardAllocated.Inc()
	}
	return s, nil
}

func (td *ThreadData) freeSlots() int {
	n := 0
	for s := td.freeSlot; s != nil; s = s.next {
		n++
	}
	return n
}

func (td *ThreadData) releaseSlot(s *slot) {
	debug.Assert(s.inUse, "hp: hazard pointer released twice")
	debug.Assert(td.ownsSlot(s), "hp: hazard pointer released by a foreign thread")
	s.store(nil)
	s.inUse = false
	s.next = td.freeSlot
	td.freeSlot = s
	if td.gc.opt.Stats {
		td.stat.guardFreed.Inc()
	}
}

func (td *ThreadData) ownsSlot(s *slot) bool {
	if len(td.slots) == 0 {
		return false
	}
	first := uintptr(unsafe.Pointer(&td.slots[0]))
	last := uintptr(unsafe.Pointer(&td.slots[len(td.slots)-1]))
	addr := uintptr(unsafe.Pointer(s))
	return addr >= first && addr <= last
}

// NewGuard allocates a hazard pointer of the thread. The guard must be released with
// Release; ErrTooFewHazardPointers is returned when every slot is taken.
func (td *ThreadData) NewGuard() (Guard, error) {
	td.checkUsable()
	s, err := td.allocSlot()
	if err != nil {
		return Guard{}, err
	}
	return Guard{s: s, td: td}, nil
}

// NewGuardArray allocates n hazard pointers at once. Either all of them are allocated
// or none is.
func (td *ThreadData) NewGuardArray(n int) (GuardArray, error) {
	td.checkUsable()
	if n > td.freeSlots() {
		return GuardArray{}, ErrTooFewHazardPointers
	}
	slots := make([]*slot, n)
	for i := range slots {
		s, err := td.allocSlot()
		debug.Assert(err == nil, "hp: free slot count changed during allocation")
		slots[i] = s
	}
	return GuardArray{slots: slots, td: td}, nil
}

// Retire hands p to the collector. d.Dispose(p) is called exactly once, as soon as no
// hazard pointer refers to p. Retiring the same pointer twice is a usage error.
func (td *ThreadData) Retire(p unsafe.Pointer, d Disposer) {
	if p == nil {
		return
	}
	td.checkUsable()
	r := retired{ptr: p, d: d}
	if td.gc.opt.Stats {
		td.stat.retired.Inc()
	}
	if td.scanning {
		td.deferred = append(td.deferred, r)
		return
	}
	td.retired.push(r)
	if td.retired.full() {
		td.gc.scan(td)
	}
}

// Retire is the typed form of ThreadData.Retire. free is called with p once it is safe.
func Retire[T any](td *ThreadData, p *T, free func(*T)) {
	td.Retire(unsafe.Pointer(p), typedDisposer[T](free))
}

// Scan reclaims every retired pointer of the thread that no hazard pointer refers to.
func (td *ThreadData) Scan() {
	td.checkUsable()
	if td.scanning {
		return
	}
	td.gc.scan(td)
}

// RetiredCount returns the number of pointers waiting in the thread's retired list.
func (td *ThreadData) RetiredCount() int {
	return td.retired.len() + len(td.deferred)
}

func (td *ThreadData) checkUsable() {
	debug.Assert(td.loadOwner() != ownerFree, "hp: record used after detach")
	debug.Assert(!td.gc.isClosed(), "hp: record used after the collector was closed")
}
