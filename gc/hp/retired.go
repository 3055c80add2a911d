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
	"cmp"
	"slices"
	"sync/atomic"
	"unsafe"

	uatomic "go.uber.org/atomic"
)

// Disposer destroys a retired object once no hazard pointer refers to it.
type Disposer interface {
	Dispose(p unsafe.Pointer)
}

// DisposerFunc adapts a function to the Disposer interface.
type DisposerFunc func(p unsafe.Pointer)

// Dispose calls f(p).
func (f DisposerFunc) Dispose(p unsafe.Pointer) {
	f(p)
}

// typedDisposer is pointer shaped, so storing it in a Disposer does not allocate.
type typedDisposer[T any] func(*T)

func (f typedDisposer[T]) Dispose(p unsafe.Pointer) {
	f((*T)(p))
}

// retired is an object logically removed from a shared structure and not yet known to be
// unreachable from every hazard pointer.
type retired struct {
	ptr unsafe.Pointer
	d   Disposer
	// keep is set by a scan for entries hit by a hazard.
	keep bool
}

func (r *retired) addr() uintptr {
	return uintptr(r.ptr)
}

func (r *retired) dispose() {
	r.d.Dispose(r.ptr)
}

func compareRetired(a, b retired) int {
	return cmp.Compare(a.addr(), b.addr())
}

func compareRetiredAddr(r retired, addr uintptr) int {
	return cmp.Compare(r.addr(), addr)
}

// retiredList is owned by one record. Its capacity is fixed at construction and only
// grows when a scan could not make room.
type retiredList struct {
	entries []retired
}

func newRetiredList(capacity int) retiredList {
	return retiredList{entries: make([]retired, 0, capacity)}
}

func (l *retiredList) len() int {
	return len(l.entries)
}

func (l *retiredList) full() bool {
	return len(l.entries) >= cap(l.entries)
}

func (l *retiredList) push(r retired) {
	l.entries = append(l.entries, r)
}

// grow doubles the capacity, keeping the entries.
func (l *retiredList) grow() {
	entries := make([]retired, len(l.entries), 2*cap(l.entries))
	copy(entries, l.entries)
	l.entries = entries
}

// sort orders the entries by address.
func (l *retiredList) sort() {
	slices.SortFunc(l.entries, compareRetired)
}

// mark flags every entry retired at addr. The list must be sorted.
func (l *retiredList) mark(addr uintptr) {
	i, found := slices.BinarySearchFunc(l.entries, addr, compareRetiredAddr)
	if !found {
		return
	}
	for ; i < len(l.entries) && l.entries[i].addr() == addr; i++ {
		l.entries[i].keep = true
	}
}

// sweep disposes the unmarked entries and compacts the marked ones to the front.
func (l *retiredList) sweep() (freed int) {
	kept := l.entries[:0]
	for i := range l.entries {
		r := l.entries[i]
		if r.keep {
			r.keep = false
			kept = append(kept, r)
			continue
		}
		r.dispose()
		freed++
	}
	l.truncate(len(kept))
	return freed
}

// disposeAll frees every entry regardless of hazards.
func (l *retiredList) disposeAll() (freed int) {
	for i := range l.entries {
		l.entries[i].dispose()
	}
	freed = len(l.entries)
	l.truncate(0)
	return freed
}

// truncate shortens the list to n, clearing the tail so disposed objects are not pinned.
func (l *retiredList) truncate(n int) {
	tail := l.entries[n:len(l.entries)]
	for i := range tail {
		tail[i] = retired{}
	}
	l.entries = l.entries[:n]
}

// moveTo drains l into dst, calling makeRoom whenever dst is full.
func (l *retiredList) moveTo(dst *retiredList, makeRoom func()) int {
	n := len(l.entries)
	for i := range l.entries {
		if dst.full() {
			makeRoom()
		}
		dst.push(l.entries[i])
	}
	l.truncate(0)
	return n
}

// detach hands the entries over to the caller and leaves the list empty with the same
// capacity.
func (l *retiredList) detach() []retired {
	entries := l.entries
	l.entries = make([]retired, 0, cap(entries))
	return entries
}

// batch is a group of retired pointers in the classic pool.
type batch struct {
	entries []retired
	next    *batch
}

// retiredPool is the collector-wide stack of batches used by the classic scan.
type retiredPool struct {
	head    atomic.Pointer[batch]
	pending uatomic.Int64
	// gen changes whenever a thread hands over new entries.
	gen uatomic.Uint64
}

func (p *retiredPool) push(entries []retired, fresh bool) {
	if len(entries) == 0 {
		return
	}
	b := &batch{entries: entries}
	p.pending.Add(int64(len(entries)))
	for {
		b.next = p.head.Load()
		if p.head.CompareAndSwap(b.next, b) {
			break
		}
	}
	if fresh {
		p.gen.Inc()
	}
}

func (p *retiredPool) takeAll() *batch {
	return p.head.Swap(nil)
}

func (p *retiredPool) disposeAll() (freed int) {
	for b := p.takeAll(); b != nil; b = b.next {
		for i := range b.entries {
			b.entries[i].dispose()
		}
		freed += len(b.entries)
		p.pending.Sub(int64(len(b.entries)))
	}
	return freed
}
