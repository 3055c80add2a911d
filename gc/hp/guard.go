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
)

// Guard owns one hazard pointer of a thread. A pointer published through a guard is
// not disposed until the guard is cleared, reassigned or released.
//
// Publishing alone does not make a dereference safe: the caller must check that the
// pointer is still reachable after publishing it (ProtectFrom and Protect do this for
// pointers loaded from a shared location).
type Guard struct {
	s  *slot
	td *ThreadData
}

// Valid reports whether the guard owns a hazard pointer.
func (g *Guard) Valid() bool {
	return g.s != nil
}

// Assign publishes p. Any previously published pointer loses its protection.
func (g *Guard) Assign(p unsafe.Pointer) {
	debug.Assert(g.s != nil, "hp: assign to a released guard")
	g.s.store(p)
}

// ProtectFrom loads *src, publishes it and repeats until the published value is still
// the current value of *src. The returned pointer is safe to dereference until the
// guard changes.
func (g *Guard) ProtectFrom(src *unsafe.Pointer) unsafe.Pointer {
	debug.Assert(g.s != nil, "hp: protect with a released guard")
	p := atomic.LoadPointer(src)
	for {
		g.s.store(p)
		cur := atomic.LoadPointer(src)
		if cur == p {
			return p
		}
		p = cur
	}
}

// Get returns the published pointer.
func (g *Guard) Get() unsafe.Pointer {
	return g.s.load()
}

// Clear drops the protection but keeps the hazard pointer.
func (g *Guard) Clear() {
	g.s.store(nil)
}

// Release clears the guard and gives the hazard pointer back to the thread. It is safe
// to call more than once.
func (g *Guard) Release() {
	if g.s == nil {
		return
	}
	g.td.releaseSlot(g.s)
	g.s = nil
}

// Protect is the typed form of Guard.ProtectFrom.
func Protect[T any](g *Guard, src *atomic.Pointer[T]) *T {
	p := src.Load()
	for {
		g.Assign(unsafe.Pointer(p))
		cur := src.Load()
		if cur == p {
			return p
		}
		p = cur
	}
}

// Assign is the typed form of Guard.Assign.
func Assign[T any](g *Guard, p *T) *T {
	g.Assign(unsafe.Pointer(p))
	return p
}

// GuardArray owns several hazard pointers of a thread, for operations that keep more
// than one node alive at a time.
type GuardArray struct {
	slots []*slot
	td    *ThreadData
}

// Len returns the number of hazard pointers in the array.
func (ga *GuardArray) Len() int {
	return len(ga.slots)
}

// Assign publishes p in the i-th hazard pointer.
func (ga *GuardArray) Assign(i int, p unsafe.Pointer) {
	ga.slots[i].store(p)
}

// ProtectFrom is Guard.ProtectFrom for the i-th hazard pointer.
func (ga *GuardArray) ProtectFrom(i int, src *unsafe.Pointer) unsafe.Pointer {
	s := ga.slots[i]
	p := atomic.LoadPointer(src)
	for {
		s.store(p)
		cur := atomic.LoadPointer(src)
		if cur == p {
			return p
		}
		p = cur
	}
}

// Get returns the pointer published in the i-th hazard pointer.
func (ga *GuardArray) Get(i int) unsafe.Pointer {
	return ga.slots[i].load()
}

// Clear drops the protection of the i-th hazard pointer.
func (ga *GuardArray) Clear(i int) {
	ga.slots[i].store(nil)
}

// Copy publishes in the i-th hazard pointer the pointer held by the j-th one. The
// pointer stays protected throughout.
func (ga *GuardArray) Copy(i, j int) {
	ga.slots[i].store(ga.slots[j].load())
}

// Release gives every hazard pointer back to the thread.
func (ga *GuardArray) Release() {
	for _, s := range ga.slots {
		ga.td.releaseSlot(s)
	}
	ga.slots = nil
}

// ProtectAt is the typed form of GuardArray.ProtectFrom.
func ProtectAt[T any](ga *GuardArray, i int, src *atomic.Pointer[T]) *T {
	p := src.Load()
	for {
		ga.Assign(i, unsafe.Pointer(p))
		cur := src.Load()
		if cur == p {
			return p
		}
		p = cur
	}
}
