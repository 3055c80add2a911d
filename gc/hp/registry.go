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
)

// registry links every record ever handed out. Records are pushed once and never
// unlinked: a detached record is only marked free, so a scan walking the list can never
// reach reclaimed memory.
type registry struct {
	head unsafe.Pointer
}

func (l *registry) add(td *ThreadData) {
	for {
		head := atomic.LoadPointer(&l.head)
		td.next = head
		if atomic.CompareAndSwapPointer(&l.head, head, unsafe.Pointer(td)) {
			return
		}
	}
}

func (l *registry) first() *ThreadData {
	return (*ThreadData)(atomic.LoadPointer(&l.head))
}

// iterate calls f for each record until f returns false.
func (l *registry) iterate(f func(*ThreadData) bool) {
	for td := l.first(); td != nil; td = td.nextRecord() {
		if !f(td) {
			return
		}
	}
}
