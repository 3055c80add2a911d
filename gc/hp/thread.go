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
	"sync"
)

// ThreadManager binds hazard pointer records to the threads that use them. Attach and
// Detach nest: a record is allocated on the first Attach of a thread and handed back on
// the matching last Detach.
type ThreadManager interface {
	// Attach binds the calling thread, calling alloc on its first attach.
	Attach(alloc func() (*ThreadData, error)) (*ThreadData, error)
	// Detach drops one attach of the calling thread. last is true when it was the
	// outermost one and the returned record must be released.
	Detach() (td *ThreadData, last bool, err error)
	// IsAttached reports whether the calling thread is attached.
	IsAttached() bool
	// Current returns the record of the calling thread, or nil.
	Current() *ThreadData
}

// osThreadManager keys records by OS thread. Attaching locks the goroutine to its OS
// thread until the matching detach, so the goroutine and the thread stay paired.
type osThreadManager struct {
	threads sync.Map // thread id -> *threadEntry
}

type threadEntry struct {
	td *ThreadData
	// refs is only touched by the owning thread.
	refs int
}

// NewOSThreadManager returns the default ThreadManager. A goroutine must detach before it
// exits, otherwise its record stays owned until the collector is closed.
func NewOSThreadManager() ThreadManager {
	return &osThreadManager{}
}

func (m *osThreadManager) Attach(alloc func() (*ThreadData, error)) (*ThreadData, error) {
	runtime.LockOSThread()
	id := threadID()
	if v, ok := m.threads.Load(id); ok {
		e := v.(*threadEntry)
		e.refs++
		return e.td, nil
	}
	td, err := alloc()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	m.threads.Store(id, &threadEntry{td: td, refs: 1})
	return td, nil
}

func (m *osThreadManager) Detach() (*ThreadData, bool, error) {
	id := threadID()
	v, ok := m.threads.Load(id)
	if !ok {
		return nil, false, ErrThreadNotAttached
	}
	e := v.(*threadEntry)
	e.refs--
	last := e.refs == 0
	if last {
		m.threads.Delete(id)
	}
	runtime.UnlockOSThread()
	return e.td, last, nil
}

func (m *osThreadManager) IsAttached() bool {
	_, ok := m.threads.Load(threadID())
	return ok
}

func (m *osThreadManager) Current() *ThreadData {
	v, ok := m.threads.Load(threadID())
	if !ok {
		return nil
	}
	return v.(*threadEntry).td
}
