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

// Package tstack implements Treiber's lock-free stack. Popped nodes are recycled only
// after hazard pointers prove no thread still reads them, which rules out ABA on the
// top pointer.
package tstack

import (
	"sync"
	"sync/atomic"

	"github.com/ngaut/cds/gc/hp"
	uatomic "go.uber.org/atomic"
)

type node[T any] struct {
	value T
	next  *node[T]
}

// Stack is a LIFO stack. All methods must be called from a thread attached to the
// collector.
type Stack[T any] struct {
	gc   *hp.GarbageCollector
	top  atomic.Pointer[node[T]]
	size uatomic.Int64

	pool      sync.Pool
	disposeFn func(*node[T])
}

// New creates an empty stack whose nodes are reclaimed by gc.
func New[T any](gc *hp.GarbageCollector) *Stack[T] {
	s := &Stack[T]{gc: gc}
	s.pool.New = func() interface{} { return new(node[T]) }
	s.disposeFn = s.dispose
	return s
}

func (s *Stack[T]) dispose(n *node[T]) {
	var zero T
	n.value = zero
	n.next = nil
	s.pool.Put(n)
}

// Push puts v on top.
func (s *Stack[T]) Push(v T) {
	n := s.pool.Get().(*node[T])
	n.value = v
	for {
		top := s.top.Load()
		n.next = top
		if s.top.CompareAndSwap(top, n) {
			s.size.Inc()
			return
		}
	}
}

// Pop removes the value on top.
func (s *Stack[T]) Pop() (T, bool) {
	td := s.gc.MustCurrentThread()
	g, err := td.NewGuard()
	if err != nil {
		panic(err)
	}
	defer g.Release()
	for {
		top := hp.Protect(&g, &s.top)
		if top == nil {
			var zero T
			return zero, false
		}
		if s.top.CompareAndSwap(top, top.next) {
			v := top.value
			s.size.Dec()
			hp.Retire(td, top, s.disposeFn)
			return v, true
		}
	}
}

// Empty reports whether the stack has no values.
func (s *Stack[T]) Empty() bool {
	return s.top.Load() == nil
}

// Len returns the number of values. It is exact only when the stack is quiescent.
func (s *Stack[T]) Len() int {
	return int(s.size.Load())
}
