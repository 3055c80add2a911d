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

// Package msqueue implements the Michael-Scott lock-free FIFO queue. Dequeued dummy
// nodes are retired through hazard pointers and then recycled, so a node never comes
// back into the queue while another thread may still read it.
package msqueue

import (
	"sync"
	"sync/atomic"

	"github.com/ngaut/cds/gc/hp"
	uatomic "go.uber.org/atomic"
)

// GuardsPerOp is the number of hazard pointers an operation holds.
const GuardsPerOp = 2

type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// Queue is an unbounded multi-producer multi-consumer queue. All methods must be
// called from a thread attached to the collector.
type Queue[T any] struct {
	gc   *hp.GarbageCollector
	head atomic.Pointer[node[T]]
	tail atomic.Pointer[node[T]]
	size uatomic.Int64

	pool      sync.Pool
	disposeFn func(*node[T])
}

// New creates an empty queue whose nodes are reclaimed by gc.
func New[T any](gc *hp.GarbageCollector) *Queue[T] {
	q := &Queue[T]{gc: gc}
	q.pool.New = func() interface{} { return new(node[T]) }
	q.disposeFn = q.dispose
	dummy := new(node[T])
	q.head.Store(dummy)
	q.tail.Store(dummy)
	return q
}

func (q *Queue[T]) dispose(n *node[T]) {
	var zero T
	n.value = zero
	n.next.Store(nil)
	q.pool.Put(n)
}

// Enqueue appends v to the tail.
func (q *Queue[T]) Enqueue(v T) {
	td := q.gc.MustCurrentThread()
	g, err := td.NewGuard()
	if err != nil {
		panic(err)
	}
	defer g.Release()

	n := q.pool.Get().(*node[T])
	n.value = v
	for {
		tail := hp.Protect(&g, &q.tail)
		next := tail.next.Load()
		if tail != q.tail.Load() {
			continue
		}
		if next != nil {
			// Tail is lagging, help advance it.
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if tail.next.CompareAndSwap(nil, n) {
			q.tail.CompareAndSwap(tail, n)
			q.size.Inc()
			return
		}
	}
}

// Dequeue removes the value at the head.
func (q *Queue[T]) Dequeue() (T, bool) {
	td := q.gc.MustCurrentThread()
	ga, err := td.NewGuardArray(GuardsPerOp)
	if err != nil {
		panic(err)
	}
	defer ga.Release()

	for {
		head := hp.ProtectAt(&ga, 0, &q.head)
		next := hp.ProtectAt(&ga, 1, &head.next)
		if head != q.head.Load() {
			continue
		}
		if next == nil {
			var zero T
			return zero, false
		}
		tail := q.tail.Load()
		if head == tail {
			q.tail.CompareAndSwap(tail, next)
			continue
		}
		if q.head.CompareAndSwap(head, next) {
			v := next.value
			q.size.Dec()
			hp.Retire(td, head, q.disposeFn)
			return v, true
		}
	}
}

// Empty reports whether the queue has no values.
func (q *Queue[T]) Empty() bool {
	td := q.gc.MustCurrentThread()
	g, err := td.NewGuard()
	if err != nil {
		panic(err)
	}
	defer g.Release()
	return hp.Protect(&g, &q.head).next.Load() == nil
}

// Len returns the number of values. It is exact only when the queue is quiescent.
func (q *Queue[T]) Len() int {
	return int(q.size.Load())
}
