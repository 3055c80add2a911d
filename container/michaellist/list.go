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

// Package michaellist implements Maged Michael's lock-free ordered list on top of
// hazard pointers. Unlinked nodes are retired to the collector and recycled once no
// thread can observe them.
package michaellist

import (
	"cmp"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ngaut/cds/gc/hp"
	"github.com/ngaut/cds/internal/debug"
	uatomic "go.uber.org/atomic"
)

// GuardsPerOp is the number of hazard pointers an operation holds.
const GuardsPerOp = 2

type node[K cmp.Ordered, V any] struct {
	key   K
	value V
	next  atomic.Pointer[link[K, V]]
	dead  uatomic.Bool
}

// link is the immutable successor word of a node. Marking or redirecting a node swaps
// in a new link, so comparing link identity validates both the target and the mark.
type link[K cmp.Ordered, V any] struct {
	node   *node[K, V]
	marked bool
}

// List is an ordered set of keys with associated values. All methods must be called
// from a thread attached to the collector.
type List[K cmp.Ordered, V any] struct {
	gc   *hp.GarbageCollector
	head node[K, V]
	size uatomic.Int64

	pool      sync.Pool
	disposeFn func(*node[K, V])
	onDispose func(K, V)
}

// New creates an empty list whose nodes are reclaimed by gc.
func New[K cmp.Ordered, V any](gc *hp.GarbageCollector) *List[K, V] {
	l := &List[K, V]{gc: gc}
	l.head.next.Store(&link[K, V]{})
	l.pool.New = func() interface{} { return new(node[K, V]) }
	l.disposeFn = l.dispose
	return l
}

// SetOnDispose installs a hook called with the key and value of every node right
// before it is recycled. It must be set before the list is shared.
func (l *List[K, V]) SetOnDispose(f func(K, V)) {
	l.onDispose = f
}

func (l *List[K, V]) newNode(key K, value V) *node[K, V] {
	n := l.pool.Get().(*node[K, V])
	n.key = key
	n.value = value
	n.dead.Store(false)
	return n
}

func (l *List[K, V]) dispose(n *node[K, V]) {
	debug.Assert(!n.dead.Load(), "michaellist: node disposed twice")
	if l.onDispose != nil {
		l.onDispose(n.key, n.value)
	}
	n.dead.Store(true)
	var zeroK K
	var zeroV V
	n.key, n.value = zeroK, zeroV
	n.next.Store(nil)
	l.pool.Put(n)
}

func (l *List[K, V]) guards() (*hp.ThreadData, hp.GuardArray) {
	td := l.gc.MustCurrentThread()
	ga, err := td.NewGuardArray(GuardsPerOp)
	if err != nil {
		panic(err)
	}
	return td, ga
}

// position is where find stopped: prev holds prevLink, which points to cur unmarked.
type position[K cmp.Ordered, V any] struct {
	prev     *atomic.Pointer[link[K, V]]
	prevLink *link[K, V]
	cur      *node[K, V]
	next     *link[K, V]
}

// find returns the first node whose key is not less than key. Marked nodes met on the
// way are unlinked and retired. On return cur is protected by one of the guards.
func (l *List[K, V]) find(td *hp.ThreadData, ga *hp.GuardArray, key K) (pos position[K, V], found bool) {
retry:
	prev := &l.head.next
	prevLink := prev.Load()
	idx := 0
	for {
		cur := prevLink.node
		if cur == nil {
			return position[K, V]{prev: prev, prevLink: prevLink}, false
		}
		ga.Assign(idx, unsafe.Pointer(cur))
		if prev.Load() != prevLink {
			goto retry
		}
		debug.Assert(!cur.dead.Load(), "michaellist: reached a disposed node")
		next := cur.next.Load()
		if next.marked {
			unlinked := &link[K, V]{node: next.node}
			if !prev.CompareAndSwap(prevLink, unlinked) {
				goto retry
			}
			hp.Retire(td, cur, l.disposeFn)
			prevLink = unlinked
			continue
		}
		if cur.key >= key {
			return position[K, V]{prev: prev, prevLink: prevLink, cur: cur, next: next}, cur.key == key
		}
		// cur becomes prev and stays protected by idx; the next node uses the other slot.
		prev = &cur.next
		prevLink = next
		idx ^= 1
	}
}

// Insert adds key with value. It returns false if key is already present.
func (l *List[K, V]) Insert(key K, value V) bool {
	td, ga := l.guards()
	defer ga.Release()
	n := l.newNode(key, value)
	for {
		pos, found := l.find(td, &ga, key)
		if found {
			// n was never published.
			var zeroK K
			var zeroV V
			n.key, n.value = zeroK, zeroV
			l.pool.Put(n)
			return false
		}
		n.next.Store(&link[K, V]{node: pos.cur})
		if pos.prev.CompareAndSwap(pos.prevLink, &link[K, V]{node: n}) {
			l.size.Inc()
			return true
		}
	}
}

// Get returns the value of key.
func (l *List[K, V]) Get(key K) (V, bool) {
	td, ga := l.guards()
	defer ga.Release()
	pos, found := l.find(td, &ga, key)
	if !found {
		var zero V
		return zero, false
	}
	return pos.cur.value, true
}

// Contains reports whether key is present.
func (l *List[K, V]) Contains(key K) bool {
	td, ga := l.guards()
	defer ga.Release()
	_, found := l.find(td, &ga, key)
	return found
}

// Delete removes key. It returns false if key is absent.
func (l *List[K, V]) Delete(key K) bool {
	_, ok := l.Extract(key)
	return ok
}

// Extract removes key and returns its value.
func (l *List[K, V]) Extract(key K) (V, bool) {
	td, ga := l.guards()
	defer ga.Release()
	for {
		pos, found := l.find(td, &ga, key)
		if !found {
			var zero V
			return zero, false
		}
		marked := &link[K, V]{node: pos.next.node, marked: true}
		if !pos.cur.next.CompareAndSwap(pos.next, marked) {
			continue
		}
		value := pos.cur.value
		l.size.Dec()
		if pos.prev.CompareAndSwap(pos.prevLink, &link[K, V]{node: pos.next.node}) {
			hp.Retire(td, pos.cur, l.disposeFn)
		} else {
			// Someone changed prev; the next traversal unlinks the node.
			l.find(td, &ga, key)
		}
		return value, true
	}
}

// Len returns the number of keys. It is exact only when the list is quiescent.
func (l *List[K, V]) Len() int {
	return int(l.size.Load())
}

// Empty reports whether the list has no keys.
func (l *List[K, V]) Empty() bool {
	return l.head.next.Load().node == nil
}

// Range calls f for every key in ascending order until f returns false. Keys inserted
// or deleted concurrently may or may not be seen. f runs while the list holds its
// guards, so it must not call into the list.
func (l *List[K, V]) Range(f func(key K, value V) bool) {
	td, ga := l.guards()
	defer ga.Release()
	var last K
	started := false
retry:
	prev := &l.head.next
	prevLink := prev.Load()
	idx := 0
	for {
		cur := prevLink.node
		if cur == nil {
			return
		}
		ga.Assign(idx, unsafe.Pointer(cur))
		if prev.Load() != prevLink {
			goto retry
		}
		next := cur.next.Load()
		if next.marked {
			unlinked := &link[K, V]{node: next.node}
			if !prev.CompareAndSwap(prevLink, unlinked) {
				goto retry
			}
			hp.Retire(td, cur, l.disposeFn)
			prevLink = unlinked
			continue
		}
		// After a restart the keys already handed out are skipped.
		if !started || cur.key > last {
			if !f(cur.key, cur.value) {
				return
			}
			last, started = cur.key, true
		}
		prev = &cur.next
		prevLink = next
		idx ^= 1
	}
}
