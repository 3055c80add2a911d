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

// Package michaelmap is a lock-free hash map built from a fixed array of Michael lists.
package michaelmap

import (
	"github.com/cespare/xxhash"
	"github.com/ngaut/cds/container/michaellist"
	"github.com/ngaut/cds/gc/hp"
)

// DefaultBuckets is used when New is given a non-positive bucket count.
const DefaultBuckets = 64

// Map is a string keyed map. The bucket array never grows, so the load factor is the
// caller's choice.
type Map[V any] struct {
	buckets []*michaellist.List[string, V]
}

// New creates a map with the given number of buckets.
func New[V any](gc *hp.GarbageCollector, buckets int) *Map[V] {
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	m := &Map[V]{buckets: make([]*michaellist.List[string, V], buckets)}
	for i := range m.buckets {
		m.buckets[i] = michaellist.New[string, V](gc)
	}
	return m
}

// SetOnDispose installs the dispose hook on every bucket. See michaellist.List.
func (m *Map[V]) SetOnDispose(f func(key string, value V)) {
	for _, b := range m.buckets {
		b.SetOnDispose(f)
	}
}

func (m *Map[V]) bucket(key string) *michaellist.List[string, V] {
	return m.buckets[xxhash.Sum64String(key)%uint64(len(m.buckets))]
}

// Insert adds key. It returns false if key is already present.
func (m *Map[V]) Insert(key string, value V) bool {
	return m.bucket(key).Insert(key, value)
}

// Get returns the value of key.
func (m *Map[V]) Get(key string) (V, bool) {
	return m.bucket(key).Get(key)
}

// Contains reports whether key is present.
func (m *Map[V]) Contains(key string) bool {
	return m.bucket(key).Contains(key)
}

// Delete removes key.
func (m *Map[V]) Delete(key string) bool {
	return m.bucket(key).Delete(key)
}

// Extract removes key and returns its value.
func (m *Map[V]) Extract(key string) (V, bool) {
	return m.bucket(key).Extract(key)
}

// Len sums the bucket sizes.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		n += b.Len()
	}
	return n
}

// Range calls f for every key until f returns false. Keys come in bucket order.
func (m *Map[V]) Range(f func(key string, value V) bool) {
	for _, b := range m.buckets {
		stop := false
		b.Range(func(k string, v V) bool {
			if !f(k, v) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}
