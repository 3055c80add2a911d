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
	"encoding/binary"
	"slices"
	"time"

	"github.com/coocood/bbloom"
	"github.com/pingcap/badger/y"
	"github.com/dgryski/go-farm"
	"github.com/pingcap/failpoint"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const fpScanAfterSnapshot = "github.com/ngaut/cds/gc/hp/scanAfterSnapshot"

// scan reclaims what it can on behalf of td and returns the number of disposed
// pointers. Pointers retired by disposers while it runs are appended afterwards.
func (gc *GarbageCollector) scan(td *ThreadData) int {
	td.scanning = true
	start := time.Now()
	var freed, kept int
	if gc.opt.ScanType == ScanClassic {
		freed, kept = gc.scanClassic(td)
	} else {
		freed = gc.scanInplace(td)
		helped, adopted := gc.helpScan(td)
		freed += helped
		if adopted {
			freed += gc.scanInplace(td)
		}
		kept = td.retired.len()
	}
	td.scanning = false
	gc.flushDeferred(td)
	dur := time.Since(start)

	if gc.opt.Stats {
		td.stat.scans.Inc()
		td.stat.freed.Add(uint64(freed))
		td.stat.scanNanos.Add(int64(dur))
	}
	if gc.opt.OnScan != nil {
		gc.opt.OnScan(ScanEvent{Type: gc.opt.ScanType, Duration: dur, Freed: freed, Kept: kept})
	}
	if td.retired.full() {
		td.retired.grow()
		if gc.warnLim.Allow() {
			log.Warn("hp retired list still full after scan, growing",
				zap.Int("thread", td.ID()), zap.Int("capacity", cap(td.retired.entries)))
		}
	}
	return freed
}

// snapshot appends every published hazard pointer to dst.
func (gc *GarbageCollector) snapshot(dst []uintptr) []uintptr {
	if gc.heavyFence != nil {
		gc.heavyFence()
	}
	for td := gc.registry.first(); td != nil; td = td.nextRecord() {
		for i := range td.slots {
			if p := td.slots[i].load(); p != nil {
				dst = append(dst, uintptr(p))
			}
		}
	}
	return dst
}

func (gc *GarbageCollector) afterSnapshot() {
	v, err := failpoint.Eval(fpScanAfterSnapshot)
	if err != nil {
		return
	}
	if ms, ok := v.(int); ok {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

// scanInplace sorts the retired list of td, marks the entries hit by a hazard and
// disposes the others. It does not allocate.
func (gc *GarbageCollector) scanInplace(td *ThreadData) int {
	if td.retired.len() == 0 {
		return 0
	}
	td.hazards = gc.snapshot(td.hazards[:0])
	gc.afterSnapshot()
	td.retired.sort()
	for _, h := range td.hazards {
		td.retired.mark(h)
	}
	return td.retired.sweep()
}

// helpScan moves the retired pointers of detached records into the list of td.
func (gc *GarbageCollector) helpScan(td *ThreadData) (freed int, adopted bool) {
	makeRoom := func() {
		freed += gc.scanInplace(td)
		if td.retired.full() {
			td.retired.grow()
		}
	}
	for r := gc.registry.first(); r != nil; r = r.nextRecord() {
		if r == td || !r.orphans.Load() || r.loadOwner() != ownerFree {
			continue
		}
		if !r.casOwner(ownerFree, ownerHelper) {
			continue
		}
		// Another helper may have emptied it between the check and the claim.
		if r.orphans.Load() && r.retired.len() > 0 {
			r.retired.moveTo(&td.retired, makeRoom)
			adopted = true
			if gc.opt.Stats {
				td.stat.helpScans.Inc()
			}
		}
		r.orphans.Store(false)
		r.storeOwner(ownerFree)
	}
	return freed, adopted
}

// scanClassic hands the retired list of td to the pool and drains the pool unless
// another thread is already draining it. That thread keeps draining until no new
// entries arrive, so every handed over pointer is looked at.
func (gc *GarbageCollector) scanClassic(td *ThreadData) (freed, kept int) {
	if td.retired.len() > 0 {
		gc.pool.push(td.retired.detach(), true)
	}
	for gc.poolLocked.CAS(false, true) {
		gen := gc.pool.gen.Load()
		f, k := gc.drainPool(td)
		freed += f
		kept = k
		gc.poolLocked.Store(false)
		if gc.pool.gen.Load() == gen {
			break
		}
	}
	return freed, kept
}

func (gc *GarbageCollector) drainPool(td *ThreadData) (freed, kept int) {
	head := gc.pool.takeAll()
	if head == nil {
		return 0, 0
	}
	td.hazards = gc.snapshot(td.hazards[:0])
	gc.afterSnapshot()
	slices.Sort(td.hazards)
	hs := newHazardSet(td.hazards)

	var survivors []retired
	taken := 0
	for b := head; b != nil; b = b.next {
		taken += len(b.entries)
		for i := range b.entries {
			r := b.entries[i]
			if hs.has(r.addr()) {
				survivors = append(survivors, r)
				continue
			}
			r.dispose()
			freed++
		}
	}
	gc.pool.pending.Sub(int64(taken))
	gc.pool.push(survivors, false)
	return freed, len(survivors)
}

// hazardSet answers membership queries on a sorted hazard snapshot. The bloom filter
// rejects most unprotected addresses before the binary search.
type hazardSet struct {
	sorted []uintptr
	bloom  bbloom.Bloom
}

func newHazardSet(sorted []uintptr) *hazardSet {
	hs := &hazardSet{sorted: sorted}
	if len(sorted) == 0 {
		return hs
	}
	hs.bloom = bbloom.New(float64(len(sorted)), 0.01)
	for _, h := range sorted {
		hs.bloom.Add(addrHash(h))
	}
	return hs
}

func (hs *hazardSet) has(addr uintptr) bool {
	if len(hs.sorted) == 0 || !hs.bloom.Has(addrHash(addr)) {
		return false
	}
	_, found := slices.BinarySearch(hs.sorted, addr)
	return found
}

func addrHash(addr uintptr) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	return farm.Fingerprint64(b[:])
}

func (gc *GarbageCollector) flushDeferred(td *ThreadData) {
	for i := range td.deferred {
		if td.retired.full() {
			td.retired.grow()
		}
		td.retired.push(td.deferred[i])
		td.deferred[i] = retired{}
	}
	td.deferred = td.deferred[:0]
}

func (td *ThreadData) disposeAll() int {
	n := td.retired.disposeAll()
	for i := range td.deferred {
		td.deferred[i].dispose()
		td.deferred[i] = retired{}
	}
	n += len(td.deferred)
	td.deferred = td.deferred[:0]
	return n
}

// collectLoop frees the pointers left behind by detached threads, so they do not wait
// for the next scan of an attached one.
func (gc *GarbageCollector) collectLoop(c *y.Closer) {
	defer c.Done()
	ticker := time.NewTicker(gc.opt.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			gc.reclaimOrphans()
		case <-c.HasBeenClosed():
			return
		}
	}
}

func (gc *GarbageCollector) reclaimOrphans() {
	if freed := gc.scan(&gc.helper); freed > 0 {
		gc.stat.orphansFreed.Add(uint64(freed))
		log.Debug("hp reclaimed orphans", zap.Int("freed", freed))
	}
}
