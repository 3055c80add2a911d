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
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/pingcap/errors"
	"github.com/pingcap/failpoint"
	"github.com/stretchr/testify/require"
	uatomic "go.uber.org/atomic"
)

type testNode struct {
	val      int
	disposed uatomic.Int32
}

// disposeCounter frees test nodes and records misuse.
type disposeCounter struct {
	freed  uatomic.Int64
	double uatomic.Int64
}

func (c *disposeCounter) free(n *testNode) {
	if n.disposed.Inc() != 1 {
		c.double.Inc()
	}
	c.freed.Inc()
}

func newTestGC(t *testing.T, opt Options) *GarbageCollector {
	gc, err := New(opt)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = gc.Close(true)
	})
	return gc
}

func attach(t *testing.T, gc *GarbageCollector) *ThreadData {
	require.NoError(t, gc.AttachThread())
	td := gc.CurrentThread()
	require.NotNil(t, td)
	return td
}

func TestRetiredCapacity(t *testing.T) {
	require.Equal(t, 1600, retiredCapacity(0, 8, 100))
	require.Equal(t, 1600, retiredCapacity(799, 8, 100))
	require.Equal(t, 800, retiredCapacity(800, 8, 100))
	require.Equal(t, 5000, retiredCapacity(5000, 8, 100))
	require.Equal(t, 2, retiredCapacity(0, 0, 0))

	opt := Options{}
	require.NoError(t, opt.normalize())
	require.Equal(t, DefaultOpt.HazardPointers, opt.HazardPointers)
	require.Equal(t, DefaultOpt.MaxThreads, opt.MaxThreads)
	require.Equal(t, 1600, opt.MaxRetired)
	require.NotNil(t, opt.Threads)
}

func TestInvalidOptions(t *testing.T) {
	for _, opt := range []Options{
		{HazardPointers: -1},
		{MaxThreads: -1},
		{MaxRetired: -1},
		{ScanType: 7},
		{Barrier: 3},
	} {
		_, err := New(opt)
		require.Equal(t, ErrInvalidOptions, errors.Cause(err))
	}
}

func TestAttachDetachSymmetry(t *testing.T) {
	gc := newTestGC(t, Options{HazardPointers: 2, MaxThreads: 4})
	for _, nesting := range []int{1, 2, 5} {
		require.False(t, gc.IsThreadAttached())
		for i := 0; i < nesting; i++ {
			require.NoError(t, gc.AttachThread())
		}
		td := gc.CurrentThread()
		for i := 0; i < nesting-1; i++ {
			require.NoError(t, gc.DetachThread())
			require.True(t, gc.IsThreadAttached())
			require.Equal(t, td, gc.CurrentThread())
		}
		require.NoError(t, gc.DetachThread())
		require.False(t, gc.IsThreadAttached())
		require.Nil(t, gc.CurrentThread())
	}
	require.Equal(t, ErrThreadNotAttached, gc.DetachThread())

	// One record served every nesting level.
	st := gc.Statistics()
	require.Equal(t, 1, st.Records)
	require.Equal(t, 0, st.Attached)
	require.EqualValues(t, 1, st.RecordsAllocated)
	require.EqualValues(t, 2, st.RecordsReused)
	require.EqualValues(t, 3, st.RecordsReleased)
}

func TestNotAttached(t *testing.T) {
	gc := newTestGC(t, Options{})
	_, err := gc.NewGuard()
	require.Equal(t, ErrThreadNotAttached, err)
	require.Equal(t, ErrThreadNotAttached, gc.Retire(nil, nil))
	require.Equal(t, ErrThreadNotAttached, gc.Scan())
}

func TestTooManyThreads(t *testing.T) {
	gc := newTestGC(t, Options{HazardPointers: 2, MaxThreads: 2})
	attached := make(chan error)
	release := []chan struct{}{make(chan struct{}), make(chan struct{})}
	detached := make(chan error)
	for i := 0; i < 2; i++ {
		go func(release chan struct{}) {
			if err := gc.AttachThread(); err != nil {
				attached <- err
				return
			}
			attached <- nil
			<-release
			detached <- gc.DetachThread()
		}(release[i])
	}
	require.NoError(t, <-attached)
	require.NoError(t, <-attached)

	err := gc.AttachThread()
	require.Equal(t, ErrTooManyThreads, errors.Cause(err))
	require.False(t, gc.IsThreadAttached())

	close(release[0])
	require.NoError(t, <-detached)
	require.NoError(t, gc.AttachThread())
	require.EqualValues(t, 1, gc.Statistics().RecordsReused)
	require.NoError(t, gc.DetachThread())

	close(release[1])
	require.NoError(t, <-detached)
	require.Equal(t, 2, gc.Statistics().Records)
}

// TestAttachWhileHelping fills MaxThreads and checks that a free record claimed for a
// moment by a helping scan is waited for instead of reported as exhausted.
func TestAttachWhileHelping(t *testing.T) {
	gc := newTestGC(t, Options{HazardPointers: 2, MaxThreads: 2})
	attach(t, gc)
	defer gc.DetachThread()

	done := make(chan error)
	go func() {
		if err := gc.AttachThread(); err != nil {
			done <- err
			return
		}
		done <- gc.DetachThread()
	}()
	require.NoError(t, <-done)

	var free *ThreadData
	gc.registry.iterate(func(td *ThreadData) bool {
		if td.casOwner(ownerFree, ownerHelper) {
			free = td
			return false
		}
		return true
	})
	require.NotNil(t, free)

	go func() {
		if err := gc.AttachThread(); err != nil {
			done <- err
			return
		}
		done <- gc.DetachThread()
	}()
	select {
	case err := <-done:
		t.Fatalf("attach returned %v while the only free record was claimed", err)
	case <-time.After(20 * time.Millisecond):
	}
	free.storeOwner(ownerFree)
	require.NoError(t, <-done)
	require.EqualValues(t, 1, gc.Statistics().RecordsReused)
}

func TestAttachDuringScans(t *testing.T) {
	gc := newTestGC(t, Options{HazardPointers: 2, MaxThreads: 2})
	td := attach(t, gc)
	defer gc.DetachThread()

	const rounds = 20000
	var failed uatomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			if err := gc.AttachThread(); err != nil {
				failed.Inc()
				continue
			}
			if err := gc.DetachThread(); err != nil {
				failed.Inc()
			}
		}
	}()

	var c disposeCounter
	scanning := true
	for scanning {
		select {
		case <-done:
			scanning = false
		default:
			Retire(td, &testNode{}, c.free)
			td.Scan()
		}
	}
	require.Zero(t, failed.Load())
	require.Zero(t, c.double.Load())
}

func TestGuardProtectFrom(t *testing.T) {
	gc := newTestGC(t, Options{HazardPointers: 4, MaxThreads: 2})
	td := attach(t, gc)
	defer gc.DetachThread()

	a, b, last := &testNode{val: 1}, &testNode{val: 2}, &testNode{val: 3}
	var src unsafe.Pointer
	atomic.StorePointer(&src, unsafe.Pointer(a))

	g, err := td.NewGuard()
	require.NoError(t, err)
	defer g.Release()
	require.Equal(t, unsafe.Pointer(a), g.ProtectFrom(&src))
	require.Equal(t, unsafe.Pointer(a), g.Get())
	g.Clear()
	require.Nil(t, g.Get())
	g.Assign(unsafe.Pointer(b))
	require.Equal(t, unsafe.Pointer(b), g.Get())

	// The source keeps changing while the guard protects from it. Whatever is returned
	// must be the published value.
	var stop uatomic.Bool
	flipped := make(chan struct{})
	go func() {
		defer close(flipped)
		for i := 0; !stop.Load(); i++ {
			if i%2 == 0 {
				atomic.StorePointer(&src, unsafe.Pointer(a))
			} else {
				atomic.StorePointer(&src, unsafe.Pointer(b))
			}
		}
	}()
	ga, err := td.NewGuardArray(2)
	require.NoError(t, err)
	defer ga.Release()
	for i := 0; i < 10000; i++ {
		p := g.ProtectFrom(&src)
		require.Equal(t, p, g.Get())
		require.True(t, p == unsafe.Pointer(a) || p == unsafe.Pointer(b))
		q := ga.ProtectFrom(1, &src)
		require.Equal(t, q, ga.Get(1))
		require.True(t, q == unsafe.Pointer(a) || q == unsafe.Pointer(b))
	}
	stop.Store(true)
	<-flipped

	atomic.StorePointer(&src, unsafe.Pointer(last))
	require.Equal(t, unsafe.Pointer(last), g.ProtectFrom(&src))
	require.Equal(t, unsafe.Pointer(last), ga.ProtectFrom(0, &src))
	require.Equal(t, unsafe.Pointer(last), ga.Get(0))
	ga.Clear(0)
	require.Nil(t, ga.Get(0))

	// A pointer published by ProtectFrom holds off its disposal.
	var c disposeCounter
	atomic.StorePointer(&src, nil)
	Retire(td, last, c.free)
	td.Scan()
	require.EqualValues(t, 0, last.disposed.Load())
	g.Clear()
	td.Scan()
	require.EqualValues(t, 1, last.disposed.Load())
}

func TestGuardCapacity(t *testing.T) {
	gc := newTestGC(t, Options{HazardPointers: 3, MaxThreads: 2})
	td := attach(t, gc)
	defer gc.DetachThread()

	guards := make([]Guard, 0, 3)
	for i := 0; i < 3; i++ {
		g, err := td.NewGuard()
		require.NoError(t, err)
		guards = append(guards, g)
	}
	_, err := td.NewGuard()
	require.Equal(t, ErrTooFewHazardPointers, err)

	guards[1].Release()
	guards[1].Release()
	g, err := gc.NewGuard()
	require.NoError(t, err)
	require.True(t, g.Valid())
	g.Release()
	require.False(t, g.Valid())

	// A guard array is allocated all at once or not at all.
	_, err = td.NewGuardArray(2)
	require.Equal(t, ErrTooFewHazardPointers, err)
	require.Equal(t, 1, td.freeSlots())
	ga, err := td.NewGuardArray(1)
	require.NoError(t, err)
	require.Equal(t, 1, ga.Len())
	ga.Release()
	guards[0].Release()
	guards[2].Release()
	require.Equal(t, 3, td.freeSlots())
}

func TestLiveness(t *testing.T) {
	for _, st := range []ScanType{ScanInplace, ScanClassic} {
		t.Run(st.String(), func(t *testing.T) {
			gc := newTestGC(t, Options{HazardPointers: 2, MaxThreads: 4, ScanType: st, Stats: true})
			td := attach(t, gc)
			defer gc.DetachThread()

			const k = 1000
			var c disposeCounter
			for i := 0; i < k; i++ {
				Retire(td, &testNode{val: i}, c.free)
			}
			require.NoError(t, gc.Scan())
			require.EqualValues(t, k, c.freed.Load())
			require.Zero(t, c.double.Load())
			require.Zero(t, td.RetiredCount())

			stat := gc.Statistics()
			require.EqualValues(t, k, stat.Retired)
			require.EqualValues(t, k, stat.Freed)
			require.True(t, stat.Scans > 1)
			require.Zero(t, stat.ClassicPending)
		})
	}
}

func TestGuardReuseInterleavedScans(t *testing.T) {
	for _, st := range []ScanType{ScanInplace, ScanClassic} {
		t.Run(st.String(), func(t *testing.T) {
			gc := newTestGC(t, Options{HazardPointers: 2, MaxThreads: 2, ScanType: st})
			td := attach(t, gc)
			defer gc.DetachThread()

			var c disposeCounter
			g, err := td.NewGuard()
			require.NoError(t, err)
			defer g.Release()
			for i := 0; i < 100; i++ {
				kept, dropped := &testNode{val: i}, &testNode{val: -i}
				Assign(&g, kept)
				Retire(td, kept, c.free)
				Retire(td, dropped, c.free)
				td.Scan()
				require.EqualValues(t, 0, kept.disposed.Load())
				require.EqualValues(t, 1, dropped.disposed.Load())

				g.Clear()
				td.Scan()
				require.EqualValues(t, 1, kept.disposed.Load())
			}
			require.EqualValues(t, 200, c.freed.Load())
			require.Zero(t, c.double.Load())
		})
	}
}

func TestGuardArrayProtects(t *testing.T) {
	gc := newTestGC(t, Options{HazardPointers: 4, MaxThreads: 2})
	td := attach(t, gc)
	defer gc.DetachThread()

	var c disposeCounter
	var a, b atomic.Pointer[testNode]
	na, nb := &testNode{val: 1}, &testNode{val: 2}
	a.Store(na)
	b.Store(nb)

	ga, err := td.NewGuardArray(3)
	require.NoError(t, err)
	require.Equal(t, na, ProtectAt(&ga, 0, &a))
	require.Equal(t, nb, ProtectAt(&ga, 1, &b))
	ga.Copy(2, 0)
	ga.Clear(0)

	a.Store(nil)
	b.Store(nil)
	Retire(td, na, c.free)
	Retire(td, nb, c.free)
	td.Scan()
	require.Zero(t, c.freed.Load())

	ga.Clear(1)
	td.Scan()
	require.EqualValues(t, 1, nb.disposed.Load())
	require.EqualValues(t, 0, na.disposed.Load())

	ga.Release()
	td.Scan()
	require.EqualValues(t, 1, na.disposed.Load())
}

func TestRetireFromDisposer(t *testing.T) {
	gc := newTestGC(t, Options{HazardPointers: 2, MaxThreads: 2})
	td := attach(t, gc)
	defer gc.DetachThread()

	var c disposeCounter
	child := &testNode{val: 2}
	parent := &testNode{val: 1}
	Retire(td, parent, func(n *testNode) {
		c.free(n)
		Retire(td, child, c.free)
	})
	td.Scan()
	require.EqualValues(t, 1, parent.disposed.Load())
	require.EqualValues(t, 0, child.disposed.Load())
	require.Equal(t, 1, td.RetiredCount())
	td.Scan()
	require.EqualValues(t, 1, child.disposed.Load())
}

func TestDetachedThreadOrphans(t *testing.T) {
	for _, st := range []ScanType{ScanInplace, ScanClassic} {
		t.Run(st.String(), func(t *testing.T) {
			gc := newTestGC(t, Options{HazardPointers: 2, MaxThreads: 4, ScanType: st})
			td := attach(t, gc)
			defer gc.DetachThread()

			var c disposeCounter
			var shared atomic.Pointer[testNode]
			n := &testNode{}
			shared.Store(n)
			g, err := td.NewGuard()
			require.NoError(t, err)
			require.Equal(t, n, Protect(&g, &shared))

			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := gc.AttachThread(); err != nil {
					t.Error(err)
					return
				}
				shared.Store(nil)
				Retire(gc.CurrentThread(), n, c.free)
				if err := gc.DetachThread(); err != nil {
					t.Error(err)
				}
			}()
			<-done
			require.EqualValues(t, 0, n.disposed.Load())

			g.Release()
			td.Scan()
			require.EqualValues(t, 1, n.disposed.Load())
		})
	}
}

func TestBackgroundReclaimer(t *testing.T) {
	for _, st := range []ScanType{ScanInplace, ScanClassic} {
		t.Run(st.String(), func(t *testing.T) {
			gc := newTestGC(t, Options{HazardPointers: 2, MaxThreads: 4, ScanType: st, ScanInterval: 5 * time.Millisecond})
			td := attach(t, gc)
			defer gc.DetachThread()

			var c disposeCounter
			n := &testNode{}
			g, err := td.NewGuard()
			require.NoError(t, err)
			Assign(&g, n)

			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := gc.AttachThread(); err != nil {
					t.Error(err)
					return
				}
				Retire(gc.CurrentThread(), n, c.free)
				if err := gc.DetachThread(); err != nil {
					t.Error(err)
				}
			}()
			<-done
			require.EqualValues(t, 0, n.disposed.Load())

			// Nobody scans from here on, only the reclaimer.
			g.Release()
			require.Eventually(t, func() bool {
				return n.disposed.Load() == 1
			}, 5*time.Second, 5*time.Millisecond)
			require.True(t, gc.Statistics().OrphansFreed >= 1)
		})
	}
}

func TestClose(t *testing.T) {
	gc, err := New(Options{HazardPointers: 2, MaxThreads: 2})
	require.NoError(t, err)
	td := attach(t, gc)

	var c disposeCounter
	n := &testNode{}
	g, err := td.NewGuard()
	require.NoError(t, err)
	Assign(&g, n)
	Retire(td, n, c.free)
	td.Scan()
	require.Zero(t, c.freed.Load())

	require.Equal(t, ErrThreadsAttached, errors.Cause(gc.Close(false)))
	require.NoError(t, gc.Close(true))
	require.EqualValues(t, 1, n.disposed.Load())
	require.Equal(t, ErrCollectorClosed, gc.DetachThread())
	require.False(t, gc.IsThreadAttached())

	require.Equal(t, ErrCollectorClosed, gc.Close(true))
	require.Equal(t, ErrCollectorClosed, gc.AttachThread())
}

func TestCloseDisposesPending(t *testing.T) {
	for _, st := range []ScanType{ScanInplace, ScanClassic} {
		t.Run(st.String(), func(t *testing.T) {
			gc, err := New(Options{HazardPointers: 2, MaxThreads: 2, ScanType: st})
			require.NoError(t, err)
			reader := attach(t, gc)
			var c disposeCounter
			n := &testNode{}
			g, err := reader.NewGuard()
			require.NoError(t, err)
			Assign(&g, n)

			done := make(chan struct{})
			go func() {
				defer close(done)
				if err := gc.AttachThread(); err != nil {
					t.Error(err)
					return
				}
				Retire(gc.CurrentThread(), n, c.free)
				if err := gc.DetachThread(); err != nil {
					t.Error(err)
				}
			}()
			<-done
			g.Release()
			require.NoError(t, gc.DetachThread())
			require.Zero(t, c.freed.Load())
			require.NoError(t, gc.Close(false))
			require.EqualValues(t, 1, c.freed.Load())
		})
	}
}

func TestSingleton(t *testing.T) {
	require.Panics(t, func() { Default() })
	require.Equal(t, ErrNotConstructed, Destruct(false))

	require.NoError(t, Construct(Options{HazardPointers: 2, MaxThreads: 2}))
	require.Equal(t, ErrAlreadyConstructed, Construct(Options{}))
	gc := Default()
	require.NotNil(t, gc)
	require.Equal(t, 2, gc.Options().HazardPointers)

	require.NoError(t, gc.AttachThread())
	require.Equal(t, ErrThreadsAttached, errors.Cause(Destruct(false)))
	require.NoError(t, gc.DetachThread())
	require.NoError(t, Destruct(false))
	require.Panics(t, func() { Default() })
}

func TestOnScanAndBarrier(t *testing.T) {
	var events []ScanEvent
	gc := newTestGC(t, Options{
		HazardPointers: 2,
		MaxThreads:     2,
		Barrier:        BarrierAsymmetric,
		OnScan:         func(e ScanEvent) { events = append(events, e) },
	})
	td := attach(t, gc)
	defer gc.DetachThread()

	var c disposeCounter
	for i := 0; i < 3; i++ {
		Retire(td, &testNode{val: i}, c.free)
	}
	td.Scan()
	require.Len(t, events, 1)
	require.Equal(t, ScanInplace, events[0].Type)
	require.Equal(t, 3, events[0].Freed)
	require.Equal(t, 0, events[0].Kept)
}

// runSafetyStress swaps a shared node while readers dereference it through guards. A
// reader must never observe a disposed node and every node is disposed exactly once.
func runSafetyStress(t *testing.T, opt Options, readers, writers, iters int) {
	gc, err := New(opt)
	require.NoError(t, err)

	var c disposeCounter
	var shared atomic.Pointer[testNode]
	shared.Store(&testNode{})
	var retiredCnt, violations uatomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gc.AttachThread(); err != nil {
				t.Error(err)
				return
			}
			defer gc.DetachThread()
			g, err := gc.NewGuard()
			if err != nil {
				t.Error(err)
				return
			}
			defer g.Release()
			for j := 0; j < iters; j++ {
				n := Protect(&g, &shared)
				if n.disposed.Load() != 0 {
					violations.Inc()
				}
				g.Clear()
			}
		}()
	}
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gc.AttachThread(); err != nil {
				t.Error(err)
				return
			}
			defer gc.DetachThread()
			td := gc.CurrentThread()
			for j := 0; j < iters; j++ {
				old := shared.Swap(&testNode{val: j})
				Retire(td, old, c.free)
				retiredCnt.Inc()
			}
		}()
	}
	wg.Wait()
	require.Zero(t, violations.Load())
	require.Zero(t, c.double.Load())

	last := shared.Swap(nil)
	require.NoError(t, gc.Close(false))
	require.Equal(t, retiredCnt.Load(), c.freed.Load())
	require.EqualValues(t, 0, last.disposed.Load())
}

func TestSafety(t *testing.T) {
	for _, st := range []ScanType{ScanInplace, ScanClassic} {
		t.Run(st.String(), func(t *testing.T) {
			runSafetyStress(t, Options{HazardPointers: 2, MaxThreads: 8, ScanType: st}, 4, 2, 20000)
		})
	}
}

func TestSafetyWideScanWindow(t *testing.T) {
	require.NoError(t, failpoint.Enable(fpScanAfterSnapshot, "return(1)"))
	defer func() {
		require.NoError(t, failpoint.Disable(fpScanAfterSnapshot))
	}()
	for _, st := range []ScanType{ScanInplace, ScanClassic} {
		t.Run(st.String(), func(t *testing.T) {
			runSafetyStress(t, Options{HazardPointers: 2, MaxThreads: 8, ScanType: st}, 3, 2, 2000)
		})
	}
}

func BenchmarkProtect(b *testing.B) {
	gc, err := New(Options{HazardPointers: 2, MaxThreads: 2})
	require.NoError(b, err)
	defer gc.Close(true)
	require.NoError(b, gc.AttachThread())
	defer gc.DetachThread()
	g, err := gc.NewGuard()
	require.NoError(b, err)
	defer g.Release()

	var shared atomic.Pointer[testNode]
	shared.Store(&testNode{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Protect(&g, &shared)
		g.Clear()
	}
}

func BenchmarkRetire(b *testing.B) {
	for _, st := range []ScanType{ScanInplace, ScanClassic} {
		b.Run(st.String(), func(b *testing.B) {
			gc, err := New(Options{HazardPointers: 4, MaxThreads: 8, ScanType: st})
			require.NoError(b, err)
			defer gc.Close(true)
			require.NoError(b, gc.AttachThread())
			defer gc.DetachThread()
			td := gc.CurrentThread()
			nodes := make([]testNode, b.N)
			free := func(*testNode) {}
			b.ResetTimer()
			for i := range nodes {
				Retire(td, &nodes[i], free)
			}
		})
	}
}
