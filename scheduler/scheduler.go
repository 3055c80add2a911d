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

package scheduler

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Attacher registers the calling goroutine with a per-thread resource, such as a
// hazard pointer collector. Workers attach when they start and detach when they exit,
// so every task runs attached.
type Attacher interface {
	AttachThread() error
	DetachThread() error
}

type task struct {
	taskFunc func() error
	done     chan error
}

type BatchTasks struct {
	tasks []*task
}

func NewBatchTasks() *BatchTasks {
	return &BatchTasks{}
}

func (b *BatchTasks) AppendTask(f func() error) {
	b.tasks = append(b.tasks, &task{
		taskFunc: f,
	})
}

// Scheduler runs tasks on at most numWorkers goroutines. Workers are started on demand
// and exit as soon as no task is waiting.
type Scheduler struct {
	tasks    chan *task
	workers  chan struct{}
	attacher Attacher
}

func NewScheduler(numWorkers int) *Scheduler {
	return NewAttachedScheduler(numWorkers, nil)
}

// NewAttachedScheduler creates a Scheduler whose workers run attached to a.
func NewAttachedScheduler(numWorkers int, a Attacher) *Scheduler {
	return &Scheduler{
		tasks:    make(chan *task),
		workers:  make(chan struct{}, numWorkers),
		attacher: a,
	}
}

func (s *Scheduler) BatchSchedule(b *BatchTasks) error {
	done := make(chan error, len(b.tasks))
	count := 0
	for i := range b.tasks {
		t := b.tasks[i]
		t.done = done
		if err := s.scheduleBatchTask(t, &count); err != nil {
			return err
		}
	}
	for count < len(b.tasks) {
		err := <-done
		count++
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) scheduleBatchTask(t *task, count *int) error {
	for {
		select {
		case err := <-t.done:
			*count++
			if err != nil {
				return err
			}
		case s.tasks <- t:
			return nil
		case s.workers <- struct{}{}:
			go s.worker(t)
			return nil
		}
	}
}

func (s *Scheduler) Schedule(f func()) {
	t := &task{
		taskFunc: func() error {
			f()
			return nil
		},
	}
	select {
	case s.tasks <- t:
	case s.workers <- struct{}{}:
		go s.worker(t)
	}
}

func (s *Scheduler) worker(t *task) {
	defer func() { <-s.workers }()
	if s.attacher != nil {
		if err := s.attacher.AttachThread(); err != nil {
			err = errors.Annotate(err, "attach worker")
			if t.done != nil {
				t.done <- err
			} else {
				log.Error("scheduler worker failed to attach, task dropped", zap.Error(err))
			}
			return
		}
		defer func() {
			if err := s.attacher.DetachThread(); err != nil {
				log.Warn("scheduler worker failed to detach", zap.Error(err))
			}
		}()
	}
	for {
		err := t.taskFunc()
		if t.done != nil {
			t.done <- err
		}
		select {
		case t = <-s.tasks:
		default:
			return
		}
	}
}

// PermanentScheduler runs tasks on a fixed set of long lived workers.
type PermanentScheduler struct {
	tasks    chan func()
	closeCh  chan struct{}
	attacher Attacher
	wg       sync.WaitGroup
}

func NewPermanentScheduler(numWorkers, capacity int) *PermanentScheduler {
	s, err := NewAttachedPermanentScheduler(numWorkers, capacity, nil)
	if err != nil {
		// Unreachable, workers without an attacher cannot fail to start.
		panic(err)
	}
	return s
}

// NewAttachedPermanentScheduler starts numWorkers workers attached to a. It fails if
// any worker cannot attach, after stopping the ones that did.
func NewAttachedPermanentScheduler(numWorkers, capacity int, a Attacher) (*PermanentScheduler, error) {
	s := &PermanentScheduler{
		tasks:    make(chan func(), capacity),
		closeCh:  make(chan struct{}),
		attacher: a,
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	started := make(chan error, numWorkers)
	s.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go s.worker(started)
	}
	var firstErr error
	for i := 0; i < numWorkers; i++ {
		if err := <-started; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		s.Close()
		return nil, firstErr
	}
	return s, nil
}

// Close stops the workers and waits until they have exited. Tasks still queued are
// dropped.
func (s *PermanentScheduler) Close() {
	close(s.closeCh)
	s.wg.Wait()
}

func (s *PermanentScheduler) Schedule(f func()) {
	s.tasks <- f
}

func (s *PermanentScheduler) worker(started chan<- error) {
	defer s.wg.Done()
	if s.attacher != nil {
		if err := s.attacher.AttachThread(); err != nil {
			started <- errors.Annotate(err, "attach worker")
			return
		}
		defer func() {
			if err := s.attacher.DetachThread(); err != nil {
				log.Warn("permanent scheduler worker failed to detach", zap.Error(err))
			}
		}()
	}
	started <- nil
	for {
		select {
		case f := <-s.tasks:
			if f != nil {
				f()
			}
		case <-s.closeCh:
			return
		}
	}
}
