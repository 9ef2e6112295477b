// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workqueue runs deferred work items on a fixed set of goroutines.
// A work item is queued at most once at a time, and may be cancelled and
// waited for synchronously, like kernel work items.
package workqueue

import (
	"errors"
	"fmt"
	"sync"

	logger "github.com/containers/z3fold/pkg/log"
)

var (
	// ErrFull is returned when a queue has no room for more work.
	ErrFull = errors.New("workqueue: queue full")
	// ErrDestroyed is returned when queuing to a destroyed queue.
	ErrDestroyed = errors.New("workqueue: queue destroyed")

	log = logger.Get("workqueue")
)

// Work is a deferrable work item. The zero value is not usable, create
// items with NewWork.
type Work struct {
	sync.Mutex
	cond    *sync.Cond
	fn      func()
	pending bool
	running bool
}

// NewWork creates a work item running the given function.
func NewWork(fn func()) *Work {
	w := &Work{fn: fn}
	w.cond = sync.NewCond(&w.Mutex)
	return w
}

// Pending returns true if the work is queued but has not started yet.
func (w *Work) Pending() bool {
	w.Lock()
	defer w.Unlock()
	return w.pending
}

// CancelSync cancels the work if it is pending and waits for it to finish
// if it is running. It returns true if pending work was cancelled.
func (w *Work) CancelSync() bool {
	w.Lock()
	defer w.Unlock()

	cancelled := w.pending
	w.pending = false
	for w.running {
		w.cond.Wait()
	}

	return cancelled
}

func (w *Work) markPending() bool {
	w.Lock()
	defer w.Unlock()

	if w.pending {
		return false
	}
	w.pending = true
	return true
}

func (w *Work) run() {
	w.Lock()
	if !w.pending {
		w.Unlock()
		return
	}
	w.pending = false
	w.running = true
	w.Unlock()

	defer func() {
		w.Lock()
		w.running = false
		w.cond.Broadcast()
		w.Unlock()
	}()

	w.fn()
}

// Queue is a bounded queue of work served by a fixed number of goroutines.
type Queue struct {
	sync.Mutex
	name      string
	ch        chan *Work
	idle      *sync.Cond
	inflight  int
	destroyed bool
	wg        sync.WaitGroup
}

// New creates a queue with the given number of workers and capacity.
func New(name string, workers, depth int) (*Queue, error) {
	if workers < 1 {
		return nil, fmt.Errorf("workqueue: invalid worker count %d for %s", workers, name)
	}
	if depth < 1 {
		return nil, fmt.Errorf("workqueue: invalid depth %d for %s", depth, name)
	}

	q := &Queue{
		name: name,
		ch:   make(chan *Work, depth),
	}
	q.idle = sync.NewCond(&q.Mutex)

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	log.Debug("created queue %s with %d workers, depth %d", name, workers, depth)

	return q, nil
}

// Name returns the name of the queue.
func (q *Queue) Name() string {
	return q.name
}

// Queue adds the work to the queue. It returns false if the work was
// already pending. If the queue is full ErrFull is returned and the work
// is left unqueued.
func (q *Queue) Queue(w *Work) (bool, error) {
	q.Lock()
	defer q.Unlock()

	if q.destroyed {
		return false, ErrDestroyed
	}
	if !w.markPending() {
		return false, nil
	}

	select {
	case q.ch <- w:
		q.inflight++
		return true, nil
	default:
		w.Lock()
		w.pending = false
		w.Unlock()
		return false, ErrFull
	}
}

// Flush waits until all work queued so far has been processed.
func (q *Queue) Flush() {
	q.Lock()
	defer q.Unlock()
	for q.inflight > 0 {
		q.idle.Wait()
	}
}

// Destroy drains the queue, then stops its workers.
func (q *Queue) Destroy() {
	q.Lock()
	if q.destroyed {
		q.Unlock()
		return
	}
	for q.inflight > 0 {
		q.idle.Wait()
	}
	q.destroyed = true
	close(q.ch)
	q.Unlock()

	q.wg.Wait()
	log.Debug("destroyed queue %s", q.name)
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for w := range q.ch {
		w.run()

		q.Lock()
		q.inflight--
		if q.inflight == 0 {
			q.idle.Broadcast()
		}
		q.Unlock()
	}
}
