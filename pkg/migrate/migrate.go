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

// Package migrate moves allocator pages to fresh memory, the way a memory
// compaction daemon moves movable pages out of a fragmented area.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logger "github.com/containers/z3fold/pkg/log"
	"github.com/containers/z3fold/pkg/z3fold"
)

const (
	// DefaultRetries is the number of attempts for a contended page.
	DefaultRetries = 3
	// DefaultBackoff is the delay between attempts.
	DefaultBackoff = time.Millisecond
)

var (
	// ErrNotMovable is returned for pages which could not be isolated.
	ErrNotMovable = errors.New("migrate: page not movable")

	log = logger.Get("migrate")
)

// Driver migrates the pages of a pool.
type Driver struct {
	pool    *z3fold.Pool
	retries int
	backoff time.Duration

	stopLock sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option is an option for a Driver.
type Option func(*Driver)

// WithRetries sets the number of attempts for contended pages.
func WithRetries(n int) Option {
	return func(d *Driver) {
		d.retries = max(n, 1)
	}
}

// WithBackoff sets the delay between attempts for contended pages.
func WithBackoff(delay time.Duration) Option {
	return func(d *Driver) {
		d.backoff = delay
	}
}

// Result sums up a migration pass.
type Result struct {
	// Migrated is the number of pages moved.
	Migrated int
	// PutBack is the number of isolated pages which could not be moved.
	PutBack int
	// Skipped is the number of pages which could not be isolated.
	Skipped int
}

func (r Result) String() string {
	return fmt.Sprintf("migrated %d, put back %d, skipped %d", r.Migrated, r.PutBack, r.Skipped)
}

// New creates a migration driver for the pool.
func New(pool *z3fold.Pool, options ...Option) *Driver {
	d := &Driver{
		pool:    pool,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// MigratePage moves a single page into a page freshly acquired from the
// page source of the pool. Pages which cannot be moved are put back.
func (d *Driver) MigratePage(ctx context.Context, id z3fold.PageID) (z3fold.PageID, error) {
	if !d.pool.IsolatePage(id) {
		return 0, fmt.Errorf("%w: %d", ErrNotMovable, id)
	}

	src := d.pool.Source()
	data, err := src.Acquire()
	if err != nil {
		d.putback(id)
		return 0, fmt.Errorf("migrate: failed to get page for %d: %w", id, err)
	}

	for i := 0; ; i++ {
		var newID z3fold.PageID

		newID, err = d.pool.MigratePage(id, data)
		if err == nil {
			log.Debug("%s: page %d migrated to %d", d.pool.Name(), id, newID)
			return newID, nil
		}
		if !errors.Is(err, z3fold.ErrAgain) || i+1 >= d.retries {
			break
		}
		if err = sleep(ctx, d.backoff); err != nil {
			break
		}
	}

	if rerr := src.Release(data); rerr != nil {
		log.Error("%s: failed to release page: %v", d.pool.Name(), rerr)
	}
	d.putback(id)

	return 0, fmt.Errorf("migrate: page %d: %w", id, err)
}

func (d *Driver) putback(id z3fold.PageID) {
	if err := d.pool.PutbackPage(id); err != nil {
		log.Error("%s: failed to put back page %d: %v", d.pool.Name(), id, err)
	}
}

// Run makes a single pass over all movable pages of the pool.
func (d *Driver) Run(ctx context.Context) (Result, error) {
	var result Result

	for _, id := range d.pool.MovablePages() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		_, err := d.MigratePage(ctx, id)
		switch {
		case err == nil:
			result.Migrated++
		case errors.Is(err, ErrNotMovable):
			result.Skipped++
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			result.PutBack++
			return result, err
		default:
			result.PutBack++
		}
	}

	log.Debug("%s: %s", d.pool.Name(), result)

	return result, nil
}

// Start runs a migration pass periodically until Stop is called.
func (d *Driver) Start(period time.Duration) {
	d.stopLock.Lock()
	defer d.stopLock.Unlock()

	if d.stopCh != nil {
		return
	}

	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	go func(stopCh <-chan struct{}, doneCh chan<- struct{}) {
		defer close(doneCh)
		defer cancel()

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		go func() {
			select {
			case <-stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := d.Run(ctx); err != nil && ctx.Err() == nil {
					log.Warn("%s: migration pass failed: %v", d.pool.Name(), err)
				}
			}
		}
	}(d.stopCh, d.doneCh)

	log.Info("%s: migrating pages every %s", d.pool.Name(), period)
}

// Stop stops periodic migration, waiting for an ongoing pass to finish.
func (d *Driver) Stop() {
	d.stopLock.Lock()
	defer d.stopLock.Unlock()

	if d.stopCh == nil {
		return
	}

	close(d.stopCh)
	<-d.doneCh
	d.stopCh = nil
	d.doneCh = nil
}

func sleep(ctx context.Context, delay time.Duration) error {
	t := time.NewTimer(delay)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
