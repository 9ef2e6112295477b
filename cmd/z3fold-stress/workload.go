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

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1"
	"github.com/containers/z3fold/pkg/z3fold"
	"github.com/containers/z3fold/pkg/zcache"
)

// Result sums up a workload run.
type Result struct {
	Stores        uint64
	Loads         uint64
	Invalidations uint64
	Rejected      uint64
	Full          uint64
	Corrupted     uint64
}

func (r *Result) String() string {
	return fmt.Sprintf("%d stores (%d rejected, %d pool full), %d loads (%d corrupted), %d invalidations",
		r.Stores, r.Rejected, r.Full, r.Loads, r.Corrupted, r.Invalidations)
}

type workload struct {
	cache   *zcache.Cache
	cfg     *cfgapi.WorkloadConfig
	limiter *rate.Limiter

	stores        atomic.Uint64
	loads         atomic.Uint64
	invalidations atomic.Uint64
	rejected      atomic.Uint64
	full          atomic.Uint64
	corrupted     atomic.Uint64
}

func newWorkload(cache *zcache.Cache, cfg *cfgapi.WorkloadConfig) *workload {
	limit := rate.Inf
	if cfg.OpsPerSecond > 0 {
		limit = rate.Limit(cfg.OpsPerSecond)
	}

	return &workload{
		cache:   cache,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Clients),
	}
}

// Run runs all clients until the context is done.
func (w *workload) Run(ctx context.Context) (*Result, error) {
	var (
		wg      sync.WaitGroup
		errLock sync.Mutex
		errs    []error
		workers = w.cache.Pool().Workers()
	)

	log.Info("running %d clients for %s", w.cfg.Clients, w.cfg.Duration.Duration)

	for i := 0; i < w.cfg.Clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			worker := workers[id%len(workers)]
			c := &client{
				w:     w,
				id:    id,
				ctx:   z3fold.WithWorker(ctx, worker),
				rnd:   rand.New(rand.NewSource(int64(id) + 1)),
				base:  zcache.Key(id * w.cfg.Keys),
				seeds: make(map[zcache.Key]int64),
				page:  make([]byte, w.cache.Pool().PageSize()),
				check: make([]byte, w.cache.Pool().PageSize()),
			}

			if err := c.run(); err != nil {
				errLock.Lock()
				errs = append(errs, fmt.Errorf("client %d: %w", id, err))
				errLock.Unlock()
			}
		}(i)
	}

	wg.Wait()

	return &Result{
		Stores:        w.stores.Load(),
		Loads:         w.loads.Load(),
		Invalidations: w.invalidations.Load(),
		Rejected:      w.rejected.Load(),
		Full:          w.full.Load(),
		Corrupted:     w.corrupted.Load(),
	}, errors.Join(errs...)
}

type client struct {
	w     *workload
	id    int
	ctx   context.Context
	rnd   *rand.Rand
	base  zcache.Key
	seeds map[zcache.Key]int64
	page  []byte
	check []byte
}

func (c *client) run() error {
	for {
		if err := c.w.limiter.Wait(c.ctx); err != nil {
			return nil
		}

		key := c.base + zcache.Key(c.rnd.Intn(c.w.cfg.Keys))
		_, stored := c.seeds[key]

		var err error
		switch op := c.rnd.Intn(10); {
		case !stored || op < 4:
			err = c.store(key)
		case op < 9:
			err = c.load(key)
		default:
			c.w.cache.Invalidate(key)
			delete(c.seeds, key)
			c.w.invalidations.Add(1)
		}

		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *client) store(key zcache.Key) error {
	seed := c.rnd.Int63()
	fillPage(c.page, seed)

	err := c.w.cache.Store(c.ctx, key, c.page)
	switch {
	case err == nil:
		c.seeds[key] = seed
		c.w.stores.Add(1)
	case errors.Is(err, zcache.ErrIncompressible):
		c.w.rejected.Add(1)
	case errors.Is(err, zcache.ErrPoolFull):
		c.w.full.Add(1)
	default:
		return err
	}

	return nil
}

func (c *client) load(key zcache.Key) error {
	if err := c.w.cache.Load(c.ctx, key, c.page); err != nil {
		return err
	}
	c.w.loads.Add(1)

	fillPage(c.check, c.seeds[key])
	for i := range c.page {
		if c.page[i] != c.check[i] {
			c.w.corrupted.Add(1)
			log.Error("client %d: page %d corrupted at offset %d", c.id, key, i)
			break
		}
	}

	return nil
}

// fillPage generates page contents of varying compressibility from a seed.
func fillPage(page []byte, seed int64) {
	rnd := rand.New(rand.NewSource(seed))

	noise := rnd.Intn(len(page))
	rnd.Read(page[:noise])

	word := []byte(fmt.Sprintf("%x ", seed))
	for i := noise; i < len(page); i += len(word) {
		copy(page[i:], word)
	}
}
