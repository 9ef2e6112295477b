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

package z3fold

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/puzpuzpuz/xsync/v3"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1/pool"
	"github.com/containers/z3fold/pkg/metrics"
	"github.com/containers/z3fold/pkg/pagesource"
	"github.com/containers/z3fold/pkg/workqueue"
)

// Evictor evicts objects from a pool under memory pressure. An evictor
// accepting an object must have freed its handle by the time it returns.
type Evictor interface {
	Evict(p *Pool, h Handle) error
}

// EvictFunc adapts a function to an Evictor.
type EvictFunc func(p *Pool, h Handle) error

// Evict implements Evictor.
func (f EvictFunc) Evict(p *Pool, h Handle) error {
	return f(p, h)
}

// AllocFlags alter the behavior of Alloc.
type AllocFlags uint

const (
	// NoSleep makes Alloc give up instead of waiting for contended pages.
	NoSleep AllocFlags = 1 << iota
)

// Pool is an allocator for objects packed three per page.
type Pool struct {
	geometry
	name    string
	cfg     cfgapi.Config
	source  pagesource.Source
	evictor Evictor

	lock      sync.Mutex // protects unbuddied lists and the LRU
	unbuddied map[int]unbuddied
	lru       *list.List
	staleLock sync.Mutex
	stale     *list.List

	pagesNr     atomic.Int64
	nextPageID  atomic.Uint64
	nextTableID atomic.Uint64
	pages       *xsync.MapOf[PageID, *zpage]
	tables      *xsync.MapOf[uint64, *slotsTable]

	workers    []int
	onlineLock sync.RWMutex
	online     idset.IDSet

	compactq    *workqueue.Queue
	releaseq    *workqueue.Queue
	releaseWork *workqueue.Work

	registry *metrics.Registry
	stats    counters
}

// Option is an option for a Pool.
type Option func(*Pool) error

// WithConfig sets the configuration of the pool. An unset page size is
// taken from the page source.
func WithConfig(cfg *cfgapi.Config) Option {
	return func(p *Pool) error {
		pageSize := p.cfg.PageSize
		p.cfg = *cfg
		if p.cfg.PageSize == 0 {
			p.cfg.PageSize = pageSize
		}
		return nil
	}
}

// WithEvictor sets the evictor used for reclaim.
func WithEvictor(e Evictor) Option {
	return func(p *Pool) error {
		p.evictor = e
		return nil
	}
}

// WithMetrics registers the metrics collector of the pool.
func WithMetrics(r *metrics.Registry) Option {
	return func(p *Pool) error {
		p.registry = r
		return nil
	}
}

// NewPool creates a pool taking its pages from the given source.
func NewPool(name string, source pagesource.Source, options ...Option) (*Pool, error) {
	p := &Pool{
		name:   name,
		cfg:    cfgapi.Config{PageSize: source.PageSize()},
		source: source,
		lru:    list.New(),
		stale:  list.New(),
		pages:  xsync.NewMapOf[PageID, *zpage](),
		tables: xsync.NewMapOf[uint64, *slotsTable](),
	}

	for _, o := range options {
		if err := o(p); err != nil {
			return nil, err
		}
	}

	p.cfg.SetDefaults()
	if err := p.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("z3fold: invalid configuration for pool %s: %w", name, err)
	}
	if p.cfg.PageSize != source.PageSize() {
		return nil, fmt.Errorf("z3fold: pool %s page size %d, page source %d", name,
			p.cfg.PageSize, source.PageSize())
	}

	p.geometry = newGeometry(&p.cfg)

	workers, err := p.cfg.WorkerSet()
	if err != nil {
		return nil, fmt.Errorf("z3fold: pool %s: %w", name, err)
	}
	p.workers = workers.List()
	p.online = idset.NewIDSet(p.workers...)
	p.unbuddied = make(map[int]unbuddied, len(p.workers))
	for _, w := range p.workers {
		p.unbuddied[w] = newUnbuddied(p.nchunks)
	}

	p.compactq, err = workqueue.New(name+"-compact", p.cfg.CompactionWorkers, p.cfg.CompactionQueueDepth)
	if err != nil {
		return nil, err
	}
	p.releaseq, err = workqueue.New(name+"-release", 1, 2)
	if err != nil {
		p.compactq.Destroy()
		return nil, err
	}
	p.releaseWork = workqueue.NewWork(p.freeStalePages)

	if p.registry != nil {
		err := p.registry.Register(name, newCollector(p), metrics.WithGroup("z3fold"))
		if err == nil {
			err = p.registry.Register(name+"-fragmentation", newFragmentationCollector(p),
				metrics.WithGroup("z3fold"),
				metrics.WithCollectorOptions(metrics.WithPolled()))
			if err != nil {
				p.registry.Unregister("z3fold", name)
			}
		}
		if err != nil {
			p.compactq.Destroy()
			p.releaseq.Destroy()
			return nil, fmt.Errorf("z3fold: failed to register metrics for pool %s: %w", name, err)
		}
	}

	log.Info("created pool %s: page size %d, %d chunks of %d bytes, %d header chunks, workers %s",
		name, p.pageSize, p.totalChunks, p.chunkSize, p.headerChunks, p.cfg.Workers)

	return p, nil
}

// Destroy waits for pending compaction, then releases all stale pages. All
// objects should be freed before the pool is destroyed.
func (p *Pool) Destroy() {
	p.compactq.Destroy()
	p.releaseq.Destroy()
	p.freeStalePages()

	if n := p.pagesNr.Load(); n != 0 {
		log.Warn("pool %s destroyed with %d pages in use", p.name, n)
	}
	if p.registry != nil {
		p.registry.Unregister("z3fold", p.name)
		p.registry.Unregister("z3fold", p.name+"-fragmentation")
	}

	log.Info("destroyed pool %s", p.name)
}

// Name returns the name of the pool.
func (p *Pool) Name() string {
	return p.name
}

// PageSize returns the size of the pages of the pool.
func (p *Pool) PageSize() int {
	return p.pageSize
}

// Source returns the page source of the pool.
func (p *Pool) Source() pagesource.Source {
	return p.source
}

// Size returns the number of bytes in pages used by the pool.
func (p *Pool) Size() uint64 {
	return uint64(p.pagesNr.Load()) * uint64(p.pageSize)
}

// Pages returns the number of pages used by the pool.
func (p *Pool) Pages() int64 {
	return p.pagesNr.Load()
}

// Flush waits for all queued compaction and page release to finish.
func (p *Pool) Flush() {
	p.compactq.Flush()
	p.releaseq.Flush()
}

type workerKey struct{}

// WithWorker returns a context for pool operations on behalf of the given
// worker. Each worker has its own index of pages with room left.
func WithWorker(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerKey{}, id)
}

// Workers returns the IDs of all workers of the pool.
func (p *Pool) Workers() []int {
	return append([]int(nil), p.workers...)
}

// SetWorkerOnline marks a worker online or offline. Compaction of pages
// last indexed by an offline worker is done synchronously.
func (p *Pool) SetWorkerOnline(id int, online bool) error {
	if _, ok := p.unbuddied[id]; !ok {
		return fmt.Errorf("z3fold: pool %s has no worker %d", p.name, id)
	}

	p.onlineLock.Lock()
	defer p.onlineLock.Unlock()

	if online {
		p.online.Add(id)
	} else {
		p.online.Del(id)
	}

	log.Debug("%s: worker %d online: %v", p.name, id, online)

	return nil
}

func (p *Pool) isOnline(id int) bool {
	p.onlineLock.RLock()
	defer p.onlineLock.RUnlock()
	return p.online.Has(id)
}

func (p *Pool) onlineWorkers() []int {
	p.onlineLock.RLock()
	defer p.onlineLock.RUnlock()
	return p.online.SortedMembers()
}

// defaultWorker returns the lowest online worker.
func (p *Pool) defaultWorker() int {
	if online := p.onlineWorkers(); len(online) > 0 {
		return online[0]
	}
	return p.workers[0]
}

// currentWorker returns the worker of the context, or the default one.
func (p *Pool) currentWorker(ctx context.Context) int {
	if id, ok := ctx.Value(workerKey{}).(int); ok {
		if _, known := p.unbuddied[id]; known {
			return id
		}
		warnRatelimited("%s: ignoring unknown worker %d", p.name, id)
	}
	return p.defaultWorker()
}
