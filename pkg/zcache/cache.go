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

// Package zcache implements a compressed cache for fixed-size pages on top
// of a z3fold pool. Pages evicted from the cache under memory pressure are
// written back to a slower backend.
package zcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1"
	poolapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1/pool"
	logger "github.com/containers/z3fold/pkg/log"
	"github.com/containers/z3fold/pkg/metrics"
	"github.com/containers/z3fold/pkg/pagesource"
	"github.com/containers/z3fold/pkg/z3fold"
)

// Key identifies a cached page.
type Key uint64

var (
	// ErrInvalidPage is returned for pages of the wrong size.
	ErrInvalidPage = errors.New("zcache: invalid page size")
	// ErrIncompressible is returned for pages which do not compress well.
	ErrIncompressible = errors.New("zcache: page does not compress")
	// ErrPoolFull is returned if no room could be made for a page.
	ErrPoolFull = errors.New("zcache: pool limit reached")
	// ErrNotFound is returned for pages neither cached nor written back.
	ErrNotFound = errors.New("zcache: page not found")

	errEntryBusy = errors.New("zcache: entry busy")

	log = logger.Get("zcache")
)

// Objects in the pool start with a header identifying the entry.
const (
	hdrKey    = 0
	hdrGen    = 8
	hdrLength = 16
	hdrSize   = 20
)

type entry struct {
	key    Key
	gen    uint64
	handle z3fold.Handle
	length int
	refs   atomic.Int32
}

func (e *entry) tryGet() bool {
	for {
		refs := e.refs.Load()
		if refs == 0 {
			return false
		}
		if e.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

type counters struct {
	stored      atomic.Uint64
	duplicates  atomic.Uint64
	rejected    atomic.Uint64
	poolLimit   atomic.Uint64
	loads       atomic.Uint64
	backendHits atomic.Uint64
	misses      atomic.Uint64
	writtenBack atomic.Uint64
	invalidated atomic.Uint64
	storedBytes atomic.Int64
}

// Cache is a compressed page cache.
type Cache struct {
	name          string
	cfg           cfgapi.CacheConfig
	pool          *z3fold.Pool
	backend       Backend
	compressor    *compressor
	maxCompressed int
	tree          *xsync.MapOf[Key, *entry]
	entries       atomic.Int64
	gen           atomic.Uint64
	wbLock        sync.Mutex // serializes writeback with invalidation
	registry      *metrics.Registry
	stats         counters
}

// Option is an option for a Cache.
type Option func(*Cache)

// WithMetrics registers metrics collectors for the cache and its pool.
func WithMetrics(r *metrics.Registry) Option {
	return func(c *Cache) {
		c.registry = r
	}
}

// New creates a cache with a pool of its own on the given page source.
func New(name string, source pagesource.Source, poolCfg *poolapi.Config, cfg *cfgapi.CacheConfig,
	backend Backend, options ...Option) (*Cache, error) {
	c := &Cache{
		name:    name,
		cfg:     *cfg,
		backend: backend,
		tree:    xsync.NewMapOf[Key, *entry](),
	}
	for _, o := range options {
		o(c)
	}

	c.compressor = newCompressor(c.cfg.CompressionLevel)
	c.maxCompressed = source.PageSize() * c.cfg.MaxCompressedPercent / 100

	poolOptions := []z3fold.Option{
		z3fold.WithConfig(poolCfg),
		z3fold.WithEvictor(c),
	}
	if c.registry != nil {
		poolOptions = append(poolOptions, z3fold.WithMetrics(c.registry))
	}

	pool, err := z3fold.NewPool(name, source, poolOptions...)
	if err != nil {
		return nil, err
	}
	c.pool = pool

	if c.registry != nil {
		if err := c.registry.Register(name, newCollector(c), metrics.WithGroup("zcache")); err != nil {
			pool.Destroy()
			return nil, fmt.Errorf("zcache: failed to register metrics for %s: %w", name, err)
		}
	}

	log.Info("created cache %s: pool limit %d pages, max compressed size %d",
		name, c.cfg.MaxPoolPages, c.maxCompressed)

	return c, nil
}

// Pool returns the pool of the cache.
func (c *Cache) Pool() *z3fold.Pool {
	return c.pool
}

// Len returns the number of pages in the cache.
func (c *Cache) Len() int64 {
	return c.entries.Load()
}

// Store compresses a page into the cache, replacing any page stored under
// the same key.
func (c *Cache) Store(ctx context.Context, key Key, page []byte) error {
	if len(page) != c.pool.PageSize() {
		return fmt.Errorf("%w: %d", ErrInvalidPage, len(page))
	}

	data, err := c.compressor.compress(page)
	if err != nil {
		return err
	}
	if len(data) > c.maxCompressed {
		c.stats.rejected.Add(1)
		return fmt.Errorf("%w: %d > %d bytes", ErrIncompressible, len(data), c.maxCompressed)
	}

	if err := c.makeRoom(ctx); err != nil {
		return err
	}

	h, err := c.pool.Alloc(ctx, hdrSize+len(data), 0)
	if err != nil {
		return fmt.Errorf("zcache: failed to store page %d: %w", key, err)
	}

	e := &entry{
		key:    key,
		gen:    c.gen.Add(1),
		handle: h,
		length: len(data),
	}
	e.refs.Store(1)

	buf, err := c.mapHandle(ctx, h)
	if err != nil {
		c.free(h)
		return err
	}
	binary.LittleEndian.PutUint64(buf[hdrKey:], uint64(key))
	binary.LittleEndian.PutUint64(buf[hdrGen:], e.gen)
	binary.LittleEndian.PutUint32(buf[hdrLength:], uint32(len(data)))
	copy(buf[hdrSize:], data)
	c.unmapHandle(h)

	c.entries.Add(1)
	c.stats.storedBytes.Add(int64(len(data)))
	c.stats.stored.Add(1)

	if old, loaded := c.tree.LoadAndStore(key, e); loaded {
		c.stats.duplicates.Add(1)
		c.drop(old)
	}

	return nil
}

// Load decompresses the page stored under the key, reading it from the
// backend if it has been written back.
func (c *Cache) Load(ctx context.Context, key Key, page []byte) error {
	if len(page) != c.pool.PageSize() {
		return fmt.Errorf("%w: %d", ErrInvalidPage, len(page))
	}

	if e, ok := c.tree.Load(key); ok && e.tryGet() {
		defer c.put(e)

		buf, err := c.mapHandle(ctx, e.handle)
		if err != nil {
			return err
		}
		err = c.compressor.decompress(buf[hdrSize:hdrSize+e.length], page)
		c.unmapHandle(e.handle)
		if err != nil {
			return err
		}

		c.stats.loads.Add(1)
		return nil
	}

	if err := c.backend.ReadPage(key, page); err != nil {
		c.stats.misses.Add(1)
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("zcache: failed to read page %d: %w", key, err)
	}

	c.stats.backendHits.Add(1)
	return nil
}

// Invalidate drops the page stored under the key from the cache and the
// backend.
func (c *Cache) Invalidate(key Key) {
	c.wbLock.Lock()
	e, ok := c.tree.LoadAndDelete(key)
	c.backend.Invalidate(key)
	c.wbLock.Unlock()

	if ok {
		c.stats.invalidated.Add(1)
		c.drop(e)
	}
}

// Shrink writes back and evicts up to the given number of pool pages.
func (c *Cache) Shrink(ctx context.Context, pages int) (int, error) {
	return c.pool.Reclaim(ctx, pages)
}

// Destroy invalidates all cached pages and destroys the pool.
func (c *Cache) Destroy() {
	c.tree.Range(func(key Key, _ *entry) bool {
		c.Invalidate(key)
		return true
	})

	if c.registry != nil {
		c.registry.Unregister("zcache", c.name)
	}
	c.pool.Destroy()
}

// Evict writes back the page stored in the given object and frees it.
// It implements z3fold.Evictor.
func (c *Cache) Evict(p *z3fold.Pool, h z3fold.Handle) error {
	buf, err := p.Map(h)
	if err != nil {
		if errors.Is(err, z3fold.ErrInvalidHandle) {
			// freed since the page was picked for reclaim
			return nil
		}
		return err
	}

	var (
		key    = Key(binary.LittleEndian.Uint64(buf[hdrKey:]))
		gen    = binary.LittleEndian.Uint64(buf[hdrGen:])
		length = int(binary.LittleEndian.Uint32(buf[hdrLength:]))
	)

	e, ok := c.tree.Load(key)
	if !ok || e.gen != gen || !e.tryGet() {
		p.Unmap(h)
		return errEntryBusy
	}

	page := make([]byte, p.PageSize())
	err = c.compressor.decompress(buf[hdrSize:hdrSize+length], page)
	p.Unmap(h)
	if err != nil {
		c.put(e)
		return err
	}

	deleted, err := c.writeback(e, page)
	if deleted {
		c.drop(e)
	}
	c.put(e)

	return err
}

// writeback writes the page of a referenced entry to the backend and takes
// the entry out of the tree if it is still the current one for its key. It
// reports whether the entry was taken out.
func (c *Cache) writeback(e *entry, page []byte) (bool, error) {
	c.wbLock.Lock()
	defer c.wbLock.Unlock()

	if cur, ok := c.tree.Load(e.key); !ok || cur != e {
		return false, errEntryBusy
	}
	if err := c.backend.WritePage(e.key, page); err != nil {
		return false, fmt.Errorf("zcache: writeback of page %d failed: %w", e.key, err)
	}

	deleted := false
	c.tree.Compute(e.key, func(old *entry, loaded bool) (*entry, bool) {
		deleted = loaded && old == e
		return old, !loaded || deleted
	})
	c.stats.writtenBack.Add(1)

	return deleted, nil
}

// writebackAny writes back one cached page without going through pool
// reclaim. It reports whether an entry was evicted.
func (c *Cache) writebackAny(ctx context.Context) bool {
	evicted := false
	c.tree.Range(func(_ Key, e *entry) bool {
		if !e.tryGet() {
			return true
		}
		defer c.put(e)

		buf, err := c.mapHandle(ctx, e.handle)
		if err != nil {
			return ctx.Err() == nil
		}
		page := make([]byte, c.pool.PageSize())
		err = c.compressor.decompress(buf[hdrSize:hdrSize+e.length], page)
		c.unmapHandle(e.handle)
		if err != nil {
			log.Error("%s: failed to decompress page %d: %v", c.name, e.key, err)
			return true
		}

		deleted, err := c.writeback(e, page)
		if err != nil {
			log.Debug("%s: %v", c.name, err)
			return errors.Is(err, errEntryBusy)
		}
		if deleted {
			c.drop(e)
			evicted = true
		}
		return !evicted
	})
	return evicted
}


// makeRoom reclaims a page if the pool is at its limit.
func (c *Cache) makeRoom(ctx context.Context) error {
	if c.pool.Pages() < c.cfg.MaxPoolPages {
		return nil
	}

	if _, err := c.pool.Reclaim(ctx, 1); err != nil {
		// Pages holding relocated objects are not reclaimable. Writing
		// back cached pages directly frees those objects over time.
		if !errors.Is(err, z3fold.ErrRetry) || !c.writebackAny(ctx) ||
			c.pool.Pages() >= c.cfg.MaxPoolPages {
			c.stats.poolLimit.Add(1)
			return fmt.Errorf("%w: %w", ErrPoolFull, err)
		}
	}

	return nil
}

// drop removes an entry taken out of the tree from the cache.
func (c *Cache) drop(e *entry) {
	c.entries.Add(-1)
	c.stats.storedBytes.Add(-int64(e.length))
	c.put(e)
}

func (c *Cache) put(e *entry) {
	if e.refs.Add(-1) == 0 {
		c.free(e.handle)
	}
}

func (c *Cache) free(h z3fold.Handle) {
	if err := c.pool.Free(h); err != nil {
		log.Error("%s: failed to free %s: %v", c.name, h, err)
	}
}

// mapHandle maps an object, waiting if too many objects of its page are
// mapped at the moment.
func (c *Cache) mapHandle(ctx context.Context, h z3fold.Handle) ([]byte, error) {
	for {
		buf, err := c.pool.Map(h)
		if !errors.Is(err, z3fold.ErrMapLimit) {
			return buf, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		runtime.Gosched()
	}
}

func (c *Cache) unmapHandle(h z3fold.Handle) {
	if err := c.pool.Unmap(h); err != nil {
		log.Error("%s: failed to unmap %s: %v", c.name, h, err)
	}
}
