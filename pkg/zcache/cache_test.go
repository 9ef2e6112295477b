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

package zcache_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1"
	poolapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1/pool"
	"github.com/containers/z3fold/pkg/metrics"
	"github.com/containers/z3fold/pkg/pagesource"
	"github.com/containers/z3fold/pkg/z3fold"
	"github.com/containers/z3fold/pkg/zcache"
)

const pageSize = 4096

func newTestCache(t *testing.T, maxPages int64, backend zcache.Backend, options ...zcache.Option) (*zcache.Cache, *pagesource.Heap) {
	t.Helper()

	src, err := pagesource.NewHeap(pageSize)
	require.NoError(t, err)

	c, err := zcache.New(t.Name(), src,
		&poolapi.Config{Workers: "0"},
		&cfgapi.CacheConfig{
			MaxPoolPages:         maxPages,
			MaxCompressedPercent: 80,
			CompressionLevel:     1,
		},
		backend, options...)
	require.NoError(t, err)

	return c, src
}

func testPage(key zcache.Key) []byte {
	pattern := []byte(fmt.Sprintf("contents of page %d\n", key))
	page := bytes.Repeat(pattern, pageSize/len(pattern)+1)
	return page[:pageSize]
}

func TestStoreLoad(t *testing.T) {
	c, src := newTestCache(t, 16, zcache.NewMemoryBackend())
	ctx := context.Background()

	for k := zcache.Key(0); k < 10; k++ {
		require.NoError(t, c.Store(ctx, k, testPage(k)))
	}
	require.Equal(t, int64(10), c.Len())
	require.Less(t, c.Pool().Pages(), int64(10))

	page := make([]byte, pageSize)
	for k := zcache.Key(0); k < 10; k++ {
		require.NoError(t, c.Load(ctx, k, page))
		require.Equal(t, testPage(k), page)
	}

	s := c.Stats()
	require.Equal(t, uint64(10), s.Stored)
	require.Equal(t, uint64(10), s.Loads)
	require.Greater(t, s.CompressionRatio(pageSize), 10.0)

	// a store replaces the earlier page under the same key
	require.NoError(t, c.Store(ctx, 3, testPage(33)))
	require.NoError(t, c.Load(ctx, 3, page))
	require.Equal(t, testPage(33), page)
	require.Equal(t, int64(10), c.Len())
	require.Equal(t, uint64(1), c.Stats().Duplicates)

	c.Invalidate(3)
	require.ErrorIs(t, c.Load(ctx, 3, page), zcache.ErrNotFound)
	require.Equal(t, int64(9), c.Len())

	require.ErrorIs(t, c.Store(ctx, 1, make([]byte, 100)), zcache.ErrInvalidPage)
	require.ErrorIs(t, c.Load(ctx, 1, make([]byte, 100)), zcache.ErrInvalidPage)

	c.Destroy()
	require.Zero(t, c.Len())
	require.Zero(t, src.Stats().InUse())
}

func TestIncompressible(t *testing.T) {
	c, _ := newTestCache(t, 16, zcache.NewMemoryBackend())
	defer c.Destroy()

	page := make([]byte, pageSize)
	_, err := rand.Read(page)
	require.NoError(t, err)

	require.ErrorIs(t, c.Store(context.Background(), 1, page), zcache.ErrIncompressible)
	require.Equal(t, uint64(1), c.Stats().Rejected)
	require.Zero(t, c.Len())
	require.Zero(t, c.Pool().Pages())
}

func TestWriteback(t *testing.T) {
	backend := zcache.NewMemoryBackend()
	c, _ := newTestCache(t, 2, backend)
	defer c.Destroy()
	ctx := context.Background()

	const keys = 10
	for k := zcache.Key(0); k < keys; k++ {
		require.NoError(t, c.Store(ctx, k, testPage(k)))
		require.LessOrEqual(t, c.Pool().Pages(), int64(2))
	}

	s := c.Stats()
	require.NotZero(t, s.WrittenBack)
	require.Equal(t, int(s.WrittenBack), backend.Len())
	require.Equal(t, int64(keys), c.Len()+int64(backend.Len()))

	page := make([]byte, pageSize)
	for k := zcache.Key(0); k < keys; k++ {
		require.NoError(t, c.Load(ctx, k, page))
		require.Equal(t, testPage(k), page)
	}
	require.Equal(t, s.WrittenBack, c.Stats().BackendHits)

	// evicted pages are dropped from the backend too
	c.Invalidate(0)
	require.ErrorIs(t, c.Load(ctx, 0, page), zcache.ErrNotFound)
	require.Equal(t, uint64(1), c.Stats().Misses)
}

func TestShrink(t *testing.T) {
	backend := zcache.NewMemoryBackend()
	c, _ := newTestCache(t, 16, backend)
	defer c.Destroy()
	ctx := context.Background()

	for k := zcache.Key(0); k < 6; k++ {
		require.NoError(t, c.Store(ctx, k, testPage(k)))
	}
	pages := c.Pool().Pages()

	n, err := c.Shrink(ctx, 100)
	require.ErrorIs(t, err, z3fold.ErrEmpty)
	require.Equal(t, int(pages), n)
	require.Zero(t, c.Len())
	require.Equal(t, 6, backend.Len())
}

type failingBackend struct {
	*zcache.MemoryBackend
}

func (failingBackend) WritePage(zcache.Key, []byte) error {
	return errors.New("device offline")
}

func TestPoolLimit(t *testing.T) {
	c, _ := newTestCache(t, 1, failingBackend{zcache.NewMemoryBackend()})
	defer c.Destroy()
	ctx := context.Background()

	require.NoError(t, c.Store(ctx, 1, testPage(1)))
	require.ErrorIs(t, c.Store(ctx, 2, testPage(2)), zcache.ErrPoolFull)
	require.Equal(t, uint64(1), c.Stats().PoolLimitHit)

	page := make([]byte, pageSize)
	require.NoError(t, c.Load(ctx, 1, page))
	require.Equal(t, testPage(1), page)
	require.ErrorIs(t, c.Load(ctx, 2, page), zcache.ErrNotFound)
}

func TestConcurrentClients(t *testing.T) {
	backend := zcache.NewMemoryBackend()
	c, _ := newTestCache(t, 8, backend)
	defer c.Destroy()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 4)
	)

	for client := 0; client < 4; client++ {
		wg.Add(1)
		go func(client int) {
			defer wg.Done()

			ctx := context.Background()
			page := make([]byte, pageSize)
			base := zcache.Key(client * 1000)

			for round := 0; round < 5; round++ {
				for k := base; k < base+50; k++ {
					if err := store(ctx, c, k); err != nil {
						errs <- err
						return
					}
				}
				for k := base; k < base+50; k++ {
					if err := c.Load(ctx, k, page); err != nil {
						errs <- err
						return
					}
					if !bytes.Equal(testPage(k), page) {
						errs <- fmt.Errorf("page %d corrupted", k)
						return
					}
				}
				for k := base; k < base+50; k += 2 {
					c.Invalidate(k)
				}
			}
		}(client)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

// store retries while concurrent reclaim keeps the pool at its limit.
func store(ctx context.Context, c *zcache.Cache, k zcache.Key) error {
	var err error
	for i := 0; i < 1000; i++ {
		if err = c.Store(ctx, k, testPage(k)); !errors.Is(err, zcache.ErrPoolFull) {
			return err
		}
		runtime.Gosched()
	}
	return err
}

func TestMetrics(t *testing.T) {
	r := metrics.NewRegistry()
	c, _ := newTestCache(t, 16, zcache.NewMemoryBackend(), zcache.WithMetrics(r))
	require.NoError(t, c.Store(context.Background(), 1, testPage(1)))

	g, err := r.NewGatherer(metrics.WithoutPolling())
	require.NoError(t, err)
	defer g.Stop()

	mfs, err := g.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	require.True(t, names["zcache_entries"])
	require.True(t, names["zcache_events_total"])
	require.True(t, names["z3fold_pages"])

	c.Destroy()
	require.Empty(t, r.Collectors())
}
