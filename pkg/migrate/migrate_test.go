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

package migrate_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1/pool"
	"github.com/containers/z3fold/pkg/migrate"
	"github.com/containers/z3fold/pkg/pagesource"
	"github.com/containers/z3fold/pkg/z3fold"
)

type object struct {
	h    z3fold.Handle
	size int
	v    byte
}

func setup(t *testing.T, limit int64, sizes ...int) (*z3fold.Pool, *pagesource.Heap, []object) {
	t.Helper()

	src, err := pagesource.NewHeap(4096, pagesource.WithLimit(limit))
	require.NoError(t, err)
	p, err := z3fold.NewPool(t.Name(), src, z3fold.WithConfig(&cfgapi.Config{Workers: "0"}))
	require.NoError(t, err)
	t.Cleanup(p.Destroy)

	var objects []object
	for i, size := range sizes {
		h, err := p.Alloc(context.Background(), size, 0)
		require.NoError(t, err)
		o := object{h: h, size: size, v: byte('a' + i)}
		buf, err := p.Map(h)
		require.NoError(t, err)
		copy(buf, bytes.Repeat([]byte{o.v}, size))
		require.NoError(t, p.Unmap(h))
		objects = append(objects, o)
	}

	return p, src, objects
}

func verify(t *testing.T, p *z3fold.Pool, objects []object) {
	t.Helper()
	for _, o := range objects {
		buf, err := p.Map(o.h)
		require.NoError(t, err)
		require.Equal(t, bytes.Repeat([]byte{o.v}, o.size), buf[:o.size])
		require.NoError(t, p.Unmap(o.h))
	}
}

func TestRun(t *testing.T) {
	p, src, objects := setup(t, 0, 1000, 1000, 3000, 4000, 500)
	pages := p.Pages()
	movable := p.MovablePages()
	require.Len(t, movable, 2)

	d := migrate.New(p)
	result, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, migrate.Result{Migrated: 2}, result)
	p.Flush()

	require.Equal(t, pages, p.Pages())
	require.Equal(t, uint64(pages), src.Stats().InUse())
	for _, id := range p.MovablePages() {
		require.NotContains(t, movable, id)
	}
	verify(t, p, objects)

	for _, o := range objects {
		require.NoError(t, p.Free(o.h))
	}
	p.Flush()
	require.Zero(t, src.Stats().InUse())
}

func TestPutbackOnFailure(t *testing.T) {
	p, src, objects := setup(t, 1, 1000, 1000)
	id := p.MovablePages()[0]

	// no page left to migrate to
	_, err := migrate.New(p).MigratePage(context.Background(), id)
	require.ErrorIs(t, err, pagesource.ErrExhausted)
	require.Equal(t, []z3fold.PageID{id}, p.MovablePages())
	verify(t, p, objects)

	_, err = migrate.New(p).MigratePage(context.Background(), id+100)
	require.ErrorIs(t, err, migrate.ErrNotMovable)

	// mapped pages are not moved
	src.SetLimit(0)
	buf, err := p.Map(objects[0].h)
	require.NoError(t, err)
	result, err := migrate.New(p, migrate.WithRetries(1)).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, migrate.Result{Skipped: 1}, result)
	require.Equal(t, byte('a'), buf[0])
	require.NoError(t, p.Unmap(objects[0].h))

	for _, o := range objects {
		require.NoError(t, p.Free(o.h))
	}
	p.Flush()
	require.Zero(t, src.Stats().InUse())
}

func TestPeriodic(t *testing.T) {
	p, _, objects := setup(t, 0, 1000)
	id := p.MovablePages()[0]

	d := migrate.New(p)
	d.Start(10 * time.Millisecond)
	require.Eventually(t, func() bool {
		movable := p.MovablePages()
		return len(movable) == 1 && movable[0] != id
	}, 5*time.Second, 10*time.Millisecond)
	d.Stop()
	d.Stop()

	verify(t, p, objects)
	require.NoError(t, p.Free(objects[0].h))
}
