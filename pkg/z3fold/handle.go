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
	"fmt"
	"runtime"
	"sync"
)

// Handle is an opaque reference to an allocated object. Handles stay valid
// while objects are moved around by compaction or migration. The zero
// Handle is never valid.
type Handle uint64

const (
	handleHeadless = 1 << 2
	handleShift    = 3

	slotPageShift  = 16
	slotChunkShift = 2
	slotChunkMask  = 1<<(slotPageShift-slotChunkShift) - 1
)

func (h Handle) headless() bool {
	return h&handleHeadless != 0
}

// id returns the ID of the page of a headless handle, or of the slots table
// of any other handle.
func (h Handle) id() uint64 {
	return uint64(h) >> handleShift
}

func (h Handle) index() int {
	return int(h & buddyMask)
}

func (h Handle) String() string {
	if h.headless() {
		return fmt.Sprintf("headless:%d", h.id())
	}
	return fmt.Sprintf("%d/%d", h.id(), h.index())
}

// slotsTable is the indirection between handles and objects. Each slot is
// either 0 or refers to a page, the slot index of the object within the
// page and, for Last objects, its size in chunks.
type slotsTable struct {
	sync.RWMutex
	id     uint64
	slot   [buddyMask + 1]uint64
	noFree bool // never freed implicitly
}

func encodeSlot(id PageID, idx, lastChunks int) uint64 {
	return uint64(id)<<slotPageShift | uint64(lastChunks&slotChunkMask)<<slotChunkShift | uint64(idx)
}

func slotPage(v uint64) PageID {
	return PageID(v >> slotPageShift)
}

func slotIdx(v uint64) int {
	return int(v & buddyMask)
}

// slotChunks returns the size in chunks recorded for a Last object.
func slotChunks(v uint64) int {
	return int(v>>slotChunkShift) & slotChunkMask
}

func (t *slotsTable) empty() bool {
	return t.live() == 0
}

// live returns the number of slots in use.
func (t *slotsTable) live() int {
	n := 0
	for _, v := range t.slot {
		if v != 0 {
			n++
		}
	}
	return n
}

func (p *Pool) newSlots(noFree bool) *slotsTable {
	t := &slotsTable{
		id:     p.nextTableID.Add(1),
		noFree: noFree,
	}
	p.tables.Store(t.id, t)
	return t
}

// encodeHandle stores a reference to the buddy of the page in the table
// and returns the corresponding handle.
func (p *Pool) encodeHandle(zp *zpage, t *slotsTable, bud Buddy) Handle {
	if bud == Headless {
		return Handle(uint64(zp.id)<<handleShift | handleHeadless)
	}

	idx := zp.idx(bud)
	lastChunks := 0
	if bud == Last {
		lastChunks = zp.last
	}

	t.Lock()
	t.slot[idx] = encodeSlot(zp.id, idx, lastChunks)
	t.Unlock()

	return Handle(t.id<<handleShift | uint64(idx))
}

// lookup resolves a handle to its page and buddy. Pages of non-headless
// handles are returned locked.
func (p *Pool) lookup(h Handle) (*zpage, *slotsTable, Buddy, error) {
	if h == 0 {
		return nil, nil, Headless, ErrInvalidHandle
	}

	if h.headless() {
		zp, ok := p.pages.Load(PageID(h.id()))
		if !ok || !zp.test(pageHeadless) {
			return nil, nil, Headless, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
		}
		return zp, nil, Headless, nil
	}

	t, ok := p.tables.Load(h.id())
	if !ok {
		return nil, nil, Headless, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}

	// The slot can only change while the page it points to is locked, so
	// lock the page with the table read-locked, backing off on contention.
	for {
		t.RLock()
		v := t.slot[h.index()]
		if v == 0 {
			t.RUnlock()
			return nil, nil, Headless, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
		}
		zp, ok := p.pages.Load(slotPage(v))
		if !ok {
			t.RUnlock()
			return nil, nil, Headless, fmt.Errorf("%w: %s, no page %d", ErrInvalidHandle, h, slotPage(v))
		}
		if zp.TryLock() {
			t.RUnlock()
			if zp.test(pageStale) {
				zp.Unlock()
				return nil, nil, Headless, fmt.Errorf("%w: %s, page %d released", ErrInvalidHandle, h, zp.id)
			}
			bud := zp.buddyOf(slotIdx(v))
			if bud == Last && slotChunks(v) != zp.last {
				zp.Unlock()
				return nil, nil, Headless, fmt.Errorf("%w: %s, last object of page %d changed", ErrInvalidHandle, h, zp.id)
			}
			return zp, t, bud, nil
		}
		t.RUnlock()
		runtime.Gosched()
	}
}

// freeHandle clears the slot of a handle, freeing its table once empty.
func (p *Pool) freeHandle(h Handle, t *slotsTable, zp *zpage) {
	t.Lock()
	t.slot[h.index()] = 0
	if t.noFree {
		t.Unlock()
		return
	}
	if zp.slots != t {
		zp.foreign--
	}
	empty := t.empty()
	t.Unlock()

	if empty {
		if zp.slots == t {
			zp.slots = nil
		}
		p.tables.Delete(t.id)
	}
}

// clearStaleSlots zeroes slots of the page's own table which point to
// buddies of the page no longer in use. These are left behind when objects
// are freed while the page is claimed for reclaim or migration. The table
// is freed if it becomes empty.
func (p *Pool) clearStaleSlots(zp *zpage) {
	t := zp.slots
	if t == nil {
		return
	}

	t.Lock()
	for idx, v := range t.slot {
		if v == 0 || slotPage(v) != zp.id {
			continue
		}
		if bud := zp.buddyOf(slotIdx(v)); bud == Headless || zp.chunks(bud) == 0 || zp.test(pageStale) {
			t.slot[idx] = 0
		}
	}
	empty := t.empty() && !t.noFree
	t.Unlock()

	if empty {
		zp.slots = nil
		p.tables.Delete(t.id)
	}
}
