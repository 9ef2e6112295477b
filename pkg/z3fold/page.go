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
	"sync"
	"sync/atomic"

	"github.com/containers/z3fold/pkg/workqueue"
)

// PageID identifies a backing page of a pool. IDs are never reused.
type PageID uint64

type pageFlag uint32

const (
	pageHeadless pageFlag = 1 << iota
	middleChunkMapped
	needsCompacting
	pageStale
	pageClaimed
	pageMovable
	pageIsolated
	pageFreed // headless object freed while the page was claimed
)

const (
	// maxMapped is the limit of concurrently mapped objects in a page.
	maxMapped = 3
	noWorker  = -1
)

// zpage is a backing page together with its header.
type zpage struct {
	sync.Mutex
	id    PageID
	data  []byte
	flags atomic.Uint32
	refs  atomic.Int32

	// protected by the page lock
	first       int
	middle      int
	last        int
	startMiddle int
	firstNum    int
	mapped      int
	midMapped   int
	foreign     int
	worker      int
	queuedOn    int
	slots       *slotsTable
	work        *workqueue.Work

	// protected by the pool lock, modified with the page lock held
	lru       *list.Element
	buddy     *list.Element
	buddyList *list.List

	// protected by the stale lock
	stale *list.Element
}

func (zp *zpage) test(f pageFlag) bool {
	return pageFlag(zp.flags.Load())&f != 0
}

func (zp *zpage) set(f pageFlag) {
	zp.testAndSet(f)
}

func (zp *zpage) clear(f pageFlag) {
	zp.testAndClear(f)
}

// testAndSet sets the flag, returning whether it was already set.
func (zp *zpage) testAndSet(f pageFlag) bool {
	for {
		old := zp.flags.Load()
		if pageFlag(old)&f != 0 {
			return true
		}
		if zp.flags.CompareAndSwap(old, old|uint32(f)) {
			return false
		}
	}
}

// testAndClear clears the flag, returning whether it was set.
func (zp *zpage) testAndClear(f pageFlag) bool {
	for {
		old := zp.flags.Load()
		if pageFlag(old)&f == 0 {
			return false
		}
		if zp.flags.CompareAndSwap(old, old&^uint32(f)) {
			return true
		}
	}
}

func (zp *zpage) get() {
	zp.refs.Add(1)
}

func (zp *zpage) getUnlessZero() bool {
	for {
		refs := zp.refs.Load()
		if refs == 0 {
			return false
		}
		if zp.refs.CompareAndSwap(refs, refs+1) {
			return true
		}
	}
}

func (zp *zpage) chunks(bud Buddy) int {
	switch bud {
	case First:
		return zp.first
	case Middle:
		return zp.middle
	case Last:
		return zp.last
	}
	return 0
}

func (zp *zpage) setChunks(bud Buddy, chunks int) {
	switch bud {
	case First:
		zp.first = chunks
	case Middle:
		zp.middle = chunks
	case Last:
		zp.last = chunks
	}
}

// idx returns the slot index of the given buddy.
func (zp *zpage) idx(bud Buddy) int {
	return (int(bud) + zp.firstNum) & buddyMask
}

// buddyOf returns the buddy stored in the slot with the given index.
func (zp *zpage) buddyOf(idx int) Buddy {
	return Buddy((idx - zp.firstNum) & buddyMask)
}

func (zp *zpage) empty() bool {
	return zp.first == 0 && zp.middle == 0 && zp.last == 0
}

// single checks if exactly one buddy is in use.
func (zp *zpage) single() bool {
	n := 0
	for _, c := range []int{zp.first, zp.middle, zp.last} {
		if c != 0 {
			n++
		}
	}
	return n == 1
}

// newPage sets up a page header for the data and registers the page. Pages
// which are not headless are returned locked.
func (p *Pool) newPage(data []byte, headless bool) *zpage {
	zp := &zpage{
		id:       PageID(p.nextPageID.Add(1)),
		data:     data,
		worker:   noWorker,
		queuedOn: noWorker,
	}
	zp.refs.Store(1)
	zp.work = workqueue.NewWork(func() { p.compactPageWork(zp) })

	if headless {
		zp.set(pageHeadless)
	} else {
		zp.slots = p.newSlots(false)
		zp.set(pageMovable)
		zp.Lock()
	}

	p.pages.Store(zp.id, zp)

	return zp
}

// putLocked drops a reference to a locked page, releasing it if this was
// the last one. The page is unlocked if it was released.
func (p *Pool) putLocked(zp *zpage) bool {
	if zp.refs.Add(-1) != 0 {
		return false
	}
	p.releasePage(zp)
	return true
}

// putLockedList is putLocked for pages which might be on an unbuddied list.
func (p *Pool) putLockedList(zp *zpage) bool {
	if zp.refs.Add(-1) != 0 {
		return false
	}
	p.lock.Lock()
	p.unbuddiedRemove(zp)
	p.lock.Unlock()
	p.releasePage(zp)
	return true
}

// put drops a reference to an unlocked page, releasing it if this was the
// last one.
func (p *Pool) put(zp *zpage) bool {
	if zp.refs.Add(-1) != 0 {
		return false
	}
	zp.Lock()
	p.lock.Lock()
	p.unbuddiedRemove(zp)
	p.lock.Unlock()
	p.releasePage(zp)
	return true
}

// releasePage retires a locked page with no references and unlocks it. The
// page is moved to the stale list, its backing memory is returned to the
// page source by the release worker.
func (p *Pool) releasePage(zp *zpage) {
	if zp.buddy != nil {
		log.Error("releasing page %d still on an unbuddied list", zp.id)
	}

	zp.set(pageStale)
	zp.clear(needsCompacting)

	p.lock.Lock()
	p.lruRemove(zp)
	p.lock.Unlock()

	p.clearStaleSlots(zp)
	p.pages.Delete(zp.id)

	zp.Unlock()

	p.staleLock.Lock()
	zp.stale = p.stale.PushFront(zp)
	p.staleLock.Unlock()

	p.pagesNr.Add(-1)
	p.queueRelease()
}

func (p *Pool) queueRelease() {
	if _, err := p.releaseq.Queue(p.releaseWork); err != nil {
		log.Debug("%s: releasing stale pages synchronously: %v", p.name, err)
		p.freeStalePages()
	}
}

// freeStalePages returns all pages on the stale list to the page source.
func (p *Pool) freeStalePages() {
	p.staleLock.Lock()
	for e := p.stale.Front(); e != nil; e = p.stale.Front() {
		zp := p.stale.Remove(e).(*zpage)
		zp.stale = nil
		p.staleLock.Unlock()

		zp.work.CancelSync()
		p.releaseData(zp.data)

		p.staleLock.Lock()
	}
	p.staleLock.Unlock()
}

// reuseStalePage takes a page off the stale list for reuse.
func (p *Pool) reuseStalePage() []byte {
	p.staleLock.Lock()
	e := p.stale.Front()
	if e == nil {
		p.staleLock.Unlock()
		return nil
	}
	zp := p.stale.Remove(e).(*zpage)
	zp.stale = nil
	p.staleLock.Unlock()

	zp.work.CancelSync()
	p.stats.staleReuses.Add(1)

	return zp.data
}

// freeHeadless retires an unlocked headless page immediately.
func (p *Pool) freeHeadless(zp *zpage) {
	zp.set(pageStale)
	p.pages.Delete(zp.id)
	p.releaseData(zp.data)
	p.pagesNr.Add(-1)
}

func (p *Pool) releaseData(data []byte) {
	if err := p.source.Release(data); err != nil {
		log.Error("%s: failed to release page: %v", p.name, err)
	}
}
