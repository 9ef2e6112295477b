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
	"sort"
)

// MovablePages returns the IDs of pages which can be migrated.
func (p *Pool) MovablePages() []PageID {
	var ids []PageID

	p.pages.Range(func(id PageID, zp *zpage) bool {
		if zp.test(pageMovable) && !zp.test(pageHeadless|pageStale|pageIsolated) {
			ids = append(ids, id)
		}
		return true
	})

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// IsolatePage takes a page out of circulation for migration. Isolated pages
// must be either migrated or put back.
func (p *Pool) IsolatePage(id PageID) bool {
	zp, ok := p.pages.Load(id)
	if !ok || zp.test(pageHeadless) {
		return false
	}

	zp.Lock()
	defer zp.Unlock()

	if zp.test(needsCompacting | pageStale) {
		return false
	}
	if zp.mapped != 0 || zp.foreign != 0 {
		return false
	}
	if zp.testAndSet(pageClaimed) {
		return false
	}

	p.lock.Lock()
	p.unbuddiedRemove(zp)
	p.lruRemove(zp)
	p.lock.Unlock()

	zp.get()
	zp.set(pageIsolated)

	return true
}

// MigratePage moves an isolated page to the given memory, which must be a
// page obtained from the page source of the pool. On success the old page
// memory is returned to the page source and the ID of the new page is
// returned. ErrAgain means the migration can be retried, otherwise the page
// should be put back.
func (p *Pool) MigratePage(id PageID, data []byte) (PageID, error) {
	zp, ok := p.pages.Load(id)
	if !ok || !zp.test(pageIsolated) {
		return 0, fmt.Errorf("%w: %d is not isolated", ErrInvalidPage, id)
	}
	if len(data) != p.pageSize {
		return 0, fmt.Errorf("%w: new page size %d != %d", ErrInvalidPage, len(data), p.pageSize)
	}

	if !zp.TryLock() {
		return 0, ErrAgain
	}
	if zp.mapped != 0 || zp.foreign != 0 {
		zp.Unlock()
		zp.clear(pageClaimed)
		return 0, ErrBusy
	}
	if zp.work.Pending() || zp.test(needsCompacting) {
		zp.Unlock()
		return 0, ErrAgain
	}

	// drop slots of objects freed while the page was isolated
	p.clearStaleSlots(zp)
	copy(data, zp.data)

	nzp := p.newPage(data, false)
	nzp.refs.Store(zp.refs.Load())
	nzp.first, nzp.middle, nzp.last = zp.first, zp.middle, zp.last
	nzp.startMiddle = zp.startMiddle
	nzp.firstNum = zp.firstNum
	if zp.slots != nil {
		p.tables.Delete(nzp.slots.id)
		nzp.slots = zp.slots
	}

	for _, bud := range []Buddy{First, Last, Middle} {
		if nzp.chunks(bud) != 0 {
			p.encodeHandle(nzp, nzp.slots, bud)
		}
	}

	zp.flags.Store(uint32(pageStale))
	zp.slots = nil
	p.pages.Delete(zp.id)
	zp.Unlock()

	nzp.set(needsCompacting)
	nzp.worker = p.defaultWorker()
	nzp.queuedOn = nzp.worker

	p.lock.Lock()
	p.lruPushFront(nzp)
	p.lock.Unlock()
	nzp.Unlock()

	p.queueCompaction(nzp, nzp.worker)
	p.releaseData(zp.data)
	p.stats.migrations.Add(1)

	log.Debug("%s: migrated page %d to %d", p.name, zp.id, nzp.id)

	return nzp.id, nil
}

// PutbackPage returns an isolated page which was not migrated to the pool.
func (p *Pool) PutbackPage(id PageID) error {
	zp, ok := p.pages.Load(id)
	if !ok || !zp.test(pageIsolated) {
		return fmt.Errorf("%w: %d is not isolated", ErrInvalidPage, id)
	}

	zp.Lock()
	zp.clear(pageIsolated)
	p.clearStaleSlots(zp)

	p.lock.Lock()
	p.unbuddiedRemove(zp)
	p.lock.Unlock()

	if p.putLocked(zp) {
		return nil
	}

	p.lock.Lock()
	p.lruPushFront(zp)
	p.lock.Unlock()
	p.addToUnbuddied(zp, p.defaultWorker())
	zp.clear(pageClaimed)
	zp.Unlock()

	return nil
}
