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
	"context"
)

// ReclaimPage tries to free one page by evicting its objects, least recently
// used pages first. Up to retries pages are tried.
func (p *Pool) ReclaimPage(retries int) error {
	if p.evictor == nil {
		return ErrNoEvictor
	}
	if retries <= 0 {
		return ErrInvalidRetries
	}

	p.lock.Lock()
	for i := 0; i < retries; i++ {
		if p.lru.Len() == 0 {
			p.lock.Unlock()
			return ErrEmpty
		}

		zp := p.claimLRUPage()
		if zp == nil {
			break
		}
		p.lruRemove(zp)
		p.lock.Unlock()

		if p.evictPage(zp) {
			p.stats.reclaimed.Add(1)
			return nil
		}

		p.lock.Lock()
	}
	p.lock.Unlock()

	return ErrRetry
}

// Reclaim frees up to maxPages pages, returning the number of pages freed.
func (p *Pool) Reclaim(ctx context.Context, maxPages int) (int, error) {
	if maxPages <= 0 {
		return 0, ErrInvalidRetries
	}

	freed := 0
	for freed < maxPages {
		if err := ctx.Err(); err != nil {
			return freed, err
		}
		if err := p.ReclaimPage(p.cfg.ReclaimRetries); err != nil {
			log.Debug("%s: reclaimed %d/%d pages: %v", p.name, freed, maxPages, err)
			return freed, err
		}
		freed++
	}

	return freed, nil
}

// claimLRUPage claims the least recently used page which can be evicted.
// Pages which are not headless are locked and pinned. The pool lock must be
// held.
func (p *Pool) claimLRUPage() *zpage {
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		zp := e.Value.(*zpage)

		if zp.test(pageHeadless) {
			if zp.testAndSet(pageClaimed) {
				continue
			}
			return zp
		}

		if !zp.TryLock() {
			continue
		}
		// pages with compaction pending hold a reference for it
		if zp.foreign != 0 || zp.test(needsCompacting) || zp.testAndSet(pageClaimed) {
			zp.Unlock()
			continue
		}
		if !zp.getUnlessZero() {
			zp.clear(pageClaimed)
			zp.Unlock()
			continue
		}

		p.unbuddiedRemove(zp)
		zp.worker = noWorker
		return zp
	}

	return nil
}

// evictPage evicts the objects of a claimed page, Middle first, then First
// and Last. It returns true if the page was freed.
func (p *Pool) evictPage(zp *zpage) bool {
	var (
		handles []Handle
		local   *slotsTable
		err     error
	)

	headless := zp.test(pageHeadless)
	if headless {
		if zp.test(pageFreed) {
			// freed by its owner since it was claimed
			p.freeHeadless(zp)
			return true
		}
		handles = append(handles, p.encodeHandle(zp, nil, Headless))
	} else {
		// The evictor may free objects by these handles without touching
		// the real slots of the page, which reclaim cleans up afterwards.
		local = p.newSlots(true)
		defer p.tables.Delete(local.id)
		for _, bud := range []Buddy{Middle, First, Last} {
			if zp.chunks(bud) != 0 {
				handles = append(handles, p.encodeHandle(zp, local, bud))
			}
		}
		zp.Unlock()
	}

	for _, h := range handles {
		if err = p.evictor.Evict(p, h); err != nil {
			log.Debug("%s: eviction of %s declined: %v", p.name, h, err)
			break
		}
	}

	if headless {
		if err == nil || zp.test(pageFreed) {
			p.freeHeadless(zp)
			return true
		}
		p.lock.Lock()
		p.lruPushFront(zp)
		p.lock.Unlock()
		zp.clear(pageClaimed)
		// A free racing with the unclaim leaves the page to us if it
		// still saw the claim.
		if zp.test(pageFreed) && !zp.testAndSet(pageClaimed) {
			p.lock.Lock()
			p.lruRemove(zp)
			p.lock.Unlock()
			p.freeHeadless(zp)
			return true
		}
		return false
	}

	zp.Lock()
	p.clearStaleSlots(zp)
	if p.putLocked(zp) {
		return true
	}

	p.lock.Lock()
	p.lruPushFront(zp)
	p.lock.Unlock()
	if zp.buddy == nil && !zp.empty() {
		p.addToUnbuddied(zp, p.defaultWorker())
	}
	zp.clear(pageClaimed)
	zp.Unlock()

	return false
}
