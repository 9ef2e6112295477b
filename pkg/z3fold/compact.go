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

// queueCompaction schedules compaction of a page, compacting it right away
// if the compaction queue is full.
func (p *Pool) queueCompaction(zp *zpage, worker int) {
	queued, err := p.compactq.Queue(zp.work)
	switch {
	case err != nil:
		log.Debug("%s: compacting page %d synchronously: %v", p.name, zp.id, err)
		p.doCompactPage(zp, false, worker)
	case !queued:
		// already pending, which consumes a reference of its own
		p.put(zp)
	}
}

func (p *Pool) compactPageWork(zp *zpage) {
	worker := zp.queuedOn
	if worker == noWorker || !p.isOnline(worker) {
		worker = p.defaultWorker()
	}
	p.doCompactPage(zp, false, worker)
}

// doCompactPage compacts a page marked for compaction, dropping the
// reference taken when it was marked. The page is unlocked on return.
func (p *Pool) doCompactPage(zp *zpage, locked bool, worker int) {
	if !locked {
		zp.Lock()
	}

	if !zp.testAndClear(needsCompacting) {
		warnRatelimited("%s: page %d does not need compaction", p.name, zp.id)
		zp.Unlock()
		return
	}

	p.lock.Lock()
	p.unbuddiedRemove(zp)
	p.lock.Unlock()

	if p.putLocked(zp) {
		return
	}

	if zp.test(pageStale) || zp.testAndSet(pageClaimed) {
		zp.Unlock()
		return
	}

	if zp.foreign == 0 && zp.single() && zp.mapped == 0 && p.compactSingleBuddy(zp, worker) {
		p.stats.relocations.Add(1)
		if !p.putLocked(zp) {
			zp.clear(pageClaimed)
			zp.Unlock()
		}
		return
	}

	if p.compactPage(zp) {
		p.stats.compactions.Add(1)
	}
	p.addToUnbuddied(zp, worker)
	zp.clear(pageClaimed)
	zp.Unlock()
}

// compactSingleBuddy moves the only object of a locked page to another
// page, rewriting the slot of its handle in place. Pages with enough room
// are preferred, failing that the object gets a page of its own.
func (p *Pool) compactSingleBuddy(zp *zpage, worker int) bool {
	t := zp.slots
	if t == nil {
		return false
	}

	bud := Headless
	t.RLock()
	for _, b := range []Buddy{First, Middle, Last} {
		if zp.chunks(b) != 0 && t.slot[zp.idx(b)] != 0 {
			bud = b
			break
		}
	}
	t.RUnlock()

	if bud == Headless {
		return false
	}

	chunks := zp.chunks(bud)
	nzp, err := p.findPage(context.Background(), chunks, false, worker)
	if err != nil {
		return false
	}

	nbud := Headless
	if nzp != nil {
		if nbud = p.freeBuddy(nzp, chunks); nbud == Headless {
			if !p.putLocked(nzp) {
				p.addToUnbuddied(nzp, worker)
				nzp.Unlock()
			}
			return false
		}
	} else {
		if nzp, err = p.freshPage(true, false); err != nil {
			log.Debug("%s: no page to move %s of page %d to: %v", p.name, bud, zp.id, err)
			return false
		}
		nbud = First
		p.tables.Delete(nzp.slots.id)
		nzp.slots = nil
		// A table with no other objects moves along, keeping the
		// object native to its new page.
		t.RLock()
		if t.live() == 1 {
			nzp.slots = t
			nzp.firstNum = (zp.idx(bud) - int(First)) & buddyMask
		}
		t.RUnlock()
		p.lock.Lock()
		p.lruPushFront(nzp)
		p.lock.Unlock()
	}

	nzp.setChunks(nbud, chunks)
	if nbud == Middle {
		nzp.startMiddle = nzp.first + p.headerChunks
	}
	if nzp.slots != t {
		nzp.foreign++
	}
	copy(p.region(nzp, nbud), p.region(zp, bud))

	lastChunks := 0
	if nbud == Last {
		lastChunks = nzp.last
	}

	t.Lock()
	t.slot[zp.idx(bud)] = encodeSlot(nzp.id, nzp.idx(nbud), lastChunks)
	t.Unlock()

	p.addToUnbuddied(nzp, worker)
	nzp.Unlock()

	zp.setChunks(bud, 0)
	if nzp.slots == t {
		zp.slots = nil
	}

	log.Debug("%s: moved %s of page %d to %s of page %d", p.name, bud, zp.id, nbud, nzp.id)

	return true
}

// compactPage slides the Middle object of a locked page to make the free
// space of the page contiguous.
func (p *Pool) compactPage(zp *zpage) bool {
	if zp.mapped != 0 || zp.test(middleChunkMapped) || zp.test(pageIsolated) || zp.middle == 0 {
		return false
	}

	if zp.first == 0 && zp.last == 0 {
		p.moveMiddle(zp, p.headerChunks)
		zp.first = zp.middle
		zp.middle = 0
		zp.startMiddle = 0
		zp.firstNum = (zp.firstNum + 1) & buddyMask
		return true
	}

	switch {
	case zp.first != 0 && zp.last == 0 &&
		zp.startMiddle-(zp.first+p.headerChunks) >= p.bigChunkGap:
		p.moveMiddle(zp, zp.first+p.headerChunks)
		return true

	case zp.last != 0 && zp.first == 0 &&
		p.totalChunks-(zp.last+zp.startMiddle+zp.middle) >= p.bigChunkGap:
		p.moveMiddle(zp, p.totalChunks-zp.last-zp.middle)
		return true
	}

	return false
}

func (p *Pool) moveMiddle(zp *zpage, start int) {
	if start == zp.startMiddle {
		return
	}
	src := zp.startMiddle << p.chunkShift
	dst := start << p.chunkShift
	size := zp.middle << p.chunkShift
	copy(zp.data[dst:dst+size], zp.data[src:src+size])
	zp.startMiddle = start
}
