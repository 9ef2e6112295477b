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
	"fmt"
)

// Alloc allocates an object of the given size, returning its handle.
func (p *Pool) Alloc(ctx context.Context, size int, flags AllocFlags) (Handle, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if size > p.pageSize {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, size, p.pageSize)
	}

	var (
		canSleep = flags&NoSleep == 0
		worker   = p.currentWorker(ctx)
		chunks   = p.sizeToChunks(size)
		bud      = Headless
		zp       *zpage
		err      error
	)

	if !p.isHeadless(size) {
		for {
			zp, err = p.findPage(ctx, chunks, canSleep, worker)
			if err != nil {
				p.stats.allocFailures.Add(1)
				return 0, err
			}
			if zp == nil {
				bud = First
				break
			}
			if bud = p.freeBuddy(zp, chunks); bud != Headless {
				break
			}
			log.Error("%s: no room for %d chunks in unbuddied page %d", p.name, chunks, zp.id)
			if !p.putLocked(zp) {
				zp.Unlock()
			}
		}
	}

	if zp == nil {
		if zp, err = p.freshPage(canSleep, bud == Headless); err != nil {
			p.stats.allocFailures.Add(1)
			return 0, err
		}
	}

	if bud != Headless {
		zp.setChunks(bud, chunks)
		if bud == Middle {
			zp.startMiddle = zp.first + p.headerChunks
		}
		p.addToUnbuddied(zp, worker)
	}

	p.lock.Lock()
	p.lruPushFront(zp)
	h := p.encodeHandle(zp, zp.slots, bud)
	p.lock.Unlock()

	if bud != Headless {
		zp.Unlock()
	}

	p.stats.allocs.Add(1)
	log.Debug("%s: allocated %d bytes (%d chunks) as %s in page %d", p.name, size, chunks, bud, zp.id)

	return h, nil
}

// freshPage sets up a page on a stale page taken for reuse, if the caller
// can sleep, or on a newly acquired one.
func (p *Pool) freshPage(canSleep, headless bool) (*zpage, error) {
	var data []byte
	if canSleep {
		data = p.reuseStalePage()
	}
	if data == nil {
		var err error
		if data, err = p.source.Acquire(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrNoMemory, err)
		}
	}

	zp := p.newPage(data, headless)
	p.pagesNr.Add(1)

	return zp, nil
}

// Free frees the object with the given handle. Freeing an unknown or
// already freed handle is an error and leaves the pool untouched.
func (p *Pool) Free(h Handle) error {
	zp, t, bud, err := p.lookup(h)
	if err != nil {
		log.Error("%s: free failed: %v", p.name, err)
		return err
	}

	if bud == Headless {
		if zp.testAndSet(pageFreed) {
			log.Error("%s: double free of headless handle %s", p.name, h)
			return fmt.Errorf("%w: %s already freed", ErrInvalidHandle, h)
		}
		if !zp.testAndSet(pageClaimed) {
			p.lock.Lock()
			p.lruRemove(zp)
			p.lock.Unlock()
			p.freeHeadless(zp)
		}
		p.stats.frees.Add(1)
		return nil
	}

	claimed := zp.testAndSet(pageClaimed)

	if zp.chunks(bud) == 0 {
		if !claimed {
			zp.clear(pageClaimed)
		}
		zp.Unlock()
		log.Error("%s: double free of handle %s", p.name, h)
		return fmt.Errorf("%w: %s already freed", ErrInvalidHandle, h)
	}

	zp.setChunks(bud, 0)
	p.stats.frees.Add(1)

	if !claimed {
		p.freeHandle(h, t, zp)
	}

	if p.putLockedList(zp) {
		return nil
	}

	if claimed {
		// reclaim or migration owns the page now
		zp.Unlock()
		return nil
	}

	if zp.testAndSet(needsCompacting) {
		zp.clear(pageClaimed)
		zp.Unlock()
		return nil
	}

	worker := p.defaultWorker()
	if zp.worker == noWorker || !p.isOnline(zp.worker) {
		zp.worker = noWorker
		zp.get()
		zp.clear(pageClaimed)
		p.doCompactPage(zp, true, worker)
		return nil
	}

	zp.get()
	zp.clear(pageClaimed)
	zp.queuedOn = zp.worker
	zp.Unlock()

	p.queueCompaction(zp, worker)

	return nil
}
