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
	"runtime"
)

// unbuddied is the per-worker index of pages with room left, bucketed by
// the size of their largest free region in chunks.
type unbuddied []*list.List

func newUnbuddied(nchunks int) unbuddied {
	u := make(unbuddied, nchunks)
	for i := range u {
		u[i] = list.New()
	}
	return u
}

// addToUnbuddied indexes a locked page under the worker if any of its
// buddies is free. Empty pages are on their way out and never indexed.
func (p *Pool) addToUnbuddied(zp *zpage, worker int) {
	if zp.first != 0 && zp.last != 0 && zp.middle != 0 {
		return
	}
	if zp.empty() {
		warnRatelimited("%s: not indexing empty page %d", p.name, zp.id)
		return
	}

	free := p.numFreeChunks(zp)

	p.lock.Lock()
	p.unbuddiedRemove(zp)
	l := p.unbuddied[worker][free]
	zp.buddy = l.PushFront(zp)
	zp.buddyList = l
	p.lock.Unlock()

	zp.worker = worker
}

// unbuddiedRemove takes a page off its unbuddied list. The pool lock must
// be held.
func (p *Pool) unbuddiedRemove(zp *zpage) {
	if zp.buddy == nil {
		return
	}
	zp.buddyList.Remove(zp.buddy)
	zp.buddy = nil
	zp.buddyList = nil
}

// lruPushFront makes a page the most recently used one. The pool lock must
// be held.
func (p *Pool) lruPushFront(zp *zpage) {
	if zp.lru != nil {
		p.lru.MoveToFront(zp.lru)
		return
	}
	zp.lru = p.lru.PushFront(zp)
}

// lruRemove takes a page off the LRU list. The pool lock must be held.
func (p *Pool) lruRemove(zp *zpage) {
	if zp.lru == nil {
		return
	}
	p.lru.Remove(zp.lru)
	zp.lru = nil
}

// findPage looks for an existing page with a free region of at least the
// given number of chunks. The best fitting page of the worker is preferred,
// failing that a page with an exact fit is taken from other workers. The
// page is returned locked, with an extra reference.
func (p *Pool) findPage(ctx context.Context, chunks int, canSleep bool, worker int) (*zpage, error) {
	zp, err := p.findOwnPage(ctx, chunks, canSleep, worker)
	if err != nil {
		return nil, err
	}

	if zp == nil {
		zp = p.stealPage(chunks, worker)
	}

	if zp != nil && zp.slots == nil {
		zp.slots = p.newSlots(false)
	}

	return zp, nil
}

func (p *Pool) findOwnPage(ctx context.Context, chunks int, canSleep bool, worker int) (*zpage, error) {
	lists := p.unbuddied[worker]

	for {
		var zp *zpage

		p.lock.Lock()
		for i := chunks; i < p.nchunks && zp == nil; i++ {
			if e := lists[i].Front(); e != nil {
				zp = e.Value.(*zpage)
			}
		}
		if zp == nil {
			p.lock.Unlock()
			return nil, nil
		}
		if !zp.TryLock() {
			p.lock.Unlock()
			if !canSleep {
				return nil, nil
			}
			if err := backoff(ctx); err != nil {
				return nil, err
			}
			continue
		}
		p.unbuddiedRemove(zp)
		zp.worker = noWorker
		p.lock.Unlock()

		if zp.test(needsCompacting) || zp.test(pageClaimed) {
			zp.Unlock()
			if !canSleep {
				return nil, nil
			}
			if err := backoff(ctx); err != nil {
				return nil, err
			}
			continue
		}

		zp.get()
		return zp, nil
	}
}

func (p *Pool) stealPage(chunks int, worker int) *zpage {
	for _, w := range p.onlineWorkers() {
		if w == worker {
			continue
		}

		p.lock.Lock()
		e := p.unbuddied[w][chunks].Front()
		if e == nil {
			p.lock.Unlock()
			continue
		}
		zp := e.Value.(*zpage)
		if !zp.TryLock() {
			p.lock.Unlock()
			continue
		}
		p.unbuddiedRemove(zp)
		zp.worker = noWorker
		p.lock.Unlock()

		if zp.test(needsCompacting) || zp.test(pageClaimed) {
			zp.Unlock()
			continue
		}

		zp.get()
		return zp
	}

	return nil
}

// freeBuddy picks the buddy of the page to place an object of the given
// number of chunks in. It returns Headless if there is no room.
func (p *Pool) freeBuddy(zp *zpage, chunks int) Buddy {
	if zp.middle != 0 {
		switch {
		case zp.first == 0 && chunks <= zp.startMiddle-p.headerChunks:
			return First
		case zp.last == 0 && chunks <= p.totalChunks-(zp.startMiddle+zp.middle):
			return Last
		}
		return Headless
	}

	switch {
	case chunks > p.nchunks-zp.first-zp.last:
		return Headless
	case zp.first == 0:
		return First
	case zp.last == 0:
		return Last
	}
	return Middle
}

func backoff(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}
