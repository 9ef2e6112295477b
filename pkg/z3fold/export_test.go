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
	"sync"

	"github.com/containers/z3fold/pkg/workqueue"
)

// PageLayout describes the buddies of a page.
type PageLayout struct {
	First       int
	Middle      int
	Last        int
	StartMiddle int
	Headless    bool
}

// PageOf returns the page and buddy the handle currently refers to.
func (p *Pool) PageOf(h Handle) (PageID, Buddy, error) {
	zp, _, bud, err := p.lookup(h)
	if err != nil {
		return 0, Headless, err
	}
	if bud != Headless {
		zp.Unlock()
	}
	return zp.id, bud, nil
}

// Layout returns the layout of a page.
func (p *Pool) Layout(id PageID) (PageLayout, bool) {
	zp, ok := p.pages.Load(id)
	if !ok {
		return PageLayout{}, false
	}
	if zp.test(pageHeadless) {
		return PageLayout{Headless: true}, true
	}

	zp.Lock()
	defer zp.Unlock()

	return PageLayout{
		First:       zp.first,
		Middle:      zp.middle,
		Last:        zp.last,
		StartMiddle: zp.startMiddle,
	}, true
}

// CheckPages verifies that the buddies of all pages fit without overlap.
func (p *Pool) CheckPages() error {
	var err error

	p.pages.Range(func(id PageID, zp *zpage) bool {
		if zp.test(pageHeadless) {
			return true
		}

		zp.Lock()
		defer zp.Unlock()

		if zp.first+zp.middle+zp.last > p.nchunks {
			err = fmt.Errorf("page %d: %d+%d+%d chunks used", id, zp.first, zp.middle, zp.last)
			return false
		}
		if zp.middle != 0 {
			if zp.startMiddle < p.headerChunks+zp.first {
				err = fmt.Errorf("page %d: middle at %d overlaps first", id, zp.startMiddle)
				return false
			}
			if zp.startMiddle+zp.middle > p.totalChunks-zp.last {
				err = fmt.Errorf("page %d: middle at %d overlaps last", id, zp.startMiddle)
				return false
			}
		}
		used := 0
		for _, c := range []int{zp.first, zp.middle, zp.last} {
			if c != 0 {
				used++
			}
		}
		if int(zp.refs.Load()) < used {
			err = fmt.Errorf("page %d: %d references", id, zp.refs.Load())
			return false
		}
		return true
	})

	return err
}

// StallCompaction keeps all compaction workers busy until the returned
// function is called.
func (p *Pool) StallCompaction() func() {
	var (
		started sync.WaitGroup
		once    sync.Once
		release = make(chan struct{})
	)

	for i := 0; i < p.cfg.CompactionWorkers; i++ {
		started.Add(1)
		w := workqueue.NewWork(func() {
			started.Done()
			<-release
		})
		if _, err := p.compactq.Queue(w); err != nil {
			started.Done()
		}
	}
	started.Wait()

	return func() {
		once.Do(func() { close(release) })
	}
}

// SetLastChunks overwrites the recorded size of the last object of a page,
// returning the previous size.
func (p *Pool) SetLastChunks(id PageID, chunks int) int {
	zp, _ := p.pages.Load(id)
	zp.Lock()
	defer zp.Unlock()
	old := zp.last
	zp.last = chunks
	return old
}
