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

package pagesource

import (
	"fmt"
	"sync/atomic"
)

// Heap is a page source allocating pages from the Go heap.
type Heap struct {
	counters
	pageSize int
	limit    atomic.Int64
	inUse    atomic.Int64
}

var _ Source = &Heap{}

// HeapOption is an option for a heap page source.
type HeapOption func(*Heap)

// WithLimit limits the number of pages in use at any time. Zero means no
// limit.
func WithLimit(pages int64) HeapOption {
	return func(h *Heap) {
		h.limit.Store(pages)
	}
}

// NewHeap creates a heap page source.
func NewHeap(pageSize int, options ...HeapOption) (*Heap, error) {
	if !validPageSize(pageSize) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, pageSize)
	}

	h := &Heap{pageSize: pageSize}
	for _, o := range options {
		o(h)
	}

	return h, nil
}

func (h *Heap) Acquire() ([]byte, error) {
	if n, limit := h.inUse.Add(1), h.limit.Load(); limit > 0 && n > limit {
		h.inUse.Add(-1)
		h.failed.Add(1)
		return nil, ErrExhausted
	}
	h.acquired.Add(1)
	return make([]byte, h.pageSize), nil
}

func (h *Heap) Release(page []byte) error {
	if len(page) != h.pageSize {
		return fmt.Errorf("%w: size %d, expected %d", ErrInvalidPage, len(page), h.pageSize)
	}
	h.inUse.Add(-1)
	h.released.Add(1)
	return nil
}

func (h *Heap) PageSize() int {
	return h.pageSize
}

// SetLimit changes the page limit of the source.
func (h *Heap) SetLimit(pages int64) {
	h.limit.Store(pages)
}
