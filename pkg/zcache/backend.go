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

package zcache

import (
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Backend is the slower storage pages are written back to when they are
// evicted from the cache.
type Backend interface {
	// WritePage stores a page under the given key.
	WritePage(key Key, page []byte) error
	// ReadPage reads the page stored under the given key.
	ReadPage(key Key, page []byte) error
	// Invalidate drops any page stored under the given key.
	Invalidate(key Key)
}

// MemoryBackend is a Backend keeping pages in memory.
type MemoryBackend struct {
	pages *xsync.MapOf[Key, []byte]
}

var _ Backend = &MemoryBackend{}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		pages: xsync.NewMapOf[Key, []byte](),
	}
}

func (b *MemoryBackend) WritePage(key Key, page []byte) error {
	b.pages.Store(key, append([]byte(nil), page...))
	return nil
}

func (b *MemoryBackend) ReadPage(key Key, page []byte) error {
	data, ok := b.pages.Load(key)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, key)
	}
	if len(page) != len(data) {
		return errors.New("zcache: backend page size mismatch")
	}
	copy(page, data)
	return nil
}

func (b *MemoryBackend) Invalidate(key Key) {
	b.pages.Delete(key)
}

// Len returns the number of pages in the backend.
func (b *MemoryBackend) Len() int {
	return b.pages.Size()
}
