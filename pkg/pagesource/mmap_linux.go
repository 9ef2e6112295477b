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

//go:build linux

package pagesource

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Mmap is a page source backed by anonymous private memory mappings, one
// mapping per page, outside of the Go heap.
type Mmap struct {
	counters
	pageSize int
	mapSize  int
	limit    int64
	inUse    atomic.Int64
}

var _ Source = &Mmap{}

// NewMmap creates an mmap page source. A zero pageSize uses the system page
// size. The limit caps the number of mapped pages, zero means no limit.
func NewMmap(pageSize int, limit int64) (*Mmap, error) {
	sysPageSize := unix.Getpagesize()
	if pageSize == 0 {
		pageSize = sysPageSize
	}
	if !validPageSize(pageSize) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, pageSize)
	}

	return &Mmap{
		pageSize: pageSize,
		mapSize:  max(pageSize, sysPageSize),
		limit:    limit,
	}, nil
}

// SystemPageSize returns the page size of the host.
func SystemPageSize() int {
	return unix.Getpagesize()
}

func (m *Mmap) Acquire() ([]byte, error) {
	if n := m.inUse.Add(1); m.limit > 0 && n > m.limit {
		m.inUse.Add(-1)
		m.failed.Add(1)
		return nil, ErrExhausted
	}

	b, err := unix.Mmap(-1, 0, m.mapSize, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		m.inUse.Add(-1)
		m.failed.Add(1)
		log.Warn("failed to map page of %d bytes: %v", m.mapSize, err)
		return nil, errors.Wrapf(ErrExhausted, "mmap: %v", err)
	}

	m.acquired.Add(1)
	return b[:m.pageSize], nil
}

func (m *Mmap) Release(page []byte) error {
	if len(page) != m.pageSize || cap(page) != m.mapSize {
		return fmt.Errorf("%w: size %d/%d, expected %d/%d", ErrInvalidPage,
			len(page), cap(page), m.pageSize, m.mapSize)
	}
	// munmap needs the whole mapping, not just the page handed out
	if err := unix.Munmap(page[:cap(page)]); err != nil {
		return errors.Wrap(err, "pagesource: munmap failed")
	}

	m.inUse.Add(-1)
	m.released.Add(1)
	return nil
}

func (m *Mmap) PageSize() int {
	return m.pageSize
}
