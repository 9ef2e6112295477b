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

// Package pagesource provides the backing pages for allocator pools.
package pagesource

import (
	"errors"
	"sync/atomic"

	logger "github.com/containers/z3fold/pkg/log"
)

// Source hands out and takes back fixed-size backing pages.
type Source interface {
	// Acquire returns a zeroed page, or ErrExhausted.
	Acquire() ([]byte, error)
	// Release returns a page previously acquired from the source.
	Release([]byte) error
	// PageSize returns the size of pages of this source.
	PageSize() int
}

var (
	// ErrExhausted is returned when the source cannot provide more pages.
	ErrExhausted = errors.New("pagesource: out of pages")
	// ErrInvalidPage is returned when releasing a page of the wrong size.
	ErrInvalidPage = errors.New("pagesource: invalid page")
	// ErrInvalidPageSize is returned for page sizes which are not a power of 2.
	ErrInvalidPageSize = errors.New("pagesource: invalid page size")

	log = logger.Get("pagesource")
)

// Stats is a snapshot of page source accounting.
type Stats struct {
	// Acquired is the total number of pages handed out.
	Acquired uint64
	// Released is the total number of pages taken back.
	Released uint64
	// Failed is the number of failed acquisitions.
	Failed uint64
}

// InUse returns the number of pages currently handed out.
func (s Stats) InUse() uint64 {
	return s.Acquired - s.Released
}

// Accountant is implemented by sources which keep Stats.
type Accountant interface {
	Stats() Stats
}

type counters struct {
	acquired atomic.Uint64
	released atomic.Uint64
	failed   atomic.Uint64
}

func (c *counters) Stats() Stats {
	return Stats{
		Acquired: c.acquired.Load(),
		Released: c.released.Load(),
		Failed:   c.failed.Load(),
	}
}

func validPageSize(size int) bool {
	return size > 0 && size&(size-1) == 0
}
