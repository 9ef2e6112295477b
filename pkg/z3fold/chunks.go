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
	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1/pool"
)

// Buddy identifies one of the objects packed into a page.
type Buddy int

const (
	// Headless is the only object of a page without a header.
	Headless Buddy = iota
	// First is the object right after the page header.
	First
	// Middle is the object floating between First and Last.
	Middle
	// Last is the object at the end of the page.
	Last

	buddyMask = 0x3
)

func (b Buddy) String() string {
	switch b {
	case Headless:
		return "headless"
	case First:
		return "first"
	case Middle:
		return "middle"
	case Last:
		return "last"
	}
	return "invalid"
}

// geometry describes how pages are divided into chunks.
type geometry struct {
	pageSize     int
	chunkShift   uint
	chunkSize    int
	headerChunks int // chunks taken by the page header
	totalChunks  int // chunks per page
	nchunks      int // chunks usable for buddies
	bigChunkGap  int
}

func newGeometry(cfg *cfgapi.Config) geometry {
	shift := uint(cfg.ChunkShift())
	chunkSize := 1 << shift
	headerChunks := (cfg.HeaderSize + chunkSize - 1) >> shift
	totalChunks := cfg.PageSize >> shift

	return geometry{
		pageSize:     cfg.PageSize,
		chunkShift:   shift,
		chunkSize:    chunkSize,
		headerChunks: headerChunks,
		totalChunks:  totalChunks,
		nchunks:      totalChunks - headerChunks,
		bigChunkGap:  cfg.BigChunkGap,
	}
}

// sizeToChunks returns the number of chunks needed for size bytes.
func (g *geometry) sizeToChunks(size int) int {
	return (size + g.chunkSize - 1) >> g.chunkShift
}

// isHeadless checks if an object of size bytes needs a page of its own.
func (g *geometry) isHeadless(size int) bool {
	return size > g.pageSize-g.headerChunks<<g.chunkShift-g.chunkSize
}

// numFreeChunks returns the size of the largest free region of a page.
func (g *geometry) numFreeChunks(zp *zpage) int {
	if zp.middle == 0 {
		return g.nchunks - zp.first - zp.last
	}

	before, after := 0, 0
	if zp.first == 0 {
		before = zp.startMiddle - g.headerChunks
	}
	if zp.last == 0 {
		after = g.totalChunks - (zp.startMiddle + zp.middle)
	}

	return max(before, after)
}

// offset returns the byte offset of the given buddy in a page.
func (g *geometry) offset(zp *zpage, bud Buddy) int {
	switch bud {
	case First:
		return g.headerChunks << g.chunkShift
	case Middle:
		return zp.startMiddle << g.chunkShift
	case Last:
		return g.pageSize - zp.last<<g.chunkShift
	}
	return 0
}

// region returns the bytes of the given buddy in a page.
func (g *geometry) region(zp *zpage, bud Buddy) []byte {
	if bud == Headless {
		return zp.data
	}
	offs := g.offset(zp, bud)
	end := offs + zp.chunks(bud)<<g.chunkShift
	return zp.data[offs:end:end]
}
