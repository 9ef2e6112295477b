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

package pool

import (
	"fmt"
	"math/bits"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/cpuset"
)

const (
	// DefaultPageSize is the default backing page size.
	DefaultPageSize = 4096
	// DefaultNChunksOrder gives 64 chunks per page.
	DefaultNChunksOrder = 6
	// DefaultHeaderSize is the number of bytes reserved for the page header.
	DefaultHeaderSize = 64
	// DefaultBigChunkGap is the minimum gap worth sliding the middle buddy for.
	DefaultBigChunkGap = 3
	// DefaultCompactionWorkers is the default number of compaction workers.
	DefaultCompactionWorkers = 1
	// DefaultCompactionQueueDepth is the default compaction queue depth.
	DefaultCompactionQueueDepth = 1024
	// DefaultReclaimRetries is the number of LRU passes per reclaimed page.
	DefaultReclaimRetries = 8
)

// Config is the configuration of a single allocator pool.
type Config struct {
	// PageSize is the size of backing pages in bytes. It must be a power of 2.
	// +optional
	// +kubebuilder:default=4096
	PageSize int `json:"pageSize,omitempty"`
	// NChunksOrder is log2 of the number of chunks a page is divided into.
	// +optional
	// +kubebuilder:default=6
	NChunksOrder int `json:"nChunksOrder,omitempty"`
	// HeaderSize is the number of bytes reserved at the start of a page for
	// its header. It is rounded up to a full chunk.
	// +optional
	// +kubebuilder:default=64
	HeaderSize int `json:"headerSize,omitempty"`
	// BigChunkGap is the smallest gap, in chunks, for which a middle buddy
	// is slid within its page during compaction.
	// +optional
	// +kubebuilder:default=3
	BigChunkGap int `json:"bigChunkGap,omitempty"`
	// Workers is the set of worker IDs owning unbuddied free lists, in
	// cpuset notation. Defaults to 0-(GOMAXPROCS-1).
	// +optional
	// +kubebuilder:example="0-3"
	Workers string `json:"workers,omitempty"`
	// CompactionWorkers is the number of background compaction workers.
	// +optional
	// +kubebuilder:default=1
	CompactionWorkers int `json:"compactionWorkers,omitempty"`
	// CompactionQueueDepth bounds the number of queued compaction requests.
	// Requests beyond it are compacted synchronously.
	// +optional
	// +kubebuilder:default=1024
	CompactionQueueDepth int `json:"compactionQueueDepth,omitempty"`
	// ReclaimRetries is the number of LRU passes per reclaimed page.
	// +optional
	// +kubebuilder:default=8
	ReclaimRetries int `json:"reclaimRetries,omitempty"`
}

// Default returns a configuration with all defaults filled in.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills in any unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.NChunksOrder == 0 {
		c.NChunksOrder = DefaultNChunksOrder
	}
	if c.HeaderSize == 0 {
		c.HeaderSize = DefaultHeaderSize
	}
	if c.BigChunkGap == 0 {
		c.BigChunkGap = DefaultBigChunkGap
	}
	if c.Workers == "" {
		c.Workers = fmt.Sprintf("0-%d", runtime.GOMAXPROCS(0)-1)
	}
	if c.CompactionWorkers == 0 {
		c.CompactionWorkers = DefaultCompactionWorkers
	}
	if c.CompactionQueueDepth == 0 {
		c.CompactionQueueDepth = DefaultCompactionQueueDepth
	}
	if c.ReclaimRetries == 0 {
		c.ReclaimRetries = DefaultReclaimRetries
	}
}

// WorkerSet returns the parsed set of worker IDs.
func (c *Config) WorkerSet() (cpuset.CPUSet, error) {
	workers, err := cpuset.Parse(c.Workers)
	if err != nil {
		return cpuset.New(), fmt.Errorf("invalid workers %q: %w", c.Workers, err)
	}
	if workers.IsEmpty() {
		return cpuset.New(), fmt.Errorf("invalid workers %q: empty set", c.Workers)
	}
	return workers, nil
}

// ChunkShift returns log2 of the chunk size.
func (c *Config) ChunkShift() int {
	return bits.TrailingZeros(uint(c.PageSize)) - c.NChunksOrder
}

// Validate checks the configuration, returning all problems found.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		result = multierror.Append(result, fmt.Errorf("page size %d is not a power of 2", c.PageSize))
	}
	if c.NChunksOrder < 2 || c.NChunksOrder > 12 {
		result = multierror.Append(result, fmt.Errorf("chunk order %d out of range [2, 12]", c.NChunksOrder))
	} else if c.PageSize > 0 && c.ChunkShift() < 3 {
		result = multierror.Append(result, fmt.Errorf("page size %d too small for %d chunks",
			c.PageSize, 1<<c.NChunksOrder))
	}
	if c.HeaderSize < 0 || (c.PageSize > 0 && c.HeaderSize >= c.PageSize/2) {
		result = multierror.Append(result, fmt.Errorf("invalid header size %d", c.HeaderSize))
	}
	if c.BigChunkGap < 0 {
		result = multierror.Append(result, fmt.Errorf("invalid big chunk gap %d", c.BigChunkGap))
	}
	if _, err := c.WorkerSet(); err != nil {
		result = multierror.Append(result, err)
	}
	if c.CompactionWorkers < 1 {
		result = multierror.Append(result, fmt.Errorf("invalid compaction worker count %d", c.CompactionWorkers))
	}
	if c.CompactionQueueDepth < 1 {
		result = multierror.Append(result, fmt.Errorf("invalid compaction queue depth %d", c.CompactionQueueDepth))
	}
	if c.ReclaimRetries < 1 {
		result = multierror.Append(result, fmt.Errorf("invalid reclaim retries %d", c.ReclaimRetries))
	}

	return result.ErrorOrNil()
}
