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
	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a snapshot of cache statistics.
type Stats struct {
	Entries      int64
	StoredBytes  int64
	Stored       uint64
	Duplicates   uint64
	Rejected     uint64
	PoolLimitHit uint64
	Loads        uint64
	BackendHits  uint64
	Misses       uint64
	WrittenBack  uint64
	Invalidated  uint64
}

// Stats returns a snapshot of the statistics of the cache.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:      c.entries.Load(),
		StoredBytes:  c.stats.storedBytes.Load(),
		Stored:       c.stats.stored.Load(),
		Duplicates:   c.stats.duplicates.Load(),
		Rejected:     c.stats.rejected.Load(),
		PoolLimitHit: c.stats.poolLimit.Load(),
		Loads:        c.stats.loads.Load(),
		BackendHits:  c.stats.backendHits.Load(),
		Misses:       c.stats.misses.Load(),
		WrittenBack:  c.stats.writtenBack.Load(),
		Invalidated:  c.stats.invalidated.Load(),
	}
}

// CompressionRatio returns the ratio of stored to compressed bytes.
func (s Stats) CompressionRatio(pageSize int) float64 {
	if s.StoredBytes == 0 {
		return 0
	}
	return float64(s.Entries) * float64(pageSize) / float64(s.StoredBytes)
}

type collector struct {
	c           *Cache
	entries     *prometheus.Desc
	storedBytes *prometheus.Desc
	events      *prometheus.Desc
}

func newCollector(c *Cache) prometheus.Collector {
	labels := prometheus.Labels{"cache": c.name}
	return &collector{
		c: c,
		entries: prometheus.NewDesc("entries",
			"Number of pages in the cache.", nil, labels),
		storedBytes: prometheus.NewDesc("compressed_bytes",
			"Compressed size of pages in the cache.", nil, labels),
		events: prometheus.NewDesc("events_total",
			"Number of cache events by type.", []string{"event"}, labels),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.storedBytes
	ch <- c.events
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.c.Stats()

	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.storedBytes, prometheus.GaugeValue, float64(s.StoredBytes))

	for event, v := range map[string]uint64{
		"store":        s.Stored,
		"duplicate":    s.Duplicates,
		"reject":       s.Rejected,
		"pool_limit":   s.PoolLimitHit,
		"load":         s.Loads,
		"backend_load": s.BackendHits,
		"miss":         s.Misses,
		"writeback":    s.WrittenBack,
		"invalidate":   s.Invalidated,
	} {
		ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(v), event)
	}
}
