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
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type counters struct {
	allocs        atomic.Uint64
	frees         atomic.Uint64
	allocFailures atomic.Uint64
	relocations   atomic.Uint64
	compactions   atomic.Uint64
	reclaimed     atomic.Uint64
	migrations    atomic.Uint64
	staleReuses   atomic.Uint64
}

// Stats is a snapshot of pool statistics.
type Stats struct {
	Pages         int64
	Size          uint64
	Allocs        uint64
	Frees         uint64
	AllocFailures uint64
	Relocations   uint64
	Compactions   uint64
	Reclaimed     uint64
	Migrations    uint64
	StaleReuses   uint64
	// FreeChunks is the number of free chunks in indexed pages.
	FreeChunks int
}

// Stats returns a snapshot of the statistics of the pool.
func (p *Pool) Stats() Stats {
	s := Stats{
		Pages:         p.Pages(),
		Size:          p.Size(),
		Allocs:        p.stats.allocs.Load(),
		Frees:         p.stats.frees.Load(),
		AllocFailures: p.stats.allocFailures.Load(),
		Relocations:   p.stats.relocations.Load(),
		Compactions:   p.stats.compactions.Load(),
		Reclaimed:     p.stats.reclaimed.Load(),
		Migrations:    p.stats.migrations.Load(),
		StaleReuses:   p.stats.staleReuses.Load(),
	}

	p.lock.Lock()
	for _, lists := range p.unbuddied {
		for free, l := range lists {
			s.FreeChunks += free * l.Len()
		}
	}
	p.lock.Unlock()

	return s
}

type collector struct {
	p           *Pool
	pages       *prometheus.Desc
	size        *prometheus.Desc
	operations  *prometheus.Desc
	allocErrors *prometheus.Desc
}

func newCollector(p *Pool) prometheus.Collector {
	labels := prometheus.Labels{"pool": p.name}
	return &collector{
		p: p,
		pages: prometheus.NewDesc("pages",
			"Number of pages used by the pool.", nil, labels),
		size: prometheus.NewDesc("size_bytes",
			"Bytes of memory in pages used by the pool.", nil, labels),
		operations: prometheus.NewDesc("operations_total",
			"Number of pool operations by type.", []string{"operation"}, labels),
		allocErrors: prometheus.NewDesc("alloc_failures_total",
			"Number of failed allocations.", nil, labels),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pages
	ch <- c.size
	ch <- c.operations
	ch <- c.allocErrors
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.p.Stats()

	ch <- prometheus.MustNewConstMetric(c.pages, prometheus.GaugeValue, float64(s.Pages))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
	ch <- prometheus.MustNewConstMetric(c.allocErrors, prometheus.CounterValue, float64(s.AllocFailures))

	for op, v := range map[string]uint64{
		"alloc":       s.Allocs,
		"free":        s.Frees,
		"relocate":    s.Relocations,
		"compact":     s.Compactions,
		"reclaim":     s.Reclaimed,
		"migrate":     s.Migrations,
		"stale_reuse": s.StaleReuses,
	} {
		ch <- prometheus.MustNewConstMetric(c.operations, prometheus.CounterValue, float64(v), op)
	}
}

// fragmentation reports how much room is left in partially used pages.
// Walking the unbuddied lists takes the pool lock, so it is polled.
type fragmentation struct {
	p          *Pool
	freeChunks *prometheus.Desc
	pages      *prometheus.Desc
}

func newFragmentationCollector(p *Pool) prometheus.Collector {
	labels := prometheus.Labels{"pool": p.name}
	return &fragmentation{
		p: p,
		freeChunks: prometheus.NewDesc("free_chunks",
			"Free chunks in pages with room left.", nil, labels),
		pages: prometheus.NewDesc("unbuddied_pages",
			"Pages with room left by largest free region.", []string{"free"}, labels),
	}
}

func (f *fragmentation) Describe(ch chan<- *prometheus.Desc) {
	ch <- f.freeChunks
	ch <- f.pages
}

func (f *fragmentation) Collect(ch chan<- prometheus.Metric) {
	buckets := make([]int, f.p.nchunks)

	f.p.lock.Lock()
	for _, lists := range f.p.unbuddied {
		for free, l := range lists {
			buckets[free] += l.Len()
		}
	}
	f.p.lock.Unlock()

	total := 0
	for free, n := range buckets {
		if n == 0 {
			continue
		}
		total += free * n
		ch <- prometheus.MustNewConstMetric(f.pages, prometheus.GaugeValue, float64(n), strconv.Itoa(free))
	}
	ch <- prometheus.MustNewConstMetric(f.freeChunks, prometheus.GaugeValue, float64(total))
}
