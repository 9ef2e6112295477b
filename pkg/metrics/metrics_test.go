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

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/containers/z3fold/pkg/metrics"
)

func TestPrefixes(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "plain", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "grouped", metrics.WithGroup("pool"))
	newTestGauge(t, r, "bare", metrics.WithGroup("pool"),
		metrics.WithCollectorOptions(metrics.WithoutNamespace(), metrics.WithoutSubsystem()))

	g, err := r.NewGatherer(metrics.WithNamespace("z3fold"), metrics.WithoutPolling())
	require.NoError(t, err)
	defer g.Stop()

	values := gather(t, g)
	require.Contains(t, values, "z3fold_plain")
	require.Contains(t, values, "z3fold_pool_grouped")
	require.Contains(t, values, "bare")
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test")
	require.Error(t, r.Register("test", prometheus.NewGauge(prometheus.GaugeOpts{Name: "other"})))
	require.True(t, r.Unregister("", "test"))
	require.False(t, r.Unregister("", "test"))
}

func TestUpdatedValues(t *testing.T) {
	r := metrics.NewRegistry()
	g1 := newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g2 := newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	g, err := r.NewGatherer(metrics.WithoutPolling())
	require.NoError(t, err)

	values := gather(t, g)
	require.Equal(t, 0.0, values["test1"])
	require.Equal(t, 0.0, values["test2"])

	g1.Set(4)
	g2.Inc()

	values = gather(t, g)
	require.Equal(t, 4.0, values["test1"])
	require.Equal(t, 1.0, values["test2"])
}

func TestSelectiveEnabling(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "pages", metrics.WithGroup("pool"))
	newTestGauge(t, r, "stored", metrics.WithGroup("cache"))

	g, err := r.NewGatherer(metrics.WithMetrics([]string{"pool"}, nil), metrics.WithoutPolling())
	require.NoError(t, err)

	values := gather(t, g)
	require.Contains(t, values, "pool_pages")
	require.NotContains(t, values, "cache_stored")

	_, err = r.NewGatherer(metrics.WithMetrics([]string{"nonexistent"}, nil))
	require.Error(t, err)
}

func TestPolledCollection(t *testing.T) {
	r := metrics.NewRegistry()
	c := &countingCollector{desc: prometheus.NewDesc("polled", "collection count", nil, nil)}
	require.NoError(t, r.Register("polled", c, metrics.WithCollectorOptions(
		metrics.WithoutSubsystem(), metrics.WithPolled())))

	g, err := r.NewGatherer(metrics.WithoutPolling())
	require.NoError(t, err)
	require.True(t, r.State().IsPolled())

	g.Poll()
	require.Equal(t, 1.0, gather(t, g)["polled"])
	require.Equal(t, 1.0, gather(t, g)["polled"], "cached until next poll")

	g.Poll()
	require.Equal(t, 2.0, gather(t, g)["polled"])
}

type countingCollector struct {
	desc  *prometheus.Desc
	count float64
}

func (c *countingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *countingCollector) Collect(ch chan<- prometheus.Metric) {
	c.count++
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, c.count)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "disabled", metrics.State(0).String())
	require.Equal(t, "enabled,polled", (metrics.Enabled | metrics.Polled).String())
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) prometheus.Gauge {
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: name,
		Help: "test gauge " + name,
	})
	require.NoError(t, r.Register(name, gauge, options...))
	return gauge
}

func gather(t *testing.T, g *metrics.Gatherer) map[string]float64 {
	mfs, err := g.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	return values
}
