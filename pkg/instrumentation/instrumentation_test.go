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

package instrumentation_test

import (
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/z3fold/pkg/instrumentation"
	"github.com/containers/z3fold/pkg/metrics"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()

	rpl, err := http.Get(url)
	require.NoError(t, err)
	defer rpl.Body.Close()

	body, err := io.ReadAll(rpl.Body)
	require.NoError(t, err)

	return rpl.StatusCode, string(body)
}

func TestServeMetrics(t *testing.T) {
	r := metrics.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "objects", Help: "test gauge"})
	require.NoError(t, r.Register("objects", gauge, metrics.WithGroup("test")))
	gauge.Set(3)
	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "other", Help: "other gauge"})
	require.NoError(t, r.Register("other", other, metrics.WithGroup("other")))

	s := instrumentation.New(r, "z3fold")
	require.NoError(t, s.Start(&cfgapi.Config{HTTPEndpoint: "127.0.0.1:0"}))

	address := s.Address()
	require.NotEmpty(t, address)

	status, body := get(t, "http://"+address+"/metrics")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "z3fold_test_objects 3")

	status, body = get(t, "http://"+address+"/healthz")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body)

	// disabling the group drops its metrics
	require.NoError(t, s.Reconfigure(&cfgapi.Config{
		HTTPEndpoint: "127.0.0.1:0",
		Metrics:      &cfgapi.MetricsConfig{Enabled: []string{"other"}},
	}))
	status, body = get(t, "http://"+s.Address()+"/metrics")
	require.Equal(t, http.StatusOK, status)
	require.NotContains(t, body, "z3fold_test_objects")
	require.Contains(t, body, "z3fold_other_other 0")

	s.Stop()
	require.Empty(t, s.Address())
	_, err := http.Get("http://" + address + "/metrics")
	require.Error(t, err)
}

func TestNoEndpoint(t *testing.T) {
	s := instrumentation.New(metrics.NewRegistry(), "")
	require.NoError(t, s.Start(&cfgapi.Config{}))
	require.Empty(t, s.Address())
	require.NotNil(t, s.Gatherer())
	s.Stop()
	require.Nil(t, s.Gatherer())
}
