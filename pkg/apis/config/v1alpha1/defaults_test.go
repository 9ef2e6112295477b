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

package v1alpha1_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1"
)

func TestDefaults(t *testing.T) {
	cfg, err := cfgapi.Parse([]byte("spec: {}\n"))
	require.NoError(t, err)

	s := cfg.Spec
	require.Equal(t, 4096, s.Pool.PageSize)
	require.Equal(t, 6, s.Pool.NChunksOrder)
	require.Equal(t, int64(1024), s.Cache.MaxPoolPages)
	require.Equal(t, 80, s.Cache.MaxCompressedPercent)
	require.Equal(t, 30*time.Second, s.Workload.Duration.Duration)
	require.Equal(t, 4, s.Workload.Clients)
	require.Equal(t, 30*time.Second, s.Instrumentation.ReportPeriod.Duration)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apiVersion: config.z3fold.io/v1alpha1
kind: StressTest
metadata:
  name: small
spec:
  pool:
    pageSize: 8192
    workers: "0-3"
    compactionWorkers: 2
  cache:
    compressionLevel: 5
    mmap: true
  workload:
    duration: 1m
    opsPerSecond: 1000
  log:
    debug:
      - z3fold
  instrumentation:
    httpEndpoint: ":8891"
    metrics:
      enabled: ["z3fold", "zcache"]
`), 0o644))

	cfg, err := cfgapi.Load(path)
	require.NoError(t, err)
	require.Equal(t, "small", cfg.Name)
	require.Equal(t, 8192, cfg.Spec.Pool.PageSize)
	require.Equal(t, 2, cfg.Spec.Pool.CompactionWorkers)
	require.Equal(t, 5, cfg.Spec.Cache.CompressionLevel)
	require.True(t, cfg.Spec.Cache.Mmap)
	require.Equal(t, time.Minute, cfg.Spec.Workload.Duration.Duration)
	require.Equal(t, []string{"z3fold"}, cfg.Spec.Log.Debug)
	enabled, polled := cfg.Spec.Instrumentation.EnabledMetrics()
	require.Equal(t, []string{"z3fold", "zcache"}, enabled)
	require.Empty(t, polled)

	workers, err := cfg.Spec.Pool.WorkerSet()
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2, 3}, workers.List())

	_, err = cfgapi.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	_, err := cfgapi.Parse([]byte(`
spec:
  pool:
    pageSize: 3000
    workers: "x"
  cache:
    maxCompressedPercent: 120
  workload:
    opsPerSecond: -1
`))
	require.Error(t, err)
	for _, problem := range []string{"page size 3000", "invalid workers", "compressed percent 120", "operation rate -1"} {
		require.ErrorContains(t, err, problem)
	}

	_, err = cfgapi.Parse([]byte("spec:\n  unknown: 1\n"))
	require.Error(t, err)
}
