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

// z3fold-stress runs a configurable compressed page cache workload against
// a z3fold pool, exposing pool and cache metrics while it runs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1"
	"github.com/containers/z3fold/pkg/healthz"
	"github.com/containers/z3fold/pkg/instrumentation"
	logger "github.com/containers/z3fold/pkg/log"
	"github.com/containers/z3fold/pkg/metrics"
	_ "github.com/containers/z3fold/pkg/metrics/collectors"
	"github.com/containers/z3fold/pkg/migrate"
	"github.com/containers/z3fold/pkg/pagesource"
	"github.com/containers/z3fold/pkg/zcache"
)

var (
	log = logger.Get("z3fold-stress")
)

func main() {
	configFile := flag.String("config", "", "stress test configuration file")
	duration := flag.Duration("duration", 0, "override the duration of the run")
	endpoint := flag.String("metrics-endpoint", "", "override the HTTP endpoint serving metrics")
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatal("%v", err)
	}
	if *duration != 0 {
		cfg.Spec.Workload.Duration.Duration = *duration
	}
	if *endpoint != "" {
		cfg.Spec.Instrumentation.HTTPEndpoint = *endpoint
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error("%v", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig(path string) (*cfgapi.StressTest, error) {
	if path != "" {
		return cfgapi.Load(path)
	}

	cfg := &cfgapi.StressTest{}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newPageSource(cfg *cfgapi.StressTest) (pagesource.Source, error) {
	pageSize := cfg.Spec.Pool.PageSize
	if cfg.Spec.Cache.Mmap {
		return pagesource.NewMmap(pageSize, 0)
	}
	return pagesource.NewHeap(pageSize)
}

func run(ctx context.Context, cfg *cfgapi.StressTest) error {
	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	logger.SetSlogLogger("z3fold-stress")

	src, err := newPageSource(cfg)
	if err != nil {
		return fmt.Errorf("failed to create page source: %w", err)
	}

	backend := zcache.NewMemoryBackend()
	cache, err := zcache.New("stress", src, &cfg.Spec.Pool, &cfg.Spec.Cache, backend,
		zcache.WithMetrics(metrics.Default()))
	if err != nil {
		return err
	}
	defer cache.Destroy()

	if err := healthz.Register("pool", poolHealth(cache, cfg.Spec.Cache.MaxPoolPages)); err != nil {
		return err
	}
	defer healthz.Unregister("pool")

	svc := instrumentation.New(metrics.Default(), "z3fold")
	if err := svc.Start(&cfg.Spec.Instrumentation); err != nil {
		return err
	}
	defer svc.Stop()

	if period := cfg.Spec.Workload.MigrationPeriod.Duration; period > 0 {
		d := migrate.New(cache.Pool())
		d.Start(period)
		defer d.Stop()
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Spec.Workload.Duration.Duration)
	defer cancel()

	w := newWorkload(cache, &cfg.Spec.Workload)
	result, err := w.Run(ctx)
	cache.Pool().Flush()

	report(cache, backend, result)

	if err != nil {
		return err
	}
	if result.Corrupted > 0 {
		return fmt.Errorf("%d pages read back corrupted", result.Corrupted)
	}
	return nil
}

func poolHealth(cache *zcache.Cache, limit int64) healthz.CheckFn {
	return func() (healthz.Status, error) {
		if pages := cache.Pool().Pages(); pages > limit {
			return healthz.Degraded, fmt.Errorf("pool uses %d pages, limit %d", pages, limit)
		}
		return healthz.Healthy, nil
	}
}

func report(cache *zcache.Cache, backend *zcache.MemoryBackend, r *Result) {
	var (
		cs = cache.Stats()
		ps = cache.Pool().Stats()
	)

	log.Info("workload: %s", r)
	log.Info("cache: %d entries, %d compressed bytes, ratio %.2f, %d written back, %d in backend",
		cs.Entries, cs.StoredBytes, cs.CompressionRatio(cache.Pool().PageSize()),
		cs.WrittenBack, backend.Len())
	log.Info("cache: %d rejected, pool limit hit %d times", cs.Rejected, cs.PoolLimitHit)
	log.Info("pool: %d pages, %d allocs, %d frees, %d failures", ps.Pages, ps.Allocs,
		ps.Frees, ps.AllocFailures)
	log.Info("pool: %d compactions, %d relocations, %d pages reclaimed, %d migrated",
		ps.Compactions, ps.Relocations, ps.Reclaimed, ps.Migrations)
}
