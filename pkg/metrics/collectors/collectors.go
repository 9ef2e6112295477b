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

// Package collectors registers the standard Go runtime and process
// collectors with the default metrics registry.
package collectors

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	logger "github.com/containers/z3fold/pkg/log"
	"github.com/containers/z3fold/pkg/metrics"
)

var (
	log = logger.Get("metrics")
)

func init() {
	var (
		standard = map[string]prometheus.Collector{
			"buildinfo": collectors.NewBuildInfoCollector(),
			"golang":    collectors.NewGoCollector(),
			"process":   collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		}
		options = []metrics.RegisterOption{
			metrics.WithGroup("standard"),
			metrics.WithCollectorOptions(
				metrics.WithoutNamespace(),
				metrics.WithoutSubsystem(),
			),
		}
	)

	for name, c := range standard {
		if err := metrics.Register(name, c, options...); err != nil {
			log.Error("failed to register %s collector: %v", name, err)
		}
	}
}
