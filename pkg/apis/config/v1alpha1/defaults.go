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

package v1alpha1

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"sigs.k8s.io/yaml"
)

const (
	defaultMaxPoolPages         = 1024
	defaultMaxCompressedPercent = 80
	defaultCompressionLevel     = 1
	defaultDuration             = 30 * time.Second
	defaultClients              = 4
	defaultKeys                 = 4096
	defaultReportPeriod         = 30 * time.Second
)

// Load reads a stress test configuration from the given YAML file.
func Load(path string) (*StressTest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a YAML stress test configuration, fills in defaults and
// validates the result.
func Parse(data []byte) (*StressTest, error) {
	cfg := &StressTest{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SetDefaults fills in unset fields with their defaults.
func (c *StressTest) SetDefaults() {
	s := &c.Spec
	s.Pool.SetDefaults()

	if s.Cache.MaxPoolPages == 0 {
		s.Cache.MaxPoolPages = defaultMaxPoolPages
	}
	if s.Cache.MaxCompressedPercent == 0 {
		s.Cache.MaxCompressedPercent = defaultMaxCompressedPercent
	}
	if s.Cache.CompressionLevel == 0 {
		s.Cache.CompressionLevel = defaultCompressionLevel
	}
	if s.Workload.Duration.Duration == 0 {
		s.Workload.Duration.Duration = defaultDuration
	}
	if s.Workload.Clients == 0 {
		s.Workload.Clients = defaultClients
	}
	if s.Workload.Keys == 0 {
		s.Workload.Keys = defaultKeys
	}
	if s.Instrumentation.ReportPeriod.Duration == 0 {
		s.Instrumentation.ReportPeriod.Duration = defaultReportPeriod
	}
}

// Validate checks the configuration, returning all problems found.
func (c *StressTest) Validate() error {
	var (
		s      = &c.Spec
		result *multierror.Error
	)

	if err := s.Pool.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if s.Cache.MaxPoolPages < 1 {
		result = multierror.Append(result, fmt.Errorf("invalid cache pool page limit %d",
			s.Cache.MaxPoolPages))
	}
	if p := s.Cache.MaxCompressedPercent; p < 1 || p > 100 {
		result = multierror.Append(result, fmt.Errorf("invalid max compressed percent %d", p))
	}
	if l := s.Cache.CompressionLevel; l < 0 || l > 11 {
		result = multierror.Append(result, fmt.Errorf("invalid compression level %d", l))
	}
	if s.Workload.Clients < 1 {
		result = multierror.Append(result, fmt.Errorf("invalid client count %d", s.Workload.Clients))
	}
	if s.Workload.Keys < 1 {
		result = multierror.Append(result, fmt.Errorf("invalid key count %d", s.Workload.Keys))
	}
	if s.Workload.OpsPerSecond < 0 {
		result = multierror.Append(result, fmt.Errorf("invalid operation rate %d", s.Workload.OpsPerSecond))
	}

	return result.ErrorOrNil()
}
