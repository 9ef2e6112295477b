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

package instrumentation

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Config provides runtime configuration for instrumentation.
type Config struct {
	// HTTPEndpoint is the address our HTTP server listens on to expose
	// Prometheus metrics. Metrics are not served if it is empty.
	// +optional
	// +kubebuilder:example=":8891"
	HTTPEndpoint string `json:"httpEndpoint,omitempty"`
	// ReportPeriod is the interval between collecting polled metrics.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="30s"
	ReportPeriod metav1.Duration `json:"reportPeriod,omitempty"`
	// Metrics defines which metrics to collect.
	// +optional
	Metrics *MetricsConfig `json:"metrics,omitempty"`
}

// MetricsConfig lists collectors or groups of collectors by glob.
type MetricsConfig struct {
	// Enabled collectors, collected on demand.
	// +optional
	// +kubebuilder:example={"*"}
	Enabled []string `json:"enabled,omitempty"`
	// Polled collectors, collected periodically and served from cache.
	// +optional
	Polled []string `json:"polled,omitempty"`
}

// EnabledMetrics returns the enabled and polled collector globs.
func (c *Config) EnabledMetrics() ([]string, []string) {
	if c == nil || c.Metrics == nil {
		return []string{"*"}, nil
	}
	return c.Metrics.Enabled, c.Metrics.Polled
}
