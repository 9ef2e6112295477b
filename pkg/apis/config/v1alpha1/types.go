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
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/z3fold/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/z3fold/pkg/apis/config/v1alpha1/log"
	"github.com/containers/z3fold/pkg/apis/config/v1alpha1/pool"
)

// StressTest represents the configuration of a z3fold-stress run.
type StressTest struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec StressTestSpec `json:"spec"`
}

// StressTestSpec describes a stress test run.
type StressTestSpec struct {
	// +optional
	Pool pool.Config `json:"pool,omitempty"`
	// +optional
	Cache CacheConfig `json:"cache,omitempty"`
	// +optional
	Workload WorkloadConfig `json:"workload,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
}

// CacheConfig configures the compressed page cache on top of a pool.
type CacheConfig struct {
	// MaxPoolPages limits the number of pages the pool may use. Storing
	// beyond the limit triggers reclaim with writeback.
	// +optional
	// +kubebuilder:default=1024
	MaxPoolPages int64 `json:"maxPoolPages,omitempty"`
	// MaxCompressedPercent rejects pages that compress to more than this
	// percentage of their original size.
	// +optional
	// +kubebuilder:default=80
	MaxCompressedPercent int `json:"maxCompressedPercent,omitempty"`
	// CompressionLevel is the brotli compression level, 0-11.
	// +optional
	// +kubebuilder:default=1
	CompressionLevel int `json:"compressionLevel,omitempty"`
	// Mmap makes the pool use anonymous mmap()ed backing pages.
	// +optional
	Mmap bool `json:"mmap,omitempty"`
}

// WorkloadConfig configures the generated load.
type WorkloadConfig struct {
	// Duration of the run.
	// +optional
	// +kubebuilder:default="30s"
	Duration metav1.Duration `json:"duration,omitempty"`
	// Clients is the number of concurrent clients, each bound to a worker.
	// +optional
	// +kubebuilder:default=4
	Clients int `json:"clients,omitempty"`
	// OpsPerSecond limits the total rate of operations, 0 for no limit.
	// +optional
	OpsPerSecond int `json:"opsPerSecond,omitempty"`
	// Keys is the number of distinct pages each client cycles through.
	// +optional
	// +kubebuilder:default=4096
	Keys int `json:"keys,omitempty"`
	// MigrationPeriod is the interval between migration passes, 0 to disable.
	// +optional
	MigrationPeriod metav1.Duration `json:"migrationPeriod,omitempty"`
}
