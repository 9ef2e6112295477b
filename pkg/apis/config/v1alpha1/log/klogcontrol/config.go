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

package klogcontrol

import (
	"strconv"
)

// Config contains the subset of klog flags we allow configuring at runtime.
type Config struct {
	// +optional
	Verbosity *int `json:"verbosity,omitempty"`
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// +optional
	Log_file *string `json:"log_file,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag, if any.
func (c *Config) GetByFlag(name string) (string, bool) {
	switch name {
	case "v":
		if c.Verbosity != nil {
			return strconv.Itoa(*c.Verbosity), true
		}
	case "logtostderr":
		if c.Logtostderr != nil {
			return strconv.FormatBool(*c.Logtostderr), true
		}
	case "alsologtostderr":
		if c.Alsologtostderr != nil {
			return strconv.FormatBool(*c.Alsologtostderr), true
		}
	case "skip_headers":
		if c.Skip_headers != nil {
			return strconv.FormatBool(*c.Skip_headers), true
		}
	case "log_file":
		if c.Log_file != nil {
			return *c.Log_file, true
		}
	}
	return "", false
}
