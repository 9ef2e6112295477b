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

//go:build !linux

package pagesource

import (
	"fmt"
	"runtime"
)

// Mmap is not supported on this platform.
type Mmap struct {
	Heap
}

// NewMmap fails on platforms without mmap support.
func NewMmap(_ int, _ int64) (*Mmap, error) {
	return nil, fmt.Errorf("pagesource: mmap not supported on %s", runtime.GOOS)
}

// SystemPageSize returns the page size of the host.
func SystemPageSize() int {
	return 4096
}
