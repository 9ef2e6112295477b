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

package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1"
)

func TestFillPage(t *testing.T) {
	a := make([]byte, 4096)
	b := make([]byte, 4096)

	fillPage(a, 42)
	fillPage(b, 42)
	require.Equal(t, a, b)

	fillPage(b, 43)
	require.False(t, bytes.Equal(a, b))
}

func TestRun(t *testing.T) {
	cfg, err := cfgapi.Parse([]byte(`
spec:
  pool:
    workers: "0-1"
  cache:
    maxPoolPages: 8
  workload:
    duration: 300ms
    clients: 2
    keys: 64
    migrationPeriod: 50ms
`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, run(ctx, cfg))
}
