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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/z3fold/pkg/apis/config/v1alpha1/log"
)

func TestSrcmapParse(t *testing.T) {
	type testCase struct {
		name    string
		value   string
		result  srcmap
		invalid bool
	}

	for _, tc := range []*testCase{
		{
			name:   "empty",
			value:  "",
			result: srcmap{},
		},
		{
			name:   "implicitly enabled",
			value:  "z3fold,zcache",
			result: srcmap{"z3fold": true, "zcache": true},
		},
		{
			name:   "state carries over",
			value:  "on:z3fold,off:zcache,migrate",
			result: srcmap{"z3fold": true, "zcache": false, "migrate": false},
		},
		{
			name:   "all is a wildcard",
			value:  "all",
			result: srcmap{"*": true},
		},
		{
			name:    "invalid state",
			value:   "maybe:z3fold",
			invalid: true,
		},
		{
			name:    "too many separators",
			value:   "on:off:z3fold",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := make(srcmap)
			err := m.parse(tc.value)
			if tc.invalid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.result, m)
		})
	}
}

func TestSrcmapString(t *testing.T) {
	m := srcmap{"b": true, "a": true, "c": false}
	require.Equal(t, "on:a,b,off:c", m.String())

	parsed := make(srcmap)
	require.NoError(t, parsed.parse(m.String()))
	require.Equal(t, m, parsed)
}

func TestDebugToggling(t *testing.T) {
	l := Get("debug-test")
	require.False(t, l.DebugEnabled())

	prev := l.EnableDebug(true)
	require.False(t, prev)
	require.True(t, l.DebugEnabled())

	require.True(t, l.EnableDebug(false))
	require.False(t, l.DebugEnabled())
}

func TestConfigure(t *testing.T) {
	defer func() {
		require.NoError(t, Configure(&cfgapi.Config{}))
	}()

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"on:configured"}}))
	require.True(t, Get("configured").DebugEnabled())
	require.False(t, Get("unconfigured").DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Debug: []string{"maybe:configured"}}))
}
