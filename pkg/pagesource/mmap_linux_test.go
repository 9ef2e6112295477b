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

//go:build linux

package pagesource_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/z3fold/pkg/pagesource"
)

func TestMmap(t *testing.T) {
	m, err := pagesource.NewMmap(0, 1)
	require.NoError(t, err)
	require.Equal(t, pagesource.SystemPageSize(), m.PageSize())

	page, err := m.Acquire()
	require.NoError(t, err)
	require.Len(t, page, m.PageSize())

	for i := range page {
		page[i] = byte(i)
	}
	require.Equal(t, byte(1), page[1])

	_, err = m.Acquire()
	require.ErrorIs(t, err, pagesource.ErrExhausted)

	require.NoError(t, m.Release(page))
	require.Zero(t, m.Stats().InUse())
	require.Equal(t, uint64(1), m.Stats().Failed)
}

func TestMmapSmallPages(t *testing.T) {
	m, err := pagesource.NewMmap(1024, 0)
	require.NoError(t, err)

	page, err := m.Acquire()
	require.NoError(t, err)
	require.Len(t, page, 1024)
	require.ErrorIs(t, m.Release(page[:512]), pagesource.ErrInvalidPage)
	require.NoError(t, m.Release(page))
	require.Zero(t, m.Stats().InUse())
	require.Equal(t, uint64(1), m.Stats().Released)
}
