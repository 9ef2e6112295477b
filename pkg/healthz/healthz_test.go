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

package healthz_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/z3fold/pkg/healthz"
)

func TestCheck(t *testing.T) {
	status := healthz.Healthy

	require.NoError(t, healthz.Register("test", func() (healthz.Status, error) {
		if status == healthz.Degraded {
			return status, errors.New("running low")
		}
		return status, nil
	}))
	defer healthz.Unregister("test")
	require.Error(t, healthz.Register("test", nil))

	s, details := healthz.Check()
	require.Equal(t, healthz.Healthy, s)
	require.Empty(t, details)

	status = healthz.Degraded
	s, details = healthz.Check()
	require.Equal(t, healthz.Degraded, s)
	require.EqualError(t, details["test"], "running low")

	status = healthz.NonFunctional
	s, details = healthz.Check()
	require.Equal(t, healthz.NonFunctional, s)
	require.EqualError(t, details["test"], "non-functional")
}
