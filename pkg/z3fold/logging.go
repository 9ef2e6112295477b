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

package z3fold

import (
	"time"

	"golang.org/x/time/rate"

	logger "github.com/containers/z3fold/pkg/log"
)

var (
	log = logger.Get("z3fold")
	// rate limiter for warnings about unexpected but recoverable states
	warnLimit = rate.NewLimiter(rate.Every(time.Second), 10)
)

// warnRatelimited emits a warning unless too many have been emitted lately.
func warnRatelimited(format string, args ...interface{}) {
	if warnLimit.Allow() {
		log.Warn(format, args...)
	}
}
