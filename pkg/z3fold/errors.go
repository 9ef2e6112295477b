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
	"fmt"
)

var (
	// ErrInvalidSize is returned for zero-sized allocations.
	ErrInvalidSize = fmt.Errorf("z3fold: invalid allocation size")
	// ErrTooLarge is returned for allocations larger than a page.
	ErrTooLarge = fmt.Errorf("z3fold: allocation larger than page size")
	// ErrNoMemory is returned when no backing page can be obtained.
	ErrNoMemory = fmt.Errorf("z3fold: out of memory")
	// ErrInvalidHandle is returned for unknown or already freed handles.
	ErrInvalidHandle = fmt.Errorf("z3fold: invalid handle")
	// ErrNoEvictor is returned by reclaim if the pool has no evictor.
	ErrNoEvictor = fmt.Errorf("z3fold: no evictor")
	// ErrInvalidRetries is returned by reclaim for a zero retry or page count.
	ErrInvalidRetries = fmt.Errorf("z3fold: invalid reclaim count")
	// ErrEmpty is returned by reclaim if there are no pages to reclaim.
	ErrEmpty = fmt.Errorf("z3fold: pool is empty")
	// ErrRetry is returned by reclaim if no page could be freed this time.
	ErrRetry = fmt.Errorf("z3fold: reclaim retries exhausted")
	// ErrMapLimit is returned if a page has too many mapped objects.
	ErrMapLimit = fmt.Errorf("z3fold: too many mapped objects in page")
	// ErrAgain is returned by migration if it should be retried later.
	ErrAgain = fmt.Errorf("z3fold: page busy, try again")
	// ErrBusy is returned by migration for pages which cannot be moved.
	ErrBusy = fmt.Errorf("z3fold: page has mapped or foreign objects")
	// ErrInvalidPage is returned for unknown or non-isolated pages.
	ErrInvalidPage = fmt.Errorf("z3fold: invalid page")
	// ErrInternal is returned for detected internal inconsistencies.
	ErrInternal = fmt.Errorf("z3fold: internal error")
)
