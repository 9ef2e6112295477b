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

// Package z3fold implements an allocator for variable-sized, typically
// compressed, objects. Up to three objects, called buddies, are packed into
// each backing page: FIRST right after the page header, LAST against the
// end of the page and MIDDLE floating in between. Pages with room left are
// indexed per worker by their number of free chunks.
//
// Callers refer to objects by opaque handles which go through a small
// indirection table, so pages can be compacted, reclaimed and migrated
// without invalidating handles held by callers. Objects too large to share
// a page get a dedicated, headless page.
package z3fold
