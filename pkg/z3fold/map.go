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

// Map returns the memory of the object with the given handle. The memory
// stays in place until the handle is unmapped, it may be moved by
// compaction or migration afterwards. The returned slice spans all chunks
// of the object.
func (p *Pool) Map(h Handle) ([]byte, error) {
	zp, _, bud, err := p.lookup(h)
	if err != nil {
		return nil, err
	}

	if bud == Headless {
		return zp.data, nil
	}

	defer zp.Unlock()

	if zp.chunks(bud) == 0 {
		log.Error("%s: map of freed handle %s", p.name, h)
		return nil, fmt.Errorf("%w: %s is freed", ErrInvalidHandle, h)
	}
	if zp.mapped >= maxMapped {
		return nil, fmt.Errorf("%w: page %d", ErrMapLimit, zp.id)
	}

	if bud == Middle {
		zp.midMapped++
		zp.set(middleChunkMapped)
	}
	zp.mapped++

	return p.region(zp, bud), nil
}

// Unmap releases the memory of the object returned by Map.
func (p *Pool) Unmap(h Handle) error {
	zp, _, bud, err := p.lookup(h)
	if err != nil {
		return err
	}

	if bud == Headless {
		return nil
	}

	defer zp.Unlock()

	if zp.mapped == 0 {
		log.Error("%s: unmap of unmapped handle %s", p.name, h)
		return fmt.Errorf("%w: %s is not mapped", ErrInvalidHandle, h)
	}

	if bud == Middle && zp.midMapped > 0 {
		// other mappings of the middle object keep it in place
		if zp.midMapped--; zp.midMapped == 0 {
			zp.clear(middleChunkMapped)
		}
	}
	zp.mapped--

	return nil
}
