// Copyright 2026 The Pagevisor Authors.
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

package swap

import (
	"errors"

	"pagevisor.dev/pagevisor/pkg/bitmap"
	"pagevisor.dev/pagevisor/pkg/sync"
)

// ErrNoSlots is returned by Alloc when every slot is taken. Callers
// surface this as an allocation failure so that the faulting process can
// be killed rather than panicking the kernel.
var ErrNoSlots = errors.New("swap: out of swap slots")

// Pool allocates page-sized slots of the swap region. A single mutex
// guards the bitmap; it is never held across device I/O and has no
// ordering constraints with other subsystem locks.
type Pool struct {
	mu    sync.Mutex
	used  bitmap.Bitmap
	slots uint32
}

// NewPool returns a Pool over a region of the given number of slots.
func NewPool(slots uint32) *Pool {
	return &Pool{
		used:  bitmap.New(slots),
		slots: slots,
	}
}

// Capacity returns the total number of slots.
func (p *Pool) Capacity() uint32 {
	return p.slots
}

// Alloc reserves the lowest free slot.
func (p *Pool) Alloc() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, err := p.used.FirstZero(0)
	if err != nil || slot >= p.slots {
		return 0, ErrNoSlots
	}
	p.used.Add(slot)
	return slot, nil
}

// Free releases slot. Releasing a slot that is out of range is a
// programming error.
func (p *Pool) Free(slot uint32) {
	if slot >= p.slots {
		panic("swap: freeing slot out of range")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.used.Remove(slot)
}

// InUse reports whether slot is currently allocated.
func (p *Pool) InUse(slot uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used.Contains(slot)
}

// Used returns the number of allocated slots.
func (p *Pool) Used() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used.GetNumOnes()
}
