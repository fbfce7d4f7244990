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

package mm

import (
	"fmt"

	"pagevisor.dev/pagevisor/pkg/sv39"
)

// Proc is the memory side of a user process: an address space plus the
// killed flag the trap path sets. Loads and stores go through the same
// checks the hardware would make and fall into HandleFault exactly where
// a real access would trap.
type Proc struct {
	k      *Kernel
	as     *AddressSpace
	killed bool
}

// NewProc creates a process with an empty address space.
func (k *Kernel) NewProc() (*Proc, error) {
	as, err := k.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	return &Proc{k: k, as: as}, nil
}

// AddressSpace returns the process's address space.
func (p *Proc) AddressSpace() *AddressSpace {
	return p.as
}

// Killed reports whether a fault has killed the process.
func (p *Proc) Killed() bool {
	return p.killed
}

// Sbrk grows or shrinks the process image by n bytes and returns the old
// break.
func (p *Proc) Sbrk(n int64) (sv39.Addr, error) {
	old := p.as.Size()
	switch {
	case n > 0:
		if _, err := p.as.Grow(old+uint64(n), 0); err != nil {
			return 0, err
		}
	case n < 0:
		if uint64(-n) > old {
			return 0, fmt.Errorf("mm: sbrk below zero")
		}
		p.as.Shrink(old - uint64(-n))
	}
	return sv39.Addr(old), nil
}

// Fork clones the process, deep-copying its memory image.
func (p *Proc) Fork() (*Proc, error) {
	child, err := p.as.Copy()
	if err != nil {
		return nil, err
	}
	return &Proc{k: p.k, as: child}, nil
}

// Exit releases the process's memory.
func (p *Proc) Exit() {
	p.as.Free()
}

// translate resolves va for the given access, taking the fault path when
// the resident translation is missing, and marks the Access (and Dirty,
// for stores) bits the way the MMU would. A fault that cannot be
// resolved kills the process.
func (p *Proc) translate(va sv39.Addr, access Access) (sv39.PhysAddr, error) {
	for try := 0; try < 2; try++ {
		ptep := p.k.pt.Walk(p.as.root, va.RoundDown(), false)
		if ptep != nil {
			pte := *ptep
			if pte.Valid() && pte.User() && (access == AccessLoad || pte.Writable()) {
				*ptep |= sv39.PTEAccessed
				if access == AccessStore {
					*ptep |= sv39.PTEDirty
				}
				return pte.Addr() + sv39.PhysAddr(va.PageOffset()), nil
			}
		}
		if err := p.k.HandleFault(p.as, va, access); err != nil {
			p.killed = true
			return 0, err
		}
	}
	p.killed = true
	return 0, ErrFault
}

// LoadByte performs a user-mode load of one byte.
func (p *Proc) LoadByte(va sv39.Addr) (byte, error) {
	pa, err := p.translate(va, AccessLoad)
	if err != nil {
		return 0, err
	}
	return p.k.mem.Range(pa, 1)[0], nil
}

// StoreByte performs a user-mode store of one byte.
func (p *Proc) StoreByte(va sv39.Addr, b byte) error {
	pa, err := p.translate(va, AccessStore)
	if err != nil {
		return err
	}
	p.k.mem.Range(pa, 1)[0] = b
	return nil
}
