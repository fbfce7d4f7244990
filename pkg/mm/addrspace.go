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
	"errors"

	"pagevisor.dev/pagevisor/pkg/sv39"
)

// ErrBadAddress is returned by the user-copy routines for an address that
// does not resolve to an accessible user page.
var ErrBadAddress = errors.New("mm: bad user address")

// AddressSpace is one process image: a page-table root plus the size of
// the contiguous mapping that starts at virtual address zero. It is
// mutated only by its owning process, except that fork reads the parent
// and the eviction sweep may rewrite individual PTEs system-wide.
type AddressSpace struct {
	k    *Kernel
	root sv39.PhysAddr
	size uint64
}

// NewAddressSpace creates an empty address space.
func (k *Kernel) NewAddressSpace() (*AddressSpace, error) {
	root, err := k.pt.NewRoot()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{k: k, root: root}, nil
}

// Root returns the page-table root frame.
func (as *AddressSpace) Root() sv39.PhysAddr {
	return as.root
}

// Size returns the process image size in bytes.
func (as *AddressSpace) Size() uint64 {
	return as.size
}

// First loads the very first process image: one page at virtual address
// zero, fully permissive, containing src. src must fit in a page.
func (as *AddressSpace) First(src []byte) {
	if len(src) > sv39.PageSize {
		panic("mm: first image more than a page")
	}
	pa, err := as.k.kmem.Alloc()
	if err != nil {
		panic("mm: out of memory loading first process")
	}
	as.k.mem.Zero(pa)
	perm := sv39.PTEWrite | sv39.PTERead | sv39.PTEExec | sv39.PTEUser
	if err := as.k.pt.Map(as.root, 0, sv39.PageSize, pa, perm); err != nil {
		panic("mm: mapping first process")
	}
	copy(as.k.mem.Bytes(pa), src)
	as.size = sv39.PageSize
}

// Grow extends the image from its current size to newsz, allocating and
// mapping zeroed pages with RW|U plus xperm. A newsz at or below the
// current size is a no-op. On any allocation failure the partial growth
// is rolled back and ErrNoMemory surfaces.
func (as *AddressSpace) Grow(newsz uint64, xperm sv39.PTE) (uint64, error) {
	oldsz := as.size
	if newsz < oldsz {
		return oldsz, nil
	}

	for a := uint64(sv39.Addr(oldsz).RoundUp()); a < newsz; a += sv39.PageSize {
		pa, err := as.k.kmem.Alloc()
		if err != nil {
			as.dealloc(a, oldsz)
			return 0, err
		}
		as.k.mem.Zero(pa)
		perm := sv39.PTERead | sv39.PTEWrite | sv39.PTEUser | xperm
		if err := as.k.pt.Map(as.root, sv39.Addr(a), sv39.PageSize, pa, perm); err != nil {
			as.k.kmem.Free(pa)
			as.dealloc(a, oldsz)
			return 0, err
		}
	}
	as.size = newsz
	return newsz, nil
}

// Shrink trims the image to newsz, unmapping and freeing everything
// above it. Growing via Shrink is a no-op.
func (as *AddressSpace) Shrink(newsz uint64) uint64 {
	as.size = as.dealloc(as.size, newsz)
	return as.size
}

// dealloc unmaps pages to bring a region from oldsz down to newsz and
// returns the resulting size. Sizes need not be page-aligned.
func (as *AddressSpace) dealloc(oldsz, newsz uint64) uint64 {
	if newsz >= oldsz {
		return oldsz
	}
	oldTop := uint64(sv39.Addr(oldsz).RoundUp())
	newTop := uint64(sv39.Addr(newsz).RoundUp())
	if newTop < oldTop {
		as.k.pt.Unmap(as.root, sv39.Addr(newTop), (oldTop-newTop)/sv39.PageSize, true)
	}
	return newsz
}

// Free releases every user page and then the page-table tree itself. The
// address space is dead afterwards.
func (as *AddressSpace) Free() {
	if as.size > 0 {
		npages := uint64(sv39.Addr(as.size).RoundUp()) / sv39.PageSize
		as.k.pt.Unmap(as.root, 0, npages, true)
	}
	as.k.pt.FreeWalk(as.root)
	as.size = 0
	as.root = 0
}

// Copy duplicates the address space for a fork. Resident parent pages
// are copied into fresh frames. A swapped-out parent page is materialized
// only in the child: its bytes are read from the parent's slot into a new
// frame and mapped resident with the parent's permissions, while the
// parent keeps both its swap-encoded PTE and the slot. On failure every
// page already installed in the child is undone.
func (as *AddressSpace) Copy() (*AddressSpace, error) {
	child, err := as.k.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	var done uint64
	for i := uint64(0); i < as.size; i += sv39.PageSize {
		va := sv39.Addr(i)
		ptep := as.k.pt.Walk(as.root, va, false)
		if ptep == nil {
			panic("mm: copy: pte should exist")
		}

		// The allocation itself may evict the parent page under copy,
		// flipping this very PTE to its swapped form; the entry is only
		// inspected once the frame is in hand.
		pa, err := as.k.kmem.Alloc()
		if err != nil {
			child.undoCopy(done)
			return nil, err
		}
		pte := *ptep

		var perm sv39.PTE
		switch {
		case pte.Swapped():
			swapMust(as.k.dev.ReadPage(pte.Slot(), as.k.mem.Bytes(pa)))
			perm = pte.Perms()
		case pte.Valid():
			copy(as.k.mem.Bytes(pa), as.k.mem.Bytes(pte.Addr()))
			perm = pte.Flags()
		default:
			panic("mm: copy: page not present")
		}
		if err := as.k.pt.Map(child.root, va, sv39.PageSize, pa, perm); err != nil {
			as.k.kmem.Free(pa)
			child.undoCopy(done)
			return nil, err
		}
		done = i + sv39.PageSize
	}

	child.size = as.size
	return child, nil
}

// undoCopy tears down a partially built child image of done bytes.
func (as *AddressSpace) undoCopy(done uint64) {
	if done > 0 {
		as.k.pt.Unmap(as.root, 0, done/sv39.PageSize, true)
	}
	as.k.pt.FreeWalk(as.root)
	as.root = 0
}

// Clear strips user access from the page at va, turning it into a guard
// page.
func (as *AddressSpace) Clear(va sv39.Addr) {
	ptep := as.k.pt.Walk(as.root, va, false)
	if ptep == nil {
		panic("mm: clear: no pte")
	}
	as.k.pt.SetPTE(ptep, *ptep&^sv39.PTEUser)
}

// walkAddr resolves the physical address of the user page at va,
// transparently swapping it back in: a swap-encoded PTE costs a frame
// allocation (which may evict something else), a device read, the slot,
// and a rewrite to resident, after which the frame rejoins the LRU. The
// return is zero if the page is absent, not resident, or not
// user-accessible.
func (k *Kernel) walkAddr(root sv39.PhysAddr, va sv39.Addr) sv39.PhysAddr {
	ptep := k.pt.Walk(root, va, false)
	if ptep == nil {
		return 0
	}
	pte := *ptep

	if pte.Swapped() {
		if !pte.User() {
			return 0
		}
		pa, err := k.kmem.Alloc()
		if err != nil {
			return 0
		}
		slot := pte.Slot()
		swapMust(k.dev.ReadPage(slot, k.mem.Bytes(pa)))
		k.pool.Free(slot)
		k.stats.IncIn()
		k.pt.SetPTE(ptep, sv39.NewLeaf(pa, pte.Perms()))
		if pg := k.pages.Get(pa); pg != nil && !pg.IsPageTable() {
			k.pages.Add(pa, root, va)
		}
		return pa
	}

	if !pte.Valid() || !pte.User() {
		return 0
	}
	return pte.Addr()
}

// CopyOut copies src into the address space at dst, page by page,
// faulting swapped pages back in along the way. The destination pages
// must be user-writable.
func (as *AddressSpace) CopyOut(dst sv39.Addr, src []byte) error {
	for len(src) > 0 {
		va0 := dst.RoundDown()
		if va0 >= sv39.MaxVA {
			return ErrBadAddress
		}
		pa0 := as.k.walkAddr(as.root, va0)
		if pa0 == 0 {
			return ErrBadAddress
		}
		ptep := as.k.pt.Walk(as.root, va0, false)
		if ptep == nil || !ptep.Writable() || !ptep.User() {
			return ErrBadAddress
		}
		n := uint64(sv39.PageSize) - uint64(dst-va0)
		if n > uint64(len(src)) {
			n = uint64(len(src))
		}
		copy(as.k.mem.Range(pa0+sv39.PhysAddr(dst-va0), n), src[:n])
		src = src[n:]
		dst = va0 + sv39.PageSize
	}
	return nil
}

// CopyIn copies len(dst) bytes out of the address space starting at src,
// faulting swapped pages back in along the way.
func (as *AddressSpace) CopyIn(dst []byte, src sv39.Addr) error {
	for len(dst) > 0 {
		va0 := src.RoundDown()
		pa0 := as.k.walkAddr(as.root, va0)
		if pa0 == 0 {
			return ErrBadAddress
		}
		n := uint64(sv39.PageSize) - uint64(src-va0)
		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}
		copy(dst[:n], as.k.mem.Range(pa0+sv39.PhysAddr(src-va0), n))
		dst = dst[n:]
		src = va0 + sv39.PageSize
	}
	return nil
}

// CopyInStr copies a NUL-terminated string of at most max bytes starting
// at src. It fails if no NUL appears within the limit.
func (as *AddressSpace) CopyInStr(src sv39.Addr, max int) (string, error) {
	var out []byte
	for max > 0 {
		va0 := src.RoundDown()
		pa0 := as.k.walkAddr(as.root, va0)
		if pa0 == 0 {
			return "", ErrBadAddress
		}
		n := uint64(sv39.PageSize) - uint64(src-va0)
		if n > uint64(max) {
			n = uint64(max)
		}
		page := as.k.mem.Range(pa0+sv39.PhysAddr(src-va0), n)
		for i, b := range page {
			if b == 0 {
				return string(append(out, page[:i]...)), nil
			}
		}
		out = append(out, page...)
		max -= int(n)
		src = va0 + sv39.PageSize
	}
	return "", ErrBadAddress
}
