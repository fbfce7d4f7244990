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

package sv39

// PTE is a 64-bit Sv39 page table entry. Bits 0..9 are flags, bits 10..53
// hold the physical page number of a resident page or the next-level table.
// A swapped-out leaf clears PTEValid, sets PTESwap and repurposes the PPN
// field for the swap slot index.
type PTE uint64

// PTE flag bits.
const (
	PTEValid    PTE = 1 << 0
	PTERead     PTE = 1 << 1
	PTEWrite    PTE = 1 << 2
	PTEExec     PTE = 1 << 3
	PTEUser     PTE = 1 << 4
	PTEGlobal   PTE = 1 << 5
	PTEAccessed PTE = 1 << 6
	PTEDirty    PTE = 1 << 7
	PTESoft     PTE = 1 << 8
	PTESwap     PTE = 1 << 9
)

const (
	// flagsMask covers all flag bits.
	flagsMask PTE = (1 << 10) - 1

	// permMask covers the permission bits preserved across swap-out.
	permMask PTE = PTERead | PTEWrite | PTEExec | PTEUser

	// ppnShift positions the PPN field.
	ppnShift = 10

	// ppnMask extracts the 44-bit PPN field after shifting.
	ppnMask = (1 << 44) - 1
)

// NewLeaf returns a resident leaf PTE mapping pa with the given permission
// flags.
func NewLeaf(pa PhysAddr, flags PTE) PTE {
	return PTE(pa.Frame()<<ppnShift) | (flags & flagsMask) | PTEValid
}

// NewTable returns an intermediate PTE referencing the next-level table at
// pa. R/W/X are all clear, which is what marks it non-leaf.
func NewTable(pa PhysAddr) PTE {
	return PTE(pa.Frame()<<ppnShift) | PTEValid
}

// NewSwapped returns a swapped-out leaf holding slot in the PPN field and
// preserving the R/W/X/U permissions of the resident form.
func NewSwapped(slot uint32, flags PTE) PTE {
	return PTE(uint64(slot)<<ppnShift) | (flags & permMask) | PTESwap
}

// Valid reports whether the valid bit is set.
func (pte PTE) Valid() bool {
	return pte&PTEValid != 0
}

// User reports whether the entry is accessible from user mode.
func (pte PTE) User() bool {
	return pte&PTEUser != 0
}

// Writable reports whether the entry permits stores.
func (pte PTE) Writable() bool {
	return pte&PTEWrite != 0
}

// Accessed reports whether the hardware access bit is set.
func (pte PTE) Accessed() bool {
	return pte&PTEAccessed != 0
}

// Swapped reports whether the entry encodes a swapped-out page.
func (pte PTE) Swapped() bool {
	return !pte.Valid() && pte&PTESwap != 0
}

// Leaf reports whether a valid entry maps a page rather than the next
// table level.
func (pte PTE) Leaf() bool {
	return pte&(PTERead|PTEWrite|PTEExec) != 0
}

// Addr returns the physical address of a resident entry.
func (pte PTE) Addr() PhysAddr {
	return PhysAddr(((uint64(pte) >> ppnShift) & ppnMask) << PageShift)
}

// Slot returns the swap slot index of a swapped entry.
func (pte PTE) Slot() uint32 {
	return uint32((uint64(pte) >> ppnShift) & ppnMask)
}

// Flags returns the flag bits of the entry.
func (pte PTE) Flags() PTE {
	return pte & flagsMask
}

// Perms returns the R/W/X/U permission subset of the entry.
func (pte PTE) Perms() PTE {
	return pte & permMask
}
