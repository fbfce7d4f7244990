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

// Package pagetables provides the three-level Sv39 page-table walker and
// the mapping primitives built on it.
package pagetables

import (
	"pagevisor.dev/pagevisor/pkg/memory"
	"pagevisor.dev/pagevisor/pkg/sv39"
	"pagevisor.dev/pagevisor/pkg/swap"
	"pagevisor.dev/pagevisor/pkg/sync"
)

// FrameAllocator is the frame supply for intermediate page-table pages
// and the sink for freed leaf frames.
type FrameAllocator interface {
	Alloc() (sv39.PhysAddr, error)
	Free(pa sv39.PhysAddr)
}

// PageTables walks and mutates hardware page tables held in physical
// frames. It owns the PTE-mutation mutex; every leaf install, rewrite and
// clear goes through SetPTE so the write and the TLB shootdown that must
// follow it stay paired.
type PageTables struct {
	mem   *memory.PhysMem
	alloc FrameAllocator
	pages *memory.Pages
	pool  *swap.Pool

	ptMu sync.Mutex

	// flush performs a local-hart TLB shootdown. Multi-hart deployments
	// would hook a cross-hart IPI here.
	flush func()
}

// New returns a PageTables over the given arena. flush is invoked after
// every PTE write made through SetPTE; Walk installs intermediate entries
// and FreeWalk clears them without it.
func New(mem *memory.PhysMem, alloc FrameAllocator, pages *memory.Pages, pool *swap.Pool, flush func()) *PageTables {
	if flush == nil {
		flush = func() {}
	}
	return &PageTables{
		mem:   mem,
		alloc: alloc,
		pages: pages,
		pool:  pool,
		flush: flush,
	}
}

// NewRoot allocates and zeroes a root page-table frame.
func (pt *PageTables) NewRoot() (sv39.PhysAddr, error) {
	pa, err := pt.alloc.Alloc()
	if err != nil {
		return 0, err
	}
	pt.mem.Zero(pa)
	pt.pages.MarkPageTable(pa)
	return pa, nil
}

// Walk returns the level-0 PTE slot for va under root, descending levels
// 2 and 1 and, when alloc is set, creating missing intermediate tables.
// It returns nil if an intermediate is missing and alloc is clear, or if
// an intermediate allocation fails. The walk holds no subsystem locks, so
// the allocation may recurse into eviction safely.
func (pt *PageTables) Walk(root sv39.PhysAddr, va sv39.Addr, alloc bool) *sv39.PTE {
	if va >= sv39.MaxVA {
		panic("pagetables: walk out of range")
	}
	tbl := pt.mem.Table(root)
	for level := sv39.Levels - 1; level > 0; level-- {
		ptep := &tbl[va.Index(level)]
		if ptep.Valid() {
			tbl = pt.mem.Table(ptep.Addr())
			continue
		}
		if !alloc {
			return nil
		}
		pa, err := pt.alloc.Alloc()
		if err != nil {
			return nil
		}
		pt.mem.Zero(pa)
		pt.pages.MarkPageTable(pa)
		*ptep = sv39.NewTable(pa)
		tbl = pt.mem.Table(pa)
	}
	return &tbl[va.Index(0)]
}

// Map installs leaf PTEs for [va, va+size) pointing at [pa, pa+size)
// with the given permissions. va and size must be page-aligned and size
// nonzero; mapping over an existing entry is a fatal error. User-mode
// data frames join the LRU as they become mapped.
func (pt *PageTables) Map(root sv39.PhysAddr, va sv39.Addr, size uint64, pa sv39.PhysAddr, perm sv39.PTE) error {
	if !va.IsPageAligned() {
		panic("pagetables: map va not aligned")
	}
	if size == 0 || size%sv39.PageSize != 0 {
		panic("pagetables: map size not aligned")
	}

	a := va
	last := va + sv39.Addr(size) - sv39.PageSize
	for {
		ptep := pt.Walk(root, a, true)
		if ptep == nil {
			return memory.ErrNoMemory
		}
		if ptep.Valid() {
			panic("pagetables: remap")
		}
		pt.SetPTE(ptep, sv39.NewLeaf(pa, perm))

		if perm&sv39.PTEUser != 0 && a < sv39.MaxVA {
			if pg := pt.pages.Get(pa); pg != nil && !pg.IsPageTable() {
				pt.pages.Add(pa, root, a)
			}
		}

		if a == last {
			break
		}
		a += sv39.PageSize
		pa += sv39.PageSize
	}
	return nil
}

// Unmap removes npages of mappings starting at va, which must be
// page-aligned. The mappings must exist, as resident leaves or as
// swap-encoded entries. With free set, resident frames leave the LRU and
// return to the allocator, and swapped entries give their slot back.
func (pt *PageTables) Unmap(root sv39.PhysAddr, va sv39.Addr, npages uint64, free bool) {
	if !va.IsPageAligned() {
		panic("pagetables: unmap not aligned")
	}

	for a := va; a < va+sv39.Addr(npages*sv39.PageSize); a += sv39.PageSize {
		ptep := pt.Walk(root, a, false)
		if ptep == nil {
			panic("pagetables: unmap walk")
		}
		pte := *ptep
		switch {
		case pte.Swapped():
			if free {
				pt.pool.Free(pte.Slot())
			}
		case !pte.Valid():
			panic("pagetables: unmap not mapped")
		case !pte.Leaf():
			panic("pagetables: unmap not a leaf")
		case free:
			pa := pte.Addr()
			if pg := pt.pages.Get(pa); pg != nil && pg.InLRU() {
				pt.pages.Remove(pa)
			}
			pt.alloc.Free(pa)
		}
		pt.SetPTE(ptep, 0)
	}
}

// FreeWalk recursively frees the page-table pages under root. All leaf
// mappings must already have been removed.
func (pt *PageTables) FreeWalk(root sv39.PhysAddr) {
	tbl := pt.mem.Table(root)
	for i := range tbl {
		pte := tbl[i]
		if pte.Valid() && !pte.Leaf() {
			pt.FreeWalk(pte.Addr())
			tbl[i] = 0
		} else if pte.Valid() {
			panic("pagetables: freewalk leaf")
		}
	}
	pt.pages.ClearMeta(root)
	pt.alloc.Free(root)
}

// SetPTE writes v to the entry under the PTE-mutation mutex and performs
// the TLB shootdown that makes the write visible.
func (pt *PageTables) SetPTE(ptep *sv39.PTE, v sv39.PTE) {
	pt.ptMu.Lock()
	*ptep = v
	pt.flush()
	pt.ptMu.Unlock()
}
