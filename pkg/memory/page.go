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

package memory

import (
	"fmt"

	"pagevisor.dev/pagevisor/pkg/sv39"
	"pagevisor.dev/pagevisor/pkg/sync"
)

// Page is the metadata entry for one physical frame. Entries live for the
// whole system inside Pages; the LRU list is threaded intrusively through
// prev/next so a frame is reachable in O(1) from its address.
//
// isPageTable and inLRU are mutually exclusive. root and vaddr are
// meaningful only while inLRU is set, and then the frame is mapped by
// exactly one valid user leaf at vaddr under root.
type Page struct {
	pa sv39.PhysAddr

	isPageTable bool
	inLRU       bool
	root        sv39.PhysAddr
	vaddr       sv39.Addr

	prev, next *Page
}

// PA returns the frame's physical address.
func (p *Page) PA() sv39.PhysAddr {
	return p.pa
}

// IsPageTable reports whether the frame currently holds a page-table page.
func (p *Page) IsPageTable() bool {
	return p.isPageTable
}

// InLRU reports whether the frame is linked into the LRU list.
func (p *Page) InLRU() bool {
	return p.inLRU
}

// Root returns the page-table root mapping this frame. Valid iff InLRU.
func (p *Page) Root() sv39.PhysAddr {
	return p.root
}

// VAddr returns the user virtual address this frame is mapped at. Valid
// iff InLRU.
func (p *Page) VAddr() sv39.Addr {
	return p.vaddr
}

// Next returns the following LRU entry. Callers must hold the LRU locks.
func (p *Page) Next() *Page {
	return p.next
}

// Pages is the system-wide frame metadata table and LRU list. The metadata
// mutex and the LRU mutex are always acquired in that order and released
// in reverse; Lock/Unlock take both for callers such as the replacement
// scan that need the list pinned across several operations.
type Pages struct {
	mem *PhysMem

	mu    sync.Mutex // metadata
	lruMu sync.Mutex // list structure

	entries []Page
	head    *Page
	tail    *Page
	nlru    int
}

// NewPages returns the metadata table for mem, one entry per frame, none
// linked.
func NewPages(mem *PhysMem) *Pages {
	t := &Pages{
		mem:     mem,
		entries: make([]Page, mem.Frames()),
	}
	for i := range t.entries {
		t.entries[i].pa = sv39.KernBase + sv39.PhysAddr(i)*sv39.PageSize
	}
	return t
}

// Get returns the metadata entry for the frame at pa, or nil if pa is not
// a frame address in the arena.
func (t *Pages) Get(pa sv39.PhysAddr) *Page {
	if !pa.IsPageAligned() || !t.mem.Contains(pa) {
		return nil
	}
	return &t.entries[(pa-sv39.KernBase)/sv39.PageSize]
}

// Lock acquires the metadata and LRU mutexes in order.
func (t *Pages) Lock() {
	t.mu.Lock()
	t.lruMu.Lock()
}

// Unlock releases the mutexes taken by Lock in reverse order.
func (t *Pages) Unlock() {
	t.lruMu.Unlock()
	t.mu.Unlock()
}

// MarkPageTable flags the frame at pa as holding a page-table page. Such
// frames never enter the LRU and have no user virtual address.
func (t *Pages) MarkPageTable(pa sv39.PhysAddr) {
	p := t.Get(pa)
	if p == nil {
		return
	}
	t.mu.Lock()
	p.isPageTable = true
	p.vaddr = 0
	t.mu.Unlock()
}

// ClearMeta resets every metadata field of the frame at pa. Used when a
// frame leaves its role: after eviction and when a page-table page is
// freed.
func (t *Pages) ClearMeta(pa sv39.PhysAddr) {
	p := t.Get(pa)
	if p == nil {
		return
	}
	t.mu.Lock()
	p.isPageTable = false
	p.inLRU = false
	p.root = 0
	p.vaddr = 0
	p.prev = nil
	p.next = nil
	t.mu.Unlock()
}

// Add links the frame at pa to the LRU tail, recording the leaf mapping
// (root, vaddr) that owns it. Re-adding a linked frame relocates it to the
// tail without disturbing the population count. Precondition violations
// (out-of-range frame, vaddr at or above MaxVA, page-table frame) are
// ignored: the eviction path clears metadata concurrently with mapping
// operations, and a stale caller must not bring the kernel down.
func (t *Pages) Add(pa sv39.PhysAddr, root sv39.PhysAddr, vaddr sv39.Addr) {
	t.Lock()
	t.AddLocked(pa, root, vaddr)
	t.Unlock()
}

// AddLocked is Add for callers already holding both mutexes.
func (t *Pages) AddLocked(pa sv39.PhysAddr, root sv39.PhysAddr, vaddr sv39.Addr) {
	p := t.Get(pa)
	if p == nil || vaddr >= sv39.MaxVA || p.isPageTable {
		return
	}

	p.root = root
	p.vaddr = vaddr

	wasLinked := p.inLRU
	if wasLinked {
		t.unlink(p)
	}

	if t.head == nil {
		t.head = p
		t.tail = p
		p.next = p
		p.prev = p
	} else {
		p.next = t.head
		p.prev = t.tail
		t.head.prev = p
		t.tail.next = p
		t.tail = p
	}
	p.inLRU = true
	if !wasLinked {
		t.nlru++
	}
}

// Remove unlinks the frame at pa from the LRU list if it is linked, and
// clears the mapping metadata.
func (t *Pages) Remove(pa sv39.PhysAddr) {
	t.Lock()
	t.RemoveLocked(pa)
	t.Unlock()
}

// RemoveLocked is Remove for callers already holding both mutexes.
func (t *Pages) RemoveLocked(pa sv39.PhysAddr) {
	p := t.Get(pa)
	if p == nil || !p.inLRU {
		return
	}
	t.unlink(p)
	t.nlru--
	p.vaddr = 0
	p.root = 0
}

// unlink detaches p from the circular list. Caller holds both mutexes and
// has checked p.inLRU.
func (t *Pages) unlink(p *Page) {
	if t.head == p && t.tail == p {
		t.head = nil
		t.tail = nil
	} else {
		p.prev.next = p.next
		p.next.prev = p.prev
		if t.head == p {
			t.head = p.next
		}
		if t.tail == p {
			t.tail = p.prev
		}
	}
	p.prev = nil
	p.next = nil
	p.inLRU = false
}

// Head returns the oldest LRU entry, or nil. Callers must hold the locks.
func (t *Pages) Head() *Page {
	return t.head
}

// Tail returns the newest LRU entry, or nil. Callers must hold the locks.
func (t *Pages) Tail() *Page {
	return t.tail
}

// Len returns the LRU population count.
func (t *Pages) Len() int {
	t.Lock()
	defer t.Unlock()
	return t.nlru
}

// Check walks the list in both directions and verifies that the node
// counts agree with the recorded population. It exists for tests and
// diagnostics.
func (t *Pages) Check() error {
	t.Lock()
	defer t.Unlock()

	if t.head == nil {
		if t.nlru != 0 {
			return fmt.Errorf("memory: empty list but %d pages recorded", t.nlru)
		}
		return nil
	}

	forward := 0
	for p := t.head; ; p = p.next {
		if !p.inLRU {
			return fmt.Errorf("memory: linked page %#x not marked inLRU", uint64(p.pa))
		}
		if p.isPageTable {
			return fmt.Errorf("memory: page-table page %#x on LRU", uint64(p.pa))
		}
		forward++
		if forward > len(t.entries) {
			return fmt.Errorf("memory: LRU forward walk does not terminate")
		}
		if p.next == t.head {
			break
		}
	}
	backward := 0
	for p := t.tail; ; p = p.prev {
		backward++
		if backward > len(t.entries) {
			return fmt.Errorf("memory: LRU backward walk does not terminate")
		}
		if p.prev == t.tail {
			break
		}
	}
	if forward != t.nlru || backward != t.nlru {
		return fmt.Errorf("memory: LRU count mismatch: forward=%d backward=%d recorded=%d", forward, backward, t.nlru)
	}
	return nil
}
