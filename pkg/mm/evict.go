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
	"pagevisor.dev/pagevisor/pkg/memory"
	"pagevisor.dev/pagevisor/pkg/sv39"
)

// selectVictim runs the clock hand over the LRU list and picks the page
// to evict. The metadata and LRU locks are held for the whole scan, so
// the list cannot change underfoot; the walks below never allocate.
//
// Each entry under the hand is treated one of three ways: entries whose
// PTE cannot be resolved to a resident user leaf, or whose address sits
// in the kernel's half, are skipped; entries with the Access bit set get
// it cleared and move to the tail for one more lap; the first entry with
// a clear Access bit is the victim. A full lap without a victim settles
// for whatever the hand is on, so the scan always terminates.
func (k *Kernel) selectVictim() *memory.Page {
	k.pages.Lock()
	defer k.pages.Unlock()

	if k.pages.Head() == nil {
		return nil
	}
	// The hand can go stale if its page was unmapped since the last
	// sweep; it never dangles on an unlinked entry.
	if k.clockHand == nil || !k.clockHand.InLRU() {
		k.clockHand = k.pages.Head()
	}

	start := k.clockHand
	for {
		p := k.clockHand
		vaddr := p.VAddr()
		root := p.Root()

		var ptep *sv39.PTE
		if vaddr < sv39.MaxVA {
			ptep = k.pt.Walk(root, vaddr, false)
		}

		switch {
		case ptep == nil || !ptep.Valid() || !ptep.Leaf() || !ptep.User() ||
			uint64(vaddr) >= uint64(sv39.KernBase) || vaddr >= sv39.Trampoline:
			// Swapped already, kernel territory, or stale; move on.
			k.clockHand = p.Next()

		case ptep.Accessed():
			// Referenced since the last sweep: strip the bit and grant
			// one more lap at the tail.
			*ptep &^= sv39.PTEAccessed
			k.clockHand = p.Next()
			if p != k.pages.Tail() {
				k.pages.RemoveLocked(p.PA())
				k.pages.AddLocked(p.PA(), root, vaddr)
			}

		default:
			k.clockHand = p.Next()
			return p
		}

		// A whole lap and nothing chose itself: take the current entry.
		if k.clockHand == start {
			victim := k.clockHand
			k.clockHand = victim.Next()
			return victim
		}
	}
}

// evictPage pushes one user page out to swap and hands its frame back to
// the allocator. It is the allocator's reclaim hook and must not
// allocate frames itself; beyond the victim's PTE it touches only a swap
// slot. The slot is fully written before the PTE flips to its swapped
// encoding, so no window exists in which a faulting reader could see
// neither the resident page nor complete slot contents.
func (k *Kernel) evictPage() bool {
	victim := k.selectVictim()
	if victim == nil {
		return false
	}
	root := victim.Root()
	vaddr := victim.VAddr()
	if vaddr >= sv39.MaxVA {
		panic("mm: evict: victim vaddr out of range")
	}

	ptep := k.pt.Walk(root, vaddr, false)
	if ptep == nil || !ptep.Valid() {
		return false
	}
	pte := *ptep
	pa := pte.Addr()

	slot, err := k.pool.Alloc()
	if err != nil {
		// Swap exhaustion surfaces as allocation failure; the faulting
		// process dies, the kernel does not.
		k.evictLog.Warningf("mm: %v", err)
		return false
	}

	swapMust(k.dev.WritePage(slot, k.mem.Bytes(pa)))
	k.stats.IncOut()

	k.pages.Remove(pa)
	k.pt.SetPTE(ptep, sv39.NewSwapped(slot, pte.Perms()))
	k.kmem.Free(pa)
	k.pages.ClearMeta(pa)

	k.evictLog.Debugf("mm: evicted va %#x to slot %d", uint64(vaddr), slot)
	return true
}
