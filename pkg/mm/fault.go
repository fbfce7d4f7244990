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

// Access distinguishes the faulting operation.
type Access int

// Access kinds.
const (
	AccessLoad Access = iota
	AccessStore
)

// ErrFault is returned for a fault that paging cannot resolve; the
// process that took it must be killed.
var ErrFault = errors.New("mm: unresolvable page fault")

// HandleFault services a load or store page fault at va. Only a
// swap-encoded PTE is resolvable: the page gets a fresh frame (possibly
// evicting another page first), its bytes come back from the slot, the
// slot is released, the PTE flips back to resident with its old
// permissions, and the frame rejoins the LRU. Everything else is fatal
// for the process.
func (k *Kernel) HandleFault(as *AddressSpace, va sv39.Addr, access Access) error {
	if va >= sv39.MaxVA {
		return ErrFault
	}
	ptep := k.pt.Walk(as.root, va, false)
	if ptep == nil || !(*ptep).Swapped() {
		return ErrFault
	}
	pte := *ptep

	pa, err := k.kmem.Alloc()
	if err != nil {
		return err
	}
	slot := pte.Slot()
	swapMust(k.dev.ReadPage(slot, k.mem.Bytes(pa)))
	k.pool.Free(slot)
	k.stats.IncIn()

	k.pt.SetPTE(ptep, sv39.NewLeaf(pa, pte.Perms()))

	if pg := k.pages.Get(pa); pg != nil && !pg.IsPageTable() {
		k.pages.Add(pa, as.root, va.RoundDown())
	}
	return nil
}
