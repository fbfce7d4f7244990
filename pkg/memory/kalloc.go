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
	"errors"

	"pagevisor.dev/pagevisor/pkg/sv39"
	"pagevisor.dev/pagevisor/pkg/sync"
)

// ErrNoMemory is returned by Alloc when the free list is empty and
// reclaim cannot make progress.
var ErrNoMemory = errors.New("memory: out of physical frames")

// Debug fill patterns, to catch use of freed frames and reads of
// never-initialized allocations.
const (
	allocSentinel = 0x05
	freeSentinel  = 0x01
)

// Kmem is the physical frame allocator. Free frames form an intrusive
// list threaded through the first word of each free frame.
//
// When the list runs dry, Alloc calls the reclaim hook with the allocator
// mutex released; the hook (the evictor) takes its own locks and must be
// able to call Free.
type Kmem struct {
	mem *PhysMem

	// kernelEnd is the first address eligible for the free list; frames
	// below it belong to the kernel image and reserved structures.
	kernelEnd sv39.PhysAddr

	mu       sync.Mutex
	freeHead sv39.PhysAddr // 0 when empty
	nfree    int

	reclaim func() bool
}

// NewKmem returns an allocator owning every frame in [kernelEnd, top).
func NewKmem(mem *PhysMem, kernelEnd sv39.PhysAddr) *Kmem {
	if !kernelEnd.IsPageAligned() {
		panic("memory: kernel end not page-aligned")
	}
	k := &Kmem{
		mem:       mem,
		kernelEnd: kernelEnd,
	}
	for pa := kernelEnd; pa < mem.Top(); pa += sv39.PageSize {
		k.Free(pa)
	}
	return k
}

// SetReclaim installs the hook invoked when the free list is empty. The
// hook reports whether it released at least one frame.
func (k *Kmem) SetReclaim(f func() bool) {
	k.reclaim = f
}

// Alloc removes one frame from the free list and returns it filled with
// the allocation sentinel; no mapping or permissions are set up. On an
// empty list it invokes the reclaim hook and retries; ErrNoMemory is
// returned only when reclaim fails too.
func (k *Kmem) Alloc() (sv39.PhysAddr, error) {
	for {
		k.mu.Lock()
		if k.freeHead != 0 {
			pa := k.freeHead
			k.freeHead = sv39.PhysAddr(k.mem.Table(pa)[0])
			k.nfree--
			k.mu.Unlock()
			k.mem.Fill(pa, allocSentinel)
			return pa, nil
		}
		k.mu.Unlock()

		// Reclaim runs with the allocator unlocked: the evictor frees
		// the victim frame back through this allocator.
		if k.reclaim == nil || !k.reclaim() {
			return 0, ErrNoMemory
		}
	}
}

// Free returns the frame at pa to the free list. pa must be page-aligned
// and must lie between the kernel image and the top of RAM.
func (k *Kmem) Free(pa sv39.PhysAddr) {
	if !pa.IsPageAligned() || pa < k.kernelEnd || pa >= k.mem.Top() {
		panic("memory: kfree")
	}
	// Fill with junk to catch dangling refs.
	k.mem.Fill(pa, freeSentinel)

	k.mu.Lock()
	k.mem.Table(pa)[0] = sv39.PTE(k.freeHead)
	k.freeHead = pa
	k.nfree++
	k.mu.Unlock()
}

// FreeCount returns the number of frames on the free list.
func (k *Kmem) FreeCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.nfree
}
