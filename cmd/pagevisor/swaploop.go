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

package main

import (
	"context"
	"flag"
	"time"

	"github.com/google/subcommands"
	"pagevisor.dev/pagevisor/pkg/log"
	"pagevisor.dev/pagevisor/pkg/sv39"
)

// SwapLoop implements subcommands.Command for the "swaploop" command.
type SwapLoop struct {
	// pages is the working set size in pages.
	pages int
	// passes is the number of strided read sweeps.
	passes int
}

// Name implements subcommands.Command.Name.
func (*SwapLoop) Name() string {
	return "swaploop"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SwapLoop) Synopsis() string {
	return "write a large working set, sweep it with strided reads, then verify it"
}

// Usage implements subcommands.Command.Usage.
func (*SwapLoop) Usage() string {
	return `swaploop [flags]

Allocates more pages than physical memory holds, writes each page's index
into its first byte, sweeps all pages with strided reads to churn the
access bits, and verifies every page afterwards. Succeeds only when both
swap-out and swap-in traffic occurred.

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *SwapLoop) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.pages, "pages", 128, "working set size in pages")
	f.IntVar(&s.passes, "passes", 10, "number of strided read passes")
}

// Execute implements subcommands.Command.Execute.
func (s *SwapLoop) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)
	k, err := conf.boot()
	if err != nil {
		fatalf("%v", err)
	}
	p, err := k.NewProc()
	if err != nil {
		fatalf("creating process: %v", err)
	}

	log.Infof("swaploop: allocating %d pages (%d KiB)", s.pages, s.pages*sv39.PageSize/1024)
	base, err := p.Sbrk(int64(s.pages) * sv39.PageSize)
	if err != nil {
		fatalf("sbrk: %v", err)
	}

	for i := 0; i < s.pages; i++ {
		if err := p.StoreByte(base+sv39.Addr(i)*sv39.PageSize, byte(i)); err != nil {
			fatalf("writing page %d: %v", i, err)
		}
	}

	log.Infof("swaploop: strided reads to induce swapping")
	const stride = 128
	for pass := 0; pass < s.passes; pass++ {
		for i := 0; i < s.pages; i++ {
			va := base + sv39.Addr(i)*sv39.PageSize
			for off := sv39.Addr(0); off < sv39.PageSize; off += stride {
				if _, err := p.LoadByte(va + off); err != nil {
					fatalf("reading page %d: %v", i, err)
				}
			}
		}
	}

	log.Infof("swaploop: sleeping before verification")
	time.Sleep(50 * time.Millisecond)

	log.Infof("swaploop: verifying data integrity")
	for i := 0; i < s.pages; i++ {
		b, err := p.LoadByte(base + sv39.Addr(i)*sv39.PageSize)
		if err != nil {
			fatalf("verifying page %d: %v", i, err)
		}
		if b != byte(i) {
			log.Warningf("swaploop: data corrupt at page %d (got %d)", i, b)
			return subcommands.ExitFailure
		}
	}

	k.LogSwapStats()
	outs, ins := k.SwapStats()
	if outs == 0 || ins == 0 {
		log.Warningf("swaploop: working set never swapped; enlarge -pages or shrink phys_bytes")
		return subcommands.ExitFailure
	}
	log.Infof("swaploop: all %d pages verified", s.pages)
	return subcommands.ExitSuccess
}
