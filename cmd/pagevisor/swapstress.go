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

// SwapStress implements subcommands.Command for the "swapstress" command.
type SwapStress struct {
	// pages is the working set size in pages.
	pages int
}

// Name implements subcommands.Command.Name.
func (*SwapStress) Name() string {
	return "swapstress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SwapStress) Synopsis() string {
	return "fill pages densely, verify, sleep, and verify again"
}

// Usage implements subcommands.Command.Usage.
func (*SwapStress) Usage() string {
	return `swapstress [flags]

Writes the page index at every 1 KiB offset of every page of a working
set larger than RAM, then verifies the whole set twice.

`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *SwapStress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.pages, "pages", 256, "working set size in pages")
}

// Execute implements subcommands.Command.Execute.
func (s *SwapStress) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config)
	k, err := conf.boot()
	if err != nil {
		fatalf("%v", err)
	}
	p, err := k.NewProc()
	if err != nil {
		fatalf("creating process: %v", err)
	}

	log.Infof("swapstress: allocating %d pages (%d KiB)", s.pages, s.pages*sv39.PageSize/1024)
	base, err := p.Sbrk(int64(s.pages) * sv39.PageSize)
	if err != nil {
		fatalf("sbrk: %v", err)
	}

	for i := 0; i < s.pages; i++ {
		for off := sv39.Addr(0); off < sv39.PageSize; off += 1024 {
			if err := p.StoreByte(base+sv39.Addr(i)*sv39.PageSize+off, byte(i)); err != nil {
				fatalf("writing page %d: %v", i, err)
			}
		}
	}

	verify := func(stage string) subcommands.ExitStatus {
		log.Infof("swapstress: verifying (%s)", stage)
		for i := 0; i < s.pages; i++ {
			for off := sv39.Addr(0); off < sv39.PageSize; off += 1024 {
				b, err := p.LoadByte(base + sv39.Addr(i)*sv39.PageSize + off)
				if err != nil {
					fatalf("reading page %d: %v", i, err)
				}
				if b != byte(i) {
					log.Warningf("swapstress: corruption at page %d offset %#x (got %d)", i, uint64(off), b)
					return subcommands.ExitFailure
				}
			}
		}
		return subcommands.ExitSuccess
	}

	if st := verify("before sleep"); st != subcommands.ExitSuccess {
		return st
	}
	time.Sleep(100 * time.Millisecond)
	if st := verify("after sleep"); st != subcommands.ExitSuccess {
		return st
	}

	k.LogSwapStats()
	log.Infof("swapstress: all %d pages verified", s.pages)
	return subcommands.ExitSuccess
}
