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

// Binary pagevisor boots the demand-paging subsystem on a small
// simulated machine and runs paging stress scenarios against it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"pagevisor.dev/pagevisor/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML machine description; defaults apply when empty")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(SwapLoop), "stress")
	subcommands.Register(new(SwapStress), "stress")
	subcommands.Register(new(ForkMmap), "stress")

	flag.Parse()

	if *debug {
		log.SetLevel(log.Debug)
	}

	conf, err := loadConfig(*configPath)
	if err != nil {
		fatalf("loading config: %v", err)
	}

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// fatalf logs to stderr and exits with a failure status.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "pagevisor: "+format+"\n", args...)
	os.Exit(128)
}
