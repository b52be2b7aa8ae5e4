// Copyright 2024 The CoreSight-Trace Authors.
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
	"fmt"

	"github.com/google/subcommands"

	intconfig "github.com/hw2h/coresight-trace/internal/config"
	intlog "github.com/hw2h/coresight-trace/internal/log"
	"github.com/hw2h/coresight-trace/pkg/csdevice"
	"github.com/hw2h/coresight-trace/pkg/finalize"
	"github.com/hw2h/coresight-trace/pkg/supervisor"
)

// Trace implements subcommands.Command for one-shot tracing: exec a target,
// trace it to exit (spec §1 "a one-shot mode that traces a single child from
// exec to exit").
type Trace struct {
	cfg intconfig.Config
}

func (*Trace) Name() string     { return "trace" }
func (*Trace) Synopsis() string { return "trace a single child process from exec to exit" }
func (*Trace) Usage() string {
	return "trace [flags] -- EXE [ARGS]\n"
}

func (t *Trace) SetFlags(f *flag.FlagSet) {
	intconfig.RegisterFlags(f, &t.cfg)
}

func (t *Trace) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	argv := f.Args()
	if len(argv) == 0 {
		fmt.Println(t.Usage())
		return subcommands.ExitUsageError
	}

	log := intlog.New(t.cfg.Verbose)
	if err := intconfig.LoadBoards(t.cfg); err != nil {
		log.WithError(err).Error("trace: load board config")
		return subcommands.ExitFailure
	}
	devices, err := newDevices()
	if err != nil {
		log.WithError(err).Error("trace: device discovery")
		return subcommands.ExitFailure
	}

	sup := supervisor.New(supervisor.Config{
		Board:          t.cfg.Board,
		CPU:            t.cfg.CPU,
		Tracing:        t.cfg.Tracing,
		Polling:        t.cfg.Polling,
		ETFStopOnFlush: t.cfg.ETFStopOnFlush,
		ETFThreshold:   t.cfg.ETFThreshold,
		Verbose:        t.cfg.Verbose,
		Finalize: finalize.Config{
			Decoding:     t.cfg.Decoding,
			ExportConfig: t.cfg.ExportConfig,
			OutDir:       t.cfg.OutDir,
		},
	}, devices, decoderFactory(t.cfg), log)

	sess, err := sup.Run(argv)
	if err != nil {
		log.WithError(err).Error("trace: run")
		return subcommands.ExitFailure
	}
	if sess.NeedsRerun {
		log.Warn("trace: decoder reported an incomplete trace; raw trace exported for offline recovery")
	}
	return subcommands.ExitSuccess
}

// newDevices is the hook a real deployment replaces to return a csdevice
// library implementation; the library itself is an external collaborator
// out of scope here (spec §1, §6.2).
var newDevices = func() (csdevice.Devices, error) {
	return nil, fmt.Errorf("cstrace: no csdevice.Devices implementation linked into this build")
}
