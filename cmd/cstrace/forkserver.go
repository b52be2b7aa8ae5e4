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
	"os"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	intconfig "github.com/hw2h/coresight-trace/internal/config"
	intlog "github.com/hw2h/coresight-trace/internal/log"
	"github.com/hw2h/coresight-trace/pkg/finalize"
	"github.com/hw2h/coresight-trace/pkg/forkserver"
	"github.com/hw2h/coresight-trace/pkg/launch"
)

// Forkserver implements subcommands.Command for persistent forkserver-mode
// tracing (spec §1 "a persistent forkserver mode in which a long-lived
// supervisor traces successive forks of a target on demand from a fuzzer").
type Forkserver struct {
	cfg intconfig.Config
}

func (*Forkserver) Name() string     { return "forkserver" }
func (*Forkserver) Synopsis() string { return "run a persistent forkserver-mode tracer" }
func (*Forkserver) Usage() string {
	return "forkserver [flags] -- EXE [ARGS]\n"
}

func (fs *Forkserver) SetFlags(f *flag.FlagSet) {
	intconfig.RegisterFlags(f, &fs.cfg)
}

func (fs *Forkserver) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	argv := f.Args()
	if len(argv) == 0 {
		fmt.Println(fs.Usage())
		return subcommands.ExitUsageError
	}

	log := intlog.New(fs.cfg.Verbose)
	if err := intconfig.LoadBoards(fs.cfg); err != nil {
		log.WithError(err).Error("forkserver: load board config")
		return subcommands.ExitFailure
	}
	devices, err := newDevices()
	if err != nil {
		log.WithError(err).Error("forkserver: device discovery")
		return subcommands.ExitFailure
	}

	adapter := forkserver.New(forkserver.Config{
		Board:          fs.cfg.Board,
		Tracing:        fs.cfg.Tracing,
		Polling:        fs.cfg.Polling,
		ETFStopOnFlush: fs.cfg.ETFStopOnFlush,
		ETFThreshold:   fs.cfg.ETFThreshold,
		Verbose:        fs.cfg.Verbose,
		Finalize: finalize.Config{
			Decoding:     fs.cfg.Decoding,
			ExportConfig: fs.cfg.ExportConfig,
			OutDir:       fs.cfg.OutDir,
		},
	}, devices, decoderFactory(fs.cfg), log, nil, nil)

	if err := adapter.OnForkserverBoot(os.Getpid(), 0); err != nil {
		log.WithError(err).Error("forkserver: boot")
		return subcommands.ExitFailure
	}

	runOne := func() (int, uint32, error) {
		target, err := launch.Start(argv, os.Stdout, os.Stderr)
		if err != nil {
			return 0, 0, fmt.Errorf("forkserver: launch: %w", err)
		}
		if err := adapter.OnRunStart(target.Pid); err != nil {
			return target.Pid, 0, fmt.Errorf("forkserver: on_run_start: %w", err)
		}

		var status unix.WaitStatus
		for {
			if err := unix.PtraceSyscall(target.Pid, 0); err != nil {
				return target.Pid, 0, fmt.Errorf("forkserver: ptrace continue: %w", err)
			}
			if _, err := unix.Wait4(target.Pid, &status, 0, nil); err != nil {
				return target.Pid, 0, fmt.Errorf("forkserver: wait4: %w", err)
			}
			if status.Exited() || status.Signaled() {
				break
			}
		}

		if err := adapter.OnRunStop(); err != nil {
			return target.Pid, uint32(status), fmt.Errorf("forkserver: on_run_stop: %w", err)
		}
		return target.Pid, uint32(status), nil
	}

	if err := adapter.Serve(runOne); err != nil {
		log.WithError(err).Error("forkserver: serve")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
