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

// Package forkserver implements the Forkserver Adapter (spec §4.7): the
// persistent-tracer entry points a fuzzer harness drives, wrapped around the
// standard AFL forkserver wire protocol (control/status pipes, FORKSRV_FD).
//
// The original's afl_init_trace/afl_start_trace/afl_stop_trace callbacks are
// plain methods (OnForkserverBoot, OnRunStart, OnRunStop). No channel sits
// between the harness loop and the adapter: Serve calls a caller-supplied
// runOne function, which calls OnRunStart and OnRunStop itself.
package forkserver

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/hw2h/coresight-trace/pkg/addrspace"
	"github.com/hw2h/coresight-trace/pkg/board"
	"github.com/hw2h/coresight-trace/pkg/csdevice"
	"github.com/hw2h/coresight-trace/pkg/finalize"
	"github.com/hw2h/coresight-trace/pkg/session"
	"github.com/hw2h/coresight-trace/pkg/topology"
	"github.com/hw2h/coresight-trace/pkg/tracebuf"
	"github.com/hw2h/coresight-trace/pkg/tracectl"
	"github.com/hw2h/coresight-trace/pkg/watchdog"
)

// ForksrvFD is the control-pipe file descriptor the AFL forkserver
// convention reserves (AFL's FORKSRV_FD); the status pipe is ForksrvFD+1.
const ForksrvFD = 198

const wordSize = 4

// Config mirrors the CLI options relevant to a persistent forkserver run
// (spec §6.1, §4.7).
type Config struct {
	Board          string
	Tracing        bool
	Polling        bool
	ETFStopOnFlush bool
	ETFThreshold   float64
	Verbose        int

	Finalize finalize.Config
}

// Adapter drives a single long-lived tracer across many forked targets.
type Adapter struct {
	cfg            Config
	devices        csdevice.Devices
	decoderFactory finalize.DecoderFactory
	log            *logrus.Entry

	sess    *session.Session
	traceID int

	ctrl   *os.File
	status *os.File
}

// New wraps devices for forkserver-mode tracing. ctrl/status default to the
// standard AFL forkserver fds when nil.
func New(cfg Config, devices csdevice.Devices, newDecoder finalize.DecoderFactory, log *logrus.Entry, ctrl, status *os.File) *Adapter {
	if ctrl == nil {
		ctrl = os.NewFile(uintptr(ForksrvFD), "forksrv-ctrl")
	}
	if status == nil {
		status = os.NewFile(uintptr(ForksrvFD+1), "forksrv-status")
	}
	return &Adapter{cfg: cfg, devices: devices, decoderFactory: newDecoder, log: log, ctrl: ctrl, status: status}
}

// OnForkserverBoot selects the trace CPU relative to the fuzzer process
// (forksrvPID) so the tracer's CPU is disjoint from the fuzzer's cores, then
// initialises the session against the first target (spec §4.7).
//
// The board lookup and device Init are retried together with exponential
// backoff. No u-dma-buf sysfs entry is read here.
func (a *Adapter) OnForkserverBoot(forksrvPID, targetPID int) error {
	traceCPU, err := topology.Preferred(forksrvPID, runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("forkserver: select trace cpu: %w", err)
	}

	var b *board.Board
	op := func() error {
		devB, err := board.Lookup(a.cfg.Board)
		if err != nil {
			return err
		}
		b = devB
		return a.devices.Init(a.cfg.Board)
	}
	if err := backoff.Retry(op, backoff.NewExponentialBackOff()); err != nil {
		return fmt.Errorf("forkserver: init board %q: %w", a.cfg.Board, err)
	}

	ctl := tracectl.New(a.devices, a.cfg.ETFStopOnFlush)
	a.sess = session.New(b, ctl, tracebuf.New(), traceCPU)
	a.traceID = a.sess.TraceID

	if targetPID > 0 {
		tracker := addrspace.NewTracker(a.cfg.Verbose > 0)
		if err := tracker.Seed(targetPID); err != nil {
			return fmt.Errorf("forkserver: seed address space: %w", err)
		}
		a.sess.Ranges = tracker.Ranges()
	}

	if a.cfg.Polling {
		wd := watchdog.New(a.sess, targetPID, a.cfg.ETFThreshold, a.log)
		go wd.Run()
	}
	return nil
}

// OnRunStart pins the CPU, allocates a fresh TraceBuffer, configures on the
// session's first run, and enables tracing (spec §4.7). pid=0 is passed to
// Configure in forkserver mode since successive runs have different target
// pids (spec §4.7 "filtering is by address range only").
func (a *Adapter) OnRunStart(targetPID int) error {
	if err := topology.Pin(targetPID, a.sess.TraceCPU); err != nil {
		return fmt.Errorf("forkserver: pin trace cpu: %w", err)
	}

	a.sess.Mu.Lock()
	defer a.sess.Mu.Unlock()

	a.sess.Buffer = tracebuf.New()
	if !a.cfg.Tracing {
		return nil
	}
	if err := a.sess.Controller.Configure(a.sess.DeviceRanges(), 0); err != nil {
		return fmt.Errorf("forkserver: configure: %w", err)
	}
	if err := a.sess.Controller.Enable(); err != nil {
		return fmt.Errorf("forkserver: enable: %w", err)
	}
	return nil
}

// OnRunStop stops and drains tracing, allocates the next run_count (flock-
// guarded so concurrent forkserver workers sharing cfg.Finalize.OutDir don't
// collide on a filename), and decodes/exports per Config (spec §4.7).
func (a *Adapter) OnRunStop() error {
	a.sess.Mu.Lock()
	var stopErr error
	if a.cfg.Tracing {
		stopErr = a.sess.Controller.Stop()
		if _, err := a.sess.Controller.Drain(a.sess.Buffer); err != nil && stopErr == nil {
			stopErr = err
		}
	}
	a.sess.Mu.Unlock()
	if stopErr != nil {
		a.log.WithError(stopErr).Warn("forkserver: stop/drain")
	}

	runCfg := a.cfg.Finalize
	runCfg.Forkserver = true

	runCount, err := finalize.NextRunCount(runCfg.OutDir)
	if err != nil {
		a.log.WithError(err).Warn("forkserver: allocate run count")
	} else {
		a.sess.RunCount = runCount
	}

	if err := finalize.Finalize(a.sess, runCfg, a.decoderFactory); err != nil {
		a.log.WithError(err).Warn("forkserver: finalize")
	}
	return nil
}

// Serve runs the AFL forkserver wire protocol loop until the control pipe
// reports EOF (spec SPEC_FULL "Forkserver wire protocol"): it reads a 4-byte
// run request, asks runOne to fork/exec/trace/teardown the target, then
// reports the child's pid and wait status on the status pipe.
//
// runOne is supplied by the caller (cmd/cstrace) since forking the actual
// target, pumping its ptrace main loop, and calling OnRunStart/OnRunStop
// around it is orchestration, not adapter state.
func (a *Adapter) Serve(runOne func() (pid int, waitStatus uint32, err error)) error {
	if err := a.writeHello(); err != nil {
		return err
	}

	var req [wordSize]byte
	for {
		if _, err := io.ReadFull(a.ctrl, req[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("forkserver: read control pipe: %w", err)
		}

		pid, waitStatus, err := runOne()
		if err != nil {
			a.log.WithError(err).Warn("forkserver: run")
		}

		if err := a.writeWord(uint32(pid)); err != nil {
			return err
		}
		if err := a.writeWord(waitStatus); err != nil {
			return err
		}
	}
}

func (a *Adapter) writeHello() error {
	return a.writeWord(0)
}

func (a *Adapter) writeWord(v uint32) error {
	var buf [wordSize]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if _, err := a.status.Write(buf[:]); err != nil {
		return fmt.Errorf("forkserver: write status pipe: %w", err)
	}
	return nil
}

// Session exposes the adapter's session for callers that need to observe
// NeedsRerun/RunCount between runs (e.g. for test assertions).
func (a *Adapter) Session() *session.Session { return a.sess }
