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

// Package supervisor implements the ptrace-driven state machine that
// correlates target stop reasons with tracing actions (spec §4.6).
package supervisor

import (
	"fmt"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hw2h/coresight-trace/pkg/addrspace"
	"github.com/hw2h/coresight-trace/pkg/board"
	"github.com/hw2h/coresight-trace/pkg/csdevice"
	"github.com/hw2h/coresight-trace/pkg/finalize"
	"github.com/hw2h/coresight-trace/pkg/launch"
	"github.com/hw2h/coresight-trace/pkg/session"
	"github.com/hw2h/coresight-trace/pkg/topology"
	"github.com/hw2h/coresight-trace/pkg/tracebuf"
	"github.com/hw2h/coresight-trace/pkg/tracectl"
	"github.com/hw2h/coresight-trace/pkg/watchdog"
)

// Config controls which tracing behaviors the Supervisor exercises, mirroring
// the CLI options of spec §6.1.
type Config struct {
	Board          string
	CPU            int // forced trace CPU; negative selects automatically.
	Tracing        bool
	Polling        bool
	ETFStopOnFlush bool
	ETFThreshold   float64
	Verbose        int

	Finalize finalize.Config
}

// Supervisor runs the ptrace main loop for one target.
type Supervisor struct {
	cfg            Config
	devices        csdevice.Devices
	decoderFactory finalize.DecoderFactory
	log            *logrus.Entry
}

// New returns a Supervisor that will program devices and, if decoding is
// requested downstream, construct decoders via newDecoder.
func New(cfg Config, devices csdevice.Devices, newDecoder finalize.DecoderFactory, log *logrus.Entry) *Supervisor {
	return &Supervisor{cfg: cfg, devices: devices, decoderFactory: newDecoder, log: log}
}

// Run launches argv, traces it to exit, and returns the finished session.
//
// The calling goroutine's OS thread is locked for the lifetime of the trace:
// ptrace requires every control call (PTRACE_SYSCALL, PTRACE_GETREGSET, ...)
// to originate from the same thread that attached (here, implicitly, via
// PTRACE_TRACEME in the child and the first successful wait4 in the parent).
func (s *Supervisor) Run(argv []string) (*session.Session, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	target, err := launch.Start(argv, os.Stdout, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("supervisor: launch: %w", err)
	}

	sess, tracker, err := s.initSession(target.Pid)
	if err != nil {
		return nil, err
	}

	if s.cfg.Polling {
		wd := watchdog.New(sess, target.Pid, s.cfg.ETFThreshold, s.log)
		go wd.Run()
	}

	if err := s.loop(target.Pid, sess, tracker); err != nil {
		return sess, err
	}
	return sess, nil
}

// initSession implements the Initialisation edge (spec §4.6): pin the CPU,
// seed the address-space tracker, build the session, and — if tracing is
// enabled — configure and enable the hardware.
func (s *Supervisor) initSession(pid int) (*session.Session, *addrspace.Tracker, error) {
	tracker := addrspace.NewTracker(s.cfg.Verbose > 0)
	if err := tracker.Seed(pid); err != nil {
		return nil, nil, fmt.Errorf("supervisor: seed address space: %w", err)
	}

	traceCPU := s.cfg.CPU
	if traceCPU < 0 {
		picked, err := topology.Preferred(pid, runtime.NumCPU())
		if err != nil {
			return nil, nil, fmt.Errorf("supervisor: select trace cpu: %w", err)
		}
		traceCPU = picked
	}
	if err := topology.Pin(pid, traceCPU); err != nil {
		return nil, nil, fmt.Errorf("supervisor: pin trace cpu: %w", err)
	}

	b, err := board.Lookup(s.cfg.Board)
	if err != nil {
		return nil, nil, fmt.Errorf("supervisor: %w", err)
	}

	ctl := tracectl.New(s.devices, s.cfg.ETFStopOnFlush)
	if err := ctl.Init(s.cfg.Board); err != nil {
		return nil, nil, fmt.Errorf("supervisor: %w", err)
	}

	sess := session.New(b, ctl, tracebuf.New(), traceCPU)
	sess.Ranges = tracker.Ranges()

	if s.cfg.Tracing {
		sess.Mu.Lock()
		err := ctl.Configure(sess.DeviceRanges(), pid)
		if err == nil {
			err = ctl.Enable()
		}
		sess.Mu.Unlock()
		if err != nil {
			return nil, nil, fmt.Errorf("supervisor: %w", err)
		}
	}

	return sess, tracker, nil
}

// loop implements the main loop table of spec §4.6.
func (s *Supervisor) loop(pid int, sess *session.Session, tracker *addrspace.Tracker) error {
	nextIsEntry := true
	resumeSig := 0

	for {
		if err := unix.PtraceSyscall(pid, resumeSig); err != nil {
			return fmt.Errorf("supervisor: ptrace(PTRACE_SYSCALL): %w", err)
		}
		resumeSig = 0

		var status unix.WaitStatus
		if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
			return fmt.Errorf("supervisor: wait4: %w", err)
		}

		switch {
		case status.Exited(), status.Signaled():
			sess.Mu.Lock()
			if sess.Started() {
				if err := sess.Controller.Stop(); err != nil {
					s.log.WithError(err).Warn("supervisor: stop on exit")
				}
				if _, err := sess.Controller.Drain(sess.Buffer); err != nil {
					s.log.WithError(err).Warn("supervisor: drain on exit")
				}
			}
			sess.Ranges = tracker.Ranges()
			sess.Mu.Unlock()
			if err := finalize.Finalize(sess, s.cfg.Finalize, s.decoderFactory); err != nil {
				s.log.WithError(err).Warn("supervisor: finalize")
			}
			return nil

		case status.Stopped() && status.StopSignal() == unix.SIGTRAP|0x80:
			// Syscall stop: launch sets PTRACE_O_TRACESYSGOOD, so the kernel
			// reports these as SIGTRAP with bit 0x80 set.
			s.handleSyscallStop(pid, tracker, nextIsEntry)
			nextIsEntry = !nextIsEntry

		case status.Stopped() && status.StopSignal() == unix.SIGTRAP:
			// ptrace event stop (e.g. PTRACE_EVENT_EXEC): resume without
			// injecting a signal.

		case status.Stopped() && status.StopSignal() == unix.SIGSTOP:
			s.handleWatchdogStop(sess)

		case status.Stopped():
			// Other stop: forward the signal on the next resume instead of
			// issuing a second PTRACE_SYSCALL here, which would hit ESRCH
			// since the tracee is still stopped.
			resumeSig = int(status.StopSignal())
		}
	}
}

// handleSyscallStop implements the mmap/exit_group row of the main-loop
// table (spec §4.2, §4.6).
func (s *Supervisor) handleSyscallStop(pid int, tracker *addrspace.Tracker, isEntry bool) {
	if isEntry {
		isExitGroup, err := tracker.OnSyscallEnter(pid)
		if err != nil {
			s.log.WithError(err).Warn("supervisor: syscall-entry")
			return
		}
		if isExitGroup && s.cfg.Verbose > 0 {
			s.log.WithField("ranges", len(tracker.Ranges())).Info("supervisor: exit_group observed")
		}
		return
	}
	if err := tracker.OnSyscallExit(pid); err != nil {
		s.log.WithError(err).Warn("supervisor: syscall-exit")
	}
}

// handleWatchdogStop implements the SIGSTOP row of the main-loop table
// (spec §4.6): stop, drain, re-enable without reconfiguring, and signal the
// Watchdog exactly once.
func (s *Supervisor) handleWatchdogStop(sess *session.Session) {
	sess.Mu.Lock()
	defer sess.Mu.Unlock()

	state, err := sess.Controller.SinkState()
	if err == nil && state.Wrapped {
		s.log.WithField("unread_bytes", state.UnreadBytes).Warn("supervisor: sink wrapped before drain")
	}

	if err := sess.Controller.Stop(); err != nil {
		s.log.WithError(err).Warn("supervisor: watchdog-induced stop")
	}
	if _, err := sess.Controller.Drain(sess.Buffer); err != nil {
		s.log.WithError(err).Warn("supervisor: watchdog-induced drain")
	}
	if err := sess.Controller.Enable(); err != nil {
		s.log.WithError(err).Warn("supervisor: watchdog-induced re-enable")
	}
	sess.Drained.Signal()
}
