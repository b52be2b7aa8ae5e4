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

// Package launch starts the traced child process and waits for the initial
// stop the Supervisor's state machine hooks off of (spec §4.6
// "Initialisation edge").
package launch

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Target is a freshly forked, PTRACE_TRACEME'd, and exec'd child, stopped at
// its first post-exec SIGTRAP (spec SPEC_FULL Open Question #5: this
// repository treats that stop as the initialisation edge, in place of
// PTRACE_EVENT_VFORK_DONE, since the child is created with a plain
// clone+execve rather than vfork).
type Target struct {
	Pid int
	cmd *exec.Cmd
}

// Start forks argv[0] with argv as its arguments, traces it from execve, and
// blocks until the child's initial post-exec SIGTRAP.
func Start(argv []string, stdout, stderr *os.File) (*Target, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("launch: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace: true,
		// A dying tracer should not leave an untraced, unbounded target
		// behind (analogous to the stub's PDEATHSIG setup in the teacher's
		// forkStub).
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("launch: start %q: %w", argv[0], err)
	}

	pid := cmd.Process.Pid
	var status unix.WaitStatus
	if _, err := unix.Wait4(pid, &status, 0, nil); err != nil {
		return nil, fmt.Errorf("launch: wait4 initial stop: %w", err)
	}
	if !status.Stopped() || status.StopSignal() != unix.SIGTRAP {
		return nil, fmt.Errorf("launch: expected initial SIGTRAP, got status %v", status)
	}

	// Reasonable ptrace options for the syscall-stop driven main loop: mark
	// syscall stops with SIGTRAP|0x80, and stop on the next execve if the
	// target re-execs.
	if err := unix.PtraceSetOptions(pid, unix.PTRACE_O_TRACESYSGOOD|unix.PTRACE_O_TRACEEXEC); err != nil {
		return nil, fmt.Errorf("launch: PTRACE_SETOPTIONS: %w", err)
	}

	return &Target{Pid: pid, cmd: cmd}, nil
}

// Release detaches resources held for the child (its exec.Cmd bookkeeping);
// it does not itself kill or wait on the process.
func (t *Target) Release() {
	t.cmd = nil
}
