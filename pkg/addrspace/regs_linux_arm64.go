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

//go:build linux && arm64

package addrspace

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// rawRegs mirrors the kernel's arm64 user_pt_regs: 31 general-purpose
// registers, stack pointer, program counter, and processor state. The arm64
// ptrace ABI has no PTRACE_GETREGS; registers are read through
// PTRACE_GETREGSET with NT_PRSTATUS, exactly as the original CoreSight
// tracer does.
type rawRegs struct {
	Regs   [31]uint64
	Sp     uint64
	Pc     uint64
	Pstate uint64
}

// __NR_mmap and __NR_exit_group on arm64.
const (
	sysMmap      = 222
	sysExitGroup = 94
)

func readRegs(pid int) (rawRegs, error) {
	var regs rawRegs
	iov := unix.Iovec{
		Base: (*byte)(unsafe.Pointer(&regs)),
		Len:  uint64(unsafe.Sizeof(regs)),
	}
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETREGSET,
		uintptr(pid), uintptr(unix.NT_PRSTATUS), uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return regs, fmt.Errorf("ptrace getregset: %w", errno)
	}
	return regs, nil
}

// syscallNo is passed in x8 per the arm64 syscall calling convention.
func syscallNo(r *rawRegs) uint64 { return r.Regs[8] }

// syscallArg returns argument i (0-indexed) from x0..x5.
func syscallArg(r *rawRegs, i int) uint64 { return r.Regs[i] }

// syscallReturn is the value left in x0 on syscall exit.
func syscallReturn(r *rawRegs) uint64 { return r.Regs[0] }
