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

//go:build linux && amd64

package addrspace

import "golang.org/x/sys/unix"

// rawRegs is the architecture's native general-purpose register set.
type rawRegs = unix.PtraceRegs

// Syscall numbers used on this architecture. CoreSight targets are
// overwhelmingly arm64, but amd64 is kept buildable for host-side
// development and unit testing away from target hardware.
const (
	sysMmap      = 9
	sysExitGroup = 231
)

func readRegs(pid int) (rawRegs, error) {
	var regs unix.PtraceRegs
	err := unix.PtraceGetRegs(pid, &regs)
	return regs, err
}

func syscallNo(r *rawRegs) uint64 { return r.Orig_rax }

func syscallArg(r *rawRegs, i int) uint64 {
	switch i {
	case 0:
		return r.Rdi
	case 1:
		return r.Rsi
	case 2:
		return r.Rdx
	case 3:
		return r.R10
	case 4:
		return r.R8
	case 5:
		return r.R9
	default:
		return 0
	}
}

func syscallReturn(r *rawRegs) uint64 { return r.Rax }
