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

// setSyscallTestRegs populates r as if it had been read at a syscall stop
// with the given syscall number, argument registers, and return value.
func setSyscallTestRegs(r *rawRegs, sysno uint64, args []uint64, ret uint64) {
	r.Regs[8] = sysno
	r.Regs[0] = ret
	for i, v := range args {
		if i < len(r.Regs) {
			r.Regs[i] = v
		}
	}
}
