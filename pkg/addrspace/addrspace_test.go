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

package addrspace

import "testing"

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, align, want uint64 }{
		{0, PageSize, 0},
		{1, PageSize, PageSize},
		{PageSize, PageSize, PageSize},
		{PageSize + 1, PageSize, 2 * PageSize},
	}
	for _, c := range cases {
		if got := AlignUp(c.v, c.align); got != c.want {
			t.Errorf("AlignUp(%#x, %#x) = %#x, want %#x", c.v, c.align, got, c.want)
		}
	}
}

func TestTrackerMmapToggle(t *testing.T) {
	orig := regsReader
	origFd := fdPathResolver
	defer func() { regsReader = orig; fdPathResolver = origFd }()

	fdPathResolver = func(pid, fd int) string { return "/lib/libfoo.so" }

	tr := NewTracker(false)

	// Syscall-entry: mmap(addr=0, length=0x2000, prot=PROT_EXEC, fd=5).
	regsReader = func(pid int) (rawRegs, error) {
		var r rawRegs
		setSyscallTestRegs(&r, sysMmap, []uint64{0, 0x2000, protExec, 0, 5, 0}, 0)
		return r, nil
	}
	isExit, err := tr.OnSyscallEnter(1)
	if err != nil || isExit {
		t.Fatalf("OnSyscallEnter() = (%v, %v), want (false, nil)", isExit, err)
	}

	// Syscall-exit: return value is the mapped address.
	regsReader = func(pid int) (rawRegs, error) {
		var r rawRegs
		setSyscallTestRegs(&r, sysMmap, nil, 0x400000)
		return r, nil
	}
	if err := tr.OnSyscallExit(1); err != nil {
		t.Fatalf("OnSyscallExit() = %v, want nil", err)
	}

	got := tr.Ranges()
	if len(got) != 1 {
		t.Fatalf("len(Ranges()) = %d, want 1", len(got))
	}
	if got[0].Start != 0x400000 {
		t.Errorf("Start = %#x, want 0x400000", got[0].Start)
	}
	if got[0].End != AlignUp(0x400000+0x2000, PageSize) {
		t.Errorf("End = %#x, want page-aligned end", got[0].End)
	}
	if got[0].Path != "/lib/libfoo.so" {
		t.Errorf("Path = %q, want /lib/libfoo.so", got[0].Path)
	}
}

func TestTrackerSkipsNonExecOrLowFd(t *testing.T) {
	orig := regsReader
	defer func() { regsReader = orig }()

	tr := NewTracker(false)

	regsReader = func(pid int) (rawRegs, error) {
		var r rawRegs
		// prot has no PROT_EXEC bit set.
		setSyscallTestRegs(&r, sysMmap, []uint64{0, 0x1000, 0, 0, 5, 0}, 0)
		return r, nil
	}
	tr.OnSyscallEnter(1)
	regsReader = func(pid int) (rawRegs, error) {
		var r rawRegs
		setSyscallTestRegs(&r, sysMmap, nil, 0x500000)
		return r, nil
	}
	if err := tr.OnSyscallExit(1); err != nil {
		t.Fatalf("OnSyscallExit() = %v", err)
	}
	if len(tr.Ranges()) != 0 {
		t.Fatalf("len(Ranges()) = %d, want 0 (no PROT_EXEC)", len(tr.Ranges()))
	}
}

func TestTrackerMapFailedSentinel(t *testing.T) {
	orig := regsReader
	origFd := fdPathResolver
	defer func() { regsReader = orig; fdPathResolver = origFd }()
	fdPathResolver = func(pid, fd int) string { return "/lib/libfoo.so" }

	tr := NewTracker(false)
	regsReader = func(pid int) (rawRegs, error) {
		var r rawRegs
		setSyscallTestRegs(&r, sysMmap, []uint64{0, 0x1000, protExec, 0, 5, 0}, 0)
		return r, nil
	}
	tr.OnSyscallEnter(1)

	regsReader = func(pid int) (rawRegs, error) {
		var r rawRegs
		// MAP_FAILED == (void *)-1, not NULL.
		setSyscallTestRegs(&r, sysMmap, nil, ^uint64(0))
		return r, nil
	}
	if err := tr.OnSyscallExit(1); err != nil {
		t.Fatalf("OnSyscallExit() = %v", err)
	}
	if len(tr.Ranges()) != 0 {
		t.Fatalf("len(Ranges()) = %d, want 0 on MAP_FAILED", len(tr.Ranges()))
	}
}

func TestTrackerRangeMax(t *testing.T) {
	tr := NewTracker(false)
	for i := 0; i < RangeMax+8; i++ {
		tr.append(ExecRange{Start: uint64(i), End: uint64(i + 1), Path: "x"})
	}
	if len(tr.Ranges()) != RangeMax {
		t.Fatalf("len(Ranges()) = %d, want %d", len(tr.Ranges()), RangeMax)
	}
	if tr.Dropped() != 8 {
		t.Fatalf("Dropped() = %d, want 8", tr.Dropped())
	}
}
