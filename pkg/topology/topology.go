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

// Package topology picks and pins the CPU the target and its tracing
// hardware run on (spec §4.1).
package topology

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultTraceCPU is used when the caller has no preference and topology
// discovery fails to name one.
const DefaultTraceCPU = 0

// coreCPUsListPath is a seam so tests can point it at a fixture directory.
var coreCPUsListPath = func(cpu int) string {
	return fmt.Sprintf("/sys/devices/system/cpu/cpu%d/topology/core_cpus_list", cpu)
}

// getAffinity is a seam over sched_getaffinity so tests can run without a
// real scheduler.
var getAffinity = func(pid int) (unix.CPUSet, error) {
	var set unix.CPUSet
	err := unix.SchedGetaffinity(pid, &set)
	return set, err
}

// readCoreSiblings parses /sys/devices/system/cpu/cpuN/topology/core_cpus_list,
// a comma-separated list of CPU numbers (possibly with "a-b" ranges) that
// share a physical core with cpu.
func readCoreSiblings(cpu int) ([]int, error) {
	data, err := os.ReadFile(coreCPUsListPath(cpu))
	if err != nil {
		return nil, err
	}
	var out []int
	for _, tok := range strings.Split(strings.TrimSpace(string(data)), ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(tok, "-"); ok {
			lo64, err1 := strconv.Atoi(lo)
			hi64, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil {
				return nil, fmt.Errorf("topology: bad range %q", tok)
			}
			for i := lo64; i <= hi64; i++ {
				out = append(out, i)
			}
			continue
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("topology: bad cpu %q: %w", tok, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// Preferred returns the lowest-numbered CPU, among 0..nprocs-1, that shares
// no physical core with any CPU currently in pid's affinity mask. It returns
// -1 if every CPU shares a core with the target's current mask (spec §4.1
// "Find CPU core not in the same group of CPU binded to the PID process").
func Preferred(pid, nprocs int) (int, error) {
	mask, err := getAffinity(pid)
	if err != nil {
		return -1, fmt.Errorf("topology: sched_getaffinity: %w", err)
	}

	siblings := make(map[int]bool)
	for cpu := 0; cpu < nprocs; cpu++ {
		if !mask.IsSet(cpu) {
			continue
		}
		cores, err := readCoreSiblings(cpu)
		if err != nil {
			return -1, fmt.Errorf("topology: core siblings of cpu%d: %w", cpu, err)
		}
		for _, c := range cores {
			siblings[c] = true
		}
	}

	for cpu := 0; cpu < nprocs; cpu++ {
		if !siblings[cpu] {
			return cpu, nil
		}
	}
	return -1, nil
}

// Pin restricts pid to run only on cpu (spec §4.1 "Pin"). If cpu is negative,
// DefaultTraceCPU is used instead.
func Pin(pid, cpu int) error {
	if cpu < 0 {
		cpu = DefaultTraceCPU
	}
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		return fmt.Errorf("topology: sched_setaffinity(pid=%d, cpu=%d): %w", pid, cpu, err)
	}
	return nil
}
