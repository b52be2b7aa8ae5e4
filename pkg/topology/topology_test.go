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

package topology

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"
)

// withFixture writes a fixture core_cpus_list file per CPU and redirects
// coreCPUsListPath to the test's temp directory layout.
func withFixture(t *testing.T, siblings map[int]string) {
	t.Helper()
	dir := t.TempDir()
	for cpu, list := range siblings {
		path := filepath.Join(dir, strconv.Itoa(cpu))
		if err := os.WriteFile(path, []byte(list), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	origPath := coreCPUsListPath
	coreCPUsListPath = func(cpu int) string { return filepath.Join(dir, strconv.Itoa(cpu)) }
	t.Cleanup(func() { coreCPUsListPath = origPath })
}

func TestPreferredPicksCPUOutsideSiblingGroup(t *testing.T) {
	// 4 CPUs, two physical cores: {0,1} and {2,3}. The target is bound to
	// CPU 0, so CPU 2 (lowest not in {0,1}) is preferred.
	withFixture(t, map[int]string{
		0: "0,1",
		1: "0,1",
		2: "2,3",
		3: "2,3",
	})

	orig := getAffinity
	defer func() { getAffinity = orig }()
	getAffinity = func(pid int) (unix.CPUSet, error) {
		var set unix.CPUSet
		set.Set(0)
		return set, nil
	}

	got, err := Preferred(1234, 4)
	if err != nil {
		t.Fatalf("Preferred() error = %v", err)
	}
	if got != 2 {
		t.Fatalf("Preferred() = %d, want 2", got)
	}
}

func TestPreferredReturnsNegativeOneWhenEverythingShared(t *testing.T) {
	withFixture(t, map[int]string{
		0: "0,1",
		1: "0,1",
	})

	orig := getAffinity
	defer func() { getAffinity = orig }()
	getAffinity = func(pid int) (unix.CPUSet, error) {
		var set unix.CPUSet
		set.Set(0)
		set.Set(1)
		return set, nil
	}

	got, err := Preferred(1234, 2)
	if err != nil {
		t.Fatalf("Preferred() error = %v", err)
	}
	if got != -1 {
		t.Fatalf("Preferred() = %d, want -1", got)
	}
}

func TestReadCoreSiblingsParsesRanges(t *testing.T) {
	withFixture(t, map[int]string{0: "0-3"})
	got, err := readCoreSiblings(0)
	if err != nil {
		t.Fatalf("readCoreSiblings() error = %v", err)
	}
	want := []int{0, 1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("readCoreSiblings() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("readCoreSiblings() = %v, want %v", got, want)
		}
	}
}
