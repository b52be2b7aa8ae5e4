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

// Package board describes the CoreSight board descriptors consumed by the
// device-library collaborator (spec §6.2, §6.4). Real boards are discovered
// and registered by that external library; this package only carries the
// small amount of board-shaped data the rest of the tree needs to compile
// and to be testable without it: a name, a CPU count, and a per-CPU trace-ID
// table.
package board

import "fmt"

// Board is a named CoreSight topology: how many CPUs it has program-flow
// trace sources for, and which trace ID each source tags its packets with
// inside the sink's multiplexed stream.
type Board struct {
	Name     string
	NCPU     int
	TraceIDs []int
}

// Known boards. Real deployments register boards out of a descriptor file;
// we carry a couple of well-known ones so the binary and its tests run
// without one.
var known = map[string]*Board{
	"Marvell ThunderX2": {
		Name:     "Marvell ThunderX2",
		NCPU:     2,
		TraceIDs: []int{0x10, 0x11},
	},
	"Juno": {
		Name:     "Juno",
		NCPU:     6,
		TraceIDs: []int{0x10, 0x11, 0x12, 0x13, 0x14, 0x15},
	},
}

// Register adds or replaces a board descriptor, for callers that load boards
// from an external descriptor file (spec §6.4, out of scope here).
func Register(b *Board) {
	known[b.Name] = b
}

// Lookup returns the named board, or an error if it is not registered.
func Lookup(name string) (*Board, error) {
	b, ok := known[name]
	if !ok {
		return nil, fmt.Errorf("board %q: unknown board", name)
	}
	return b, nil
}

// TraceID returns the trace ID the named board assigns to cpu, or -1 if cpu
// is out of range for the board (spec §3: "negative means unknown and
// disables decoding").
func TraceID(name string, cpu int) int {
	b, err := Lookup(name)
	if err != nil || cpu < 0 || cpu >= len(b.TraceIDs) {
		return -1
	}
	return b.TraceIDs[cpu]
}
