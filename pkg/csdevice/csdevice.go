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

// Package csdevice specifies the contract the on-chip trace device library
// must satisfy (spec §6.2). The library itself — device discovery, register
// programming, the ETB/ETF/ETR sink drivers — is an external collaborator
// out of scope for this repository; only the interfaces are specified here,
// together with a fake implementation (in the fake subpackage) used by this
// repository's own tests.
package csdevice

import "fmt"

// Range is a memory range to filter a trace source on. It mirrors
// addrspace.ExecRange without importing that package, so csdevice has no
// dependency on how ranges are discovered.
type Range struct {
	Start uint64
	End   uint64
	Path  string
}

// Source is a per-CPU program-flow trace source (ETM/PTM).
type Source interface {
	Enable() error
	Disable() error
}

// SinkState is a snapshot of a sink's occupancy (spec §3).
type SinkState struct {
	RWP         uint64
	UnreadBytes int
	Wrapped     bool
	Depth       int
}

// Sink is an on-chip trace buffer (ETB/ETF/ETR).
type Sink interface {
	Enable() error
	Disable() error
	FlushAndWait() error

	State() (SinkState, error)

	// Read copies up to len(dest) unread bytes out of the sink and returns
	// how many were copied.
	Read(dest []byte) (int, error)

	// Empty clears the sink's read pointer, discarding any bytes not
	// copied out by Read.
	Empty() error
}

// Devices is the set of trace devices for one board, discovered and owned by
// the external device library (spec §6.2).
type Devices interface {
	// Init discovers devices for the named board.
	Init(boardName string) error

	// Configure programs every source with an address-range filter and,
	// when pid is nonzero, a process-context filter (spec §4.5, §4.7: pid
	// is 0 in forkserver mode so that filtering is by address range only).
	Configure(ranges []Range, pid int) error

	// Sources returns the per-CPU trace sources, in the order they should
	// be disabled during Stop (spec §4.5: sources before sinks).
	Sources() []Source

	// AuxSink returns a secondary sink to disable after sources but before
	// the primary sink, or nil if the board has none.
	AuxSink() Sink

	// PrimarySink returns the sink that accumulates drained trace bytes.
	PrimarySink() Sink

	// Checkpoint flushes any pending register writes to hardware.
	Checkpoint() error

	// Shutdown releases all device handles.
	Shutdown() error
}

// ErrNotInitialized is returned by operations attempted before Init.
var ErrNotInitialized = fmt.Errorf("csdevice: not initialized")
