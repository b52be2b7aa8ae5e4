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

// Package session holds the per-target tracing state shared by the
// Supervisor, the Sink Watchdog, and the Forkserver Adapter (spec §3
// TraceSession).
package session

import (
	"sync"

	"github.com/hw2h/coresight-trace/pkg/addrspace"
	"github.com/hw2h/coresight-trace/pkg/board"
	"github.com/hw2h/coresight-trace/pkg/csdevice"
	"github.com/hw2h/coresight-trace/pkg/decoder"
	"github.com/hw2h/coresight-trace/pkg/tracebuf"
	"github.com/hw2h/coresight-trace/pkg/tracectl"
)

// Session is the single locked object the Supervisor and Watchdog share
// (spec §5: "One mutex + one condition variable guard the TraceSession's
// started flag, the TraceBuffer's {base,size,head}, and all Trace
// Controller calls").
type Session struct {
	// Mu guards every field below plus all Controller and Buffer calls.
	// Both the Supervisor and the Watchdog must hold it while touching any
	// of this state.
	Mu sync.Mutex
	// Drained is signalled by the Supervisor exactly once per Watchdog
	// SIGSTOP, after stop+drain+re-enable completes (spec §4.6, §5).
	Drained *sync.Cond

	Board      *board.Board
	Controller *tracectl.Controller
	Buffer     *tracebuf.Buffer
	Decoder    decoder.Decoder

	TraceCPU int
	TraceID  int
	Ranges   []addrspace.ExecRange

	NeedsRerun bool
	RunCount   int
}

// New builds a Session over b/ctl/buf, with trace_id resolved from the
// board descriptor for traceCPU (spec §3: "negative means unknown and
// disables decoding").
func New(b *board.Board, ctl *tracectl.Controller, buf *tracebuf.Buffer, traceCPU int) *Session {
	s := &Session{
		Board:      b,
		Controller: ctl,
		Buffer:     buf,
		TraceCPU:   traceCPU,
		TraceID:    board.TraceID(b.Name, traceCPU),
	}
	s.Drained = sync.NewCond(&s.Mu)
	return s
}

// Started reports whether the session's hardware sources and sink are
// active. Delegates to the Controller, which is the sole owner of the
// started flag (spec §4.5, §4.6).
func (s *Session) Started() bool { return s.Controller.Started() }

// Configured reports whether Configure has run once already this session.
func (s *Session) Configured() bool { return s.Controller.Configured() }

// DecodingEnabled reports whether this session's trace_id is known, the
// precondition for constructing a decoder at all (spec §3, §4.8).
func (s *Session) DecodingEnabled() bool { return s.TraceID >= 0 }

// DeviceRanges returns the currently tracked exec ranges as a csdevice.Range
// slice, the shape the device-library contract expects.
func (s *Session) DeviceRanges() []csdevice.Range {
	out := make([]csdevice.Range, len(s.Ranges))
	for i, r := range s.Ranges {
		out[i] = csdevice.Range{Start: r.Start, End: r.End, Path: r.Path}
	}
	return out
}

// DecoderRanges returns the currently tracked exec ranges as a
// decoder.MemoryMap, the shape the decoder contract expects.
func (s *Session) DecoderRanges() []decoder.MemoryMap {
	out := make([]decoder.MemoryMap, len(s.Ranges))
	for i, r := range s.Ranges {
		out[i] = decoder.MemoryMap{Start: r.Start, End: r.End, Path: r.Path}
	}
	return out
}
