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

// Package tracebuf implements the growable in-memory arena that accumulates
// drained trace bytes across many drain cycles (spec §4.3).
package tracebuf

import "github.com/hw2h/coresight-trace/pkg/csdevice"

// DefaultSize is the initial capacity of a new Buffer.
const DefaultSize = 0x80000

const alignment = 8

func alignUp(v int) int {
	return (v + alignment - 1) &^ (alignment - 1)
}

// Buffer is the trace-buffer arena (spec §3 TraceBuffer). It is owned
// exclusively by the Supervisor; callers are responsible for holding the
// session lock around any method here, since the Supervisor and Sink
// Watchdog serialize all access to it (spec §5).
type Buffer struct {
	data []byte
	head int
}

// New allocates a Buffer with the default initial capacity.
func New() *Buffer {
	return &Buffer{data: make([]byte, DefaultSize)}
}

// Reset rewinds the buffer to empty without releasing its backing storage.
func (b *Buffer) Reset() {
	b.head = 0
}

// Head returns the number of valid bytes currently in the buffer.
func (b *Buffer) Head() int { return b.head }

// Bytes returns the valid prefix of the buffer, up to Head(). The returned
// slice aliases the buffer's storage and must not be retained across a call
// that may grow the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.head] }

// grow doubles the buffer's capacity, preserving existing contents and the
// head offset (spec §3: "reallocation preserves head's offset").
func (b *Buffer) grow() {
	next := make([]byte, len(b.data)*2)
	copy(next, b.data[:b.head])
	b.data = next
}

// AppendFromSink drains all unread bytes from sink into the buffer, growing
// it as needed, then empties the sink. It returns the number of bytes
// copied.
//
// head is rounded up to 8-byte alignment before the read, since sink reads
// are word-aligned (spec §4.3).
func (b *Buffer) AppendFromSink(sink csdevice.Sink) (int, error) {
	state, err := sink.State()
	if err != nil {
		return 0, err
	}

	b.head = alignUp(b.head)
	for state.UnreadBytes > len(b.data)-b.head {
		b.grow()
	}

	n, err := sink.Read(b.data[b.head : b.head+state.UnreadBytes])
	if err != nil {
		return 0, err
	}
	b.head += n
	if err := sink.Empty(); err != nil {
		return n, err
	}
	return n, nil
}

// Release returns the buffer's backing storage to the runtime. Future use of
// the Buffer is invalid.
func (b *Buffer) Release() {
	b.data = nil
	b.head = 0
}
