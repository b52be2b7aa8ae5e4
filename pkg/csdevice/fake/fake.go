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

// Package fake provides an in-memory stand-in for the csdevice contract,
// used by this repository's own tests in place of the real (and external)
// CoreSight device library.
package fake

import (
	"fmt"
	"sync"

	"github.com/hw2h/coresight-trace/pkg/csdevice"
)

// Source is a fake per-CPU trace source that just records enable/disable
// calls in Log, so tests can assert on ordering.
type Source struct {
	mu      sync.Mutex
	Enabled bool
	Log     *[]string
	name    string
}

func (s *Source) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Enabled = true
	*s.Log = append(*s.Log, "enable:"+s.name)
	return nil
}

func (s *Source) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Enabled = false
	*s.Log = append(*s.Log, "disable:"+s.name)
	return nil
}

// Sink is a fake trace sink backed by an in-memory byte slice that the test
// can pre-load via Feed, simulating bytes the hardware would have captured.
type Sink struct {
	mu      sync.Mutex
	name    string
	log     *[]string
	depth   int
	pending []byte
	rwp     uint64
	wrapped bool
}

// NewSink creates a fake sink with the given capacity in bytes.
func NewSink(name string, log *[]string, depth int) *Sink {
	return &Sink{name: name, log: log, depth: depth}
}

// Feed appends bytes as if the hardware had captured them.
func (s *Sink) Feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, b...)
	s.rwp += uint64(len(b))
	if int(s.rwp) >= s.depth {
		s.wrapped = true
	}
}

// SetWrapped forces the wrapped bit, for S2-style overflow tests.
func (s *Sink) SetWrapped(w bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrapped = w
}

func (s *Sink) Enable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "enable:"+s.name)
	return nil
}

func (s *Sink) Disable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "disable:"+s.name)
	return nil
}

func (s *Sink) FlushAndWait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "flush:"+s.name)
	return nil
}

func (s *Sink) State() (csdevice.SinkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return csdevice.SinkState{
		RWP:         s.rwp,
		UnreadBytes: len(s.pending),
		Wrapped:     s.wrapped,
		Depth:       s.depth,
	}, nil
}

func (s *Sink) Read(dest []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(dest, s.pending)
	return n, nil
}

func (s *Sink) Empty() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.wrapped = false
	return nil
}

// Devices is a fake csdevice.Devices with one CPU source, a primary sink,
// and no auxiliary sink.
type Devices struct {
	mu          sync.Mutex
	Log         []string
	initialized bool
	boardName   string

	Source      *Source
	Sink        *Sink
	ConfigCalls int
	LastRanges  []csdevice.Range
	LastPID     int
}

// New creates a fake device set with a sink of the given capacity.
func New(sinkDepth int) *Devices {
	d := &Devices{}
	d.Source = &Source{Log: &d.Log, name: "cpu0"}
	d.Sink = NewSink("primary", &d.Log, sinkDepth)
	return d
}

func (d *Devices) Init(boardName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = true
	d.boardName = boardName
	d.Log = append(d.Log, fmt.Sprintf("init:%s", boardName))
	return nil
}

func (d *Devices) Configure(ranges []csdevice.Range, pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return csdevice.ErrNotInitialized
	}
	d.ConfigCalls++
	d.LastRanges = ranges
	d.LastPID = pid
	d.Log = append(d.Log, "configure")
	return nil
}

func (d *Devices) Sources() []csdevice.Source { return []csdevice.Source{d.Source} }
func (d *Devices) AuxSink() csdevice.Sink     { return nil }
func (d *Devices) PrimarySink() csdevice.Sink { return d.Sink }

func (d *Devices) Checkpoint() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Log = append(d.Log, "checkpoint")
	return nil
}

func (d *Devices) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Log = append(d.Log, "shutdown")
	return nil
}
