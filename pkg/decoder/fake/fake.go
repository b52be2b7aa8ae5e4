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

// Package fake provides a trivial in-memory decoder.Decoder for this
// repository's own tests, in place of the real (and external) trace decoder.
package fake

import "github.com/hw2h/coresight-trace/pkg/decoder"

// Decoder counts how many times Decode was called and can be told to fail
// the next N calls, to exercise needs_rerun handling.
type Decoder struct {
	Calls     int
	FailNext  int
	LastBytes int
	LastRange []decoder.MemoryMap
	LastID    int
}

func (d *Decoder) Decode(buf []byte, traceID int, ranges []decoder.MemoryMap) decoder.Result {
	d.Calls++
	d.LastBytes = len(buf)
	d.LastRange = ranges
	d.LastID = traceID
	if d.FailNext > 0 {
		d.FailNext--
		return decoder.Error
	}
	return decoder.Success
}
