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

package tracebuf

import (
	"bytes"
	"testing"

	"github.com/hw2h/coresight-trace/pkg/csdevice/fake"
)

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, want int }{
		{0, 0}, {1, 8}, {8, 8}, {9, 16},
	}
	for _, c := range cases {
		if got := alignUp(c.v); got != c.want {
			t.Errorf("alignUp(%d) = %d, want %d", c.v, got, c.want)
		}
	}
}

func TestAppendFromSinkGrowsAndPreservesContents(t *testing.T) {
	b := &Buffer{data: make([]byte, 16)}

	var log []string
	sink := fake.NewSink("primary", &log, 1<<20)
	first := bytes.Repeat([]byte{0xAA}, 10)
	sink.Feed(first)

	n, err := b.AppendFromSink(sink)
	if err != nil {
		t.Fatalf("AppendFromSink() error = %v", err)
	}
	if n != len(first) {
		t.Fatalf("n = %d, want %d", n, len(first))
	}
	if !bytes.Equal(b.Bytes(), first) {
		t.Fatalf("Bytes() = %x, want %x", b.Bytes(), first)
	}

	// Second drain, large enough to force growth past the current 16-byte
	// backing array while the head offset (10, aligned to 16) must survive.
	second := bytes.Repeat([]byte{0xBB}, 40)
	sink.Feed(second)

	n2, err := b.AppendFromSink(sink)
	if err != nil {
		t.Fatalf("AppendFromSink() error = %v", err)
	}
	if n2 != len(second) {
		t.Fatalf("n2 = %d, want %d", n2, len(second))
	}

	want := append(append([]byte{}, first...), bytes.Repeat([]byte{0}, 6)...)
	want = append(want, second...)
	if !bytes.Equal(b.Bytes(), want) {
		t.Fatalf("Bytes() after growth = %x, want %x", b.Bytes(), want)
	}
}

func TestAppendFromSinkEmptyTwiceYieldsZero(t *testing.T) {
	b := New()
	var log []string
	sink := fake.NewSink("primary", &log, 1<<20)
	sink.Feed([]byte{1, 2, 3, 4})

	if n, err := b.AppendFromSink(sink); err != nil || n != 4 {
		t.Fatalf("first AppendFromSink() = (%d, %v), want (4, nil)", n, err)
	}

	// No new data fed: a second drain without an intervening enable must
	// observe the sink already empty (spec Testable Property #7).
	n, err := b.AppendFromSink(sink)
	if err != nil {
		t.Fatalf("second AppendFromSink() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("second AppendFromSink() n = %d, want 0", n)
	}
}

func TestReset(t *testing.T) {
	b := New()
	var log []string
	sink := fake.NewSink("primary", &log, 1<<20)
	sink.Feed([]byte{1, 2, 3})
	b.AppendFromSink(sink)

	b.Reset()
	if b.Head() != 0 {
		t.Fatalf("Head() after Reset = %d, want 0", b.Head())
	}
}
