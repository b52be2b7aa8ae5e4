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

package finalize

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hw2h/coresight-trace/pkg/board"
	"github.com/hw2h/coresight-trace/pkg/csdevice/fake"
	"github.com/hw2h/coresight-trace/pkg/decoder"
	decoderfake "github.com/hw2h/coresight-trace/pkg/decoder/fake"
	"github.com/hw2h/coresight-trace/pkg/session"
	"github.com/hw2h/coresight-trace/pkg/tracebuf"
	"github.com/hw2h/coresight-trace/pkg/tracectl"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	devs := fake.New(1024)
	if err := devs.Init("Juno"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	ctl := tracectl.New(devs, false)
	b, _ := board.Lookup("Juno")
	sess := session.New(b, ctl, tracebuf.New(), 1)
	devs.Sink.Feed([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	sess.Buffer.AppendFromSink(devs.Sink)
	return sess
}

func TestFinalizeExportsDescriptorAndRawTraceOnDemand(t *testing.T) {
	sess := newTestSession(t)
	dir := t.TempDir()

	cfg := Config{ExportConfig: true, OutDir: dir}
	if err := Finalize(sess, cfg, nil); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "decoderargs.txt")); err != nil {
		t.Errorf("decoderargs.txt missing: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "cstrace.bin"))
	if err != nil {
		t.Fatalf("cstrace.bin missing: %v", err)
	}
	if len(data) != 4 {
		t.Fatalf("cstrace.bin len = %d, want 4", len(data))
	}
}

func TestLoadDescriptorRoundTripsWhatFinalizeWrote(t *testing.T) {
	sess := newTestSession(t)
	dir := t.TempDir()

	cfg := Config{ExportConfig: true, OutDir: dir}
	if err := Finalize(sess, cfg, nil); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	desc, err := LoadDescriptor(filepath.Join(dir, "decoderargs.txt"))
	if err != nil {
		t.Fatalf("LoadDescriptor() error = %v", err)
	}
	if desc.Board != "Juno" {
		t.Errorf("Board = %q, want Juno", desc.Board)
	}
	if desc.TraceID != sess.TraceID {
		t.Errorf("TraceID = %d, want %d", desc.TraceID, sess.TraceID)
	}
	if got := len(desc.MemoryMaps()); got != len(desc.Ranges) {
		t.Errorf("MemoryMaps() len = %d, want %d", got, len(desc.Ranges))
	}
}

func TestFinalizeSuffixesFilenamesInForkserverMode(t *testing.T) {
	sess := newTestSession(t)
	sess.RunCount = 3
	dir := t.TempDir()

	cfg := Config{ExportConfig: true, Forkserver: true, OutDir: dir}
	if err := Finalize(sess, cfg, nil); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cstrace3.bin")); err != nil {
		t.Errorf("cstrace3.bin missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "decoderargs3.txt")); err != nil {
		t.Errorf("decoderargs3.txt missing: %v", err)
	}
}

func TestFinalizeSetsNeedsRerunOnDecodeFailure(t *testing.T) {
	sess := newTestSession(t)
	sess.TraceID = 0x10 // must be >= 0 for DecodingEnabled.
	dir := t.TempDir()

	dec := &decoderfake.Decoder{FailNext: 1}

	cfg := Config{Decoding: true, OutDir: dir}
	newDecoder := func(ranges []decoder.MemoryMap) decoder.Decoder { return dec }

	if err := Finalize(sess, cfg, newDecoder); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if !sess.NeedsRerun {
		t.Fatal("NeedsRerun = false, want true after decode failure")
	}
	// needs_rerun forces a raw-trace export even without export_config.
	if _, err := os.Stat(filepath.Join(dir, "cstrace.bin")); err != nil {
		t.Errorf("cstrace.bin missing despite NeedsRerun: %v", err)
	}
}
