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

// Package finalize implements the decode-or-dump policy and raw-trace /
// decoder-args export run at the end of a trace (spec §4.8).
package finalize

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"

	"github.com/hw2h/coresight-trace/pkg/decoder"
	"github.com/hw2h/coresight-trace/pkg/session"
)

// DecoderFactory lazily constructs the decoder over a session's range set.
// It is invoked at most once per session (spec §4.8, Testable Property #5).
type DecoderFactory func(ranges []decoder.MemoryMap) decoder.Decoder

// Config mirrors the finalisation-relevant CLI options of spec §6.1.
type Config struct {
	Decoding     bool
	ExportConfig bool
	Forkserver   bool
	OutDir       string
}

// Descriptor is the decoderargs.txt shape (spec §6.5: "board / CPU /
// trace-id / ranges"), exported so an offline decode helper can read back
// what a live session wrote.
type Descriptor struct {
	Board   string            `toml:"board"`
	CPU     int               `toml:"cpu"`
	TraceID int               `toml:"trace_id"`
	Ranges  []RangeDescriptor `toml:"range"`
}

type RangeDescriptor struct {
	Start uint64 `toml:"start"`
	End   uint64 `toml:"end"`
	Path  string `toml:"path"`
}

// LoadDescriptor reads back a decoderargs.txt written by writeDescriptor, for
// offline decoding against an exported cstrace.bin (spec §6.5 outputs are
// meant to be consumed together).
func LoadDescriptor(path string) (Descriptor, error) {
	var d Descriptor
	f, err := os.Open(path)
	if err != nil {
		return d, fmt.Errorf("finalize: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := toml.NewDecoder(f).Decode(&d); err != nil {
		return d, fmt.Errorf("finalize: decode %s: %w", path, err)
	}
	return d, nil
}

// MemoryMaps converts d's ranges into the shape decoder.Decoder expects.
func (d Descriptor) MemoryMaps() []decoder.MemoryMap {
	maps := make([]decoder.MemoryMap, 0, len(d.Ranges))
	for _, r := range d.Ranges {
		maps = append(maps, decoder.MemoryMap{Start: r.Start, End: r.End, Path: r.Path})
	}
	return maps
}

// lockFileName names the flock file that serializes run_count-suffixed filename assignment across
// concurrent forkserver workers sharing an output directory.
const lockFileName = ".cstrace.lock"

// Finalize runs the end-of-trace policy for sess (spec §4.8):
//  1. optionally decode the drained buffer, marking NeedsRerun on failure;
//  2. optionally emit the descriptor file;
//  3. emit the raw trace if export was requested or decoding needs a rerun;
//  4. release the TraceBuffer and device handles.
//
// newDecoder may be nil when decoding is disabled.
func Finalize(sess *session.Session, cfg Config, newDecoder DecoderFactory) error {
	var errs *multierror.Error

	if cfg.Decoding && sess.DecodingEnabled() && newDecoder != nil {
		if sess.Decoder == nil {
			sess.Decoder = newDecoder(sess.DecoderRanges())
		}
		result := sess.Decoder.Decode(sess.Buffer.Bytes(), sess.TraceID, sess.DecoderRanges())
		if result != decoder.Success {
			sess.NeedsRerun = true
		}
	}

	suffix := ""
	if cfg.Forkserver {
		suffix = fmt.Sprint(sess.RunCount)
	}

	if cfg.ExportConfig {
		if err := writeDescriptor(sess, cfg.OutDir, suffix); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	if cfg.ExportConfig || sess.NeedsRerun {
		if err := writeRawTrace(sess, cfg.OutDir, suffix); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	sess.Buffer.Release()
	if err := sess.Controller.Shutdown(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

func writeDescriptor(sess *session.Session, outDir, suffix string) error {
	d := Descriptor{
		Board:   sess.Board.Name,
		CPU:     sess.TraceCPU,
		TraceID: sess.TraceID,
	}
	for _, r := range sess.Ranges {
		d.Ranges = append(d.Ranges, RangeDescriptor{Start: r.Start, End: r.End, Path: r.Path})
	}

	path := filepath.Join(outDir, "decoderargs"+suffix+".txt")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("finalize: create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(d); err != nil {
		return fmt.Errorf("finalize: encode %s: %w", path, err)
	}
	return nil
}

func writeRawTrace(sess *session.Session, outDir, suffix string) error {
	path := filepath.Join(outDir, "cstrace"+suffix+".bin")
	if err := os.WriteFile(path, sess.Buffer.Bytes(), 0o644); err != nil {
		return fmt.Errorf("finalize: write %s: %w", path, err)
	}
	return nil
}

// NextRunCount allocates the next forkserver run index, serialized across
// processes sharing outDir via an flock-guarded counter file (spec §4.8:
// "filenames are suffixed by run_count").
func NextRunCount(outDir string) (int, error) {
	lock := flock.New(filepath.Join(outDir, lockFileName))
	if err := lock.Lock(); err != nil {
		return 0, fmt.Errorf("finalize: lock run-count file: %w", err)
	}
	defer lock.Unlock()

	path := filepath.Join(outDir, ".cstrace.runcount")
	data, err := os.ReadFile(path)
	n := 0
	if err == nil {
		fmt.Sscanf(string(data), "%d", &n)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprint(n+1)), 0o644); err != nil {
		return 0, fmt.Errorf("finalize: write run-count file: %w", err)
	}
	return n, nil
}
