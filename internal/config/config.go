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

// Package config holds the CLI options common to both the one-shot and
// forkserver subcommands (spec §6.1).
package config

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/hw2h/coresight-trace/pkg/board"
)

// Config mirrors every option in spec §6.1's CLI table except --help and
// --forkserver, which the subcommand dispatch itself encodes.
type Config struct {
	Board          string
	ConfigFile     string
	CPU            int
	Tracing        bool
	Polling        bool
	Decoding       bool
	ExportConfig   bool
	ETFStopOnFlush bool
	ETFThreshold   float64
	Verbose        int
	OutDir         string
}

// RegisterFlags binds f's flags into cfg, following the teacher's
// SetFlags-binds-struct-fields convention.
func RegisterFlags(f *flag.FlagSet, cfg *Config) {
	f.StringVar(&cfg.Board, "board", "", "board descriptor name")
	f.StringVar(&cfg.ConfigFile, "config", "", "TOML file of additional board descriptors to register (spec §6.4)")
	f.IntVar(&cfg.CPU, "cpu", -1, "force trace CPU (else auto-select)")
	f.BoolVar(&cfg.Tracing, "tracing", true, "master enable of hardware programming")
	f.BoolVar(&cfg.Polling, "polling", true, "enable sink watchdog")
	f.BoolVar(&cfg.Decoding, "decoding", false, "decode drained bytes into bitmap inline")
	f.BoolVar(&cfg.ExportConfig, "export-config", false, "emit decoder-args and raw trace files")
	f.BoolVar(&cfg.ETFStopOnFlush, "etf-stop-on-flush", true, "use flush-and-wait during stop")
	f.Float64Var(&cfg.ETFThreshold, "etf-threshold", 0.8, "sink occupancy threshold in (0,1)")
	f.IntVar(&cfg.Verbose, "verbose", 0, "diagnostic verbosity")
	f.StringVar(&cfg.OutDir, "out-dir", ".", "directory for cstrace.bin/decoderargs.txt output")
}

// boardFile is the --config TOML shape: a list of board descriptors to
// register in addition to (or overriding) the built-in table.
type boardFile struct {
	Boards []boardEntry `toml:"board"`
}

type boardEntry struct {
	Name     string `toml:"name"`
	NCPU     int    `toml:"ncpu"`
	TraceIDs []int  `toml:"trace_ids"`
}

// LoadBoards reads cfg.ConfigFile, if set, and registers every board it
// describes via board.Register (spec §6.4: board descriptors come from an
// external file in real deployments). A no-op when ConfigFile is empty.
func LoadBoards(cfg Config) error {
	if cfg.ConfigFile == "" {
		return nil
	}
	f, err := os.Open(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", cfg.ConfigFile, err)
	}
	defer f.Close()

	var parsed boardFile
	if _, err := toml.NewDecoder(f).Decode(&parsed); err != nil {
		return fmt.Errorf("config: decode %s: %w", cfg.ConfigFile, err)
	}
	for _, e := range parsed.Boards {
		board.Register(&board.Board{Name: e.Name, NCPU: e.NCPU, TraceIDs: e.TraceIDs})
	}
	return nil
}
