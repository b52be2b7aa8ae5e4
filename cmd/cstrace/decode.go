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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	intlog "github.com/hw2h/coresight-trace/internal/log"
	"github.com/hw2h/coresight-trace/pkg/decoder"
	"github.com/hw2h/coresight-trace/pkg/finalize"
)

// Decode implements subcommands.Command for offline decoding of a raw trace
// exported by --export-config (spec §6.5 outputs: cstrace.bin +
// decoderargs.txt are meant to be replayable without a live target).
type Decode struct {
	in      string
	args    string
	verbose int
}

func (*Decode) Name() string     { return "decode" }
func (*Decode) Synopsis() string { return "decode a previously exported raw trace offline" }
func (*Decode) Usage() string {
	return "decode -in cstrace.bin -args decoderargs.txt\n"
}

func (d *Decode) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.in, "in", "cstrace.bin", "raw trace file written by --export-config")
	f.StringVar(&d.args, "args", "decoderargs.txt", "descriptor file written alongside the raw trace")
	f.IntVar(&d.verbose, "verbose", 0, "diagnostic verbosity")
}

func (d *Decode) Execute(_ context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	log := intlog.New(d.verbose)

	desc, err := finalize.LoadDescriptor(d.args)
	if err != nil {
		log.WithError(err).Error("decode: load descriptor")
		return subcommands.ExitFailure
	}

	raw, err := os.ReadFile(d.in)
	if err != nil {
		log.WithError(err).Error("decode: read raw trace")
		return subcommands.ExitFailure
	}

	if newDecoder == nil {
		fmt.Println("decode: no decoder.Decoder implementation linked into this build")
		return subcommands.ExitFailure
	}

	dec := newDecoder(desc.MemoryMaps())
	if result := dec.Decode(raw, desc.TraceID, desc.MemoryMaps()); result != decoder.Success {
		log.Warn("decode: decoder reported an incomplete decode")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
