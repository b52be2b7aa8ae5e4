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
	intconfig "github.com/hw2h/coresight-trace/internal/config"
	"github.com/hw2h/coresight-trace/pkg/finalize"
)

// newDecoder is the hook a real deployment replaces to construct the actual
// trace decoder; it is an external collaborator out of scope here (spec §1,
// §6.3). A nil factory disables inline decoding regardless of --decoding.
var newDecoder finalize.DecoderFactory

func decoderFactory(cfg intconfig.Config) finalize.DecoderFactory {
	if !cfg.Decoding {
		return nil
	}
	return newDecoder
}
