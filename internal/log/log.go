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

// Package log configures the process-wide structured logger (spec §6.1
// --verbose).
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logger writing text-formatted entries to stderr, with Debug
// level enabled when verbose > 0 (spec §6.1 "--verbose=INT Diagnostic
// verbosity").
func New(verbose int) *logrus.Entry {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if verbose > 0 {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return logrus.NewEntry(l)
}
