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

// Package watchdog implements the Sink Watchdog (spec §4.4): a background
// activity that samples the hardware sink's occupancy and forces a
// synchronous drain before it wraps.
package watchdog

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hw2h/coresight-trace/pkg/session"
)

// DefaultThreshold is the sink occupancy fraction above which a drain is
// requested, i.e. once free space drops below (1-threshold) of the sink's
// depth (spec §4.4, §6.1 --etf-threshold).
const DefaultThreshold = 0.8

// idlePoll bounds the busy-wait the spec allows as "a permitted refinement"
// (spec §4.4: "Otherwise spin. A bounded idle sleep is a permitted
// refinement.").
const idlePoll = 200 * time.Microsecond

// Watchdog polls a Session's sink occupancy and requests drains.
type Watchdog struct {
	sess      *session.Session
	pid       int
	threshold float64
	log       *logrus.Entry

	// stopTarget signals the target, a seam over unix.Kill for tests.
	stopTarget func(pid int, sig unix.Signal) error
	probe      func(pid int) bool
}

// New returns a Watchdog for pid, draining sess when occupancy crosses
// threshold. A threshold of 0 selects DefaultThreshold.
func New(sess *session.Session, pid int, threshold float64, log *logrus.Entry) *Watchdog {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Watchdog{
		sess:       sess,
		pid:        pid,
		threshold:  threshold,
		log:        log,
		stopTarget: unix.Kill,
		probe:      defaultProbe,
	}
}

// defaultProbe implements the "no-op signal probe" the spec calls for (spec
// §4.4: "Loop while the target process exists (checked via a no-op signal
// probe)"): kill(pid, 0) with no signal reports existence without acting.
func defaultProbe(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// Run polls until the target process no longer exists (spec §4.4
// "Cancellation: the loop terminates naturally when kill(pid,0) reports no
// such process."). It is meant to run in its own goroutine alongside the
// Supervisor's main loop.
func (w *Watchdog) Run() {
	for w.probe(w.pid) {
		if !w.sess.Started() || !w.overflowing() {
			time.Sleep(idlePoll)
			continue
		}

		w.sess.Mu.Lock()
		if err := w.stopTarget(w.pid, unix.SIGSTOP); err != nil {
			w.log.WithError(err).Warn("watchdog: SIGSTOP failed")
			w.sess.Mu.Unlock()
			continue
		}
		// Wait for the Supervisor to stop+drain+re-enable and signal
		// completion exactly once (spec §5 ordering guarantee).
		w.sess.Drained.Wait()
		w.sess.Mu.Unlock()
	}
}

// overflowing reports whether the sink's free space has dropped below
// (1-threshold) of its depth. Sampled outside the trace lock, matching spec §4.4: the lock
// is only held once a drain is actually requested.
func (w *Watchdog) overflowing() bool {
	state, err := w.sess.Controller.SinkState()
	if err != nil {
		w.log.WithError(err).Warn("watchdog: sink_state failed")
		return false
	}
	if state.Wrapped {
		w.log.WithField("unread_bytes", state.UnreadBytes).Warn("watchdog: sink wrapped")
	}
	remaining := state.Depth - state.UnreadBytes
	return float64(remaining) < float64(state.Depth)*(1-w.threshold)
}
