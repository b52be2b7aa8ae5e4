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

package watchdog

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hw2h/coresight-trace/pkg/board"
	"github.com/hw2h/coresight-trace/pkg/csdevice/fake"
	"github.com/hw2h/coresight-trace/pkg/session"
	"github.com/hw2h/coresight-trace/pkg/tracebuf"
	"github.com/hw2h/coresight-trace/pkg/tracectl"
)

func newTestSession(t *testing.T, sinkDepth int) (*session.Session, *fake.Devices) {
	t.Helper()
	devs := fake.New(sinkDepth)
	if err := devs.Init("Juno"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	ctl := tracectl.New(devs, false)
	if err := ctl.Configure(nil, 1); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if err := ctl.Enable(); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	b, _ := board.Lookup("Juno")
	return session.New(b, ctl, tracebuf.New(), 2), devs
}

// TestWatchdogStopsAndWaitsOnOverflow drives a Watchdog past its threshold
// once, asserting it sends SIGSTOP exactly once and blocks on Drained.Wait
// until the Supervisor side signals it (spec Testable Property #2).
func TestWatchdogStopsAndWaitsOnOverflow(t *testing.T) {
	sess, devs := newTestSession(t, 100)
	devs.Sink.Feed(make([]byte, 95)) // 95/100 occupied, well past 0.8 threshold.

	var stopCount int32
	var probeCalls int32

	w := New(sess, 4242, 0.8, logrus.NewEntry(logrus.New()))
	w.stopTarget = func(pid int, sig unix.Signal) error {
		if sig != unix.SIGSTOP {
			t.Errorf("stopTarget signal = %v, want SIGSTOP", sig)
		}
		atomic.AddInt32(&stopCount, 1)
		return nil
	}
	w.probe = func(pid int) bool {
		n := atomic.AddInt32(&probeCalls, 1)
		return n <= 1 // process "exists" for exactly one iteration.
	}

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()

	// Wait until the watchdog is parked on Drained.Wait(), then release it
	// the way the Supervisor would after stop+drain+re-enable.
	deadline := time.After(time.Second)
	for atomic.LoadInt32(&stopCount) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for SIGSTOP")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	sess.Mu.Lock()
	sess.Drained.Signal()
	sess.Mu.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after probe reported process gone")
	}

	if got := atomic.LoadInt32(&stopCount); got != 1 {
		t.Fatalf("stopCount = %d, want 1", got)
	}
}

func TestWatchdogIgnoresStoppedSession(t *testing.T) {
	sess, devs := newTestSession(t, 100)
	if err := sess.Controller.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	devs.Sink.Feed(make([]byte, 99))

	var stopCount int32
	w := New(sess, 1, 0.8, logrus.NewEntry(logrus.New()))
	w.stopTarget = func(pid int, sig unix.Signal) error {
		atomic.AddInt32(&stopCount, 1)
		return nil
	}
	calls := 0
	w.probe = func(pid int) bool {
		calls++
		return calls <= 3
	}
	w.Run()

	if stopCount != 0 {
		t.Fatalf("stopCount = %d, want 0 (session not started)", stopCount)
	}
}
