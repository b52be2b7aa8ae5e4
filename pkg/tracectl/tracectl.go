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

// Package tracectl wraps the csdevice collaborator into the
// configure/enable/stop/drain state machine and owns the configure-once and
// started flags for a session (spec §4.5).
package tracectl

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/hw2h/coresight-trace/pkg/csdevice"
	"github.com/hw2h/coresight-trace/pkg/tracebuf"
)

// Controller wraps a csdevice.Devices handle with the ordering rules spec
// §4.5 imposes around it.
type Controller struct {
	devices csdevice.Devices

	etbStopOnFlush bool

	firstStart bool
	started    bool
}

// New wraps devices. etbStopOnFlush mirrors the --etf-stop-on-flush CLI
// option (spec §6.1): when set, Stop requests a flush-and-wait on the
// primary sink before disabling anything.
func New(devices csdevice.Devices, etbStopOnFlush bool) *Controller {
	return &Controller{devices: devices, etbStopOnFlush: etbStopOnFlush, firstStart: true}
}

// Init discovers devices for board (spec §4.5 "init").
func (c *Controller) Init(board string) error {
	if err := c.devices.Init(board); err != nil {
		return fmt.Errorf("tracectl: init board %q: %w", board, err)
	}
	return nil
}

// Configure programs trace sources with the given ranges and pid, but only
// on the first call in the session's lifetime (spec §4.5 "configure ...
// guarded by first_start", Testable Property #6). Later calls are no-ops.
func (c *Controller) Configure(ranges []csdevice.Range, pid int) error {
	if !c.firstStart {
		return nil
	}
	if err := c.devices.Configure(ranges, pid); err != nil {
		return fmt.Errorf("tracectl: configure: %w", err)
	}
	c.firstStart = false
	return nil
}

// Enable turns on every source, then the auxiliary sink (if any), then the
// primary sink (spec §4.5 "enable").
func (c *Controller) Enable() error {
	for _, src := range c.devices.Sources() {
		if err := src.Enable(); err != nil {
			return fmt.Errorf("tracectl: enable source: %w", err)
		}
	}
	if aux := c.devices.AuxSink(); aux != nil {
		if err := aux.Enable(); err != nil {
			return fmt.Errorf("tracectl: enable aux sink: %w", err)
		}
	}
	if err := c.devices.PrimarySink().Enable(); err != nil {
		return fmt.Errorf("tracectl: enable primary sink: %w", err)
	}
	c.started = true
	return nil
}

// Stop flushes (if configured to), then disables sources before sinks, and
// the primary sink last, so that no bytes are emitted into an already
// disabled sink and the flush has a chance to land (spec §4.5 "Ordering
// inside stop() is fixed").
func (c *Controller) Stop() error {
	var errs *multierror.Error

	if c.etbStopOnFlush {
		if err := c.devices.PrimarySink().FlushAndWait(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("flush-and-wait: %w", err))
		}
	}
	for _, src := range c.devices.Sources() {
		if err := src.Disable(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("disable source: %w", err))
		}
	}
	if aux := c.devices.AuxSink(); aux != nil {
		if err := aux.Disable(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("disable aux sink: %w", err))
		}
	}
	if err := c.devices.PrimarySink().Disable(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("disable primary sink: %w", err))
	}

	c.started = false
	return errs.ErrorOrNil()
}

// Drain reads every unread byte from the primary sink into buf, then empties
// the sink (spec §4.5 "drain"). Only the primary sink is drained; auxiliary
// sinks exist for board configurations this package does not interpret.
func (c *Controller) Drain(buf *tracebuf.Buffer) (int, error) {
	n, err := buf.AppendFromSink(c.devices.PrimarySink())
	if err != nil {
		return n, fmt.Errorf("tracectl: drain: %w", err)
	}
	return n, nil
}

// SinkState reports the primary sink's occupancy (spec §4.5 "sink_state").
func (c *Controller) SinkState() (csdevice.SinkState, error) {
	return c.devices.PrimarySink().State()
}

// Started reports whether sources and the sink are currently enabled.
func (c *Controller) Started() bool { return c.started }

// Configured reports whether Configure has already run once this session.
func (c *Controller) Configured() bool { return !c.firstStart }

// Shutdown releases the underlying device handles (spec §4.8 step 4).
func (c *Controller) Shutdown() error {
	if err := c.devices.Shutdown(); err != nil {
		return fmt.Errorf("tracectl: shutdown: %w", err)
	}
	return nil
}
