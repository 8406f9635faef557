// Copyright 2025 Edgeo SCADA
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

package modbus

import (
	"log/slog"
	"time"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// PortOpener opens a serial port; see WithPortOpener.
type PortOpener = transport.PortOpener

// Option is a functional option for configuring the master.
type Option func(*clientOptions)

type clientOptions struct {
	// Session settings
	unitID  int
	timeout time.Duration

	// Serial settings
	portOpener PortOpener

	// Callbacks
	onConnect    func()
	onDisconnect func(error)

	// Logging
	logger *slog.Logger
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		unitID:  UnitUnset,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
}

// WithUnitID selects the unit addressed by every request.
func WithUnitID(id UnitID) Option {
	return func(o *clientOptions) {
		o.unitID = int(id)
	}
}

// WithTimeout sets the response timeout for requests.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithOnConnect sets a callback to be called when the session opens.
func WithOnConnect(fn func()) Option {
	return func(o *clientOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback to be called when the session closes.
// The error is nil for an orderly Close.
func WithOnDisconnect(fn func(error)) Option {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}

// WithLogger sets the logger for the master.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithPortOpener replaces the serial port driver used for RTU endpoints.
func WithPortOpener(open PortOpener) Option {
	return func(o *clientOptions) {
		o.portOpener = open
	}
}

// ServerOption is a functional option for configuring the slave.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger  *slog.Logger
	unitID  int
	timeout time.Duration

	// TCP
	readTimeout time.Duration
	acceptPoll  time.Duration
	workerPoll  time.Duration

	// RTU
	frameTimeout time.Duration
	idleSleep    time.Duration
	portOpener   PortOpener

	holding Window
	input   Window
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:       slog.Default(),
		unitID:       UnitUnset,
		timeout:      DefaultTimeout,
		readTimeout:  30 * time.Second,
		acceptPoll:   DefaultAcceptPollInterval,
		workerPoll:   DefaultAcceptPollInterval,
		frameTimeout: DefaultFrameTimeout,
		idleSleep:    DefaultIdleSleep,
		holding:      Window{Start: 0, Count: MaxWindowCount},
		input:        Window{Start: 0, Count: MaxWindowCount},
	}
}

// WithServerLogger sets the logger for the slave.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithServerUnitID restricts the slave to requests for one unit.
func WithServerUnitID(id UnitID) ServerOption {
	return func(o *serverOptions) {
		o.unitID = int(id)
	}
}

// WithIOTimeout bounds the transfer of a frame once it has started.
func WithIOTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.timeout = d
	}
}

// WithReadTimeout sets how long a TCP client may stay silent before its
// session is dropped. Zero keeps idle clients forever.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// WithAcceptPollInterval bounds each wait for a new TCP client, and with it
// the time Close takes to stop the accept loop and its workers. Values of
// zero or less keep DefaultAcceptPollInterval.
func WithAcceptPollInterval(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		if d <= 0 {
			d = DefaultAcceptPollInterval
		}
		o.acceptPoll = d
		o.workerPoll = d
	}
}

// WithFrameTimeout sets how long the RTU slave waits for a request to
// start on each poll.
func WithFrameTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.frameTimeout = d
	}
}

// WithIdleSleep sets the pause after an RTU poll that produced no request.
func WithIdleSleep(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.idleSleep = d
	}
}

// WithServerPortOpener replaces the serial port driver used for RTU
// endpoints.
func WithServerPortOpener(open PortOpener) ServerOption {
	return func(o *serverOptions) {
		o.portOpener = open
	}
}

// WithRegisterWindows sets the initial register layout.
func WithRegisterWindows(holding, input Window) ServerOption {
	return func(o *serverOptions) {
		o.holding = holding
		o.input = input
	}
}
