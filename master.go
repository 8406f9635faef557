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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	mb "github.com/goburrow/modbus"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// Master is a synchronous Modbus master (client) session over TCP or RTU.
// Requests are issued one at a time; concurrent callers queue on the
// session.
//
// A request that finds the connection closed by the peer also closes the
// session: the master moves to StateDisconnected, fires the disconnect
// callback and must be reopened with Open. Close stays safe to call after.
type Master struct {
	opts    *clientOptions
	logger  *slog.Logger
	metrics *Metrics

	unitID atomic.Int32
	state  atomic.Int32

	mu       sync.Mutex // guards the session and serialises requests
	endpoint Endpoint
	session  *session
}

// session binds a transport to the goburrow client that frames requests
// for it.
type session struct {
	transport transport.Transport
	rt        *roundTripper
	client    mb.Client
	setSlave  func(id byte)
}

// roundTripper adapts a transport to goburrow's Transporter: one frame
// out, one frame back.
type roundTripper struct {
	transport transport.Transport
	timeout   time.Duration
}

func (r *roundTripper) Send(adu []byte) ([]byte, error) {
	if err := r.transport.Send(adu); err != nil {
		return nil, err
	}
	return r.transport.Receive(r.timeout)
}

// NewMaster creates a master. It does not connect until Open.
func NewMaster(opts ...Option) *Master {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	m := &Master{
		opts:    options,
		logger:  options.logger,
		metrics: NewMetrics(),
	}
	m.unitID.Store(int32(options.unitID))
	m.state.Store(int32(StateDisconnected))
	return m
}

// Open connects to a TCP endpoint or opens a serial line. Opening an open
// master returns ErrAlreadyOpen.
func (m *Master) Open(ctx context.Context, ep Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return ErrAlreadyOpen
	}

	sess, err := m.newSession(ep)
	if err != nil {
		return err
	}

	m.logger.Debug("connecting", slog.String("endpoint", ep.String()))

	if err := sess.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransportOpen, ep, err)
	}

	m.session = sess
	m.endpoint = ep
	m.state.Store(int32(StateConnected))

	m.logger.Info("connected", slog.String("endpoint", ep.String()))

	if m.opts.onConnect != nil {
		m.opts.onConnect()
	}
	return nil
}

func (m *Master) newSession(ep Endpoint) (*session, error) {
	switch ep := ep.(type) {
	case TCPEndpoint:
		h := mb.NewTCPClientHandler(ep.Address())
		return newSession(
			transport.NewTCPTransport(ep.Address(), m.opts.timeout),
			h, func(id byte) { h.SlaveId = id },
		), nil

	case SerialEndpoint:
		ep = ep.withDefaults()
		h := mb.NewRTUClientHandler(ep.Device)
		return newSession(
			transport.NewSerialTransport(transport.SerialConfig{
				Device:   ep.Device,
				BaudRate: ep.BaudRate,
				DataBits: ep.DataBits,
				StopBits: ep.StopBits,
				Parity:   ep.Parity.String(),
				Timeout:  m.opts.timeout,
				Sizer:    rtuResponseSize,
				Open:     m.opts.portOpener,
			}),
			h, func(id byte) { h.SlaveId = id },
		), nil

	default:
		return nil, fmt.Errorf("%w: unsupported endpoint %T", ErrTransportOpen, ep)
	}
}

func newSession(t transport.Transport, packager mb.Packager, setSlave func(byte)) *session {
	rt := &roundTripper{transport: t}
	return &session{
		transport: t,
		rt:        rt,
		client:    mb.NewClient2(packager, rt),
		setSlave:  setSlave,
	}
}

// Close releases the session. A request in flight completes first. Closing
// a closed master is a no-op.
func (m *Master) Close() error {
	m.mu.Lock()
	ep := m.endpoint
	closed, err := m.closeLocked()
	m.mu.Unlock()

	if closed {
		m.logger.Debug("closed", slog.String("endpoint", ep.String()))
		if m.opts.onDisconnect != nil {
			m.opts.onDisconnect(nil)
		}
	}
	return err
}

// closeLocked must be called with mu held.
func (m *Master) closeLocked() (bool, error) {
	if m.session == nil {
		return false, nil
	}
	err := m.session.transport.Close()
	m.session = nil
	m.state.Store(int32(StateDisconnected))
	return true, err
}

// State returns the current connection state.
func (m *Master) State() ConnectionState {
	return ConnectionState(m.state.Load())
}

// IsConnected returns true if the session is open.
func (m *Master) IsConnected() bool {
	return m.State() == StateConnected
}

// Endpoint returns the endpoint of the current or last session.
func (m *Master) Endpoint() Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// Metrics returns the master metrics.
func (m *Master) Metrics() *Metrics {
	return m.metrics
}

// SetUnitID selects the unit addressed by subsequent requests. A negative
// id clears the selection.
func (m *Master) SetUnitID(id int) error {
	if id > 255 {
		return fmt.Errorf("modbus: invalid unit id %d", id)
	}
	if id < 0 {
		id = UnitUnset
	}
	m.unitID.Store(int32(id))
	return nil
}

// UnitID returns the selected unit id, or UnitUnset.
func (m *Master) UnitID() int {
	return int(m.unitID.Load())
}

// do runs one request through the goburrow client.
func (m *Master) do(ctx context.Context, fc FunctionCode, call func(mb.Client) ([]byte, error)) ([]byte, error) {
	unit := m.unitID.Load()
	if unit < 0 {
		return nil, ErrUnitIDUnset
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resp, lost, err := m.roundTrip(ctx, UnitID(unit), fc, call)
	if lost {
		m.logger.Warn("disconnected", slog.String("error", err.Error()))
		if m.opts.onDisconnect != nil {
			m.opts.onDisconnect(err)
		}
	}
	return resp, err
}

func (m *Master) roundTrip(ctx context.Context, unit UnitID, fc FunctionCode, call func(mb.Client) ([]byte, error)) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, false, ErrNotConnected
	}

	timeout := m.opts.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
		if timeout <= 0 {
			return nil, false, context.DeadlineExceeded
		}
	}
	m.session.setSlave(byte(unit))
	m.session.rt.timeout = timeout

	fm := m.metrics.ForFunction(fc)
	m.metrics.RequestsTotal.Add(1)
	fm.Requests.Add(1)

	m.logger.Debug("sending request",
		slog.Uint64("unit_id", uint64(unit)),
		slog.String("func", fc.String()))

	start := time.Now()
	resp, err := call(m.session.client)
	duration := time.Since(start)

	if err != nil {
		err = translateError(err)
		m.metrics.RequestsErrors.Add(1)
		fm.Errors.Add(1)
		switch {
		case IsTimeout(err):
			m.metrics.Timeouts.Add(1)
		case errors.As(err, new(*ModbusError)):
			m.metrics.Exceptions.Add(1)
		}
		m.logger.Debug("request failed",
			slog.String("func", fc.String()),
			slog.String("error", err.Error()))

		if errors.Is(err, ErrConnectionClosed) {
			m.closeLocked()
			return nil, true, err
		}
		return nil, false, err
	}

	m.metrics.RequestsSuccess.Add(1)
	m.metrics.Latency.Observe(duration)
	fm.Latency.Observe(duration)

	m.logger.Debug("received response",
		slog.String("func", fc.String()),
		slog.Duration("duration", duration))

	return resp, false, nil
}

// translateError maps goburrow errors onto this package's errors.
func translateError(err error) error {
	var remote *mb.ModbusError
	if errors.As(err, &remote) {
		return NewModbusError(FunctionCode(remote.FunctionCode&0x7F), ExceptionCode(remote.ExceptionCode))
	}
	for _, known := range []error{ErrTimeout, ErrTransportIO, ErrConnectionClosed, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
}

func checkRange(addr uint16, qty, max int) error {
	if qty < 1 || qty > max {
		return fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, max)
	}
	if int(addr)+qty > addressSpaceSize {
		return fmt.Errorf("%w: address range exceeds 65535", ErrInvalidAddress)
	}
	return nil
}

func (m *Master) readRegisters(ctx context.Context, fc FunctionCode, addr, qty uint16) ([]uint16, error) {
	if err := checkRange(addr, int(qty), MaxQuantityRegisters); err != nil {
		return nil, err
	}
	data, err := m.do(ctx, fc, func(c mb.Client) ([]byte, error) {
		if fc == FuncReadInputRegisters {
			return c.ReadInputRegisters(addr, qty)
		}
		return c.ReadHoldingRegisters(addr, qty)
	})
	if err != nil {
		return nil, err
	}
	if len(data) != int(qty)*2 {
		return nil, fmt.Errorf("%w: %d data bytes for %d registers", ErrInvalidResponse, len(data), qty)
	}
	return bytesToRegisters(data), nil
}

// ReadHoldingRegisters reads holding registers from the slave (FC03).
func (m *Master) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return m.readRegisters(ctx, FuncReadHoldingRegisters, addr, qty)
}

// ReadInputRegisters reads input registers from the slave (FC04).
func (m *Master) ReadInputRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return m.readRegisters(ctx, FuncReadInputRegisters, addr, qty)
}

// ReadHoldingRegister reads one holding register. Any failure yields 0;
// use ReadHoldingRegisters to tell a zero register from an error.
func (m *Master) ReadHoldingRegister(ctx context.Context, addr uint16) uint16 {
	values, err := m.ReadHoldingRegisters(ctx, addr, 1)
	if err != nil {
		return 0
	}
	return values[0]
}

// ReadInputRegister reads one input register. Any failure yields 0.
func (m *Master) ReadInputRegister(ctx context.Context, addr uint16) uint16 {
	values, err := m.ReadInputRegisters(ctx, addr, 1)
	if err != nil {
		return 0
	}
	return values[0]
}

// WriteHoldingRegisters writes consecutive holding registers (FC16).
func (m *Master) WriteHoldingRegisters(ctx context.Context, addr uint16, values []uint16) error {
	if err := checkRange(addr, len(values), MaxQuantityWriteRegisters); err != nil {
		return err
	}
	_, err := m.do(ctx, FuncWriteMultipleRegisters, func(c mb.Client) ([]byte, error) {
		return c.WriteMultipleRegisters(addr, uint16(len(values)), registersToBytes(values))
	})
	return err
}

// WriteHoldingRegister writes a single holding register (FC06).
func (m *Master) WriteHoldingRegister(ctx context.Context, addr, value uint16) error {
	_, err := m.do(ctx, FuncWriteSingleRegister, func(c mb.Client) ([]byte, error) {
		return c.WriteSingleRegister(addr, value)
	})
	return err
}
