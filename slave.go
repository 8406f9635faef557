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
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// timeNow is a variable for testing
var timeNow = time.Now

// server is a running serving strategy.
type server interface {
	// close stops serving and returns once every goroutine has exited and
	// the transport is released.
	close() error
}

// Slave serves holding and input registers to masters over TCP or RTU.
// The operator API (Read*, Write*, Snapshot) may be used from any
// goroutine while the slave serves; every access, local or remote, holds
// the same lock for its whole duration.
type Slave struct {
	opts    *serverOptions
	logger  *slog.Logger
	metrics *ServerMetrics

	unitID atomic.Int32
	state  atomic.Int32

	mu      sync.Mutex // guards regs and layout
	holding Window
	input   Window
	regs    *RegisterMap

	lifecycle sync.Mutex // serialises Open and Close
	srv       server
	endpoint  Endpoint
}

// NewSlave creates a slave. It serves nothing until Open.
func NewSlave(opts ...ServerOption) *Slave {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	s := &Slave{
		opts:    options,
		logger:  options.logger,
		metrics: NewServerMetrics(),
		holding: options.holding,
		input:   options.input,
	}
	s.unitID.Store(int32(options.unitID))
	s.state.Store(int32(ServerClosed))
	return s
}

// SetUnitID restricts the slave to one unit. A negative id answers every
// unit.
func (s *Slave) SetUnitID(id int) error {
	if id > 255 {
		return fmt.Errorf("modbus: invalid unit id %d", id)
	}
	if id < 0 {
		id = UnitUnset
	}
	s.unitID.Store(int32(id))
	return nil
}

// UnitID returns the unit the slave answers, or UnitUnset.
func (s *Slave) UnitID() int {
	return int(s.unitID.Load())
}

func (s *Slave) acceptsUnit(u UnitID) bool {
	id := s.unitID.Load()
	return id < 0 || UnitID(id) == u
}

// CreateRegisterMapping sets the register windows. While serving, the map
// is replaced by a zeroed one covering the new windows.
func (s *Slave) CreateRegisterMapping(holding, input Window) error {
	regs, err := NewRegisterMap(holding, input)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.holding = holding
	s.input = input
	if s.regs != nil {
		s.regs = regs
	}

	s.logger.Debug("register mapping created",
		slog.Int("holding_start", int(holding.Start)),
		slog.Int("holding_count", holding.Count),
		slog.Int("input_start", int(input.Start)),
		slog.Int("input_count", input.Count))
	return nil
}

// Windows returns the configured holding and input windows.
func (s *Slave) Windows() (holding, input Window) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.holding, s.input
}

// Open allocates the register map and starts serving the endpoint: a TCP
// listener with one worker per client, or an RTU poller on a serial line.
func (s *Slave) Open(ctx context.Context, ep Endpoint) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if ServerState(s.state.Load()) != ServerClosed {
		return ErrAlreadyOpen
	}
	s.state.Store(int32(ServerOpening))

	s.mu.Lock()
	regs, err := NewRegisterMap(s.holding, s.input)
	if err == nil {
		s.regs = regs
	}
	s.mu.Unlock()
	if err != nil {
		s.state.Store(int32(ServerClosed))
		return err
	}

	var srv server
	switch ep := ep.(type) {
	case TCPEndpoint:
		srv, err = s.listenTCP(ctx, ep)
	case SerialEndpoint:
		srv, err = s.openRTU(ctx, ep)
	default:
		err = fmt.Errorf("%w: unsupported endpoint %T", ErrTransportOpen, ep)
	}
	if err != nil {
		s.dropRegisters()
		s.state.Store(int32(ServerClosed))
		return err
	}

	s.srv = srv
	s.endpoint = ep
	s.state.Store(int32(ServerServing))
	s.logger.Info("slave started", slog.String("endpoint", ep.String()))
	return nil
}

// Close stops serving: it signals the serving goroutines, waits for them,
// releases the transport and drops the register map. Closing a closed
// slave is a no-op.
func (s *Slave) Close() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if ServerState(s.state.Load()) != ServerServing {
		return nil
	}
	s.state.Store(int32(ServerClosing))

	err := s.srv.close()
	s.srv = nil
	s.dropRegisters()
	s.state.Store(int32(ServerClosed))

	s.logger.Info("slave stopped", slog.String("endpoint", s.endpoint.String()))
	return err
}

func (s *Slave) dropRegisters() {
	s.mu.Lock()
	s.regs = nil
	s.mu.Unlock()
}

// State returns the lifecycle state.
func (s *Slave) State() ServerState {
	return ServerState(s.state.Load())
}

// Addr returns the listening address of a TCP slave, or nil.
func (s *Slave) Addr() net.Addr {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if t, ok := s.srv.(*tcpServer); ok {
		return t.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of connected TCP clients.
func (s *Slave) ActiveConnections() int {
	return int(s.metrics.ActiveConns.Value())
}

// Metrics returns the slave metrics.
func (s *Slave) Metrics() *ServerMetrics {
	return s.metrics
}

// withRegisters runs fn on the register map under the lock.
func (s *Slave) withRegisters(fn func(*RegisterMap) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.regs == nil {
		return ErrNotServing
	}
	return fn(s.regs)
}

func (s *Slave) read(space Space, addr uint16, qty int) ([]uint16, error) {
	var values []uint16
	err := s.withRegisters(func(regs *RegisterMap) error {
		var err error
		values, err = regs.Read(space, addr, qty)
		return err
	})
	return values, err
}

func (s *Slave) write(space Space, addr uint16, values []uint16) error {
	return s.withRegisters(func(regs *RegisterMap) error {
		return regs.Write(space, addr, values)
	})
}

// ReadHoldingRegisters returns holding registers from the local map.
func (s *Slave) ReadHoldingRegisters(addr uint16, qty int) ([]uint16, error) {
	return s.read(SpaceHolding, addr, qty)
}

// ReadInputRegisters returns input registers from the local map.
func (s *Slave) ReadInputRegisters(addr uint16, qty int) ([]uint16, error) {
	return s.read(SpaceInput, addr, qty)
}

// ReadHoldingRegister returns one holding register, or 0 on any failure.
func (s *Slave) ReadHoldingRegister(addr uint16) uint16 {
	values, err := s.read(SpaceHolding, addr, 1)
	if err != nil {
		return 0
	}
	return values[0]
}

// ReadInputRegister returns one input register, or 0 on any failure.
func (s *Slave) ReadInputRegister(addr uint16) uint16 {
	values, err := s.read(SpaceInput, addr, 1)
	if err != nil {
		return 0
	}
	return values[0]
}

// WriteHoldingRegisters stores holding registers in the local map.
func (s *Slave) WriteHoldingRegisters(addr uint16, values []uint16) error {
	return s.write(SpaceHolding, addr, values)
}

// WriteInputRegisters stores input registers in the local map. Masters
// cannot write input registers; this is how they get their values.
func (s *Slave) WriteInputRegisters(addr uint16, values []uint16) error {
	return s.write(SpaceInput, addr, values)
}

// Snapshot returns a copy of a whole register space together with its
// window, or ErrNotServing.
func (s *Slave) Snapshot(space Space) (Window, []uint16, error) {
	var (
		w      Window
		values []uint16
	)
	err := s.withRegisters(func(regs *RegisterMap) error {
		w = regs.Window(space)
		values = regs.Snapshot(space)
		return nil
	})
	return w, values, err
}

// process executes one request PDU against the register map and returns
// the reply PDU. The lock is held from decoding to encoding.
func (s *Slave) process(pdu []byte) []byte {
	s.metrics.RequestsTotal.Add(1)

	if len(pdu) < 1 {
		s.metrics.RequestsErrors.Add(1)
		return buildExceptionResponse(0, ExceptionIllegalFunction)
	}
	fc := FunctionCode(pdu[0])
	fm := s.metrics.ForFunction(fc)
	fm.Requests.Add(1)
	start := timeNow()

	var resp []byte
	err := s.withRegisters(func(regs *RegisterMap) error {
		var err error
		resp, err = handleRequest(regs, fc, pdu)
		return err
	})
	fm.Latency.Observe(timeNow().Sub(start))

	if err != nil {
		s.metrics.RequestsErrors.Add(1)
		fm.Errors.Add(1)
		code := exceptionFor(err)
		s.logger.Debug("request rejected",
			slog.String("func", fc.String()),
			slog.String("exception", code.String()),
			slog.String("error", err.Error()))
		return buildExceptionResponse(fc, code)
	}

	s.metrics.RequestsSuccess.Add(1)
	return resp
}

// handleRequest dispatches on the function code. Errors are mapped to
// exception codes by exceptionFor.
func handleRequest(regs *RegisterMap, fc FunctionCode, pdu []byte) ([]byte, error) {
	switch fc {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		req, err := parseReadRequest(pdu)
		if err != nil {
			return nil, err
		}
		space := SpaceHolding
		if fc == FuncReadInputRegisters {
			space = SpaceInput
		}
		values, err := regs.Read(space, req.Address, int(req.Quantity))
		if err != nil {
			return nil, err
		}
		return buildReadResponse(fc, values), nil

	case FuncWriteSingleRegister:
		req, err := parseWriteSingleRequest(pdu)
		if err != nil {
			return nil, err
		}
		if err := regs.Write(SpaceHolding, req.Address, []uint16{req.Value}); err != nil {
			return nil, err
		}
		return buildWriteSingleResponse(req.Address, req.Value), nil

	case FuncWriteMultipleRegisters:
		req, err := parseWriteMultipleRequest(pdu)
		if err != nil {
			return nil, err
		}
		if err := regs.Write(SpaceHolding, req.Address, req.Values); err != nil {
			return nil, err
		}
		return buildWriteMultipleResponse(req.Address, len(req.Values)), nil

	default:
		return nil, NewModbusError(fc, ExceptionIllegalFunction)
	}
}

func exceptionFor(err error) ExceptionCode {
	var modbusErr *ModbusError
	switch {
	case errors.As(err, &modbusErr):
		return modbusErr.ExceptionCode
	case errors.Is(err, ErrInvalidAddress):
		return ExceptionIllegalDataAddress
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidFrame):
		return ExceptionIllegalDataValue
	default:
		return ExceptionServerDeviceFailure
	}
}
