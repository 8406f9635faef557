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

// Package modbus provides a Modbus master and slave engine over TCP and
// serial (RTU) links, serving holding and input registers from an
// in-memory register map.
package modbus

import "time"

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// UnitUnset is the unit id value meaning "no unit selected". A slave with
// no unit id answers every unit; a master refuses to send without one.
const UnitUnset = -1

// BroadcastUnit is the RTU broadcast address. Writes to it are applied by
// every slave on the line and never answered.
const BroadcastUnit UnitID = 0

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes served and issued by this package.
const (
	FuncReadHoldingRegisters   FunctionCode = 0x03
	FuncReadInputRegisters     FunctionCode = 0x04
	FuncWriteSingleRegister    FunctionCode = 0x06
	FuncWriteMultipleRegisters FunctionCode = 0x10
)

// String returns the string representation of the function code.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	default:
		return "Unknown"
	}
}

// Protocol constants.
const (
	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// MaxPDUSize is the largest PDU allowed on either transport.
	MaxPDUSize = 253

	// DefaultTimeout is the default timeout for Modbus operations.
	DefaultTimeout = 5 * time.Second

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultAcceptPollInterval bounds each wait for a new TCP client.
	DefaultAcceptPollInterval = 50 * time.Millisecond

	// DefaultFrameTimeout is how long the RTU slave waits for a request
	// to start before going idle.
	DefaultFrameTimeout = 500 * time.Millisecond

	// DefaultIdleSleep is the pause between empty RTU receive attempts.
	DefaultIdleSleep = 10 * time.Millisecond

	// MaxWindowCount is the largest register window the front end offers.
	MaxWindowCount = 100
)

// Space selects one of the two register spaces.
type Space int

const (
	SpaceHolding Space = iota
	SpaceInput
)

// String returns the string representation of the register space.
func (s Space) String() string {
	switch s {
	case SpaceHolding:
		return "holding"
	case SpaceInput:
		return "input"
	default:
		return "unknown"
	}
}

// Window is a contiguous register range of one space.
type Window struct {
	Start uint16
	Count int
}

// End returns the first address past the window.
func (w Window) End() int {
	return int(w.Start) + w.Count
}

// ClampCount limits a requested window size to [0, MaxWindowCount].
func ClampCount(n int) int {
	if n > MaxWindowCount {
		return MaxWindowCount
	}
	if n < 0 {
		return 0
	}
	return n
}

// ConnectionState represents the state of a master session.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ServerState represents the lifecycle state of a slave.
type ServerState int32

const (
	ServerClosed ServerState = iota
	ServerOpening
	ServerServing
	ServerClosing
)

// String returns the string representation of the server state.
func (s ServerState) String() string {
	switch s {
	case ServerClosed:
		return "closed"
	case ServerOpening:
		return "opening"
	case ServerServing:
		return "serving"
	case ServerClosing:
		return "closing"
	default:
		return "unknown"
	}
}
