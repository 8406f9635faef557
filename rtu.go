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
	"fmt"

	mb "github.com/goburrow/modbus"
)

const (
	rtuMinFrameSize = 4 // address + function + CRC
	rtuMaxFrameSize = 256
)

// rtuRequestSize sizes an RTU request from its leading bytes.
func rtuRequestSize(head []byte) int {
	if len(head) < 2 {
		return 0
	}
	switch FunctionCode(head[1]) {
	case FuncReadHoldingRegisters, FuncReadInputRegisters, FuncWriteSingleRegister:
		return 8
	case FuncWriteMultipleRegisters:
		if len(head) < 7 {
			return 0
		}
		return 9 + int(head[6])
	}
	// unknown function: wait for the line to go quiet
	return 0
}

// rtuResponseSize sizes an RTU response from its leading bytes.
func rtuResponseSize(head []byte) int {
	if len(head) < 2 {
		return 0
	}
	if head[1]&0x80 != 0 {
		return 5
	}
	switch FunctionCode(head[1]) {
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(head) < 3 {
			return 0
		}
		return 5 + int(head[2])
	case FuncWriteSingleRegister, FuncWriteMultipleRegisters:
		return 8
	}
	return 0
}

// rtuCodec frames PDUs as RTU ADUs with the goburrow packager, which owns
// the CRC.
type rtuCodec struct {
	packager *mb.RTUClientHandler
}

func newRTUCodec() *rtuCodec {
	return &rtuCodec{packager: mb.NewRTUClientHandler("")}
}

// decode checks length and CRC and splits an ADU into unit and PDU.
func (c *rtuCodec) decode(adu []byte) (UnitID, []byte, error) {
	if len(adu) < rtuMinFrameSize || len(adu) > rtuMaxFrameSize {
		return 0, nil, fmt.Errorf("%w: RTU frame of %d bytes", ErrInvalidFrame, len(adu))
	}
	pdu, err := c.packager.Decode(adu)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidCRC, err)
	}
	out := make([]byte, 1+len(pdu.Data))
	out[0] = pdu.FunctionCode
	copy(out[1:], pdu.Data)
	return UnitID(adu[0]), out, nil
}

// encode wraps a PDU for the given unit and appends the CRC.
func (c *rtuCodec) encode(unit UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 1 {
		return nil, fmt.Errorf("%w: empty PDU", ErrInvalidFrame)
	}
	c.packager.SlaveId = byte(unit)
	return c.packager.Encode(&mb.ProtocolDataUnit{
		FunctionCode: pdu[0],
		Data:         pdu[1:],
	})
}
