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
	"encoding/binary"
	"fmt"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, f.Header.Encode())
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// Decode decodes a frame from bytes.
func (f *Frame) Decode(data []byte) error {
	if err := f.Header.Decode(data); err != nil {
		return err
	}
	if f.Header.ProtocolID != ProtocolID {
		return fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, f.Header.ProtocolID)
	}
	pduLen := int(f.Header.Length) - 1 // Length includes Unit ID
	if pduLen < 1 || pduLen > MaxPDUSize {
		return fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}
	if len(data) < MBAPHeaderSize+pduLen {
		return fmt.Errorf("%w: incomplete frame", ErrInvalidFrame)
	}
	f.PDU = make([]byte, pduLen)
	copy(f.PDU, data[MBAPHeaderSize:MBAPHeaderSize+pduLen])
	return nil
}

// Request decoding, used by the slave.

// readRequest is the body of an FC03/FC04 request.
type readRequest struct {
	Address  uint16
	Quantity uint16
}

func parseReadRequest(pdu []byte) (readRequest, error) {
	if len(pdu) != 5 {
		return readRequest{}, fmt.Errorf("%w: read request of %d bytes", ErrInvalidFrame, len(pdu))
	}
	req := readRequest{
		Address:  binary.BigEndian.Uint16(pdu[1:3]),
		Quantity: binary.BigEndian.Uint16(pdu[3:5]),
	}
	if req.Quantity < 1 || req.Quantity > MaxQuantityRegisters {
		return req, fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, MaxQuantityRegisters)
	}
	return req, nil
}

// writeSingleRequest is the body of an FC06 request.
type writeSingleRequest struct {
	Address uint16
	Value   uint16
}

func parseWriteSingleRequest(pdu []byte) (writeSingleRequest, error) {
	if len(pdu) != 5 {
		return writeSingleRequest{}, fmt.Errorf("%w: write single request of %d bytes", ErrInvalidFrame, len(pdu))
	}
	return writeSingleRequest{
		Address: binary.BigEndian.Uint16(pdu[1:3]),
		Value:   binary.BigEndian.Uint16(pdu[3:5]),
	}, nil
}

// writeMultipleRequest is the body of an FC16 request.
type writeMultipleRequest struct {
	Address uint16
	Values  []uint16
}

func parseWriteMultipleRequest(pdu []byte) (writeMultipleRequest, error) {
	if len(pdu) < 6 {
		return writeMultipleRequest{}, fmt.Errorf("%w: write multiple request too short", ErrInvalidFrame)
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if qty < 1 || qty > MaxQuantityWriteRegisters {
		return writeMultipleRequest{}, fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, MaxQuantityWriteRegisters)
	}
	if byteCount != int(qty)*2 || len(pdu) != 6+byteCount {
		return writeMultipleRequest{}, fmt.Errorf("%w: byte count %d for %d registers", ErrInvalidQuantity, byteCount, qty)
	}
	return writeMultipleRequest{
		Address: addr,
		Values:  bytesToRegisters(pdu[6:]),
	}, nil
}

// Response encoding, used by the slave.

func buildReadResponse(fc FunctionCode, values []uint16) []byte {
	pdu := make([]byte, 2+len(values)*2)
	pdu[0] = byte(fc)
	pdu[1] = byte(len(values) * 2)
	copy(pdu[2:], registersToBytes(values))
	return pdu
}

func buildWriteSingleResponse(addr, value uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(FuncWriteSingleRegister)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], value)
	return pdu
}

func buildWriteMultipleResponse(addr uint16, qty int) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], addr)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(qty))
	return pdu
}

func buildExceptionResponse(fc FunctionCode, code ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(code)}
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && (pdu[0]&0x80) != 0
}

// ParseExceptionResponse parses an exception response.
func ParseExceptionResponse(pdu []byte) *ModbusError {
	if len(pdu) < 2 || !IsExceptionResponse(pdu) {
		return nil
	}
	return &ModbusError{
		FunctionCode:  FunctionCode(pdu[0] & 0x7F),
		ExceptionCode: ExceptionCode(pdu[1]),
	}
}

// Register encoding shared by master and slave.

func registersToBytes(values []uint16) []byte {
	buf := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(buf[i*2:], v)
	}
	return buf
}

func bytesToRegisters(data []byte) []uint16 {
	values := make([]uint16, len(data)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return values
}
