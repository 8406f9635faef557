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
	"bytes"
	"errors"
	"slices"
	"testing"
)

func TestMBAPHeader_Encode(t *testing.T) {
	header := MBAPHeader{
		TransactionID: 0x0001,
		ProtocolID:    0x0000,
		Length:        0x0006,
		UnitID:        0x01,
	}

	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}
	result := header.Encode()

	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestMBAPHeader_Decode_TooShort(t *testing.T) {
	var header MBAPHeader
	if err := header.Decode([]byte{0x00, 0x01, 0x00}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("Expected ErrInvalidFrame, got %v", err)
	}
}

func TestFrame_Encode(t *testing.T) {
	frame := Frame{
		Header: MBAPHeader{TransactionID: 0x1234, UnitID: 0x11},
		PDU:    []byte{0x03, 0x02, 0x00, 0x2A},
	}

	expected := []byte{0x12, 0x34, 0x00, 0x00, 0x00, 0x05, 0x11, 0x03, 0x02, 0x00, 0x2A}
	if result := frame.Encode(); !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestFrame_Decode(t *testing.T) {
	data := []byte{
		0x00, 0x01, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x06, // Length
		0x01,                         // Unit ID
		0x03, 0x00, 0x00, 0x00, 0x0A, // PDU
	}

	var frame Frame
	if err := frame.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if frame.Header.TransactionID != 0x0001 {
		t.Errorf("TransactionID: expected 0x0001, got 0x%04X", frame.Header.TransactionID)
	}
	if frame.Header.UnitID != 0x01 {
		t.Errorf("UnitID: expected 0x01, got 0x%02X", frame.Header.UnitID)
	}
	expectedPDU := []byte{0x03, 0x00, 0x00, 0x00, 0x0A}
	if !bytes.Equal(frame.PDU, expectedPDU) {
		t.Errorf("PDU: expected %x, got %x", expectedPDU, frame.PDU)
	}
}

func TestFrame_Decode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"bad protocol", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x02, 0x01, 0x03}},
		{"no PDU", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}},
		{"truncated", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var frame Frame
			if err := frame.Decode(tt.data); !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("Expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

func TestParseWriteMultipleRequest(t *testing.T) {
	pdu := []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x04, 0x00, 0x0A, 0x01, 0x02}
	req, err := parseWriteMultipleRequest(pdu)
	if err != nil {
		t.Fatalf("parseWriteMultipleRequest failed: %v", err)
	}
	if req.Address != 1 {
		t.Errorf("Address: expected 1, got %d", req.Address)
	}
	if len(req.Values) != 2 || req.Values[0] != 0x000A || req.Values[1] != 0x0102 {
		t.Errorf("Values: got %v", req.Values)
	}

	// byte count disagrees with quantity
	bad := []byte{0x10, 0x00, 0x01, 0x00, 0x02, 0x02, 0x00, 0x0A}
	if _, err := parseWriteMultipleRequest(bad); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("Expected ErrInvalidQuantity, got %v", err)
	}
}

func TestParseReadRequest_Quantity(t *testing.T) {
	if _, err := parseReadRequest([]byte{0x03, 0x00, 0x00, 0x00, 0x00}); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("quantity 0: expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := parseReadRequest([]byte{0x03, 0x00, 0x00, 0x00, 126}); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("quantity 126: expected ErrInvalidQuantity, got %v", err)
	}
	if _, err := parseReadRequest([]byte{0x03, 0x00}); !errors.Is(err, ErrInvalidFrame) {
		t.Errorf("short PDU: expected ErrInvalidFrame, got %v", err)
	}
}

func TestHandleRequest(t *testing.T) {
	regs, err := NewRegisterMap(Window{Start: 0, Count: 10}, Window{Start: 0, Count: 10})
	if err != nil {
		t.Fatalf("NewRegisterMap failed: %v", err)
	}
	regs.Write(SpaceInput, 0, []uint16{0x1111, 0x2222})

	tests := []struct {
		name     string
		pdu      []byte
		expected []byte
		excCode  ExceptionCode
	}{
		{
			name:     "write single",
			pdu:      []byte{0x06, 0x00, 0x03, 0xAB, 0xCD},
			expected: []byte{0x06, 0x00, 0x03, 0xAB, 0xCD},
		},
		{
			name:     "read holding",
			pdu:      []byte{0x03, 0x00, 0x03, 0x00, 0x01},
			expected: []byte{0x03, 0x02, 0xAB, 0xCD},
		},
		{
			name:     "read input",
			pdu:      []byte{0x04, 0x00, 0x00, 0x00, 0x02},
			expected: []byte{0x04, 0x04, 0x11, 0x11, 0x22, 0x22},
		},
		{
			name:     "write multiple",
			pdu:      []byte{0x10, 0x00, 0x06, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02},
			expected: []byte{0x10, 0x00, 0x06, 0x00, 0x02},
		},
		{
			name:    "read past window",
			pdu:     []byte{0x03, 0x00, 0x09, 0x00, 0x02},
			excCode: ExceptionIllegalDataAddress,
		},
		{
			name:    "write multiple past window",
			pdu:     []byte{0x10, 0x00, 0x09, 0x00, 0x02, 0x04, 0x00, 0x01, 0x00, 0x02},
			excCode: ExceptionIllegalDataAddress,
		},
		{
			name:    "bad quantity",
			pdu:     []byte{0x03, 0x00, 0x00, 0x00, 0x00},
			excCode: ExceptionIllegalDataValue,
		},
		{
			name:    "coils not served",
			pdu:     []byte{0x01, 0x00, 0x00, 0x00, 0x01},
			excCode: ExceptionIllegalFunction,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := handleRequest(regs, FunctionCode(tt.pdu[0]), tt.pdu)
			if tt.excCode != 0 {
				if got := exceptionFor(err); got != tt.excCode {
					t.Errorf("Expected exception %v, got %v (err=%v)", tt.excCode, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("handleRequest failed: %v", err)
			}
			if !bytes.Equal(resp, tt.expected) {
				t.Errorf("Expected %x, got %x", tt.expected, resp)
			}
		})
	}

	v, err := regs.Read(SpaceHolding, 6, 4)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	// 6-7 hold the accepted multi-write, 9 is untouched by the rejected one
	if want := []uint16{1, 2, 0, 0}; !slices.Equal(v, want) {
		t.Errorf("Registers 6-9: expected %v, got %v", want, v)
	}
}

func TestParseExceptionResponse(t *testing.T) {
	pdu := buildExceptionResponse(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)
	if !bytes.Equal(pdu, []byte{0x83, 0x02}) {
		t.Fatalf("Expected 8302, got %x", pdu)
	}
	if !IsExceptionResponse(pdu) {
		t.Error("IsExceptionResponse should be true")
	}

	err := ParseExceptionResponse(pdu)
	if err == nil {
		t.Fatal("ParseExceptionResponse returned nil")
	}
	if err.FunctionCode != FuncReadHoldingRegisters {
		t.Errorf("FunctionCode: expected %v, got %v", FuncReadHoldingRegisters, err.FunctionCode)
	}
	if !IsIllegalDataAddress(err) {
		t.Errorf("Expected illegal data address, got %v", err)
	}

	if ParseExceptionResponse([]byte{0x03, 0x02}) != nil {
		t.Error("normal response parsed as exception")
	}
}

func TestRegisterBytes(t *testing.T) {
	values := []uint16{0x0102, 0xFFFE}
	data := registersToBytes(values)
	if !bytes.Equal(data, []byte{0x01, 0x02, 0xFF, 0xFE}) {
		t.Errorf("registersToBytes: got %x", data)
	}
	back := bytesToRegisters(data)
	if back[0] != values[0] || back[1] != values[1] {
		t.Errorf("bytesToRegisters: got %v", back)
	}
}
