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
	"errors"
	"fmt"
	"testing"
)

func TestExceptionCode_String(t *testing.T) {
	tests := []struct {
		code     ExceptionCode
		expected string
	}{
		{ExceptionIllegalFunction, "illegal function"},
		{ExceptionIllegalDataAddress, "illegal data address"},
		{ExceptionIllegalDataValue, "illegal data value"},
		{ExceptionServerDeviceFailure, "server device failure"},
		{ExceptionAcknowledge, "acknowledge"},
		{ExceptionServerDeviceBusy, "server device busy"},
		{ExceptionCode(0xFF), "unknown exception (0xFF)"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.code.String() != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, tt.code.String())
			}
		})
	}
}

func TestModbusError(t *testing.T) {
	err := NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)

	if err.FunctionCode != FuncReadHoldingRegisters {
		t.Errorf("FunctionCode: expected %d, got %d", FuncReadHoldingRegisters, err.FunctionCode)
	}
	if err.ExceptionCode != ExceptionIllegalDataAddress {
		t.Errorf("ExceptionCode: expected %d, got %d", ExceptionIllegalDataAddress, err.ExceptionCode)
	}
	if got, want := err.Error(), "modbus: exception illegal data address (FC=03)"; got != want {
		t.Errorf("Error(): expected %q, got %q", want, got)
	}
}

func TestIsException(t *testing.T) {
	err := fmt.Errorf("read failed: %w", NewModbusError(FuncReadInputRegisters, ExceptionIllegalFunction))

	if !IsException(err, ExceptionIllegalFunction) {
		t.Error("IsException should see through wrapping")
	}
	if IsException(err, ExceptionIllegalDataAddress) {
		t.Error("IsException should return false for non-matching exception")
	}
	if IsException(errors.New("other error"), ExceptionIllegalFunction) {
		t.Error("IsException should return false for non-Modbus error")
	}
	if !IsIllegalFunction(err) {
		t.Error("IsIllegalFunction should return true")
	}
	if !IsIllegalDataValue(NewModbusError(FuncWriteSingleRegister, ExceptionIllegalDataValue)) {
		t.Error("IsIllegalDataValue should return true")
	}
	if !IsIllegalDataAddress(NewModbusError(FuncWriteMultipleRegisters, ExceptionIllegalDataAddress)) {
		t.Error("IsIllegalDataAddress should return true")
	}
}

func TestModbusError_Is(t *testing.T) {
	err1 := NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalFunction)
	err2 := NewModbusError(FuncWriteSingleRegister, ExceptionIllegalFunction)
	err3 := NewModbusError(FuncReadHoldingRegisters, ExceptionIllegalDataAddress)

	// Same exception code, different function code
	if !errors.Is(err1, err2) {
		t.Error("Errors with same exception code should match")
	}
	if errors.Is(err1, err3) {
		t.Error("Errors with different exception codes should not match")
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(fmt.Errorf("read: %w", ErrTimeout)) {
		t.Error("wrapped ErrTimeout should be a timeout")
	}
	if IsTimeout(ErrConnectionClosed) {
		t.Error("ErrConnectionClosed is not a timeout")
	}
}
