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
	"testing"
)

func TestInRange(t *testing.T) {
	tests := []struct {
		name                  string
		addr, n, start, count int
		want                  bool
	}{
		{"whole window", 0, 10, 0, 10, true},
		{"last register", 9, 1, 0, 10, true},
		{"runs past end", 9, 2, 0, 10, false},
		{"before start", 4, 2, 5, 10, false},
		{"offset window", 5, 10, 5, 10, true},
		{"empty window", 0, 1, 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InRange(tt.addr, tt.n, tt.start, tt.count); got != tt.want {
				t.Errorf("InRange(%d, %d, %d, %d) = %v, want %v",
					tt.addr, tt.n, tt.start, tt.count, got, tt.want)
			}
		})
	}
}

func TestRegisterMap_ReadWrite(t *testing.T) {
	m, err := NewRegisterMap(Window{Start: 0, Count: 10}, Window{Start: 100, Count: 5})
	if err != nil {
		t.Fatalf("NewRegisterMap failed: %v", err)
	}

	if err := m.Write(SpaceHolding, 2, []uint16{7, 8, 9}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := m.Read(SpaceHolding, 2, 3)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	for i, want := range []uint16{7, 8, 9} {
		if got[i] != want {
			t.Errorf("Register[%d]: expected %d, got %d", 2+i, want, got[i])
		}
	}

	if err := m.Write(SpaceInput, 104, []uint16{42}); err != nil {
		t.Fatalf("Write input failed: %v", err)
	}
	got, err = m.Read(SpaceInput, 104, 1)
	if err != nil {
		t.Fatalf("Read input failed: %v", err)
	}
	if got[0] != 42 {
		t.Errorf("Input[104]: expected 42, got %d", got[0])
	}

	// the two spaces are independent
	if v, _ := m.Read(SpaceHolding, 4, 1); v[0] != 9 {
		t.Errorf("Holding[4]: expected 9, got %d", v[0])
	}
}

func TestRegisterMap_RejectsPartialRange(t *testing.T) {
	m, err := NewRegisterMap(Window{Start: 0, Count: 10}, Window{})
	if err != nil {
		t.Fatalf("NewRegisterMap failed: %v", err)
	}
	if err := m.Write(SpaceHolding, 0, []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	before := m.Snapshot(SpaceHolding)
	err = m.Write(SpaceHolding, 8, []uint16{100, 101, 102})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
	after := m.Snapshot(SpaceHolding)
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("Register[%d] changed from %d to %d", i, before[i], after[i])
		}
	}

	if _, err := m.Read(SpaceHolding, 9, 2); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress, got %v", err)
	}
	if _, err := m.Read(SpaceInput, 0, 1); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("empty input window: expected ErrInvalidAddress, got %v", err)
	}
	if _, err := m.Read(SpaceHolding, 0, 0); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("zero quantity: expected ErrInvalidQuantity, got %v", err)
	}
	if err := m.Write(Space(7), 0, []uint16{1}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("unknown space: expected ErrInvalidAddress, got %v", err)
	}
}

func TestRegisterMap_OffsetWindow(t *testing.T) {
	m, err := NewRegisterMap(Window{Start: 40000, Count: 4}, Window{})
	if err != nil {
		t.Fatalf("NewRegisterMap failed: %v", err)
	}
	if err := m.Write(SpaceHolding, 40003, []uint16{0xBEEF}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	snap := m.Snapshot(SpaceHolding)
	if len(snap) != 4 || snap[3] != 0xBEEF {
		t.Errorf("Snapshot: got %v", snap)
	}
	if _, err := m.Read(SpaceHolding, 39999, 1); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("expected ErrInvalidAddress below window, got %v", err)
	}
	if w := m.Window(SpaceHolding); w.Start != 40000 || w.Count != 4 {
		t.Errorf("Window: got %+v", w)
	}
}

func TestRegisterMap_SnapshotIsCopy(t *testing.T) {
	m, _ := NewRegisterMap(Window{Count: 2}, Window{})
	snap := m.Snapshot(SpaceHolding)
	snap[0] = 99
	if v, _ := m.Read(SpaceHolding, 0, 1); v[0] != 0 {
		t.Errorf("Snapshot aliases the map: register is %d", v[0])
	}
}

func TestNewRegisterMap_Invalid(t *testing.T) {
	if _, err := NewRegisterMap(Window{Start: 65530, Count: 10}, Window{}); !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("window past 65535: expected ErrAllocationFailed, got %v", err)
	}
	if _, err := NewRegisterMap(Window{}, Window{Count: -1}); !errors.Is(err, ErrAllocationFailed) {
		t.Errorf("negative count: expected ErrAllocationFailed, got %v", err)
	}
}

func TestClampCount(t *testing.T) {
	for in, want := range map[int]int{-5: 0, 0: 0, 50: 50, 100: 100, 250: 100} {
		if got := ClampCount(in); got != want {
			t.Errorf("ClampCount(%d) = %d, want %d", in, got, want)
		}
	}
}
