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

import "fmt"

// addressSpaceSize is the number of addressable registers per space.
const addressSpaceSize = 65536

// InRange reports whether [addr, addr+n) lies within [start, start+count).
func InRange(addr, n, start, count int) bool {
	return addr >= start && addr+n <= start+count
}

type registerSpace struct {
	window Window
	values []uint16
}

// RegisterMap holds the holding and input registers of a slave. Each space
// covers its own window and every access is checked against the whole
// requested range before any value is touched.
//
// RegisterMap does no locking; its owner serialises access.
type RegisterMap struct {
	spaces [2]registerSpace
}

// NewRegisterMap allocates zeroed buffers for both windows.
func NewRegisterMap(holding, input Window) (*RegisterMap, error) {
	m := &RegisterMap{}
	for space, w := range []Window{holding, input} {
		if w.Count < 0 || w.End() > addressSpaceSize {
			return nil, fmt.Errorf("%w: %s window start=%d count=%d",
				ErrAllocationFailed, Space(space), w.Start, w.Count)
		}
		m.spaces[space] = registerSpace{
			window: w,
			values: make([]uint16, w.Count),
		}
	}
	return m, nil
}

func (m *RegisterMap) space(s Space) (*registerSpace, error) {
	if s != SpaceHolding && s != SpaceInput {
		return nil, fmt.Errorf("%w: unknown register space %d", ErrInvalidAddress, int(s))
	}
	return &m.spaces[s], nil
}

func (rs *registerSpace) check(s Space, addr uint16, n int) (int, error) {
	if n < 1 {
		return 0, fmt.Errorf("%w: %d registers", ErrInvalidQuantity, n)
	}
	if !InRange(int(addr), n, int(rs.window.Start), rs.window.Count) {
		return 0, fmt.Errorf("%w: %s [%d,%d) outside [%d,%d)", ErrInvalidAddress,
			s, addr, int(addr)+n, rs.window.Start, rs.window.End())
	}
	return int(addr) - int(rs.window.Start), nil
}

// Window returns the window mapped for a space.
func (m *RegisterMap) Window(s Space) Window {
	rs, err := m.space(s)
	if err != nil {
		return Window{}
	}
	return rs.window
}

// Read returns a copy of n registers starting at addr.
func (m *RegisterMap) Read(s Space, addr uint16, n int) ([]uint16, error) {
	rs, err := m.space(s)
	if err != nil {
		return nil, err
	}
	off, err := rs.check(s, addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, n)
	copy(out, rs.values[off:off+n])
	return out, nil
}

// Write stores values starting at addr. Nothing is written unless the whole
// range is mapped.
func (m *RegisterMap) Write(s Space, addr uint16, values []uint16) error {
	rs, err := m.space(s)
	if err != nil {
		return err
	}
	off, err := rs.check(s, addr, len(values))
	if err != nil {
		return err
	}
	copy(rs.values[off:], values)
	return nil
}

// Snapshot returns a copy of every register in a space.
func (m *RegisterMap) Snapshot(s Space) []uint16 {
	rs, err := m.space(s)
	if err != nil {
		return nil
	}
	out := make([]uint16, len(rs.values))
	copy(out, rs.values)
	return out
}
