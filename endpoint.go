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
	"net"
	"strconv"
	"strings"
)

// Endpoint is where a master connects or a slave serves. It is either a
// TCPEndpoint or a SerialEndpoint.
type Endpoint interface {
	String() string
	endpoint()
}

// TCPEndpoint is a Modbus/TCP host and port. An empty host binds all
// interfaces when serving.
type TCPEndpoint struct {
	Host string
	Port int
}

func (TCPEndpoint) endpoint() {}

// Address returns host:port. Port 0 lets a slave pick a free port.
func (e TCPEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the endpoint in tcp://host:port form.
func (e TCPEndpoint) String() string {
	return "tcp://" + e.Address()
}

// Parity is the serial parity setting.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityEven Parity = 'E'
	ParityOdd  Parity = 'O'
)

// ParseParity accepts N/E/O or none/even/odd in any case.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n", "none", "":
		return ParityNone, nil
	case "e", "even":
		return ParityEven, nil
	case "o", "odd":
		return ParityOdd, nil
	default:
		return 0, fmt.Errorf("modbus: invalid parity %q", s)
	}
}

// String returns the single-letter form used by serial drivers.
func (p Parity) String() string {
	if p == 0 {
		return string(ParityNone)
	}
	return string(p)
}

// SerialEndpoint is a serial line running Modbus RTU.
type SerialEndpoint struct {
	Device   string
	BaudRate int
	Parity   Parity
	DataBits int
	StopBits int
}

func (SerialEndpoint) endpoint() {}

// String returns the endpoint in rtu://device?9600,8N1 form.
func (e SerialEndpoint) String() string {
	e = e.withDefaults()
	return fmt.Sprintf("rtu://%s?%d,%d%s%d", e.Device, e.BaudRate, e.DataBits, e.Parity, e.StopBits)
}

func (e SerialEndpoint) withDefaults() SerialEndpoint {
	if e.BaudRate == 0 {
		e.BaudRate = 9600
	}
	if e.Parity == 0 {
		e.Parity = ParityNone
	}
	if e.DataBits == 0 {
		e.DataBits = 8
	}
	if e.StopBits == 0 {
		e.StopBits = 1
	}
	return e
}
