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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// MaxRTUFrameSize is the largest RTU ADU (address + PDU + CRC).
const MaxRTUFrameSize = 256

// minInterFrameGap keeps frames from being split by USB-serial adapters
// that deliver bytes in bursts.
const minInterFrameGap = 20 * time.Millisecond

// PortOpener opens a serial port. The returned port must make Read return
// serial.ErrTimeout when nothing arrives within the configured timeout.
type PortOpener func(cfg *serial.Config) (io.ReadWriteCloser, error)

// SerialConfig describes a serial endpoint and its framing.
type SerialConfig struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"

	// Timeout bounds the transfer of one frame once it has started.
	Timeout time.Duration

	// Sizer recognises complete frames early; without it frames end on
	// inter-frame silence only.
	Sizer FrameSizer

	// Open replaces serial.Open, e.g. for RS-485 wrappers or tests.
	Open PortOpener
}

// SerialTransport carries RTU frames over a serial line.
type SerialTransport struct {
	cfg SerialConfig
	gap time.Duration

	mu   sync.Mutex
	port io.ReadWriteCloser
}

// NewSerialTransport creates a transport that opens the port on Connect.
func NewSerialTransport(cfg SerialConfig) *SerialTransport {
	if cfg.Open == nil {
		cfg.Open = func(c *serial.Config) (io.ReadWriteCloser, error) {
			return serial.Open(c)
		}
	}
	return &SerialTransport{
		cfg: cfg,
		gap: InterFrameGap(cfg.BaudRate),
	}
}

// InterFrameGap returns the silence that terminates an RTU frame: 3.5
// character times (11 bits each), fixed at 1.75ms above 19200 baud, and
// never shorter than minInterFrameGap.
func InterFrameGap(baud int) time.Duration {
	gap := 1750 * time.Microsecond
	if baud > 0 && baud <= 19200 {
		gap = time.Duration(38500000/baud) * time.Microsecond
	}
	if gap < minInterFrameGap {
		gap = minInterFrameGap
	}
	return gap
}

// Connect opens the serial port.
func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := t.cfg.Open(&serial.Config{
		Address:  t.cfg.Device,
		BaudRate: t.cfg.BaudRate,
		DataBits: t.cfg.DataBits,
		StopBits: t.cfg.StopBits,
		Parity:   t.cfg.Parity,
		Timeout:  t.gap,
	})
	if err != nil {
		return fmt.Errorf("serial open %s: %w", t.cfg.Device, err)
	}
	t.port = port
	return nil
}

// Close closes the serial port.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// Device returns the configured device path.
func (t *SerialTransport) Device() string {
	return t.cfg.Device
}

// Send writes a complete frame.
func (t *SerialTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return ErrClosed
	}
	written := 0
	for written < len(frame) {
		n, err := t.port.Write(frame[written:])
		if err != nil {
			return fmt.Errorf("%w: write: %v", ErrIO, err)
		}
		written += n
	}
	return nil
}

// Receive reads one frame. It waits up to timeout for the first byte, then
// collects bytes until the sizer reports a complete frame or the line goes
// silent for one inter-frame gap.
func (t *SerialTransport) Receive(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil, ErrClosed
	}

	start := time.Now()
	var frameStart time.Time
	frame := make([]byte, 0, MaxRTUFrameSize)
	chunk := make([]byte, MaxRTUFrameSize)

	for {
		n, err := t.port.Read(chunk)
		if n > 0 {
			if len(frame) == 0 {
				frameStart = time.Now()
			}
			frame = append(frame, chunk[:n]...)
			if len(frame) > MaxRTUFrameSize {
				return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrIO, MaxRTUFrameSize)
			}
			if t.cfg.Sizer != nil {
				if size := t.cfg.Sizer(frame); size > 0 && len(frame) >= size {
					return frame[:size], nil
				}
			}
		}

		switch {
		case err == nil || errors.Is(err, serial.ErrTimeout):
		case errors.Is(err, io.EOF):
			return nil, ErrClosed
		default:
			return nil, fmt.Errorf("%w: read: %v", ErrIO, err)
		}

		if n == 0 && len(frame) > 0 {
			// silence after data ends the frame
			return frame, nil
		}
		if len(frame) == 0 && timeout > 0 && time.Since(start) >= timeout {
			return nil, ErrTimeout
		}
		if len(frame) > 0 && t.cfg.Timeout > 0 && time.Since(frameStart) > t.cfg.Timeout {
			return nil, fmt.Errorf("%w: incomplete frame after %v", ErrIO, t.cfg.Timeout)
		}
	}
}
