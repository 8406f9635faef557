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
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/goburrow/serial"
)

// scriptedPort replays chunks; an empty chunk is a read timeout.
type scriptedPort struct {
	chunks  [][]byte
	written bytes.Buffer
	closed  bool
	cfg     *serial.Config
}

func (p *scriptedPort) Read(buf []byte) (int, error) {
	if p.closed {
		return 0, io.EOF
	}
	if len(p.chunks) == 0 {
		time.Sleep(time.Millisecond)
		return 0, serial.ErrTimeout
	}
	chunk := p.chunks[0]
	p.chunks = p.chunks[1:]
	if len(chunk) == 0 {
		return 0, serial.ErrTimeout
	}
	return copy(buf, chunk), nil
}

func (p *scriptedPort) Write(buf []byte) (int, error) {
	return p.written.Write(buf)
}

func (p *scriptedPort) Close() error {
	p.closed = true
	return nil
}

func openScripted(t *testing.T, port *scriptedPort, sizer FrameSizer) *SerialTransport {
	t.Helper()

	st := NewSerialTransport(SerialConfig{
		Device:   "/dev/ttyTEST",
		BaudRate: 9600,
		DataBits: 8,
		StopBits: 1,
		Parity:   "N",
		Timeout:  time.Second,
		Sizer:    sizer,
		Open: func(cfg *serial.Config) (io.ReadWriteCloser, error) {
			port.cfg = cfg
			return port, nil
		},
	})
	if err := st.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return st
}

func TestInterFrameGap(t *testing.T) {
	tests := []struct {
		baud int
		want time.Duration
	}{
		{1200, 32083 * time.Microsecond},
		{9600, minInterFrameGap},
		{115200, minInterFrameGap},
	}
	for _, tt := range tests {
		if got := InterFrameGap(tt.baud); got != tt.want {
			t.Errorf("InterFrameGap(%d) = %v, want %v", tt.baud, got, tt.want)
		}
	}
}

func TestSerialTransport_ConnectConfig(t *testing.T) {
	port := &scriptedPort{}
	openScripted(t, port, nil)

	if port.cfg.Address != "/dev/ttyTEST" || port.cfg.BaudRate != 9600 || port.cfg.Parity != "N" {
		t.Errorf("unexpected serial config %+v", port.cfg)
	}
	if port.cfg.Timeout != InterFrameGap(9600) {
		t.Errorf("read timeout: expected %v, got %v", InterFrameGap(9600), port.cfg.Timeout)
	}
}

func TestSerialTransport_SizerEndsFrame(t *testing.T) {
	frame := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01, 0x84, 0x0A}
	port := &scriptedPort{chunks: [][]byte{frame[:3], frame[3:], {0xFF}}}
	st := openScripted(t, port, func(head []byte) int {
		if len(head) < 2 {
			return 0
		}
		return 8
	})

	got, err := st.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("Expected %x, got %x", frame, got)
	}
}

func TestSerialTransport_SilenceEndsFrame(t *testing.T) {
	port := &scriptedPort{chunks: [][]byte{{0x01, 0x2B}, {0x0E}, {}}}
	st := openScripted(t, port, nil)

	got, err := st.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0x01, 0x2B, 0x0E}) {
		t.Errorf("unexpected frame %x", got)
	}
}

func TestSerialTransport_ReceiveTimeout(t *testing.T) {
	st := openScripted(t, &scriptedPort{}, nil)

	_, err := st.Receive(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
}

func TestSerialTransport_SendClose(t *testing.T) {
	port := &scriptedPort{}
	st := openScripted(t, port, nil)

	if err := st.Send([]byte{0x01, 0x06}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !bytes.Equal(port.written.Bytes(), []byte{0x01, 0x06}) {
		t.Errorf("written: %x", port.written.Bytes())
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !port.closed {
		t.Error("port not closed")
	}
	if err := st.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := st.Send([]byte{0x00}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close: expected ErrClosed, got %v", err)
	}
}
