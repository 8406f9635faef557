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
	"net"
	"sync"
	"time"
)

const (
	mbapHeaderSize = 7
	maxMBAPLength  = 254
)

// TCPTransport carries MBAP-framed Modbus/TCP frames.
type TCPTransport struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport creates a transport that dials addr on Connect.
func NewTCPTransport(addr string, timeout time.Duration) *TCPTransport {
	return &TCPTransport{
		addr:    addr,
		timeout: timeout,
	}
}

// FromConn wraps an already established connection, such as one returned
// by a listener.
func FromConn(conn net.Conn, timeout time.Duration) *TCPTransport {
	configureConn(conn)
	return &TCPTransport{
		addr:    conn.RemoteAddr().String(),
		timeout: timeout,
		conn:    conn,
	}
}

// Connect establishes a TCP connection.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second,
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}
	configureConn(conn)

	t.conn = conn
	return nil
}

func configureConn(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(30 * time.Second)
		tcpConn.SetNoDelay(true)
	}
}

// Close closes the TCP connection. A send or receive in progress finishes
// before the socket is released.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsConnected returns true if the transport is connected.
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Addr returns the dialed or remote address.
func (t *TCPTransport) Addr() string {
	return t.addr
}

// Send writes a complete frame.
func (t *TCPTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return ErrClosed
	}

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return fmt.Errorf("%w: set deadline: %v", ErrIO, err)
	}

	written := 0
	for written < len(frame) {
		n, err := t.conn.Write(frame[written:])
		if err != nil {
			t.closeConnLocked()
			return fmt.Errorf("%w: write: %v", ErrIO, err)
		}
		written += n
	}
	return nil
}

// Receive reads one MBAP frame (header and PDU).
func (t *TCPTransport) Receive(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, ErrClosed
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrIO, err)
	}

	header := make([]byte, mbapHeaderSize)
	if _, err := io.ReadFull(t.conn, header[:1]); err != nil {
		return nil, t.readErrLocked(err, false)
	}

	// The frame has started; the rest must arrive within the I/O timeout.
	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrIO, err)
	}
	if _, err := io.ReadFull(t.conn, header[1:]); err != nil {
		return nil, t.readErrLocked(err, true)
	}

	protocolID := int(header[2])<<8 | int(header[3])
	if protocolID != 0 {
		t.closeConnLocked()
		return nil, fmt.Errorf("%w: invalid protocol ID %d", ErrIO, protocolID)
	}

	length := int(header[4])<<8 | int(header[5])
	if length < 2 || length > maxMBAPLength {
		t.closeConnLocked()
		return nil, fmt.Errorf("%w: invalid length %d", ErrIO, length)
	}

	frame := make([]byte, mbapHeaderSize+length-1)
	copy(frame, header)
	if _, err := io.ReadFull(t.conn, frame[mbapHeaderSize:]); err != nil {
		return nil, t.readErrLocked(err, true)
	}
	return frame, nil
}

// readErrLocked classifies a read failure. A timeout before the first byte
// leaves the stream intact; anything else drops the connection because the
// frame boundary is lost.
// Must be called with mu held.
func (t *TCPTransport) readErrLocked(err error, started bool) error {
	var netErr net.Error
	if !started && errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	t.closeConnLocked()
	if !started && (errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)) {
		return ErrClosed
	}
	return fmt.Errorf("%w: read: %v", ErrIO, err)
}

// closeConnLocked closes the connection without acquiring the lock.
// Must be called with mu held.
func (t *TCPTransport) closeConnLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
