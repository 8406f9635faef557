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
	"net"
	"testing"
	"time"
)

// pair returns a connected client transport and the server side socket.
func pair(t *testing.T) (*TCPTransport, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	client := NewTCPTransport(ln.Addr().String(), time.Second)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	server, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestTCPTransport_SendReceive(t *testing.T) {
	client, server := pair(t)

	req := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}
	if err := client.Send(req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	srv := FromConn(server, time.Second)
	got, err := srv.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, req) {
		t.Errorf("Expected %x, got %x", req, got)
	}
}

func TestTCPTransport_ReceiveSplitFrame(t *testing.T) {
	client, server := pair(t)

	frame := []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x12, 0x34}
	go func() {
		server.Write(frame[:4])
		time.Sleep(20 * time.Millisecond)
		server.Write(frame[4:])
	}()

	got, err := client.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("Expected %x, got %x", frame, got)
	}
}

func TestTCPTransport_ReceiveTimeoutKeepsConnection(t *testing.T) {
	client, server := pair(t)

	_, err := client.Receive(20 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if !client.IsConnected() {
		t.Fatal("timeout before a frame started must keep the connection")
	}

	frame := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x03, 0x01, 0x83, 0x02}
	server.Write(frame)
	got, err := client.Receive(time.Second)
	if err != nil {
		t.Fatalf("Receive after timeout failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("Expected %x, got %x", frame, got)
	}
}

func TestTCPTransport_ReceiveBadHeader(t *testing.T) {
	client, server := pair(t)

	server.Write([]byte{0x00, 0x01, 0x00, 0x09, 0x00, 0x03, 0x01, 0x03, 0x00})
	_, err := client.Receive(time.Second)
	if !errors.Is(err, ErrIO) {
		t.Fatalf("Expected ErrIO, got %v", err)
	}
	if client.IsConnected() {
		t.Error("connection should be dropped after a bad header")
	}
}

func TestTCPTransport_PeerClosed(t *testing.T) {
	client, server := pair(t)
	server.Close()

	_, err := client.Receive(time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
	if err := client.Send([]byte{0x00}); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close: expected ErrClosed, got %v", err)
	}
}

func TestTCPTransport_CloseIdempotent(t *testing.T) {
	client, _ := pair(t)
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := client.Receive(time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("Receive after Close: expected ErrClosed, got %v", err)
	}
}
