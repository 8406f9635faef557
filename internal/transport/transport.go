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

// Package transport moves whole Modbus frames over a TCP socket or a
// serial line.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when no frame starts within the receive timeout.
	ErrTimeout = errors.New("modbus: timeout")

	// ErrIO wraps failures of the underlying medium.
	ErrIO = errors.New("modbus: transport I/O error")

	// ErrClosed is returned once the peer or the owner closed the channel.
	ErrClosed = errors.New("modbus: connection closed")
)

// Transport is a connected channel carrying complete frames.
type Transport interface {
	// Connect opens the channel. Connecting an open transport is a no-op.
	Connect(ctx context.Context) error

	// Send writes one complete frame.
	Send(frame []byte) error

	// Receive reads one complete frame. The timeout bounds the wait for
	// the frame to start; ErrTimeout means nothing arrived.
	Receive(timeout time.Duration) ([]byte, error)

	// Close releases the channel. Closing twice is a no-op.
	Close() error
}

// FrameSizer reports the total length of the frame whose leading bytes are
// head, or 0 while head is too short to tell.
type FrameSizer func(head []byte) int
