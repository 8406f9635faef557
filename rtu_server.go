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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// rtuServer polls a serial line for requests on a single goroutine.
type rtuServer struct {
	slave  *Slave
	port   *transport.SerialTransport
	codec  *rtuCodec
	logger *slog.Logger

	shutdown atomic.Bool
	done     chan struct{}
}

func (s *Slave) openRTU(ctx context.Context, ep SerialEndpoint) (*rtuServer, error) {
	ep = ep.withDefaults()
	port := transport.NewSerialTransport(transport.SerialConfig{
		Device:   ep.Device,
		BaudRate: ep.BaudRate,
		DataBits: ep.DataBits,
		StopBits: ep.StopBits,
		Parity:   ep.Parity.String(),
		Timeout:  s.opts.timeout,
		Sizer:    rtuRequestSize,
		Open:     s.opts.portOpener,
	})
	if err := port.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransportOpen, ep, err)
	}

	srv := &rtuServer{
		slave:  s,
		port:   port,
		codec:  newRTUCodec(),
		logger: s.logger.With(slog.String("device", ep.Device)),
		done:   make(chan struct{}),
	}
	go srv.poll()
	return srv, nil
}

func (srv *rtuServer) poll() {
	defer close(srv.done)
	defer func() {
		if r := recover(); r != nil {
			srv.logger.Error("panic in RTU poller",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	opts := srv.slave.opts
	for !srv.shutdown.Load() {
		adu, err := srv.port.Receive(opts.frameTimeout)
		if err != nil {
			if !errors.Is(err, transport.ErrTimeout) {
				srv.logger.Debug("receive error", slog.String("error", err.Error()))
			}
			time.Sleep(opts.idleSleep)
			continue
		}
		srv.handle(adu)
	}
}

// handle answers one request frame. Corrupt frames and requests for other
// units get no reply; broadcast writes are applied silently.
func (srv *rtuServer) handle(adu []byte) {
	unit, pdu, err := srv.codec.decode(adu)
	if err != nil {
		srv.slave.metrics.DroppedFrames.Add(1)
		srv.logger.Debug("bad frame", slog.String("error", err.Error()))
		return
	}
	if unit != BroadcastUnit && !srv.slave.acceptsUnit(unit) {
		return
	}

	resp := srv.slave.process(pdu)
	if unit == BroadcastUnit {
		return
	}

	out, err := srv.codec.encode(unit, resp)
	if err != nil {
		srv.logger.Error("encode reply", slog.String("error", err.Error()))
		return
	}
	if err := srv.port.Send(out); err != nil {
		srv.logger.Debug("send error", slog.String("error", err.Error()))
	}
}

func (srv *rtuServer) close() error {
	srv.shutdown.Store(true)
	<-srv.done
	return srv.port.Close()
}
