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
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/edgeo-scada/modbus/internal/transport"
)

// tcpServer accepts Modbus/TCP clients and runs one worker per client.
// Accept and receive both poll, so shutdown completes within about one
// poll interval once close is called.
type tcpServer struct {
	slave    *Slave
	listener *net.TCPListener
	logger   *slog.Logger

	shutdown atomic.Bool
	done     chan struct{} // closed when the accept loop and its workers have exited
}

func (s *Slave) listenTCP(ctx context.Context, ep TCPEndpoint) (*tcpServer, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrTransportOpen, ep, err)
	}

	srv := &tcpServer{
		slave:    s,
		listener: ln.(*net.TCPListener),
		logger:   s.logger.With(slog.String("addr", ln.Addr().String())),
		done:     make(chan struct{}),
	}
	go srv.acceptLoop()
	return srv, nil
}

func (srv *tcpServer) acceptLoop() {
	defer close(srv.done)

	var workers conc.WaitGroup
	poll := srv.slave.opts.acceptPoll

	for !srv.shutdown.Load() {
		srv.listener.SetDeadline(timeNow().Add(poll))
		conn, err := srv.listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if srv.shutdown.Load() {
				break
			}
			srv.logger.Error("accept error", slog.String("error", err.Error()))
			time.Sleep(poll)
			continue
		}

		srv.slave.metrics.ActiveConns.Add(1)
		srv.slave.metrics.TotalConns.Add(1)
		workers.Go(func() {
			defer srv.slave.metrics.ActiveConns.Add(-1)
			srv.serveClient(conn)
		})
	}

	if r := workers.WaitAndRecover(); r != nil {
		srv.logger.Error("panic in connection handler",
			slog.Any("panic", r.Value),
			slog.String("stack", string(r.Stack)))
	}
}

// serveClient answers requests from one client until it disconnects, goes
// idle for longer than the read timeout, or the server shuts down.
func (srv *tcpServer) serveClient(conn net.Conn) {
	opts := srv.slave.opts
	t := transport.FromConn(conn, opts.timeout)
	defer t.Close()

	logger := srv.logger.With(
		slog.String("session", uuid.NewString()),
		slog.String("remote", conn.RemoteAddr().String()))
	logger.Debug("connection accepted")

	lastActivity := timeNow()
	for !srv.shutdown.Load() {
		adu, err := t.Receive(opts.workerPoll)
		if errors.Is(err, transport.ErrTimeout) {
			if opts.readTimeout > 0 && timeNow().Sub(lastActivity) > opts.readTimeout {
				logger.Debug("idle timeout")
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				logger.Debug("read error", slog.String("error", err.Error()))
			}
			return
		}
		lastActivity = timeNow()

		var req Frame
		if err := req.Decode(adu); err != nil {
			srv.slave.metrics.DroppedFrames.Add(1)
			logger.Debug("bad frame", slog.String("error", err.Error()))
			return
		}
		if !srv.slave.acceptsUnit(req.Header.UnitID) {
			srv.slave.metrics.DroppedFrames.Add(1)
			logger.Debug("request for another unit dropped",
				slog.Uint64("unit_id", uint64(req.Header.UnitID)))
			continue
		}

		resp := Frame{
			Header: MBAPHeader{
				TransactionID: req.Header.TransactionID,
				ProtocolID:    ProtocolID,
				UnitID:        req.Header.UnitID,
			},
			PDU: srv.slave.process(req.PDU),
		}
		if err := t.Send(resp.Encode()); err != nil {
			logger.Debug("write error", slog.String("error", err.Error()))
			return
		}
	}
}

// close stops accepting, waits for the accept loop (which waits for every
// worker) and then releases the listener.
func (srv *tcpServer) close() error {
	srv.shutdown.Store(true)
	<-srv.done
	return srv.listener.Close()
}
