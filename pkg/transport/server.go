// Copyright 2023 The emqx-go Authors
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

// package transport is responsible for handling the network transport layer of
// the MQTT server. It provides a TCP server that accepts incoming client
// connections and hands each one to its own session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/turtacn/mqtt-core/pkg/actor"
	"github.com/turtacn/mqtt-core/pkg/broker"
	"github.com/turtacn/mqtt-core/pkg/logger"
	"github.com/turtacn/mqtt-core/pkg/metrics"
	"github.com/turtacn/mqtt-core/pkg/session"
	"github.com/turtacn/mqtt-core/pkg/storage"
)

// ErrNotListening is returned by Start when Listen has not been called.
var ErrNotListening = errors.New("transport: server is not listening")

// acceptBackoff is how long the accept loop pauses after a temporary error.
const acceptBackoff = 50 * time.Millisecond

// Server accepts TCP connections and runs one session per connection. A
// session that fails takes only its own connection down.
type Server struct {
	registry broker.Registry
	opts     session.Options
	log      *slog.Logger

	listener net.Listener
	sessions storage.Store[*session.Session]
	wg       sync.WaitGroup
}

// NewServer creates a transport Server whose sessions talk to registry.
func NewServer(registry broker.Registry, opts session.Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		registry: registry,
		opts:     opts,
		log:      log.With(slog.String("component", "transport")),
		sessions: storage.NewMemStore[*session.Session](),
	}
}

// Listen binds the server to addr. Connections are not accepted until
// Start runs.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.log.Info("TCP server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions returns the number of sessions that completed the handshake and
// are still running.
func (s *Server) Sessions() int {
	return s.sessions.Len()
}

// Session looks up a live session by connection id.
func (s *Server) Session(connID string) (*session.Session, error) {
	return s.sessions.Get(connID)
}

// Start is the accept loop. It runs until ctx is canceled, then closes the
// listener and waits for every session to finish.
func (s *Server) Start(ctx context.Context, _ *actor.Mailbox) error {
	if s.listener == nil {
		return ErrNotListening
	}
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info("TCP server stopped")
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			s.log.Warn("error accepting connection", logger.Err(err))
			time.Sleep(acceptBackoff)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

// serve runs the handshake and then the session for one connection.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	remote := conn.RemoteAddr().String()

	// Shutdown must not wait on a client that never sends CONNECT.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sess, err := session.New(conn, s.registry, s.opts)
	stop()
	if err != nil {
		s.log.Warn("handshake failed", slog.String("remote", remote), logger.Err(err))
		_ = conn.Close()
		return
	}

	_ = s.sessions.Set(sess.ConnID(), sess)
	metrics.ActiveSessions.Inc()
	defer func() {
		_ = s.sessions.Delete(sess.ConnID())
		metrics.ActiveSessions.Dec()
	}()

	if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Debug("session ended with error",
			slog.String("client_id", sess.ClientID()),
			slog.String("remote", remote),
			logger.Err(err))
	}
}
