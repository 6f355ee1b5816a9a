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

// package session implements the per-connection actor pair: a read loop
// that decodes inbound packets and turns them into registry calls, and a
// Writer that owns the outbound stream. The two are linked; when either
// stops the whole session stops and the connection is closed.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/mqtt-core/pkg/actor"
	"github.com/turtacn/mqtt-core/pkg/broker"
	"github.com/turtacn/mqtt-core/pkg/logger"
	"github.com/turtacn/mqtt-core/pkg/metrics"
	"github.com/turtacn/mqtt-core/pkg/protocol/mqtt"
	"github.com/turtacn/mqtt-core/pkg/supervisor"
)

// DefaultMailboxSize is the writer mailbox capacity used when Options
// leaves it unset.
const DefaultMailboxSize = 64

var (
	// ErrNotConnect is returned when the first frame on a connection is
	// not a CONNECT packet.
	ErrNotConnect = errors.New("first packet is not CONNECT")
	// ErrConnackFailed is returned when the connection-accepted
	// acknowledgement could not be written.
	ErrConnackFailed = errors.New("failed to send CONNACK")
)

// Options configures new sessions.
type Options struct {
	// MailboxSize is the capacity of the writer's mailbox.
	MailboxSize int
	// MaxPacketSize caps the remaining length of inbound frames, including
	// the CONNECT. Zero means mqtt.DefaultMaxPacketSize.
	MaxPacketSize int
	// WriteTimeout bounds each write to the client. A client that stops
	// reading for longer is disconnected. Zero disables the bound.
	WriteTimeout time.Duration
	// Logger is the parent logger. Nil means slog.Default().
	Logger *slog.Logger
}

// Session is the broker-side state of one connected client.
type Session struct {
	connID   string
	clientID string
	version  byte

	conn     io.ReadWriteCloser
	decoder  *mqtt.Decoder
	writer   *Writer
	registry broker.Registry
	log      *slog.Logger
}

var _ broker.Client = (*Session)(nil)

// New performs the connect handshake on conn: it reads exactly one frame
// and requires it to be a CONNECT. Any other frame, or a frame that fails
// to decode, is returned as an error and the session is never created.
// The caller owns conn and must close it on error.
func New(conn io.ReadWriteCloser, registry broker.Registry, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	size := opts.MailboxSize
	if size <= 0 {
		size = DefaultMailboxSize
	}
	connID := uuid.NewString()
	log = log.With(slog.String("conn_id", connID))

	decoder := mqtt.NewDecoder(conn)
	decoder.SetMaxPacketSize(opts.MaxPacketSize)
	pk, err := decoder.DecodeNext()
	if err != nil {
		metrics.HandshakeFailuresTotal.Inc()
		return nil, fmt.Errorf("read CONNECT: %w", err)
	}
	if pk.FixedHeader.Type != packets.Connect {
		metrics.HandshakeFailuresTotal.Inc()
		return nil, fmt.Errorf("%w: got %s", ErrNotConnect, mqtt.TypeName(pk.FixedHeader.Type))
	}

	clientID := pk.Connect.ClientIdentifier
	version := pk.ProtocolVersion
	decoder.SetProtocolVersion(version)
	log = log.With(slog.String("client_id", clientID))
	log.Info("client connected", slog.Int("protocol_version", int(version)))

	writer := NewWriter(clientID, version, conn, actor.NewMailbox(size), log)
	writer.SetWriteTimeout(opts.WriteTimeout)

	return &Session{
		connID:   connID,
		clientID: clientID,
		version:  version,
		conn:     conn,
		decoder:  decoder,
		writer:   writer,
		registry: registry,
		log:      log,
	}, nil
}

// ClientID implements broker.Client.
func (s *Session) ClientID() string {
	return s.clientID
}

// ConnID returns the broker-assigned id of the underlying connection.
func (s *Session) ConnID() string {
	return s.connID
}

// ProtocolVersion returns the version negotiated by CONNECT.
func (s *Session) ProtocolVersion() byte {
	return s.version
}

// WritePacket implements broker.Client by handing pk to the session's
// writer.
func (s *Session) WritePacket(pk packets.Packet) bool {
	return s.writer.WritePacket(pk)
}

// Done is closed once the session's writer has stopped accepting packets.
func (s *Session) Done() <-chan struct{} {
	return s.writer.Done()
}

// Run acknowledges the connection and serves it until the client goes
// away, either half of the session fails, or ctx is canceled. The
// connection is closed before Run returns. A clean end of stream returns
// nil.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	err := supervisor.Link(ctx,
		supervisor.Spec{ID: "session-writer", Actor: s.writer, Mailbox: s.writer.Mailbox(), Logger: s.log},
		supervisor.Spec{ID: "session-reader", Actor: &reader{s}, Logger: s.log},
	)
	if err != nil {
		s.log.Warn("session terminated", logger.Err(err))
		return err
	}
	s.log.Info("client disconnected")
	return nil
}

// reader is the inbound half of a session.
type reader struct {
	s *Session
}

// Start sends the CONNACK and then decodes frames until the stream ends.
// Malformed frames are skipped; a failed read ends the session.
func (r *reader) Start(ctx context.Context, _ *actor.Mailbox) error {
	s := r.s
	// Unblock the pending read when a linked actor stops.
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	if !s.writer.WritePacket(mqtt.NewConnack()) {
		return ErrConnackFailed
	}

	for {
		pk, err := s.decoder.DecodeNext()
		if err != nil {
			var de *mqtt.DecodeError
			switch {
			case errors.As(err, &de):
				metrics.DecodeErrorsTotal.Inc()
				s.log.Warn("failed to decode packet", logger.Err(err))
				continue
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, io.EOF):
				s.log.Debug("end of stream")
				return nil
			default:
				return fmt.Errorf("read from %s: %w", s.clientID, err)
			}
		}
		s.handle(ctx, pk)
	}
}

// handle dispatches one decoded packet.
func (s *Session) handle(ctx context.Context, pk *packets.Packet) {
	switch pk.FixedHeader.Type {
	case packets.Pingreq:
		s.writer.WritePacket(mqtt.NewPingresp())

	case packets.Publish:
		s.log.Debug("received publish", slog.String("topic", pk.TopicName), slog.Int("bytes", len(pk.Payload)))
		if _, err := s.registry.Publish(ctx, pk.TopicName, pk.Payload, s); err != nil {
			s.log.Warn("publish not registered", slog.String("topic", pk.TopicName), logger.Err(err))
		}

	case packets.Subscribe:
		topics := make([]string, 0, len(pk.Filters))
		for _, f := range pk.Filters {
			topics = append(topics, f.Filter)
		}
		s.log.Debug("received subscribe", slog.Any("topics", topics))
		if _, err := s.registry.Subscribe(ctx, pk.PacketID, topics, s); err != nil {
			s.log.Warn("subscribe not registered", slog.Any("topics", topics), logger.Err(err))
		}

	default:
		metrics.UnsupportedPacketsTotal.WithLabelValues(mqtt.TypeName(pk.FixedHeader.Type)).Inc()
		s.log.Warn("no support for packet type", slog.String("packet", mqtt.TypeName(pk.FixedHeader.Type)))
	}
}
