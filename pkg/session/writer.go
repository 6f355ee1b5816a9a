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

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/mqtt-core/pkg/actor"
	"github.com/turtacn/mqtt-core/pkg/logger"
	"github.com/turtacn/mqtt-core/pkg/protocol/mqtt"
)

// ErrWriterStopped is returned when a packet is handed to a writer that is
// no longer running.
var ErrWriterStopped = errors.New("connection writer stopped")

// Writer is the actor owning the outbound half of one connection. All
// writes, whoever issues them, are funneled through its mailbox, so packets
// reach the wire whole and in the order the writer accepted them.
type Writer struct {
	clientID string
	version  byte
	conn     io.Writer
	mb       *actor.Mailbox
	log      *slog.Logger

	// writeTimeout bounds each write when conn supports deadlines.
	writeTimeout time.Duration

	// life is canceled when Start returns; it releases callers waiting on
	// a reply that will never come.
	life context.Context
	stop context.CancelFunc
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// SetWriteTimeout bounds every subsequent write to d. A timed out write
// leaves a partial frame on the wire, so it stops the writer. Zero disables
// the bound. It must be called before Start.
func (w *Writer) SetWriteTimeout(d time.Duration) {
	w.writeTimeout = d
}

// NewWriter creates a writer for conn encoding packets with the given
// protocol version.
func NewWriter(clientID string, version byte, conn io.Writer, mb *actor.Mailbox, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	life, stop := context.WithCancel(context.Background())
	return &Writer{
		clientID: clientID,
		version:  version,
		conn:     conn,
		mb:       mb,
		log:      log,
		life:     life,
		stop:     stop,
	}
}

// Mailbox returns the writer's mailbox.
func (w *Writer) Mailbox() *actor.Mailbox {
	return w.mb
}

// Done is closed once the writer has stopped.
func (w *Writer) Done() <-chan struct{} {
	return w.life.Done()
}

// WritePacket hands pk to the writer and waits until it has been written.
// It returns false if encoding or writing failed or the writer has stopped.
func (w *Writer) WritePacket(pk packets.Packet) bool {
	select {
	case <-w.life.Done():
		return false
	default:
	}
	ok, err := actor.Call[bool](w.life, w.mb, pk)
	if err != nil {
		w.log.Debug("write refused", slog.String("packet", mqtt.TypeName(pk.FixedHeader.Type)), logger.Err(ErrWriterStopped))
		return false
	}
	return ok
}

// Start is the writer's message loop. A failed write is reported to its
// caller and the loop carries on. A write that times out, or a packet that
// cannot be encoded, terminates the writer and the rest of the session
// with it.
func (w *Writer) Start(ctx context.Context, mb *actor.Mailbox) error {
	defer w.stop()
	if mb == nil {
		mb = w.mb
	}

	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return err
		}

		req, ok := msg.(*actor.Request[bool])
		if !ok {
			w.log.Warn("writer received unknown message", slog.String("type", fmt.Sprintf("%T", msg)))
			continue
		}
		pk, ok := req.Body.(packets.Packet)
		if !ok {
			req.Reply(false)
			w.log.Warn("writer received unknown request", slog.String("type", fmt.Sprintf("%T", req.Body)))
			continue
		}

		w.log.Debug("writing packet", slog.String("packet", mqtt.TypeName(pk.FixedHeader.Type)))
		b, err := mqtt.Encode(pk, w.version)
		if err != nil {
			req.Reply(false)
			return fmt.Errorf("encode packet for %s: %w", w.clientID, err)
		}
		if err := w.write(b); err != nil {
			req.Reply(false)
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return fmt.Errorf("write to %s timed out after %s: %w", w.clientID, w.writeTimeout, err)
			}
			w.log.Error("writer failed to write packet", logger.Err(err))
			continue
		}
		req.Reply(true)
	}
}

func (w *Writer) write(b []byte) error {
	if dw, ok := w.conn.(deadlineWriter); ok && w.writeTimeout > 0 {
		if err := dw.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := w.conn.Write(b)
	return err
}
