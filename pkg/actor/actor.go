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

// Package actor provides the mailbox primitives shared by every long-lived
// task in the broker: the Registry, the Dispatcher and each connection writer.
package actor

import "context"

// Actor defines the interface for an actor process.
// An actor owns its state exclusively and only mutates it while handling
// messages taken from its mailbox, one at a time.
type Actor interface {
	// Start runs the actor until ctx is canceled or the actor fails. It
	// returns nil or the context error on a normal stop and any other error
	// on abnormal termination.
	Start(ctx context.Context, mb *Mailbox) error
}

// Func adapts an ordinary function to the Actor interface.
type Func func(ctx context.Context, mb *Mailbox) error

// Start calls f(ctx, mb).
func (f Func) Start(ctx context.Context, mb *Mailbox) error {
	return f(ctx, mb)
}

// Mailbox is a channel-based message queue for an actor.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a new mailbox with the given buffer size.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// SendContext puts a message into the mailbox unless ctx is done first.
func (mb *Mailbox) SendContext(ctx context.Context, msg any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case mb.messages <- msg:
		return nil
	}
}

// Receive blocks until a message is received from the mailbox or the context
// is canceled.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the underlying message channel.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Len returns the number of messages waiting in the mailbox.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}
