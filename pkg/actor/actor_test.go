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

package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMailbox(t *testing.T) {
	mb := NewMailbox(10)
	assert.NotNil(t, mb)
	assert.Equal(t, 10, cap(mb.messages))
	assert.Equal(t, 0, mb.Len())
}

func TestMailboxSendAndReceive(t *testing.T) {
	mb := NewMailbox(1)
	mb.Send("hello")
	assert.Equal(t, 1, mb.Len())

	receivedMsg, err := mb.Receive(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "hello", receivedMsg)
}

func TestMailboxReceiveWithContextCancellation(t *testing.T) {
	mb := NewMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mb.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMailboxChan(t *testing.T) {
	mb := NewMailbox(1)
	mb.Send("test")

	receivedMsg := <-mb.Chan()
	assert.Equal(t, "test", receivedMsg)
}

func TestMailboxSendContextFull(t *testing.T) {
	mb := NewMailbox(1)
	require.NoError(t, mb.SendContext(context.Background(), "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := mb.SendContext(ctx, "second")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, mb.Len())
}

func TestMailboxPreservesOrder(t *testing.T) {
	mb := NewMailbox(8)
	for i := 0; i < 5; i++ {
		mb.Send(i)
	}
	for i := 0; i < 5; i++ {
		msg, err := mb.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i, msg)
	}
}

// echoActor replies to every Request[string] with its body doubled.
func echoActor(ctx context.Context, mb *Mailbox) {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return
		}
		if req, ok := msg.(*Request[string]); ok {
			s := req.Body.(string)
			req.Reply(s + s)
		}
	}
}

func TestCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mb := NewMailbox(1)
	go echoActor(ctx, mb)

	got, err := Call[string](ctx, mb, "ab")
	require.NoError(t, err)
	assert.Equal(t, "abab", got)
}

func TestCallWithoutReceiver(t *testing.T) {
	mb := NewMailbox(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := Call[string](ctx, mb, "nobody listens")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRequestReplyOnlyOnce(t *testing.T) {
	req := NewRequest[int]("body")
	req.Reply(1)
	req.Reply(2)
	assert.Equal(t, 1, <-req.reply)
}

func TestFunc(t *testing.T) {
	mb := NewMailbox(1)
	var got *Mailbox
	var a Actor = Func(func(_ context.Context, m *Mailbox) error {
		got = m
		return errors.New("boom")
	})
	assert.EqualError(t, a.Start(context.Background(), mb), "boom")
	assert.Same(t, mb, got)
}
