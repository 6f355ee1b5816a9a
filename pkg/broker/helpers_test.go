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

package broker

import (
	"context"
	"sync"
	"testing"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/mqtt-core/pkg/actor"
)

// fakeClient records every packet written to it.
type fakeClient struct {
	id   string
	fail bool

	mu      sync.Mutex
	written []packets.Packet
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id}
}

func (c *fakeClient) ClientID() string { return c.id }

func (c *fakeClient) WritePacket(pk packets.Packet) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return false
	}
	c.written = append(c.written, pk)
	return true
}

func (c *fakeClient) received() []packets.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]packets.Packet, len(c.written))
	copy(out, c.written)
	return out
}

// startQueue runs a MessageQueue for the duration of the test.
func startQueue(t *testing.T) *MessageQueue {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMessageQueue(actor.NewMailbox(16), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Start(ctx, q.Mailbox())
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}
