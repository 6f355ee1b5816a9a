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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-core/pkg/broker"
	"github.com/turtacn/mqtt-core/pkg/protocol/mqtt"
)

type subscribeCall struct {
	packetID uint16
	topics   []string
	origin   broker.Client
}

type publishCall struct {
	topic   string
	payload []byte
	origin  broker.Client
}

// fakeRegistry records calls instead of queueing jobs.
type fakeRegistry struct {
	mu   sync.Mutex
	subs []subscribeCall
	pubs []publishCall
}

func (r *fakeRegistry) Subscribe(_ context.Context, packetID uint16, topics []string, origin broker.Client) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, subscribeCall{packetID, topics, origin})
	return true, nil
}

func (r *fakeRegistry) Publish(_ context.Context, topic string, payload []byte, origin broker.Client) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pubs = append(r.pubs, publishCall{topic, payload, origin})
	return false, nil
}

func (r *fakeRegistry) DequeueJob(context.Context) (*broker.Job, error) {
	return nil, nil
}

func (r *fakeRegistry) subscribeCalls() []subscribeCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]subscribeCall(nil), r.subs...)
}

func (r *fakeRegistry) publishCalls() []publishCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]publishCall(nil), r.pubs...)
}

// testClient is the client end of a net.Pipe with a background decoder.
type testClient struct {
	conn    net.Conn
	version byte
	packets chan *packets.Packet
}

func newTestClient(conn net.Conn, version byte) *testClient {
	c := &testClient{conn: conn, version: version, packets: make(chan *packets.Packet, 32)}
	go func() {
		defer close(c.packets)
		d := mqtt.NewDecoder(conn)
		d.SetProtocolVersion(version)
		for {
			pk, err := d.DecodeNext()
			if err != nil {
				if _, ok := err.(*mqtt.DecodeError); ok {
					continue
				}
				return
			}
			c.packets <- pk
		}
	}()
	return c
}

func (c *testClient) send(t *testing.T, pk packets.Packet) {
	t.Helper()
	require.NoError(t, mqtt.Write(c.conn, pk, c.version))
}

func (c *testClient) sendRaw(t *testing.T, b []byte) {
	t.Helper()
	_, err := c.conn.Write(b)
	require.NoError(t, err)
}

func (c *testClient) expect(t *testing.T, typ byte) *packets.Packet {
	t.Helper()
	select {
	case pk, ok := <-c.packets:
		require.True(t, ok, "connection closed while waiting for %s", mqtt.TypeName(typ))
		require.Equal(t, mqtt.TypeName(typ), mqtt.TypeName(pk.FixedHeader.Type))
		return pk
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", mqtt.TypeName(typ))
		return nil
	}
}

type handshakeResult struct {
	sess *Session
	err  error
}

// connect runs the handshake for clientID and starts the session. The
// returned channel yields Run's result.
func connect(t *testing.T, reg broker.Registry, clientID string, version byte) (*Session, *testClient, <-chan error) {
	t.Helper()
	srv, cli := net.Pipe()
	client := newTestClient(cli, version)

	hs := make(chan handshakeResult, 1)
	go func() {
		s, err := New(srv, reg, Options{})
		hs <- handshakeResult{s, err}
	}()
	client.send(t, mqtt.NewConnect(clientID, version))

	res := <-hs
	require.NoError(t, res.err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- res.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = cli.Close()
	})

	client.expect(t, packets.Connack)
	return res.sess, client, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}
