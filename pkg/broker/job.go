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

// package broker contains the broker-wide state and the machinery that moves
// packets between clients: the Registry, which owns topic subscriptions and
// the pending job queue, and the Dispatcher, which drains that queue into
// client connections.
package broker

import "github.com/mochi-mqtt/server/v2/packets"

// Client is the handle the broker keeps for a connected session. Writes go
// through the session's own connection writer.
type Client interface {
	// ClientID returns the identifier the client sent in CONNECT.
	ClientID() string
	// WritePacket encodes pk for the client and writes it to the connection.
	// It reports whether the write succeeded.
	WritePacket(pk packets.Packet) bool
}

// Job is a unit of pending dispatch work. A Job is created by the Registry
// and must not be modified afterwards; the Dispatcher makes one delivery
// attempt and discards it.
type Job struct {
	// ID is assigned by the Registry from a strictly increasing counter.
	ID uint64
	// Packet is the fully formed outbound packet.
	Packet packets.Packet
	// Subscribers is a snapshot of the topic's subscribers taken when the
	// job was enqueued. It is empty for jobs addressed to Origin.
	Subscribers []Client
	// Origin is the client whose request produced the job.
	Origin Client
}

// SubscriberIDs returns the client ids of the job's subscribers in order.
func (j *Job) SubscriberIDs() []string {
	ids := make([]string, 0, len(j.Subscribers))
	for _, s := range j.Subscribers {
		ids = append(ids, s.ClientID())
	}
	return ids
}

// Stats is a point-in-time view of the Registry state.
type Stats struct {
	// Topics is the number of topics with at least one subscriber.
	Topics int
	// Subscriptions counts every subscription, duplicates included.
	Subscriptions int
	// PendingJobs is the number of jobs waiting to be dequeued.
	PendingJobs int
	// NextJobID is the id the next created job will receive.
	NextJobID uint64
}
