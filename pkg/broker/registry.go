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
	"fmt"
	"log/slog"
	"slices"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/mqtt-core/pkg/actor"
	"github.com/turtacn/mqtt-core/pkg/metrics"
	"github.com/turtacn/mqtt-core/pkg/protocol/mqtt"
	"github.com/turtacn/mqtt-core/pkg/topic"
)

// Registry is the serialized owner of topic subscriptions and the pending
// job queue. Calls are processed one at a time in arrival order.
type Registry interface {
	// Subscribe registers origin under every topic and queues a SUBACK
	// for origin granting QoS 0 per topic.
	Subscribe(ctx context.Context, packetID uint16, topics []string, origin Client) (bool, error)
	// Publish queues payload for the current subscribers of topic. It
	// reports whether a job was created; publishes to topics without
	// subscribers are dropped.
	Publish(ctx context.Context, topic string, payload []byte, origin Client) (bool, error)
	// DequeueJob removes and returns the oldest pending job, or nil if
	// none is pending. It never waits for work.
	DequeueJob(ctx context.Context) (*Job, error)
}

// MessageQueue is the actor implementing Registry. Its state is only
// touched from within Start, so it needs no locks.
type MessageQueue struct {
	mb    *actor.Mailbox
	log   *slog.Logger
	ready chan struct{}

	subscriptions *topic.Table[Client]
	jobs          []*Job
	jobCounter    uint64
}

var _ Registry = (*MessageQueue)(nil)

// NewMessageQueue creates a registry that receives its requests on mb. The
// registry does nothing until Start runs.
func NewMessageQueue(mb *actor.Mailbox, log *slog.Logger) *MessageQueue {
	if log == nil {
		log = slog.Default()
	}
	return &MessageQueue{
		mb:            mb,
		log:           log.With(slog.String("component", "message_queue")),
		ready:         make(chan struct{}, 1),
		subscriptions: topic.NewTable[Client](),
	}
}

// Mailbox returns the mailbox the registry serves.
func (q *MessageQueue) Mailbox() *actor.Mailbox {
	return q.mb
}

// Ready returns a channel that receives a value whenever a job has been
// queued since the last receive. It only hints that work may be pending.
func (q *MessageQueue) Ready() <-chan struct{} {
	return q.ready
}

// Subscribe implements Registry.
func (q *MessageQueue) Subscribe(ctx context.Context, packetID uint16, topics []string, origin Client) (bool, error) {
	return actor.Call[bool](ctx, q.mb, subscribeRequest{PacketID: packetID, Topics: topics, Origin: origin})
}

// Publish implements Registry.
func (q *MessageQueue) Publish(ctx context.Context, topic string, payload []byte, origin Client) (bool, error) {
	return actor.Call[bool](ctx, q.mb, publishRequest{Topic: topic, Payload: payload, Origin: origin})
}

// DequeueJob implements Registry.
func (q *MessageQueue) DequeueJob(ctx context.Context) (*Job, error) {
	return actor.Call[*Job](ctx, q.mb, dequeueRequest{})
}

// Stats returns a snapshot of the registry state.
func (q *MessageQueue) Stats(ctx context.Context) (Stats, error) {
	return actor.Call[Stats](ctx, q.mb, statsRequest{})
}

// Start is the registry's message loop. A request the registry cannot
// make sense of is an invariant violation and panics.
func (q *MessageQueue) Start(ctx context.Context, mb *actor.Mailbox) error {
	if mb == nil {
		mb = q.mb
	}
	q.log.Info("message queue started")
	defer func() {
		q.log.Info("message queue shut down", slog.Int("pending_jobs", len(q.jobs)))
	}()

	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return err
		}

		switch req := msg.(type) {
		case *actor.Request[bool]:
			switch body := req.Body.(type) {
			case subscribeRequest:
				req.Reply(q.subscribe(body))
			case publishRequest:
				req.Reply(q.publish(body))
			default:
				panic(fmt.Sprintf("message queue: unexpected request %T", req.Body))
			}
		case *actor.Request[*Job]:
			req.Reply(q.dequeue())
		case *actor.Request[Stats]:
			req.Reply(q.stats())
		default:
			q.log.Warn("message queue received unknown message", slog.String("type", fmt.Sprintf("%T", msg)))
		}
	}
}

func (q *MessageQueue) subscribe(req subscribeRequest) bool {
	if req.Origin == nil {
		panic("message queue: subscribe without origin")
	}

	granted := make([]byte, 0, len(req.Topics))
	for _, t := range req.Topics {
		q.subscriptions.Subscribe(t, req.Origin)
		// Only QoS 0 is supported, whatever the client asked for.
		granted = append(granted, packets.CodeGrantedQos0.Code)
		q.log.Debug("client subscribed", slog.String("client_id", req.Origin.ClientID()), slog.String("topic", t))
	}

	q.enqueue(&Job{
		Packet: mqtt.NewSuback(req.PacketID, granted),
		Origin: req.Origin,
	})
	return true
}

func (q *MessageQueue) publish(req publishRequest) bool {
	if req.Origin == nil {
		panic("message queue: publish without origin")
	}

	subscribers := q.subscriptions.Subscribers(req.Topic)
	if len(subscribers) == 0 {
		metrics.PublishesDroppedTotal.Inc()
		q.log.Debug("publish dropped, no subscribers",
			slog.String("client_id", req.Origin.ClientID()),
			slog.String("topic", req.Topic))
		return false
	}

	q.enqueue(&Job{
		Packet:      mqtt.NewPublish(req.Topic, slices.Clone(req.Payload)),
		Subscribers: subscribers,
		Origin:      req.Origin,
	})
	return true
}

func (q *MessageQueue) enqueue(job *Job) {
	job.ID = q.jobCounter
	q.jobCounter++
	q.jobs = append(q.jobs, job)

	metrics.JobsEnqueuedTotal.WithLabelValues(mqtt.TypeName(job.Packet.FixedHeader.Type)).Inc()
	metrics.PendingJobs.Set(float64(len(q.jobs)))
	q.log.Debug("job queued",
		slog.Uint64("job_id", job.ID),
		slog.String("packet", mqtt.TypeName(job.Packet.FixedHeader.Type)),
		slog.Int("subscribers", len(job.Subscribers)))

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *MessageQueue) dequeue() *Job {
	if len(q.jobs) == 0 {
		return nil
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	metrics.PendingJobs.Set(float64(len(q.jobs)))
	return job
}

func (q *MessageQueue) stats() Stats {
	return Stats{
		Topics:        q.subscriptions.Topics(),
		Subscriptions: q.subscriptions.Entries(),
		PendingJobs:   len(q.jobs),
		NextJobID:     q.jobCounter,
	}
}
