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
	"log/slog"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/mqtt-core/pkg/actor"
	"github.com/turtacn/mqtt-core/pkg/metrics"
	"github.com/turtacn/mqtt-core/pkg/protocol/mqtt"
)

// DefaultDispatchInterval is how long the Dispatcher sleeps when the
// registry has no pending job.
const DefaultDispatchInterval = 100 * time.Millisecond

// Dispatcher drains the registry's job queue and writes each job's packet
// to the clients it is addressed to.
type Dispatcher struct {
	registry Registry
	interval time.Duration
	wake     <-chan struct{}
	log      *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithWakeup makes the dispatcher poll as soon as ch receives instead of
// waiting out the full idle interval.
func WithWakeup(ch <-chan struct{}) DispatcherOption {
	return func(d *Dispatcher) { d.wake = ch }
}

// WithLogger sets the dispatcher's logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher creates a dispatcher polling registry every interval while
// idle. A non-positive interval selects DefaultDispatchInterval.
func NewDispatcher(registry Registry, interval time.Duration, opts ...DispatcherOption) *Dispatcher {
	if interval <= 0 {
		interval = DefaultDispatchInterval
	}
	d := &Dispatcher{
		registry: registry,
		interval: interval,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With(slog.String("component", "dispatcher"))
	return d
}

// Start runs the dispatch loop until ctx is canceled. The mailbox is unused;
// the dispatcher pulls its work from the registry.
func (d *Dispatcher) Start(ctx context.Context, _ *actor.Mailbox) error {
	d.log.Info("dispatcher started", slog.Duration("interval", d.interval))
	timer := time.NewTimer(d.interval)
	defer timer.Stop()

	for {
		job, err := d.registry.DequeueJob(ctx)
		if err != nil {
			return err
		}
		if job != nil {
			d.Dispatch(job)
			continue
		}

		timer.Reset(d.interval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// Dispatch delivers a single job and returns the number of successful
// writes. PUBLISH jobs go to every subscriber in the job's snapshot, SUBACK
// jobs go back to the origin only. Other packet kinds are logged and
// dropped.
func (d *Dispatcher) Dispatch(job *Job) int {
	log := d.log.With(slog.Uint64("job_id", job.ID))

	switch job.Packet.FixedHeader.Type {
	case packets.Publish:
		delivered := 0
		for _, sub := range job.Subscribers {
			if d.deliver(log, job, sub) {
				delivered++
			}
		}
		return delivered
	case packets.Suback:
		if job.Origin == nil {
			panic("dispatcher: SUBACK job without origin")
		}
		if d.deliver(log, job, job.Origin) {
			return 1
		}
		return 0
	default:
		metrics.DeliveriesTotal.WithLabelValues("unsupported").Inc()
		log.Error("no handling of packet type, job dropped",
			slog.String("packet", mqtt.TypeName(job.Packet.FixedHeader.Type)))
		return 0
	}
}

func (d *Dispatcher) deliver(log *slog.Logger, job *Job, c Client) bool {
	if c.WritePacket(job.Packet) {
		metrics.DeliveriesTotal.WithLabelValues("ok").Inc()
		return true
	}
	metrics.DeliveriesTotal.WithLabelValues("failed").Inc()
	log.Warn("delivery failed",
		slog.String("client_id", c.ClientID()),
		slog.String("packet", mqtt.TypeName(job.Packet.FixedHeader.Type)))
	return false
}
