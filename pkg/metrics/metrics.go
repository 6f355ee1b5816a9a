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

// package metrics provides Prometheus metrics for the application.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal is a counter for the total number of accepted connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_core_connections_total",
		Help: "The total number of connections accepted by the broker.",
	})

	// ActiveSessions tracks sessions that completed the connect handshake
	// and have not yet terminated.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_core_active_sessions",
		Help: "The number of live client sessions.",
	})

	// HandshakeFailuresTotal counts connections closed because the first
	// frame was not a valid CONNECT.
	HandshakeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_core_handshake_failures_total",
		Help: "The total number of connections rejected during the connect handshake.",
	})

	// DecodeErrorsTotal counts malformed frames skipped by session read loops.
	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_core_decode_errors_total",
		Help: "The total number of inbound frames that failed to decode.",
	})

	// UnsupportedPacketsTotal counts inbound packets the broker does not handle.
	UnsupportedPacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_core_unsupported_packets_total",
		Help: "The total number of inbound packets dropped as unsupported.",
	},
		[]string{"type"},
	)

	// JobsEnqueuedTotal counts jobs created by the registry, by packet kind.
	JobsEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_core_jobs_enqueued_total",
		Help: "The total number of dispatch jobs created by the registry.",
	},
		[]string{"kind"},
	)

	// PendingJobs is the length of the registry job queue.
	PendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mqtt_core_pending_jobs",
		Help: "The number of jobs waiting for the dispatcher.",
	})

	// PublishesDroppedTotal counts publishes to topics without subscribers.
	PublishesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_core_publishes_dropped_total",
		Help: "The total number of publishes dropped because nobody was subscribed.",
	})

	// DeliveriesTotal counts packet writes attempted by the dispatcher.
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_core_deliveries_total",
		Help: "The total number of packet deliveries attempted by the dispatcher.",
	},
		[]string{"result"},
	)

	// ActorExitsTotal counts actor terminations by actor id and reason.
	ActorExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mqtt_core_actor_exits_total",
		Help: "The total number of actor terminations.",
	},
		[]string{"actor_id", "reason"},
	)
)

// Handler returns the HTTP handler exposing the default registry. Each
// mount may add further routes, such as health checks, to the same mux.
func Handler(mounts ...func(*http.ServeMux)) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	for _, mount := range mounts {
		mount(mux)
	}
	return mux
}

// Serve exposes /metrics, plus any mounted routes, on addr until ctx is
// canceled.
func Serve(ctx context.Context, addr string, mounts ...func(*http.ServeMux)) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(mounts...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
