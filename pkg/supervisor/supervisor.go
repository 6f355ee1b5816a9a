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

// package supervisor links actors into groups whose lifetimes are tied
// together. A group is the unit of crash containment: when any member
// stops, every other member of the same group is stopped too, and nothing
// outside the group is touched.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/mqtt-core/pkg/actor"
	"github.com/turtacn/mqtt-core/pkg/logger"
	"github.com/turtacn/mqtt-core/pkg/metrics"
)

// ErrNoChildren is returned by Link when it is given nothing to run.
var ErrNoChildren = errors.New("no child specs provided")

// Spec defines a child actor run by a link group.
type Spec struct {
	// ID identifies the child in logs and metrics, e.g. "registry".
	ID string
	// Actor is the actor instance to run.
	Actor actor.Actor
	// Mailbox is handed to the actor's Start method. It may be nil for
	// actors that take no messages.
	Mailbox *actor.Mailbox
	// Logger receives lifecycle records. Nil means slog.Default().
	Logger *slog.Logger
	// startFunc is an optional function for starting the actor, useful for testing.
	startFunc func(context.Context, *actor.Mailbox) error
}

// Link runs every child concurrently and blocks until all of them have
// stopped. The first child to stop, for whatever reason, cancels the
// context shared by the others. Link returns the first abnormal
// termination: a non-nil error other than context cancellation, or a
// recovered panic. A clean stop of the whole group returns nil.
func Link(ctx context.Context, specs ...Spec) error {
	if len(specs) == 0 {
		return ErrNoChildren
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			defer cancel()
			return runChild(gctx, spec)
		})
	}
	return g.Wait()
}

// runChild runs a single child, converting panics into errors.
func runChild(ctx context.Context, spec Spec) (err error) {
	log := spec.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("actor", spec.ID))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			err = nil
			metrics.ActorExitsTotal.WithLabelValues(spec.ID, "normal").Inc()
			log.Debug("actor stopped")
		default:
			metrics.ActorExitsTotal.WithLabelValues(spec.ID, "abnormal").Inc()
			log.Error("actor terminated abnormally, stopping linked actors", logger.Err(err))
		}
	}()

	log.Debug("starting actor")
	if spec.startFunc != nil {
		return spec.startFunc(ctx, spec.Mailbox)
	}
	if spec.Actor == nil {
		return fmt.Errorf("actor %s has no implementation", spec.ID)
	}
	if err := spec.Actor.Start(ctx, spec.Mailbox); err != nil {
		return fmt.Errorf("actor %s: %w", spec.ID, err)
	}
	return nil
}
