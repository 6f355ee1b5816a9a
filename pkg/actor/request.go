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

import "context"

// Request wraps a message body with a one-shot reply channel. It is how
// callers get a synchronous round trip out of an otherwise asynchronous
// mailbox.
type Request[T any] struct {
	Body  any
	reply chan T
}

// NewRequest returns a request carrying body.
func NewRequest[T any](body any) *Request[T] {
	return &Request[T]{Body: body, reply: make(chan T, 1)}
}

// Reply answers the request. Only the first reply is delivered; the actor
// never blocks on a caller that has gone away.
func (r *Request[T]) Reply(v T) {
	select {
	case r.reply <- v:
	default:
	}
}

// Call sends body to mb and waits for the actor's reply. It returns the
// context error if ctx is done before the request is queued or answered.
func Call[T any](ctx context.Context, mb *Mailbox, body any) (T, error) {
	var zero T
	req := NewRequest[T](body)
	if err := mb.SendContext(ctx, req); err != nil {
		return zero, err
	}
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case v := <-req.reply:
		return v, nil
	}
}
