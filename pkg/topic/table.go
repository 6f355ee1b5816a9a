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

// Package topic holds the broker's subscription table: an exact-match
// mapping from topic names to the subscribers registered under them, in
// subscription order.
package topic

import "slices"

// Table maps topic names to ordered subscriber lists. Topics match only by
// exact string equality and a subscriber may appear more than once under
// the same topic.
//
// Table is not safe for concurrent use. It is meant to be owned by a single
// actor that mutates it only while handling its own messages.
type Table[S any] struct {
	subscriptions map[string][]S
	entries       int
}

// NewTable creates an empty table.
func NewTable[S any]() *Table[S] {
	return &Table[S]{subscriptions: make(map[string][]S)}
}

// Subscribe appends sub to the subscriber list of topic, creating the list
// if absent.
func (t *Table[S]) Subscribe(topic string, sub S) {
	t.subscriptions[topic] = append(t.subscriptions[topic], sub)
	t.entries++
}

// Subscribers returns a copy of the subscriber list for topic in subscribe
// order, or nil if nobody is subscribed. Later changes to the table do not
// affect the returned slice.
func (t *Table[S]) Subscribers(topic string) []S {
	subs := t.subscriptions[topic]
	if len(subs) == 0 {
		return nil
	}
	return slices.Clone(subs)
}

// Topics returns the number of topics with at least one subscriber.
func (t *Table[S]) Topics() int {
	return len(t.subscriptions)
}

// Entries returns the total number of subscriptions, duplicates included.
func (t *Table[S]) Entries() int {
	return t.entries
}
