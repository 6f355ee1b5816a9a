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

// Package storage provides a generic key-value store interface and a
// lock-free in-memory implementation. The transport layer uses it to track
// live sessions by connection id.
package storage

import (
	"errors"

	"github.com/alphadose/haxmap"
)

var (
	// ErrNotFound is returned when a key is not found in the store.
	ErrNotFound = errors.New("not found")
)

// Store defines the interface for a generic key-value store.
type Store[V any] interface {
	// Get retrieves a value by key, or ErrNotFound.
	Get(key string) (V, error)
	// Set adds or updates a value.
	Set(key string, value V) error
	// Delete removes a value. Deleting a missing key is not an error.
	Delete(key string) error
	// Len reports the number of stored values.
	Len() int
	// Range calls fn for each entry until fn returns false.
	Range(fn func(key string, value V) bool)
}

// MemStore is an in-memory Store backed by a concurrent hash map. It is
// safe for concurrent use.
type MemStore[V any] struct {
	data *haxmap.Map[string, V]
}

var _ Store[int] = (*MemStore[int])(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore[V any]() *MemStore[V] {
	return &MemStore[V]{
		data: haxmap.New[string, V](),
	}
}

func (s *MemStore[V]) Get(key string) (V, error) {
	value, ok := s.data.Get(key)
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return value, nil
}

func (s *MemStore[V]) Set(key string, value V) error {
	s.data.Set(key, value)
	return nil
}

func (s *MemStore[V]) Delete(key string) error {
	s.data.Del(key)
	return nil
}

func (s *MemStore[V]) Len() int {
	return int(s.data.Len())
}

// Range iterates in no particular order. Entries added or removed while
// iterating may or may not be visited.
func (s *MemStore[V]) Range(fn func(key string, value V) bool) {
	s.data.ForEach(fn)
}
