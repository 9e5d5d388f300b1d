// Copyright 2025 The imgbase Authors
// This file is part of the imgbase library.
//
// The imgbase library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The imgbase library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the imgbase library. If not, see <http://www.gnu.org/licenses/>.

package cache

import (
	"sync"
	"time"
)

// memoryBackend stores envelopes in a plain map. Eviction policy lives in
// the cache layer, so the map needs no bound of its own.
type memoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
	stored  map[string]time.Time
}

// NewMemoryBackend returns an in-process backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		entries: make(map[string][]byte),
		stored:  make(map[string]time.Time),
	}
}

func (m *memoryBackend) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (m *memoryBackend) Put(key string, data []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = data
	m.stored[key] = time.Now()
	return int64(len(data)), nil
}

func (m *memoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	delete(m.stored, key)
	return nil
}

func (m *memoryBackend) Walk(fn func(key string, size int64, modified time.Time) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, data := range m.entries {
		if err := fn(key, int64(len(data)), m.stored[key]); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryBackend) Close() error { return nil }
