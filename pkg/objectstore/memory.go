// Copyright 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
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

package objectstore

import (
	"context"
	"fmt"
	"sync"
)

// MemoryOperator is an in-process operator for tests and local development.
type MemoryOperator struct {
	mu      sync.RWMutex
	objects map[string][]byte

	// FailWrites makes Write return an error; tests use it to exercise
	// upload failure paths.
	FailWrites bool
}

// NewMemoryOperator creates an empty in-memory store.
func NewMemoryOperator() *MemoryOperator {
	return &MemoryOperator{objects: make(map[string][]byte)}
}

func (m *MemoryOperator) Write(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites {
		return fmt.Errorf("put object %s: injected failure", key)
	}
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryOperator) RangeRead(ctx context.Context, key string, rng *ByteRange) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get object %s: %w", key, ErrNotFound)
	}
	if rng == nil {
		return append([]byte(nil), data...), nil
	}
	if rng.Start < 0 || rng.Start >= int64(len(data)) || rng.End < rng.Start {
		return nil, fmt.Errorf("get object %s: range [%d,%d] out of bounds", key, rng.Start, rng.End)
	}
	end := rng.End
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	return append([]byte(nil), data[rng.Start:end+1]...), nil
}

// Len reports the number of stored objects.
func (m *MemoryOperator) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

var _ Operator = (*MemoryOperator)(nil)
