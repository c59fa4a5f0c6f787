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

package wal

import (
	"context"
	"sort"
	"sync"
)

// MemoryWAL is a bounded in-memory device. It backs the dev daemon and lets
// tests complete appends in a chosen order or inject over-capacity faults.
type MemoryWAL struct {
	mu         sync.Mutex
	capacity   int64
	manual     bool
	started    bool
	closed     bool
	nextOffset int64
	used       int64
	entries    []*memEntry
}

type memEntry struct {
	offset    int64
	data      []byte
	done      chan error
	completed bool
	trimmed   bool
}

// NewMemoryWAL creates a device holding at most capacity bytes of untrimmed
// records. When manual is true, appends stay pending until Complete is called.
func NewMemoryWAL(capacity int64, manual bool) *MemoryWAL {
	return &MemoryWAL{capacity: capacity, manual: manual}
}

func (w *MemoryWAL) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.started = true
	w.closed = false
	return nil
}

func (w *MemoryWAL) ShutdownGracefully() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *MemoryWAL) Append(ctx context.Context, data []byte) (AppendResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.closed {
		return AppendResult{}, ErrClosed
	}
	if w.used+int64(len(data)) > w.capacity {
		return AppendResult{}, ErrOverCapacity
	}
	e := &memEntry{
		offset: w.nextOffset,
		data:   append([]byte(nil), data...),
		done:   make(chan error, 1),
	}
	w.nextOffset += int64(len(data))
	w.used += int64(len(data))
	w.entries = append(w.entries, e)
	if !w.manual {
		e.completed = true
		e.done <- nil
		close(e.done)
	}
	return AppendResult{RecordOffset: e.offset, Done: e.done}, nil
}

// Complete signals durability for the pending record at the given offset.
// Tests use it to deliver completions out of order.
func (w *MemoryWAL) Complete(offset int64, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.offset == offset && !e.completed {
			e.completed = true
			e.done <- err
			close(e.done)
			return true
		}
	}
	return false
}

// CompleteAll flushes every pending record in offset order.
func (w *MemoryWAL) CompleteAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if !e.completed {
			e.completed = true
			e.done <- nil
			close(e.done)
		}
	}
}

// PendingOffsets lists offsets of records not yet completed, in append order.
func (w *MemoryWAL) PendingOffsets() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var offsets []int64
	for _, e := range w.entries {
		if !e.completed {
			offsets = append(offsets, e.offset)
		}
	}
	return offsets
}

type memIterator struct {
	items []RecoverResult
	pos   int
}

func (it *memIterator) Next() (RecoverResult, bool) {
	if it.pos >= len(it.items) {
		return RecoverResult{}, false
	}
	item := it.items[it.pos]
	it.pos++
	return item, true
}

func (w *MemoryWAL) Recover() RecoverIterator {
	w.mu.Lock()
	defer w.mu.Unlock()
	var items []RecoverResult
	for _, e := range w.entries {
		if e.trimmed || !e.completed {
			continue
		}
		items = append(items, RecoverResult{RecordOffset: e.offset, Data: e.data})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].RecordOffset < items[j].RecordOffset })
	return &memIterator{items: items}
}

func (w *MemoryWAL) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = nil
	w.used = 0
	return nil
}

func (w *MemoryWAL) Trim(offset int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.offset <= offset && e.completed {
			w.used -= int64(len(e.data))
			continue
		}
		kept = append(kept, e)
	}
	w.entries = kept
	return nil
}

// TrimmedBelow reports whether no untrimmed record remains at or below offset.
func (w *MemoryWAL) TrimmedBelow(offset int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.offset <= offset {
			return false
		}
	}
	return true
}

var _ WAL = (*MemoryWAL)(nil)
