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

// Package storage implements the delta-WAL ingestion and upload core: appends
// are made durable in the WAL, buffered in the log cache, and periodically
// coalesced into stream-set objects in the object store.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/novatechflow/streamvault/pkg/cache"
	"github.com/novatechflow/streamvault/pkg/records"
)

var (
	// ErrFastReadFailFast is returned when a fast read would have to fall
	// back to the block cache.
	ErrFastReadFailFast = errors.New("storage: fast read fail fast")

	// ErrShutdown fails appends parked on the backoff queue at shutdown and
	// rejects appends arriving after it.
	ErrShutdown = errors.New("storage: shut down")

	// ErrDiscontinuousRecords reports a gap between block-cache and
	// log-cache records on a merged read.
	ErrDiscontinuousRecords = errors.New("storage: discontinuous records")
)

const numStreamCallbackLocks = 128

// Config tunes the storage engine. Zero fields fall back to defaults.
type Config struct {
	// Namespace prefixes object store keys.
	Namespace string
	// WALCacheSize bounds the log cache; appends back off above it.
	WALCacheSize int64
	// WALUploadThreshold is the active-block size that triggers an upload.
	WALUploadThreshold int64
	// MaxStreamsPerBlock caps distinct streams per stream-set object.
	MaxStreamsPerBlock int
	// UploadWorkers bounds concurrent object-store writes.
	UploadWorkers int

	ForceUploadDebounce time.Duration
	ConfirmOffsetTick   time.Duration
	BackoffDrainTick    time.Duration
	ReadTimeout         time.Duration
	ShutdownTimeout     time.Duration

	Logger   *slog.Logger
	Registry prometheus.Registerer
}

func (c Config) withDefaults() Config {
	if c.WALCacheSize <= 0 {
		c.WALCacheSize = 1 << 30
	}
	if c.WALUploadThreshold <= 0 {
		c.WALUploadThreshold = c.WALCacheSize / 4
	}
	if c.MaxStreamsPerBlock <= 0 {
		c.MaxStreamsPerBlock = 10000
	}
	if c.UploadWorkers <= 0 {
		c.UploadWorkers = 4
	}
	if c.ForceUploadDebounce <= 0 {
		c.ForceUploadDebounce = 500 * time.Millisecond
	}
	if c.ConfirmOffsetTick <= 0 {
		c.ConfirmOffsetTick = 100 * time.Millisecond
	}
	if c.BackoffDrainTick <= 0 {
		c.BackoffDrainTick = 100 * time.Millisecond
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ReadOptions modify Read behavior.
type ReadOptions struct {
	// FastRead fails the read instead of falling back to the block cache.
	FastRead bool
}

// ReadResult carries the records of a read and the tier that served it.
// The caller owns one reference on every returned record.
type ReadResult struct {
	Records    []*records.StreamRecordBatch
	AccessType cache.AccessType
}

// Future resolves once an asynchronous operation finishes.
type Future struct {
	done   chan struct{}
	once   sync.Once
	err    error
	onDone func(error)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func completedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		if f.onDone != nil {
			f.onDone(err)
		}
		close(f.done)
	})
}

// Done is closed when the operation has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the outcome. Only valid after Done is closed.
func (f *Future) Err() error { return f.err }

// Wait blocks for completion or context cancellation.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// futureTicker batches callers into one shared window: everyone who asks
// while a window is open waits on the same channel, which closes when the
// window elapses.
type futureTicker struct {
	mu sync.Mutex
	d  time.Duration
	ch chan struct{}
}

func newFutureTicker(d time.Duration) *futureTicker {
	return &futureTicker{d: d}
}

func (t *futureTicker) tick() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		ch := make(chan struct{})
		t.ch = ch
		time.AfterFunc(t.d, func() {
			t.mu.Lock()
			t.ch = nil
			t.mu.Unlock()
			close(ch)
		})
	}
	return t.ch
}
