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

package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/novatechflow/streamvault/pkg/records"
)

// walWriteRequest tracks one append from acceptance to acknowledgement.
type walWriteRequest struct {
	ctx       context.Context
	record    *records.StreamRecordBatch
	offset    int64
	persisted atomic.Bool
	fut       *Future
}

// callbackSequencer turns unordered WAL completions back into per-stream
// offset order. The WAL may persist pipelined writes in any order; producers
// of one stream still see acknowledgements in append order.
//
// Within one stream, before must be called in strictly ascending offset order
// (the shared WAL append lock guarantees this) and after calls are serialized
// by the facade's striped stream-callback locks. Calls for different streams
// may run concurrently.
type callbackSequencer struct {
	mu     sync.Mutex
	queues map[int64]*requestQueue
	logger *slog.Logger
}

type requestQueue struct {
	items []*walWriteRequest
}

func newCallbackSequencer(logger *slog.Logger) *callbackSequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &callbackSequencer{
		queues: make(map[int64]*requestQueue),
		logger: logger,
	}
}

// before registers a pending request on its stream queue.
func (s *callbackSequencer) before(req *walWriteRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[req.record.StreamID]
	if !ok {
		q = &requestQueue{}
		s.queues[req.record.StreamID] = q
	}
	q.items = append(q.items, req)
}

// after marks the request persisted and pops the contiguous persisted prefix
// of its stream queue, if the request is at its head. Popped requests are
// offset contiguous: each one's base offset equals the previous last offset.
func (s *callbackSequencer) after(req *walWriteRequest) []*walWriteRequest {
	req.persisted.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[req.record.StreamID]
	if !ok || len(q.items) == 0 || q.items[0] != req {
		return nil
	}

	rst := []*walWriteRequest{q.items[0]}
	q.items = q.items[1:]
	for len(q.items) > 0 && q.items[0].persisted.Load() {
		prev := rst[len(rst)-1]
		next := q.items[0]
		if next.record.BaseOffset != prev.record.LastOffset() {
			s.logger.Error("sequencer queue not contiguous",
				"stream", next.record.StreamID,
				"expected", prev.record.LastOffset(),
				"got", next.record.BaseOffset)
			break
		}
		rst = append(rst, next)
		q.items = q.items[1:]
	}
	return rst
}

// tryFree drops the stream queue if it is empty. Called when a stream is
// force uploaded on its way out.
func (s *callbackSequencer) tryFree(streamID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[streamID]; ok && len(q.items) == 0 {
		delete(s.queues, streamID)
	}
}
