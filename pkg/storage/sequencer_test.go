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
	"testing"

	"github.com/novatechflow/streamvault/pkg/records"
)

func seqRequest(streamID, baseOffset int64, count int32, walOffset int64) *walWriteRequest {
	return &walWriteRequest{
		record: records.NewStreamRecordBatch(streamID, 0, baseOffset, count, nil),
		offset: walOffset,
		fut:    newFuture(),
	}
}

func TestSequencerReordersCompletions(t *testing.T) {
	s := newCallbackSequencer(nil)
	r1 := seqRequest(7, 0, 5, 10)
	r2 := seqRequest(7, 5, 5, 20)
	r3 := seqRequest(7, 10, 5, 30)
	s.before(r1)
	s.before(r2)
	s.before(r3)

	// completions arrive out of order: r2, r3 first
	if got := s.after(r2); len(got) != 0 {
		t.Fatalf("r2 before r1 drained %d requests", len(got))
	}
	if got := s.after(r3); len(got) != 0 {
		t.Fatalf("r3 before r1 drained %d requests", len(got))
	}
	got := s.after(r1)
	if len(got) != 3 {
		t.Fatalf("r1 completion drained %d requests, want 3", len(got))
	}
	for i, want := range []int64{0, 5, 10} {
		if got[i].record.BaseOffset != want {
			t.Fatalf("drained[%d] base offset %d, want %d", i, got[i].record.BaseOffset, want)
		}
	}
}

func TestSequencerIndependentStreams(t *testing.T) {
	s := newCallbackSequencer(nil)
	a := seqRequest(1, 0, 1, 10)
	b := seqRequest(2, 0, 1, 20)
	s.before(a)
	s.before(b)

	if got := s.after(b); len(got) != 1 || got[0] != b {
		t.Fatalf("stream 2 should drain independently")
	}
	if got := s.after(a); len(got) != 1 || got[0] != a {
		t.Fatalf("stream 1 should drain independently")
	}
}

func TestSequencerTryFree(t *testing.T) {
	s := newCallbackSequencer(nil)
	r := seqRequest(7, 0, 1, 10)
	s.before(r)

	s.tryFree(7)
	s.mu.Lock()
	_, present := s.queues[7]
	s.mu.Unlock()
	if !present {
		t.Fatalf("tryFree removed a non-empty queue")
	}

	s.after(r)
	s.tryFree(7)
	s.mu.Lock()
	_, present = s.queues[7]
	s.mu.Unlock()
	if present {
		t.Fatalf("tryFree kept an empty queue")
	}
}
