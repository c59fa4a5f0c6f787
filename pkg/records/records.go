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

package records

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// StreamRecordBatch is an immutable batch of records for a single stream.
// The payload is reference counted: every component that holds on to a batch
// past the call that handed it over must Retain it, and must Release it when
// done. A batch whose count reaches zero drops its payload.
type StreamRecordBatch struct {
	StreamID   int64
	Epoch      int64
	BaseOffset int64
	Count      int32

	payload []byte
	encoded []byte
	refs    atomic.Int32
}

// NewStreamRecordBatch creates a batch owned by the caller (reference count 1).
func NewStreamRecordBatch(streamID, epoch, baseOffset int64, count int32, payload []byte) *StreamRecordBatch {
	b := &StreamRecordBatch{
		StreamID:   streamID,
		Epoch:      epoch,
		BaseOffset: baseOffset,
		Count:      count,
		payload:    payload,
	}
	b.refs.Store(1)
	return b
}

// LastOffset is the exclusive end offset of the batch.
func (b *StreamRecordBatch) LastOffset() int64 {
	return b.BaseOffset + int64(b.Count)
}

// Size is the encoded byte length of the batch.
func (b *StreamRecordBatch) Size() int {
	return recordHeaderSize + len(b.payload)
}

// Payload returns the raw payload. Callers must not mutate it.
func (b *StreamRecordBatch) Payload() []byte {
	return b.payload
}

// Retain takes an additional reference on the batch.
func (b *StreamRecordBatch) Retain() {
	if b.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("retain on released record batch, stream=%d base=%d", b.StreamID, b.BaseOffset))
	}
}

// Release drops one reference. The payload is freed when the count hits zero.
func (b *StreamRecordBatch) Release() {
	n := b.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("release underflow on record batch, stream=%d base=%d", b.StreamID, b.BaseOffset))
	}
	if n == 0 {
		b.payload = nil
		b.encoded = nil
	}
}

// RefCount reports the current reference count.
func (b *StreamRecordBatch) RefCount() int {
	return int(b.refs.Load())
}

func (b *StreamRecordBatch) String() string {
	return fmt.Sprintf("StreamRecordBatch{stream=%d epoch=%d offsets=[%d,%d) size=%d}",
		b.StreamID, b.Epoch, b.BaseOffset, b.LastOffset(), b.Size())
}

// OOMHandler is invoked when payload allocation hits the memory budget. It
// returns the number of bytes it managed to release.
type OOMHandler func(bytesRequired int) (bytesFreed int)

var (
	oomMu       sync.Mutex
	oomNextID   int
	oomHandlers = map[int]OOMHandler{}
	oomOrder    []int
)

// RegisterOOMHandler installs a handler consulted by HandleOOM. The returned
// function removes it again.
func RegisterOOMHandler(h OOMHandler) (unregister func()) {
	oomMu.Lock()
	defer oomMu.Unlock()
	id := oomNextID
	oomNextID++
	oomHandlers[id] = h
	oomOrder = append(oomOrder, id)
	return func() {
		oomMu.Lock()
		defer oomMu.Unlock()
		delete(oomHandlers, id)
	}
}

// HandleOOM asks registered handlers to give back memory. Handlers run one at
// a time so a handler that itself allocates cannot re-enter another handler.
func HandleOOM(bytesRequired int) int {
	oomMu.Lock()
	defer oomMu.Unlock()
	freed := 0
	for _, id := range oomOrder {
		h, ok := oomHandlers[id]
		if !ok {
			continue
		}
		freed += h(bytesRequired - freed)
		if freed >= bytesRequired {
			break
		}
	}
	return freed
}
