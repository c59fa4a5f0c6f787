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

package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/novatechflow/streamvault/pkg/records"
)

// MatchAllStreams selects every stream in archive and force-upload operations.
const MatchAllStreams int64 = -1

// LogCacheBlock holds WAL-durable records awaiting upload. Records of one
// stream are kept offset contiguous; appends for the same stream arrive in
// offset order by construction (the callback sequencer guarantees it).
type LogCacheBlock struct {
	id            int64
	createdAt     time.Time
	size          int64
	confirmOffset int64
	recordsByID   map[int64][]*records.StreamRecordBatch
	free          bool
	committed     bool
}

// NewLogCacheBlock creates a standalone block. Used directly by recovery;
// regular blocks are managed by LogCache.
func NewLogCacheBlock(id int64) *LogCacheBlock {
	return &LogCacheBlock{
		id:          id,
		createdAt:   time.Now(),
		recordsByID: make(map[int64][]*records.StreamRecordBatch),
	}
}

// Put appends a record to the block. The block takes over the caller's
// reference.
func (b *LogCacheBlock) Put(record *records.StreamRecordBatch) {
	b.recordsByID[record.StreamID] = append(b.recordsByID[record.StreamID], record)
	b.size += int64(record.Size())
}

// Records exposes the per-stream record map. Callers must not mutate it.
func (b *LogCacheBlock) Records() map[int64][]*records.StreamRecordBatch {
	return b.recordsByID
}

// Size is the sum of contained record sizes in bytes.
func (b *LogCacheBlock) Size() int64 { return b.size }

// ConfirmOffset is the WAL offset at or above every contained record's offset.
func (b *LogCacheBlock) ConfirmOffset() int64 { return b.confirmOffset }

// SetConfirmOffset records the block's WAL confirm offset.
func (b *LogCacheBlock) SetConfirmOffset(offset int64) { b.confirmOffset = offset }

// CreatedAt is the block creation time, used for the upload rate budget.
func (b *LogCacheBlock) CreatedAt() time.Time { return b.createdAt }

// ContainsStream reports whether the block has records for the stream.
func (b *LogCacheBlock) ContainsStream(streamID int64) bool {
	if streamID == MatchAllStreams {
		return len(b.recordsByID) > 0
	}
	_, ok := b.recordsByID[streamID]
	return ok
}

func (b *LogCacheBlock) release() int64 {
	if b.free {
		return 0
	}
	b.free = true
	for _, recs := range b.recordsByID {
		for _, r := range recs {
			r.Release()
		}
	}
	freed := b.size
	b.size = 0
	return freed
}

// LogCacheConfig bounds the cache.
type LogCacheConfig struct {
	// CapacityBytes is the admission bound over all live blocks.
	CapacityBytes int64
	// BlockThresholdBytes is the size at which Put signals the active block
	// should be archived.
	BlockThresholdBytes int64
	// MaxStreamsPerBlock caps distinct streams in the active block.
	MaxStreamsPerBlock int
	Logger             *slog.Logger
}

// LogCache is the tiered delta-WAL buffer: one active block receiving puts
// plus archived blocks in upload-commit order.
type LogCache struct {
	mu       sync.RWMutex
	cfg      LogCacheConfig
	active   *LogCacheBlock
	archived []*LogCacheBlock
	size     int64
	// running confirm offset inherited by each freshly sealed block
	confirmOffset int64
	nextBlockID   int64
}

// NewLogCache builds an empty cache with one active block.
func NewLogCache(cfg LogCacheConfig) *LogCache {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &LogCache{cfg: cfg}
	c.active = NewLogCacheBlock(c.nextBlockID)
	c.nextBlockID++
	return c
}

// Put appends a record to the active block and reports whether the block has
// crossed its size or stream-count threshold. The cache does not archive on
// its own; the caller decides when to seal.
func (c *LogCache) Put(record *records.StreamRecordBatch) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active.Put(record)
	c.size += int64(record.Size())
	return c.active.size >= c.cfg.BlockThresholdBytes ||
		(c.cfg.MaxStreamsPerBlock > 0 && len(c.active.recordsByID) >= c.cfg.MaxStreamsPerBlock)
}

// ArchiveCurrentBlockIfContains seals the active block and returns it when it
// is non-empty and contains the given stream (or streamID is MatchAllStreams).
// A fresh active block inheriting the running confirm offset replaces it.
func (c *LogCache) ArchiveCurrentBlockIfContains(streamID int64) *LogCacheBlock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active.size == 0 {
		return nil
	}
	if streamID != MatchAllStreams && !c.active.ContainsStream(streamID) {
		return nil
	}
	sealed := c.active
	sealed.confirmOffset = c.confirmOffset
	c.archived = append(c.archived, sealed)
	c.active = NewLogCacheBlock(c.nextBlockID)
	c.nextBlockID++
	return sealed
}

// SetConfirmOffset advances the running confirm offset. Non-monotone updates
// are ignored.
func (c *LogCache) SetConfirmOffset(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if offset > c.confirmOffset {
		c.confirmOffset = offset
	}
}

// Get returns a contiguous run of records for [start, end) up to maxBytes,
// scanning archived blocks in commit order then the active block. The run may
// begin after start when older records were already uploaded and freed; the
// caller decides whether that is a hit. Every returned record is retained for
// the caller.
func (c *LogCache) Get(streamID, start, end int64, maxBytes int) []*records.StreamRecordBatch {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var rst []*records.StreamRecordBatch
	taken := 0
	next := int64(-1)
	blocks := append(append([]*LogCacheBlock(nil), c.archived...), c.active)
	for _, b := range blocks {
		if b.free {
			continue
		}
		for _, r := range b.recordsByID[streamID] {
			if r.LastOffset() <= start || r.BaseOffset >= end {
				continue
			}
			if next != -1 && r.BaseOffset != next {
				// gap across blocks, stop at the run collected so far
				c.cfg.Logger.Warn("log cache records not contiguous",
					"stream", streamID, "expected", next, "got", r.BaseOffset)
				return rst
			}
			if taken >= maxBytes {
				return rst
			}
			r.Retain()
			rst = append(rst, r)
			taken += r.Size()
			next = r.LastOffset()
		}
	}
	return rst
}

// ContainsStream reports whether any live block has records for the stream.
func (c *LogCache) ContainsStream(streamID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, b := range c.archived {
		if !b.free && b.ContainsStream(streamID) {
			return true
		}
	}
	return !c.active.free && c.active.ContainsStream(streamID)
}

// MarkCommitted flags an archived block as committed to the object store,
// making it eligible for ForceFree ahead of MarkFree.
func (c *LogCache) MarkCommitted(block *LogCacheBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block.committed = true
}

// MarkFree releases every record in the block exactly once and removes it
// from the archived list.
func (c *LogCache) MarkFree(block *LogCacheBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size -= block.release()
	c.removeLocked(block)
}

func (c *LogCache) removeLocked(block *LogCacheBlock) {
	for i, b := range c.archived {
		if b == block {
			c.archived = append(c.archived[:i], c.archived[i+1:]...)
			return
		}
	}
}

// ForceFree is the memory-pressure handler: it frees archived blocks oldest
// first, but only those already committed (their data is safe in the object
// store). Returns bytes actually released.
func (c *LogCache) ForceFree(bytesNeeded int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	released := int64(0)
	i := 0
	for _, b := range c.archived {
		if released < int64(bytesNeeded) && b.committed {
			released += b.release()
			continue
		}
		c.archived[i] = b
		i++
	}
	c.archived = c.archived[:i]
	c.size -= released
	if released > 0 {
		c.cfg.Logger.Warn("force freed committed cache blocks", "bytes", released)
	}
	return int(released)
}

// Size is the byte total over all live blocks.
func (c *LogCache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}
