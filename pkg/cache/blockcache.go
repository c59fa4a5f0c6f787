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
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/novatechflow/streamvault/pkg/metadata"
	"github.com/novatechflow/streamvault/pkg/objectstore"
	"github.com/novatechflow/streamvault/pkg/records"
)

// AccessType tells the caller which tier served a read.
type AccessType int

const (
	// DeltaWALCacheHit means the log cache served the read from its start
	// offset on, without the block cache.
	DeltaWALCacheHit AccessType = iota
	// BlockCacheHit means every needed object was already cached.
	BlockCacheHit
	// BlockCacheMiss means at least one object was fetched from the store.
	BlockCacheMiss
)

func (a AccessType) String() string {
	switch a {
	case DeltaWALCacheHit:
		return "delta_wal_cache_hit"
	case BlockCacheHit:
		return "block_cache_hit"
	default:
		return "block_cache_miss"
	}
}

// ReadDataBlock is the result of a tiered read.
type ReadDataBlock struct {
	Records    []*records.StreamRecordBatch
	AccessType AccessType
}

// BlockCache serves ranges from committed stream-set objects.
type BlockCache interface {
	Read(ctx context.Context, streamID, startOffset, endOffset int64, maxBytes int) (ReadDataBlock, error)
}

// ObjectBlockCache is a read-through LRU over whole committed objects.
// Concurrent fetches of the same object are deduplicated.
type ObjectBlockCache struct {
	objects   metadata.ObjectManager
	store     objectstore.Operator
	namespace string
	logger    *slog.Logger

	mu       sync.Mutex
	capacity int
	size     int
	ll       *list.List
	items    map[int64]*list.Element

	fetchFlight singleflight.Group
}

type objectEntry struct {
	objectID int64
	data     []byte
}

// NewObjectBlockCache creates a cache with capacity in bytes.
func NewObjectBlockCache(objects metadata.ObjectManager, store objectstore.Operator, namespace string, capacityBytes int, logger *slog.Logger) *ObjectBlockCache {
	if capacityBytes <= 0 {
		capacityBytes = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ObjectBlockCache{
		objects:   objects,
		store:     store,
		namespace: namespace,
		logger:    logger,
		capacity:  capacityBytes,
		ll:        list.New(),
		items:     make(map[int64]*list.Element),
	}
}

func (c *ObjectBlockCache) Read(ctx context.Context, streamID, startOffset, endOffset int64, maxBytes int) (ReadDataBlock, error) {
	metas, err := c.objects.GetObjects(ctx, streamID, startOffset, endOffset)
	if err != nil {
		return ReadDataBlock{}, fmt.Errorf("list objects for stream %d: %w", streamID, err)
	}

	access := BlockCacheHit
	var rst []*records.StreamRecordBatch
	taken := 0
	next := int64(-1)
	for _, meta := range metas {
		data, cached, err := c.objectBytes(ctx, meta)
		if err != nil {
			releaseAll(rst)
			return ReadDataBlock{}, err
		}
		if !cached {
			access = BlockCacheMiss
		}
		batches, err := decodeStreamBatches(data, streamID)
		if err != nil {
			releaseAll(rst)
			return ReadDataBlock{}, fmt.Errorf("decode object %d: %w", meta.ObjectID, err)
		}
		for _, b := range batches {
			if b.LastOffset() <= startOffset || b.BaseOffset >= endOffset {
				continue
			}
			if next != -1 && b.BaseOffset != next {
				releaseAll(rst)
				return ReadDataBlock{}, fmt.Errorf("object records for stream %d not contiguous: expected %d, got %d",
					streamID, next, b.BaseOffset)
			}
			if taken >= maxBytes {
				return ReadDataBlock{Records: rst, AccessType: access}, nil
			}
			rst = append(rst, b)
			taken += b.Size()
			next = b.LastOffset()
		}
	}
	return ReadDataBlock{Records: rst, AccessType: access}, nil
}

func decodeStreamBatches(data []byte, streamID int64) ([]*records.StreamRecordBatch, error) {
	ranges, err := records.ParseStreamSetIndex(data)
	if err != nil {
		return nil, err
	}
	for _, r := range ranges {
		if r.StreamID == streamID {
			return records.DecodePart(data, r)
		}
	}
	return nil, nil
}

func releaseAll(batches []*records.StreamRecordBatch) {
	for _, b := range batches {
		b.Release()
	}
}

// objectBytes returns the object content, reporting whether it came from the
// LRU. Fetches for the same object id are collapsed into one store read.
func (c *ObjectBlockCache) objectBytes(ctx context.Context, meta metadata.ObjectMetadata) ([]byte, bool, error) {
	c.mu.Lock()
	if elem, ok := c.items[meta.ObjectID]; ok {
		c.ll.MoveToFront(elem)
		data := elem.Value.(*objectEntry).data
		c.mu.Unlock()
		return data, true, nil
	}
	c.mu.Unlock()

	v, err, _ := c.fetchFlight.Do(fmt.Sprintf("%d", meta.ObjectID), func() (interface{}, error) {
		key := meta.Key
		if key == "" {
			key = objectstore.ObjectKey(c.namespace, meta.ObjectID)
		}
		data, err := c.store.RangeRead(ctx, key, nil)
		if err != nil {
			return nil, fmt.Errorf("fetch object %d: %w", meta.ObjectID, err)
		}
		c.set(meta.ObjectID, data)
		return data, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

func (c *ObjectBlockCache) set(objectID int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[objectID]; ok {
		entry := elem.Value.(*objectEntry)
		c.size -= len(entry.data)
		entry.data = data
		c.size += len(data)
		c.ll.MoveToFront(elem)
		c.evictIfNeeded()
		return
	}
	elem := c.ll.PushFront(&objectEntry{objectID: objectID, data: data})
	c.items[objectID] = elem
	c.size += len(data)
	c.evictIfNeeded()
}

func (c *ObjectBlockCache) evictIfNeeded() {
	for c.size > c.capacity && c.ll.Len() > 1 {
		elem := c.ll.Back()
		if elem == nil {
			return
		}
		entry := elem.Value.(*objectEntry)
		c.ll.Remove(elem)
		delete(c.items, entry.objectID)
		c.size -= len(entry.data)
	}
}

// CachedObjects reports how many objects the LRU currently holds.
func (c *ObjectBlockCache) CachedObjects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

var _ BlockCache = (*ObjectBlockCache)(nil)
