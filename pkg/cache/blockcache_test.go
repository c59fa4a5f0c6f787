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
	"context"
	"testing"

	"github.com/novatechflow/streamvault/pkg/metadata"
	"github.com/novatechflow/streamvault/pkg/objectstore"
	"github.com/novatechflow/streamvault/pkg/records"
)

// commitObject encodes batches into a stream-set object, stores it and
// commits the manifest.
func commitObject(t *testing.T, mgr *metadata.MemoryManagers, store *objectstore.MemoryOperator, byStream map[int64][]*records.StreamRecordBatch) {
	t.Helper()
	ctx := context.Background()
	id, err := mgr.PrepareObject(ctx)
	if err != nil {
		t.Fatalf("PrepareObject: %v", err)
	}
	parts := make(map[int64][]byte, len(byStream))
	for sid, batches := range byStream {
		parts[sid] = records.EncodePart(batches)
	}
	data, ranges := records.AssembleStreamSetObject(parts, byStream)
	key := objectstore.ObjectKey("test", id)
	if err := store.Write(ctx, key, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := mgr.CommitObject(ctx, metadata.CommitStreamSetObjectRequest{
		ObjectID: id,
		Key:      key,
		Size:     int64(len(data)),
		Ranges:   ranges,
	}); err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
}

func TestObjectBlockCacheReadThrough(t *testing.T) {
	mgr := metadata.NewMemoryManagers()
	store := objectstore.NewMemoryOperator()
	commitObject(t, mgr, store, map[int64][]*records.StreamRecordBatch{
		7: {
			records.NewStreamRecordBatch(7, 0, 0, 5, []byte("aaaa")),
			records.NewStreamRecordBatch(7, 0, 5, 5, []byte("bbbb")),
		},
	})
	commitObject(t, mgr, store, map[int64][]*records.StreamRecordBatch{
		7: {records.NewStreamRecordBatch(7, 0, 10, 5, []byte("cccc"))},
	})

	bc := NewObjectBlockCache(mgr, store, "test", 1<<20, nil)

	rst, err := bc.Read(context.Background(), 7, 0, 15, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rst.AccessType != BlockCacheMiss {
		t.Fatalf("first read access %v, want miss", rst.AccessType)
	}
	if len(rst.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(rst.Records))
	}
	for i, want := range []int64{0, 5, 10} {
		if rst.Records[i].BaseOffset != want {
			t.Fatalf("record %d base offset %d, want %d", i, rst.Records[i].BaseOffset, want)
		}
	}

	again, err := bc.Read(context.Background(), 7, 0, 15, 1<<20)
	if err != nil {
		t.Fatalf("second Read: %v", err)
	}
	if again.AccessType != BlockCacheHit {
		t.Fatalf("second read access %v, want hit", again.AccessType)
	}
	if bc.CachedObjects() != 2 {
		t.Fatalf("cached objects %d, want 2", bc.CachedObjects())
	}
}

func TestObjectBlockCacheRespectsRangeAndBudget(t *testing.T) {
	mgr := metadata.NewMemoryManagers()
	store := objectstore.NewMemoryOperator()
	commitObject(t, mgr, store, map[int64][]*records.StreamRecordBatch{
		7: {
			records.NewStreamRecordBatch(7, 0, 0, 5, []byte("aaaa")),
			records.NewStreamRecordBatch(7, 0, 5, 5, []byte("bbbb")),
			records.NewStreamRecordBatch(7, 0, 10, 5, []byte("cccc")),
		},
	})
	bc := NewObjectBlockCache(mgr, store, "test", 1<<20, nil)

	rst, err := bc.Read(context.Background(), 7, 5, 10, 1<<20)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(rst.Records) != 1 || rst.Records[0].BaseOffset != 5 {
		t.Fatalf("expected single record at 5, got %d records", len(rst.Records))
	}

	budget, err := bc.Read(context.Background(), 7, 0, 15, 1)
	if err != nil {
		t.Fatalf("Read with budget: %v", err)
	}
	if len(budget.Records) != 1 {
		t.Fatalf("expected 1 record under 1-byte budget, got %d", len(budget.Records))
	}
}

func TestObjectBlockCacheEvicts(t *testing.T) {
	mgr := metadata.NewMemoryManagers()
	store := objectstore.NewMemoryOperator()
	for i := 0; i < 4; i++ {
		commitObject(t, mgr, store, map[int64][]*records.StreamRecordBatch{
			int64(i): {records.NewStreamRecordBatch(int64(i), 0, 0, 1, make([]byte, 128))},
		})
	}
	bc := NewObjectBlockCache(mgr, store, "test", 300, nil)
	for i := 0; i < 4; i++ {
		if _, err := bc.Read(context.Background(), int64(i), 0, 1, 1<<20); err != nil {
			t.Fatalf("Read stream %d: %v", i, err)
		}
	}
	if got := bc.CachedObjects(); got >= 4 {
		t.Fatalf("expected eviction, still caching %d objects", got)
	}
}
