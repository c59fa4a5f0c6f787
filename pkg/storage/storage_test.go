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
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/novatechflow/streamvault/pkg/cache"
	"github.com/novatechflow/streamvault/pkg/metadata"
	"github.com/novatechflow/streamvault/pkg/objectstore"
	"github.com/novatechflow/streamvault/pkg/records"
	"github.com/novatechflow/streamvault/pkg/wal"
)

const testWaitTimeout = 5 * time.Second

type testEnv struct {
	t      *testing.T
	wal    *wal.MemoryWAL
	mgr    *metadata.MemoryManagers
	store  *objectstore.MemoryOperator
	engine *Storage
}

func testConfig() Config {
	return Config{
		Namespace:           "test",
		WALCacheSize:        64 << 20,
		WALUploadThreshold:  32 << 20,
		MaxStreamsPerBlock:  1000,
		ForceUploadDebounce: 20 * time.Millisecond,
		ConfirmOffsetTick:   10 * time.Millisecond,
		BackoffDrainTick:    10 * time.Millisecond,
		ShutdownTimeout:     time.Second,
	}
}

func newTestEnv(t *testing.T, cfg Config, manualWAL bool, walCapacity int64, blockCache cache.BlockCache) *testEnv {
	t.Helper()
	w := wal.NewMemoryWAL(walCapacity, manualWAL)
	mgr := metadata.NewMemoryManagers()
	store := objectstore.NewMemoryOperator()
	if blockCache == nil {
		blockCache = cache.NewObjectBlockCache(mgr, store, cfg.Namespace, 1<<30, nil)
	}
	engine := New(cfg, w, mgr, mgr, blockCache, store)
	if err := engine.Startup(context.Background()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	env := &testEnv{t: t, wal: w, mgr: mgr, store: store, engine: engine}
	t.Cleanup(func() {
		w.CompleteAll()
		_ = engine.Shutdown(context.Background())
	})
	return env
}

func (e *testEnv) append(streamID, baseOffset int64, count int32, payload []byte) *Future {
	e.t.Helper()
	return e.engine.Append(context.Background(),
		records.NewStreamRecordBatch(streamID, 0, baseOffset, count, payload))
}

func waitFuture(t *testing.T, f *Future) {
	t.Helper()
	select {
	case <-f.Done():
		if err := f.Err(); err != nil {
			t.Fatalf("future failed: %v", err)
		}
	case <-time.After(testWaitTimeout):
		t.Fatalf("future did not resolve in %v", testWaitTimeout)
	}
}

func futurePending(f *Future) bool {
	select {
	case <-f.Done():
		return false
	default:
		return true
	}
}

func TestAppendAndReadSingleStream(t *testing.T) {
	env := newTestEnv(t, testConfig(), false, 1<<30, nil)

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	futs := []*Future{
		env.append(7, 0, 5, payloads[0]),
		env.append(7, 5, 5, payloads[1]),
		env.append(7, 10, 5, payloads[2]),
	}
	for _, f := range futs {
		waitFuture(t, f)
	}

	rst, err := env.engine.Read(context.Background(), 7, 0, 15, 1_000_000, ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rst.AccessType != cache.DeltaWALCacheHit {
		t.Fatalf("access type %v, want delta WAL cache hit", rst.AccessType)
	}
	if len(rst.Records) != 3 {
		t.Fatalf("read %d records, want 3", len(rst.Records))
	}
	for i, r := range rst.Records {
		if r.BaseOffset != int64(i*5) {
			t.Fatalf("record %d base offset %d", i, r.BaseOffset)
		}
		if !bytes.Equal(r.Payload(), payloads[i]) {
			t.Fatalf("record %d payload %q, want %q", i, r.Payload(), payloads[i])
		}
		r.Release()
	}
}

func TestOutOfOrderWALCompletion(t *testing.T) {
	env := newTestEnv(t, testConfig(), true, 1<<30, nil)

	f1 := env.append(7, 0, 5, []byte("a"))
	f2 := env.append(7, 5, 5, []byte("b"))
	pending := env.wal.PendingOffsets()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending wal records, got %d", len(pending))
	}

	// the WAL persists the second record first
	env.wal.Complete(pending[1], nil)
	time.Sleep(50 * time.Millisecond)
	if !futurePending(f1) || !futurePending(f2) {
		t.Fatalf("acknowledged out of order: first record still unpersisted")
	}

	env.wal.Complete(pending[0], nil)
	waitFuture(t, f1)
	waitFuture(t, f2)

	rst, err := env.engine.Read(context.Background(), 7, 0, 10, 1<<20, ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(rst.Records) != 2 {
		t.Fatalf("read %d records, want 2", len(rst.Records))
	}
	releaseAll(rst.Records)
}

func TestCacheCapacityBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.WALCacheSize = 1024
	cfg.WALUploadThreshold = 1 << 20 // no automatic archive
	env := newTestEnv(t, cfg, false, 1<<30, nil)

	waitFuture(t, env.append(7, 0, 5, make([]byte, 600)))
	waitFuture(t, env.append(7, 5, 5, make([]byte, 600)))

	parked := env.append(7, 10, 5, make([]byte, 600))
	time.Sleep(100 * time.Millisecond)
	if !futurePending(parked) {
		t.Fatalf("append over capacity was not parked")
	}
	if testutil.ToFloat64(env.engine.metrics.appendBackoffTotal) == 0 {
		t.Fatalf("backoff metric not incremented")
	}

	// an upload cycle frees the cache; the drain tick lets the append through
	if err := env.engine.ForceUpload(context.Background(), cache.MatchAllStreams); err != nil {
		t.Fatalf("ForceUpload: %v", err)
	}
	waitFuture(t, parked)
}

func TestWALOverCapacityForcesUpload(t *testing.T) {
	cfg := testConfig()
	recordBytes := int64(len(records.NewStreamRecordBatch(7, 0, 0, 5, make([]byte, 100)).Encode()))
	env := newTestEnv(t, cfg, false, 3*recordBytes+recordBytes/2, nil)

	for i := int64(0); i < 3; i++ {
		waitFuture(t, env.append(7, i*5, 5, make([]byte, 100)))
	}
	// the fourth append overflows the WAL, forcing an upload and a trim
	fourth := env.append(7, 15, 5, make([]byte, 100))
	waitFuture(t, fourth)

	if got := len(env.mgr.CommittedObjectIDs()); got == 0 {
		t.Fatalf("no object committed after wal over capacity")
	}
	if !env.wal.TrimmedBelow(2 * recordBytes) {
		t.Fatalf("wal not trimmed after commit")
	}
}

type fakeBlockCache struct {
	rst cache.ReadDataBlock
	err error
}

func (f *fakeBlockCache) Read(context.Context, int64, int64, int64, int) (cache.ReadDataBlock, error) {
	return f.rst, f.err
}

func TestMergedReadContinuityViolation(t *testing.T) {
	stale := records.NewStreamRecordBatch(7, 0, 0, 50, []byte("stale"))
	fake := &fakeBlockCache{rst: cache.ReadDataBlock{
		Records:    []*records.StreamRecordBatch{stale},
		AccessType: cache.BlockCacheMiss,
	}}
	env := newTestEnv(t, testConfig(), false, 1<<30, fake)

	waitFuture(t, env.append(7, 100, 10, []byte("cached")))

	_, err := env.engine.Read(context.Background(), 7, 0, 200, 1<<20, ReadOptions{})
	if !errors.Is(err, ErrDiscontinuousRecords) {
		t.Fatalf("Read error %v, want discontinuous records", err)
	}
	if stale.RefCount() != 0 {
		t.Fatalf("block cache record ref count %d after failed merge, want 0", stale.RefCount())
	}
}

func TestFastReadFailFast(t *testing.T) {
	env := newTestEnv(t, testConfig(), false, 1<<30, nil)
	waitFuture(t, env.append(7, 100, 10, []byte("x")))

	_, err := env.engine.Read(context.Background(), 7, 0, 200, 1<<20, ReadOptions{FastRead: true})
	if !errors.Is(err, ErrFastReadFailFast) {
		t.Fatalf("fast read error %v", err)
	}
}

func TestForceUploadEvictsStream(t *testing.T) {
	env := newTestEnv(t, testConfig(), false, 1<<30, nil)
	waitFuture(t, env.append(5, 0, 1, []byte("five")))
	waitFuture(t, env.append(7, 0, 1, []byte("seven")))

	if err := env.engine.ForceUpload(context.Background(), 5); err != nil {
		t.Fatalf("ForceUpload: %v", err)
	}
	if env.engine.logCache.ContainsStream(5) {
		t.Fatalf("stream 5 still cached after force upload")
	}

	rst, err := env.engine.Read(context.Background(), 5, 0, 1, 1<<20, ReadOptions{})
	if err != nil {
		t.Fatalf("Read after force upload: %v", err)
	}
	if rst.AccessType == cache.DeltaWALCacheHit {
		t.Fatalf("expected block cache read after force upload")
	}
	if len(rst.Records) != 1 || !bytes.Equal(rst.Records[0].Payload(), []byte("five")) {
		t.Fatalf("unexpected records after force upload: %d", len(rst.Records))
	}
	releaseAll(rst.Records)
}

func TestUploadFailurePropagatesAndPipelineSurvives(t *testing.T) {
	env := newTestEnv(t, testConfig(), false, 1<<30, nil)
	fatalCalled := false
	env.engine.fatalf = func(string, ...any) { fatalCalled = true }

	waitFuture(t, env.append(7, 0, 5, []byte("doomed")))
	env.store.FailWrites = true
	if err := env.engine.ForceUpload(context.Background(), cache.MatchAllStreams); err == nil {
		t.Fatalf("expected force upload failure while store is down")
	}
	if fatalCalled {
		t.Fatalf("upload failure must not be fatal")
	}

	// the store recovers; later uploads go through
	env.store.FailWrites = false
	waitFuture(t, env.append(7, 5, 5, []byte("fine")))
	if err := env.engine.ForceUpload(context.Background(), cache.MatchAllStreams); err != nil {
		t.Fatalf("ForceUpload after recovery: %v", err)
	}
	if len(env.mgr.CommittedObjectIDs()) == 0 {
		t.Fatalf("no object committed after store recovered")
	}
}

func TestCommittedObjectIDsFollowArchiveOrder(t *testing.T) {
	env := newTestEnv(t, testConfig(), false, 1<<30, nil)

	for round := int64(0); round < 3; round++ {
		waitFuture(t, env.append(7, round*5, 5, make([]byte, 64)))
		if err := env.engine.ForceUpload(context.Background(), cache.MatchAllStreams); err != nil {
			t.Fatalf("ForceUpload round %d: %v", round, err)
		}
	}
	ids := env.mgr.CommittedObjectIDs()
	if len(ids) != 3 {
		t.Fatalf("committed %d objects, want 3", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("committed ids not monotone: %v", ids)
		}
	}

	rst, err := env.engine.Read(context.Background(), 7, 0, 15, 1<<20, ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(rst.Records) != 3 {
		t.Fatalf("read %d records across objects, want 3", len(rst.Records))
	}
	if err := continuousCheck(rst.Records); err != nil {
		t.Fatalf("records not contiguous: %v", err)
	}
	releaseAll(rst.Records)
}

func TestAppendAfterShutdownRejected(t *testing.T) {
	env := newTestEnv(t, testConfig(), false, 1<<30, nil)
	if err := env.engine.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	f := env.append(7, 0, 1, []byte("late"))
	select {
	case <-f.Done():
		if !errors.Is(f.Err(), ErrShutdown) {
			t.Fatalf("late append error %v, want shutdown", f.Err())
		}
	default:
		t.Fatalf("late append future not resolved")
	}
}
