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

package metadata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/novatechflow/streamvault/internal/testutil"
	"github.com/novatechflow/streamvault/pkg/records"
)

func newEtcdStore(t *testing.T) *EtcdStore {
	t.Helper()
	endpoints := testutil.StartEmbeddedEtcd(t)
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("etcd client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewEtcdStore(client, nil)
}

func TestEtcdPrepareObjectUnique(t *testing.T) {
	store := newEtcdStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]int64, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.PrepareObject(ctx)
			if err != nil {
				t.Errorf("PrepareObject: %v", err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, workers)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate object id %d", id)
		}
		seen[id] = true
	}
}

func TestEtcdCommitAndLookup(t *testing.T) {
	store := newEtcdStore(t)
	ctx := context.Background()

	id, err := store.PrepareObject(ctx)
	if err != nil {
		t.Fatalf("PrepareObject: %v", err)
	}
	err = store.CommitObject(ctx, CommitStreamSetObjectRequest{
		ObjectID: id,
		Key:      "test/streamset/obj",
		Size:     128,
		Ranges:   []records.StreamRange{{StreamID: 7, BaseOffset: 0, EndOffset: 10, Position: 4, Size: 64}},
	})
	if err != nil {
		t.Fatalf("CommitObject: %v", err)
	}

	objs, err := store.GetObjects(ctx, 7, 0, 100)
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if len(objs) != 1 || objs[0].ObjectID != id {
		t.Fatalf("expected committed object %d, got %+v", id, objs)
	}
	if none, _ := store.GetObjects(ctx, 7, 50, 100); len(none) != 0 {
		t.Fatalf("expected no objects past end offset, got %+v", none)
	}
}

func TestEtcdStreamRegistry(t *testing.T) {
	store := newEtcdStore(t)
	ctx := context.Background()

	if err := store.OpenStream(ctx, 7, 3, 10); err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	opened, err := store.GetOpeningStreams(ctx)
	if err != nil {
		t.Fatalf("GetOpeningStreams: %v", err)
	}
	if len(opened) != 1 || opened[0].StreamID != 7 || opened[0].EndOffset != 10 {
		t.Fatalf("unexpected opening streams: %+v", opened)
	}

	if err := store.CloseStream(ctx, 7, 2); !errors.Is(err, ErrEpochMismatch) {
		t.Fatalf("stale epoch close: %v", err)
	}
	if err := store.CloseStream(ctx, 7, 3); err != nil {
		t.Fatalf("CloseStream: %v", err)
	}
	opened, _ = store.GetOpeningStreams(ctx)
	if len(opened) != 0 {
		t.Fatalf("expected no opening streams, got %+v", opened)
	}
}
