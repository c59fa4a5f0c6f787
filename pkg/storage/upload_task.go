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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/novatechflow/streamvault/pkg/metadata"
	"github.com/novatechflow/streamvault/pkg/objectstore"
	"github.com/novatechflow/streamvault/pkg/records"
)

// rateChunk is the granularity at which the rate budget meters object bytes.
const rateChunk = 256 * 1024

// uploadTask turns one cache block into one committed stream-set object.
// Prepare allocates the object id, upload writes the payload, commit
// publishes the manifest. Prepare and commit ordering across tasks is owned
// by the pipeline; the task itself only sequences its own stages.
type uploadTask struct {
	namespace string
	objects   metadata.ObjectManager
	store     objectstore.Operator
	workers   *semaphore.Weighted
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *storageMetrics

	streamRecords map[int64][]*records.StreamRecordBatch

	objectID int64
	key      string
	data     []byte
	ranges   []records.StreamRange

	uploadOnce sync.Once
	uploadDone chan struct{}
	uploadErr  error
}

func newUploadTask(
	namespace string,
	streamRecords map[int64][]*records.StreamRecordBatch,
	objects metadata.ObjectManager,
	store objectstore.Operator,
	workers *semaphore.Weighted,
	bytesPerSecond float64,
	logger *slog.Logger,
	metrics *storageMetrics,
) *uploadTask {
	var limiter *rate.Limiter
	if bytesPerSecond > 0 {
		burst := rateChunk * 4
		if float64(burst) < bytesPerSecond {
			burst = int(bytesPerSecond)
		}
		limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	}
	return &uploadTask{
		namespace:     namespace,
		objects:       objects,
		store:         store,
		workers:       workers,
		limiter:       limiter,
		logger:        logger,
		metrics:       metrics,
		streamRecords: streamRecords,
		uploadDone:    make(chan struct{}),
	}
}

// Prepare reserves the object id and serializes the object body. Per-stream
// parts are encoded concurrently; streams land in the object sorted by id.
func (t *uploadTask) Prepare(ctx context.Context) error {
	start := time.Now()
	id, err := t.objects.PrepareObject(ctx)
	if err != nil {
		return fmt.Errorf("prepare object id: %w", err)
	}
	t.objectID = id
	t.key = objectstore.ObjectKey(t.namespace, id)

	streamIDs := make([]int64, 0, len(t.streamRecords))
	for sid := range t.streamRecords {
		streamIDs = append(streamIDs, sid)
	}
	sort.Slice(streamIDs, func(i, j int) bool { return streamIDs[i] < streamIDs[j] })

	parts := make(map[int64][]byte, len(streamIDs))
	var partsMu sync.Mutex
	g, _ := errgroup.WithContext(ctx)
	for _, sid := range streamIDs {
		sid := sid
		g.Go(func() error {
			part := records.EncodePart(t.streamRecords[sid])
			partsMu.Lock()
			parts[sid] = part
			partsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	t.data, t.ranges = records.AssembleStreamSetObject(parts, t.streamRecords)
	if t.metrics != nil {
		t.metrics.uploadStageSeconds.WithLabelValues("prepare").Observe(time.Since(start).Seconds())
	}
	return nil
}

// StartUpload launches the object-store write. WaitUpload observes the
// outcome; calling it more than once is a no-op.
func (t *uploadTask) StartUpload(ctx context.Context) {
	t.uploadOnce.Do(func() {
		go func() {
			t.uploadErr = t.upload(ctx)
			close(t.uploadDone)
		}()
	})
}

func (t *uploadTask) upload(ctx context.Context) error {
	start := time.Now()
	if t.limiter != nil {
		for sent := 0; sent < len(t.data); sent += rateChunk {
			n := rateChunk
			if rest := len(t.data) - sent; rest < n {
				n = rest
			}
			if err := t.limiter.WaitN(ctx, n); err != nil {
				return fmt.Errorf("upload rate budget: %w", err)
			}
		}
	}
	if err := t.workers.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire upload worker: %w", err)
	}
	defer t.workers.Release(1)
	if err := t.store.Write(ctx, t.key, t.data); err != nil {
		return fmt.Errorf("upload stream set object %d: %w", t.objectID, err)
	}
	if t.metrics != nil {
		t.metrics.uploadStageSeconds.WithLabelValues("upload").Observe(time.Since(start).Seconds())
		t.metrics.uploadBytesTotal.Add(float64(len(t.data)))
	}
	return nil
}

// WaitUpload blocks until the write finished and returns its outcome.
func (t *uploadTask) WaitUpload(ctx context.Context) error {
	select {
	case <-t.uploadDone:
		return t.uploadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit publishes the object manifest. Must only run after WaitUpload
// returned nil and, across tasks, in prepare order.
func (t *uploadTask) Commit(ctx context.Context) error {
	start := time.Now()
	err := t.objects.CommitObject(ctx, metadata.CommitStreamSetObjectRequest{
		ObjectID: t.objectID,
		Key:      t.key,
		Size:     int64(len(t.data)),
		Ranges:   t.ranges,
	})
	if err != nil {
		return fmt.Errorf("commit stream set object %d: %w", t.objectID, err)
	}
	if t.metrics != nil {
		t.metrics.uploadStageSeconds.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	}
	t.logger.Debug("committed stream set object",
		"object", t.objectID, "bytes", len(t.data), "streams", len(t.ranges))
	return nil
}
