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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/novatechflow/streamvault/pkg/cache"
	"github.com/novatechflow/streamvault/pkg/metadata"
	"github.com/novatechflow/streamvault/pkg/objectstore"
	"github.com/novatechflow/streamvault/pkg/records"
	"github.com/novatechflow/streamvault/pkg/wal"
)

// Storage is the delta-WAL ingestion and upload engine. Appends are made
// durable in the WAL and buffered in the log cache; sealed cache blocks flow
// through a prepare/upload/commit pipeline into the object store, after which
// the WAL is trimmed.
type Storage struct {
	cfg     Config
	logger  *slog.Logger
	metrics *storageMetrics

	deltaWAL   wal.WAL
	logCache   *cache.LogCache
	blockCache cache.BlockCache
	streams    metadata.StreamManager
	objects    metadata.ObjectManager
	store      objectstore.Operator

	sequencer *callbackSequencer
	confirm   *confirmOffsetCalculator

	streamCallbackLocks [numStreamCallbackLocks]sync.Mutex

	backoffMu      sync.Mutex
	backoffQueue   []*walWriteRequest
	lastBackoffLog atomic.Int64

	// cacheMu is the log cache monitor: it makes confirm-offset propagation
	// plus block sealing plus pipeline enqueue one atomic step, which is what
	// keeps commit order equal to archive order.
	cacheMu       sync.Mutex
	pipelineMu    sync.Mutex
	prepareQueue  []*uploadContext
	commitQueue   []*uploadContext
	inflight      []*uploadContext
	prepareActive bool
	commitActive  bool

	uploadWorkers    *semaphore.Weighted
	forceUploadTick  *futureTicker
	rateMu           sync.Mutex
	maxDataWriteRate float64
	rateRaisedAt     time.Time

	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopped  atomic.Bool
	oomUndo  func()
	fatalf   func(format string, args ...any)
	runCtx   context.Context
	runStop  context.CancelFunc
}

type uploadContext struct {
	block *cache.LogCacheBlock
	task  *uploadTask
	force bool
	fut   *Future
}

// New wires a storage engine from its collaborators. Call Startup before use.
func New(
	cfg Config,
	deltaWAL wal.WAL,
	streams metadata.StreamManager,
	objects metadata.ObjectManager,
	blockCache cache.BlockCache,
	store objectstore.Operator,
) *Storage {
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("component", "storage")
	runCtx, runStop := context.WithCancel(context.Background())
	s := &Storage{
		cfg:     cfg,
		logger:  logger,
		metrics: newStorageMetrics(cfg.Registry),
		deltaWAL: deltaWAL,
		logCache: cache.NewLogCache(cache.LogCacheConfig{
			CapacityBytes:       cfg.WALCacheSize,
			BlockThresholdBytes: cfg.WALUploadThreshold,
			MaxStreamsPerBlock:  cfg.MaxStreamsPerBlock,
			Logger:              logger,
		}),
		blockCache:      blockCache,
		streams:         streams,
		objects:         objects,
		store:           store,
		sequencer:       newCallbackSequencer(logger),
		confirm:         newConfirmOffsetCalculator(),
		uploadWorkers:   semaphore.NewWeighted(int64(cfg.UploadWorkers)),
		forceUploadTick: newFutureTicker(cfg.ForceUploadDebounce),
		stopCh:          make(chan struct{}),
		runCtx:          runCtx,
		runStop:         runStop,
	}
	s.fatalf = func(format string, args ...any) {
		s.logger.Error(fmt.Sprintf(format, args...))
		os.Exit(1)
	}
	return s
}

// Startup recovers from the WAL, then starts the background tickers. It must
// complete before Append or Read are called.
func (s *Storage) Startup(ctx context.Context) error {
	s.logger.Info("storage starting")
	if err := s.recover(ctx); err != nil {
		return fmt.Errorf("storage recover: %w", err)
	}

	s.wg.Add(1)
	go s.tickLoop(s.cfg.ConfirmOffsetTick, "confirm offset update", func() error {
		s.confirm.Update()
		s.metrics.confirmOffset.Set(float64(s.confirm.Get()))
		return nil
	})
	s.wg.Add(1)
	go s.tickLoop(s.cfg.BackoffDrainTick, "drain backoff records", func() error {
		s.tryDrainBackoffRecords()
		return nil
	})
	s.oomUndo = records.RegisterOOMHandler(s.logCache.ForceFree)

	s.started.Store(true)
	s.logger.Info("storage start completed")
	return nil
}

// Shutdown drains the backoff queue with an error, shuts the WAL down and
// stops background work, bounded by ShutdownTimeout.
func (s *Storage) Shutdown(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stopCh)

	s.backoffMu.Lock()
	parked := s.backoffQueue
	s.backoffQueue = nil
	s.backoffMu.Unlock()
	for _, req := range parked {
		req.fut.complete(ErrShutdown)
	}

	if err := s.deltaWAL.ShutdownGracefully(); err != nil {
		s.logger.Warn("wal shutdown failed", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("await background tasks timeout", "timeout", s.cfg.ShutdownTimeout)
	}
	s.runStop()
	if s.oomUndo != nil {
		s.oomUndo()
	}
	return nil
}

func (s *Storage) tickLoop(every time.Duration, name string, fn func() error) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.suppress(name, fn)
		}
	}
}

// suppress runs a background task body, logging instead of propagating any
// failure or panic so one bad callback cannot take the scheduler down.
func (s *Storage) suppress(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("background task panic", "task", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error("background task failed", "task", name, "error", err)
	}
}

// Append persists a record batch. The returned future resolves once the
// record is WAL durable and placed in the log cache; per stream, futures
// resolve in offset order. The engine takes over the caller's reference and
// releases it when the future resolves.
func (s *Storage) Append(ctx context.Context, record *records.StreamRecordBatch) *Future {
	if s.stopped.Load() || !s.started.Load() {
		record.Release()
		return completedFuture(ErrShutdown)
	}
	start := time.Now()
	record.Encode()
	req := &walWriteRequest{ctx: ctx, record: record, offset: noopOffset, fut: newFuture()}
	req.fut.onDone = func(error) {
		record.Release()
		s.metrics.appendSeconds.Observe(time.Since(start).Seconds())
	}
	s.sequencer.before(req)
	s.append0(req, false)
	return req.fut
}

// append0 runs one admission attempt. It returns true when the request was
// (or stays) parked for backoff.
func (s *Storage) append0(req *walWriteRequest, fromBackoff bool) bool {
	if !fromBackoff && s.backoffPending() {
		s.parkBackoff(req)
		return true
	}
	if !s.tryAcquirePermit() {
		if !fromBackoff {
			s.parkBackoff(req)
		}
		s.metrics.cacheFullTotal.Inc()
		s.warnBackoff("log cache size is over capacity",
			"size", s.logCache.Size(), "capacity", s.cfg.WALCacheSize)
		return true
	}

	req.record.Retain()
	// The confirm calculator's append lock is held across offset assignment
	// AND queue insertion, so the sentinel scan can never miss an assigned
	// but unqueued request.
	s.confirm.LockAppend()
	res, err := s.deltaWAL.Append(req.ctx, req.record.Encode())
	if err == nil {
		req.offset = res.RecordOffset
		s.confirm.Add(req)
	}
	s.confirm.UnlockAppend()
	if err != nil {
		req.record.Release()
		if errors.Is(err, wal.ErrOverCapacity) {
			// The WAL aligns writes with device blocks, so it can fill
			// before the cache block does. Refresh the confirm offset and
			// push everything buffered out.
			s.confirm.Update()
			go func() {
				if uploadErr := s.ForceUpload(s.runCtx, cache.MatchAllStreams); uploadErr != nil {
					s.logger.Error("force upload after wal over capacity failed", "error", uploadErr)
				}
			}()
			if !fromBackoff {
				s.parkBackoff(req)
			}
			s.warnBackoff("wal over capacity")
			return true
		}
		s.logger.Error("append wal failed", "error", err)
		req.fut.complete(err)
		return false
	}

	done := res.Done
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleAppendCallback(req, <-done)
	}()
	return false
}

func (s *Storage) tryAcquirePermit() bool {
	return s.logCache.Size() < s.cfg.WALCacheSize
}

func (s *Storage) backoffPending() bool {
	s.backoffMu.Lock()
	defer s.backoffMu.Unlock()
	return len(s.backoffQueue) > 0
}

func (s *Storage) parkBackoff(req *walWriteRequest) {
	s.backoffMu.Lock()
	s.backoffQueue = append(s.backoffQueue, req)
	s.backoffMu.Unlock()
	s.metrics.appendBackoffTotal.Inc()
}

// warnBackoff logs at most once a second so a full cache cannot flood logs.
func (s *Storage) warnBackoff(msg string, args ...any) {
	now := time.Now().UnixMilli()
	last := s.lastBackoffLog.Load()
	if now-last > 1000 && s.lastBackoffLog.CompareAndSwap(last, now) {
		s.logger.Warn("[BACKOFF] "+msg, args...)
	}
}

// tryDrainBackoffRecords retries parked appends head to tail, stopping at the
// first one that still backs off.
func (s *Storage) tryDrainBackoffRecords() {
	for {
		s.backoffMu.Lock()
		if len(s.backoffQueue) == 0 {
			s.backoffMu.Unlock()
			return
		}
		head := s.backoffQueue[0]
		s.backoffMu.Unlock()

		if s.append0(head, true) {
			s.warnBackoff("drain backoff record still backing off")
			return
		}

		s.backoffMu.Lock()
		if len(s.backoffQueue) > 0 && s.backoffQueue[0] == head {
			s.backoffQueue = s.backoffQueue[1:]
		}
		s.backoffMu.Unlock()
	}
}

// handleAppendCallback runs on WAL persistence of one request. It drains the
// contiguous persisted prefix of the request's stream, places those records
// in the log cache and acknowledges the producers.
func (s *Storage) handleAppendCallback(req *walWriteRequest, walErr error) {
	s.suppress("handle append callback", func() error {
		if walErr != nil {
			req.record.Release()
			req.fut.complete(walErr)
			return fmt.Errorf("wal persistence failed for stream %d offset %d: %w",
				req.record.StreamID, req.offset, walErr)
		}
		lock := &s.streamCallbackLocks[uint64(req.record.StreamID)%numStreamCallbackLocks]
		lock.Lock()
		drained := s.sequencer.after(req)
		full := false
		for _, d := range drained {
			d.record.Retain() // cache reference
			if s.logCache.Put(d.record) {
				full = true
			}
			d.record.Release() // wal reference from append0
		}
		lock.Unlock()

		if full {
			go func() {
				fut := s.uploadDeltaWAL(cache.MatchAllStreams, false)
				if err := fut.Wait(s.runCtx); err != nil {
					s.logger.Error("upload delta wal failed", "error", err)
				}
			}()
		}
		for _, d := range drained {
			d.fut.complete(nil)
		}
		return nil
	})
}

// Read serves [startOffset, endOffset) up to maxBytes. The log cache answers
// when it covers the head of the range; otherwise the uncovered head comes
// from the block cache and the cache records are appended behind it.
func (s *Storage) Read(ctx context.Context, streamID, startOffset, endOffset int64, maxBytes int, opts ReadOptions) (ReadResult, error) {
	start := time.Now()
	rst, err := s.read0(ctx, streamID, startOffset, endOffset, maxBytes, opts)
	s.metrics.readSeconds.Observe(time.Since(start).Seconds())
	if err == nil {
		s.metrics.readAccessTotal.WithLabelValues(rst.AccessType.String()).Inc()
	}
	return rst, err
}

func (s *Storage) read0(ctx context.Context, streamID, startOffset, endOffset int64, maxBytes int, opts ReadOptions) (ReadResult, error) {
	logCacheRecords := s.logCache.Get(streamID, startOffset, endOffset, maxBytes)
	if len(logCacheRecords) > 0 && logCacheRecords[0].BaseOffset <= startOffset {
		return ReadResult{Records: logCacheRecords, AccessType: cache.DeltaWALCacheHit}, nil
	}
	if opts.FastRead {
		releaseAll(logCacheRecords)
		return ReadResult{}, ErrFastReadFailFast
	}
	blockCacheEnd := endOffset
	if len(logCacheRecords) > 0 {
		blockCacheEnd = logCacheRecords[0].BaseOffset
	}

	watchdog := time.AfterFunc(s.cfg.ReadTimeout, func() {
		s.logger.Warn("read from block cache timeout",
			"stream", streamID, "start", startOffset, "maxBytes", maxBytes)
	})
	defer watchdog.Stop()

	blockRst, err := s.blockCache.Read(ctx, streamID, startOffset, blockCacheEnd, maxBytes)
	if err != nil {
		releaseAll(logCacheRecords)
		s.logger.Error("read from block cache failed",
			"stream", streamID, "start", startOffset, "end", blockCacheEnd,
			"maxBytes", maxBytes, "error", err)
		return ReadResult{}, err
	}

	rst := blockRst.Records
	remaining := maxBytes
	for _, r := range rst {
		remaining -= r.Size()
	}
	taken := 0
	for ; taken < len(logCacheRecords) && remaining > 0; taken++ {
		r := logCacheRecords[taken]
		rst = append(rst, r)
		remaining -= r.Size()
	}
	releaseAll(logCacheRecords[taken:])

	if err := continuousCheck(rst); err != nil {
		releaseAll(rst)
		return ReadResult{}, err
	}
	return ReadResult{Records: rst, AccessType: blockRst.AccessType}, nil
}

func continuousCheck(batches []*records.StreamRecordBatch) error {
	expect := int64(-1)
	for _, r := range batches {
		if expect != -1 && r.BaseOffset != expect {
			return fmt.Errorf("%w: expected offset %d, got %d",
				ErrDiscontinuousRecords, expect, r.BaseOffset)
		}
		expect = r.LastOffset()
	}
	return nil
}

func releaseAll(batches []*records.StreamRecordBatch) {
	for _, r := range batches {
		r.Release()
	}
}

// ForceUpload pushes every cached record of the stream (or all streams with
// cache.MatchAllStreams) into the object store and waits for the commits.
// Bursts are coalesced by a debounce window so a broker drain does not emit
// one tiny object per stream.
func (s *Storage) ForceUpload(ctx context.Context, streamID int64) error {
	select {
	case <-s.forceUploadTick.tick():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.uploadDeltaWAL(streamID, true)

	s.pipelineMu.Lock()
	waits := make([]*Future, 0, len(s.inflight))
	for _, uc := range s.inflight {
		if uc.block.ContainsStream(streamID) {
			waits = append(waits, uc.fut)
		}
	}
	s.pipelineMu.Unlock()

	var firstErr error
	for _, f := range waits {
		if err := f.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if streamID != cache.MatchAllStreams {
		s.sequencer.tryFree(streamID)
	}
	return firstErr
}

// uploadDeltaWAL seals the active cache block (when it holds the stream) and
// feeds it to the pipeline. Archive order is preserved all the way into the
// prepare queue: the cache monitor is held across seal and enqueue.
func (s *Storage) uploadDeltaWAL(streamID int64, force bool) *Future {
	s.cacheMu.Lock()
	s.logCache.SetConfirmOffset(s.confirm.Get())
	block := s.logCache.ArchiveCurrentBlockIfContains(streamID)
	if block == nil {
		s.cacheMu.Unlock()
		return completedFuture(nil)
	}

	uc := &uploadContext{
		block: block,
		force: force,
		fut:   newFuture(),
	}
	uc.task = newUploadTask(
		s.cfg.Namespace, block.Records(), s.objects, s.store,
		s.uploadWorkers, s.uploadRate(block, force), s.logger, s.metrics,
	)

	s.pipelineMu.Lock()
	s.inflight = append(s.inflight, uc)
	s.prepareQueue = append(s.prepareQueue, uc)
	startPrepare := !s.prepareActive
	s.prepareActive = true
	s.pipelineMu.Unlock()
	s.cacheMu.Unlock()

	s.metrics.inflightUploads.Inc()
	if startPrepare {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.prepareLoop()
		}()
	}
	return uc.fut
}

// uploadRate computes the byte-per-second budget for a block upload. Forced
// and young blocks are unmetered; steady-state uploads track the highest
// observed ingest rate so a large block never trickles out slower than it
// came in. The running max decays when no upload has raised it for a while.
func (s *Storage) uploadRate(block *cache.LogCacheBlock, force bool) float64 {
	elapsed := time.Since(block.CreatedAt())
	if force || elapsed <= 100*time.Millisecond {
		return 0 // unlimited
	}
	ms := elapsed.Milliseconds()
	if ms > 5000 {
		ms = 5000
	}
	observed := float64(block.Size()) * 1000 / float64(ms)

	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	if s.maxDataWriteRate > 0 && time.Since(s.rateRaisedAt) > 30*time.Second {
		s.maxDataWriteRate /= 2
		s.rateRaisedAt = time.Now()
	}
	if observed > s.maxDataWriteRate {
		s.maxDataWriteRate = observed
		s.rateRaisedAt = time.Now()
	}
	return s.maxDataWriteRate
}

// prepareLoop drives the prepare stage for the queue head. Uploads of
// distinct blocks overlap freely; object ids are allocated here, in archive
// order, which makes committed ids monotone.
func (s *Storage) prepareLoop() {
	for {
		s.pipelineMu.Lock()
		if len(s.prepareQueue) == 0 {
			s.prepareActive = false
			s.pipelineMu.Unlock()
			return
		}
		head := s.prepareQueue[0]
		s.pipelineMu.Unlock()

		err := head.task.Prepare(s.runCtx)

		s.pipelineMu.Lock()
		s.prepareQueue = s.prepareQueue[1:]
		if err != nil {
			s.pipelineMu.Unlock()
			s.completeUpload(head, err)
			continue
		}
		head.task.StartUpload(s.runCtx)
		s.commitQueue = append(s.commitQueue, head)
		startCommit := !s.commitActive
		s.commitActive = true
		s.pipelineMu.Unlock()

		if startCommit {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.commitLoop()
			}()
		}
	}
}

// commitLoop runs the strictly serial commit stage. A commit failure is fatal:
// the WAL trim point and the committed object sequence would diverge, so the
// process terminates and recovery rebuilds consistent state at restart.
func (s *Storage) commitLoop() {
	for {
		s.pipelineMu.Lock()
		if len(s.commitQueue) == 0 {
			s.commitActive = false
			s.pipelineMu.Unlock()
			return
		}
		head := s.commitQueue[0]
		s.pipelineMu.Unlock()

		if err := head.task.WaitUpload(s.runCtx); err != nil {
			s.popCommitHead()
			s.completeUpload(head, err)
			continue
		}

		if err := head.task.Commit(s.runCtx); err != nil {
			s.popCommitHead()
			s.completeUpload(head, err)
			s.pipelineMu.Lock()
			s.commitActive = false
			s.pipelineMu.Unlock()
			s.fatalf("commit stream set object failed, aborting: %v", err)
			return
		}

		s.popCommitHead()
		s.logCache.MarkCommitted(head.block)
		if off := head.block.ConfirmOffset(); off > 0 {
			s.logger.Info("trim wal", "offset", off)
			if err := s.deltaWAL.Trim(off); err != nil {
				s.logger.Error("trim wal failed", "offset", off, "error", err)
			}
		}
		s.logCache.MarkFree(head.block)
		s.completeUpload(head, nil)
	}
}

func (s *Storage) popCommitHead() {
	s.pipelineMu.Lock()
	s.commitQueue = s.commitQueue[1:]
	s.pipelineMu.Unlock()
}

func (s *Storage) completeUpload(uc *uploadContext, err error) {
	s.pipelineMu.Lock()
	for i, c := range s.inflight {
		if c == uc {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			break
		}
	}
	s.pipelineMu.Unlock()
	s.metrics.inflightUploads.Dec()
	if err != nil {
		s.logger.Error("upload delta wal failed", "error", err)
	}
	uc.fut.complete(err)
}

// ConfirmOffset reports the WAL offset below or at which every append is
// durable. Lags real time by at most one confirm tick.
func (s *Storage) ConfirmOffset() int64 {
	return s.confirm.Get()
}
