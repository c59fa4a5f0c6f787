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

	"github.com/novatechflow/streamvault/pkg/cache"
	"github.com/novatechflow/streamvault/pkg/metadata"
	"github.com/novatechflow/streamvault/pkg/records"
	"github.com/novatechflow/streamvault/pkg/wal"
)

// recoverContinuousRecords replays the WAL into a single cache block. Records
// of closed streams and records below a stream's committed end offset are
// dropped; a record that does not start at its stream's next expected offset
// is logged and dropped, and the expected offset does not move past it. The
// block's confirm offset is the last replayed record offset.
//
// After the replay, each recovered stream must start exactly at its committed
// end offset; anything else means the WAL lost data and startup must abort.
func recoverContinuousRecords(it wal.RecoverIterator, openingStreams []metadata.StreamMetadata, logger *slog.Logger) (*cache.LogCacheBlock, error) {
	endOffsets := make(map[int64]int64, len(openingStreams))
	for _, s := range openingStreams {
		endOffsets[s.StreamID] = s.EndOffset
	}

	block := cache.NewLogCacheBlock(0)
	logEndOffset := int64(-1)
	nextOffsets := make(map[int64]int64)
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		logEndOffset = item.RecordOffset
		record, err := records.Decode(item.Data)
		if err != nil {
			return nil, fmt.Errorf("decode wal record at %d: %w", item.RecordOffset, err)
		}
		endOffset, opened := endOffsets[record.StreamID]
		if !opened {
			// stream was safely closed before the crash
			record.Release()
			continue
		}
		if record.BaseOffset < endOffset {
			// already committed to the object store
			record.Release()
			continue
		}
		expect, seen := nextOffsets[record.StreamID]
		if !seen || expect == record.BaseOffset {
			nextOffsets[record.StreamID] = record.LastOffset()
			block.Put(record)
		} else {
			logger.Error("unexpected wal record",
				"stream", record.StreamID, "expected", expect, "record", record.String())
			record.Release()
		}
	}
	if logEndOffset >= 0 {
		block.SetConfirmOffset(logEndOffset)
	}

	for streamID, recs := range block.Records() {
		if len(recs) == 0 {
			continue
		}
		startOffset := recs[0].BaseOffset
		expected, ok := endOffsets[streamID]
		if !ok {
			expected = startOffset
		}
		if startOffset != expected {
			return nil, fmt.Errorf("wal data may be lost: stream %d committed end offset %d, recovered records start at %d",
				streamID, expected, startOffset)
		}
	}
	return block, nil
}

// recover rebuilds cache state from the WAL: replay, upload the surviving
// records as one stream-set object, reset the WAL, then close every stream
// that was left open.
func (s *Storage) recover(ctx context.Context) error {
	if err := s.deltaWAL.Start(); err != nil {
		return fmt.Errorf("start wal: %w", err)
	}
	openingStreams, err := s.streams.GetOpeningStreams(ctx)
	if err != nil {
		return fmt.Errorf("get opening streams: %w", err)
	}

	block, err := recoverContinuousRecords(s.deltaWAL.Recover(), openingStreams, s.logger)
	if err != nil {
		return err
	}

	streamEndOffsets := make(map[int64]int64)
	for streamID, recs := range block.Records() {
		if len(recs) > 0 {
			streamEndOffsets[streamID] = recs[len(recs)-1].LastOffset()
		}
	}

	if block.Size() != 0 {
		s.logger.Info("recovering from crash", "bytes", block.Size())
		task := newUploadTask(
			s.cfg.Namespace, block.Records(), s.objects, s.store,
			s.uploadWorkers, 0, s.logger, s.metrics,
		)
		if err := task.Prepare(ctx); err != nil {
			return fmt.Errorf("recovery upload prepare: %w", err)
		}
		task.StartUpload(ctx)
		if err := task.WaitUpload(ctx); err != nil {
			return fmt.Errorf("recovery upload: %w", err)
		}
		if err := task.Commit(ctx); err != nil {
			return fmt.Errorf("recovery commit: %w", err)
		}
		for _, recs := range block.Records() {
			for _, r := range recs {
				r.Release()
			}
		}
	}

	if err := s.deltaWAL.Reset(); err != nil {
		return fmt.Errorf("reset wal: %w", err)
	}

	for _, stream := range openingStreams {
		newEndOffset := stream.EndOffset
		if end, ok := streamEndOffsets[stream.StreamID]; ok {
			newEndOffset = end
		}
		s.logger.Info("recover closing stream",
			"stream", stream.StreamID, "epoch", stream.Epoch, "endOffset", newEndOffset)
		if err := s.streams.CloseStream(ctx, stream.StreamID, stream.Epoch); err != nil {
			return fmt.Errorf("close stream %d: %w", stream.StreamID, err)
		}
	}
	return nil
}
