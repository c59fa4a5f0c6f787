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
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	objectIDKey    = "/streamvault/object-id"
	objectPrefix   = "/streamvault/objects/"
	streamPrefix   = "/streamvault/streams/"
	prepareRetries = 16
)

// EtcdStore keeps stream and object metadata in etcd. Object ids come from a
// compare-and-swap counter, so concurrent nodes never prepare the same id.
type EtcdStore struct {
	client *clientv3.Client
	logger *slog.Logger
}

// NewEtcdStore wraps an etcd client.
func NewEtcdStore(client *clientv3.Client, logger *slog.Logger) *EtcdStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &EtcdStore{client: client, logger: logger}
}

func objectKey(objectID int64) string {
	return fmt.Sprintf("%s%020d", objectPrefix, objectID)
}

func streamKey(streamID int64) string {
	return fmt.Sprintf("%s%d", streamPrefix, streamID)
}

func (s *EtcdStore) PrepareObject(ctx context.Context) (int64, error) {
	for attempt := 0; attempt < prepareRetries; attempt++ {
		resp, err := s.client.Get(ctx, objectIDKey)
		if err != nil {
			return 0, fmt.Errorf("read object id counter: %w", err)
		}
		if len(resp.Kvs) == 0 {
			txn, err := s.client.Txn(ctx).
				If(clientv3.Compare(clientv3.CreateRevision(objectIDKey), "=", 0)).
				Then(clientv3.OpPut(objectIDKey, "1")).
				Commit()
			if err != nil {
				return 0, fmt.Errorf("init object id counter: %w", err)
			}
			if txn.Succeeded {
				return 0, nil
			}
			continue
		}
		cur, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse object id counter %q: %w", resp.Kvs[0].Value, err)
		}
		txn, err := s.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(objectIDKey), "=", resp.Kvs[0].ModRevision)).
			Then(clientv3.OpPut(objectIDKey, strconv.FormatInt(cur+1, 10))).
			Commit()
		if err != nil {
			return 0, fmt.Errorf("advance object id counter: %w", err)
		}
		if txn.Succeeded {
			return cur, nil
		}
	}
	return 0, fmt.Errorf("prepare object id: too much contention on %s", objectIDKey)
}

func (s *EtcdStore) CommitObject(ctx context.Context, req CommitStreamSetObjectRequest) error {
	manifest, err := json.Marshal(ObjectMetadata{
		ObjectID: req.ObjectID,
		Key:      req.Key,
		Size:     req.Size,
		Ranges:   req.Ranges,
	})
	if err != nil {
		return fmt.Errorf("marshal object manifest: %w", err)
	}
	if _, err := s.client.Put(ctx, objectKey(req.ObjectID), string(manifest)); err != nil {
		return fmt.Errorf("commit object %d: %w", req.ObjectID, err)
	}
	// Commits are serialized by the upload pipeline, so the stream updates
	// below do not race with other commits from this node.
	for _, r := range req.Ranges {
		if err := s.advanceStreamEnd(ctx, r.StreamID, r.EndOffset); err != nil {
			return err
		}
	}
	return nil
}

func (s *EtcdStore) advanceStreamEnd(ctx context.Context, streamID, endOffset int64) error {
	key := streamKey(streamID)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read stream %d: %w", streamID, err)
	}
	meta := StreamMetadata{StreamID: streamID, Opened: true}
	if len(resp.Kvs) > 0 {
		if err := json.Unmarshal(resp.Kvs[0].Value, &meta); err != nil {
			return fmt.Errorf("decode stream %d: %w", streamID, err)
		}
	}
	if endOffset <= meta.EndOffset {
		return nil
	}
	meta.EndOffset = endOffset
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal stream %d: %w", streamID, err)
	}
	if _, err := s.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("write stream %d: %w", streamID, err)
	}
	return nil
}

func (s *EtcdStore) GetObjects(ctx context.Context, streamID, startOffset, endOffset int64) ([]ObjectMetadata, error) {
	resp, err := s.client.Get(ctx, objectPrefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	var out []ObjectMetadata
	for _, kv := range resp.Kvs {
		var meta ObjectMetadata
		if err := json.Unmarshal(kv.Value, &meta); err != nil {
			s.logger.Error("skipping undecodable object manifest", "key", string(kv.Key), "error", err)
			continue
		}
		for _, r := range meta.Ranges {
			if r.StreamID == streamID && r.BaseOffset < endOffset && r.EndOffset > startOffset {
				out = append(out, meta)
				break
			}
		}
	}
	return out, nil
}

func (s *EtcdStore) GetOpeningStreams(ctx context.Context) ([]StreamMetadata, error) {
	resp, err := s.client.Get(ctx, streamPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	var out []StreamMetadata
	for _, kv := range resp.Kvs {
		var meta StreamMetadata
		if err := json.Unmarshal(kv.Value, &meta); err != nil {
			s.logger.Error("skipping undecodable stream entry", "key", string(kv.Key), "error", err)
			continue
		}
		if meta.Opened {
			out = append(out, meta)
		}
	}
	return out, nil
}

// OpenStream registers a stream as open at the given end offset.
func (s *EtcdStore) OpenStream(ctx context.Context, streamID, epoch, endOffset int64) error {
	data, err := json.Marshal(StreamMetadata{
		StreamID:  streamID,
		Epoch:     epoch,
		EndOffset: endOffset,
		Opened:    true,
	})
	if err != nil {
		return fmt.Errorf("marshal stream %d: %w", streamID, err)
	}
	if _, err := s.client.Put(ctx, streamKey(streamID), string(data)); err != nil {
		return fmt.Errorf("open stream %d: %w", streamID, err)
	}
	return nil
}

func (s *EtcdStore) CloseStream(ctx context.Context, streamID, epoch int64) error {
	key := streamKey(streamID)
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read stream %d: %w", streamID, err)
	}
	if len(resp.Kvs) == 0 {
		return ErrStreamNotFound
	}
	var meta StreamMetadata
	if err := json.Unmarshal(resp.Kvs[0].Value, &meta); err != nil {
		return fmt.Errorf("decode stream %d: %w", streamID, err)
	}
	if meta.Epoch != epoch {
		return fmt.Errorf("close stream %d: %w: have %d, got %d", streamID, ErrEpochMismatch, meta.Epoch, epoch)
	}
	meta.Opened = false
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal stream %d: %w", streamID, err)
	}
	if _, err := s.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("close stream %d: %w", streamID, err)
	}
	return nil
}

var (
	_ StreamManager = (*EtcdStore)(nil)
	_ ObjectManager = (*EtcdStore)(nil)
)
