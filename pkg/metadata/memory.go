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
	"fmt"
	"sync"
)

// MemoryManagers is a single-process stream + object manager used by tests
// and the dev daemon.
type MemoryManagers struct {
	mu           sync.Mutex
	streams      map[int64]*StreamMetadata
	objects      []ObjectMetadata
	nextObjectID int64
	lastCommit   int64
}

// NewMemoryManagers creates an empty registry.
func NewMemoryManagers() *MemoryManagers {
	return &MemoryManagers{
		streams:    make(map[int64]*StreamMetadata),
		lastCommit: -1,
	}
}

// OpenStream registers a stream as open. Tests use it to seed state.
func (m *MemoryManagers) OpenStream(streamID, epoch, endOffset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[streamID] = &StreamMetadata{
		StreamID:  streamID,
		Epoch:     epoch,
		EndOffset: endOffset,
		Opened:    true,
	}
}

func (m *MemoryManagers) GetOpeningStreams(ctx context.Context) ([]StreamMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StreamMetadata
	for _, s := range m.streams {
		if s.Opened {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *MemoryManagers) CloseStream(ctx context.Context, streamID, epoch int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return ErrStreamNotFound
	}
	if s.Epoch != epoch {
		return fmt.Errorf("close stream %d: %w: have %d, got %d", streamID, ErrEpochMismatch, s.Epoch, epoch)
	}
	s.Opened = false
	return nil
}

// StreamEndOffset reports the committed end offset of a stream.
func (m *MemoryManagers) StreamEndOffset(streamID int64) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return 0, false
	}
	return s.EndOffset, true
}

func (m *MemoryManagers) PrepareObject(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextObjectID
	m.nextObjectID++
	return id, nil
}

func (m *MemoryManagers) CommitObject(ctx context.Context, req CommitStreamSetObjectRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ObjectID <= m.lastCommit {
		return fmt.Errorf("commit object %d out of order, last committed %d", req.ObjectID, m.lastCommit)
	}
	m.lastCommit = req.ObjectID
	m.objects = append(m.objects, ObjectMetadata{
		ObjectID: req.ObjectID,
		Key:      req.Key,
		Size:     req.Size,
		Ranges:   req.Ranges,
	})
	for _, r := range req.Ranges {
		s, ok := m.streams[r.StreamID]
		if !ok {
			s = &StreamMetadata{StreamID: r.StreamID, StartOffset: r.BaseOffset, Opened: true}
			m.streams[r.StreamID] = s
		}
		if r.EndOffset > s.EndOffset {
			s.EndOffset = r.EndOffset
		}
	}
	return nil
}

func (m *MemoryManagers) GetObjects(ctx context.Context, streamID, startOffset, endOffset int64) ([]ObjectMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ObjectMetadata
	for _, obj := range m.objects {
		for _, r := range obj.Ranges {
			if r.StreamID == streamID && r.BaseOffset < endOffset && r.EndOffset > startOffset {
				out = append(out, obj)
				break
			}
		}
	}
	return out, nil
}

// CommittedObjectIDs lists committed ids in commit order. Tests assert
// monotonicity with it.
func (m *MemoryManagers) CommittedObjectIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.objects))
	for _, obj := range m.objects {
		ids = append(ids, obj.ObjectID)
	}
	return ids
}

var (
	_ StreamManager = (*MemoryManagers)(nil)
	_ ObjectManager = (*MemoryManagers)(nil)
)
