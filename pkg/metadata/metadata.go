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

// Package metadata holds the stream and object manager contracts: id
// allocation, object commit manifests, and the opening-stream registry the
// recovery path consults.
package metadata

import (
	"context"
	"errors"

	"github.com/novatechflow/streamvault/pkg/records"
)

var (
	// ErrStreamNotFound is returned for operations on unknown streams.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrEpochMismatch is returned when a close carries a stale epoch.
	ErrEpochMismatch = errors.New("stream epoch mismatch")
)

// StreamMetadata describes one stream as known by the metadata service.
type StreamMetadata struct {
	StreamID    int64 `json:"streamId"`
	Epoch       int64 `json:"epoch"`
	StartOffset int64 `json:"startOffset"`
	EndOffset   int64 `json:"endOffset"`
	Opened      bool  `json:"opened"`
}

// StreamManager exposes the stream registry.
type StreamManager interface {
	// GetOpeningStreams lists streams left open by this node, with their
	// committed end offsets.
	GetOpeningStreams(ctx context.Context) ([]StreamMetadata, error)
	// CloseStream marks a stream closed at its current committed end offset.
	CloseStream(ctx context.Context, streamID, epoch int64) error
}

// ObjectMetadata is the committed manifest of one stream-set object.
type ObjectMetadata struct {
	ObjectID int64                 `json:"objectId"`
	Key      string                `json:"key"`
	Size     int64                 `json:"size"`
	Ranges   []records.StreamRange `json:"ranges"`
}

// CommitStreamSetObjectRequest carries the manifest for a prepared object.
type CommitStreamSetObjectRequest struct {
	ObjectID int64
	Key      string
	Size     int64
	Ranges   []records.StreamRange
}

// ObjectManager allocates object ids and records commit manifests. Prepared
// ids are strictly monotone; commits must arrive in id order (the upload
// pipeline serializes its commit stage to guarantee this).
type ObjectManager interface {
	// PrepareObject reserves the next object id.
	PrepareObject(ctx context.Context) (int64, error)
	// CommitObject publishes the object manifest and advances the end
	// offsets of every contained stream.
	CommitObject(ctx context.Context, req CommitStreamSetObjectRequest) error
	// GetObjects lists committed objects with records of the stream
	// overlapping [startOffset, endOffset), in commit order.
	GetObjects(ctx context.Context, streamID, startOffset, endOffset int64) ([]ObjectMetadata, error)
}
