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

// Package objectstore abstracts the S3-compatible store holding committed
// stream-set objects.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// ErrNotFound is returned when the requested object key does not exist.
var ErrNotFound = errors.New("object not found")

// ByteRange is an inclusive byte range for ranged reads.
type ByteRange struct {
	Start int64
	End   int64
}

func (r *ByteRange) headerValue() *string {
	if r == nil {
		return nil
	}
	v := fmt.Sprintf("bytes=%d-%d", r.Start, r.End)
	return &v
}

// Operator writes and reads opaque objects.
type Operator interface {
	// Write stores an object under key, replacing any previous content.
	Write(ctx context.Context, key string, data []byte) error
	// RangeRead fetches the given byte range, or the whole object when rng
	// is nil.
	RangeRead(ctx context.Context, key string, rng *ByteRange) ([]byte, error)
}

// ObjectKey builds the store key for a stream-set object.
func ObjectKey(namespace string, objectID int64) string {
	if namespace == "" {
		namespace = "default"
	}
	return path.Join(namespace, "streamset", fmt.Sprintf("%020d.sso", objectID))
}
