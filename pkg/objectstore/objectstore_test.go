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

package objectstore

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func TestObjectKeyLayout(t *testing.T) {
	if got := ObjectKey("prod", 42); got != "prod/streamset/00000000000000000042.sso" {
		t.Fatalf("ObjectKey = %q", got)
	}
	if got := ObjectKey("", 0); got != "default/streamset/00000000000000000000.sso" {
		t.Fatalf("ObjectKey with empty namespace = %q", got)
	}
}

func TestMemoryOperatorRangeRead(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryOperator()
	if err := m.Write(ctx, "k", []byte("0123456789")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	whole, err := m.RangeRead(ctx, "k", nil)
	if err != nil {
		t.Fatalf("RangeRead whole: %v", err)
	}
	if !bytes.Equal(whole, []byte("0123456789")) {
		t.Fatalf("whole read = %q", whole)
	}

	part, err := m.RangeRead(ctx, "k", &ByteRange{Start: 2, End: 5})
	if err != nil {
		t.Fatalf("RangeRead part: %v", err)
	}
	if !bytes.Equal(part, []byte("2345")) {
		t.Fatalf("range read = %q", part)
	}

	// ranges past the end are clamped, as S3 does
	tail, err := m.RangeRead(ctx, "k", &ByteRange{Start: 8, End: 100})
	if err != nil {
		t.Fatalf("RangeRead tail: %v", err)
	}
	if !bytes.Equal(tail, []byte("89")) {
		t.Fatalf("tail read = %q", tail)
	}

	if _, err := m.RangeRead(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing key error = %v", err)
	}
}

func TestByteRangeHeader(t *testing.T) {
	if h := (*ByteRange)(nil).headerValue(); h != nil {
		t.Fatalf("nil range header = %v", *h)
	}
	h := (&ByteRange{Start: 10, End: 20}).headerValue()
	if h == nil || *h != "bytes=10-20" {
		t.Fatalf("range header = %v", h)
	}
}
