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

package records

import (
	"encoding/binary"
	"fmt"
)

// Wire layout, all fields big endian:
//
//	magic      u8
//	streamId   u64
//	epoch      u64
//	baseOffset u64
//	count      u32
//	payloadLen u32
//	payload    [payloadLen]byte
const (
	recordMagic      = 0x01
	recordHeaderSize = 1 + 8 + 8 + 8 + 4 + 4
)

// Encode returns the stable wire form of the batch. The result is cached so
// repeated calls (WAL append, object upload) do not re-serialize.
func (b *StreamRecordBatch) Encode() []byte {
	if b.encoded != nil {
		return b.encoded
	}
	buf := make([]byte, recordHeaderSize+len(b.payload))
	buf[0] = recordMagic
	binary.BigEndian.PutUint64(buf[1:9], uint64(b.StreamID))
	binary.BigEndian.PutUint64(buf[9:17], uint64(b.Epoch))
	binary.BigEndian.PutUint64(buf[17:25], uint64(b.BaseOffset))
	binary.BigEndian.PutUint32(buf[25:29], uint32(b.Count))
	binary.BigEndian.PutUint32(buf[29:33], uint32(len(b.payload)))
	copy(buf[recordHeaderSize:], b.payload)
	b.encoded = buf
	return buf
}

// Decode parses a batch from its wire form. The returned batch owns a copy of
// the payload and carries reference count 1.
func Decode(data []byte) (*StreamRecordBatch, error) {
	if len(data) < recordHeaderSize {
		return nil, fmt.Errorf("record batch too small: %d", len(data))
	}
	if data[0] != recordMagic {
		return nil, fmt.Errorf("bad record batch magic: %#x", data[0])
	}
	payloadLen := int(binary.BigEndian.Uint32(data[29:33]))
	if len(data) != recordHeaderSize+payloadLen {
		return nil, fmt.Errorf("record batch length mismatch: header says %d, have %d",
			recordHeaderSize+payloadLen, len(data))
	}
	b := NewStreamRecordBatch(
		int64(binary.BigEndian.Uint64(data[1:9])),
		int64(binary.BigEndian.Uint64(data[9:17])),
		int64(binary.BigEndian.Uint64(data[17:25])),
		int32(binary.BigEndian.Uint32(data[25:29])),
		append([]byte(nil), data[recordHeaderSize:]...),
	)
	return b, nil
}
