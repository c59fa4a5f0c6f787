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
	"sort"
)

// A stream-set object packs record batches from many streams into one
// self-describing artifact:
//
//	header  magic u32
//	parts   per stream, ascending stream id: concatenated encoded batches
//	index   entryCount u32, then per stream:
//	        streamId u64, baseOffset u64, endOffset u64, position u32, size u32
//	footer  indexPosition u32, indexSize u32, magic u32
const (
	streamSetMagic     = 0x5353_4F01
	streamSetHeaderLen = 4
	streamSetEntryLen  = 8 + 8 + 8 + 4 + 4
	streamSetFooterLen = 4 + 4 + 4
)

// StreamRange locates one stream's contiguous batch run inside a stream-set
// object.
type StreamRange struct {
	StreamID   int64
	BaseOffset int64
	EndOffset  int64
	Position   int32
	Size       int32
}

// EncodePart serializes one stream's batches back to back.
func EncodePart(batches []*StreamRecordBatch) []byte {
	n := 0
	for _, b := range batches {
		n += b.Size()
	}
	buf := make([]byte, 0, n)
	for _, b := range batches {
		buf = append(buf, b.Encode()...)
	}
	return buf
}

// AssembleStreamSetObject builds the object bytes from pre-encoded per-stream
// parts. Parts must hold one entry per stream; batches within a part must be
// offset contiguous.
func AssembleStreamSetObject(parts map[int64][]byte, batchesByStream map[int64][]*StreamRecordBatch) ([]byte, []StreamRange) {
	streamIDs := make([]int64, 0, len(parts))
	for id := range parts {
		streamIDs = append(streamIDs, id)
	}
	sort.Slice(streamIDs, func(i, j int) bool { return streamIDs[i] < streamIDs[j] })

	total := streamSetHeaderLen
	for _, id := range streamIDs {
		total += len(parts[id])
	}
	indexLen := 4 + streamSetEntryLen*len(streamIDs)
	buf := make([]byte, 0, total+indexLen+streamSetFooterLen)

	var hdr [streamSetHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], streamSetMagic)
	buf = append(buf, hdr[:]...)

	ranges := make([]StreamRange, 0, len(streamIDs))
	for _, id := range streamIDs {
		part := parts[id]
		batches := batchesByStream[id]
		ranges = append(ranges, StreamRange{
			StreamID:   id,
			BaseOffset: batches[0].BaseOffset,
			EndOffset:  batches[len(batches)-1].LastOffset(),
			Position:   int32(len(buf)),
			Size:       int32(len(part)),
		})
		buf = append(buf, part...)
	}

	indexPos := len(buf)
	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], uint32(len(ranges)))
	buf = append(buf, cnt[:]...)
	for _, r := range ranges {
		var e [streamSetEntryLen]byte
		binary.BigEndian.PutUint64(e[0:8], uint64(r.StreamID))
		binary.BigEndian.PutUint64(e[8:16], uint64(r.BaseOffset))
		binary.BigEndian.PutUint64(e[16:24], uint64(r.EndOffset))
		binary.BigEndian.PutUint32(e[24:28], uint32(r.Position))
		binary.BigEndian.PutUint32(e[28:32], uint32(r.Size))
		buf = append(buf, e[:]...)
	}

	var footer [streamSetFooterLen]byte
	binary.BigEndian.PutUint32(footer[0:4], uint32(indexPos))
	binary.BigEndian.PutUint32(footer[4:8], uint32(4+streamSetEntryLen*len(ranges)))
	binary.BigEndian.PutUint32(footer[8:12], streamSetMagic)
	buf = append(buf, footer[:]...)
	return buf, ranges
}

// ParseStreamSetIndex reads the index from full object bytes.
func ParseStreamSetIndex(data []byte) ([]StreamRange, error) {
	if len(data) < streamSetHeaderLen+streamSetFooterLen {
		return nil, fmt.Errorf("stream-set object too small: %d", len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) != streamSetMagic {
		return nil, fmt.Errorf("bad stream-set header magic")
	}
	footer := data[len(data)-streamSetFooterLen:]
	if binary.BigEndian.Uint32(footer[8:12]) != streamSetMagic {
		return nil, fmt.Errorf("bad stream-set footer magic")
	}
	indexPos := int(binary.BigEndian.Uint32(footer[0:4]))
	indexLen := int(binary.BigEndian.Uint32(footer[4:8]))
	if indexPos+indexLen > len(data)-streamSetFooterLen {
		return nil, fmt.Errorf("stream-set index out of bounds: pos=%d len=%d object=%d", indexPos, indexLen, len(data))
	}
	index := data[indexPos : indexPos+indexLen]
	count := int(binary.BigEndian.Uint32(index[0:4]))
	if 4+count*streamSetEntryLen != indexLen {
		return nil, fmt.Errorf("stream-set index length mismatch: count=%d len=%d", count, indexLen)
	}
	ranges := make([]StreamRange, 0, count)
	for i := 0; i < count; i++ {
		e := index[4+i*streamSetEntryLen:]
		ranges = append(ranges, StreamRange{
			StreamID:   int64(binary.BigEndian.Uint64(e[0:8])),
			BaseOffset: int64(binary.BigEndian.Uint64(e[8:16])),
			EndOffset:  int64(binary.BigEndian.Uint64(e[16:24])),
			Position:   int32(binary.BigEndian.Uint32(e[24:28])),
			Size:       int32(binary.BigEndian.Uint32(e[28:32])),
		})
	}
	return ranges, nil
}

// DecodePart parses the batches of one stream range out of full object bytes.
func DecodePart(data []byte, r StreamRange) ([]*StreamRecordBatch, error) {
	if int(r.Position)+int(r.Size) > len(data) {
		return nil, fmt.Errorf("stream range out of bounds: pos=%d size=%d object=%d", r.Position, r.Size, len(data))
	}
	part := data[r.Position : int(r.Position)+int(r.Size)]
	var batches []*StreamRecordBatch
	for len(part) > 0 {
		if len(part) < recordHeaderSize {
			return nil, fmt.Errorf("truncated batch in stream %d part", r.StreamID)
		}
		payloadLen := int(binary.BigEndian.Uint32(part[29:33]))
		frame := recordHeaderSize + payloadLen
		if frame > len(part) {
			return nil, fmt.Errorf("truncated batch in stream %d part: frame=%d remain=%d", r.StreamID, frame, len(part))
		}
		b, err := Decode(part[:frame])
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
		part = part[frame:]
	}
	return batches, nil
}
