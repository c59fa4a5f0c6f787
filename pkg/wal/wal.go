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

// Package wal defines the write-ahead log device contract the storage engine
// appends to. The device assigns a monotone record offset to every accepted
// append and signals durability asynchronously, possibly out of order.
package wal

import (
	"context"
	"errors"
)

var (
	// ErrOverCapacity is returned by Append when the device cannot accept
	// more data until the log is trimmed.
	ErrOverCapacity = errors.New("wal: over capacity")

	// ErrClosed is returned for operations on a device that is not running.
	ErrClosed = errors.New("wal: closed")
)

// AppendResult carries the offset assigned to an accepted append and a
// channel that yields exactly one value when the record is durable.
type AppendResult struct {
	RecordOffset int64
	// Done receives nil on persistence or an error if the write failed,
	// then is closed.
	Done <-chan error
}

// RecoverResult is one replayed record.
type RecoverResult struct {
	RecordOffset int64
	Data         []byte
}

// RecoverIterator walks the durable suffix of the log in offset order.
type RecoverIterator interface {
	// Next returns the following record, or ok=false at the end.
	Next() (RecoverResult, bool)
}

// WAL is the append-only durability device.
type WAL interface {
	Start() error
	ShutdownGracefully() error

	// Append accepts opaque record bytes. Offset assignment order is the
	// order of Append calls; durability notifications may arrive in any
	// order. Returns ErrOverCapacity when the device is full.
	Append(ctx context.Context, data []byte) (AppendResult, error)

	// Recover replays all durable, untrimmed records.
	Recover() RecoverIterator

	// Reset discards all records. Only legal before serving appends.
	Reset() error

	// Trim marks every record with offset <= the given offset reclaimable.
	Trim(offset int64) error
}
