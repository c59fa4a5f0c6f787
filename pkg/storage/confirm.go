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
	"sync"
)

// noopOffset means no offset has been confirmed yet.
const noopOffset int64 = -1

// confirmOffsetCalculator computes the greatest WAL offset below or at which
// every append is persisted.
//
// The read/write lock is used inversely: appenders hold the read side while
// the WAL assigns offsets, so they proceed concurrently; Update takes the
// write side only to insert a sentinel, which splits the queue into "offset
// assigned before the sentinel" and "after". Everything before the sentinel
// is then scanned without the lock.
type confirmOffsetCalculator struct {
	rw sync.RWMutex

	qmu   sync.Mutex
	queue []confirmEntry

	updateMu  sync.Mutex
	confirmMu sync.Mutex
	confirmed int64
}

type confirmEntry struct {
	req      *walWriteRequest
	sentinel bool
}

func newConfirmOffsetCalculator() *confirmOffsetCalculator {
	return &confirmOffsetCalculator{confirmed: noopOffset}
}

// LockAppend must be held from WAL offset assignment through Add.
func (c *confirmOffsetCalculator) LockAppend()   { c.rw.RLock() }
func (c *confirmOffsetCalculator) UnlockAppend() { c.rw.RUnlock() }

// Add enqueues an accepted request with its offset assigned. Callers hold the
// append lock.
func (c *confirmOffsetCalculator) Add(req *walWriteRequest) {
	c.qmu.Lock()
	c.queue = append(c.queue, confirmEntry{req: req})
	c.qmu.Unlock()
}

// Get returns the confirmed offset. Lags by at most one Update tick and is
// monotone non-decreasing.
func (c *confirmOffsetCalculator) Get() int64 {
	c.confirmMu.Lock()
	defer c.confirmMu.Unlock()
	return c.confirmed
}

// Update recalculates the confirmed offset and prunes confirmed entries.
func (c *confirmOffsetCalculator) Update() {
	c.updateMu.Lock()
	defer c.updateMu.Unlock()

	// The sentinel goes in under the exclusive side of the append lock so
	// no offset assignment is in flight while it is placed.
	c.rw.Lock()
	c.qmu.Lock()
	c.queue = append(c.queue, confirmEntry{sentinel: true})
	c.qmu.Unlock()
	c.rw.Unlock()

	c.qmu.Lock()
	snapshot := append([]confirmEntry(nil), c.queue...)
	c.qmu.Unlock()

	minUnconfirmed := int64(1<<63 - 1)
	for _, e := range snapshot {
		if e.sentinel {
			break
		}
		if !e.req.persisted.Load() && e.req.offset < minUnconfirmed {
			minUnconfirmed = e.req.offset
		}
	}

	confirmed := noopOffset
	c.qmu.Lock()
	kept := c.queue[:0]
	sentinelSeen := false
	for _, e := range c.queue {
		if !sentinelSeen {
			if e.sentinel {
				sentinelSeen = true
				continue
			}
			if e.req.persisted.Load() && e.req.offset < minUnconfirmed {
				if e.req.offset > confirmed {
					confirmed = e.req.offset
				}
				continue
			}
		}
		kept = append(kept, e)
	}
	c.queue = kept
	c.qmu.Unlock()

	if confirmed != noopOffset {
		c.confirmMu.Lock()
		if confirmed > c.confirmed {
			c.confirmed = confirmed
		}
		c.confirmMu.Unlock()
	}
}
