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
	"testing"
)

func TestConfirmOffsetAdvancesOnContiguousPersistence(t *testing.T) {
	c := newConfirmOffsetCalculator()
	if got := c.Get(); got != noopOffset {
		t.Fatalf("fresh calculator confirm offset %d", got)
	}

	reqs := make([]*walWriteRequest, 3)
	for i := range reqs {
		reqs[i] = seqRequest(7, int64(i*5), 5, int64((i+1)*100))
		c.Add(reqs[i])
	}

	// nothing persisted yet
	c.Update()
	if got := c.Get(); got != noopOffset {
		t.Fatalf("confirm offset %d before any persistence", got)
	}

	// a hole at the front blocks confirmation of later offsets
	reqs[1].persisted.Store(true)
	reqs[2].persisted.Store(true)
	c.Update()
	if got := c.Get(); got != noopOffset {
		t.Fatalf("confirm offset %d with unpersisted head", got)
	}

	reqs[0].persisted.Store(true)
	c.Update()
	if got := c.Get(); got != 300 {
		t.Fatalf("confirm offset %d, want 300", got)
	}

	// pruned entries must not resurface; offset stays monotone
	c.Update()
	if got := c.Get(); got != 300 {
		t.Fatalf("confirm offset moved to %d after prune", got)
	}
}

func TestConfirmOffsetPartialPrefix(t *testing.T) {
	c := newConfirmOffsetCalculator()
	r1 := seqRequest(1, 0, 1, 10)
	r2 := seqRequest(1, 1, 1, 20)
	r3 := seqRequest(1, 2, 1, 30)
	for _, r := range []*walWriteRequest{r1, r2, r3} {
		c.Add(r)
	}
	r1.persisted.Store(true)
	r3.persisted.Store(true)
	c.Update()
	if got := c.Get(); got != 10 {
		t.Fatalf("confirm offset %d, want 10 (r2 unpersisted)", got)
	}
	r2.persisted.Store(true)
	c.Update()
	if got := c.Get(); got != 30 {
		t.Fatalf("confirm offset %d, want 30", got)
	}
}

func TestConfirmOffsetConcurrentAdds(t *testing.T) {
	c := newConfirmOffsetCalculator()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.LockAppend()
			r := seqRequest(int64(i%4), int64(i), 1, int64(i))
			r.persisted.Store(true)
			c.Add(r)
			c.UnlockAppend()
		}(i)
	}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 16; i++ {
			c.Update()
		}
		close(done)
	}()
	wg.Wait()
	<-done
	c.Update()
	if got := c.Get(); got != 63 {
		t.Fatalf("confirm offset %d after all persisted, want 63", got)
	}
}
