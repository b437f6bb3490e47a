// Copyright 2025 Google LLC
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
	"sync"
	"time"

	"github.com/extentpool/extentpool/clock"
)

// work is one caller's staged mutation plus the channel it waits on for the
// batch's outcome.
type work struct {
	mutate func(*Txn) error
	done   chan error
}

// CommitCoordinator implements group commit: independent operations
// submitted within the same window, or up to batchSize of them, share a
// single root-version bump instead of each paying for one.
// Submit's caller still sees its own mutation's error, if any, but commit
// latency is amortized across the whole batch.
type CommitCoordinator struct {
	store     *Store
	clock     clock.Clock
	window    time.Duration
	batchSize int

	mu      sync.Mutex
	pending []work
	timer   *time.Timer
}

// NewCommitCoordinator builds a coordinator over store, flushing a batch
// after batchSize submissions or window elapsed since the first submission
// in the batch, whichever comes first.
func NewCommitCoordinator(store *Store, clk clock.Clock, window time.Duration, batchSize int) *CommitCoordinator {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &CommitCoordinator{store: store, clock: clk, window: window, batchSize: batchSize}
}

// Submit stages mutate against the coordinator's in-flight batch and blocks
// until that batch commits, returning mutate's own error (if any) or the
// commit's error if the batch as a whole failed to commit.
func (c *CommitCoordinator) Submit(mutate func(*Txn) error) error {
	w := work{mutate: mutate, done: make(chan error, 1)}

	c.mu.Lock()
	c.pending = append(c.pending, w)
	flush := len(c.pending) >= c.batchSize
	if !flush && c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.flush)
	}
	c.mu.Unlock()

	if flush {
		c.flush()
	}

	return <-w.done
}

// flush commits every mutation staged since the last flush as one
// transaction. Each mutate runs in submission order against the shared
// Txn; a mutate returning an error still lets the rest of the batch
// proceed; that mutate's own caller is told about its error, but a
// mutate that succeeded is not rolled back just because a sibling failed.
func (c *CommitCoordinator) flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	txn := c.store.Begin()
	results := make([]error, len(batch))
	for i, w := range batch {
		results[i] = w.mutate(txn)
	}

	commitErr := txn.Commit(c.clock.Now())

	for i, w := range batch {
		if results[i] != nil {
			w.done <- results[i]
			continue
		}
		w.done <- commitErr
	}
}
