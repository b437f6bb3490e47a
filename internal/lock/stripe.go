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

// Package lock implements a per-extent lock table: a fixed number of
// stripes, each an InvariantMutex, selected by hashing an
// extent's identifier. Only mutators (write, rebuild, rebundle) take a
// stripe lock; the read fast path uses the optimistic generation-counter
// protocol instead, so stripes guard writers against each other, not
// readers against writers.
package lock

import (
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"
)

// Table is a fixed-size array of stripe locks. The zero value is not
// usable; construct with New.
type Table struct {
	stripes []syncutil.InvariantMutex
	mask    uint32
}

// New builds a Table with the given number of stripes, which must be a
// positive power of two.
func New(stripes int) *Table {
	if stripes <= 0 || stripes&(stripes-1) != 0 {
		panic("lock: stripes must be a positive power of two")
	}

	t := &Table{
		stripes: make([]syncutil.InvariantMutex, stripes),
		mask:    uint32(stripes - 1),
	}
	for i := range t.stripes {
		t.stripes[i] = syncutil.NewInvariantMutex(func() {})
	}
	return t
}

func (t *Table) stripeFor(id uuid.UUID) *syncutil.InvariantMutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &t.stripes[h.Sum32()&t.mask]
}

// Lock acquires id's stripe lock. Two extents hashing to the same stripe
// contend even though they are logically independent; the stripe count is
// the knob for how much cross-extent contention is acceptable.
func (t *Table) Lock(id uuid.UUID) { t.stripeFor(id).Lock() }

// Unlock releases id's stripe lock.
func (t *Table) Unlock(id uuid.UUID) { t.stripeFor(id).Unlock() }

// WithLock runs fn holding id's stripe lock, per the lock-ordering rule
// (shard lock -> extent lock -> metadata lock): callers must not acquire
// the metadata store's transaction lock before calling this.
func (t *Table) WithLock(id uuid.UUID, fn func() error) error {
	t.Lock(id)
	defer t.Unlock(id)
	return fn()
}
