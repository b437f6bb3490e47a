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
	"os"
	"time"

	"github.com/extentpool/extentpool/internal/atomicfile"
	"github.com/extentpool/extentpool/internal/poolerr"
)

// Txn coalesces one user operation's metadata writes behind
// a single root-version bump. Begin snapshots the current root as a pending
// one; nothing is visible to readers until Commit swaps "current" to point
// at the new root. Dropping a Txn without calling Commit leaves the pool
// exactly as it was: any record writes staged on the Txn are only applied
// during Commit, never before.
type Txn struct {
	store   *Store
	pending Root

	inodes        []*Inode
	deletedInodes []uint64

	extentMaps        []*ExtentMap
	deletedExtentMaps []uint64
}

// Begin starts a new transaction against the store's current root.
func (s *Store) Begin() *Txn {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current
	return &Txn{
		store: s,
		pending: Root{
			Version:          cur.Version + 1,
			NextInode:        cur.NextInode,
			InodeCount:       cur.InodeCount,
			ExtentCount:      cur.ExtentCount,
			ByteCount:        cur.ByteCount,
			State:            Pending,
			StateChecksumHex: cur.StateChecksumHex,
		},
	}
}

// NextInode allocates the next inode number and reserves it on the pending
// root; it is only durable once Commit succeeds.
func (t *Txn) NextInode() uint64 {
	n := t.pending.NextInode
	t.pending.NextInode++
	return n
}

// PutInode stages ino for persistence, stamping its checksum now so Commit
// only has to write bytes, not recompute them while the caller-visible
// atomicity boundary is open.
func (t *Txn) PutInode(ino *Inode) error {
	if err := stampChecksum(ino); err != nil {
		return poolerr.New(poolerr.IO, "txn.put_inode", err)
	}
	t.inodes = append(t.inodes, ino)
	return nil
}

// DeleteInode stages removal of inode ino's record.
func (t *Txn) DeleteInode(ino uint64) {
	t.deletedInodes = append(t.deletedInodes, ino)
}

// PutExtentMap stages m for persistence.
func (t *Txn) PutExtentMap(m *ExtentMap) error {
	if err := stampChecksum(m); err != nil {
		return poolerr.New(poolerr.IO, "txn.put_extent_map", err)
	}
	t.extentMaps = append(t.extentMaps, m)
	return nil
}

// DeleteExtentMap stages removal of ino's extent-map record.
func (t *Txn) DeleteExtentMap(ino uint64) {
	t.deletedExtentMaps = append(t.deletedExtentMaps, ino)
}

// AdjustCounts adjusts the pending root's aggregate counters, used by the
// caller to reflect how many inodes/extents/bytes this transaction adds or
// removes before Commit.
func (t *Txn) AdjustCounts(inodeDelta, extentDelta, byteDelta int64) {
	t.pending.InodeCount = addDelta(t.pending.InodeCount, inodeDelta)
	t.pending.ExtentCount = addDelta(t.pending.ExtentCount, extentDelta)
	t.pending.ByteCount = addDelta(t.pending.ByteCount, byteDelta)
}

func addDelta(v uint64, delta int64) uint64 {
	if delta < 0 && uint64(-delta) > v {
		return 0
	}
	return uint64(int64(v) + delta)
}

// Commit folds the staged records into the new root's aggregate state
// checksum, writes every staged record, then the new root, then atomically
// swaps "current" to point at it. Staged records overwrite their record
// files in place, so they are visible to loads before "current" moves;
// the undo log written ahead of them (see undo.go) is what lets a torn
// commit be rolled back to the previous root.
func (t *Txn) Commit(now time.Time) error {
	s := t.store

	// The fold update reads the records being replaced, so it must run
	// before any staged write overwrites them.
	prev, err := foldFromHex(t.pending.StateChecksumHex)
	if err != nil {
		return poolerr.New(poolerr.Corruption, "txn.commit", err)
	}
	fold := newStateFoldUpdater(s, prev)
	for _, ino := range t.inodes {
		if err := fold.put(stateKey{inodeKind, ino.Ino}, ino.ChecksumHex); err != nil {
			return err
		}
	}
	for _, ino := range t.deletedInodes {
		if err := fold.delete(stateKey{inodeKind, ino}); err != nil {
			return err
		}
	}
	for _, m := range t.extentMaps {
		if err := fold.put(stateKey{extentMapKind, m.Ino}, m.ChecksumHex); err != nil {
			return err
		}
	}
	for _, ino := range t.deletedExtentMaps {
		if err := fold.delete(stateKey{extentMapKind, ino}); err != nil {
			return err
		}
	}
	t.pending.StateChecksumHex = foldToHex(fold.fold)

	// Snapshot pre-images of everything this commit touches (see undo.go)
	// so a crash between the record writes below and the root write
	// leaves a mountable pool.
	keys := make([]stateKey, 0, len(t.inodes)+len(t.deletedInodes)+len(t.extentMaps)+len(t.deletedExtentMaps))
	seen := make(map[stateKey]bool)
	add := func(k stateKey) {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for _, ino := range t.inodes {
		add(stateKey{inodeKind, ino.Ino})
	}
	for _, ino := range t.deletedInodes {
		add(stateKey{inodeKind, ino})
	}
	for _, m := range t.extentMaps {
		add(stateKey{extentMapKind, m.Ino})
	}
	for _, ino := range t.deletedExtentMaps {
		add(stateKey{extentMapKind, ino})
	}
	if len(keys) > 0 {
		if err := s.writeUndoLog(t.pending.Version, keys); err != nil {
			return err
		}
	}

	for _, ino := range t.inodes {
		b, err := marshalJSON(ino)
		if err != nil {
			return poolerr.New(poolerr.IO, "txn.commit", err)
		}
		if err := atomicfile.Write(s.inodePath(ino.Ino), b); err != nil {
			return poolerr.New(poolerr.IO, "txn.commit", err)
		}
	}
	for _, ino := range t.deletedInodes {
		if err := os.Remove(s.inodePath(ino)); err != nil && !os.IsNotExist(err) {
			return poolerr.New(poolerr.IO, "txn.commit", err)
		}
	}

	for _, m := range t.extentMaps {
		b, err := marshalJSON(m)
		if err != nil {
			return poolerr.New(poolerr.IO, "txn.commit", err)
		}
		if err := atomicfile.Write(s.extentMapPath(m.Ino), b); err != nil {
			return poolerr.New(poolerr.IO, "txn.commit", err)
		}
	}
	for _, ino := range t.deletedExtentMaps {
		if err := os.Remove(s.extentMapPath(ino)); err != nil && !os.IsNotExist(err) {
			return poolerr.New(poolerr.IO, "txn.commit", err)
		}
	}

	t.pending.Timestamp = now
	t.pending.State = Committed
	if err := stampChecksum(&t.pending); err != nil {
		return poolerr.New(poolerr.IO, "txn.commit", err)
	}
	if err := s.writeRootFile(t.pending); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.setCurrentPointer(t.pending.Version); err != nil {
		s.mu.Unlock()
		return err
	}
	s.current = t.pending
	s.mu.Unlock()

	if len(keys) > 0 {
		s.discardUndoLog()
	}
	return nil
}
