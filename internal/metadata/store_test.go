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
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/extentpool/extentpool/common"
	"github.com/extentpool/extentpool/internal/atomicfile"
	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, time.Now())
	require.NoError(t, err)
	return s
}

// commitInode runs one full transaction creating a named file inode,
// returning its number.
func commitInode(t *testing.T, s *Store, name string) uint64 {
	t.Helper()
	txn := s.Begin()
	ino := &Inode{
		Ino:    txn.NextInode(),
		Type:   FileInode,
		Name:   name,
		Mode:   0644,
		Xattrs: map[string][]byte{"user.origin": []byte("test")},
		ACLs:   []ACLEntry{{Qualifier: "group:ops", Perms: "r--"}},
	}
	require.NoError(t, txn.PutInode(ino))
	txn.AdjustCounts(1, 0, 0)
	require.NoError(t, txn.Commit(time.Now()))
	return ino.Ino
}

func TestOpenFreshPoolWritesGenesisRoot(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	root := s.Current()
	require.Equal(t, uint64(1), root.Version)
	require.Equal(t, Committed, root.State)
	require.NoError(t, verifyChecksum(&root))

	v, ok := s.readCurrentPointer()
	require.True(t, ok)
	require.Equal(t, uint64(1), v)
}

func TestCommitBumpsRootAndSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	ino := commitInode(t, s, "a")
	require.Equal(t, uint64(2), s.Current().Version)

	s2 := openStore(t, dir)
	require.Equal(t, uint64(2), s2.Current().Version)
	rec, err := s2.LoadInode(ino)
	require.NoError(t, err)
	require.Equal(t, "a", rec.Name)
	require.Equal(t, []byte("test"), rec.Xattrs["user.origin"])
	require.Equal(t, []ACLEntry{{Qualifier: "group:ops", Perms: "r--"}}, rec.ACLs)
}

func TestDroppedTxnPersistsNothing(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	txn := s.Begin()
	ino := &Inode{Ino: txn.NextInode(), Type: FileInode, Name: "ghost"}
	require.NoError(t, txn.PutInode(ino))
	// No Commit: the transaction is simply dropped.

	_, err := s.LoadInode(ino.Ino)
	require.True(t, poolerr.Is(err, poolerr.NotFound))
	require.Equal(t, uint64(1), s.Current().Version)

	s2 := openStore(t, dir)
	require.Equal(t, uint64(1), s2.Current().Version)
}

func TestRecoveryFallsBackWhenCurrentPointerCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	commitInode(t, s, "a")
	commitInode(t, s, "b")
	require.Equal(t, uint64(3), s.Current().Version)

	// Clobber the pointer the way a torn write would.
	require.NoError(t, os.WriteFile(filepath.Join(s.rootsDir, currentPointerName), []byte("garbage"), 0644))

	s2 := openStore(t, dir)
	require.Equal(t, uint64(3), s2.Current().Version)

	// Recovery must also have re-pointed "current".
	v, ok := s2.readCurrentPointer()
	require.True(t, ok)
	require.Equal(t, uint64(3), v)
}

func TestRecoveryIgnoresPendingAndTamperedRoots(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	commitInode(t, s, "a") // version 2, last good state

	// A pending root abandoned mid-transaction: checksum-valid but never
	// committed, so recovery must not adopt it.
	pending := Root{Version: 3, NextInode: 9, State: Pending}
	require.NoError(t, stampChecksum(&pending))
	require.NoError(t, s.writeRootFile(pending))

	// A committed root whose bytes rotted after the fact.
	rotten := Root{Version: 4, NextInode: 11, State: Committed}
	require.NoError(t, stampChecksum(&rotten))
	rotten.NextInode = 999 // invalidates the stamped checksum
	require.NoError(t, s.writeRootFile(rotten))
	require.NoError(t, s.setCurrentPointer(4))

	s2 := openStore(t, dir)
	require.Equal(t, uint64(2), s2.Current().Version)
	require.Equal(t, Committed, s2.Current().State)
}

func TestOpenRefusesWhenNoValidRootExists(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	// Rot the only roots on disk.
	for _, v := range []uint64{1} {
		b, err := os.ReadFile(s.rootPath(v))
		require.NoError(t, err)
		b = bytes.Replace(b, []byte(`"committed"`), []byte(`"pending"`), 1)
		require.NoError(t, os.WriteFile(s.rootPath(v), b, 0644))
	}

	_, err := Open(dir, time.Now())
	require.Error(t, err)
	require.True(t, poolerr.Is(err, poolerr.Corruption))
}

func TestLoadRejectsTamperedInodeRecord(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ino := commitInode(t, s, "victim")

	// Flip the name in place, leaving the record structurally valid JSON
	// but no longer matching its checksum.
	path := s.inodePath(ino)
	b, err := common.ReadFile(path)
	require.NoError(t, err)
	b = bytes.Replace(b, []byte(`"victim"`), []byte(`"forgery"`), 1)
	require.NoError(t, common.WriteFile(path, b))

	_, err = s.LoadInode(ino)
	require.Error(t, err)
	require.True(t, poolerr.Is(err, poolerr.Checksum))
}

func TestOpenSweepsLeftoverTmpFiles(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	stale := []string{
		filepath.Join(s.inodesDir, "42.tmp"),
		filepath.Join(s.rootsDir, "root.9.tmp"),
		filepath.Join(s.extentsDir, "junk.tmp"),
	}
	for _, p := range stale {
		require.NoError(t, os.WriteFile(p, []byte("partial"), 0644))
	}

	openStore(t, dir)
	for _, p := range stale {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), "expected %s to be removed on mount", p)
	}
}

func TestRootVersionsAreMonotonicAcrossReopens(t *testing.T) {
	dir := t.TempDir()

	var last uint64
	for i := 0; i < 3; i++ {
		s := openStore(t, dir)
		require.GreaterOrEqual(t, s.Current().Version, last)
		commitInode(t, s, "f")
		require.Greater(t, s.Current().Version, last)
		last = s.Current().Version
	}
}

func TestExtentMapRoundTripsThroughTxn(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	txn := s.Begin()
	em := &ExtentMap{Ino: 7, ExtentIDs: []string{"one", "two"}}
	require.NoError(t, txn.PutExtentMap(em))
	require.NoError(t, txn.Commit(time.Now()))

	got, err := s.LoadExtentMap(7)
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two"}, got.ExtentIDs)

	_, err = s.LoadExtentMap(8)
	require.True(t, poolerr.Is(err, poolerr.NotFound))
}

func TestMountDetectsRottenRecordBehindCommittedRoot(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ino := commitInode(t, s, "quiet")
	commitInode(t, s, "busy")

	// Rot the record nothing reads: the next mount's aggregate-state walk
	// must still catch it, even though no operation ever loads it.
	path := s.inodePath(ino)
	b, err := common.ReadFile(path)
	require.NoError(t, err)
	b = bytes.Replace(b, []byte(`"quiet"`), []byte(`"noisy"`), 1)
	require.NoError(t, common.WriteFile(path, b))

	_, err = Open(dir, time.Now())
	require.Error(t, err)
	require.True(t, poolerr.Is(err, poolerr.Checksum))
}

func TestMountDetectsStateChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ino := commitInode(t, s, "victim")

	// Remove a record out from under the committed root. Every record
	// that remains is individually valid, so only the aggregate state
	// checksum can notice the hole.
	require.NoError(t, os.Remove(s.inodePath(ino)))

	_, err := Open(dir, time.Now())
	require.Error(t, err)
	require.True(t, poolerr.Is(err, poolerr.Corruption))
}

func TestStateChecksumTracksPutsAndDeletes(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	commitInode(t, s, "a")
	afterA := s.Current().StateChecksumHex
	require.NotEmpty(t, afterA)

	b := commitInode(t, s, "b")
	afterB := s.Current().StateChecksumHex
	require.NotEqual(t, afterA, afterB)

	// Deleting b restores exactly a's aggregate: the fold is a set
	// digest, not a history digest.
	txn := s.Begin()
	txn.DeleteInode(b)
	txn.AdjustCounts(-1, 0, 0)
	require.NoError(t, txn.Commit(time.Now()))
	require.Equal(t, afterA, s.Current().StateChecksumHex)

	// And the on-disk tree still verifies against it.
	s2 := openStore(t, dir)
	require.Equal(t, afterA, s2.Current().StateChecksumHex)
}

func TestStateChecksumCoversExtentMaps(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	before := s.Current().StateChecksumHex

	txn := s.Begin()
	require.NoError(t, txn.PutExtentMap(&ExtentMap{Ino: 7, ExtentIDs: []string{"one"}}))
	require.NoError(t, txn.Commit(time.Now()))
	require.NotEqual(t, before, s.Current().StateChecksumHex)

	txn = s.Begin()
	txn.DeleteExtentMap(7)
	require.NoError(t, txn.Commit(time.Now()))
	require.Equal(t, before, s.Current().StateChecksumHex)

	openStore(t, dir) // remount verifies the fold against the tree
}

func TestTornCommitRollsBackOnMount(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ino := commitInode(t, s, "before")

	// Reproduce the torn-commit window by hand: the undo log is sealed,
	// the record is overwritten, but the new root never gets written.
	keys := []stateKey{{inodeKind, ino}}
	require.NoError(t, s.writeUndoLog(s.Current().Version+1, keys))

	rec, err := s.LoadInode(ino)
	require.NoError(t, err)
	rec.Name = "after"
	require.NoError(t, stampChecksum(rec))
	b, err := marshalJSON(rec)
	require.NoError(t, err)
	require.NoError(t, atomicfile.Write(s.inodePath(ino), b))

	// The mount replays the log, restores the pre-image, and the
	// aggregate state checksum then verifies against the old root.
	s2 := openStore(t, dir)
	got, err := s2.LoadInode(ino)
	require.NoError(t, err)
	require.Equal(t, "before", got.Name)

	_, err = os.Stat(s2.undoManifestPath())
	require.True(t, os.IsNotExist(err), "undo log must be discarded after rollback")
}

func TestUndoLogOfCompletedCommitIsDiscardedNotReplayed(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	ino := commitInode(t, s, "v1")

	preimage, err := os.ReadFile(s.inodePath(ino))
	require.NoError(t, err)

	txn := s.Begin()
	rec, err := s.LoadInode(ino)
	require.NoError(t, err)
	rec.Name = "v2"
	require.NoError(t, txn.PutInode(rec))
	require.NoError(t, txn.Commit(time.Now()))

	// Resurrect the log as if the crash hit after the root write but
	// before the discard: the manifest names a version that did become a
	// Committed root, so the next mount must keep the new state rather
	// than replaying the v1 pre-image.
	require.NoError(t, os.MkdirAll(s.undoDir(), 0755))
	require.NoError(t, atomicfile.Write(s.undoRecordPath(inodeKind, ino), preimage))
	m := undoManifest{
		Version: s.Current().Version,
		Entries: []undoEntry{{Kind: inodeKind, Ino: ino, Existed: true}},
	}
	require.NoError(t, stampChecksum(&m))
	b, err := marshalJSON(m)
	require.NoError(t, err)
	require.NoError(t, atomicfile.Write(s.undoManifestPath(), b))

	s2 := openStore(t, dir)
	got, err := s2.LoadInode(ino)
	require.NoError(t, err)
	require.Equal(t, "v2", got.Name)

	_, err = os.Stat(s2.undoManifestPath())
	require.True(t, os.IsNotExist(err), "stale undo log must be discarded")
}
