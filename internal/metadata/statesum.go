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
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/extentpool/extentpool/internal/poolerr"
	"golang.org/x/crypto/blake2b"
)

// The root's aggregate state checksum is an XOR fold of one digest per
// live inode and extent-map record. XOR makes the fold order-independent
// and incrementally updatable: a commit XORs out the digests of the
// records it replaces or deletes and XORs in the digests of the records
// it writes, without rescanning the tree. Mount recovery recomputes the
// fold from scratch — loading (and thereby checksum-verifying) every
// record — and refuses the root if the two disagree, so a record that
// rotted behind a Committed root is caught even if nothing ever reads it.

const (
	inodeKind     = "inode"
	extentMapKind = "extent_map"
)

// stateKey identifies one record's contribution to the aggregate fold.
type stateKey struct {
	kind string
	ino  uint64
}

// recordDigest is one record's contribution: a hash binding the record's
// identity to its own content checksum, so moving a checksum between
// records cannot cancel out.
func recordDigest(k stateKey, checksumHex string) [32]byte {
	return blake2b.Sum256([]byte(k.kind + "/" + strconv.FormatUint(k.ino, 10) + "/" + checksumHex))
}

func xorInto(fold *[32]byte, d [32]byte) {
	for i := range fold {
		fold[i] ^= d[i]
	}
}

// foldFromHex decodes a persisted state checksum. The empty string decodes
// to the zero fold (an empty pool).
func foldFromHex(s string) ([32]byte, error) {
	var fold [32]byte
	if s == "" {
		return fold, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(fold) {
		return fold, fmt.Errorf("malformed state checksum %q", s)
	}
	copy(fold[:], b)
	return fold, nil
}

func foldToHex(fold [32]byte) string {
	return hex.EncodeToString(fold[:])
}

// listRecordNumbers returns the numeric record names under dir, skipping
// temp files and anything else that does not parse.
func listRecordNumbers(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, poolerr.New(poolerr.IO, "metadata.list_records", err)
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// computeStateChecksum rebuilds the aggregate fold from the on-disk tree,
// loading every inode and extent-map record strictly: any record that
// fails its own checksum aborts the walk rather than being skipped.
func (s *Store) computeStateChecksum() ([32]byte, error) {
	var fold [32]byte

	inos, err := listRecordNumbers(s.inodesDir)
	if err != nil {
		return fold, err
	}
	for _, ino := range inos {
		rec, err := s.LoadInode(ino)
		if err != nil {
			return fold, err
		}
		xorInto(&fold, recordDigest(stateKey{inodeKind, ino}, rec.ChecksumHex))
	}

	maps, err := listRecordNumbers(s.extentMapsDir)
	if err != nil {
		return fold, err
	}
	for _, ino := range maps {
		rec, err := s.LoadExtentMap(ino)
		if err != nil {
			return fold, err
		}
		xorInto(&fold, recordDigest(stateKey{extentMapKind, ino}, rec.ChecksumHex))
	}

	return fold, nil
}

// verifyStateChecksum recomputes the aggregate fold and compares it with
// the given root's recorded one, the last step of mount recovery.
func (s *Store) verifyStateChecksum(root Root) error {
	fold, err := s.computeStateChecksum()
	if err != nil {
		return err
	}
	if foldToHex(fold) != root.StateChecksumHex {
		return poolerr.New(poolerr.Corruption, "metadata.verify_state",
			fmt.Errorf("aggregate state checksum mismatch for root %d", root.Version))
	}
	return nil
}

// stateFoldUpdater replays a transaction's staged puts and deletes onto
// the previous root's fold. The digest currently folded in for each
// touched record is looked up from disk once, before the commit
// overwrites it.
type stateFoldUpdater struct {
	store   *Store
	fold    [32]byte
	present map[stateKey]bool
	folded  map[stateKey][32]byte
}

func newStateFoldUpdater(store *Store, fold [32]byte) *stateFoldUpdater {
	return &stateFoldUpdater{
		store:   store,
		fold:    fold,
		present: make(map[stateKey]bool),
		folded:  make(map[stateKey][32]byte),
	}
}

// track populates k's current contribution from disk on first touch.
func (u *stateFoldUpdater) track(k stateKey) error {
	if _, ok := u.present[k]; ok {
		return nil
	}

	var checksumHex string
	var exists bool
	switch k.kind {
	case inodeKind:
		rec, err := u.store.LoadInode(k.ino)
		if err == nil {
			checksumHex, exists = rec.ChecksumHex, true
		} else if !poolerr.Is(err, poolerr.NotFound) {
			return err
		}
	case extentMapKind:
		rec, err := u.store.LoadExtentMap(k.ino)
		if err == nil {
			checksumHex, exists = rec.ChecksumHex, true
		} else if !poolerr.Is(err, poolerr.NotFound) {
			return err
		}
	}

	if exists {
		u.folded[k] = recordDigest(k, checksumHex)
	}
	u.present[k] = exists
	return nil
}

// put replaces k's contribution with the digest of the record about to be
// written.
func (u *stateFoldUpdater) put(k stateKey, checksumHex string) error {
	if err := u.track(k); err != nil {
		return err
	}
	if u.present[k] {
		xorInto(&u.fold, u.folded[k])
	}
	d := recordDigest(k, checksumHex)
	xorInto(&u.fold, d)
	u.folded[k] = d
	u.present[k] = true
	return nil
}

// delete removes k's contribution, if any.
func (u *stateFoldUpdater) delete(k stateKey) error {
	if err := u.track(k); err != nil {
		return err
	}
	if u.present[k] {
		xorInto(&u.fold, u.folded[k])
		u.present[k] = false
	}
	return nil
}
