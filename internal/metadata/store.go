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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/extentpool/extentpool/common"
	"github.com/extentpool/extentpool/internal/atomicfile"
	"github.com/extentpool/extentpool/internal/extent"
	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/google/uuid"
)

const (
	rootsDirName       = "roots"
	currentPointerName = "current"
	inodesDirName      = "inodes"
	extentMapsDirName  = "extent_maps"
	extentsDirName     = "extents"
)

// Store implements atomic, checksummed persistence of every non-payload
// record and the version-root recovery protocol. It is the
// pool's single logical writer; concurrent callers serialize through mu,
// matching a single-logical-writer coordination model. Readers of
// already-committed records take no lock at all (file reads are
// independent of mu; a Txn only ever observes a fully committed tree).
type Store struct {
	dir           string
	rootsDir      string
	inodesDir     string
	extentMapsDir string
	extentsDir    string

	mu      sync.Mutex
	current Root
}

// Open mounts the metadata tree rooted at dir, creating the directory
// layout on first use and running mount-time recovery otherwise:
// trust "current" if it resolves to a valid Committed root, else fall back
// to the highest-versioned valid root found by scanning, else refuse to
// mount. Leftover "*.tmp" files anywhere in the tree are removed, a torn
// commit's undo log is replayed, and the adopted root's aggregate state
// checksum is verified against every record on disk.
func Open(dir string, now time.Time) (*Store, error) {
	s := &Store{
		dir:           dir,
		rootsDir:      filepath.Join(dir, rootsDirName),
		inodesDir:     filepath.Join(dir, inodesDirName),
		extentMapsDir: filepath.Join(dir, extentMapsDirName),
		extentsDir:    filepath.Join(dir, extentsDirName),
	}

	for _, d := range []string{s.rootsDir, s.inodesDir, s.extentMapsDir, s.extentsDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, poolerr.New(poolerr.IO, "metadata.open", err)
		}
	}

	if err := atomicfile.RemoveTmpFiles(dir); err != nil {
		return nil, poolerr.New(poolerr.IO, "metadata.open", err)
	}

	// A commit that crashed between its record writes and its root write
	// left an undo log behind; replay it before anything trusts the tree.
	if err := s.rollbackTornCommit(); err != nil {
		return nil, err
	}

	root, fresh, err := s.recover()
	if err != nil {
		return nil, err
	}
	s.current = root

	if fresh {
		genesis := Root{
			Version:          1,
			Timestamp:        now,
			NextInode:        1,
			State:            Committed,
			StateChecksumHex: foldToHex([32]byte{}), // empty pool
		}
		if err := stampChecksum(&genesis); err != nil {
			return nil, poolerr.New(poolerr.IO, "metadata.open", err)
		}
		if err := s.writeRootFile(genesis); err != nil {
			return nil, err
		}
		if err := s.setCurrentPointer(genesis.Version); err != nil {
			return nil, err
		}
		s.current = genesis
	}

	// The adopted root's self-checksum already verified; now verify its
	// aggregate state checksum against the full on-disk record set, so a
	// record that rotted since the last mount is caught here rather than
	// whenever something first happens to load it.
	if err := s.verifyStateChecksum(s.current); err != nil {
		return nil, err
	}

	return s, nil
}

// recover implements the mount-time recovery steps. fresh is true when the
// pool directory is empty (no roots at all yet): the only case where a
// missing current root is not an error.
func (s *Store) recover() (Root, bool, error) {
	if version, ok := s.readCurrentPointer(); ok {
		if root, err := s.loadRootFile(version); err == nil && root.State == Committed {
			return root, false, nil
		}
	}

	versions, err := s.listRootVersions()
	if err != nil {
		return Root{}, false, err
	}
	if len(versions) == 0 {
		return Root{}, true, nil
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i] > versions[j] })
	for _, v := range versions {
		root, err := s.loadRootFile(v)
		if err == nil && root.State == Committed {
			_ = s.setCurrentPointer(root.Version) // best-effort re-point
			return root, false, nil
		}
	}

	return Root{}, false, poolerr.New(poolerr.Corruption, "metadata.recover",
		fmt.Errorf("no committed, self-consistent root found under %s", s.rootsDir))
}

func (s *Store) listRootVersions() ([]uint64, error) {
	entries, err := os.ReadDir(s.rootsDir)
	if err != nil {
		return nil, poolerr.New(poolerr.IO, "metadata.list_roots", err)
	}
	var versions []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "root.") {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimPrefix(e.Name(), "root."), 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func (s *Store) rootPath(version uint64) string {
	return filepath.Join(s.rootsDir, fmt.Sprintf("root.%d", version))
}

func (s *Store) readCurrentPointer() (uint64, bool) {
	b, err := os.ReadFile(filepath.Join(s.rootsDir, currentPointerName))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Store) setCurrentPointer(version uint64) error {
	return atomicfile.Write(filepath.Join(s.rootsDir, currentPointerName), []byte(strconv.FormatUint(version, 10)))
}

func (s *Store) loadRootFile(version uint64) (Root, error) {
	b, err := common.ReadFile(s.rootPath(version))
	if err != nil {
		return Root{}, poolerr.New(poolerr.IO, "metadata.load_root", err)
	}
	var r Root
	if err := unmarshalJSON(b, &r); err != nil {
		return Root{}, poolerr.New(poolerr.Corruption, "metadata.load_root", err)
	}
	if err := verifyChecksum(&r); err != nil {
		return Root{}, err
	}
	return r, nil
}

func (s *Store) writeRootFile(r Root) error {
	b, err := marshalJSON(r)
	if err != nil {
		return poolerr.New(poolerr.IO, "metadata.save_root", err)
	}
	if err := atomicfile.Write(s.rootPath(r.Version), b); err != nil {
		return poolerr.New(poolerr.IO, "metadata.save_root", err)
	}
	return nil
}

// Current returns the pool's last-committed root.
func (s *Store) Current() Root {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

/////////////////////////
// Inode persistence
/////////////////////////

func (s *Store) inodePath(ino uint64) string {
	return filepath.Join(s.inodesDir, strconv.FormatUint(ino, 10))
}

// LoadInode reads and verifies inode ino's record.
func (s *Store) LoadInode(ino uint64) (*Inode, error) {
	b, err := common.ReadFile(s.inodePath(ino))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, poolerr.New(poolerr.NotFound, "metadata.load_inode", err)
		}
		return nil, poolerr.New(poolerr.IO, "metadata.load_inode", err)
	}
	var rec Inode
	if err := unmarshalJSON(b, &rec); err != nil {
		return nil, poolerr.New(poolerr.Corruption, "metadata.load_inode", err)
	}
	if err := verifyChecksum(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListInodes returns every inode record currently on disk. The namespace
// layer uses this to resolve directory lookups and listings; there is no
// separate directory-entry index, since the namespace is small enough not
// to warrant one.
func (s *Store) ListInodes() ([]*Inode, error) {
	entries, err := os.ReadDir(s.inodesDir)
	if err != nil {
		return nil, poolerr.New(poolerr.IO, "metadata.list_inodes", err)
	}
	inodes := make([]*Inode, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		ino, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		rec, err := s.LoadInode(ino)
		if err != nil {
			continue
		}
		inodes = append(inodes, rec)
	}
	return inodes, nil
}

/////////////////////////
// Extent-map persistence
/////////////////////////

func (s *Store) extentMapPath(ino uint64) string {
	return filepath.Join(s.extentMapsDir, strconv.FormatUint(ino, 10))
}

// LoadExtentMap reads and verifies ino's extent map. A file-inode with no
// data yet (empty file) legitimately has no extent-map file; callers treat
// NotFound as "zero extents".
func (s *Store) LoadExtentMap(ino uint64) (*ExtentMap, error) {
	b, err := common.ReadFile(s.extentMapPath(ino))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, poolerr.New(poolerr.NotFound, "metadata.load_extent_map", err)
		}
		return nil, poolerr.New(poolerr.IO, "metadata.load_extent_map", err)
	}
	var rec ExtentMap
	if err := unmarshalJSON(b, &rec); err != nil {
		return nil, poolerr.New(poolerr.Corruption, "metadata.load_extent_map", err)
	}
	if err := verifyChecksum(&rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

/////////////////////////
// Extent-descriptor persistence
/////////////////////////

func (s *Store) extentPath(id uuid.UUID) string {
	return filepath.Join(s.extentsDir, id.String())
}

// LoadExtent reads and verifies extent id's descriptor.
func (s *Store) LoadExtent(id uuid.UUID) (*extent.Descriptor, error) {
	b, err := common.ReadFile(s.extentPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, poolerr.New(poolerr.NotFound, "metadata.load_extent", err)
		}
		return nil, poolerr.New(poolerr.IO, "metadata.load_extent", err)
	}
	var rec extentRecord
	if err := unmarshalJSON(b, &rec); err != nil {
		return nil, poolerr.New(poolerr.Corruption, "metadata.load_extent", err)
	}
	if err := verifyChecksum(&rec); err != nil {
		return nil, err
	}
	return fromExtentRecord(&rec)
}

// SaveExtent persists d's descriptor directly, outside of a Txn's root
// bump. The placement engine uses this for rebuild/rebundle placement
// updates, which change an extent's own record but do not by themselves
// move the pool to a new root version.
func (s *Store) SaveExtent(d *extent.Descriptor) error {
	rec := toExtentRecord(d)
	if err := stampChecksum(rec); err != nil {
		return poolerr.New(poolerr.IO, "metadata.save_extent", err)
	}
	b, err := marshalJSON(rec)
	if err != nil {
		return poolerr.New(poolerr.IO, "metadata.save_extent", err)
	}
	if err := atomicfile.Write(s.extentPath(d.ID), b); err != nil {
		return poolerr.New(poolerr.IO, "metadata.save_extent", err)
	}
	return nil
}

// DeleteExtent removes extent id's descriptor file. Only called once no
// extent-map references the extent; removing fragments themselves is orphan GC's job, not this
// call's.
func (s *Store) DeleteExtent(id uuid.UUID) error {
	if err := os.Remove(s.extentPath(id)); err != nil && !os.IsNotExist(err) {
		return poolerr.New(poolerr.IO, "metadata.delete_extent", err)
	}
	return nil
}

// ListExtentIDs returns every extent descriptor currently on disk, used by
// orphan detection to build the "referenced" set.
func (s *Store) ListExtentIDs() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.extentsDir)
	if err != nil {
		return nil, poolerr.New(poolerr.IO, "metadata.list_extents", err)
	}
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func marshalJSON(v any) ([]byte, error)   { return json.MarshalIndent(v, "", "  ") }
func unmarshalJSON(b []byte, v any) error { return json.Unmarshal(b, v) }
