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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/extentpool/extentpool/internal/atomicfile"
	"github.com/extentpool/extentpool/internal/poolerr"
)

// Record files are shared between root versions and rewritten in place, so
// a commit that crashes between its first record write and its root write
// would leave new record bytes under the old root — and the old root's
// aggregate state checksum would then (correctly, but fatally) refuse the
// mount. The undo log closes that window: before touching any record, a
// commit snapshots the pre-image of every record it will write or delete
// and seals them with a manifest naming the root version it is about to
// produce. Mount-time recovery replays the log if that version never
// became a valid Committed root, and simply discards it if it did.

const (
	undoDirName      = "undo"
	undoManifestName = "MANIFEST"
)

type undoEntry struct {
	Kind    string `json:"kind"`
	Ino     uint64 `json:"ino"`
	Existed bool   `json:"existed"`
}

type undoManifest struct {
	Version     uint64      `json:"version"`
	Entries     []undoEntry `json:"entries"`
	ChecksumHex string      `json:"checksum"`
}

func (m *undoManifest) checksumField() *string { return &m.ChecksumHex }

func (s *Store) undoDir() string          { return filepath.Join(s.dir, undoDirName) }
func (s *Store) undoManifestPath() string { return filepath.Join(s.undoDir(), undoManifestName) }

func (s *Store) undoRecordPath(kind string, ino uint64) string {
	return filepath.Join(s.undoDir(), fmt.Sprintf("%s-%d", kind, ino))
}

func (s *Store) recordPath(kind string, ino uint64) string {
	if kind == inodeKind {
		return s.inodePath(ino)
	}
	return s.extentMapPath(ino)
}

// writeUndoLog snapshots the current bytes of every record in keys, then
// writes the manifest. The manifest comes last: its presence is what makes
// the log authoritative, and atomicfile.Write guarantees it is either
// fully there or not at all.
func (s *Store) writeUndoLog(version uint64, keys []stateKey) error {
	if err := os.MkdirAll(s.undoDir(), 0755); err != nil {
		return poolerr.New(poolerr.IO, "metadata.undo", err)
	}

	m := undoManifest{Version: version}
	for _, k := range keys {
		entry := undoEntry{Kind: k.kind, Ino: k.ino}
		b, err := os.ReadFile(s.recordPath(k.kind, k.ino))
		switch {
		case err == nil:
			entry.Existed = true
			if err := atomicfile.Write(s.undoRecordPath(k.kind, k.ino), b); err != nil {
				return poolerr.New(poolerr.IO, "metadata.undo", err)
			}
		case os.IsNotExist(err):
			// Nothing to preserve; rollback will delete the record.
		default:
			return poolerr.New(poolerr.IO, "metadata.undo", err)
		}
		m.Entries = append(m.Entries, entry)
	}

	if err := stampChecksum(&m); err != nil {
		return poolerr.New(poolerr.IO, "metadata.undo", err)
	}
	b, err := marshalJSON(m)
	if err != nil {
		return poolerr.New(poolerr.IO, "metadata.undo", err)
	}
	if err := atomicfile.Write(s.undoManifestPath(), b); err != nil {
		return poolerr.New(poolerr.IO, "metadata.undo", err)
	}
	return nil
}

// discardUndoLog removes the manifest first — the point after which the
// log can never replay — then the pre-images, best effort.
func (s *Store) discardUndoLog() {
	_ = os.Remove(s.undoManifestPath())
	entries, err := os.ReadDir(s.undoDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		_ = os.Remove(filepath.Join(s.undoDir(), e.Name()))
	}
}

// rollbackTornCommit restores the pre-images of a commit that crashed
// between its first record write and its root write. If the manifest's
// root version did make it to disk as a valid Committed root, the commit
// actually completed and the log is only discarded.
func (s *Store) rollbackTornCommit() error {
	b, err := os.ReadFile(s.undoManifestPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return poolerr.New(poolerr.IO, "metadata.rollback", err)
	}

	var m undoManifest
	if err := unmarshalJSON(b, &m); err != nil {
		return poolerr.New(poolerr.Corruption, "metadata.rollback", err)
	}
	if err := verifyChecksum(&m); err != nil {
		return err
	}

	if root, err := s.loadRootFile(m.Version); err == nil && root.State == Committed {
		s.discardUndoLog()
		return nil
	}

	for _, e := range m.Entries {
		target := s.recordPath(e.Kind, e.Ino)
		if !e.Existed {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return poolerr.New(poolerr.IO, "metadata.rollback", err)
			}
			continue
		}
		img, err := os.ReadFile(s.undoRecordPath(e.Kind, e.Ino))
		if err != nil {
			return poolerr.New(poolerr.Corruption, "metadata.rollback", err)
		}
		if err := atomicfile.Write(target, img); err != nil {
			return poolerr.New(poolerr.IO, "metadata.rollback", err)
		}
	}

	s.discardUndoLog()
	return nil
}
