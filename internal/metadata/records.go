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

// Package metadata implements atomic, checksummed persistence of every
// non-payload record (roots, inodes, extent maps, extent descriptors) and
// deterministic mount-time recovery.
package metadata

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/extentpool/extentpool/internal/poolerr"
	"golang.org/x/crypto/blake2b"
)

// RootState is a metadata root's commit status.
type RootState string

const (
	Pending   RootState = "pending"
	Committed RootState = "committed"
)

// Root is the pool's top-level generation marker. It carries two distinct
// checksums: StateChecksumHex aggregates every live inode and extent-map
// record (see statesum.go), while ChecksumHex is the root record's own
// self-checksum like every other record type's.
type Root struct {
	Version          uint64    `json:"version"`
	Timestamp        time.Time `json:"timestamp"`
	NextInode        uint64    `json:"next_inode"`
	InodeCount       uint64    `json:"inode_count"`
	ExtentCount      uint64    `json:"extent_count"`
	ByteCount        uint64    `json:"byte_count"`
	State            RootState `json:"state"`
	StateChecksumHex string    `json:"state_checksum"`
	ChecksumHex      string    `json:"checksum"`
}

// InodeType distinguishes files from directories.
type InodeType string

const (
	FileInode InodeType = "file"
	DirInode  InodeType = "dir"
)

// ACLEntry is one access-control entry attached to an inode, kept as an
// ordered list so the record round-trips deterministically.
type ACLEntry struct {
	Qualifier string `json:"qualifier"` // e.g. "user:1000" or "group:ops"
	Perms     string `json:"perms"`     // e.g. "rwx", "r--"
}

// Inode is one filesystem object's metadata.
type Inode struct {
	Ino         uint64            `json:"ino"`
	ParentIno   uint64            `json:"parent_ino"`
	Type        InodeType         `json:"type"`
	Name        string            `json:"name"`
	Size        uint64            `json:"size"`
	Atime       time.Time         `json:"atime"`
	Mtime       time.Time         `json:"mtime"`
	Ctime       time.Time         `json:"ctime"`
	UID         uint32            `json:"uid"`
	GID         uint32            `json:"gid"`
	Mode        uint32            `json:"mode"`
	Xattrs      map[string][]byte `json:"xattrs,omitempty"`
	ACLs        []ACLEntry        `json:"acls,omitempty"`
	ChecksumHex string            `json:"checksum"`
}

// ExtentMap is the ordered sequence of extent identifiers making up one
// file-inode's content.
type ExtentMap struct {
	Ino         uint64   `json:"ino"`
	ExtentIDs   []string `json:"extent_ids"`
	ChecksumHex string   `json:"checksum"`
}

// checksummed is implemented by every on-disk record type so
// checksum/verify can be written once generically.
type checksummed interface {
	checksumField() *string
}

func (r *Root) checksumField() *string     { return &r.ChecksumHex }
func (i *Inode) checksumField() *string     { return &i.ChecksumHex }
func (m *ExtentMap) checksumField() *string { return &m.ChecksumHex }

// canonicalChecksum computes a blake2b-256 checksum over rec's canonical
// JSON encoding with the checksum field blanked: a 32-byte content
// checksum over a canonical byte serialization of all other fields.
func canonicalChecksum(rec checksummed) ([32]byte, error) {
	saved := *rec.checksumField()
	*rec.checksumField() = ""
	defer func() { *rec.checksumField() = saved }()

	b, err := json.Marshal(rec)
	if err != nil {
		return [32]byte{}, err
	}
	return blake2b.Sum256(b), nil
}

func stampChecksum(rec checksummed) error {
	sum, err := canonicalChecksum(rec)
	if err != nil {
		return err
	}
	*rec.checksumField() = hex.EncodeToString(sum[:])
	return nil
}

func verifyChecksum(rec checksummed) error {
	want := *rec.checksumField()
	sum, err := canonicalChecksum(rec)
	if err != nil {
		return poolerr.New(poolerr.Corruption, "verify_checksum", err)
	}
	got := hex.EncodeToString(sum[:])
	if want != got {
		return poolerr.New(poolerr.Checksum, "verify_checksum", nil)
	}
	return nil
}
