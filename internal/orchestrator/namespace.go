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

package orchestrator

import (
	"fmt"

	"github.com/extentpool/extentpool/common"
	"github.com/extentpool/extentpool/internal/metadata"
	"github.com/extentpool/extentpool/internal/poolerr"
)

// RootIno is the fixed inode number of the pool's root directory, created
// on first mount.
const RootIno uint64 = 1

// Extended-attribute size limits: keys up to 255 bytes, values up to
// 64 KiB.
const (
	MaxXattrKeyLen   = 255
	MaxXattrValueLen = 64 << 10
)

// ensureRootInode creates the root directory inode on first mount. It is a
// no-op on every subsequent mount.
func (e *Engine) ensureRootInode() error {
	if _, err := e.store.LoadInode(RootIno); err == nil {
		return nil
	} else if !poolerr.Is(err, poolerr.NotFound) {
		return err
	}

	txn := e.store.Begin()
	now := e.now()
	root := &metadata.Inode{
		Ino:       RootIno,
		ParentIno: 0,
		Type:      metadata.DirInode,
		Name:      "/",
		Mode:      0755,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
	}
	if err := txn.PutInode(root); err != nil {
		return err
	}
	// Reserve inode number 1 in the allocator so a later create_file/mkdir
	// is never handed RootIno.
	_ = txn.NextInode()
	txn.AdjustCounts(1, 0, 0)
	return txn.Commit(now)
}

// Lookup resolves name within directory parentIno. There is no separate
// directory-entry index, so this scans every inode; fine at small-directory
// namespace scale.
func (e *Engine) Lookup(parentIno uint64, name string) (found *metadata.Inode, err error) {
	defer func() { e.recordOp(common.OpLookup, err) }()

	inodes, err := e.store.ListInodes()
	if err != nil {
		return nil, err
	}
	for _, ino := range inodes {
		if ino.ParentIno == parentIno && ino.Name == name {
			return ino, nil
		}
	}
	return nil, poolerr.New(poolerr.NotFound, "lookup", fmt.Errorf("%q in directory %d", name, parentIno))
}

// Readdir lists every inode whose parent is parentIno.
func (e *Engine) Readdir(parentIno uint64) (children []*metadata.Inode, err error) {
	defer func() { e.recordOp(common.OpReaddir, err) }()

	inodes, err := e.store.ListInodes()
	if err != nil {
		return nil, err
	}
	for _, ino := range inodes {
		if ino.ParentIno == parentIno {
			children = append(children, ino)
		}
	}
	return children, nil
}

// Getattr returns inode ino's current metadata record.
func (e *Engine) Getattr(ino uint64) (rec *metadata.Inode, err error) {
	defer func() { e.recordOp(common.OpGetattr, err) }()
	return e.store.LoadInode(ino)
}

// CreateFile allocates a new, empty file inode named name under parentIno.
func (e *Engine) CreateFile(parentIno uint64, name string, mode uint32, uid, gid uint32) (rec *metadata.Inode, err error) {
	defer func() { e.recordOp(common.OpCreateFile, err) }()
	return e.createInode(parentIno, name, metadata.FileInode, mode, uid, gid)
}

// Mkdir allocates a new, empty directory inode named name under parentIno.
func (e *Engine) Mkdir(parentIno uint64, name string, mode uint32, uid, gid uint32) (rec *metadata.Inode, err error) {
	defer func() { e.recordOp(common.OpMkdir, err) }()
	return e.createInode(parentIno, name, metadata.DirInode, mode, uid, gid)
}

func (e *Engine) createInode(parentIno uint64, name string, typ metadata.InodeType, mode uint32, uid, gid uint32) (*metadata.Inode, error) {
	if _, err := e.Lookup(parentIno, name); err == nil {
		return nil, poolerr.New(poolerr.Conflict, "create_inode", fmt.Errorf("%q already exists in directory %d", name, parentIno))
	}

	txn := e.store.Begin()
	now := e.now()
	ino := &metadata.Inode{
		Ino:       txn.NextInode(),
		ParentIno: parentIno,
		Type:      typ,
		Name:      name,
		Mode:      mode,
		UID:       uid,
		GID:       gid,
		Atime:     now,
		Mtime:     now,
		Ctime:     now,
	}
	if err := txn.PutInode(ino); err != nil {
		return nil, err
	}
	txn.AdjustCounts(1, 0, 0)
	if err := txn.Commit(now); err != nil {
		return nil, err
	}
	return ino, nil
}

// Unlink removes a file inode and its extent map. The extents themselves
// are deleted from the metadata store once no longer referenced; their
// fragments become orphans for GC to reclaim.
func (e *Engine) Unlink(parentIno uint64, name string) (err error) {
	defer func() { e.recordOp(common.OpUnlink, err) }()

	ino, err := e.Lookup(parentIno, name)
	if err != nil {
		return err
	}
	if ino.Type != metadata.FileInode {
		return poolerr.New(poolerr.Unsupported, "unlink", fmt.Errorf("%q is not a file", name))
	}

	em, err := e.store.LoadExtentMap(ino.Ino)
	if err != nil && !poolerr.Is(err, poolerr.NotFound) {
		return err
	}

	txn := e.store.Begin()
	now := e.now()
	txn.DeleteInode(ino.Ino)
	if em != nil {
		txn.DeleteExtentMap(ino.Ino)
	}
	txn.AdjustCounts(-1, -oldExtentCount(em), -int64(ino.Size))
	if err := txn.Commit(now); err != nil {
		return err
	}

	if em != nil {
		for _, idStr := range em.ExtentIDs {
			id, err := parseExtentID(idStr)
			if err != nil {
				continue
			}
			_ = e.store.DeleteExtent(id)
		}
	}
	return nil
}

// Rmdir removes an empty directory inode.
func (e *Engine) Rmdir(parentIno uint64, name string) (err error) {
	defer func() { e.recordOp(common.OpRmdir, err) }()

	ino, err := e.Lookup(parentIno, name)
	if err != nil {
		return err
	}
	if ino.Type != metadata.DirInode {
		return poolerr.New(poolerr.Unsupported, "rmdir", fmt.Errorf("%q is not a directory", name))
	}

	children, err := e.Readdir(ino.Ino)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		return poolerr.New(poolerr.Conflict, "rmdir", fmt.Errorf("directory %q not empty", name))
	}

	txn := e.store.Begin()
	now := e.now()
	txn.DeleteInode(ino.Ino)
	txn.AdjustCounts(-1, 0, 0)
	return txn.Commit(now)
}

// Rename moves or renames an inode. It does not support replacing an
// existing destination; the caller must unlink the destination first if one
// exists.
func (e *Engine) Rename(oldParentIno uint64, oldName string, newParentIno uint64, newName string) (err error) {
	defer func() { e.recordOp(common.OpRename, err) }()

	ino, err := e.Lookup(oldParentIno, oldName)
	if err != nil {
		return err
	}
	if _, err := e.Lookup(newParentIno, newName); err == nil {
		return poolerr.New(poolerr.Conflict, "rename", fmt.Errorf("%q already exists in directory %d", newName, newParentIno))
	}

	ino.ParentIno = newParentIno
	ino.Name = newName
	ino.Ctime = e.now()

	txn := e.store.Begin()
	now := e.now()
	if err := txn.PutInode(ino); err != nil {
		return err
	}
	return txn.Commit(now)
}

// Setattr applies a partial attribute update to inode ino. A nil pointer
// field leaves that attribute unchanged.
func (e *Engine) Setattr(ino uint64, mode, uid, gid *uint32) (rec *metadata.Inode, err error) {
	defer func() { e.recordOp(common.OpSetattr, err) }()

	rec, err = e.store.LoadInode(ino)
	if err != nil {
		return nil, err
	}
	if mode != nil {
		rec.Mode = *mode
	}
	if uid != nil {
		rec.UID = *uid
	}
	if gid != nil {
		rec.GID = *gid
	}
	rec.Ctime = e.now()

	txn := e.store.Begin()
	now := e.now()
	if err := txn.PutInode(rec); err != nil {
		return nil, err
	}
	if err := txn.Commit(now); err != nil {
		return nil, err
	}
	return rec, nil
}

// SetXattr, GetXattr, ListXattr and RemoveXattr implement the
// extended-attribute ops directly against the inode record's Xattrs map.
func (e *Engine) SetXattr(ino uint64, name string, value []byte) (err error) {
	defer func() { e.recordOp(common.OpSetxattr, err) }()

	if len(name) > MaxXattrKeyLen {
		return poolerr.New(poolerr.Unsupported, "set_xattr", fmt.Errorf("attribute name longer than %d bytes", MaxXattrKeyLen))
	}
	if len(value) > MaxXattrValueLen {
		return poolerr.New(poolerr.Unsupported, "set_xattr", fmt.Errorf("attribute value longer than %d bytes", MaxXattrValueLen))
	}

	rec, err := e.store.LoadInode(ino)
	if err != nil {
		return err
	}
	if rec.Xattrs == nil {
		rec.Xattrs = make(map[string][]byte)
	}
	rec.Xattrs[name] = value
	rec.Ctime = e.now()

	txn := e.store.Begin()
	now := e.now()
	if err := txn.PutInode(rec); err != nil {
		return err
	}
	return txn.Commit(now)
}

func (e *Engine) GetXattr(ino uint64, name string) (value []byte, err error) {
	defer func() { e.recordOp(common.OpGetxattr, err) }()

	rec, err := e.store.LoadInode(ino)
	if err != nil {
		return nil, err
	}
	v, ok := rec.Xattrs[name]
	if !ok {
		return nil, poolerr.New(poolerr.NotFound, "get_xattr", fmt.Errorf("attribute %q", name))
	}
	return v, nil
}

func (e *Engine) ListXattr(ino uint64) (names []string, err error) {
	defer func() { e.recordOp(common.OpListxattr, err) }()

	rec, err := e.store.LoadInode(ino)
	if err != nil {
		return nil, err
	}
	names = make([]string, 0, len(rec.Xattrs))
	for n := range rec.Xattrs {
		names = append(names, n)
	}
	return names, nil
}

// SetACL replaces inode ino's access-control list wholesale; GetACL reads
// it back. Enforcement is the POSIX surface's job; the core only persists
// the list alongside the inode's other attributes.
func (e *Engine) SetACL(ino uint64, entries []metadata.ACLEntry) error {
	rec, err := e.store.LoadInode(ino)
	if err != nil {
		return err
	}
	rec.ACLs = entries
	rec.Ctime = e.now()

	txn := e.store.Begin()
	now := e.now()
	if err := txn.PutInode(rec); err != nil {
		return err
	}
	return txn.Commit(now)
}

func (e *Engine) GetACL(ino uint64) ([]metadata.ACLEntry, error) {
	rec, err := e.store.LoadInode(ino)
	if err != nil {
		return nil, err
	}
	return rec.ACLs, nil
}

func (e *Engine) RemoveXattr(ino uint64, name string) (err error) {
	defer func() { e.recordOp(common.OpRemovexattr, err) }()

	rec, err := e.store.LoadInode(ino)
	if err != nil {
		return err
	}
	if _, ok := rec.Xattrs[name]; !ok {
		return poolerr.New(poolerr.NotFound, "remove_xattr", fmt.Errorf("attribute %q", name))
	}
	delete(rec.Xattrs, name)
	rec.Ctime = e.now()

	txn := e.store.Begin()
	now := e.now()
	if err := txn.PutInode(rec); err != nil {
		return err
	}
	return txn.Commit(now)
}
