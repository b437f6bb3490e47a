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

// Package atomicfile implements the write-temp, flush, rename,
// flush-parent-directory protocol that fragment writes, disk descriptor
// persistence, and metadata records all need identically. Centralizing it
// here means every durability bug gets fixed in one place instead of
// three.
package atomicfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// Write durably replaces path's contents with data: write path+".tmp",
// flush, rename over path, flush the parent directory. On any failure the
// temp file is removed.
func Write(path string, data []byte) (err error) {
	tmp := path + ".tmp"

	if err = writeAndFlush(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}

	if err = os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}

	return flushDir(filepath.Dir(path))
}

// WriteVerified is Write plus a read-back, byte-for-byte comparison against
// data before the rename: a write that can't be read back identically
// fails closed rather than producing a silently truncated fragment.
func WriteVerified(path string, data []byte) (err error) {
	tmp := path + ".tmp"

	if err = writeAndFlush(tmp, data); err != nil {
		os.Remove(tmp)
		return err
	}

	got, err := os.ReadFile(tmp)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("read back %s: %w", tmp, err)
	}
	if !bytes.Equal(got, data) {
		os.Remove(tmp)
		return fmt.Errorf("read-back verification failed for %s: wrote %d bytes, read back %d", tmp, len(data), len(got))
	}

	if err = os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}

	return flushDir(filepath.Dir(path))
}

func writeAndFlush(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return nil
}

func flushDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s: %w", dir, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}

// RemoveTmpFiles deletes every "*.tmp" file found anywhere under root, the
// last step of mount-time recovery.
func RemoveTmpFiles(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() && filepath.Ext(path) == ".tmp" {
			if rmErr := os.Remove(path); rmErr != nil {
				return rmErr
			}
		}
		return nil
	})
}
