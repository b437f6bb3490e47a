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
	"context"
	"fmt"

	"github.com/extentpool/extentpool/common"
	"github.com/extentpool/extentpool/internal/codec"
	"github.com/extentpool/extentpool/internal/logger"
	"github.com/extentpool/extentpool/internal/metadata"
	"github.com/extentpool/extentpool/internal/placement"
	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/google/uuid"
)

// maxGenerationRetries bounds the optimistic-read retry loop: a concurrent
// rebuild or rebundle bumps an extent's generation mid-read, and the reader
// must re-snapshot rather than return torn data.
const maxGenerationRetries = 3

func parseExtentID(s string) (uuid.UUID, error) { return uuid.Parse(s) }

// ReadFile resolves the inode's extent map, decodes every extent
// overlapping [offset, offset+length), and splices the result. Partially
// overlapping extents are fully decoded then sliced,
// since the extent boundary, not the caller's range, is the unit of
// redundancy.
func (e *Engine) ReadFile(ino uint64, offset, length int64) (data []byte, err error) {
	defer func() { e.recordOp(common.OpReadFile, err) }()

	inode, err := e.store.LoadInode(ino)
	if err != nil {
		return nil, err
	}
	if inode.Type != metadata.FileInode {
		return nil, poolerr.New(poolerr.Unsupported, "read_file", fmt.Errorf("inode %d is not a file", ino))
	}

	em, err := e.store.LoadExtentMap(ino)
	if err != nil {
		if poolerr.Is(err, poolerr.NotFound) {
			return nil, nil
		}
		return nil, err
	}

	extentSize := e.cfg.ExtentSizeBytes
	if extentSize <= 0 {
		extentSize = 1 << 20
	}

	var out []byte
	remaining := length
	pos := offset

	for i, idStr := range em.ExtentIDs {
		extentStart := int64(i) * extentSize
		extentEnd := extentStart + extentSize
		if remaining <= 0 || pos >= extentEnd {
			continue
		}
		if pos+remaining <= extentStart {
			break
		}

		id, err := parseExtentID(idStr)
		if err != nil {
			return nil, poolerr.New(poolerr.Corruption, "read_file", err)
		}

		payload, err := e.readExtentWithRetry(id)
		if err != nil {
			return nil, err
		}

		localStart := int64(0)
		if pos > extentStart {
			localStart = pos - extentStart
		}
		localEnd := int64(len(payload))
		if pos+remaining < extentEnd {
			want := pos + remaining - extentStart
			if want < localEnd {
				localEnd = want
			}
		}
		if localStart < localEnd && localStart < int64(len(payload)) {
			if localEnd > int64(len(payload)) {
				localEnd = int64(len(payload))
			}
			out = append(out, payload[localStart:localEnd]...)
			remaining -= localEnd - localStart
			pos += localEnd - localStart
		}
	}

	return out, nil
}

// readExtentWithRetry decodes one extent's current payload, repairing or
// retrying: when decode or the content checksum fails, a generation change
// since the snapshot (meaning a concurrent rebuild/rebundle touched the
// extent) re-snapshots and retries, and otherwise a rebuild is attempted
// under the stripe lock before the next attempt. Generations are compared
// only after such a failure; a decode whose content checksum matches is
// returned without a generation check.
func (e *Engine) readExtentWithRetry(id uuid.UUID) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < maxGenerationRetries; attempt++ {
		payload, gen, err := e.readExtentOnce(id)
		if err == nil {
			return payload, nil
		}
		lastErr = err

		if !poolerr.Is(err, poolerr.Checksum) && !poolerr.Is(err, poolerr.InsufficientRedundancy) {
			return nil, err
		}

		d, loadErr := e.store.LoadExtent(id)
		if loadErr != nil {
			return nil, loadErr
		}
		if d.Generation != gen {
			continue // concurrent mutation; re-snapshot and retry
		}

		rebuildErr := e.locks.WithLock(id, func() error {
			cur, err := e.store.LoadExtent(id)
			if err != nil {
				return err
			}
			return placement.RebuildExtent(context.Background(), e.store, cur, e, e.placer)
		})
		if rebuildErr != nil {
			return nil, rebuildErr
		}
	}
	return nil, lastErr
}

// readExtentOnce reads, decodes and verifies extent id exactly once,
// returning the generation observed at load time so the caller can detect
// a concurrent mutation.
func (e *Engine) readExtentOnce(id uuid.UUID) ([]byte, uint64, error) {
	d, err := e.store.LoadExtent(id)
	if err != nil {
		return nil, 0, err
	}
	gen := d.Generation

	fragments := placement.ReadFragments(d.Placements, d.ID, e, d.FragmentCount())
	payload, err := codec.Decode(fragments, d.Policy, d.PayloadSize)
	if err != nil {
		return nil, gen, poolerr.New(poolerr.InsufficientRedundancy, "read_file", err)
	}
	if !d.VerifyChecksum(payload) {
		return nil, gen, poolerr.New(poolerr.Checksum, "read_file", fmt.Errorf("extent %s content checksum mismatch", id))
	}

	// The read succeeded, but any fragment that failed to come back means
	// the extent is running on reduced redundancy: schedule a targeted
	// rebuild off the reply path.
	missing := 0
	for _, f := range fragments {
		if f == nil {
			missing++
		}
	}
	if missing > 0 || len(d.Placements) < d.FragmentCount() {
		e.enqueueRebuild(d.ID)
	}

	// Persist the access under the extent's stripe lock against the
	// freshest descriptor, not the snapshot this read decoded from: a
	// rebuild or rebundle may have replaced policy and placements since,
	// and saving the snapshot back would resurrect them.
	now := e.now()
	statsErr := e.locks.WithLock(id, func() error {
		cur, err := e.store.LoadExtent(id)
		if err != nil {
			return err
		}
		cur.RecordRead(now)
		e.class.Update(&cur.Stats, now)
		if err := e.store.SaveExtent(cur); err != nil {
			return err
		}
		if cur.ShouldMigrate() {
			e.enqueueMigration(cur.ID)
		}
		return nil
	})
	if statsErr != nil {
		logger.Warnf("read_file: persisting access stats for extent %s: %v", id, statsErr)
	}

	return payload, gen, nil
}
