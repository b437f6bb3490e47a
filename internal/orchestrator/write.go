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
	"github.com/extentpool/extentpool/internal/extent"
	"github.com/extentpool/extentpool/internal/metadata"
	"github.com/extentpool/extentpool/internal/placement"
	"github.com/extentpool/extentpool/internal/poolerr"
)

// WriteFile splits data into extents, encodes and places each one's
// fragments, then commits one transaction covering the inode and its
// extent map. Only whole-file replacement (offset 0) is supported; partial
// overwrites are out of scope.
func (e *Engine) WriteFile(ino uint64, data []byte, offset int64) (err error) {
	defer func() { e.recordOp(common.OpWriteFile, err) }()

	if offset != 0 {
		return poolerr.New(poolerr.Unsupported, "write_file", fmt.Errorf("non-zero offset not supported"))
	}

	inode, err := e.store.LoadInode(ino)
	if err != nil {
		return err
	}
	if inode.Type != metadata.FileInode {
		return poolerr.New(poolerr.Unsupported, "write_file", fmt.Errorf("inode %d is not a file", ino))
	}

	oldMap, err := e.store.LoadExtentMap(ino)
	if err != nil && !poolerr.Is(err, poolerr.NotFound) {
		return err
	}

	chunks := splitChunks(data, e.cfg.ExtentSizeBytes)
	extentIDs := make([]string, 0, len(chunks))

	for _, chunk := range chunks {
		d, err := e.writeExtent(chunk)
		if err != nil {
			return err
		}
		extentIDs = append(extentIDs, d.ID.String())
	}

	oldSize := int64(inode.Size)
	newSize := int64(len(data))
	extentDelta := int64(len(extentIDs)) - oldExtentCount(oldMap)

	// Runs through the group-commit coordinator rather than
	// a direct Begin/Commit: this write's root bump can share one commit
	// with other writes landing in the same window.
	err = e.commits.Submit(func(txn *metadata.Txn) error {
		now := e.now()

		em := &metadata.ExtentMap{Ino: ino, ExtentIDs: extentIDs}
		if err := txn.PutExtentMap(em); err != nil {
			return err
		}

		inode.Size = uint64(newSize)
		inode.Mtime = now
		inode.Ctime = now
		if err := txn.PutInode(inode); err != nil {
			return err
		}

		txn.AdjustCounts(0, extentDelta, newSize-oldSize)
		return nil
	})
	if err != nil {
		return err
	}

	if oldMap != nil {
		for _, idStr := range oldMap.ExtentIDs {
			id, err := parseExtentID(idStr)
			if err != nil {
				continue
			}
			_ = e.store.DeleteExtent(id)
		}
	}

	return nil
}

func oldExtentCount(m *metadata.ExtentMap) int64 {
	if m == nil {
		return 0
	}
	return int64(len(m.ExtentIDs))
}

// writeExtent encodes chunk under the pool's initial policy, places its
// fragments on distinct Healthy disks, and persists the resulting
// descriptor. It does not touch the inode or extent map; the caller
// sequences those into its own transaction.
func (e *Engine) writeExtent(chunk []byte) (*extent.Descriptor, error) {
	policy := e.initialPolicy(len(chunk))

	fragments, err := codec.Encode(chunk, policy)
	if err != nil {
		return nil, err
	}

	fragmentSize := int64(0)
	if len(fragments) > 0 {
		fragmentSize = int64(len(fragments[0]))
	}
	targets, err := placement.SelectDisks(e.All(), policy.FragmentCount(), fragmentSize, nil, e.placer)
	if err != nil {
		return nil, err
	}

	d := extent.New(chunk, policy)
	d.RecordWrite(e.now())

	err = e.locks.WithLock(d.ID, func() error {
		placements, err := placement.WriteFragments(context.Background(), targets, d.ID, 0, fragments)
		if err != nil {
			return err
		}
		d.Placements = placements
		return e.store.SaveExtent(d)
	})
	if err != nil {
		return nil, err
	}

	return d, nil
}

// initialPolicy picks a chunk's starting redundancy scheme: erasure coding
// for chunks at or above the configured size threshold, replication
// otherwise.
func (e *Engine) initialPolicy(size int) codec.Policy {
	if int64(size) >= e.cfg.Redundancy.ECSizeThresholdBytes {
		return codec.NewErasureCoding(e.cfg.Redundancy.DataShards, e.cfg.Redundancy.ParityShards)
	}
	return codec.NewReplication(e.cfg.Redundancy.ReplicationFactor)
}

// splitChunks divides data into sequential chunks of at most size bytes
// each. An empty input yields zero chunks (an empty file has an empty
// extent map).
func splitChunks(data []byte, size int64) [][]byte {
	if size <= 0 {
		size = 1 << 20
	}
	var chunks [][]byte
	for int64(len(data)) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		chunks = append(chunks, data)
	}
	return chunks
}
