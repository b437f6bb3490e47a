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
	"time"

	"github.com/extentpool/extentpool/internal/disk"
	"github.com/extentpool/extentpool/internal/logger"
	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/google/uuid"
)

// fragmentKey is the (extent_id, index) identity a fragment file and an
// extent descriptor's placement both carry, used to set-difference the two
// for orphan detection.
type fragmentKey struct {
	ExtentID uuid.UUID
	Index    int
}

// Orphan is one fragment file on disk with no extent descriptor
// referencing it, annotated with the age used to decide whether to delete
// it yet.
type Orphan struct {
	DiskID   uuid.UUID
	ExtentID uuid.UUID
	Index    int
	Age      time.Duration
	Size     int64
}

// DetectOrphans scans every disk's fragment directory and every committed
// extent descriptor, returning every fragment present on disk that no
// descriptor's placements reference, each annotated with its current age.
// It never deletes anything; age-based deletion is CleanupOrphans' job.
func (s *Store) DetectOrphans(disks []*disk.Disk, now time.Time) ([]Orphan, error) {
	referenced, err := s.referencedFragments()
	if err != nil {
		return nil, err
	}

	var orphans []Orphan
	for _, d := range disks {
		refs, err := d.ListFragments()
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			key := fragmentKey{ExtentID: ref.ExtentID, Index: ref.Index}
			if referenced[key] {
				continue
			}
			orphans = append(orphans, Orphan{
				DiskID:   d.ID(),
				ExtentID: ref.ExtentID,
				Index:    ref.Index,
				Age:      now.Sub(ref.ModTime),
				Size:     ref.Size,
			})
		}
	}
	return orphans, nil
}

// referencedFragments loads every extent descriptor and returns the set of
// (extent_id, index) pairs its placements cover.
func (s *Store) referencedFragments() (map[fragmentKey]bool, error) {
	ids, err := s.ListExtentIDs()
	if err != nil {
		return nil, err
	}

	referenced := make(map[fragmentKey]bool)
	for _, id := range ids {
		d, err := s.LoadExtent(id)
		if err != nil {
			if poolerr.Is(err, poolerr.Corruption) || poolerr.Is(err, poolerr.Checksum) {
				logger.Warnf("metadata.detect_orphans: skipping unreadable extent %s: %v", id, err)
				continue
			}
			return nil, err
		}
		for _, p := range d.Placements {
			referenced[fragmentKey{ExtentID: d.ID, Index: p.Index}] = true
		}
	}
	return referenced, nil
}

// diskByID finds disks's entry matching id, used to resolve a detected
// Orphan back to the Disk that must delete it.
func diskByID(disks []*disk.Disk, id uuid.UUID) *disk.Disk {
	for _, d := range disks {
		if d.ID() == id {
			return d
		}
	}
	return nil
}

// CleanupOrphans detects orphans exactly as DetectOrphans does, then
// deletes every orphan whose age is >= minAge. With dryRun, it reports
// without deleting anything: CleanupOrphans(dryRun=true) then
// CleanupOrphans(dryRun=false) delete exactly the same set modulo fragments
// that transitioned from orphan to referenced in the interval. It returns
// the orphans it would delete (or
// did delete).
func (s *Store) CleanupOrphans(disks []*disk.Disk, minAge time.Duration, now time.Time, dryRun bool) ([]Orphan, error) {
	all, err := s.DetectOrphans(disks, now)
	if err != nil {
		return nil, err
	}

	var eligible []Orphan
	for _, o := range all {
		if o.Age >= minAge {
			eligible = append(eligible, o)
		}
	}

	if dryRun {
		return eligible, nil
	}

	for _, o := range eligible {
		d := diskByID(disks, o.DiskID)
		if d == nil {
			continue
		}
		if err := d.DeleteFragment(o.ExtentID, o.Index); err != nil {
			logger.Warnf("metadata.cleanup_orphans: delete %s-%d on disk %s: %v", o.ExtentID, o.Index, o.DiskID, err)
			continue
		}
		logger.Infof("metadata.cleanup_orphans: deleted orphan fragment %s-%d from disk %s (age %s)", o.ExtentID, o.Index, o.DiskID, o.Age)
	}
	return eligible, nil
}
