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

// Package disk is the only primitive that produces or consumes fragment
// bytes: a typed wrapper over one disk's directory, with a
// durable write-temp/verify/rename/flush-parent protocol and a bounded
// per-disk worker pool for backpressure.
package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/extentpool/extentpool/cfg"
	"github.com/extentpool/extentpool/internal/atomicfile"
	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/extentpool/extentpool/internal/workerpool"
	"github.com/google/uuid"
)

const fragmentsDirName = "fragments"

// Disk wraps one disk directory: its descriptor file, fragment directory,
// and a bounded worker pool used for every fragment read/write.
type Disk struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	pool *workerpool.Pool

	/////////////////////////
	// Constant data
	/////////////////////////

	id             uuid.UUID
	dir            string
	fragDir        string
	descriptorPath string
	reserveBytes   int64

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu            sync.RWMutex
	capacityBytes int64
	usedBytes     int64
	health        HealthState
	tier          Tier

	loadCounter int64 // atomic; in-flight fragment I/O operations
}

// Open loads dir's disk descriptor, creating one (with a fresh identifier)
// if allowInit is true and none exists. Leftover "*.tmp" fragment files
// from a crash mid-write are removed on mount: they are never current.
func Open(dir string, capacityBytes int64, diskCfg cfg.DiskConfig, allowInit bool) (*Disk, error) {
	descriptorPath := filepath.Join(dir, descriptorFileName)
	fragDir := filepath.Join(dir, fragmentsDirName)

	var rec descriptorRecord
	data, err := os.ReadFile(descriptorPath)
	switch {
	case err == nil:
		rec, err = unmarshalDescriptor(data)
		if err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		if !allowInit {
			return nil, poolerr.New(poolerr.NotFound, "open_disk", fmt.Errorf("no descriptor at %s", descriptorPath))
		}
		rec = descriptorRecord{
			ID:            uuid.NewString(),
			CapacityBytes: capacityBytes,
			UsedBytes:     0,
			Health:        Healthy,
			Tier:          TierWarm,
		}
	default:
		return nil, poolerr.New(poolerr.IO, "open_disk", err)
	}

	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return nil, poolerr.New(poolerr.Corruption, "open_disk", fmt.Errorf("invalid disk id %q: %w", rec.ID, err))
	}

	if err := os.MkdirAll(fragDir, 0755); err != nil {
		return nil, poolerr.New(poolerr.IO, "open_disk", err)
	}
	if err := atomicfile.RemoveTmpFiles(fragDir); err != nil {
		return nil, poolerr.New(poolerr.IO, "open_disk", err)
	}

	pool, err := workerpool.NewStaticWorkerPoolWithQueueDepth(diskCfg.PriorityWorkers, diskCfg.NormalWorkers, diskCfg.QueueDepth)
	if err != nil {
		return nil, poolerr.New(poolerr.IO, "open_disk", err)
	}

	d := &Disk{
		pool:           pool,
		id:             id,
		dir:            dir,
		fragDir:        fragDir,
		descriptorPath: descriptorPath,
		reserveBytes:   diskCfg.ReserveBytes,
		capacityBytes:  rec.CapacityBytes,
		usedBytes:      rec.UsedBytes,
		health:         rec.Health,
		tier:           rec.Tier,
	}

	if err := d.saveDescriptor(); err != nil {
		pool.Stop()
		return nil, err
	}

	return d, nil
}

// Stop shuts down the disk's worker pool. Call once, when the disk is
// removed from the pool or the process is shutting down.
func (d *Disk) Stop() {
	d.pool.Stop()
}

func (d *Disk) ID() uuid.UUID { return d.id }

func (d *Disk) fragmentPath(extentID uuid.UUID, index int) string {
	return filepath.Join(d.fragDir, fmt.Sprintf("%s-%d", extentID, index))
}

// run executes fn on the disk's worker pool, tracking it in the disk's I/O
// load counter, and rejects with an IO error carrying a retry-after
// intent when the relevant queue is already full.
func (d *Disk) run(priority bool, fn func() error) error {
	atomic.AddInt64(&d.loadCounter, 1)
	defer atomic.AddInt64(&d.loadCounter, -1)

	resultCh := make(chan error, 1)
	task := func() { resultCh <- fn() }

	var submitted bool
	if priority {
		submitted = d.pool.TrySubmitPriority(task)
	} else {
		submitted = d.pool.TrySubmit(task)
	}
	if !submitted {
		return poolerr.New(poolerr.IO, "disk.run", fmt.Errorf("disk %s queue full, retry later", d.id))
	}
	return <-resultCh
}

// WriteFragment durably writes a fragment: write+flush temp, read back and
// verify, rename, flush parent directory.
func (d *Disk) WriteFragment(extentID uuid.UUID, index int, payload []byte, priority bool) error {
	path := d.fragmentPath(extentID, index)
	return d.run(priority, func() error {
		if err := atomicfile.WriteVerified(path, payload); err != nil {
			return poolerr.New(poolerr.IO, "write_fragment", err)
		}
		return nil
	})
}

// ReadFragment reads a fragment's bytes directly from its final path.
func (d *Disk) ReadFragment(extentID uuid.UUID, index int, priority bool) ([]byte, error) {
	path := d.fragmentPath(extentID, index)

	var data []byte
	err := d.run(priority, func() error {
		b, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return poolerr.New(poolerr.NotFound, "read_fragment", err)
			}
			return poolerr.New(poolerr.IO, "read_fragment", err)
		}
		data = b
		return nil
	})
	return data, err
}

// DeleteFragment unlinks a fragment's final path. Missing is success.
func (d *Disk) DeleteFragment(extentID uuid.UUID, index int) error {
	path := d.fragmentPath(extentID, index)
	return d.run(false, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return poolerr.New(poolerr.IO, "delete_fragment", err)
		}
		return nil
	})
}

// FragmentRef identifies one fragment file found on disk by a directory
// scan, along with its modification time, used by orphan detection to
// apply the orphan age threshold.
type FragmentRef struct {
	ExtentID uuid.UUID
	Index    int
	ModTime  time.Time
	Size     int64
}

// ListFragments scans the disk's fragment directory and returns every
// fragment file found, parsed back into (extent_id, index) pairs. ".tmp"
// files are never current and are skipped (mount-time recovery already
// removes leftover ones, but a scan running concurrently with a crash could
// still see one).
func (d *Disk) ListFragments() ([]FragmentRef, error) {
	entries, err := os.ReadDir(d.fragDir)
	if err != nil {
		return nil, poolerr.New(poolerr.IO, "list_fragments", err)
	}

	refs := make([]FragmentRef, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		extentID, index, ok := parseFragmentName(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		refs = append(refs, FragmentRef{ExtentID: extentID, Index: index, ModTime: info.ModTime(), Size: info.Size()})
	}
	return refs, nil
}

func parseFragmentName(name string) (uuid.UUID, int, bool) {
	i := strings.LastIndexByte(name, '-')
	if i < 0 {
		return uuid.UUID{}, 0, false
	}
	id, err := uuid.Parse(name[:i])
	if err != nil {
		return uuid.UUID{}, 0, false
	}
	index, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return uuid.UUID{}, 0, false
	}
	return id, index, true
}

// UpdateUsage rescans the fragment directory and refreshes advertised used
// bytes, persisting the new descriptor.
func (d *Disk) UpdateUsage() error {
	entries, err := os.ReadDir(d.fragDir)
	if err != nil {
		return poolerr.New(poolerr.IO, "update_usage", err)
	}

	var used int64
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		used += info.Size()
	}

	d.mu.Lock()
	d.usedBytes = used
	d.mu.Unlock()

	return d.saveDescriptor()
}

// HasSpace conservatively checks n bytes against capacity minus used minus
// the configured reserve.
func (d *Disk) HasSpace(n int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	free := d.capacityBytes - d.usedBytes - d.reserveBytes
	return free >= n
}

// FreeBytes returns the disk's free space, used by placement's
// free-space-descending sort.
func (d *Disk) FreeBytes() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.capacityBytes - d.usedBytes
}

// LoadCounter returns the number of fragment operations currently in
// flight, used by placement's load-ascending tiebreak.
func (d *Disk) LoadCounter() int64 {
	return atomic.LoadInt64(&d.loadCounter)
}

func (d *Disk) Health() HealthState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Disk) Tier() Tier {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tier
}

// SetHealth transitions the disk to state, persisting immediately.
func (d *Disk) SetHealth(state HealthState) error {
	d.mu.Lock()
	d.health = state
	d.mu.Unlock()
	return d.saveDescriptor()
}

// MarkDraining begins the remove-disk drain sequence.
func (d *Disk) MarkDraining() error { return d.SetHealth(Draining) }

// MarkFailed marks the disk unselectable for reads or writes.
func (d *Disk) MarkFailed() error { return d.SetHealth(Failed) }

func (d *Disk) saveDescriptor() error {
	d.mu.RLock()
	rec := descriptorRecord{
		ID:            d.id.String(),
		CapacityBytes: d.capacityBytes,
		UsedBytes:     d.usedBytes,
		Health:        d.health,
		Tier:          d.tier,
	}
	d.mu.RUnlock()

	return saveDescriptorFile(d.descriptorPath, rec)
}
