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

// Package orchestrator implements the write/read pipelines, lazy migration,
// lazy rebuild, and the concurrency coordination that ties internal/disk,
// internal/codec, internal/extent, internal/metadata, internal/placement
// and internal/classifier together behind a single-process API.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/extentpool/extentpool/cfg"
	"github.com/extentpool/extentpool/clock"
	"github.com/extentpool/extentpool/common"
	"github.com/extentpool/extentpool/internal/classifier"
	"github.com/extentpool/extentpool/internal/disk"
	"github.com/extentpool/extentpool/internal/lock"
	"github.com/extentpool/extentpool/internal/logger"
	"github.com/extentpool/extentpool/internal/metadata"
	"github.com/extentpool/extentpool/internal/placement"
	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/extentpool/extentpool/internal/scrub"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const disksDirName = "disks"

// Engine is the storage core's top-level object: it owns the disk list,
// the metadata store, the classifier, and the per-extent lock table.
type Engine struct {
	cfg   cfg.PoolConfig
	clock clock.Clock

	poolDir string
	store    *metadata.Store
	commits  *metadata.CommitCoordinator
	locks    *lock.Table
	class    *classifier.Classifier
	scrubber *scrub.Scrubber
	placer   *placement.TieBreaker

	disksMu sync.RWMutex
	disks   map[uuid.UUID]*disk.Disk

	metrics opsCounter

	jobs     chan backgroundJob
	jobsDone chan struct{}
}

// opsCounter implements common.OpsMetricHandle over plain in-process maps;
// metrics_snapshot reads them back, and whatever export transport the
// operator runs is outside the core.
type opsCounter struct {
	mu     sync.Mutex
	counts map[string]int64
	errors map[string]int64
}

func (c *opsCounter) OpsCount(_ context.Context, op string, inc int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int64)
	}
	c.counts[op] += inc
}

func (c *opsCounter) OpsErrorCount(_ context.Context, op string, inc int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errors == nil {
		c.errors = make(map[string]int64)
	}
	c.errors[op] += inc
}

func (c *opsCounter) snapshot() (counts, errors map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts = make(map[string]int64, len(c.counts))
	for op, n := range c.counts {
		counts[op] = n
	}
	errors = make(map[string]int64, len(c.errors))
	for op, n := range c.errors {
		errors[op] = n
	}
	return counts, errors
}

// recordOp counts one completed operation against the engine's metric
// handle, tagging failures separately.
func (e *Engine) recordOp(op string, err error) {
	ctx := context.Background()
	e.metrics.OpsCount(ctx, op, 1)
	if err != nil {
		e.metrics.OpsErrorCount(ctx, op, 1)
	}
}

// statically assert opsCounter satisfies the metric surface the snapshot
// op consumes.
var _ common.OpsMetricHandle = (*opsCounter)(nil)

// OpenPool mounts the pool at poolDir: the metadata tree under
// poolDir/metadata (running its recovery protocol) and every disk
// directory already registered under poolDir/disks. New disks are attached
// afterward via AddDisk.
func OpenPool(poolDir string, config cfg.PoolConfig) (*Engine, error) {
	return openPool(poolDir, config, clock.RealClock{})
}

// openPool is OpenPool with an injectable clock, used by tests that need
// deterministic access-stats timestamps.
func openPool(poolDir string, config cfg.PoolConfig, clk clock.Clock) (*Engine, error) {
	if err := cfg.ValidateConfig(&config); err != nil {
		return nil, poolerr.New(poolerr.Unsupported, "open_pool", err)
	}

	store, err := metadata.Open(filepath.Join(poolDir, "metadata"), clk.Now())
	if err != nil {
		return nil, err
	}

	class, err := classifier.New(config.Classifier)
	if err != nil {
		return nil, poolerr.New(poolerr.Unsupported, "open_pool", err)
	}

	groupCommitWindow, err := time.ParseDuration(config.Locking.GroupCommitWindow)
	if err != nil {
		return nil, poolerr.New(poolerr.Unsupported, "open_pool", err)
	}

	e := &Engine{
		cfg:     config,
		clock:   clk,
		poolDir: poolDir,
		store:   store,
		locks:   lock.New(config.Locking.Stripes),
		class:   class,
		placer:  placement.NewTieBreaker(),
		disks:   make(map[uuid.UUID]*disk.Disk),
	}
	e.scrubber = scrub.New(store, e, clk, e.placer, e.locks)
	e.commits = metadata.NewCommitCoordinator(store, clk, groupCommitWindow, config.Locking.GroupCommitBatch)

	disksDir := filepath.Join(poolDir, disksDirName)
	if err := os.MkdirAll(disksDir, 0755); err != nil {
		return nil, poolerr.New(poolerr.IO, "open_pool", err)
	}
	entries, err := os.ReadDir(disksDir)
	if err != nil {
		return nil, poolerr.New(poolerr.IO, "open_pool", err)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		d, err := disk.Open(filepath.Join(disksDir, ent.Name()), 0, config.Disk, false)
		if err != nil {
			logger.Warnf("open_pool: skipping disk directory %s: %v", ent.Name(), err)
			continue
		}
		e.disks[d.ID()] = d
	}

	e.startBackground()
	e.lazyMountRecovery()

	if err := e.ensureRootInode(); err != nil {
		e.Close()
		return nil, err
	}

	return e, nil
}

// Disk implements placement.Index.
func (e *Engine) Disk(id uuid.UUID) (*disk.Disk, bool) {
	e.disksMu.RLock()
	defer e.disksMu.RUnlock()
	d, ok := e.disks[id]
	return d, ok
}

// All implements placement.Index.
func (e *Engine) All() []*disk.Disk {
	e.disksMu.RLock()
	defer e.disksMu.RUnlock()
	out := make([]*disk.Disk, 0, len(e.disks))
	for _, d := range e.disks {
		out = append(out, d)
	}
	return out
}

// AddDisk attaches a new disk directory to the pool, initializing a fresh
// descriptor if none exists yet.
func (e *Engine) AddDisk(name string, capacityBytes int64) (id uuid.UUID, err error) {
	defer func() { e.recordOp(common.OpAddDisk, err) }()

	dir := filepath.Join(e.poolDir, disksDirName, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return uuid.UUID{}, poolerr.New(poolerr.IO, "add_disk", err)
	}

	d, err := disk.Open(dir, capacityBytes, e.cfg.Disk, true)
	if err != nil {
		return uuid.UUID{}, err
	}

	e.disksMu.Lock()
	e.disks[d.ID()] = d
	e.disksMu.Unlock()

	return d.ID(), nil
}

// RemoveDisk begins draining id. The drain completion itself is
// driven by ProbeDisks observing no more references; this call
// only starts the sequence.
func (e *Engine) RemoveDisk(id uuid.UUID) (err error) {
	defer func() { e.recordOp(common.OpRemoveDisk, err) }()

	d, ok := e.Disk(id)
	if !ok {
		return poolerr.New(poolerr.NotFound, "remove_disk", fmt.Errorf("disk %s", id))
	}
	return d.MarkDraining()
}

// SetDiskHealth forces disk id into the given health state.
func (e *Engine) SetDiskHealth(id uuid.UUID, state disk.HealthState) (err error) {
	defer func() { e.recordOp(common.OpSetDiskHealth, err) }()

	d, ok := e.Disk(id)
	if !ok {
		return poolerr.New(poolerr.NotFound, "set_disk_health", fmt.Errorf("disk %s", id))
	}
	return d.SetHealth(state)
}

// ProbeDisks drives the Healthy -> Suspect -> Degraded probe sequence and
// completes any Draining disk whose drain condition (no extent
// still places a fragment there) now holds. probe reports, per disk, nil
// for a healthy probe or an error to count as a consecutive failure. Disks
// are probed concurrently via errgroup, since a probe is typically an I/O
// round trip and the disks are independent of one another; failures is
// guarded by a mutex rather than assumed single-threaded.
func (e *Engine) ProbeDisks(probe func(*disk.Disk) error, consecutiveFailureThreshold int, failures map[uuid.UUID]int) (err error) {
	defer func() { e.recordOp(common.OpProbeDisks, err) }()

	if probe == nil {
		// The default probe is a usage rescan: one real I/O round trip
		// through the disk's directory that also refreshes the free-space
		// figure placement sorts by.
		probe = func(d *disk.Disk) error { return d.UpdateUsage() }
	}

	disks := e.All()
	var mu sync.Mutex
	var g errgroup.Group

	for _, d := range disks {
		d := d
		g.Go(func() error {
			probeErr := probe(d)

			mu.Lock()
			defer mu.Unlock()

			if probeErr != nil {
				failures[d.ID()]++
				switch d.Health() {
				case disk.Healthy:
					if failures[d.ID()] >= consecutiveFailureThreshold {
						_ = d.SetHealth(disk.Suspect)
					}
				case disk.Suspect:
					_ = d.SetHealth(disk.Degraded)
				}
				return nil
			}
			failures[d.ID()] = 0

			if d.Health() == disk.Draining {
				referenced, err := e.diskStillReferenced(d.ID())
				if err != nil {
					return err
				}
				if !referenced {
					_ = d.SetHealth(disk.Failed)
				}
			}
			return nil
		})
	}

	return g.Wait()
}

func (e *Engine) diskStillReferenced(id uuid.UUID) (bool, error) {
	ids, err := e.store.ListExtentIDs()
	if err != nil {
		return false, err
	}
	for _, extentID := range ids {
		d, err := e.store.LoadExtent(extentID)
		if err != nil {
			continue
		}
		for _, p := range d.Placements {
			if p.DiskID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

// lazyMountRecovery scans every extent descriptor at mount time and
// enqueues a background rebuild for any that is missing placements or
// still carries the Rebuilding marker; whether enough fragments remain to
// rebuild is left to the rebuild job.
func (e *Engine) lazyMountRecovery() {
	ids, err := e.store.ListExtentIDs()
	if err != nil {
		logger.Warnf("lazy_mount_recovery: listing extents: %v", err)
		return
	}
	for _, id := range ids {
		d, err := e.store.LoadExtent(id)
		if err != nil {
			logger.Warnf("lazy_mount_recovery: loading extent %s: %v", id, err)
			continue
		}
		if len(d.Placements) < d.FragmentCount() || d.Rebuilding {
			// Persist the in-progress marker before enqueueing, so a
			// crash mid-rebuild re-enqueues deterministically on the
			// next mount.
			d.Rebuilding = true
			if err := e.store.SaveExtent(d); err != nil {
				logger.Warnf("lazy_mount_recovery: marking extent %s rebuilding: %v", d.ID, err)
			}
			e.enqueueRebuild(d.ID)
		}
	}
}

// now is a small helper so call sites read e.now() instead of e.clock.Now().
func (e *Engine) now() time.Time { return e.clock.Now() }
