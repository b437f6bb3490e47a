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

	"github.com/extentpool/extentpool/common"
	"github.com/extentpool/extentpool/internal/codec"
	"github.com/extentpool/extentpool/internal/extent"
	"github.com/extentpool/extentpool/internal/logger"
	"github.com/extentpool/extentpool/internal/placement"
	"github.com/google/uuid"
)

// decodeForMigration decodes d's current fragments into its logical
// payload so RebundleExtent can re-encode them under a new policy.
func decodeForMigration(d *extent.Descriptor, fragments [][]byte) ([]byte, error) {
	return codec.Decode(fragments, d.Policy, d.PayloadSize)
}

// backgroundJobKind tags what a queued background request should do once
// drained: lazy rebuild and lazy migration are both triggered by a
// foreground read/write noticing a problem, but run off the critical path.
type backgroundJobKind int

const (
	jobRebuild backgroundJobKind = iota
	jobMigrate
)

type backgroundJob struct {
	kind backgroundJobKind
	id   uuid.UUID
}

// backgroundQueueDepth bounds how many lazy rebuild/migration requests can
// be outstanding before enqueue silently drops one; a dropped request is
// not lost forever, since the next read of the same extent re-triggers it.
const backgroundQueueDepth = 1024

// startBackground launches the single goroutine that drains e.jobs. It is
// started once, in OpenPool, and runs until e.jobs is closed by Close.
func (e *Engine) startBackground() {
	e.jobs = make(chan backgroundJob, backgroundQueueDepth)
	e.jobsDone = make(chan struct{})
	go func() {
		defer close(e.jobsDone)
		for job := range e.jobs {
			e.runBackgroundJob(job)
		}
	}()
}

// runBackgroundJob executes one lazy rebuild or migration under the
// extent's stripe lock, loading the descriptor inside the critical section
// so the job always acts on the freshest placements.
func (e *Engine) runBackgroundJob(job backgroundJob) {
	err := e.locks.WithLock(job.id, func() error {
		d, err := e.store.LoadExtent(job.id)
		if err != nil {
			return err
		}
		e.runBackgroundJobLocked(job, d)
		return nil
	})
	if err != nil {
		logger.Warnf("background: loading extent %s: %v", job.id, err)
	}
}

func (e *Engine) runBackgroundJobLocked(job backgroundJob, d *extent.Descriptor) {
	switch job.kind {
	case jobRebuild:
		// RebuildExtent is a no-op when every fragment is still readable
		// (a racing foreground rebuild may have repaired the extent
		// first), so it is always safe to attempt; it decides for itself
		// whether anything is actually missing.
		if err := placement.RebuildExtent(context.Background(), e.store, d, e, e.placer); err != nil {
			logger.Warnf("background: rebuilding extent %s: %v", job.id, err)
			return
		}
		if d.Rebuilding {
			// Nothing was missing, so RebuildExtent didn't persist; clear
			// a marker that survived a crash mid-rebuild.
			d.Rebuilding = false
			if err := e.store.SaveExtent(d); err != nil {
				logger.Warnf("background: clearing rebuild marker on extent %s: %v", d.ID, err)
			}
		}
	case jobMigrate:
		if !d.ShouldMigrate() {
			return
		}
		fragments := placement.ReadFragments(d.Placements, d.ID, e, d.FragmentCount())
		payload, err := decodeForMigration(d, fragments)
		if err != nil {
			logger.Warnf("background: decoding extent %s for migration: %v", job.id, err)
			return
		}
		newPolicy := d.RecommendedPolicy()
		if err := placement.RebundleExtent(context.Background(), e.store, d, payload, newPolicy, e, e.placer); err != nil {
			logger.Warnf("background: rebundling extent %s: %v", job.id, err)
		}
	}
}

// enqueueRebuild requests a background rebuild of extent id, dropping the
// request rather than blocking a foreground caller if the queue is full.
func (e *Engine) enqueueRebuild(id uuid.UUID) {
	select {
	case e.jobs <- backgroundJob{kind: jobRebuild, id: id}:
	default:
		logger.Warnf("background: rebuild queue full, dropping request for extent %s", id)
	}
}

// enqueueMigration requests a background rebundle of extent id onto its
// recommended policy.
func (e *Engine) enqueueMigration(id uuid.UUID) {
	select {
	case e.jobs <- backgroundJob{kind: jobMigrate, id: id}:
	default:
		logger.Warnf("background: migration queue full, dropping request for extent %s", id)
	}
}

// Close drains the background job goroutine and stops every disk's worker
// pool, in that order: a background rebuild still in flight needs disk
// workers alive until it finishes. Call it when the pool is unmounted; a
// later call returns without doing anything.
func (e *Engine) Close() {
	select {
	case <-e.jobsDone:
		return
	default:
	}
	shutdown := common.JoinShutdownFunc(
		func(context.Context) error {
			close(e.jobs)
			<-e.jobsDone
			return nil
		},
		func(context.Context) error {
			for _, d := range e.All() {
				d.Stop()
			}
			return nil
		},
	)
	if err := shutdown(context.Background()); err != nil {
		logger.Warnf("close: %v", err)
	}
}
