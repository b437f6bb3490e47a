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
	"strconv"
	"time"

	"github.com/extentpool/extentpool/common"
	"github.com/extentpool/extentpool/internal/codec"
	"github.com/extentpool/extentpool/internal/disk"
	"github.com/extentpool/extentpool/internal/extent"
	"github.com/extentpool/extentpool/internal/metadata"
	"github.com/extentpool/extentpool/internal/placement"
	"github.com/extentpool/extentpool/internal/scrub"
	"github.com/google/uuid"
)

// Scrub runs one scrub pass at the given intensity, verifying every extent
// in the pool and, when repair is set, rebuilding what fails verification.
func (e *Engine) Scrub(ctx context.Context, intensity scrub.Intensity, repair bool) (report scrub.Report, err error) {
	defer func() { e.recordOp(common.OpScrub, err) }()
	return e.scrubber.Run(ctx, intensity, repair)
}

// DetectOrphans reports every fragment file no extent descriptor
// references, without deleting anything.
func (e *Engine) DetectOrphans() (orphans []metadata.Orphan, err error) {
	defer func() { e.recordOp(common.OpDetectOrphans, err) }()
	return e.store.DetectOrphans(e.All(), e.now())
}

// CleanupOrphans deletes every orphan at least minAge old, or just reports
// them when dryRun is set.
func (e *Engine) CleanupOrphans(minAge time.Duration, dryRun bool) (orphans []metadata.Orphan, err error) {
	defer func() { e.recordOp(common.OpCleanupOrphans, err) }()
	return e.store.CleanupOrphans(e.All(), minAge, e.now(), dryRun)
}

// PolicyStatus reports an extent's current redundancy policy, generation,
// and whether it is due for migration.
type PolicyStatus struct {
	ExtentID       string
	Policy         string
	Generation     uint64
	Rebuilding     bool
	ShouldMigrate  bool
	Recommended    string
	PlacementCount int
}

func (e *Engine) PolicyStatus(extentID string) (status PolicyStatus, err error) {
	defer func() { e.recordOp(common.OpPolicyStatus, err) }()

	id, err := parseExtentID(extentID)
	if err != nil {
		return PolicyStatus{}, err
	}
	d, err := e.store.LoadExtent(id)
	if err != nil {
		return PolicyStatus{}, err
	}
	return PolicyStatus{
		ExtentID:       extentID,
		Policy:         d.Policy.String(),
		Generation:     d.Generation,
		Rebuilding:     d.Rebuilding,
		ShouldMigrate:  d.ShouldMigrate(),
		Recommended:    d.RecommendedPolicy().String(),
		PlacementCount: len(d.Placements),
	}, nil
}

// ChangePolicy immediately re-encodes extent extentID under newPolicy,
// bypassing the classifier's own migration recommendation.
func (e *Engine) ChangePolicy(extentID string, newPolicy codec.Policy) (err error) {
	defer func() { e.recordOp(common.OpChangePolicy, err) }()

	id, err := parseExtentID(extentID)
	if err != nil {
		return err
	}

	return e.locks.WithLock(id, func() error {
		d, err := e.store.LoadExtent(id)
		if err != nil {
			return err
		}

		fragments := placement.ReadFragments(d.Placements, d.ID, e, d.FragmentCount())
		payload, err := decodeForMigration(d, fragments)
		if err != nil {
			return err
		}

		return placement.RebundleExtent(context.Background(), e.store, d, payload, newPolicy, e, e.placer)
	})
}

// Status is the pool-wide summary the status op returns.
type Status struct {
	RootVersion uint64
	InodeCount  uint64
	ExtentCount uint64
	ByteCount   uint64
	DiskCount   int
}

func (e *Engine) Status() Status {
	e.recordOp(common.OpStatus, nil)
	root := e.store.Current()
	return Status{
		RootVersion: root.Version,
		InodeCount:  root.InodeCount,
		ExtentCount: root.ExtentCount,
		ByteCount:   root.ByteCount,
		DiskCount:   len(e.All()),
	}
}

// DiskHealthSummary is one disk's health, used by Health's pool-wide view.
type DiskHealthSummary struct {
	DiskID uuid.UUID
	Health disk.HealthState
	Tier   disk.Tier
	Free   int64
	Load   int64
}

// Health reports every disk's current health state.
func (e *Engine) Health() []DiskHealthSummary {
	e.recordOp(common.OpHealth, nil)
	disks := e.All()
	out := make([]DiskHealthSummary, len(disks))
	for i, d := range disks {
		out[i] = DiskHealthSummary{
			DiskID: d.ID(),
			Health: d.Health(),
			Tier:   d.Tier(),
			Free:   d.FreeBytes(),
			Load:   d.LoadCounter(),
		}
	}
	return out
}

// MetricsSnapshot is a point-in-time view of classifier and redundancy
// posture across the pool: an in-process snapshot an operator can poll,
// distinct from a metrics exporter.
type MetricsSnapshot struct {
	TotalExtents      int
	HotExtents        int
	WarmExtents       int
	ColdExtents       int
	DegradedExtents   int
	PendingMigrations int

	// Per-operation counters since mount, keyed by the common.Op* names,
	// plus the pool-level labels an export layer would attach to them.
	OpCounts      map[string]int64
	OpErrorCounts map[string]int64
	Labels        []common.MetricAttr
}

func (e *Engine) MetricsSnapshot() (snap MetricsSnapshot, err error) {
	defer func() { e.recordOp(common.OpMetricsSnapshot, err) }()

	ids, err := e.store.ListExtentIDs()
	if err != nil {
		return MetricsSnapshot{}, err
	}

	var m MetricsSnapshot
	for _, id := range ids {
		d, err := e.store.LoadExtent(id)
		if err != nil {
			continue
		}
		m.TotalExtents++
		switch d.Stats.Belief {
		case extent.Hot:
			m.HotExtents++
		case extent.Cold:
			m.ColdExtents++
		default:
			m.WarmExtents++
		}
		if len(d.Placements) < d.FragmentCount() {
			m.DegradedExtents++
		}
		if d.ShouldMigrate() {
			m.PendingMigrations++
		}
	}

	m.OpCounts, m.OpErrorCounts = e.metrics.snapshot()
	m.Labels = []common.MetricAttr{
		{Key: "pool_dir", Value: e.poolDir},
		{Key: "root_version", Value: strconv.FormatUint(e.store.Current().Version, 10)},
	}
	return m, nil
}
