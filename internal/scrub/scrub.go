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

// Package scrub implements a background sweep that reads every extent's
// fragments, verifies them against the descriptor's content checksum, and
// repairs what it finds broken via
// internal/placement's rebuild driver. Repair is conservative: it never
// overwrites a fragment that still verifies, and it never deletes a
// fragment before its replacement is durably committed (the same ordering
// internal/placement.RebundleExtent already gives rebuild/rebundle).
package scrub

import (
	"context"
	"time"

	"github.com/extentpool/extentpool/clock"
	"github.com/extentpool/extentpool/internal/codec"
	"github.com/extentpool/extentpool/internal/extent"
	"github.com/extentpool/extentpool/internal/lock"
	"github.com/extentpool/extentpool/internal/logger"
	"github.com/extentpool/extentpool/internal/metadata"
	"github.com/extentpool/extentpool/internal/placement"
	"github.com/google/uuid"
)

// Intensity selects a scrub pass's batch size and inter-batch pause: a
// lighter intensity spreads the same sweep over more wall-clock time so it
// competes less with foreground I/O.
type Intensity int

const (
	Light Intensity = iota
	Normal
	Aggressive
)

// preset is one intensity's (batch size, inter-batch delay) pair.
type preset struct {
	batchSize int
	delay     time.Duration
}

var presets = map[Intensity]preset{
	Light:      {batchSize: 4, delay: 500 * time.Millisecond},
	Normal:     {batchSize: 16, delay: 100 * time.Millisecond},
	Aggressive: {batchSize: 64, delay: 0},
}

// Report summarizes one scrub pass.
type Report struct {
	Scanned  int
	Healthy  int
	Repaired int
	Failed   int
}

// Scrubber verifies and repairs extents at a configurable intensity.
type Scrubber struct {
	store  *metadata.Store
	idx    placement.Index
	clock  clock.Clock
	placer *placement.TieBreaker
	locks  *lock.Table
}

// New builds a Scrubber over store's extents, using idx to resolve
// placements to disks, tb to spread rebuild placement across tied disks
// the same way the foreground write path does, clk to pace batches, and
// locks (nilable) to serialize repairs against other descriptor mutators.
func New(store *metadata.Store, idx placement.Index, clk clock.Clock, tb *placement.TieBreaker, locks *lock.Table) *Scrubber {
	return &Scrubber{store: store, idx: idx, clock: clk, placer: tb, locks: locks}
}

func (s *Scrubber) withExtentLock(id uuid.UUID, fn func() error) error {
	if s.locks == nil {
		return fn()
	}
	return s.locks.WithLock(id, fn)
}

// Run sweeps every extent in the store once at the given intensity,
// verifying content checksums and, when repair is set, repairing what it
// can; with repair unset broken extents are only counted. A context
// cancellation stops the sweep between batches, never mid-batch.
func (s *Scrubber) Run(ctx context.Context, intensity Intensity, repair bool) (Report, error) {
	p := presets[intensity]
	if p.batchSize <= 0 {
		p = presets[Normal]
	}

	ids, err := s.store.ListExtentIDs()
	if err != nil {
		return Report{}, err
	}

	var report Report
	for i := 0; i < len(ids); i += p.batchSize {
		end := i + p.batchSize
		if end > len(ids) {
			end = len(ids)
		}
		for _, id := range ids[i:end] {
			s.scrubOne(ctx, id, repair, &report)
		}

		if end >= len(ids) {
			break
		}
		select {
		case <-ctx.Done():
			return report, nil
		case <-s.clock.After(p.delay):
		}
	}

	return report, nil
}

func (s *Scrubber) scrubOne(ctx context.Context, id uuid.UUID, repair bool, report *Report) {
	report.Scanned++

	d, err := s.store.LoadExtent(id)
	if err != nil {
		logger.Warnf("scrub: loading extent %s: %v", id, err)
		report.Failed++
		return
	}

	if s.verify(d) {
		report.Healthy++
		return
	}

	if !repair {
		report.Failed++
		return
	}

	repairErr := s.withExtentLock(id, func() error {
		cur, err := s.store.LoadExtent(id)
		if err != nil {
			return err
		}
		return placement.RebuildExtent(ctx, s.store, cur, s.idx, s.placer)
	})
	if repairErr != nil {
		logger.Warnf("scrub: repairing extent %s: %v", id, repairErr)
		report.Failed++
		return
	}
	report.Repaired++
}

// verify reads every present fragment and reports whether the extent
// decodes and its content checksum still matches. It makes no repair
// decision itself; scrubOne does that based on the result.
func (s *Scrubber) verify(d *extent.Descriptor) bool {
	if len(d.Placements) < d.FragmentCount() {
		return false
	}
	fragments := placement.ReadFragments(d.Placements, d.ID, s.idx, d.FragmentCount())
	for _, f := range fragments {
		if f == nil {
			return false
		}
	}
	payload, err := codec.Decode(fragments, d.Policy, d.PayloadSize)
	if err != nil {
		return false
	}
	return d.VerifyChecksum(payload)
}
