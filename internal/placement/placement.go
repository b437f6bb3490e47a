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

// Package placement implements disk selection honoring the failure-domain
// rule, and the rebuild/rebundle drivers that restore or re-encode an
// extent's fragments.
package placement

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/extentpool/extentpool/internal/codec"
	"github.com/extentpool/extentpool/internal/disk"
	"github.com/extentpool/extentpool/internal/extent"
	"github.com/extentpool/extentpool/internal/metadata"
	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/extentpool/extentpool/internal/roundrobin"
	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"
)

// TieBreaker spreads disk selection evenly among candidates that tie on
// free space and load, so repeated writes under identical metrics don't
// always land on the same disk within a failure domain. The zero value is
// not usable; construct with NewTieBreaker.
type TieBreaker struct {
	mu      sync.Mutex
	cursors map[string]*roundrobin.RoundRobin[uuid.UUID]
}

// NewTieBreaker returns an empty TieBreaker, safe for concurrent use.
func NewTieBreaker() *TieBreaker {
	return &TieBreaker{cursors: make(map[string]*roundrobin.RoundRobin[uuid.UUID])}
}

func diskTied(a, b *disk.Disk) bool {
	return a.FreeBytes() == b.FreeBytes() && a.LoadCounter() == b.LoadCounter()
}

// rotate reorders the group of candidates tied with the one that would
// otherwise land at the selection boundary (index fragmentCount-1),
// cycling which tied disk gets picked across successive calls instead of
// always favoring whichever one the sort happened to place first.
func (tb *TieBreaker) rotate(candidates []*disk.Disk, fragmentCount int) []*disk.Disk {
	if tb == nil || fragmentCount <= 0 || fragmentCount > len(candidates) {
		return candidates
	}
	boundary := candidates[fragmentCount-1]
	lo, hi := fragmentCount-1, fragmentCount-1
	for lo > 0 && diskTied(candidates[lo-1], boundary) {
		lo--
	}
	for hi < len(candidates)-1 && diskTied(candidates[hi+1], boundary) {
		hi++
	}
	if lo == hi {
		return candidates
	}

	key := fmt.Sprintf("%d:%d", boundary.FreeBytes(), boundary.LoadCounter())
	tb.mu.Lock()
	cur, ok := tb.cursors[key]
	if !ok {
		ids := make([]uuid.UUID, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			ids = append(ids, candidates[i].ID())
		}
		cur = roundrobin.New(ids)
		tb.cursors[key] = cur
	}
	tb.mu.Unlock()

	preferred, ok := cur.Get()
	if !ok {
		return candidates
	}
	for i := lo; i <= hi; i++ {
		if candidates[i].ID() == preferred {
			out := append([]*disk.Disk(nil), candidates...)
			out[lo], out[i] = out[i], out[lo]
			return out
		}
	}
	return candidates
}

// Index resolves a disk identifier to its Disk, used instead of threading a
// []*disk.Disk plus linear search through every call site.
type Index interface {
	Disk(id uuid.UUID) (*disk.Disk, bool)
	All() []*disk.Disk
}

// SelectDisks chooses fragmentCount distinct Healthy disks not in exclude,
// each with room for a fragmentSize-byte fragment, sorted by free space
// descending then load ascending. Only Healthy disks are selectable for
// new writes. tb may be nil to skip tie-breaking.
func SelectDisks(disks []*disk.Disk, fragmentCount int, fragmentSize int64, exclude map[uuid.UUID]bool, tb *TieBreaker) ([]*disk.Disk, error) {
	candidates := make([]*disk.Disk, 0, len(disks))
	for _, d := range disks {
		if d.Health() != disk.Healthy {
			continue
		}
		if exclude != nil && exclude[d.ID()] {
			continue
		}
		if !d.HasSpace(fragmentSize) {
			continue
		}
		candidates = append(candidates, d)
	}

	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := candidates[i].FreeBytes(), candidates[j].FreeBytes()
		if fi != fj {
			return fi > fj
		}
		return candidates[i].LoadCounter() < candidates[j].LoadCounter()
	})

	if len(candidates) < fragmentCount {
		return nil, poolerr.New(poolerr.InsufficientCapacity, "placement.select_disks",
			fmt.Errorf("need %d healthy disks, have %d eligible", fragmentCount, len(candidates)))
	}
	candidates = tb.rotate(candidates, fragmentCount)
	return candidates[:fragmentCount], nil
}

// fragmentSizeOf is the per-fragment placement size of an encoded set:
// every fragment of one extent has the same length under either policy.
func fragmentSizeOf(fragments [][]byte) int64 {
	if len(fragments) == 0 {
		return 0
	}
	return int64(len(fragments[0]))
}

// WriteFragments durably writes fragments[i] to disks[i] in parallel via
// syncutil.Bundle. On any single failure, every fragment this call wrote
// is rolled back and the whole write fails.
func WriteFragments(ctx context.Context, disks []*disk.Disk, extentID uuid.UUID, indexBase int, fragments [][]byte) ([]extent.Placement, error) {
	if len(disks) != len(fragments) {
		return nil, poolerr.New(poolerr.Unsupported, "placement.write_fragments",
			fmt.Errorf("disk count %d != fragment count %d", len(disks), len(fragments)))
	}

	var mu sync.Mutex
	written := make([]bool, len(disks))

	b := syncutil.NewBundle(ctx)
	for i := range disks {
		i := i
		index := indexBase + i
		b.Add(func(ctx context.Context) error {
			if err := disks[i].WriteFragment(extentID, index, fragments[i], true); err != nil {
				return err
			}
			mu.Lock()
			written[i] = true
			mu.Unlock()
			return nil
		})
	}

	if err := b.Join(); err != nil {
		for i, ok := range written {
			if ok {
				_ = disks[i].DeleteFragment(extentID, indexBase+i)
			}
		}
		return nil, poolerr.New(poolerr.IO, "placement.write_fragments", err)
	}

	placements := make([]extent.Placement, len(disks))
	for i, d := range disks {
		placements[i] = extent.Placement{DiskID: d.ID(), Index: indexBase + i}
	}
	return placements, nil
}

// ReadFragments reads every present placement's fragment in parallel,
// skipping disks marked Failed and tolerating per-placement failures by
// leaving a nil slot rather than failing the whole read: the caller's decode/reconstruct decides whether what came back is
// enough.
func ReadFragments(placements []extent.Placement, extentID uuid.UUID, idx Index, fragmentCount int) [][]byte {
	fragments := make([][]byte, fragmentCount)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, p := range placements {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, ok := idx.Disk(p.DiskID)
			if !ok || d.Health() == disk.Failed {
				return
			}
			data, err := d.ReadFragment(extentID, p.Index, true)
			if err != nil {
				return
			}
			mu.Lock()
			fragments[p.Index] = data
			mu.Unlock()
		}()
	}
	wg.Wait()
	return fragments
}

// RebuildExtent restores an extent's missing fragments without changing
// its policy. It never deletes a surviving
// fragment, and it never narrows an extent to fewer placements than its
// policy requires: on InsufficientRedundancy the extent is left exactly as
// it was.
func RebuildExtent(ctx context.Context, store *metadata.Store, d *extent.Descriptor, idx Index, tb *TieBreaker) error {
	fragments := ReadFragments(d.Placements, d.ID, idx, d.FragmentCount())

	present := 0
	for _, f := range fragments {
		if f != nil {
			present++
		}
	}
	if present < d.MinFragments() {
		return poolerr.New(poolerr.InsufficientRedundancy, "placement.rebuild_extent",
			fmt.Errorf("extent %s: %d of %d minimum fragments present", d.ID, present, d.MinFragments()))
	}

	rebuilt, err := codec.Reconstruct(fragments, d.Policy)
	if err != nil {
		return err
	}

	healthy := make(map[uuid.UUID]bool, len(d.Placements))
	for _, p := range d.Placements {
		healthy[p.DiskID] = true
	}

	newPlacements := append([]extent.Placement(nil), d.Placements...)
	replacedAny := false
	for i, f := range fragments {
		if f != nil {
			continue
		}
		targets, err := SelectDisks(idx.All(), 1, int64(len(rebuilt[i])), healthy, tb)
		if err != nil {
			return err
		}
		target := targets[0]
		if err := target.WriteFragment(d.ID, i, rebuilt[i], false); err != nil {
			return poolerr.New(poolerr.IO, "placement.rebuild_extent", err)
		}
		healthy[target.ID()] = true
		newPlacements = replacePlacement(newPlacements, i, target.ID())
		replacedAny = true
		d.RebuildDone++
	}

	if !replacedAny {
		return nil
	}

	d.Placements = newPlacements
	d.Rebuilding = false
	d.BumpGeneration()
	return store.SaveExtent(d)
}

func replacePlacement(placements []extent.Placement, index int, diskID uuid.UUID) []extent.Placement {
	for i, p := range placements {
		if p.Index == index {
			placements[i].DiskID = diskID
			return placements
		}
	}
	return append(placements, extent.Placement{DiskID: diskID, Index: index})
}

// RebundleExtent re-encodes an already-decoded payload under newPolicy and
// atomically replaces the extent's policy and placements. Old fragments are only deleted after the new
// descriptor is durably committed; a crash before that leaves the old
// placements authoritative and the new fragments as orphans for GC.
func RebundleExtent(ctx context.Context, store *metadata.Store, d *extent.Descriptor, payload []byte, newPolicy codec.Policy, idx Index, tb *TieBreaker) error {
	fragments, err := codec.Encode(payload, newPolicy)
	if err != nil {
		return err
	}

	targets, err := SelectDisks(idx.All(), newPolicy.FragmentCount(), fragmentSizeOf(fragments), nil, tb)
	if err != nil {
		return err
	}

	newPlacements, err := WriteFragments(ctx, targets, d.ID, 0, fragments)
	if err != nil {
		return err
	}

	oldPlacements := d.Placements
	oldDiskOf := func(id uuid.UUID) (*disk.Disk, bool) { return idx.Disk(id) }

	d.Policy = newPolicy
	d.Placements = newPlacements
	d.BumpGeneration()
	if err := store.SaveExtent(d); err != nil {
		return err
	}

	reused := make(map[extent.Placement]bool, len(newPlacements))
	for _, p := range newPlacements {
		reused[p] = true
	}
	for _, p := range oldPlacements {
		if reused[p] {
			// Same disk and index as a new placement: the file now holds
			// the new fragment.
			continue
		}
		if old, ok := oldDiskOf(p.DiskID); ok {
			_ = old.DeleteFragment(d.ID, p.Index)
		}
	}
	return nil
}
