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

// Package extent implements the extent descriptor type and the pure
// predicates over it. Nothing here touches fragment bytes or metadata
// persistence; those are internal/codec, internal/disk and
// internal/metadata's jobs respectively.
package extent

import (
	"crypto/subtle"
	"time"

	"github.com/extentpool/extentpool/internal/codec"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Classification is the hidden state the classifier assigns an extent.
type Classification string

const (
	Hot  Classification = "hot"
	Warm Classification = "warm"
	Cold Classification = "cold"
)

// Placement is one fragment's location: a disk identifier and the
// fragment's index within the extent's policy.
type Placement struct {
	DiskID uuid.UUID `json:"disk_id" yaml:"disk_id"`
	Index  int       `json:"index" yaml:"index"`
}

// AccessStats tracks the sliding-window access history and derived
// classification the HMM classifier maintains per extent.
type AccessStats struct {
	ReadCount    uint64         `json:"read_count" yaml:"read_count"`
	WriteCount   uint64         `json:"write_count" yaml:"write_count"`
	LastAccess   time.Time      `json:"last_access" yaml:"last_access"`
	Observations []Observation  `json:"observations" yaml:"observations"`
	Belief       Classification `json:"belief" yaml:"belief"`

	// BeliefVector is the classifier's full three-state belief
	// (Hot/Warm/Cold) as of the last classifier Update call; Belief is its
	// argmax. The zero value means "no prior belief yet" (the classifier
	// starts from a uniform belief rather than treating zeros as a real
	// posterior).
	BeliefVector [3]float64 `json:"belief_vector" yaml:"belief_vector"`
}

// Observation is one bucketed access event recorded in an extent's
// sliding window, fed to the classifier's forward-step belief update.
type Observation struct {
	At           time.Time `json:"at" yaml:"at"`
	OpsSinceLast int       `json:"ops_since_last" yaml:"ops_since_last"`
}

/////////////////////////
// Descriptor
/////////////////////////

// Descriptor is an extent's full persisted state.
// Construction fixes ID, PayloadSize and Checksum for the extent's
// lifetime; only Policy, Placements, Generation, Stats and the rebuild
// progress fields (Rebuilding, RebuildDone) change after creation.
type Descriptor struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	ID          uuid.UUID
	PayloadSize int
	Checksum    [32]byte

	/////////////////////////
	// Mutable state
	/////////////////////////

	Policy      codec.Policy
	Placements  []Placement
	Generation  uint64
	Stats       AccessStats
	Rebuilding  bool
	RebuildDone int // fragments already replaced, for progress reporting
}

// New constructs a fresh extent descriptor over payload under policy.
// Placements start empty (the caller fills them in after writing
// fragments via the placement engine); generation starts at 1. With no
// access history yet, the starting classification is derived from the
// chosen policy (replication implies warm-likely data, erasure coding
// cold-likely), so a brand-new extent never reports ShouldMigrate before
// its first real observation.
func New(payload []byte, policy codec.Policy) *Descriptor {
	belief := Warm
	if policy.Kind == codec.ErasureCoding {
		belief = Cold
	}
	return &Descriptor{
		ID:          uuid.New(),
		PayloadSize: len(payload),
		Checksum:    blake2b.Sum256(payload),
		Policy:      policy,
		Placements:  nil,
		Generation:  1,
		Stats:       AccessStats{Belief: belief},
	}
}

// VerifyChecksum recomputes payload's content hash and compares it
// constant-time against the descriptor's recorded checksum.
func (d *Descriptor) VerifyChecksum(payload []byte) bool {
	got := blake2b.Sum256(payload)
	return subtle.ConstantTimeCompare(got[:], d.Checksum[:]) == 1
}

// RecommendedPolicy returns the policy the descriptor's current
// classification calls for: Replication{3} for Hot or Warm extents,
// ErasureCoding{4,2} otherwise.
func (d *Descriptor) RecommendedPolicy() codec.Policy {
	switch d.Stats.Belief {
	case Hot, Warm:
		return codec.NewReplication(3)
	default:
		return codec.NewErasureCoding(4, 2)
	}
}

// ShouldMigrate reports whether the descriptor's current policy diverges
// from its recommended policy.
func (d *Descriptor) ShouldMigrate() bool {
	return !d.Policy.Equal(d.RecommendedPolicy())
}

// BumpGeneration monotonically increments the descriptor's generation.
// Call on any change to Placements, invalidating outstanding optimistic
// read snapshots.
func (d *Descriptor) BumpGeneration() {
	d.Generation++
}

// FragmentCount, MinFragments and ToleratedLosses are accessors derived
// from the descriptor's current policy.
func (d *Descriptor) FragmentCount() int   { return d.Policy.FragmentCount() }
func (d *Descriptor) MinFragments() int    { return d.Policy.MinFragments() }
func (d *Descriptor) ToleratedLosses() int { return d.Policy.ToleratedLosses() }

// RecordRead appends a read observation to the access-stats window and
// bumps the read counter. The classifier, not this package, owns turning
// the window into a belief; this is pure bookkeeping.
func (d *Descriptor) RecordRead(at time.Time) {
	d.recordAccess(at)
	d.Stats.ReadCount++
}

// RecordWrite appends a write observation and bumps the write counter.
func (d *Descriptor) RecordWrite(at time.Time) {
	d.recordAccess(at)
	d.Stats.WriteCount++
}

func (d *Descriptor) recordAccess(at time.Time) {
	obs := Observation{At: at}
	if !d.Stats.LastAccess.IsZero() {
		obs.OpsSinceLast = 1
	}
	d.Stats.Observations = append(d.Stats.Observations, obs)
	d.Stats.LastAccess = at
}
