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
	"encoding/hex"

	"github.com/extentpool/extentpool/internal/codec"
	"github.com/extentpool/extentpool/internal/extent"
	"github.com/google/uuid"
)

// extentRecord is the on-disk form of an extent.Descriptor. It carries its
// own ChecksumHex guarding the metadata record itself, independent of the
// Descriptor's own content checksum over the logical payload.
type extentRecord struct {
	ID                 string             `json:"id"`
	PayloadSize        int                `json:"payload_size"`
	ContentChecksumHex string             `json:"content_checksum"`
	PolicyKind         codec.Kind         `json:"policy_kind"`
	PolicyN            int                `json:"policy_n,omitempty"`
	PolicyK            int                `json:"policy_k,omitempty"`
	PolicyM            int                `json:"policy_m,omitempty"`
	Placements         []extent.Placement `json:"placements"`
	Generation         uint64             `json:"generation"`
	Stats              extent.AccessStats `json:"stats"`
	Rebuilding         bool               `json:"rebuilding"`
	RebuildDone        int                `json:"rebuild_done"`
	ChecksumHex        string             `json:"checksum"`
}

func (r *extentRecord) checksumField() *string { return &r.ChecksumHex }

func toExtentRecord(d *extent.Descriptor) *extentRecord {
	return &extentRecord{
		ID:                 d.ID.String(),
		PayloadSize:        d.PayloadSize,
		ContentChecksumHex: hex.EncodeToString(d.Checksum[:]),
		PolicyKind:         d.Policy.Kind,
		PolicyN:            d.Policy.N,
		PolicyK:            d.Policy.K,
		PolicyM:            d.Policy.M,
		Placements:         d.Placements,
		Generation:         d.Generation,
		Stats:              d.Stats,
		Rebuilding:         d.Rebuilding,
		RebuildDone:        d.RebuildDone,
	}
}

func fromExtentRecord(r *extentRecord) (*extent.Descriptor, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, err
	}
	sum, err := hex.DecodeString(r.ContentChecksumHex)
	if err != nil {
		return nil, err
	}

	var checksum [32]byte
	copy(checksum[:], sum)

	policy := codec.Policy{Kind: r.PolicyKind, N: r.PolicyN, K: r.PolicyK, M: r.PolicyM}

	return &extent.Descriptor{
		ID:          id,
		PayloadSize: r.PayloadSize,
		Checksum:    checksum,
		Policy:      policy,
		Placements:  r.Placements,
		Generation:  r.Generation,
		Stats:       r.Stats,
		Rebuilding:  r.Rebuilding,
		RebuildDone: r.RebuildDone,
	}, nil
}
