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

// Package codec implements the redundancy codec: a pure function on
// bytes, no I/O, dispatching on a tagged Policy rather than runtime
// polymorphism.
package codec

import "strconv"

// Kind tags which redundancy scheme a Policy describes.
type Kind string

const (
	Replication   Kind = "replication"
	ErasureCoding Kind = "erasure_coding"
)

// Policy is the tagged union `Replication{N} | ErasureCoding{k,m}`. Only
// the fields relevant to Kind are meaningful.
type Policy struct {
	Kind Kind `json:"kind" yaml:"kind"`
	N    int  `json:"n,omitempty" yaml:"n,omitempty"`
	K    int  `json:"k,omitempty" yaml:"k,omitempty"`
	M    int  `json:"m,omitempty" yaml:"m,omitempty"`
}

// NewReplication builds a Replication{N} policy.
func NewReplication(n int) Policy {
	return Policy{Kind: Replication, N: n}
}

// NewErasureCoding builds an ErasureCoding{k,m} policy.
func NewErasureCoding(k, m int) Policy {
	return Policy{Kind: ErasureCoding, K: k, M: m}
}

// FragmentCount is the total number of fragments the policy produces.
func (p Policy) FragmentCount() int {
	switch p.Kind {
	case Replication:
		return p.N
	case ErasureCoding:
		return p.K + p.M
	default:
		return 0
	}
}

// MinFragments is the minimum present fragments required to decode.
func (p Policy) MinFragments() int {
	switch p.Kind {
	case Replication:
		return 1
	case ErasureCoding:
		return p.K
	default:
		return 0
	}
}

// ToleratedLosses is how many fragments may be absent while the extent
// remains decodable.
func (p Policy) ToleratedLosses() int {
	switch p.Kind {
	case Replication:
		if p.N == 0 {
			return 0
		}
		return p.N - 1
	case ErasureCoding:
		return p.M
	default:
		return 0
	}
}

// Equal reports whether two policies describe the same scheme and
// parameters, used by Descriptor.ShouldMigrate.
func (p Policy) Equal(other Policy) bool {
	return p == other
}

func (p Policy) String() string {
	switch p.Kind {
	case Replication:
		return "Replication{" + strconv.Itoa(p.N) + "}"
	case ErasureCoding:
		return "ErasureCoding{" + strconv.Itoa(p.K) + "," + strconv.Itoa(p.M) + "}"
	default:
		return "Unknown"
	}
}
