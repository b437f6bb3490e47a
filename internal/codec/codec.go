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

package codec

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/klauspost/reedsolomon"
)

// encoderCache memoizes reedsolomon.Encoder construction, which builds a
// Vandermonde-derived generator matrix per (k, m) pair. Extents sharing a
// policy share the matrix rather than rebuilding it every call.
var encoderCache = struct {
	mu sync.Mutex
	m  map[[2]int]reedsolomon.Encoder
}{m: make(map[[2]int]reedsolomon.Encoder)}

func encoderFor(k, m int) (reedsolomon.Encoder, error) {
	key := [2]int{k, m}

	encoderCache.mu.Lock()
	defer encoderCache.mu.Unlock()

	if enc, ok := encoderCache.m[key]; ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, poolerr.New(poolerr.Unsupported, "codec.encoder_for", err)
	}
	encoderCache.m[key] = enc
	return enc, nil
}

// Encode splits payload into policy.FragmentCount() fragments. For
// Replication it is N identical copies; for ErasureCoding it is k data
// shards plus m parity shards produced by Reed-Solomon. EC payloads shorter
// than a multiple of k are zero-padded by reedsolomon.Split.
func Encode(payload []byte, policy Policy) ([][]byte, error) {
	switch policy.Kind {
	case Replication:
		if policy.N <= 0 {
			return nil, poolerr.New(poolerr.Unsupported, "codec.encode", fmt.Errorf("replication requires N >= 1, got %d", policy.N))
		}
		fragments := make([][]byte, policy.N)
		for i := range fragments {
			cp := make([]byte, len(payload))
			copy(cp, payload)
			fragments[i] = cp
		}
		return fragments, nil

	case ErasureCoding:
		enc, err := encoderFor(policy.K, policy.M)
		if err != nil {
			return nil, err
		}
		shards, err := enc.Split(payload)
		if err != nil {
			return nil, poolerr.New(poolerr.Unsupported, "codec.encode", err)
		}
		if err := enc.Encode(shards); err != nil {
			return nil, poolerr.New(poolerr.IO, "codec.encode", err)
		}
		return shards, nil

	default:
		return nil, poolerr.New(poolerr.Unsupported, "codec.encode", fmt.Errorf("unknown policy kind %q", policy.Kind))
	}
}

// Decode reconstructs the original originalSize-byte payload from whatever
// subset of fragments is present (missing fragments are nil slots). It
// returns poolerr.InsufficientRedundancy when too few fragments are present
// to recover the payload.
func Decode(fragments [][]byte, policy Policy, originalSize int) ([]byte, error) {
	switch policy.Kind {
	case Replication:
		for _, f := range fragments {
			if f != nil {
				if len(f) < originalSize {
					return nil, poolerr.New(poolerr.Corruption, "codec.decode", fmt.Errorf("fragment shorter than original size"))
				}
				out := make([]byte, originalSize)
				copy(out, f[:originalSize])
				return out, nil
			}
		}
		return nil, poolerr.New(poolerr.InsufficientRedundancy, "codec.decode", fmt.Errorf("no replica present"))

	case ErasureCoding:
		present := countPresent(fragments)
		if present < policy.K {
			return nil, poolerr.New(poolerr.InsufficientRedundancy, "codec.decode",
				fmt.Errorf("%d of %d required shards present", present, policy.K))
		}

		enc, err := encoderFor(policy.K, policy.M)
		if err != nil {
			return nil, err
		}

		shards := make([][]byte, len(fragments))
		copy(shards, fragments)
		if err := enc.Reconstruct(shards); err != nil {
			return nil, poolerr.New(poolerr.Corruption, "codec.decode", err)
		}

		var buf bytes.Buffer
		if err := enc.Join(&buf, shards, originalSize); err != nil {
			return nil, poolerr.New(poolerr.Corruption, "codec.decode", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, poolerr.New(poolerr.Unsupported, "codec.decode", fmt.Errorf("unknown policy kind %q", policy.Kind))
	}
}

// Reconstruct fills in every missing (nil) fragment slot and returns the
// full FragmentCount()-length fragment set. Callers diff the result against
// the fragments that were nil on input to learn which fragments need to be
// rewritten to disk.
func Reconstruct(fragments [][]byte, policy Policy) ([][]byte, error) {
	switch policy.Kind {
	case Replication:
		var sample []byte
		for _, f := range fragments {
			if f != nil {
				sample = f
				break
			}
		}
		if sample == nil {
			return nil, poolerr.New(poolerr.InsufficientRedundancy, "codec.reconstruct", fmt.Errorf("no replica present"))
		}

		out := make([][]byte, policy.FragmentCount())
		for i := range out {
			cp := make([]byte, len(sample))
			copy(cp, sample)
			out[i] = cp
		}
		return out, nil

	case ErasureCoding:
		present := countPresent(fragments)
		if present < policy.K {
			return nil, poolerr.New(poolerr.InsufficientRedundancy, "codec.reconstruct",
				fmt.Errorf("%d of %d required shards present", present, policy.K))
		}

		enc, err := encoderFor(policy.K, policy.M)
		if err != nil {
			return nil, err
		}

		shards := make([][]byte, len(fragments))
		copy(shards, fragments)
		if err := enc.Reconstruct(shards); err != nil {
			return nil, poolerr.New(poolerr.Corruption, "codec.reconstruct", err)
		}
		return shards, nil

	default:
		return nil, poolerr.New(poolerr.Unsupported, "codec.reconstruct", fmt.Errorf("unknown policy kind %q", policy.Kind))
	}
}

func countPresent(fragments [][]byte) int {
	n := 0
	for _, f := range fragments {
		if f != nil {
			n++
		}
	}
	return n
}
