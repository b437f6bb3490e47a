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

package codec_test

import (
	"testing"

	"github.com/extentpool/extentpool/internal/codec"
	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplication_EncodeDecodeRoundTrip(t *testing.T) {
	policy := codec.NewReplication(3)
	payload := []byte("hello extent pool")

	fragments, err := codec.Encode(payload, policy)
	require.NoError(t, err)
	require.Len(t, fragments, 3)

	got, err := codec.Decode(fragments, policy, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReplication_DecodeWithOnePresentSucceeds(t *testing.T) {
	policy := codec.NewReplication(3)
	payload := []byte("single surviving replica")

	fragments, err := codec.Encode(payload, policy)
	require.NoError(t, err)
	fragments[0], fragments[2] = nil, nil

	got, err := codec.Decode(fragments, policy, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReplication_DecodeWithZeroPresentFails(t *testing.T) {
	policy := codec.NewReplication(3)
	fragments := make([][]byte, 3)

	_, err := codec.Decode(fragments, policy, 10)

	require.Error(t, err)
	assert.True(t, poolerr.Is(err, poolerr.InsufficientRedundancy))
}

func TestErasureCoding_EncodeDecodeRoundTrip(t *testing.T) {
	policy := codec.NewErasureCoding(4, 2)
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	fragments, err := codec.Encode(payload, policy)
	require.NoError(t, err)
	require.Len(t, fragments, 6)

	got, err := codec.Decode(fragments, policy, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestErasureCoding_DecodeWithExactlyKPresentSucceeds(t *testing.T) {
	policy := codec.NewErasureCoding(4, 2)
	payload := []byte("erasure coded payload needs to be long enough to span shards nicely")

	fragments, err := codec.Encode(payload, policy)
	require.NoError(t, err)

	// Drop two of the six shards; four remain, exactly K.
	fragments[1] = nil
	fragments[4] = nil

	got, err := codec.Decode(fragments, policy, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestErasureCoding_DecodeWithFewerThanKPresentFails(t *testing.T) {
	policy := codec.NewErasureCoding(4, 2)
	payload := []byte("payload that will be under-provisioned on read")

	fragments, err := codec.Encode(payload, policy)
	require.NoError(t, err)

	fragments[0], fragments[1], fragments[5] = nil, nil, nil

	_, err = codec.Decode(fragments, policy, len(payload))

	require.Error(t, err)
	assert.True(t, poolerr.Is(err, poolerr.InsufficientRedundancy))
}

func TestErasureCoding_ReconstructFillsMissingShards(t *testing.T) {
	policy := codec.NewErasureCoding(4, 2)
	payload := []byte("payload used to exercise targeted shard reconstruction")

	fragments, err := codec.Encode(payload, policy)
	require.NoError(t, err)

	missingIdx := 2
	original := fragments[missingIdx]
	fragments[missingIdx] = nil

	rebuilt, err := codec.Reconstruct(fragments, policy)
	require.NoError(t, err)
	require.Len(t, rebuilt, 6)
	assert.Equal(t, original, rebuilt[missingIdx])
}

func TestSingleByteFile_RoundTrips(t *testing.T) {
	for _, policy := range []codec.Policy{codec.NewReplication(3), codec.NewErasureCoding(4, 2)} {
		payload := []byte{0x7f}

		fragments, err := codec.Encode(payload, policy)
		require.NoError(t, err)

		got, err := codec.Decode(fragments, policy, len(payload))
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestExactMultipleOfKFile_RoundTrips(t *testing.T) {
	policy := codec.NewErasureCoding(4, 2)
	payload := make([]byte, 4*1024) // exact multiple of K, no padding needed.
	for i := range payload {
		payload[i] = byte(i)
	}

	fragments, err := codec.Encode(payload, policy)
	require.NoError(t, err)

	got, err := codec.Decode(fragments, policy, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPolicyAccessors(t *testing.T) {
	rep := codec.NewReplication(3)
	assert.Equal(t, 3, rep.FragmentCount())
	assert.Equal(t, 1, rep.MinFragments())
	assert.Equal(t, 2, rep.ToleratedLosses())
	assert.Equal(t, "Replication{3}", rep.String())

	ec := codec.NewErasureCoding(4, 2)
	assert.Equal(t, 6, ec.FragmentCount())
	assert.Equal(t, 4, ec.MinFragments())
	assert.Equal(t, 2, ec.ToleratedLosses())
	assert.Equal(t, "ErasureCoding{4,2}", ec.String())

	assert.True(t, rep.Equal(codec.NewReplication(3)))
	assert.False(t, rep.Equal(ec))
}
