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

package disk

import (
	"encoding/hex"
	"fmt"

	"github.com/extentpool/extentpool/internal/atomicfile"
	"github.com/extentpool/extentpool/internal/poolerr"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// HealthState is a disk's position in the health state machine.
type HealthState string

const (
	Healthy  HealthState = "healthy"
	Suspect  HealthState = "suspect"
	Degraded HealthState = "degraded"
	Draining HealthState = "draining"
	Failed   HealthState = "failed"
)

// Tier is the storage tier a disk advertises (hot/warm/cold media).
type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

const descriptorFileName = "disk.descriptor"

// descriptorRecord is the YAML-serialized form of a disk's persistent
// state. ChecksumHex is computed over every other field and verified on
// load.
type descriptorRecord struct {
	ID            string      `yaml:"id"`
	CapacityBytes int64       `yaml:"capacity-bytes"`
	UsedBytes     int64       `yaml:"used-bytes"`
	Health        HealthState `yaml:"health"`
	Tier          Tier        `yaml:"tier"`
	ChecksumHex   string      `yaml:"checksum"`
}

func checksumRecord(r descriptorRecord) [32]byte {
	r.ChecksumHex = ""
	b, err := yaml.Marshal(r)
	if err != nil {
		panic(fmt.Sprintf("disk: marshaling descriptor for checksum: %v", err))
	}
	return blake2b.Sum256(b)
}

func marshalDescriptor(r descriptorRecord) ([]byte, error) {
	sum := checksumRecord(r)
	r.ChecksumHex = hex.EncodeToString(sum[:])
	return yaml.Marshal(r)
}

func unmarshalDescriptor(data []byte) (descriptorRecord, error) {
	var r descriptorRecord
	if err := yaml.Unmarshal(data, &r); err != nil {
		return descriptorRecord{}, poolerr.New(poolerr.Corruption, "load_disk_descriptor", err)
	}

	want := r.ChecksumHex
	sum := checksumRecord(r)
	got := hex.EncodeToString(sum[:])
	if want != got {
		return descriptorRecord{}, poolerr.New(poolerr.Checksum, "load_disk_descriptor",
			fmt.Errorf("checksum mismatch: recorded %s, computed %s", want, got))
	}
	return r, nil
}

func saveDescriptorFile(path string, r descriptorRecord) error {
	b, err := marshalDescriptor(r)
	if err != nil {
		return poolerr.New(poolerr.IO, "save_disk_descriptor", err)
	}
	if err := atomicfile.Write(path, b); err != nil {
		return poolerr.New(poolerr.IO, "save_disk_descriptor", err)
	}
	return nil
}
