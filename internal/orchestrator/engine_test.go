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
	"fmt"
	"testing"
	"time"

	"github.com/extentpool/extentpool/cfg"
	"github.com/extentpool/extentpool/clock"
	"github.com/extentpool/extentpool/internal/codec"
	"github.com/extentpool/extentpool/internal/disk"
	"github.com/extentpool/extentpool/internal/poolerr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testConfig returns a PoolConfig small enough to exercise both
// replication and erasure coding within a handful of disks.
func testConfig() cfg.PoolConfig {
	c := cfg.GetDefaultPoolConfig()
	c.ExtentSizeBytes = 64
	c.Redundancy.ReplicationFactor = 3
	c.Redundancy.DataShards = 4
	c.Redundancy.ParityShards = 2
	c.Redundancy.ECSizeThresholdBytes = 256
	c.Locking.Stripes = 16
	c.Locking.GroupCommitBatch = 1
	c.Locking.GroupCommitWindow = "1ms"
	c.Disk.PriorityWorkers = 2
	c.Disk.NormalWorkers = 2
	c.Disk.QueueDepth = 64
	c.Disk.ReserveBytes = 0
	return c
}

// openTestPool mounts a fresh pool under t.TempDir with n disks already
// registered, using a SimulatedClock so access-stats timestamps are
// deterministic.
func openTestPool(t *testing.T, n int) (*Engine, *clock.SimulatedClock) {
	t.Helper()
	poolDir := t.TempDir()
	clk := clock.NewSimulatedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	config := testConfig()
	e, err := openPool(poolDir, config, clk)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	for i := 0; i < n; i++ {
		_, err := e.AddDisk(fmt.Sprintf("disk-%d", i), 1<<20)
		require.NoError(t, err)
	}
	return e, clk
}

func TestOpenPoolCreatesRootInode(t *testing.T) {
	e, _ := openTestPool(t, 1)
	root, err := e.Getattr(RootIno)
	require.NoError(t, err)
	require.Equal(t, "/", root.Name)

	children, err := e.Readdir(RootIno)
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestOpenPoolIsIdempotentAcrossRemount(t *testing.T) {
	poolDir := t.TempDir()
	clk := clock.NewSimulatedClock(time.Now())
	config := testConfig()

	e1, err := openPool(poolDir, config, clk)
	require.NoError(t, err)
	_, err = e1.AddDisk("disk-0", 1<<20)
	require.NoError(t, err)
	_, err = e1.CreateFile(RootIno, "a.txt", 0644, 0, 0)
	require.NoError(t, err)
	e1.Close()

	e2, err := openPool(poolDir, config, clk)
	require.NoError(t, err)
	defer e2.Close()

	children, err := e2.Readdir(RootIno)
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "a.txt", children[0].Name)
}

func TestProbeDisksMarksSuspectThenDegraded(t *testing.T) {
	e, _ := openTestPool(t, 2)
	disks := e.All()
	target := disks[0].ID()

	probe := func(d *disk.Disk) error {
		if d.ID() == target {
			return fmt.Errorf("simulated probe failure")
		}
		return nil
	}

	failures := make(map[uuid.UUID]int)
	require.NoError(t, e.ProbeDisks(probe, 1, failures))

	d, ok := e.Disk(target)
	require.True(t, ok)
	require.Equal(t, disk.Suspect, d.Health())

	require.NoError(t, e.ProbeDisks(probe, 1, failures))
	require.Equal(t, disk.Degraded, d.Health())
}

func TestRemoveDiskDrainsOnceUnreferenced(t *testing.T) {
	e, _ := openTestPool(t, 2)
	target := e.All()[0].ID()

	require.NoError(t, e.RemoveDisk(target))
	d, _ := e.Disk(target)
	require.Equal(t, disk.Draining, d.Health())

	failures := make(map[uuid.UUID]int)
	probe := func(*disk.Disk) error { return nil }
	require.NoError(t, e.ProbeDisks(probe, 3, failures))
	require.Equal(t, disk.Failed, d.Health())
}

func TestWriteFileThenReadFileRoundTrips(t *testing.T) {
	e, _ := openTestPool(t, 6)
	f, err := e.CreateFile(RootIno, "blob.bin", 0644, 0, 0)
	require.NoError(t, err)

	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, e.WriteFile(f.Ino, data, 0))

	got, err := e.ReadFile(f.Ino, 0, int64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriteFileRejectsNonZeroOffset(t *testing.T) {
	e, _ := openTestPool(t, 3)
	f, err := e.CreateFile(RootIno, "x", 0644, 0, 0)
	require.NoError(t, err)

	err = e.WriteFile(f.Ino, []byte("hi"), 4)
	require.Error(t, err)
	require.True(t, poolerr.Is(err, poolerr.Unsupported))
}

func TestWriteFileOverwriteOrphansOldExtents(t *testing.T) {
	e, _ := openTestPool(t, 6)
	f, err := e.CreateFile(RootIno, "blob.bin", 0644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, e.WriteFile(f.Ino, make([]byte, 50), 0))
	require.NoError(t, e.WriteFile(f.Ino, make([]byte, 400), 0))

	got, err := e.ReadFile(f.Ino, 0, 400)
	require.NoError(t, err)
	require.Len(t, got, 400)

	orphans, err := e.DetectOrphans()
	require.NoError(t, err)
	require.NotEmpty(t, orphans)
}

func TestMkdirLookupRenameUnlink(t *testing.T) {
	e, _ := openTestPool(t, 3)

	dir, err := e.Mkdir(RootIno, "sub", 0755, 0, 0)
	require.NoError(t, err)

	f, err := e.CreateFile(dir.Ino, "leaf", 0644, 0, 0)
	require.NoError(t, err)

	found, err := e.Lookup(dir.Ino, "leaf")
	require.NoError(t, err)
	require.Equal(t, f.Ino, found.Ino)

	require.NoError(t, e.Rename(dir.Ino, "leaf", RootIno, "leaf2"))
	_, err = e.Lookup(dir.Ino, "leaf")
	require.Error(t, err)
	found, err = e.Lookup(RootIno, "leaf2")
	require.NoError(t, err)
	require.Equal(t, f.Ino, found.Ino)

	require.NoError(t, e.Unlink(RootIno, "leaf2"))
	_, err = e.Lookup(RootIno, "leaf2")
	require.Error(t, err)

	require.NoError(t, e.Rmdir(RootIno, "sub"))
	_, err = e.Getattr(dir.Ino)
	require.Error(t, err)
}

func TestRmdirRefusesNonEmptyDirectory(t *testing.T) {
	e, _ := openTestPool(t, 3)
	dir, err := e.Mkdir(RootIno, "sub", 0755, 0, 0)
	require.NoError(t, err)
	_, err = e.CreateFile(dir.Ino, "leaf", 0644, 0, 0)
	require.NoError(t, err)

	err = e.Rmdir(RootIno, "sub")
	require.Error(t, err)
	require.True(t, poolerr.Is(err, poolerr.Conflict))
}

func TestCreateFileRejectsDuplicateName(t *testing.T) {
	e, _ := openTestPool(t, 3)
	_, err := e.CreateFile(RootIno, "dup", 0644, 0, 0)
	require.NoError(t, err)
	_, err = e.CreateFile(RootIno, "dup", 0644, 0, 0)
	require.Error(t, err)
	require.True(t, poolerr.Is(err, poolerr.Conflict))
}

func TestXattrRoundTrip(t *testing.T) {
	e, _ := openTestPool(t, 3)
	f, err := e.CreateFile(RootIno, "x", 0644, 0, 0)
	require.NoError(t, err)

	require.NoError(t, e.SetXattr(f.Ino, "user.tag", []byte("v1")))
	v, err := e.GetXattr(f.Ino, "user.tag")
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	names, err := e.ListXattr(f.Ino)
	require.NoError(t, err)
	require.Contains(t, names, "user.tag")

	require.NoError(t, e.RemoveXattr(f.Ino, "user.tag"))
	_, err = e.GetXattr(f.Ino, "user.tag")
	require.Error(t, err)
}

func TestStatusAndHealthAndMetricsSnapshot(t *testing.T) {
	e, _ := openTestPool(t, 6)
	f, err := e.CreateFile(RootIno, "blob.bin", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, e.WriteFile(f.Ino, make([]byte, 50), 0))

	status := e.Status()
	require.Equal(t, 6, status.DiskCount)
	require.GreaterOrEqual(t, status.ExtentCount, uint64(1))

	health := e.Health()
	require.Len(t, health, 6)

	snap, err := e.MetricsSnapshot()
	require.NoError(t, err)
	require.Equal(t, 1, snap.TotalExtents)
}

func TestLazyMountRecoveryEnqueuesRebuildForDegradedExtent(t *testing.T) {
	e, _ := openTestPool(t, 6)
	f, err := e.CreateFile(RootIno, "blob.bin", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, e.WriteFile(f.Ino, make([]byte, 50), 0))

	em, err := e.store.LoadExtentMap(f.Ino)
	require.NoError(t, err)
	require.Len(t, em.ExtentIDs, 1)

	id, err := parseExtentID(em.ExtentIDs[0])
	require.NoError(t, err)
	d, err := e.store.LoadExtent(id)
	require.NoError(t, err)

	// Drop one placement to simulate a disk that went missing between
	// mounts, then persist the now-degraded descriptor directly.
	d.Placements = d.Placements[:len(d.Placements)-1]
	require.NoError(t, e.store.SaveExtent(d))
	poolDir := e.poolDir
	e.Close()

	e2, err := openPool(poolDir, testConfig(), clock.NewSimulatedClock(time.Now()))
	require.NoError(t, err)
	defer e2.Close()

	require.Eventually(t, func() bool {
		d2, err := e2.store.LoadExtent(id)
		require.NoError(t, err)
		return len(d2.Placements) == d2.FragmentCount()
	}, time.Second, 5*time.Millisecond)
}

func TestPolicyStatusAndChangePolicy(t *testing.T) {
	e, _ := openTestPool(t, 6)
	f, err := e.CreateFile(RootIno, "blob.bin", 0644, 0, 0)
	require.NoError(t, err)
	require.NoError(t, e.WriteFile(f.Ino, make([]byte, 50), 0))

	em, err := e.store.LoadExtentMap(f.Ino)
	require.NoError(t, err)
	extentIDStr := em.ExtentIDs[0]

	status, err := e.PolicyStatus(extentIDStr)
	require.NoError(t, err)
	require.Equal(t, codec.NewReplication(3).String(), status.Policy)

	id, err := parseExtentID(extentIDStr)
	require.NoError(t, err)
	before, err := e.store.LoadExtent(id)
	require.NoError(t, err)
	beforeGen := before.Generation

	require.NoError(t, e.ChangePolicy(extentIDStr, codec.NewErasureCoding(4, 2)))

	after, err := e.store.LoadExtent(id)
	require.NoError(t, err)
	require.Greater(t, after.Generation, beforeGen)
	require.Equal(t, codec.NewErasureCoding(4, 2).String(), after.Policy.String())

	got, err := e.ReadFile(f.Ino, 0, 50)
	require.NoError(t, err)
	require.Len(t, got, 50)
}
