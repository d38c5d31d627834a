// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ilayout"
)

func testSetup(t *testing.T) (device *blockdev.DeviceStruct, allocator *AllocatorStruct) {
	device = blockdev.New(blockdev.ConfigStruct{SectorSize: 512, DataAreaSize: 8192}, t.Name())
	allocator = New(device, 100, t.Name())

	t.Cleanup(func() {
		allocator.Close()
		device.Close(t.Name())
	})

	return
}

func TestObjects(t *testing.T) {
	device, allocator := testSetup(t)

	objectNumber, err := allocator.AllocObject()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), objectNumber)
	require.NoError(t, device.WriteObjectAsync(objectNumber, []byte("node"), blockdev.MarkCommit))

	allocator.PinObject(500)
	assert.True(t, allocator.IsPinned(500))
	assert.Equal(t, 1, allocator.NumPinned())
	assert.Equal(t, uint64(501), allocator.NextObjectNumber())

	allocator.FreeObject(objectNumber)
	_, err = device.ReadObject(objectNumber)
	require.NoError(t, err)

	_, _, err = allocator.WriteSnapshot(device)
	require.NoError(t, err)

	// Frees after the snapshot wait for the following commit
	allocator.FreeObject(501)

	require.NoError(t, allocator.ReleaseCommitted(device))
	_, err = device.ReadObject(objectNumber)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
	assert.Equal(t, 0, allocator.NumPinned())
	assert.Equal(t, []uint64{501}, allocator.pendingObjectFrees)
}

func TestDataExtents(t *testing.T) {
	device, allocator := testSetup(t)

	// The first sector is reserved for holes
	assert.Equal(t, uint64(8192-512), allocator.FreeBytes())

	first, err := allocator.AllocDataExtent(1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(512), first)
	second, err := allocator.AllocDataExtent(512)
	require.NoError(t, err)
	assert.Equal(t, uint64(1536), second)
	assert.Equal(t, uint64(8192-512-1536), allocator.FreeBytes())

	_, err = allocator.AllocDataExtent(8192)
	assert.True(t, blunder.Is(err, blunder.NoSpaceError))

	require.NoError(t, allocator.IncExtentRef(first, 1024))
	refs, err := allocator.LookupDataExtent(first, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), refs)

	require.NoError(t, allocator.DecExtentRef(first))
	require.NoError(t, allocator.DecExtentRef(first))
	refs, err = allocator.LookupDataExtent(first, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), refs)

	// Not reusable until committed
	assert.Equal(t, uint64(8192-512-1536), allocator.FreeBytes())
	third, err := allocator.AllocDataExtent(512)
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), third)

	_, _, err = allocator.WriteSnapshot(device)
	require.NoError(t, err)
	require.NoError(t, allocator.ReleaseCommitted(device))
	assert.Equal(t, uint64(8192-512-1024), allocator.FreeBytes())

	fourth, err := allocator.AllocDataExtent(1024)
	require.NoError(t, err)
	assert.Equal(t, first, fourth)

	assert.True(t, blunder.Is(allocator.IncExtentRef(4096, 512), blunder.NotFoundError))
	assert.True(t, blunder.Is(allocator.DecExtentRef(4096), blunder.NotFoundError))
}

func TestLoggedExtents(t *testing.T) {
	device, allocator := testSetup(t)

	require.NoError(t, allocator.ExcludeDataRange(2048, 1024))
	require.NoError(t, allocator.ExcludeDataRange(2048, 1024))
	require.NoError(t, allocator.ExcludeDataRange(6144, 512))
	assert.Equal(t, uint64(8192-512-1536), allocator.FreeBytes())

	err := allocator.ExcludeDataRange(2560, 512)
	assert.True(t, blunder.Is(err, blunder.LogCorruptError))

	require.NoError(t, allocator.AllocLoggedFileExtent(2048, 1024))
	require.NoError(t, allocator.AllocLoggedFileExtent(2048, 1024))
	refs, err := allocator.LookupDataExtent(2048, 1024)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), refs)

	require.NoError(t, allocator.AllocLoggedFileExtent(4096, 512))
	err = allocator.AllocLoggedFileExtent(4096+256, 512)
	assert.True(t, blunder.Is(err, blunder.LogCorruptError))

	// The unclaimed exclusion returns to free space at commit
	_, _, err = allocator.WriteSnapshot(device)
	require.NoError(t, err)
	require.NoError(t, allocator.ReleaseCommitted(device))
	assert.Equal(t, uint64(8192-512-1536), allocator.FreeBytes())
}

func TestSnapshotLoad(t *testing.T) {
	device, allocator := testSetup(t)

	kept, err := allocator.AllocDataExtent(512)
	require.NoError(t, err)
	dropped, err := allocator.AllocDataExtent(512)
	require.NoError(t, err)
	require.NoError(t, allocator.DecExtentRef(dropped))
	require.NoError(t, allocator.ExcludeDataRange(4096, 512))

	objectNumber, objectLength, err := allocator.WriteSnapshot(device)
	require.NoError(t, err)
	require.NoError(t, device.WaitMark(blockdev.MarkCommit))

	superBlock := &ilayout.SuperBlockStruct{
		AllocObjectNumber: objectNumber,
		AllocObjectLength: objectLength,
		NextObjectNumber:  allocator.NextObjectNumber(),
	}

	loaded, err := Load(device, superBlock, t.Name()+".loaded")
	require.NoError(t, err)
	defer loaded.Close()

	assert.Equal(t, uint64(8192-512-512), loaded.FreeBytes())
	refs, err := loaded.LookupDataExtent(kept, 512)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), refs)
	assert.Equal(t, superBlock.NextObjectNumber, loaded.NextObjectNumber())

	// A second snapshot supersedes the first
	second, _, err := loaded.WriteSnapshot(device)
	require.NoError(t, err)
	require.NoError(t, loaded.ReleaseCommitted(device))
	_, err = device.ReadObject(objectNumber)
	assert.Error(t, err)
	_, err = device.ReadObject(second)
	assert.NoError(t, err)

	superBlock.AllocObjectLength++
	_, err = Load(device, superBlock, t.Name()+".bad")
	assert.Error(t, err)
}
