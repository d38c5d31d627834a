// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package itemstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ilayout"
)

type testAllocatorStruct struct {
	nextObjectNumber uint64
	freed            []uint64
}

func (allocator *testAllocatorStruct) AllocObject() (objectNumber uint64, err error) {
	allocator.nextObjectNumber++
	objectNumber = allocator.nextObjectNumber
	return
}

func (allocator *testAllocatorStruct) FreeObject(objectNumber uint64) {
	allocator.freed = append(allocator.freed, objectNumber)
}

func testTree(t *testing.T) (tree *Tree, device *blockdev.DeviceStruct, allocator *testAllocatorStruct) {
	device = blockdev.New(blockdev.ConfigStruct{}, t.Name())
	t.Cleanup(func() { device.Close(t.Name()) })

	allocator = &testAllocatorStruct{}

	tree = New(TreeConfigStruct{
		Owner:          ilayout.FsTreeObjectID,
		MaxKeysPerNode: 4,
		Device:         device,
		Allocator:      allocator,
	})

	return
}

func dirIndexKey(index uint64) ilayout.Key {
	return ilayout.Key{ObjectID: ilayout.RootDirObjectID, Type: ilayout.DirIndexKey, Offset: index}
}

func TestInsertSearchPut(t *testing.T) {
	tree, _, _ := testTree(t)

	payload := []byte("abc")
	require.NoError(t, tree.Insert(dirIndexKey(2), payload))
	payload[0] = 'X'

	got, ok, err := tree.Search(dirIndexKey(2))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), got)

	got[1] = 'Y'
	got, _, _ = tree.Search(dirIndexKey(2))
	assert.Equal(t, []byte("abc"), got)

	err = tree.Insert(dirIndexKey(2), []byte("def"))
	assert.True(t, blunder.Is(err, blunder.FileExistsError))

	require.NoError(t, tree.Put(dirIndexKey(2), []byte("def")))
	require.NoError(t, tree.Put(dirIndexKey(3), []byte("ghi")))
	got, _, _ = tree.Search(dirIndexKey(2))
	assert.Equal(t, []byte("def"), got)

	require.NoError(t, tree.Resize(dirIndexKey(3), 5))
	got, _, _ = tree.Search(dirIndexKey(3))
	assert.Equal(t, []byte{'g', 'h', 'i', 0, 0}, got)
	require.NoError(t, tree.Resize(dirIndexKey(3), 1))
	got, _, _ = tree.Search(dirIndexKey(3))
	assert.Equal(t, []byte("g"), got)

	err = tree.Resize(dirIndexKey(4), 1)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	_, ok, err = tree.Search(dirIndexKey(4))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = tree.Delete(dirIndexKey(2))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = tree.Delete(dirIndexKey(2))
	require.NoError(t, err)
	assert.False(t, ok)

	numItems, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, numItems)
}

func TestInsertBatch(t *testing.T) {
	tree, _, _ := testTree(t)

	require.NoError(t, tree.Insert(dirIndexKey(5), []byte("5")))

	err := tree.InsertBatch([]ItemStruct{
		{Key: dirIndexKey(3), Payload: []byte("3")},
		{Key: dirIndexKey(4), Payload: []byte("4")},
		{Key: dirIndexKey(5), Payload: []byte("five")},
	})
	assert.True(t, blunder.Is(err, blunder.FileExistsError))

	numItems, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, numItems)

	require.NoError(t, tree.InsertBatch([]ItemStruct{
		{Key: dirIndexKey(3), Payload: []byte("3")},
		{Key: dirIndexKey(4), Payload: []byte("4")},
	}))

	numItems, err = tree.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, numItems)
}

func TestSeekNextPrev(t *testing.T) {
	tree, _, _ := testTree(t)

	for index := uint64(2); index <= 20; index += 2 {
		require.NoError(t, tree.Insert(dirIndexKey(index), []byte(fmt.Sprintf("%d", index))))
	}

	item, ok, err := tree.Seek(dirIndexKey(4))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dirIndexKey(4), item.Key)

	item, ok, err = tree.Seek(dirIndexKey(5))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dirIndexKey(6), item.Key)

	item, ok, err = tree.Next(dirIndexKey(6))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dirIndexKey(8), item.Key)
	assert.Equal(t, []byte("8"), item.Payload)

	_, ok, err = tree.Next(dirIndexKey(20))
	require.NoError(t, err)
	assert.False(t, ok)

	item, ok, err = tree.Prev(dirIndexKey(8))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dirIndexKey(6), item.Key)

	item, ok, err = tree.Prev(dirIndexKey(9))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dirIndexKey(8), item.Key)

	_, ok, err = tree.Prev(dirIndexKey(2))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRanges(t *testing.T) {
	tree, _, _ := testTree(t)

	for index := uint64(2); index < 202; index++ {
		require.NoError(t, tree.Insert(dirIndexKey(index), []byte{byte(index)}))
	}

	items, err := tree.CloneRange(dirIndexKey(10), dirIndexKey(19), 0)
	require.NoError(t, err)
	require.Equal(t, 10, len(items))
	assert.Equal(t, dirIndexKey(10), items[0].Key)
	assert.Equal(t, dirIndexKey(19), items[9].Key)

	items, err = tree.CloneRange(dirIndexKey(10), dirIndexKey(19), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, len(items))

	// Mutating the tree while scanning it
	visited := 0
	err = tree.Scan(dirIndexKey(0), dirIndexKey(^uint64(0)), func(item ItemStruct) (keepGoing bool, err error) {
		visited++
		_, err = tree.Delete(item.Key)
		keepGoing = true
		return
	})
	require.NoError(t, err)
	assert.Equal(t, 200, visited)

	numItems, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, numItems)

	for index := uint64(2); index < 12; index++ {
		require.NoError(t, tree.Insert(dirIndexKey(index), nil))
	}
	require.NoError(t, tree.Insert(ilayout.Key{ObjectID: ilayout.RootDirObjectID + 1}, nil))

	numDeleted, err := tree.DeleteRange(dirIndexKey(4), dirIndexKey(7))
	require.NoError(t, err)
	assert.Equal(t, 4, numDeleted)

	visited = 0
	err = tree.Scan(dirIndexKey(0), dirIndexKey(^uint64(0)), func(item ItemStruct) (keepGoing bool, err error) {
		visited++
		keepGoing = (visited < 3)
		return
	})
	require.NoError(t, err)
	assert.Equal(t, 3, visited)

	numItems, err = tree.Len()
	require.NoError(t, err)
	assert.Equal(t, 7, numItems)
}

func TestFlushAndOpen(t *testing.T) {
	tree, device, allocator := testTree(t)

	for index := uint64(2); index < 52; index++ {
		require.NoError(t, tree.Insert(dirIndexKey(index), []byte(fmt.Sprintf("entry-%d", index))))
	}

	location, err := tree.Flush(7, blockdev.MarkCommit)
	require.NoError(t, err)
	require.False(t, location.IsZero())
	assert.Equal(t, location, tree.LastLocation())
	assert.Equal(t, 0, len(allocator.freed))

	require.NoError(t, device.WaitMark(blockdev.MarkCommit))

	config := TreeConfigStruct{
		Owner:          ilayout.FsTreeObjectID,
		MaxKeysPerNode: 4,
		Device:         device,
		MaxGeneration:  7,
	}

	reopened, err := Open(config, location)
	require.NoError(t, err)

	payload, ok, err := reopened.Search(dirIndexKey(33))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("entry-33"), payload)

	objectNumbers, err := reopened.ObjectNumbers()
	require.NoError(t, err)
	assert.True(t, len(objectNumbers) > 1)
	assert.Contains(t, objectNumbers, location.ObjectNumber)

	err = reopened.Put(dirIndexKey(60), nil)
	require.NoError(t, err)
	_, err = reopened.Flush(8, blockdev.MarkCommit)
	assert.True(t, blunder.Is(err, blunder.ReadOnlyError))

	// Rewriting a leaf makes its old object (and those above it) stale
	require.NoError(t, tree.Put(dirIndexKey(2), []byte("changed")))
	_, err = tree.Flush(8, blockdev.MarkCommit)
	require.NoError(t, err)
	assert.NotEqual(t, 0, len(allocator.freed))

	// A reader bound to generation 7 must reject nodes written in generation 8
	require.NoError(t, device.WaitMark(blockdev.MarkCommit))
	_, err = Open(config, tree.LastLocation())
	assert.True(t, blunder.Is(err, blunder.LogCorruptError))

	freedBefore := len(allocator.freed)
	require.NoError(t, tree.FreeAll())
	assert.True(t, len(allocator.freed) > freedBefore)
	assert.True(t, tree.LastLocation().IsZero())
	assert.Error(t, tree.FreeAll())
}

func TestOwnerMismatch(t *testing.T) {
	tree, device, _ := testTree(t)

	require.NoError(t, tree.Insert(dirIndexKey(2), nil))
	location, err := tree.Flush(1, blockdev.MarkCommit)
	require.NoError(t, err)

	_, err = Open(TreeConfigStruct{
		Owner:          ilayout.CsumTreeObjectID,
		MaxKeysPerNode: 4,
		Device:         device,
	}, location)
	assert.True(t, blunder.Is(err, blunder.LogCorruptError))

	_, err = Open(TreeConfigStruct{
		Owner:          ilayout.FsTreeObjectID,
		MaxKeysPerNode: 4,
		Device:         device,
	}, LocationStruct{ObjectNumber: location.ObjectNumber + 100, ObjectLength: location.ObjectLength})
	assert.Error(t, err)

	empty, err := Open(TreeConfigStruct{Owner: ilayout.FsTreeObjectID, MaxKeysPerNode: 4, Device: device}, LocationStruct{})
	require.NoError(t, err)
	numItems, err := empty.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, numItems)
}

func TestSequentialFlush(t *testing.T) {
	device := blockdev.New(blockdev.ConfigStruct{Sequential: true}, t.Name())
	defer device.Close(t.Name())

	allocator := &testAllocatorStruct{}
	newLogTree := func() *Tree {
		return New(TreeConfigStruct{Owner: ilayout.TreeLogObjectID, MaxKeysPerNode: 4, Device: device, Allocator: allocator})
	}

	even := newLogTree()
	odd := newLogTree()
	require.NoError(t, even.Insert(dirIndexKey(2), nil))
	require.NoError(t, odd.Insert(dirIndexKey(3), nil))

	_, err := even.Flush(1, blockdev.LogMark(0))
	require.NoError(t, err)

	location, err := odd.Flush(1, blockdev.LogMark(1))
	assert.True(t, blunder.Is(err, blunder.TryAgainError))
	assert.False(t, location.IsZero())
	assert.Equal(t, location, odd.LastLocation())
}
