// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ilayout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyOrdering(t *testing.T) {
	keys := []Key{
		{ObjectID: 256, Type: InodeItemKey, Offset: 0},
		{ObjectID: 256, Type: InodeRefKey, Offset: 256},
		{ObjectID: 256, Type: XattrItemKey, Offset: 7},
		{ObjectID: 256, Type: DirLogIndexKey, Offset: 2},
		{ObjectID: 256, Type: DirIndexKey, Offset: 2},
		{ObjectID: 256, Type: DirIndexKey, Offset: 3},
		{ObjectID: 257, Type: InodeItemKey, Offset: 0},
		{ObjectID: TreeLogObjectID, Type: RootItemKey, Offset: FsTreeObjectID},
	}

	for i := 1; i < len(keys); i++ {
		assert.True(t, keys[i-1].Less(keys[i]), "%v !< %v", keys[i-1], keys[i])
		assert.Equal(t, 1, keys[i].Compare(keys[i-1]))
	}
	assert.Equal(t, 0, keys[3].Compare(keys[3]))

	assert.Equal(t, Key{ObjectID: 1, Type: 2, Offset: 4}, Key{ObjectID: 1, Type: 2, Offset: 3}.Next())
	assert.Equal(t, Key{ObjectID: 1, Type: 3, Offset: 0}, Key{ObjectID: 1, Type: 2, Offset: ^uint64(0)}.Next())
	assert.Equal(t, Key{ObjectID: 2, Type: 0, Offset: 0}, Key{ObjectID: 1, Type: MaxKeyType, Offset: ^uint64(0)}.Next())

	assert.Equal(t, "(256 DIR_INDEX 2)", keys[4].String())
	assert.Equal(t, "(TREE_LOG ROOT_ITEM 5)", keys[7].String())
}

func TestPackKey(t *testing.T) {
	key := Key{ObjectID: 0x0102030405060708, Type: DirItemKey, Offset: 0x1112131415161718}

	keyBuf := PackKey(key)
	require.Equal(t, KeySize, len(keyBuf))
	assert.Equal(t, byte(0x08), keyBuf[0])
	assert.Equal(t, byte(0x01), keyBuf[7])
	assert.Equal(t, DirItemKey, keyBuf[8])
	assert.Equal(t, byte(0x18), keyBuf[9])

	unpackedKey, bytesConsumed, err := UnpackKey(append(keyBuf, 0xFF))
	require.NoError(t, err)
	assert.Equal(t, uint64(KeySize), bytesConsumed)
	assert.Equal(t, key, unpackedKey)

	_, _, err = UnpackKey(keyBuf[:KeySize-1])
	assert.Error(t, err)
}

func TestDirEntries(t *testing.T) {
	dirEntries := []DirEntryStruct{
		{Location: Key{ObjectID: 257, Type: InodeItemKey}, TransID: 9, FileType: FileTypeReg, Name: "foo"},
		{Location: Key{ObjectID: 258, Type: InodeItemKey}, TransID: 10, FileType: FileTypeDir, Name: "collides-with-foo"},
	}

	dirEntriesBuf, err := MarshalDirEntries(dirEntries)
	require.NoError(t, err)
	assert.Equal(t, 2*dirEntryHeaderSize+3+17, len(dirEntriesBuf))

	unmarshaledDirEntries, err := UnmarshalDirEntries(dirEntriesBuf)
	require.NoError(t, err)
	assert.Equal(t, dirEntries, unmarshaledDirEntries)

	_, err = UnmarshalDirEntries(dirEntriesBuf[:len(dirEntriesBuf)-1])
	assert.Error(t, err)

	longName := make([]byte, MaxNameLen+1)
	for i := range longName {
		longName[i] = 'x'
	}
	_, err = MarshalDirEntries([]DirEntryStruct{{Name: string(longName)}})
	assert.Error(t, err)
}

func TestRefsAndXattrs(t *testing.T) {
	inodeRefs := []InodeRefEntryStruct{{Index: 2, Name: "a"}, {Index: 5, Name: "b"}}
	inodeRefsBuf, err := MarshalInodeRefs(inodeRefs)
	require.NoError(t, err)
	assert.Equal(t, 2*(InodeRefHeaderSize+1), len(inodeRefsBuf))
	unmarshaledInodeRefs, err := UnmarshalInodeRefs(inodeRefsBuf)
	require.NoError(t, err)
	assert.Equal(t, inodeRefs, unmarshaledInodeRefs)

	inodeExtRefs := []InodeExtRefEntryStruct{{Parent: 300, Index: 7, Name: "long"}}
	inodeExtRefsBuf, err := MarshalInodeExtRefs(inodeExtRefs)
	require.NoError(t, err)
	unmarshaledInodeExtRefs, err := UnmarshalInodeExtRefs(inodeExtRefsBuf)
	require.NoError(t, err)
	assert.Equal(t, inodeExtRefs, unmarshaledInodeExtRefs)

	xattrs := []XattrEntryStruct{{Name: "user.a", Value: []byte("1")}, {Name: "user.empty", Value: []byte{}}}
	xattrsBuf, err := MarshalXattrs(xattrs)
	require.NoError(t, err)
	unmarshaledXattrs, err := UnmarshalXattrs(xattrsBuf)
	require.NoError(t, err)
	assert.Equal(t, xattrs, unmarshaledXattrs)

	assert.NotEqual(t, ExtRefHash(256, "x"), ExtRefHash(257, "x"))
	assert.Equal(t, NameHash("x"), NameHash("x"))
}

func TestFixedPayloads(t *testing.T) {
	inodeItem := &InodeItemStruct{Generation: 3, TransID: 4, Size: 5, NBytes: 4096, NLink: 1, Mode: ModeReg | 0o644}
	inodeItemBuf, err := inodeItem.MarshalInodeItem()
	require.NoError(t, err)
	unmarshaledInodeItem, err := UnmarshalInodeItem(inodeItemBuf)
	require.NoError(t, err)
	assert.Equal(t, inodeItem, unmarshaledInodeItem)
	assert.True(t, unmarshaledInodeItem.IsReg())
	assert.False(t, unmarshaledInodeItem.IsDir())

	_, err = UnmarshalInodeItem(inodeItemBuf[1:])
	assert.Error(t, err)

	dirLogItemBuf, err := (&DirLogItemStruct{End: ^uint64(0)}).MarshalDirLogItem()
	require.NoError(t, err)
	assert.Equal(t, 8, len(dirLogItemBuf))
	dirLogItem, err := UnmarshalDirLogItem(dirLogItemBuf)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), dirLogItem.End)

	csums := []uint32{0xDEADBEEF, 1, 2}
	unmarshaledCsums, err := UnmarshalCsums(MarshalCsums(csums))
	require.NoError(t, err)
	assert.Equal(t, csums, unmarshaledCsums)
	_, err = UnmarshalCsums([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestObjectHeader(t *testing.T) {
	nodeBuf := []byte("node image")

	objectBuf, err := MarshalObjectHeader(7, TreeLogObjectID, nodeBuf)
	require.NoError(t, err)
	require.Equal(t, ObjectHeaderSize+len(nodeBuf), len(objectBuf))

	objectHeader, unmarshaledNodeBuf, err := UnmarshalObjectHeader(objectBuf)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), objectHeader.Generation)
	assert.Equal(t, TreeLogObjectID, objectHeader.Owner)
	assert.Equal(t, nodeBuf, unmarshaledNodeBuf)

	objectBuf[len(objectBuf)-1] ^= 0xFF
	_, _, err = UnmarshalObjectHeader(objectBuf)
	assert.Error(t, err)

	_, _, err = UnmarshalObjectHeader(objectBuf[:ObjectHeaderSize-1])
	assert.Error(t, err)
}

func TestSuperBlock(t *testing.T) {
	superBlock := &SuperBlockStruct{
		Magic:               SuperBlockMagic,
		Generation:          12,
		SectorSize:          4096,
		NextObjectNumber:    99,
		LogRootObjectNumber: 98,
		LogRootObjectLength: 512,
		LogRootTransID:      3,
	}

	superBlockBuf, err := superBlock.MarshalSuperBlock()
	require.NoError(t, err)
	require.Equal(t, SuperBlockSize, len(superBlockBuf))

	unmarshaledSuperBlock, err := UnmarshalSuperBlock(superBlockBuf)
	require.NoError(t, err)
	assert.Equal(t, superBlock, unmarshaledSuperBlock)

	superBlockBuf[9] ^= 0x01
	_, err = UnmarshalSuperBlock(superBlockBuf)
	assert.Error(t, err)

	badMagicBuf, err := (&SuperBlockStruct{Magic: 1}).MarshalSuperBlock()
	require.NoError(t, err)
	_, err = UnmarshalSuperBlock(badMagicBuf)
	assert.Error(t, err)
}

func TestAllocSnapshot(t *testing.T) {
	freeRanges := []AllocFreeRangeStruct{{Start: 0, Length: 4096}, {Start: 16384, Length: 8192}}
	extentRefs := []AllocExtentRefStruct{{Bytenr: 4096, Length: 12288, Refs: 2}}

	snapshotBuf, err := MarshalAllocSnapshot(1<<30, freeRanges, extentRefs)
	require.NoError(t, err)

	dataAreaEnd, unmarshaledFreeRanges, unmarshaledExtentRefs, err := UnmarshalAllocSnapshot(snapshotBuf)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), dataAreaEnd)
	assert.Equal(t, freeRanges, unmarshaledFreeRanges)
	assert.Equal(t, extentRefs, unmarshaledExtentRefs)

	_, _, _, err = UnmarshalAllocSnapshot(snapshotBuf[:len(snapshotBuf)-8])
	assert.Error(t, err)
}
