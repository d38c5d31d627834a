// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ilayout"
)

func testFormat(t *testing.T, config ConfigStruct) (device *blockdev.DeviceStruct, fsInfo *FsInfoStruct) {
	var (
		err error
	)

	device = blockdev.New(blockdev.ConfigStruct{DataAreaSize: 64 << 20}, t.Name())

	fsInfo, err = Format(config, device, t.Name())
	require.NoError(t, err)

	return
}

func testReload(t *testing.T, config ConfigStruct, device *blockdev.DeviceStruct, fsInfo *FsInfoStruct) (reloaded *FsInfoStruct) {
	var (
		err error
	)

	fsInfo.Close()

	reloaded, err = Load(config, device, t.Name())
	require.NoError(t, err)

	return
}

func testRootDir(t *testing.T, fsInfo *FsInfoStruct) (root *RootStruct, dir *InodeStruct) {
	var (
		err error
	)

	root, err = fsInfo.Root(ilayout.FsTreeObjectID)
	require.NoError(t, err)

	dir, err = root.Iget(ilayout.RootDirObjectID)
	require.NoError(t, err)

	return
}

func testCreate(t *testing.T, trans *TransStruct, dir *InodeStruct, name string, mode uint32) (inode *InodeStruct) {
	var (
		err error
	)

	inode, err = dir.Root.NewInode(trans, mode, 0, 0, 0)
	require.NoError(t, err)

	_, err = AddLink(trans, dir, inode, name, 0, true)
	require.NoError(t, err)

	return
}

func testPattern(n int, seed byte) (buf []byte) {
	buf = make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return
}

func TestFormatLoad(t *testing.T) {
	config := ConfigStruct{}

	device, fsInfo := testFormat(t, config)
	defer device.Close(t.Name())

	assert.Equal(t, uint64(1), fsInfo.Generation())
	assert.Equal(t, uint64(2), fsInfo.JoinTransaction().TransID)

	root, dir := testRootDir(t, fsInfo)
	assert.True(t, dir.IsDir())
	assert.Equal(t, ilayout.DirStartIndex, dir.IndexCnt)
	root.Iput(dir)

	trans := fsInfo.JoinTransaction()
	_, dir = testRootDir(t, fsInfo)
	file := testCreate(t, trans, dir, "file", ilayout.ModeReg|0o644)
	fileIno := file.Ino
	root.Iput(file)
	root.Iput(dir)

	require.NoError(t, fsInfo.CommitTransaction())
	assert.Equal(t, uint64(2), fsInfo.Generation())

	fsInfo = testReload(t, config, device, fsInfo)
	defer fsInfo.Close()

	assert.Equal(t, uint64(2), fsInfo.Generation())

	root, dir = testRootDir(t, fsInfo)
	defer root.Iput(dir)

	dirEntry, ok, err := LookupDirItem(dir, "file")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fileIno, dirEntry.Location.ObjectID)
	assert.Equal(t, ilayout.FileTypeReg, dirEntry.FileType)
	assert.Equal(t, ilayout.DirStartIndex+1, dir.IndexCnt)
	assert.Equal(t, uint64(2*len("file")), dir.Size())
	assert.Equal(t, fileIno, root.HighestObjectID())

	file, err = root.Iget(fileIno)
	require.NoError(t, err)
	assert.True(t, file.NeedsFullSync)
	assert.Equal(t, uint64(0), file.LoggedTrans)
	root.Iput(file)
}

func TestLoadDefaultsConfig(t *testing.T) {
	device, fsInfo := testFormat(t, ConfigStruct{SectorSize: 4096})
	defer device.Close(t.Name())

	fsInfo.Close()

	_, err := Load(ConfigStruct{SectorSize: 8192}, device, t.Name())
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))

	// Missing options default as they do for Format()
	fsInfo, err = Load(ConfigStruct{}, device, t.Name())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), fsInfo.Generation())
	fsInfo.Close()
}

func TestCrashLosesUncommitted(t *testing.T) {
	config := ConfigStruct{}

	device, fsInfo := testFormat(t, config)
	defer device.Close(t.Name())

	trans := fsInfo.JoinTransaction()
	root, dir := testRootDir(t, fsInfo)
	root.Iput(testCreate(t, trans, dir, "lost", ilayout.ModeReg|0o644))
	root.Iput(dir)

	device.Crash()

	fsInfo = testReload(t, config, device, fsInfo)
	defer fsInfo.Close()

	root, dir = testRootDir(t, fsInfo)
	defer root.Iput(dir)

	_, ok, err := LookupDirItem(dir, "lost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLinkUnlink(t *testing.T) {
	for _, delayedDirIndex := range []bool{false, true} {
		config := ConfigStruct{DelayedDirIndex: delayedDirIndex, MaxRefItemSize: 32}

		device, fsInfo := testFormat(t, config)

		trans := fsInfo.JoinTransaction()
		root, dir := testRootDir(t, fsInfo)

		file := testCreate(t, trans, dir, "a", ilayout.ModeReg|0o644)

		_, err := AddLink(trans, dir, file, "a", 0, true)
		assert.True(t, blunder.Is(err, blunder.FileExistsError))

		// The second and third names overflow the InodeRef item
		for _, name := range []string{"second-name-for-a", "third-name-for-a"} {
			_, err = AddLink(trans, dir, file, name, 0, true)
			require.NoError(t, err)
			file.SetNLink(file.NLink() + 1)
		}
		require.NoError(t, file.UpdateInode(trans))

		inodeRefs, err := InodeRefs(file)
		require.NoError(t, err)
		require.Equal(t, 3, len(inodeRefs))
		numExt := 0
		for _, inodeRef := range inodeRefs {
			if inodeRef.Ext {
				numExt++
			}
		}
		assert.True(t, numExt > 0)

		dirIndexEntries, err := ScanDirIndex(dir, 0)
		require.NoError(t, err)
		require.Equal(t, 3, len(dirIndexEntries))
		assert.Equal(t, "a", dirIndexEntries[0].Entry.Name)
		assert.Equal(t, ilayout.DirStartIndex, dirIndexEntries[0].Index)
		if delayedDirIndex {
			assert.Equal(t, 3, len(dir.DelayedInsertions()))
		} else {
			assert.Equal(t, 0, len(dir.DelayedInsertions()))
		}

		require.NoError(t, fsInfo.CommitTransaction())
		assert.Equal(t, 0, len(dir.DelayedInsertions()))

		trans = fsInfo.JoinTransaction()
		index, err := Unlink(trans, dir, file, "second-name-for-a")
		require.NoError(t, err)
		assert.Equal(t, ilayout.DirStartIndex+1, index)
		assert.Equal(t, uint32(2), file.NLink())
		assert.Equal(t, delayedDirIndex, dir.IsDelayedDeletion(index))

		_, ok, err := LookupDirIndex(dir, index)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = LookupDirItem(dir, "second-name-for-a")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = LookupInodeRef(file, dir.Ino, "second-name-for-a")
		require.NoError(t, err)
		assert.False(t, ok)

		index, ok, err = LookupInodeRef(file, dir.Ino, "third-name-for-a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, ilayout.DirStartIndex+2, index)

		dirIndexEntries, err = ScanDirIndex(dir, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, len(dirIndexEntries))

		require.NoError(t, fsInfo.CommitTransaction())
		assert.False(t, dir.IsDelayedDeletion(ilayout.DirStartIndex+1))

		root.Iput(file)
		root.Iput(dir)
		fsInfo.Close()
		device.Close(t.Name())
	}
}

func TestDelayedInsertionCancelledByUnlink(t *testing.T) {
	config := ConfigStruct{DelayedDirIndex: true}

	device, fsInfo := testFormat(t, config)
	defer device.Close(t.Name())
	defer fsInfo.Close()

	trans := fsInfo.JoinTransaction()
	root, dir := testRootDir(t, fsInfo)
	defer root.Iput(dir)

	file := testCreate(t, trans, dir, "short-lived", ilayout.ModeReg|0o644)
	defer root.Iput(file)

	assert.Equal(t, 1, len(dir.DelayedInsertions()))

	_, err := Unlink(trans, dir, file, "short-lived")
	require.NoError(t, err)

	assert.Equal(t, 0, len(dir.DelayedInsertions()))
	assert.Equal(t, 0, len(dir.DelayedDeletions()))
	assert.Equal(t, uint32(0), file.NLink())
	assert.Equal(t, uint64(0), dir.Size())
}

func TestWriteReadTruncate(t *testing.T) {
	config := ConfigStruct{}

	device, fsInfo := testFormat(t, config)
	defer device.Close(t.Name())

	trans := fsInfo.JoinTransaction()
	root, dir := testRootDir(t, fsInfo)
	file := testCreate(t, trans, dir, "data", ilayout.ModeReg|0o644)
	fileIno := file.Ino

	data := testPattern(10000, 1)
	require.NoError(t, file.Write(trans, 0, data))
	assert.Equal(t, uint64(10000), file.Size())
	assert.Equal(t, uint64(12288), file.Item.NBytes)

	// Overwrite the middle, unaligned
	patch := testPattern(100, 77)
	require.NoError(t, file.Write(trans, 5000, patch))
	copy(data[5000:], patch)

	readBack, err := file.ReadData(0, 20000)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, readBack))
	assert.Equal(t, uint64(12288), file.Item.NBytes)

	fileExtents, err := file.Extents()
	require.NoError(t, err)
	require.Equal(t, 3, len(fileExtents))
	for _, fileExtent := range fileExtents {
		assert.False(t, fileExtent.IsHole(), "extent at %d reads as a hole", fileExtent.FileOffset)
	}
	assert.Equal(t, uint64(4096), fileExtents[1].FileOffset)
	assert.Equal(t, uint64(4096), fileExtents[1].Item.NumBytes)
	assert.Equal(t, fileExtents[0].Item.DiskBytenr, fileExtents[2].Item.DiskBytenr)
	assert.Equal(t, uint64(8192), fileExtents[2].Item.Offset)

	assert.Equal(t, 3, len(file.ModifiedExtents()))
	assert.Equal(t, 2, len(file.OrderedExtents()))

	require.NoError(t, file.Truncate(trans, 4100))
	assert.Equal(t, uint64(4100), file.Size())
	assert.True(t, file.NeedsFullSync)
	assert.Equal(t, uint64(8192), file.Item.NBytes)

	readBack, err = file.ReadData(0, 20000)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[:4100], readBack))

	require.NoError(t, fsInfo.CommitTransaction())
	assert.Equal(t, 0, len(file.ModifiedExtents()))
	assert.Equal(t, 0, len(file.OrderedExtents()))

	root.Iput(file)
	root.Iput(dir)

	fsInfo = testReload(t, config, device, fsInfo)
	defer fsInfo.Close()

	root, err = fsInfo.Root(ilayout.FsTreeObjectID)
	require.NoError(t, err)
	file, err = root.Iget(fileIno)
	require.NoError(t, err)
	defer root.Iput(file)

	readBack, err = file.ReadData(0, 20000)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[:4100], readBack))
}

func TestHolesAndFallocate(t *testing.T) {
	config := ConfigStruct{NoHoles: false}

	device, fsInfo := testFormat(t, config)
	defer device.Close(t.Name())
	defer fsInfo.Close()

	trans := fsInfo.JoinTransaction()
	root, dir := testRootDir(t, fsInfo)
	defer root.Iput(dir)
	file := testCreate(t, trans, dir, "sparse", ilayout.ModeReg|0o644)
	defer root.Iput(file)

	require.NoError(t, file.Write(trans, 8192, testPattern(4096, 3)))

	fileExtents, err := file.Extents()
	require.NoError(t, err)
	require.Equal(t, 2, len(fileExtents))
	assert.True(t, fileExtents[0].IsHole())
	assert.Equal(t, uint64(8192), fileExtents[0].Item.NumBytes)

	require.NoError(t, file.Fallocate(trans, 0, 4096, true))
	require.NoError(t, file.Fallocate(trans, 12288, 8192, true))
	assert.Equal(t, uint64(12288), file.Size())

	fileExtents, err = file.Extents()
	require.NoError(t, err)
	require.Equal(t, 4, len(fileExtents))
	assert.Equal(t, ilayout.FileExtentPrealloc, fileExtents[0].Item.Type)
	assert.True(t, fileExtents[1].IsHole())
	assert.Equal(t, uint64(4096), fileExtents[1].FileOffset)
	assert.Equal(t, ilayout.FileExtentPrealloc, fileExtents[3].Item.Type)
	assert.Equal(t, uint64(12288), fileExtents[3].FileOffset)

	readBack, err := file.ReadData(0, 4096)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(make([]byte, 4096), readBack))
}

func TestCloneSharesExtents(t *testing.T) {
	config := ConfigStruct{}

	device, fsInfo := testFormat(t, config)
	defer device.Close(t.Name())
	defer fsInfo.Close()

	trans := fsInfo.JoinTransaction()
	root, dir := testRootDir(t, fsInfo)
	defer root.Iput(dir)
	src := testCreate(t, trans, dir, "src", ilayout.ModeReg|0o644)
	defer root.Iput(src)
	dst := testCreate(t, trans, dir, "dst", ilayout.ModeReg|0o644)
	defer root.Iput(dst)

	data := testPattern(16384, 9)
	require.NoError(t, src.Write(trans, 0, data))

	srcExtents, err := src.Extents()
	require.NoError(t, err)
	require.Equal(t, 1, len(srcExtents))
	bytenr := srcExtents[0].Item.DiskBytenr

	require.NoError(t, Clone(trans, src, 4096, 8192, dst, 0))
	assert.Equal(t, uint64(8192), dst.Size())
	assert.Equal(t, trans.TransID, src.LastReflinkTrans)
	assert.Equal(t, trans.TransID, dst.LastReflinkTrans)
	assert.True(t, dst.NeedsFullSync)

	refs, err := fsInfo.Allocator.LookupDataExtent(bytenr, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), refs)

	readBack, err := dst.ReadData(0, 8192)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[4096:12288], readBack))

	// Dropping the source leaves the shared extent and its csums in place
	require.NoError(t, src.Truncate(trans, 0))
	refs, err = fsInfo.Allocator.LookupDataExtent(bytenr, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), refs)

	readBack, err = dst.ReadData(0, 8192)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data[4096:12288], readBack))

	require.NoError(t, dst.Truncate(trans, 0))
	refs, err = fsInfo.Allocator.LookupDataExtent(bytenr, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), refs)

	sums, err := fsInfo.CsumStore.Lookup(fsInfo.CsumTree, bytenr, bytenr+16384)
	require.NoError(t, err)
	assert.Equal(t, 0, len(sums))
}

func TestXattrsAndOrphans(t *testing.T) {
	config := ConfigStruct{}

	device, fsInfo := testFormat(t, config)
	defer device.Close(t.Name())
	defer fsInfo.Close()

	trans := fsInfo.JoinTransaction()
	root, dir := testRootDir(t, fsInfo)
	defer root.Iput(dir)
	file := testCreate(t, trans, dir, "x", ilayout.ModeReg|0o644)

	require.NoError(t, file.SetXattr(trans, "user.b", []byte("2")))
	require.NoError(t, file.SetXattr(trans, "user.a", []byte("1")))
	require.NoError(t, file.SetXattr(trans, "user.a", []byte("one")))

	names, err := file.ListXattrs()
	require.NoError(t, err)
	assert.Equal(t, []string{"user.a", "user.b"}, names)

	value, err := file.GetXattr("user.a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), value)

	require.NoError(t, file.RemoveXattr(trans, "user.b"))
	_, err = file.GetXattr("user.b")
	assert.True(t, blunder.Is(err, blunder.NoDataError))
	assert.True(t, blunder.Is(file.RemoveXattr(trans, "user.b"), blunder.NoDataError))

	require.NoError(t, file.Write(trans, 0, testPattern(4096, 5)))

	_, err = Unlink(trans, dir, file, "x")
	require.NoError(t, err)
	require.NoError(t, root.InsertOrphan(trans, file.Ino))

	inos, err := root.ScanOrphans()
	require.NoError(t, err)
	assert.Equal(t, []uint64{file.Ino}, inos)

	root.Iput(file)
	require.NoError(t, root.DeleteInode(trans, file))

	inos, err = root.ScanOrphans()
	require.NoError(t, err)
	assert.Equal(t, 0, len(inos))

	_, err = root.Iget(file.Ino)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
}

func TestCreateRoot(t *testing.T) {
	config := ConfigStruct{}

	device, fsInfo := testFormat(t, config)
	defer device.Close(t.Name())

	trans := fsInfo.JoinTransaction()

	_, err := fsInfo.CreateRoot(trans, ilayout.FsTreeObjectID)
	assert.True(t, blunder.Is(err, blunder.FileExistsError))
	_, err = fsInfo.CreateRoot(trans, 17)
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))

	root, err := fsInfo.CreateRoot(trans, 300)
	require.NoError(t, err)
	assert.Equal(t, trans.TransID, root.Generation)

	require.NoError(t, fsInfo.CommitTransaction())

	fsInfo = testReload(t, config, device, fsInfo)
	defer fsInfo.Close()

	roots, err := fsInfo.Roots()
	require.NoError(t, err)
	require.Equal(t, 2, len(roots))
	assert.Equal(t, ilayout.FsTreeObjectID, roots[0].ID)
	assert.Equal(t, uint64(300), roots[1].ID)

	dir, err := roots[1].Iget(ilayout.RootDirObjectID)
	require.NoError(t, err)
	assert.True(t, dir.IsDir())
	roots[1].Iput(dir)
}

func TestAbortMakesReadOnly(t *testing.T) {
	config := ConfigStruct{}

	device, fsInfo := testFormat(t, config)
	defer device.Close(t.Name())
	defer fsInfo.Close()

	trans := fsInfo.JoinTransaction()
	assert.False(t, trans.NeedFullCommit())

	trans.SetNeedFullCommit()
	assert.True(t, trans.NeedFullCommit())

	trans.Abort(blunder.NewError(blunder.IOError, "injected"))

	err := fsInfo.CommitTransaction()
	assert.True(t, blunder.Is(err, blunder.ReadOnlyError))
}
