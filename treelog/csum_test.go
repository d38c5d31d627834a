// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/csumstore"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
)

func TestCsumNonOverlapAfterClones(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	defer tfs.root.Iput(dir)
	file := tfs.create(trans, dir, "a", ilayout.ModeReg|0o644)
	defer tfs.root.Iput(file)

	file.LastReflinkTrans = trans.TransID

	logTree := itemstore.New(tfs.fsInfo.TreeConfig(ilayout.TreeLogObjectID, 0))
	sectorSize := tfs.fsInfo.CsumStore.SectorSize()

	require.NoError(t, tfs.engine.logCsums(trans, logTree, file, csumstore.SumStruct{Bytenr: 0, Sums: []uint32{1, 2, 3, 4}}))
	require.NoError(t, tfs.engine.logCsums(trans, logTree, file, csumstore.SumStruct{Bytenr: 2 * sectorSize, Sums: []uint32{5, 6, 7, 8}}))

	sums, err := tfs.fsInfo.CsumStore.Lookup(logTree, 0, 6*sectorSize)
	require.NoError(t, err)
	require.NotEmpty(t, sums)

	flattened := make([]uint32, 0)
	nextBytenr := uint64(0)
	for _, sum := range sums {
		assert.Equal(t, nextBytenr, sum.Bytenr)
		flattened = append(flattened, sum.Sums...)
		nextBytenr = tfs.fsInfo.CsumStore.End(sum)
	}

	assert.Equal(t, []uint32{1, 2, 5, 6, 7, 8}, flattened)
	assert.Equal(t, uint64(0), tfs.engine.stats.CsumRangeLockWaits.TotalGet())
}

func TestLogCsumsEmpty(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	defer tfs.root.Iput(dir)

	logTree := itemstore.New(tfs.fsInfo.TreeConfig(ilayout.TreeLogObjectID, 0))

	require.NoError(t, tfs.engine.logCsums(trans, logTree, dir, csumstore.SumStruct{Bytenr: 4096}))

	sums, err := tfs.fsInfo.CsumStore.Lookup(logTree, 0, 1<<20)
	require.NoError(t, err)
	assert.Empty(t, sums)
}

func TestCloneTwiceLogsDisjointCsums(t *testing.T) {
	var (
		prevEnd uint64
		sums    []csumstore.SumStruct
	)

	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	src := tfs.create(trans, dir, "src", ilayout.ModeReg|0o644)
	dst := tfs.create(trans, dir, "dst", ilayout.ModeReg|0o644)
	data := testPattern(16384, 11)
	require.NoError(t, src.Write(trans, 0, data))
	require.NoError(t, tfs.fsInfo.CommitTransaction())

	trans = tfs.fsInfo.JoinTransaction()
	require.NoError(t, ctree.Clone(trans, src, 0, 16384, dst, 0))
	assert.False(t, tfs.fsync(dst, dir))

	trans = tfs.fsInfo.JoinTransaction()
	require.NoError(t, ctree.Clone(trans, src, 4096, 8192, dst, 16384))
	assert.False(t, tfs.fsync(dst, dir))

	logTree, err := tfs.engine.currentLog(tfs.root)
	require.NoError(t, err)
	require.NotNil(t, logTree)

	err = logTree.Scan(csumstore.Key(0), csumstore.Key(math.MaxUint64), func(item itemstore.ItemStruct) (keepGoing bool, err error) {
		var (
			sum csumstore.SumStruct
		)

		keepGoing = true
		if (ilayout.ExtentCsumObjectID != item.Key.ObjectID) || (ilayout.ExtentCsumKey != item.Key.Type) {
			return
		}
		sum.Bytenr = item.Key.Offset
		sum.Sums, err = ilayout.UnmarshalCsums(item.Payload)
		sums = append(sums, sum)
		return
	})
	require.NoError(t, err)
	require.NotEmpty(t, sums)

	for i, sum := range sums {
		if 0 < i {
			assert.GreaterOrEqual(t, sum.Bytenr, prevEnd, "csum item %d overlaps its predecessor", i)
		}
		prevEnd = tfs.fsInfo.CsumStore.End(sum)
	}

	tfs.root.Iput(src)
	tfs.root.Iput(dst)
	tfs.root.Iput(dir)

	tfs.crashAndRecover()

	dir = tfs.rootDir()
	defer tfs.root.Iput(dir)
	ino, ok := tfs.lookup(dir, "dst")
	require.True(t, ok)
	dst, err = tfs.root.Iget(ino)
	require.NoError(t, err)
	defer tfs.root.Iput(dst)

	expected := append(append([]byte{}, data...), data[4096:12288]...)
	assert.Equal(t, uint64(len(expected)), dst.Size())
	readBack, err := dst.ReadData(0, uint64(len(expected)))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(expected, readBack))
}
