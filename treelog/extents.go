// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"math"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/csumstore"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
)

// logCsums adds sum to the log. A data extent reflinked in trans may be
// logged by several inodes at once, so its checksums replace any overlapping
// ones while the byte range is locked.
func (engine *Engine) logCsums(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct, sum csumstore.SumStruct) (err error) {
	var (
		waited bool
	)

	csumStore := engine.fsInfo.CsumStore

	if 0 == len(sum.Sums) {
		return
	}

	if inode.LastReflinkTrans < trans.TransID {
		err = csumStore.Insert(logTree, sum)
		return
	}

	start := sum.Bytenr
	end := csumStore.End(sum)

	waited = engine.csumRangeLock.lock(start, end)
	if waited {
		engine.stats.CsumRangeLockWaits.Increment()
		logger.DebugfID(logger.DbgInternal, "treelog waited on csum range [0x%X, 0x%X) of inode %d", start, end, inode.Ino)
	}

	err = csumStore.DeleteRange(logTree, start, end)
	if nil == err {
		err = csumStore.Insert(logTree, sum)
	}

	engine.csumRangeLock.unlock(start)

	return
}

// logCsumsFromTree logs the checksums the csum tree holds for the disk
// byte range [start, end).
func (engine *Engine) logCsumsFromTree(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct, start uint64, end uint64) (err error) {
	var (
		sums []csumstore.SumStruct
	)

	sums, err = engine.fsInfo.CsumStore.Lookup(engine.fsInfo.CsumTree, start, end)
	if nil != err {
		return
	}

	for _, sum := range sums {
		err = engine.logCsums(trans, logTree, inode, sum)
		if nil != err {
			return
		}
	}

	return
}

// logExtentCsums logs the checksums of the data extentMap points to. Those
// of a write still ordered by ctx are taken from the write itself, once.
func (engine *Engine) logExtentCsums(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct, extentMap *ctree.ExtentMapStruct, ctx *LogContext) (err error) {
	var (
		logged bool
	)

	if extentMap.Prealloc || (0 == extentMap.DiskBytenr) {
		return
	}

	for _, orderedExtent := range ctx.orderedExtents {
		if orderedExtent.DiskBytenr != extentMap.DiskBytenr {
			continue
		}
		_, logged = ctx.loggedOrderedCsums[orderedExtent]
		if !logged {
			err = engine.logCsums(trans, logTree, inode, orderedExtent.Sums)
			if nil != err {
				return
			}
			ctx.loggedOrderedCsums[orderedExtent] = struct{}{}
		}
		return
	}

	start := extentMap.DiskBytenr + extentMap.Offset

	err = engine.logCsumsFromTree(trans, logTree, inode, start, start+extentMap.Len)

	return
}

// logOneExtent logs the ExtentData item described by extentMap, replacing
// whatever the log held for its file range.
func (engine *Engine) logOneExtent(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct, extentMap *ctree.ExtentMapStruct, ctx *LogContext) (err error) {
	var (
		fileExtentItem *ilayout.FileExtentItemStruct
		payload        []byte
	)

	err = engine.logExtentCsums(trans, logTree, inode, extentMap, ctx)
	if nil != err {
		return
	}

	fileExtentItem = &ilayout.FileExtentItemStruct{
		Generation: trans.TransID,
		Type:       ilayout.FileExtentReg,
		NumBytes:   extentMap.Len,
	}
	if extentMap.Prealloc {
		fileExtentItem.Type = ilayout.FileExtentPrealloc
	}
	if 0 == extentMap.DiskBytenr {
		fileExtentItem.RAMBytes = extentMap.Len
	} else {
		fileExtentItem.RAMBytes = extentMap.RAMBytes
		fileExtentItem.DiskBytenr = extentMap.DiskBytenr
		fileExtentItem.DiskNumBytes = extentMap.DiskNumBytes
		fileExtentItem.Offset = extentMap.Offset
	}

	if ctx.loggedBefore {
		_, err = ctree.DropExtents(trans, logTree, inode.Ino, extentMap.Start, extentMap.Start+extentMap.Len, false)
		if nil != err {
			return
		}
	}

	err = ctree.InsertFileExtent(logTree, inode.Ino, extentMap.Start, fileExtentItem)
	if (nil == err) || blunder.IsNot(err, blunder.FileExistsError) {
		return
	}

	payload, err = fileExtentItem.MarshalFileExtentItem()
	if nil != err {
		return
	}

	err = logTree.Put(ctree.ExtentDataKey(inode.Ino, extentMap.Start), payload)

	return
}

// logChangedExtents logs the extents modified in trans. Preallocated extents
// beyond EOF are logged as they are in the fs tree.
func (engine *Engine) logChangedExtents(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct, ctx *LogContext) (err error) {
	iSize := inode.Size()

	for _, extentMap := range inode.ModifiedExtents() {
		if extentMap.Generation < trans.TransID {
			continue
		}
		if extentMap.Prealloc && (extentMap.Start >= iSize) {
			continue
		}
		err = engine.logOneExtent(trans, logTree, inode, extentMap, ctx)
		if nil != err {
			return
		}
	}

	if inode.IsReg() {
		err = engine.logPreallocExtents(trans, logTree, inode)
		if nil != err {
			return
		}
	}

	inode.ClearModifiedExtents()
	inode.ClearOrderedExtents()

	return
}

// logPreallocExtents copies the extents of inode lying wholly at or beyond
// EOF (fallocate() with KEEP_SIZE) into the log, first dropping whatever the
// log held from the end of the extent straddling EOF onwards.
func (engine *Engine) logPreallocExtents(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct) (err error) {
	var (
		fileExtents    []ctree.FileExtentStruct
		payload        []byte
		truncateOffset uint64
	)

	iSize := inode.Size()

	fileExtents, err = ctree.FileExtents(inode.Root.Tree, inode.Ino, iSize, math.MaxUint64)
	if nil != err {
		return
	}

	truncateOffset = iSize
	beyondEOF := make([]ctree.FileExtentStruct, 0, len(fileExtents))

	for _, fileExtent := range fileExtents {
		if fileExtent.FileOffset < iSize {
			if fileExtent.End() > iSize {
				truncateOffset = fileExtent.End()
			}
			continue
		}
		if ilayout.FileExtentPrealloc != fileExtent.Item.Type {
			continue
		}
		beyondEOF = append(beyondEOF, fileExtent)
	}

	if 0 == len(beyondEOF) {
		return
	}

	_, err = logTree.DeleteRange(ctree.ExtentDataKey(inode.Ino, truncateOffset), lastKeyOfType(inode.Ino, ilayout.ExtentDataKey))
	if nil != err {
		return
	}

	for _, fileExtent := range beyondEOF {
		payload, err = fileExtent.Item.MarshalFileExtentItem()
		if nil != err {
			return
		}
		err = logTree.Put(ctree.ExtentDataKey(inode.Ino, fileExtent.FileOffset), payload)
		if nil != err {
			return
		}
	}

	return
}

// logHoles logs explicit hole items for the gaps between the extents of
// inode when the fs tree leaves holes implicit, so that replaying the log
// punches them.
func (engine *Engine) logHoles(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct) (err error) {
	var (
		fileExtents []ctree.FileExtentStruct
		prevEnd     uint64
	)

	iSize := inode.Size()

	if !engine.fsInfo.Config.NoHoles || (0 == iSize) {
		return
	}

	fileExtents, err = ctree.FileExtents(inode.Root.Tree, inode.Ino, 0, math.MaxUint64)
	if nil != err {
		return
	}

	for _, fileExtent := range fileExtents {
		if fileExtent.FileOffset > prevEnd {
			err = logHole(trans, logTree, inode.Ino, prevEnd, fileExtent.FileOffset)
			if nil != err {
				return
			}
		}
		prevEnd = fileExtent.End()
	}

	if prevEnd < iSize {
		sectorSize := engine.fsInfo.Config.SectorSize
		holeEnd := ((iSize + sectorSize - 1) / sectorSize) * sectorSize
		err = logHole(trans, logTree, inode.Ino, prevEnd, holeEnd)
	}

	return
}

func logHole(trans *ctree.TransStruct, logTree *itemstore.Tree, ino uint64, start uint64, end uint64) (err error) {
	var (
		payload []byte
	)

	holeItem := &ilayout.FileExtentItemStruct{
		Generation: trans.TransID,
		RAMBytes:   end - start,
		Type:       ilayout.FileExtentReg,
		NumBytes:   end - start,
	}

	payload, err = holeItem.MarshalFileExtentItem()
	if nil != err {
		return
	}

	err = logTree.Put(ctree.ExtentDataKey(ino, start), payload)

	return
}
