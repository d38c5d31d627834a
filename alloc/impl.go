// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package alloc

import (
	"github.com/google/btree"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/logger"
)

const btreeDegree = 8

type rangeStruct struct {
	start  uint64
	length uint64
}

func (r *rangeStruct) Less(than btree.Item) bool {
	return r.start < than.(*rangeStruct).start
}

type extentRefStruct struct {
	bytenr uint64
	length uint64
	refs   uint64
}

func (extentRef *extentRefStruct) Less(than btree.Item) bool {
	return extentRef.bytenr < than.(*extentRefStruct).bytenr
}

func newAllocator(device *blockdev.DeviceStruct, statsGroupName string) (allocator *AllocatorStruct) {
	deviceConfig := device.Config()

	allocator = &AllocatorStruct{
		sectorSize:     deviceConfig.SectorSize,
		dataAreaSize:   deviceConfig.DataAreaSize,
		statsGroupName: statsGroupName,
		pinnedObjects:  make(map[uint64]struct{}),
		freeRanges:     btree.New(btreeDegree),
		excludedRanges: btree.New(btreeDegree),
		extentRefs:     btree.New(btreeDegree),
		stats:          &statsStruct{},
	}

	bucketstats.Register("alloc", statsGroupName, allocator.stats)

	return
}

func load(device *blockdev.DeviceStruct, superBlock *ilayout.SuperBlockStruct, statsGroupName string) (allocator *AllocatorStruct, err error) {
	var (
		dataAreaEnd uint64
		extentRefs  []ilayout.AllocExtentRefStruct
		freeRanges  []ilayout.AllocFreeRangeStruct
		snapshotBuf []byte
	)

	if 0 == superBlock.AllocObjectNumber {
		err = blunder.NewError(blunder.CorruptInodeError, "alloc.Load() superblock records no allocator snapshot")
		return
	}

	snapshotBuf, err = device.ReadObject(superBlock.AllocObjectNumber)
	if nil != err {
		return
	}
	if uint64(len(snapshotBuf)) != superBlock.AllocObjectLength {
		err = blunder.NewError(blunder.CorruptInodeError, "alloc.Load() snapshot object 0x%016X length %d != %d", superBlock.AllocObjectNumber, len(snapshotBuf), superBlock.AllocObjectLength)
		return
	}

	dataAreaEnd, freeRanges, extentRefs, err = ilayout.UnmarshalAllocSnapshot(snapshotBuf)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		return
	}

	allocator = newAllocator(device, statsGroupName)

	if dataAreaEnd > allocator.dataAreaSize {
		err = blunder.NewError(blunder.CorruptInodeError, "alloc.Load() snapshot DataAreaEnd %d beyond device DataAreaSize %d", dataAreaEnd, allocator.dataAreaSize)
		allocator.Close()
		allocator = nil
		return
	}

	allocator.nextObjectNumber = superBlock.NextObjectNumber
	allocator.snapshotObject = superBlock.AllocObjectNumber

	for _, freeRange := range freeRanges {
		insertRange(allocator.freeRanges, freeRange.Start, freeRange.Length)
	}
	if dataAreaEnd < allocator.dataAreaSize {
		insertRange(allocator.freeRanges, dataAreaEnd, allocator.dataAreaSize-dataAreaEnd)
	}

	for _, extentRef := range extentRefs {
		allocator.extentRefs.ReplaceOrInsert(&extentRefStruct{bytenr: extentRef.Bytenr, length: extentRef.Length, refs: extentRef.Refs})
	}

	logger.Infof("alloc loaded snapshot 0x%016X: %d free ranges %d extents, next object 0x%016X", superBlock.AllocObjectNumber, len(freeRanges), len(extentRefs), allocator.nextObjectNumber)

	return
}

// insertRange adds [start, start+length) to tree, merging it with adjacent
// ranges.
func insertRange(tree *btree.BTree, start uint64, length uint64) {
	var (
		next *rangeStruct
		prev *rangeStruct
	)

	if 0 == length {
		return
	}

	tree.DescendLessOrEqual(&rangeStruct{start: start}, func(item btree.Item) bool {
		prev = item.(*rangeStruct)
		return false
	})
	if (nil != prev) && (prev.start+prev.length == start) {
		tree.Delete(prev)
		start = prev.start
		length += prev.length
	}

	tree.AscendGreaterOrEqual(&rangeStruct{start: start}, func(item btree.Item) bool {
		next = item.(*rangeStruct)
		return false
	})
	if (nil != next) && (start+length == next.start) {
		tree.Delete(next)
		length += next.length
	}

	tree.ReplaceOrInsert(&rangeStruct{start: start, length: length})
}

// removeRange removes [start, start+length) from tree. The whole span must
// lie within a single range of tree.
func removeRange(tree *btree.BTree, start uint64, length uint64) (ok bool) {
	var (
		containing *rangeStruct
	)

	tree.DescendLessOrEqual(&rangeStruct{start: start}, func(item btree.Item) bool {
		containing = item.(*rangeStruct)
		return false
	})
	if (nil == containing) || (start+length > containing.start+containing.length) {
		return
	}

	tree.Delete(containing)
	if start > containing.start {
		tree.ReplaceOrInsert(&rangeStruct{start: containing.start, length: start - containing.start})
	}
	if start+length < containing.start+containing.length {
		tree.ReplaceOrInsert(&rangeStruct{start: start + length, length: (containing.start + containing.length) - (start + length)})
	}

	ok = true
	return
}

func (allocator *AllocatorStruct) insertFreeRange(start uint64, length uint64) {
	insertRange(allocator.freeRanges, start, length)
}

func (allocator *AllocatorStruct) roundUp(length uint64) uint64 {
	return ((length + allocator.sectorSize - 1) / allocator.sectorSize) * allocator.sectorSize
}

func (allocator *AllocatorStruct) findExtentRef(bytenr uint64) (extentRef *extentRefStruct) {
	item := allocator.extentRefs.Get(&extentRefStruct{bytenr: bytenr})
	if nil != item {
		extentRef = item.(*extentRefStruct)
	}
	return
}

func (allocator *AllocatorStruct) allocDataExtent(length uint64) (bytenr uint64, err error) {
	var (
		found *rangeStruct
	)

	if 0 == length {
		err = blunder.NewError(blunder.InvalidArgError, "alloc.AllocDataExtent(0)")
		return
	}

	length = allocator.roundUp(length)

	allocator.freeRanges.Ascend(func(item btree.Item) bool {
		if item.(*rangeStruct).length >= length {
			found = item.(*rangeStruct)
			return false
		}
		return true
	})
	if nil == found {
		err = blunder.NewError(blunder.NoSpaceError, "alloc.AllocDataExtent(%d) found no free range large enough", length)
		return
	}

	bytenr = found.start
	_ = removeRange(allocator.freeRanges, bytenr, length)

	allocator.extentRefs.ReplaceOrInsert(&extentRefStruct{bytenr: bytenr, length: length, refs: 1})

	allocator.stats.DataExtentAllocs.Increment()

	return
}

func (allocator *AllocatorStruct) incExtentRef(bytenr uint64, length uint64) (err error) {
	extentRef := allocator.findExtentRef(bytenr)
	if nil == extentRef {
		err = blunder.NewError(blunder.NotFoundError, "alloc.IncExtentRef(%d,%d) no such extent", bytenr, length)
		return
	}
	if (0 != length) && (allocator.roundUp(length) != extentRef.length) {
		err = blunder.NewError(blunder.InvalidArgError, "alloc.IncExtentRef(%d,%d) extent length is %d", bytenr, length, extentRef.length)
		return
	}

	extentRef.refs++

	return
}

func (allocator *AllocatorStruct) decExtentRef(bytenr uint64) (err error) {
	extentRef := allocator.findExtentRef(bytenr)
	if nil == extentRef {
		err = blunder.NewError(blunder.NotFoundError, "alloc.DecExtentRef(%d) no such extent", bytenr)
		return
	}

	extentRef.refs--

	if 0 == extentRef.refs {
		allocator.extentRefs.Delete(extentRef)
		allocator.pendingDataFrees = append(allocator.pendingDataFrees, rangeStruct{start: extentRef.bytenr, length: extentRef.length})
		allocator.stats.DataExtentFrees.Increment()
	}

	return
}

func (allocator *AllocatorStruct) lookupDataExtent(bytenr uint64, length uint64) (refs uint64, err error) {
	extentRef := allocator.findExtentRef(bytenr)
	if nil == extentRef {
		return
	}
	if (0 != length) && (allocator.roundUp(length) != extentRef.length) {
		err = blunder.NewError(blunder.InvalidArgError, "alloc.LookupDataExtent(%d,%d) extent length is %d", bytenr, length, extentRef.length)
		return
	}

	refs = extentRef.refs

	return
}

func (allocator *AllocatorStruct) excludeDataRange(bytenr uint64, length uint64) (err error) {
	length = allocator.roundUp(length)

	if nil != allocator.findExtentRef(bytenr) {
		return
	}
	if nil != allocator.excludedRanges.Get(&rangeStruct{start: bytenr}) {
		return
	}

	if !removeRange(allocator.freeRanges, bytenr, length) {
		err = blunder.NewError(blunder.LogCorruptError, "alloc.ExcludeDataRange(%d,%d) overlaps allocated space", bytenr, length)
		return
	}

	allocator.excludedRanges.ReplaceOrInsert(&rangeStruct{start: bytenr, length: length})

	allocator.stats.ExcludedRanges.Increment()

	return
}

func (allocator *AllocatorStruct) allocLoggedFileExtent(bytenr uint64, length uint64) (err error) {
	var (
		excluded btree.Item
	)

	length = allocator.roundUp(length)

	if nil != allocator.findExtentRef(bytenr) {
		err = allocator.incExtentRef(bytenr, length)
		return
	}

	excluded = allocator.excludedRanges.Get(&rangeStruct{start: bytenr})
	if nil != excluded {
		if excluded.(*rangeStruct).length != length {
			err = blunder.NewError(blunder.LogCorruptError, "alloc.AllocLoggedFileExtent(%d,%d) excluded as length %d", bytenr, length, excluded.(*rangeStruct).length)
			return
		}
		allocator.excludedRanges.Delete(excluded)
	} else if !removeRange(allocator.freeRanges, bytenr, length) {
		err = blunder.NewError(blunder.LogCorruptError, "alloc.AllocLoggedFileExtent(%d,%d) overlaps allocated space", bytenr, length)
		return
	}

	allocator.extentRefs.ReplaceOrInsert(&extentRefStruct{bytenr: bytenr, length: length, refs: 1})

	allocator.stats.LoggedExtentAllocs.Increment()

	return
}

func (allocator *AllocatorStruct) writeSnapshot(device *blockdev.DeviceStruct) (objectNumber uint64, objectLength uint64, err error) {
	var (
		committedFree *btree.BTree
		extentRefs    []ilayout.AllocExtentRefStruct
		freeRanges    []ilayout.AllocFreeRangeStruct
		snapshotBuf   []byte
	)

	allocator.commitObjectFrees = append(allocator.commitObjectFrees, allocator.pendingObjectFrees...)
	allocator.pendingObjectFrees = nil
	allocator.commitDataFrees = append(allocator.commitDataFrees, allocator.pendingDataFrees...)
	allocator.pendingDataFrees = nil

	committedFree = allocator.freeRanges.Clone()
	for _, freed := range allocator.commitDataFrees {
		insertRange(committedFree, freed.start, freed.length)
	}
	allocator.excludedRanges.Ascend(func(item btree.Item) bool {
		insertRange(committedFree, item.(*rangeStruct).start, item.(*rangeStruct).length)
		return true
	})

	freeRanges = make([]ilayout.AllocFreeRangeStruct, 0, committedFree.Len())
	committedFree.Ascend(func(item btree.Item) bool {
		freeRanges = append(freeRanges, ilayout.AllocFreeRangeStruct{Start: item.(*rangeStruct).start, Length: item.(*rangeStruct).length})
		return true
	})

	extentRefs = make([]ilayout.AllocExtentRefStruct, 0, allocator.extentRefs.Len())
	allocator.extentRefs.Ascend(func(item btree.Item) bool {
		extentRef := item.(*extentRefStruct)
		extentRefs = append(extentRefs, ilayout.AllocExtentRefStruct{Bytenr: extentRef.bytenr, Length: extentRef.length, Refs: extentRef.refs})
		return true
	})

	snapshotBuf, err = ilayout.MarshalAllocSnapshot(allocator.dataAreaSize, freeRanges, extentRefs)
	if nil != err {
		return
	}

	objectNumber = allocator.nextObjectNumber
	allocator.nextObjectNumber++
	objectLength = uint64(len(snapshotBuf))

	err = device.WriteObjectAsync(objectNumber, snapshotBuf, blockdev.MarkCommit)
	if nil != err {
		return
	}

	if 0 != allocator.snapshotObject {
		allocator.commitObjectFrees = append(allocator.commitObjectFrees, allocator.snapshotObject)
	}
	allocator.snapshotObject = objectNumber

	return
}

func (allocator *AllocatorStruct) releaseCommitted(device *blockdev.DeviceStruct) (err error) {
	for _, objectNumber := range allocator.commitObjectFrees {
		err = device.DeleteObject(objectNumber)
		if (nil != err) && blunder.IsNot(err, blunder.NotFoundError) {
			logger.ErrorfWithError(err, "alloc.ReleaseCommitted() could not delete object 0x%016X", objectNumber)
			return
		}
	}
	err = nil
	allocator.commitObjectFrees = nil

	allocator.pinnedObjects = make(map[uint64]struct{})

	for _, freed := range allocator.commitDataFrees {
		insertRange(allocator.freeRanges, freed.start, freed.length)
	}
	allocator.commitDataFrees = nil

	allocator.excludedRanges.Ascend(func(item btree.Item) bool {
		insertRange(allocator.freeRanges, item.(*rangeStruct).start, item.(*rangeStruct).length)
		return true
	})
	allocator.excludedRanges.Clear(false)

	return
}
