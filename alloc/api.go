// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package alloc hands out blockdev object numbers for tree nodes and byte
// ranges of the blockdev data area for file extents.
//
// Object numbers are never reused. Objects freed during a transaction are
// only deleted from the device once that transaction's commit is durable,
// and objects pinned during log replay are not deleted until unpinned.
//
// Data extents are reference counted. A data extent whose last reference is
// dropped returns to free space only at the next commit, so that the
// committed trees never point at reused space.
//
package alloc

import (
	"github.com/google/btree"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/trackedlock"
)

type statsStruct struct {
	ObjectAllocs       bucketstats.Total
	ObjectFrees        bucketstats.Total
	ObjectPins         bucketstats.Total
	DataExtentAllocs   bucketstats.Total
	DataExtentFrees    bucketstats.Total
	LoggedExtentAllocs bucketstats.Total
	ExcludedRanges     bucketstats.Total
}

// AllocatorStruct serializes all operations on its mutex.
//
type AllocatorStruct struct {
	mutex              trackedlock.Mutex
	sectorSize         uint64
	dataAreaSize       uint64
	statsGroupName     string
	nextObjectNumber   uint64
	snapshotObject     uint64              // of the last durable snapshot
	pendingObjectFrees []uint64            // deleted once the next commit is durable
	commitObjectFrees  []uint64            // taken from pendingObjectFrees by WriteSnapshot()
	pinnedObjects      map[uint64]struct{} // log tree objects held until the replay commit
	freeRanges         *btree.BTree        // of *rangeStruct keyed by start
	excludedRanges     *btree.BTree        // of *rangeStruct removed from freeRanges during replay
	extentRefs         *btree.BTree        // of *extentRefStruct keyed by bytenr
	pendingDataFrees   []rangeStruct       // returned to freeRanges once the next commit is durable
	commitDataFrees    []rangeStruct       // taken from pendingDataFrees by WriteSnapshot()
	stats              *statsStruct
}

// New returns an allocator for a freshly formatted device: the data area
// past its first sector is free and object numbering starts at
// firstObjectNumber. A DiskBytenr of 0 marks a hole, so the first sector is
// never handed out.
func New(device *blockdev.DeviceStruct, firstObjectNumber uint64, statsGroupName string) (allocator *AllocatorStruct) {
	allocator = newAllocator(device, statsGroupName)
	allocator.nextObjectNumber = firstObjectNumber
	allocator.insertFreeRange(allocator.sectorSize, allocator.dataAreaSize-allocator.sectorSize)
	return
}

// Load returns the allocator recorded by superBlock.
func Load(device *blockdev.DeviceStruct, superBlock *ilayout.SuperBlockStruct, statsGroupName string) (allocator *AllocatorStruct, err error) {
	allocator, err = load(device, superBlock, statsGroupName)
	return
}

// Close unregisters the allocator's stats.
func (allocator *AllocatorStruct) Close() {
	bucketstats.UnRegister("alloc", allocator.statsGroupName)
}

// AllocObject returns a never before used object number.
func (allocator *AllocatorStruct) AllocObject() (objectNumber uint64, err error) {
	allocator.mutex.Lock()
	objectNumber = allocator.nextObjectNumber
	allocator.nextObjectNumber++
	allocator.mutex.Unlock()

	allocator.stats.ObjectAllocs.Increment()

	return
}

// FreeObject schedules an object for deletion once the next commit is
// durable.
func (allocator *AllocatorStruct) FreeObject(objectNumber uint64) {
	allocator.mutex.Lock()
	allocator.pendingObjectFrees = append(allocator.pendingObjectFrees, objectNumber)
	allocator.mutex.Unlock()

	allocator.stats.ObjectFrees.Increment()
}

// NextObjectNumber returns the object number AllocObject() would return next.
func (allocator *AllocatorStruct) NextObjectNumber() (objectNumber uint64) {
	allocator.mutex.Lock()
	objectNumber = allocator.nextObjectNumber
	allocator.mutex.Unlock()
	return
}

// PinObject holds a log tree object for the duration of replay. Object
// numbering is advanced beyond it so that no node written by replay can
// collide with it.
func (allocator *AllocatorStruct) PinObject(objectNumber uint64) {
	allocator.mutex.Lock()
	allocator.pinnedObjects[objectNumber] = struct{}{}
	if objectNumber >= allocator.nextObjectNumber {
		allocator.nextObjectNumber = objectNumber + 1
	}
	allocator.mutex.Unlock()

	allocator.stats.ObjectPins.Increment()
}

// IsPinned reports whether objectNumber is pinned.
func (allocator *AllocatorStruct) IsPinned(objectNumber uint64) (pinned bool) {
	allocator.mutex.Lock()
	_, pinned = allocator.pinnedObjects[objectNumber]
	allocator.mutex.Unlock()
	return
}

// NumPinned returns the number of pinned objects.
func (allocator *AllocatorStruct) NumPinned() (numPinned int) {
	allocator.mutex.Lock()
	numPinned = len(allocator.pinnedObjects)
	allocator.mutex.Unlock()
	return
}

// AllocDataExtent returns a sector aligned, singly referenced data extent.
func (allocator *AllocatorStruct) AllocDataExtent(length uint64) (bytenr uint64, err error) {
	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	bytenr, err = allocator.allocDataExtent(length)
	return
}

// IncExtentRef adds a reference to the data extent at bytenr.
func (allocator *AllocatorStruct) IncExtentRef(bytenr uint64, length uint64) (err error) {
	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	err = allocator.incExtentRef(bytenr, length)
	return
}

// DecExtentRef drops a reference to the data extent at bytenr. The space of
// an unreferenced extent is reusable after the next commit.
func (allocator *AllocatorStruct) DecExtentRef(bytenr uint64) (err error) {
	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	err = allocator.decExtentRef(bytenr)
	return
}

// LookupDataExtent returns the reference count of the data extent at bytenr
// (0 if there is no such extent).
func (allocator *AllocatorStruct) LookupDataExtent(bytenr uint64, length uint64) (refs uint64, err error) {
	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	refs, err = allocator.lookupDataExtent(bytenr, length)
	return
}

// ExcludeDataRange removes a logged data extent from free space ahead of its
// replay. Ranges not claimed by AllocLoggedFileExtent() are returned to free
// space by ReleaseCommitted().
func (allocator *AllocatorStruct) ExcludeDataRange(bytenr uint64, length uint64) (err error) {
	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	err = allocator.excludeDataRange(bytenr, length)
	return
}

// AllocLoggedFileExtent claims the data extent referenced by a replayed file
// extent item: an existing extent gains a reference, otherwise the extent
// is allocated at exactly [bytenr, bytenr+length).
func (allocator *AllocatorStruct) AllocLoggedFileExtent(bytenr uint64, length uint64) (err error) {
	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	err = allocator.allocLoggedFileExtent(bytenr, length)
	return
}

// FreeBytes returns the free space of the data area, counting extents whose
// release awaits the next commit as used.
func (allocator *AllocatorStruct) FreeBytes() (freeBytes uint64) {
	allocator.mutex.Lock()
	allocator.freeRanges.Ascend(func(item btree.Item) bool {
		freeBytes += item.(*rangeStruct).length
		return true
	})
	allocator.mutex.Unlock()
	return
}

// WriteSnapshot writes, under blockdev.MarkCommit, the allocator state as it
// will be once the commit in progress is durable, returning the object
// holding it. The previous snapshot object is scheduled for deletion.
func (allocator *AllocatorStruct) WriteSnapshot(device *blockdev.DeviceStruct) (objectNumber uint64, objectLength uint64, err error) {
	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	objectNumber, objectLength, err = allocator.writeSnapshot(device)
	return
}

// ReleaseCommitted is called once the commit whose snapshot was written by
// WriteSnapshot() is durable. It deletes the objects freed before that
// snapshot, unpins every pinned object, and returns the data ranges freed
// before that snapshot (and any still excluded ranges) to free space.
func (allocator *AllocatorStruct) ReleaseCommitted(device *blockdev.DeviceStruct) (err error) {
	allocator.mutex.Lock()
	defer allocator.mutex.Unlock()

	err = allocator.releaseCommitted(device)
	return
}
