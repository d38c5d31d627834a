// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"github.com/google/btree"

	"github.com/NVIDIA/treelog/ilayout"
)

func (extentMap *ExtentMapStruct) Less(than btree.Item) bool {
	return extentMap.Start < than.(*ExtentMapStruct).Start
}

func (delayedDirItem *DelayedDirItemStruct) Less(than btree.Item) bool {
	return delayedDirItem.Index < than.(*DelayedDirItemStruct).Index
}

// UpdateInode writes Item to the fs tree as modified in trans.
func (inode *InodeStruct) UpdateInode(trans *TransStruct) (err error) {
	var (
		inodeItemBuf []byte
	)

	inode.LogMutex.Lock()
	if inode.LastTrans < trans.TransID {
		// First change of this transaction; anything logged before is stale
		inode.CopyEverything = true
	}
	inode.Item.TransID = trans.TransID
	inodeItemBuf, err = inode.Item.MarshalInodeItem()
	if nil == err {
		err = inode.Root.Tree.Put(inodeItemKey(inode.Ino), inodeItemBuf)
	}
	if nil == err {
		inode.LastTrans = trans.TransID
		inode.LastSubTrans = inode.Root.LogTransID()
	}
	inode.LogMutex.Unlock()

	return
}

func (inode *InodeStruct) IsDir() bool {
	return inode.Item.IsDir()
}

func (inode *InodeStruct) IsReg() bool {
	return inode.Item.IsReg()
}

func (inode *InodeStruct) Size() uint64 {
	return inode.Item.Size
}

// SetSize changes the size of the inode in memory only; the caller follows
// up with UpdateInode().
func (inode *InodeStruct) SetSize(size uint64) {
	inode.Item.Size = size
}

func (inode *InodeStruct) NLink() uint32 {
	return inode.Item.NLink
}

// SetNLink changes the link count of the inode in memory only; the caller
// follows up with UpdateInode().
func (inode *InodeStruct) SetNLink(nlink uint32) {
	inode.Item.NLink = nlink
}

// InodeInLog reports whether the inode was fully logged in the log
// transaction currently open for trans and has not changed since.
func (inode *InodeStruct) InodeInLog(trans *TransStruct) (inLog bool) {
	inode.LogMutex.Lock()
	inLog = (inode.LoggedTrans == trans.TransID) &&
		(inode.LastSubTrans <= inode.LastLogCommit) &&
		(inode.LastSubTrans <= inode.Root.LastLogCommit())
	inode.LogMutex.Unlock()
	return
}

// ModifiedExtents returns the not yet logged extent maps in Start order.
func (inode *InodeStruct) ModifiedExtents() (extentMaps []*ExtentMapStruct) {
	inode.extentMutex.Lock()
	extentMaps = make([]*ExtentMapStruct, 0, inode.modifiedExtents.Len())
	inode.modifiedExtents.Ascend(func(item btree.Item) bool {
		extentMaps = append(extentMaps, item.(*ExtentMapStruct))
		return true
	})
	inode.extentMutex.Unlock()
	return
}

// ClearModifiedExtents forgets every extent map once it has been logged.
func (inode *InodeStruct) ClearModifiedExtents() {
	inode.extentMutex.Lock()
	inode.modifiedExtents.Clear(false)
	inode.extentMutex.Unlock()
}

// addModifiedExtent records a written range, replacing any extent maps it
// overlaps. Overlapped maps are trimmed rather than dropped.
func (inode *InodeStruct) addModifiedExtent(extentMap *ExtentMapStruct) {
	var (
		overlapped []*ExtentMapStruct
	)

	inode.extentMutex.Lock()
	defer inode.extentMutex.Unlock()

	end := extentMap.Start + extentMap.Len

	inode.modifiedExtents.Ascend(func(item btree.Item) bool {
		existing := item.(*ExtentMapStruct)
		if existing.Start >= end {
			return false
		}
		if existing.Start+existing.Len > extentMap.Start {
			overlapped = append(overlapped, existing)
		}
		return true
	})

	for _, existing := range overlapped {
		inode.modifiedExtents.Delete(existing)
		existingEnd := existing.Start + existing.Len
		if existing.Start < extentMap.Start {
			head := *existing
			head.Len = extentMap.Start - existing.Start
			inode.modifiedExtents.ReplaceOrInsert(&head)
		}
		if existingEnd > end {
			tail := *existing
			tail.Start = end
			tail.Len = existingEnd - end
			if 0 != tail.DiskBytenr {
				tail.Offset += end - existing.Start
			}
			inode.modifiedExtents.ReplaceOrInsert(&tail)
		}
	}

	inode.modifiedExtents.ReplaceOrInsert(extentMap)
}

// OrderedExtents returns the data writes whose checksums the log may use.
func (inode *InodeStruct) OrderedExtents() (orderedExtents []*OrderedExtentStruct) {
	inode.extentMutex.Lock()
	orderedExtents = make([]*OrderedExtentStruct, len(inode.orderedExtents))
	copy(orderedExtents, inode.orderedExtents)
	inode.extentMutex.Unlock()
	return
}

// ClearOrderedExtents drops the ordered extents once logged or committed.
func (inode *InodeStruct) ClearOrderedExtents() {
	inode.extentMutex.Lock()
	inode.orderedExtents = nil
	inode.extentMutex.Unlock()
}

func (inode *InodeStruct) addOrderedExtent(orderedExtent *OrderedExtentStruct) {
	inode.extentMutex.Lock()
	inode.orderedExtents = append(inode.orderedExtents, orderedExtent)
	inode.extentMutex.Unlock()
}

func (inode *InodeStruct) setNeedsFullSync() {
	inode.LogMutex.Lock()
	inode.NeedsFullSync = true
	inode.LogMutex.Unlock()
}

func (inode *InodeStruct) setCopyEverything() {
	inode.LogMutex.Lock()
	inode.CopyEverything = true
	inode.LogMutex.Unlock()
}

func (inode *InodeStruct) lastKey() ilayout.Key {
	return ilayout.Key{ObjectID: inode.Ino, Type: ilayout.MaxKeyType, Offset: ^uint64(0)}
}
