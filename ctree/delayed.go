// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"github.com/google/btree"

	"github.com/NVIDIA/treelog/ilayout"
)

// With [Volume]DelayedDirIndex, DirIndex insertions and deletions are held
// per directory and only applied to the fs tree by FlushDelayedItems(),
// which every commit and every eviction performs.

func (inode *InodeStruct) delayedInsertion(index uint64) (delayedDirItem *DelayedDirItemStruct) {
	inode.delayedMutex.Lock()
	item := inode.delayedInsertions.Get(&DelayedDirItemStruct{Index: index})
	inode.delayedMutex.Unlock()

	if nil != item {
		delayedDirItem = item.(*DelayedDirItemStruct)
	}

	return
}

func (inode *InodeStruct) delayedDeletion(index uint64) (delayedDirItem *DelayedDirItemStruct) {
	inode.delayedMutex.Lock()
	item := inode.delayedDeletions.Get(&DelayedDirItemStruct{Index: index})
	inode.delayedMutex.Unlock()

	if nil != item {
		delayedDirItem = item.(*DelayedDirItemStruct)
	}

	return
}

func ascendDelayed(tree *btree.BTree) (delayedDirItems []*DelayedDirItemStruct) {
	delayedDirItems = make([]*DelayedDirItemStruct, 0, tree.Len())
	tree.Ascend(func(item btree.Item) bool {
		delayedDirItems = append(delayedDirItems, item.(*DelayedDirItemStruct))
		return true
	})
	return
}

// DelayedInsertions returns the DirIndex insertions not yet in the fs tree.
func (inode *InodeStruct) DelayedInsertions() (delayedDirItems []*DelayedDirItemStruct) {
	inode.delayedMutex.Lock()
	delayedDirItems = ascendDelayed(inode.delayedInsertions)
	inode.delayedMutex.Unlock()
	return
}

// DelayedDeletions returns the DirIndex deletions not yet applied to the fs
// tree. Their items are still found there.
func (inode *InodeStruct) DelayedDeletions() (delayedDirItems []*DelayedDirItemStruct) {
	inode.delayedMutex.Lock()
	delayedDirItems = ascendDelayed(inode.delayedDeletions)
	inode.delayedMutex.Unlock()
	return
}

// IsDelayedDeletion reports whether the DirIndex at index is pending deletion.
func (inode *InodeStruct) IsDelayedDeletion(index uint64) bool {
	return nil != inode.delayedDeletion(index)
}

func insertDirIndex(dir *InodeStruct, index uint64, dirEntry ilayout.DirEntryStruct) (err error) {
	var (
		payload []byte
	)

	if nil != dir.delayedDeletion(index) {
		// Only replay reuses an index; settle the old entry first
		dir.delayedMutex.Lock()
		dir.delayedDeletions.Delete(&DelayedDirItemStruct{Index: index})
		dir.delayedMutex.Unlock()

		_, err = dir.Root.Tree.Delete(DirIndexKey(dir.Ino, index))
		if nil != err {
			return
		}
	}

	if dir.Root.FsInfo.Config.DelayedDirIndex {
		dir.delayedMutex.Lock()
		dir.delayedInsertions.ReplaceOrInsert(&DelayedDirItemStruct{Index: index, Entry: dirEntry})
		dir.delayedMutex.Unlock()
		return
	}

	payload, err = ilayout.MarshalDirEntries([]ilayout.DirEntryStruct{dirEntry})
	if nil != err {
		return
	}

	err = dir.Root.Tree.Put(DirIndexKey(dir.Ino, index), payload)

	return
}

func deleteDirIndex(dir *InodeStruct, index uint64, dirEntry ilayout.DirEntryStruct) (err error) {
	dir.delayedMutex.Lock()
	if nil != dir.delayedInsertions.Delete(&DelayedDirItemStruct{Index: index}) {
		dir.delayedMutex.Unlock()
		return
	}
	if dir.Root.FsInfo.Config.DelayedDirIndex {
		dir.delayedDeletions.ReplaceOrInsert(&DelayedDirItemStruct{Index: index, Entry: dirEntry})
		dir.delayedMutex.Unlock()
		return
	}
	dir.delayedMutex.Unlock()

	_, err = dir.Root.Tree.Delete(DirIndexKey(dir.Ino, index))

	return
}

// FlushDelayedItems applies the delayed DirIndex insertions and deletions of
// inode to the fs tree.
func (inode *InodeStruct) FlushDelayedItems(trans *TransStruct) (err error) {
	var (
		deletions  []*DelayedDirItemStruct
		insertions []*DelayedDirItemStruct
		payload    []byte
	)

	inode.delayedMutex.Lock()
	defer inode.delayedMutex.Unlock()

	if (0 == inode.delayedInsertions.Len()) && (0 == inode.delayedDeletions.Len()) {
		return
	}

	deletions = ascendDelayed(inode.delayedDeletions)
	for _, delayedDirItem := range deletions {
		_, err = inode.Root.Tree.Delete(DirIndexKey(inode.Ino, delayedDirItem.Index))
		if nil != err {
			return
		}
		inode.delayedDeletions.Delete(delayedDirItem)
	}

	insertions = ascendDelayed(inode.delayedInsertions)
	for _, delayedDirItem := range insertions {
		payload, err = ilayout.MarshalDirEntries([]ilayout.DirEntryStruct{delayedDirItem.Entry})
		if nil != err {
			return
		}
		err = inode.Root.Tree.Put(DirIndexKey(inode.Ino, delayedDirItem.Index), payload)
		if nil != err {
			return
		}
		inode.delayedInsertions.Delete(delayedDirItem)
	}

	inode.Root.FsInfo.stats.DelayedDirFlushs.Increment()

	return
}
