// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"math"

	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
)

func OrphanKey(ino uint64) ilayout.Key {
	return ilayout.Key{ObjectID: ilayout.OrphanObjectID, Type: ilayout.OrphanItemKey, Offset: ino}
}

// InsertOrphan records ino as unlinked but not yet deleted.
func (root *RootStruct) InsertOrphan(trans *TransStruct, ino uint64) (err error) {
	err = root.Tree.Put(OrphanKey(ino), []byte{})
	return
}

// DeleteOrphan drops the orphan item of ino, if any.
func (root *RootStruct) DeleteOrphan(trans *TransStruct, ino uint64) (err error) {
	_, err = root.Tree.Delete(OrphanKey(ino))
	return
}

// ScanOrphans returns the inode numbers of every orphan item.
func (root *RootStruct) ScanOrphans() (inos []uint64, err error) {
	inos = make([]uint64, 0)

	err = root.Tree.Scan(OrphanKey(0), OrphanKey(math.MaxUint64), func(item itemstore.ItemStruct) (keepGoing bool, err error) {
		inos = append(inos, item.Key.Offset)
		keepGoing = true
		return
	})

	return
}

// DeleteInode removes every item of an unreferenced inode with no links,
// releasing its data extents, and drops it from the inode cache. Directories
// must already be empty.
func (root *RootStruct) DeleteInode(trans *TransStruct, inode *InodeStruct) (err error) {
	var (
		numDeleted int
	)

	if inode.IsReg() {
		_, err = DropExtents(trans, root.Tree, inode.Ino, 0, math.MaxUint64, true)
		if nil != err {
			return
		}
	}

	inode.delayedMutex.Lock()
	inode.delayedInsertions.Clear(false)
	inode.delayedDeletions.Clear(false)
	inode.delayedMutex.Unlock()

	numDeleted, err = root.Tree.DeleteRange(
		ilayout.Key{ObjectID: inode.Ino, Type: 0, Offset: 0},
		ilayout.Key{ObjectID: inode.Ino, Type: ilayout.MaxKeyType, Offset: math.MaxUint64})
	if nil != err {
		return
	}

	err = root.DeleteOrphan(trans, inode.Ino)
	if nil != err {
		return
	}

	err = root.dropCachedInode(inode.Ino)
	if nil != err {
		return
	}

	logger.Tracef("ctree deleted inode %d of subvolume %d (%d items)", inode.Ino, root.ID, numDeleted)

	return
}
