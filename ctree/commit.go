// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/halter"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/utils"
)

func (fsInfo *FsInfoStruct) putRootItem(objectID uint64, location itemstore.LocationStruct, generation uint64, highestObjectID uint64) (err error) {
	var (
		rootItemBuf []byte
	)

	rootItem := &ilayout.RootItemStruct{
		RootObjectNumber: location.ObjectNumber,
		RootObjectOffset: location.ObjectOffset,
		RootObjectLength: location.ObjectLength,
		Generation:       generation,
		HighestObjectID:  highestObjectID,
	}

	rootItemBuf, err = rootItem.MarshalRootItem()
	if nil != err {
		return
	}

	err = fsInfo.RootTree.Put(rootItemKey(objectID), rootItemBuf)

	return
}

func (fsInfo *FsInfoStruct) commitTransaction() (err error) {
	var (
		allocObjectLength uint64
		allocObjectNumber uint64
		commitRoot        *itemstore.Tree
		inodes            []*InodeStruct
		location          itemstore.LocationStruct
		roots             []*RootStruct
		rootLocations     []itemstore.LocationStruct
		rootTreeLocation  itemstore.LocationStruct
		superBlock        ilayout.SuperBlockStruct
		superBlockBuf     []byte
	)

	stopwatch := utils.NewStopwatch()

	fsInfo.CommitLock.Lock()
	defer fsInfo.CommitLock.Unlock()

	fsInfo.mutex.Lock()
	trans := fsInfo.runningTrans
	abortErr := fsInfo.abortErr
	logHooks := fsInfo.logHooks
	superBlock = fsInfo.superBlock
	fsInfo.mutex.Unlock()

	if nil != abortErr {
		err = blunder.NewError(blunder.ReadOnlyError, "ctree aborted: %v", abortErr)
		return
	}

	if nil != logHooks {
		err = logHooks.FreeLogTrees(trans)
		if nil != err {
			trans.abort(err)
			return
		}
	}

	roots, err = fsInfo.fetchRoots()
	if nil != err {
		return
	}

	for _, root := range roots {
		inodes, err = root.cachedInodes()
		if nil != err {
			return
		}
		for _, inode := range inodes {
			err = inode.FlushDelayedItems(trans)
			if nil != err {
				trans.abort(err)
				return
			}
		}
	}

	err = fsInfo.Device.FlushData()
	if nil != err {
		trans.abort(err)
		return
	}

	rootLocations = make([]itemstore.LocationStruct, len(roots))

	for rootIndex, root := range roots {
		location, err = root.Tree.Flush(trans.TransID, blockdev.MarkCommit)
		if nil != err {
			trans.abort(err)
			return
		}
		rootLocations[rootIndex] = location
		err = fsInfo.putRootItem(root.ID, location, trans.TransID, root.HighestObjectID())
		if nil != err {
			trans.abort(err)
			return
		}
	}

	location, err = fsInfo.CsumTree.Flush(trans.TransID, blockdev.MarkCommit)
	if nil != err {
		trans.abort(err)
		return
	}
	err = fsInfo.putRootItem(ilayout.CsumTreeObjectID, location, trans.TransID, 0)
	if nil != err {
		trans.abort(err)
		return
	}

	rootTreeLocation, err = fsInfo.RootTree.Flush(trans.TransID, blockdev.MarkCommit)
	if nil != err {
		trans.abort(err)
		return
	}

	allocObjectNumber, allocObjectLength, err = fsInfo.Allocator.WriteSnapshot(fsInfo.Device)
	if nil != err {
		trans.abort(err)
		return
	}

	err = fsInfo.Device.WaitMark(blockdev.MarkCommit)
	if nil != err {
		trans.abort(err)
		return
	}

	halter.Trigger(halter.FsCommitBeforeSuper)

	superBlock.Magic = ilayout.SuperBlockMagic
	superBlock.Generation = trans.TransID
	superBlock.SectorSize = fsInfo.Config.SectorSize
	superBlock.RootTreeObjectNumber = rootTreeLocation.ObjectNumber
	superBlock.RootTreeObjectOffset = rootTreeLocation.ObjectOffset
	superBlock.RootTreeObjectLength = rootTreeLocation.ObjectLength
	superBlock.AllocObjectNumber = allocObjectNumber
	superBlock.AllocObjectLength = allocObjectLength
	superBlock.NextObjectNumber = fsInfo.Allocator.NextObjectNumber()
	superBlock.LogRootObjectNumber = 0
	superBlock.LogRootObjectOffset = 0
	superBlock.LogRootObjectLength = 0
	superBlock.LogRootTransID = 0
	superBlock.LogRootGeneration = 0

	superBlockBuf, err = superBlock.MarshalSuperBlock()
	if nil != err {
		trans.abort(err)
		return
	}

	fsInfo.TreeLogMutex.Lock()
	err = fsInfo.Device.WriteSuperBlock(superBlockBuf)
	fsInfo.TreeLogMutex.Unlock()
	if nil != err {
		trans.abort(err)
		return
	}

	err = fsInfo.Allocator.ReleaseCommitted(fsInfo.Device)
	if nil != err {
		// The commit is durable; only space reclamation was lost
		logger.ErrorfWithError(err, "ctree commit of transaction %d failed to release freed space", trans.TransID)
		err = nil
	}

	for rootIndex, root := range roots {
		commitRoot, err = fsInfo.openCommitRoot(root.ID, rootLocations[rootIndex])
		if nil != err {
			trans.abort(err)
			return
		}
		root.setCommitRoot(commitRoot, trans.TransID)

		inodes, err = root.cachedInodes()
		if nil != err {
			return
		}
		for _, inode := range inodes {
			inode.ClearModifiedExtents()
			inode.ClearOrderedExtents()
		}
	}

	fsInfo.mutex.Lock()
	fsInfo.superBlock = superBlock
	fsInfo.generation = trans.TransID
	fsInfo.runningTrans = &TransStruct{TransID: trans.TransID + 1, fsInfo: fsInfo}
	fsInfo.mutex.Unlock()

	fsInfo.stats.Commits.Increment()
	fsInfo.stats.CommitUsecs.Add(uint64(stopwatch.ElapsedUs()))

	logger.Tracef("ctree committed transaction %d (root tree object %d)", trans.TransID, rootTreeLocation.ObjectNumber)

	return
}
