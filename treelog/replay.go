// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"math"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/halter"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/utils"
)

type replayStage int

const (
	replayStagePin       replayStage = iota // pin log objects (and exclude logged data extents)
	replayStageInodes                       // InodeItems, with xattr and dir deletes
	replayStageDirIndex                     // DirIndex items
	replayStageAll                          // xattrs, refs, and extents
)

var replayStageDone = map[replayStage]uint32{
	replayStagePin:      halter.TreeLogReplayStage0Done,
	replayStageInodes:   halter.TreeLogReplayStage1Done,
	replayStageDirIndex: halter.TreeLogReplayStage2Done,
	replayStageAll:      halter.TreeLogReplayStage3Done,
}

// replayLogStruct is one Log Tree found in the Log-Root Tree.
//
type replayLogStruct struct {
	subvolID uint64
	tree     *itemstore.Tree
}

// walkControlStruct carries the state of one walk of a Log Tree.
//
type walkControlStruct struct {
	stage          replayStage
	trans          *ctree.TransStruct
	root           *ctree.RootStruct // replay destination
	logTree        *itemstore.Tree
	curIno         uint64
	ignoreCurInode bool
	replayedItems  uint64
}

func logLocation(superBlock ilayout.SuperBlockStruct) itemstore.LocationStruct {
	return itemstore.LocationStruct{
		ObjectNumber: superBlock.LogRootObjectNumber,
		ObjectOffset: superBlock.LogRootObjectOffset,
		ObjectLength: superBlock.LogRootObjectLength,
	}
}

// openLogs opens the Log-Root Tree the superblock locates and every Log
// Tree it indexes, in descending subvolume order.
func (engine *Engine) openLogs(superBlock ilayout.SuperBlockStruct) (logRootTree *itemstore.Tree, logs []*replayLogStruct, err error) {
	var (
		logTree   *itemstore.Tree
		rootItem  *ilayout.RootItemStruct
		rootItems []itemstore.ItemStruct
	)

	treeConfig := engine.fsInfo.TreeConfig(ilayout.TreeLogObjectID, superBlock.LogRootGeneration)

	logRootTree, err = itemstore.Open(treeConfig, logLocation(superBlock))
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}

	rootItems, err = logRootTree.CloneRange(logRootItemKey(0), logRootItemKey(math.MaxUint64), 0)
	if nil != err {
		return
	}

	logs = make([]*replayLogStruct, 0, len(rootItems))

	for rootItemIndex := len(rootItems) - 1; rootItemIndex >= 0; rootItemIndex-- {
		rootItem, err = ilayout.UnmarshalRootItem(rootItems[rootItemIndex].Payload)
		if nil != err {
			err = blunder.AddError(err, blunder.LogCorruptError)
			return
		}

		logTree, err = itemstore.Open(treeConfig, itemstore.LocationStruct{
			ObjectNumber: rootItem.RootObjectNumber,
			ObjectOffset: rootItem.RootObjectOffset,
			ObjectLength: rootItem.RootObjectLength,
		})
		if nil != err {
			err = blunder.AddError(err, blunder.LogCorruptError)
			return
		}

		logs = append(logs, &replayLogStruct{subvolID: rootItems[rootItemIndex].Key.Offset, tree: logTree})
	}

	return
}

// pinLogs keeps every object of the logs from being reused or deleted
// until the replay commit. With mixed block groups the data extents the
// logs reference are also withheld from allocation.
func (engine *Engine) pinLogs(logRootTree *itemstore.Tree, logs []*replayLogStruct) (err error) {
	var (
		fileExtentItem *ilayout.FileExtentItemStruct
		objectNumbers  []uint64
	)

	trees := make([]*itemstore.Tree, 0, 1+len(logs))
	trees = append(trees, logRootTree)
	for _, log := range logs {
		trees = append(trees, log.tree)
	}

	for _, tree := range trees {
		objectNumbers, err = tree.ObjectNumbers()
		if nil != err {
			return
		}
		for _, objectNumber := range objectNumbers {
			engine.fsInfo.Allocator.PinObject(objectNumber)
		}
	}

	if !engine.config.MixedBlockGroups {
		return
	}

	for _, log := range logs {
		err = log.tree.Scan(ilayout.Key{}, ilayout.Key{ObjectID: math.MaxUint64, Type: ilayout.MaxKeyType, Offset: math.MaxUint64}, func(item itemstore.ItemStruct) (keepGoing bool, err error) {
			keepGoing = true
			if ilayout.ExtentDataKey != item.Key.Type {
				return
			}
			fileExtentItem, err = ilayout.UnmarshalFileExtentItem(item.Payload)
			if nil != err {
				err = blunder.AddError(err, blunder.LogCorruptError)
				return
			}
			if 0 != fileExtentItem.DiskBytenr {
				err = engine.fsInfo.Allocator.ExcludeDataRange(fileExtentItem.DiskBytenr, fileExtentItem.DiskNumBytes)
			}
			return
		})
		if nil != err {
			return
		}
	}

	return
}

// replayOneItem applies item of the Log Tree being walked as wc.stage
// calls for.
func (engine *Engine) replayOneItem(wc *walkControlStruct, item itemstore.ItemStruct) (err error) {
	var (
		inode     *ctree.InodeStruct
		inodeItem *ilayout.InodeItemStruct
	)

	if item.Key.ObjectID != wc.curIno {
		wc.curIno = item.Key.ObjectID
		wc.ignoreCurInode = false
	}

	if ilayout.InodeItemKey == item.Key.Type {
		inodeItem, err = ilayout.UnmarshalInodeItem(item.Payload)
		if nil != err {
			err = blunder.AddError(err, blunder.LogCorruptError)
			return
		}
		// An inode logged with no links is dropped along with its last name
		if 0 == inodeItem.NLink {
			wc.ignoreCurInode = true
			return
		}
		wc.ignoreCurInode = false

		if replayStageInodes == wc.stage {
			err = replayXattrDeletes(wc.trans, wc.root, wc.logTree, item.Key.ObjectID)
			if nil != err {
				return
			}
			if inodeItem.IsDir() {
				err = replayDirDeletes(wc.trans, wc.root, wc.logTree, item.Key.ObjectID, false)
				if nil != err {
					return
				}
			}
			err = overwriteItem(wc.trans, wc.root, item.Key, item.Payload)
			if nil != err {
				return
			}
			if inodeItem.IsReg() {
				// Prealloc extents beyond EOF are logged explicitly
				inode, err = wc.root.Iget(item.Key.ObjectID)
				if nil != err {
					return
				}
				err = inode.TruncateItems(wc.trans, inode.Size())
				if nil == err {
					err = inode.UpdateInode(wc.trans)
				}
				wc.root.Iput(inode)
				if nil != err {
					return
				}
			}
			err = linkToFixupDir(wc.trans, wc.root, item.Key.ObjectID)
			if nil != err {
				return
			}
			wc.replayedItems++
		}
	}

	if wc.ignoreCurInode {
		return
	}

	if (ilayout.DirIndexKey == item.Key.Type) && (replayStageDirIndex == wc.stage) {
		err = replayOneDirItem(wc.trans, wc.root, wc.logTree, item)
		if nil != err {
			return
		}
		wc.replayedItems++
	}

	if replayStageAll != wc.stage {
		return
	}

	switch item.Key.Type {
	case ilayout.XattrItemKey:
		err = overwriteItem(wc.trans, wc.root, item.Key, item.Payload)
	case ilayout.InodeRefKey, ilayout.InodeExtRefKey:
		err = engine.addInodeRef(wc.trans, wc.root, wc.logTree, item)
	case ilayout.ExtentDataKey:
		err = engine.replayOneExtent(wc.trans, wc.root, wc.logTree, item)
	default:
		return
	}
	if nil == err {
		wc.replayedItems++
	}

	return
}

// walkLog feeds every item of wc.logTree, in key order, to replayOneItem().
func (engine *Engine) walkLog(wc *walkControlStruct) (err error) {
	var (
		items []itemstore.ItemStruct
	)

	startKey := ilayout.Key{}
	endKey := ilayout.Key{ObjectID: math.MaxUint64, Type: ilayout.MaxKeyType, Offset: math.MaxUint64}
	batch := int(engine.config.LogCopyBatch)

	for {
		items, err = wc.logTree.CloneRange(startKey, endKey, batch)
		if nil != err {
			return
		}

		for _, item := range items {
			err = engine.replayOneItem(wc, item)
			if nil != err {
				logger.ErrorfWithError(err, "treelog replay of %v into subvolume %d failed", item.Key, wc.root.ID)
				return
			}
		}

		if len(items) < batch {
			return
		}

		lastKey := items[len(items)-1].Key
		if 0 == lastKey.Compare(endKey) {
			return
		}
		startKey = lastKey.Next()
	}
}

// replayLogTrees applies the log the superblock locates to the fs trees in
// trans. Nothing is committed; the log stays on disk (and is replayed
// again) until a commit clears the superblock's log root.
func (engine *Engine) replayLogTrees(trans *ctree.TransStruct) (replayedItems uint64, err error) {
	var (
		logRootTree *itemstore.Tree
		logs        []*replayLogStruct
		root        *ctree.RootStruct
		wc          *walkControlStruct
	)

	traceCtx := logger.TraceEnter("trans", trans.TransID)
	defer func() { traceCtx.TraceExit("replayedItems", replayedItems) }()

	superBlock := engine.fsInfo.SuperBlock()

	if 0 == superBlock.LogRootObjectNumber {
		return
	}

	logger.Infof("treelog replaying log root 0x%016X of transaction %d", superBlock.LogRootObjectNumber, superBlock.LogRootGeneration)

	logRootTree, logs, err = engine.openLogs(superBlock)
	if nil != err {
		trans.Abort(err)
		return
	}

	err = engine.pinLogs(logRootTree, logs)
	if nil != err {
		trans.Abort(err)
		return
	}

	halter.Trigger(replayStageDone[replayStagePin])

	for stage := replayStageInodes; stage <= replayStageAll; stage++ {
		for _, log := range logs {
			root, err = engine.fsInfo.Root(log.subvolID)
			if nil != err {
				if blunder.Is(err, blunder.NotFoundError) {
					// The subvolume was deleted after its log was written
					logger.Warnf("treelog replay skipping log of missing subvolume %d", log.subvolID)
					err = nil
					continue
				}
				trans.Abort(err)
				return
			}

			wc = &walkControlStruct{
				stage:   stage,
				trans:   trans,
				root:    root,
				logTree: log.tree,
			}

			err = engine.walkLog(wc)
			if nil == err && (replayStageAll == stage) {
				err = fixupInodeLinkCounts(trans, root)
			}
			if nil != err {
				trans.Abort(err)
				return
			}

			replayedItems += wc.replayedItems
		}

		halter.Trigger(replayStageDone[stage])
	}

	engine.stats.ReplayedItems.Add(replayedItems)

	err = engine.releaseLogs(superBlock, logRootTree, logs)
	if nil != err {
		trans.Abort(err)
	}

	return
}

// releaseLogs frees the objects of a replayed log, once per log root, so
// that the replay commit deletes them.
func (engine *Engine) releaseLogs(superBlock ilayout.SuperBlockStruct, logRootTree *itemstore.Tree, logs []*replayLogStruct) (err error) {
	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	if engine.releasedLogRoot == superBlock.LogRootObjectNumber {
		return
	}

	for _, log := range logs {
		err = log.tree.FreeAll()
		if nil != err {
			return
		}
	}

	err = logRootTree.FreeAll()
	if nil != err {
		return
	}

	engine.releasedLogRoot = superBlock.LogRootObjectNumber

	return
}

// recoverLogTrees replays the log, if any, and commits the result. The
// commit clears the superblock's log root and unpins the log's objects.
func (engine *Engine) recoverLogTrees() (err error) {
	var (
		replayedItems uint64
	)

	superBlock := engine.fsInfo.SuperBlock()

	traceCtx := logger.TraceEnter("logRoot", superBlock.LogRootObjectNumber)
	defer func() { traceCtx.TraceExitErr("replayedItems", err, replayedItems) }()

	if 0 == superBlock.LogRootObjectNumber {
		return
	}

	stopwatch := utils.NewStopwatch()

	trans := engine.fsInfo.JoinTransaction()

	replayedItems, err = engine.replayLogTrees(trans)
	if nil != err {
		logger.ErrorfWithError(err, "treelog replay of log root 0x%016X failed", superBlock.LogRootObjectNumber)
		return
	}

	err = engine.fsInfo.CommitTransaction()
	if nil != err {
		return
	}

	logger.Infof("treelog replayed %d items from log root 0x%016X in %v", replayedItems, superBlock.LogRootObjectNumber, stopwatch.Elapsed())

	return
}
