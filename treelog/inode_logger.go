// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"math"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/utils"
)

func inodeItemKey(ino uint64) ilayout.Key {
	return ilayout.Key{ObjectID: ino, Type: ilayout.InodeItemKey, Offset: 0}
}

func lastKeyOfType(ino uint64, keyType uint8) ilayout.Key {
	return ilayout.Key{ObjectID: ino, Type: keyType, Offset: math.MaxUint64}
}

// markNotLogged records that inode is not in the log of trans unless it was
// logged meanwhile. The caller holds inode.LogMutex.
func markNotLogged(trans *ctree.TransStruct, inode *ctree.InodeStruct) (logged bool) {
	if 0 == inode.LoggedTrans {
		inode.LoggedTrans = trans.TransID - 1
	} else if inode.LoggedTrans == trans.TransID {
		logged = true
	}
	return
}

// inodeLogged reports whether inode is in the log of trans, consulting the
// Log Tree when memory does not know and remembering the answer. The caller
// holds inode.LogMutex.
func (engine *Engine) inodeLogged(trans *ctree.TransStruct, inode *ctree.InodeStruct) (logged bool, err error) {
	var (
		logTree *itemstore.Tree
		ok      bool
	)

	if inode.LoggedTrans == trans.TransID {
		logged = true
		return
	}
	if 0 < inode.LoggedTrans {
		return
	}

	logTree, err = engine.currentLog(inode.Root)
	if nil != err {
		return
	}
	if nil == logTree {
		logged = markNotLogged(trans, inode)
		return
	}

	_, ok, err = logTree.Search(inodeItemKey(inode.Ino))
	if nil != err {
		return
	}
	if !ok {
		logged = markNotLogged(trans, inode)
		return
	}

	inode.LoggedTrans = trans.TransID
	logged = true

	return
}

func (engine *Engine) inodeLoggedLocking(trans *ctree.TransStruct, inode *ctree.InodeStruct) (logged bool, err error) {
	inode.LogMutex.Lock()
	logged, err = engine.inodeLogged(trans, inode)
	inode.LogMutex.Unlock()
	return
}

// dropInodeItems removes every log item of ino with a key type up to
// maxType. It must not be used to drop ExtentData items that are still
// referenced by the log.
func dropInodeItems(logTree *itemstore.Tree, ino uint64, maxType uint8) (err error) {
	_, err = logTree.DeleteRange(inodeItemKey(ino), lastKeyOfType(ino, maxType))
	return
}

// fillInodeItem returns the InodeItem payload logged for inode. An
// exists-only record carries generation 0 and the size already in the log.
func fillInodeItem(trans *ctree.TransStruct, inode *ctree.InodeStruct, existsOnly bool, loggedISize uint64) (payload []byte, err error) {
	inodeItem := inode.Item

	if existsOnly {
		inodeItem.Generation = 0
		inodeItem.Size = loggedISize
	}
	inodeItem.TransID = trans.TransID

	payload, err = inodeItem.MarshalInodeItem()

	return
}

func loggedInodeSize(logTree *itemstore.Tree, inode *ctree.InodeStruct) (size uint64, err error) {
	var (
		inodeItem *ilayout.InodeItemStruct
		ok        bool
		payload   []byte
	)

	payload, ok, err = logTree.Search(inodeItemKey(inode.Ino))
	if (nil != err) || !ok {
		return
	}

	inodeItem, err = ilayout.UnmarshalInodeItem(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}

	size = inodeItem.Size
	if size > inode.Size() {
		size = inode.Size()
	}

	return
}

func logInodeItem(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct) (err error) {
	var (
		payload []byte
	)

	payload, err = fillInodeItem(trans, inode, false, 0)
	if nil != err {
		return
	}

	err = logTree.Put(inodeItemKey(inode.Ino), payload)

	return
}

// insertLogItems adds items to the log in one batch, falling back to
// replacing them one at a time when some are already logged.
func insertLogItems(logTree *itemstore.Tree, items []itemstore.ItemStruct) (err error) {
	if 0 == len(items) {
		return
	}

	err = logTree.InsertBatch(items)
	if (nil == err) || blunder.IsNot(err, blunder.FileExistsError) {
		return
	}

	for _, item := range items {
		err = logTree.Put(item.Key, item.Payload)
		if nil != err {
			return
		}
	}

	return
}

// copyItems logs items of inode cloned from its fs tree. ExtentData items
// from before trans are left out unless they could be at or beyond EOF or
// reflinked in trans; checksums of new extents are logged with them.
func (engine *Engine) copyItems(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct, items []itemstore.ItemStruct, mode LogMode, loggedISize uint64) (err error) {
	var (
		fileExtentItem *ilayout.FileExtentItemStruct
		insItems       []itemstore.ItemStruct
		payload        []byte
	)

	iSize := inode.Size()

	insItems = make([]itemstore.ItemStruct, 0, len(items))

	for _, item := range items {
		switch item.Key.Type {
		case ilayout.InodeItemKey:
			payload, err = fillInodeItem(trans, inode, LogInodeExists == mode, loggedISize)
			if nil != err {
				return
			}
			insItems = append(insItems, itemstore.ItemStruct{Key: item.Key, Payload: payload})
			continue
		case ilayout.ExtentDataKey:
			// checked below
		default:
			insItems = append(insItems, item)
			continue
		}

		fileExtentItem, err = ilayout.UnmarshalFileExtentItem(item.Payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}

		oldExtent := fileExtentItem.Generation < trans.TransID

		if oldExtent && (item.Key.Offset < iSize) && (inode.LastReflinkTrans < trans.TransID) {
			continue
		}

		if !oldExtent && (ilayout.FileExtentReg == fileExtentItem.Type) && (0 != fileExtentItem.DiskBytenr) {
			start := fileExtentItem.DiskBytenr + fileExtentItem.Offset
			err = engine.logCsumsFromTree(trans, logTree, inode, start, start+fileExtentItem.NumBytes)
			if nil != err {
				return
			}
		}

		insItems = append(insItems, item)
	}

	err = insertLogItems(logTree, insItems)

	return
}

// copyInodeItemsToLog copies the items of inode from its InodeItem through
// key type maxType into the log. Xattrs are left to logAllXattrs() and
// extents at or beyond EOF to logPreallocExtents().
func (engine *Engine) copyInodeItemsToLog(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct, maxType uint8, loggedISize uint64, mode LogMode, ctx *LogContext) (needLogInodeItem bool, err error) {
	var (
		conflict    bool
		items       []itemstore.ItemStruct
		otherIno    uint64
		otherParent uint64
		pending     []itemstore.ItemStruct
		reachedEOF  bool
	)

	needLogInodeItem = true

	batch := int(engine.config.LogCopyBatch)
	iSize := inode.Size()
	startKey := inodeItemKey(inode.Ino)
	endKey := lastKeyOfType(inode.Ino, maxType)

	for !reachedEOF {
		items, err = inode.Root.Tree.CloneRange(startKey, endKey, batch)
		if nil != err {
			return
		}
		if 0 == len(items) {
			break
		}

		pending = make([]itemstore.ItemStruct, 0, len(items))

		for _, item := range items {
			switch item.Key.Type {
			case ilayout.InodeItemKey:
				needLogInodeItem = false
			case ilayout.ExtentDataKey:
				if item.Key.Offset >= iSize {
					reachedEOF = true
				}
			case ilayout.InodeRefKey, ilayout.InodeExtRefKey:
				if 0 == inode.NLink() {
					continue
				}
				if (inode.Item.Generation == trans.TransID) || ctx.loggingConflictInodes {
					otherIno, otherParent, conflict, err = checkRefNameOverride(inode, item)
					if nil != err {
						return
					}
					if conflict && (otherIno != ctx.inode) {
						pending = append(pending, item)
						err = engine.copyItems(trans, logTree, inode, pending, mode, loggedISize)
						if nil != err {
							return
						}
						pending = pending[:0]
						err = engine.addConflictingInode(trans, inode.Root, otherIno, otherParent, ctx)
						if nil != err {
							return
						}
						continue
					}
				}
			case ilayout.XattrItemKey:
				continue
			}

			if reachedEOF {
				break
			}

			pending = append(pending, item)
		}

		err = engine.copyItems(trans, logTree, inode, pending, mode, loggedISize)
		if nil != err {
			return
		}

		if len(items) < batch {
			break
		}

		startKey = items[len(items)-1].Key.Next()
	}

	if (LogInodeAll == mode) && inode.IsReg() {
		err = engine.logPreallocExtents(trans, logTree, inode)
	}

	return
}

// logAllXattrs logs every xattr item of inode. Xattrs are logged all or
// nothing so that replay can delete those missing from the log.
func (engine *Engine) logAllXattrs(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct) (err error) {
	var (
		items []itemstore.ItemStruct
	)

	items = make([]itemstore.ItemStruct, 0)

	err = inode.Root.Tree.Scan(
		ilayout.Key{ObjectID: inode.Ino, Type: ilayout.XattrItemKey, Offset: 0},
		lastKeyOfType(inode.Ino, ilayout.XattrItemKey),
		func(item itemstore.ItemStruct) (keepGoing bool, err error) {
			items = append(items, item)
			keepGoing = true
			return
		})
	if nil != err {
		return
	}

	for _, item := range items {
		err = logTree.Put(item.Key, item.Payload)
		if nil != err {
			return
		}
	}

	return
}

// logInode records inode in the Log Tree of its subvolume. LogInodeAll logs
// every change; LogInodeExists logs just enough for the inode and its
// names to exist after replay. The caller has started a log transaction.
func (engine *Engine) logInode(trans *ctree.TransStruct, inode *ctree.InodeStruct, mode LogMode, ctx *LogContext) (err error) {
	var (
		delayedDeletions []*ctree.DelayedDirItemStruct
		delayedInserts   []*ctree.DelayedDirItemStruct
		fastSearch       bool
		inodeItemDropped bool
		logTree          *itemstore.Tree
		loggedBefore     bool
		loggedISize      uint64
		maxType          uint8
		needLogInodeItem bool
		xattrsLogged     bool
	)

	stopwatch := utils.NewStopwatch()

	logTree, err = engine.currentLog(inode.Root)
	if nil != err {
		return
	}
	if nil == logTree {
		err = ErrLogForceCommit
		return
	}

	if inode.IsDir() || (!inode.NeedsFullSync && (LogInodeExists == mode)) {
		maxType = ilayout.XattrItemKey
	} else {
		maxType = ilayout.MaxKeyType
	}

	fullDirLogging := inode.IsDir() && (LogInodeAll == mode)

	if fullDirLogging && ctx.loggingNewDelayedDentries {
		err = inode.FlushDelayedItems(trans)
		if nil != err {
			return
		}
	}

	inode.LogMutex.Lock()

	if ilayout.ModeSymlink == (inode.Item.Mode & ilayout.ModeTypeMask) {
		mode = LogInodeAll
	}

	loggedBefore, err = engine.inodeLogged(trans, inode)
	if nil != err {
		inode.LogMutex.Unlock()
		return
	}
	ctx.loggedBefore = loggedBefore

	if fullDirLogging && (inode.LastUnlinkTrans >= trans.TransID) {
		inode.LogMutex.Unlock()
		err = ErrLogForceCommit
		return
	}

	inodeItemDropped = true
	needLogInodeItem = true

	if inode.IsDir() {
		inode.CopyEverything = false
		if loggedBefore {
			err = dropInodeItems(logTree, inode.Ino, ilayout.XattrItemKey)
		}
	} else {
		if (LogInodeExists == mode) && loggedBefore {
			loggedISize, err = loggedInodeSize(logTree, inode)
			if nil != err {
				inode.LogMutex.Unlock()
				return
			}
		}
		if inode.NeedsFullSync {
			if LogInodeExists == mode {
				maxType = ilayout.XattrItemKey
				if loggedBefore {
					err = dropInodeItems(logTree, inode.Ino, maxType)
				}
			} else {
				inode.NeedsFullSync = false
				inode.CopyEverything = false
				if loggedBefore {
					err = dropInodeItems(logTree, inode.Ino, ilayout.MaxKeyType)
				}
			}
		} else if inode.CopyEverything || (LogInodeExists == mode) {
			inode.CopyEverything = false
			if LogInodeAll == mode {
				fastSearch = true
			}
			maxType = ilayout.XattrItemKey
			if loggedBefore {
				err = dropInodeItems(logTree, inode.Ino, maxType)
			}
		} else {
			if LogInodeAll == mode {
				fastSearch = true
			}
			inodeItemDropped = false
		}
	}
	if nil != err {
		inode.LogMutex.Unlock()
		return
	}

	if fullDirLogging && !ctx.loggingNewDelayedDentries {
		delayedInserts = inode.DelayedInsertions()
		delayedDeletions = inode.DelayedDeletions()
	}

	if inodeItemDropped {
		needLogInodeItem, err = engine.copyInodeItemsToLog(trans, logTree, inode, maxType, loggedISize, mode, ctx)
		if nil == err {
			err = engine.logAllXattrs(trans, logTree, inode)
		}
		if nil == err {
			xattrsLogged = true
			if (maxType >= ilayout.ExtentDataKey) && !fastSearch {
				err = engine.logHoles(trans, logTree, inode)
			}
		}
		if nil != err {
			inode.LogMutex.Unlock()
			engine.freeConflictingInodes(ctx)
			return
		}
	}

	err = engine.logInodeExtents(trans, logTree, inode, mode, ctx, needLogInodeItem, xattrsLogged, fastSearch)
	if (nil == err) && fullDirLogging {
		err = engine.logDirectoryChanges(trans, logTree, inode, ctx)
		if nil == err {
			err = engine.logDelayedInsertionItems(trans, logTree, inode, delayedInserts, ctx)
		}
		if nil == err {
			err = engine.logDelayedDeletionItems(trans, logTree, inode, delayedDeletions, ctx)
		}
	}
	if nil != err {
		inode.LogMutex.Unlock()
		engine.freeConflictingInodes(ctx)
		return
	}

	inode.LoggedTrans = trans.TransID
	if LogInodeExists != mode {
		inode.LastLogCommit = inode.LastSubTrans
	}
	if LogInodeAll == mode {
		inode.LastReflinkTrans = 0
	}

	inode.LogMutex.Unlock()

	engine.stats.LogInodeUsecs.Add(stopwatch.ElapsedUs())

	logger.Tracef("treelog logged inode %d of subvolume %d (mode %d) in transaction %d", inode.Ino, inode.Root.ID, mode, trans.TransID)

	err = engine.logConflictingInodes(trans, inode.Root, ctx)

	if (nil == err) && fullDirLogging && !ctx.loggingNewDelayedDentries {
		err = engine.logNewDelayedDentries(trans, inode, delayedInserts, ctx)
	}

	return
}

// logInodeExtents logs the InodeItem when it was not copied and then the
// extents of inode, either just those changed or none at all. The caller
// holds inode.LogMutex.
func (engine *Engine) logInodeExtents(trans *ctree.TransStruct, logTree *itemstore.Tree, inode *ctree.InodeStruct, mode LogMode, ctx *LogContext, needLogInodeItem bool, xattrsLogged bool, fastSearch bool) (err error) {
	if needLogInodeItem {
		err = logInodeItem(trans, logTree, inode)
		if nil != err {
			return
		}
		if !xattrsLogged && (inode.LoggedTrans < trans.TransID) {
			err = engine.logAllXattrs(trans, logTree, inode)
			if nil != err {
				return
			}
		}
	}

	if fastSearch {
		err = engine.logChangedExtents(trans, logTree, inode, ctx)
	} else if LogInodeAll == mode {
		inode.ClearModifiedExtents()
	}

	return
}
