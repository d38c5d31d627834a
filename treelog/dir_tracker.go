// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"math"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
)

func dirLogKey(dirIno uint64, start uint64) ilayout.Key {
	return ilayout.Key{ObjectID: dirIno, Type: ilayout.DirLogIndexKey, Offset: start}
}

// dirLogRangeStruct is a DirLogRange: every DirIndex of a directory in
// [start, end] is either in the log or must be deleted at replay.
//
type dirLogRangeStruct struct {
	start uint64
	end   uint64
}

// scanDirLogRanges returns the DirLogRanges of dirIno in logTree.
func scanDirLogRanges(logTree *itemstore.Tree, dirIno uint64) (dirLogRanges []dirLogRangeStruct, err error) {
	var (
		dirLogItem *ilayout.DirLogItemStruct
	)

	dirLogRanges = make([]dirLogRangeStruct, 0)

	err = logTree.Scan(dirLogKey(dirIno, 0), dirLogKey(dirIno, math.MaxUint64), func(item itemstore.ItemStruct) (keepGoing bool, err error) {
		dirLogItem, err = ilayout.UnmarshalDirLogItem(item.Payload)
		if nil != err {
			err = blunder.AddError(err, blunder.LogCorruptError)
			return
		}
		dirLogRanges = append(dirLogRanges, dirLogRangeStruct{start: item.Key.Offset, end: dirLogItem.End})
		keepGoing = true
		return
	})

	return
}

// touches reports whether the two ranges overlap or are adjacent.
func (dirLogRange dirLogRangeStruct) touches(start uint64, end uint64) bool {
	if (math.MaxUint64 != end) && (dirLogRange.start > end+1) {
		return false
	}
	if (math.MaxUint64 != dirLogRange.end) && (dirLogRange.end+1 < start) {
		return false
	}
	return true
}

// insertDirLogKey records [start, end] as a DirLogRange of dirIno, merging
// it with any range it overlaps or abuts.
func insertDirLogKey(logTree *itemstore.Tree, dirIno uint64, start uint64, end uint64) (err error) {
	var (
		dirLogRanges []dirLogRangeStruct
		payload      []byte
	)

	if start > end {
		return
	}

	dirLogRanges, err = scanDirLogRanges(logTree, dirIno)
	if nil != err {
		return
	}

	for _, dirLogRange := range dirLogRanges {
		if !dirLogRange.touches(start, end) {
			continue
		}
		if dirLogRange.start < start {
			start = dirLogRange.start
		}
		if dirLogRange.end > end {
			end = dirLogRange.end
		}
		_, err = logTree.Delete(dirLogKey(dirIno, dirLogRange.start))
		if nil != err {
			return
		}
	}

	dirLogItem := &ilayout.DirLogItemStruct{End: end}

	payload, err = dirLogItem.MarshalDirLogItem()
	if nil != err {
		return
	}

	err = logTree.Put(dirLogKey(dirIno, start), payload)

	return
}

// updateLastDirIndexOffset establishes the highest DirIndex of dir already
// in the log when this is the first logging of dir since it was cached.
func updateLastDirIndexOffset(logTree *itemstore.Tree, dir *ctree.InodeStruct, ctx *LogContext) (err error) {
	var (
		item itemstore.ItemStruct
		ok   bool
	)

	if !ctx.loggedBefore {
		dir.LastDirIndexOffset = ilayout.DirStartIndex - 1
		return
	}
	if 0 != dir.LastDirIndexOffset {
		return
	}

	dir.LastDirIndexOffset = ilayout.DirStartIndex - 1

	item, ok, err = logTree.Prev(ctree.DirIndexKey(dir.Ino, math.MaxUint64))
	if (nil != err) || !ok {
		return
	}
	if (dir.Ino == item.Key.ObjectID) && (ilayout.DirIndexKey == item.Key.Type) && (item.Key.Offset > dir.LastDirIndexOffset) {
		dir.LastDirIndexOffset = item.Key.Offset
	}

	return
}

// isOldDirIndex reports whether the single entry of a DirIndex item was
// added before trans.
func isOldDirIndex(trans *ctree.TransStruct, item itemstore.ItemStruct) (old bool, err error) {
	var (
		dirEntries []ilayout.DirEntryStruct
	)

	dirEntries, err = ilayout.UnmarshalDirEntries(item.Payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		return
	}
	if 0 == len(dirEntries) {
		err = blunder.NewError(blunder.CorruptInodeError, "treelog: empty DirIndex item %v", item.Key)
		return
	}

	old = dirEntries[0].TransID < trans.TransID

	return
}

// logDirectoryChanges copies the DirIndex items of dir added in trans into
// the log and records DirLogRanges covering every index not held by an
// older entry, so that replay removes names deleted since the last commit.
// The caller holds dir.LogMutex.
func (engine *Engine) logDirectoryChanges(trans *ctree.TransStruct, logTree *itemstore.Tree, dir *ctree.InodeStruct, ctx *LogContext) (err error) {
	var (
		batch   []itemstore.ItemStruct
		items   []itemstore.ItemStruct
		lastOld uint64
		old     bool
	)

	err = updateLastDirIndexOffset(logTree, dir, ctx)
	if nil != err {
		return
	}

	copyBatch := int(engine.config.LogCopyBatch)
	insertBatch := int(engine.config.DirIndexBatch)

	lastOld = ilayout.DirStartIndex - 1
	startKey := ctree.DirIndexKey(dir.Ino, ilayout.DirStartIndex)
	endKey := ctree.DirIndexKey(dir.Ino, math.MaxUint64)

	batch = make([]itemstore.ItemStruct, 0, insertBatch)

	for {
		items, err = dir.Root.Tree.CloneRange(startKey, endKey, copyBatch)
		if nil != err {
			return
		}
		if 0 == len(items) {
			break
		}

		for _, item := range items {
			if dir.IsDelayedDeletion(item.Key.Offset) {
				continue
			}

			old, err = isOldDirIndex(trans, item)
			if nil != err {
				return
			}

			if old {
				if item.Key.Offset > lastOld+1 {
					err = insertDirLogKey(logTree, dir.Ino, lastOld+1, item.Key.Offset-1)
					if nil != err {
						return
					}
				}
				lastOld = item.Key.Offset
				continue
			}

			ctx.logNewDentries = true

			if item.Key.Offset <= dir.LastDirIndexOffset {
				continue
			}

			batch = append(batch, item)
			dir.LastDirIndexOffset = item.Key.Offset

			if len(batch) == insertBatch {
				err = insertLogItems(logTree, batch)
				if nil != err {
					return
				}
				batch = batch[:0]
			}
		}

		if len(items) < copyBatch {
			break
		}

		startKey = items[len(items)-1].Key.Next()
	}

	err = insertLogItems(logTree, batch)
	if nil != err {
		return
	}

	if math.MaxUint64 != lastOld {
		err = insertDirLogKey(logTree, dir.Ino, lastOld+1, math.MaxUint64)
	}

	return
}

// logDelayedInsertionItems logs the DirIndex insertions of dir not yet
// applied to the fs tree. The caller holds dir.LogMutex.
func (engine *Engine) logDelayedInsertionItems(trans *ctree.TransStruct, logTree *itemstore.Tree, dir *ctree.InodeStruct, delayedInserts []*ctree.DelayedDirItemStruct, ctx *LogContext) (err error) {
	var (
		batch   []itemstore.ItemStruct
		payload []byte
	)

	insertBatch := int(engine.config.DirIndexBatch)
	batch = make([]itemstore.ItemStruct, 0, insertBatch)

	for _, delayedDirItem := range delayedInserts {
		if delayedDirItem.Index <= dir.LastDirIndexOffset {
			continue
		}

		payload, err = ilayout.MarshalDirEntries([]ilayout.DirEntryStruct{delayedDirItem.Entry})
		if nil != err {
			return
		}

		batch = append(batch, itemstore.ItemStruct{Key: ctree.DirIndexKey(dir.Ino, delayedDirItem.Index), Payload: payload})
		dir.LastDirIndexOffset = delayedDirItem.Index
		ctx.logNewDentries = true

		if len(batch) == insertBatch {
			err = insertLogItems(logTree, batch)
			if nil != err {
				return
			}
			batch = batch[:0]
		}
	}

	err = insertLogItems(logTree, batch)

	return
}

// logDelayedDeletionItems removes from the log the DirIndex items of dir
// whose deletion is not yet applied to the fs tree. Each deleted index is
// left within a DirLogRange so that replay deletes it too. The caller holds
// dir.LogMutex.
func (engine *Engine) logDelayedDeletionItems(trans *ctree.TransStruct, logTree *itemstore.Tree, dir *ctree.InodeStruct, delayedDeletions []*ctree.DelayedDirItemStruct, ctx *LogContext) (err error) {
	var (
		first uint64
		last  uint64
	)

	if 0 == len(delayedDeletions) {
		return
	}

	flush := func() (err error) {
		_, err = logTree.DeleteRange(ctree.DirIndexKey(dir.Ino, first), ctree.DirIndexKey(dir.Ino, last))
		if nil == err {
			err = insertDirLogKey(logTree, dir.Ino, first, last)
		}
		return
	}

	first = delayedDeletions[0].Index
	last = first

	for _, delayedDirItem := range delayedDeletions[1:] {
		if delayedDirItem.Index == last+1 {
			last = delayedDirItem.Index
			continue
		}
		err = flush()
		if nil != err {
			return
		}
		first = delayedDirItem.Index
		last = first
	}

	err = flush()

	return
}
