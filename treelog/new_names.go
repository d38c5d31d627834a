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
)

// logNewDirDentries logs the inodes named by the DirIndex items of startDir
// added in trans, descending into new subdirectories breadth first.
func (engine *Engine) logNewDirDentries(trans *ctree.TransStruct, startDir *ctree.InodeStruct, ctx *LogContext) (err error) {
	var (
		dir        *ctree.InodeStruct
		dirEntries []ilayout.DirEntryStruct
		dirIno     uint64
		dirInos    []uint64
		entries    []ilayout.DirEntryStruct
		logTree    *itemstore.Tree
		need       bool
	)

	root := startDir.Root

	logTree, err = engine.currentLog(root)
	if (nil != err) || (nil == logTree) {
		return
	}

	dirInos = []uint64{startDir.Ino}

	for 0 < len(dirInos) {
		dirIno = dirInos[0]
		dirInos = dirInos[1:]

		dirEntries = make([]ilayout.DirEntryStruct, 0)

		err = logTree.Scan(ctree.DirIndexKey(dirIno, 0), ctree.DirIndexKey(dirIno, math.MaxUint64), func(item itemstore.ItemStruct) (keepGoing bool, err error) {
			entries, err = ilayout.UnmarshalDirEntries(item.Payload)
			if nil != err {
				err = blunder.AddError(err, blunder.LogCorruptError)
				return
			}
			dirEntries = append(dirEntries, entries...)
			keepGoing = true
			return
		})
		if nil != err {
			return
		}

		for _, dirEntry := range dirEntries {
			if (dirEntry.TransID < trans.TransID) || (ilayout.InodeItemKey != dirEntry.Location.Type) {
				continue
			}

			dir, err = root.Iget(dirEntry.Location.ObjectID)
			if nil != err {
				if blunder.Is(err, blunder.NotFoundError) {
					err = nil
					continue
				}
				return
			}

			need, err = engine.needLogInode(trans, dir)
			if (nil != err) || !need {
				root.Iput(dir)
				if nil != err {
					return
				}
				continue
			}

			mode := LogInodeExists
			if ilayout.FileTypeDir == dirEntry.FileType {
				mode = LogInodeAll
			}

			ctx.logNewDentries = false

			err = engine.logInode(trans, dir, mode, ctx)
			root.Iput(dir)
			if nil != err {
				return
			}

			if ctx.logNewDentries {
				dirInos = append(dirInos, dirEntry.Location.ObjectID)
			}
		}
	}

	ctx.logNewDentries = false

	return
}

// logNewDelayedDentries logs the inodes named by delayed DirIndex
// insertions of dir, which were themselves just logged.
func (engine *Engine) logNewDelayedDentries(trans *ctree.TransStruct, dir *ctree.InodeStruct, delayedInserts []*ctree.DelayedDirItemStruct, ctx *LogContext) (err error) {
	var (
		inode *ctree.InodeStruct
		need  bool
	)

	root := dir.Root

	savedLoggingNewDelayedDentries := ctx.loggingNewDelayedDentries
	ctx.loggingNewDelayedDentries = true
	defer func() {
		ctx.loggingNewDelayedDentries = savedLoggingNewDelayedDentries
	}()

	for _, delayedDirItem := range delayedInserts {
		if ilayout.InodeItemKey != delayedDirItem.Entry.Location.Type {
			continue
		}

		inode, err = root.Iget(delayedDirItem.Entry.Location.ObjectID)
		if nil != err {
			if blunder.Is(err, blunder.NotFoundError) {
				err = nil
				continue
			}
			return
		}

		need, err = engine.needLogInode(trans, inode)
		if (nil == err) && need {
			mode := LogInodeExists
			if inode.IsDir() {
				mode = LogInodeAll
			}
			err = engine.logInode(trans, inode, mode, ctx)
		}
		root.Iput(inode)
		if nil != err {
			return
		}
	}

	return
}

// logAllParents logs every directory naming inode, so that names it lost
// in trans do not come back at replay.
func (engine *Engine) logAllParents(trans *ctree.TransStruct, inode *ctree.InodeStruct, ctx *LogContext) (err error) {
	var (
		dir       *ctree.InodeStruct
		inodeRefs []ctree.InodeRefStruct
		need      bool
	)

	root := inode.Root

	inodeRefs, err = ctree.InodeRefs(inode)
	if nil != err {
		return
	}

	for _, inodeRef := range inodeRefs {
		if inodeRef.Parent == inode.Ino {
			continue
		}

		dir, err = root.Iget(inodeRef.Parent)
		if nil != err {
			if blunder.Is(err, blunder.NotFoundError) {
				err = nil
				continue
			}
			return
		}

		need, err = engine.needLogInode(trans, dir)
		if (nil != err) || !need {
			root.Iput(dir)
			if nil != err {
				return
			}
			continue
		}

		ctx.logNewDentries = false

		err = engine.logInode(trans, dir, LogInodeAll, ctx)
		if (nil == err) && ctx.logNewDentries {
			err = engine.logNewDirDentries(trans, dir, ctx)
		}
		root.Iput(dir)
		if nil != err {
			return
		}
	}

	return
}

// logNewAncestors walks from dir up to the subvolume's top directory,
// logging the existence of every directory created in trans.
func (engine *Engine) logNewAncestors(trans *ctree.TransStruct, dir *ctree.InodeStruct, ctx *LogContext) (err error) {
	var (
		inodeRefs []ctree.InodeRefStruct
		need      bool
		parent    *ctree.InodeStruct
	)

	root := dir.Root
	current := dir
	owned := false

	defer func() {
		if owned {
			root.Iput(current)
		}
	}()

	for {
		if current.Item.Generation >= trans.TransID {
			need, err = engine.needLogInode(trans, current)
			if nil != err {
				return
			}
			if need {
				err = engine.logInode(trans, current, LogInodeExists, ctx)
				if nil != err {
					return
				}
			}
		}

		if ilayout.RootDirObjectID == current.Ino {
			return
		}

		inodeRefs, err = ctree.InodeRefs(current)
		if (nil != err) || (0 == len(inodeRefs)) {
			return
		}

		parent, err = root.Iget(inodeRefs[0].Parent)
		if nil != err {
			return
		}

		if owned {
			root.Iput(current)
		}
		current = parent
		owned = true
	}
}

// logAllNewAncestors logs the existence of every directory created in trans
// on any path from the subvolume's top directory to inode.
func (engine *Engine) logAllNewAncestors(trans *ctree.TransStruct, inode *ctree.InodeStruct, parent *ctree.InodeStruct, ctx *LogContext) (err error) {
	var (
		dir       *ctree.InodeStruct
		inodeRefs []ctree.InodeRefStruct
		visited   map[uint64]struct{}
	)

	if ilayout.RootDirObjectID == inode.Ino {
		return
	}

	if (nil != parent) && (2 > inode.NLink()) {
		err = engine.logNewAncestors(trans, parent, ctx)
		return
	}

	inodeRefs, err = ctree.InodeRefs(inode)
	if nil != err {
		return
	}

	visited = make(map[uint64]struct{})

	for _, inodeRef := range inodeRefs {
		if _, ok := visited[inodeRef.Parent]; ok {
			continue
		}
		visited[inodeRef.Parent] = struct{}{}

		dir, err = inode.Root.Iget(inodeRef.Parent)
		if nil != err {
			return
		}
		err = engine.logNewAncestors(trans, dir, ctx)
		inode.Root.Iput(dir)
		if nil != err {
			return
		}
	}

	return
}

// logInodeParent logs inode and everything needed for it to be reachable
// with its current names after replay.
func (engine *Engine) logInodeParent(trans *ctree.TransStruct, inode *ctree.InodeStruct, parent *ctree.InodeStruct, mode LogMode, ctx *LogContext) (err error) {
	var (
		logDentries bool
		lt          *logTreeStruct
	)

	if engine.config.NoTreeLog || trans.NeedFullCommit() {
		err = ErrLogForceCommit
		engine.stats.FullCommitFallbacks.Increment()
		return
	}

	if inode.InodeInLog(trans) && (0 == len(ctx.orderedExtents)) {
		err = ErrNoLogSync
		return
	}

	lt, err = engine.startLogTrans(trans, inode.Root, ctx)
	if nil != err {
		return
	}

	err = engine.logInodeParentLocked(trans, inode, parent, mode, ctx, &logDentries)
	if nil != err {
		if blunder.IsNot(err, blunder.FullCommitRequiredError) {
			logger.WarnfWithError(err, "treelog logging inode %d of subvolume %d failed", inode.Ino, inode.Root.ID)
		}
		trans.SetNeedFullCommit()
		engine.stats.FullCommitFallbacks.Increment()
		err = ErrLogForceCommit
		lt.removeLogCtx(ctx)
	}

	lt.endLogTrans()

	return
}

func (engine *Engine) logInodeParentLocked(trans *ctree.TransStruct, inode *ctree.InodeStruct, parent *ctree.InodeStruct, mode LogMode, ctx *LogContext, logDentries *bool) (err error) {
	err = engine.logInode(trans, inode, mode, ctx)
	if nil != err {
		return
	}

	if inode.IsReg() && (inode.Item.Generation < trans.TransID) && (inode.LastUnlinkTrans < trans.TransID) {
		return
	}

	*logDentries = inode.IsDir() && ctx.logNewDentries

	if inode.LastUnlinkTrans >= trans.TransID {
		err = engine.logAllParents(trans, inode, ctx)
		if nil != err {
			return
		}
	}

	err = engine.logAllNewAncestors(trans, inode, parent, ctx)
	if nil != err {
		return
	}

	if *logDentries {
		err = engine.logNewDirDentries(trans, inode, ctx)
	}

	return
}

// recordUnlinkDir notes that inode lost a name in dir during trans. For a
// rename out of dir, dir remembers it too unless either was already logged.
func (engine *Engine) recordUnlinkDir(trans *ctree.TransStruct, dir *ctree.InodeStruct, inode *ctree.InodeStruct, forRename bool) {
	inode.LogMutex.Lock()
	inode.LastUnlinkTrans = trans.TransID
	inode.LogMutex.Unlock()

	if !forRename {
		return
	}

	if (dir.LoggedTrans == trans.TransID) || (inode.LoggedTrans == trans.TransID) {
		return
	}

	dir.LogMutex.Lock()
	dir.LastUnlinkTrans = trans.TransID
	dir.LogMutex.Unlock()
}

// delLoggedDentry removes the DirIndex item at index of dirIno from the log
// if it holds name. It reports whether it did.
func delLoggedDentry(logTree *itemstore.Tree, dirIno uint64, name string, index uint64) (deleted bool, err error) {
	var (
		dirEntries []ilayout.DirEntryStruct
		ok         bool
		payload    []byte
	)

	dirIndexKey := ctree.DirIndexKey(dirIno, index)

	payload, ok, err = logTree.Search(dirIndexKey)
	if (nil != err) || !ok {
		return
	}

	dirEntries, err = ilayout.UnmarshalDirEntries(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}

	if (0 == len(dirEntries)) || (dirEntries[0].Name != name) {
		return
	}

	deleted, err = logTree.Delete(dirIndexKey)

	return
}

// logNewName keeps the log consistent after inode gained a name: the old
// name (for a rename) is dropped from the log of oldDir, and inode is logged
// in exists mode with its new name if it or oldDir was already logged.
func (engine *Engine) logNewName(trans *ctree.TransStruct, inode *ctree.InodeStruct, oldDir *ctree.InodeStruct, oldDirIndex uint64, oldName string, parent *ctree.InodeStruct) {
	var (
		ctx     *LogContext
		deleted bool
		err     error
		logged  bool
		logTree *itemstore.Tree
		lt      *logTreeStruct
	)

	defer func() {
		if nil != err {
			logger.WarnfWithError(err, "treelog logging new name of inode %d of subvolume %d failed", inode.Ino, inode.Root.ID)
			trans.SetNeedFullCommit()
		}
	}()

	if !inode.IsDir() {
		inode.LogMutex.Lock()
		inode.LastUnlinkTrans = trans.TransID
		inode.LogMutex.Unlock()
	}

	logged, err = engine.inodeLoggedLocking(trans, inode)
	if nil != err {
		return
	}
	if !logged {
		if nil == oldDir {
			return
		}
		logged, err = engine.inodeLoggedLocking(trans, oldDir)
		if (nil != err) || !logged {
			return
		}
	}

	if (nil != oldDir) && (oldDir.LoggedTrans == trans.TransID) {
		lt, err = engine.joinRunningLogTrans(oldDir.Root)
		if nil != err {
			if blunder.Is(err, blunder.NoLogInProgressError) {
				err = nil
			}
			return
		}

		logTree, err = engine.currentLog(oldDir.Root)
		if (nil == err) && (nil != logTree) {
			oldDir.LogMutex.Lock()
			deleted, err = delLoggedDentry(logTree, oldDir.Ino, oldName, oldDirIndex)
			if (nil == err) && !deleted {
				err = insertDirLogKey(logTree, oldDir.Ino, oldDirIndex, oldDirIndex)
			}
			oldDir.LogMutex.Unlock()
		}

		lt.endLogTrans()

		if nil != err {
			return
		}
	}

	ctx = NewLogContext(inode)
	ctx.loggingNewName = true

	// Failure here already forced a full commit, which is all the caller
	// could do about it.
	_ = engine.logInodeParent(trans, inode, parent, LogInodeExists, ctx)

	engine.freeConflictingInodes(ctx)
}

// delDirEntriesInLog drops the DirIndex at index of dir from the log, or
// records the index as deleted when the log never held it.
func (engine *Engine) delDirEntriesInLog(trans *ctree.TransStruct, name string, dir *ctree.InodeStruct, index uint64) {
	var (
		deleted bool
		err     error
		logged  bool
		logTree *itemstore.Tree
		lt      *logTreeStruct
	)

	logged, err = engine.inodeLoggedLocking(trans, dir)
	if nil != err {
		trans.SetNeedFullCommit()
		return
	}
	if !logged {
		return
	}

	lt, err = engine.joinRunningLogTrans(dir.Root)
	if nil != err {
		return
	}

	logTree, err = engine.currentLog(dir.Root)
	if (nil == err) && (nil != logTree) {
		dir.LogMutex.Lock()
		deleted, err = delLoggedDentry(logTree, dir.Ino, name, index)
		if (nil == err) && !deleted {
			err = insertDirLogKey(logTree, dir.Ino, index, index)
		}
		dir.LogMutex.Unlock()
	}

	if nil != err {
		logger.WarnfWithError(err, "treelog dropping DirIndex %d of dir %d from log failed", index, dir.Ino)
		trans.SetNeedFullCommit()
	}

	lt.endLogTrans()
}

// delLogInodeRef removes the ref (or extref) naming ino as name in parent
// from logTree.
func delLogInodeRef(logTree *itemstore.Tree, ino uint64, parent uint64, name string) (err error) {
	var (
		inodeExtRefs []ilayout.InodeExtRefEntryStruct
		inodeRefs    []ilayout.InodeRefEntryStruct
		ok           bool
		payload      []byte
	)

	refKey := ctree.InodeRefKey(ino, parent)

	payload, ok, err = logTree.Search(refKey)
	if nil != err {
		return
	}
	if ok {
		inodeRefs, err = ilayout.UnmarshalInodeRefs(payload)
		if nil != err {
			err = blunder.AddError(err, blunder.LogCorruptError)
			return
		}
		for refIndex, inodeRef := range inodeRefs {
			if inodeRef.Name != name {
				continue
			}
			inodeRefs = append(inodeRefs[:refIndex], inodeRefs[refIndex+1:]...)
			if 0 == len(inodeRefs) {
				_, err = logTree.Delete(refKey)
				return
			}
			payload, err = ilayout.MarshalInodeRefs(inodeRefs)
			if nil == err {
				err = logTree.Put(refKey, payload)
			}
			return
		}
	}

	extRefKey := ctree.InodeExtRefKey(ino, parent, name)

	payload, ok, err = logTree.Search(extRefKey)
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "treelog: log holds no ref of inode %d named \"%s\" in %d", ino, name, parent)
		return
	}
	inodeExtRefs, err = ilayout.UnmarshalInodeExtRefs(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}
	for refIndex, inodeExtRef := range inodeExtRefs {
		if (inodeExtRef.Parent != parent) || (inodeExtRef.Name != name) {
			continue
		}
		inodeExtRefs = append(inodeExtRefs[:refIndex], inodeExtRefs[refIndex+1:]...)
		if 0 == len(inodeExtRefs) {
			_, err = logTree.Delete(extRefKey)
			return
		}
		payload, err = ilayout.MarshalInodeExtRefs(inodeExtRefs)
		if nil == err {
			err = logTree.Put(extRefKey, payload)
		}
		return
	}

	err = blunder.NewError(blunder.NotFoundError, "treelog: log holds no extref of inode %d named \"%s\" in %d", ino, name, parent)

	return
}

// delInodeRefInLog drops the name of inode in dirIno from the log.
func (engine *Engine) delInodeRefInLog(trans *ctree.TransStruct, name string, inode *ctree.InodeStruct, dirIno uint64) {
	var (
		err     error
		logged  bool
		logTree *itemstore.Tree
		lt      *logTreeStruct
	)

	logged, err = engine.inodeLoggedLocking(trans, inode)
	if nil != err {
		trans.SetNeedFullCommit()
		return
	}
	if !logged {
		return
	}

	lt, err = engine.joinRunningLogTrans(inode.Root)
	if nil != err {
		return
	}

	logTree, err = engine.currentLog(inode.Root)
	if (nil == err) && (nil != logTree) {
		inode.LogMutex.Lock()
		err = delLogInodeRef(logTree, inode.Ino, dirIno, name)
		inode.LogMutex.Unlock()
	}

	if (nil != err) && blunder.IsNot(err, blunder.NotFoundError) {
		logger.WarnfWithError(err, "treelog dropping ref of inode %d in %d from log failed", inode.Ino, dirIno)
		trans.SetNeedFullCommit()
	}

	lt.endLogTrans()
}
