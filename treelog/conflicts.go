// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
)

// needLogInode reports whether logging inode in trans would add anything to
// the log.
func (engine *Engine) needLogInode(trans *ctree.TransStruct, inode *ctree.InodeStruct) (need bool, err error) {
	var (
		logged bool
	)

	if inode.IsDir() && (inode.LastTrans < trans.TransID) {
		return
	}

	inode.LogMutex.Lock()
	defer inode.LogMutex.Unlock()

	logged, err = engine.inodeLogged(trans, inode)
	if nil != err {
		return
	}

	need = !logged || inode.CopyEverything

	return
}

// refNames returns the (parent, name) pairs held by an InodeRef or
// InodeExtRef item.
func refNames(item itemstore.ItemStruct) (inodeRefs []ctree.InodeRefStruct, err error) {
	var (
		inodeExtRefEntries []ilayout.InodeExtRefEntryStruct
		inodeRefEntries    []ilayout.InodeRefEntryStruct
	)

	inodeRefs = make([]ctree.InodeRefStruct, 0)

	switch item.Key.Type {
	case ilayout.InodeRefKey:
		inodeRefEntries, err = ilayout.UnmarshalInodeRefs(item.Payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}
		for _, inodeRefEntry := range inodeRefEntries {
			inodeRefs = append(inodeRefs, ctree.InodeRefStruct{Parent: item.Key.Offset, Index: inodeRefEntry.Index, Name: inodeRefEntry.Name})
		}
	case ilayout.InodeExtRefKey:
		inodeExtRefEntries, err = ilayout.UnmarshalInodeExtRefs(item.Payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}
		for _, inodeExtRefEntry := range inodeExtRefEntries {
			inodeRefs = append(inodeRefs, ctree.InodeRefStruct{Parent: inodeExtRefEntry.Parent, Index: inodeExtRefEntry.Index, Name: inodeExtRefEntry.Name, Ext: true})
		}
	}

	return
}

// checkRefNameOverride reports whether a name held by the ref item of inode
// named a different inode as of the last commit. Replaying the ref would
// then need that other inode logged too, or the replayed name would be
// silently taken from it.
func checkRefNameOverride(inode *ctree.InodeStruct, item itemstore.ItemStruct) (otherIno uint64, otherParent uint64, conflict bool, err error) {
	var (
		dirEntries []ilayout.DirEntryStruct
		inodeRefs  []ctree.InodeRefStruct
		ok         bool
		payload    []byte
	)

	inodeRefs, err = refNames(item)
	if nil != err {
		return
	}

	for _, inodeRef := range inodeRefs {
		payload, ok, err = inode.Root.SearchCommitRoot(ctree.DirItemKey(inodeRef.Parent, inodeRef.Name))
		if nil != err {
			return
		}
		if !ok {
			continue
		}
		dirEntries, err = ilayout.UnmarshalDirEntries(payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}
		for _, dirEntry := range dirEntries {
			if dirEntry.Name != inodeRef.Name {
				continue
			}
			if (ilayout.InodeItemKey == dirEntry.Location.Type) && (dirEntry.Location.ObjectID != inode.Ino) {
				otherIno = dirEntry.Location.ObjectID
				otherParent = inodeRef.Parent
				conflict = true
			}
			return
		}
	}

	return
}

// addConflictingInode queues inode ino, which held a name in parent as of
// the last commit, for logging once the current inode is logged. Too many
// conflicts make a full commit cheaper.
func (engine *Engine) addConflictingInode(trans *ctree.TransStruct, root *ctree.RootStruct, ino uint64, parent uint64, ctx *LogContext) (err error) {
	for _, conflictInode := range ctx.conflictInodes {
		if conflictInode.ino == ino {
			return
		}
	}

	if uint64(len(ctx.conflictInodes)) >= engine.config.MaxConflictInodes {
		err = ErrLogForceCommit
		return
	}

	ctx.conflictInodes = append(ctx.conflictInodes, conflictInodeStruct{ino: ino, parent: parent})
	engine.stats.ConflictInodesQueued.Increment()

	logger.Tracef("treelog queued conflicting inode %d (parent %d) of subvolume %d", ino, parent, root.ID)

	return
}

func (engine *Engine) freeConflictingInodes(ctx *LogContext) {
	ctx.conflictInodes = nil
}

// logConflictingInodes logs each queued conflicting inode so that it keeps
// the names it still has. One that no longer exists has its old parent
// logged instead, which records the removal of its name.
func (engine *Engine) logConflictingInodes(trans *ctree.TransStruct, root *ctree.RootStruct, ctx *LogContext) (err error) {
	var (
		conflictInode conflictInodeStruct
		inode         *ctree.InodeStruct
		need          bool
	)

	if ctx.loggingConflictInodes {
		return
	}

	ctx.loggingConflictInodes = true
	defer func() {
		ctx.loggingConflictInodes = false
		if nil != err {
			engine.freeConflictingInodes(ctx)
		}
	}()

	for 0 < len(ctx.conflictInodes) {
		conflictInode = ctx.conflictInodes[0]
		ctx.conflictInodes = ctx.conflictInodes[1:]

		inode, err = root.Iget(conflictInode.ino)
		if nil != err {
			if blunder.IsNot(err, blunder.NotFoundError) {
				return
			}
			inode, err = root.Iget(conflictInode.parent)
			if nil != err {
				return
			}
			err = engine.logInode(trans, inode, LogInodeAll, ctx)
			root.Iput(inode)
			if nil != err {
				return
			}
			continue
		}

		need, err = engine.needLogInode(trans, inode)
		if (nil == err) && need {
			err = engine.logInode(trans, inode, LogInodeExists, ctx)
		}
		root.Iput(inode)
		if nil != err {
			return
		}
	}

	return
}
