// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"bytes"
	"math"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/csumstore"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
)

// overwriteItem copies a logged item into the fs tree of root. InodeItems
// keep the byte count of the destination (replayed extents adjust it) and a
// directory's size is rebuilt from the names replayed into it.
func overwriteItem(trans *ctree.TransStruct, root *ctree.RootStruct, key ilayout.Key, payload []byte) (err error) {
	var (
		dstInodeItem *ilayout.InodeItemStruct
		dstPayload   []byte
		ok           bool
		srcInodeItem *ilayout.InodeItemStruct
	)

	dstPayload, ok, err = root.Tree.Search(key)
	if nil != err {
		return
	}
	if ok && bytes.Equal(dstPayload, payload) {
		return
	}

	if ilayout.InodeItemKey != key.Type {
		err = root.Tree.Put(key, payload)
		return
	}

	srcInodeItem, err = ilayout.UnmarshalInodeItem(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}

	if ok {
		dstInodeItem, err = ilayout.UnmarshalInodeItem(dstPayload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}

		if 0 == srcInodeItem.Generation {
			// Logged only to exist: at most the size of a regular file moves
			if srcInodeItem.IsReg() && dstInodeItem.IsReg() && (0 != srcInodeItem.Size) && (srcInodeItem.Size != dstInodeItem.Size) {
				dstInodeItem.Size = srcInodeItem.Size
				err = putInodeItem(root, key, dstInodeItem)
			}
			return
		}

		srcInodeItem.NBytes = dstInodeItem.NBytes
		if srcInodeItem.IsDir() {
			if dstInodeItem.IsDir() {
				srcInodeItem.Size = dstInodeItem.Size
			} else {
				srcInodeItem.Size = 0
			}
		}
	} else {
		srcInodeItem.NBytes = 0
		if srcInodeItem.IsDir() {
			srcInodeItem.Size = 0
		}
	}

	if 0 == srcInodeItem.Generation {
		srcInodeItem.Generation = trans.TransID
	}

	err = putInodeItem(root, key, srcInodeItem)

	return
}

func putInodeItem(root *ctree.RootStruct, key ilayout.Key, inodeItem *ilayout.InodeItemStruct) (err error) {
	var (
		payload []byte
	)

	payload, err = inodeItem.MarshalInodeItem()
	if nil != err {
		return
	}

	err = root.Tree.Put(key, payload)
	if nil != err {
		return
	}

	root.UpdateHighestObjectID(key.ObjectID)

	err = root.RefreshInode(key.ObjectID)

	return
}

// replayOneExtent applies a logged ExtentData item: the file range it covers
// is dropped from the fs tree and the logged extent, its data extent
// reference and its checksums take its place.
func (engine *Engine) replayOneExtent(trans *ctree.TransStruct, root *ctree.RootStruct, logTree *itemstore.Tree, item itemstore.ItemStruct) (err error) {
	var (
		droppedBytes   uint64
		existing       []byte
		fileExtentItem *ilayout.FileExtentItemStruct
		inode          *ctree.InodeStruct
		ok             bool
	)

	fileExtentItem, err = ilayout.UnmarshalFileExtentItem(item.Payload)
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}

	start := item.Key.Offset
	end := start + fileExtentItem.NumBytes
	isHole := (0 == fileExtentItem.DiskBytenr) && (ilayout.FileExtentReg == fileExtentItem.Type)

	nBytes := fileExtentItem.NumBytes
	if isHole {
		nBytes = 0
	}

	inode, err = root.Iget(item.Key.ObjectID)
	if nil != err {
		return
	}
	defer root.Iput(inode)

	existing, ok, err = root.Tree.Search(item.Key)
	if nil != err {
		return
	}
	if ok && bytes.Equal(existing, item.Payload) {
		return
	}

	// Claimed before the drop so that an extent shared with the dropped
	// items never loses its last reference in between
	if 0 != fileExtentItem.DiskBytenr {
		err = engine.fsInfo.Allocator.AllocLoggedFileExtent(fileExtentItem.DiskBytenr, fileExtentItem.DiskNumBytes)
		if nil != err {
			return
		}
	}

	droppedBytes, err = ctree.DropExtents(trans, root.Tree, inode.Ino, start, end, true)
	if nil != err {
		return
	}

	if !isHole || !engine.fsInfo.Config.NoHoles {
		err = ctree.InsertFileExtent(root.Tree, inode.Ino, start, fileExtentItem)
		if nil != err {
			return
		}
	}

	if (0 != fileExtentItem.DiskBytenr) && (ilayout.FileExtentReg == fileExtentItem.Type) {
		csumStart := fileExtentItem.DiskBytenr + fileExtentItem.Offset
		err = engine.replayCsums(logTree, csumStart, csumStart+fileExtentItem.NumBytes)
		if nil != err {
			return
		}
	}

	inode.AddBytes(nBytes)
	inode.SubBytes(droppedBytes)

	err = inode.UpdateInode(trans)

	return
}

// replayCsums replaces the checksums of the csum tree over the disk byte
// range [start, end) with those the log holds for it.
func (engine *Engine) replayCsums(logTree *itemstore.Tree, start uint64, end uint64) (err error) {
	var (
		sums []csumstore.SumStruct
	)

	csumStore := engine.fsInfo.CsumStore

	sums, err = csumStore.Lookup(logTree, start, end)
	if nil != err {
		return
	}

	for _, sum := range sums {
		err = csumStore.DeleteRange(engine.fsInfo.CsumTree, sum.Bytenr, csumStore.End(sum))
		if nil != err {
			return
		}
		err = csumStore.Insert(engine.fsInfo.CsumTree, sum)
		if nil != err {
			return
		}
	}

	return
}

// replayLink and replayUnlink apply any delayed DirIndex change at once so
// that later lookups of the replay see the fs tree as it will be committed.
func replayLink(trans *ctree.TransStruct, dir *ctree.InodeStruct, inode *ctree.InodeStruct, name string, index uint64, addBackref bool) (err error) {
	_, err = ctree.AddLink(trans, dir, inode, name, index, addBackref)
	if nil != err {
		return
	}
	err = dir.FlushDelayedItems(trans)
	return
}

func replayUnlink(trans *ctree.TransStruct, dir *ctree.InodeStruct, inode *ctree.InodeStruct, name string) (err error) {
	_, err = ctree.Unlink(trans, dir, inode, name)
	if nil != err {
		return
	}
	err = dir.FlushDelayedItems(trans)
	return
}

// dropOneDirItem removes dirEntry from dir. The inode it named is queued
// for a link count fixup.
func dropOneDirItem(trans *ctree.TransStruct, dir *ctree.InodeStruct, dirEntry ilayout.DirEntryStruct) (err error) {
	var (
		inode *ctree.InodeStruct
	)

	inode, err = dir.Root.Iget(dirEntry.Location.ObjectID)
	if nil != err {
		return
	}
	defer dir.Root.Iput(inode)

	err = linkToFixupDir(trans, dir.Root, inode.Ino)
	if nil != err {
		return
	}

	err = replayUnlink(trans, dir, inode, dirEntry.Name)
	if blunder.Is(err, blunder.NotFoundError) {
		// The DirIndex alone named it; the name is already gone
		err = nil
	}

	return
}

// inodeInDir reports whether dir already names ino as name at index.
func inodeInDir(dir *ctree.InodeStruct, ino uint64, index uint64, name string) (found bool, err error) {
	var (
		dirEntry ilayout.DirEntryStruct
		ok       bool
	)

	dirEntry, ok, err = ctree.LookupDirIndex(dir, index)
	if (nil != err) || !ok {
		return
	}
	if (dirEntry.Name != name) || (dirEntry.Location.ObjectID != ino) {
		return
	}

	dirEntry, ok, err = ctree.LookupDirItem(dir, name)
	if (nil != err) || !ok {
		return
	}

	found = dirEntry.Location.ObjectID == ino

	return
}

// backrefInLog reports whether the InodeRef or InodeExtRef item at key in
// logTree holds name in parent.
func backrefInLog(logTree *itemstore.Tree, key ilayout.Key, parent uint64, name string) (found bool, err error) {
	var (
		inodeRefs []ctree.InodeRefStruct
		ok        bool
		payload   []byte
	)

	payload, ok, err = logTree.Search(key)
	if (nil != err) || !ok {
		return
	}

	inodeRefs, err = refNames(itemstore.ItemStruct{Key: key, Payload: payload})
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}

	for _, inodeRef := range inodeRefs {
		if (inodeRef.Name == name) && (inodeRef.Parent == parent) {
			found = true
			return
		}
	}

	return
}

// unlinkRefsNotInLog unlinks from dir one name of inode held by the fs ref
// item at key that the log no longer has, reporting whether it did (in
// which case the caller rescans).
func unlinkRefsNotInLog(trans *ctree.TransStruct, logTree *itemstore.Tree, dir *ctree.InodeStruct, inode *ctree.InodeStruct, key ilayout.Key) (unlinked bool, err error) {
	var (
		inLog     bool
		inodeRefs []ctree.InodeRefStruct
		ok        bool
		payload   []byte
	)

	payload, ok, err = dir.Root.Tree.Search(key)
	if (nil != err) || !ok {
		return
	}

	inodeRefs, err = refNames(itemstore.ItemStruct{Key: key, Payload: payload})
	if nil != err {
		return
	}

	for _, inodeRef := range inodeRefs {
		if inodeRef.Parent != dir.Ino {
			continue
		}
		logKey := ctree.InodeRefKey(inode.Ino, inodeRef.Parent)
		if inodeRef.Ext {
			logKey = ctree.InodeExtRefKey(inode.Ino, inodeRef.Parent, inodeRef.Name)
		}
		inLog, err = backrefInLog(logTree, logKey, inodeRef.Parent, inodeRef.Name)
		if nil != err {
			return
		}
		if inLog {
			continue
		}

		inode.SetNLink(inode.NLink() + 1)
		err = replayUnlink(trans, dir, inode, inodeRef.Name)
		if nil == err {
			unlinked = true
			return
		}
		if blunder.IsNot(err, blunder.NotFoundError) {
			return
		}
		// A ref with no dentry is replaced along with the whole ref item
		inode.SetNLink(inode.NLink() - 1)
		err = nil
	}

	return
}

// clearWayForRef removes whatever in the fs tree would keep name of inode in
// dir at index from being added: names of inode in dir the log dropped, and
// any other entry holding the index or the name. skip is set for the self
// reference of a subvolume's top directory.
func clearWayForRef(trans *ctree.TransStruct, logTree *itemstore.Tree, dir *ctree.InodeStruct, inode *ctree.InodeStruct, index uint64, name string) (skip bool, err error) {
	var (
		dirEntry ilayout.DirEntryStruct
		ok       bool
		unlinked bool
	)

	if dir.Ino == inode.Ino {
		_, ok, err = dir.Root.Tree.Search(ctree.InodeRefKey(inode.Ino, dir.Ino))
		if nil != err {
			return
		}
		if ok {
			skip = true
			return
		}
	}

	for {
		unlinked, err = unlinkRefsNotInLog(trans, logTree, dir, inode, ctree.InodeRefKey(inode.Ino, dir.Ino))
		if nil != err {
			return
		}
		if unlinked {
			continue
		}
		unlinked, err = unlinkRefsNotInLog(trans, logTree, dir, inode, ctree.InodeExtRefKey(inode.Ino, dir.Ino, name))
		if nil != err {
			return
		}
		if !unlinked {
			break
		}
	}

	dirEntry, ok, err = ctree.LookupDirIndex(dir, index)
	if nil != err {
		return
	}
	if ok && (dirEntry.Name == name) {
		err = dropOneDirItem(trans, dir, dirEntry)
		if nil != err {
			return
		}
	}

	dirEntry, ok, err = ctree.LookupDirItem(dir, name)
	if nil != err {
		return
	}
	if ok {
		err = dropOneDirItem(trans, dir, dirEntry)
	}

	return
}

// unlinkOldInodeRefs unlinks every name held by the fs tree's copy of the ref
// item at item.Key that the logged copy lacks, so that no DirIndex is left
// without its ref once the logged item replaces it.
func unlinkOldInodeRefs(trans *ctree.TransStruct, root *ctree.RootStruct, inode *ctree.InodeStruct, item itemstore.ItemStruct) (err error) {
	var (
		dir       *ctree.InodeStruct
		fsRefs    []ctree.InodeRefStruct
		found     bool
		logRefs   []ctree.InodeRefStruct
		ok        bool
		payload   []byte
		unlinked  bool
		unlinkErr error
	)

	logRefs, err = refNames(item)
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}

	skipped := make(map[ctree.InodeRefStruct]struct{})

	for {
		payload, ok, err = root.Tree.Search(item.Key)
		if (nil != err) || !ok {
			return
		}
		fsRefs, err = refNames(itemstore.ItemStruct{Key: item.Key, Payload: payload})
		if nil != err {
			return
		}

		unlinked = false

		for _, fsRef := range fsRefs {
			found = false
			for _, logRef := range logRefs {
				if (logRef.Parent == fsRef.Parent) && (logRef.Name == fsRef.Name) {
					found = true
					break
				}
			}
			if found {
				continue
			}
			if _, ok = skipped[fsRef]; ok {
				continue
			}

			dir, err = root.Iget(fsRef.Parent)
			if nil != err {
				if blunder.IsNot(err, blunder.NotFoundError) {
					return
				}
				err = nil
				skipped[fsRef] = struct{}{}
				continue
			}
			unlinkErr = replayUnlink(trans, dir, inode, fsRef.Name)
			root.Iput(dir)
			if nil != unlinkErr {
				if blunder.IsNot(unlinkErr, blunder.NotFoundError) {
					err = unlinkErr
					return
				}
				skipped[fsRef] = struct{}{}
				continue
			}

			unlinked = true
			break
		}

		if !unlinked {
			return
		}
	}
}

// addInodeRef replays a logged InodeRef or InodeExtRef item: each name it
// holds is linked into its directory, displacing whatever held that name or
// index, and the logged item then replaces the fs tree's copy.
func (engine *Engine) addInodeRef(trans *ctree.TransStruct, root *ctree.RootStruct, logTree *itemstore.Tree, item itemstore.ItemStruct) (err error) {
	var (
		dir       *ctree.InodeStruct
		inDir     bool
		inode     *ctree.InodeStruct
		inodeRefs []ctree.InodeRefStruct
		skip      bool
	)

	inodeRefs, err = refNames(item)
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}

	if ilayout.InodeRefKey == item.Key.Type {
		// Parent directories are not always logged; link counts are fixed up later
		dir, err = root.Iget(item.Key.Offset)
		if nil != err {
			if blunder.Is(err, blunder.NotFoundError) {
				err = nil
			}
			return
		}
		root.Iput(dir)
	}

	inode, err = root.Iget(item.Key.ObjectID)
	if nil != err {
		return
	}
	defer root.Iput(inode)

	for _, inodeRef := range inodeRefs {
		dir, err = root.Iget(inodeRef.Parent)
		if nil != err {
			if blunder.IsNot(err, blunder.NotFoundError) {
				return
			}
			err = nil
			continue
		}

		inDir, err = inodeInDir(dir, inode.Ino, inodeRef.Index, inodeRef.Name)
		if (nil == err) && !inDir {
			skip, err = clearWayForRef(trans, logTree, dir, inode, inodeRef.Index, inodeRef.Name)
			if (nil == err) && skip {
				root.Iput(dir)
				return
			}
			if nil == err {
				err = replayLink(trans, dir, inode, inodeRef.Name, inodeRef.Index, false)
			}
			if nil == err {
				err = inode.UpdateInode(trans)
			}
		}

		root.Iput(dir)

		if nil != err {
			return
		}
	}

	err = unlinkOldInodeRefs(trans, root, inode, item)
	if nil != err {
		return
	}

	err = overwriteItem(trans, root, item.Key, item.Payload)

	return
}

// deleteConflictingDirEntry compares the fs tree's dirEntry with the logged
// location. matches reports an entry naming the same inode; any other entry
// is dropped if the logged inode exists.
func deleteConflictingDirEntry(trans *ctree.TransStruct, dir *ctree.InodeStruct, dirEntry ilayout.DirEntryStruct, logEntry ilayout.DirEntryStruct, exists bool) (matches bool, err error) {
	if (0 == dirEntry.Location.Compare(logEntry.Location)) && (dirEntry.FileType == logEntry.FileType) {
		matches = true
		return
	}

	if !exists {
		return
	}

	err = dropOneDirItem(trans, dir, dirEntry)

	return
}

// replayOneName replays the logged DirIndex entry logEntry of directory
// dirIno at index. A name whose ref is also in the log is left for the ref
// to add; a name of an inode that does not exist is skipped.
func replayOneName(trans *ctree.TransStruct, root *ctree.RootStruct, logTree *itemstore.Tree, dirIno uint64, index uint64, logEntry ilayout.DirEntryStruct) (added bool, err error) {
	var (
		dir          *ctree.InodeStruct
		dirEntry     ilayout.DirEntryStruct
		dirMatches   bool
		exists       bool
		indexMatches bool
		inLog        bool
		inode        *ctree.InodeStruct
		ok           bool
	)

	dir, err = root.Iget(dirIno)
	if nil != err {
		return
	}
	defer root.Iput(dir)

	_, exists, err = root.Tree.Search(inodeItemKey(logEntry.Location.ObjectID))
	if nil != err {
		return
	}

	dirEntry, ok, err = ctree.LookupDirItem(dir, logEntry.Name)
	if nil != err {
		return
	}
	if ok {
		dirMatches, err = deleteConflictingDirEntry(trans, dir, dirEntry, logEntry, exists)
		if nil != err {
			return
		}
	}

	dirEntry, ok, err = ctree.LookupDirIndex(dir, index)
	if nil != err {
		return
	}
	if ok && (dirEntry.Name == logEntry.Name) {
		indexMatches, err = deleteConflictingDirEntry(trans, dir, dirEntry, logEntry, exists)
		if nil != err {
			return
		}
	}

	if dirMatches && indexMatches {
		return
	}

	inLog, err = backrefInLog(logTree, ctree.InodeRefKey(logEntry.Location.ObjectID, dirIno), dirIno, logEntry.Name)
	if (nil != err) || inLog {
		return
	}
	inLog, err = backrefInLog(logTree, ctree.InodeExtRefKey(logEntry.Location.ObjectID, dirIno, logEntry.Name), dirIno, logEntry.Name)
	if (nil != err) || inLog {
		return
	}

	inode, err = root.Iget(logEntry.Location.ObjectID)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			err = nil
		}
		return
	}
	defer root.Iput(inode)

	err = replayLink(trans, dir, inode, logEntry.Name, index, true)
	if nil == err {
		added = true
		return
	}
	if blunder.Is(err, blunder.FileExistsError) || blunder.Is(err, blunder.NotFoundError) {
		err = nil
	}

	return
}

// replayOneDirItem replays a logged DirIndex item. A non-directory given a
// new name here may have gained a link the log never recorded, so its link
// count is fixed up.
func replayOneDirItem(trans *ctree.TransStruct, root *ctree.RootStruct, logTree *itemstore.Tree, item itemstore.ItemStruct) (err error) {
	var (
		added      bool
		dirEntries []ilayout.DirEntryStruct
	)

	dirEntries, err = ilayout.UnmarshalDirEntries(item.Payload)
	if nil != err {
		err = blunder.AddError(err, blunder.LogCorruptError)
		return
	}
	if 1 != len(dirEntries) {
		err = blunder.NewError(blunder.LogCorruptError, "treelog: logged DirIndex %v holds %d entries", item.Key, len(dirEntries))
		return
	}

	added, err = replayOneName(trans, root, logTree, item.Key.ObjectID, item.Key.Offset, dirEntries[0])
	if nil != err {
		return
	}

	if added && (ilayout.FileTypeDir != dirEntries[0].FileType) {
		err = linkToFixupDir(trans, root, dirEntries[0].Location.ObjectID)
	}

	return
}

// checkItemInLog unlinks the fs tree's DirIndex item of dir unless the log
// holds the same name at the same index. A nil logTree unlinks it
// unconditionally.
func checkItemInLog(trans *ctree.TransStruct, logTree *itemstore.Tree, dir *ctree.InodeStruct, item itemstore.ItemStruct) (err error) {
	var (
		dirEntries []ilayout.DirEntryStruct
		inode      *ctree.InodeStruct
		logEntries []ilayout.DirEntryStruct
		ok         bool
		payload    []byte
	)

	dirEntries, err = ilayout.UnmarshalDirEntries(item.Payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		return
	}
	if 0 == len(dirEntries) {
		return
	}
	dirEntry := dirEntries[0]

	if nil != logTree {
		payload, ok, err = logTree.Search(item.Key)
		if nil != err {
			return
		}
		if ok {
			logEntries, err = ilayout.UnmarshalDirEntries(payload)
			if nil != err {
				err = blunder.AddError(err, blunder.LogCorruptError)
				return
			}
			if (0 < len(logEntries)) && (logEntries[0].Name == dirEntry.Name) {
				return
			}
		}
	}

	inode, err = dir.Root.Iget(dirEntry.Location.ObjectID)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			logger.Warnf("treelog replay found dir %d entry \"%s\" naming missing inode %d", dir.Ino, dirEntry.Name, dirEntry.Location.ObjectID)
			err = nil
		}
		return
	}
	defer dir.Root.Iput(inode)

	err = linkToFixupDir(trans, dir.Root, inode.Ino)
	if nil != err {
		return
	}

	inode.SetNLink(inode.NLink() + 1)

	err = replayUnlink(trans, dir, inode, dirEntry.Name)

	return
}

// replayDirDeletes removes each name of directory dirIno lying in a logged
// DirLogRange that the log does not hold. With delAll every name is
// removed.
func replayDirDeletes(trans *ctree.TransStruct, root *ctree.RootStruct, logTree *itemstore.Tree, dirIno uint64, delAll bool) (err error) {
	var (
		dir          *ctree.InodeStruct
		dirLogRanges []dirLogRangeStruct
		items        []itemstore.ItemStruct
	)

	dir, err = root.Iget(dirIno)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			err = nil
		}
		return
	}
	defer root.Iput(dir)

	if delAll {
		dirLogRanges = []dirLogRangeStruct{{start: 0, end: math.MaxUint64}}
		logTree = nil
	} else {
		dirLogRanges, err = scanDirLogRanges(logTree, dirIno)
		if nil != err {
			return
		}
	}

	for _, dirLogRange := range dirLogRanges {
		items, err = root.Tree.CloneRange(ctree.DirIndexKey(dirIno, dirLogRange.start), ctree.DirIndexKey(dirIno, dirLogRange.end), 0)
		if nil != err {
			return
		}
		for _, item := range items {
			err = checkItemInLog(trans, logTree, dir, item)
			if nil != err {
				return
			}
		}
	}

	return
}

// replayXattrDeletes removes from the fs tree each xattr of ino the log
// does not hold.
func replayXattrDeletes(trans *ctree.TransStruct, root *ctree.RootStruct, logTree *itemstore.Tree, ino uint64) (err error) {
	var (
		fsEntries  []ilayout.XattrEntryStruct
		items      []itemstore.ItemStruct
		logEntries []ilayout.XattrEntryStruct
		ok         bool
		payload    []byte
	)

	items, err = root.Tree.CloneRange(ilayout.Key{ObjectID: ino, Type: ilayout.XattrItemKey, Offset: 0}, lastKeyOfType(ino, ilayout.XattrItemKey), 0)
	if nil != err {
		return
	}

	for _, item := range items {
		fsEntries, err = ilayout.UnmarshalXattrs(item.Payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}

		logEntries = nil
		payload, ok, err = logTree.Search(item.Key)
		if nil != err {
			return
		}
		if ok {
			logEntries, err = ilayout.UnmarshalXattrs(payload)
			if nil != err {
				err = blunder.AddError(err, blunder.LogCorruptError)
				return
			}
		}

		keep := make([]ilayout.XattrEntryStruct, 0, len(fsEntries))
		for _, fsEntry := range fsEntries {
			for _, logEntry := range logEntries {
				if logEntry.Name == fsEntry.Name {
					keep = append(keep, fsEntry)
					break
				}
			}
		}

		if len(keep) == len(fsEntries) {
			continue
		}

		if 0 == len(keep) {
			_, err = root.Tree.Delete(item.Key)
		} else {
			payload, err = ilayout.MarshalXattrs(keep)
			if nil == err {
				err = root.Tree.Put(item.Key, payload)
			}
		}
		if nil != err {
			return
		}
	}

	return
}
