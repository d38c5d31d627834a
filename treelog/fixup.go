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
)

// fixupKey is the key of the fs tree item queueing inode ino for a link
// count fixup once replay of its subvolume is done.
func fixupKey(ino uint64) ilayout.Key {
	return ilayout.Key{ObjectID: ilayout.TreeLogFixupObjectID, Type: ilayout.OrphanItemKey, Offset: ino}
}

// linkToFixupDir queues inode ino for a link count fixup. Queueing counts as
// a link so that the inode survives any unlink until the fixup.
func linkToFixupDir(trans *ctree.TransStruct, root *ctree.RootStruct, ino uint64) (err error) {
	var (
		inode *ctree.InodeStruct
	)

	inode, err = root.Iget(ino)
	if nil != err {
		return
	}
	defer root.Iput(inode)

	err = root.Tree.Insert(fixupKey(ino), []byte{})
	if nil != err {
		if blunder.Is(err, blunder.FileExistsError) {
			err = nil
		}
		return
	}

	if 0 == inode.NLink() {
		inode.SetNLink(1)
	} else {
		inode.SetNLink(inode.NLink() + 1)
	}

	err = inode.UpdateInode(trans)

	return
}

// fixupInodeLinkCounts sets the link count of every queued inode of root to
// the number of names it has. An inode left with none becomes an orphan (a
// directory first losing its own names) to be deleted at mount.
func fixupInodeLinkCounts(trans *ctree.TransStruct, root *ctree.RootStruct) (err error) {
	var (
		item itemstore.ItemStruct
		ok   bool
	)

	for {
		item, ok, err = root.Tree.Prev(fixupKey(math.MaxUint64))
		if (nil != err) || !ok {
			return
		}
		if (ilayout.TreeLogFixupObjectID != item.Key.ObjectID) || (ilayout.OrphanItemKey != item.Key.Type) {
			return
		}

		_, err = root.Tree.Delete(item.Key)
		if nil != err {
			return
		}

		halter.Trigger(halter.TreeLogReplayFixupEntry)

		err = fixupInodeLinkCount(trans, root, item.Key.Offset)
		if nil != err {
			return
		}
	}
}

func fixupInodeLinkCount(trans *ctree.TransStruct, root *ctree.RootStruct, ino uint64) (err error) {
	var (
		inode     *ctree.InodeStruct
		inodeRefs []ctree.InodeRefStruct
	)

	inode, err = root.Iget(ino)
	if nil != err {
		if blunder.Is(err, blunder.NotFoundError) {
			logger.Warnf("treelog replay queued missing inode %d of subvolume %d for link count fixup", ino, root.ID)
			err = nil
		}
		return
	}
	defer root.Iput(inode)

	inodeRefs, err = ctree.ScanInodeRefs(root.Tree, ino)
	if nil != err {
		return
	}

	nlink := uint32(len(inodeRefs))

	if nlink != inode.NLink() {
		logger.Tracef("treelog replay fixed link count of inode %d of subvolume %d: %d -> %d", ino, root.ID, inode.NLink(), nlink)
		inode.SetNLink(nlink)
		err = inode.UpdateInode(trans)
		if nil != err {
			return
		}
	}

	if inode.IsDir() {
		err = root.RefreshInode(ino)
		if nil != err {
			return
		}
	}

	if 0 != nlink {
		return
	}

	if inode.IsDir() {
		err = replayDirDeletes(trans, root, nil, ino, true)
		if nil != err {
			return
		}
	}

	err = root.InsertOrphan(trans, ino)

	return
}
