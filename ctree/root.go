// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"sync/atomic"

	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
)

const btreeDegree = 16

func newRoot(fsInfo *FsInfoStruct, subvolID uint64, tree *itemstore.Tree, generation uint64, highestObjectID uint64) (root *RootStruct) {
	root = &RootStruct{
		ID:              subvolID,
		Tree:            tree,
		Generation:      generation,
		FsInfo:          fsInfo,
		inodeCache:      sortedmap.NewLLRBTree(sortedmap.CompareUint64, nil),
		highestObjectID: highestObjectID,
		logTransID:      1,
		lastLogCommit:   0,
	}

	return
}

func inodeItemKey(ino uint64) ilayout.Key {
	return ilayout.Key{ObjectID: ino, Type: ilayout.InodeItemKey, Offset: 0}
}

// HighestObjectID returns the highest inode number handed out so far.
func (root *RootStruct) HighestObjectID() (highestObjectID uint64) {
	root.mutex.Lock()
	highestObjectID = root.highestObjectID
	root.mutex.Unlock()
	return
}

// UpdateHighestObjectID raises the highest inode number handed out so far to
// at least ino. Log replay calls it for every inode it brings into existence.
func (root *RootStruct) UpdateHighestObjectID(ino uint64) {
	root.mutex.Lock()
	if (ino > root.highestObjectID) && (ino <= ilayout.LastFreeObjectID) {
		root.highestObjectID = ino
	}
	root.mutex.Unlock()
}

// LogTransID returns the log transaction that changes made now belong to.
func (root *RootStruct) LogTransID() uint64 {
	return atomic.LoadUint64(&root.logTransID)
}

// SetLogTransID is called by the log writer as it moves to the next log
// transaction.
func (root *RootStruct) SetLogTransID(logTransID uint64) {
	atomic.StoreUint64(&root.logTransID, logTransID)
}

// LastLogCommit returns the last log transaction made durable.
func (root *RootStruct) LastLogCommit() uint64 {
	return atomic.LoadUint64(&root.lastLogCommit)
}

// SetLastLogCommit records logTransID as durable. It never moves backwards.
func (root *RootStruct) SetLastLogCommit(logTransID uint64) {
	for {
		lastLogCommit := atomic.LoadUint64(&root.lastLogCommit)
		if lastLogCommit >= logTransID {
			return
		}
		if atomic.CompareAndSwapUint64(&root.lastLogCommit, lastLogCommit, logTransID) {
			return
		}
	}
}

// ResetLogState forgets every log transaction once the log has been freed.
func (root *RootStruct) ResetLogState() {
	atomic.StoreUint64(&root.logTransID, 1)
	atomic.StoreUint64(&root.lastLogCommit, 0)
}

// SearchCommitRoot looks key up in the fs tree as of the last commit.
func (root *RootStruct) SearchCommitRoot(key ilayout.Key) (payload []byte, ok bool, err error) {
	root.mutex.Lock()
	commitRoot := root.commitRoot
	root.mutex.Unlock()

	payload, ok, err = commitRoot.Search(key)

	return
}

// CommitRoot returns the read-only fs tree as of the last commit.
func (root *RootStruct) CommitRoot() (commitRoot *itemstore.Tree) {
	root.mutex.Lock()
	commitRoot = root.commitRoot
	root.mutex.Unlock()
	return
}

func (root *RootStruct) newCachedInode(ino uint64, item ilayout.InodeItemStruct) (inode *InodeStruct) {
	inode = &InodeStruct{
		Root:              root,
		Ino:               ino,
		Item:              item,
		refCount:          1,
		modifiedExtents:   btree.New(btreeDegree),
		delayedInsertions: btree.New(btreeDegree),
		delayedDeletions:  btree.New(btreeDegree),
	}

	root.mutex.Lock()
	_, _ = root.inodeCache.Put(ino, inode)
	root.mutex.Unlock()

	return
}

// Iget returns the referenced, cached, inode ino, loading it if needed.
// Every successful Iget() must be paired with an Iput().
func (root *RootStruct) Iget(ino uint64) (inode *InodeStruct, err error) {
	var (
		inodeItem *ilayout.InodeItemStruct
		ok        bool
		payload   []byte
		value     sortedmap.Value
	)

	root.mutex.Lock()
	defer root.mutex.Unlock()

	value, ok, err = root.inodeCache.GetByKey(ino)
	if nil != err {
		return
	}
	if ok {
		inode = value.(*InodeStruct)
		inode.refCount++
		return
	}

	payload, ok, err = root.Tree.Search(inodeItemKey(ino))
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "ctree: subvolume %d has no inode %d", root.ID, ino)
		return
	}

	inodeItem, err = ilayout.UnmarshalInodeItem(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		return
	}

	inode = &InodeStruct{
		Root:              root,
		Ino:               ino,
		Item:              *inodeItem,
		refCount:          1,
		modifiedExtents:   btree.New(btreeDegree),
		delayedInsertions: btree.New(btreeDegree),
		delayedDeletions:  btree.New(btreeDegree),
	}

	// Nothing is known of what was logged before the inode left the cache
	inode.LastTrans = inodeItem.TransID
	inode.LastUnlinkTrans = inodeItem.TransID
	inode.LastReflinkTrans = inodeItem.TransID
	inode.LoggedTrans = 0
	inode.LastDirIndexOffset = 0
	inode.NeedsFullSync = true

	if inodeItem.IsDir() {
		inode.IndexCnt, err = root.lastDirIndex(ino)
		if nil != err {
			inode = nil
			return
		}
	}

	_, err = root.inodeCache.Put(ino, inode)
	if nil != err {
		inode = nil
		return
	}

	root.FsInfo.stats.InodeLoads.Increment()

	return
}

// RefreshInode rereads Item of inode ino, if cached, after its InodeItem was
// rewritten in the fs tree directly, as log replay does.
func (root *RootStruct) RefreshInode(ino uint64) (err error) {
	var (
		indexCnt  uint64
		inode     *InodeStruct
		inodeItem *ilayout.InodeItemStruct
		ok        bool
		payload   []byte
		value     sortedmap.Value
	)

	root.mutex.Lock()
	defer root.mutex.Unlock()

	value, ok, err = root.inodeCache.GetByKey(ino)
	if (nil != err) || !ok {
		return
	}
	inode = value.(*InodeStruct)

	payload, ok, err = root.Tree.Search(inodeItemKey(ino))
	if nil != err {
		return
	}
	if !ok {
		_, err = root.inodeCache.DeleteByKey(ino)
		return
	}

	inodeItem, err = ilayout.UnmarshalInodeItem(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		return
	}

	inode.Item = *inodeItem

	if inodeItem.IsDir() {
		indexCnt, err = root.lastDirIndex(ino)
		if nil != err {
			return
		}
		if indexCnt > inode.IndexCnt {
			inode.IndexCnt = indexCnt
		}
	}

	return
}

// lastDirIndex returns one past the highest DirIndex of directory ino.
func (root *RootStruct) lastDirIndex(ino uint64) (indexCnt uint64, err error) {
	var (
		item itemstore.ItemStruct
		ok   bool
	)

	item, ok, err = root.Tree.Prev(ilayout.Key{ObjectID: ino, Type: ilayout.DirIndexKey + 1, Offset: 0})
	if nil != err {
		return
	}

	if ok && (ino == item.Key.ObjectID) && (ilayout.DirIndexKey == item.Key.Type) {
		indexCnt = item.Key.Offset + 1
	} else {
		indexCnt = ilayout.DirStartIndex
	}

	return
}

// Iput drops a reference obtained from Iget() or NewInode(). Unreferenced
// inodes stay cached until EvictInode().
func (root *RootStruct) Iput(inode *InodeStruct) {
	root.mutex.Lock()
	if 0 == inode.refCount {
		logger.Errorf("ctree.Iput() of unreferenced inode %d of subvolume %d", inode.Ino, root.ID)
	} else {
		inode.refCount--
	}
	root.mutex.Unlock()
}

// NewInode creates an inode with a link count of 1 and no links. The
// returned inode is referenced.
func (root *RootStruct) NewInode(trans *TransStruct, mode uint32, uid uint32, gid uint32, now uint64) (inode *InodeStruct, err error) {
	var (
		ino uint64
	)

	root.mutex.Lock()
	if ilayout.LastFreeObjectID <= root.highestObjectID {
		root.mutex.Unlock()
		err = blunder.NewError(blunder.NoSpaceError, "ctree: subvolume %d is out of inode numbers", root.ID)
		return
	}
	root.highestObjectID++
	ino = root.highestObjectID
	root.mutex.Unlock()

	inode = root.newCachedInode(ino, ilayout.InodeItemStruct{
		Generation: trans.TransID,
		NLink:      1,
		UID:        uid,
		GID:        gid,
		Mode:       mode,
		MTime:      now,
		CTime:      now,
	})
	inode.IndexCnt = ilayout.DirStartIndex

	err = inode.UpdateInode(trans)
	if nil != err {
		root.Iput(inode)
		inode = nil
	}

	return
}

// EvictInode drops an unreferenced inode from the cache after applying its
// delayed dir items. It reports whether the inode was evicted.
func (root *RootStruct) EvictInode(trans *TransStruct, inode *InodeStruct) (evicted bool, err error) {
	root.mutex.Lock()
	refCount := inode.refCount
	root.mutex.Unlock()

	if 0 != refCount {
		return
	}

	err = inode.FlushDelayedItems(trans)
	if nil != err {
		return
	}

	root.mutex.Lock()
	if 0 == inode.refCount {
		evicted, err = root.inodeCache.DeleteByKey(inode.Ino)
	}
	root.mutex.Unlock()

	if evicted {
		root.FsInfo.stats.InodeEvictions.Increment()
	}

	return
}

// cachedInodes returns every cached inode without taking references.
func (root *RootStruct) cachedInodes() (inodes []*InodeStruct, err error) {
	var (
		numInodes int
		ok        bool
		value     sortedmap.Value
	)

	root.mutex.Lock()
	defer root.mutex.Unlock()

	numInodes, err = root.inodeCache.Len()
	if nil != err {
		return
	}

	inodes = make([]*InodeStruct, 0, numInodes)

	for inodeIndex := 0; inodeIndex < numInodes; inodeIndex++ {
		_, value, ok, err = root.inodeCache.GetByIndex(inodeIndex)
		if nil != err {
			return
		}
		if ok {
			inodes = append(inodes, value.(*InodeStruct))
		}
	}

	return
}

func (root *RootStruct) dropCachedInode(ino uint64) (err error) {
	root.mutex.Lock()
	_, err = root.inodeCache.DeleteByKey(ino)
	root.mutex.Unlock()
	return
}

func (root *RootStruct) setCommitRoot(commitRoot *itemstore.Tree, generation uint64) {
	root.mutex.Lock()
	root.commitRoot = commitRoot
	root.Generation = generation
	root.mutex.Unlock()
}
