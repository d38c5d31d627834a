// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ctree is the copy-on-write filesystem core the tree log is written
// for: the root tree, csum tree, and per subvolume fs trees held in
// itemstore Trees, the running transaction and its full commit, and the
// in-memory inodes whose items the VFS-level operations maintain.
//
// All trees are modified in place in memory and only persisted by
// CommitTransaction(). Between commits, durability of individual inodes is
// the business of package treelog, which reaches ctree through the
// LogHooks it installs and the exported inode log state.
//
package ctree

import (
	"github.com/NVIDIA/sortedmap"
	"github.com/google/btree"

	"github.com/NVIDIA/treelog/alloc"
	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/csumstore"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/trackedlock"
)

// LogHooks is implemented by the tree log. CommitTransaction() calls
// FreeLogTrees() once the main trees are durable. Unlink() calls the Del*
// methods so that an already logged name does not outlive its unlink.
//
type LogHooks interface {
	FreeLogTrees(trans *TransStruct) (err error)
	DelInodeRefInLog(trans *TransStruct, name string, inode *InodeStruct, dirIno uint64)
	DelDirEntriesInLog(trans *TransStruct, name string, dir *InodeStruct, index uint64)
}

type statsStruct struct {
	Commits          bucketstats.Total
	CommitUsecs      bucketstats.BucketLog2Round
	InodeLoads       bucketstats.Total
	InodeEvictions   bucketstats.Total
	DataWriteBytes   bucketstats.Total
	DataReadBytes    bucketstats.Total
	DelayedDirFlushs bucketstats.Total
}

// FsInfoStruct is one mounted filesystem.
//
// User operations hold CommitLock shared for their duration so that
// CommitTransaction(), which holds it exclusively, always observes a quiesced
// set of trees. TreeLogMutex orders every superblock write.
//
type FsInfoStruct struct {
	Config         ConfigStruct
	Device         *blockdev.DeviceStruct
	Allocator      *alloc.AllocatorStruct
	CsumStore      *csumstore.StoreStruct
	Cache          sortedmap.BPlusTreeCache
	RootTree       *itemstore.Tree
	CsumTree       *itemstore.Tree
	CommitLock     trackedlock.RWMutex
	TreeLogMutex   trackedlock.Mutex
	StatsGroupName string

	mutex                  trackedlock.Mutex
	roots                  sortedmap.LLRBTree // key is subvolume id; value is *RootStruct
	superBlock             ilayout.SuperBlockStruct
	generation             uint64 // of the last durable commit
	runningTrans           *TransStruct
	lastTransLogFullCommit uint64
	abortErr               error
	logHooks               LogHooks
	stats                  *statsStruct
}

// TransStruct is the running filesystem transaction. There is always exactly
// one, numbered one past the last durable commit.
//
type TransStruct struct {
	TransID uint64
	fsInfo  *FsInfoStruct
}

// RootStruct is one subvolume: its fs tree and the inodes cached from it.
//
type RootStruct struct {
	ID         uint64
	Tree       *itemstore.Tree
	Generation uint64 // transid of the root's last commit, or of its creation
	FsInfo     *FsInfoStruct

	mutex           trackedlock.Mutex
	inodeCache      sortedmap.LLRBTree // key is ino; value is *InodeStruct
	highestObjectID uint64
	commitRoot      *itemstore.Tree // read-only view as of the last commit
	logTransID      uint64
	lastLogCommit   uint64
}

// InodeStruct is the in-memory form of an inode of a RootStruct.
//
// Item mirrors the InodeItem in the fs tree as of the last UpdateInode().
// The log state fields are only meaningful while the inode stays cached and
// are guarded by LogMutex. The extent and delayed item accessors take their
// own locks and may be called with LogMutex held.
//
type InodeStruct struct {
	Root     *RootStruct
	Ino      uint64
	Item     ilayout.InodeItemStruct
	IndexCnt uint64 // next DirIndex offset handed out (directories only)

	LastTrans          uint64 // transid of the last UpdateInode()
	LogMutex           trackedlock.Mutex
	LoggedTrans        uint64
	LastLogCommit      uint64
	LastSubTrans       uint64
	LastUnlinkTrans    uint64
	LastReflinkTrans   uint64
	LastDirIndexOffset uint64
	FirstDirIndexToLog uint64
	NeedsFullSync      bool
	CopyEverything     bool

	refCount          uint64
	extentMutex       trackedlock.Mutex
	modifiedExtents   *btree.BTree // of *ExtentMapStruct keyed by Start
	orderedExtents    []*OrderedExtentStruct
	delayedMutex      trackedlock.Mutex
	delayedInsertions *btree.BTree // of *DelayedDirItemStruct keyed by Index
	delayedDeletions  *btree.BTree // of *DelayedDirItemStruct keyed by Index
}

// ExtentMapStruct describes one file extent written (or punched) in the
// running transaction and not yet logged.
//
type ExtentMapStruct struct {
	Start        uint64 // file offset
	Len          uint64
	DiskBytenr   uint64 // == 0 for a hole
	DiskNumBytes uint64
	Offset       uint64 // into the disk extent
	RAMBytes     uint64
	Prealloc     bool
	Generation   uint64
}

// OrderedExtentStruct is a data write whose checksums were computed when it
// was submitted. Fsync waits for (flushes) them and hands them to the log.
//
type OrderedExtentStruct struct {
	FileOffset uint64
	NumBytes   uint64
	DiskBytenr uint64
	Sums       csumstore.SumStruct
}

// DelayedDirItemStruct is a DirIndex insertion or deletion not yet applied
// to the fs tree.
//
type DelayedDirItemStruct struct {
	Index uint64
	Entry ilayout.DirEntryStruct
}

// InodeRefStruct names one link of an inode as found in its InodeRef or
// InodeExtRef items.
//
type InodeRefStruct struct {
	Parent uint64
	Index  uint64
	Name   string
	Ext    bool // found in an InodeExtRef item
}

// FileExtentStruct is one ExtentData item of a file.
//
type FileExtentStruct struct {
	FileOffset uint64
	Item       ilayout.FileExtentItemStruct
}

// Format creates an empty filesystem on device: a root tree, a csum tree, and
// the default subvolume holding only its root directory. The returned
// FsInfoStruct is mounted with a fresh running transaction.
func Format(config ConfigStruct, device *blockdev.DeviceStruct, statsGroupName string) (fsInfo *FsInfoStruct, err error) {
	fsInfo, err = format(config, device, statsGroupName)
	return
}

// Load mounts the filesystem on device as of its newest valid superblock.
// Any log the superblock references is left for the caller to replay.
func Load(config ConfigStruct, device *blockdev.DeviceStruct, statsGroupName string) (fsInfo *FsInfoStruct, err error) {
	fsInfo, err = load(config, device, statsGroupName)
	return
}

// Close releases the stats of fsInfo and its allocator. The trees are not
// committed.
func (fsInfo *FsInfoStruct) Close() {
	fsInfo.Allocator.Close()
	bucketstats.UnRegister("ctree", fsInfo.StatsGroupName)
}

// SetLogHooks installs the tree log.
func (fsInfo *FsInfoStruct) SetLogHooks(logHooks LogHooks) {
	fsInfo.mutex.Lock()
	fsInfo.logHooks = logHooks
	fsInfo.mutex.Unlock()
}

// SuperBlock returns a copy of the superblock of the last durable commit.
func (fsInfo *FsInfoStruct) SuperBlock() (superBlock ilayout.SuperBlockStruct) {
	fsInfo.mutex.Lock()
	superBlock = fsInfo.superBlock
	fsInfo.mutex.Unlock()
	return
}

// Generation returns the transid of the last durable commit.
func (fsInfo *FsInfoStruct) Generation() (generation uint64) {
	fsInfo.mutex.Lock()
	generation = fsInfo.generation
	fsInfo.mutex.Unlock()
	return
}

// JoinTransaction returns the running transaction.
func (fsInfo *FsInfoStruct) JoinTransaction() (trans *TransStruct) {
	fsInfo.mutex.Lock()
	trans = fsInfo.runningTrans
	fsInfo.mutex.Unlock()
	return
}

// Root returns the subvolume with the given id.
func (fsInfo *FsInfoStruct) Root(subvolID uint64) (root *RootStruct, err error) {
	root, err = fsInfo.lookupRoot(subvolID)
	return
}

// Roots returns every subvolume, in ascending id order.
func (fsInfo *FsInfoStruct) Roots() (roots []*RootStruct, err error) {
	roots, err = fsInfo.fetchRoots()
	return
}

// CreateRoot adds an empty subvolume holding only its root directory.
func (fsInfo *FsInfoStruct) CreateRoot(trans *TransStruct, subvolID uint64) (root *RootStruct, err error) {
	root, err = fsInfo.createRoot(trans, subvolID)
	return
}

// CommitTransaction makes every tree durable, writes a superblock with no
// log, frees the log trees, and starts the next transaction. The caller must
// not hold CommitLock.
func (fsInfo *FsInfoStruct) CommitTransaction() (err error) {
	err = fsInfo.commitTransaction()
	return
}

// WriteLogSuperBlock writes every superblock copy as of the last commit but
// pointing at the log-root tree at logRoot as written by log transaction
// logRootTransID. The caller holds TreeLogMutex.
func (fsInfo *FsInfoStruct) WriteLogSuperBlock(trans *TransStruct, logRoot itemstore.LocationStruct, logRootTransID uint64) (err error) {
	err = fsInfo.writeLogSuperBlock(trans, logRoot, logRootTransID)
	return
}

// TreeConfig returns the configuration a tree owned by owner is created or
// opened with. Log trees pass maxGeneration to reject stale nodes.
func (fsInfo *FsInfoStruct) TreeConfig(owner uint64, maxGeneration uint64) (treeConfig itemstore.TreeConfigStruct) {
	treeConfig = itemstore.TreeConfigStruct{
		Owner:          owner,
		MaxKeysPerNode: fsInfo.Config.MaxKeysPerNode,
		Device:         fsInfo.Device,
		Allocator:      fsInfo.Allocator,
		Cache:          fsInfo.Cache,
		MaxGeneration:  maxGeneration,
	}
	return
}

// SetNeedFullCommit makes every log sync of trans fail so that the caller
// falls back to a full commit.
func (trans *TransStruct) SetNeedFullCommit() {
	trans.fsInfo.mutex.Lock()
	if trans.fsInfo.lastTransLogFullCommit < trans.TransID {
		trans.fsInfo.lastTransLogFullCommit = trans.TransID
	}
	trans.fsInfo.mutex.Unlock()
}

// NeedFullCommit reports whether SetNeedFullCommit() was called for trans.
func (trans *TransStruct) NeedFullCommit() (needFullCommit bool) {
	trans.fsInfo.mutex.Lock()
	needFullCommit = trans.fsInfo.lastTransLogFullCommit == trans.TransID
	trans.fsInfo.mutex.Unlock()
	return
}

// Abort marks the filesystem read-only. Every later commit fails with err.
func (trans *TransStruct) Abort(err error) {
	trans.abort(err)
}

// FsInfo returns the filesystem trans belongs to.
func (trans *TransStruct) FsInfo() *FsInfoStruct {
	return trans.fsInfo
}
