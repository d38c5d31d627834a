// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package treelog gives fsync() durability to individual inodes without a
// full ctree commit.
//
// Each subvolume that has had an inode fsync()'d since the last commit owns a
// Log Tree holding copies of just the items needed to reconstruct the logged
// inodes (and the names leading to them). A single Log-Root Tree indexes the
// Log Trees by subvolume id, and the superblock is rewritten to point at it
// each time a log transaction is made durable by SyncLog(). A full commit
// discards every log via FreeLogTrees().
//
// At mount, RecoverLogTrees() walks each Log Tree in four stages and applies
// its items to the fs trees so that the result is as if every log
// transaction made durable before a crash had been committed.
//
package treelog

import (
	"container/list"
	"sync"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/trackedlock"
)

// LogMode selects how much of an inode logInode() records.
//
type LogMode int

const (
	LogInodeAll    LogMode = iota // every item, and for directories every name change
	LogInodeExists                // just enough that the inode exists with its links
)

var (
	// ErrLogForceCommit is returned when the log cannot make the caller's
	// changes durable and a full commit must be performed instead.
	ErrLogForceCommit = blunder.NewError(blunder.FullCommitRequiredError, "treelog: full commit required")

	// ErrNoLogSync is returned by LogDentrySafe() when the inode is already
	// in the log as modified and there is nothing to sync.
	ErrNoLogSync = blunder.NewError(blunder.NoLogSyncNeededError, "treelog: inode already logged")
)

type statsStruct struct {
	SyncLogCommits       bucketstats.Total
	SyncLogUsecs         bucketstats.BucketLog2Round
	LogInodeUsecs        bucketstats.BucketLog2Round
	FullCommitFallbacks  bucketstats.Total
	ConflictInodesQueued bucketstats.Total
	ReplayedItems        bucketstats.Total
	CsumRangeLockWaits   bucketstats.Total
}

// logTreeStruct is the Log Tree of one subvolume, or, with a nil root, the
// Log-Root Tree.
//
// The two parity slots (indexed by logTransID % 2) let the next log
// transaction accept writers while the previous one is being written out.
//
type logTreeStruct struct {
	root                *ctree.RootStruct // nil for the Log-Root Tree
	subvolID            uint64
	tree                *itemstore.Tree // nil while no log exists
	mutex               trackedlock.Mutex
	writerWait          *sync.Cond // signaled when logWriters drops to 0
	commitWait          [2]*sync.Cond
	logTransID          uint64
	logTransIDCommitted uint64
	logCommit           [2]bool
	logWriters          uint64
	logBatch            uint64
	startGID            uint64 // goroutine that started the current log transaction
	multiTasks          bool
	logCtxs             [2]*list.List // of *LogContext waiting on each slot
}

// conflictInodeStruct names an inode whose logged name would collide with a
// name found in the last commit.
//
type conflictInodeStruct struct {
	ino    uint64
	parent uint64
}

// LogContext tracks one fsync() from LogDentrySafe() through SyncLog().
//
type LogContext struct {
	inode                     uint64
	logTransID                uint64
	logRet                    error
	listElement               *list.Element
	listSlot                  int
	loggingNewName            bool
	logNewDentries            bool
	loggedBefore              bool
	loggingConflictInodes     bool
	loggingNewDelayedDentries bool
	orderedExtents            []*ctree.OrderedExtentStruct
	loggedOrderedCsums        map[*ctree.OrderedExtentStruct]struct{}
	conflictInodes            []conflictInodeStruct
}

// Engine is the tree log of one mounted filesystem.
//
type Engine struct {
	config          ConfigStruct
	fsInfo          *ctree.FsInfoStruct
	mutex           trackedlock.Mutex
	logTrees        sortedmap.LLRBTree // key is subvolume id; value is *logTreeStruct
	logRoot         *logTreeStruct
	csumRangeLock   *rangeLockStruct
	releasedLogRoot uint64 // object number of the last log root whose objects were freed by replay
	stats           *statsStruct
	historyMutex    trackedlock.Mutex
	logCommits      []LogCommitStruct // oldest first; at most logCommitHistoryMax
}

const logCommitHistoryMax = 1024

// LogCommitStruct records one log write-out: a Log Tree's log transaction
// or, with LogRoot set, the Log-Root Tree's log transaction that the
// superblock was pointed at.
//
type LogCommitStruct struct {
	TransID    uint64
	SubvolID   uint64
	LogTransID uint64
	LogRoot    bool
}

// New returns the tree log of fsInfo and installs it as fsInfo's LogHooks.
func New(fsInfo *ctree.FsInfoStruct, config ConfigStruct) (engine *Engine, err error) {
	engine, err = newEngine(fsInfo, config)
	return
}

// Close uninstalls the tree log. Any log not yet discarded by a commit is
// left for the next mount to replay.
func (engine *Engine) Close() {
	engine.fsInfo.SetLogHooks(nil)
	bucketstats.UnRegister("treelog", engine.fsInfo.StatsGroupName)
}

// NewLogContext returns a LogContext for an fsync() of inode. The ordered
// extents of inode at this point are the ones whose checksums the log uses.
func NewLogContext(inode *ctree.InodeStruct) (ctx *LogContext) {
	ctx = &LogContext{
		inode:              inode.Ino,
		orderedExtents:     inode.OrderedExtents(),
		loggedOrderedCsums: make(map[*ctree.OrderedExtentStruct]struct{}),
	}
	return
}

// LogDentrySafe logs inode, reached through parent (which may be nil), and
// whatever names and ancestors are needed for it to be found after replay.
// On success the caller must SyncLog() with the same ctx. ErrNoLogSync means
// there is nothing to sync; ErrLogForceCommit means a full commit is needed.
func (engine *Engine) LogDentrySafe(trans *ctree.TransStruct, inode *ctree.InodeStruct, parent *ctree.InodeStruct, ctx *LogContext) (err error) {
	err = engine.logInodeParent(trans, inode, parent, LogInodeAll, ctx)
	return
}

// SyncLog makes the log transaction ctx joined durable, batching with any
// other fsync()s of the same subvolume.
func (engine *Engine) SyncLog(trans *ctree.TransStruct, root *ctree.RootStruct, ctx *LogContext) (err error) {
	err = engine.syncLog(trans, root, ctx)
	return
}

// FreeLogTrees discards every Log Tree and the Log-Root Tree. It is called by
// CommitTransaction() once the fs trees no longer need them.
func (engine *Engine) FreeLogTrees(trans *ctree.TransStruct) (err error) {
	err = engine.freeLogTrees(trans)
	return
}

// RecordUnlinkDir notes that inode lost a name in dir during trans so that
// a later fsync() of inode also logs its remaining parents.
func (engine *Engine) RecordUnlinkDir(trans *ctree.TransStruct, dir *ctree.InodeStruct, inode *ctree.InodeStruct, forRename bool) {
	engine.recordUnlinkDir(trans, dir, inode, forRename)
}

// LogNewName is called after inode was given a new name (by link or rename)
// so that, if inode or oldDir was already logged in trans, the log does not
// go stale. For a rename, oldDir, oldDirIndex, and oldName name the removed
// entry; for a link oldDir is nil.
func (engine *Engine) LogNewName(trans *ctree.TransStruct, inode *ctree.InodeStruct, oldDir *ctree.InodeStruct, oldDirIndex uint64, oldName string, parent *ctree.InodeStruct) {
	engine.logNewName(trans, inode, oldDir, oldDirIndex, oldName, parent)
}

// DelDirEntriesInLog removes the DirIndex item at index of dir from the log,
// or records the index as deleted if it was never logged.
func (engine *Engine) DelDirEntriesInLog(trans *ctree.TransStruct, name string, dir *ctree.InodeStruct, index uint64) {
	engine.delDirEntriesInLog(trans, name, dir, index)
}

// DelInodeRefInLog removes the name of inode in dirIno from the log.
func (engine *Engine) DelInodeRefInLog(trans *ctree.TransStruct, name string, inode *ctree.InodeStruct, dirIno uint64) {
	engine.delInodeRefInLog(trans, name, inode, dirIno)
}

// RecoverLogTrees replays the log the superblock points to, if any, and
// commits the result. It is called at mount before any other use of the
// filesystem.
func (engine *Engine) RecoverLogTrees() (err error) {
	err = engine.recoverLogTrees()
	return
}

// ReplayLogTrees applies the log the superblock points to within trans
// without committing. Applying the same log more than once yields the same
// fs trees.
func (engine *Engine) ReplayLogTrees(trans *ctree.TransStruct) (err error) {
	_, err = engine.replayLogTrees(trans)
	return
}

// LogCommits returns how many times a log commit has pointed the superblock
// at a new log root.
func (engine *Engine) LogCommits() (logCommits uint64) {
	logCommits = engine.stats.SyncLogCommits.TotalGet()
	return
}

// LogCommitHistory returns the most recent log write-outs, oldest first.
func (engine *Engine) LogCommitHistory() (logCommits []LogCommitStruct) {
	engine.historyMutex.Lock()
	logCommits = make([]LogCommitStruct, len(engine.logCommits))
	copy(logCommits, engine.logCommits)
	engine.historyMutex.Unlock()
	return
}
