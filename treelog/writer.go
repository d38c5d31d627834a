// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"container/list"
	"sync"
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/halter"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/utils"
)

func newLogTree(root *ctree.RootStruct, subvolID uint64) (lt *logTreeStruct) {
	lt = &logTreeStruct{
		root:       root,
		subvolID:   subvolID,
		logTransID: 1,
	}

	lt.writerWait = sync.NewCond(&lt.mutex)
	lt.commitWait[0] = sync.NewCond(&lt.mutex)
	lt.commitWait[1] = sync.NewCond(&lt.mutex)
	lt.logCtxs[0] = list.New()
	lt.logCtxs[1] = list.New()

	return
}

// logTreeOf returns the logTreeStruct of root, creating it (without a log)
// on first use.
func (engine *Engine) logTreeOf(root *ctree.RootStruct) (lt *logTreeStruct, err error) {
	var (
		ok    bool
		value sortedmap.Value
	)

	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	value, ok, err = engine.logTrees.GetByKey(root.ID)
	if nil != err {
		return
	}
	if ok {
		lt = value.(*logTreeStruct)
		return
	}

	lt = newLogTree(root, root.ID)

	_, err = engine.logTrees.Put(root.ID, lt)
	if nil != err {
		lt = nil
	}

	return
}

// logTreesSnapshot returns every logTreeStruct in ascending subvolume order.
func (engine *Engine) logTreesSnapshot() (lts []*logTreeStruct, err error) {
	var (
		numLogTrees int
		ok          bool
		value       sortedmap.Value
	)

	engine.mutex.Lock()
	defer engine.mutex.Unlock()

	numLogTrees, err = engine.logTrees.Len()
	if nil != err {
		return
	}

	lts = make([]*logTreeStruct, 0, numLogTrees)

	for logTreeIndex := 0; logTreeIndex < numLogTrees; logTreeIndex++ {
		_, value, ok, err = engine.logTrees.GetByIndex(logTreeIndex)
		if nil != err {
			return
		}
		if ok {
			lts = append(lts, value.(*logTreeStruct))
		}
	}

	return
}

// currentLog returns the Log Tree of root, or nil if it has none.
func (engine *Engine) currentLog(root *ctree.RootStruct) (tree *itemstore.Tree, err error) {
	var (
		lt *logTreeStruct
	)

	lt, err = engine.logTreeOf(root)
	if nil != err {
		return
	}

	lt.mutex.Lock()
	tree = lt.tree
	lt.mutex.Unlock()

	return
}

// waitLogCommit waits, with lt.mutex held, until the write-out of log
// transaction logTransID is no longer in progress.
func (lt *logTreeStruct) waitLogCommit(logTransID uint64) {
	slot := logTransID % 2

	for (lt.logTransIDCommitted < logTransID) && lt.logCommit[slot] {
		lt.commitWait[slot].Wait()
	}
}

// waitForWriter waits, with lt.mutex held, until no writer is adding to the
// log.
func (lt *logTreeStruct) waitForWriter() {
	for 0 != lt.logWriters {
		lt.writerWait.Wait()
	}
}

func (lt *logTreeStruct) removeAllLogCtxs(slot uint64, logRet error) {
	var (
		ctx  *LogContext
		next *list.Element
	)

	for element := lt.logCtxs[slot].Front(); nil != element; element = next {
		next = element.Next()
		ctx = element.Value.(*LogContext)
		ctx.logRet = logRet
		ctx.listElement = nil
		lt.logCtxs[slot].Remove(element)
	}
}

func (lt *logTreeStruct) removeLogCtx(ctx *LogContext) {
	lt.mutex.Lock()
	if nil != ctx.listElement {
		lt.logCtxs[ctx.listSlot].Remove(ctx.listElement)
		ctx.listElement = nil
	}
	lt.mutex.Unlock()
}

// initLogRoot creates the Log-Root Tree if there is none, reporting whether
// this call did so.
func (engine *Engine) initLogRoot() (created bool) {
	logRoot := engine.logRoot

	engine.fsInfo.TreeLogMutex.Lock()
	logRoot.mutex.Lock()
	if nil == logRoot.tree {
		logRoot.tree = itemstore.New(engine.fsInfo.TreeConfig(ilayout.TreeLogObjectID, 0))
		logRoot.logTransID = 1
		logRoot.logTransIDCommitted = 0
		created = true
	}
	logRoot.mutex.Unlock()
	engine.fsInfo.TreeLogMutex.Unlock()

	return
}

// startLogTrans joins (or opens) the running log transaction of root as a
// writer. Unless ctx is logging a new name, ctx will be told the outcome of
// the SyncLog() of that log transaction.
func (engine *Engine) startLogTrans(trans *ctree.TransStruct, root *ctree.RootStruct, ctx *LogContext) (lt *logTreeStruct, err error) {
	var (
		gid uint64
	)

	sequential := engine.fsInfo.Device.Config().Sequential

	created := engine.initLogRoot()

	lt, err = engine.logTreeOf(root)
	if nil != err {
		return
	}

	gid = utils.GetGID()

	lt.mutex.Lock()
	defer lt.mutex.Unlock()

	for {
		if nil != lt.tree {
			if trans.NeedFullCommit() {
				err = ErrLogForceCommit
				return
			}
			if sequential && lt.logCommit[(lt.logTransID+1)%2] {
				lt.waitLogCommit(lt.logTransID - 1)
				continue
			}
			if 0 == lt.startGID {
				lt.multiTasks = false
				lt.startGID = gid
			} else if lt.startGID != gid {
				lt.multiTasks = true
			}
		} else {
			if sequential && !created {
				err = ErrLogForceCommit
				return
			}
			lt.tree = itemstore.New(engine.fsInfo.TreeConfig(ilayout.TreeLogObjectID, 0))
			lt.logTransID = 1
			lt.logTransIDCommitted = 0
			lt.multiTasks = false
			lt.startGID = gid
			root.ResetLogState()
			logger.Tracef("treelog started log of subvolume %d in transaction %d", root.ID, trans.TransID)
		}
		break
	}

	lt.logWriters++
	lt.logBatch++

	if !ctx.loggingNewName {
		slot := lt.logTransID % 2
		ctx.listElement = lt.logCtxs[slot].PushBack(ctx)
		ctx.listSlot = int(slot)
		ctx.logTransID = lt.logTransID
	}

	return
}

// joinRunningLogTrans adds a writer to the running log transaction of root
// without a LogContext. It fails with NoLogInProgressError if root has no
// log.
func (engine *Engine) joinRunningLogTrans(root *ctree.RootStruct) (lt *logTreeStruct, err error) {
	lt, err = engine.logTreeOf(root)
	if nil != err {
		return
	}

	sequential := engine.fsInfo.Device.Config().Sequential

	lt.mutex.Lock()
	defer lt.mutex.Unlock()

	for {
		if nil == lt.tree {
			err = blunder.NewError(blunder.NoLogInProgressError, "treelog: subvolume %d has no log", root.ID)
			return
		}
		if sequential && lt.logCommit[(lt.logTransID+1)%2] {
			lt.waitLogCommit(lt.logTransID - 1)
			continue
		}
		break
	}

	lt.logWriters++

	return
}

// pinLogTrans keeps the running log transaction of lt from being written out
// until the matching endLogTrans().
func (lt *logTreeStruct) pinLogTrans() {
	lt.mutex.Lock()
	lt.logWriters++
	lt.mutex.Unlock()
}

func (lt *logTreeStruct) endLogTrans() {
	lt.mutex.Lock()
	if 0 == lt.logWriters {
		logger.Errorf("treelog.endLogTrans() of subvolume %d without writers", lt.subvolID)
	} else {
		lt.logWriters--
		if 0 == lt.logWriters {
			lt.writerWait.Broadcast()
		}
	}
	lt.mutex.Unlock()
}

// updateLogRoot records the location of the Log Tree of subvolID in the
// Log-Root Tree. The caller holds logRoot.mutex.
func (engine *Engine) updateLogRoot(trans *ctree.TransStruct, subvolID uint64, location itemstore.LocationStruct) (err error) {
	var (
		rootItemBuf []byte
	)

	rootItem := &ilayout.RootItemStruct{
		RootObjectNumber: location.ObjectNumber,
		RootObjectOffset: location.ObjectOffset,
		RootObjectLength: location.ObjectLength,
		Generation:       trans.TransID,
	}

	rootItemBuf, err = rootItem.MarshalRootItem()
	if nil != err {
		return
	}

	err = engine.logRoot.tree.Put(logRootItemKey(subvolID), rootItemBuf)

	return
}

func logRootItemKey(subvolID uint64) ilayout.Key {
	return ilayout.Key{ObjectID: ilayout.TreeLogObjectID, Type: ilayout.RootItemKey, Offset: subvolID}
}

func (engine *Engine) syncLog(trans *ctree.TransStruct, root *ctree.RootStruct, ctx *LogContext) (err error) {
	var (
		batch    uint64
		location itemstore.LocationStruct
		lt       *logTreeStruct
	)

	stopwatch := utils.NewStopwatch()

	deviceConfig := engine.fsInfo.Device.Config()

	lt, err = engine.logTreeOf(root)
	if nil != err {
		return
	}

	lt.mutex.Lock()

	logTransID := ctx.logTransID

	if lt.logTransIDCommitted >= logTransID {
		err = ctx.logRet
		lt.mutex.Unlock()
		return
	}

	slot := logTransID % 2

	if lt.logCommit[slot] {
		// Another fsync() is writing out our log transaction
		lt.waitLogCommit(logTransID)
		err = ctx.logRet
		lt.mutex.Unlock()
		return
	}

	lt.logCommit[slot] = true

	if lt.logCommit[(slot+1)%2] {
		lt.waitLogCommit(logTransID - 1)
	}

	for {
		batch = lt.logBatch
		if deviceConfig.Rotational && lt.multiTasks {
			lt.mutex.Unlock()
			time.Sleep(engine.config.LogBatchDelay)
			lt.mutex.Lock()
		}
		lt.waitForWriter()
		if batch == lt.logBatch {
			break
		}
	}

	if trans.NeedFullCommit() {
		err = ErrLogForceCommit
		lt.mutex.Unlock()
	} else {
		mark := blockdev.LogMark(logTransID)

		location, err = lt.tree.Flush(trans.TransID, mark)
		if (nil != err) && deviceConfig.Sequential && blunder.Is(err, blunder.TryAgainError) {
			err = nil
		}

		if nil != err {
			logger.WarnfWithError(err, "treelog write-out of subvolume %d log transaction %d failed", root.ID, logTransID)
			trans.SetNeedFullCommit()
			err = ErrLogForceCommit
			lt.mutex.Unlock()
		} else {
			engine.recordLogCommit(LogCommitStruct{TransID: trans.TransID, SubvolID: lt.subvolID, LogTransID: logTransID})
			lt.logTransID++
			root.SetLogTransID(lt.logTransID)
			lt.startGID = 0
			lt.mutex.Unlock()

			err = engine.syncLogRoot(trans, lt, mark, location, logTransID)
		}
	}

	lt.mutex.Lock()
	lt.removeAllLogCtxs(slot, err)
	lt.logTransIDCommitted++
	lt.logCommit[slot] = false
	lt.commitWait[slot].Broadcast()
	lt.mutex.Unlock()

	if nil != err {
		engine.stats.FullCommitFallbacks.Increment()
	}

	engine.stats.SyncLogUsecs.Add(stopwatch.ElapsedUs())

	return
}

// syncLogRoot makes the Log-Root Tree, updated to locate the just written
// Log Tree of lt, durable and points the superblock at it.
func (engine *Engine) syncLogRoot(trans *ctree.TransStruct, lt *logTreeStruct, mark blockdev.Mark, location itemstore.LocationStruct, logTransID uint64) (err error) {
	var (
		rootLocation itemstore.LocationStruct
	)

	logRoot := engine.logRoot
	rootCtx := &LogContext{}
	sequential := engine.fsInfo.Device.Config().Sequential

	logRoot.mutex.Lock()

	slot := logRoot.logTransID % 2
	rootCtx.listElement = logRoot.logCtxs[slot].PushBack(rootCtx)
	rootCtx.listSlot = int(slot)
	rootCtx.logTransID = logRoot.logTransID

	err = engine.updateLogRoot(trans, lt.subvolID, location)
	if nil != err {
		logRoot.logCtxs[slot].Remove(rootCtx.listElement)
		rootCtx.listElement = nil
		trans.SetNeedFullCommit()
		if blunder.IsNot(err, blunder.NoSpaceError) {
			logger.ErrorfWithError(err, "treelog failed to update log root for subvolume %d", lt.subvolID)
		}
		_ = engine.fsInfo.Device.WaitMark(mark)
		logRoot.mutex.Unlock()
		err = ErrLogForceCommit
		return
	}

	if logRoot.logTransIDCommitted >= rootCtx.logTransID {
		logRoot.logCtxs[slot].Remove(rootCtx.listElement)
		rootCtx.listElement = nil
		logRoot.mutex.Unlock()
		err = rootCtx.logRet
		return
	}

	if logRoot.logCommit[slot] {
		// Our Log-Root Tree update rides along with the write-out in progress
		err = engine.fsInfo.Device.WaitMark(mark)
		logRoot.waitLogCommit(rootCtx.logTransID)
		logRoot.mutex.Unlock()
		if nil == err {
			err = rootCtx.logRet
		}
		return
	}

	logRoot.logCommit[slot] = true

	if logRoot.logCommit[(slot+1)%2] {
		logRoot.waitLogCommit(rootCtx.logTransID - 1)
	}

	err = engine.writeOutLogRoot(trans, lt, mark, rootCtx.logTransID, sequential)
	if nil == err {
		rootLocation = logRoot.tree.LastLocation()
		logRoot.logTransID++
	}

	logRoot.mutex.Unlock()

	if nil == err {
		halter.Trigger(halter.TreeLogSyncLogAfterWriteOut)

		err = engine.writeLogSuperBlock(trans, rootLocation, rootCtx.logTransID)
		if nil == err {
			lt.root.SetLastLogCommit(logTransID)
		}
	}

	logRoot.mutex.Lock()
	logRoot.removeAllLogCtxs(slot, err)
	logRoot.logTransIDCommitted++
	logRoot.logCommit[slot] = false
	logRoot.commitWait[slot].Broadcast()
	logRoot.mutex.Unlock()

	return
}

// writeOutLogRoot flushes the Log-Root Tree and waits for it and the Log
// Tree write-out tagged mark. The caller holds logRoot.mutex and owns the
// slot of rootLogTransID.
func (engine *Engine) writeOutLogRoot(trans *ctree.TransStruct, lt *logTreeStruct, mark blockdev.Mark, rootLogTransID uint64, sequential bool) (err error) {
	device := engine.fsInfo.Device

	if trans.NeedFullCommit() {
		_ = device.WaitMark(mark)
		err = ErrLogForceCommit
		return
	}

	rootMark := blockdev.LogMark(rootLogTransID)

	_, err = engine.logRoot.tree.Flush(trans.TransID, rootMark)
	if nil != err {
		trans.SetNeedFullCommit()
		if sequential && blunder.Is(err, blunder.TryAgainError) {
			_ = device.WaitMark(mark)
		} else {
			logger.WarnfWithError(err, "treelog write-out of log root for subvolume %d failed", lt.subvolID)
		}
		err = ErrLogForceCommit
		return
	}

	err = device.WaitMark(mark)
	if nil == err {
		err = device.WaitMark(rootMark)
	}
	if nil != err {
		logger.WarnfWithError(err, "treelog wait for log write-out of subvolume %d failed", lt.subvolID)
		trans.SetNeedFullCommit()
		err = ErrLogForceCommit
	}

	return
}

func (engine *Engine) writeLogSuperBlock(trans *ctree.TransStruct, rootLocation itemstore.LocationStruct, rootLogTransID uint64) (err error) {
	halter.Trigger(halter.TreeLogSyncLogBeforeSuper)

	engine.fsInfo.TreeLogMutex.Lock()
	err = engine.fsInfo.WriteLogSuperBlock(trans, rootLocation, rootLogTransID)
	if nil == err {
		engine.stats.SyncLogCommits.Increment()
		engine.recordLogCommit(LogCommitStruct{TransID: trans.TransID, LogTransID: rootLogTransID, LogRoot: true})
	}
	engine.fsInfo.TreeLogMutex.Unlock()

	if nil != err {
		trans.SetNeedFullCommit()
		trans.Abort(err)
		err = ErrLogForceCommit
		return
	}

	logger.Tracef("treelog superblock now locates log root 0x%016X (log root transaction %d)", rootLocation.ObjectNumber, rootLogTransID)

	return
}

func (engine *Engine) recordLogCommit(logCommit LogCommitStruct) {
	engine.historyMutex.Lock()
	if logCommitHistoryMax == len(engine.logCommits) {
		engine.logCommits = engine.logCommits[1:]
	}
	engine.logCommits = append(engine.logCommits, logCommit)
	engine.historyMutex.Unlock()
}

// freeLogTree discards the log of lt, failing any LogContext still waiting
// on it. The caller holds lt.mutex.
func (lt *logTreeStruct) freeLogTree() (err error) {
	if nil != lt.tree {
		err = lt.tree.FreeAll()
		lt.tree = nil
	}

	for slot := uint64(0); slot < 2; slot++ {
		lt.removeAllLogCtxs(slot, ErrLogForceCommit)
		lt.logCommit[slot] = false
		lt.commitWait[slot].Broadcast()
	}

	lt.logTransID = 1
	lt.logTransIDCommitted = 0
	lt.startGID = 0
	lt.multiTasks = false

	if nil != lt.root {
		lt.root.ResetLogState()
	}

	return
}

func (engine *Engine) freeLogTrees(trans *ctree.TransStruct) (err error) {
	var (
		freeErr error
		lts     []*logTreeStruct
	)

	lts, err = engine.logTreesSnapshot()
	if nil != err {
		return
	}

	for _, lt := range lts {
		lt.mutex.Lock()
		freeErr = lt.freeLogTree()
		lt.mutex.Unlock()
		if (nil != freeErr) && (nil == err) {
			err = freeErr
		}
	}

	engine.logRoot.mutex.Lock()
	freeErr = engine.logRoot.freeLogTree()
	engine.logRoot.mutex.Unlock()
	if (nil != freeErr) && (nil == err) {
		err = freeErr
	}

	if nil != err {
		logger.ErrorfWithError(err, "treelog failed to free logs in transaction %d", trans.TransID)
	}

	return
}
