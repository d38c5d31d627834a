// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/treelog"
	"github.com/NVIDIA/treelog/utils"
)

func (volume *VolumeStruct) fsync(path string) (fullCommit bool, err error) {
	var (
		dir   *ctree.InodeStruct
		inode *ctree.InodeStruct
	)

	stopwatch := utils.NewStopwatch()

	volume.nsMutex.Lock()
	volume.fsInfo.CommitLock.RLock()

	trans := volume.fsInfo.JoinTransaction()

	dir, inode, _, err = volume.resolvePath(path)
	if nil != err {
		volume.fsInfo.CommitLock.RUnlock()
		volume.nsMutex.Unlock()
		return
	}

	// Data extents must be durable before any log item points at them
	err = volume.device.FlushData()
	if nil != err {
		volume.putInodes(dir, inode)
		volume.fsInfo.CommitLock.RUnlock()
		volume.nsMutex.Unlock()
		return
	}

	ctx := treelog.NewLogContext(inode)

	err = volume.engine.LogDentrySafe(trans, inode, dir, ctx)

	volume.putInodes(dir)
	volume.nsMutex.Unlock()

	if nil == err {
		err = volume.engine.SyncLog(trans, inode.Root, ctx)
	}

	volume.fsInfo.CommitLock.RUnlock()
	volume.root.Iput(inode)

	switch {
	case nil == err:
		volume.stats.FsyncLogged.Increment()
	case blunder.Is(err, blunder.NoLogSyncNeededError):
		err = nil
		volume.stats.FsyncNoops.Increment()
	case blunder.Is(err, blunder.FullCommitRequiredError):
		logger.Tracef("fs fsync of \"%s\" on %s needs a full commit", path, volume.name)
		fullCommit = true
		err = volume.sync()
		volume.stats.FsyncFullCommits.Increment()
	}

	volume.stats.FsyncUsecs.Add(stopwatch.ElapsedUs())

	return
}

// sync needs no nsMutex: CommitTransaction() waits out every update, each of
// which holds CommitLock shared.
func (volume *VolumeStruct) sync() (err error) {
	stopwatch := utils.NewStopwatch()

	err = volume.fsInfo.CommitTransaction()
	if nil != err {
		return
	}

	volume.stats.Syncs.Increment()
	volume.stats.CommitUsecs.Add(stopwatch.ElapsedUs())

	return
}
