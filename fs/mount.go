// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/treelog"
	"github.com/NVIDIA/treelog/utils"
)

func format(config ConfigStruct, device *blockdev.DeviceStruct, name string) (volume *VolumeStruct, err error) {
	var (
		fsInfo *ctree.FsInfoStruct
	)

	fsInfo, err = ctree.Format(config.Volume, device, name)
	if nil != err {
		return
	}

	volume, err = attach(config, device, name, fsInfo)
	if nil != err {
		return
	}

	logger.Infof("fs formatted %s", name)

	return
}

func mount(config ConfigStruct, device *blockdev.DeviceStruct, name string) (volume *VolumeStruct, err error) {
	var (
		fsInfo *ctree.FsInfoStruct
	)

	stopwatch := utils.NewStopwatch()

	fsInfo, err = ctree.Load(config.Volume, device, name)
	if nil != err {
		return
	}

	volume, err = attach(config, device, name, fsInfo)
	if nil != err {
		return
	}

	err = volume.engine.RecoverLogTrees()
	if nil != err {
		volume.detach()
		return
	}

	volume.root, err = volume.fsInfo.Root(ilayout.FsTreeObjectID)
	if nil != err {
		volume.detach()
		return
	}

	err = volume.deleteOrphans()
	if nil != err {
		volume.detach()
		return
	}

	logger.Infof("fs mounted %s at generation %d in %v", name, volume.fsInfo.Generation(), stopwatch.Elapsed())

	return
}

// attach brings up the tree log engine on a loaded fsInfo.
func attach(config ConfigStruct, device *blockdev.DeviceStruct, name string, fsInfo *ctree.FsInfoStruct) (volume *VolumeStruct, err error) {
	volume = &VolumeStruct{
		config: config,
		name:   name,
		device: device,
		fsInfo: fsInfo,
		stats:  &statsStruct{},
	}

	volume.engine, err = treelog.New(fsInfo, config.TreeLog)
	if nil != err {
		fsInfo.Close()
		volume = nil
		return
	}

	volume.root, err = fsInfo.Root(ilayout.FsTreeObjectID)
	if nil != err {
		volume.engine.Close()
		fsInfo.Close()
		volume = nil
		return
	}

	bucketstats.Register("fs", name, volume.stats)

	return
}

func (volume *VolumeStruct) detach() {
	bucketstats.UnRegister("fs", volume.name)
	volume.engine.Close()
	volume.fsInfo.Close()
}

func (volume *VolumeStruct) unmount() (err error) {
	err = volume.sync()
	if nil != err {
		return
	}

	volume.detach()

	logger.Infof("fs unmounted %s", volume.name)

	return
}

func (volume *VolumeStruct) crash() {
	volume.nsMutex.Lock()
	volume.device.Crash()
	volume.detach()
	volume.nsMutex.Unlock()

	logger.Warnf("fs crashed %s", volume.name)
}

// deleteOrphans deletes every orphaned inode that has no names left. Those
// an interrupted unlink or a replay left with names lose their orphan item.
func (volume *VolumeStruct) deleteOrphans() (err error) {
	var (
		inode *ctree.InodeStruct
		inos  []uint64
	)

	inos, err = volume.root.ScanOrphans()
	if (nil != err) || (0 == len(inos)) {
		return
	}

	volume.fsInfo.CommitLock.RLock()

	trans := volume.fsInfo.JoinTransaction()

	for _, ino := range inos {
		inode, err = volume.root.Iget(ino)
		if nil != err {
			if blunder.IsNot(err, blunder.NotFoundError) {
				volume.fsInfo.CommitLock.RUnlock()
				return
			}
			err = volume.root.DeleteOrphan(trans, ino)
			if nil != err {
				volume.fsInfo.CommitLock.RUnlock()
				return
			}
			continue
		}

		if 0 != inode.NLink() {
			volume.root.Iput(inode)
			err = volume.root.DeleteOrphan(trans, ino)
		} else {
			err = volume.deleteInode(trans, inode)
		}
		if nil != err {
			volume.fsInfo.CommitLock.RUnlock()
			return
		}
	}

	volume.fsInfo.CommitLock.RUnlock()

	err = volume.fsInfo.CommitTransaction()

	return
}

// deleteInode drops the caller's reference to an inode with no names left
// and deletes it. A directory first loses whatever entries it still has.
func (volume *VolumeStruct) deleteInode(trans *ctree.TransStruct, inode *ctree.InodeStruct) (err error) {
	var (
		dirIndexEntries []ctree.DirIndexEntryStruct
		target          *ctree.InodeStruct
	)

	if inode.IsDir() {
		dirIndexEntries, err = ctree.ScanDirIndex(inode, 0)
		if nil != err {
			volume.root.Iput(inode)
			return
		}
		for _, dirIndexEntry := range dirIndexEntries {
			target, err = volume.root.Iget(dirIndexEntry.Entry.Location.ObjectID)
			if nil != err {
				volume.root.Iput(inode)
				return
			}
			_, err = ctree.Unlink(trans, inode, target, dirIndexEntry.Entry.Name)
			if nil == err {
				err = volume.dropIfUnlinked(trans, target)
			} else {
				volume.root.Iput(target)
			}
			if nil != err {
				volume.root.Iput(inode)
				return
			}
		}
	}

	volume.root.Iput(inode)

	err = volume.root.DeleteInode(trans, inode)
	if nil != err {
		return
	}

	volume.stats.OrphansDeleted.Increment()

	return
}

// dropIfUnlinked drops the caller's reference to inode, deleting inode if it
// has no names left.
func (volume *VolumeStruct) dropIfUnlinked(trans *ctree.TransStruct, inode *ctree.InodeStruct) (err error) {
	if 0 != inode.NLink() {
		volume.root.Iput(inode)
		return
	}

	err = volume.root.InsertOrphan(trans, inode.Ino)
	if nil != err {
		volume.root.Iput(inode)
		return
	}

	err = volume.deleteInode(trans, inode)

	return
}
