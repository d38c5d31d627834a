// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"math"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/treelog/alloc"
	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/csumstore"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
)

// firstObjectNumber leaves object numbers below it unused so that a zero
// object number always means "none".
const firstObjectNumber = uint64(1)

func rootItemKey(objectID uint64) ilayout.Key {
	return ilayout.Key{ObjectID: objectID, Type: ilayout.RootItemKey, Offset: 0}
}

func newFsInfo(config ConfigStruct, device *blockdev.DeviceStruct, statsGroupName string) (fsInfo *FsInfoStruct, err error) {
	err = config.validate()
	if nil != err {
		return
	}

	if device.Config().SectorSize != config.SectorSize {
		err = blunder.NewError(blunder.InvalidArgError, "ctree: [Volume]SectorSize %d does not match device SectorSize %d", config.SectorSize, device.Config().SectorSize)
		return
	}

	fsInfo = &FsInfoStruct{
		Config:         config,
		Device:         device,
		CsumStore:      csumstore.New(config.SectorSize),
		Cache:          itemstore.NewCache(config.CacheEvictLowLimit, config.CacheEvictHighLimit),
		StatsGroupName: statsGroupName,
		roots:          sortedmap.NewLLRBTree(sortedmap.CompareUint64, nil),
		stats:          &statsStruct{},
	}

	bucketstats.Register("ctree", statsGroupName, fsInfo.stats)

	return
}

func format(config ConfigStruct, device *blockdev.DeviceStruct, statsGroupName string) (fsInfo *FsInfoStruct, err error) {
	fsInfo, err = newFsInfo(config, device, statsGroupName)
	if nil != err {
		return
	}

	fsInfo.Allocator = alloc.New(device, firstObjectNumber, statsGroupName)

	fsInfo.RootTree = itemstore.New(fsInfo.TreeConfig(ilayout.RootTreeObjectID, 0))
	fsInfo.CsumTree = itemstore.New(fsInfo.TreeConfig(ilayout.CsumTreeObjectID, 0))

	fsInfo.superBlock = ilayout.SuperBlockStruct{
		Magic:      ilayout.SuperBlockMagic,
		Generation: 0,
		SectorSize: config.SectorSize,
	}
	fsInfo.generation = 0
	fsInfo.runningTrans = &TransStruct{TransID: 1, fsInfo: fsInfo}

	_, err = fsInfo.createRoot(fsInfo.runningTrans, ilayout.FsTreeObjectID)
	if nil != err {
		fsInfo.Close()
		fsInfo = nil
		return
	}

	err = fsInfo.commitTransaction()
	if nil != err {
		fsInfo.Close()
		fsInfo = nil
		return
	}

	logger.Infof("ctree formatted filesystem (SectorSize %d MaxKeysPerNode %d)", config.SectorSize, config.MaxKeysPerNode)

	return
}

// readSuperBlock returns the newest of the valid superblock copies. A log
// sync rewrites the superblock without advancing Generation, so among copies
// of one Generation the highest LogRootTransID wins.
func readSuperBlock(device *blockdev.DeviceStruct) (superBlock *ilayout.SuperBlockStruct, err error) {
	var (
		candidate    *ilayout.SuperBlockStruct
		unmarshalErr error
	)

	for copyIndex, superBlockBuf := range device.ReadSuperBlocks() {
		if nil == superBlockBuf {
			continue
		}
		candidate, unmarshalErr = ilayout.UnmarshalSuperBlock(superBlockBuf)
		if nil != unmarshalErr {
			logger.WarnfWithError(unmarshalErr, "ctree ignoring superblock copy %d", copyIndex)
			continue
		}
		if (nil == superBlock) ||
			(candidate.Generation > superBlock.Generation) ||
			((candidate.Generation == superBlock.Generation) && (candidate.LogRootTransID > superBlock.LogRootTransID)) {
			superBlock = candidate
		}
	}

	if nil == superBlock {
		err = blunder.NewError(blunder.CorruptInodeError, "ctree found no valid superblock copy")
	}

	return
}

func load(config ConfigStruct, device *blockdev.DeviceStruct, statsGroupName string) (fsInfo *FsInfoStruct, err error) {
	var (
		rootItems  []itemstore.ItemStruct
		superBlock *ilayout.SuperBlockStruct
	)

	err = config.validate()
	if nil != err {
		return
	}

	superBlock, err = readSuperBlock(device)
	if nil != err {
		return
	}

	if superBlock.SectorSize != config.SectorSize {
		err = blunder.NewError(blunder.InvalidArgError, "ctree: [Volume]SectorSize %d does not match formatted SectorSize %d", config.SectorSize, superBlock.SectorSize)
		return
	}

	fsInfo, err = newFsInfo(config, device, statsGroupName)
	if nil != err {
		return
	}

	fsInfo.Allocator, err = alloc.Load(device, superBlock, statsGroupName)
	if nil != err {
		bucketstats.UnRegister("ctree", statsGroupName)
		fsInfo = nil
		return
	}

	fsInfo.RootTree, err = itemstore.Open(fsInfo.TreeConfig(ilayout.RootTreeObjectID, 0), itemstore.LocationStruct{
		ObjectNumber: superBlock.RootTreeObjectNumber,
		ObjectOffset: superBlock.RootTreeObjectOffset,
		ObjectLength: superBlock.RootTreeObjectLength,
	})
	if nil != err {
		fsInfo.Close()
		fsInfo = nil
		return
	}

	rootItems, err = fsInfo.RootTree.CloneRange(
		ilayout.Key{ObjectID: 0, Type: 0, Offset: 0},
		ilayout.Key{ObjectID: math.MaxUint64, Type: ilayout.MaxKeyType, Offset: math.MaxUint64},
		0)
	if nil != err {
		fsInfo.Close()
		fsInfo = nil
		return
	}

	for _, rootItem := range rootItems {
		if ilayout.RootItemKey != rootItem.Key.Type {
			continue
		}
		err = fsInfo.openRootItem(rootItem)
		if nil != err {
			fsInfo.Close()
			fsInfo = nil
			return
		}
	}

	if nil == fsInfo.CsumTree {
		err = blunder.NewError(blunder.CorruptInodeError, "ctree root tree holds no csum tree root item")
		fsInfo.Close()
		fsInfo = nil
		return
	}

	fsInfo.superBlock = *superBlock
	fsInfo.generation = superBlock.Generation
	fsInfo.runningTrans = &TransStruct{TransID: superBlock.Generation + 1, fsInfo: fsInfo}

	logger.Infof("ctree loaded generation %d (log root 0x%016X)", superBlock.Generation, superBlock.LogRootObjectNumber)

	return
}

func (fsInfo *FsInfoStruct) openRootItem(item itemstore.ItemStruct) (err error) {
	var (
		commitRoot *itemstore.Tree
		location   itemstore.LocationStruct
		root       *RootStruct
		rootItem   *ilayout.RootItemStruct
		tree       *itemstore.Tree
	)

	rootItem, err = ilayout.UnmarshalRootItem(item.Payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		return
	}

	location = itemstore.LocationStruct{
		ObjectNumber: rootItem.RootObjectNumber,
		ObjectOffset: rootItem.RootObjectOffset,
		ObjectLength: rootItem.RootObjectLength,
	}

	tree, err = itemstore.Open(fsInfo.TreeConfig(item.Key.ObjectID, 0), location)
	if nil != err {
		return
	}

	if ilayout.CsumTreeObjectID == item.Key.ObjectID {
		fsInfo.CsumTree = tree
		return
	}

	commitRoot, err = fsInfo.openCommitRoot(item.Key.ObjectID, location)
	if nil != err {
		return
	}

	root = newRoot(fsInfo, item.Key.ObjectID, tree, rootItem.Generation, rootItem.HighestObjectID)
	root.commitRoot = commitRoot

	_, err = fsInfo.roots.Put(root.ID, root)

	return
}

// openCommitRoot returns a read-only view of the tree at location.
func (fsInfo *FsInfoStruct) openCommitRoot(owner uint64, location itemstore.LocationStruct) (commitRoot *itemstore.Tree, err error) {
	treeConfig := fsInfo.TreeConfig(owner, 0)
	treeConfig.Allocator = nil

	commitRoot, err = itemstore.Open(treeConfig, location)

	return
}

func (fsInfo *FsInfoStruct) lookupRoot(subvolID uint64) (root *RootStruct, err error) {
	var (
		ok    bool
		value sortedmap.Value
	)

	fsInfo.mutex.Lock()
	value, ok, err = fsInfo.roots.GetByKey(subvolID)
	fsInfo.mutex.Unlock()
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "ctree has no subvolume %d", subvolID)
		return
	}

	root = value.(*RootStruct)

	return
}

func (fsInfo *FsInfoStruct) fetchRoots() (roots []*RootStruct, err error) {
	var (
		numRoots int
		ok       bool
		value    sortedmap.Value
	)

	fsInfo.mutex.Lock()
	defer fsInfo.mutex.Unlock()

	numRoots, err = fsInfo.roots.Len()
	if nil != err {
		return
	}

	roots = make([]*RootStruct, 0, numRoots)

	for rootIndex := 0; rootIndex < numRoots; rootIndex++ {
		_, value, ok, err = fsInfo.roots.GetByIndex(rootIndex)
		if nil != err {
			return
		}
		if !ok {
			err = blunder.NewError(blunder.NotFoundError, "ctree roots index %d vanished", rootIndex)
			return
		}
		roots = append(roots, value.(*RootStruct))
	}

	return
}

func (fsInfo *FsInfoStruct) createRoot(trans *TransStruct, subvolID uint64) (root *RootStruct, err error) {
	var (
		commitRoot *itemstore.Tree
		inode      *InodeStruct
		ok         bool
		refBuf     []byte
	)

	if (ilayout.FsTreeObjectID != subvolID) && ((ilayout.FirstFreeObjectID > subvolID) || (ilayout.LastFreeObjectID < subvolID)) {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.CreateRoot(%d) subvolume id out of range", subvolID)
		return
	}

	_, err = fsInfo.lookupRoot(subvolID)
	if nil == err {
		err = blunder.NewError(blunder.FileExistsError, "ctree.CreateRoot(%d) subvolume exists", subvolID)
		return
	}

	commitRoot, err = fsInfo.openCommitRoot(subvolID, itemstore.LocationStruct{})
	if nil != err {
		return
	}

	root = newRoot(fsInfo, subvolID, itemstore.New(fsInfo.TreeConfig(subvolID, 0)), trans.TransID, ilayout.RootDirObjectID)
	root.commitRoot = commitRoot

	inode = root.newCachedInode(ilayout.RootDirObjectID, ilayout.InodeItemStruct{
		Generation: trans.TransID,
		NLink:      1,
		Mode:       ilayout.ModeDir | 0o755,
	})
	inode.IndexCnt = ilayout.DirStartIndex

	err = inode.UpdateInode(trans)
	if nil != err {
		return
	}

	// The top directory's only ref is ".." naming itself
	refBuf, err = ilayout.MarshalInodeRefs([]ilayout.InodeRefEntryStruct{{Index: 0, Name: ".."}})
	if nil != err {
		return
	}
	err = root.Tree.Insert(ilayout.Key{ObjectID: ilayout.RootDirObjectID, Type: ilayout.InodeRefKey, Offset: ilayout.RootDirObjectID}, refBuf)
	if nil != err {
		return
	}

	root.Iput(inode)

	fsInfo.mutex.Lock()
	ok, err = fsInfo.roots.Put(subvolID, root)
	fsInfo.mutex.Unlock()
	if (nil == err) && !ok {
		err = blunder.NewError(blunder.FileExistsError, "ctree.CreateRoot(%d) raced", subvolID)
	}

	return
}

func (fsInfo *FsInfoStruct) writeLogSuperBlock(trans *TransStruct, logRoot itemstore.LocationStruct, logRootTransID uint64) (err error) {
	var (
		abortErr      error
		superBlock    ilayout.SuperBlockStruct
		superBlockBuf []byte
	)

	fsInfo.mutex.Lock()
	superBlock = fsInfo.superBlock
	abortErr = fsInfo.abortErr
	fsInfo.mutex.Unlock()

	if nil != abortErr {
		err = blunder.NewError(blunder.ReadOnlyError, "ctree aborted: %v", abortErr)
		return
	}

	superBlock.NextObjectNumber = fsInfo.Allocator.NextObjectNumber()
	superBlock.LogRootObjectNumber = logRoot.ObjectNumber
	superBlock.LogRootObjectOffset = logRoot.ObjectOffset
	superBlock.LogRootObjectLength = logRoot.ObjectLength
	superBlock.LogRootTransID = logRootTransID
	superBlock.LogRootGeneration = trans.TransID

	superBlockBuf, err = superBlock.MarshalSuperBlock()
	if nil != err {
		return
	}

	err = fsInfo.Device.WriteSuperBlock(superBlockBuf)

	return
}

func (trans *TransStruct) abort(err error) {
	fsInfo := trans.fsInfo

	fsInfo.mutex.Lock()
	if nil == fsInfo.abortErr {
		fsInfo.abortErr = err
		logger.ErrorfWithError(err, "ctree transaction %d aborted", trans.TransID)
	}
	if fsInfo.lastTransLogFullCommit < trans.TransID {
		fsInfo.lastTransLogFullCommit = trans.TransID
	}
	fsInfo.mutex.Unlock()
}
