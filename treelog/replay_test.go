// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/logger"
)

type testFsStruct struct {
	t        *testing.T
	config   ctree.ConfigStruct
	tlConfig ConfigStruct
	device   *blockdev.DeviceStruct
	fsInfo   *ctree.FsInfoStruct
	engine   *Engine
	root     *ctree.RootStruct
}

func testFormat(t *testing.T, tlConfig ConfigStruct) (tfs *testFsStruct) {
	var (
		err error
	)

	tfs = &testFsStruct{t: t, tlConfig: tlConfig}

	tfs.device = blockdev.New(blockdev.ConfigStruct{DataAreaSize: 64 << 20}, t.Name())

	tfs.fsInfo, err = ctree.Format(tfs.config, tfs.device, t.Name())
	require.NoError(t, err)

	tfs.start()

	t.Cleanup(func() {
		tfs.stop()
		tfs.device.Close(t.Name())
	})

	return
}

func (tfs *testFsStruct) start() {
	var (
		err error
	)

	tfs.engine, err = New(tfs.fsInfo, tfs.tlConfig)
	require.NoError(tfs.t, err)

	tfs.root, err = tfs.fsInfo.Root(ilayout.FsTreeObjectID)
	require.NoError(tfs.t, err)
}

func (tfs *testFsStruct) stop() {
	if nil == tfs.fsInfo {
		return
	}
	tfs.engine.Close()
	tfs.fsInfo.Close()
	tfs.engine = nil
	tfs.fsInfo = nil
	tfs.root = nil
}

// crash loses every write not yet durable and reloads without replaying.
func (tfs *testFsStruct) crash() {
	var (
		err error
	)

	tfs.device.Crash()
	tfs.stop()

	tfs.fsInfo, err = ctree.Load(tfs.config, tfs.device, tfs.t.Name())
	require.NoError(tfs.t, err)

	tfs.start()
}

func (tfs *testFsStruct) crashAndRecover() {
	tfs.crash()
	require.NoError(tfs.t, tfs.engine.RecoverLogTrees())

	root, err := tfs.fsInfo.Root(ilayout.FsTreeObjectID)
	require.NoError(tfs.t, err)
	tfs.root = root
}

func (tfs *testFsStruct) rootDir() (dir *ctree.InodeStruct) {
	var (
		err error
	)

	dir, err = tfs.root.Iget(ilayout.RootDirObjectID)
	require.NoError(tfs.t, err)

	return
}

func (tfs *testFsStruct) create(trans *ctree.TransStruct, dir *ctree.InodeStruct, name string, mode uint32) (inode *ctree.InodeStruct) {
	var (
		err error
	)

	inode, err = tfs.root.NewInode(trans, mode, 0, 0, 0)
	require.NoError(tfs.t, err)

	_, err = ctree.AddLink(trans, dir, inode, name, 0, true)
	require.NoError(tfs.t, err)

	return
}

func (tfs *testFsStruct) lookup(dir *ctree.InodeStruct, name string) (ino uint64, ok bool) {
	var (
		dirEntry ilayout.DirEntryStruct
		err      error
	)

	dirEntry, ok, err = ctree.LookupDirItem(dir, name)
	require.NoError(tfs.t, err)

	ino = dirEntry.Location.ObjectID

	return
}

// fsync follows the fs layer: the log is tried first and a full commit
// covers for it when it cannot serve.
func (tfs *testFsStruct) fsync(inode *ctree.InodeStruct, parent *ctree.InodeStruct) (fullCommit bool) {
	var (
		err error
	)

	tfs.fsInfo.CommitLock.RLock()

	trans := tfs.fsInfo.JoinTransaction()

	err = tfs.fsInfo.Device.FlushData()
	require.NoError(tfs.t, err)

	ctx := NewLogContext(inode)

	err = tfs.engine.LogDentrySafe(trans, inode, parent, ctx)
	if nil == err {
		err = tfs.engine.SyncLog(trans, inode.Root, ctx)
	}

	tfs.fsInfo.CommitLock.RUnlock()

	if (nil == err) || blunder.Is(err, blunder.NoLogSyncNeededError) {
		return
	}

	require.True(tfs.t, blunder.Is(err, blunder.FullCommitRequiredError), "unexpected fsync error: %v", err)
	require.NoError(tfs.t, tfs.fsInfo.CommitTransaction())

	fullCommit = true

	return
}

func testPattern(n int, seed byte) (buf []byte) {
	buf = make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return
}

func TestFsyncSurvivesCrash(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	file := tfs.create(trans, dir, "a", ilayout.ModeReg|0o644)
	data := testPattern(3*4096+100, 7)
	require.NoError(t, file.Write(trans, 0, data))

	assert.False(t, tfs.fsync(file, dir))

	fileIno := file.Ino
	tfs.root.Iput(file)
	tfs.root.Iput(dir)

	tfs.crashAndRecover()

	dir = tfs.rootDir()
	defer tfs.root.Iput(dir)

	ino, ok := tfs.lookup(dir, "a")
	require.True(t, ok)
	assert.Equal(t, fileIno, ino)

	file, err := tfs.root.Iget(ino)
	require.NoError(t, err)
	defer tfs.root.Iput(file)

	assert.Equal(t, uint32(1), file.NLink())
	assert.Equal(t, uint64(len(data)), file.Size())

	readBack, err := file.ReadData(0, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, readBack)

	assert.Equal(t, uint64(0), tfs.fsInfo.SuperBlock().LogRootObjectNumber)
	assert.Equal(t, 0, tfs.fsInfo.Allocator.NumPinned())
}

func TestUnsyncedChangesLost(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	synced := tfs.create(trans, dir, "synced", ilayout.ModeReg|0o644)
	tfs.fsync(synced, dir)
	tfs.root.Iput(synced)

	trans = tfs.fsInfo.JoinTransaction()
	tfs.root.Iput(tfs.create(trans, dir, "unsynced", ilayout.ModeReg|0o644))
	tfs.root.Iput(dir)

	tfs.crashAndRecover()

	dir = tfs.rootDir()
	defer tfs.root.Iput(dir)

	_, ok := tfs.lookup(dir, "synced")
	assert.True(t, ok)
	_, ok = tfs.lookup(dir, "unsynced")
	assert.False(t, ok)
}

func TestReplayIdempotent(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	file := tfs.create(trans, dir, "f", ilayout.ModeReg|0o644)
	data := testPattern(8192, 3)
	require.NoError(t, file.Write(trans, 0, data))
	require.NoError(t, file.SetXattr(trans, "user.k", []byte("v")))
	tfs.fsync(file, dir)
	fileIno := file.Ino
	tfs.root.Iput(file)
	tfs.root.Iput(dir)

	tfs.crash()

	trans = tfs.fsInfo.JoinTransaction()
	require.NoError(t, tfs.engine.ReplayLogTrees(trans))
	require.NoError(t, tfs.engine.ReplayLogTrees(trans))
	require.NoError(t, tfs.fsInfo.CommitTransaction())

	root, err := tfs.fsInfo.Root(ilayout.FsTreeObjectID)
	require.NoError(t, err)
	tfs.root = root

	dir = tfs.rootDir()
	defer tfs.root.Iput(dir)

	ino, ok := tfs.lookup(dir, "f")
	require.True(t, ok)
	assert.Equal(t, fileIno, ino)

	file, err = tfs.root.Iget(ino)
	require.NoError(t, err)
	defer tfs.root.Iput(file)

	assert.Equal(t, uint32(1), file.NLink())
	assert.Equal(t, uint64(len(data)), file.Size())

	readBack, err := file.ReadData(0, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, readBack)

	value, err := file.GetXattr("user.k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	// The committed replay leaves nothing to replay at the next mount
	tfs.crashAndRecover()

	dir2 := tfs.rootDir()
	defer tfs.root.Iput(dir2)
	_, ok = tfs.lookup(dir2, "f")
	assert.True(t, ok)
}

func TestDirFsyncReplaysDeletes(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	tfs.root.Iput(tfs.create(trans, dir, "keep", ilayout.ModeReg|0o644))
	victim := tfs.create(trans, dir, "victim", ilayout.ModeReg|0o644)
	require.NoError(t, tfs.fsInfo.CommitTransaction())

	trans = tfs.fsInfo.JoinTransaction()
	_, err := ctree.Unlink(trans, dir, victim, "victim")
	require.NoError(t, err)
	tfs.engine.RecordUnlinkDir(trans, dir, victim, false)
	require.NoError(t, tfs.root.InsertOrphan(trans, victim.Ino))
	tfs.root.Iput(victim)

	tfs.fsync(dir, nil)
	tfs.root.Iput(dir)

	tfs.crashAndRecover()

	dir = tfs.rootDir()
	defer tfs.root.Iput(dir)

	_, ok := tfs.lookup(dir, "keep")
	assert.True(t, ok)
	_, ok = tfs.lookup(dir, "victim")
	assert.False(t, ok)
}

func TestNoTreeLogForcesCommit(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{NoTreeLog: true})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	file := tfs.create(trans, dir, "a", ilayout.ModeReg|0o644)

	assert.True(t, tfs.fsync(file, dir))

	tfs.root.Iput(file)
	tfs.root.Iput(dir)

	tfs.crashAndRecover()

	dir = tfs.rootDir()
	defer tfs.root.Iput(dir)

	_, ok := tfs.lookup(dir, "a")
	assert.True(t, ok)
}

func TestRecoverWithoutLog(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	generation := tfs.fsInfo.Generation()

	require.NoError(t, tfs.engine.RecoverLogTrees())
	assert.Equal(t, generation, tfs.fsInfo.Generation())

	trans := tfs.fsInfo.JoinTransaction()
	require.NoError(t, tfs.engine.ReplayLogTrees(trans))
	assert.Equal(t, 0, tfs.fsInfo.Allocator.NumPinned())
}

func TestFetchConfigDefaults(t *testing.T) {
	config := ConfigStruct{}
	require.NoError(t, config.validate())

	assert.Equal(t, defaultMaxConflictInodes, config.MaxConflictInodes)
	assert.Equal(t, defaultDirIndexBatch, config.DirIndexBatch)
	assert.Equal(t, defaultLogCopyBatch, config.LogCopyBatch)

	config = ConfigStruct{LogBatchDelay: -1}
	err := config.validate()
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))
}

func TestReplayTraced(t *testing.T) {
	var (
		target logger.LogTarget
	)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.TraceLevelLogging=treelog",
	})
	require.NoError(t, err)
	require.NoError(t, logger.Up(confMap))
	t.Cleanup(func() {
		confMap, _ := conf.MakeConfMapFromStrings([]string{"Logging.TraceLevelLogging=none"})
		_ = logger.Up(confMap)
		_ = logger.Down()
	})

	target.Init(4096)
	logger.AddLogTarget(target)

	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	file := tfs.create(trans, dir, "a", ilayout.ModeReg|0o644)
	require.NoError(t, file.Write(trans, 0, testPattern(4096, 5)))
	assert.False(t, tfs.fsync(file, dir))
	tfs.root.Iput(file)
	tfs.root.Iput(dir)

	tfs.crashAndRecover()

	traced := func(function string, prefix string) bool {
		target.LogBuf.Lock()
		defer target.LogBuf.Unlock()
		for _, entry := range target.LogBuf.LogEntries {
			if strings.Contains(entry, "function="+function) && strings.Contains(entry, prefix) {
				return true
			}
		}
		return false
	}

	assert.True(t, traced("recoverLogTrees", ">> called logRoot"))
	assert.True(t, traced("recoverLogTrees", "<< returning replayedItems"))
	assert.True(t, traced("replayLogTrees", ">> called trans"))
	assert.True(t, traced("replayLogTrees", "<< returning replayedItems"))
}
