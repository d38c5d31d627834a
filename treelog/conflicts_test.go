// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
)

func TestAddConflictingInodeCap(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	defer tfs.root.Iput(dir)
	file := tfs.create(trans, dir, "a", ilayout.ModeReg|0o644)
	defer tfs.root.Iput(file)

	ctx := NewLogContext(file)

	for ino := uint64(1000); ino < 1000+defaultMaxConflictInodes; ino++ {
		require.NoError(t, tfs.engine.addConflictingInode(trans, tfs.root, ino, dir.Ino, ctx))
	}
	assert.Equal(t, int(defaultMaxConflictInodes), len(ctx.conflictInodes))

	// Queued already, so not another conflict
	require.NoError(t, tfs.engine.addConflictingInode(trans, tfs.root, 1000, dir.Ino, ctx))
	assert.Equal(t, int(defaultMaxConflictInodes), len(ctx.conflictInodes))

	err := tfs.engine.addConflictingInode(trans, tfs.root, 1000+defaultMaxConflictInodes, dir.Ino, ctx)
	assert.True(t, blunder.Is(err, blunder.FullCommitRequiredError))
	assert.Equal(t, int(defaultMaxConflictInodes), len(ctx.conflictInodes))

	assert.Equal(t, defaultMaxConflictInodes, tfs.engine.stats.ConflictInodesQueued.TotalGet())
}

func TestTooManyConflictsForceCommit(t *testing.T) {
	var (
		dirs  []*ctree.InodeStruct
		files []*ctree.InodeStruct
	)

	tfs := testFormat(t, ConfigStruct{MaxConflictInodes: 2})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	defer tfs.root.Iput(dir)

	for i := 0; i < 3; i++ {
		subDir := tfs.create(trans, dir, fmt.Sprintf("d%d", i), ilayout.ModeDir|0o755)
		dirs = append(dirs, subDir)
		files = append(files, tfs.create(trans, subDir, "n", ilayout.ModeReg|0o644))
	}
	defer func() {
		for i := range dirs {
			tfs.root.Iput(files[i])
			tfs.root.Iput(dirs[i])
		}
	}()

	require.NoError(t, tfs.fsInfo.CommitTransaction())

	// Move each committed "n" aside and give every name to one new inode
	trans = tfs.fsInfo.JoinTransaction()
	for i := range dirs {
		_, err := ctree.AddLink(trans, dirs[i], files[i], "m", 0, true)
		require.NoError(t, err)
		_, err = ctree.Unlink(trans, dirs[i], files[i], "n")
		require.NoError(t, err)
	}

	newFile := tfs.create(trans, dirs[0], "n", ilayout.ModeReg|0o644)
	defer tfs.root.Iput(newFile)
	for i := 1; i < len(dirs); i++ {
		_, err := ctree.AddLink(trans, dirs[i], newFile, "n", 0, true)
		require.NoError(t, err)
	}

	assert.True(t, tfs.fsync(newFile, nil))
	assert.Equal(t, uint64(2), tfs.engine.stats.ConflictInodesQueued.TotalGet())
	assert.Equal(t, uint64(0), tfs.engine.LogCommits())
}
