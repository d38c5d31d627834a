// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/ilayout"
)

func TestLogCommitHistory(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	trans := tfs.fsInfo.JoinTransaction()
	dir := tfs.rootDir()
	defer tfs.root.Iput(dir)

	a := tfs.create(trans, dir, "a", ilayout.ModeReg|0o644)
	defer tfs.root.Iput(a)
	require.NoError(t, a.Write(trans, 0, testPattern(4096, 1)))
	require.False(t, tfs.fsync(a, dir))

	b := tfs.create(trans, dir, "b", ilayout.ModeReg|0o644)
	defer tfs.root.Iput(b)
	require.NoError(t, b.Write(trans, 0, testPattern(4096, 2)))
	require.False(t, tfs.fsync(b, dir))

	assert.Equal(t, []LogCommitStruct{
		{TransID: trans.TransID, SubvolID: ilayout.FsTreeObjectID, LogTransID: 1},
		{TransID: trans.TransID, LogTransID: 1, LogRoot: true},
		{TransID: trans.TransID, SubvolID: ilayout.FsTreeObjectID, LogTransID: 2},
		{TransID: trans.TransID, LogTransID: 2, LogRoot: true},
	}, tfs.engine.LogCommitHistory())
	assert.Equal(t, uint64(2), tfs.engine.LogCommits())
}

func TestLogCommitHistoryBounded(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	for i := uint64(0); i < logCommitHistoryMax+10; i++ {
		tfs.engine.recordLogCommit(LogCommitStruct{TransID: 2, SubvolID: ilayout.FsTreeObjectID, LogTransID: i + 1})
	}

	history := tfs.engine.LogCommitHistory()
	require.Equal(t, logCommitHistoryMax, len(history))
	assert.Equal(t, uint64(11), history[0].LogTransID)
	assert.Equal(t, uint64(logCommitHistoryMax+10), history[len(history)-1].LogTransID)
}
