// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
)

func TestDirRangeCoverage(t *testing.T) {
	tfs := testFormat(t, ConfigStruct{})

	logTree := itemstore.New(tfs.fsInfo.TreeConfig(ilayout.TreeLogObjectID, 0))

	require.NoError(t, insertDirLogKey(logTree, 300, 5, 9))
	require.NoError(t, insertDirLogKey(logTree, 300, 20, 30))
	require.NoError(t, insertDirLogKey(logTree, 301, 0, 3))

	dirLogRanges, err := scanDirLogRanges(logTree, 300)
	require.NoError(t, err)
	assert.Equal(t, []dirLogRangeStruct{{start: 5, end: 9}, {start: 20, end: 30}}, dirLogRanges)

	require.NoError(t, insertDirLogKey(logTree, 300, 10, 19))

	dirLogRanges, err = scanDirLogRanges(logTree, 300)
	require.NoError(t, err)
	assert.Equal(t, []dirLogRangeStruct{{start: 5, end: 30}}, dirLogRanges)

	require.NoError(t, insertDirLogKey(logTree, 300, 40, math.MaxUint64))
	require.NoError(t, insertDirLogKey(logTree, 300, 50, 60))

	dirLogRanges, err = scanDirLogRanges(logTree, 300)
	require.NoError(t, err)
	assert.Equal(t, []dirLogRangeStruct{{start: 5, end: 30}, {start: 40, end: math.MaxUint64}}, dirLogRanges)

	// An empty range records nothing
	require.NoError(t, insertDirLogKey(logTree, 302, 8, 7))
	dirLogRanges, err = scanDirLogRanges(logTree, 302)
	require.NoError(t, err)
	assert.Empty(t, dirLogRanges)

	dirLogRanges, err = scanDirLogRanges(logTree, 301)
	require.NoError(t, err)
	assert.Equal(t, []dirLogRangeStruct{{start: 0, end: 3}}, dirLogRanges)
}

func TestDirLogRangeTouches(t *testing.T) {
	dirLogRange := dirLogRangeStruct{start: 10, end: 20}

	assert.True(t, dirLogRange.touches(21, 25))
	assert.True(t, dirLogRange.touches(0, 9))
	assert.True(t, dirLogRange.touches(15, 16))
	assert.False(t, dirLogRange.touches(22, 25))
	assert.False(t, dirLogRange.touches(0, 8))

	unbounded := dirLogRangeStruct{start: 10, end: math.MaxUint64}
	assert.True(t, unbounded.touches(math.MaxUint64, math.MaxUint64))
	assert.False(t, unbounded.touches(0, 8))
}
