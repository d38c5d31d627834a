// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package conf

import (
	"io/ioutil"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateFromFile(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	tempFile, err := ioutil.TempFile(os.TempDir(), "TestConfFile_")
	require.NoError(err)
	defer os.Remove(tempFile.Name())

	_, err = tempFile.WriteString("# A comment on its own line\n" +
		"[TreeLog]\n" +
		"MaxConflictInodes : 10 # A comment at the end of a line\n" +
		"LogBatchDelay = 2ms\n" +
		"\n" +
		"[Logging] ; A comment after a section\n" +
		"TraceLevelLogging = treelog, fs ctree\n" +
		"LogFilePath =\n")
	require.NoError(err)
	require.NoError(tempFile.Close())

	confMap, err := MakeConfMapFromFile(tempFile.Name())
	require.NoError(err)

	maxConflictInodes, err := confMap.FetchOptionValueUint32("TreeLog", "MaxConflictInodes")
	assert.NoError(err)
	assert.Equal(uint32(10), maxConflictInodes)

	logBatchDelay, err := confMap.FetchOptionValueDuration("TreeLog", "LogBatchDelay")
	assert.NoError(err)
	assert.Equal(2*time.Millisecond, logBatchDelay)

	traceLevelLogging, err := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	assert.NoError(err)
	assert.Equal([]string{"treelog", "fs", "ctree"}, traceLevelLogging)

	logFilePath, err := confMap.FetchOptionValueStringSlice("Logging", "LogFilePath")
	assert.NoError(err)
	assert.Empty(logFilePath)

	_, err = confMap.FetchOptionValueString("Logging", "LogFilePath")
	assert.Error(err)
}

func TestUpdateFromStrings(t *testing.T) {
	assert := assert.New(t)

	confMap, err := MakeConfMapFromStrings([]string{
		"Volume.MaxKeysPerNode=64",
		"BlockDev.Rotational=yes",
		"BlockDev.Sequential : off",
	})
	assert.NoError(err)

	maxKeysPerNode, err := confMap.FetchOptionValueUint64("Volume", "MaxKeysPerNode")
	assert.NoError(err)
	assert.Equal(uint64(64), maxKeysPerNode)

	rotational, err := confMap.FetchOptionValueBool("BlockDev", "Rotational")
	assert.NoError(err)
	assert.True(rotational)

	sequential, err := confMap.FetchOptionValueBool("BlockDev", "Sequential")
	assert.NoError(err)
	assert.False(sequential)

	err = confMap.UpdateFromString("Volume.MaxKeysPerNode=128")
	assert.NoError(err)
	maxKeysPerNode, _ = confMap.FetchOptionValueUint64("Volume", "MaxKeysPerNode")
	assert.Equal(uint64(128), maxKeysPerNode)

	err = confMap.UpdateFromString("NoDotHere=1")
	assert.Error(err)

	_, err = confMap.FetchOptionValueBool("Volume", "MaxKeysPerNode")
	assert.Error(err)

	_, err = confMap.FetchOptionValueUint32("Missing", "Option")
	assert.Error(err)

	assert.Contains(confMap.Dump(), "[BlockDev]\nRotational: yes\nSequential: off\n")
}
