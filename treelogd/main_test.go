// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/conf"
)

func TestFetchWorkloadConfig(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings([]string{"Workload.Files=3"})
	require.NoError(t, err)

	workloadConfig, err := fetchWorkloadConfig(confMap)
	require.NoError(t, err)
	assert.Equal(t, workloadConfigStruct{Files: 3, Fsyncs: defaultWorkloadFsyncs, CrashAfter: defaultWorkloadCrashAfter}, workloadConfig)

	require.NoError(t, confMap.UpdateFromString("Workload.Files=0"))
	_, err = fetchWorkloadConfig(confMap)
	assert.True(t, blunder.Is(err, blunder.InvalidArgError))
}

func TestRun(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "treelogd.img")

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"BlockDev.DataAreaSize=67108864",
		"BlockDev.ImagePath=" + imagePath,
		"Workload.Files=4",
		"Workload.Fsyncs=3",
		"Workload.CrashAfter=5",
	})
	require.NoError(t, err)

	volume, err := run(confMap)
	require.NoError(t, err)

	stat, err := volume.Stat(workloadPath(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(3*workloadWriteSize), stat.Size)

	require.NoError(t, volume.Unmount())
	volume.Device().Close(volumeName)

	device, err := blockdev.LoadImage(blockdev.ConfigStruct{DataAreaSize: 64 << 20}, t.Name(), imagePath)
	require.NoError(t, err)
	device.Close(t.Name())
}
