// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/fs"
	"github.com/NVIDIA/treelog/logger"
)

const (
	defaultWorkloadFiles      = 16
	defaultWorkloadFsyncs     = 4
	defaultWorkloadCrashAfter = 8
	workloadWriteSize         = 4096
)

type workloadConfigStruct struct {
	Files      uint64 // number of files created under /workload
	Fsyncs     uint64 // write+fsync rounds applied to every file
	CrashAfter uint64 // writes left unsynced before the crash
}

func fetchWorkloadConfig(confMap conf.ConfMap) (workloadConfig workloadConfigStruct, err error) {
	workloadConfig.Files, err = confMap.FetchOptionValueUint64("Workload", "Files")
	if nil != err {
		workloadConfig.Files = defaultWorkloadFiles
	}
	if 0 == workloadConfig.Files {
		err = blunder.NewError(blunder.InvalidArgError, "[Workload]Files must be non-zero")
		return
	}

	workloadConfig.Fsyncs, err = confMap.FetchOptionValueUint64("Workload", "Fsyncs")
	if nil != err {
		workloadConfig.Fsyncs = defaultWorkloadFsyncs
	}

	workloadConfig.CrashAfter, err = confMap.FetchOptionValueUint64("Workload", "CrashAfter")
	if nil != err {
		workloadConfig.CrashAfter = defaultWorkloadCrashAfter
	}

	err = nil
	return
}

func workloadPath(fileIndex uint64) string {
	return fmt.Sprintf("/workload/f%04d", fileIndex)
}

func workloadPattern(fileIndex uint64, round uint64) (buf []byte) {
	buf = make([]byte, workloadWriteSize)
	for i := range buf {
		buf[i] = byte(fileIndex) ^ byte(round*31) ^ byte(i)
	}
	return
}

// runWorkload returns the content each file must hold after replay: all of
// its fsync'd rounds and none of the writes that follow.
func runWorkload(volume *fs.VolumeStruct, workloadConfig workloadConfigStruct) (expected map[string][]byte, err error) {
	var (
		fileIndex  uint64
		fullCommit bool
		path       string
		round      uint64
	)

	_, err = volume.Mkdir("/workload", 0o755)
	if nil != err {
		return
	}

	expected = make(map[string][]byte)

	for fileIndex = 0; fileIndex < workloadConfig.Files; fileIndex++ {
		path = workloadPath(fileIndex)
		_, err = volume.Create(path, 0o644)
		if nil != err {
			return
		}
		expected[path] = make([]byte, 0)
	}

	// Commit the namespace so that every file survives regardless of Fsyncs
	err = volume.Sync()
	if nil != err {
		return
	}

	for round = 0; round < workloadConfig.Fsyncs; round++ {
		for fileIndex = 0; fileIndex < workloadConfig.Files; fileIndex++ {
			path = workloadPath(fileIndex)
			buf := workloadPattern(fileIndex, round)
			err = volume.Write(path, round*workloadWriteSize, buf)
			if nil != err {
				return
			}
			fullCommit, err = volume.Fsync(path)
			if nil != err {
				return
			}
			if fullCommit {
				logger.Tracef("treelogd fsync of %s round %d fell back to a full commit", path, round)
			}
			expected[path] = append(expected[path], buf...)
		}
	}

	for round = 0; round < workloadConfig.CrashAfter; round++ {
		fileIndex = round % workloadConfig.Files
		err = volume.Write(workloadPath(fileIndex), (workloadConfig.Fsyncs+round)*workloadWriteSize, workloadPattern(fileIndex, workloadConfig.Fsyncs+round))
		if nil != err {
			return
		}
	}

	return
}

func verifyWorkload(volume *fs.VolumeStruct, expected map[string][]byte) (err error) {
	var (
		buf  []byte
		stat fs.StatStruct
	)

	for path, content := range expected {
		stat, err = volume.Stat(path)
		if nil != err {
			return
		}
		if stat.Size != uint64(len(content)) {
			err = fmt.Errorf("%s has size %d after replay, expected %d", path, stat.Size, len(content))
			return
		}
		buf, err = volume.Read(path, 0, stat.Size)
		if nil != err {
			return
		}
		if !bytes.Equal(buf, content) {
			err = fmt.Errorf("%s content mismatch after replay", path)
			return
		}
	}

	return
}
