// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Program treelogd formats an in-memory volume, drives a write+fsync workload
// against it, power fails the device, and mounts it again so that the tree-log
// is replayed. The resulting statistics are printed and, if [BlockDev]ImagePath
// is set, the replayed image is saved.
//
// The program requires a single argument that is a path to a package config
// formatted configuration to load. Optionally, overrides the the config may
// be passed as additional arguments in the form <section_name>.<option_name>=<value>.
//
package main

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/fs"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/statslogger"
	"github.com/NVIDIA/treelog/transitions"
	"github.com/NVIDIA/treelog/utils"
)

const volumeName = "treelogd"

func main() {
	var (
		confMap        conf.ConfMap
		err            error
		signalChan     chan os.Signal
		signalReceived os.Signal
		volume         *fs.VolumeStruct
	)

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "no .conf file specified\n")
		os.Exit(1)
	}

	confMap, err = conf.MakeConfMapFromFile(os.Args[1])
	if nil != err {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = confMap.UpdateFromStrings(os.Args[2:])
	if nil != err {
		fmt.Fprintf(os.Stderr, "failed to apply config overrides: %v\n", err)
		os.Exit(1)
	}

	err = transitions.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "transitions.Up() failed: %s\n", blunder.ErrorString(err))
		os.Exit(1)
	}

	volume, err = run(confMap)
	if nil != err {
		logger.Fatalf("treelogd failed: %s", blunder.Details(err))
	}

	fmt.Print(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*"))

	logger.Infof("UP")

	// Arm signal handler used to indicate interruption/termination & wait on it
	//
	// Note: signal'd chan must be buffered to avoid race with window between
	// arming handler and blocking on the chan read

	signalChan = make(chan os.Signal, 1)

	signal.Notify(signalChan, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)

	for {
		signalReceived = <-signalChan
		if unix.SIGHUP == signalReceived {
			logger.Infof("Received SIGHUP")
			err = transitions.Signaled(confMap)
			if nil != err {
				logger.WarnfWithError(err, "transitions.Signaled() failed")
			}
		} else {
			break
		}
	}

	statslogger.SetPendingSampler(nil)

	err = volume.Unmount()
	if nil != err {
		logger.ErrorfWithError(err, "Unmount() failed")
	}

	volume.Device().Close(volumeName)

	err = transitions.Down(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "transitions.Down() failed: %v\n", err)
		os.Exit(1)
	}
}

// run leaves the replayed volume mounted.
func run(confMap conf.ConfMap) (volume *fs.VolumeStruct, err error) {
	var (
		config         fs.ConfigStruct
		device         *blockdev.DeviceStruct
		expected       map[string][]byte
		workloadConfig workloadConfigStruct
	)

	config, err = fs.FetchConfig(confMap)
	if nil != err {
		return
	}

	workloadConfig, err = fetchWorkloadConfig(confMap)
	if nil != err {
		return
	}

	logger.Infof("treelogd workload: %s", utils.JSONify(workloadConfig, false))

	device = blockdev.New(config.BlockDev, volumeName)

	statslogger.SetPendingSampler(func() int64 {
		_, pending := device.ObjectCount()
		return int64(pending)
	})

	volume, err = fs.Format(config, device, volumeName)
	if nil != err {
		return
	}

	expected, err = runWorkload(volume, workloadConfig)
	if nil != err {
		return
	}

	logger.Infof("treelogd workload of %d files done; crashing %s", workloadConfig.Files, volumeName)

	volume.Crash()

	volume, err = fs.Mount(config, device, volumeName)
	if nil != err {
		return
	}

	err = verifyWorkload(volume, expected)
	if nil != err {
		return
	}

	logger.Infof("treelogd replay of %s verified", volumeName)

	if "" != config.BlockDev.ImagePath {
		err = device.SaveImage(config.BlockDev.ImagePath)
		if nil != err {
			return
		}
		logger.Infof("treelogd saved image to %s", config.BlockDev.ImagePath)
	}

	return
}
