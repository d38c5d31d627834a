// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/treelog"
)

// ConfigStruct gathers the [BlockDev], [Volume], and [TreeLog] sections.
//
type ConfigStruct struct {
	BlockDev blockdev.ConfigStruct
	Volume   ctree.ConfigStruct
	TreeLog  treelog.ConfigStruct
}

// FetchConfig reads every section a volume depends on.
func FetchConfig(confMap conf.ConfMap) (config ConfigStruct, err error) {
	config.BlockDev, err = blockdev.FetchConfig(confMap)
	if nil != err {
		return
	}

	config.Volume, err = ctree.FetchConfig(confMap)
	if nil != err {
		return
	}

	config.TreeLog, err = treelog.FetchConfig(confMap)

	return
}
