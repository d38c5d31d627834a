// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/conf"
)

const (
	defaultSectorSize   = uint64(4096)
	defaultDataAreaSize = uint64(1 << 30)
)

func fetchConfig(confMap conf.ConfMap) (config ConfigStruct, err error) {
	config.SectorSize, err = confMap.FetchOptionValueUint64("Volume", "SectorSize")
	if nil != err {
		config.SectorSize = defaultSectorSize
	}
	if (0 == config.SectorSize) || (0 != (config.SectorSize & (config.SectorSize - 1))) {
		err = blunder.NewError(blunder.InvalidArgError, "[Volume]SectorSize (%d) must be a power of 2", config.SectorSize)
		return
	}

	config.DataAreaSize, err = confMap.FetchOptionValueUint64("BlockDev", "DataAreaSize")
	if nil != err {
		config.DataAreaSize = defaultDataAreaSize
	}
	if 0 != (config.DataAreaSize % config.SectorSize) {
		err = blunder.NewError(blunder.InvalidArgError, "[BlockDev]DataAreaSize (%d) must be a multiple of SectorSize", config.DataAreaSize)
		return
	}

	config.Rotational, err = confMap.FetchOptionValueBool("BlockDev", "Rotational")
	if nil != err {
		config.Rotational = false
	}

	config.Sequential, err = confMap.FetchOptionValueBool("BlockDev", "Sequential")
	if nil != err {
		config.Sequential = false
	}

	config.WriteLatency, err = confMap.FetchOptionValueDuration("BlockDev", "WriteLatency")
	if nil != err {
		config.WriteLatency = 0
	}

	config.ImagePath, err = confMap.FetchOptionValueString("BlockDev", "ImagePath")
	if nil != err {
		config.ImagePath = ""
	}

	err = nil
	return
}
