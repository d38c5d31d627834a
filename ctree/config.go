// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/conf"
)

const (
	defaultSectorSize          = uint64(4096)
	defaultMaxKeysPerNode      = uint64(64)
	defaultMaxRefItemSize      = uint64(1024)
	defaultCacheEvictLowLimit  = uint64(1024)
	defaultCacheEvictHighLimit = uint64(1280)
)

// ConfigStruct is filled from the [Volume] section.
//
type ConfigStruct struct {
	SectorSize          uint64 // [Volume] SectorSize
	MaxKeysPerNode      uint64 // [Volume] MaxKeysPerNode; must be even
	MaxRefItemSize      uint64 // [Volume] MaxRefItemSize; an InodeRef item never grows beyond this
	DelayedDirIndex     bool   // [Volume] DelayedDirIndex; DirIndex changes are held in memory until commit
	NoHoles             bool   // [Volume] NoHoles; holes are not recorded as ExtentData items
	CacheEvictLowLimit  uint64 // [Volume] CacheEvictLowLimit; nodes
	CacheEvictHighLimit uint64 // [Volume] CacheEvictHighLimit; nodes
}

// FetchConfig reads [Volume] options, defaulting any that are missing.
func FetchConfig(confMap conf.ConfMap) (config ConfigStruct, err error) {
	config.SectorSize, err = confMap.FetchOptionValueUint64("Volume", "SectorSize")
	if nil != err {
		config.SectorSize = defaultSectorSize
	}

	config.MaxKeysPerNode, err = confMap.FetchOptionValueUint64("Volume", "MaxKeysPerNode")
	if nil != err {
		config.MaxKeysPerNode = defaultMaxKeysPerNode
	}

	config.MaxRefItemSize, err = confMap.FetchOptionValueUint64("Volume", "MaxRefItemSize")
	if nil != err {
		config.MaxRefItemSize = defaultMaxRefItemSize
	}

	config.DelayedDirIndex, err = confMap.FetchOptionValueBool("Volume", "DelayedDirIndex")
	if nil != err {
		config.DelayedDirIndex = false
	}

	config.NoHoles, err = confMap.FetchOptionValueBool("Volume", "NoHoles")
	if nil != err {
		config.NoHoles = true
	}

	config.CacheEvictLowLimit, err = confMap.FetchOptionValueUint64("Volume", "CacheEvictLowLimit")
	if nil != err {
		config.CacheEvictLowLimit = defaultCacheEvictLowLimit
	}

	config.CacheEvictHighLimit, err = confMap.FetchOptionValueUint64("Volume", "CacheEvictHighLimit")
	if nil != err {
		config.CacheEvictHighLimit = defaultCacheEvictHighLimit
	}

	err = config.validate()

	return
}

// validate also fills in defaults for zero values so that a ConfigStruct{}
// literal is usable.
func (config *ConfigStruct) validate() (err error) {
	if 0 == config.SectorSize {
		config.SectorSize = defaultSectorSize
	}
	if 0 != (config.SectorSize & (config.SectorSize - 1)) {
		err = blunder.NewError(blunder.InvalidArgError, "[Volume]SectorSize (%d) must be a power of 2", config.SectorSize)
		return
	}
	if 0 == config.MaxKeysPerNode {
		config.MaxKeysPerNode = defaultMaxKeysPerNode
	}
	if (4 > config.MaxKeysPerNode) || (0 != (config.MaxKeysPerNode % 2)) {
		err = blunder.NewError(blunder.InvalidArgError, "[Volume]MaxKeysPerNode (%d) must be even and at least 4", config.MaxKeysPerNode)
		return
	}
	if 0 == config.MaxRefItemSize {
		config.MaxRefItemSize = defaultMaxRefItemSize
	}
	if 0 == config.CacheEvictHighLimit {
		config.CacheEvictLowLimit = defaultCacheEvictLowLimit
		config.CacheEvictHighLimit = defaultCacheEvictHighLimit
	}
	if config.CacheEvictLowLimit > config.CacheEvictHighLimit {
		err = blunder.NewError(blunder.InvalidArgError, "[Volume]CacheEvictLowLimit (%d) exceeds CacheEvictHighLimit (%d)", config.CacheEvictLowLimit, config.CacheEvictHighLimit)
		return
	}

	return
}
