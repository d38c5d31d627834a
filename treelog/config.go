// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/logger"
)

const (
	defaultMaxConflictInodes = uint64(10)
	defaultLogBatchDelay     = time.Millisecond
	defaultDirIndexBatch     = uint64(195)
	defaultLogCopyBatch      = uint64(64)
)

// ConfigStruct is filled from the [TreeLog] section.
//
type ConfigStruct struct {
	MaxConflictInodes uint64        // [TreeLog] MaxConflictInodes; beyond this a full commit is forced
	LogBatchDelay     time.Duration // [TreeLog] LogBatchDelay; rotational devices with several fsync()ers
	DirIndexBatch     uint64        // [TreeLog] DirIndexBatch; DirIndex items per InsertBatch()
	LogCopyBatch      uint64        // [TreeLog] LogCopyBatch; items cloned per CloneRange()
	MixedBlockGroups  bool          // [TreeLog] MixedBlockGroups; exclude logged data extents before replay
	NoTreeLog         bool          // [TreeLog] NoTreeLog; every fsync() is a full commit
}

// FetchConfig reads [TreeLog] options, defaulting any that are missing.
func FetchConfig(confMap conf.ConfMap) (config ConfigStruct, err error) {
	config.MaxConflictInodes, err = confMap.FetchOptionValueUint64("TreeLog", "MaxConflictInodes")
	if nil != err {
		config.MaxConflictInodes = defaultMaxConflictInodes
	}

	config.LogBatchDelay, err = confMap.FetchOptionValueDuration("TreeLog", "LogBatchDelay")
	if nil != err {
		config.LogBatchDelay = defaultLogBatchDelay
	}

	config.DirIndexBatch, err = confMap.FetchOptionValueUint64("TreeLog", "DirIndexBatch")
	if nil != err {
		config.DirIndexBatch = defaultDirIndexBatch
	}

	config.LogCopyBatch, err = confMap.FetchOptionValueUint64("TreeLog", "LogCopyBatch")
	if nil != err {
		config.LogCopyBatch = defaultLogCopyBatch
	}

	config.MixedBlockGroups, err = confMap.FetchOptionValueBool("TreeLog", "MixedBlockGroups")
	if nil != err {
		config.MixedBlockGroups = false
	}

	config.NoTreeLog, err = confMap.FetchOptionValueBool("TreeLog", "NoTreeLog")
	if nil != err {
		config.NoTreeLog = false
	}

	err = config.validate()

	return
}

// validate fills in defaults for zero values so that a ConfigStruct{}
// literal is usable.
func (config *ConfigStruct) validate() (err error) {
	if 0 == config.MaxConflictInodes {
		config.MaxConflictInodes = defaultMaxConflictInodes
	}
	if 0 == config.DirIndexBatch {
		config.DirIndexBatch = defaultDirIndexBatch
	}
	if 0 == config.LogCopyBatch {
		config.LogCopyBatch = defaultLogCopyBatch
	}
	if 0 > config.LogBatchDelay {
		err = blunder.NewError(blunder.InvalidArgError, "[TreeLog]LogBatchDelay (%v) must not be negative", config.LogBatchDelay)
	}
	return
}

func newEngine(fsInfo *ctree.FsInfoStruct, config ConfigStruct) (engine *Engine, err error) {
	err = config.validate()
	if nil != err {
		return
	}

	engine = &Engine{
		config:        config,
		fsInfo:        fsInfo,
		logTrees:      sortedmap.NewLLRBTree(sortedmap.CompareUint64, nil),
		csumRangeLock: newRangeLock(),
		stats:         &statsStruct{},
	}

	engine.logRoot = newLogTree(nil, 0)

	bucketstats.Register("treelog", fsInfo.StatsGroupName, engine.stats)

	fsInfo.SetLogHooks(engine)

	logger.Tracef("treelog engine up for %s (NoTreeLog=%v MixedBlockGroups=%v)", fsInfo.StatsGroupName, config.NoTreeLog, config.MixedBlockGroups)

	return
}
