// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/conf"
)

func testNestedFunc() {
	myint := 3
	ctx := TraceEnter("the prefix", 1, myint)
	defer ctx.TraceExit("the prefix", myint)
}

func TestAPI(t *testing.T) {
	var (
		target LogTarget
	)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.TraceLevelLogging=logger",
	})
	require.NoError(t, err)

	err = Up(confMap)
	require.NoError(t, err)

	target.Init(10)
	AddLogTarget(target)

	Tracef("hello there!")
	assert.Equal(t, 1, target.LogBuf.TotalEntries)
	assert.Contains(t, target.LogBuf.LogEntries[0], "hello there!")
	assert.Contains(t, target.LogBuf.LogEntries[0], "package=logger")
	assert.Contains(t, target.LogBuf.LogEntries[0], "function=TestAPI")

	Warnf("%v: %v", "IAmTheCaller", "this is the error")
	assert.Contains(t, target.LogBuf.LogEntries[0], "level=warning")

	err = fmt.Errorf("this is the error")
	ErrorfWithError(err, "we had an error!")
	assert.Contains(t, target.LogBuf.LogEntries[0], "error=\"this is the error\"")

	testNestedFunc()
	assert.Contains(t, target.LogBuf.LogEntries[1], ">> called the prefix 1 3")
	assert.Contains(t, target.LogBuf.LogEntries[0], "<< returning the prefix 3")

	DebugfID(DbgTesting, "not enabled")
	assert.Equal(t, 5, target.LogBuf.TotalEntries)

	err = Down()
	assert.NoError(t, err)
}
