// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package statslogger

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/treelog/conf"
)

func TestSimpleStats(t *testing.T) {
	var (
		simpleStats SimpleStats
	)

	assert := assert.New(t)

	simpleStats.Clear()
	assert.Equal(int64(0), simpleStats.Mean())

	simpleStats.Sample(4)
	simpleStats.Sample(2)
	simpleStats.Sample(9)

	assert.Equal(int64(2), simpleStats.Min())
	assert.Equal(int64(9), simpleStats.Max())
	assert.Equal(int64(5), simpleStats.Mean())
	assert.Equal(int64(3), simpleStats.Samples())
	assert.Equal(int64(15), simpleStats.Total())
}

func TestUpDown(t *testing.T) {
	var (
		samples int64
	)

	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{"StatsLogger.Period=0s"})
	assert.NoError(err)
	assert.NoError(globals.Up(confMap))
	assert.Nil(globals.stopChan)
	assert.NoError(globals.Down(confMap))

	SetPendingSampler(func() int64 { return atomic.AddInt64(&samples, 1) })
	defer SetPendingSampler(nil)

	err = confMap.UpdateFromString("StatsLogger.Period=1s")
	assert.NoError(err)
	assert.NoError(globals.Signaled(confMap))

	time.Sleep(1500 * time.Millisecond)

	assert.NoError(globals.Down(confMap))
	assert.True(atomic.LoadInt64(&samples) >= 2)
}
