// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/treelog/conf"
)

var (
	testHaltErr error
)

func testHalt(err error) {
	testHaltErr = err
}

func TestAPI(t *testing.T) {
	assert := assert.New(t)

	SetTestModeHaltCB(testHalt)
	defer SetTestModeHaltCB(nil)
	DisarmAll()

	assert.Equal(0, len(Dump()))
	assert.Equal(len(HaltLabelStrings), len(List()))

	testHaltErr = nil
	Arm("halter.testHaltLabel0", 1)
	if assert.Error(testHaltErr) {
		assert.Equal("halter.Arm(haltLabelString='halter.testHaltLabel0',) - label unknown", testHaltErr.Error())
	}

	testHaltErr = nil
	Arm("halter.testHaltLabel1", 0)
	if assert.Error(testHaltErr) {
		assert.Equal("halter.Arm(haltLabel==halter.testHaltLabel1,) called with haltAfterCount==0", testHaltErr.Error())
	}

	Arm("halter.testHaltLabel1", 1)
	Arm("halter.testHaltLabel2", 2)
	assert.Equal(map[string]uint32{"halter.testHaltLabel1": 1, "halter.testHaltLabel2": 2}, Dump())

	testHaltErr = nil
	Disarm("halter.testHaltLabel0")
	if assert.Error(testHaltErr) {
		assert.Equal("halter.Disarm(haltLabelString='halter.testHaltLabel0') - label unknown", testHaltErr.Error())
	}

	Disarm("halter.testHaltLabel1")
	assert.Equal(map[string]uint32{"halter.testHaltLabel2": 2}, Dump())

	testHaltErr = nil
	Trigger(apiTestHaltLabel2)
	assert.NoError(testHaltErr)
	assert.Equal(map[string]uint32{"halter.testHaltLabel2": 1}, Dump())

	Trigger(apiTestHaltLabel2)
	if assert.Error(testHaltErr) {
		assert.Equal("halter.TriggerArm(haltLabelString==halter.testHaltLabel2) triggered HALT", testHaltErr.Error())
	}
	assert.Equal(0, len(Dump()))

	testHaltErr = nil
	Trigger(apiTestHaltLabel2)
	assert.NoError(testHaltErr)
}

func TestHaltPanicRecovery(t *testing.T) {
	type haltSentinel struct{ err error }

	assert := assert.New(t)

	SetTestModeHaltCB(func(err error) { panic(haltSentinel{err}) })
	defer SetTestModeHaltCB(nil)
	DisarmAll()

	Arm("treelog.ReplayStage1Done", 1)

	recovered := func() (r interface{}) {
		defer func() { r = recover() }()
		Trigger(TreeLogReplayStage0Done)
		Trigger(TreeLogReplayStage1Done)
		return
	}()

	if assert.IsType(haltSentinel{}, recovered) {
		assert.Contains(recovered.(haltSentinel).err.Error(), "treelog.ReplayStage1Done")
	}

	// The package lock must not be left held by a halt
	Arm("fs.CommitBeforeSuper", 3)
	assert.Equal(map[string]uint32{"fs.CommitBeforeSuper": 3}, Dump())
	DisarmAll()
}

func TestArmedTriggersFromConf(t *testing.T) {
	assert := assert.New(t)

	confMap, err := conf.MakeConfMapFromStrings([]string{
		"Halter.ArmedTriggers=treelog.SyncLogBeforeSuper:2,fs.CommitBeforeSuper:1",
	})
	assert.NoError(err)

	assert.NoError(transitionsCallbackInterface.Up(confMap))
	assert.Equal(map[string]uint32{"treelog.SyncLogBeforeSuper": 2, "fs.CommitBeforeSuper": 1}, Dump())
	assert.NoError(transitionsCallbackInterface.Down(confMap))
	assert.Equal(0, len(Dump()))

	_, _, err = parseArmedTrigger("noCount")
	assert.Error(err)
}
