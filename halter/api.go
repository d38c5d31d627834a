// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package halter provides named crash points. A test (or an operator) arms a
// label with a count and the Nth call to Trigger() on that label halts the
// process, or, in test mode, invokes the installed callback instead.
package halter

import (
	"fmt"
	"os"
	"syscall"
)

// Note 1: Following const block and HaltLabelStrings should be kept in sync
// Note 2: HaltLabelStrings should be easily parseable as URL components

const (
	apiTestHaltLabel1 = iota
	apiTestHaltLabel2
	TreeLogSyncLogAfterWriteOut
	TreeLogSyncLogBeforeSuper
	TreeLogReplayStage0Done
	TreeLogReplayStage1Done
	TreeLogReplayStage2Done
	TreeLogReplayStage3Done
	TreeLogReplayFixupEntry
	FsCommitBeforeSuper
)

var (
	HaltLabelStrings = []string{
		"halter.testHaltLabel1",
		"halter.testHaltLabel2",
		"treelog.SyncLogAfterWriteOut",
		"treelog.SyncLogBeforeSuper",
		"treelog.ReplayStage0Done",
		"treelog.ReplayStage1Done",
		"treelog.ReplayStage2Done",
		"treelog.ReplayStage3Done",
		"treelog.ReplayFixupEntry",
		"fs.CommitBeforeSuper",
	}
)

// Arm sets up a HALT on the haltAfterCount'd call to Trigger()
func Arm(haltLabelString string, haltAfterCount uint32) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		globals.Unlock()
		haltWithErr(fmt.Errorf("halter.Arm(haltLabelString='%v',) - label unknown", haltLabelString))
		return
	}
	if 0 == haltAfterCount {
		globals.Unlock()
		haltWithErr(fmt.Errorf("halter.Arm(haltLabel==%v,) called with haltAfterCount==0", haltLabelString))
		return
	}
	globals.armedTriggers[haltLabel] = haltAfterCount
	globals.Unlock()
}

// Disarm removes a previously armed trigger via a call to Arm()
func Disarm(haltLabelString string) {
	globals.Lock()
	haltLabel, ok := globals.triggerNamesToNumbers[haltLabelString]
	if !ok {
		globals.Unlock()
		haltWithErr(fmt.Errorf("halter.Disarm(haltLabelString='%v') - label unknown", haltLabelString))
		return
	}
	delete(globals.armedTriggers, haltLabel)
	globals.Unlock()
}

// DisarmAll removes every armed trigger
func DisarmAll() {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]uint32)
	globals.Unlock()
}

// Trigger decrements the haltAfterCount if armed and, should it reach 0, HALTs
//
// A fired trigger is disarmed before the halt callback runs so that a test
// recovering from the halt may continue to use the package.
func Trigger(haltLabel uint32) {
	globals.Lock()
	numTriggersRemaining, armed := globals.armedTriggers[haltLabel]
	if !armed {
		globals.Unlock()
		return
	}
	numTriggersRemaining--
	if 0 == numTriggersRemaining {
		delete(globals.armedTriggers, haltLabel)
		globals.Unlock()
		haltWithErr(fmt.Errorf("halter.TriggerArm(haltLabelString==%v) triggered HALT", globals.triggerNumbersToNames[haltLabel]))
		return
	}
	globals.armedTriggers[haltLabel] = numTriggersRemaining
	globals.Unlock()
}

// Dump returns a map of currently armed triggers and their remaining trigger count
func Dump() (armedTriggers map[string]uint32) {
	globals.Lock()
	defer globals.Unlock()
	armedTriggers = make(map[string]uint32)
	for k, v := range globals.armedTriggers {
		armedTriggers[globals.triggerNumbersToNames[k]] = v
	}
	return
}

// List returns a slice of available triggers
func List() (availableTriggers []string) {
	availableTriggers = make([]string, 0, len(HaltLabelStrings))
	availableTriggers = append(availableTriggers, HaltLabelStrings...)
	return
}

// SetTestModeHaltCB installs (or, given nil, removes) a callback invoked in
// place of terminating the process.
func SetTestModeHaltCB(testHalt func(err error)) {
	globals.Lock()
	globals.testModeHaltCB = testHalt
	globals.Unlock()
}

func haltWithErr(err error) {
	globals.Lock()
	testModeHaltCB := globals.testModeHaltCB
	globals.Unlock()

	if nil == testModeHaltCB {
		fmt.Println(err)
		os.Exit(int(syscall.SIGKILL))
	}

	testModeHaltCB(err)
}
