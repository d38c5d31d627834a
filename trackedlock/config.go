// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"
	"time"

	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/transitions"
)

const (
	defaultLockWatcherLocksLogged = 16
)

type transitionsCallbackInterfaceStruct struct{}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

// Register trackedlock with transitions so that Up()/Signaled()/Down() are
// called at the appropriate times.
//
func init() {
	transitions.Register("trackedlock", &transitionsCallbackInterface)
}

func parseConfMap(confMap conf.ConfMap) (lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration, locksLogged int) {
	var (
		err           error
		locksLogged32 uint32
	)

	lockHoldTimeLimit, err = confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		lockHoldTimeLimit = 0
	}

	lockCheckPeriod, err = confMap.FetchOptionValueDuration("TrackedLock", "LockCheckPeriod")
	if nil != err {
		lockCheckPeriod = 0
	}

	locksLogged32, err = confMap.FetchOptionValueUint32("TrackedLock", "LockWatcherLocksLogged")
	if (nil != err) || (0 == locksLogged32) {
		locksLogged32 = defaultLockWatcherLocksLogged
	}
	locksLogged = int(locksLogged32)

	return
}

// Up starts tracking (and, if a LockCheckPeriod is set, watching) locks.
func (dummy *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	start(parseConfMap(confMap))
	return nil
}

// Signaled applies a changed [TrackedLock] configuration.
func (dummy *transitionsCallbackInterfaceStruct) Signaled(confMap conf.ConfMap) (err error) {
	lockHoldTimeLimit, lockCheckPeriod, locksLogged := parseConfMap(confMap)

	oldLockHoldTimeLimit := time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))

	if (oldLockHoldTimeLimit == lockHoldTimeLimit) &&
		(globals.lockCheckPeriod == lockCheckPeriod) &&
		(globals.lockWatcherLocksLogged == locksLogged) {
		return nil
	}

	logger.Infof("trackedlock lock hold time limit/lock check period changing from %v/%v to %v/%v",
		oldLockHoldTimeLimit, globals.lockCheckPeriod, lockHoldTimeLimit, lockCheckPeriod)

	stop()
	start(lockHoldTimeLimit, lockCheckPeriod, locksLogged)

	return nil
}

// Down stops the watcher and disables tracking.
func (dummy *transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	stop()
	atomic.StoreInt64(&globals.lockHoldTimeLimit, 0)
	return nil
}

func start(lockHoldTimeLimit time.Duration, lockCheckPeriod time.Duration, locksLogged int) {
	logger.Infof("trackedlock.Up(): LockHoldTimeLimit %v LockCheckPeriod %v", lockHoldTimeLimit, lockCheckPeriod)

	atomic.StoreInt64(&globals.lockHoldTimeLimit, int64(lockHoldTimeLimit))
	globals.lockCheckPeriod = lockCheckPeriod
	globals.lockWatcherLocksLogged = locksLogged

	if (0 == lockCheckPeriod) || (0 == lockHoldTimeLimit) {
		return
	}

	globals.heldMapMutex.Lock()
	globals.heldMap = make(map[*lockTrackStruct]*heldLockStruct)
	globals.watching = true
	globals.heldMapMutex.Unlock()

	globals.stopChan = make(chan struct{})
	globals.doneChan = make(chan struct{})
	globals.lockCheckTicker = time.NewTicker(lockCheckPeriod)

	go lockWatcher(globals.lockCheckTicker.C)
}

func stop() {
	if nil == globals.lockCheckTicker {
		return
	}

	globals.lockCheckTicker.Stop()
	globals.lockCheckTicker = nil
	globals.stopChan <- struct{}{}
	<-globals.doneChan

	globals.heldMapMutex.Lock()
	globals.heldMap = make(map[*lockTrackStruct]*heldLockStruct)
	globals.watching = false
	globals.heldMapMutex.Unlock()
}
