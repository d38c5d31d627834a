// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/logger"
)

func testSetup(t *testing.T, confStrings []string) (confMap conf.ConfMap, target logger.LogTarget) {
	var (
		err error
	)

	confMap, err = conf.MakeConfMapFromStrings(append([]string{
		"Logging.LogFilePath=/dev/null",
		"Logging.LogToConsole=false",
	}, confStrings...))
	require.NoError(t, err)

	err = logger.Up(confMap)
	require.NoError(t, err)

	target.Init(64)
	logger.AddLogTarget(target)

	err = transitionsCallbackInterface.Up(confMap)
	require.NoError(t, err)

	return
}

func testTeardown(t *testing.T, confMap conf.ConfMap) {
	assert.NoError(t, transitionsCallbackInterface.Down(confMap))
	assert.NoError(t, logger.Down())
}

// countEntries returns the number of captured log entries containing all of substrs
func countEntries(target logger.LogTarget, substrs ...string) (count int) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	for _, entry := range target.LogBuf.LogEntries {
		matched := true
		for _, substr := range substrs {
			if !strings.Contains(entry, substr) {
				matched = false
				break
			}
		}
		if matched && entry != "" {
			count++
		}
	}

	return
}

func TestUnlockWarning(t *testing.T) {
	var (
		m  Mutex
		rw RWMutex
	)

	confMap, target := testSetup(t, []string{
		"TrackedLock.LockHoldTimeLimit=5ms",
		"TrackedLock.LockCheckPeriod=0s",
	})
	defer testTeardown(t, confMap)

	m.Lock()
	m.Unlock()
	assert.Equal(t, 0, countEntries(target, "Unlock():"))

	m.Lock()
	time.Sleep(20 * time.Millisecond)
	m.Unlock()
	assert.Equal(t, 1, countEntries(target, "Unlock(): *trackedlock.Mutex", "stack at call to Lock()"))

	rw.Lock()
	time.Sleep(20 * time.Millisecond)
	rw.Unlock()
	assert.Equal(t, 1, countEntries(target, "Unlock(): *trackedlock.RWMutex", "stack at call to Lock()"))

	rw.RLock()
	rw.RLock()
	time.Sleep(20 * time.Millisecond)
	rw.RUnlock()
	rw.RUnlock()
	assert.Equal(t, 1, countEntries(target, "RUnlock(): *trackedlock.RWMutex", "stack at call to RLock()"))
	assert.Equal(t, 0, len(rw.sharedTrackers))
}

func TestUntrackedBeforeUp(t *testing.T) {
	var (
		m Mutex
	)

	// Locked before tracking is enabled so the Unlock() is not checked
	m.Lock()

	confMap, target := testSetup(t, []string{"TrackedLock.LockHoldTimeLimit=1ms"})
	defer testTeardown(t, confMap)

	time.Sleep(5 * time.Millisecond)
	m.Unlock()
	assert.Equal(t, 0, countEntries(target, "Unlock():"))
}

func TestWatcher(t *testing.T) {
	var (
		m  Mutex
		rw RWMutex
	)

	confMap, target := testSetup(t, []string{
		"TrackedLock.LockHoldTimeLimit=10ms",
		"TrackedLock.LockCheckPeriod=1h",
	})
	defer testTeardown(t, confMap)

	m.Lock()
	time.Sleep(15 * time.Millisecond)
	rw.RLock()
	time.Sleep(15 * time.Millisecond)

	holders := checkHeldLocks(time.Now())
	if assert.Equal(t, 2, len(holders)) {
		assert.Equal(t, "Lock()", holders[0].lockOp)
		assert.Equal(t, "RLock()", holders[1].lockOp)
	}
	assert.Equal(t, 1, countEntries(target, "trackedlock watcher: *trackedlock.Mutex", "rank 0"))
	assert.Equal(t, 1, countEntries(target, "trackedlock watcher: *trackedlock.RWMutex", "rank 1"))

	rw.RUnlock()
	m.Unlock()

	holders = checkHeldLocks(time.Now())
	assert.Equal(t, 0, len(holders))
}

func TestSignaled(t *testing.T) {
	var (
		m Mutex
	)

	confMap, target := testSetup(t, []string{"TrackedLock.LockHoldTimeLimit=0s"})
	defer testTeardown(t, confMap)

	m.Lock()
	time.Sleep(5 * time.Millisecond)
	m.Unlock()
	assert.Equal(t, 0, countEntries(target, "Unlock():"))

	err := confMap.UpdateFromString("TrackedLock.LockHoldTimeLimit=1ms")
	require.NoError(t, err)
	err = transitionsCallbackInterface.Signaled(confMap)
	require.NoError(t, err)

	m.Lock()
	time.Sleep(5 * time.Millisecond)
	m.Unlock()
	assert.Equal(t, 1, countEntries(target, "Unlock(): *trackedlock.Mutex"))
}

func TestCond(t *testing.T) {
	var (
		m     Mutex
		ready bool
		wg    sync.WaitGroup
	)

	confMap, _ := testSetup(t, []string{"TrackedLock.LockHoldTimeLimit=1s"})
	defer testTeardown(t, confMap)

	cond := sync.NewCond(&m)

	wg.Add(1)
	go func() {
		m.Lock()
		for !ready {
			cond.Wait()
		}
		m.Unlock()
		wg.Done()
	}()

	m.Lock()
	ready = true
	cond.Broadcast()
	m.Unlock()

	wg.Wait()
}
