// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/utils"
)

type globalsStruct struct {
	lockHoldTimeLimit      int64 // time.Duration accessed atomically; 0 disables tracking
	lockCheckPeriod        time.Duration
	lockWatcherLocksLogged int

	// heldMapMutex protects heldMap and watching
	heldMapMutex sync.Mutex
	heldMap      map[*lockTrackStruct]*heldLockStruct
	watching     bool

	lockCheckTicker *time.Ticker
	stopChan        chan struct{}
	doneChan        chan struct{}
}

var globals globalsStruct

// stackTraceBufSize bounds the stack captured at each tracked lock
const stackTraceBufSize = 4040

var stackTraceBufPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, stackTraceBufSize)
	},
}

// lockTrackStruct describes the current holder of a lock (or, for an RWMutex
// held shared, one of its holders).
type lockTrackStruct struct {
	lockTime  time.Time // zero if not tracked
	lockerGID uint64
	lockStack []byte // from stackTraceBufPool
	lockOp    string
}

type heldLockStruct struct {
	lockPtr interface{}
}

func lockHoldTimeLimit() time.Duration {
	return time.Duration(atomic.LoadInt64(&globals.lockHoldTimeLimit))
}

func (lt *lockTrackStruct) lockTrack(lockPtr interface{}, lockOp string) {
	if 0 == lockHoldTimeLimit() {
		lt.lockTime = time.Time{}
		return
	}

	buf := stackTraceBufPool.Get().([]byte)
	lt.lockStack = buf[:runtime.Stack(buf, false)]
	lt.lockerGID = utils.GetGID()
	lt.lockOp = lockOp
	lt.lockTime = time.Now()

	globals.heldMapMutex.Lock()
	if globals.watching {
		globals.heldMap[lt] = &heldLockStruct{lockPtr: lockPtr}
	}
	globals.heldMapMutex.Unlock()
}

func (lt *lockTrackStruct) unlockTrack(lockPtr interface{}, unlockOp string) {
	if lt.lockTime.IsZero() {
		return
	}

	globals.heldMapMutex.Lock()
	delete(globals.heldMap, lt)
	globals.heldMapMutex.Unlock()

	limit := lockHoldTimeLimit()
	held := time.Since(lt.lockTime)
	if 0 != limit && held >= limit {
		logger.Warnf("%s: %T at %p locked for %f sec; stack at call to %s:\n%s",
			unlockOp, lockPtr, lockPtr, held.Seconds(), lt.lockOp, string(lt.lockStack))
	}

	stackTraceBufPool.Put(lt.lockStack[:cap(lt.lockStack)])
	lt.lockStack = nil
	lt.lockTime = time.Time{}
}

// rLockTrack records this goroutine as a shared holder of m.
func (m *RWMutex) rLockTrack() {
	if 0 == lockHoldTimeLimit() {
		return
	}

	lt := &lockTrackStruct{}
	lt.lockTrack(m, "RLock()")

	m.sharedLock.Lock()
	if nil == m.sharedTrackers {
		m.sharedTrackers = make(map[uint64]*lockTrackStruct)
	}
	prior, ok := m.sharedTrackers[lt.lockerGID]
	m.sharedTrackers[lt.lockerGID] = lt
	m.sharedLock.Unlock()

	// A recursive RLock() by the same goroutine keeps the newer record
	if ok {
		prior.unlockTrack(m, "RLock()")
	}
}

// rUnlockTrack finds the shared holder record of the calling goroutine. An
// RLock() taken before tracking was enabled (or by another goroutine) has no
// record and is silently ignored.
func (m *RWMutex) rUnlockTrack() {
	m.sharedLock.Lock()
	if 0 == len(m.sharedTrackers) {
		m.sharedLock.Unlock()
		return
	}
	gid := utils.GetGID()
	lt, ok := m.sharedTrackers[gid]
	if ok {
		delete(m.sharedTrackers, gid)
	}
	m.sharedLock.Unlock()

	if ok {
		lt.unlockTrack(m, "RUnlock()")
	}
}

type longLockHolderStruct struct {
	lockPtr   interface{}
	lockTime  time.Time
	lockerGID uint64
	lockOp    string
	lockStack string
}

// checkHeldLocks reports, longest first, locks held beyond the limit.
func checkHeldLocks(now time.Time) (longLockHolders []*longLockHolderStruct) {
	limit := lockHoldTimeLimit()
	if 0 == limit {
		return
	}

	globals.heldMapMutex.Lock()
	for lt, held := range globals.heldMap {
		if now.Sub(lt.lockTime) < limit {
			continue
		}
		longLockHolders = append(longLockHolders, &longLockHolderStruct{
			lockPtr:   held.lockPtr,
			lockTime:  lt.lockTime,
			lockerGID: lt.lockerGID,
			lockOp:    lt.lockOp,
			lockStack: string(lt.lockStack),
		})
	}
	globals.heldMapMutex.Unlock()

	sort.Slice(longLockHolders, func(i, j int) bool {
		return longLockHolders[i].lockTime.Before(longLockHolders[j].lockTime)
	})
	if len(longLockHolders) > globals.lockWatcherLocksLogged {
		longLockHolders = longLockHolders[:globals.lockWatcherLocksLogged]
	}

	for rank, holder := range longLockHolders {
		logger.Warnf("trackedlock watcher: %T at %p locked for %f sec rank %d by goroutine %d; stack at call to %s:\n%s",
			holder.lockPtr, holder.lockPtr, now.Sub(holder.lockTime).Seconds(), rank,
			holder.lockerGID, holder.lockOp, holder.lockStack)
	}

	return
}

func lockWatcher(tickChan <-chan time.Time) {
	for {
		select {
		case <-globals.stopChan:
			logger.Infof("trackedlock lock watcher shutting down")
			globals.doneChan <- struct{}{}
			return
		case now := <-tickChan:
			_ = checkHeldLocks(now)
		}
	}
}
