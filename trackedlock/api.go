// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync"
)

/*

 * The trackedlock package provides implementations of the sync.Mutex and
 * sync.RWMutex interfaces that add lock hold tracking.
 *
 * If lock tracking is enabled, the hold time is checked when a lock is
 * released.  If it was held longer than "LockHoldTimeLimit" a warning is
 * logged along with the stack trace of the goroutine that acquired it.  In
 * addition, a daemon, the trackedlock watcher, periodically looks at the locks
 * currently held and reports those that have been held too long (up to
 * "LockWatcherLocksLogged" of them, longest first).
 *
 * The config variable "TrackedLock.LockHoldTimeLimit" is the hold time that
 * triggers warning messages being logged.  If it is 0 then locks are not
 * tracked and the overhead of this package is minimal.
 *
 * The config variable "TrackedLock.LockCheckPeriod" is how often the watcher
 * checks held locks.  If it is 0 then no watcher is started.
 *
 * trackedlock locks can be used before this package is brought Up, but they
 * will not be tracked until the first lock operation after that.
 *
 * Both Mutex and RWMutex satisfy sync.Locker and so may back a sync.Cond.
 */

// Mutex wraps sync.Mutex to add tracking of lock hold time and the stack
// trace of the locker.
//
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      lockTrackStruct
}

// RWMutex wraps sync.RWMutex to add tracking of lock hold time and the stack
// trace of the locker(s).
//
type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	tracker        lockTrackStruct // holder in exclusive mode
	sharedLock     sync.Mutex      // protects sharedTrackers

	sharedTrackers map[uint64]*lockTrackStruct // goroutine ID -> holder in shared mode
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()

	m.tracker.lockTrack(m, "Lock()")
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack(m, "Unlock()")

	m.wrappedMutex.Unlock()
}

func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()

	m.tracker.lockTrack(m, "Lock()")
}

func (m *RWMutex) Unlock() {
	m.tracker.unlockTrack(m, "Unlock()")

	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()

	m.rLockTrack()
}

func (m *RWMutex) RUnlock() {
	m.rUnlockTrack()

	m.wrappedRWMutex.RUnlock()
}

// RLocker returns a sync.Locker that acquires m in shared mode.
func (m *RWMutex) RLocker() sync.Locker {
	return (*rlocker)(m)
}

type rlocker RWMutex

func (r *rlocker) Lock()   { (*RWMutex)(r).RLock() }
func (r *rlocker) Unlock() { (*RWMutex)(r).RUnlock() }
