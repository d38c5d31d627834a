// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"sync"

	"github.com/google/btree"

	"github.com/NVIDIA/treelog/trackedlock"
)

const rangeLockBTreeDegree = 8

// heldRangeStruct is a locked [start, end) byte range.
//
type heldRangeStruct struct {
	start uint64
	end   uint64
}

func (heldRange *heldRangeStruct) Less(than btree.Item) bool {
	return heldRange.start < than.(*heldRangeStruct).start
}

// rangeLockStruct serializes access to overlapping byte ranges. Held ranges
// never overlap one another, so the only candidate for overlapping [start,
// end) below start is the held range starting just before it.
//
type rangeLockStruct struct {
	mutex   trackedlock.Mutex
	cond    *sync.Cond
	held    *btree.BTree // of *heldRangeStruct keyed by start
	waiters uint64
}

func newRangeLock() (rangeLock *rangeLockStruct) {
	rangeLock = &rangeLockStruct{
		held: btree.New(rangeLockBTreeDegree),
	}
	rangeLock.cond = sync.NewCond(&rangeLock.mutex)
	return
}

// overlaps reports whether [start, end) overlaps a held range. The caller
// holds rangeLock.mutex.
func (rangeLock *rangeLockStruct) overlaps(start uint64, end uint64) (overlap bool) {
	rangeLock.held.DescendLessOrEqual(&heldRangeStruct{start: start}, func(item btree.Item) bool {
		overlap = item.(*heldRangeStruct).end > start
		return false
	})
	if overlap {
		return
	}
	rangeLock.held.AscendGreaterOrEqual(&heldRangeStruct{start: start}, func(item btree.Item) bool {
		overlap = item.(*heldRangeStruct).start < end
		return false
	})
	return
}

// lock blocks until no held range overlaps [start, end) and then holds it.
// It reports whether it had to wait.
func (rangeLock *rangeLockStruct) lock(start uint64, end uint64) (waited bool) {
	rangeLock.mutex.Lock()
	for rangeLock.overlaps(start, end) {
		waited = true
		rangeLock.waiters++
		rangeLock.cond.Wait()
		rangeLock.waiters--
	}
	rangeLock.held.ReplaceOrInsert(&heldRangeStruct{start: start, end: end})
	rangeLock.mutex.Unlock()
	return
}

// unlock releases [start, end) as locked by lock().
func (rangeLock *rangeLockStruct) unlock(start uint64) {
	rangeLock.mutex.Lock()
	rangeLock.held.Delete(&heldRangeStruct{start: start})
	if 0 != rangeLock.waiters {
		rangeLock.cond.Broadcast()
	}
	rangeLock.mutex.Unlock()
}
