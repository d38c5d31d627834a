// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package treelog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRangeLockDisjoint(t *testing.T) {
	rangeLock := newRangeLock()

	assert.False(t, rangeLock.lock(0, 10))
	assert.False(t, rangeLock.lock(10, 20))
	assert.False(t, rangeLock.lock(30, 40))

	rangeLock.unlock(10)
	assert.False(t, rangeLock.lock(15, 30))

	rangeLock.unlock(0)
	rangeLock.unlock(15)
	rangeLock.unlock(30)
	assert.Equal(t, 0, rangeLock.held.Len())
}

func TestRangeLockOverlapWaits(t *testing.T) {
	rangeLock := newRangeLock()

	assert.False(t, rangeLock.lock(100, 200))

	waitedChan := make(chan bool)

	go func() {
		waited := rangeLock.lock(150, 250)
		rangeLock.unlock(150)
		waitedChan <- waited
	}()

	select {
	case <-waitedChan:
		t.Fatal("overlapping lock was granted while the range was held")
	case <-time.After(50 * time.Millisecond):
	}

	rangeLock.unlock(100)

	assert.True(t, <-waitedChan)
	assert.Equal(t, 0, rangeLock.held.Len())
}
