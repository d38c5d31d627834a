// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/treelog"
)

func TestAtMostOneCommitter(t *testing.T) {
	const (
		numFiles  = 16
		numRounds = 4
	)

	var (
		fullCommits uint64
		fullMutex   sync.Mutex
		wg          sync.WaitGroup
	)

	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Mkdir("/d", 0o755)
	require.NoError(t, err)
	for i := 0; i < numFiles; i++ {
		_, err = volume.Create(fmt.Sprintf("/d/f%d", i), 0o644)
		require.NoError(t, err)
	}
	require.NoError(t, volume.Sync())

	errChan := make(chan error, numFiles*numRounds)

	for i := 0; i < numFiles; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/d/f%d", i)
			for round := 0; round < numRounds; round++ {
				err := volume.Write(path, uint64(round)*4096, testPattern(4096, byte(i+round)))
				if nil != err {
					errChan <- err
					return
				}
				fullCommit, err := volume.Fsync(path)
				if nil != err {
					errChan <- err
					return
				}
				if fullCommit {
					fullMutex.Lock()
					fullCommits++
					fullMutex.Unlock()
				}
			}
		}(i)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		require.NoError(t, err)
	}

	fsyncs := uint64(numFiles * numRounds)
	logged := volume.stats.FsyncLogged.TotalGet()

	assert.Equal(t, fsyncs, logged+volume.stats.FsyncNoops.TotalGet()+volume.stats.FsyncFullCommits.TotalGet())
	assert.Equal(t, fullCommits, volume.stats.FsyncFullCommits.TotalGet())

	// Every log transaction was written out by exactly one of the fsync()s
	// it served
	logCommits := volume.engine.LogCommitHistory()
	writeOuts := make(map[treelog.LogCommitStruct]int)
	logRootCommits := uint64(0)
	for _, logCommit := range logCommits {
		writeOuts[logCommit]++
		if logCommit.LogRoot {
			logRootCommits++
		}
	}
	for logCommit, count := range writeOuts {
		assert.Equal(t, 1, count, "log transaction %+v written out %d times", logCommit, count)
	}
	assert.Equal(t, volume.engine.LogCommits(), logRootCommits)
	assert.LessOrEqual(t, volume.engine.LogCommits(), logged)
	if 0 != logged {
		assert.NotEmpty(t, logCommits)
	}

	volume = testCrash(t, volume, t.Name())

	for i := 0; i < numFiles; i++ {
		path := fmt.Sprintf("/d/f%d", i)
		buf, err := volume.Read(path, 0, numRounds*4096)
		require.NoError(t, err)
		require.Equal(t, numRounds*4096, len(buf), "size of %s", path)
		for round := 0; round < numRounds; round++ {
			assert.Equal(t, testPattern(4096, byte(i+round)), buf[round*4096:(round+1)*4096], "round %d of %s", round, path)
		}
	}

	require.NoError(t, volume.Unmount())
}

func TestConcurrentNamespaceAndSync(t *testing.T) {
	const (
		numWorkers = 8
		numFiles   = 10
	)

	var (
		wg sync.WaitGroup
	)

	volume := testVolume(t, ConfigStruct{})

	errChan := make(chan error, numWorkers*numFiles*3)

	for w := 0; w < numWorkers; w++ {
		_, err := volume.Mkdir(fmt.Sprintf("/w%d", w), 0o755)
		require.NoError(t, err)
	}

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < numFiles; i++ {
				path := fmt.Sprintf("/w%d/f%d", w, i)
				_, err := volume.Create(path, 0o644)
				if nil == err {
					err = volume.Write(path, 0, testPattern(100, byte(w)))
				}
				if nil == err {
					_, err = volume.Fsync(path)
				}
				if (nil == err) && (0 == i%3) {
					err = volume.Unlink(path)
				}
				if (nil == err) && (0 == i%4) {
					err = volume.Sync()
				}
				if nil != err {
					errChan <- err
					return
				}
			}
		}(w)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		require.NoError(t, err)
	}

	_, err := volume.Fsync("/")
	require.NoError(t, err)
	for w := 0; w < numWorkers; w++ {
		_, err = volume.Fsync(fmt.Sprintf("/w%d", w))
		require.NoError(t, err)
	}

	volume = testCrash(t, volume, t.Name())

	for w := 0; w < numWorkers; w++ {
		expected := make([]string, 0)
		for i := 0; i < numFiles; i++ {
			if 0 != i%3 {
				expected = append(expected, fmt.Sprintf("f%d", i))
			}
		}
		assert.ElementsMatch(t, expected, testNames(t, volume, fmt.Sprintf("/w%d", w)))
	}

	require.NoError(t, volume.Unmount())
}
