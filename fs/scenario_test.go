// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/halter"
)

func TestFsyncFileSurvivesCrash(t *testing.T) {
	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Mkdir("/a", 0o755)
	require.NoError(t, err)
	_, err = volume.Create("/a/b", 0o644)
	require.NoError(t, err)
	data := testPattern(2*4096+17, 4)
	require.NoError(t, volume.Write("/a/b", 0, data))

	_, err = volume.Fsync("/a/b")
	require.NoError(t, err)

	volume = testCrash(t, volume, t.Name())

	stat, err := volume.Stat("/a/b")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stat.NLink)
	assert.Equal(t, uint64(len(data)), stat.Size)

	buf, err := volume.Read("/a/b", 0, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	require.NoError(t, volume.Unmount())
}

func TestUnsyncedCreateLost(t *testing.T) {
	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Create("/kept", 0o644)
	require.NoError(t, err)
	require.NoError(t, volume.Sync())

	_, err = volume.Create("/lost", 0o644)
	require.NoError(t, err)

	volume = testCrash(t, volume, t.Name())

	assert.Equal(t, []string{"kept"}, testNames(t, volume, "/"))

	require.NoError(t, volume.Unmount())
}

func TestLinkUnlinkFsyncDir(t *testing.T) {
	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Mkdir("/a", 0o755)
	require.NoError(t, err)
	fIno, err := volume.Create("/a/f", 0o644)
	require.NoError(t, err)
	require.NoError(t, volume.Sync())

	require.NoError(t, volume.Link("/a/f", "/a/g"))
	require.NoError(t, volume.Unlink("/a/f"))

	_, err = volume.Fsync("/a")
	require.NoError(t, err)

	volume = testCrash(t, volume, t.Name())

	assert.Equal(t, []string{"g"}, testNames(t, volume, "/a"))

	stat, err := volume.Stat("/a/g")
	require.NoError(t, err)
	assert.Equal(t, fIno, stat.Ino)
	assert.Equal(t, uint32(1), stat.NLink)

	require.NoError(t, volume.Unmount())
}

func TestRenameThenRecreateName(t *testing.T) {
	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Mkdir("/foo", 0o755)
	require.NoError(t, err)
	_, err = volume.Create("/foo/x", 0o644)
	require.NoError(t, err)
	data := testPattern(4096, 8)
	require.NoError(t, volume.Write("/foo/x", 0, data))

	_, err = volume.Fsync("/foo/x")
	require.NoError(t, err)

	require.NoError(t, volume.Rename("/foo", "/bar"))
	_, err = volume.Mkdir("/foo", 0o755)
	require.NoError(t, err)

	_, err = volume.Fsync("/foo")
	require.NoError(t, err)

	volume = testCrash(t, volume, t.Name())

	assert.Equal(t, []string{"bar", "foo"}, testNames(t, volume, "/"))
	assert.Empty(t, testNames(t, volume, "/foo"))

	buf, err := volume.Read("/bar/x", 0, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	require.NoError(t, volume.Unmount())
}

func TestDeletionCompleteness(t *testing.T) {
	const (
		numFiles   = 8
		numDeleted = 3
	)

	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Mkdir("/d", 0o755)
	require.NoError(t, err)

	inos := make([]uint64, numFiles)
	for i := 0; i < numFiles; i++ {
		inos[i], err = volume.Create(fmt.Sprintf("/d/f%d", i), 0o644)
		require.NoError(t, err)
	}

	_, err = volume.Fsync("/d")
	require.NoError(t, err)

	for i := 0; i < numDeleted; i++ {
		require.NoError(t, volume.Unlink(fmt.Sprintf("/d/f%d", i)))
	}

	_, err = volume.Fsync("/d")
	require.NoError(t, err)

	volume = testCrash(t, volume, t.Name())

	expected := make([]string, 0, numFiles-numDeleted)
	for i := numDeleted; i < numFiles; i++ {
		expected = append(expected, fmt.Sprintf("f%d", i))
	}
	assert.Equal(t, expected, testNames(t, volume, "/d"))

	for i := 0; i < numFiles; i++ {
		if i < numDeleted {
			_, err = volume.root.Iget(inos[i])
			assert.True(t, blunder.Is(err, blunder.NotFoundError), "deleted inode %d still exists", inos[i])
			continue
		}
		stat, err := volume.Stat(fmt.Sprintf("/d/f%d", i))
		require.NoError(t, err)
		assert.Equal(t, uint32(1), stat.NLink)
	}

	require.NoError(t, volume.Unmount())
}

func TestInterruptedReplayLinkCounts(t *testing.T) {
	type haltSentinel struct{ err error }

	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Mkdir("/d", 0o755)
	require.NoError(t, err)
	_, err = volume.Create("/d/a", 0o644)
	require.NoError(t, err)
	_, err = volume.Create("/d/gone", 0o644)
	require.NoError(t, err)
	require.NoError(t, volume.Sync())

	require.NoError(t, volume.Link("/d/a", "/d/b"))
	require.NoError(t, volume.Link("/d/a", "/d/c"))
	require.NoError(t, volume.Unlink("/d/gone"))
	_, err = volume.Create("/d/n", 0o644)
	require.NoError(t, err)

	_, err = volume.Fsync("/d")
	require.NoError(t, err)
	_, err = volume.Fsync("/d/a")
	require.NoError(t, err)

	config := volume.config
	device := volume.Device()

	volume.Crash()

	halter.SetTestModeHaltCB(func(err error) { panic(haltSentinel{err}) })
	defer halter.SetTestModeHaltCB(nil)
	halter.DisarmAll()
	halter.Arm("treelog.ReplayStage2Done", 1)

	recovered := func() (r interface{}) {
		defer func() { r = recover() }()
		_, _ = Mount(config, device, t.Name())
		return
	}()

	halter.DisarmAll()

	if !assert.IsType(t, haltSentinel{}, recovered) {
		return
	}

	// The interrupted mount committed nothing
	device.Crash()

	volume, err = Mount(config, device, t.Name()+".remount")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "n"}, testNames(t, volume, "/d"))

	for _, name := range []string{"a", "b", "c", "n"} {
		stat, err := volume.Stat("/d/" + name)
		require.NoError(t, err)

		inodeRefs, err := ctree.ScanInodeRefs(volume.root.Tree, stat.Ino)
		require.NoError(t, err)

		assert.Equal(t, uint32(len(inodeRefs)), stat.NLink, "link count of /d/%s", name)
	}

	stat, err := volume.Stat("/d/a")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), stat.NLink)

	require.NoError(t, volume.Unmount())
}
