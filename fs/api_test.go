// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/ilayout"
)

func testVolume(t *testing.T, config ConfigStruct) (volume *VolumeStruct) {
	var (
		err error
	)

	device := blockdev.New(blockdev.ConfigStruct{DataAreaSize: 64 << 20}, t.Name())
	t.Cleanup(func() { device.Close(t.Name()) })

	volume, err = Format(config, device, t.Name())
	require.NoError(t, err)

	return
}

// testCrash power fails the volume and mounts it again under name.
func testCrash(t *testing.T, volume *VolumeStruct, name string) (remounted *VolumeStruct) {
	var (
		err error
	)

	volume.Crash()

	remounted, err = Mount(volume.config, volume.device, name)
	require.NoError(t, err)

	return
}

func testPattern(n int, seed byte) (buf []byte) {
	buf = make([]byte, n)
	for i := range buf {
		buf[i] = seed + byte(i%251)
	}
	return
}

func testNames(t *testing.T, volume *VolumeStruct, path string) (names []string) {
	dirEntries, err := volume.ReadDir(path)
	require.NoError(t, err)

	names = make([]string, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		names = append(names, dirEntry.Name)
	}

	return
}

func TestFetchConfig(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings([]string{
		"TreeLog.NoTreeLog=true",
		"TreeLog.MaxConflictInodes=3",
		"Volume.DelayedDirIndex=true",
	})
	require.NoError(t, err)

	config, err := FetchConfig(confMap)
	require.NoError(t, err)

	assert.True(t, config.TreeLog.NoTreeLog)
	assert.Equal(t, uint64(3), config.TreeLog.MaxConflictInodes)
	assert.True(t, config.Volume.DelayedDirIndex)
}

func TestNamespace(t *testing.T) {
	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Mkdir("/d", 0o755)
	require.NoError(t, err)
	fileIno, err := volume.Create("/d/f", 0o644)
	require.NoError(t, err)

	_, err = volume.Create("/d/f", 0o644)
	assert.True(t, blunder.Is(err, blunder.FileExistsError))
	_, err = volume.Create("/missing/f", 0o644)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))
	_, err = volume.Create("/d/f/x", 0o644)
	assert.True(t, blunder.Is(err, blunder.NotDirError))

	require.NoError(t, volume.Link("/d/f", "/d/g"))
	assert.True(t, blunder.Is(volume.Link("/d", "/e"), blunder.LinkDirError))

	stat, err := volume.Stat("/d/g")
	require.NoError(t, err)
	assert.Equal(t, fileIno, stat.Ino)
	assert.Equal(t, uint32(2), stat.NLink)
	assert.Equal(t, ilayout.ModeReg|0o644, stat.Mode)

	assert.Equal(t, []string{"f", "g"}, testNames(t, volume, "/d"))

	require.NoError(t, volume.Rename("/d/f", "/h"))
	assert.Equal(t, []string{"g"}, testNames(t, volume, "/d"))
	assert.Equal(t, []string{"d", "h"}, testNames(t, volume, "/"))

	stat, err = volume.Stat("/h")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), stat.NLink)

	assert.True(t, blunder.Is(volume.Rmdir("/d"), blunder.NotEmptyError))
	assert.True(t, blunder.Is(volume.Unlink("/d"), blunder.IsDirError))
	assert.True(t, blunder.Is(volume.Rename("/", "/x"), blunder.InvalidArgError))

	_, err = volume.Mkdir("/d/sub", 0o755)
	require.NoError(t, err)
	assert.True(t, blunder.Is(volume.Rename("/d", "/d/sub/d"), blunder.InvalidArgError))

	require.NoError(t, volume.Unlink("/d/g"))
	require.NoError(t, volume.Rmdir("/d/sub"))
	require.NoError(t, volume.Rmdir("/d"))

	stat, err = volume.Stat("/h")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stat.NLink)

	require.NoError(t, volume.Unlink("/h"))
	assert.Empty(t, testNames(t, volume, "/"))

	_, err = volume.Stat("/h")
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	require.NoError(t, volume.Unmount())
}

func TestRenameReplaces(t *testing.T) {
	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Create("/a", 0o644)
	require.NoError(t, err)
	require.NoError(t, volume.Write("/a", 0, []byte("a")))
	bIno, err := volume.Create("/b", 0o644)
	require.NoError(t, err)
	_, err = volume.Mkdir("/d", 0o755)
	require.NoError(t, err)

	assert.True(t, blunder.Is(volume.Rename("/a", "/d"), blunder.IsDirError))
	assert.True(t, blunder.Is(volume.Rename("/d", "/a"), blunder.NotDirError))

	require.NoError(t, volume.Rename("/a", "/b"))

	// The renamed entry takes a new index past every existing one
	dirEntries, err := volume.ReadDir("/")
	require.NoError(t, err)
	require.Equal(t, 2, len(dirEntries))
	assert.Equal(t, "d", dirEntries[0].Name)
	assert.Equal(t, "b", dirEntries[1].Name)
	assert.Less(t, dirEntries[0].Index, dirEntries[1].Index)

	buf, err := volume.Read("/b", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), buf)

	_, err = volume.root.Iget(bIno)
	assert.True(t, blunder.Is(err, blunder.NotFoundError))

	require.NoError(t, volume.Unmount())
}

func TestDataOps(t *testing.T) {
	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Create("/f", 0o644)
	require.NoError(t, err)
	_, err = volume.Create("/g", 0o644)
	require.NoError(t, err)

	data := testPattern(4*4096, 9)
	require.NoError(t, volume.Write("/f", 0, data))

	require.NoError(t, volume.Clone("/f", 0, uint64(len(data)), "/g", 0))

	buf, err := volume.Read("/g", 0, uint64(len(data)))
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	require.NoError(t, volume.Truncate("/f", 100))
	stat, err := volume.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), stat.Size)

	require.NoError(t, volume.Fallocate("/f", 0, 8192, false))
	stat, err = volume.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, uint64(8192), stat.Size)

	buf, err = volume.Read("/f", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, data[:100], buf)

	require.NoError(t, volume.SetXattr("/f", "user.a", []byte("1")))
	require.NoError(t, volume.SetXattr("/f", "user.b", []byte("2")))
	require.NoError(t, volume.RemoveXattr("/f", "user.a"))

	names, err := volume.ListXattrs("/f")
	require.NoError(t, err)
	assert.Equal(t, []string{"user.b"}, names)

	value, err := volume.GetXattr("/f", "user.b")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), value)

	_, err = volume.Read("/", 0, 1)
	assert.True(t, blunder.Is(err, blunder.IsDirError))

	require.NoError(t, volume.Unmount())
}

func TestUnmountMount(t *testing.T) {
	volume := testVolume(t, ConfigStruct{})

	_, err := volume.Mkdir("/d", 0o755)
	require.NoError(t, err)
	_, err = volume.Create("/d/f", 0o644)
	require.NoError(t, err)
	data := testPattern(5000, 1)
	require.NoError(t, volume.Write("/d/f", 0, data))

	require.NoError(t, volume.Unmount())

	volume, err = Mount(volume.config, volume.device, t.Name())
	require.NoError(t, err)

	buf, err := volume.Read("/d/f", 0, 10000)
	require.NoError(t, err)
	assert.Equal(t, data, buf)

	require.NoError(t, volume.Unmount())
}
