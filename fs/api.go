// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package fs is the path based front end of a volume. Every update lands in
// the running transaction of package ctree; Fsync() makes the named inode
// durable through the tree log of package treelog, falling back to a full
// commit when the log cannot serve, and Mount() replays whatever log a crash
// left behind.
//
// Paths are '/' separated and relative to the root directory of the default
// subvolume. Empty components are ignored.
package fs

import (
	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/trackedlock"
	"github.com/NVIDIA/treelog/treelog"
)

// StatStruct is returned by Stat().
//
type StatStruct struct {
	Ino    uint64
	Mode   uint32
	NLink  uint32
	Size   uint64
	NBytes uint64
}

// DirEntryStruct is one entry returned by ReadDir().
//
type DirEntryStruct struct {
	Name     string
	Ino      uint64
	FileType uint8
	Index    uint64
}

type statsStruct struct {
	FsyncLogged      bucketstats.Total
	FsyncFullCommits bucketstats.Total
	FsyncNoops       bucketstats.Total
	FsyncUsecs       bucketstats.BucketLog2Round
	Syncs            bucketstats.Total
	CommitUsecs      bucketstats.BucketLog2Round
	OrphansDeleted   bucketstats.Total
}

// VolumeStruct is one mounted volume. Its methods are safe for concurrent
// use. Namespace and data updates are serialized on nsMutex. An Fsync()
// holds nsMutex only while logging its inode so that concurrent Fsync()s
// share log commits.
//
type VolumeStruct struct {
	config  ConfigStruct
	name    string
	device  *blockdev.DeviceStruct
	fsInfo  *ctree.FsInfoStruct
	engine  *treelog.Engine
	root    *ctree.RootStruct
	nsMutex trackedlock.Mutex
	stats   *statsStruct
}

// Format writes an empty filesystem to device and mounts it. Stats are
// registered under name.
func Format(config ConfigStruct, device *blockdev.DeviceStruct, name string) (volume *VolumeStruct, err error) {
	volume, err = format(config, device, name)
	return
}

// Mount loads the filesystem on device, replays any tree log left by a
// crash, and deletes orphaned inodes.
func Mount(config ConfigStruct, device *blockdev.DeviceStruct, name string) (volume *VolumeStruct, err error) {
	volume, err = mount(config, device, name)
	return
}

// Unmount commits the running transaction and releases the volume.
func (volume *VolumeStruct) Unmount() (err error) {
	err = volume.unmount()
	return
}

// Crash drops every write not yet durable on the device and releases the
// volume without committing. Mount() the device again to recover.
func (volume *VolumeStruct) Crash() {
	volume.crash()
}

// Device returns the device the volume is mounted from.
func (volume *VolumeStruct) Device() *blockdev.DeviceStruct {
	return volume.device
}

// FsInfo returns the mounted filesystem.
func (volume *VolumeStruct) FsInfo() *ctree.FsInfoStruct {
	return volume.fsInfo
}

// Create makes an empty regular file.
func (volume *VolumeStruct) Create(path string, mode uint32) (ino uint64, err error) {
	ino, err = volume.create(path, mode)
	return
}

// Mkdir makes an empty directory.
func (volume *VolumeStruct) Mkdir(path string, mode uint32) (ino uint64, err error) {
	ino, err = volume.mkdir(path, mode)
	return
}

// Link gives the inode at oldPath the additional name newPath.
func (volume *VolumeStruct) Link(oldPath string, newPath string) (err error) {
	err = volume.link(oldPath, newPath)
	return
}

// Unlink removes the non-directory name path. An inode losing its last
// name is deleted.
func (volume *VolumeStruct) Unlink(path string) (err error) {
	err = volume.unlink(path)
	return
}

// Rmdir removes the empty directory path.
func (volume *VolumeStruct) Rmdir(path string) (err error) {
	err = volume.rmdir(path)
	return
}

// Rename moves oldPath to newPath, replacing any non-directory or empty
// directory already there.
func (volume *VolumeStruct) Rename(oldPath string, newPath string) (err error) {
	err = volume.rename(oldPath, newPath)
	return
}

// Stat returns the attributes of path.
func (volume *VolumeStruct) Stat(path string) (stat StatStruct, err error) {
	stat, err = volume.stat(path)
	return
}

// ReadDir returns the entries of the directory path in index order.
func (volume *VolumeStruct) ReadDir(path string) (dirEntries []DirEntryStruct, err error) {
	dirEntries, err = volume.readDir(path)
	return
}

// Write stores buf at offset of the regular file path.
func (volume *VolumeStruct) Write(path string, offset uint64, buf []byte) (err error) {
	err = volume.write(path, offset, buf)
	return
}

// Read returns up to length bytes at offset of the regular file path.
func (volume *VolumeStruct) Read(path string, offset uint64, length uint64) (buf []byte, err error) {
	buf, err = volume.read(path, offset, length)
	return
}

// Truncate sets the size of the regular file path.
func (volume *VolumeStruct) Truncate(path string, size uint64) (err error) {
	err = volume.truncate(path, size)
	return
}

// Fallocate preallocates [offset, offset+length) of the regular file path.
func (volume *VolumeStruct) Fallocate(path string, offset uint64, length uint64, keepSize bool) (err error) {
	err = volume.fallocate(path, offset, length, keepSize)
	return
}

// Clone reflinks length bytes at srcOffset of srcPath to dstOffset of
// dstPath.
func (volume *VolumeStruct) Clone(srcPath string, srcOffset uint64, length uint64, dstPath string, dstOffset uint64) (err error) {
	err = volume.clone(srcPath, srcOffset, length, dstPath, dstOffset)
	return
}

// SetXattr sets the extended attribute name of path.
func (volume *VolumeStruct) SetXattr(path string, name string, value []byte) (err error) {
	err = volume.setXattr(path, name, value)
	return
}

// GetXattr returns the extended attribute name of path.
func (volume *VolumeStruct) GetXattr(path string, name string) (value []byte, err error) {
	value, err = volume.getXattr(path, name)
	return
}

// RemoveXattr removes the extended attribute name of path.
func (volume *VolumeStruct) RemoveXattr(path string, name string) (err error) {
	err = volume.removeXattr(path, name)
	return
}

// ListXattrs returns the extended attribute names of path in sorted order.
func (volume *VolumeStruct) ListXattrs(path string) (names []string, err error) {
	names, err = volume.listXattrs(path)
	return
}

// Fsync makes path, its data, and the names leading to it durable. It
// reports whether a full commit was needed to do so.
func (volume *VolumeStruct) Fsync(path string) (fullCommit bool, err error) {
	fullCommit, err = volume.fsync(path)
	return
}

// Sync commits the running transaction.
func (volume *VolumeStruct) Sync() (err error) {
	err = volume.sync()
	return
}
