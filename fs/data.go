// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"github.com/NVIDIA/treelog/ctree"
)

func (volume *VolumeStruct) write(path string, offset uint64, buf []byte) (err error) {
	var (
		inode *ctree.InodeStruct
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	inode, err = volume.resolveRegular(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	err = inode.Write(trans, offset, buf)

	return
}

func (volume *VolumeStruct) read(path string, offset uint64, length uint64) (buf []byte, err error) {
	var (
		inode *ctree.InodeStruct
	)

	volume.nsMutex.Lock()
	defer volume.nsMutex.Unlock()

	inode, err = volume.resolveRegular(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	buf, err = inode.ReadData(offset, length)

	return
}

func (volume *VolumeStruct) truncate(path string, size uint64) (err error) {
	var (
		inode *ctree.InodeStruct
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	inode, err = volume.resolveRegular(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	err = inode.Truncate(trans, size)

	return
}

func (volume *VolumeStruct) fallocate(path string, offset uint64, length uint64, keepSize bool) (err error) {
	var (
		inode *ctree.InodeStruct
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	inode, err = volume.resolveRegular(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	err = inode.Fallocate(trans, offset, length, keepSize)

	return
}

func (volume *VolumeStruct) clone(srcPath string, srcOffset uint64, length uint64, dstPath string, dstOffset uint64) (err error) {
	var (
		dst *ctree.InodeStruct
		src *ctree.InodeStruct
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	src, err = volume.resolveRegular(srcPath)
	if nil != err {
		return
	}
	defer volume.root.Iput(src)

	dst, err = volume.resolveRegular(dstPath)
	if nil != err {
		return
	}
	defer volume.root.Iput(dst)

	err = ctree.Clone(trans, src, srcOffset, length, dst, dstOffset)

	return
}

func (volume *VolumeStruct) setXattr(path string, name string, value []byte) (err error) {
	var (
		inode *ctree.InodeStruct
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	inode, err = volume.resolveInode(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	err = inode.SetXattr(trans, name, value)

	return
}

func (volume *VolumeStruct) getXattr(path string, name string) (value []byte, err error) {
	var (
		inode *ctree.InodeStruct
	)

	volume.nsMutex.Lock()
	defer volume.nsMutex.Unlock()

	inode, err = volume.resolveInode(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	value, err = inode.GetXattr(name)

	return
}

func (volume *VolumeStruct) removeXattr(path string, name string) (err error) {
	var (
		inode *ctree.InodeStruct
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	inode, err = volume.resolveInode(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	err = inode.RemoveXattr(trans, name)

	return
}

func (volume *VolumeStruct) listXattrs(path string) (names []string, err error) {
	var (
		inode *ctree.InodeStruct
	)

	volume.nsMutex.Lock()
	defer volume.nsMutex.Unlock()

	inode, err = volume.resolveInode(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	names, err = inode.ListXattrs()

	return
}
