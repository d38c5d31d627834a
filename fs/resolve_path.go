// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"strings"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
)

func splitPath(path string) (components []string) {
	components = make([]string, 0)
	for _, component := range strings.Split(path, "/") {
		if "" != component {
			components = append(components, component)
		}
	}
	return
}

// resolveParent returns a reference to the directory holding the last
// component of path along with that component.
func (volume *VolumeStruct) resolveParent(path string) (dir *ctree.InodeStruct, name string, err error) {
	var (
		dirEntry ilayout.DirEntryStruct
		next     *ctree.InodeStruct
		ok       bool
	)

	components := splitPath(path)
	if 0 == len(components) {
		err = blunder.NewError(blunder.InvalidArgError, "fs: path \"%s\" names the root directory", path)
		return
	}

	dir, err = volume.root.Iget(ilayout.RootDirObjectID)
	if nil != err {
		return
	}

	for _, component := range components[:len(components)-1] {
		dirEntry, ok, err = ctree.LookupDirItem(dir, component)
		if nil == err {
			if !ok {
				err = blunder.NewError(blunder.NotFoundError, "fs: \"%s\" of \"%s\" not found", component, path)
			} else if ilayout.FileTypeDir != dirEntry.FileType {
				err = blunder.NewError(blunder.NotDirError, "fs: \"%s\" of \"%s\" is not a directory", component, path)
			}
		}
		if nil != err {
			volume.root.Iput(dir)
			dir = nil
			return
		}

		next, err = volume.root.Iget(dirEntry.Location.ObjectID)
		volume.root.Iput(dir)
		if nil != err {
			dir = nil
			return
		}
		dir = next
	}

	name = components[len(components)-1]

	return
}

// resolvePath returns references to the inode named by path and to its
// directory. The root directory has no directory (dir == nil).
func (volume *VolumeStruct) resolvePath(path string) (dir *ctree.InodeStruct, inode *ctree.InodeStruct, name string, err error) {
	var (
		dirEntry ilayout.DirEntryStruct
		ok       bool
	)

	if 0 == len(splitPath(path)) {
		inode, err = volume.root.Iget(ilayout.RootDirObjectID)
		return
	}

	dir, name, err = volume.resolveParent(path)
	if nil != err {
		return
	}

	dirEntry, ok, err = ctree.LookupDirItem(dir, name)
	if (nil == err) && !ok {
		err = blunder.NewError(blunder.NotFoundError, "fs: \"%s\" not found", path)
	}
	if nil == err {
		inode, err = volume.root.Iget(dirEntry.Location.ObjectID)
	}
	if nil != err {
		volume.root.Iput(dir)
		dir = nil
	}

	return
}

// resolveInode returns a reference to the inode named by path.
func (volume *VolumeStruct) resolveInode(path string) (inode *ctree.InodeStruct, err error) {
	var (
		dir *ctree.InodeStruct
	)

	dir, inode, _, err = volume.resolvePath(path)
	if nil != dir {
		volume.root.Iput(dir)
	}

	return
}

// resolveRegular is resolveInode for a path that must name a regular file.
func (volume *VolumeStruct) resolveRegular(path string) (inode *ctree.InodeStruct, err error) {
	inode, err = volume.resolveInode(path)
	if nil != err {
		return
	}

	if inode.IsDir() {
		volume.root.Iput(inode)
		inode = nil
		err = blunder.NewError(blunder.IsDirError, "fs: \"%s\" is a directory", path)
	}

	return
}

// putInodes drops the references held on every non-nil inode.
func (volume *VolumeStruct) putInodes(inodes ...*ctree.InodeStruct) {
	for _, inode := range inodes {
		if nil != inode {
			volume.root.Iput(inode)
		}
	}
}
