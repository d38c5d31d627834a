// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package fs

import (
	"time"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ctree"
	"github.com/NVIDIA/treelog/ilayout"
)

// beginUpdate serializes an update against all others and holds off any
// commit until endUpdate().
func (volume *VolumeStruct) beginUpdate() (trans *ctree.TransStruct) {
	volume.nsMutex.Lock()
	volume.fsInfo.CommitLock.RLock()
	trans = volume.fsInfo.JoinTransaction()
	return
}

func (volume *VolumeStruct) endUpdate() {
	volume.fsInfo.CommitLock.RUnlock()
	volume.nsMutex.Unlock()
}

func (volume *VolumeStruct) create(path string, mode uint32) (ino uint64, err error) {
	ino, err = volume.newInode(path, ilayout.ModeReg|(mode&^ilayout.ModeTypeMask))
	return
}

func (volume *VolumeStruct) mkdir(path string, mode uint32) (ino uint64, err error) {
	ino, err = volume.newInode(path, ilayout.ModeDir|(mode&^ilayout.ModeTypeMask))
	return
}

func (volume *VolumeStruct) newInode(path string, mode uint32) (ino uint64, err error) {
	var (
		dir   *ctree.InodeStruct
		inode *ctree.InodeStruct
		name  string
		ok    bool
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	dir, name, err = volume.resolveParent(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(dir)

	_, ok, err = ctree.LookupDirItem(dir, name)
	if nil != err {
		return
	}
	if ok {
		err = blunder.NewError(blunder.FileExistsError, "fs: \"%s\" already exists", path)
		return
	}

	inode, err = volume.root.NewInode(trans, mode, 0, 0, uint64(time.Now().UnixNano()))
	if nil != err {
		return
	}

	_, err = ctree.AddLink(trans, dir, inode, name, 0, true)
	if nil != err {
		inode.SetNLink(0)
		_ = volume.dropIfUnlinked(trans, inode)
		return
	}

	ino = inode.Ino

	volume.root.Iput(inode)

	return
}

func (volume *VolumeStruct) link(oldPath string, newPath string) (err error) {
	var (
		dir   *ctree.InodeStruct
		inode *ctree.InodeStruct
		name  string
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	inode, err = volume.resolveInode(oldPath)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	if inode.IsDir() {
		err = blunder.NewError(blunder.LinkDirError, "fs: \"%s\" is a directory", oldPath)
		return
	}

	dir, name, err = volume.resolveParent(newPath)
	if nil != err {
		return
	}
	defer volume.root.Iput(dir)

	_, err = ctree.AddLink(trans, dir, inode, name, 0, true)
	if nil != err {
		return
	}

	inode.SetNLink(inode.NLink() + 1)

	err = inode.UpdateInode(trans)
	if nil != err {
		return
	}

	volume.engine.LogNewName(trans, inode, nil, 0, "", dir)

	return
}

func (volume *VolumeStruct) unlink(path string) (err error) {
	var (
		dir   *ctree.InodeStruct
		inode *ctree.InodeStruct
		name  string
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	dir, inode, name, err = volume.resolvePath(path)
	if nil != err {
		return
	}
	defer volume.putInodes(dir)

	if inode.IsDir() {
		volume.root.Iput(inode)
		err = blunder.NewError(blunder.IsDirError, "fs: \"%s\" is a directory", path)
		return
	}

	err = volume.removeName(trans, dir, inode, name)

	return
}

func (volume *VolumeStruct) rmdir(path string) (err error) {
	var (
		dir   *ctree.InodeStruct
		inode *ctree.InodeStruct
		name  string
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	dir, inode, name, err = volume.resolvePath(path)
	if nil != err {
		return
	}
	defer volume.putInodes(dir)

	if nil == dir {
		volume.root.Iput(inode)
		err = blunder.NewError(blunder.InvalidArgError, "fs: cannot remove the root directory")
		return
	}

	err = volume.checkEmptyDir(path, inode)
	if nil != err {
		volume.root.Iput(inode)
		return
	}

	err = volume.removeName(trans, dir, inode, name)

	return
}

func (volume *VolumeStruct) checkEmptyDir(path string, inode *ctree.InodeStruct) (err error) {
	var (
		dirIndexEntries []ctree.DirIndexEntryStruct
	)

	if !inode.IsDir() {
		err = blunder.NewError(blunder.NotDirError, "fs: \"%s\" is not a directory", path)
		return
	}

	dirIndexEntries, err = ctree.ScanDirIndex(inode, 0)
	if nil != err {
		return
	}
	if 0 != len(dirIndexEntries) {
		err = blunder.NewError(blunder.NotEmptyError, "fs: \"%s\" is not empty", path)
	}

	return
}

// removeName unlinks name from dir and consumes the caller's reference to
// inode, deleting it if that was its last name.
func (volume *VolumeStruct) removeName(trans *ctree.TransStruct, dir *ctree.InodeStruct, inode *ctree.InodeStruct, name string) (err error) {
	_, err = ctree.Unlink(trans, dir, inode, name)
	if nil != err {
		volume.root.Iput(inode)
		return
	}

	volume.engine.RecordUnlinkDir(trans, dir, inode, false)

	err = volume.dropIfUnlinked(trans, inode)

	return
}

// isAncestor reports whether ino is dir or one of the directories above it.
func (volume *VolumeStruct) isAncestor(ino uint64, dir *ctree.InodeStruct) (ancestor bool, err error) {
	var (
		inodeRefs []ctree.InodeRefStruct
	)

	current := dir.Ino

	for {
		if ino == current {
			ancestor = true
			return
		}
		if ilayout.RootDirObjectID == current {
			return
		}
		inodeRefs, err = ctree.ScanInodeRefs(volume.root.Tree, current)
		if nil != err {
			return
		}
		if 0 == len(inodeRefs) {
			return
		}
		current = inodeRefs[0].Parent
	}
}

func (volume *VolumeStruct) rename(oldPath string, newPath string) (err error) {
	var (
		ancestor bool
		dirEntry ilayout.DirEntryStruct
		inode    *ctree.InodeStruct
		newDir   *ctree.InodeStruct
		newName  string
		ok       bool
		oldDir   *ctree.InodeStruct
		oldIndex uint64
		oldName  string
		target   *ctree.InodeStruct
	)

	trans := volume.beginUpdate()
	defer volume.endUpdate()

	oldDir, inode, oldName, err = volume.resolvePath(oldPath)
	if nil != err {
		return
	}
	defer volume.putInodes(oldDir, inode)

	if nil == oldDir {
		err = blunder.NewError(blunder.InvalidArgError, "fs: cannot rename the root directory")
		return
	}

	newDir, newName, err = volume.resolveParent(newPath)
	if nil != err {
		return
	}
	defer volume.root.Iput(newDir)

	if (oldDir.Ino == newDir.Ino) && (oldName == newName) {
		return
	}

	if inode.IsDir() {
		ancestor, err = volume.isAncestor(inode.Ino, newDir)
		if nil != err {
			return
		}
		if ancestor {
			err = blunder.NewError(blunder.InvalidArgError, "fs: cannot move \"%s\" beneath itself", oldPath)
			return
		}
	}

	dirEntry, ok, err = ctree.LookupDirItem(newDir, newName)
	if nil != err {
		return
	}
	if ok {
		if dirEntry.Location.ObjectID == inode.Ino {
			return
		}

		target, err = volume.root.Iget(dirEntry.Location.ObjectID)
		if nil != err {
			return
		}

		if target.IsDir() {
			if !inode.IsDir() {
				err = blunder.NewError(blunder.IsDirError, "fs: \"%s\" is a directory", newPath)
			} else {
				err = volume.checkEmptyDir(newPath, target)
			}
		} else if inode.IsDir() {
			err = blunder.NewError(blunder.NotDirError, "fs: \"%s\" is not a directory", newPath)
		}
		if nil != err {
			volume.root.Iput(target)
			return
		}

		err = volume.removeName(trans, newDir, target, newName)
		if nil != err {
			return
		}
	}

	oldIndex, err = ctree.Unlink(trans, oldDir, inode, oldName)
	if nil != err {
		return
	}

	volume.engine.RecordUnlinkDir(trans, oldDir, inode, true)

	_, err = ctree.AddLink(trans, newDir, inode, newName, 0, true)
	if nil != err {
		return
	}

	inode.SetNLink(inode.NLink() + 1)

	err = inode.UpdateInode(trans)
	if nil != err {
		return
	}

	volume.engine.LogNewName(trans, inode, oldDir, oldIndex, oldName, newDir)

	return
}

func (volume *VolumeStruct) stat(path string) (stat StatStruct, err error) {
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

	stat = StatStruct{
		Ino:    inode.Ino,
		Mode:   inode.Item.Mode,
		NLink:  inode.NLink(),
		Size:   inode.Size(),
		NBytes: inode.Item.NBytes,
	}

	return
}

func (volume *VolumeStruct) readDir(path string) (dirEntries []DirEntryStruct, err error) {
	var (
		dirIndexEntries []ctree.DirIndexEntryStruct
		inode           *ctree.InodeStruct
	)

	volume.nsMutex.Lock()
	defer volume.nsMutex.Unlock()

	inode, err = volume.resolveInode(path)
	if nil != err {
		return
	}
	defer volume.root.Iput(inode)

	if !inode.IsDir() {
		err = blunder.NewError(blunder.NotDirError, "fs: \"%s\" is not a directory", path)
		return
	}

	dirIndexEntries, err = ctree.ScanDirIndex(inode, 0)
	if nil != err {
		return
	}

	dirEntries = make([]DirEntryStruct, 0, len(dirIndexEntries))

	for _, dirIndexEntry := range dirIndexEntries {
		dirEntries = append(dirEntries, DirEntryStruct{
			Name:     dirIndexEntry.Entry.Name,
			Ino:      dirIndexEntry.Entry.Location.ObjectID,
			FileType: dirIndexEntry.Entry.FileType,
			Index:    dirIndexEntry.Index,
		})
	}

	return
}
