// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"sort"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
)

// DirIndexEntryStruct is one DirIndex of a directory, whether already in the
// fs tree or still a delayed insertion.
//
type DirIndexEntryStruct struct {
	Index uint64
	Entry ilayout.DirEntryStruct
}

// FileTypeOfMode maps inode mode bits to the FileType of a directory entry.
func FileTypeOfMode(mode uint32) uint8 {
	switch mode & ilayout.ModeTypeMask {
	case ilayout.ModeDir:
		return ilayout.FileTypeDir
	case ilayout.ModeReg:
		return ilayout.FileTypeReg
	case ilayout.ModeSymlink:
		return ilayout.FileTypeSymlink
	default:
		return ilayout.FileTypeUnknown
	}
}

func DirItemKey(dirIno uint64, name string) ilayout.Key {
	return ilayout.Key{ObjectID: dirIno, Type: ilayout.DirItemKey, Offset: ilayout.NameHash(name)}
}

func DirIndexKey(dirIno uint64, index uint64) ilayout.Key {
	return ilayout.Key{ObjectID: dirIno, Type: ilayout.DirIndexKey, Offset: index}
}

func InodeRefKey(ino uint64, parent uint64) ilayout.Key {
	return ilayout.Key{ObjectID: ino, Type: ilayout.InodeRefKey, Offset: parent}
}

func InodeExtRefKey(ino uint64, parent uint64, name string) ilayout.Key {
	return ilayout.Key{ObjectID: ino, Type: ilayout.InodeExtRefKey, Offset: ilayout.ExtRefHash(parent, name)}
}

func checkName(name string) (err error) {
	if 0 == len(name) {
		err = blunder.NewError(blunder.InvalidArgError, "ctree: empty name")
		return
	}
	if ilayout.MaxNameLen < len(name) {
		err = blunder.NewError(blunder.NameTooLongError, "ctree: name of length %d too long", len(name))
	}
	return
}

// AddLink names inode as name in dir. An index of 0 allocates the next
// DirIndex of dir. With addBackref false the InodeRef (or InodeExtRef) is
// left for the caller to supply. The link count of inode is not changed.
func AddLink(trans *TransStruct, dir *InodeStruct, inode *InodeStruct, name string, index uint64, addBackref bool) (linkIndex uint64, err error) {
	var (
		dirEntries []ilayout.DirEntryStruct
		ok         bool
		payload    []byte
	)

	err = checkName(name)
	if nil != err {
		return
	}

	if !dir.IsDir() {
		err = blunder.NewError(blunder.NotDirError, "ctree.AddLink() inode %d is not a directory", dir.Ino)
		return
	}

	_, ok, err = LookupDirItem(dir, name)
	if nil != err {
		return
	}
	if ok {
		err = blunder.NewError(blunder.FileExistsError, "ctree.AddLink() dir %d already has \"%s\"", dir.Ino, name)
		return
	}

	if 0 == index {
		index = dir.IndexCnt
	}
	if index >= dir.IndexCnt {
		dir.IndexCnt = index + 1
	}

	if addBackref {
		err = addInodeRef(trans, inode, dir.Ino, name, index)
		if nil != err {
			return
		}
	}

	dirEntry := ilayout.DirEntryStruct{
		Location: inodeItemKey(inode.Ino),
		TransID:  trans.TransID,
		FileType: FileTypeOfMode(inode.Item.Mode),
		Name:     name,
	}

	dirItemKey := DirItemKey(dir.Ino, name)

	payload, ok, err = dir.Root.Tree.Search(dirItemKey)
	if nil != err {
		return
	}
	if ok {
		dirEntries, err = ilayout.UnmarshalDirEntries(payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}
	}
	dirEntries = append(dirEntries, dirEntry)
	payload, err = ilayout.MarshalDirEntries(dirEntries)
	if nil != err {
		return
	}
	err = dir.Root.Tree.Put(dirItemKey, payload)
	if nil != err {
		return
	}

	err = insertDirIndex(dir, index, dirEntry)
	if nil != err {
		return
	}

	dir.Item.Size += 2 * uint64(len(name))
	err = dir.UpdateInode(trans)
	if nil != err {
		return
	}

	inode.setCopyEverything()

	linkIndex = index

	return
}

func addInodeRef(trans *TransStruct, inode *InodeStruct, parent uint64, name string, index uint64) (err error) {
	var (
		inodeExtRefs []ilayout.InodeExtRefEntryStruct
		inodeRefs    []ilayout.InodeRefEntryStruct
		ok           bool
		payload      []byte
		refSize      uint64
	)

	refKey := InodeRefKey(inode.Ino, parent)

	payload, ok, err = inode.Root.Tree.Search(refKey)
	if nil != err {
		return
	}
	if ok {
		inodeRefs, err = ilayout.UnmarshalInodeRefs(payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}
		for _, inodeRef := range inodeRefs {
			if inodeRef.Name == name {
				err = blunder.NewError(blunder.FileExistsError, "ctree: inode %d already has ref \"%s\" in %d", inode.Ino, name, parent)
				return
			}
		}
		refSize = uint64(len(payload))
	}

	if refSize+ilayout.InodeRefHeaderSize+uint64(len(name)) <= inode.Root.FsInfo.Config.MaxRefItemSize {
		inodeRefs = append(inodeRefs, ilayout.InodeRefEntryStruct{Index: index, Name: name})
		payload, err = ilayout.MarshalInodeRefs(inodeRefs)
		if nil != err {
			return
		}
		err = inode.Root.Tree.Put(refKey, payload)
		return
	}

	extRefKey := InodeExtRefKey(inode.Ino, parent, name)

	payload, ok, err = inode.Root.Tree.Search(extRefKey)
	if nil != err {
		return
	}
	if ok {
		inodeExtRefs, err = ilayout.UnmarshalInodeExtRefs(payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}
		for _, inodeExtRef := range inodeExtRefs {
			if (inodeExtRef.Parent == parent) && (inodeExtRef.Name == name) {
				err = blunder.NewError(blunder.FileExistsError, "ctree: inode %d already has extref \"%s\" in %d", inode.Ino, name, parent)
				return
			}
		}
	}
	inodeExtRefs = append(inodeExtRefs, ilayout.InodeExtRefEntryStruct{Parent: parent, Index: index, Name: name})
	payload, err = ilayout.MarshalInodeExtRefs(inodeExtRefs)
	if nil != err {
		return
	}
	err = inode.Root.Tree.Put(extRefKey, payload)

	return
}

// delInodeRef removes the ref (or extref) naming inode as name in parent and
// returns the DirIndex it recorded.
func delInodeRef(inode *InodeStruct, parent uint64, name string) (index uint64, ok bool, err error) {
	var (
		inodeExtRefs []ilayout.InodeExtRefEntryStruct
		inodeRefs    []ilayout.InodeRefEntryStruct
		payload      []byte
		refFound     bool
	)

	refKey := InodeRefKey(inode.Ino, parent)

	payload, refFound, err = inode.Root.Tree.Search(refKey)
	if nil != err {
		return
	}
	if refFound {
		inodeRefs, err = ilayout.UnmarshalInodeRefs(payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}
		for refIndex, inodeRef := range inodeRefs {
			if inodeRef.Name != name {
				continue
			}
			index = inodeRef.Index
			ok = true
			inodeRefs = append(inodeRefs[:refIndex], inodeRefs[refIndex+1:]...)
			if 0 == len(inodeRefs) {
				_, err = inode.Root.Tree.Delete(refKey)
				return
			}
			payload, err = ilayout.MarshalInodeRefs(inodeRefs)
			if nil == err {
				err = inode.Root.Tree.Put(refKey, payload)
			}
			return
		}
	}

	extRefKey := InodeExtRefKey(inode.Ino, parent, name)

	payload, refFound, err = inode.Root.Tree.Search(extRefKey)
	if (nil != err) || !refFound {
		return
	}
	inodeExtRefs, err = ilayout.UnmarshalInodeExtRefs(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		return
	}
	for refIndex, inodeExtRef := range inodeExtRefs {
		if (inodeExtRef.Parent != parent) || (inodeExtRef.Name != name) {
			continue
		}
		index = inodeExtRef.Index
		ok = true
		inodeExtRefs = append(inodeExtRefs[:refIndex], inodeExtRefs[refIndex+1:]...)
		if 0 == len(inodeExtRefs) {
			_, err = inode.Root.Tree.Delete(extRefKey)
			return
		}
		payload, err = ilayout.MarshalInodeExtRefs(inodeExtRefs)
		if nil == err {
			err = inode.Root.Tree.Put(extRefKey, payload)
		}
		return
	}

	return
}

// Unlink removes name (naming inode) from dir and drops the link count of
// inode by one. The installed LogHooks are told of the removed name first.
func Unlink(trans *TransStruct, dir *InodeStruct, inode *InodeStruct, name string) (index uint64, err error) {
	var (
		dirEntries     []ilayout.DirEntryStruct
		dirIndexEntry  ilayout.DirEntryStruct
		dirIndexFound  bool
		nameEntryIndex int
		ok             bool
		payload        []byte
		refFound       bool
	)

	dirItemKey := DirItemKey(dir.Ino, name)

	payload, ok, err = dir.Root.Tree.Search(dirItemKey)
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "ctree.Unlink() dir %d has no \"%s\"", dir.Ino, name)
		return
	}
	dirEntries, err = ilayout.UnmarshalDirEntries(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		return
	}
	nameEntryIndex = -1
	for entryIndex, dirEntry := range dirEntries {
		if (dirEntry.Name == name) && (dirEntry.Location.ObjectID == inode.Ino) {
			nameEntryIndex = entryIndex
			break
		}
	}
	if 0 > nameEntryIndex {
		err = blunder.NewError(blunder.NotFoundError, "ctree.Unlink() dir %d \"%s\" does not name inode %d", dir.Ino, name, inode.Ino)
		return
	}

	index, refFound, err = delInodeRef(inode, dir.Ino, name)
	if nil != err {
		return
	}
	if !refFound {
		logger.Warnf("ctree.Unlink() inode %d had no ref for \"%s\" in dir %d", inode.Ino, name, dir.Ino)
		index, dirIndexFound, err = findDirIndexByName(dir, name, inode.Ino)
		if nil != err {
			return
		}
	}

	if refFound || dirIndexFound {
		dirIndexEntry, dirIndexFound, err = LookupDirIndex(dir, index)
		if nil != err {
			return
		}
		if dirIndexFound && ((dirIndexEntry.Name != name) || (dirIndexEntry.Location.ObjectID != inode.Ino)) {
			dirIndexFound = false
		}
	}

	dirEntries = append(dirEntries[:nameEntryIndex], dirEntries[nameEntryIndex+1:]...)
	if 0 == len(dirEntries) {
		_, err = dir.Root.Tree.Delete(dirItemKey)
	} else {
		payload, err = ilayout.MarshalDirEntries(dirEntries)
		if nil == err {
			err = dir.Root.Tree.Put(dirItemKey, payload)
		}
	}
	if nil != err {
		return
	}

	if dirIndexFound {
		err = deleteDirIndex(dir, index, dirIndexEntry)
		if nil != err {
			return
		}
	}

	dir.Root.FsInfo.mutex.Lock()
	logHooks := dir.Root.FsInfo.logHooks
	dir.Root.FsInfo.mutex.Unlock()

	if nil != logHooks {
		logHooks.DelInodeRefInLog(trans, name, inode, dir.Ino)
		logHooks.DelDirEntriesInLog(trans, name, dir, index)
	}

	if dir.Item.Size >= 2*uint64(len(name)) {
		dir.Item.Size -= 2 * uint64(len(name))
	} else {
		dir.Item.Size = 0
	}
	err = dir.UpdateInode(trans)
	if nil != err {
		return
	}

	if 0 < inode.Item.NLink {
		inode.Item.NLink--
	}
	err = inode.UpdateInode(trans)

	return
}

func findDirIndexByName(dir *InodeStruct, name string, ino uint64) (index uint64, ok bool, err error) {
	var (
		dirIndexEntries []DirIndexEntryStruct
	)

	dirIndexEntries, err = ScanDirIndex(dir, 0)
	if nil != err {
		return
	}

	for _, dirIndexEntry := range dirIndexEntries {
		if (dirIndexEntry.Entry.Name == name) && (dirIndexEntry.Entry.Location.ObjectID == ino) {
			index = dirIndexEntry.Index
			ok = true
			return
		}
	}

	return
}

// LookupDirItem returns the entry of dir named name.
func LookupDirItem(dir *InodeStruct, name string) (dirEntry ilayout.DirEntryStruct, ok bool, err error) {
	var (
		dirEntries []ilayout.DirEntryStruct
		payload    []byte
	)

	payload, ok, err = dir.Root.Tree.Search(DirItemKey(dir.Ino, name))
	if (nil != err) || !ok {
		return
	}

	dirEntries, err = ilayout.UnmarshalDirEntries(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		ok = false
		return
	}

	for _, dirEntry = range dirEntries {
		if dirEntry.Name == name {
			return
		}
	}

	dirEntry = ilayout.DirEntryStruct{}
	ok = false

	return
}

// LookupDirIndex returns the entry of dir at index, honoring delayed
// insertions and deletions.
func LookupDirIndex(dir *InodeStruct, index uint64) (dirEntry ilayout.DirEntryStruct, ok bool, err error) {
	var (
		delayedDirItem *DelayedDirItemStruct
		dirEntries     []ilayout.DirEntryStruct
		payload        []byte
	)

	delayedDirItem = dir.delayedInsertion(index)
	if nil != delayedDirItem {
		dirEntry = delayedDirItem.Entry
		ok = true
		return
	}
	if nil != dir.delayedDeletion(index) {
		return
	}

	payload, ok, err = dir.Root.Tree.Search(DirIndexKey(dir.Ino, index))
	if (nil != err) || !ok {
		return
	}

	dirEntries, err = ilayout.UnmarshalDirEntries(payload)
	if (nil == err) && (1 != len(dirEntries)) {
		err = blunder.NewError(blunder.CorruptInodeError, "ctree: DirIndex %d of dir %d holds %d entries", index, dir.Ino, len(dirEntries))
	}
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		ok = false
		return
	}

	dirEntry = dirEntries[0]

	return
}

// ScanDirIndex returns every entry of dir at or beyond index fromIndex, in
// index order, honoring delayed insertions and deletions.
func ScanDirIndex(dir *InodeStruct, fromIndex uint64) (dirIndexEntries []DirIndexEntryStruct, err error) {
	var (
		dirEntries []ilayout.DirEntryStruct
	)

	dirIndexEntries = make([]DirIndexEntryStruct, 0)

	err = dir.Root.Tree.Scan(DirIndexKey(dir.Ino, fromIndex), DirIndexKey(dir.Ino, ^uint64(0)), func(item itemstore.ItemStruct) (keepGoing bool, err error) {
		if nil != dir.delayedDeletion(item.Key.Offset) {
			keepGoing = true
			return
		}
		dirEntries, err = ilayout.UnmarshalDirEntries(item.Payload)
		if nil != err {
			err = blunder.AddError(err, blunder.CorruptInodeError)
			return
		}
		for _, dirEntry := range dirEntries {
			dirIndexEntries = append(dirIndexEntries, DirIndexEntryStruct{Index: item.Key.Offset, Entry: dirEntry})
		}
		keepGoing = true
		return
	})
	if nil != err {
		return
	}

	for _, delayedDirItem := range dir.DelayedInsertions() {
		if delayedDirItem.Index >= fromIndex {
			dirIndexEntries = append(dirIndexEntries, DirIndexEntryStruct{Index: delayedDirItem.Index, Entry: delayedDirItem.Entry})
		}
	}

	sort.Slice(dirIndexEntries, func(i, j int) bool { return dirIndexEntries[i].Index < dirIndexEntries[j].Index })

	return
}

// InodeRefs returns every link of inode recorded in its InodeRef and
// InodeExtRef items.
func InodeRefs(inode *InodeStruct) (inodeRefs []InodeRefStruct, err error) {
	inodeRefs, err = ScanInodeRefs(inode.Root.Tree, inode.Ino)
	return
}

// ScanInodeRefs returns every link of inode ino recorded in tree, which may
// be an fs tree, its commit root, or a log tree.
func ScanInodeRefs(tree *itemstore.Tree, ino uint64) (inodeRefs []InodeRefStruct, err error) {
	var (
		inodeExtRefEntries []ilayout.InodeExtRefEntryStruct
		inodeRefEntries    []ilayout.InodeRefEntryStruct
	)

	inodeRefs = make([]InodeRefStruct, 0)

	err = tree.Scan(
		ilayout.Key{ObjectID: ino, Type: ilayout.InodeRefKey, Offset: 0},
		ilayout.Key{ObjectID: ino, Type: ilayout.InodeExtRefKey, Offset: ^uint64(0)},
		func(item itemstore.ItemStruct) (keepGoing bool, err error) {
			switch item.Key.Type {
			case ilayout.InodeRefKey:
				inodeRefEntries, err = ilayout.UnmarshalInodeRefs(item.Payload)
				if nil != err {
					err = blunder.AddError(err, blunder.CorruptInodeError)
					return
				}
				for _, inodeRefEntry := range inodeRefEntries {
					inodeRefs = append(inodeRefs, InodeRefStruct{Parent: item.Key.Offset, Index: inodeRefEntry.Index, Name: inodeRefEntry.Name})
				}
			case ilayout.InodeExtRefKey:
				inodeExtRefEntries, err = ilayout.UnmarshalInodeExtRefs(item.Payload)
				if nil != err {
					err = blunder.AddError(err, blunder.CorruptInodeError)
					return
				}
				for _, inodeExtRefEntry := range inodeExtRefEntries {
					inodeRefs = append(inodeRefs, InodeRefStruct{Parent: inodeExtRefEntry.Parent, Index: inodeExtRefEntry.Index, Name: inodeExtRefEntry.Name, Ext: true})
				}
			}
			keepGoing = true
			return
		})

	return
}

// LookupInodeRef returns the DirIndex recorded for the link of inode named
// name in parent.
func LookupInodeRef(inode *InodeStruct, parent uint64, name string) (index uint64, ok bool, err error) {
	var (
		inodeRefs []InodeRefStruct
	)

	inodeRefs, err = InodeRefs(inode)
	if nil != err {
		return
	}

	for _, inodeRef := range inodeRefs {
		if (inodeRef.Parent == parent) && (inodeRef.Name == name) {
			index = inodeRef.Index
			ok = true
			return
		}
	}

	return
}
