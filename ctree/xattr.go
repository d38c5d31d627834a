// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"sort"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
)

func XattrKey(ino uint64, name string) ilayout.Key {
	return ilayout.Key{ObjectID: ino, Type: ilayout.XattrItemKey, Offset: ilayout.NameHash(name)}
}

func (inode *InodeStruct) fetchXattrs(key ilayout.Key) (xattrs []ilayout.XattrEntryStruct, err error) {
	var (
		ok      bool
		payload []byte
	)

	payload, ok, err = inode.Root.Tree.Search(key)
	if (nil != err) || !ok {
		return
	}

	xattrs, err = ilayout.UnmarshalXattrs(payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
	}

	return
}

func (inode *InodeStruct) storeXattrs(key ilayout.Key, xattrs []ilayout.XattrEntryStruct) (err error) {
	var (
		payload []byte
	)

	if 0 == len(xattrs) {
		_, err = inode.Root.Tree.Delete(key)
		return
	}

	payload, err = ilayout.MarshalXattrs(xattrs)
	if nil != err {
		return
	}

	err = inode.Root.Tree.Put(key, payload)

	return
}

// SetXattr creates or replaces the extended attribute name of inode.
func (inode *InodeStruct) SetXattr(trans *TransStruct, name string, value []byte) (err error) {
	var (
		xattrs []ilayout.XattrEntryStruct
	)

	err = checkName(name)
	if nil != err {
		return
	}

	key := XattrKey(inode.Ino, name)

	xattrs, err = inode.fetchXattrs(key)
	if nil != err {
		return
	}

	replaced := false
	for xattrIndex := range xattrs {
		if xattrs[xattrIndex].Name == name {
			xattrs[xattrIndex].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		xattrs = append(xattrs, ilayout.XattrEntryStruct{Name: name, Value: value})
	}

	err = inode.storeXattrs(key, xattrs)
	if nil != err {
		return
	}

	err = inode.UpdateInode(trans)
	if nil != err {
		return
	}

	inode.setCopyEverything()

	return
}

// RemoveXattr removes the extended attribute name of inode.
func (inode *InodeStruct) RemoveXattr(trans *TransStruct, name string) (err error) {
	var (
		xattrs []ilayout.XattrEntryStruct
	)

	key := XattrKey(inode.Ino, name)

	xattrs, err = inode.fetchXattrs(key)
	if nil != err {
		return
	}

	for xattrIndex := range xattrs {
		if xattrs[xattrIndex].Name == name {
			err = inode.storeXattrs(key, append(xattrs[:xattrIndex], xattrs[xattrIndex+1:]...))
			if nil != err {
				return
			}
			err = inode.UpdateInode(trans)
			if nil != err {
				return
			}
			inode.setCopyEverything()
			return
		}
	}

	err = blunder.NewError(blunder.NoDataError, "ctree.RemoveXattr() inode %d has no xattr \"%s\"", inode.Ino, name)

	return
}

// GetXattr returns the value of the extended attribute name of inode.
func (inode *InodeStruct) GetXattr(name string) (value []byte, err error) {
	var (
		xattrs []ilayout.XattrEntryStruct
	)

	xattrs, err = inode.fetchXattrs(XattrKey(inode.Ino, name))
	if nil != err {
		return
	}

	for _, xattr := range xattrs {
		if xattr.Name == name {
			value = xattr.Value
			return
		}
	}

	err = blunder.NewError(blunder.NoDataError, "ctree.GetXattr() inode %d has no xattr \"%s\"", inode.Ino, name)

	return
}

// ListXattrs returns the sorted names of the extended attributes of inode.
func (inode *InodeStruct) ListXattrs() (names []string, err error) {
	var (
		xattrs []ilayout.XattrEntryStruct
	)

	names = make([]string, 0)

	err = inode.Root.Tree.Scan(
		ilayout.Key{ObjectID: inode.Ino, Type: ilayout.XattrItemKey, Offset: 0},
		ilayout.Key{ObjectID: inode.Ino, Type: ilayout.XattrItemKey, Offset: ^uint64(0)},
		func(item itemstore.ItemStruct) (keepGoing bool, err error) {
			xattrs, err = ilayout.UnmarshalXattrs(item.Payload)
			if nil != err {
				err = blunder.AddError(err, blunder.CorruptInodeError)
				return
			}
			for _, xattr := range xattrs {
				names = append(names, xattr.Name)
			}
			keepGoing = true
			return
		})

	sort.Strings(names)

	return
}
