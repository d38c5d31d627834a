// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package ilayout specifies the persistent layout of the items, objects, and
// superblock making up a volume. All fixed size structs are serialized via
// cstruct in LittleEndian format. Variable length items (names, checksums) are
// a sequence of fixed size headers each followed by the bytes they count.
//
package ilayout

import (
	"fmt"
)

// Key identifies an item in any of the trees (fs trees, the root tree, the
// csum tree, and every Log Tree). Items sort by ObjectID, then Type, then Offset.
//
type Key struct {
	ObjectID uint64
	Type     uint8
	Offset   uint64
}

// KeySize is the number of bytes a Key occupies when packed.
//
const KeySize = 8 + 1 + 8

const (
	MaxNameLen = 255 // limit on directory entry, ref, and xattr names

	CsumSize = 4 // one crc32c per sector

	InodeRefHeaderSize = 8 + 2 // Index + NameLen

	dirEntryHeaderSize = KeySize + 8 + 1 + 2 // Location + TransID + FileType + NameLen
	allocFreeRangeSize = 8 + 8
	allocExtentRefSize = 8 + 8 + 8
)

// Key Type values. The relative order matters: an inode's items sort
// InodeItem, refs, xattrs, and then (for directories) dir items or (for
// files) extents.
//
const (
	InodeItemKey   uint8 = 1
	InodeRefKey    uint8 = 12
	InodeExtRefKey uint8 = 13
	XattrItemKey   uint8 = 24
	OrphanItemKey  uint8 = 48
	DirLogIndexKey uint8 = 72  // DirLogRange; Offset is the first covered index
	DirItemKey     uint8 = 84  // Offset is NameHash(name)
	DirIndexKey    uint8 = 96  // Offset is the per-directory index
	ExtentDataKey  uint8 = 108 // Offset is the file offset
	ExtentCsumKey  uint8 = 128 // Offset is the logical (disk) byte number
	RootItemKey    uint8 = 132 // Offset is the subvolume id (or 0)

	MaxKeyType uint8 = 0xFF
)

// Well known ObjectIDs.
//
const (
	RootTreeObjectID uint64 = 1
	FsTreeObjectID   uint64 = 5 // the default subvolume
	CsumTreeObjectID uint64 = 7

	OrphanObjectID       uint64 = ^uint64(0) - 4 // -5
	TreeLogObjectID      uint64 = ^uint64(0) - 5 // -6
	TreeLogFixupObjectID uint64 = ^uint64(0) - 6 // -7
	ExtentCsumObjectID   uint64 = ^uint64(0) - 9 // -10

	FirstFreeObjectID uint64 = 256
	LastFreeObjectID  uint64 = ^uint64(0) - 255 // -256

	RootDirObjectID = FirstFreeObjectID // every subvolume's top directory
)

// DirStartIndex is the first DirIndex offset handed out in a directory.
// Indices 0 and 1 are reserved for "." and ".." which are not stored.
//
const DirStartIndex uint64 = 2

// Mode bits stored in InodeItemStruct.Mode.
//
const (
	ModeTypeMask uint32 = 0o170000
	ModeDir      uint32 = 0o040000
	ModeReg      uint32 = 0o100000
	ModeSymlink  uint32 = 0o120000
	ModePermMask uint32 = 0o7777
)

// FileType* values are recorded in directory entries.
//
const (
	FileTypeUnknown uint8 = 0
	FileTypeReg     uint8 = 1
	FileTypeDir     uint8 = 2
	FileTypeSymlink uint8 = 7
)

// FileExtentType* values for FileExtentItemStruct.Type.
//
const (
	FileExtentReg      uint8 = 1
	FileExtentPrealloc uint8 = 2
)

// InodeItemStruct is the payload of an InodeItemKey item.
//
// A Generation of 0 in a Log Tree marks an "exists only" record: the inode
// must exist after replay but its size and generation are not authoritative.
//
type InodeItemStruct struct {
	Generation uint64 // transid in which the inode was created
	TransID    uint64 // last transid in which the inode was changed
	Size       uint64
	NBytes     uint64 // bytes of disk extents referenced
	NLink      uint32
	UID        uint32
	GID        uint32
	Mode       uint32
	Flags      uint64
	Sequence   uint64
	MTime      uint64 // nanoseconds since the epoch
	CTime      uint64
}

// IsDir reports whether the inode is a directory.
func (inodeItem *InodeItemStruct) IsDir() bool {
	return ModeDir == (inodeItem.Mode & ModeTypeMask)
}

// IsReg reports whether the inode is a regular file.
func (inodeItem *InodeItemStruct) IsReg() bool {
	return ModeReg == (inodeItem.Mode & ModeTypeMask)
}

func (inodeItem *InodeItemStruct) MarshalInodeItem() (inodeItemBuf []byte, err error) {
	inodeItemBuf, err = marshalFixed(inodeItem)
	return
}

func UnmarshalInodeItem(inodeItemBuf []byte) (inodeItem *InodeItemStruct, err error) {
	inodeItem = &InodeItemStruct{}
	err = unmarshalFixed(inodeItemBuf, inodeItem, "InodeItem")
	return
}

// DirEntryStruct is one entry of a DirItemKey or DirIndexKey item. A DirItem
// may hold more than one entry should two names collide in NameHash(); a
// DirIndex always holds exactly one.
//
// Each entry is serialized as a dirEntryHeaderStruct followed by the name.
//
type DirEntryStruct struct {
	Location Key // {ino, InodeItemKey, 0}
	TransID  uint64
	FileType uint8
	Name     string
}

// InodeRefEntryStruct is one entry of an InodeRefKey item keyed by
// {ino, InodeRefKey, parentDirIno}.
//
type InodeRefEntryStruct struct {
	Index uint64 // DirIndex offset of the name in the parent
	Name  string
}

// InodeExtRefEntryStruct is one entry of an InodeExtRefKey item keyed by
// {ino, InodeExtRefKey, ExtRefHash(parent, name)}. ExtRefs hold the names
// that no longer fit in the parent's InodeRef item.
//
type InodeExtRefEntryStruct struct {
	Parent uint64
	Index  uint64
	Name   string
}

// XattrEntryStruct is one entry of an XattrItemKey item keyed by
// {ino, XattrItemKey, NameHash(name)}.
//
type XattrEntryStruct struct {
	Name  string
	Value []byte
}

// FileExtentItemStruct is the payload of an ExtentDataKey item.
//
// DiskBytenr == 0 denotes a hole. Offset is the offset into the disk extent
// at which this file range begins and NumBytes the length of the file range.
//
type FileExtentItemStruct struct {
	Generation   uint64
	RAMBytes     uint64
	Type         uint8
	DiskBytenr   uint64
	DiskNumBytes uint64
	Offset       uint64
	NumBytes     uint64
}

func (fileExtentItem *FileExtentItemStruct) MarshalFileExtentItem() (fileExtentItemBuf []byte, err error) {
	fileExtentItemBuf, err = marshalFixed(fileExtentItem)
	return
}

func UnmarshalFileExtentItem(fileExtentItemBuf []byte) (fileExtentItem *FileExtentItemStruct, err error) {
	fileExtentItem = &FileExtentItemStruct{}
	err = unmarshalFixed(fileExtentItemBuf, fileExtentItem, "FileExtentItem")
	return
}

// DirLogItemStruct is the payload of a DirLogIndexKey item keyed by
// {dirIno, DirLogIndexKey, start}. The log is authoritative for the
// directory's DirIndex offsets in [start, End].
//
type DirLogItemStruct struct {
	End uint64
}

func (dirLogItem *DirLogItemStruct) MarshalDirLogItem() (dirLogItemBuf []byte, err error) {
	dirLogItemBuf, err = marshalFixed(dirLogItem)
	return
}

func UnmarshalDirLogItem(dirLogItemBuf []byte) (dirLogItem *DirLogItemStruct, err error) {
	dirLogItem = &DirLogItemStruct{}
	err = unmarshalFixed(dirLogItemBuf, dirLogItem, "DirLogItem")
	return
}

// RootItemStruct is the payload of a RootItemKey item. In the root tree it
// is keyed by {subvolID, RootItemKey, 0} (and {CsumTreeObjectID, ...} for the
// csum tree); in the Log-Root Tree by {TreeLogObjectID, RootItemKey, subvolID}.
//
type RootItemStruct struct {
	RootObjectNumber uint64
	RootObjectOffset uint64
	RootObjectLength uint64
	Generation       uint64 // transid of the tree's last write-out
	HighestObjectID  uint64 // 0 if not tracked (e.g. Log Trees)
}

func (rootItem *RootItemStruct) MarshalRootItem() (rootItemBuf []byte, err error) {
	rootItemBuf, err = marshalFixed(rootItem)
	return
}

func UnmarshalRootItem(rootItemBuf []byte) (rootItem *RootItemStruct, err error) {
	rootItem = &RootItemStruct{}
	err = unmarshalFixed(rootItemBuf, rootItem, "RootItem")
	return
}

// ObjectHeaderMagic identifies an object holding a B+Tree node.
//
const ObjectHeaderMagic uint64 = 0x54524545_4C4F4721 // "TREELOG!"

// ObjectHeaderStruct precedes every B+Tree node image written to an object.
// Crc64 (ECMA) covers the node bytes that follow the header.
//
type ObjectHeaderStruct struct {
	Magic      uint64
	Generation uint64 // transid in which the node was written
	Owner      uint64 // ObjectID of the owning tree
	NodeLength uint64
	Crc64      uint64
}

// ObjectHeaderSize is the packed size of ObjectHeaderStruct.
//
const ObjectHeaderSize = 5 * 8

// SuperBlockMagic identifies a superblock copy.
//
const SuperBlockMagic uint64 = 0x5F425452_46534D21 // "_BTRFSM!"

// NumSuperBlockCopies is the number of superblock copies written.
//
const NumSuperBlockCopies = 3

// SuperBlockStruct is written to each of the NumSuperBlockCopies superblock
// slots followed by a LittleEndian crc64 (ECMA) of the packed struct.
//
// LogRootObjectNumber == 0 means no log needs replay.
//
type SuperBlockStruct struct {
	Magic                uint64
	Generation           uint64 // transid of the last full commit
	SectorSize           uint64
	RootTreeObjectNumber uint64
	RootTreeObjectOffset uint64
	RootTreeObjectLength uint64
	AllocObjectNumber    uint64 // allocator snapshot (0 if none)
	AllocObjectLength    uint64
	NextObjectNumber     uint64 // object numbers are never reused
	LogRootObjectNumber  uint64
	LogRootObjectOffset  uint64
	LogRootObjectLength  uint64
	LogRootTransID       uint64 // log_transid of the Log-Root Tree write-out
	LogRootGeneration    uint64 // transid in which the Log-Root Tree was written
}

// SuperBlockSize is the packed size of SuperBlockStruct plus its crc64.
//
const SuperBlockSize = (14 * 8) + 8

func (superBlock *SuperBlockStruct) MarshalSuperBlock() (superBlockBuf []byte, err error) {
	superBlockBuf, err = superBlock.marshalSuperBlock()
	return
}

// UnmarshalSuperBlock validates Magic and the trailing crc64.
func UnmarshalSuperBlock(superBlockBuf []byte) (superBlock *SuperBlockStruct, err error) {
	superBlock, err = unmarshalSuperBlock(superBlockBuf)
	return
}

// AllocFreeRangeStruct and AllocExtentRefStruct make up the allocator
// snapshot: an AllocSnapshotHeaderStruct followed by NumFreeRanges
// AllocFreeRangeStruct's and then NumExtentRefs AllocExtentRefStruct's.
//
type AllocSnapshotHeaderStruct struct {
	DataAreaEnd   uint64
	NumFreeRanges uint64
	NumExtentRefs uint64
}

type AllocFreeRangeStruct struct {
	Start  uint64
	Length uint64
}

type AllocExtentRefStruct struct {
	Bytenr uint64
	Length uint64
	Refs   uint64
}

// String formats a key the way it appears in log messages.
func (key Key) String() string {
	return fmt.Sprintf("(%s %s %s)", objectIDString(key.ObjectID), keyTypeString(key.Type), offsetString(key.Offset))
}
