// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ilayout

import (
	"fmt"
	"hash/crc64"

	"github.com/NVIDIA/cstruct"
	"github.com/creachadair/cityhash"
)

var crc64ECMATable = crc64.MakeTable(crc64.ECMA)

// Compare returns <0, 0, or >0 as key sorts before, equal to, or after otherKey.
func (key Key) Compare(otherKey Key) int {
	switch {
	case key.ObjectID < otherKey.ObjectID:
		return -1
	case key.ObjectID > otherKey.ObjectID:
		return 1
	case key.Type < otherKey.Type:
		return -1
	case key.Type > otherKey.Type:
		return 1
	case key.Offset < otherKey.Offset:
		return -1
	case key.Offset > otherKey.Offset:
		return 1
	default:
		return 0
	}
}

// Less reports whether key sorts before otherKey.
func (key Key) Less(otherKey Key) bool {
	return key.Compare(otherKey) < 0
}

// Next returns the smallest Key sorting after key.
func (key Key) Next() (nextKey Key) {
	nextKey = key
	if ^uint64(0) != nextKey.Offset {
		nextKey.Offset++
		return
	}
	nextKey.Offset = 0
	if MaxKeyType != nextKey.Type {
		nextKey.Type++
		return
	}
	nextKey.Type = 0
	nextKey.ObjectID++
	return
}

// PackKey serializes a Key into KeySize bytes.
func PackKey(key Key) (keyBuf []byte) {
	keyBuf = make([]byte, KeySize)

	curPos, _ := lePutUint64ToBuf(keyBuf, 0, key.ObjectID)
	curPos, _ = lePutUint8ToBuf(keyBuf, curPos, key.Type)
	_, _ = lePutUint64ToBuf(keyBuf, curPos, key.Offset)

	return
}

// UnpackKey deserializes a Key from the front of keyBuf.
func UnpackKey(keyBuf []byte) (key Key, bytesConsumed uint64, err error) {
	var (
		curPos int
	)

	key.ObjectID, curPos, err = leGetUint64FromBuf(keyBuf, 0)
	if nil != err {
		return
	}
	key.Type, curPos, err = leGetUint8FromBuf(keyBuf, curPos)
	if nil != err {
		return
	}
	key.Offset, curPos, err = leGetUint64FromBuf(keyBuf, curPos)
	if nil != err {
		return
	}

	bytesConsumed = uint64(curPos)
	return
}

// NameHash computes the key offset of DirItem and XattrItem items.
func NameHash(name string) uint64 {
	return cityhash.Hash64([]byte(name))
}

// ExtRefHash computes the key offset of InodeExtRef items.
func ExtRefHash(parent uint64, name string) uint64 {
	return cityhash.Hash64WithSeed([]byte(name), parent)
}

// Crc64 is the checksum used for object headers and superblocks.
func Crc64(buf []byte) uint64 {
	return crc64.Checksum(buf, crc64ECMATable)
}

func marshalFixed(obj interface{}) (buf []byte, err error) {
	buf, err = cstruct.Pack(obj, cstruct.LittleEndian)
	return
}

func unmarshalFixed(buf []byte, obj interface{}, what string) (err error) {
	var (
		bytesConsumed uint64
		bytesNeeded   uint64
	)

	bytesNeeded, _, err = cstruct.Examine(obj)
	if nil != err {
		return
	}
	if uint64(len(buf)) != bytesNeeded {
		err = fmt.Errorf("%s payload length %d != expected %d", what, len(buf), bytesNeeded)
		return
	}

	bytesConsumed, err = cstruct.Unpack(buf, obj, cstruct.LittleEndian)
	if nil != err {
		return
	}
	if bytesConsumed != bytesNeeded {
		err = fmt.Errorf("%s unpack consumed %d of %d bytes", what, bytesConsumed, bytesNeeded)
	}

	return
}

// MarshalDirEntries serializes the entries of a DirItem or DirIndex item.
func MarshalDirEntries(dirEntries []DirEntryStruct) (dirEntriesBuf []byte, err error) {
	var (
		curPos   int
		dirEntry DirEntryStruct
		bufLen   int
	)

	for _, dirEntry = range dirEntries {
		if len(dirEntry.Name) > MaxNameLen {
			err = fmt.Errorf("name too long (%d)", len(dirEntry.Name))
			return
		}
		bufLen += dirEntryHeaderSize + len(dirEntry.Name)
	}

	dirEntriesBuf = make([]byte, bufLen)

	for _, dirEntry = range dirEntries {
		curPos, err = lePutKeyToBuf(dirEntriesBuf, curPos, dirEntry.Location)
		if nil != err {
			return
		}
		curPos, err = lePutUint64ToBuf(dirEntriesBuf, curPos, dirEntry.TransID)
		if nil != err {
			return
		}
		curPos, err = lePutUint8ToBuf(dirEntriesBuf, curPos, dirEntry.FileType)
		if nil != err {
			return
		}
		curPos, err = lePutShortStringToBuf(dirEntriesBuf, curPos, dirEntry.Name)
		if nil != err {
			return
		}
	}

	return
}

// UnmarshalDirEntries deserializes the entries of a DirItem or DirIndex item.
func UnmarshalDirEntries(dirEntriesBuf []byte) (dirEntries []DirEntryStruct, err error) {
	var (
		curPos   int
		dirEntry DirEntryStruct
	)

	dirEntries = make([]DirEntryStruct, 0, 1)

	for curPos < len(dirEntriesBuf) {
		dirEntry.Location, curPos, err = leGetKeyFromBuf(dirEntriesBuf, curPos)
		if nil != err {
			return
		}
		dirEntry.TransID, curPos, err = leGetUint64FromBuf(dirEntriesBuf, curPos)
		if nil != err {
			return
		}
		dirEntry.FileType, curPos, err = leGetUint8FromBuf(dirEntriesBuf, curPos)
		if nil != err {
			return
		}
		dirEntry.Name, curPos, err = leGetShortStringFromBuf(dirEntriesBuf, curPos)
		if nil != err {
			return
		}
		dirEntries = append(dirEntries, dirEntry)
	}

	return
}

// MarshalInodeRefs serializes the entries of an InodeRef item.
func MarshalInodeRefs(inodeRefs []InodeRefEntryStruct) (inodeRefsBuf []byte, err error) {
	var (
		bufLen   int
		curPos   int
		inodeRef InodeRefEntryStruct
	)

	for _, inodeRef = range inodeRefs {
		bufLen += InodeRefHeaderSize + len(inodeRef.Name)
	}

	inodeRefsBuf = make([]byte, bufLen)

	for _, inodeRef = range inodeRefs {
		curPos, err = lePutUint64ToBuf(inodeRefsBuf, curPos, inodeRef.Index)
		if nil != err {
			return
		}
		curPos, err = lePutShortStringToBuf(inodeRefsBuf, curPos, inodeRef.Name)
		if nil != err {
			return
		}
	}

	return
}

// UnmarshalInodeRefs deserializes the entries of an InodeRef item.
func UnmarshalInodeRefs(inodeRefsBuf []byte) (inodeRefs []InodeRefEntryStruct, err error) {
	var (
		curPos   int
		inodeRef InodeRefEntryStruct
	)

	inodeRefs = make([]InodeRefEntryStruct, 0, 1)

	for curPos < len(inodeRefsBuf) {
		inodeRef.Index, curPos, err = leGetUint64FromBuf(inodeRefsBuf, curPos)
		if nil != err {
			return
		}
		inodeRef.Name, curPos, err = leGetShortStringFromBuf(inodeRefsBuf, curPos)
		if nil != err {
			return
		}
		inodeRefs = append(inodeRefs, inodeRef)
	}

	return
}

// MarshalInodeExtRefs serializes the entries of an InodeExtRef item.
func MarshalInodeExtRefs(inodeExtRefs []InodeExtRefEntryStruct) (inodeExtRefsBuf []byte, err error) {
	var (
		bufLen      int
		curPos      int
		inodeExtRef InodeExtRefEntryStruct
	)

	for _, inodeExtRef = range inodeExtRefs {
		bufLen += 8 + InodeRefHeaderSize + len(inodeExtRef.Name)
	}

	inodeExtRefsBuf = make([]byte, bufLen)

	for _, inodeExtRef = range inodeExtRefs {
		curPos, err = lePutUint64ToBuf(inodeExtRefsBuf, curPos, inodeExtRef.Parent)
		if nil != err {
			return
		}
		curPos, err = lePutUint64ToBuf(inodeExtRefsBuf, curPos, inodeExtRef.Index)
		if nil != err {
			return
		}
		curPos, err = lePutShortStringToBuf(inodeExtRefsBuf, curPos, inodeExtRef.Name)
		if nil != err {
			return
		}
	}

	return
}

// UnmarshalInodeExtRefs deserializes the entries of an InodeExtRef item.
func UnmarshalInodeExtRefs(inodeExtRefsBuf []byte) (inodeExtRefs []InodeExtRefEntryStruct, err error) {
	var (
		curPos      int
		inodeExtRef InodeExtRefEntryStruct
	)

	inodeExtRefs = make([]InodeExtRefEntryStruct, 0, 1)

	for curPos < len(inodeExtRefsBuf) {
		inodeExtRef.Parent, curPos, err = leGetUint64FromBuf(inodeExtRefsBuf, curPos)
		if nil != err {
			return
		}
		inodeExtRef.Index, curPos, err = leGetUint64FromBuf(inodeExtRefsBuf, curPos)
		if nil != err {
			return
		}
		inodeExtRef.Name, curPos, err = leGetShortStringFromBuf(inodeExtRefsBuf, curPos)
		if nil != err {
			return
		}
		inodeExtRefs = append(inodeExtRefs, inodeExtRef)
	}

	return
}

// MarshalXattrs serializes the entries of an XattrItem item.
func MarshalXattrs(xattrs []XattrEntryStruct) (xattrsBuf []byte, err error) {
	var (
		bufLen int
		curPos int
		xattr  XattrEntryStruct
	)

	for _, xattr = range xattrs {
		bufLen += 2 + len(xattr.Name) + 4 + len(xattr.Value)
	}

	xattrsBuf = make([]byte, bufLen)

	for _, xattr = range xattrs {
		curPos, err = lePutShortStringToBuf(xattrsBuf, curPos, xattr.Name)
		if nil != err {
			return
		}
		curPos, err = lePutUint32ToBuf(xattrsBuf, curPos, uint32(len(xattr.Value)))
		if nil != err {
			return
		}
		curPos, err = lePutBytesToBuf(xattrsBuf, curPos, xattr.Value)
		if nil != err {
			return
		}
	}

	return
}

// UnmarshalXattrs deserializes the entries of an XattrItem item.
func UnmarshalXattrs(xattrsBuf []byte) (xattrs []XattrEntryStruct, err error) {
	var (
		curPos   int
		valueLen uint32
		xattr    XattrEntryStruct
	)

	xattrs = make([]XattrEntryStruct, 0, 1)

	for curPos < len(xattrsBuf) {
		xattr.Name, curPos, err = leGetShortStringFromBuf(xattrsBuf, curPos)
		if nil != err {
			return
		}
		valueLen, curPos, err = leGetUint32FromBuf(xattrsBuf, curPos)
		if nil != err {
			return
		}
		xattr.Value, curPos, err = leGetBytesFromBuf(xattrsBuf, curPos, int(valueLen))
		if nil != err {
			return
		}
		xattrs = append(xattrs, xattr)
	}

	return
}

// MarshalCsums serializes the per-sector crc32c values of an ExtentCsum item.
func MarshalCsums(csums []uint32) (csumsBuf []byte) {
	var (
		curPos int
	)

	csumsBuf = make([]byte, CsumSize*len(csums))

	for _, csum := range csums {
		curPos, _ = lePutUint32ToBuf(csumsBuf, curPos, csum)
	}

	return
}

// UnmarshalCsums deserializes the per-sector crc32c values of an ExtentCsum item.
func UnmarshalCsums(csumsBuf []byte) (csums []uint32, err error) {
	var (
		curPos int
	)

	if 0 != (len(csumsBuf) % CsumSize) {
		err = fmt.Errorf("ExtentCsum payload length %d not a multiple of %d", len(csumsBuf), CsumSize)
		return
	}

	csums = make([]uint32, len(csumsBuf)/CsumSize)

	for i := range csums {
		csums[i], curPos, err = leGetUint32FromBuf(csumsBuf, curPos)
		if nil != err {
			return
		}
	}

	return
}

// MarshalObjectHeader prepends an ObjectHeaderStruct to nodeBuf.
func MarshalObjectHeader(generation uint64, owner uint64, nodeBuf []byte) (objectBuf []byte, err error) {
	var (
		objectHeader *ObjectHeaderStruct
		headerBuf    []byte
	)

	objectHeader = &ObjectHeaderStruct{
		Magic:      ObjectHeaderMagic,
		Generation: generation,
		Owner:      owner,
		NodeLength: uint64(len(nodeBuf)),
		Crc64:      Crc64(nodeBuf),
	}

	headerBuf, err = marshalFixed(objectHeader)
	if nil != err {
		return
	}

	objectBuf = make([]byte, 0, len(headerBuf)+len(nodeBuf))
	objectBuf = append(objectBuf, headerBuf...)
	objectBuf = append(objectBuf, nodeBuf...)

	return
}

// UnmarshalObjectHeader validates the header and checksum of objectBuf
// returning the header and the node bytes that follow it.
func UnmarshalObjectHeader(objectBuf []byte) (objectHeader *ObjectHeaderStruct, nodeBuf []byte, err error) {
	if len(objectBuf) < ObjectHeaderSize {
		err = fmt.Errorf("object of %d bytes too short for header", len(objectBuf))
		return
	}

	objectHeader = &ObjectHeaderStruct{}

	err = unmarshalFixed(objectBuf[:ObjectHeaderSize], objectHeader, "ObjectHeader")
	if nil != err {
		return
	}

	if ObjectHeaderMagic != objectHeader.Magic {
		err = fmt.Errorf("object header magic %016X != %016X", objectHeader.Magic, ObjectHeaderMagic)
		return
	}
	if uint64(len(objectBuf)-ObjectHeaderSize) != objectHeader.NodeLength {
		err = fmt.Errorf("object node length %d != header NodeLength %d", len(objectBuf)-ObjectHeaderSize, objectHeader.NodeLength)
		return
	}

	nodeBuf = objectBuf[ObjectHeaderSize:]

	if Crc64(nodeBuf) != objectHeader.Crc64 {
		err = fmt.Errorf("object crc64 mismatch (generation %d owner %d)", objectHeader.Generation, objectHeader.Owner)
		return
	}

	return
}

func (superBlock *SuperBlockStruct) marshalSuperBlock() (superBlockBuf []byte, err error) {
	var (
		packedBuf []byte
	)

	packedBuf, err = marshalFixed(superBlock)
	if nil != err {
		return
	}

	superBlockBuf = make([]byte, len(packedBuf)+8)
	copy(superBlockBuf, packedBuf)

	_, err = lePutUint64ToBuf(superBlockBuf, len(packedBuf), Crc64(packedBuf))

	return
}

func unmarshalSuperBlock(superBlockBuf []byte) (superBlock *SuperBlockStruct, err error) {
	var (
		crc64Found uint64
	)

	if SuperBlockSize != len(superBlockBuf) {
		err = fmt.Errorf("superblock length %d != %d", len(superBlockBuf), SuperBlockSize)
		return
	}

	crc64Found, _, err = leGetUint64FromBuf(superBlockBuf, SuperBlockSize-8)
	if nil != err {
		return
	}
	if Crc64(superBlockBuf[:SuperBlockSize-8]) != crc64Found {
		err = fmt.Errorf("superblock crc64 mismatch")
		return
	}

	superBlock = &SuperBlockStruct{}

	err = unmarshalFixed(superBlockBuf[:SuperBlockSize-8], superBlock, "SuperBlock")
	if nil != err {
		return
	}

	if SuperBlockMagic != superBlock.Magic {
		err = fmt.Errorf("superblock magic %016X != %016X", superBlock.Magic, SuperBlockMagic)
	}

	return
}

// MarshalAllocSnapshot serializes an allocator snapshot.
func MarshalAllocSnapshot(dataAreaEnd uint64, freeRanges []AllocFreeRangeStruct, extentRefs []AllocExtentRefStruct) (snapshotBuf []byte, err error) {
	var (
		elementBuf []byte
	)

	snapshotBuf, err = marshalFixed(&AllocSnapshotHeaderStruct{
		DataAreaEnd:   dataAreaEnd,
		NumFreeRanges: uint64(len(freeRanges)),
		NumExtentRefs: uint64(len(extentRefs)),
	})
	if nil != err {
		return
	}

	for i := range freeRanges {
		elementBuf, err = marshalFixed(&freeRanges[i])
		if nil != err {
			return
		}
		snapshotBuf = append(snapshotBuf, elementBuf...)
	}

	for i := range extentRefs {
		elementBuf, err = marshalFixed(&extentRefs[i])
		if nil != err {
			return
		}
		snapshotBuf = append(snapshotBuf, elementBuf...)
	}

	return
}

// UnmarshalAllocSnapshot deserializes an allocator snapshot.
func UnmarshalAllocSnapshot(snapshotBuf []byte) (dataAreaEnd uint64, freeRanges []AllocFreeRangeStruct, extentRefs []AllocExtentRefStruct, err error) {
	var (
		bytesConsumed uint64
		curPos        uint64
		header        AllocSnapshotHeaderStruct
		wantLen       uint64
	)

	bytesConsumed, err = cstruct.Unpack(snapshotBuf, &header, cstruct.LittleEndian)
	if nil != err {
		return
	}
	curPos = bytesConsumed

	wantLen = curPos + (header.NumFreeRanges * allocFreeRangeSize) + (header.NumExtentRefs * allocExtentRefSize)
	if uint64(len(snapshotBuf)) != wantLen {
		err = fmt.Errorf("alloc snapshot length %d != expected %d", len(snapshotBuf), wantLen)
		return
	}

	dataAreaEnd = header.DataAreaEnd
	freeRanges = make([]AllocFreeRangeStruct, header.NumFreeRanges)
	extentRefs = make([]AllocExtentRefStruct, header.NumExtentRefs)

	for i := range freeRanges {
		err = unmarshalFixed(snapshotBuf[curPos:curPos+allocFreeRangeSize], &freeRanges[i], "AllocFreeRange")
		if nil != err {
			return
		}
		curPos += allocFreeRangeSize
	}

	for i := range extentRefs {
		err = unmarshalFixed(snapshotBuf[curPos:curPos+allocExtentRefSize], &extentRefs[i], "AllocExtentRef")
		if nil != err {
			return
		}
		curPos += allocExtentRefSize
	}

	return
}

func objectIDString(objectID uint64) string {
	switch objectID {
	case OrphanObjectID:
		return "ORPHAN"
	case TreeLogObjectID:
		return "TREE_LOG"
	case TreeLogFixupObjectID:
		return "TREE_LOG_FIXUP"
	case ExtentCsumObjectID:
		return "EXTENT_CSUM"
	default:
		return fmt.Sprintf("%d", objectID)
	}
}

func keyTypeString(keyType uint8) string {
	switch keyType {
	case InodeItemKey:
		return "INODE_ITEM"
	case InodeRefKey:
		return "INODE_REF"
	case InodeExtRefKey:
		return "INODE_EXTREF"
	case XattrItemKey:
		return "XATTR_ITEM"
	case OrphanItemKey:
		return "ORPHAN_ITEM"
	case DirLogIndexKey:
		return "DIR_LOG_INDEX"
	case DirItemKey:
		return "DIR_ITEM"
	case DirIndexKey:
		return "DIR_INDEX"
	case ExtentDataKey:
		return "EXTENT_DATA"
	case ExtentCsumKey:
		return "EXTENT_CSUM"
	case RootItemKey:
		return "ROOT_ITEM"
	default:
		return fmt.Sprintf("UNKNOWN.%d", keyType)
	}
}

func offsetString(offset uint64) string {
	if ^uint64(0) == offset {
		return "-1"
	}
	return fmt.Sprintf("%d", offset)
}

func leGetUint8FromBuf(buf []byte, curPos int) (u8 uint8, nextPos int, err error) {
	nextPos = curPos + 1

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint8")
		return
	}

	u8 = buf[curPos]

	err = nil
	return
}

func lePutUint8ToBuf(buf []byte, curPos int, u8 uint8) (nextPos int, err error) {
	nextPos = curPos + 1

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint8")
		return
	}

	buf[curPos] = u8

	err = nil
	return
}

func leGetUint16FromBuf(buf []byte, curPos int) (u16 uint16, nextPos int, err error) {
	nextPos = curPos + 2

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint16")
		return
	}

	u16 = uint16(buf[curPos]) | (uint16(buf[curPos+1]) << 8)

	err = nil
	return
}

func lePutUint16ToBuf(buf []byte, curPos int, u16 uint16) (nextPos int, err error) {
	nextPos = curPos + 2

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint16")
		return
	}

	buf[curPos] = uint8(u16 & 0xFF)
	buf[curPos+1] = uint8(u16 >> 8)

	err = nil
	return
}

func leGetUint32FromBuf(buf []byte, curPos int) (u32 uint32, nextPos int, err error) {
	nextPos = curPos + 4

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint32")
		return
	}

	for i := 3; i >= 0; i-- {
		u32 = (u32 << 8) | uint32(buf[curPos+i])
	}

	err = nil
	return
}

func lePutUint32ToBuf(buf []byte, curPos int, u32 uint32) (nextPos int, err error) {
	nextPos = curPos + 4

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint32")
		return
	}

	for i := 0; i < 4; i++ {
		buf[curPos+i] = uint8(u32 >> (8 * uint(i)))
	}

	err = nil
	return
}

func leGetUint64FromBuf(buf []byte, curPos int) (u64 uint64, nextPos int, err error) {
	nextPos = curPos + 8

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint64")
		return
	}

	for i := 7; i >= 0; i-- {
		u64 = (u64 << 8) | uint64(buf[curPos+i])
	}

	err = nil
	return
}

func lePutUint64ToBuf(buf []byte, curPos int, u64 uint64) (nextPos int, err error) {
	nextPos = curPos + 8

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for uint64")
		return
	}

	for i := 0; i < 8; i++ {
		buf[curPos+i] = uint8(u64 >> (8 * uint(i)))
	}

	err = nil
	return
}

func leGetKeyFromBuf(buf []byte, curPos int) (key Key, nextPos int, err error) {
	key.ObjectID, nextPos, err = leGetUint64FromBuf(buf, curPos)
	if nil != err {
		return
	}
	key.Type, nextPos, err = leGetUint8FromBuf(buf, nextPos)
	if nil != err {
		return
	}
	key.Offset, nextPos, err = leGetUint64FromBuf(buf, nextPos)
	return
}

func lePutKeyToBuf(buf []byte, curPos int, key Key) (nextPos int, err error) {
	nextPos, err = lePutUint64ToBuf(buf, curPos, key.ObjectID)
	if nil != err {
		return
	}
	nextPos, err = lePutUint8ToBuf(buf, nextPos, key.Type)
	if nil != err {
		return
	}
	nextPos, err = lePutUint64ToBuf(buf, nextPos, key.Offset)
	return
}

func leGetBytesFromBuf(buf []byte, curPos int, n int) (b []byte, nextPos int, err error) {
	nextPos = curPos + n

	if (n < 0) || (nextPos > len(buf)) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for []byte of reported length")
		return
	}

	b = make([]byte, n)
	copy(b, buf[curPos:nextPos])

	err = nil
	return
}

func lePutBytesToBuf(buf []byte, curPos int, b []byte) (nextPos int, err error) {
	nextPos = curPos + len(b)

	if nextPos > len(buf) {
		err = fmt.Errorf("Insufficient space in buf[curPos:] for []byte")
		return
	}

	copy(buf[curPos:nextPos], b)

	err = nil
	return
}

// leGetShortStringFromBuf reads a string preceded by a uint16 length.
func leGetShortStringFromBuf(buf []byte, curPos int) (s string, nextPos int, err error) {
	var (
		b    []byte
		sLen uint16
	)

	sLen, nextPos, err = leGetUint16FromBuf(buf, curPos)
	if nil != err {
		return
	}

	b, nextPos, err = leGetBytesFromBuf(buf, nextPos, int(sLen))
	if nil != err {
		return
	}

	s = string(b)
	return
}

func lePutShortStringToBuf(buf []byte, curPos int, s string) (nextPos int, err error) {
	if len(s) > MaxNameLen {
		err = fmt.Errorf("string of length %d exceeds %d", len(s), MaxNameLen)
		return
	}

	nextPos, err = lePutUint16ToBuf(buf, curPos, uint16(len(s)))
	if nil != err {
		return
	}

	nextPos, err = lePutBytesToBuf(buf, nextPos, []byte(s))
	return
}
