// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package ctree

import (
	"math"

	"github.com/google/btree"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
	"github.com/NVIDIA/treelog/logger"
)

func ExtentDataKey(ino uint64, fileOffset uint64) ilayout.Key {
	return ilayout.Key{ObjectID: ino, Type: ilayout.ExtentDataKey, Offset: fileOffset}
}

func (fsInfo *FsInfoStruct) roundDown(n uint64) uint64 {
	return n - (n % fsInfo.Config.SectorSize)
}

func (fsInfo *FsInfoStruct) roundUp(n uint64) uint64 {
	return fsInfo.roundDown(n + fsInfo.Config.SectorSize - 1)
}

func unmarshalFileExtent(item itemstore.ItemStruct) (fileExtent FileExtentStruct, err error) {
	var (
		fileExtentItem *ilayout.FileExtentItemStruct
	)

	fileExtentItem, err = ilayout.UnmarshalFileExtentItem(item.Payload)
	if nil != err {
		err = blunder.AddError(err, blunder.CorruptInodeError)
		return
	}

	fileExtent = FileExtentStruct{FileOffset: item.Key.Offset, Item: *fileExtentItem}

	return
}

// End returns the file offset just past the extent.
func (fileExtent *FileExtentStruct) End() uint64 {
	return fileExtent.FileOffset + fileExtent.Item.NumBytes
}

// IsHole reports whether the extent records a hole.
func (fileExtent *FileExtentStruct) IsHole() bool {
	return 0 == fileExtent.Item.DiskBytenr
}

// FileExtents returns the ExtentData items of inode ino in tree that overlap
// [start, end), in file offset order.
func FileExtents(tree *itemstore.Tree, ino uint64, start uint64, end uint64) (fileExtents []FileExtentStruct, err error) {
	var (
		fileExtent FileExtentStruct
		item       itemstore.ItemStruct
		ok         bool
	)

	fileExtents = make([]FileExtentStruct, 0)

	if start >= end {
		return
	}

	item, ok, err = tree.Prev(ExtentDataKey(ino, start))
	if nil != err {
		return
	}
	if ok && (ino == item.Key.ObjectID) && (ilayout.ExtentDataKey == item.Key.Type) {
		fileExtent, err = unmarshalFileExtent(item)
		if nil != err {
			return
		}
		if fileExtent.End() > start {
			fileExtents = append(fileExtents, fileExtent)
		}
	}

	err = tree.Scan(ExtentDataKey(ino, start), ExtentDataKey(ino, end-1), func(item itemstore.ItemStruct) (keepGoing bool, err error) {
		fileExtent, err = unmarshalFileExtent(item)
		if nil != err {
			return
		}
		fileExtents = append(fileExtents, fileExtent)
		keepGoing = true
		return
	})

	return
}

// InsertFileExtent adds an ExtentData item for inode ino at fileOffset. The
// range must have been cleared by DropExtents().
func InsertFileExtent(tree *itemstore.Tree, ino uint64, fileOffset uint64, fileExtentItem *ilayout.FileExtentItemStruct) (err error) {
	var (
		payload []byte
	)

	payload, err = fileExtentItem.MarshalFileExtentItem()
	if nil != err {
		return
	}

	err = tree.Insert(ExtentDataKey(ino, fileOffset), payload)

	return
}

// DropExtents removes the file range [start, end) of inode ino from tree,
// splitting extents that straddle either boundary. It returns the number of
// bytes of non-hole extents dropped. With updateRefs, data extent references
// follow the items and the checksums of freed data extents are deleted; log
// trees pass false.
func DropExtents(trans *TransStruct, tree *itemstore.Tree, ino uint64, start uint64, end uint64, updateRefs bool) (droppedBytes uint64, err error) {
	var (
		fileExtents []FileExtentStruct
		refs        uint64
	)

	fsInfo := trans.fsInfo

	fileExtents, err = FileExtents(tree, ino, start, end)
	if nil != err {
		return
	}

	for _, fileExtent := range fileExtents {
		extentEnd := fileExtent.End()
		keepHead := fileExtent.FileOffset < start
		keepTail := extentEnd > end

		_, err = tree.Delete(ExtentDataKey(ino, fileExtent.FileOffset))
		if nil != err {
			return
		}

		if keepHead {
			head := fileExtent.Item
			head.NumBytes = start - fileExtent.FileOffset
			err = InsertFileExtent(tree, ino, fileExtent.FileOffset, &head)
			if nil != err {
				return
			}
		}

		if keepTail {
			tail := fileExtent.Item
			tail.NumBytes = extentEnd - end
			if !fileExtent.IsHole() {
				tail.Offset += end - fileExtent.FileOffset
			}
			err = InsertFileExtent(tree, ino, end, &tail)
			if nil != err {
				return
			}
		}

		if fileExtent.IsHole() {
			continue
		}

		dropStart := fileExtent.FileOffset
		if keepHead {
			dropStart = start
		}
		dropEnd := extentEnd
		if keepTail {
			dropEnd = end
		}
		droppedBytes += dropEnd - dropStart

		if !updateRefs {
			continue
		}

		if keepHead && keepTail {
			err = fsInfo.Allocator.IncExtentRef(fileExtent.Item.DiskBytenr, fileExtent.Item.DiskNumBytes)
			if nil != err {
				return
			}
		}

		if !keepHead && !keepTail {
			err = fsInfo.Allocator.DecExtentRef(fileExtent.Item.DiskBytenr)
			if nil != err {
				return
			}
			refs, err = fsInfo.Allocator.LookupDataExtent(fileExtent.Item.DiskBytenr, 0)
			if nil != err {
				return
			}
			if (0 == refs) && (ilayout.FileExtentReg == fileExtent.Item.Type) {
				err = fsInfo.CsumStore.DeleteRange(fsInfo.CsumTree, fileExtent.Item.DiskBytenr, fileExtent.Item.DiskBytenr+fileExtent.Item.DiskNumBytes)
				if nil != err {
					return
				}
			}
		}
	}

	return
}

func (inode *InodeStruct) subBytes(n uint64) {
	if inode.Item.NBytes >= n {
		inode.Item.NBytes -= n
	} else {
		logger.Warnf("ctree inode %d of subvolume %d nbytes %d underflow by %d", inode.Ino, inode.Root.ID, inode.Item.NBytes, n)
		inode.Item.NBytes = 0
	}
}

// AddBytes accounts n more bytes of data extents to inode.
func (inode *InodeStruct) AddBytes(n uint64) {
	inode.Item.NBytes += n
}

// SubBytes accounts n fewer bytes of data extents to inode.
func (inode *InodeStruct) SubBytes(n uint64) {
	inode.subBytes(n)
}

// insertHole records [start, end) of a file as a hole, unless holes are
// implicit.
func (inode *InodeStruct) insertHole(trans *TransStruct, start uint64, end uint64) (err error) {
	if inode.Root.FsInfo.Config.NoHoles || (start >= end) {
		return
	}

	err = InsertFileExtent(inode.Root.Tree, inode.Ino, start, &ilayout.FileExtentItemStruct{
		Generation: trans.TransID,
		RAMBytes:   end - start,
		Type:       ilayout.FileExtentReg,
		NumBytes:   end - start,
	})
	if nil != err {
		return
	}

	inode.addModifiedExtent(&ExtentMapStruct{
		Start:      start,
		Len:        end - start,
		Generation: trans.TransID,
	})

	return
}

// Write stores buf at file offset. Partial sectors are read, modified, and
// written out as part of a newly allocated data extent.
func (inode *InodeStruct) Write(trans *TransStruct, offset uint64, buf []byte) (err error) {
	var (
		alignedBuf    []byte
		bytenr        uint64
		droppedBytes  uint64
		existingBuf   []byte
		extentMap     *ExtentMapStruct
		orderedExtent *OrderedExtentStruct
	)

	if !inode.IsReg() {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Write() inode %d is not a regular file", inode.Ino)
		return
	}
	if 0 == len(buf) {
		return
	}

	fsInfo := inode.Root.FsInfo

	alignedStart := fsInfo.roundDown(offset)
	alignedEnd := fsInfo.roundUp(offset + uint64(len(buf)))

	alignedBuf = make([]byte, alignedEnd-alignedStart)
	if (alignedStart < offset) || (alignedEnd > offset+uint64(len(buf))) {
		existingBuf, err = inode.ReadData(alignedStart, alignedEnd-alignedStart)
		if nil != err {
			return
		}
		copy(alignedBuf, existingBuf)
	}
	copy(alignedBuf[offset-alignedStart:], buf)

	bytenr, err = fsInfo.Allocator.AllocDataExtent(uint64(len(alignedBuf)))
	if nil != err {
		return
	}

	err = fsInfo.Device.WriteData(bytenr, alignedBuf)
	if nil != err {
		_ = fsInfo.Allocator.DecExtentRef(bytenr)
		return
	}

	orderedExtent = &OrderedExtentStruct{
		FileOffset: alignedStart,
		NumBytes:   uint64(len(alignedBuf)),
		DiskBytenr: bytenr,
	}
	orderedExtent.Sums, err = fsInfo.CsumStore.Compute(bytenr, alignedBuf)
	if nil != err {
		return
	}

	droppedBytes, err = DropExtents(trans, inode.Root.Tree, inode.Ino, alignedStart, alignedEnd, true)
	if nil != err {
		return
	}
	inode.subBytes(droppedBytes)

	if alignedStart > fsInfo.roundUp(inode.Item.Size) {
		err = inode.insertHole(trans, fsInfo.roundUp(inode.Item.Size), alignedStart)
		if nil != err {
			return
		}
	}

	err = InsertFileExtent(inode.Root.Tree, inode.Ino, alignedStart, &ilayout.FileExtentItemStruct{
		Generation:   trans.TransID,
		RAMBytes:     uint64(len(alignedBuf)),
		Type:         ilayout.FileExtentReg,
		DiskBytenr:   bytenr,
		DiskNumBytes: uint64(len(alignedBuf)),
		Offset:       0,
		NumBytes:     uint64(len(alignedBuf)),
	})
	if nil != err {
		return
	}
	inode.AddBytes(uint64(len(alignedBuf)))

	err = fsInfo.CsumStore.Insert(fsInfo.CsumTree, orderedExtent.Sums)
	if nil != err {
		return
	}

	if offset+uint64(len(buf)) > inode.Item.Size {
		inode.Item.Size = offset + uint64(len(buf))
	}

	err = inode.UpdateInode(trans)
	if nil != err {
		return
	}

	extentMap = &ExtentMapStruct{
		Start:        alignedStart,
		Len:          uint64(len(alignedBuf)),
		DiskBytenr:   bytenr,
		DiskNumBytes: uint64(len(alignedBuf)),
		Offset:       0,
		RAMBytes:     uint64(len(alignedBuf)),
		Generation:   trans.TransID,
	}
	inode.addModifiedExtent(extentMap)
	inode.addOrderedExtent(orderedExtent)

	fsInfo.stats.DataWriteBytes.Add(uint64(len(buf)))

	return
}

// ReadData returns up to length bytes at file offset, stopping at the size of
// the file. Holes and preallocated extents read as zeroes. Checksums, where
// recorded, are verified.
func (inode *InodeStruct) ReadData(offset uint64, length uint64) (buf []byte, err error) {
	var (
		diskBuf     []byte
		fileExtents []FileExtentStruct
	)

	fsInfo := inode.Root.FsInfo

	if offset >= inode.Item.Size {
		buf = make([]byte, 0)
		return
	}
	if offset+length > inode.Item.Size {
		length = inode.Item.Size - offset
	}

	buf = make([]byte, length)

	fileExtents, err = FileExtents(inode.Root.Tree, inode.Ino, offset, offset+length)
	if nil != err {
		return
	}

	for _, fileExtent := range fileExtents {
		if fileExtent.IsHole() || (ilayout.FileExtentPrealloc == fileExtent.Item.Type) {
			continue
		}

		// Extents are sector aligned so whole sectors are read and verified
		readStart := fsInfo.roundDown(maxUint64(offset, fileExtent.FileOffset))
		if readStart < fileExtent.FileOffset {
			readStart = fileExtent.FileOffset
		}
		readEnd := fsInfo.roundUp(minUint64(offset+length, fileExtent.End()))
		if readEnd > fileExtent.End() {
			readEnd = fileExtent.End()
		}

		diskStart := fileExtent.Item.DiskBytenr + fileExtent.Item.Offset + (readStart - fileExtent.FileOffset)

		diskBuf, err = fsInfo.Device.ReadData(diskStart, readEnd-readStart)
		if nil != err {
			return
		}

		err = fsInfo.CsumStore.Verify(fsInfo.CsumTree, diskStart, diskBuf)
		if nil != err {
			return
		}

		copyStart := maxUint64(offset, readStart)
		copyEnd := minUint64(offset+length, readEnd)
		copy(buf[copyStart-offset:copyEnd-offset], diskBuf[copyStart-readStart:copyEnd-readStart])
	}

	fsInfo.stats.DataReadBytes.Add(length)

	return
}

func maxUint64(a uint64, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minUint64(a uint64, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// TruncateItems drops every extent of inode at or beyond file offset from,
// which is rounded up to a sector boundary. Replay uses it to cut a file
// back to its logged size.
func (inode *InodeStruct) TruncateItems(trans *TransStruct, from uint64) (err error) {
	var (
		droppedBytes uint64
	)

	from = inode.Root.FsInfo.roundUp(from)

	droppedBytes, err = DropExtents(trans, inode.Root.Tree, inode.Ino, from, math.MaxUint64, true)
	if nil != err {
		return
	}
	inode.subBytes(droppedBytes)

	inode.dropModifiedExtentsFrom(from)

	return
}

func (inode *InodeStruct) dropModifiedExtentsFrom(from uint64) {
	var (
		doomed []*ExtentMapStruct
	)

	inode.extentMutex.Lock()
	inode.modifiedExtents.Ascend(func(item btree.Item) bool {
		extentMap := item.(*ExtentMapStruct)
		if extentMap.Start >= from {
			doomed = append(doomed, extentMap)
		} else if extentMap.Start+extentMap.Len > from {
			extentMap.Len = from - extentMap.Start
		}
		return true
	})
	for _, extentMap := range doomed {
		inode.modifiedExtents.Delete(extentMap)
	}
	inode.extentMutex.Unlock()
}

// Truncate sets the size of a regular file, dropping or zeroing data beyond
// the new size. The inode must be logged in full by its next fsync.
func (inode *InodeStruct) Truncate(trans *TransStruct, size uint64) (err error) {
	var (
		zeroes []byte
	)

	if !inode.IsReg() {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Truncate() inode %d is not a regular file", inode.Ino)
		return
	}

	fsInfo := inode.Root.FsInfo

	if size < inode.Item.Size {
		if 0 != size%fsInfo.Config.SectorSize {
			zeroLen := minUint64(fsInfo.roundUp(size), inode.Item.Size) - size
			zeroes = make([]byte, zeroLen)
			err = inode.Write(trans, size, zeroes)
			if nil != err {
				return
			}
		}
		err = inode.TruncateItems(trans, size)
		if nil != err {
			return
		}
	} else if size > inode.Item.Size {
		err = inode.insertHole(trans, fsInfo.roundUp(inode.Item.Size), fsInfo.roundUp(size))
		if nil != err {
			return
		}
	}

	inode.Item.Size = size

	err = inode.UpdateInode(trans)
	if nil != err {
		return
	}

	inode.setNeedsFullSync()

	return
}

// Fallocate preallocates every hole in [offset, offset+length). Unless
// keepSize, the file grows to cover the range.
func (inode *InodeStruct) Fallocate(trans *TransStruct, offset uint64, length uint64, keepSize bool) (err error) {
	var (
		bytenr      uint64
		fileExtents []FileExtentStruct
		holeStarts  []uint64
		holeEnds    []uint64
	)

	if !inode.IsReg() {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Fallocate() inode %d is not a regular file", inode.Ino)
		return
	}
	if 0 == length {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Fallocate() of zero length")
		return
	}

	fsInfo := inode.Root.FsInfo

	alignedStart := fsInfo.roundDown(offset)
	alignedEnd := fsInfo.roundUp(offset + length)

	fileExtents, err = FileExtents(inode.Root.Tree, inode.Ino, alignedStart, alignedEnd)
	if nil != err {
		return
	}

	cursor := alignedStart
	for _, fileExtent := range fileExtents {
		if fileExtent.IsHole() {
			continue
		}
		if fileExtent.FileOffset > cursor {
			holeStarts = append(holeStarts, cursor)
			holeEnds = append(holeEnds, fileExtent.FileOffset)
		}
		cursor = maxUint64(cursor, fileExtent.End())
	}
	if cursor < alignedEnd {
		holeStarts = append(holeStarts, cursor)
		holeEnds = append(holeEnds, alignedEnd)
	}

	for holeIndex, holeStart := range holeStarts {
		holeLen := holeEnds[holeIndex] - holeStart

		bytenr, err = fsInfo.Allocator.AllocDataExtent(holeLen)
		if nil != err {
			return
		}

		// Only a hole item can be in the way
		_, err = DropExtents(trans, inode.Root.Tree, inode.Ino, holeStart, holeEnds[holeIndex], true)
		if nil != err {
			return
		}

		err = InsertFileExtent(inode.Root.Tree, inode.Ino, holeStart, &ilayout.FileExtentItemStruct{
			Generation:   trans.TransID,
			RAMBytes:     holeLen,
			Type:         ilayout.FileExtentPrealloc,
			DiskBytenr:   bytenr,
			DiskNumBytes: holeLen,
			Offset:       0,
			NumBytes:     holeLen,
		})
		if nil != err {
			return
		}
		inode.AddBytes(holeLen)

		inode.addModifiedExtent(&ExtentMapStruct{
			Start:        holeStart,
			Len:          holeLen,
			DiskBytenr:   bytenr,
			DiskNumBytes: holeLen,
			RAMBytes:     holeLen,
			Prealloc:     true,
			Generation:   trans.TransID,
		})
	}

	if !keepSize && (offset+length > inode.Item.Size) {
		if fsInfo.roundUp(inode.Item.Size) < alignedStart {
			err = inode.insertHole(trans, fsInfo.roundUp(inode.Item.Size), alignedStart)
			if nil != err {
				return
			}
		}
		inode.Item.Size = offset + length
	}

	err = inode.UpdateInode(trans)

	return
}

// Clone makes [dstOffset, dstOffset+length) of dst share the data extents of
// [srcOffset, srcOffset+length) of src. Offsets must be sector aligned, as
// must length unless the range ends at the size of src.
func Clone(trans *TransStruct, src *InodeStruct, srcOffset uint64, length uint64, dst *InodeStruct, dstOffset uint64) (err error) {
	var (
		droppedBytes uint64
		fileExtents  []FileExtentStruct
	)

	fsInfo := dst.Root.FsInfo

	if !src.IsReg() || !dst.IsReg() {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Clone() of inodes %d and %d requires regular files", src.Ino, dst.Ino)
		return
	}
	if src.Root != dst.Root {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Clone() across subvolumes %d and %d", src.Root.ID, dst.Root.ID)
		return
	}
	if (0 != srcOffset%fsInfo.Config.SectorSize) || (0 != dstOffset%fsInfo.Config.SectorSize) {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Clone() offsets %d and %d not sector aligned", srcOffset, dstOffset)
		return
	}
	if (0 == length) || (srcOffset+length > src.Item.Size) {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Clone() range [%d,+%d) beyond size %d of inode %d", srcOffset, length, src.Item.Size, src.Ino)
		return
	}
	if (0 != length%fsInfo.Config.SectorSize) && (srcOffset+length != src.Item.Size) {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Clone() length %d not sector aligned", length)
		return
	}
	if (src == dst) && (srcOffset < dstOffset+length) && (dstOffset < srcOffset+length) {
		err = blunder.NewError(blunder.InvalidArgError, "ctree.Clone() within inode %d overlaps itself", src.Ino)
		return
	}

	alignedLen := fsInfo.roundUp(length)

	fileExtents, err = FileExtents(src.Root.Tree, src.Ino, srcOffset, srcOffset+alignedLen)
	if nil != err {
		return
	}

	droppedBytes, err = DropExtents(trans, dst.Root.Tree, dst.Ino, dstOffset, dstOffset+alignedLen, true)
	if nil != err {
		return
	}
	dst.subBytes(droppedBytes)

	for _, fileExtent := range fileExtents {
		pieceStart := maxUint64(fileExtent.FileOffset, srcOffset)
		pieceEnd := minUint64(fileExtent.End(), srcOffset+alignedLen)

		clonedItem := fileExtent.Item
		clonedItem.Generation = trans.TransID
		clonedItem.NumBytes = pieceEnd - pieceStart
		if !fileExtent.IsHole() {
			clonedItem.Offset += pieceStart - fileExtent.FileOffset
		} else if fsInfo.Config.NoHoles {
			continue
		}

		if !fileExtent.IsHole() {
			err = fsInfo.Allocator.IncExtentRef(clonedItem.DiskBytenr, clonedItem.DiskNumBytes)
			if nil != err {
				return
			}
		}

		err = InsertFileExtent(dst.Root.Tree, dst.Ino, dstOffset+(pieceStart-srcOffset), &clonedItem)
		if nil != err {
			return
		}
		if !fileExtent.IsHole() {
			dst.AddBytes(clonedItem.NumBytes)
		}
	}

	if dstOffset+length > dst.Item.Size {
		if fsInfo.roundUp(dst.Item.Size) < dstOffset {
			err = dst.insertHole(trans, fsInfo.roundUp(dst.Item.Size), dstOffset)
			if nil != err {
				return
			}
		}
		dst.Item.Size = dstOffset + length
	}

	err = dst.UpdateInode(trans)
	if nil != err {
		return
	}

	src.LogMutex.Lock()
	src.LastReflinkTrans = trans.TransID
	src.LogMutex.Unlock()

	dst.LogMutex.Lock()
	dst.LastReflinkTrans = trans.TransID
	dst.NeedsFullSync = true
	dst.LogMutex.Unlock()

	return
}

// Extents returns every ExtentData item of a regular file.
func (inode *InodeStruct) Extents() (fileExtents []FileExtentStruct, err error) {
	fileExtents, err = FileExtents(inode.Root.Tree, inode.Ino, 0, math.MaxUint64)
	return
}
