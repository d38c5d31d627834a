// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package csumstore

import (
	"hash/crc32"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func (store *StoreStruct) compute(bytenr uint64, buf []byte) (sum SumStruct, err error) {
	if (0 != bytenr%store.sectorSize) || (0 != uint64(len(buf))%store.sectorSize) {
		err = blunder.NewError(blunder.InvalidArgError, "csumstore.Compute(%d,[%d bytes]) not sector aligned", bytenr, len(buf))
		return
	}

	sum.Bytenr = bytenr
	sum.Sums = make([]uint32, uint64(len(buf))/store.sectorSize)

	for i := range sum.Sums {
		sum.Sums[i] = crc32.Checksum(buf[uint64(i)*store.sectorSize:uint64(i+1)*store.sectorSize], crc32cTable)
	}

	return
}

func (store *StoreStruct) verify(tree *itemstore.Tree, bytenr uint64, buf []byte) (err error) {
	var (
		computed SumStruct
		sums     []SumStruct
	)

	computed, err = store.compute(bytenr, buf)
	if nil != err {
		return
	}

	sums, err = store.lookup(tree, bytenr, bytenr+uint64(len(buf)))
	if nil != err {
		return
	}

	for _, sum := range sums {
		first := (sum.Bytenr - bytenr) / store.sectorSize
		for i, expected := range sum.Sums {
			if computed.Sums[first+uint64(i)] != expected {
				err = blunder.NewError(blunder.IOError, "csumstore.Verify() sector at %d has crc32c %08X, expected %08X", sum.Bytenr+uint64(i)*store.sectorSize, computed.Sums[first+uint64(i)], expected)
				return
			}
		}
	}

	return
}

func (store *StoreStruct) itemToSum(item itemstore.ItemStruct) (sum SumStruct, err error) {
	sum.Bytenr = item.Key.Offset
	sum.Sums, err = ilayout.UnmarshalCsums(item.Payload)
	return
}

// overlapping returns the items of tree covering any of [start, end).
func (store *StoreStruct) overlapping(tree *itemstore.Tree, start uint64, end uint64) (sums []SumStruct, err error) {
	var (
		item itemstore.ItemStruct
		ok   bool
		sum  SumStruct
	)

	sums = make([]SumStruct, 0)

	if start >= end {
		return
	}

	// An item starting before start may still reach into the range
	item, ok, err = tree.Prev(Key(start))
	if nil != err {
		return
	}
	if ok && (ilayout.ExtentCsumObjectID == item.Key.ObjectID) && (ilayout.ExtentCsumKey == item.Key.Type) {
		sum, err = store.itemToSum(item)
		if nil != err {
			return
		}
		if store.End(sum) > start {
			sums = append(sums, sum)
		}
	}

	err = tree.Scan(Key(start), Key(end-1), func(item itemstore.ItemStruct) (keepGoing bool, err error) {
		sum, err = store.itemToSum(item)
		if nil != err {
			return
		}
		sums = append(sums, sum)
		keepGoing = true
		return
	})

	return
}

// trim returns the part of sum within [start, end).
func (store *StoreStruct) trim(sum SumStruct, start uint64, end uint64) (trimmed SumStruct) {
	trimmed = sum

	if start > trimmed.Bytenr {
		skip := (start - trimmed.Bytenr) / store.sectorSize
		trimmed.Sums = trimmed.Sums[skip:]
		trimmed.Bytenr += skip * store.sectorSize
	}
	if store.End(trimmed) > end {
		keep := (end - trimmed.Bytenr + store.sectorSize - 1) / store.sectorSize
		trimmed.Sums = trimmed.Sums[:keep]
	}

	return
}

func (store *StoreStruct) lookup(tree *itemstore.Tree, start uint64, end uint64) (sums []SumStruct, err error) {
	var (
		overlapping []SumStruct
	)

	overlapping, err = store.overlapping(tree, start, end)
	if nil != err {
		return
	}

	sums = make([]SumStruct, 0, len(overlapping))
	for _, sum := range overlapping {
		sums = append(sums, store.trim(sum, start, end))
	}

	return
}

func (store *StoreStruct) deleteRange(tree *itemstore.Tree, start uint64, end uint64) (err error) {
	var (
		overlapping []SumStruct
	)

	start = (start / store.sectorSize) * store.sectorSize
	end = ((end + store.sectorSize - 1) / store.sectorSize) * store.sectorSize

	overlapping, err = store.overlapping(tree, start, end)
	if nil != err {
		return
	}

	for _, sum := range overlapping {
		_, err = tree.Delete(Key(sum.Bytenr))
		if nil != err {
			return
		}
		if sum.Bytenr < start {
			err = store.insert(tree, store.trim(sum, sum.Bytenr, start))
			if nil != err {
				return
			}
		}
		if store.End(sum) > end {
			err = store.insert(tree, store.trim(sum, end, store.End(sum)))
			if nil != err {
				return
			}
		}
	}

	return
}

func (store *StoreStruct) insert(tree *itemstore.Tree, sum SumStruct) (err error) {
	for 0 < len(sum.Sums) {
		n := len(sum.Sums)
		if n > MaxSumsPerItem {
			n = MaxSumsPerItem
		}

		err = tree.Put(Key(sum.Bytenr), ilayout.MarshalCsums(sum.Sums[:n]))
		if nil != err {
			return
		}

		sum.Bytenr += uint64(n) * store.sectorSize
		sum.Sums = sum.Sums[n:]
	}

	return
}
