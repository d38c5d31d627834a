// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package csumstore keeps per-sector crc32c data checksums as ExtentCsumKey
// items of an itemstore.Tree. The same code serves the csum tree and the
// checksum items of a Log Tree.
//
// An item keyed {ExtentCsumObjectID, ExtentCsumKey, bytenr} holds the
// checksums of the consecutive sectors starting at bytenr.
//
package csumstore

import (
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/itemstore"
)

// MaxSumsPerItem caps the checksums held by a single item.
const MaxSumsPerItem = 256

// SumStruct holds the checksums of the sectors starting at Bytenr.
//
type SumStruct struct {
	Bytenr uint64
	Sums   []uint32
}

// StoreStruct performs checksum operations for a given sector size.
//
type StoreStruct struct {
	sectorSize uint64
}

// New returns a StoreStruct for sectors of sectorSize bytes.
func New(sectorSize uint64) (store *StoreStruct) {
	store = &StoreStruct{sectorSize: sectorSize}
	return
}

// SectorSize returns the sector size checksums are computed over.
func (store *StoreStruct) SectorSize() uint64 {
	return store.sectorSize
}

// Key returns the key of the item holding the checksums starting at bytenr.
func Key(bytenr uint64) ilayout.Key {
	return ilayout.Key{ObjectID: ilayout.ExtentCsumObjectID, Type: ilayout.ExtentCsumKey, Offset: bytenr}
}

// End returns the first byte beyond the sectors covered by sum.
func (store *StoreStruct) End(sum SumStruct) uint64 {
	return sum.Bytenr + (uint64(len(sum.Sums)) * store.sectorSize)
}

// Compute returns the checksums of the sectors of buf, which must be sector
// aligned in length, as if stored at bytenr.
func (store *StoreStruct) Compute(bytenr uint64, buf []byte) (sum SumStruct, err error) {
	sum, err = store.compute(bytenr, buf)
	return
}

// Verify checks buf, read from bytenr, against the checksums in tree.
// Sectors without checksums are not checked.
func (store *StoreStruct) Verify(tree *itemstore.Tree, bytenr uint64, buf []byte) (err error) {
	err = store.verify(tree, bytenr, buf)
	return
}

// Lookup returns the checksums recorded in tree for [start, end), trimmed
// to that range, in ascending order.
func (store *StoreStruct) Lookup(tree *itemstore.Tree, start uint64, end uint64) (sums []SumStruct, err error) {
	sums, err = store.lookup(tree, start, end)
	return
}

// DeleteRange removes the checksums of [start, end) from tree, trimming
// items that straddle either boundary.
func (store *StoreStruct) DeleteRange(tree *itemstore.Tree, start uint64, end uint64) (err error) {
	err = store.deleteRange(tree, start, end)
	return
}

// Insert stores sum in tree, split into items of at most MaxSumsPerItem
// checksums. Existing items are not consulted: callers that may overlap
// existing checksums must DeleteRange() first.
func (store *StoreStruct) Insert(tree *itemstore.Tree, sum SumStruct) (err error) {
	err = store.insert(tree, sum)
	return
}
