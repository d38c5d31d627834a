// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package itemstore provides the keyed item store every tree of a volume is
// built on: a B+Tree of (ilayout.Key, payload) items whose nodes are written,
// each prefixed by an ilayout.ObjectHeaderStruct, to blockdev objects.
//
// Payloads are copied on the way in and on the way out so that callers may
// freely modify what they hold. Scans are performed over CloneRange()
// snapshots so that the scanned tree (or another) may be modified while the
// snapshot is walked.
//
package itemstore

import (
	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/trackedlock"
)

// ObjectAllocator hands out object numbers for newly written nodes and
// accepts stale nodes for (deferred) deletion.
//
type ObjectAllocator interface {
	AllocObject() (objectNumber uint64, err error)
	FreeObject(objectNumber uint64)
}

// ItemStruct is one item of a Tree.
//
type ItemStruct struct {
	Key     ilayout.Key
	Payload []byte
}

// LocationStruct locates the root node of a flushed Tree.
//
type LocationStruct struct {
	ObjectNumber uint64
	ObjectOffset uint64
	ObjectLength uint64
}

// IsZero reports whether location refers to no tree at all.
func (location LocationStruct) IsZero() bool {
	return 0 == location.ObjectNumber
}

// TreeConfigStruct describes where a Tree's nodes live.
//
type TreeConfigStruct struct {
	Owner          uint64 // ObjectID recorded in each node's ObjectHeaderStruct
	MaxKeysPerNode uint64 // must be even
	Device         *blockdev.DeviceStruct
	Allocator      ObjectAllocator // nil for a read-only Tree
	Cache          sortedmap.BPlusTreeCache
	MaxGeneration  uint64 // if non-zero, nodes written in a later generation are rejected
}

// Tree is one B+Tree of items. All methods serialize on the Tree's mutex.
//
type Tree struct {
	mutex         trackedlock.Mutex
	config        TreeConfigStruct
	bPlusTree     sortedmap.BPlusTree
	generation    uint64         // of the Flush() in progress
	mark          blockdev.Mark  // of the Flush() in progress
	tryAgain      bool           // a node write in the Flush() in progress reported TryAgainError
	lastLocation  LocationStruct // as of the last Flush()
	callbacks     *callbacksStruct
	freeAllCalled bool
}

// NewCache returns a node cache that may be shared by any number of Trees.
func NewCache(evictLowLimit uint64, evictHighLimit uint64) sortedmap.BPlusTreeCache {
	return sortedmap.NewBPlusTreeCache(evictLowLimit, evictHighLimit)
}

// New returns an empty Tree.
func New(config TreeConfigStruct) (tree *Tree) {
	tree = newTree(config)
	return
}

// Open returns the Tree rooted at location. A zero location yields an empty Tree.
func Open(config TreeConfigStruct, location LocationStruct) (tree *Tree, err error) {
	tree, err = openTree(config, location)
	return
}

// Owner returns the ObjectID recorded in the Tree's node headers.
func (tree *Tree) Owner() uint64 {
	return tree.config.Owner
}

// Len returns the number of items in the Tree.
func (tree *Tree) Len() (numItems int, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	numItems, err = tree.bPlusTree.Len()
	return
}

// Search returns a copy of the payload of the item with the given key.
func (tree *Tree) Search(key ilayout.Key) (payload []byte, ok bool, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	payload, ok, err = tree.search(key)
	return
}

// Insert adds an item, failing with FileExistsError if key is present.
func (tree *Tree) Insert(key ilayout.Key, payload []byte) (err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	err = tree.insert(key, payload)
	return
}

// InsertBatch adds items, none of which may already be present. Either all
// or none of the items are inserted.
func (tree *Tree) InsertBatch(items []ItemStruct) (err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	err = tree.insertBatch(items)
	return
}

// Put inserts an item or overwrites the payload of an existing one.
func (tree *Tree) Put(key ilayout.Key, payload []byte) (err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	err = tree.put(key, payload)
	return
}

// Resize truncates, or zero extends, the payload of an existing item.
func (tree *Tree) Resize(key ilayout.Key, newSize int) (err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	err = tree.resize(key, newSize)
	return
}

// Delete removes the item with the given key if present.
func (tree *Tree) Delete(key ilayout.Key) (ok bool, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	ok, err = tree.bPlusTree.DeleteByKey(key)
	return
}

// DeleteRange removes every item with startKey <= key <= endKey.
func (tree *Tree) DeleteRange(startKey ilayout.Key, endKey ilayout.Key) (numDeleted int, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	numDeleted, err = tree.deleteRange(startKey, endKey)
	return
}

// Seek returns the first item with a key >= key.
func (tree *Tree) Seek(key ilayout.Key) (item ItemStruct, ok bool, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	item, ok, err = tree.seek(key, false)
	return
}

// Next returns the first item with a key > key.
func (tree *Tree) Next(key ilayout.Key) (item ItemStruct, ok bool, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	item, ok, err = tree.seek(key, true)
	return
}

// Prev returns the last item with a key < key.
func (tree *Tree) Prev(key ilayout.Key) (item ItemStruct, ok bool, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	item, ok, err = tree.prev(key)
	return
}

// CloneRange returns copies of up to maxItems items (all if maxItems <= 0)
// with startKey <= key <= endKey.
func (tree *Tree) CloneRange(startKey ilayout.Key, endKey ilayout.Key, maxItems int) (items []ItemStruct, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	items, err = tree.cloneRange(startKey, endKey, maxItems)
	return
}

// Scan calls fn for each item with startKey <= key <= endKey in key order
// until fn returns false or an error. The Tree is not locked while fn runs.
func (tree *Tree) Scan(startKey ilayout.Key, endKey ilayout.Key, fn func(item ItemStruct) (keepGoing bool, err error)) (err error) {
	err = tree.scan(startKey, endKey, fn)
	return
}

// Flush writes every modified node, tagged with generation and submitted
// under mark, and returns the location of the root. Nodes made stale are
// handed to the ObjectAllocator. A TryAgainError is returned alongside a
// valid location if the device reported interleaved write generations.
func (tree *Tree) Flush(generation uint64, mark blockdev.Mark) (location LocationStruct, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	location, err = tree.flush(generation, mark)
	return
}

// LastLocation returns the root location of the last Flush() (or Open()).
func (tree *Tree) LastLocation() (location LocationStruct) {
	tree.mutex.Lock()
	location = tree.lastLocation
	tree.mutex.Unlock()
	return
}

// ObjectNumbers returns the object numbers of every flushed node of the Tree.
func (tree *Tree) ObjectNumbers() (objectNumbers []uint64, err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	objectNumbers, err = tree.objectNumbers()
	return
}

// FreeAll hands every node of the Tree to the ObjectAllocator. The Tree
// must not be used afterwards.
func (tree *Tree) FreeAll() (err error) {
	tree.mutex.Lock()
	defer tree.mutex.Unlock()

	err = tree.freeAll()
	return
}
