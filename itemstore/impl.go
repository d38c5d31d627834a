// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package itemstore

import (
	"fmt"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/treelog/blockdev"
	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/logger"
)

const scanBatchSize = 64

type callbacksStruct struct {
	tree *Tree
}

func compareKey(key1 sortedmap.Key, key2 sortedmap.Key) (result int, err error) {
	key1AsKey, ok := key1.(ilayout.Key)
	if !ok {
		err = fmt.Errorf("itemstore.compareKey(non-ilayout.Key,) not supported")
		return
	}
	key2AsKey, ok := key2.(ilayout.Key)
	if !ok {
		err = fmt.Errorf("itemstore.compareKey(,non-ilayout.Key) not supported")
		return
	}

	result = key1AsKey.Compare(key2AsKey)

	return
}

func (callbacks *callbacksStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsKey, ok := key.(ilayout.Key)
	if !ok {
		err = fmt.Errorf("itemstore.DumpKey() could not parse key as an ilayout.Key")
		return
	}

	keyAsString = keyAsKey.String()

	err = nil
	return
}

func (callbacks *callbacksStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsByteSlice, ok := value.([]byte)
	if !ok {
		err = fmt.Errorf("itemstore.DumpValue() could not parse value as []byte")
		return
	}

	valueAsString = fmt.Sprintf("[%d bytes]", len(valueAsByteSlice))

	err = nil
	return
}

func (callbacks *callbacksStruct) GetNode(objectNumber uint64, objectOffset uint64, objectLength uint64) (nodeByteSlice []byte, err error) {
	var (
		objectBuf    []byte
		objectHeader *ilayout.ObjectHeaderStruct
		tree         = callbacks.tree
	)

	objectBuf, err = tree.config.Device.ReadObject(objectNumber)
	if nil != err {
		return
	}

	if 0 != objectOffset {
		err = blunder.NewError(blunder.LogCorruptError, "itemstore node 0x%016X at unexpected offset %d", objectNumber, objectOffset)
		return
	}

	objectHeader, nodeByteSlice, err = ilayout.UnmarshalObjectHeader(objectBuf)
	if nil != err {
		err = blunder.AddError(fmt.Errorf("itemstore node 0x%016X: %v", objectNumber, err), blunder.LogCorruptError)
		return
	}

	if uint64(len(nodeByteSlice)) != objectLength {
		err = blunder.NewError(blunder.LogCorruptError, "itemstore node 0x%016X length %d != expected %d", objectNumber, len(nodeByteSlice), objectLength)
		return
	}

	if objectHeader.Owner != tree.config.Owner {
		err = blunder.NewError(blunder.LogCorruptError, "itemstore node 0x%016X owner %d != expected %d", objectNumber, objectHeader.Owner, tree.config.Owner)
		return
	}
	if (0 != tree.config.MaxGeneration) && (objectHeader.Generation > tree.config.MaxGeneration) {
		err = blunder.NewError(blunder.LogCorruptError, "itemstore node 0x%016X generation %d > expected %d", objectNumber, objectHeader.Generation, tree.config.MaxGeneration)
		return
	}

	return
}

// PutNode writes the node wrapped in an ObjectHeaderStruct. The B+Tree
// records only the node's own length, so GetNode() strips the header first.
func (callbacks *callbacksStruct) PutNode(nodeByteSlice []byte) (objectNumber uint64, objectOffset uint64, err error) {
	var (
		objectBuf []byte
		tree      = callbacks.tree
	)

	if nil == tree.config.Allocator {
		err = blunder.NewError(blunder.ReadOnlyError, "itemstore.PutNode() on read-only tree owned by %d", tree.config.Owner)
		return
	}

	objectNumber, err = tree.config.Allocator.AllocObject()
	if nil != err {
		return
	}

	objectBuf, err = ilayout.MarshalObjectHeader(tree.generation, tree.config.Owner, nodeByteSlice)
	if nil != err {
		return
	}

	err = tree.config.Device.WriteObjectAsync(objectNumber, objectBuf, tree.mark)
	if blunder.Is(err, blunder.TryAgainError) {
		tree.tryAgain = true
		err = nil
	}

	objectOffset = 0

	return
}

func (callbacks *callbacksStruct) DiscardNode(objectNumber uint64, objectOffset uint64, objectLength uint64) (err error) {
	if nil == callbacks.tree.config.Allocator {
		err = blunder.NewError(blunder.ReadOnlyError, "itemstore.DiscardNode() on read-only tree owned by %d", callbacks.tree.config.Owner)
		return
	}

	callbacks.tree.config.Allocator.FreeObject(objectNumber)

	return
}

func (callbacks *callbacksStruct) PackKey(key sortedmap.Key) (packedKey []byte, err error) {
	keyAsKey, ok := key.(ilayout.Key)
	if !ok {
		err = fmt.Errorf("itemstore.PackKey() could not parse key as an ilayout.Key")
		return
	}

	packedKey = ilayout.PackKey(keyAsKey)

	return
}

func (callbacks *callbacksStruct) UnpackKey(payloadData []byte) (key sortedmap.Key, bytesConsumed uint64, err error) {
	key, bytesConsumed, err = ilayout.UnpackKey(payloadData)
	return
}

// PackValue prefixes the payload with its uint32 length.
func (callbacks *callbacksStruct) PackValue(value sortedmap.Value) (packedValue []byte, err error) {
	valueAsByteSlice, ok := value.([]byte)
	if !ok {
		err = fmt.Errorf("itemstore.PackValue() could not parse value as []byte")
		return
	}

	packedValue = make([]byte, 4+len(valueAsByteSlice))
	for i := 0; i < 4; i++ {
		packedValue[i] = byte(uint32(len(valueAsByteSlice)) >> (8 * uint(i)))
	}
	copy(packedValue[4:], valueAsByteSlice)

	return
}

func (callbacks *callbacksStruct) UnpackValue(payloadData []byte) (value sortedmap.Value, bytesConsumed uint64, err error) {
	var (
		valueLen uint32
	)

	if len(payloadData) < 4 {
		err = fmt.Errorf("itemstore.UnpackValue() payloadData too short for length")
		return
	}

	for i := 3; i >= 0; i-- {
		valueLen = (valueLen << 8) | uint32(payloadData[i])
	}

	bytesConsumed = 4 + uint64(valueLen)

	if uint64(len(payloadData)) < bytesConsumed {
		err = fmt.Errorf("itemstore.UnpackValue() payloadData too short for value of length %d", valueLen)
		return
	}

	valueAsByteSlice := make([]byte, valueLen)
	copy(valueAsByteSlice, payloadData[4:bytesConsumed])
	value = valueAsByteSlice

	return
}

func newTree(config TreeConfigStruct) (tree *Tree) {
	tree = &Tree{config: config}
	tree.callbacks = &callbacksStruct{tree: tree}
	tree.bPlusTree = sortedmap.NewBPlusTree(config.MaxKeysPerNode, compareKey, tree.callbacks, config.Cache)
	return
}

func openTree(config TreeConfigStruct, location LocationStruct) (tree *Tree, err error) {
	if location.IsZero() {
		tree = newTree(config)
		return
	}

	tree = &Tree{config: config, lastLocation: location}
	tree.callbacks = &callbacksStruct{tree: tree}

	tree.bPlusTree, err = sortedmap.OldBPlusTree(location.ObjectNumber, location.ObjectOffset, location.ObjectLength, compareKey, tree.callbacks, config.Cache)
	if nil != err {
		if blunder.IsNot(err, blunder.LogCorruptError) {
			err = blunder.AddError(err, blunder.LogCorruptError)
		}
		tree = nil
	}

	return
}

func clonePayload(payload []byte) (clone []byte) {
	clone = make([]byte, len(payload))
	copy(clone, payload)
	return
}

func (tree *Tree) search(key ilayout.Key) (payload []byte, ok bool, err error) {
	var (
		value sortedmap.Value
	)

	value, ok, err = tree.bPlusTree.GetByKey(key)
	if (nil != err) || !ok {
		return
	}

	payload = clonePayload(value.([]byte))

	return
}

func (tree *Tree) insert(key ilayout.Key, payload []byte) (err error) {
	var (
		ok bool
	)

	ok, err = tree.bPlusTree.Put(key, clonePayload(payload))
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.FileExistsError, "itemstore item %v already exists", key)
	}

	return
}

func (tree *Tree) insertBatch(items []ItemStruct) (err error) {
	var (
		ok bool
	)

	for _, item := range items {
		_, ok, err = tree.bPlusTree.GetByKey(item.Key)
		if nil != err {
			return
		}
		if ok {
			err = blunder.NewError(blunder.FileExistsError, "itemstore batch item %v already exists", item.Key)
			return
		}
	}

	for index, item := range items {
		err = tree.insert(item.Key, item.Payload)
		if nil != err {
			for _, insertedItem := range items[:index] {
				_, _ = tree.bPlusTree.DeleteByKey(insertedItem.Key)
			}
			return
		}
	}

	return
}

func (tree *Tree) put(key ilayout.Key, payload []byte) (err error) {
	var (
		ok bool
	)

	ok, err = tree.bPlusTree.PatchByKey(key, clonePayload(payload))
	if (nil != err) || ok {
		return
	}

	_, err = tree.bPlusTree.Put(key, clonePayload(payload))

	return
}

func (tree *Tree) resize(key ilayout.Key, newSize int) (err error) {
	var (
		newPayload []byte
		ok         bool
		value      sortedmap.Value
	)

	if newSize < 0 {
		err = blunder.NewError(blunder.InvalidArgError, "itemstore.Resize(%v,%d) negative size", key, newSize)
		return
	}

	value, ok, err = tree.bPlusTree.GetByKey(key)
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "itemstore.Resize(%v,) item not found", key)
		return
	}

	newPayload = make([]byte, newSize)
	copy(newPayload, value.([]byte))

	_, err = tree.bPlusTree.PatchByKey(key, newPayload)

	return
}

// seekIndex returns the index of the first item with a key >= key (or > key
// if strictlyAfter).
func (tree *Tree) seekIndex(key ilayout.Key, strictlyAfter bool) (index int, err error) {
	var (
		found bool
	)

	index, found, err = tree.bPlusTree.BisectRight(key)
	if (nil == err) && found && strictlyAfter {
		index++
	}

	return
}

func (tree *Tree) itemAt(index int) (item ItemStruct, ok bool, err error) {
	var (
		key   sortedmap.Key
		value sortedmap.Value
	)

	if index < 0 {
		return
	}

	key, value, ok, err = tree.bPlusTree.GetByIndex(index)
	if (nil != err) || !ok {
		return
	}

	item.Key = key.(ilayout.Key)
	item.Payload = clonePayload(value.([]byte))

	return
}

func (tree *Tree) seek(key ilayout.Key, strictlyAfter bool) (item ItemStruct, ok bool, err error) {
	var (
		index int
	)

	index, err = tree.seekIndex(key, strictlyAfter)
	if nil != err {
		return
	}

	item, ok, err = tree.itemAt(index)

	return
}

func (tree *Tree) prev(key ilayout.Key) (item ItemStruct, ok bool, err error) {
	var (
		found bool
		index int
	)

	index, found, err = tree.bPlusTree.BisectLeft(key)
	if nil != err {
		return
	}
	if found {
		index--
	}

	item, ok, err = tree.itemAt(index)

	return
}

func (tree *Tree) deleteRange(startKey ilayout.Key, endKey ilayout.Key) (numDeleted int, err error) {
	var (
		index int
		key   sortedmap.Key
		ok    bool
	)

	index, err = tree.seekIndex(startKey, false)
	if nil != err {
		return
	}

	for {
		key, _, ok, err = tree.bPlusTree.GetByIndex(index)
		if (nil != err) || !ok {
			return
		}
		if key.(ilayout.Key).Compare(endKey) > 0 {
			return
		}
		_, err = tree.bPlusTree.DeleteByIndex(index)
		if nil != err {
			return
		}
		numDeleted++
	}
}

func (tree *Tree) cloneRange(startKey ilayout.Key, endKey ilayout.Key, maxItems int) (items []ItemStruct, err error) {
	var (
		index int
		item  ItemStruct
		ok    bool
	)

	index, err = tree.seekIndex(startKey, false)
	if nil != err {
		return
	}

	items = make([]ItemStruct, 0)

	for (maxItems <= 0) || (len(items) < maxItems) {
		item, ok, err = tree.itemAt(index)
		if (nil != err) || !ok {
			return
		}
		if item.Key.Compare(endKey) > 0 {
			return
		}
		items = append(items, item)
		index++
	}

	return
}

func (tree *Tree) scan(startKey ilayout.Key, endKey ilayout.Key, fn func(item ItemStruct) (keepGoing bool, err error)) (err error) {
	var (
		items     []ItemStruct
		keepGoing bool
	)

	for {
		items, err = tree.CloneRange(startKey, endKey, scanBatchSize)
		if (nil != err) || (0 == len(items)) {
			return
		}

		for _, item := range items {
			keepGoing, err = fn(item)
			if (nil != err) || !keepGoing {
				return
			}
		}

		if len(items) < scanBatchSize {
			return
		}

		if 0 == items[len(items)-1].Key.Compare(endKey) {
			return
		}
		startKey = items[len(items)-1].Key.Next()
	}
}

func (tree *Tree) flush(generation uint64, mark blockdev.Mark) (location LocationStruct, err error) {
	if nil == tree.config.Allocator {
		err = blunder.NewError(blunder.ReadOnlyError, "itemstore.Flush() of read-only tree owned by %d", tree.config.Owner)
		return
	}

	tree.generation = generation
	tree.mark = mark
	tree.tryAgain = false

	location.ObjectNumber, location.ObjectOffset, location.ObjectLength, err = tree.bPlusTree.Flush(false)
	if nil != err {
		logger.ErrorfWithError(err, "itemstore.Flush() of tree owned by %d failed", tree.config.Owner)
		return
	}

	err = tree.bPlusTree.Prune()
	if nil != err {
		return
	}

	tree.lastLocation = location

	if tree.tryAgain {
		err = blunder.NewError(blunder.TryAgainError, "itemstore.Flush() of tree owned by %d interleaved with another log generation", tree.config.Owner)
	}

	return
}

func (tree *Tree) objectNumbers() (objectNumbers []uint64, err error) {
	var (
		layoutReport sortedmap.LayoutReport
	)

	layoutReport, err = tree.bPlusTree.FetchLayoutReport()
	if nil != err {
		return
	}

	objectNumbers = make([]uint64, 0, len(layoutReport))
	for objectNumber := range layoutReport {
		objectNumbers = append(objectNumbers, objectNumber)
	}

	return
}

func (tree *Tree) freeAll() (err error) {
	if tree.freeAllCalled {
		err = fmt.Errorf("itemstore.FreeAll() called twice on tree owned by %d", tree.config.Owner)
		return
	}

	err = tree.bPlusTree.Discard()
	if nil != err {
		return
	}

	tree.freeAllCalled = true
	tree.lastLocation = LocationStruct{}

	return
}
