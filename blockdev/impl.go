// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"fmt"
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/ilayout"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/utils"
)

type dumpCallbacksStruct struct{}

var dumpCallbacks = &dumpCallbacksStruct{}

func (dummy *dumpCallbacksStruct) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsUint64, ok := key.(uint64)
	if !ok {
		err = fmt.Errorf("blockdev.DumpKey() could not parse key as a uint64")
		return
	}

	keyAsString = fmt.Sprintf("0x%016X", keyAsUint64)

	err = nil
	return
}

func (dummy *dumpCallbacksStruct) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	switch v := value.(type) {
	case []byte:
		valueAsString = fmt.Sprintf("[%d bytes]", len(v))
	case *pendingObjectStruct:
		valueAsString = fmt.Sprintf("mark %d [%d bytes]", v.mark, len(v.buf))
	default:
		err = fmt.Errorf("blockdev.DumpValue() could not parse value of type %T", value)
	}
	return
}

func newLLRBTree() sortedmap.LLRBTree {
	return sortedmap.NewLLRBTree(sortedmap.CompareUint64, dumpCallbacks)
}

func newDevice(config ConfigStruct, statsGroupName string) (device *DeviceStruct) {
	if 0 == config.SectorSize {
		config.SectorSize = defaultSectorSize
	}
	if 0 == config.DataAreaSize {
		config.DataAreaSize = defaultDataAreaSize
	}

	device = &DeviceStruct{
		config:         config,
		durableObjects: newLLRBTree(),
		pendingObjects: newLLRBTree(),
		durableData:    newLLRBTree(),
		volatileData:   newLLRBTree(),
		superBlocks:    make([][]byte, ilayout.NumSuperBlockCopies),
		stats:          &statsStruct{},
	}

	bucketstats.Register("blockdev", statsGroupName, device.stats)

	return
}

// injectFault must be called with device.mutex held.
func (device *DeviceStruct) injectFault(op FaultOp) (err error) {
	if 0 == device.failureRate[op] {
		return
	}

	device.opCount[op]++

	if 0 == (device.opCount[op] % device.failureRate[op]) {
		err = blunder.NewError(blunder.IOError, "blockdev injected failure of op %d (count %d)", op, device.opCount[op])
	}

	return
}

func (device *DeviceStruct) writeObjectAsync(objectNumber uint64, buf []byte, mark Mark) (err error) {
	var (
		bufCopy []byte
		ok      bool
		prior   sortedmap.Value
	)

	if mark >= markCount {
		err = blunder.NewError(blunder.InvalidArgError, "blockdev.WriteObjectAsync() invalid mark %d", mark)
		return
	}

	device.mutex.Lock()
	defer device.mutex.Unlock()

	err = device.injectFault(FaultObjectWrite)
	if nil != err {
		err = blunder.AddError(err, blunder.ObjectWriteError)
		return
	}

	bufCopy = make([]byte, len(buf))
	copy(bufCopy, buf)

	prior, ok, err = device.pendingObjects.GetByKey(objectNumber)
	if nil != err {
		return
	}
	if ok {
		device.pendingPerMark[prior.(*pendingObjectStruct).mark]--
		_, err = device.pendingObjects.DeleteByKey(objectNumber)
		if nil != err {
			return
		}
	}

	_, err = device.pendingObjects.Put(objectNumber, &pendingObjectStruct{mark: mark, buf: bufCopy})
	if nil != err {
		return
	}

	device.pendingPerMark[mark]++
	device.stats.ObjectWrites.Increment()

	if device.config.Sequential && (MarkCommit != mark) {
		if 0 != device.pendingPerMark[mark^1] {
			err = blunder.NewError(blunder.TryAgainError, "blockdev.WriteObjectAsync() interleaved log generations on sequential device")
		}
	}

	return
}

func (device *DeviceStruct) waitMark(mark Mark) (err error) {
	var (
		index         int
		numPending    int
		objectNumber  sortedmap.Key
		ok            bool
		pendingObject sortedmap.Value
		stopwatch     = utils.NewStopwatch()
	)

	if 0 != device.config.WriteLatency {
		time.Sleep(device.config.WriteLatency)
	}

	device.mutex.Lock()
	defer device.mutex.Unlock()

	numPending, err = device.pendingObjects.Len()
	if nil != err {
		return
	}

	for index = numPending - 1; index >= 0; index-- {
		objectNumber, pendingObject, ok, err = device.pendingObjects.GetByIndex(index)
		if nil != err {
			return
		}
		if !ok {
			err = fmt.Errorf("Logic error: blockdev.waitMark() indexing problem in pendingObjects")
			return
		}
		if mark != pendingObject.(*pendingObjectStruct).mark {
			continue
		}

		err = device.putDurableObject(objectNumber.(uint64), pendingObject.(*pendingObjectStruct).buf)
		if nil != err {
			return
		}
		_, err = device.pendingObjects.DeleteByIndex(index)
		if nil != err {
			return
		}
	}

	device.pendingPerMark[mark] = 0
	device.stats.WaitMarkUsecs.Add(stopwatch.ElapsedUs())

	return
}

// putDurableObject must be called with device.mutex held.
func (device *DeviceStruct) putDurableObject(objectNumber uint64, buf []byte) (err error) {
	var (
		ok bool
	)

	ok, err = device.durableObjects.PatchByKey(objectNumber, buf)
	if nil != err {
		return
	}
	if !ok {
		_, err = device.durableObjects.Put(objectNumber, buf)
	}

	return
}

func (device *DeviceStruct) readObject(objectNumber uint64) (buf []byte, err error) {
	var (
		ok    bool
		value sortedmap.Value
	)

	device.mutex.Lock()
	defer device.mutex.Unlock()

	err = device.injectFault(FaultObjectRead)
	if nil != err {
		err = blunder.AddError(err, blunder.ObjectReadError)
		return
	}

	device.stats.ObjectReads.Increment()

	value, ok, err = device.pendingObjects.GetByKey(objectNumber)
	if nil != err {
		return
	}
	if ok {
		buf = value.(*pendingObjectStruct).buf
		return
	}

	value, ok, err = device.durableObjects.GetByKey(objectNumber)
	if nil != err {
		return
	}
	if !ok {
		err = blunder.NewError(blunder.NotFoundError, "blockdev object 0x%016X not found", objectNumber)
		return
	}

	buf = value.([]byte)

	return
}

func (device *DeviceStruct) deleteObject(objectNumber uint64) (err error) {
	var (
		durableOK bool
		ok        bool
		value     sortedmap.Value
	)

	device.mutex.Lock()
	defer device.mutex.Unlock()

	value, ok, err = device.pendingObjects.GetByKey(objectNumber)
	if nil != err {
		return
	}
	if ok {
		device.pendingPerMark[value.(*pendingObjectStruct).mark]--
		_, err = device.pendingObjects.DeleteByKey(objectNumber)
		if nil != err {
			return
		}
	}

	durableOK, err = device.durableObjects.DeleteByKey(objectNumber)
	if nil != err {
		return
	}

	if !ok && !durableOK {
		logger.Warnf("blockdev.DeleteObject(0x%016X) of nonexistent object", objectNumber)
	}

	device.stats.ObjectDeletes.Increment()

	return
}

func (device *DeviceStruct) objectCount() (durable int, pending int) {
	device.mutex.Lock()
	durable, _ = device.durableObjects.Len()
	pending, _ = device.pendingObjects.Len()
	device.mutex.Unlock()
	return
}

func (device *DeviceStruct) writeSuperBlock(buf []byte) (err error) {
	var (
		copyIndex int
	)

	device.mutex.Lock()
	defer device.mutex.Unlock()

	err = device.injectFault(FaultSuperBlockWrite)
	if nil != err {
		err = blunder.AddError(err, blunder.SuperBlockWriteError)
		return
	}

	for copyIndex = range device.superBlocks {
		if (0 < device.tornSuperBlocks) && (copyIndex == device.tornSuperBlocks) {
			device.tornSuperBlocks = 0
			err = blunder.NewError(blunder.SuperBlockWriteError, "blockdev torn superblock write after %d copies", copyIndex)
			return
		}
		device.superBlocks[copyIndex] = make([]byte, len(buf))
		copy(device.superBlocks[copyIndex], buf)
	}

	device.stats.SuperBlockWrites.Increment()

	return
}

func (device *DeviceStruct) readSuperBlocks() (bufs [][]byte) {
	device.mutex.Lock()
	defer device.mutex.Unlock()

	bufs = make([][]byte, len(device.superBlocks))

	for copyIndex, superBlock := range device.superBlocks {
		if nil != superBlock {
			bufs[copyIndex] = make([]byte, len(superBlock))
			copy(bufs[copyIndex], superBlock)
		}
	}

	return
}

func (device *DeviceStruct) checkDataRange(bytenr uint64, length uint64) (err error) {
	if (0 != (bytenr % device.config.SectorSize)) || (0 != (length % device.config.SectorSize)) {
		err = blunder.NewError(blunder.InvalidArgError, "blockdev data range [%d,+%d) not sector aligned", bytenr, length)
		return
	}
	if (bytenr+length > device.config.DataAreaSize) || (bytenr+length < bytenr) {
		err = blunder.NewError(blunder.OutOfRangeError, "blockdev data range [%d,+%d) beyond data area", bytenr, length)
	}
	return
}

func (device *DeviceStruct) writeData(bytenr uint64, buf []byte) (err error) {
	var (
		ok         bool
		sector     []byte
		sectorSize = device.config.SectorSize
	)

	err = device.checkDataRange(bytenr, uint64(len(buf)))
	if nil != err {
		return
	}

	device.mutex.Lock()
	defer device.mutex.Unlock()

	err = device.injectFault(FaultDataWrite)
	if nil != err {
		return
	}

	for offset := uint64(0); offset < uint64(len(buf)); offset += sectorSize {
		sector = make([]byte, sectorSize)
		copy(sector, buf[offset:offset+sectorSize])

		ok, err = device.volatileData.PatchByKey(bytenr+offset, sector)
		if nil != err {
			return
		}
		if !ok {
			_, err = device.volatileData.Put(bytenr+offset, sector)
			if nil != err {
				return
			}
		}
	}

	device.stats.DataWrites.Increment()

	return
}

func (device *DeviceStruct) flushData() (err error) {
	var (
		bytenr sortedmap.Key
		ok     bool
		sector sortedmap.Value
	)

	if 0 != device.config.WriteLatency {
		time.Sleep(device.config.WriteLatency)
	}

	device.mutex.Lock()
	defer device.mutex.Unlock()

	for {
		bytenr, sector, ok, err = device.volatileData.GetByIndex(0)
		if nil != err {
			return
		}
		if !ok {
			break
		}

		ok, err = device.durableData.PatchByKey(bytenr, sector)
		if nil != err {
			return
		}
		if !ok {
			_, err = device.durableData.Put(bytenr, sector)
			if nil != err {
				return
			}
		}

		_, err = device.volatileData.DeleteByIndex(0)
		if nil != err {
			return
		}
	}

	device.stats.DataFlushes.Increment()

	return
}

func (device *DeviceStruct) readData(bytenr uint64, length uint64) (buf []byte, err error) {
	var (
		ok         bool
		sector     sortedmap.Value
		sectorSize = device.config.SectorSize
	)

	err = device.checkDataRange(bytenr, length)
	if nil != err {
		return
	}

	device.mutex.Lock()
	defer device.mutex.Unlock()

	buf = make([]byte, length)

	for offset := uint64(0); offset < length; offset += sectorSize {
		sector, ok, err = device.volatileData.GetByKey(bytenr + offset)
		if nil != err {
			return
		}
		if !ok {
			sector, ok, err = device.durableData.GetByKey(bytenr + offset)
			if nil != err {
				return
			}
		}
		if ok {
			copy(buf[offset:offset+sectorSize], sector.([]byte))
		}
	}

	return
}

func (device *DeviceStruct) crash() {
	device.mutex.Lock()
	defer device.mutex.Unlock()

	device.pendingObjects = newLLRBTree()
	device.volatileData = newLLRBTree()

	for mark := range device.pendingPerMark {
		device.pendingPerMark[mark] = 0
	}

	device.tornSuperBlocks = 0

	for op := range device.failureRate {
		device.failureRate[op] = 0
		device.opCount[op] = 0
	}

	device.stats.Crashes.Increment()
}
