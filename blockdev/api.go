// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blockdev emulates the storage a volume lives on: numbered objects
// holding B+Tree node images, a sector addressed data area, and the
// superblock copies.
//
// Object writes are submitted asynchronously tagged with a Mark and only
// become durable once WaitMark() is called for that Mark. Data writes only
// become durable at FlushData(). Crash() discards everything not yet durable
// so that callers may exercise recovery.
//
package blockdev

import (
	"time"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/trackedlock"
)

// Mark tags a set of object writes that are waited upon together.
//
type Mark uint8

const (
	MarkLogEven Mark = iota // Log Tree write-out for an even log transid
	MarkLogOdd              // Log Tree write-out for an odd log transid
	MarkCommit              // main tree write-out during a full commit
	markCount
)

// LogMark returns the Mark used by the Log Tree write-out of logTransID.
func LogMark(logTransID uint64) Mark {
	return Mark(logTransID % 2)
}

// FaultOp selects the operation a failure rate applies to.
//
type FaultOp uint8

const (
	FaultObjectWrite FaultOp = iota
	FaultObjectRead
	FaultSuperBlockWrite
	FaultDataWrite
	faultOpCount
)

// ConfigStruct is filled from the [BlockDev] and [Volume] sections.
//
type ConfigStruct struct {
	SectorSize   uint64        // [Volume] SectorSize
	DataAreaSize uint64        // bytes of data area
	Rotational   bool          // enables log commit batching
	Sequential   bool          // zoned device; interleaved log generations report TryAgainError
	WriteLatency time.Duration // added to every WaitMark() and FlushData()
	ImagePath    string        // == "" means no image file
}

// DeviceStruct is one emulated device. It is safe for concurrent use.
//
type DeviceStruct struct {
	mutex           trackedlock.Mutex
	config          ConfigStruct
	durableObjects  sortedmap.LLRBTree // key is objectNumber; value is []byte
	pendingObjects  sortedmap.LLRBTree // key is objectNumber; value is *pendingObjectStruct
	pendingPerMark  [markCount]uint64
	durableData     sortedmap.LLRBTree // key is sector aligned bytenr; value is []byte of SectorSize
	volatileData    sortedmap.LLRBTree // key is sector aligned bytenr; value is []byte of SectorSize
	superBlocks     [][]byte
	failureRate     [faultOpCount]uint64 // fail the op if its count is divisible by the rate
	opCount         [faultOpCount]uint64
	tornSuperBlocks int // when > 0, only that many superblock copies are written before failing
	stats           *statsStruct
}

type pendingObjectStruct struct {
	mark Mark
	buf  []byte
}

type statsStruct struct {
	ObjectWrites     bucketstats.Total
	ObjectReads      bucketstats.Total
	ObjectDeletes    bucketstats.Total
	SuperBlockWrites bucketstats.Total
	DataWrites       bucketstats.Total
	DataFlushes      bucketstats.Total
	WaitMarkUsecs    bucketstats.BucketLog2Round
	Crashes          bucketstats.Total
}

// FetchConfig reads [BlockDev] and [Volume] options, defaulting any that are missing.
func FetchConfig(confMap conf.ConfMap) (config ConfigStruct, err error) {
	config, err = fetchConfig(confMap)
	return
}

// New returns an empty device. Stats are registered under statsGroupName.
func New(config ConfigStruct, statsGroupName string) (device *DeviceStruct) {
	device = newDevice(config, statsGroupName)
	return
}

// Close unregisters the device's stats.
func (device *DeviceStruct) Close(statsGroupName string) {
	bucketstats.UnRegister("blockdev", statsGroupName)
}

// Config returns the configuration the device was created with.
func (device *DeviceStruct) Config() ConfigStruct {
	return device.config
}

// WriteObjectAsync submits the write of an object. The write is durable once
// WaitMark(mark) returns. On a Sequential device a submission while writes
// tagged with the other log Mark are outstanding returns TryAgainError (the
// write is still queued).
func (device *DeviceStruct) WriteObjectAsync(objectNumber uint64, buf []byte, mark Mark) (err error) {
	err = device.writeObjectAsync(objectNumber, buf, mark)
	return
}

// WaitMark makes every outstanding write tagged with mark durable.
func (device *DeviceStruct) WaitMark(mark Mark) (err error) {
	err = device.waitMark(mark)
	return
}

// ReadObject returns the latest written contents of an object.
func (device *DeviceStruct) ReadObject(objectNumber uint64) (buf []byte, err error) {
	buf, err = device.readObject(objectNumber)
	return
}

// DeleteObject durably removes an object.
func (device *DeviceStruct) DeleteObject(objectNumber uint64) (err error) {
	err = device.deleteObject(objectNumber)
	return
}

// ObjectCount returns the number of durable and pending objects.
func (device *DeviceStruct) ObjectCount() (durable int, pending int) {
	durable, pending = device.objectCount()
	return
}

// WriteSuperBlock durably writes buf to every superblock copy in turn.
func (device *DeviceStruct) WriteSuperBlock(buf []byte) (err error) {
	err = device.writeSuperBlock(buf)
	return
}

// ReadSuperBlocks returns each superblock copy (nil if never written).
func (device *DeviceStruct) ReadSuperBlocks() (bufs [][]byte) {
	bufs = device.readSuperBlocks()
	return
}

// WriteData writes sector aligned data. It is durable after FlushData().
func (device *DeviceStruct) WriteData(bytenr uint64, buf []byte) (err error) {
	err = device.writeData(bytenr, buf)
	return
}

// FlushData makes all written data durable.
func (device *DeviceStruct) FlushData() (err error) {
	err = device.flushData()
	return
}

// ReadData reads sector aligned data. Never written sectors read as zeroes.
func (device *DeviceStruct) ReadData(bytenr uint64, length uint64) (buf []byte, err error) {
	buf, err = device.readData(bytenr, length)
	return
}

// Crash discards every write that has not yet been made durable.
func (device *DeviceStruct) Crash() {
	device.crash()
}

// SetFailureRate causes every rate'th op to fail (0 disables).
func (device *DeviceStruct) SetFailureRate(op FaultOp, rate uint64) {
	device.mutex.Lock()
	device.failureRate[op] = rate
	device.opCount[op] = 0
	device.mutex.Unlock()
}

// SetTornSuperBlockWrite causes the next WriteSuperBlock() to stop with an
// error after writing only copiesWritten copies.
func (device *DeviceStruct) SetTornSuperBlockWrite(copiesWritten int) {
	device.mutex.Lock()
	device.tornSuperBlocks = copiesWritten
	device.mutex.Unlock()
}

// SaveImage writes the durable contents of the device to path.
func (device *DeviceStruct) SaveImage(path string) (err error) {
	err = device.saveImage(path)
	return
}

// LoadImage returns a device with the durable contents saved at path.
func LoadImage(config ConfigStruct, statsGroupName string, path string) (device *DeviceStruct, err error) {
	device = newDevice(config, statsGroupName)
	err = device.loadImage(path)
	if nil != err {
		device.Close(statsGroupName)
		device = nil
	}
	return
}
