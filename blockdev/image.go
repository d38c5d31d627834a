// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockdev

import (
	"bufio"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/NVIDIA/cstruct"
	"github.com/NVIDIA/sortedmap"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/treelog/blunder"
	"github.com/NVIDIA/treelog/logger"
)

const imageMagic uint64 = 0x54524C47_494D4721 // "TRLGIMG!"

type imageHeaderStruct struct {
	Magic          uint64
	SectorSize     uint64
	DataAreaSize   uint64
	NumSuperBlocks uint64
	NumObjects     uint64
	NumSectors     uint64
}

// imageRecordHeaderStruct precedes each superblock copy, object, and data
// sector. For superblock copies Number is the copy index.
type imageRecordHeaderStruct struct {
	Number uint64
	Length uint64
}

func writeImageRecord(w io.Writer, number uint64, buf []byte) (err error) {
	var (
		recordHeaderBuf []byte
	)

	recordHeaderBuf, err = cstruct.Pack(&imageRecordHeaderStruct{Number: number, Length: uint64(len(buf))}, cstruct.LittleEndian)
	if nil != err {
		return
	}

	_, err = w.Write(recordHeaderBuf)
	if nil != err {
		return
	}

	_, err = w.Write(buf)

	return
}

func (device *DeviceStruct) saveImage(path string) (err error) {
	var (
		file           *os.File
		headerBuf      []byte
		index          int
		key            sortedmap.Key
		numObjects     int
		numSectors     int
		numSuperBlocks uint64
		value          sortedmap.Value
		writer         *bufio.Writer
	)

	device.mutex.Lock()
	defer device.mutex.Unlock()

	numObjects, err = device.durableObjects.Len()
	if nil != err {
		return
	}
	numSectors, err = device.durableData.Len()
	if nil != err {
		return
	}
	for _, superBlock := range device.superBlocks {
		if nil != superBlock {
			numSuperBlocks++
		}
	}

	headerBuf, err = cstruct.Pack(&imageHeaderStruct{
		Magic:          imageMagic,
		SectorSize:     device.config.SectorSize,
		DataAreaSize:   device.config.DataAreaSize,
		NumSuperBlocks: numSuperBlocks,
		NumObjects:     uint64(numObjects),
		NumSectors:     uint64(numSectors),
	}, cstruct.LittleEndian)
	if nil != err {
		return
	}

	file, err = os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if nil != err {
		return
	}
	defer func() {
		closeErr := file.Close()
		if nil == err {
			err = closeErr
		}
	}()

	writer = bufio.NewWriter(file)

	_, err = writer.Write(headerBuf)
	if nil != err {
		return
	}

	for index, superBlock := range device.superBlocks {
		if nil != superBlock {
			err = writeImageRecord(writer, uint64(index), superBlock)
			if nil != err {
				return
			}
		}
	}

	for index = 0; index < numObjects; index++ {
		key, value, _, err = device.durableObjects.GetByIndex(index)
		if nil != err {
			return
		}
		err = writeImageRecord(writer, key.(uint64), value.([]byte))
		if nil != err {
			return
		}
	}

	for index = 0; index < numSectors; index++ {
		key, value, _, err = device.durableData.GetByIndex(index)
		if nil != err {
			return
		}
		err = writeImageRecord(writer, key.(uint64), value.([]byte))
		if nil != err {
			return
		}
	}

	err = writer.Flush()
	if nil != err {
		return
	}

	err = unix.Fsync(int(file.Fd()))
	if nil != err {
		return
	}

	logger.Infof("blockdev saved image %s: %d superblocks %d objects %d sectors", path, numSuperBlocks, numObjects, numSectors)

	return
}

func readImageRecord(imageBuf []byte, curPos uint64) (number uint64, buf []byte, nextPos uint64, err error) {
	var (
		bytesConsumed uint64
		recordHeader  imageRecordHeaderStruct
	)

	bytesConsumed, err = cstruct.Unpack(imageBuf[curPos:], &recordHeader, cstruct.LittleEndian)
	if nil != err {
		return
	}

	nextPos = curPos + bytesConsumed + recordHeader.Length
	if nextPos > uint64(len(imageBuf)) {
		err = fmt.Errorf("image record at %d of length %d truncated", curPos, recordHeader.Length)
		return
	}

	number = recordHeader.Number
	buf = make([]byte, recordHeader.Length)
	copy(buf, imageBuf[curPos+bytesConsumed:nextPos])

	return
}

func (device *DeviceStruct) loadImage(path string) (err error) {
	var (
		buf         []byte
		curPos      uint64
		imageBuf    []byte
		imageHeader imageHeaderStruct
		number      uint64
	)

	imageBuf, err = ioutil.ReadFile(path)
	if nil != err {
		return
	}

	curPos, err = cstruct.Unpack(imageBuf, &imageHeader, cstruct.LittleEndian)
	if nil != err {
		return
	}

	if imageMagic != imageHeader.Magic {
		err = blunder.NewError(blunder.CorruptInodeError, "blockdev image %s has bad magic %016X", path, imageHeader.Magic)
		return
	}
	if imageHeader.SectorSize != device.config.SectorSize {
		err = blunder.NewError(blunder.InvalidArgError, "blockdev image %s SectorSize %d != %d", path, imageHeader.SectorSize, device.config.SectorSize)
		return
	}

	device.mutex.Lock()
	defer device.mutex.Unlock()

	device.config.DataAreaSize = imageHeader.DataAreaSize

	for i := uint64(0); i < imageHeader.NumSuperBlocks; i++ {
		number, buf, curPos, err = readImageRecord(imageBuf, curPos)
		if nil != err {
			return
		}
		if number >= uint64(len(device.superBlocks)) {
			err = fmt.Errorf("image superblock copy %d out of range", number)
			return
		}
		device.superBlocks[number] = buf
	}

	for i := uint64(0); i < imageHeader.NumObjects; i++ {
		number, buf, curPos, err = readImageRecord(imageBuf, curPos)
		if nil != err {
			return
		}
		_, err = device.durableObjects.Put(number, buf)
		if nil != err {
			return
		}
	}

	for i := uint64(0); i < imageHeader.NumSectors; i++ {
		number, buf, curPos, err = readImageRecord(imageBuf, curPos)
		if nil != err {
			return
		}
		_, err = device.durableData.Put(number, buf)
		if nil != err {
			return
		}
	}

	if curPos != uint64(len(imageBuf)) {
		err = fmt.Errorf("image %s has %d trailing bytes", path, uint64(len(imageBuf))-curPos)
	}

	return
}
