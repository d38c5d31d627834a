// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package halter

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/transitions"
)

type globalsStruct struct {
	sync.Mutex
	armedTriggers         map[uint32]uint32 // key: haltLabel; value: haltAfterCount (remaining)
	triggerNamesToNumbers map[string]uint32
	triggerNumbersToNames map[uint32]string
	testModeHaltCB        func(err error)
}

var globals globalsStruct

type transitionsCallbackInterfaceStruct struct{}

var transitionsCallbackInterface transitionsCallbackInterfaceStruct

func init() {
	globals.armedTriggers = make(map[uint32]uint32)
	globals.triggerNamesToNumbers = make(map[string]uint32)
	globals.triggerNumbersToNames = make(map[uint32]string)
	for i, s := range HaltLabelStrings {
		globals.triggerNamesToNumbers[s] = uint32(i)
		globals.triggerNumbersToNames[uint32(i)] = s
	}

	transitions.Register("halter", &transitionsCallbackInterface)
}

// Up arms any triggers listed as "label:count" in [Halter] ArmedTriggers
func (dummy *transitionsCallbackInterfaceStruct) Up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	globals.armedTriggers = make(map[uint32]uint32)
	globals.Unlock()

	armed, _ := confMap.FetchOptionValueStringSlice("Halter", "ArmedTriggers")
	for _, entry := range armed {
		var (
			count uint32
			label string
		)
		label, count, err = parseArmedTrigger(entry)
		if nil != err {
			return
		}
		Arm(label, count)
	}

	err = nil
	return
}

func (dummy *transitionsCallbackInterfaceStruct) Signaled(confMap conf.ConfMap) (err error) {
	return nil
}

func (dummy *transitionsCallbackInterfaceStruct) Down(confMap conf.ConfMap) (err error) {
	DisarmAll()
	return nil
}

func parseArmedTrigger(entry string) (label string, count uint32, err error) {
	var (
		count64 uint64
	)

	i := strings.LastIndex(entry, ":")
	if i <= 0 {
		err = fmt.Errorf("halter: ArmedTriggers entry \"%s\" not of the form label:count", entry)
		return
	}

	label = entry[:i]
	count64, err = strconv.ParseUint(entry[i+1:], 10, 32)
	if nil != err {
		return
	}
	count = uint32(count64)

	return
}
