// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/logger"
)

type registrationItemStruct struct {
	packageName string
	callbacks   Callbacks
}

type globalsStruct struct {
	sync.Mutex
	registrationList []*registrationItemStruct
	packagesUp       int
	isUp             bool
}

var globals globalsStruct

func register(packageName string, callbacks Callbacks) {
	globals.Lock()
	defer globals.Unlock()

	for _, registrationItem := range globals.registrationList {
		if registrationItem.packageName == packageName {
			panic(fmt.Sprintf("transitions.Register(\"%s\",) called twice", packageName))
		}
	}

	globals.registrationList = append(globals.registrationList, &registrationItemStruct{packageName, callbacks})
}

func up(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	if globals.isUp {
		err = fmt.Errorf("transitions.Up() called while already up")
		return
	}

	err = logger.Up(confMap)
	if nil != err {
		return
	}

	for globals.packagesUp = 0; globals.packagesUp < len(globals.registrationList); globals.packagesUp++ {
		registrationItem := globals.registrationList[globals.packagesUp]
		err = registrationItem.callbacks.Up(confMap)
		if nil != err {
			logger.ErrorfWithError(err, "transitions.Up() call to %s.Up() failed", registrationItem.packageName)
			downRegistered(confMap)
			_ = logger.Down()
			return
		}
	}

	globals.isUp = true

	return
}

func signaled(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	if !globals.isUp {
		err = fmt.Errorf("transitions.Signaled() called while not up")
		return
	}

	for _, registrationItem := range globals.registrationList {
		err = registrationItem.callbacks.Signaled(confMap)
		if nil != err {
			logger.ErrorfWithError(err, "transitions.Signaled() call to %s.Signaled() failed", registrationItem.packageName)
			return
		}
	}

	return
}

func down(confMap conf.ConfMap) (err error) {
	globals.Lock()
	defer globals.Unlock()

	if !globals.isUp {
		err = fmt.Errorf("transitions.Down() called while not up")
		return
	}

	err = downRegistered(confMap)

	globals.isUp = false

	downErr := logger.Down()
	if nil == err {
		err = downErr
	}

	return
}

// downRegistered takes down, in reverse order, the packages that made it Up.
func downRegistered(confMap conf.ConfMap) (err error) {
	for globals.packagesUp > 0 {
		globals.packagesUp--
		registrationItem := globals.registrationList[globals.packagesUp]
		downErr := registrationItem.callbacks.Down(confMap)
		if nil != downErr {
			logger.ErrorfWithError(downErr, "transitions.Down() call to %s.Down() failed", registrationItem.packageName)
			if nil == err {
				err = downErr
			}
		}
	}

	return
}
