// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package transitions

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/treelog/conf"
)

type testCallbacksStruct struct {
	name   string
	calls  *[]string
	failUp bool
}

func (cb *testCallbacksStruct) Up(confMap conf.ConfMap) (err error) {
	*cb.calls = append(*cb.calls, cb.name+".Up")
	if cb.failUp {
		err = fmt.Errorf("%s refuses to come up", cb.name)
	}
	return
}

func (cb *testCallbacksStruct) Signaled(confMap conf.ConfMap) (err error) {
	*cb.calls = append(*cb.calls, cb.name+".Signaled")
	return
}

func (cb *testCallbacksStruct) Down(confMap conf.ConfMap) (err error) {
	*cb.calls = append(*cb.calls, cb.name+".Down")
	return
}

func testResetRegistrations() {
	globals.Lock()
	globals.registrationList = nil
	globals.packagesUp = 0
	globals.isUp = false
	globals.Unlock()
}

func TestOrdering(t *testing.T) {
	var (
		calls []string
	)

	assert := assert.New(t)

	testResetRegistrations()
	defer testResetRegistrations()

	Register("first", &testCallbacksStruct{name: "first", calls: &calls})
	Register("second", &testCallbacksStruct{name: "second", calls: &calls})
	assert.Panics(func() { Register("second", &testCallbacksStruct{name: "second", calls: &calls}) })

	confMap, err := conf.MakeConfMapFromStrings([]string{"Logging.LogFilePath=/dev/null"})
	assert.NoError(err)

	assert.NoError(Up(confMap))
	assert.Error(Up(confMap))
	assert.NoError(Signaled(confMap))
	assert.NoError(Down(confMap))
	assert.Error(Down(confMap))

	assert.Equal([]string{
		"first.Up", "second.Up",
		"first.Signaled", "second.Signaled",
		"second.Down", "first.Down",
	}, calls)
}

func TestFailedUpUnwinds(t *testing.T) {
	var (
		calls []string
	)

	assert := assert.New(t)

	testResetRegistrations()
	defer testResetRegistrations()

	Register("first", &testCallbacksStruct{name: "first", calls: &calls})
	Register("second", &testCallbacksStruct{name: "second", calls: &calls, failUp: true})
	Register("third", &testCallbacksStruct{name: "third", calls: &calls})

	confMap, err := conf.MakeConfMapFromStrings([]string{"Logging.LogFilePath=/dev/null"})
	assert.NoError(err)

	assert.Error(Up(confMap))
	assert.Equal([]string{"first.Up", "second.Up", "first.Down"}, calls)
}
