// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetFuncPackage(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("utils.TestGetFuncPackage", GetAFnName(0))

	fn, pkg, gid := GetFuncPackage(0)
	assert.Equal("TestGetFuncPackage", fn)
	assert.Equal("utils", pkg)
	assert.NotZero(gid)
}

func TestStopwatch(t *testing.T) {
	assert := assert.New(t)

	sw := NewStopwatch()
	assert.True(sw.IsRunning)
	time.Sleep(2 * time.Millisecond)
	elapsed := sw.Stop()
	assert.False(sw.IsRunning)
	assert.True(elapsed >= 2*time.Millisecond)
	assert.Equal(elapsed, sw.Elapsed())
	assert.True(sw.ElapsedUs() >= 2000)
}

func TestJSONify(t *testing.T) {
	assert := assert.New(t)

	type testStruct struct {
		Ino   uint64
		Names []string
	}

	assert.Equal(`{"Ino":257,"Names":["a","b"]}`, JSONify(testStruct{Ino: 257, Names: []string{"a", "b"}}, false))
	assert.Equal("{\n\t\"Ino\": 1,\n\t\"Names\": null\n}", JSONify(testStruct{Ino: 1}, true))
}
