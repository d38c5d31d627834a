// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blunder

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestValues(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(int(unix.EPERM), NotPermError.Value())
	assert.Equal(int(unix.ENOENT), NoLogInProgressError.Value())
	assert.Equal(1000, UnpackError.Value())
	assert.NotEqual(FullCommitRequiredError, LogCorruptError)
}

func TestDefaultErrno(t *testing.T) {
	assert := assert.New(t)

	var err error

	assert.Equal(successErrno, Errno(err))

	err = fmt.Errorf("plain error")
	assert.Equal(failureErrno, Errno(err))
	assert.False(Is(err, IOError))
}

func TestNewError(t *testing.T) {
	assert := assert.New(t)

	err := NewError(FullCommitRequiredError, "log for root %v needs a full commit", 5)
	assert.True(Is(err, FullCommitRequiredError))
	assert.True(IsNot(err, NotFoundError))
	assert.Equal("log for root 5 needs a full commit", err.Error())
	assert.Contains(ErrorString(err), "Error Value: 1004")
	assert.Contains(Details(err), "api_test.go")
}

func TestAddError(t *testing.T) {
	assert := assert.New(t)

	err := AddError(nil, NoSpaceError)
	assert.True(Is(err, NoSpaceError))

	err = AddError(fmt.Errorf("leaf full"), NoSpaceError)
	assert.True(Is(err, NoSpaceError))
	assert.Equal("leaf full", err.Error())

	err = AddError(err, IOError)
	assert.True(Is(err, IOError))
	assert.Contains(Details(err), "leaf full")
}
