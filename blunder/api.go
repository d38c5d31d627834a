// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to provide additional information in Go errors
// while still conforming to the Go error interface.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
//   From merry godoc:
//     You can add any context information to an error with `e = merry.WithValue(e, "code", 12345)`
//     You can retrieve that value with `v, _ := merry.Value(e, "code").(int)`
//
// Every error produced by the tree log carries an errno value. Callers test
// for a particular condition with Is() rather than comparing error values.
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/treelog/logger"
)

// FsError is an errno-like value attached to a Go error.
//
// There are two groups of constants:
//  - constants that correspond to linux/POSIX errnos as defined in errno.h
//  - tree log specific constants for conditions not covered in the errno space
//
type FsError int

const (
	// Errors that map to linux/POSIX errnos as defined in errno.h
	//
	NotPermError        FsError = FsError(int(unix.EPERM))        // Operation not permitted
	NotFoundError       FsError = FsError(int(unix.ENOENT))       // No such file or directory
	IOError             FsError = FsError(int(unix.EIO))          // I/O error
	TryAgainError       FsError = FsError(int(unix.EAGAIN))       // Try again
	OutOfMemoryError    FsError = FsError(int(unix.ENOMEM))       // Out of memory
	FileExistsError     FsError = FsError(int(unix.EEXIST))       // File exists
	NotDirError         FsError = FsError(int(unix.ENOTDIR))      // Not a directory
	IsDirError          FsError = FsError(int(unix.EISDIR))       // Is a directory
	InvalidArgError     FsError = FsError(int(unix.EINVAL))       // Invalid argument
	NoSpaceError        FsError = FsError(int(unix.ENOSPC))       // No space left on device
	TooManyLinksError   FsError = FsError(int(unix.EMLINK))       // Too many links
	OutOfRangeError     FsError = FsError(int(unix.ERANGE))       // Math result not representable
	NameTooLongError    FsError = FsError(int(unix.ENAMETOOLONG)) // File name too long
	NotImplementedError FsError = FsError(int(unix.ENOSYS))       // Function not implemented
	NotEmptyError       FsError = FsError(int(unix.ENOTEMPTY))    // Directory not empty
	NoDataError         FsError = FsError(int(unix.ENODATA))      // No data available
	ReadOnlyError       FsError = FsError(int(unix.EROFS))        // Read-only file system
)

// Errors that map to constants already defined above
const (
	NoLogInProgressError FsError = NotFoundError
	BtreeDeleteError     FsError = IOError
	BtreePutError        FsError = IOError
	ObjectWriteError     FsError = IOError
	ObjectReadError      FsError = IOError
	SuperBlockWriteError FsError = IOError
	LinkDirError         FsError = NotPermError
)

// SuccessError is the FsError of a nil error
const SuccessError FsError = 0

const ( // reset iota to 0
	// Errors that are internal/specific to the tree log
	UnpackError FsError = 1000 + iota
	PackError
	CorruptInodeError
	LogCorruptError
	FullCommitRequiredError
	NoLogSyncNeededError
	ConflictOverflowError
	HaltedError
)

// Default errno values for success and failure
const successErrno = 0
const failureErrno = -1

// Value returns the int value for the specified FsError constant
func (err FsError) Value() int {
	return int(err)
}

// NewError creates a new merry/blunder.FsError-annotated error using the given
// format string and arguments.
func NewError(errValue FsError, format string, a ...interface{}) error {
	return merry.WrapSkipping(fmt.Errorf(format, a...), 1).WithValue("errno", int(errValue))
}

// AddError is used to add FS error detail to a Go error.
//
// NOTE: Checks whether the error value has already been set
//       Note that by default merry will replace the old with the new.
//
func AddError(e error, errValue FsError) error {
	if e == nil {
		return merry.New("regular error").WithValue("errno", int(errValue))
	}

	prevValue := Errno(e)
	if prevValue != successErrno && prevValue != failureErrno && prevValue != int(errValue) {
		logger.Warnf("replacing error value %v with value %v for error %v", prevValue, int(errValue), e)
	}

	return merry.WrapSkipping(e, 1).WithValue("errno", int(errValue))
}

// Errno extracts errno from the error, if it was previously wrapped.
// Otherwise a default value is returned.
//
func Errno(e error) int {
	if e == nil {
		// nil error = success
		return successErrno
	}

	// If the "errno" key/value was not present, merry.Value returns nil.
	var errno = failureErrno
	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errno = tmp.(int)
	}

	return errno
}

func ErrorString(e error) string {
	if e == nil {
		return ""
	}

	errPlusVal := e.Error()

	tmp := merry.Value(e, "errno")
	if tmp != nil {
		errPlusVal = fmt.Sprintf("%s. Error Value: %v", errPlusVal, tmp.(int))
	}

	return errPlusVal
}

// Is checks if an error matches a particular FsError
//
// NOTE: Because the value of the underlying errno is used to do this check, one cannot
//       use this API to distinguish between FsErrors that use the same errno value.
//       IOW, it can't tell the difference between NoLogInProgressError and NotFoundError.
//
func Is(e error, theError FsError) bool {
	return Errno(e) == theError.Value()
}

// IsNot checks if an error is NOT a particular FsError
func IsNot(e error, theError FsError) bool {
	return Errno(e) != theError.Value()
}

// Details wraps merry.Details, which returns all error details including stacktrace in a string.
func Details(e error) string {
	return merry.Details(e)
}
