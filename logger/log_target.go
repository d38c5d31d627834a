// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"sync"
)

// multiWriter fans each log entry out to every registered target.
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

var logTargets multiWriter

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}

	n = len(p)
	return
}

func addLogTarget(writer io.Writer) {
	logTargets.addWriter(writer)
}

func resetLogTargets() {
	logTargets.Lock()
	logTargets.writers = nil
	logTargets.Unlock()
}

// AddLogTarget adds another target for log messages to be written to. writer is
// called once for each log message.
//
// Logger.Up() must be called before this function is used.
//
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// LogBuffer holds the most recent log entries captured by a LogTarget.
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

// LogTarget captures the most recent n lines of log. Useful for writing test cases.
type LogTarget struct {
	LogBuf *LogBuffer
}

// Init a LogTarget to hold up to nEntry log entries.
func (target *LogTarget) Init(nEntry int) {
	target.LogBuf = &LogBuffer{TotalEntries: 0}
	target.LogBuf.LogEntries = make([]string, nEntry)
}

// Write is called by logger for each log entry
func (target LogTarget) Write(p []byte) (n int, err error) {
	target.LogBuf.Lock()
	defer target.LogBuf.Unlock()

	target.LogBuf.TotalEntries++

	if len(target.LogBuf.LogEntries) > 0 {
		copy(target.LogBuf.LogEntries[1:], target.LogBuf.LogEntries[:len(target.LogBuf.LogEntries)-1])
		target.LogBuf.LogEntries[0] = string(p)
	}

	n = len(p)
	return
}
