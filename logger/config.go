// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/treelog/conf"
)

var logFile *os.File = nil

// Up configures logging from the [Logging] section of confMap. Every option is
// optional; with none set logs go to stderr.
func Up(confMap conf.ConfMap) (err error) {
	var (
		logFilePath    string
		logToConsole   bool
		traceConfSlice []string
		debugConfSlice []string
	)

	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logFilePath, _ = confMap.FetchOptionValueString("Logging", "LogFilePath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
	}

	logToConsole, err = confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
	}

	resetLogTargets()

	if logFilePath == "" {
		addLogTarget(os.Stderr)
	} else {
		addLogTarget(logFile)
		if logToConsole {
			addLogTarget(os.Stderr)
		}
	}

	log.SetOutput(&logTargets)

	// We always enable max logging in logrus and decide in this package whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ = confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ = confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	err = nil
	return
}

func Down() (err error) {
	log.SetOutput(os.Stderr)
	resetLogTargets()

	if logFile != nil {
		err = logFile.Close()
		logFile = nil
	}

	return
}
