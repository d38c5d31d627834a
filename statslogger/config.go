// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package statslogger periodically writes every registered bucketstats group,
// the Go memory statistics, and a sampled count of device writes not yet
// durable to the log.
package statslogger

import (
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/treelog/bucketstats"
	"github.com/NVIDIA/treelog/conf"
	"github.com/NVIDIA/treelog/logger"
	"github.com/NVIDIA/treelog/transitions"
)

type globalsStruct struct {
	sync.Mutex
	pendingSampler func() int64      // count of device writes not yet durable (or nil)
	sampleChan     <-chan time.Time // time to sample pendingSampler
	logChan        <-chan time.Time // time to log statistics
	stopChan       chan bool        // time to shutdown and go home
	doneChan       chan bool        // shutdown complete
	statsLogPeriod time.Duration    // time between statistics logging
	sampleTicker   *time.Ticker     // ticker for sampleChan (if any)
	logTicker      *time.Ticker     // ticker for logChan (if any)
}

var globals globalsStruct

func init() {
	transitions.Register("statslogger", &globals)
}

// SetPendingSampler installs fn, sampled once a second, as the source of the
// number of device writes not yet durable. A nil fn stops the sampling.
func SetPendingSampler(fn func() int64) {
	globals.Lock()
	globals.pendingSampler = fn
	globals.Unlock()
}

func parseConfMap(confMap conf.ConfMap) (err error) {
	globals.statsLogPeriod, err = confMap.FetchOptionValueDuration("StatsLogger", "Period")
	if nil != err {
		logger.Warnf("config variable 'StatsLogger.Period' defaulting to '10m': %v", err)
		globals.statsLogPeriod = time.Duration(10 * time.Minute)
	}

	// statsLogPeriod must be >= 1 sec, except 0 means disabled
	if (globals.statsLogPeriod < time.Second) && (0 != globals.statsLogPeriod) {
		logger.Warnf("config variable 'StatsLogger.Period' value is non-zero and less then 1 sec; defaulting to '10m'")
		globals.statsLogPeriod = time.Duration(10 * time.Minute)
	}

	err = nil
	return
}

// Up starts the logger unless [StatsLogger]Period is 0.
func (dummy *globalsStruct) Up(confMap conf.ConfMap) (err error) {
	err = parseConfMap(confMap)
	if nil != err {
		return
	}

	if 0 == globals.statsLogPeriod {
		return
	}

	globals.sampleTicker = time.NewTicker(1 * time.Second)
	globals.sampleChan = globals.sampleTicker.C

	globals.logTicker = time.NewTicker(globals.statsLogPeriod)
	globals.logChan = globals.logTicker.C

	globals.stopChan = make(chan bool)
	globals.doneChan = make(chan bool)

	go statsLogger()

	return
}

// Signaled restarts the logger if [StatsLogger]Period changed.
func (dummy *globalsStruct) Signaled(confMap conf.ConfMap) (err error) {
	oldLogPeriod := globals.statsLogPeriod

	err = parseConfMap(confMap)
	if nil != err {
		logger.ErrorfWithError(err, "cannot parse confMap")
		if 0 != oldLogPeriod {
			stop()
		}
		return
	}

	if globals.statsLogPeriod == oldLogPeriod {
		return
	}

	logger.Infof("statslogger log period changing from %v to %v", oldLogPeriod, globals.statsLogPeriod)

	if 0 != oldLogPeriod {
		stop()
	}

	err = dummy.Up(confMap)

	return
}

// Down stops the logger after a final round of statistics.
func (dummy *globalsStruct) Down(confMap conf.ConfMap) (err error) {
	if 0 != globals.statsLogPeriod {
		stop()
	}
	return
}

func stop() {
	globals.stopChan <- true
	_ = <-globals.doneChan
	globals.sampleTicker.Stop()
	globals.logTicker.Stop()
}

func samplePending(pendingStats *SimpleStats) {
	globals.Lock()
	pendingSampler := globals.pendingSampler
	globals.Unlock()

	if nil != pendingSampler {
		pendingStats.Sample(pendingSampler())
	}
}

func statsLogger() {
	var (
		memStats     runtime.MemStats
		pendingStats SimpleStats
	)

	pendingStats.Clear()
	samplePending(&pendingStats)

	// memstats "stops the world"
	runtime.ReadMemStats(&memStats)
	logStats(&pendingStats, &memStats)

mainloop:
	for stopRequest := false; !stopRequest; {
		select {
		case <-globals.stopChan:
			// print final stats and then exit
			stopRequest = true

		case <-globals.sampleChan:
			samplePending(&pendingStats)
			continue mainloop

		case <-globals.logChan:
			// fall through to do the logging
		}

		samplePending(&pendingStats)
		runtime.ReadMemStats(&memStats)

		logStats(&pendingStats, &memStats)

		pendingStats.Clear()
	}

	globals.doneChan <- true
}

func logStats(pendingStats *SimpleStats, memStats *runtime.MemStats) {
	if 0 != pendingStats.Samples() {
		logger.Infof("Pending device writes: min=%d mean=%d max=%d",
			pendingStats.Min(), pendingStats.Mean(), pendingStats.Max())
	}

	logger.Infof("Memory in Kibyte: Sys=%d HeapInuse=%d HeapIdle=%d HeapReleased=%d Cumulative TotalAlloc=%d",
		int64(memStats.Sys)/1024, int64(memStats.HeapInuse)/1024, int64(memStats.HeapIdle)/1024,
		int64(memStats.HeapReleased)/1024, int64(memStats.TotalAlloc)/1024)
	logger.Infof("GC Stats: NumGC=%d  NumForcedGC=%d  NextGC=%d KiB  PauseTotalMsec=%d  GC_CPU=%4.2f%%",
		memStats.NumGC, memStats.NumForcedGC, int64(memStats.NextGC)/1024,
		memStats.PauseTotalNs/1000000, memStats.GCCPUFraction*100)

	for _, line := range strings.Split(bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*"), "\n") {
		if "" != line {
			logger.Infof("%s", line)
		}
	}
}
