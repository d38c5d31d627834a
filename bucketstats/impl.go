// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package bucketstats

import (
	"fmt"
	"math/bits"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

var (
	pkgNameToGroupName map[string]map[string]interface{}
	statsNameMapLock   sync.Mutex
)

func isStatType(fieldAsType reflect.Type) bool {
	switch fieldAsType {
	case reflect.TypeOf(Total{}), reflect.TypeOf(Average{}), reflect.TypeOf(BucketLog2Round{}):
		return true
	}
	return false
}

func register(pkgName string, statsGroupName string, statsStruct interface{}) {
	if pkgName == "" && statsGroupName == "" {
		panic("statistics group must have non-empty pkgName or statsGroupName")
	}

	if reflect.TypeOf(statsStruct).Kind() != reflect.Ptr ||
		reflect.ValueOf(statsStruct).Elem().Type().Kind() != reflect.Struct {
		panic(fmt.Sprintf("statsStruct for statistics group '%s' is (%s), should be (*struct)",
			statsGroupName, reflect.TypeOf(statsStruct)))
	}

	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	names := make(map[string]struct{})

	for i := 0; i < structAsType.NumField(); i++ {
		fieldName := structAsType.Field(i).Name
		fieldAsValue := structAsValue.Field(i)

		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		if !fieldAsValue.CanSet() {
			panic(fmt.Sprintf("statistics group '%s' field %s must be exported to be usable by bucketstats",
				statsGroupName, fieldName))
		}

		statNameValue := fieldAsValue.FieldByName("Name")
		if statNameValue.String() == "" {
			statNameValue.SetString(fieldName)
		} else {
			statNameValue.SetString(scrubName(statNameValue.String()))
		}

		_, ok := names[statNameValue.String()]
		if ok {
			panic(fmt.Sprintf("stats '%s' field %s Name '%s' is already in use",
				statsGroupName, fieldName, statNameValue))
		}
		names[statNameValue.String()] = struct{}{}
	}

	statsGroupName = scrubName(statsGroupName)
	pkgName = scrubName(pkgName)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgNameToGroupName == nil {
		pkgNameToGroupName = make(map[string]map[string]interface{})
	}
	if pkgNameToGroupName[pkgName] == nil {
		pkgNameToGroupName[pkgName] = make(map[string]interface{})
	}

	if pkgNameToGroupName[pkgName][statsGroupName] != nil {
		panic(fmt.Sprintf("pkgName '%s' with statsGroupName '%s' is already registered",
			pkgName, statsGroupName))
	}
	pkgNameToGroupName[pkgName][statsGroupName] = statsStruct
}

func unRegister(pkgName string, statsGroupName string) {
	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	pkgName = scrubName(pkgName)
	statsGroupName = scrubName(statsGroupName)

	if pkgNameToGroupName[pkgName] != nil {
		delete(pkgNameToGroupName[pkgName], statsGroupName)

		if len(pkgNameToGroupName[pkgName]) == 0 {
			delete(pkgNameToGroupName, pkgName)
		}
	}
}

func sortedKeys(m map[string]map[string]interface{}) (keys []string) {
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return
}

func sprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (statValues string) {
	var (
		groups []string
		pkgs   []string
	)

	statsNameMapLock.Lock()
	defer statsNameMapLock.Unlock()

	if pkgName == "*" {
		pkgs = sortedKeys(pkgNameToGroupName)
	} else {
		pkgs = []string{scrubName(pkgName)}
	}

	for _, pkg := range pkgs {
		groups = groups[:0]
		if statsGroupName == "*" {
			for group := range pkgNameToGroupName[pkg] {
				groups = append(groups, group)
			}
			sort.Strings(groups)
		} else {
			groups = append(groups, scrubName(statsGroupName))
		}

		for _, group := range groups {
			statsStruct, ok := pkgNameToGroupName[pkg][group]
			if !ok {
				panic(fmt.Sprintf("bucketstats.sprintStats(): statistics group '%s.%s' is not registered", pkg, group))
			}
			statValues += sprintStatsStruct(stringFmt, pkg, group, statsStruct)
		}
	}

	return
}

func sprintStatsStruct(stringFmt StatStringFormat, pkgName string, statsGroupName string, statsStruct interface{}) (statValues string) {
	structAsValue := reflect.ValueOf(statsStruct).Elem()
	structAsType := structAsValue.Type()

	for i := 0; i < structAsType.NumField(); i++ {
		if !isStatType(structAsType.Field(i).Type) {
			continue
		}

		statValues += structAsValue.Field(i).Addr().Interface().(Totaler).Sprint(stringFmt, pkgName, statsGroupName)
	}

	return
}

func statisticName(pkgName string, statsGroupName string, fieldName string) string {
	switch {
	case pkgName == "":
		return statsGroupName + "." + fieldName
	case statsGroupName == "":
		return pkgName + "." + fieldName
	default:
		return pkgName + "." + statsGroupName + "." + fieldName
	}
}

func (this *Total) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		return fmt.Sprintf("%s total:%d\n", statName, this.TotalGet())
	}

	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

func (this *Average) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		return fmt.Sprintf("%s total:%d count:%d avg:%d\n", statName, this.TotalGet(), this.CountGet(), this.AverageGet())
	}

	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

func (this *BucketLog2Round) sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) string {
	var (
		line strings.Builder
	)

	statName := statisticName(pkgName, statsGroupName, this.Name)

	switch stringFmt {
	case StatFormatParsable1:
		fmt.Fprintf(&line, "%s total:%d count:%d avg:%d", statName, this.TotalGet(), this.CountGet(), this.AverageGet())
		for _, bucketInfo := range this.distGet() {
			if 0 != bucketInfo.Count {
				fmt.Fprintf(&line, " %d:%d", bucketInfo.NominalVal, bucketInfo.Count)
			}
		}
		line.WriteString("\n")
		return line.String()
	}

	return fmt.Sprintf("statName '%s': Unknown StatStringFormat: '%v'\n", statName, stringFmt)
}

// log2RoundIdx rounds log2(value) to the nearest integer using the bit just
// below the most significant one.
func log2RoundIdx(value uint64) (idx uint) {
	idx = uint(bits.Len64(value))
	if idx >= 2 && 0 != value&(uint64(1)<<(idx-2)) {
		idx++
	}
	if idx > 64 {
		idx = 64
	}
	return
}

// log2RoundRangeLow returns the smallest value placed in bucket idx.
func log2RoundRangeLow(idx uint) uint64 {
	switch idx {
	case 0:
		return 0
	case 1:
		return 1
	case 2:
		return 2
	}
	if idx > 64 {
		return ^uint64(0)
	}
	return uint64(3) << (idx - 3)
}

func (this *BucketLog2Round) distGet() (bucketInfo []BucketInfo) {
	bucketInfo = make([]BucketInfo, len(this.statBuckets))

	for idx := range bucketInfo {
		bucketInfo[idx].Count = atomic.LoadUint64(&this.statBuckets[idx])
		bucketInfo[idx].RangeLow = log2RoundRangeLow(uint(idx))
		if idx == len(bucketInfo)-1 {
			bucketInfo[idx].RangeHigh = ^uint64(0)
		} else {
			bucketInfo[idx].RangeHigh = log2RoundRangeLow(uint(idx)+1) - 1
		}
		if 0 != idx {
			bucketInfo[idx].NominalVal = uint64(1) << uint(idx-1)
		}
	}

	return
}

// scrubName replaces characters that would break "key:value" output with '_'
func scrubName(name string) string {
	replaceChar := func(r rune) rune {
		switch {
		case unicode.IsSpace(r):
			return '_'
		case !unicode.IsPrint(r):
			return '_'
		case r == '*', r == ':', r == '#':
			return '_'
		}
		return r
	}

	return strings.Map(replaceChar, name)
}
