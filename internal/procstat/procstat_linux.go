// Copyright 2024 The PVF Prepare Worker Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

// Package procstat captures per-thread and per-process memory peaks on
// Linux. It is the Go stand-in for spec.md §4.2's "thread-level peak RSS"
// probe: since Go goroutines are not OS threads, a goroutine must call
// runtime.LockOSThread (see internal/job's compilation goroutine) before
// ThreadPeakRSS's RUSAGE_THREAD sample means anything.
//
// The /proc/<pid>/status field reader below is grounded on the
// /proc/<pid>/stat field-parsing idiom in
// other_examples/1260034a_Soul-Mate-procmon__go-pkg-proc-stat.go.go,
// adapted from stat's positional numeric fields to status's named
// "Key:\tvalue kB" lines, which is where VmHWM/VmPeak live.
package procstat

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ThreadPeakRSS returns the calling OS thread's resource usage via
// getrusage(RUSAGE_THREAD). The caller must have called
// runtime.LockOSThread and must call this from that same locked goroutine;
// otherwise the sample reflects whatever OS thread happens to run it.
func ThreadPeakRSS() (maxRSSBytes uint64, err error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_THREAD, &ru); err != nil {
		return 0, fmt.Errorf("getrusage(RUSAGE_THREAD): %w", err)
	}
	// ru.Maxrss is reported in KiB on Linux.
	return uint64(ru.Maxrss) * 1024, nil
}

// ProcessPeaks reads VmHWM (peak resident set) and VmPeak (peak virtual
// size) for the current process from /proc/self/status.
func ProcessPeaks() (residentPeak, virtualPeak uint64, err error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, 0, fmt.Errorf("opening /proc/self/status: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "VmHWM:"):
			residentPeak = parseStatusKB(line)
		case strings.HasPrefix(line, "VmPeak:"):
			virtualPeak = parseStatusKB(line)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("reading /proc/self/status: %w", err)
	}
	return residentPeak, virtualPeak, nil
}

// parseStatusKB parses a "Key:\t1234 kB" line into bytes. Malformed lines
// parse to zero rather than erroring: this is a best-effort diagnostic
// source, not load-bearing for any correctness invariant.
func parseStatusKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	kb, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}
