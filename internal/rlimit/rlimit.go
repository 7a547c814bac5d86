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

// Package rlimit implements spec.md §4.2's CPU-time accounting primitives:
// the RUSAGE_CHILDREN delta the Parent uses to measure a job's CPU time,
// and the hard RLIMIT_CPU guard the Job installs on itself before doing any
// other work. Grounded on runsc/sandbox/sandbox.go's use of
// golang.org/x/sys/unix for process accounting (unix.Wait4 in
// waitForStopped), extended here with the Rusage delta spec.md requires.
package rlimit

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pvf-sandbox/prepare-worker/internal/wire"
)

// CPUTimeSample is a snapshot of cumulative reaped-children CPU time, in
// microseconds, summed from user+system components as spec.md §4.2
// specifies: "(sec×10⁶ + µsec) for user and system components".
type CPUTimeSample struct {
	micros int64
}

// SampleChildrenCPUTime reads RUSAGE_CHILDREN. Per invariant 1 of spec.md
// §3, this is the only source of truth for a job's CPU time; nothing the
// Job reports is ever trusted for this value.
func SampleChildrenCPUTime() (CPUTimeSample, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_CHILDREN, &ru); err != nil {
		return CPUTimeSample{}, err
	}
	user := ru.Utime.Sec*1_000_000 + int64(ru.Utime.Usec)
	sys := ru.Stime.Sec*1_000_000 + int64(ru.Stime.Usec)
	return CPUTimeSample{micros: user + sys}, nil
}

// Delta returns the CPU time attributable to whatever was reaped between
// before and after, as a time.Duration. Correct only when jobs are
// strictly serialized within a worker process, per spec.md §9.
func Delta(before, after CPUTimeSample) time.Duration {
	d := after.micros - before.micros
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Microsecond
}

// InstallCPULimit sets RLIMIT_CPU to timeout rounded up to whole seconds.
// This must be the Job's very first action (spec.md §4.3 step 1): because
// the Job is a freshly re-exec'd process image (see SPEC_FULL.md §1), doing
// this as step 1 of main() in job mode is equivalent to a real fork()'s
// child calling setrlimit before running any untrusted code. The kernel
// delivers SIGXCPU then SIGKILL once the limit is exhausted, independent of
// whether the compiler ever yields control back to Go code.
func InstallCPULimit(timeout time.Duration) error {
	secs := uint64((timeout + time.Second - 1) / time.Second)
	if secs == 0 {
		secs = 1
	}
	lim := unix.Rlimit{Cur: secs, Max: secs}
	if err := unix.Setrlimit(unix.RLIMIT_CPU, &lim); err != nil {
		return fmt.Errorf("setrlimit(RLIMIT_CPU, %d): %w", secs, err)
	}
	return nil
}

// KernelError wraps a syscall failure from this package into spec.md §7's
// Kernel error kind.
func KernelError(ctx string, err error) *wire.PrepError {
	errno := int32(0)
	if e, ok := err.(unix.Errno); ok {
		errno = int32(e)
	}
	return wire.NewKernelError(ctx, errno, err)
}
