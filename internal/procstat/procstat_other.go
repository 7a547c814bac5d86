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

//go:build !linux

package procstat

import "errors"

// ErrUnsupported is returned on platforms without /proc or RUSAGE_THREAD.
// spec.md §9 declares thread-level peak RSS Linux-only; MemoryStats.MaxRSS
// is simply omitted wherever this error is observed.
var ErrUnsupported = errors.New("procstat: unsupported on this platform")

func ThreadPeakRSS() (uint64, error) { return 0, ErrUnsupported }

func ProcessPeaks() (residentPeak, virtualPeak uint64, err error) {
	return 0, 0, ErrUnsupported
}
