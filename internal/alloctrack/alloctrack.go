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

// Package alloctrack is the Go stand-in for spec.md §4.2's peak-allocation
// tracker. Rust's #[global_allocator] lets the original design intercept
// every malloc/free pair; Go has no equivalent hook. spec.md itself already
// describes an *optional* "Allocator-sampling loop" thread that polls
// allocator statistics; this package promotes that optional component to
// the load-bearing mechanism for cap enforcement, which SPEC_FULL.md
// documents as the resolution of the open question in spec.md §9 ("Whether
// to expose the raw value... is left to the implementer").
package alloctrack

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultInterval is how often the tracker samples heap usage. 2ms is tight
// enough to catch a fast-allocating pathological job well before it has
// overshot the cap by much, without meaningfully perturbing a well-behaved
// compile.
const DefaultInterval = 2 * time.Millisecond

// OnExhaust is invoked, at most once, the instant a sample exceeds the
// configured cap. It must not allocate: see NewOOMHandler.
type OnExhaust func()

// Tracker polls runtime.MemStats.HeapAlloc on a dedicated goroutine and
// records the running peak, optionally invoking OnExhaust once a cap is
// crossed.
type Tracker struct {
	interval time.Duration
	cap      int64 // 0 means "no cap"
	onExhaust OnExhaust

	peak     int64 // atomic, bytes; the baseline-relative peak, starts at 0 and only rises
	baseline int64 // HeapAlloc at Start, so the tracker reports deltas like Rust's tracked total

	stop chan struct{}
	done chan struct{}

	exhaustOnce sync.Once
	exhausted   atomic.Bool
}

// New creates a tracker. Pass cap == 0 for no enforced ceiling (tracking
// only, as when no pre-checking memory cap was supplied in the request).
func New(cap uint64, onExhaust OnExhaust) *Tracker {
	return &Tracker{
		interval:  DefaultInterval,
		cap:       int64(cap),
		onExhaust: onExhaust,
	}
}

// Start begins tracking. Call exactly once per Job process, before
// compilation starts, per spec.md §4.3 step 3 and the "used exactly once
// per Job process" note in spec.md §9 (every Job is a fresh process, so
// there is no cross-job reset to manage).
func (t *Tracker) Start() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	t.baseline = int64(ms.HeapAlloc)

	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run()
}

func (t *Tracker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sampleOnce()
		}
	}
}

func (t *Tracker) sampleOnce() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	current := int64(ms.HeapAlloc) - t.baseline

	for {
		old := atomic.LoadInt64(&t.peak)
		if current <= old {
			break
		}
		if atomic.CompareAndSwapInt64(&t.peak, old, current) {
			break
		}
	}

	if t.cap > 0 && current > t.cap && !t.exhausted.Load() {
		t.exhaustOnce.Do(func() {
			t.exhausted.Store(true)
			if t.onExhaust != nil {
				t.onExhaust()
			}
		})
	}
}

// End stops tracking and returns the peak tracked allocation. The peak
// starts at zero and is only replaced by a larger sample, so a job that
// frees memory allocated before tracking began reports 0, never a negative
// value. Callers still pass it through wire.ClampPeakTrackedAlloc before
// putting it on the wire, per invariant 5 of spec.md §3.
func (t *Tracker) End() int64 {
	close(t.stop)
	<-t.done
	return atomic.LoadInt64(&t.peak)
}

// NewOOMHandler builds an OnExhaust closure that performs spec.md §4.2's
// allocator-exhaustion protocol: write a fixed, pre-allocated sentinel to
// the pipe fd and terminate, using only raw syscalls so the handler itself
// never allocates (the closure captures fd and sentinel by value; no heap
// access happens at call time beyond what the closure already holds).
//
// This is a best-effort translation of "must not allocate, runs under an
// allocator-internal lock": Go cannot truly lock its allocator from
// userspace, so the guarantee here is narrower: the handler's own code
// path allocates nothing, rather than a guarantee that no other goroutine
// can allocate concurrently. Declared best-effort on non-Linux per spec.md
// §9; on Linux the raw unix.Write/unix.Exit calls below bypass the
// higher-level os.File machinery that could otherwise allocate or block on
// the GC.
func NewOOMHandler(pipeFD int, sentinel []byte) OnExhaust {
	return func() {
		unix.Write(pipeFD, sentinel)
		unix.Close(pipeFD)
		unix.Exit(1)
	}
}
