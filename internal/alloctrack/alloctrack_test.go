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

package alloctrack

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTrackerReportsNonNegativePeakUnderNoLoad(t *testing.T) {
	tr := New(0, nil)
	tr.Start()
	time.Sleep(20 * time.Millisecond)
	peak := tr.End()
	if peak < 0 {
		// The peak starts at zero and only rises, so even before clamping
		// it can never be negative.
		t.Fatalf("negative peak observed pre-clamp: %d", peak)
	}
}

func TestTrackerInvokesOnExhaustOnceWhenCapCrossed(t *testing.T) {
	var fired int32
	tr := New(1, func() { atomic.AddInt32(&fired, 1) })
	tr.Start()

	// Allocate comfortably past the 1-byte cap so a sample is certain to
	// observe growth before End().
	junk := make([][]byte, 0, 1024)
	for i := 0; i < 1024; i++ {
		junk = append(junk, make([]byte, 4096))
	}
	time.Sleep(30 * time.Millisecond)
	tr.End()
	_ = junk

	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("onExhaust fired %d times, want exactly 1", fired)
	}
}

func TestTrackerNoCapNeverFiresOnExhaust(t *testing.T) {
	fired := false
	tr := New(0, func() { fired = true })
	tr.Start()
	time.Sleep(10 * time.Millisecond)
	tr.End()
	if fired {
		t.Fatal("onExhaust fired with cap == 0 (uncapped)")
	}
}
