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

package worker

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/pvf-sandbox/prepare-worker/internal/wire"
)

func TestDecodeChildFrameRoundTrips(t *testing.T) {
	resp := &wire.ChildResponse{Artifact: []byte("compiled"), Memory: wire.MemoryStats{PeakTrackedAlloc: 42}}
	var buf []byte
	n := uint32(len(wire.EncodeChildResponse(resp)))
	buf = append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
	buf = append(buf, wire.EncodeChildResponse(resp)...)

	got, err := decodeChildFrame(buf)
	if err != nil {
		t.Fatalf("decodeChildFrame: %v", err)
	}
	if string(got.Artifact) != "compiled" {
		t.Fatalf("Artifact = %q, want %q", got.Artifact, "compiled")
	}
	if got.Memory.PeakTrackedAlloc != 42 {
		t.Fatalf("PeakTrackedAlloc = %d, want 42", got.Memory.PeakTrackedAlloc)
	}
}

func TestDecodeChildFrameTooShort(t *testing.T) {
	if _, err := decodeChildFrame([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for a frame shorter than a length header")
	}
}

func TestDecodeChildFrameLengthMismatch(t *testing.T) {
	buf := []byte{10, 0, 0, 0, 1, 2, 3}
	if _, err := decodeChildFrame(buf); err == nil {
		t.Fatal("expected error when declared length does not match actual payload")
	}
}

func TestClassifyDeathNoWaitError(t *testing.T) {
	decodeErr := errors.New("boom")
	pe := classifyDeath(nil, decodeErr)
	if pe.Kind != wire.ErrIo {
		t.Fatalf("Kind = %v, want ErrIo", pe.Kind)
	}
	if pe.Msg != "boom" {
		t.Fatalf("Msg = %q, want %q", pe.Msg, "boom")
	}
}

func TestClassifyDeathNonExitError(t *testing.T) {
	pe := classifyDeath(errors.New("exec: not started"), errors.New("short frame"))
	if pe.Kind != wire.ErrJobDied {
		t.Fatalf("Kind = %v, want ErrJobDied", pe.Kind)
	}
}

func TestClassifyDeathExitErrorWithoutSignal(t *testing.T) {
	cmd := exec.Command("false")
	runErr := cmd.Run()
	if runErr == nil {
		t.Skip("expected `false` to exit non-zero")
	}
	pe := classifyDeath(runErr, errors.New("short frame"))
	if pe.Kind != wire.ErrJobDied {
		t.Fatalf("Kind = %v, want ErrJobDied", pe.Kind)
	}
}
