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

package wire

import (
	"bytes"
	"io"
	"testing"
)

func TestPrepRequestRoundTrip(t *testing.T) {
	want := &PrepRequest{
		Code:              []byte{0x00, 0x61, 0x73, 0x6d},
		ExecutorParams:    []byte{1, 2, 3},
		Timeout:           5_000_000_000,
		Kind:              KindPrecheck,
		HasMemoryCap:      true,
		PrecheckMemoryCap: 1 << 20,
		ArtifactPath:      "/tmp/job-1/artifact",
	}
	got, err := DecodePrepRequest(EncodePrepRequest(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Code, want.Code) || !bytes.Equal(got.ExecutorParams, want.ExecutorParams) ||
		got.Timeout != want.Timeout || got.Kind != want.Kind || got.HasMemoryCap != want.HasMemoryCap ||
		got.PrecheckMemoryCap != want.PrecheckMemoryCap || got.ArtifactPath != want.ArtifactPath {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestPrepareResultRoundTripOk(t *testing.T) {
	want := &PrepareResult{Ok: &PrepareStats{
		Memory:         MemoryStats{HasMaxRSS: true, MaxRSS: 4096, PeakTrackedAlloc: 1024},
		CPUTimeElapsed: 123456,
	}}
	got, err := DecodePrepareResult(EncodePrepareResult(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Err != nil {
		t.Fatalf("expected no error, got %+v", got.Err)
	}
	if got.Ok.CPUTimeElapsed != want.Ok.CPUTimeElapsed || got.Ok.Memory.MaxRSS != want.Ok.Memory.MaxRSS {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got.Ok, want.Ok)
	}
}

func TestPrepareResultRoundTripErr(t *testing.T) {
	want := &PrepareResult{Err: &PrepError{Kind: ErrTimedOut}}
	got, err := DecodePrepareResult(EncodePrepareResult(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Ok != nil {
		t.Fatalf("expected no Ok payload, got %+v", got.Ok)
	}
	if got.Err.Kind != ErrTimedOut {
		t.Fatalf("got kind %v, want %v", got.Err.Kind, ErrTimedOut)
	}
}

func TestChildResponseRoundTrip(t *testing.T) {
	want := &ChildResponse{
		Artifact: []byte{0xde, 0xad, 0xbe, 0xef},
		Memory:   MemoryStats{PeakTrackedAlloc: 7},
	}
	got, err := DecodeChildResponse(EncodeChildResponse(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(got.Artifact, want.Artifact) {
		t.Fatalf("got artifact %v, want %v", got.Artifact, want.Artifact)
	}
}

func TestClampPeakTrackedAlloc(t *testing.T) {
	cases := []struct {
		raw  int64
		want uint64
	}{
		{raw: -100, want: 0},
		{raw: 0, want: 0},
		{raw: 42, want: 42},
	}
	for _, c := range cases {
		if got := ClampPeakTrackedAlloc(c.raw); got != c.want {
			t.Errorf("ClampPeakTrackedAlloc(%d) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestSendRecvRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := EncodePrepRequest(&PrepRequest{Code: []byte("hello"), Timeout: 9})
	if err := Send(&buf, payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, err := Recv(&buf)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestRecvEOFOnEmptyStream(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Recv(&buf); err != io.EOF {
		t.Fatalf("got %v, want io.EOF on empty stream", err)
	}
}

func TestRecvRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	hdr[3] = 0xFF // absurd length
	buf.Write(hdr[:])
	if _, err := Recv(&buf); err == nil {
		t.Fatal("expected error on oversized frame length")
	}
}
