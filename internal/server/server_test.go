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

package server

import (
	"net"
	"testing"
	"time"

	"github.com/pvf-sandbox/prepare-worker/internal/wire"
)

// fakeRunner scripts Worker.Process without spawning a real job process,
// so this package's connection-handling loop can be tested in isolation.
type fakeRunner struct {
	results []*wire.PrepareResult
	calls   int
}

func (f *fakeRunner) Process(req *wire.PrepRequest) *wire.PrepareResult {
	r := f.results[f.calls]
	f.calls++
	return r
}

func dialedPair(t *testing.T) (client, serverSide net.Conn) {
	t.Helper()
	c, s := net.Pipe()
	t.Cleanup(func() { c.Close(); s.Close() })
	return c, s
}

func TestServeConnRepliesInOrder(t *testing.T) {
	client, serverSide := dialedPair(t)
	runner := &fakeRunner{results: []*wire.PrepareResult{
		{Ok: &wire.PrepareStats{CPUTimeElapsed: 1}},
		{Ok: &wire.PrepareStats{CPUTimeElapsed: 2}},
	}}

	done := make(chan struct{})
	go func() {
		serveConn(serverSide, runner)
		close(done)
	}()

	for i, want := range []uint64{1, 2} {
		req := &wire.PrepRequest{Code: []byte("x")}
		if err := wire.Send(client, wire.EncodePrepRequest(req)); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		frame, err := wire.Recv(client)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		result, err := wire.DecodePrepareResult(frame)
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if result.Ok == nil || result.Ok.CPUTimeElapsed != want {
			t.Fatalf("reply %d = %+v, want CPUTimeElapsed=%d", i, result, want)
		}
	}
	client.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveConn did not exit after client closed")
	}
}

func TestServeConnStopsOnMalformedRequest(t *testing.T) {
	client, serverSide := dialedPair(t)
	runner := &fakeRunner{}

	done := make(chan struct{})
	go func() {
		serveConn(serverSide, runner)
		close(done)
	}()

	if err := wire.Send(client, []byte{0xff, 0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("send garbage: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serveConn did not exit on malformed request")
	}
	if runner.calls != 0 {
		t.Fatalf("runner.Process called %d times, want 0", runner.calls)
	}
}
