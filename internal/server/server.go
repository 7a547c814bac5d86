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

// Package server implements the Host<->Worker unix socket loop: spec.md
// §4.1's "exactly one reply, in order" invariant, realized here as a
// single persistent connection serviced strictly sequentially: the next
// request is not even read off the wire until the previous one's reply has
// been written, so replies can never be reordered relative to requests.
package server

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/pvf-sandbox/prepare-worker/internal/logging"
	"github.com/pvf-sandbox/prepare-worker/internal/wire"
)

// JobRunner is what *worker.Worker provides. Expressed as an interface so
// the connection-handling loop here can be exercised in tests without
// spawning a real job process.
type JobRunner interface {
	Process(req *wire.PrepRequest) *wire.PrepareResult
}

// malformedRequestLogLimiter caps how often a malformed-request warning is
// actually emitted: a host that reconnects in a tight loop submitting
// garbage should not be able to flood the log, the same concern
// golang.org/x/time/rate's rate.Sometimes is built for.
var malformedRequestLogLimiter = rate.Sometimes{Interval: time.Second}

// Listen creates the unix socket at path, removing a stale socket file
// left behind by a previous run first.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return net.Listen("unix", path)
}

// Serve accepts connections on ln and services each with w until ln is
// closed. Only one connection is serviced at a time, matching this
// system's single-worker-process-per-socket deployment model (spec.md §6:
// one Worker, one Host, one socket).
func Serve(ln net.Listener, w JobRunner) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		serveConn(conn, w)
	}
}

func serveConn(conn net.Conn, w JobRunner) {
	defer conn.Close()
	for {
		frame, err := wire.Recv(conn)
		if err != nil {
			if err != io.EOF {
				logging.Warningf("server: reading request frame: %v", err)
			}
			return
		}

		req, err := wire.DecodePrepRequest(frame)
		if err != nil {
			malformedRequestLogLimiter.Do(func() {
				logging.Warningf("server: decoding request: %v", err)
			})
			return
		}

		result := w.Process(req)

		if err := wire.Send(conn, wire.EncodePrepareResult(result)); err != nil {
			logging.Warningf("server: writing reply: %v", err)
			return
		}
	}
}
