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

// Package worker implements the Worker process body: spec.md §4.4's C4.
// A Worker serializes one Job at a time (spec.md §9: "correct only when
// jobs are strictly serialized"), re-exec'ing itself as a Job per request
// the way runsc/sandbox/sandbox.go's createSandboxProcess re-execs itself
// as `<exe> boot --bundle=...`; here as `<exe> prepare-job`, with the
// request crossing via stdin and the Worker<->Job pipe donated as an
// ExtraFiles descriptor rather than the dozen purpose-built donations
// sandbox.go wires for a full container boot.
package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pvf-sandbox/prepare-worker/internal/artifact"
	"github.com/pvf-sandbox/prepare-worker/internal/cgroupcap"
	"github.com/pvf-sandbox/prepare-worker/internal/logging"
	"github.com/pvf-sandbox/prepare-worker/internal/rlimit"
	"github.com/pvf-sandbox/prepare-worker/internal/wire"
)

// JobSubcommand is the hidden argv[1] internal/cli registers for re-exec,
// kept as a named constant so the Worker and the CLI never drift apart on
// spelling.
const JobSubcommand = "prepare-job"

// Worker spawns and supervises one Job process per Process call.
type Worker struct {
	// SelfExe is the path to re-exec; internal/cli passes os.Executable().
	SelfExe string
	// ArtifactWriter persists a successful artifact to durable storage
	// before the Worker replies to the Host, per spec.md §4.1's
	// "artifact is only written to disk on success" invariant.
	ArtifactWriter *artifact.Writer
	// EnableCgroupCeiling additionally confines each job to a memory
	// cgroup (internal/cgroupcap) sized to its requested cap, as a
	// kernel-enforced backstop on top of the userspace allocator sampler.
	EnableCgroupCeiling bool
	// CgroupParent is the path segment jobs' per-request cgroups are
	// created under, e.g. "/pvf-prepare-worker".
	CgroupParent string
}

// New builds a Worker that re-execs selfExe as a Job.
func New(selfExe string, aw *artifact.Writer) *Worker {
	return &Worker{SelfExe: selfExe, ArtifactWriter: aw}
}

// Process runs exactly one Job end to end: spawn, supply the request,
// collect the response, reap, and classify the outcome into a
// PrepareResult. It never panics: every failure path, including the job
// process dying without a parseable response, resolves to a PrepareResult
// with a populated Err.
func (w *Worker) Process(req *wire.PrepRequest) *wire.PrepareResult {
	before, err := rlimit.SampleChildrenCPUTime()
	if err != nil {
		return &wire.PrepareResult{Err: rlimit.KernelError("getrusage(RUSAGE_CHILDREN) before spawn", err)}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return &wire.PrepareResult{Err: rlimit.KernelError("pipe", err)}
	}

	var stdin bytes.Buffer
	if err := wire.Send(&stdin, wire.EncodePrepRequest(req)); err != nil {
		pr.Close()
		pw.Close()
		return &wire.PrepareResult{Err: rlimit.KernelError("framing prep request", err)}
	}

	cmd := exec.Command(w.SelfExe, JobSubcommand)
	cmd.Args[0] = "pvf-prepare-job"
	cmd.Stdin = &stdin
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{pw}
	cmd.Env = []string{}
	cmd.SysProcAttr = &unix.SysProcAttr{
		// If the Worker itself dies, orphaned Job processes must not
		// linger: they inherit no host collaborator to supervise them.
		Pdeathsig: unix.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return &wire.PrepareResult{Err: rlimit.KernelError("starting job process", err)}
	}
	// The child has its own copy of the write end (fd 3 in its address
	// space via ExtraFiles); the Worker's copy must be closed or the
	// Worker's own read below will never see EOF.
	pw.Close()

	var ceiling *cgroupcap.MemoryCeiling
	if w.EnableCgroupCeiling && req.HasMemoryCap && cmd.Process != nil {
		path := fmt.Sprintf("%s/job-%d", w.CgroupParent, cmd.Process.Pid)
		c, err := cgroupcap.NewMemoryCeiling(path, req.PrecheckMemoryCap, cmd.Process.Pid)
		if err != nil {
			logging.Warningf("worker: cgroup memory ceiling unavailable: %v", err)
		} else {
			ceiling = c
		}
	}

	// No cooperative cancellation path exists here: the Worker never sends
	// the Job a signal of its own. It only reads the pipe to EOF, waits for
	// the process to be reaped, and samples CPU time, exactly as the
	// original parent does (read_to_end / waitpid / getrusage). The Job's
	// own RLIMIT_CPU guard is the sole authority that can end compilation
	// early; the check below only classifies what already happened.
	data, readErr := io.ReadAll(pr)
	pr.Close()

	waitErr := cmd.Wait()

	if ceiling != nil {
		if err := ceiling.Close(); err != nil {
			logging.Warningf("worker: tearing down cgroup memory ceiling: %v", err)
		}
	}

	after, err := rlimit.SampleChildrenCPUTime()
	if err != nil {
		return &wire.PrepareResult{Err: rlimit.KernelError("getrusage(RUSAGE_CHILDREN) after reap", err)}
	}
	cpuElapsed := rlimit.Delta(before, after)

	// Defensive parent-side check mirroring the Job's own RLIMIT_CPU guard:
	// if the reaped CPU time already reached the request's timeout, report
	// TimedOut regardless of how the process otherwise exited, overriding
	// any payload or death classification below.
	if cpuElapsed >= time.Duration(req.Timeout) {
		return &wire.PrepareResult{Err: &wire.PrepError{
			Kind: wire.ErrTimedOut,
			Msg:  fmt.Sprintf("job consumed %s CPU time, at or beyond its %s timeout", cpuElapsed, time.Duration(req.Timeout)),
		}}
	}

	if readErr != nil {
		return &wire.PrepareResult{Err: &wire.PrepError{Kind: wire.ErrIo, Msg: readErr.Error()}}
	}

	if bytes.Equal(data, wire.OOMSentinel) {
		return &wire.PrepareResult{Err: &wire.PrepError{
			Kind: wire.ErrOOM,
			Msg:  "allocator-tracked memory exceeded the requested cap",
		}}
	}

	resp, decodeErr := decodeChildFrame(data)
	if decodeErr != nil {
		return &wire.PrepareResult{Err: classifyDeath(waitErr, decodeErr)}
	}

	if resp.Err != nil {
		return &wire.PrepareResult{Err: resp.Err}
	}

	if w.ArtifactWriter != nil && req.ArtifactPath != "" {
		if err := w.ArtifactWriter.Write(req.ArtifactPath, resp.Artifact); err != nil {
			return &wire.PrepareResult{Err: &wire.PrepError{Kind: wire.ErrIo, Msg: fmt.Sprintf("writing artifact: %v", err)}}
		}
	}

	return &wire.PrepareResult{Ok: &wire.PrepareStats{
		Memory:         resp.Memory,
		CPUTimeElapsed: uint64(cpuElapsed.Nanoseconds()),
	}}
}

// decodeChildFrame parses the single length-prefixed frame the job writes
// via wire.Send before exiting. Unlike wire.Recv, this operates on an
// already fully-drained byte slice (the pipe is read to EOF before this is
// called), since a normally-exiting job writes exactly one frame and then
// closes its end.
func decodeChildFrame(raw []byte) (*wire.ChildResponse, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("job pipe produced %d bytes, too short for a frame header", len(raw))
	}
	n := binary.LittleEndian.Uint32(raw[:4])
	if int(n) != len(raw)-4 {
		return nil, fmt.Errorf("malformed job frame: header declares %d bytes, have %d", n, len(raw)-4)
	}
	return wire.DecodeChildResponse(raw[4:])
}

// classifyDeath turns a job process's exit status into a PrepError when no
// parseable ChildResponse was available: the job crashed, was killed by a
// signal (including the RLIMIT_CPU guard's SIGKILL), or otherwise exited
// without writing a response.
func classifyDeath(waitErr error, decodeErr error) *wire.PrepError {
	if waitErr == nil {
		return &wire.PrepError{Kind: wire.ErrIo, Msg: decodeErr.Error()}
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return &wire.PrepError{Kind: wire.ErrJobDied, Msg: waitErr.Error()}
	}
	if ws, ok := exitErr.Sys().(unix.WaitStatus); ok && ws.Signaled() {
		return &wire.PrepError{Kind: wire.ErrJobDied, Msg: fmt.Sprintf("job killed by signal %s", ws.Signal())}
	}
	return &wire.PrepError{Kind: wire.ErrJobDied, Msg: exitErr.Error()}
}
