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

// Package job implements the Job process body: spec.md §4.3's C3. A Job is
// always a freshly re-exec'd process (see SPEC_FULL.md §1), and Run is the
// only thing internal/cli's "prepare-job" subcommand calls after decoding
// the request frame it reads from stdin. There is no cross-job state: every field here
// lives exactly as long as one process.
package job

import (
	"bytes"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pvf-sandbox/prepare-worker/internal/alloctrack"
	"github.com/pvf-sandbox/prepare-worker/internal/capdrop"
	"github.com/pvf-sandbox/prepare-worker/internal/logging"
	"github.com/pvf-sandbox/prepare-worker/internal/procstat"
	"github.com/pvf-sandbox/prepare-worker/internal/rlimit"
	"github.com/pvf-sandbox/prepare-worker/internal/wire"
)

// Compiler is the pluggable compilation/instantiation backend, standing in
// for spec.md §4.3's "calls into the compilation backend" step. Production
// wires NoopCompiler (this system's actual compiler lives outside this
// module's scope per spec.md §1's external collaborators); tests wire a
// scripted double.
type Compiler interface {
	// Prevalidate performs cheap, pre-compilation structural checks.
	Prevalidate(code []byte) error
	// Prepare compiles code into an artifact blob using executorParams.
	Prepare(code, executorParams []byte) ([]byte, error)
	// CreateRuntimeFromArtifact attempts to instantiate a runtime from a
	// prepared artifact; only called for wire.KindPrecheck jobs.
	CreateRuntimeFromArtifact(artifact []byte) error
}

// Params bundles what Run needs, already decoded from the PrepRequest that
// crossed the Host<->Worker socket and was re-framed onto the re-exec'd
// process's stdin by the Worker.
type Params struct {
	Request  *wire.PrepRequest
	Compiler Compiler
	// PipeFD is the write end of the Worker<->Job pipe, inherited as an
	// ExtraFiles descriptor across the re-exec per SPEC_FULL.md §1.
	PipeFD int
	// Seccomp is the optional host-installed seccomp collaborator. A
	// no-op implementation is wired when unavailable; spec.md §1 treats
	// the real filter as outside this module's scope.
	Seccomp SeccompInstaller
}

// SeccompInstaller installs a syscall filter on the calling thread/process.
// The real filter is a host responsibility per spec.md §1; this interface
// only exists so the Job always calls *something* at the point the filter
// would be installed, keeping the call site stable regardless of whether a
// real installer is wired in a given deployment.
type SeccompInstaller interface {
	Install() error
}

// NoSeccomp is the default no-op SeccompInstaller.
type NoSeccomp struct{}

func (NoSeccomp) Install() error { return nil }

// Run executes the full Job sequence from spec.md §4.3 and returns the
// ChildResponse to be written to the pipe. Run itself never writes to the
// pipe or exits the process for the ordinary-completion path: that is
// internal/cli's job, so this function stays testable without a real fd.
// The sole exception is the allocator-exhaustion escape hatch, which by
// design bypasses this return path entirely (see alloctrack.NewOOMHandler)
// because by the time it fires, constructing and returning a ChildResponse
// value might itself require an allocation this process can no longer
// afford.
func Run(p Params) *wire.ChildResponse {
	defer func() {
		if r := recover(); r != nil {
			logging.Warningf("job: recovered panic: %v", r)
		}
	}()

	if resp := runGuarded(p); resp != nil {
		return resp
	}
	return &wire.ChildResponse{Err: &wire.PrepError{Kind: wire.ErrPanic, Msg: "job: panicked with no recoverable response"}}
}

func runGuarded(p Params) (resp *wire.ChildResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = &wire.ChildResponse{Err: &wire.PrepError{Kind: wire.ErrPanic, Msg: fmt.Sprintf("%v", r)}}
		}
	}()

	// Step 1: install the hard CPU guard before anything else, including
	// capability dropping or seccomp: a runaway loop in those must still
	// be bounded.
	if err := rlimit.InstallCPULimit(time.Duration(p.Request.Timeout)); err != nil {
		return &wire.ChildResponse{Err: rlimit.KernelError("setrlimit(RLIMIT_CPU)", err)}
	}

	if err := p.Seccomp.Install(); err != nil {
		return &wire.ChildResponse{Err: rlimit.KernelError("seccomp install", err)}
	}

	if err := capdrop.DropAll(); err != nil {
		// Capability dropping is defense-in-depth layered on top of the
		// host's seccomp policy (SPEC_FULL.md §4.3); its failure is
		// reported but does not abort the job, since the sandbox may
		// already be running unprivileged.
		logging.Warningf("job: capability drop failed: %v", err)
	}

	if err := p.Compiler.Prevalidate(p.Request.Code); err != nil {
		return &wire.ChildResponse{Err: &wire.PrepError{Kind: wire.ErrPrevalidation, Msg: err.Error()}}
	}

	var tracker *alloctrack.Tracker
	if p.Request.HasMemoryCap {
		tracker = alloctrack.New(p.Request.PrecheckMemoryCap, alloctrack.NewOOMHandler(p.PipeFD, wire.OOMSentinel))
	} else {
		tracker = alloctrack.New(0, nil)
	}
	tracker.Start()

	var artifact []byte
	var threadRSS uint64
	var hasThreadRSS bool
	g := new(errgroup.Group)
	g.Go(func() (gerr error) {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		// Sampled here, before the thread is unlocked, because
		// RUSAGE_THREAD only means anything on the OS thread it was
		// measured on: once UnlockOSThread runs, the goroutine may be
		// rescheduled onto a different one. Runs regardless of whether
		// Prepare below succeeds, fails, or panics.
		defer func() {
			if v, err := procstat.ThreadPeakRSS(); err == nil {
				threadRSS, hasThreadRSS = v, true
			}
		}()

		// A panic on this goroutine must not crash the process: it is
		// reported back through errgroup like any other compilation
		// failure, matching the outer recover in runGuarded for panics
		// that occur anywhere else in the sequence.
		defer func() {
			if r := recover(); r != nil {
				gerr = &wire.PrepError{Kind: wire.ErrPanic, Msg: fmt.Sprintf("%v", r)}
			}
		}()

		a, err := p.Compiler.Prepare(p.Request.Code, p.Request.ExecutorParams)
		if err != nil {
			return &wire.PrepError{Kind: wire.ErrPreparation, Msg: err.Error()}
		}
		artifact = a

		if p.Request.Kind == wire.KindPrecheck {
			if err := p.Compiler.CreateRuntimeFromArtifact(a); err != nil {
				return &wire.PrepError{Kind: wire.ErrRuntimeConstruction, Msg: err.Error()}
			}
		}
		return nil
	})

	gerr := g.Wait()
	peak := tracker.End()

	mem := wire.MemoryStats{PeakTrackedAlloc: wire.ClampPeakTrackedAlloc(peak)}
	if rp, vp, err := procstat.ProcessPeaks(); err == nil {
		mem.HasResidentPeak, mem.ResidentPeak = true, rp
		mem.HasVirtualPeak, mem.VirtualPeak = true, vp
	}
	if hasThreadRSS {
		mem.HasMaxRSS, mem.MaxRSS = true, threadRSS
	}

	if gerr != nil {
		if pe, ok := gerr.(*wire.PrepError); ok {
			return &wire.ChildResponse{Err: pe}
		}
		return &wire.ChildResponse{Err: &wire.PrepError{Kind: wire.ErrPreparation, Msg: gerr.Error()}}
	}

	return &wire.ChildResponse{Artifact: artifact, Memory: mem}
}

// NoopCompiler is the production default: this module's scope stops at the
// process-isolation and resource-accounting boundary described in spec.md
// §1; the actual compilation backend is an external collaborator wired in
// by whatever embeds this package. NoopCompiler exists so the Job process
// still runs meaningfully (and testably, end to end) without that
// collaborator present: it treats the input as pre-validated and the
// "artifact" as a pass-through of the code bytes.
type NoopCompiler struct{}

func (NoopCompiler) Prevalidate(code []byte) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code blob")
	}
	return nil
}

func (NoopCompiler) Prepare(code, executorParams []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(code)
	return buf.Bytes(), nil
}

func (NoopCompiler) CreateRuntimeFromArtifact(artifact []byte) error {
	if len(artifact) == 0 {
		return fmt.Errorf("empty artifact")
	}
	return nil
}
