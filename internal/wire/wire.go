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

// Package wire defines the messages that cross the two transports in this
// system: the Host<->Worker socket and the Worker<->Job anonymous pipe. The
// encoding is a hand-rolled, field-ordered binary format rather than a
// reflection-based one (encoding/gob) or a schema-driven one (protobuf):
// there is no shared .proto file in this system, and a field-ordered codec
// gives the same ABI-stability guarantee gVisor's pkg/marshal.Marshallable
// types get from hand-written CopyIn/CopyOut, without requiring codegen we
// cannot run here.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// JobKind selects how thoroughly a blob is prepared.
type JobKind uint8

const (
	// KindPrepare compiles the blob into an artifact.
	KindPrepare JobKind = iota
	// KindPrecheck additionally instantiates the artifact to surface
	// runtime-construction errors.
	KindPrecheck
)

func (k JobKind) String() string {
	switch k {
	case KindPrepare:
		return "prepare"
	case KindPrecheck:
		return "precheck"
	default:
		return fmt.Sprintf("JobKind(%d)", uint8(k))
	}
}

// PrepRequest is the Host -> Worker message.
type PrepRequest struct {
	Code               []byte
	ExecutorParams     []byte
	Timeout            uint64 // nanoseconds
	Kind               JobKind
	HasMemoryCap       bool
	PrecheckMemoryCap  uint64 // bytes, valid iff HasMemoryCap
	ArtifactPath       string
}

// MemoryStats mirrors spec.md's MemoryStats. All fields are optional except
// PeakTrackedAlloc, which is always populated and always >= 0 (negative raw
// samples are clamped to zero at construction time, never left to callers).
type MemoryStats struct {
	HasResidentPeak bool
	ResidentPeak    uint64 // bytes, from /proc/self/status VmHWM-style sampling
	HasVirtualPeak  bool
	VirtualPeak     uint64 // bytes, VmPeak-style sampling
	HasMaxRSS       bool   // Linux only
	MaxRSS          uint64 // bytes
	PeakTrackedAlloc uint64 // bytes, always present, always >= 0
}

// ClampPeakTrackedAlloc stores a possibly-negative raw peak as the
// non-negative wire value, satisfying invariant 5 of spec.md §3.
func ClampPeakTrackedAlloc(raw int64) uint64 {
	if raw < 0 {
		return 0
	}
	return uint64(raw)
}

// PrepareStats is what the Host sees on success.
type PrepareStats struct {
	Memory        MemoryStats
	CPUTimeElapsed uint64 // nanoseconds
}

// ErrorKind is the stable wire-level error taxonomy from spec.md §7.
type ErrorKind uint8

const (
	ErrPrevalidation ErrorKind = iota
	ErrPreparation
	ErrRuntimeConstruction
	ErrPanic
	ErrIo
	ErrJobDied
	ErrTimedOut
	ErrKernel
	ErrOOM
)

func (k ErrorKind) String() string {
	switch k {
	case ErrPrevalidation:
		return "Prevalidation"
	case ErrPreparation:
		return "Preparation"
	case ErrRuntimeConstruction:
		return "RuntimeConstruction"
	case ErrPanic:
		return "Panic"
	case ErrIo:
		return "IoErr"
	case ErrJobDied:
		return "JobDied"
	case ErrTimedOut:
		return "TimedOut"
	case ErrKernel:
		return "Kernel"
	case ErrOOM:
		return "OOM"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// PrepError is the error half of PrepareResult/ChildResponse.
type PrepError struct {
	Kind ErrorKind
	// Msg carries the human-readable detail for Prevalidation, Preparation,
	// RuntimeConstruction, Panic and IoErr.
	Msg string
	// Kernel-only fields.
	KernelCtx   string
	KernelErrno int32
}

func (e *PrepError) Error() string {
	if e.Kind == ErrKernel {
		return fmt.Sprintf("kernel: %s: errno %d", e.KernelCtx, e.KernelErrno)
	}
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

// NewKernelError builds a Kernel-kind PrepError, the shape spec.md §7 names:
// (ctx, errno, os_err).
func NewKernelError(ctx string, errno int32, osErr error) *PrepError {
	msg := ""
	if osErr != nil {
		msg = osErr.Error()
	}
	return &PrepError{Kind: ErrKernel, Msg: msg, KernelCtx: ctx, KernelErrno: errno}
}

// PrepareResult is what crosses the Host <-> Worker socket.
type PrepareResult struct {
	Ok  *PrepareStats
	Err *PrepError
}

// ChildResponse is what crosses the Worker <-> Job pipe.
type ChildResponse struct {
	Artifact []byte
	Memory   MemoryStats
	Err      *PrepError
}

// OOMSentinel is the fixed byte string the Job's allocator-exhaustion
// handler writes directly to the pipe fd via a raw, non-allocating syscall
// when the tracked allocation exceeds its cap. It is distinguishable from
// any well-formed frame because a real frame's length prefix would have to
// equal len(OOMSentinel)-4 and decode as a valid ChildResponse, which this
// magic string never does (it is shorter than any valid frame header
// could describe and carries a recognizable marker).
var OOMSentinel = []byte("PVFWOOM1")

// ---- encoding ----
//
// Wire format per value, in field-declaration order above:
//   bool      -> 1 byte (0/1)
//   uint8     -> 1 byte
//   uint32    -> 4 bytes LE
//   uint64    -> 8 bytes LE
//   int32     -> 4 bytes LE (two's complement)
//   []byte    -> uint32 LE length prefix, then bytes
//   string    -> same as []byte, UTF-8
//   *T        -> 1 byte present flag, then T if present

type encoder struct {
	buf []byte
}

func (e *encoder) bool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i32(v int32)  { e.u32(uint32(v)) }

func (e *encoder) bytes(v []byte) {
	e.u32(uint32(len(v)))
	e.buf = append(e.buf, v...)
}

func (e *encoder) str(v string) { e.bytes([]byte(v)) }

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.off+n > len(d.buf) {
		d.fail(io.ErrUnexpectedEOF)
		return false
	}
	return true
}

func (d *decoder) boolv() bool {
	if !d.need(1) {
		return false
	}
	v := d.buf[d.off] != 0
	d.off++
	return v
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) i32() int32 { return int32(d.u32()) }

func (d *decoder) bytesv() []byte {
	n := d.u32()
	if !d.need(int(n)) {
		return nil
	}
	v := make([]byte, n)
	copy(v, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return v
}

func (d *decoder) strv() string { return string(d.bytesv()) }

func encodeMemoryStats(e *encoder, m MemoryStats) {
	e.bool(m.HasResidentPeak)
	e.u64(m.ResidentPeak)
	e.bool(m.HasVirtualPeak)
	e.u64(m.VirtualPeak)
	e.bool(m.HasMaxRSS)
	e.u64(m.MaxRSS)
	e.u64(m.PeakTrackedAlloc)
}

func decodeMemoryStats(d *decoder) MemoryStats {
	var m MemoryStats
	m.HasResidentPeak = d.boolv()
	m.ResidentPeak = d.u64()
	m.HasVirtualPeak = d.boolv()
	m.VirtualPeak = d.u64()
	m.HasMaxRSS = d.boolv()
	m.MaxRSS = d.u64()
	m.PeakTrackedAlloc = d.u64()
	return m
}

func encodeError(e *encoder, pe *PrepError) {
	e.bool(pe != nil)
	if pe == nil {
		return
	}
	e.u8(uint8(pe.Kind))
	e.str(pe.Msg)
	e.str(pe.KernelCtx)
	e.i32(pe.KernelErrno)
}

func decodeError(d *decoder) *PrepError {
	if !d.boolv() {
		return nil
	}
	pe := &PrepError{}
	pe.Kind = ErrorKind(d.u8())
	pe.Msg = d.strv()
	pe.KernelCtx = d.strv()
	pe.KernelErrno = d.i32()
	return pe
}

// EncodePrepRequest renders a PrepRequest to its canonical byte form.
func EncodePrepRequest(r *PrepRequest) []byte {
	e := &encoder{}
	e.bytes(r.Code)
	e.bytes(r.ExecutorParams)
	e.u64(r.Timeout)
	e.u8(uint8(r.Kind))
	e.bool(r.HasMemoryCap)
	e.u64(r.PrecheckMemoryCap)
	e.str(r.ArtifactPath)
	return e.buf
}

// DecodePrepRequest parses a PrepRequest. A decode failure here is fatal to
// the worker loop (spec.md §4.1): the caller should treat err != nil as an
// unrecoverable I/O condition, not a classifiable PrepError.
func DecodePrepRequest(b []byte) (*PrepRequest, error) {
	d := &decoder{buf: b}
	r := &PrepRequest{}
	r.Code = d.bytesv()
	r.ExecutorParams = d.bytesv()
	r.Timeout = d.u64()
	r.Kind = JobKind(d.u8())
	r.HasMemoryCap = d.boolv()
	r.PrecheckMemoryCap = d.u64()
	r.ArtifactPath = d.strv()
	if d.err != nil {
		return nil, fmt.Errorf("decoding PrepRequest: %w", d.err)
	}
	return r, nil
}

// EncodePrepareResult renders a PrepareResult to its canonical byte form.
func EncodePrepareResult(r *PrepareResult) []byte {
	e := &encoder{}
	e.bool(r.Ok != nil)
	if r.Ok != nil {
		encodeMemoryStats(e, r.Ok.Memory)
		e.u64(r.Ok.CPUTimeElapsed)
	}
	encodeError(e, r.Err)
	return e.buf
}

// DecodePrepareResult parses a PrepareResult (Host-side).
func DecodePrepareResult(b []byte) (*PrepareResult, error) {
	d := &decoder{buf: b}
	r := &PrepareResult{}
	if d.boolv() {
		stats := &PrepareStats{}
		stats.Memory = decodeMemoryStats(d)
		stats.CPUTimeElapsed = d.u64()
		r.Ok = stats
	}
	r.Err = decodeError(d)
	if d.err != nil {
		return nil, fmt.Errorf("decoding PrepareResult: %w", d.err)
	}
	return r, nil
}

// EncodeChildResponse renders a ChildResponse to its canonical byte form.
func EncodeChildResponse(r *ChildResponse) []byte {
	e := &encoder{}
	e.bool(r.Err == nil)
	if r.Err == nil {
		e.bytes(r.Artifact)
		encodeMemoryStats(e, r.Memory)
	} else {
		encodeError(e, r.Err)
	}
	return e.buf
}

// DecodeChildResponse parses a ChildResponse (Worker-side, reading the
// pipe). A decode failure here is classified IoErr by the caller, never
// treated as fatal to the worker loop, per spec.md §4.1.
func DecodeChildResponse(b []byte) (*ChildResponse, error) {
	d := &decoder{buf: b}
	r := &ChildResponse{}
	ok := d.boolv()
	if ok {
		r.Artifact = d.bytesv()
		r.Memory = decodeMemoryStats(d)
	} else {
		r.Err = decodeError(d)
	}
	if d.err != nil {
		return nil, fmt.Errorf("decoding ChildResponse: %w", d.err)
	}
	return r, nil
}
