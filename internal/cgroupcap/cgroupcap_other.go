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

package cgroupcap

import "errors"

// ErrUnsupported is returned on platforms without cgroups. Wiring the
// memory ceiling is a Linux-only second line of defense, per spec.md §9's
// Linux-only scoping of kernel-level resource mechanisms; the userspace
// allocator sampler in internal/alloctrack remains the cross-platform
// enforcement path.
var ErrUnsupported = errors.New("cgroupcap: unsupported on this platform")

// MemoryCeiling is a no-op stand-in on non-Linux platforms.
type MemoryCeiling struct{}

func NewMemoryCeiling(path string, limitBytes uint64, pid int) (*MemoryCeiling, error) {
	return nil, ErrUnsupported
}

func (m *MemoryCeiling) Close() error { return nil }
