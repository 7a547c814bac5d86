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

//go:build linux

// Package cgroupcap adds a kernel-enforced memory ceiling on top of the
// userspace allocator sampler in internal/alloctrack, using
// github.com/containerd/cgroups (cgroup v1 memory controller). It is
// strictly a second line of defense: internal/alloctrack.Tracker already
// gives the Job a chance to self-terminate cleanly and report a classified OOM
// error; this package exists for the case where the allocator sampler's
// polling interval is too coarse to catch a very fast allocation spike
// before the kernel would have to step in anyway.
//
// go-systemd/v22's dbus package is pulled in transitively by
// containerd/cgroups' systemd-driver code path; it is not imported
// directly here.
package cgroupcap

import (
	"fmt"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// MemoryCeiling manages one cgroup scoped to a single job process.
type MemoryCeiling struct {
	cg cgroups.Cgroup
}

// NewMemoryCeiling creates a cgroup at path (e.g.
// "/pvf-prepare-worker/job-<pid>") with its memory controller limited to
// limitBytes, and adds pid to it.
func NewMemoryCeiling(path string, limitBytes uint64, pid int) (*MemoryCeiling, error) {
	limit := int64(limitBytes)
	cg, err := cgroups.New(cgroups.V1, cgroups.StaticPath(path), &specs.LinuxResources{
		Memory: &specs.LinuxMemory{
			Limit: &limit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("cgroupcap: creating cgroup at %s: %w", path, err)
	}
	if err := cg.Add(cgroups.Process{Pid: pid}); err != nil {
		cg.Delete()
		return nil, fmt.Errorf("cgroupcap: adding pid %d to %s: %w", pid, path, err)
	}
	return &MemoryCeiling{cg: cg}, nil
}

// Close removes the cgroup. The job process must already have exited.
func (m *MemoryCeiling) Close() error {
	if m == nil || m.cg == nil {
		return nil
	}
	if err := m.cg.Delete(); err != nil {
		return fmt.Errorf("cgroupcap: deleting cgroup: %w", err)
	}
	return nil
}
