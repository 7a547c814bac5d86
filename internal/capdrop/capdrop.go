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

// Package capdrop drops all Linux capabilities from the calling process
// using github.com/syndtr/gocapability, the same capability library
// runsc/sandbox/sandbox.go and runsc/boot/loader.go use (there via
// specutils.HasCapabilities to check for CAP_SYS_ADMIN/CAP_NET_RAW/etc.).
// Here the same library is used the other direction: to clear every
// capability set rather than query one, as defense-in-depth layered
// underneath whatever seccomp policy the host installs (spec.md §1 treats
// seccomp itself as an external collaborator out of this module's scope).
package capdrop

import (
	"fmt"

	"github.com/syndtr/gocapability/capability"
)

// DropAll clears the effective, permitted, inheritable, bounding and
// ambient capability sets of the calling process and applies the result.
// Safe to call from an already-unprivileged process: clearing an empty set
// is a no-op, so this never hard-fails a sandbox that has no capabilities
// to begin with.
func DropAll() error {
	caps, err := capability.NewPid(0)
	if err != nil {
		return fmt.Errorf("capdrop: loading process capabilities: %w", err)
	}
	caps.Clear(capability.CAPS | capability.BOUNDING | capability.AMBIENT)
	if err := caps.Apply(capability.CAPS | capability.BOUNDING | capability.AMBIENT); err != nil {
		return fmt.Errorf("capdrop: applying cleared capabilities: %w", err)
	}
	return nil
}
