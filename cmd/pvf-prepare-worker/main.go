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

// Command pvf-prepare-worker is the Worker binary: it either serves
// prepare requests from a host over a unix socket, or (via the hidden
// prepare-job subcommand) re-execs itself as a single Job. See
// runsc/main.go for the one-line entrypoint this mirrors.
package main

import "github.com/pvf-sandbox/prepare-worker/internal/cli"

func main() {
	cli.Main()
}
