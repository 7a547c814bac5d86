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

// Package cli is this module's entrypoint, mirroring
// runsc/cli/main.go's shape: register subcommands, register flags, parse,
// resolve a Config, dispatch. Where runsc registers a couple dozen
// OCI-facing subcommands plus an "internal use only" group (boot, gofer,
// umount), this system has exactly two: "serve" (the user-facing Worker
// loop) and "prepare-job" (the hidden re-exec target internal/worker
// spawns itself as, never invoked by a human).
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/pvf-sandbox/prepare-worker/internal/artifact"
	"github.com/pvf-sandbox/prepare-worker/internal/config"
	"github.com/pvf-sandbox/prepare-worker/internal/job"
	"github.com/pvf-sandbox/prepare-worker/internal/logging"
	"github.com/pvf-sandbox/prepare-worker/internal/server"
	"github.com/pvf-sandbox/prepare-worker/internal/wire"
	"github.com/pvf-sandbox/prepare-worker/internal/worker"
)

// Main is the process entrypoint, called from cmd/pvf-prepare-worker.
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(new(serveCommand), "")

	const internalGroup = "internal use only"
	subcommands.Register(new(prepareJobCommand), internalGroup)

	config.RegisterFlags(flag.CommandLine, config.Default())
	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}

// serveCommand implements `pvf-prepare-worker serve`: resolve Config,
// start the Worker loop, block until the socket is closed.
type serveCommand struct{}

func (*serveCommand) Name() string     { return "serve" }
func (*serveCommand) Synopsis() string { return "listen for prepare requests from the host" }
func (*serveCommand) Usage() string {
	return "serve [flags]\n  Listen on the configured unix socket and service prepare requests.\n"
}
func (*serveCommand) SetFlags(fs *flag.FlagSet) {}

func (*serveCommand) Execute(_ context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pvf-prepare-worker: %v\n", err)
		return subcommands.ExitFailure
	}
	logging.SetDebug(cfg.Debug)

	if err := cfg.EnsureDirs(); err != nil {
		logging.Fatalf("serve: %v", err)
		return subcommands.ExitFailure
	}

	selfExe, err := os.Executable()
	if err != nil {
		logging.Fatalf("serve: resolving self executable: %v", err)
		return subcommands.ExitFailure
	}

	w := worker.New(selfExe, artifact.NewWriter(cfg.ArtifactDir))
	w.EnableCgroupCeiling = cfg.EnableCgroupMemoryCeiling
	w.CgroupParent = "/pvf-prepare-worker"

	ln, err := server.Listen(cfg.SocketPath)
	if err != nil {
		logging.Fatalf("serve: listening on %s: %v", cfg.SocketPath, err)
		return subcommands.ExitFailure
	}
	defer ln.Close()

	logging.Infof("listening on %s, artifacts under %s", cfg.SocketPath, cfg.ArtifactDir)
	if err := server.Serve(ln, w); err != nil {
		logging.Fatalf("serve: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// prepareJobCommand implements the hidden `prepare-job` re-exec target:
// read a framed PrepRequest from stdin, run job.Run, write the framed
// ChildResponse to the inherited pipe fd, exit. This is the Go stand-in
// for a forked child's post-fork body (see SPEC_FULL.md §1); it is never
// invoked directly by a human and is deliberately undocumented in -help
// output beyond its presence in the "internal use only" group, matching
// runsc/cli/main.go's treatment of boot/gofer/umount.
type prepareJobCommand struct{}

func (*prepareJobCommand) Name() string     { return worker.JobSubcommand }
func (*prepareJobCommand) Synopsis() string { return "internal: run one prepare job (do not invoke directly)" }
func (*prepareJobCommand) Usage() string    { return worker.JobSubcommand + "\n" }
func (*prepareJobCommand) SetFlags(fs *flag.FlagSet) {}

// jobPipeFD is the ExtraFiles index (0) the Worker donates its pipe write
// end at, offset by the first three standard descriptors: fd 3.
const jobPipeFD = 3

func (*prepareJobCommand) Execute(_ context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	frame, err := readStdinFrame()
	if err != nil {
		logging.Fatalf("prepare-job: reading request: %v", err)
		return subcommands.ExitFailure
	}
	req, err := decodePrepRequest(frame)
	if err != nil {
		logging.Fatalf("prepare-job: decoding request: %v", err)
		return subcommands.ExitFailure
	}

	resp := job.Run(job.Params{
		Request:  req,
		Compiler: job.NoopCompiler{},
		PipeFD:   jobPipeFD,
		Seccomp:  job.NoSeccomp{},
	})

	if err := writeChildResponse(resp); err != nil {
		logging.Fatalf("prepare-job: writing response: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func readStdinFrame() ([]byte, error) {
	return wire.Recv(os.Stdin)
}

func decodePrepRequest(frame []byte) (*wire.PrepRequest, error) {
	return wire.DecodePrepRequest(frame)
}

func writeChildResponse(resp *wire.ChildResponse) error {
	pipe := os.NewFile(uintptr(jobPipeFD), "job-response-pipe")
	defer pipe.Close()
	return wire.Send(pipe, wire.EncodeChildResponse(resp))
}
