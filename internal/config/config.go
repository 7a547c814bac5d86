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

// Package config layers CLI flags over an optional TOML file, the same
// two-layer shape runsc/config/flags.go registers onto a flag.FlagSet and
// runsc/cli/main.go resolves via config.NewFromFlags. Values here cover
// spec.md §6's external interface surface (socket path, artifact root,
// default timeout) plus the debug-logging and cgroup memory ceiling
// switches.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the fully-resolved configuration for a Worker process.
type Config struct {
	// SocketPath is where the Worker listens for Host connections.
	SocketPath string `toml:"socket_path"`
	// ArtifactDir is the root internal/artifact.Writer persists prepared
	// blobs under.
	ArtifactDir string `toml:"artifact_dir"`
	// DefaultTimeout is resolved from the default-timeout flag or the
	// config file and stored here only: the Worker does not read it, and
	// every request runs under its own Timeout field as sent.
	DefaultTimeout time.Duration `toml:"default_timeout"`
	// Debug enables debug-level logging.
	Debug bool `toml:"debug"`
	// EnableCgroupMemoryCeiling additionally enforces a job's memory cap
	// via a kernel cgroup, on top of the userspace allocator sampler in
	// internal/alloctrack. See internal/cgroupcap.
	EnableCgroupMemoryCeiling bool `toml:"enable_cgroup_memory_ceiling"`
}

// Default returns the built-in configuration used when neither a config
// file nor flags override it.
func Default() Config {
	return Config{
		SocketPath:     "/run/pvf-prepare-worker/worker.sock",
		ArtifactDir:    "/var/lib/pvf-prepare-worker/artifacts",
		DefaultTimeout: 2 * time.Second,
		Debug:          false,
	}
}

// RegisterFlags registers this package's flags on fs, mirroring
// runsc/config/flags.go's RegisterFlags(flagSet).
func RegisterFlags(fs *flag.FlagSet, def Config) {
	fs.String("socket", def.SocketPath, "unix socket path the worker listens on for host connections.")
	fs.String("artifact-dir", def.ArtifactDir, "root directory prepared artifacts are persisted under.")
	fs.Duration("default-timeout", def.DefaultTimeout, "default request timeout, stored in the resolved config; the worker runs each request under the timeout it carries.")
	fs.Bool("debug", def.Debug, "enable debug logging.")
	fs.Bool("enable-cgroup-memory-ceiling", def.EnableCgroupMemoryCeiling, "additionally enforce each job's memory cap via a cgroup, on top of the userspace allocator sampler.")
	fs.String("config-file", "", "optional TOML file layered underneath the flags above.")
}

// NewFromFlags resolves a Config the way runsc/cli/main.go resolves conf,
// err := config.NewFromFlags(flag.CommandLine): start from Default(), layer
// an optional TOML file, then apply any flag explicitly set on fs.
func NewFromFlags(fs *flag.FlagSet) (Config, error) {
	cfg := Default()

	if f := fs.Lookup("config-file"); f != nil && f.Value.String() != "" {
		path := f.Value.String()
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "socket":
			cfg.SocketPath = f.Value.String()
		case "artifact-dir":
			cfg.ArtifactDir = f.Value.String()
		case "default-timeout":
			if d, err := time.ParseDuration(f.Value.String()); err == nil {
				cfg.DefaultTimeout = d
			}
		case "debug":
			cfg.Debug = f.Value.String() == "true"
		case "enable-cgroup-memory-ceiling":
			cfg.EnableCgroupMemoryCeiling = f.Value.String() == "true"
		}
	})

	return cfg, nil
}

// EnsureDirs creates the directories Config references, if missing. Called
// once at Worker startup; spec.md §6 leaves storage provisioning to the
// host, but an empty ArtifactDir is common enough in local/dev use that
// failing outright would make the binary unpleasant to try out.
func (c Config) EnsureDirs() error {
	if err := os.MkdirAll(c.ArtifactDir, 0o755); err != nil {
		return fmt.Errorf("config: creating artifact dir %s: %w", c.ArtifactDir, err)
	}
	return nil
}
