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

// Package logging gives the rest of this module a gVisor-shaped logging
// API (Debugf/Infof/Warningf/Fatalf, a single package-level target) while
// backing it with a real ecosystem logger, github.com/sirupsen/logrus,
// instead of hand-rolling one. Call sites read like
// runsc/sandbox/sandbox.go's log.Debugf(...)/log.Infof(...) on purpose.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Target is the fixed log-target identifier spec.md §6 requires.
const Target = "pvf-prepare-worker"

var std = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetDebug switches the package logger to debug verbosity. Operators
// enable it through whatever CLI flag or config value is wired up in
// internal/config; this package has no opinion on how verbosity is
// requested, only on how it is emitted, per spec.md §6.
func SetDebug(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
}

// SetOutput redirects where log lines are written (stderr by default).
func SetOutput(w interface{ Write([]byte) (int, error) }) {
	std.SetOutput(w)
}

func entry() *logrus.Entry {
	return std.WithField("target", Target)
}

func Debugf(format string, args ...interface{})   { entry().Debugf(format, args...) }
func Infof(format string, args ...interface{})    { entry().Infof(format, args...) }
func Warningf(format string, args ...interface{}) { entry().Warnf(format, args...) }
func Fatalf(format string, args ...interface{})   { entry().Fatalf(format, args...) }
