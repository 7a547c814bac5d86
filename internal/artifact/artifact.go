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

// Package artifact persists a prepared blob to durable storage only after
// a Job has fully succeeded, per spec.md §4.1's invariant that an artifact
// is written on success alone, never partially. It uses
// github.com/gofrs/flock for an advisory lock around the write so a
// concurrent reader (e.g. another Worker checking for an already-prepared
// artifact) never observes a partially-written file, retrying a transient
// lock conflict with github.com/cenkalti/backoff instead of failing on
// the first attempt.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
)

// lockRetryBudget bounds how long Write retries an advisory lock held by a
// concurrent writer of the same artifact path, the same bounded-poll shape
// runsc/sandbox/sandbox.go's waitForStopped uses around a transient
// condition rather than failing on the first attempt.
func lockRetryBudget() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return b
}

// Writer persists artifacts under a root directory, one file per request's
// ArtifactPath.
type Writer struct {
	root string
}

// NewWriter builds a Writer rooted at dir. dir need not exist yet: Write
// creates it, together with any parent directories of the artifact path,
// on first use.
func NewWriter(dir string) *Writer {
	return &Writer{root: dir}
}

// Write atomically persists data at the given relative path under the
// writer's root. The write path is: write to a sibling temp file under an
// exclusive advisory lock, fsync, then rename into place, so a reader
// either sees the old state or the fully-written new one, never a partial
// file.
func (w *Writer) Write(relPath string, data []byte) error {
	if relPath == "" {
		return fmt.Errorf("artifact: empty path")
	}
	full := filepath.Join(w.root, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("artifact: creating parent dir: %w", err)
	}

	lockPath := full + ".lock"
	lock := flock.New(lockPath)
	acquireErr := backoff.Retry(func() error {
		locked, err := lock.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("artifact: acquiring lock %s: %w", lockPath, err))
		}
		if !locked {
			return fmt.Errorf("artifact: %s is locked by another writer", lockPath)
		}
		return nil
	}, lockRetryBudget())
	if acquireErr != nil {
		return acquireErr
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(full), ".artifact-*")
	if err != nil {
		return fmt.Errorf("artifact: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("artifact: fsyncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("artifact: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return fmt.Errorf("artifact: renaming into place: %w", err)
	}
	return nil
}

// Read loads a previously written artifact, for hosts that cache prepared
// artifacts across requests.
func (w *Writer) Read(relPath string) ([]byte, error) {
	full := filepath.Join(w.root, relPath)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("artifact: reading %s: %w", full, err)
	}
	return data, nil
}
