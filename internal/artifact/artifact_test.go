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

package artifact

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"
)

func TestWriteThenRead(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if err := w.Write("blobs/a.bin", []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := w.Read("blobs/a.bin")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestWriteLeavesNoTempFilesOnSuccess(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	if err := w.Write("x.bin", []byte("data")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "x.bin" && e.Name() != "x.bin.lock" {
			t.Fatalf("unexpected leftover entry: %s", e.Name())
		}
	}
}

func TestWriteEmptyPathErrors(t *testing.T) {
	w := NewWriter(t.TempDir())
	if err := w.Write("", []byte("x")); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestWriteRetriesThenFailsOnHeldLock(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "x.bin")
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	holder := flock.New(full + ".lock")
	locked, err := holder.TryLock()
	if err != nil || !locked {
		t.Fatalf("failed to pre-acquire lock: locked=%v err=%v", locked, err)
	}
	defer holder.Unlock()

	w := NewWriter(dir)
	if err := w.Write("x.bin", []byte("data")); err == nil {
		t.Fatal("expected error writing while lock is held by another owner")
	}
}
