// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package shm

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesAndShares(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ring")
	writer, err := Open(path, 8192)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer writer.Close()

	if writer.Size() != 8192 {
		t.Fatalf("Size: got %d, want 8192", writer.Size())
	}
	copy(writer.Bytes()[4096:], "frame")

	reader, err := Open(path, 0)
	if err != nil {
		t.Fatalf("Open existing: %v", err)
	}
	defer reader.Close()

	if got := reader.Bytes()[4096:4101]; !bytes.Equal(got, []byte("frame")) {
		t.Errorf("shared bytes: got %q, want %q", got, "frame")
	}
}

func TestOpenEmptyFileWithoutSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, 0); err == nil {
		t.Fatal("Open of an empty file with size 0 returned nil error")
	}
}

func TestOpenMissingWithoutSize(t *testing.T) {
	t.Parallel()

	if _, err := Open(filepath.Join(t.TempDir(), "absent"), 0); err == nil {
		t.Fatal("Open of a missing file with size 0 returned nil error")
	}
}

func TestAnonymous(t *testing.T) {
	t.Parallel()

	region, err := Anonymous(4096)
	if err != nil {
		t.Fatalf("Anonymous: %v", err)
	}
	region.Bytes()[0] = 0x7f
	if region.Bytes()[0] != 0x7f {
		t.Error("anonymous region is not writable")
	}
	if err := region.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if err := region.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
