// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bureau-foundation/framerelay/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func importedTable(t *testing.T, offsets ...uint64) *RemoteTable {
	t.Helper()
	table := &RemoteTable{Logger: quietLogger()}
	err := table.Import(protocol.ClientBuffers{
		Kind:      protocol.BufferKindFrame,
		Base:      0x10000,
		Key:       42,
		MaxLength: 4096,
		Offsets:   offsets,
	})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	return table
}

func TestRemoteTableScenarioB(t *testing.T) {
	t.Parallel()

	// Header plus three 8-byte offsets, decoded as the peer sent it.
	wire, err := protocol.Append(nil, protocol.ClientBuffers{
		Kind:      protocol.BufferKindFrame,
		Base:      0x10000,
		Key:       42,
		MaxLength: 4096,
		Offsets:   []uint64{0, 4096, 8192},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	decoded, err := protocol.Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var table RemoteTable
	table.Logger = quietLogger()
	if err := table.Import(decoded.(protocol.ClientBuffers)); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if table.Len() != 3 || table.Available() != 3 {
		t.Fatalf("len %d available %d, want 3 and 3", table.Len(), table.Available())
	}
	index, err := table.Lock()
	if err != nil || index != 0 {
		t.Fatalf("Lock = %d, %v, want 0", index, err)
	}
	if err := table.Reclaim([]int8{0}); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if table.Available() != 3 {
		t.Fatalf("available = %d after reclaim, want 3", table.Available())
	}

	region := table.Region()
	if region.Base != 0x10000 || region.Key != 42 || region.Length != 8192+4096 {
		t.Fatalf("region = %+v, want base 0x10000 key 42 length 12288", region)
	}
	if table.Offset(2) != 8192 {
		t.Fatalf("Offset(2) = %d, want 8192", table.Offset(2))
	}
}

func TestRemoteTableRoundTrip(t *testing.T) {
	t.Parallel()

	table := importedTable(t, 0, 4096, 8192, 12288)
	for want := range 4 {
		index, err := table.Lock()
		if err != nil || index != want {
			t.Fatalf("Lock #%d = %d, %v", want, index, err)
		}
	}
	if _, err := table.Lock(); !errors.Is(err, ErrNoneFree) {
		t.Fatalf("fifth Lock error = %v, want ErrNoneFree", err)
	}

	// Reclaim restores exactly the named subset.
	if err := table.Reclaim([]int8{3, 1}); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if table.Available() != 2 || table.InUse(1) || table.InUse(3) || !table.InUse(0) || !table.InUse(2) {
		t.Fatalf("after reclaim of {1,3}: available %d, in use 0:%v 1:%v 2:%v 3:%v",
			table.Available(), table.InUse(0), table.InUse(1), table.InUse(2), table.InUse(3))
	}
	if index, _ := table.Lock(); index != 1 {
		t.Fatalf("Lock after reclaim = %d, want 1", index)
	}
}

func TestRemoteTableDoubleReclaim(t *testing.T) {
	t.Parallel()

	table := importedTable(t, 0, 4096)
	table.Lock()
	table.Lock()
	for range 2 {
		if err := table.Reclaim([]int8{1}); err != nil {
			t.Fatalf("Reclaim: %v", err)
		}
	}
	if table.DoubleReclaims() != 1 {
		t.Fatalf("double reclaims = %d, want 1", table.DoubleReclaims())
	}
	if !table.InUse(0) {
		t.Fatal("double reclaim of index 1 freed index 0")
	}
	if table.InUse(1) {
		t.Fatal("index 1 not free after reclaim")
	}
}

func TestRemoteTableReclaimRejectsBadIndex(t *testing.T) {
	t.Parallel()

	table := importedTable(t, 0, 4096)
	if err := table.Reclaim([]int8{-1, 2}); !errors.Is(err, ErrBadIndex) {
		t.Fatalf("error = %v, want ErrBadIndex", err)
	}

	var empty RemoteTable
	if err := empty.Reclaim([]int8{0}); !errors.Is(err, ErrBadIndex) {
		t.Fatalf("reclaim before import: error = %v, want ErrBadIndex", err)
	}
}

func TestRemoteTableImportValidation(t *testing.T) {
	t.Parallel()

	tooMany := make([]uint64, protocol.MaxBuffers+1)
	tests := []struct {
		name    string
		message protocol.ClientBuffers
	}{
		{"no offsets", protocol.ClientBuffers{MaxLength: 1}},
		{"too many offsets", protocol.ClientBuffers{MaxLength: 1, Offsets: tooMany}},
		{"zero length", protocol.ClientBuffers{Offsets: []uint64{0}}},
		{"overflow", protocol.ClientBuffers{MaxLength: 2, Offsets: []uint64{^uint64(0)}}},
	}
	for _, test := range tests {
		var table RemoteTable
		if err := table.Import(test.message); !errors.Is(err, ErrBadImport) {
			t.Errorf("%s: error = %v, want ErrBadImport", test.name, err)
		}
		if table.Imported() {
			t.Errorf("%s: table marked imported", test.name)
		}
	}

	var table RemoteTable
	table.Logger = quietLogger()
	full := make([]uint64, protocol.MaxBuffers)
	if err := table.Import(protocol.ClientBuffers{MaxLength: 1, Offsets: full}); err != nil {
		t.Fatalf("import of %d buffers: %v", protocol.MaxBuffers, err)
	}
}

func TestRemoteTableRelease(t *testing.T) {
	t.Parallel()

	table := importedTable(t, 0, 4096, 8192)
	for range 3 {
		table.Lock()
	}
	if n := table.ReleaseExcept(func(index int) bool { return index == 1 }); n != 2 {
		t.Fatalf("ReleaseExcept = %d, want 2", n)
	}
	if !table.InUse(1) || table.Available() != 2 {
		t.Fatalf("after ReleaseExcept: in use(1) %v available %d", table.InUse(1), table.Available())
	}
	if n := table.ReleaseAll(); n != 1 {
		t.Fatalf("ReleaseAll = %d, want 1", n)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Unlock out of range did not panic")
		}
	}()
	table.Unlock(3)
}
