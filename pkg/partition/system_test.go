// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package partition

import (
	"os"
	fp "path/filepath"
	"strings"
	"testing"
)

type fakeBlkidRunner struct {
	out string
	err error
}

func (f *fakeBlkidRunner) Blkid() (string, error) { return f.out, f.err }

const sampleSystemBlkid = `/dev/block/mmcblk0p1: UUID="1111" TYPE="vfat"
/dev/block/mmcblk0p2: UUID="2222" TYPE="ext4"
`

func TestNewSystemParsesBlkidOutput(t *testing.T) {
	s, err := NewSystem(&fakeBlkidRunner{out: sampleSystemBlkid})
	if err != nil {
		t.Fatalf("NewSystem: %s", err)
	}
	p, ok := s.Find("/dev/block/mmcblk0p2")
	if !ok {
		t.Fatal("Find did not locate the ext4 partition")
	}
	if p.Display != "ext4" {
		t.Errorf("p.Display = %q, want %q", p.Display, "ext4")
	}
}

func TestNewSystemPropagatesBlkidError(t *testing.T) {
	sentinel := os.ErrPermission
	if _, err := NewSystem(&fakeBlkidRunner{err: sentinel}); err == nil {
		t.Error("NewSystem succeeded despite a blkid error")
	}
}

func TestNewSystemSkipsMalformedLines(t *testing.T) {
	s, err := NewSystem(&fakeBlkidRunner{out: "not a blkid line at all\n" + sampleSystemBlkid})
	if err != nil {
		t.Fatalf("NewSystem: %s", err)
	}
	snap := s.Snapshot()
	if len(snap.parts) != 2 {
		t.Errorf("Snapshot has %d parts, want 2 (malformed line skipped)", len(snap.parts))
	}
}

func TestParseBlkidLineNoColon(t *testing.T) {
	if _, ok := parseBlkidLine("no colon here"); ok {
		t.Error("parseBlkidLine succeeded on a line with no colon")
	}
}

func TestSystemSnapshotRestore(t *testing.T) {
	s, err := NewSystem(&fakeBlkidRunner{out: sampleSystemBlkid})
	if err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if err := s.Remove("/dev/block/mmcblk0p1"); err != nil {
		t.Fatalf("Remove: %s", err)
	}
	if _, ok := s.Find("/dev/block/mmcblk0p1"); ok {
		t.Fatal("partition still present after Remove")
	}
	if err := s.Restore(snap); err != nil {
		t.Fatalf("Restore: %s", err)
	}
	if _, ok := s.Find("/dev/block/mmcblk0p1"); !ok {
		t.Error("Restore did not bring back the removed partition")
	}
}

func TestSystemRemoveUnknownMountpoint(t *testing.T) {
	s, err := NewSystem(&fakeBlkidRunner{out: sampleSystemBlkid})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("/no/such/mountpoint"); err == nil {
		t.Error("Remove succeeded for an unknown mountpoint")
	}
}

func TestSystemInsertRejectsDuplicateMountpoint(t *testing.T) {
	s, err := NewSystem(&fakeBlkidRunner{out: sampleSystemBlkid})
	if err != nil {
		t.Fatal(err)
	}
	err = s.Insert(Partition{MountPoint: "/dev/block/mmcblk0p1", BlockDevice: "/dev/block/mmcblk0p1"})
	if err == nil {
		t.Error("Insert succeeded for a mountpoint already present")
	}
}

func TestSystemInsertSyntheticGetsDisplayIdentity(t *testing.T) {
	s, err := NewSystem(&fakeBlkidRunner{out: ""})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Insert(Partition{MountPoint: "/hijack/sandbox", StoragePath: "/roms/x/system"}); err != nil {
		t.Fatalf("Insert: %s", err)
	}
	p, ok := s.Find("/hijack/sandbox")
	if !ok {
		t.Fatal("synthetic partition not found after Insert")
	}
	if p.Display == "" {
		t.Error("synthetic bind-mount partition has no Display identity assigned")
	}
}

func TestSystemWriteFstabNoopWhenPathEmpty(t *testing.T) {
	s, err := NewSystem(&fakeBlkidRunner{out: sampleSystemBlkid})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteFstab(); err != nil {
		t.Errorf("WriteFstab with empty FstabPath = %s, want nil", err)
	}
}

func TestSystemWriteFstabWritesSixFieldLines(t *testing.T) {
	s, err := NewSystem(&fakeBlkidRunner{out: sampleSystemBlkid})
	if err != nil {
		t.Fatal(err)
	}
	s.FstabPath = fp.Join(t.TempDir(), "fstab")
	if err := s.WriteFstab(); err != nil {
		t.Fatalf("WriteFstab: %s", err)
	}
	data, err := os.ReadFile(s.FstabPath)
	if err != nil {
		t.Fatalf("fstab not written: %s", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("fstab has %d lines, want 2", len(lines))
	}
	for _, l := range lines {
		if len(strings.Fields(l)) != 6 {
			t.Errorf("fstab line %q does not have 6 fields", l)
		}
	}
}

func TestSystemRemoveWithoutMountIsSafe(t *testing.T) {
	s, err := NewSystem(&fakeBlkidRunner{out: sampleSystemBlkid})
	if err != nil {
		t.Fatal(err)
	}
	// Remove() unconditionally calls Unmount() first; an entry that was
	// never actually mounted has no *mount.MountPoint registered, so this
	// must not attempt a real umount(2) syscall.
	if err := s.Remove("/dev/block/mmcblk0p1"); err != nil {
		t.Fatalf("Remove of a never-mounted entry: %s", err)
	}
}
