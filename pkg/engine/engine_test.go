// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package engine

import (
	"os"
	fp "path/filepath"
	"testing"

	"github.com/multirom-project/multirom-core/pkg/config"
	"github.com/multirom-project/multirom-core/pkg/location"
	"github.com/multirom-project/multirom-core/pkg/partition"
	"github.com/multirom-project/multirom-core/pkg/paths"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// fakeLocationRunner mounts by creating the target directory on disk, since
// these tests exercise Engine's directory-manipulation methods without a
// real block device.
type fakeLocationRunner struct {
	blkidOut string
}

func (f *fakeLocationRunner) Blkid() (string, error) { return f.blkidOut, nil }

func (f *fakeLocationRunner) Mount(dev, mountpoint, fstype string, opts []string) error {
	return os.MkdirAll(mountpoint, 0755)
}

func (f *fakeLocationRunner) Unmount(mountpoint string) error { return nil }

// newTestEngine builds an Engine without going through New (which requires
// a real MultiROM root at a fixed absolute path via paths.Resolver.Find),
// wiring only what Erase/Move/Wipe/PatchInit/backup-flag methods use.
func newTestEngine(t *testing.T, pm partition.Manager, root string) *Engine {
	t.Helper()
	if err := os.MkdirAll(fp.Join(root, strs.RomsSubdir()), 0755); err != nil {
		t.Fatal(err)
	}
	return &Engine{
		opt:      Options{PartitionManager: pm},
		Paths:    paths.New(pm),
		Location: location.New(&fakeLocationRunner{}, root),
		Config:   config.Default(0),
	}
}

func TestEraseRemovesRomDirectory(t *testing.T) {
	pm := partition.NewInMemory()
	root := t.TempDir()
	e := newTestEngine(t, pm, root)

	romDir := fp.Join(e.Location.RomsDir(), "SomeRom")
	if err := os.MkdirAll(romDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := e.Erase("SomeRom"); err != nil {
		t.Fatalf("Erase: %s", err)
	}
	if _, err := os.Stat(romDir); !os.IsNotExist(err) {
		t.Errorf("rom directory still present after Erase: %v", err)
	}
}

func TestEraseRefusesInternal(t *testing.T) {
	pm := partition.NewInMemory()
	e := newTestEngine(t, pm, t.TempDir())
	if err := e.Erase(strs.InternalRomName()); err == nil {
		t.Error("Erase(Internal) succeeded, want refusal")
	}
}

func TestEraseUnknownRom(t *testing.T) {
	pm := partition.NewInMemory()
	e := newTestEngine(t, pm, t.TempDir())
	if err := e.Erase("NoSuchRom"); err == nil {
		t.Error("Erase of a nonexistent rom succeeded, want error")
	}
}

func TestWipeClearsSubdirAndRecreatesIt(t *testing.T) {
	pm := partition.NewInMemory()
	e := newTestEngine(t, pm, t.TempDir())

	romDir := fp.Join(e.Location.RomsDir(), "r1")
	dataDir := fp.Join(romDir, "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fp.Join(dataDir, "leftover.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := e.Wipe("r1", "data"); err != nil {
		t.Fatalf("Wipe: %s", err)
	}
	fi, err := os.Stat(dataDir)
	if err != nil || !fi.IsDir() {
		t.Fatalf("data dir missing or not a dir after Wipe: %v", err)
	}
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("data dir still has %d entries after Wipe, want 0", len(entries))
	}
}

func TestWipeUnknownTarget(t *testing.T) {
	pm := partition.NewInMemory()
	e := newTestEngine(t, pm, t.TempDir())
	if err := e.Wipe("r1", "bogus"); err == nil {
		t.Error("Wipe with unknown target succeeded, want error")
	}
}

func TestMoveRelocatesRomDirectory(t *testing.T) {
	pm := partition.NewInMemory()
	root := t.TempDir()
	e := newTestEngine(t, pm, root)
	t.Cleanup(func() { os.RemoveAll("/mnt/multirom-sdb1") })

	romDir := fp.Join(e.Location.RomsDir(), "r1")
	if err := os.MkdirAll(romDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fp.Join(romDir, "marker.txt"), []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}

	const extChoice = "/dev/block/sdb1 (ext4)"
	if err := e.Move("r1", extChoice); err != nil {
		t.Fatalf("Move: %s", err)
	}

	newRoot := fp.Join(e.Location.RomsDir(), "r1")
	if _, err := os.Stat(fp.Join(newRoot, "marker.txt")); err != nil {
		t.Errorf("moved rom missing its content at %s: %s", newRoot, err)
	}
	if _, err := os.Stat(romDir); !os.IsNotExist(err) {
		t.Errorf("original rom directory still present after Move: %v", err)
	}
}

func TestMoveRefusesUnknownSource(t *testing.T) {
	pm := partition.NewInMemory()
	e := newTestEngine(t, pm, t.TempDir())
	if err := e.Move("ghost", location.InternalLabel); err == nil {
		t.Error("Move of an unknown rom succeeded, want error")
	}
}

func TestMoveRefusesExistingDestination(t *testing.T) {
	pm := partition.NewInMemory()
	root := t.TempDir()
	e := newTestEngine(t, pm, root)
	t.Cleanup(func() { os.RemoveAll("/mnt/multirom-sdb1") })

	for _, name := range []string{"r1"} {
		if err := os.MkdirAll(fp.Join(e.Location.RomsDir(), name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	const extChoice = "/dev/block/sdb1 (ext4)"
	if err := e.Location.SetRomsPath(extChoice); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(fp.Join(e.Location.RomsDir(), "r1"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := e.Location.SetRomsPath(location.InternalLabel); err != nil {
		t.Fatal(err)
	}

	if err := e.Move("r1", extChoice); err == nil {
		t.Error("Move to a destination that already has r1 succeeded, want error")
	}
}

func TestInitBackupDeinitBackupToggleFlag(t *testing.T) {
	root := t.TempDir()
	mp := fp.Join(root, strs.RomsSubdir(), "r1", "data")
	pm := partition.NewInMemory(partition.Partition{Kind: partition.KindData, MountPoint: mp, Backup: true})
	e := newTestEngine(t, pm, root)

	if err := e.InitBackup("r1"); err != nil {
		t.Fatalf("InitBackup: %s", err)
	}
	p, ok := pm.Find(mp)
	if !ok || p.Backup {
		t.Errorf("partition after InitBackup = %+v, ok=%v, want Backup=false", p, ok)
	}

	if err := e.DeinitBackup("r1"); err != nil {
		t.Fatalf("DeinitBackup: %s", err)
	}
	p, ok = pm.Find(mp)
	if !ok || !p.Backup {
		t.Errorf("partition after DeinitBackup = %+v, ok=%v, want Backup=true", p, ok)
	}
}

func TestInitBackupNoPartitionIsNoop(t *testing.T) {
	pm := partition.NewInMemory()
	e := newTestEngine(t, pm, t.TempDir())
	if err := e.InitBackup("nonexistent"); err != nil {
		t.Errorf("InitBackup with no matching partition = %s, want nil", err)
	}
}

func TestFolderExists(t *testing.T) {
	pm := partition.NewInMemory()
	e := newTestEngine(t, pm, t.TempDir())
	if e.FolderExists("nope") {
		t.Error("FolderExists(nope) = true, want false")
	}
	if err := os.MkdirAll(fp.Join(e.Location.RomsDir(), "here"), 0755); err != nil {
		t.Fatal(err)
	}
	if !e.FolderExists("here") {
		t.Error("FolderExists(here) = false, want true")
	}
}

func TestListInstallLocationsIncludesInternal(t *testing.T) {
	pm := partition.NewInMemory()
	e := newTestEngine(t, pm, t.TempDir())
	locs, err := e.ListInstallLocations()
	if err != nil {
		t.Fatalf("ListInstallLocations: %s", err)
	}
	if len(locs) == 0 || locs[0] != location.InternalLabel {
		t.Errorf("ListInstallLocations() = %v, want first entry %q", locs, location.InternalLabel)
	}
}
