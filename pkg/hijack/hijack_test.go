// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package hijack

import (
	"os"
	fp "path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/multirom-project/multirom-core/pkg/partition"
	"github.com/multirom-project/multirom-core/pkg/paths"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// fakeSettings is the test double for SettingsRewriter, standing in for the
// surrounding recovery's DataManager-equivalent.
type fakeSettings struct{ path string }

func (f *fakeSettings) StoragePath() string     { return f.path }
func (f *fakeSettings) SetStoragePath(p string) { f.path = p }

func TestBootHijackFakeAndRestore(t *testing.T) {
	dir := t.TempDir()
	bootDev := fp.Join(dir, "boot-block-device")
	if err := os.WriteFile(bootDev, []byte("original boot contents"), 0644); err != nil {
		t.Fatal(err)
	}
	img := fp.Join(dir, "rom", "boot.img")
	if err := os.MkdirAll(fp.Dir(img), 0755); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(strs.BootPartBreadcrumb()) })

	b := NewBoot(bootDev)
	if err := b.Fake(img); err != nil {
		t.Fatalf("Fake: %s", err)
	}

	fi, err := os.Lstat(bootDev)
	if err != nil {
		t.Fatalf("Lstat(bootDev): %s", err)
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		t.Error("bootDev is not a symlink after Fake")
	}
	target, err := os.Readlink(bootDev)
	if err != nil || target != img {
		t.Errorf("Readlink(bootDev) = %q, %v, want %q", target, err, img)
	}
	if _, err := os.Stat(img); err != nil {
		t.Errorf("img not seeded from original device: %s", err)
	}
	if _, err := os.Stat(strs.BootPartBreadcrumb()); err != nil {
		t.Errorf("breadcrumb missing while hijack active: %s", err)
	}

	b.Restore()

	fi, err = os.Lstat(bootDev)
	if err != nil {
		t.Fatalf("Lstat(bootDev) after Restore: %s", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		t.Error("bootDev is still a symlink after Restore")
	}
	content, err := os.ReadFile(bootDev)
	if err != nil || string(content) != "original boot contents" {
		t.Errorf("bootDev content after Restore = %q, %v, want original restored", content, err)
	}
	if _, err := os.Stat(strs.BootPartBreadcrumb()); !os.IsNotExist(err) {
		t.Errorf("breadcrumb still present after Restore: %v", err)
	}
}

func TestBootHijackFakeRefusesReentry(t *testing.T) {
	dir := t.TempDir()
	bootDev := fp.Join(dir, "boot-block-device")
	if err := os.WriteFile(bootDev, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bootDev+"-orig", []byte("stale"), 0644); err != nil {
		t.Fatal(err)
	}
	b := NewBoot(bootDev)
	if err := b.Fake(fp.Join(dir, "boot.img")); err == nil {
		t.Error("Fake() succeeded with a stale -orig backup present, want error")
	}
}

func TestFailsafeCheckBootPartitionNoBreadcrumbIsNoop(t *testing.T) {
	os.Remove(strs.BootPartBreadcrumb())
	if err := FailsafeCheckBootPartition(); err != nil {
		t.Errorf("FailsafeCheckBootPartition() = %s, want nil when no breadcrumb exists", err)
	}
}

func TestFailsafeCheckBootPartitionRestoresAfterCrash(t *testing.T) {
	dir := t.TempDir()
	bootDev := fp.Join(dir, "boot-block-device")
	origBackup := bootDev + "-orig"
	if err := os.WriteFile(origBackup, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash mid-Fake: breadcrumb written, rename done, but no
	// symlink created yet (bootDev absent).
	if err := os.WriteFile(strs.BootPartBreadcrumb(), []byte(bootDev), 0644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(strs.BootPartBreadcrumb()) })

	if err := FailsafeCheckBootPartition(); err != nil {
		t.Fatalf("FailsafeCheckBootPartition: %s", err)
	}
	if _, err := os.Stat(bootDev); err != nil {
		t.Errorf("bootDev not restored: %s", err)
	}
	if _, err := os.Stat(origBackup); !os.IsNotExist(err) {
		t.Errorf("-orig backup still present after failsafe restore: %v", err)
	}
	if _, err := os.Stat(strs.BootPartBreadcrumb()); !os.IsNotExist(err) {
		t.Error("breadcrumb not removed after failsafe restore")
	}
}

func TestMountHijackRoundTrip(t *testing.T) {
	pm := partition.NewInMemory(
		partition.Partition{Kind: partition.KindSystem, MountPoint: "/system"},
		partition.Partition{Kind: partition.KindCache, MountPoint: "/cache"},
		partition.Partition{Kind: partition.KindData, MountPoint: "/data", BlockDevice: "/dev/block/data"},
	)
	resolver := paths.New(pm)
	romRoot := t.TempDir()

	h := NewMount(pm, resolver)
	if err := h.Hijack(romRoot, ModeDirectory, false); err != nil {
		t.Fatalf("Hijack: %s", err)
	}

	for _, mp := range []string{"/data", "/system", "/cache", "/realdata"} {
		p, ok := pm.Find(mp)
		if !ok {
			t.Errorf("Find(%s) after Hijack = not found", mp)
			continue
		}
		if !p.Mounted {
			t.Errorf("%s not marked Mounted after Hijack", mp)
		}
	}
	if _, ok := pm.Find("/data"); !ok {
		t.Fatal("sandbox /data missing")
	}

	h.Restore()

	if _, ok := pm.Find("/realdata"); ok {
		t.Error("Find(/realdata) after Restore = found, want table restored to original")
	}
	p, ok := pm.Find("/data")
	if !ok {
		t.Fatal("Find(/data) after Restore = not found, want original /data restored")
	}
	if p.BlockDevice != "/dev/block/data" {
		t.Errorf("/data after Restore = %+v, want original block device restored", p)
	}
}

func TestMountHijackRewritesAndRestoresStoragePath(t *testing.T) {
	pm := partition.NewInMemory(
		partition.Partition{Kind: partition.KindSystem, MountPoint: "/system"},
		partition.Partition{Kind: partition.KindCache, MountPoint: "/cache"},
		partition.Partition{Kind: partition.KindData, MountPoint: "/data", BlockDevice: "/dev/block/data"},
	)
	resolver := paths.New(pm)
	h := NewMount(pm, resolver)
	settings := &fakeSettings{path: "/data/media/0/DCIM"}
	h.SetSettings(settings)

	if err := h.Hijack(t.TempDir(), ModeDirectory, false); err != nil {
		t.Fatalf("Hijack: %s", err)
	}
	if settings.path != "/realdata/media/0/DCIM" {
		t.Errorf("StoragePath during hijack = %q, want /realdata/media/0/DCIM", settings.path)
	}

	h.Restore()
	if settings.path != "/data/media/0/DCIM" {
		t.Errorf("StoragePath after Restore = %q, want original restored bitwise", settings.path)
	}
}

func TestMountHijackRestoresPartitionTableBitwise(t *testing.T) {
	// Invariant 3: hijack(R); ...; restore() leaves the partition manager's
	// table bitwise-equal to its pre-hijack state.
	pm := partition.NewInMemory(
		partition.Partition{Kind: partition.KindSystem, MountPoint: "/system", Mounted: true},
		partition.Partition{Kind: partition.KindCache, MountPoint: "/cache", Mounted: true},
		partition.Partition{Kind: partition.KindData, MountPoint: "/data", BlockDevice: "/dev/block/data", Mounted: true},
	)
	resolver := paths.New(pm)
	before := snapshotByMountpoint(pm, "/system", "/cache", "/data")

	h := NewMount(pm, resolver)
	settings := &fakeSettings{path: "/data/media/0/DCIM"}
	h.SetSettings(settings)
	if err := h.Hijack(t.TempDir(), ModeDirectory, false); err != nil {
		t.Fatalf("Hijack: %s", err)
	}
	h.Restore()

	after := snapshotByMountpoint(pm, "/system", "/cache", "/data")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("partition table after hijack+restore mismatch (-before +after):\n%s", diff)
	}
}

func snapshotByMountpoint(pm *partition.InMemory, mountpoints ...string) map[string]partition.Partition {
	out := make(map[string]partition.Partition, len(mountpoints))
	for _, mp := range mountpoints {
		if p, ok := pm.Find(mp); ok {
			out[mp] = p
		}
	}
	return out
}

func TestMountHijackRefusesDoubleActivation(t *testing.T) {
	pm := partition.NewInMemory(
		partition.Partition{Kind: partition.KindData, MountPoint: "/data"},
	)
	h := NewMount(pm, paths.New(pm))
	if err := h.Hijack(t.TempDir(), ModeDirectory, false); err != nil {
		t.Fatalf("first Hijack: %s", err)
	}
	if err := h.Hijack(t.TempDir(), ModeDirectory, false); err == nil {
		t.Error("second Hijack call while active succeeded, want error")
	}
	h.Restore()
}
