// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package installer orchestrates add_rom: allocating a ROM directory,
// routing by source kind to the right population pipeline, and wrapping
// write-bearing work in MountHijack/BootHijack as each source requires.
//
// The switch-on-type the original recovery tool used is replaced with a
// RomSource variant interface (prepare_layout / populate / finalize),
// per the design notes' "polymorphism over install sources" guidance.
package installer

import (
	"fmt"
	"os"
	fp "path/filepath"

	"github.com/multirom-project/multirom-core/pkg/engine"
	"github.com/multirom-project/multirom-core/pkg/hijack"
	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/rom"
)

// SourceKind distinguishes the five ways a ROM can be populated.
type SourceKind int

const (
	KindZipFile SourceKind = iota
	KindTwrpBackup
	KindLinuxRootfs
	KindScriptedInstaller
	KindUbuntuTouchPair
)

// Layout describes the on-disk shape to create for a new ROM before
// population begins.
type Layout struct {
	Mode        rom.Type
	BaseFolders []BaseFolder // scripted installer only; nil otherwise
}

// BaseFolder mirrors the data model's (name, min_size_MB, size_MB) tuple.
type BaseFolder struct {
	Name      string `json:"name" jsonschema:"required"`
	MinSizeMB uint64 `json:"min_size_MB"`
	SizeMB    uint64 `json:"size_MB"`
}

// RomSource is implemented by each of the five install pipelines.
type RomSource interface {
	Kind() SourceKind
	// PrepareLayout returns the directory/image shape to create.
	PrepareLayout() (Layout, error)
	// Populate fills the already-created ROM root with content. It may
	// perform its own MountHijack/BootHijack as needed (the zip, backup and
	// Ubuntu Touch sources do; the scripted and rootfs sources do not).
	Populate(ctx *Context) error
	// Finalize runs any cleanup that must happen whether or not Populate
	// succeeded (e.g. unmounting base images).
	Finalize(ctx *Context)
}

// Context bundles everything a RomSource needs against a specific engine
// and ROM directory.
type Context struct {
	Engine  *engine.Engine
	Run     Runner
	RomName string
	RomRoot string
	Type    rom.Type
}

// AddRom is the CLI surface's add_rom: picks a location (via
// e.Location.SetRomsPath, done by the caller beforehand), reserves a unique
// name, creates the ROM directory skeleton, and populates it via src. Any
// failure at any step rolls back by rm -rf of the new ROM root.
func AddRom(e *engine.Engine, run Runner, srcFilename string, src RomSource, fromBackup bool) (name string, err error) {
	existing, err := e.ListRoms()
	if err != nil {
		return "", fmt.Errorf("installer: listing existing roms: %w", err)
	}
	var names []string
	for _, r := range existing {
		names = append(names, r.Name)
	}
	name = NewRomName(srcFilename, fromBackup, names)
	romRoot := fp.Join(e.Location.RomsDir(), name)

	layout, err := src.PrepareLayout()
	if err != nil {
		return "", fmt.Errorf("installer: preparing layout: %w", err)
	}

	if err := createSkeleton(run, romRoot, layout); err != nil {
		return "", fmt.Errorf("installer: creating rom directory: %w", err)
	}

	ctx := &Context{Engine: e, Run: run, RomName: name, RomRoot: romRoot, Type: layout.Mode}
	defer src.Finalize(ctx)

	if err := src.Populate(ctx); err != nil {
		log.Logf("installer: populate failed for %s, rolling back: %s", name, err)
		os.RemoveAll(romRoot)
		return "", err
	}
	log.Msgf("installed %s as %s", srcFilename, name)
	return name, nil
}

// createSkeleton makes the ROM root and, for directory-backed types, its
// system/data/cache (or root) subdirectories; for image-backed types it
// creates and formats *.img files via dd + make_ext4fs, or for a scripted
// installer's declared base folders, one image per folder.
func createSkeleton(run Runner, romRoot string, layout Layout) error {
	if err := os.MkdirAll(romRoot, 0755); err != nil {
		return err
	}
	if layout.Mode.IsImageBacked() {
		names := []string{"system", "data", "cache"}
		if layout.Mode.IsInstaller() {
			names = nil
			for _, bf := range layout.BaseFolders {
				if err := createImage(run, fp.Join(romRoot, bf.Name+".img"), bf.SizeMB); err != nil {
					return err
				}
			}
			return nil
		}
		for _, n := range names {
			if err := createImage(run, fp.Join(romRoot, n+".img"), 0); err != nil {
				return err
			}
		}
		return nil
	}
	if layout.Mode.IsInstaller() {
		for _, bf := range layout.BaseFolders {
			if err := os.MkdirAll(fp.Join(romRoot, bf.Name), 0755); err != nil {
				return err
			}
		}
		return nil
	}
	dirs := []string{"system", "data", "cache"}
	if layout.Mode == rom.UbuntuDesktopInternal || layout.Mode == rom.UbuntuDesktopExtDir {
		dirs = []string{"root"}
	}
	for _, d := range dirs {
		if err := os.MkdirAll(fp.Join(romRoot, d), 0755); err != nil {
			return err
		}
	}
	return nil
}

// createImage creates a sizeMB-megabyte zeroed file and formats it ext4 via
// make_ext4fs. sizeMB of 0 means "a small default", used for the built-in
// system/data/cache images rather than an installer-declared base folder.
func createImage(run Runner, path string, sizeMB uint64) error {
	if sizeMB == 0 {
		sizeMB = 512
	}
	if _, _, err := run.Run("dd", "if=/dev/zero", "of="+path, "bs=1M",
		fmt.Sprintf("count=%d", sizeMB)); err != nil {
		return fmt.Errorf("installer: creating image %s: %w", path, err)
	}
	if _, _, err := run.Run("make_ext4fs", path); err != nil {
		return fmt.Errorf("installer: formatting %s: %w", path, err)
	}
	return nil
}

// CheckFreeSpace verifies every base folder's declared size meets its
// minimum, returning an error naming the first violation - a scripted
// installer precondition that must fail before anything is created.
func CheckFreeSpace(folders []BaseFolder) error {
	if len(folders) > 5 {
		return fmt.Errorf("installer: at most 5 base folders allowed, got %d", len(folders))
	}
	for _, bf := range folders {
		if bf.SizeMB < bf.MinSizeMB {
			return fmt.Errorf("installer: base folder %q requests %dMB, below minimum %dMB",
				bf.Name, bf.SizeMB, bf.MinSizeMB)
		}
	}
	return nil
}

// hijackBoth is a small helper used by every populate path that needs both
// transactions: it hijacks mounts then boot, in that nesting order, and
// returns both handles; restoreBoth unwinds boot then mounts, matching the
// required nesting (hijack-mounts, hijack-boot, ..., restore-boot,
// restore-mounts).
func hijackBoth(e *engine.Engine, romRoot string, mode hijack.Mode, internal bool, bootImgPath string) (*hijack.MountHijack, *hijack.BootHijack, error) {
	mh := hijack.NewMount(e.PartitionManager(), e.Paths)
	if err := mh.Hijack(romRoot, mode, internal); err != nil {
		return nil, nil, err
	}
	bh := hijack.NewBoot(e.Paths.BootDevice())
	if err := bh.Fake(bootImgPath); err != nil {
		mh.Restore()
		return nil, nil, err
	}
	return mh, bh, nil
}

func restoreBoth(mh *hijack.MountHijack, bh *hijack.BootHijack) {
	bh.Restore()
	mh.Restore()
}

// defaultBootImgPath is where BootHijack seeds/points the fake boot device
// for a ROM directory, per the §6 filesystem layout ("roms/<name>/boot.img").
func defaultBootImgPath(romRoot string) string { return fp.Join(romRoot, "boot.img") }
