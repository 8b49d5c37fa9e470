// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package engine collapses the ROM-lifecycle global state (MultiROM root,
// boot device, current_roms_dir, the space-rename slot, the partition
// manager) into a single handle constructed at process start, in place of
// the static-singleton style the recovery tool's original C++ used. No
// package-level mutable state lives here; every caller receives an *Engine
// explicitly.
package engine

import (
	"fmt"
	"os"
	fp "path/filepath"

	"github.com/multirom-project/multirom-core/pkg/bootimg"
	"github.com/multirom-project/multirom-core/pkg/config"
	"github.com/multirom-project/multirom-core/pkg/location"
	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/partition"
	"github.com/multirom-project/multirom-core/pkg/paths"
	"github.com/multirom-project/multirom-core/pkg/rom"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// Options configures a new Engine. PartitionManager and LocationRunner are
// required; everything else has a documented default.
type Options struct {
	PartitionManager partition.Manager
	LocationRunner   location.Runner
	RotationDefault  int
	VersionCacheDir  string // "" disables the trampoline-version cache
}

// Engine is the process-wide handle. Every ROM-lifecycle operation is a
// method on *Engine (or on a value obtained from one), rather than a free
// function touching package-level state.
type Engine struct {
	opt      Options
	Paths    *paths.Resolver
	Location *location.Registry
	Config   config.Config
	Versions *bootimg.VersionCache
}

// New constructs an Engine and runs PathResolver.Find(). If the MultiROM
// root cannot be located the returned error is paths.ErrRootAbsent; callers
// should refuse all higher operations in that case.
func New(opt Options) (*Engine, error) {
	if opt.PartitionManager == nil {
		return nil, fmt.Errorf("engine: PartitionManager is required")
	}
	e := &Engine{opt: opt}
	e.Paths = paths.New(opt.PartitionManager)
	if err := e.Paths.Find(); err != nil {
		return nil, err
	}
	e.Location = location.New(opt.LocationRunner, e.Paths.Root())
	e.Config = config.Load(e.Paths.Root()+"/"+strs.ConfigFile(), opt.RotationDefault)

	if opt.VersionCacheDir != "" {
		vc, err := bootimg.OpenVersionCache(opt.VersionCacheDir)
		if err != nil {
			return nil, err
		}
		e.Versions = vc
	}
	return e, nil
}

// Close releases resources held by the engine (the version cache, if any).
func (e *Engine) Close() error {
	if e.Versions != nil {
		return e.Versions.Close()
	}
	return nil
}

// SaveConfig persists the current configuration.
func (e *Engine) SaveConfig() {
	config.Save(e.Paths.Root()+"/"+strs.ConfigFile(), e.Config)
}

// Directory returns a rom.Directory scoped to the currently selected
// install location.
func (e *Engine) Directory() *rom.Directory {
	internal := e.Location.RomsDir() == e.Paths.Root()+"/"+strs.RomsSubdir()
	return rom.NewDirectory(e.Location.RomsDir(), internal)
}

// ListRoms is the CLI surface's list_roms.
func (e *Engine) ListRoms() ([]rom.Info, error) {
	return e.Directory().List()
}

// ListInstallLocations is the CLI surface's list_install_locations.
func (e *Engine) ListInstallLocations() ([]string, error) {
	return e.Location.ListLocations()
}

// FolderExists is the CLI surface's folder_exists.
func (e *Engine) FolderExists(name string) bool {
	_, err := os.Stat(e.Location.RomsDir() + "/" + name)
	return err == nil
}

// PartitionManager exposes the injected partition.Manager to callers (the
// installer and cachescript packages) that need to drive a MountHijack or
// BootHijack directly.
func (e *Engine) PartitionManager() partition.Manager { return e.opt.PartitionManager }

// TrampolineVersion returns the cached (or freshly probed, if no cache was
// configured) version embedded in the binary at path.
func (e *Engine) TrampolineVersion(path string) int {
	if e.Versions != nil {
		return e.Versions.Version(path)
	}
	return bootimg.ProbeVersion(path)
}

// Erase removes an installed ROM's directory entirely. It refuses to erase
// the internal ROM, which has no directory of its own to remove.
func (e *Engine) Erase(name string) error {
	if name == strs.InternalRomName() {
		return fmt.Errorf("engine: cannot erase the internal rom")
	}
	root := fp.Join(e.Location.RomsDir(), name)
	if _, err := os.Stat(root); err != nil {
		return fmt.Errorf("engine: rom %q not found: %w", name, err)
	}
	return os.RemoveAll(root)
}

// Move relocates a ROM's directory tree to a new parent (e.g. from the
// internal roms dir to an external one, or vice versa), refusing if the
// destination name is already taken.
func (e *Engine) Move(from, toLocationChoice string) error {
	infos, err := e.ListRoms()
	if err != nil {
		return err
	}
	var src *rom.Info
	for i := range infos {
		if infos[i].Name == from {
			src = &infos[i]
			break
		}
	}
	if src == nil {
		return fmt.Errorf("engine: rom %q not found", from)
	}
	if err := e.Location.SetRomsPath(toLocationChoice); err != nil {
		return fmt.Errorf("engine: selecting destination location: %w", err)
	}
	dst := fp.Join(e.Location.RomsDir(), from)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("engine: %q already exists at destination", from)
	}
	if err := os.Rename(src.Root, dst); err != nil {
		return fmt.Errorf("engine: moving %q: %w", from, err)
	}
	return nil
}

// Wipe removes the content of one sandboxed subdirectory (system, data,
// cache, or dalvik-cache) of a ROM without touching the rest of it.
func (e *Engine) Wipe(name, what string) error {
	valid := map[string]string{
		"system": "system",
		"data":   "data",
		"cache":  "cache",
		"dalvik": "data/dalvik-cache",
	}
	sub, ok := valid[what]
	if !ok {
		return fmt.Errorf("engine: unknown wipe target %q", what)
	}
	root := fp.Join(e.Location.RomsDir(), name)
	target := fp.Join(root, sub)
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("engine: wiping %s: %w", target, err)
	}
	return os.MkdirAll(target, 0755)
}

// PatchInit re-injects the device trampoline into a ROM's boot.img, used
// after a trampoline upgrade to bring already-installed ROMs forward
// without reinstalling them.
func (e *Engine) PatchInit(name, trampolinePath string) error {
	bootImgPath := fp.Join(e.Location.RomsDir(), name, "boot.img")
	if _, err := os.Stat(bootImgPath); err != nil {
		log.Logf("engine: patch_init: %s has no boot.img, nothing to patch", name)
		return nil
	}
	err := bootimg.Inject(bootImgPath, bootImgPath, bootimg.InjectOptions{
		TrampolinePath: trampolinePath,
	})
	if err == bootimg.ErrAlreadyCurrent {
		return nil
	}
	return err
}

// InitBackup marks a ROM's data partition as excluded from the device's
// own backup/restore tooling for the duration of a backup run (a ROM's
// data should never be captured by the host's backup, only by its own
// TWRP-style mechanism).
func (e *Engine) InitBackup(name string) error {
	return e.setBackupFlag(name, false)
}

// DeinitBackup restores the default backup flag after InitBackup.
func (e *Engine) DeinitBackup(name string) error {
	return e.setBackupFlag(name, true)
}

func (e *Engine) setBackupFlag(name string, backup bool) error {
	mountpoint := fp.Join(e.Location.RomsDir(), name, "data")
	p, ok := e.opt.PartitionManager.Find(mountpoint)
	if !ok {
		return nil
	}
	p.Backup = backup
	if err := e.opt.PartitionManager.Remove(mountpoint); err != nil {
		return err
	}
	return e.opt.PartitionManager.Insert(p)
}
