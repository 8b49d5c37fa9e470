// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package strs centralizes path fragments and magic strings used throughout
// the engine. Keeping them as functions (rather than exported consts) leaves
// room for a build-tag-specific override file without every caller needing
// to know that such a file might exist.
package strs

// RootDirName is the top-level MultiROM directory under /data/media{,/0}.
func RootDirName() string { return "multirom" }

// RomsSubdir is the directory within the root holding installed ROMs.
func RomsSubdir() string { return "roms" }

// ConfigFile is the ConfigStore file name, relative to the MultiROM root.
func ConfigFile() string { return "multirom.ini" }

// TrampolineFile is the device trampoline binary, relative to the root.
func TrampolineFile() string { return "trampoline" }

// FstabOverride is an optional alternate fstab injected alongside the
// trampoline, relative to the root.
func FstabOverride() string { return "mrom.fstab" }

// InfosDir holds presence-flag files advertising optional OS support.
func InfosDir() string { return "infos" }

func UbuntuFlag() string      { return "ubuntu.txt" }
func UbuntuTouchFlag() string { return "ubuntu_touch.txt" }

// UbuntuInitOverlay is the initramfs overlay used when patching Ubuntu
// Desktop installs (custom init + scripts/local).
func UbuntuInitOverlay() string { return "ubuntu-init" }

// UbuntuTouchInitOverlay is the ramdisk overlay used for a first Ubuntu
// Touch flash.
func UbuntuTouchInitOverlay() string { return "ubuntu-touch-init" }

// UbuntuTouchSysimageOverlay names the ramdisk overlay for rebuilding the
// boot image after an Ubuntu Touch system-image upgrade. cachescript's
// rebuild does not apply it.
func UbuntuTouchSysimageOverlay() string { return "ubuntu-touch-sysimage-init" }

// InternalRomName is the distinguished name of the always-present ROM
// backed directly by the factory install.
func InternalRomName() string { return "Internal" }

// ExternalMountBase is the parent of stable mountpoints used for an external
// install location, suffixed with the chosen block device's name.
func ExternalMountBase() string { return "/mnt/multirom-" }

// ScratchDir is the engine's exclusive /tmp workspace.
func ScratchDir() string { return "/tmp" }

func ScratchBootDir() string        { return "/tmp/boot" }
func ScratchBootImg() string        { return "/tmp/boot.img" }
func ScratchNewBootImg() string     { return "/tmp/newboot.img" }
func ScratchUpdateZip() string      { return "/tmp/mr_update.zip" }
func ScratchBlkidCache() string     { return "/tmp/blkid.txt" }
func BootPartBreadcrumb() string    { return "/tmp/mrom_fakebootpart" }

// UpdaterScriptPath is where a flashable ZIP stores its updater-script.
func UpdaterScriptPath() string {
	return "META-INF/com/google/android/updater-script"
}

// RecoveryCacheScript is the Android deferred boot-cache script name.
func RecoveryCacheScript() string { return "cache/recovery/openrecoveryscript" }

// TouchCacheScriptGlob matches the Ubuntu Touch deferred command file,
// which lives under a data-partition path controlled by the installed
// image rather than a fixed name.
func TouchCacheScriptGlob() string { return "data/*/ubuntu_command" }

// TrampolineVersionMarker is the string the trampoline prints (preceded by
// "Running trampoline") so `strings | grep` can find it without executing
// untrusted code on a binary of unknown provenance.
func TrampolineVersionMarker() string { return "Running trampoline" }

// BootDeviceEnv optionally overrides boot_block_device discovery, used by
// integration tests that have no real partition manager to query.
func BootDeviceEnv() string { return "MULTIROM_BOOT_DEVICE" }

// LowMemEnv names the MULTIROM_LOW_MEM environment variable. No code in this
// tree reads it.
func LowMemEnv() string { return "MULTIROM_LOW_MEM" }
