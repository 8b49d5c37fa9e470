// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package hijack implements the transactional remount of real device
// partitions with ROM-sandbox substitutes (MountHijack) and the symlink
// substitution of the boot block device with a regular-file image
// (BootHijack). Both halves are strictly sequential and every failure path
// restores as much of the original state as possible rather than
// short-circuiting, since the device is already in a degraded state once a
// hijack has begun.
package hijack

import (
	"fmt"
	"os"
	fp "path/filepath"
	"strings"
	"time"

	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/partition"
	"github.com/multirom-project/multirom-core/pkg/paths"
)

// Mode selects how a ROM's sandbox partitions are backed.
type Mode int

const (
	ModeDirectory Mode = iota // bind-mount <rom-root>/<subdir>
	ModeImage                 // loop-mount <rom-root>/<name>.img
)

const umountPath = "/sbin/umount"
const umountBakPath = "/sbin/umount.bak"

// SettingsRewriter is the narrow seam onto the surrounding recovery's
// persistent settings (TWRP calls this DataManager; tw_storage_path is the
// one value this package needs to touch). MountHijack rewrites a
// /data/media-prefixed storage path to /realdata/media for the duration of
// the hijack and restores the original verbatim when it exits.
type SettingsRewriter interface {
	StoragePath() string
	SetStoragePath(string)
}

// MountHijack holds the state needed to restore what it changed. The zero
// value is not usable; construct with NewMount.
type MountHijack struct {
	pm       partition.Manager
	resolver *paths.Resolver
	settings SettingsRewriter

	romRoot string
	mode    Mode

	active           bool
	snapshot         partition.Snapshot
	realdata         partition.Partition
	storageRewritten bool
	origStoragePath  string
}

func NewMount(pm partition.Manager, resolver *paths.Resolver) *MountHijack {
	return &MountHijack{pm: pm, resolver: resolver}
}

// SetSettings wires the surrounding recovery's settings store into the
// hijack so step 5 of Hijack/Restore can rewrite and restore its storage
// path. Optional: a hijack with no settings wired simply skips that step,
// the way a recovery image with no such settings concept would.
func (h *MountHijack) SetSettings(s SettingsRewriter) {
	h.settings = s
}

// Hijack performs steps 1-8 of the mount-hijack transaction against romRoot.
// On any failure it unwinds everything done so far before returning.
func (h *MountHijack) Hijack(romRoot string, mode Mode, internal bool) (err error) {
	if h.active {
		return fmt.Errorf("hijack: already active")
	}
	h.mode = mode

	// Step 1: normalize the ROM path (space rename), translate /data -> /realdata.
	normalized, err := h.resolver.NormalizeRomPath(romRoot)
	if err != nil {
		return fmt.Errorf("hijack: normalizing rom path: %w", err)
	}
	h.romRoot = normalized
	if internal {
		h.romRoot = h.resolver.TranslateToRealdata(h.romRoot)
	}

	defer func() {
		if err != nil {
			h.unwind()
		}
	}()

	// Step 2: clone the partition-manager context.
	h.snapshot = h.pm.Snapshot()

	// Step 3: evict /system and /cache.
	for _, mp := range []string{"/system", "/cache"} {
		if _, ok := h.pm.Find(mp); ok {
			if err = h.pm.Remove(mp); err != nil {
				return fmt.Errorf("hijack: evicting %s: %w", mp, err)
			}
		}
	}
	dataPart, ok := h.pm.Find("/data")
	if !ok {
		err = fmt.Errorf("hijack: no /data partition found")
		return
	}

	// Step 4: reshape /data -> /realdata in place.
	h.realdata = dataPart
	realdata := dataPart
	realdata.MountPoint = "/realdata"
	realdata.Display = "Realdata"
	realdata.SymlinkPath = "/realdata"
	realdata.StoragePath = "/realdata/media"
	realdata.Backup = false
	if err = h.pm.Remove(dataPart.MountPoint); err != nil {
		return fmt.Errorf("hijack: removing /data for reshape: %w", err)
	}
	if err = h.pm.Insert(realdata); err != nil {
		return fmt.Errorf("hijack: inserting /realdata: %w", err)
	}
	if err = h.pm.Mount("/realdata"); err != nil {
		return fmt.Errorf("hijack: mounting /realdata: %w", err)
	}

	// Step 5: rewrite internal-storage settings' /data/media path to
	// /realdata/media, so storage browsers in the surrounding recovery point
	// at the real filesystem rather than the about-to-be-hidden /data.
	if h.settings != nil {
		orig := h.settings.StoragePath()
		if rewritten := h.resolver.TranslateToRealdata(orig); rewritten != orig {
			h.origStoragePath = orig
			h.storageRewritten = true
			h.settings.SetStoragePath(rewritten)
		}
	}

	// Step 6: synthesize replacement /data, /system, /cache.
	for _, sub := range []string{"data", "system", "cache"} {
		p := h.sandboxPartition(sub)
		if err = h.pm.Insert(p); err != nil {
			return fmt.Errorf("hijack: inserting sandbox %s: %w", sub, err)
		}
	}

	// Step 7: mount the three; any failure unmounts all and pops the context.
	for _, mp := range []string{"/data", "/system", "/cache"} {
		if err = h.pm.Mount(mp); err != nil {
			for _, undo := range []string{"/data", "/system", "/cache"} {
				h.pm.Unmount(undo)
			}
			return fmt.Errorf("hijack: mounting sandbox %s: %w", mp, err)
		}
	}

	// Step 8: disarm umount so embedded scripts can't escape the sandbox.
	if _, statErr := os.Stat(umountPath); statErr == nil {
		if err = os.Rename(umountPath, umountBakPath); err != nil {
			return fmt.Errorf("hijack: disarming umount: %w", err)
		}
	}

	h.active = true
	return nil
}

func (h *MountHijack) sandboxPartition(sub string) partition.Partition {
	mp := "/" + sub
	p := partition.Partition{MountPoint: mp, Display: capitalize(sub)}
	switch sub {
	case "data":
		p.Kind = partition.KindData
		p.Backup = true
	case "system":
		p.Kind = partition.KindSystem
	case "cache":
		p.Kind = partition.KindCache
	}
	switch h.mode {
	case ModeDirectory:
		p.StoragePath = fp.Join(h.romRoot, sub)
	case ModeImage:
		p.StoragePath = fp.Join(h.romRoot, sub+".img")
	}
	return p
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// unwind is the best-effort cleanup used when Hijack fails partway through;
// it never returns an error of its own, matching the "restoration paths
// never propagate" rule.
func (h *MountHijack) unwind() {
	for _, mp := range []string{"/data", "/system", "/cache"} {
		h.pm.Unmount(mp)
	}
	if h.snapshot.HasParts() {
		if err := h.pm.Restore(h.snapshot); err != nil {
			log.Logf("hijack: unwind restore failed: %s", err)
		}
	}
	h.restoreStoragePath()
	h.resolver.RestoreRomPath()
}

// restoreStoragePath undoes step 5's rewrite, if it happened, restoring the
// original value bitwise rather than reverse-translating it.
func (h *MountHijack) restoreStoragePath() {
	if !h.storageRewritten {
		return
	}
	h.settings.SetStoragePath(h.origStoragePath)
	h.storageRewritten = false
	h.origStoragePath = ""
}

// Restore reverses Hijack. Every step is best-effort; restore() must never
// short-circuit on a single failing step.
func (h *MountHijack) Restore() {
	if !h.active {
		return
	}
	h.active = false

	// 1. Restore /sbin/umount.
	if _, err := os.Stat(umountBakPath); err == nil {
		if err := os.Rename(umountBakPath, umountPath); err != nil {
			log.Logf("hijack: restoring umount: %s", err)
		}
	}

	// 2. Force-unmount in a bounded loop while mtab still mentions them.
	targets := []string{"/system", "/data", "/cache", "/sdcard", "/realdata"}
	for i := 0; i < 10; i++ {
		remaining := false
		for _, mp := range targets {
			if stillMounted(mp) {
				if err := h.pm.Unmount(mp); err != nil {
					log.Logf("hijack: unmount %s attempt %d: %s", mp, i, err)
				}
				remaining = true
			}
		}
		if !remaining {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	// 3. Pop the partition-manager context.
	if err := h.pm.Restore(h.snapshot); err != nil {
		log.Logf("hijack: restoring partition snapshot: %s", err)
	}

	// 4. Remount the real /data and /cache.
	for _, mp := range []string{"/data", "/cache"} {
		if err := h.pm.Mount(mp); err != nil {
			log.Logf("hijack: remounting %s: %s", mp, err)
		}
	}

	// 5. Undo the /realdata path rewrite step of the settings.
	h.restoreStoragePath()

	// 6. Un-normalize the ROM path.
	if err := h.resolver.RestoreRomPath(); err != nil {
		log.Logf("hijack: restoring rom path: %s", err)
	}
}

func stillMounted(mountpoint string) bool {
	data, err := os.ReadFile("/etc/mtab")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) > 1 && fields[1] == mountpoint {
			return true
		}
	}
	return false
}
