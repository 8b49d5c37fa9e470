// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package cachescript implements the recovery-startup scan for a queued
// post-boot script - Android's openrecoveryscript or Ubuntu Touch's
// ubuntu_command - and runs the single newest one found across every ROM
// inside that ROM's hijacked mounts.
package cachescript

import (
	"fmt"
	"os"
	fp "path/filepath"
	"time"

	"github.com/multirom-project/multirom-core/pkg/bootimg"
	"github.com/multirom-project/multirom-core/pkg/engine"
	"github.com/multirom-project/multirom-core/pkg/hijack"
	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/rom"
)

// Kind distinguishes the two deferred-script flavors.
type Kind int

const (
	KindNone Kind = iota
	KindAndroid
	KindUbuntuTouch
)

// androidScriptRel and touchScriptRel locate each OS family's queued
// script relative to a ROM's root.
const androidScriptRel = "cache/recovery/openrecoveryscript"

// touchScriptRel mirrors the single well-known path used by Ubuntu Touch's
// system-image updater; real devices vary the parent dir by partition
// layout, but all of them converge on this suffix under data/.
const touchScriptRel = "data/ubuntu_command"

// Candidate is a queued script discovered under some ROM.
type Candidate struct {
	Rom     rom.Info
	Kind    Kind
	Path    string
	ModTime time.Time
}

// Runner isolates the subprocess invocations cachescript needs (the
// external recovery-script interpreter, the Ubuntu Touch updater engine).
type Runner interface {
	Run(argv ...string) (stdout, stderr string, err error)
}

// Scan walks every ROM under e's current roms directory and returns every
// queued script found, regardless of age - callers pick the newest via
// Newest.
func Scan(e *engine.Engine) ([]Candidate, error) {
	infos, err := e.ListRoms()
	if err != nil {
		return nil, fmt.Errorf("cachescript: listing roms: %w", err)
	}
	var out []Candidate
	for _, r := range infos {
		if c, ok := androidCandidate(r); ok {
			out = append(out, c)
		}
		if c, ok := touchCandidate(r); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func androidCandidate(r rom.Info) (Candidate, bool) {
	path := fp.Join(r.Root, androidScriptRel)
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return Candidate{}, false
	}
	return Candidate{Rom: r, Kind: KindAndroid, Path: path, ModTime: fi.ModTime()}, true
}

func touchCandidate(r rom.Info) (Candidate, bool) {
	path := fp.Join(r.Root, touchScriptRel)
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return Candidate{}, false
	}
	return Candidate{Rom: r, Kind: KindUbuntuTouch, Path: path, ModTime: fi.ModTime()}, true
}

// Newest picks the single most-recently-modified candidate, or ok=false if
// none were found.
func Newest(cands []Candidate) (Candidate, bool) {
	var best Candidate
	found := false
	for _, c := range cands {
		if !found || c.ModTime.After(best.ModTime) {
			best = c
			found = true
		}
	}
	return best, found
}

// Run hijacks the candidate's ROM, invokes the matching external engine
// against the sandboxed mounts, and for a successful Ubuntu Touch run,
// repacks the boot image from the ROM's boot/ directory (see
// rebuildWithSysimageOverlay) and asks the caller to reboot via the returned
// rebootRequested flag.
func Run(e *engine.Engine, run Runner, c Candidate) (rebootRequested bool, err error) {
	internal := c.Rom.Type.IsInternal()
	mode := hijack.ModeDirectory
	if c.Rom.Type.IsImageBacked() {
		mode = hijack.ModeImage
	}
	bootImgPath := fp.Join(c.Rom.Root, "boot.img")

	mh := hijack.NewMount(e.PartitionManager(), e.Paths)
	if err := mh.Hijack(c.Rom.Root, mode, internal); err != nil {
		return false, fmt.Errorf("cachescript: hijacking mounts: %w", err)
	}
	defer mh.Restore()

	bh := hijack.NewBoot(e.Paths.BootDevice())
	if err := bh.Fake(bootImgPath); err != nil {
		return false, fmt.Errorf("cachescript: hijacking boot device: %w", err)
	}
	defer bh.Restore()

	switch c.Kind {
	case KindAndroid:
		_, _, err := run.Run("recovery-script-engine", c.Path)
		if err != nil {
			return false, fmt.Errorf("cachescript: running openrecoveryscript: %w", err)
		}
		return false, nil
	case KindUbuntuTouch:
		_, stderrOut, err := run.Run("system-image-cli", "--command-file", c.Path)
		if err != nil {
			return false, fmt.Errorf("cachescript: running ubuntu_command: %w: %s", err, stderrOut)
		}
		if err := rebuildWithSysimageOverlay(bootImgPath); err != nil {
			log.Logf("cachescript: rebuilding boot image after ubuntu_command: %s", err)
			return false, nil
		}
		return true, nil
	}
	return false, fmt.Errorf("cachescript: unknown script kind %d", c.Kind)
}

// rebuildWithSysimageOverlay repacks the ROM's boot image from its
// extracted boot/ ramdisk directory so the next boot picks up whatever
// ubuntu_command just wrote there. It applies no overlay: the
// strs.UbuntuTouchSysimageOverlay tree is not copied into boot/, so the new
// ramdisk holds exactly what boot/ holds.
func rebuildWithSysimageOverlay(bootImgPath string) error {
	bootDir := fp.Join(fp.Dir(bootImgPath), "boot")
	return bootimg.RepackRamdiskDir(bootImgPath, bootImgPath, bootDir)
}
