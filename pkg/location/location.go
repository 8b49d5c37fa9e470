// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package location enumerates install targets - the internal ROMs directory
// plus every external block device blkid can see - and mounts whichever one
// the user picks at a stable mountpoint. blkid's KEY="value" output is
// tokenized with shlex rather than a hand-rolled splitter that breaks on
// quoted labels containing spaces.
package location

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"

	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// InternalLabel is the distinguished entry representing <root>/roms.
const InternalLabel = "Internal memory"

// Device describes one external block device blkid reports, trimmed to the
// fields LocationRegistry needs.
type Device struct {
	Path string // e.g. /dev/block/sda1
	FS   string // e.g. ntfs, exfat, vfat, ext4
}

func (d Device) String() string { return fmt.Sprintf("%s (%s)", d.Path, d.FS) }

// Runner abstracts the blkid/mount subprocess invocations so tests can
// supply canned output instead of shelling out, matching the "typed runner
// abstraction... captures stdout/stderr" guidance for subprocess-heavy code.
type Runner interface {
	Blkid() (string, error)
	Mount(dev, mountpoint, fstype string, opts []string) error
	Unmount(mountpoint string) error
}

// ExecRunner is the real Runner, invoking blkid(8) and mount(8).
type ExecRunner struct{}

func (ExecRunner) Blkid() (string, error) {
	out, err := exec.Command("blkid").Output()
	return string(out), err
}

func (ExecRunner) Mount(dev, mountpoint, fstype string, opts []string) error {
	args := []string{"-t", fstype}
	if len(opts) > 0 {
		args = append(args, "-o", strings.Join(opts, ","))
	}
	args = append(args, dev, mountpoint)
	return exec.Command("mount", args...).Run()
}

func (ExecRunner) Unmount(mountpoint string) error {
	return exec.Command("umount", mountpoint).Run()
}

// Registry tracks the currently selected ROMs directory and whatever
// external mount backs it, if any.
type Registry struct {
	run      Runner
	root     string // MultiROM root, e.g. /data/media/multirom
	romsDir  string // current_roms_dir
	extMount string // mountpoint of the external device currently mounted, if any
}

func New(run Runner, root string) *Registry {
	r := &Registry{run: run, root: root}
	r.romsDir = root + "/" + strs.RomsSubdir()
	return r
}

// RomsDir returns current_roms_dir.
func (r *Registry) RomsDir() string { return r.romsDir }

// ListLocations returns InternalLabel followed by one entry per external
// block device found in blkid output.
func (r *Registry) ListLocations() ([]string, error) {
	out, err := r.run.Blkid()
	if err != nil {
		return nil, fmt.Errorf("location: blkid: %w", err)
	}
	locs := []string{InternalLabel}
	for _, d := range parseBlkid(out) {
		locs = append(locs, d.String())
	}
	return locs, nil
}

// parseBlkid parses lines of the form:
//
//	/dev/block/sda1: LABEL="x" UUID="..." TYPE="ntfs"
func parseBlkid(out string) []Device {
	var devs []Device
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		devPath, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		toks, err := shlex.Split(strings.TrimSpace(rest))
		if err != nil {
			log.Logf("location: shlex error parsing blkid line %q: %s", line, err)
			continue
		}
		d := Device{Path: strings.TrimSpace(devPath)}
		for _, tok := range toks {
			k, v, ok := strings.Cut(tok, "=")
			if !ok {
				continue
			}
			if strings.EqualFold(k, "TYPE") {
				d.FS = v
			}
		}
		if d.FS != "" {
			devs = append(devs, d)
		}
	}
	return devs
}

// mountProgram picks the filesystem-appropriate mount helper.
func mountProgram(fs string) (fstype string, opts []string) {
	switch strings.ToLower(fs) {
	case "ntfs":
		return "ntfs-3g", nil
	case "exfat":
		return "exfat", nil
	default:
		return fs, nil
	}
}

// SetRomsPath selects an install location by the string ListLocations
// returned. InternalLabel selects <root>/roms; anything else is parsed back
// into a device path and mounted under /mnt/multirom-<device>. Any
// previously mounted external target is unmounted first.
func (r *Registry) SetRomsPath(choice string) error {
	if r.extMount != "" {
		if err := r.run.Unmount(r.extMount); err != nil {
			log.Logf("location: unmount of previous target %s failed: %s", r.extMount, err)
		}
		r.extMount = ""
	}
	if choice == InternalLabel {
		r.romsDir = r.root + "/" + strs.RomsSubdir()
		return nil
	}
	devPath, fs, ok := splitChoice(choice)
	if !ok {
		return fmt.Errorf("location: unparseable location %q", choice)
	}
	devName := devPath[strings.LastIndex(devPath, "/")+1:]
	mountpoint := strs.ExternalMountBase() + devName
	fstype, opts := mountProgram(fs)
	if err := r.run.Mount(devPath, mountpoint, fstype, opts); err != nil {
		return fmt.Errorf("location: mounting %s at %s: %w", devPath, mountpoint, err)
	}
	r.extMount = mountpoint
	r.romsDir = mountpoint + "/"
	return nil
}

// splitChoice parses "<path> (<fs>)" back into its parts.
func splitChoice(choice string) (path, fs string, ok bool) {
	open := strings.LastIndex(choice, "(")
	close := strings.LastIndex(choice, ")")
	if open < 0 || close <= open {
		return "", "", false
	}
	return strings.TrimSpace(choice[:open]), choice[open+1 : close], true
}
