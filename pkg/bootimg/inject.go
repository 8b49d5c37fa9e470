// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package bootimg

import (
	"fmt"
	"io"
	"os"
	fp "path/filepath"
	"sync/atomic"

	"github.com/multirom-project/multirom-core/pkg/fileutil"
	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// InjectOptions configures a single Inject call.
type InjectOptions struct {
	// TrampolinePath is the device trampoline binary to install as init.
	TrampolinePath string
	// FstabOverride, if non-empty, is copied into the ramdisk alongside the
	// trampoline.
	FstabOverride string
	// OnlyIfOlder skips injection when the ramdisk's existing trampoline
	// version is already >= the device's installed one.
	OnlyIfOlder bool
	// InstalledVersion is the device's currently installed trampoline
	// version, consulted when OnlyIfOlder is set.
	InstalledVersion int
	// OutIsBootDevice suppresses the header name stamp: flash-kernel
	// derivatives on the real boot device must not see "tr_ver<N>" as the
	// kernel name.
	OutIsBootDevice bool
	// RamdiskLoadAddr, if non-zero, overrides the header's ramdisk address.
	RamdiskLoadAddr uint32
}

// ErrAlreadyCurrent is returned by Inject when OnlyIfOlder was set and the
// existing ramdisk's trampoline is already at least as new.
var ErrAlreadyCurrent = fmt.Errorf("bootimg: trampoline already current")

// Inject extracts srcImg, decompresses+unpacks its ramdisk, replaces init
// with the trampoline (renaming the original to main_init the first time),
// relinks ueventd/watchdogd, recompresses, and writes the result to dstImg
// (which may equal srcImg).
func Inject(srcImg, dstImg string, opt InjectOptions) error {
	raw, err := os.ReadFile(srcImg)
	if err != nil {
		return fmt.Errorf("bootimg: reading %s: %w", srcImg, err)
	}
	img, err := Parse(raw)
	if err != nil {
		return err
	}

	scratch := strs.ScratchBootDir()
	if err := os.RemoveAll(scratch); err != nil {
		return err
	}
	comp, err := ExtractRamdisk(img.Ramdisk, scratch)
	if err != nil {
		return err
	}

	if opt.OnlyIfOlder {
		cur, verr := trampolineVersionOf(fp.Join(scratch, "init"))
		if verr == nil && cur >= opt.InstalledVersion {
			return ErrAlreadyCurrent
		}
	}

	if err := spliceTrampoline(scratch, opt.TrampolinePath); err != nil {
		return err
	}
	if opt.FstabOverride != "" {
		if err := fileutil.CopyFile(opt.FstabOverride, fp.Join(scratch, strs.FstabOverride()), 0); err != nil {
			log.Logf("bootimg: copying fstab override: %s", err)
		}
	}

	newRamdisk, err := PackRamdisk(scratch, comp)
	if err != nil {
		return err
	}
	img.Ramdisk = newRamdisk
	if opt.RamdiskLoadAddr != 0 {
		img.Header.RamdiskAddr = opt.RamdiskLoadAddr
	}
	if !opt.OutIsBootDevice {
		ver, _ := trampolineVersionOf(opt.TrampolinePath)
		img.Header.SetName(fmt.Sprintf("tr_ver%d", ver))
	}

	out, err := img.Marshal()
	if err != nil {
		return err
	}
	return writeImage(dstImg, out, opt.OutIsBootDevice)
}

// RepackRamdiskDir rebuilds srcImg's ramdisk from the contents of dir -
// used after a deferred post-boot script (e.g. ubuntu_command) has
// modified a ROM's extracted boot/ overlay directly and the boot image on
// disk needs to reflect that before next boot, without re-splicing the
// trampoline.
func RepackRamdiskDir(srcImg, dstImg, dir string) error {
	raw, err := os.ReadFile(srcImg)
	if err != nil {
		return fmt.Errorf("bootimg: reading %s: %w", srcImg, err)
	}
	img, err := Parse(raw)
	if err != nil {
		return err
	}
	comp := DetectCompression(img.Ramdisk)
	newRamdisk, err := PackRamdisk(dir, comp)
	if err != nil {
		return err
	}
	img.Ramdisk = newRamdisk
	out, err := img.Marshal()
	if err != nil {
		return err
	}
	return writeImage(dstImg, out, false)
}

// spliceTrampoline renames tree/init to tree/main_init (unless already
// done), installs the trampoline as the new init, and symlinks
// sbin/ueventd and sbin/watchdogd to ../main_init.
func spliceTrampoline(tree, trampolinePath string) error {
	initPath := fp.Join(tree, "init")
	mainInit := fp.Join(tree, "main_init")
	if _, err := os.Stat(mainInit); os.IsNotExist(err) {
		if err := os.Rename(initPath, mainInit); err != nil {
			return fmt.Errorf("bootimg: renaming init to main_init: %w", err)
		}
	}
	if err := fileutil.CopyFile(trampolinePath, initPath, 0); err != nil {
		return fmt.Errorf("bootimg: installing trampoline: %w", err)
	}
	if err := os.Chmod(initPath, 0750); err != nil {
		return err
	}
	sbin := fp.Join(tree, "sbin")
	if err := os.MkdirAll(sbin, 0755); err != nil {
		return err
	}
	for _, name := range []string{"ueventd", "watchdogd"} {
		link := fp.Join(sbin, name)
		os.Remove(link)
		if err := os.Symlink("../main_init", link); err != nil {
			return fmt.Errorf("bootimg: symlinking %s: %w", name, err)
		}
	}
	return nil
}

// writeImage writes raw to dst. If dst is the boot block device it is
// written directly (page-aligned, as dd bs=4096 would); otherwise a plain
// file write suffices.
func writeImage(dst string, raw []byte, isBootDevice bool) error {
	flags := os.O_CREATE | os.O_TRUNC | os.O_WRONLY
	if isBootDevice {
		flags = os.O_WRONLY
	}
	f, err := os.OpenFile(dst, flags, 0644)
	if err != nil {
		return fmt.Errorf("bootimg: opening %s: %w", dst, err)
	}
	defer f.Close()
	var progress atomic.Int64
	done := make(chan struct{})
	go fileutil.ShowProgress(done, "Writing boot image", &progress, int64(len(raw)))
	_, err = fileutil.IOCopy(f, newByteReader(raw), func(n int64) { progress.Store(n) })
	close(done)
	return err
}

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
