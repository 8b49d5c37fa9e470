// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package installer

import (
	"fmt"
	"os"
	fp "path/filepath"
	"strings"

	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/rom"
)

// DesktopSource installs Ubuntu Desktop from a gzip-compressed ext4 root
// filesystem image (img.gz): expand via simg2img, loop-mount, extract into
// the ROM's root/ directory, then patch the extracted initramfs so the
// installed system never tries to run flash-kernel against real firmware
// partitions that don't exist under our sandbox.
type DesktopSource struct {
	ImageGzPath string
}

var _ RomSource = (*DesktopSource)(nil)

func (d *DesktopSource) Kind() SourceKind { return KindLinuxRootfs }

func (d *DesktopSource) PrepareLayout() (Layout, error) {
	return Layout{Mode: rom.UbuntuDesktopExtDir}, nil
}

func (d *DesktopSource) Populate(ctx *Context) error {
	rootDir := fp.Join(ctx.RomRoot, "root")
	if err := os.MkdirAll(rootDir, 0755); err != nil {
		return err
	}

	rawImg := strings.TrimSuffix(d.ImageGzPath, ".gz") + ".raw"
	if _, _, err := ctx.Run.Run("sh", "-c", "gunzip -c "+d.ImageGzPath+" > "+rawImg+".sparse"); err != nil {
		return fmt.Errorf("installer: decompressing desktop image: %w", err)
	}
	defer os.Remove(rawImg + ".sparse")

	if _, _, err := ctx.Run.Run("simg2img", rawImg+".sparse", rawImg); err != nil {
		return fmt.Errorf("installer: converting sparse image: %w", err)
	}
	defer os.Remove(rawImg)

	mp := fp.Join(ctx.RomRoot, ".mnt")
	if err := os.MkdirAll(mp, 0755); err != nil {
		return err
	}
	if _, _, err := ctx.Run.Run("mount", "-o", "loop", rawImg, mp); err != nil {
		return fmt.Errorf("installer: loop-mounting desktop rootfs: %w", err)
	}
	defer ctx.Run.Run("umount", mp)

	if _, _, err := ctx.Run.Run("sh", "-c",
		"gnutar --numeric-owner -c -C "+mp+" . | gnutar --numeric-owner -x -C "+rootDir); err != nil {
		return fmt.Errorf("installer: copying desktop rootfs: %w", err)
	}

	if err := patchInit(ctx.Run, rootDir); err != nil {
		return fmt.Errorf("installer: patching desktop initramfs: %w", err)
	}
	return nil
}

func (d *DesktopSource) Finalize(ctx *Context) {
	mp := fp.Join(ctx.RomRoot, ".mnt")
	if isMounted(mp) {
		if _, _, err := ctx.Run.Run("umount", mp); err != nil {
			log.Logf("installer: unmounting desktop scratch loop %s: %s", mp, err)
		}
	}
	os.RemoveAll(mp)
}

// isMounted checks /proc/mounts rather than unconditionally calling umount:
// Populate already unmounts mp via its own deferred cleanup once extraction
// succeeds, so by the time Finalize runs the loop is typically gone already
// and a second umount would just fail noisily.
func isMounted(mountpoint string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == mountpoint {
			return true
		}
	}
	return false
}

// patchInit chroots into the extracted rootfs and disables flash-kernel
// permanently (apt-get purge, then update-initramfs to regenerate without
// it), finally fixing up the /boot/initrd.img symlink that update-initramfs
// leaves pointing at a versioned file. flash-kernel otherwise tries to write
// a real boot partition that doesn't exist in our sandboxed /system-as-boot
// layout, which it isn't equipped to do here.
func patchInit(run Runner, rootDir string) error {
	steps := [][]string{
		{"chroot", rootDir, "apt-get", "purge", "-y", "flash-kernel", "tarball-installer"},
		{"chroot", rootDir, "update-initramfs", "-u"},
	}
	for _, argv := range steps {
		if _, _, err := run.Run(argv...); err != nil {
			return err
		}
	}
	if err := fixInitrdSymlink(rootDir); err != nil {
		return err
	}
	return disableFlashKernel(run, rootDir)
}

// disableFlashKernel makes the purge above permanent: dpkg's selections
// database otherwise lets a later apt-get upgrade reinstall flash-kernel as
// a dependency, and flash-kernel itself re-enables on any kernel postinst
// unless FLASH_KERNEL_SKIP is set in the environment it runs under.
func disableFlashKernel(run Runner, rootDir string) error {
	if _, _, err := run.Run("sh", "-c",
		"echo 'flash-kernel hold' | chroot "+rootDir+" dpkg --set-selections"); err != nil {
		return err
	}
	envPath := fp.Join(rootDir, "etc", "environment")
	f, err := os.OpenFile(envPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString("FLASH_KERNEL_SKIP=1\n")
	return err
}

// fixInitrdSymlink replaces /boot/initrd.img with a relative symlink to
// whichever versioned initrd.img-* update-initramfs just produced, mirroring
// what flash-kernel itself would have done had it run to completion.
func fixInitrdSymlink(rootDir string) error {
	bootDir := fp.Join(rootDir, "boot")
	entries, err := os.ReadDir(bootDir)
	if err != nil {
		return err
	}
	var newest string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "initrd.img-") {
			newest = e.Name()
		}
	}
	if newest == "" {
		return fmt.Errorf("installer: no initrd.img-* found under %s", bootDir)
	}
	link := fp.Join(bootDir, "initrd.img")
	os.Remove(link)
	return os.Symlink(newest, link)
}
