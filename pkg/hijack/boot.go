// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package hijack

import (
	"fmt"
	"io"
	"os"

	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// BootHijack replaces the boot block device with a symlink to a regular
// file so that writes by ZIP scripts land in a ROM's boot.img instead of
// the real boot partition.
type BootHijack struct {
	bootDev string
	active  bool
}

func NewBoot(bootDev string) *BootHijack { return &BootHijack{bootDev: bootDev} }

// Fake seeds img (by dd-ing the current boot partition into it, if it
// doesn't already exist) then swaps <boot-dev> for a symlink to img,
// recording a crash-recovery breadcrumb first. Refuses if <boot-dev>-orig
// already exists (reentrancy guard - BootHijack is never reentrant).
func (b *BootHijack) Fake(img string) error {
	origBackup := b.bootDev + "-orig"
	if _, err := os.Stat(origBackup); err == nil {
		return fmt.Errorf("hijack: %s already exists, refusing to re-fake boot device", origBackup)
	}

	if _, err := os.Stat(img); os.IsNotExist(err) {
		if err := seedFromDevice(b.bootDev, img); err != nil {
			return fmt.Errorf("hijack: seeding %s from %s: %w", img, b.bootDev, err)
		}
	}

	if err := os.WriteFile(strs.BootPartBreadcrumb(), []byte(b.bootDev), 0644); err != nil {
		return fmt.Errorf("hijack: writing breadcrumb: %w", err)
	}
	if err := os.Rename(b.bootDev, origBackup); err != nil {
		os.Remove(strs.BootPartBreadcrumb())
		return fmt.Errorf("hijack: renaming %s: %w", b.bootDev, err)
	}
	if err := os.Symlink(img, b.bootDev); err != nil {
		os.Rename(origBackup, b.bootDev)
		os.Remove(strs.BootPartBreadcrumb())
		return fmt.Errorf("hijack: symlinking %s: %w", b.bootDev, err)
	}
	b.active = true
	return nil
}

// Restore reverses Fake: removes the symlink, renames -orig back, removes
// the breadcrumb.
func (b *BootHijack) Restore() {
	if !b.active {
		return
	}
	b.active = false
	origBackup := b.bootDev + "-orig"
	if err := os.Remove(b.bootDev); err != nil {
		log.Logf("hijack: removing boot symlink %s: %s", b.bootDev, err)
	}
	if err := os.Rename(origBackup, b.bootDev); err != nil {
		log.Logf("hijack: restoring %s: %s", b.bootDev, err)
	}
	if err := os.Remove(strs.BootPartBreadcrumb()); err != nil && !os.IsNotExist(err) {
		log.Logf("hijack: removing breadcrumb: %s", err)
	}
}

func seedFromDevice(dev, img string) error {
	in, err := os.Open(dev)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(img)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// FailsafeCheckBootPartition implements the crash-recovery repair run at
// recovery startup: if the breadcrumb exists and <boot-dev> is either
// absent or not a symlink while <boot-dev>-orig exists, the original device
// node is restored and the breadcrumb removed. Idempotent: a no-op if no
// breadcrumb exists (invariant 4).
func FailsafeCheckBootPartition() error {
	breadcrumb := strs.BootPartBreadcrumb()
	data, err := os.ReadFile(breadcrumb)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hijack: reading breadcrumb: %w", err)
	}
	bootDev := string(data)
	origBackup := bootDev + "-orig"

	fi, statErr := os.Lstat(bootDev)
	isSymlink := statErr == nil && fi.Mode()&os.ModeSymlink != 0
	_, origErr := os.Stat(origBackup)
	origExists := origErr == nil

	if (statErr != nil || !isSymlink) && origExists {
		if err := os.Rename(origBackup, bootDev); err != nil {
			return fmt.Errorf("hijack: failsafe restoring %s: %w", bootDev, err)
		}
		log.Logf("hijack: failsafe restored boot device %s after crash", bootDev)
	}
	return os.Remove(breadcrumb)
}
