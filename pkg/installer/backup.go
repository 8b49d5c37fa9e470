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
	"sort"

	"github.com/multirom-project/multirom-core/pkg/fileutil"
	"github.com/multirom-project/multirom-core/pkg/hijack"
	"github.com/multirom-project/multirom-core/pkg/rom"
)

// TwrpBackupSource installs an Android ROM from a TWRP-style backup
// directory: a boot.emmc.win image and one or more system/data tarballs,
// which may be split into sequentially numbered parts.
type TwrpBackupSource struct {
	BackupDir       string
	RestoreData     bool
	TrampolinePath  string
	InjectTrampoline bool
}

var _ RomSource = (*TwrpBackupSource)(nil)

func (b *TwrpBackupSource) Kind() SourceKind { return KindTwrpBackup }

func (b *TwrpBackupSource) PrepareLayout() (Layout, error) {
	boot := fp.Join(b.BackupDir, "boot.emmc.win")
	if _, err := os.Stat(boot); err != nil {
		return Layout{}, fmt.Errorf("installer: backup missing boot.emmc.win")
	}
	if len(systemParts(b.BackupDir)) == 0 {
		return Layout{}, fmt.Errorf("installer: backup missing system.ext4* archive")
	}
	return Layout{Mode: rom.AndroidExtDir}, nil
}

func (b *TwrpBackupSource) Populate(ctx *Context) error {
	bootImgPath := defaultBootImgPath(ctx.RomRoot)
	if err := fileutil.CopyFile(fp.Join(b.BackupDir, "boot.emmc.win"), bootImgPath, 0); err != nil {
		return fmt.Errorf("installer: copying boot image from backup: %w", err)
	}

	z := &ZipSource{TrampolinePath: b.TrampolinePath, InjectTrampoline: b.InjectTrampoline}
	if err := z.extractBootForRom(ctx, bootImgPath); err != nil {
		return err
	}

	mode := hijack.ModeDirectory
	mh, bh, err := hijackBoth(ctx.Engine, ctx.RomRoot, mode, ctx.Type.IsInternal(), bootImgPath)
	if err != nil {
		return fmt.Errorf("installer: hijacking for backup restore: %w", err)
	}
	defer restoreBoth(mh, bh)

	if err := extractParts(ctx.Run, systemParts(b.BackupDir), "/system"); err != nil {
		return fmt.Errorf("installer: extracting system archive: %w", err)
	}
	if b.RestoreData {
		if parts := dataParts(b.BackupDir); len(parts) > 0 {
			if err := extractParts(ctx.Run, parts, "/data"); err != nil {
				return fmt.Errorf("installer: extracting data archive: %w", err)
			}
		}
	}
	return nil
}

func (b *TwrpBackupSource) Finalize(ctx *Context) {}

func systemParts(dir string) []string { return matchParts(dir, "system.ext4") }
func dataParts(dir string) []string   { return matchParts(dir, "data.ext4") }

// matchParts finds a monolithic archive (prefix.win) or its split variants
// (prefix.000, prefix.001, ...), returned in order.
func matchParts(dir, prefix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var parts []string
	for _, e := range entries {
		name := e.Name()
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			parts = append(parts, fp.Join(dir, name))
		}
	}
	sort.Strings(parts)
	return parts
}

// extractParts pipes one or more backup archive parts (concatenated in
// order) through the external untar helper into dest, inside the sandbox
// mount established by the caller's hijack.
func extractParts(run Runner, parts []string, dest string) error {
	if len(parts) == 0 {
		return fmt.Errorf("installer: no archive parts to extract into %s", dest)
	}
	argv := append([]string{"gnutar", "--numeric-owner", "-x", "-C", dest, "-f"}, parts[0])
	if _, _, err := run.Run(argv...); err != nil {
		return err
	}
	for _, p := range parts[1:] {
		if _, _, err := run.Run("gnutar", "--numeric-owner", "-A", "-C", dest, "-f", p); err != nil {
			return err
		}
	}
	return nil
}
