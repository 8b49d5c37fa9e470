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

	"github.com/multirom-project/multirom-core/pkg/bootimg"
	"github.com/multirom-project/multirom-core/pkg/engine"
	"github.com/multirom-project/multirom-core/pkg/hijack"
	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/rom"
	"github.com/multirom-project/multirom-core/pkg/sanitize"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// ZipSource installs an Android flashable ZIP: flashZip under a
// MountHijack+BootHijack sandbox, then extracts the resulting boot image's
// ramdisk into the ROM's boot/ directory.
type ZipSource struct {
	ZipPath          string
	TrampolinePath   string
	InjectTrampoline bool
	ShareKernel      bool // discard boot.img instead of keeping it (share-kernel mode)
}

var _ RomSource = (*ZipSource)(nil)

func (z *ZipSource) Kind() SourceKind { return KindZipFile }

func (z *ZipSource) PrepareLayout() (Layout, error) {
	return Layout{Mode: rom.AndroidExtDir}, nil
}

func (z *ZipSource) Populate(ctx *Context) error {
	internal := ctx.Type.IsInternal()
	mode := hijack.ModeDirectory
	if ctx.Type.IsImageBacked() {
		mode = hijack.ModeImage
	}
	bootImgPath := defaultBootImgPath(ctx.RomRoot)

	res, err := sanitize.Sanitize(z.ZipPath, ctx.Engine.Paths.BootDevice())
	if err != nil {
		return fmt.Errorf("installer: sanitizing updater-script: %w", err)
	}

	mh, bh, err := hijackBoth(ctx.Engine, ctx.RomRoot, mode, internal, bootImgPath)
	if err != nil {
		return fmt.Errorf("installer: hijacking for flashZip: %w", err)
	}
	defer restoreBoth(mh, bh)

	if res.FormatSystem {
		if err := os.RemoveAll("/system"); err != nil {
			log.Logf("installer: wiping /system in sandbox: %s", err)
		}
		if err := os.MkdirAll("/system", 0755); err != nil {
			return err
		}
	}

	if _, _, err := ctx.Run.Run("zip-install", res.OutputPath); err != nil {
		return fmt.Errorf("installer: running zip installer: %w", err)
	}
	os.Remove(strs.ScratchUpdateZip())

	return z.extractBootForRom(ctx, bootImgPath)
}

// extractBootForRom unpacks the sandbox boot.img's ramdisk into
// <rom>/boot/, optionally injecting the trampoline or discarding the boot
// image entirely for share-kernel mode.
func (z *ZipSource) extractBootForRom(ctx *Context, bootImgPath string) error {
	bootDir := fp.Join(ctx.RomRoot, "boot")
	raw, err := os.ReadFile(bootImgPath)
	if err != nil {
		return fmt.Errorf("installer: reading flashed boot image: %w", err)
	}
	img, err := bootimg.Parse(raw)
	if err != nil {
		return fmt.Errorf("installer: parsing flashed boot image: %w", err)
	}
	if _, err := bootimg.ExtractRamdisk(img.Ramdisk, bootDir); err != nil {
		return fmt.Errorf("installer: extracting boot ramdisk: %w", err)
	}
	if z.InjectTrampoline {
		if err := bootimg.Inject(bootImgPath, bootImgPath, bootimg.InjectOptions{
			TrampolinePath: z.TrampolinePath,
		}); err != nil {
			return fmt.Errorf("installer: injecting trampoline: %w", err)
		}
	}
	if z.ShareKernel {
		os.Remove(bootImgPath)
	}
	return nil
}

func (z *ZipSource) Finalize(ctx *Context) {}

// FlashZip is the CLI surface's flash_zip: reflash an already-installed ROM
// in place, as opposed to AddRom's create-a-new-ROM path. romName must name
// an existing entry under e's current roms directory.
func FlashZip(e *engine.Engine, run Runner, romName, zipPath string) error {
	infos, err := e.ListRoms()
	if err != nil {
		return fmt.Errorf("installer: listing roms: %w", err)
	}
	var found *rom.Info
	for i := range infos {
		if infos[i].Name == romName {
			found = &infos[i]
			break
		}
	}
	if found == nil {
		return fmt.Errorf("installer: rom %q not found", romName)
	}
	ctx := &Context{Engine: e, Run: run, RomName: romName, RomRoot: found.Root, Type: found.Type}
	z := &ZipSource{ZipPath: zipPath}
	defer z.Finalize(ctx)
	return z.Populate(ctx)
}
