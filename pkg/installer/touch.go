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

	"github.com/multirom-project/multirom-core/pkg/bootimg"
	"github.com/multirom-project/multirom-core/pkg/hijack"
	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/rom"
)

// TouchSource installs Ubuntu Touch from its device+core ZIP pair: the
// device ZIP carries the Android-derived boot image and hardware overlay,
// the core ZIP carries the actual rootfs. Both extract into the same ROM
// root, with the core ZIP's root/ tree taking priority on overlap.
type TouchSource struct {
	DeviceZipPath  string
	CoreZipPath    string
	TrampolinePath string
	InjectTrampoline bool
}

var _ RomSource = (*TouchSource)(nil)

func (t *TouchSource) Kind() SourceKind { return KindUbuntuTouchPair }

func (t *TouchSource) PrepareLayout() (Layout, error) {
	return Layout{Mode: rom.UbuntuTouchExtDir}, nil
}

func (t *TouchSource) Populate(ctx *Context) error {
	internal := ctx.Type.IsInternal()
	bootImgPath := defaultBootImgPath(ctx.RomRoot)

	mh := hijack.NewMount(ctx.Engine.PartitionManager(), ctx.Engine.Paths)
	if err := mh.Hijack(ctx.RomRoot, hijack.ModeDirectory, internal); err != nil {
		return fmt.Errorf("installer: hijacking mounts for touch install: %w", err)
	}
	defer mh.Restore()

	// device ZIP first: establishes the boot image and any device-specific
	// overlay files under /system before the core ZIP's GNU tar swap.
	if _, _, err := ctx.Run.Run("zip-install", "--device", t.DeviceZipPath); err != nil {
		return fmt.Errorf("installer: installing device zip: %w", err)
	}
	// core ZIP supplies its own GNU tar (replacing busybox tar mid-script,
	// a long-standing quirk of touch installers that need GNU-specific
	// extended-attribute support); zip-install --core handles that swap.
	if _, _, err := ctx.Run.Run("zip-install", "--core", t.CoreZipPath); err != nil {
		return fmt.Errorf("installer: installing core zip: %w", err)
	}

	raw, err := os.ReadFile(bootImgPath)
	if err != nil {
		return fmt.Errorf("installer: reading touch boot image: %w", err)
	}
	img, err := bootimg.Parse(raw)
	if err != nil {
		return fmt.Errorf("installer: parsing touch boot image: %w", err)
	}
	bootDir := fp.Join(ctx.RomRoot, "boot")
	if _, err := bootimg.ExtractRamdisk(img.Ramdisk, bootDir); err != nil {
		return fmt.Errorf("installer: extracting touch ramdisk: %w", err)
	}
	if err := applyTouchInitOverlay(bootDir, ctx.RomRoot); err != nil {
		return fmt.Errorf("installer: applying ubuntu-touch-init overlay: %w", err)
	}
	if t.InjectTrampoline {
		if err := bootimg.Inject(bootImgPath, bootImgPath, bootimg.InjectOptions{
			TrampolinePath: t.TrampolinePath,
		}); err != nil {
			return fmt.Errorf("installer: injecting trampoline: %w", err)
		}
	}

	if err := writeTouchFstabOverride(ctx.RomRoot); err != nil {
		return fmt.Errorf("installer: writing touch fstab override: %w", err)
	}
	if err := writeLxcPreStart(ctx.RomRoot); err != nil {
		return fmt.Errorf("installer: writing lxc pre-start hook: %w", err)
	}
	return nil
}

func (t *TouchSource) Finalize(ctx *Context) {}

// applyTouchInitOverlay replaces init's default mount table inside the
// extracted ramdisk with one pointing at the per-ROM sandbox paths - the
// ubuntu-touch-init overlay processing step. Any line whose mountpoint field
// is /data or /system has its source device field rewritten to a bind mount
// of the sandboxed equivalent under romRoot; every other line (swap, /cache,
// comments) passes through unchanged.
func applyTouchInitOverlay(bootDir, romRoot string) error {
	fstab := fp.Join(bootDir, "fstab")
	data, err := os.ReadFile(fstab)
	if err != nil {
		if os.IsNotExist(err) {
			log.Logf("installer: no fstab in touch ramdisk at %s, skipping overlay", fstab)
			return nil
		}
		return err
	}
	out := rewriteTouchFstab(string(data), romRoot)
	return os.WriteFile(fstab, []byte(out), 0644)
}

// rewriteTouchFstab rewrites the source-device field of any /data or /system
// line to a bind source under romRoot, leaving field count, flags, and every
// other line untouched.
func rewriteTouchFstab(fstab, romRoot string) string {
	lines := strings.Split(fstab, "\n")
	for i, line := range lines {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		var sandboxSrc string
		switch fields[1] {
		case "/data":
			sandboxSrc = fp.Join(romRoot, "data")
		case "/system":
			sandboxSrc = fp.Join(romRoot, "system")
		default:
			continue
		}
		fields[0] = sandboxSrc
		lines[i] = strings.Join(fields, " ")
	}
	return strings.Join(lines, "\n")
}

// writeTouchFstabOverride writes the ROM-local fstab.override file, which
// binds /data inside the LXC Android container to our sandboxed data
// partition instead of the device's real one. Nothing else in this tree
// reads the file.
func writeTouchFstabOverride(romRoot string) error {
	content := "/dev/sandbox/data /data auto defaults,bind 0 0\n"
	return os.WriteFile(fp.Join(romRoot, "fstab.override"), []byte(content), 0644)
}

// writeLxcPreStart writes the pre-start.sh hook that bind-mounts the
// sandbox's Android container root into the LXC container namespace before
// the container's init runs, matching the touch ROM's expectation of an
// Android bind-mount at /android.
func writeLxcPreStart(romRoot string) error {
	script := "#!/bin/sh\n" +
		"mkdir -p /android\n" +
		"mount --bind " + fp.Join(romRoot, "system") + " /android/system\n" +
		"mount --bind " + fp.Join(romRoot, "data") + " /android/data\n"
	path := fp.Join(romRoot, "pre-start.sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return err
	}
	return nil
}
