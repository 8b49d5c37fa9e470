// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package rom implements the ROM-type taxonomy and the directory scanner
// that lists and classifies installed ROMs.
package rom

import (
	"os"
	"sort"
	fp "path/filepath"
	"strings"

	"github.com/multirom-project/multirom-core/pkg/strs"
)

// Type is the closed, thirteen-variant enumeration: the cross-product of
// {Android, UbuntuDesktop, UbuntuTouch, ScriptedInstaller} x {Internal,
// ExternalDir, ExternalImage} minus Android x Internal-Image (internal
// Android is always a directory tree), plus Unknown.
type Type int

const (
	Unknown Type = iota
	AndroidInternal
	AndroidExtDir
	AndroidExtImage
	UbuntuTouchInternal
	UbuntuTouchExtDir
	UbuntuTouchExtImage
	UbuntuDesktopInternal
	UbuntuDesktopExtDir
	UbuntuDesktopExtImage
	ScriptedInstallerInternal
	ScriptedInstallerExtDir
	ScriptedInstallerExtImage
)

func (t Type) String() string {
	switch t {
	case AndroidInternal:
		return "Android/Internal"
	case AndroidExtDir:
		return "Android/ExternalDir"
	case AndroidExtImage:
		return "Android/ExternalImage"
	case UbuntuTouchInternal:
		return "UbuntuTouch/Internal"
	case UbuntuTouchExtDir:
		return "UbuntuTouch/ExternalDir"
	case UbuntuTouchExtImage:
		return "UbuntuTouch/ExternalImage"
	case UbuntuDesktopInternal:
		return "UbuntuDesktop/Internal"
	case UbuntuDesktopExtDir:
		return "UbuntuDesktop/ExternalDir"
	case UbuntuDesktopExtImage:
		return "UbuntuDesktop/ExternalImage"
	case ScriptedInstallerInternal:
		return "ScriptedInstaller/Internal"
	case ScriptedInstallerExtDir:
		return "ScriptedInstaller/ExternalDir"
	case ScriptedInstallerExtImage:
		return "ScriptedInstaller/ExternalImage"
	}
	return "Unknown"
}

// IsInternal reports whether the ROM root lies under the internal MultiROM
// roms directory.
func (t Type) IsInternal() bool {
	switch t {
	case AndroidInternal, UbuntuTouchInternal, UbuntuDesktopInternal, ScriptedInstallerInternal:
		return true
	}
	return false
}

// IsImageBacked reports whether content lives in loop-mounted image files
// rather than like-named directories.
func (t Type) IsImageBacked() bool {
	switch t {
	case AndroidExtImage, UbuntuTouchExtImage, UbuntuDesktopExtImage, ScriptedInstallerExtImage:
		return true
	}
	return false
}

// IsInstaller reports whether the type was produced by a scripted installer
// manifest rather than one of the three built-in OS kinds.
func (t Type) IsInstaller() bool {
	switch t {
	case ScriptedInstallerInternal, ScriptedInstallerExtDir, ScriptedInstallerExtImage:
		return true
	}
	return false
}

// Info is a listed ROM: its directory name and detected type.
type Info struct {
	Name string
	Root string // absolute path to the ROM's root directory
	Type Type
}

// Directory lists and classifies ROMs under a chosen current_roms_dir.
type Directory struct {
	romsDir  string
	internal bool // true if romsDir is the internal <root>/roms
}

func NewDirectory(romsDir string, internal bool) *Directory {
	return &Directory{romsDir: romsDir, internal: internal}
}

// List returns every ROM under the directory, sorted so strs.InternalRomName
// sorts first and everything else is lexicographic (invariant: list_roms()
// always places "Internal" first when present).
func (d *Directory) List() ([]Info, error) {
	entries, err := os.ReadDir(d.romsDir)
	if err != nil {
		return nil, err
	}
	var infos []Info
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !e.IsDir() {
			continue
		}
		root := fp.Join(d.romsDir, e.Name())
		infos = append(infos, Info{
			Name: e.Name(),
			Root: root,
			Type: d.Classify(root),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Name == strs.InternalRomName() {
			return true
		}
		if infos[j].Name == strs.InternalRomName() {
			return false
		}
		return infos[i].Name < infos[j].Name
	})
	return infos, nil
}

// Classify inspects a ROM root's directory shape and returns its Type,
// following the detection table: presence of system+data+cache (dirs or
// images) plus boot/root(.img) markers, conditioned on whether the location
// is internal.
func (d *Directory) Classify(root string) Type {
	hasDirs := isDir(root, "system") && isDir(root, "data") && isDir(root, "cache")
	hasImages := isFile(root, "system.img") && isFile(root, "data.img") && isFile(root, "cache.img")
	hasBoot := isDir(root, "boot")
	hasRootDir := isDir(root, "root")
	hasRootImg := isFile(root, "root.img")
	hasManifest := isFile(root, "manifest.json")

	if hasManifest {
		return d.classifyInstaller(root)
	}

	if d.internal {
		switch {
		case hasDirs && hasBoot:
			return AndroidInternal
		case hasDirs && !hasBoot && !hasRootDir:
			return UbuntuTouchInternal
		case !hasDirs && hasRootDir:
			return UbuntuDesktopInternal
		}
		return Unknown
	}

	switch {
	case hasDirs && hasBoot:
		return AndroidExtDir
	case hasDirs && !hasBoot:
		return UbuntuTouchExtDir
	case hasImages && hasBoot:
		return AndroidExtImage
	case hasImages && !hasBoot:
		return UbuntuTouchExtImage
	case hasRootDir:
		return UbuntuDesktopExtDir
	case hasRootImg:
		return UbuntuDesktopExtImage
	}
	return Unknown
}

// classifyInstaller distinguishes a scripted installer's three location
// variants once manifest.json has already identified the rom as one: its
// base folders are loop images rather than plain directories whenever any
// *.img file sits alongside the manifest.
func (d *Directory) classifyInstaller(root string) Type {
	if d.internal {
		return ScriptedInstallerInternal
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return ScriptedInstallerExtDir
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".img") {
			return ScriptedInstallerExtImage
		}
	}
	return ScriptedInstallerExtDir
}

func isDir(root, name string) bool {
	fi, err := os.Stat(fp.Join(root, name))
	return err == nil && fi.IsDir()
}

func isFile(root, name string) bool {
	fi, err := os.Stat(fp.Join(root, name))
	return err == nil && !fi.IsDir()
}
