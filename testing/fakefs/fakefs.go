// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package fakefs builds small on-disk ROM directory trees and file-backed
// fake block devices for use by package tests, so tests never touch
// /data, /system, or a real boot device.
package fakefs

import (
	fp "path/filepath"

	"github.com/spf13/afero"
)

// Tree wraps an afero filesystem rooted at a temp directory, with helpers
// for laying out the handful of directory shapes rom.Directory.Classify
// recognizes.
type Tree struct {
	Fs   afero.Fs
	Root string
}

// New creates an OS-backed temp-directory tree (rom.Directory.Classify
// calls os.Stat directly, so in-memory afero trees can't stand in for it;
// an OsFs rooted at a fresh TempDir keeps tests hermetic without requiring
// a different Classify signature).
func New() (*Tree, error) {
	base := afero.NewOsFs()
	dir, err := afero.TempDir(base, "", "fakefs")
	if err != nil {
		return nil, err
	}
	return &Tree{Fs: base, Root: dir}, nil
}

// Cleanup removes the tree's backing directory.
func (t *Tree) Cleanup() error {
	return t.Fs.RemoveAll(t.Root)
}

// Path returns parts joined under the tree root. It creates no
// directories.
func (t *Tree) Path(parts ...string) string {
	return fp.Join(append([]string{t.Root}, parts...)...)
}

// AndroidRom lays out a directory-backed Android ROM: system/, data/,
// cache/, boot/ subdirectories, matching rom.Directory.Classify's
// hasDirs&&hasBoot case.
func (t *Tree) AndroidRom(name string) (string, error) {
	root := t.Path("roms", name)
	for _, d := range []string{"system", "data", "cache", "boot"} {
		if err := t.Fs.MkdirAll(fp.Join(root, d), 0755); err != nil {
			return "", err
		}
	}
	return root, nil
}

// UbuntuTouchRom lays out a directory-backed Ubuntu Touch ROM: system/,
// data/, cache/ but no boot/, matching Classify's hasDirs&&!hasBoot case.
func (t *Tree) UbuntuTouchRom(name string) (string, error) {
	root := t.Path("roms", name)
	for _, d := range []string{"system", "data", "cache"} {
		if err := t.Fs.MkdirAll(fp.Join(root, d), 0755); err != nil {
			return "", err
		}
	}
	return root, nil
}

// UbuntuDesktopRom lays out a root/ directory ROM, matching Classify's
// hasRootDir case.
func (t *Tree) UbuntuDesktopRom(name string) (string, error) {
	root := t.Path("roms", name)
	if err := t.Fs.MkdirAll(fp.Join(root, "root"), 0755); err != nil {
		return "", err
	}
	return root, nil
}

// ScriptedInstallerRom lays out a scripted-installer ROM: just a
// manifest.json marker (plus any base-folder directories named in
// baseFolders), matching Classify's hasManifest case.
func (t *Tree) ScriptedInstallerRom(name string, baseFolders ...string) (string, error) {
	root := t.Path("roms", name)
	if err := t.Fs.MkdirAll(root, 0755); err != nil {
		return "", err
	}
	for _, bf := range baseFolders {
		if err := t.Fs.MkdirAll(fp.Join(root, bf), 0755); err != nil {
			return "", err
		}
	}
	if err := afero.WriteFile(t.Fs, fp.Join(root, "manifest.json"), []byte(`{"name":"test"}`), 0644); err != nil {
		return "", err
	}
	return root, nil
}

// WriteFile writes content at path relative to the tree root, creating
// parent directories as needed.
func (t *Tree) WriteFile(rel string, content []byte) error {
	full := t.Path(rel)
	if err := t.Fs.MkdirAll(fp.Dir(full), 0755); err != nil {
		return err
	}
	return afero.WriteFile(t.Fs, full, content, 0644)
}

// BlockDevice is a fake /boot-style block device backed by a regular file,
// large enough for boot.img-shaped tests without needing real loop devices.
type BlockDevice struct {
	Path string
}

// NewBlockDevice creates a sizeBytes file at path under the tree, standing
// in for a boot partition device node.
func (t *Tree) NewBlockDevice(rel string, sizeBytes int64) (*BlockDevice, error) {
	full := t.Path(rel)
	if err := t.Fs.MkdirAll(fp.Dir(full), 0755); err != nil {
		return nil, err
	}
	f, err := t.Fs.Create(full)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := f.Truncate(sizeBytes); err != nil {
		return nil, err
	}
	return &BlockDevice{Path: full}, nil
}
