// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package paths locates the MultiROM root and translates legacy /sdcard and
// /data/media paths to their real-data equivalents once a MountHijack has
// relabelled /data to /realdata. It also holds the single-slot space-rename
// guard used before shelling out to tools that can't handle spaces in
// pathnames.
package paths

import (
	"fmt"
	"os"
	fp "path/filepath"
	"strings"

	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/partition"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// candidateRoots are tried in order by Resolver.Find.
var candidateRoots = []string{
	"/data/media/" + strs.RootDirName(),
	"/data/media/0/" + strs.RootDirName(),
}

// Resolver finds and remembers the MultiROM root and boot device for a
// session. The zero value is not usable; construct with New.
type Resolver struct {
	pm   partition.Manager
	root string // "" until Find succeeds
	boot string // boot block device path

	renamed   bool
	origPath  string
	aliasPath string
}

func New(pm partition.Manager) *Resolver { return &Resolver{pm: pm} }

// ErrRootAbsent is returned by Find (and by any operation on a Resolver that
// never found a root) so callers can refuse with a user-readable reason.
var ErrRootAbsent = fmt.Errorf("paths: MultiROM root not found")

// Find mounts /data (if needed) and looks for the MultiROM root at each of
// the two legacy locations, caching the first that exists. It also resolves
// the boot block device from the partition manager, or from
// strs.BootDeviceEnv() when set (used by tests with no real partition
// manager to query).
func (r *Resolver) Find() error {
	if p, ok := r.pm.Find("/data"); ok && !p.Mounted {
		if err := r.pm.Mount("/data"); err != nil {
			return fmt.Errorf("paths: mounting /data: %w", err)
		}
	}
	for _, cand := range candidateRoots {
		if fi, err := os.Stat(cand); err == nil && fi.IsDir() {
			r.root = cand
			break
		}
	}
	if r.root == "" {
		return ErrRootAbsent
	}
	if env := os.Getenv(strs.BootDeviceEnv()); env != "" {
		r.boot = env
	} else if p, ok := r.pm.Find("/boot"); ok {
		r.boot = p.BlockDevice
	}
	if r.boot == "" {
		return fmt.Errorf("paths: boot block device not found")
	}
	log.Logf("paths: root=%s boot=%s", r.root, r.boot)
	return nil
}

// Root returns the cached MultiROM root, or "" if Find has not succeeded.
func (r *Resolver) Root() string { return r.root }

// BootDevice returns the cached boot block device path.
func (r *Resolver) BootDevice() string { return r.boot }

// TranslateToRealdata rewrites a user-supplied path so it survives a
// MountHijack: /sdcard/... becomes /realdata/media/0/... (or /realdata/media/...
// if that numbered directory doesn't exist), and any /data/media/...  prefix
// becomes /realdata/media/....
func (r *Resolver) TranslateToRealdata(path string) string {
	const sdcard = "/sdcard/"
	if strings.HasPrefix(path, sdcard) {
		rest := strings.TrimPrefix(path, sdcard)
		if fi, err := os.Stat("/realdata/media/0"); err == nil && fi.IsDir() {
			return fp.Join("/realdata/media/0", rest)
		}
		return fp.Join("/realdata/media", rest)
	}
	const dataMedia = "/data/media/"
	if idx := strings.Index(path, dataMedia); idx >= 0 {
		return "/realdata/" + path[idx+len("/data/"):]
	}
	return path
}

// NormalizeRomPath is a single-slot guard: if path contains a space, it
// renames the directory to a spaceless alias (spaces replaced with '-',
// suffixed with 'a' characters until unique) and remembers the pair so
// RestoreRomPath can rename it back. Shelled-out tools in the install
// pipeline do not quote arguments reliably, hence the rename rather than
// escaping.
//
// Calling NormalizeRomPath again before RestoreRomPath panics: the original
// implementation silently discarded state on reentry (DESIGN.md), which we
// treat as a bug to guard against rather than reproduce.
func (r *Resolver) NormalizeRomPath(path string) (string, error) {
	if r.renamed {
		panic("paths: NormalizeRomPath called without matching RestoreRomPath")
	}
	if !strings.Contains(path, " ") {
		return path, nil
	}
	dir, base := fp.Split(path)
	alias := strings.ReplaceAll(base, " ", "-")
	candidate := alias
	for {
		if _, err := os.Stat(fp.Join(dir, candidate)); os.IsNotExist(err) {
			break
		}
		candidate += "a"
	}
	aliasPath := fp.Join(dir, candidate)
	if err := os.Rename(path, aliasPath); err != nil {
		return "", fmt.Errorf("paths: renaming %q to %q: %w", path, aliasPath, err)
	}
	r.renamed = true
	r.origPath = path
	r.aliasPath = aliasPath
	return aliasPath, nil
}

// RestoreRomPath undoes a prior NormalizeRomPath. A no-op if the path never
// needed renaming.
func (r *Resolver) RestoreRomPath() error {
	if !r.renamed {
		return nil
	}
	err := os.Rename(r.aliasPath, r.origPath)
	r.renamed = false
	r.origPath = ""
	r.aliasPath = ""
	return err
}
