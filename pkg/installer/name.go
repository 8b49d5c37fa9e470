// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package installer

import (
	"strconv"
	"strings"
)

const maxNameLen = 26

// NewRomName derives a unique ROM directory name from a source filename,
// avoiding collisions with existing. "rootfs.img" always becomes "Ubuntu";
// a backup source is prefixed "bckp_". The base is truncated to 26
// characters; on collision an integer suffix starting at 1 is appended,
// replacing the tail of the name if needed to stay within the limit.
func NewRomName(srcFilename string, fromBackup bool, existing []string) string {
	base := baseName(srcFilename, fromBackup)
	if !collides(base, existing) {
		return base
	}
	for n := 1; ; n++ {
		suffix := strconv.Itoa(n)
		cand := base
		if len(cand)+1+len(suffix) > maxNameLen {
			cand = cand[:maxNameLen-1-len(suffix)]
		}
		cand = cand + "-" + suffix
		if !collides(cand, existing) {
			return cand
		}
	}
}

func baseName(srcFilename string, fromBackup bool) string {
	name := srcFilename
	if idx := strings.LastIndexAny(name, "/\\"); idx >= 0 {
		name = name[idx+1:]
	}
	if name == "rootfs.img" {
		return "Ubuntu"
	}
	if ext := strings.LastIndex(name, "."); ext > 0 {
		name = name[:ext]
	}
	if fromBackup {
		name = "bckp_" + name
	}
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	return name
}

// collides compares case-insensitively: the ROM name becomes a directory on
// filesystems of varying case sensitivity (internal ext4, external
// exFAT/NTFS), so two names differing only in case are still a collision.
func collides(name string, existing []string) bool {
	for _, e := range existing {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}
