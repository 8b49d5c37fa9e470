// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package sanitize rewrites a flashable ZIP's updater-script so that it
// writes into a MountHijack sandbox instead of touching real device
// partitions, without disturbing the lines that legitimately manipulate a
// boot image.
package sanitize

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/multirom-project/multirom-core/pkg/fileutil"
	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// maxInPlaceEdit is the size threshold (450 MiB) below which the sanitizer
// works on a scratch copy; larger ZIPs are edited in place with a warning.
const maxInPlaceEdit = 450 * 1024 * 1024

// Result reports what Sanitize decided.
type Result struct {
	Changed      bool
	FormatSystem bool
	OutputPath   string // where the (possibly) edited ZIP now lives
}

// mountBinPattern mirrors the original's strstr_wildcard("/system/?bin/?mount"),
// where each literal `?` matches zero or one arbitrary character - expressed
// here as `.?` rather than regexp's own `?` (zero-or-one of the *preceding*
// character), which is a different wildcard.
var mountBinPattern = regexp.MustCompile(`/system/.?bin/.?mount`)

// bootTokens lists the reasons a line is always kept even if it also
// matches a drop rule.
var bootTokens = []string{"boot.img", "bbootimg", "zImage"}

func mentionsBoot(line string) bool {
	for _, t := range bootTokens {
		if strings.Contains(line, t) {
			return true
		}
	}
	return false
}

// classify decides whether to keep a single non-blank, non-comment
// updater-script line, per the component design's drop rules.
func classify(line string, bootDevicePath string) (keep bool, formatSystem bool) {
	if mentionsBoot(line) || (bootDevicePath != "" && strings.Contains(line, bootDevicePath)) {
		return true, false
	}
	if strings.Contains(line, "mount") {
		dropMount := strings.Contains(line, "run_program") ||
			!(mountBinPattern.MatchString(line) || strings.Contains(line, "symlink("))
		if dropMount {
			return false, false
		}
	}
	if strings.Contains(line, "format") {
		if strings.Contains(line, "/system") {
			formatSystem = true
		}
		return false, formatSystem
	}
	if strings.Contains(line, "/dev/block/platform/") {
		return false, false
	}
	if strings.Contains(line, `run_program("dd"`) || strings.Contains(line, "run_program(\"/sbin/dd\"") {
		return false, false
	}
	return true, false
}

// SanitizeLines applies the line-classification rules to an
// already-extracted updater-script, returning the rewritten text and
// whether format("...", ..., "/system", ...) was seen.
func SanitizeLines(script string, bootDevicePath string) (out string, formatSystem bool, changed bool) {
	lines := strings.Split(script, "\n")
	var kept []string
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			kept = append(kept, raw)
			continue
		}
		keep, fs := classify(line, bootDevicePath)
		if fs {
			formatSystem = true
		}
		if keep {
			kept = append(kept, raw)
		} else {
			changed = true
		}
	}
	return strings.Join(kept, "\n"), formatSystem, changed
}

// Sanitize extracts zipPath's updater-script, applies SanitizeLines, and -
// only if something changed - rewrites the entry in place, working on a
// scratch copy when the ZIP is under 450 MiB and on the original (with a
// user-visible warning) otherwise.
func Sanitize(zipPath, bootDevicePath string) (Result, error) {
	fi, err := os.Stat(zipPath)
	if err != nil {
		return Result{}, fmt.Errorf("sanitize: stat %s: %w", zipPath, err)
	}

	workPath := zipPath
	if fi.Size() < maxInPlaceEdit {
		workPath = strs.ScratchUpdateZip()
		if err := fileutil.CopyFile(zipPath, workPath, 0); err != nil {
			return Result{}, fmt.Errorf("sanitize: copying to scratch: %w", err)
		}
	} else {
		log.Msgf("updater-script ZIP is larger than 450MB; editing in place")
	}

	script, err := readZipEntry(workPath, strs.UpdaterScriptPath())
	if err != nil {
		return Result{}, err
	}
	edited, formatSystem, changed := SanitizeLines(string(script), bootDevicePath)
	res := Result{Changed: changed, FormatSystem: formatSystem, OutputPath: workPath}
	if !changed {
		return res, nil
	}
	if err := replaceZipEntry(workPath, strs.UpdaterScriptPath(), []byte(edited)); err != nil {
		return res, err
	}
	return res, nil
}

func readZipEntry(zipPath, entry string) ([]byte, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("sanitize: opening %s: %w", zipPath, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if path.Clean(f.Name) == path.Clean(entry) {
			rc, err := f.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("sanitize: %s has no %s", zipPath, entry)
}

// replaceZipEntry rewrites a single entry of an existing ZIP by copying
// every other entry verbatim into a new archive and swapping it in,
// avoiding an external `zip` subprocess invocation. zip(1) is listed in the
// domain stack for environments where shelling out is preferred; this path
// is the Go-native equivalent.
func replaceZipEntry(zipPath, entry string, content []byte) error {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return err
	}
	defer zr.Close()

	tmp := zipPath + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)
	for _, f := range zr.File {
		w, err := zw.CreateHeader(&f.FileHeader)
		if err != nil {
			out.Close()
			return err
		}
		if path.Clean(f.Name) == path.Clean(entry) {
			if _, err := w.Write(content); err != nil {
				out.Close()
				return err
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			out.Close()
			return err
		}
		if _, err := io.Copy(w, rc); err != nil {
			rc.Close()
			out.Close()
			return err
		}
		rc.Close()
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, zipPath)
}
