// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package cachescript

import (
	"os"
	fp "path/filepath"
	"testing"
	"time"

	"github.com/multirom-project/multirom-core/pkg/rom"
)

func TestNewestPicksMostRecent(t *testing.T) {
	now := time.Now()
	cands := []Candidate{
		{Rom: rom.Info{Name: "a"}, Kind: KindAndroid, ModTime: now.Add(-time.Hour)},
		{Rom: rom.Info{Name: "b"}, Kind: KindUbuntuTouch, ModTime: now},
		{Rom: rom.Info{Name: "c"}, Kind: KindAndroid, ModTime: now.Add(-2 * time.Hour)},
	}
	best, ok := Newest(cands)
	if !ok {
		t.Fatal("Newest() ok = false, want true")
	}
	if best.Rom.Name != "b" {
		t.Errorf("Newest() = %q, want %q", best.Rom.Name, "b")
	}
}

func TestNewestEmpty(t *testing.T) {
	if _, ok := Newest(nil); ok {
		t.Error("Newest(nil) ok = true, want false")
	}
}

func TestAndroidCandidateRequiresFile(t *testing.T) {
	r := rom.Info{Name: "nofile", Root: t.TempDir()}
	if _, ok := androidCandidate(r); ok {
		t.Error("androidCandidate() found a candidate with no openrecoveryscript present")
	}
}

func TestTouchCandidateRequiresFile(t *testing.T) {
	r := rom.Info{Name: "nofile", Root: t.TempDir()}
	if _, ok := touchCandidate(r); ok {
		t.Error("touchCandidate() found a candidate with no ubuntu_command present")
	}
}

func TestAndroidCandidateFound(t *testing.T) {
	root := t.TempDir()
	scriptPath := fp.Join(root, androidScriptRel)
	if err := os.MkdirAll(fp.Dir(scriptPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(scriptPath, []byte("boot\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c, ok := androidCandidate(rom.Info{Name: "r", Root: root})
	if !ok {
		t.Fatal("androidCandidate() ok = false, want true")
	}
	if c.Kind != KindAndroid || c.Path != scriptPath {
		t.Errorf("androidCandidate() = %+v, want Kind=KindAndroid Path=%s", c, scriptPath)
	}
}

func TestTouchCandidateFound(t *testing.T) {
	root := t.TempDir()
	scriptPath := fp.Join(root, touchScriptRel)
	if err := os.MkdirAll(fp.Dir(scriptPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(scriptPath, []byte("reboot\n"), 0644); err != nil {
		t.Fatal(err)
	}
	c, ok := touchCandidate(rom.Info{Name: "r", Root: root})
	if !ok {
		t.Fatal("touchCandidate() ok = false, want true")
	}
	if c.Kind != KindUbuntuTouch || c.Path != scriptPath {
		t.Errorf("touchCandidate() = %+v, want Kind=KindUbuntuTouch Path=%s", c, scriptPath)
	}
}
