// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package paths

import (
	"os"
	fp "path/filepath"
	"testing"

	"github.com/multirom-project/multirom-core/pkg/partition"
)

func TestTranslateToRealdataSdcardWithNumberedMedia(t *testing.T) {
	r := New(partition.NewInMemory())
	got := r.TranslateToRealdata("/sdcard/DCIM/foo.jpg")
	want := "/realdata/media/DCIM/foo.jpg"
	if _, err := os.Stat("/realdata/media/0"); err == nil {
		want = "/realdata/media/0/DCIM/foo.jpg"
	}
	if got != want {
		t.Errorf("TranslateToRealdata() = %q, want %q", got, want)
	}
}

func TestTranslateToRealdataDataMediaPrefix(t *testing.T) {
	r := New(partition.NewInMemory())
	got := r.TranslateToRealdata("/data/media/0/Download/x.zip")
	want := "/realdata/media/0/Download/x.zip"
	if got != want {
		t.Errorf("TranslateToRealdata() = %q, want %q", got, want)
	}
}

func TestTranslateToRealdataUnrelatedPathUnchanged(t *testing.T) {
	r := New(partition.NewInMemory())
	const p = "/system/app/Foo.apk"
	if got := r.TranslateToRealdata(p); got != p {
		t.Errorf("TranslateToRealdata(%q) = %q, want unchanged", p, got)
	}
}

func TestNormalizeRomPathNoSpaceIsNoop(t *testing.T) {
	dir := t.TempDir()
	romDir := fp.Join(dir, "myrom")
	if err := os.Mkdir(romDir, 0755); err != nil {
		t.Fatal(err)
	}
	r := New(partition.NewInMemory())
	got, err := r.NormalizeRomPath(romDir)
	if err != nil {
		t.Fatalf("NormalizeRomPath: %s", err)
	}
	if got != romDir {
		t.Errorf("NormalizeRomPath() = %q, want unchanged %q", got, romDir)
	}
}

func TestNormalizeRomPathRenamesAndRestores(t *testing.T) {
	dir := t.TempDir()
	romDir := fp.Join(dir, "my rom")
	if err := os.Mkdir(romDir, 0755); err != nil {
		t.Fatal(err)
	}
	r := New(partition.NewInMemory())
	alias, err := r.NormalizeRomPath(romDir)
	if err != nil {
		t.Fatalf("NormalizeRomPath: %s", err)
	}
	if alias == romDir {
		t.Fatal("NormalizeRomPath did not rename a path containing a space")
	}
	if _, err := os.Stat(alias); err != nil {
		t.Errorf("aliased path %q does not exist: %s", alias, err)
	}
	if err := r.RestoreRomPath(); err != nil {
		t.Fatalf("RestoreRomPath: %s", err)
	}
	if _, err := os.Stat(romDir); err != nil {
		t.Errorf("original path %q not restored: %s", romDir, err)
	}
}

func TestNormalizeRomPathPanicsOnReentry(t *testing.T) {
	dir := t.TempDir()
	romDir := fp.Join(dir, "my rom")
	if err := os.Mkdir(romDir, 0755); err != nil {
		t.Fatal(err)
	}
	r := New(partition.NewInMemory())
	if _, err := r.NormalizeRomPath(romDir); err != nil {
		t.Fatalf("NormalizeRomPath: %s", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("second NormalizeRomPath call before RestoreRomPath did not panic")
		}
	}()
	r.NormalizeRomPath(romDir)
}

func TestRestoreRomPathNoopWhenNeverRenamed(t *testing.T) {
	r := New(partition.NewInMemory())
	if err := r.RestoreRomPath(); err != nil {
		t.Errorf("RestoreRomPath on fresh Resolver = %s, want nil", err)
	}
}
