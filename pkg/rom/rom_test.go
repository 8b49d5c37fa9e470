// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package rom

import (
	"os"
	fp "path/filepath"
	"testing"

	"github.com/multirom-project/multirom-core/pkg/strs"
)

func mkdirs(t *testing.T, root string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.MkdirAll(fp.Join(root, n), 0755); err != nil {
			t.Fatal(err)
		}
	}
}

func mkfile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestClassifyInternal(t *testing.T) {
	cases := []struct {
		name  string
		setup func(root string)
		want  Type
	}{
		{"android", func(root string) { mkdirs(t, root, "system", "data", "cache", "boot") }, AndroidInternal},
		{"touch", func(root string) { mkdirs(t, root, "system", "data", "cache") }, UbuntuTouchInternal},
		{"desktop", func(root string) { mkdirs(t, root, "root") }, UbuntuDesktopInternal},
		{"unknown", func(root string) {}, Unknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			root := t.TempDir()
			c.setup(root)
			d := NewDirectory(fp.Dir(root), true)
			if got := d.Classify(root); got != c.want {
				t.Errorf("Classify() = %s, want %s", got, c.want)
			}
		})
	}
}

func TestClassifyExternal(t *testing.T) {
	cases := []struct {
		name  string
		setup func(root string)
		want  Type
	}{
		{"android-dir", func(root string) { mkdirs(t, root, "system", "data", "cache", "boot") }, AndroidExtDir},
		{"touch-dir", func(root string) { mkdirs(t, root, "system", "data", "cache") }, UbuntuTouchExtDir},
		{"android-img", func(root string) {
			mkdirs(t, root, "boot")
			for _, f := range []string{"system.img", "data.img", "cache.img"} {
				mkfile(t, fp.Join(root, f))
			}
		}, AndroidExtImage},
		{"touch-img", func(root string) {
			for _, f := range []string{"system.img", "data.img", "cache.img"} {
				mkfile(t, fp.Join(root, f))
			}
		}, UbuntuTouchExtImage},
		{"desktop-dir", func(root string) { mkdirs(t, root, "root") }, UbuntuDesktopExtDir},
		{"desktop-img", func(root string) { mkfile(t, fp.Join(root, "root.img")) }, UbuntuDesktopExtImage},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			root := t.TempDir()
			c.setup(root)
			d := NewDirectory(fp.Dir(root), false)
			if got := d.Classify(root); got != c.want {
				t.Errorf("Classify() = %s, want %s", got, c.want)
			}
		})
	}
}

func TestClassifyScriptedInstaller(t *testing.T) {
	cases := []struct {
		name     string
		internal bool
		setup    func(root string)
		want     Type
	}{
		{"internal", true, func(root string) {
			mkfile(t, fp.Join(root, "manifest.json"))
		}, ScriptedInstallerInternal},
		{"ext-dir", false, func(root string) {
			mkdirs(t, root, "opt")
			mkfile(t, fp.Join(root, "manifest.json"))
		}, ScriptedInstallerExtDir},
		{"ext-image", false, func(root string) {
			mkfile(t, fp.Join(root, "opt.img"))
			mkfile(t, fp.Join(root, "manifest.json"))
		}, ScriptedInstallerExtImage},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			root := t.TempDir()
			c.setup(root)
			d := NewDirectory(fp.Dir(root), c.internal)
			if got := d.Classify(root); got != c.want {
				t.Errorf("Classify() = %s, want %s", got, c.want)
			}
		})
	}
}

func TestListSortsInternalFirst(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"zzz", strs.InternalRomName(), "aaa"} {
		mkdirs(t, base, name)
		mkdirs(t, fp.Join(base, name), "system", "data", "cache")
	}
	d := NewDirectory(base, true)
	infos, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 {
		t.Fatalf("got %d roms, want 3", len(infos))
	}
	if infos[0].Name != strs.InternalRomName() {
		t.Errorf("first rom = %q, want %q", infos[0].Name, strs.InternalRomName())
	}
	if infos[1].Name != "aaa" || infos[2].Name != "zzz" {
		t.Errorf("remaining roms not lexicographic: %v", infos[1:])
	}
}

func TestListSkipsDotfilesAndFiles(t *testing.T) {
	base := t.TempDir()
	mkdirs(t, base, ".hidden")
	mkfile(t, fp.Join(base, "not-a-dir"))
	mkdirs(t, base, "real")
	mkdirs(t, fp.Join(base, "real"), "system", "data", "cache")

	d := NewDirectory(base, true)
	infos, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 || infos[0].Name != "real" {
		t.Errorf("List() = %v, want just [real]", infos)
	}
}

func TestTypePredicates(t *testing.T) {
	if !AndroidInternal.IsInternal() {
		t.Error("AndroidInternal.IsInternal() = false")
	}
	if AndroidExtDir.IsInternal() {
		t.Error("AndroidExtDir.IsInternal() = true")
	}
	if !AndroidExtImage.IsImageBacked() {
		t.Error("AndroidExtImage.IsImageBacked() = false")
	}
	if AndroidExtDir.IsImageBacked() {
		t.Error("AndroidExtDir.IsImageBacked() = true")
	}
	if !ScriptedInstallerExtDir.IsInstaller() {
		t.Error("ScriptedInstallerExtDir.IsInstaller() = false")
	}
	if AndroidInternal.IsInstaller() {
		t.Error("AndroidInternal.IsInstaller() = true")
	}
}
