// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package bootimg

import (
	"os"
	fp "path/filepath"
	"testing"
)

func TestProbeVersionMissingFile(t *testing.T) {
	if v := ProbeVersion(fp.Join(t.TempDir(), "no-such-file")); v != -1 {
		t.Errorf("ProbeVersion(missing) = %d, want -1", v)
	}
}

func TestProbeVersionWithoutMarkerNeverExecutes(t *testing.T) {
	path := fp.Join(t.TempDir(), "not-a-trampoline")
	if err := os.WriteFile(path, []byte("just some bytes"), 0755); err != nil {
		t.Fatal(err)
	}
	if v := ProbeVersion(path); v != -1 {
		t.Errorf("ProbeVersion(no marker) = %d, want -1", v)
	}
}

func TestProbeVersionMarkerPresentButNotExecutable(t *testing.T) {
	path := fp.Join(t.TempDir(), "fake-trampoline")
	content := "garbage\nRunning trampoline\nmore garbage\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	// The marker is present, so probeVersion proceeds to exec the binary;
	// a non-executable file must fail that exec and report -1 rather than
	// panicking or hanging.
	if v := ProbeVersion(path); v != -1 {
		t.Errorf("ProbeVersion(unexecutable) = %d, want -1", v)
	}
}

func TestVersionCacheOpenCloseAndMiss(t *testing.T) {
	c, err := OpenVersionCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenVersionCache: %s", err)
	}
	defer c.Close()

	if v := c.Version(fp.Join(t.TempDir(), "missing")); v != -1 {
		t.Errorf("Version(missing path) = %d, want -1", v)
	}
}

func TestVersionCacheNilReceiverIsSafe(t *testing.T) {
	var c *VersionCache
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil cache = %s, want nil", err)
	}
	if v := c.Version(fp.Join(t.TempDir(), "x")); v != -1 {
		t.Errorf("Version() on nil cache for a missing path = %d, want -1", v)
	}
}

func TestVersionCachePopulatesOnMiss(t *testing.T) {
	c, err := OpenVersionCache(t.TempDir())
	if err != nil {
		t.Fatalf("OpenVersionCache: %s", err)
	}
	defer c.Close()

	path := fp.Join(t.TempDir(), "no-marker")
	if err := os.WriteFile(path, []byte("plain file"), 0644); err != nil {
		t.Fatal(err)
	}
	first := c.Version(path)
	second := c.Version(path)
	if first != second {
		t.Errorf("Version() = %d then %d for an unchanged file, want consistent results", first, second)
	}
}
