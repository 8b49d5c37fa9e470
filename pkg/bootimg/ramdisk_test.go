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

func TestDetectCompression(t *testing.T) {
	cases := []struct {
		name string
		b    []byte
		want Compression
	}{
		{"gzip", []byte{0x1F, 0x8B, 0x08, 0x00}, CompGzip},
		{"lz4", []byte{0x02, 0x21, 0x4C, 0x18}, CompLZ4},
		{"lzma-0x00", []byte{0x5D, 0x00, 0x00, 0x00}, CompLZMA},
		{"lzma-0x80", []byte{0x5D, 0x00, 0x00, 0x80}, CompLZMA},
		{"unknown", []byte{0xDE, 0xAD, 0xBE, 0xEF}, CompUnknown},
		{"too-short", []byte{0x1F}, CompUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := DetectCompression(c.b); got != c.want {
				t.Errorf("DetectCompression(%x) = %s, want %s", c.b, got, c.want)
			}
		})
	}
}

func buildRamdiskDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(fp.Join(dir, "init"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(fp.Join(dir, "sbin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(fp.Join(dir, "sbin", "busybox"), []byte("fake"), 0755); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestPackExtractRoundTrip(t *testing.T) {
	for _, c := range []Compression{CompGzip, CompLZ4, CompLZMA} {
		t.Run(c.String(), func(t *testing.T) {
			src := buildRamdiskDir(t)
			packed, err := PackRamdisk(src, c)
			if err != nil {
				t.Fatalf("PackRamdisk: %s", err)
			}
			if got := DetectCompression(packed); got != c {
				t.Fatalf("DetectCompression(packed) = %s, want %s", got, c)
			}
			dest := t.TempDir()
			gotC, err := ExtractRamdisk(packed, dest)
			if err != nil {
				t.Fatalf("ExtractRamdisk: %s", err)
			}
			if gotC != c {
				t.Errorf("ExtractRamdisk returned %s, want %s", gotC, c)
			}
			if _, err := os.Stat(fp.Join(dest, "init")); err != nil {
				t.Errorf("extracted tree missing init: %s", err)
			}
			if _, err := os.Stat(fp.Join(dest, "sbin", "busybox")); err != nil {
				t.Errorf("extracted tree missing sbin/busybox: %s", err)
			}
		})
	}
}

func TestExtractRamdiskRequiresInit(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(fp.Join(src, "not-init"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	packed, err := PackRamdisk(src, CompGzip)
	if err != nil {
		t.Fatalf("PackRamdisk: %s", err)
	}
	dest := t.TempDir()
	if _, err := ExtractRamdisk(packed, dest); err == nil {
		t.Error("ExtractRamdisk succeeded on an init-less ramdisk, want error")
	}
}

func TestExtractRamdiskUnknownCompression(t *testing.T) {
	dest := t.TempDir()
	_, err := ExtractRamdisk([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0, 0, 0, 0}, dest)
	if err != ErrUnknownCompression {
		t.Errorf("ExtractRamdisk() err = %v, want ErrUnknownCompression", err)
	}
}
