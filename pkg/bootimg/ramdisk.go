// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package bootimg

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	fp "path/filepath"

	"github.com/pierrec/lz4/v4"
	"github.com/u-root/u-root/pkg/cpio"
	"github.com/ulikunitz/xz/lzma"

	"github.com/multirom-project/multirom-core/pkg/log"
)

// Compression identifies the ramdisk's compression format, detected from
// its first four bytes.
type Compression int

const (
	CompUnknown Compression = iota
	CompGzip
	CompLZ4
	CompLZMA
)

func (c Compression) String() string {
	switch c {
	case CompGzip:
		return "gzip"
	case CompLZ4:
		return "lz4"
	case CompLZMA:
		return "lzma"
	}
	return "unknown"
}

// DetectCompression inspects the first four bytes of a ramdisk blob.
func DetectCompression(ramdisk []byte) Compression {
	if len(ramdisk) < 4 {
		return CompUnknown
	}
	switch {
	case ramdisk[0] == 0x1F && ramdisk[1] == 0x8B:
		return CompGzip
	case ramdisk[0] == 0x02 && ramdisk[1] == 0x21 && ramdisk[2] == 0x4C && ramdisk[3] == 0x18:
		return CompLZ4
	case ramdisk[0] == 0x5D && ramdisk[1] == 0x00 && ramdisk[2] == 0x00 &&
		(ramdisk[3] == 0x00 || ramdisk[3] == 0x80):
		return CompLZMA
	}
	return CompUnknown
}

// ErrUnknownCompression is returned when DetectCompression can't identify
// the ramdisk's format from its magic bytes.
var ErrUnknownCompression = fmt.Errorf("bootimg: unknown compression")

// ExtractRamdisk decompresses a ramdisk blob and unpacks its CPIO archive
// into destDir. It requires an "init" file to exist at the tree root
// afterward, per the invariant that a valid Android/UbuntuTouch ramdisk
// always has one.
func ExtractRamdisk(ramdisk []byte, destDir string) (Compression, error) {
	c := DetectCompression(ramdisk)
	var raw []byte
	var err error
	switch c {
	case CompGzip:
		raw, err = gunzip(ramdisk)
	case CompLZ4:
		raw, err = lz4decompress(ramdisk)
	case CompLZMA:
		raw, err = lzmaDecompress(ramdisk)
	default:
		return c, ErrUnknownCompression
	}
	if err != nil {
		return c, fmt.Errorf("bootimg: decompressing ramdisk: %w", err)
	}
	if err := unpackCpio(raw, destDir); err != nil {
		return c, err
	}
	if _, err := os.Stat(fp.Join(destDir, "init")); err != nil {
		return c, fmt.Errorf("bootimg: extracted ramdisk has no init: %w", err)
	}
	return c, nil
}

// PackRamdisk walks srcDir, builds a newc CPIO archive, and compresses it
// with the requested format, matching whatever DetectCompression found on
// the original ramdisk so a repack never changes a device's expected
// ramdisk codec.
func PackRamdisk(srcDir string, c Compression) ([]byte, error) {
	raw, err := packCpio(srcDir)
	if err != nil {
		return nil, err
	}
	switch c {
	case CompGzip:
		return gzipCompress(raw)
	case CompLZ4:
		return lz4Compress(raw)
	case CompLZMA:
		return lzmaCompress(raw)
	}
	return nil, fmt.Errorf("bootimg: cannot recompress to %s", c)
}

func gunzip(b []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}

func gzipCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(b); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func lz4decompress(b []byte) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(b))
	return io.ReadAll(zr)
}

func lz4Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if err := zw.Apply(lz4.LegacyOption(true)); err != nil {
		return nil, err
	}
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lzmaDecompress handles the legacy .lzma-format ramdisk some older Android
// devices still ship (raw LZMA stream, no xz container), via the same
// library already pulled in for .xz handling elsewhere in the toolchain.
func lzmaDecompress(b []byte) ([]byte, error) {
	r, err := lzma.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func lzmaCompress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := lzma.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unpackCpio writes a newc CPIO archive's entries out under destDir, using
// u-root's cpio reader/recordreader rather than shelling out to cpio(1).
func unpackCpio(raw []byte, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	rr := cpio.Newc.Reader(bytes.NewReader(raw))
	for {
		rec, err := rr.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("bootimg: reading cpio record: %w", err)
		}
		if err := writeRecord(destDir, rec); err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(destDir string, rec cpio.Record) error {
	target := fp.Join(destDir, rec.Name)
	switch rec.Mode & cpio.S_IFMT {
	case cpio.S_IFDIR:
		return os.MkdirAll(target, 0755)
	case cpio.S_IFLNK:
		data, err := io.ReadAll(io.NewSectionReader(rec.ReaderAt, 0, int64(rec.FileSize)))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(fp.Dir(target), 0755); err != nil {
			return err
		}
		os.Remove(target)
		return os.Symlink(string(data), target)
	default:
		if err := os.MkdirAll(fp.Dir(target), 0755); err != nil {
			return err
		}
		perm := os.FileMode(rec.Mode &^ cpio.S_IFMT)
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(f, io.NewSectionReader(rec.ReaderAt, 0, int64(rec.FileSize)))
		return err
	}
}

// packCpio walks srcDir and builds a newc archive of every entry.
func packCpio(srcDir string) ([]byte, error) {
	var buf bytes.Buffer
	rw := cpio.Newc.Writer(&buf)
	err := fp.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		rel, err := fp.Rel(srcDir, path)
		if err != nil {
			return err
		}
		var rec cpio.Record
		switch {
		case info.IsDir():
			rec = cpio.Directory(rel, uint64(info.Mode().Perm()))
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			rec = cpio.Symlink(rel, link)
		default:
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			rec = cpio.StaticRecord(data, cpio.Info{
				Name:     rel,
				Mode:     cpio.S_IFREG | uint64(info.Mode().Perm()),
				FileSize: uint64(len(data)),
			})
		}
		if err := rw.WriteRecord(rec); err != nil {
			return fmt.Errorf("bootimg: writing cpio record %s: %w", rel, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := cpio.WriteTrailer(rw); err != nil {
		return nil, err
	}
	log.Logf("bootimg: packed ramdisk from %s (%d bytes)", srcDir, buf.Len())
	return buf.Bytes(), nil
}
