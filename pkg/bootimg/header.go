// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package bootimg extracts and repacks Android boot images: header parsing,
// ramdisk compression autodetection, trampoline injection, and a
// cached trampoline-version probe.
//
// The header layout is grounded on the Android boot.img format as parsed by
// other_examples' goget-ubuntu-touch bootimg tool (Canonical's flashing
// helper); this package generalizes that read-only parser into a
// read-modify-write codec able to substitute the ramdisk and rewrite the
// header in place, which the inject/extract pipeline requires.
package bootimg

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const Magic = "ANDROID!"
const magicLen = 8
const nameLen = 16
const cmdlineLen = 512
const idLen = 8 // 8 uint32s

// Header mirrors the on-disk Android boot image header, field for field.
type Header struct {
	KernelSize  uint32
	KernelAddr  uint32
	RamdiskSize uint32
	RamdiskAddr uint32
	SecondSize  uint32
	SecondAddr  uint32
	TagsAddr    uint32
	PageSize    uint32
	HeaderVer   uint32
	OsVersion   uint32
	Name        [nameLen]byte
	Cmdline     [cmdlineLen]byte
	Id          [idLen]uint32
}

// Image is a parsed boot image: header plus the three payload blobs.
type Image struct {
	Header  Header
	Kernel  []byte
	Ramdisk []byte
	Second  []byte
}

// pageAlign rounds n up to the next multiple of page.
func pageAlign(n, page uint32) uint32 {
	if page == 0 {
		return n
	}
	if n%page == 0 {
		return n
	}
	return n + (page - n%page)
}

// Parse decodes a raw boot.img buffer into an Image. It does not copy the
// kernel/ramdisk/second slices further than necessary; callers that retain
// the original buf and an Image should not mutate buf afterward.
func Parse(buf []byte) (Image, error) {
	var img Image
	if len(buf) < magicLen || string(buf[:magicLen]) != Magic {
		return img, errors.New("bootimg: missing ANDROID! magic")
	}
	r := bytes.NewReader(buf[magicLen:])
	h := &img.Header
	for _, f := range []*uint32{
		&h.KernelSize, &h.KernelAddr,
		&h.RamdiskSize, &h.RamdiskAddr,
		&h.SecondSize, &h.SecondAddr,
		&h.TagsAddr, &h.PageSize,
		&h.HeaderVer, &h.OsVersion,
	} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return img, fmt.Errorf("bootimg: reading header: %w", err)
		}
	}
	if _, err := r.Read(h.Name[:]); err != nil {
		return img, fmt.Errorf("bootimg: reading name: %w", err)
	}
	if _, err := r.Read(h.Cmdline[:]); err != nil {
		return img, fmt.Errorf("bootimg: reading cmdline: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Id); err != nil {
		return img, fmt.Errorf("bootimg: reading id: %w", err)
	}

	kernelOff := h.PageSize
	ramdiskOff := kernelOff + pageAlign(h.KernelSize, h.PageSize)
	secondOff := ramdiskOff + pageAlign(h.RamdiskSize, h.PageSize)

	if int(kernelOff+h.KernelSize) > len(buf) || int(ramdiskOff+h.RamdiskSize) > len(buf) {
		return img, errors.New("bootimg: header sizes exceed file length")
	}
	img.Kernel = buf[kernelOff : kernelOff+h.KernelSize]
	img.Ramdisk = buf[ramdiskOff : ramdiskOff+h.RamdiskSize]
	if h.SecondSize > 0 && int(secondOff+h.SecondSize) <= len(buf) {
		img.Second = buf[secondOff : secondOff+h.SecondSize]
	}
	return img, nil
}

// SetName stamps the header's name field, truncating/zero-padding to
// nameLen bytes. Used to write "tr_ver<N>" when the output target is not
// the boot block device.
func (h *Header) SetName(name string) {
	var buf [nameLen]byte
	copy(buf[:], name)
	h.Name = buf
}

// Marshal reserializes the image, recomputing every size field from the
// current Kernel/Ramdisk/Second slices and zero-padding each section to a
// page boundary, per the "zero the image size, let the codec recompute"
// directive.
func (img *Image) Marshal() ([]byte, error) {
	h := &img.Header
	h.KernelSize = uint32(len(img.Kernel))
	h.RamdiskSize = uint32(len(img.Ramdisk))
	h.SecondSize = uint32(len(img.Second))
	if h.PageSize == 0 {
		h.PageSize = 2048
	}

	var buf bytes.Buffer
	buf.WriteString(Magic)
	for _, f := range []uint32{
		h.KernelSize, h.KernelAddr,
		h.RamdiskSize, h.RamdiskAddr,
		h.SecondSize, h.SecondAddr,
		h.TagsAddr, h.PageSize,
		h.HeaderVer, h.OsVersion,
	} {
		if err := binary.Write(&buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	buf.Write(h.Name[:])
	buf.Write(h.Cmdline[:])
	if err := binary.Write(&buf, binary.LittleEndian, h.Id); err != nil {
		return nil, err
	}
	padTo(&buf, h.PageSize)

	buf.Write(img.Kernel)
	padTo(&buf, h.PageSize)

	buf.Write(img.Ramdisk)
	padTo(&buf, h.PageSize)

	if len(img.Second) > 0 {
		buf.Write(img.Second)
		padTo(&buf, h.PageSize)
	}
	return buf.Bytes(), nil
}

func padTo(buf *bytes.Buffer, page uint32) {
	if page == 0 {
		return
	}
	rem := uint32(buf.Len()) % page
	if rem == 0 {
		return
	}
	buf.Write(make([]byte, page-rem))
}
