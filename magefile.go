// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

//go:build mage

/*
 build file for mage build system
 list tgts with
go run mage.go -l

 build tgt with
go run mage.go tgt
*/

package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	fp "path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/magefile/mage/target"
	"github.com/u-root/u-root/pkg/cpio"
	"github.com/u-root/u-root/pkg/uroot/initramfs"
)

var (
	workDir    = fp.Join(".", "work")
	cmdRomctl  = "./cmd/romctl"
	cmdTramp   = "./cmd/trampoline"
	romctlBin  = fp.Join(workDir, "romctl")
	tramplBin  = fp.Join(workDir, "trampoline")
	overlayDir = "overlay"
	bootCpio   = fp.Join(workDir, "boot.cpio")
)

// Build compiles romctl and the trampoline init replacement.
func Build(ctx context.Context) error {
	mg.CtxDeps(ctx, mkWorkDir)
	if err := build(romctlBin, cmdRomctl); err != nil {
		return err
	}
	return build(tramplBin, cmdTramp)
}

// Test runs go test across the whole module, scoped away from the work dir
// and the read-only example corpus so a rerun of `go test ./...` from repo
// root doesn't trip over either.
func Test(ctx context.Context) error {
	return sh.RunV("go", "test", "./cmd/...", "./pkg/...", "./testing/...")
}

// Lint runs go vet, the cheapest check worth gating a commit on.
func Lint(ctx context.Context) error {
	return sh.RunV("go", "vet", "./cmd/...", "./pkg/...", "./testing/...")
}

type Initramfs mg.Namespace

// Boot assembles the trampoline binary and an overlay/ tree (fstab override,
// busybox applets, any device-specific scripts) into a cpio archive using
// the trampoline as init - the artifact that gets spliced into a ROM's boot
// image ramdisk by pkg/bootimg.Inject.
func (Initramfs) Boot(ctx context.Context) error {
	mg.CtxDeps(ctx, Build)
	rebuild, err := target.Dir(bootCpio, tramplBin, overlayDir)
	if err != nil {
		return err
	}
	if !rebuild {
		fmt.Println("skipping build of boot.cpio, up to date")
		return nil
	}
	files := initramfs.NewFiles()
	if err := files.AddFile(tramplBin, "init"); err != nil {
		return err
	}
	if err := addOverlay(files, overlayDir); err != nil {
		return err
	}
	return createInitramfs(bootCpio, files)
}

// Clean removes the work dir.
func Clean(ctx context.Context) error {
	return os.RemoveAll(workDir)
}

func mkWorkDir() error {
	return os.MkdirAll(workDir, 0755)
}

func build(out, pkg string) error {
	env := map[string]string{"CGO_ENABLED": "0"}
	return sh.RunWith(env, "go", "build", "-trimpath", "-ldflags", "-s -w", "-o", out, pkg)
}

// addOverlay walks dir (fstab override, busybox applets, any device-specific
// scripts) into files, destination paths relative to dir. A missing dir is
// not an error - the overlay tree is optional.
func addOverlay(files *initramfs.Files, dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return fp.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := fp.Rel(dir, path)
		if err != nil {
			return err
		}
		return files.AddFile(path, rel)
	})
}

// createInitramfs writes a newc-format cpio whose base archive is just
// enough directory/device-node scaffolding for an init process to run
// (/proc, /sys, /dev/console) - a ROM's own ramdisk already carries
// everything else, so this archive only needs to supply init (the
// trampoline) plus the scaffolding it needs before it can mount the ROM's
// real root.
func createInitramfs(outCpio string, files *initramfs.Files) error {
	logger := stdlog.New(os.Stderr, "initramfs: ", 0)
	archiver, err := initramfs.GetArchiver("cpio")
	if err != nil {
		return err
	}
	writer, err := archiver.OpenWriter(logger, outCpio)
	if err != nil {
		return err
	}
	records := []cpio.Record{
		cpio.Directory("proc", 0555),
		cpio.Directory("sys", 0555),
		cpio.Directory("dev", 0755),
		cpio.Directory("mnt", 0755),
		cpio.Directory("tmp", 01777),
		cpio.CharDev("dev/console", 0600, 5, 1),
		cpio.CharDev("dev/null", 0666, 1, 3),
	}
	cpio.MakeAllReproducible(records)
	base := cpio.ArchiveFromRecords(records).Reader()

	return initramfs.Write(&initramfs.Opts{
		Files:           files,
		BaseArchive:     base,
		OutputFile:      writer,
		UseExistingInit: true,
	})
}
