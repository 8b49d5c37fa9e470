// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Command trampoline replaces /init in a device's real boot ramdisk. It
// runs before the normal OS init, decides which installed ROM to boot
// (honoring the configured auto-boot timer or an interactive override),
// repairs a crash-interrupted fake-boot-partition hijack if one is found,
// and finally re-execs the chosen ROM's own init in its place.
//
// See github.com/multirom-project/multirom-core/pkg/engine for the
// lifecycle operations this binary drives.
package main

import (
	"fmt"
	"os"
	"os/signal"
	fp "path/filepath"
	"syscall"
	"time"

	"github.com/multirom-project/multirom-core/pkg/engine"
	"github.com/multirom-project/multirom-core/pkg/hijack"
	"github.com/multirom-project/multirom-core/pkg/location"
	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/log/flags"
	"github.com/multirom-project/multirom-core/pkg/log/kmsg"
	"github.com/multirom-project/multirom-core/pkg/log/uisink"
	"github.com/multirom-project/multirom-core/pkg/partition"
)

// buildId is set at compile time via $BUILD_INFO, to identify exactly which
// binary produced a given boot log.
var buildId string

func main() {
	km := kmsg.New(kmsg.FacBoot, kmsg.SevNotice, "trampoline")
	km.Logf("buildId: %s", buildId)

	if err := hijack.FailsafeCheckBootPartition(); err != nil {
		km.Logf("failsafe boot partition check: %s", err)
	}

	log.AddLogger(mustKmsgSink(km), false)
	uisink.Add(os.Stdout, flags.EndUser|flags.Fatal)

	pm, err := partition.NewSystem(location.ExecRunner{})
	if err != nil {
		log.Fatalf("scanning partition table: %s", err)
	}

	e, err := engine.New(engine.Options{
		PartitionManager: pm,
		LocationRunner:   location.ExecRunner{},
		RotationDefault:  0,
		VersionCacheDir:  "/data/multirom/.trampoline-version-cache",
	})
	if err != nil {
		log.Fatalf("locating multirom root: %s", err)
	}
	defer e.Close()

	target := chooseBootTarget(e)
	log.Msgf("booting %s", target)

	root := e.Directory()
	infos, err := root.List()
	if err != nil {
		log.Fatalf("listing roms: %s", err)
	}
	var chosen string
	for _, info := range infos {
		if info.Name == target {
			chosen = info.Root
			break
		}
	}
	if chosen == "" {
		log.Fatalf("configured rom %q not found", target)
	}

	chainload(chosen)
}

func mustKmsgSink(km *kmsg.WithPrio) log.StackableLogger {
	return &kmsgSink{km: km}
}

type kmsgSink struct {
	km   *kmsg.WithPrio
	next log.StackableLogger
}

func (s *kmsgSink) AddEntry(e log.LogEntry) {
	s.km.Logf(e.Msg, e.Args...)
	if s.next != nil {
		s.next.AddEntry(e)
	}
}
func (s *kmsgSink) ForwardTo(n log.StackableLogger) { s.next = n }
func (s *kmsgSink) Ident() string                   { return "kmsg" }
func (s *kmsgSink) Next() log.StackableLogger       { return s.next }
func (s *kmsgSink) Finalize()                       { s.km.Close() }

// chooseBootTarget honors the configured current_rom immediately unless an
// auto-boot timer is set, in which case it waits for an interactive
// override (SIGUSR1, raised by the recovery UI's menu) before falling back
// to auto_boot_rom.
func chooseBootTarget(e *engine.Engine) string {
	cfg := e.Config
	if cfg.AutoBootSeconds <= 0 {
		return cfg.CurrentRom
	}
	sig := make(chan os.Signal, 1)
	notifyUsr1(sig)
	select {
	case <-sig:
		log.Msg("boot interrupted, staying on configured current rom")
		return cfg.CurrentRom
	case <-time.After(time.Duration(cfg.AutoBootSeconds) * time.Second):
		return cfg.AutoBootRom
	}
}

// notifyUsr1 arranges for sig to receive SIGUSR1, the signal the recovery
// UI's boot menu raises to interrupt the auto-boot countdown.
func notifyUsr1(sig chan os.Signal) {
	signal.Notify(sig, syscall.SIGUSR1)
}

// chainload execs romRoot's own init (or main_init, if a trampoline has
// already been spliced into this ROM in a previous boot) in place of this
// process, the final step of the handoff.
func chainload(romRoot string) {
	initPath := fp.Join(romRoot, "boot", "main_init")
	if _, err := os.Stat(initPath); os.IsNotExist(err) {
		initPath = fp.Join(romRoot, "boot", "init")
	}
	log.Preboot.Perform(true)
	err := syscall.Exec(initPath, []string{initPath}, os.Environ())
	fmt.Fprintf(os.Stderr, "exec %s failed: %s\n", initPath, err)
	os.Exit(1)
}
