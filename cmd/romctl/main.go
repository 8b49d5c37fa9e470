// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Command romctl is a thin cobra wrapper over the programmatic ROM-lifecycle
// operations in pkg/engine, pkg/installer and pkg/cachescript, exposed as a
// scriptable CLI - the recovery UI remains the normal caller of those
// packages directly, but this binary lets the same operations run from a
// shell for testing or manual recovery.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/multirom-project/multirom-core/pkg/cachescript"
	"github.com/multirom-project/multirom-core/pkg/engine"
	"github.com/multirom-project/multirom-core/pkg/hijack"
	"github.com/multirom-project/multirom-core/pkg/installer"
	"github.com/multirom-project/multirom-core/pkg/location"
	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/log/flags"
	"github.com/multirom-project/multirom-core/pkg/log/uisink"
	"github.com/multirom-project/multirom-core/pkg/partition"
)

var buildId string

var (
	flagDryRun bool
	eng        *engine.Engine
	run        installer.Runner = installer.ExecRunner{}
)

func main() {
	uisink.Add(os.Stdout, flags.EndUser|flags.Fatal)
	root := &cobra.Command{
		Use:               "romctl",
		Short:             "Operate on installed ROMs",
		PersistentPreRunE: initEngine,
	}
	root.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "use an in-memory partition table instead of the real device")

	root.AddCommand(
		listRomsCmd(),
		listLocationsCmd(),
		addRomCmd(),
		eraseCmd(),
		moveCmd(),
		wipeCmd(),
		flashZipCmd(),
		patchInitCmd(),
		cacheScriptsCmd(),
		failsafeCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initEngine(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "failsafe-check-boot-partition" {
		return nil // runs before the engine can even locate a root
	}
	var pm = partitionManager()
	e, err := engine.New(engine.Options{
		PartitionManager: pm,
		LocationRunner:   location.ExecRunner{},
	})
	if err != nil {
		return fmt.Errorf("romctl: %w", err)
	}
	eng = e
	return nil
}

func partitionManager() partition.Manager {
	if flagDryRun {
		return partition.NewInMemory()
	}
	pm, err := partition.NewSystem(location.ExecRunner{})
	if err != nil {
		log.Fatalf("romctl: scanning partitions: %s", err)
	}
	return pm
}

func listRomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-roms",
		Short: "list_roms",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := eng.ListRoms()
			if err != nil {
				return err
			}
			for _, i := range infos {
				fmt.Printf("%-20s %s\n", i.Name, i.Type)
			}
			return nil
		},
	}
}

func listLocationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-install-locations",
		Short: "list_install_locations",
		RunE: func(cmd *cobra.Command, args []string) error {
			locs, err := eng.ListInstallLocations()
			if err != nil {
				return err
			}
			for _, l := range locs {
				fmt.Println(l)
			}
			return nil
		},
	}
}

func addRomCmd() *cobra.Command {
	var kind, loc, trampoline string
	var inject bool
	c := &cobra.Command{
		Use:   "add-rom <file>",
		Short: "add_rom(zip, os, loc)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if loc != "" {
				if err := eng.Location.SetRomsPath(loc); err != nil {
					return err
				}
			}
			var src installer.RomSource
			switch kind {
			case "zip":
				src = &installer.ZipSource{ZipPath: args[0], TrampolinePath: trampoline, InjectTrampoline: inject}
			case "backup":
				src = &installer.TwrpBackupSource{BackupDir: args[0], TrampolinePath: trampoline, InjectTrampoline: inject}
			case "desktop":
				src = &installer.DesktopSource{ImageGzPath: args[0]}
			default:
				return fmt.Errorf("unknown --kind %q (want zip, backup, or desktop)", kind)
			}
			name, err := installer.AddRom(eng, run, args[0], src, kind == "backup")
			if err != nil {
				return err
			}
			fmt.Println(name)
			return nil
		},
	}
	c.Flags().StringVar(&kind, "kind", "zip", "zip, backup, or desktop")
	c.Flags().StringVar(&loc, "loc", "", "install location, as reported by list-install-locations")
	c.Flags().StringVar(&trampoline, "trampoline", "", "trampoline binary to inject")
	c.Flags().BoolVar(&inject, "inject-trampoline", false, "inject the trampoline into the extracted boot ramdisk")
	return c
}

func eraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "erase <name>",
		Short: "erase(name)",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return eng.Erase(args[0]) },
	}
}

func moveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <name> <location>",
		Short: "move(from, to)",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return eng.Move(args[0], args[1]) },
	}
}

func wipeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wipe <name> <system|data|cache|dalvik>",
		Short: "wipe(name, what)",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return eng.Wipe(args[0], args[1]) },
	}
}

func flashZipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flash-zip <name> <zip>",
		Short: "flash_zip(rom, file)",
		Args:  cobra.ExactArgs(2),
		RunE:  func(cmd *cobra.Command, args []string) error { return installer.FlashZip(eng, run, args[0], args[1]) },
	}
}

func patchInitCmd() *cobra.Command {
	var trampoline string
	c := &cobra.Command{
		Use:   "patch-init <name>",
		Short: "patch_init(name)",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return eng.PatchInit(args[0], trampoline) },
	}
	c.Flags().StringVar(&trampoline, "trampoline", "", "trampoline binary to inject")
	c.MarkFlagRequired("trampoline")
	return c
}

func cacheScriptsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute-cache-scripts",
		Short: "execute_cache_scripts()",
		RunE: func(cmd *cobra.Command, args []string) error {
			cands, err := cachescript.Scan(eng)
			if err != nil {
				return err
			}
			c, ok := cachescript.Newest(cands)
			if !ok {
				fmt.Println("no queued scripts")
				return nil
			}
			reboot, err := cachescript.Run(eng, cacheRunnerAdapter{run}, c)
			if err != nil {
				return err
			}
			if reboot {
				fmt.Println("reboot requested")
			}
			return nil
		},
	}
}

func failsafeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "failsafe-check-boot-partition",
		Short: "failsafe_check_boot_partition()",
		RunE: func(cmd *cobra.Command, args []string) error {
			return hijack.FailsafeCheckBootPartition()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "print the build id this binary was compiled with",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildId)
			return nil
		},
	}
}

// cacheRunnerAdapter narrows installer.Runner down to cachescript.Runner's
// smaller surface (no RunIn, cache scripts never need a working directory
// override).
type cacheRunnerAdapter struct{ r installer.Runner }

func (a cacheRunnerAdapter) Run(argv ...string) (string, string, error) { return a.r.Run(argv...) }
