// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package config reads and writes the engine's flat key=value settings
// file, line-based rather than structured. Unknown keys are ignored on
// read; absent keys take defaults; writes always emit every field in
// canonical order so the file is diffable across versions.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/multirom-project/multirom-core/pkg/fileutil"
	"github.com/multirom-project/multirom-core/pkg/log"
)

// Config is the fixed, typed schema described in the data model. All fields
// are optional in the on-disk representation; a key that is absent keeps the
// documented default that Default gives it.
type Config struct {
	CurrentRom      string
	AutoBootSeconds int
	AutoBootRom     string
	Colors          int
	Brightness      int
	EnableAdb       int
	HideInternal    int
	IntDisplayName  string
	Rotation        int
}

// Default returns the documented default configuration. rotationDefault is
// supplied by the caller since it is device-specific.
func Default(rotationDefault int) Config {
	return Config{
		CurrentRom:      "Internal",
		AutoBootSeconds: 5,
		AutoBootRom:     "Internal",
		Colors:          0,
		Brightness:      40,
		EnableAdb:       0,
		HideInternal:    0,
		IntDisplayName:  "Internal",
		Rotation:        rotationDefault,
	}
}

// keyOrder fixes the canonical write order; field names match the
// on-disk key names verbatim so the file is recognizable to anyone who has
// read it.
var keyOrder = []string{
	"current_rom", "auto_boot_seconds", "auto_boot_rom", "colors",
	"brightness", "enable_adb", "hide_internal", "int_display_name", "rotation",
}

func (c Config) values() map[string]string {
	return map[string]string{
		"current_rom":      c.CurrentRom,
		"auto_boot_seconds": strconv.Itoa(c.AutoBootSeconds),
		"auto_boot_rom":     c.AutoBootRom,
		"colors":            strconv.Itoa(c.Colors),
		"brightness":        strconv.Itoa(c.Brightness),
		"enable_adb":        strconv.Itoa(c.EnableAdb),
		"hide_internal":     strconv.Itoa(c.HideInternal),
		"int_display_name":  c.IntDisplayName,
		"rotation":          strconv.Itoa(c.Rotation),
	}
}

// Load reads path, starting from defaults and overlaying any recognized
// keys found in the file. A missing or unreadable file yields defaults with
// no error, matching the documented "failure to open for read yields
// defaults" behavior.
func Load(path string, rotationDefault int) Config {
	c := Default(rotationDefault)
	lines, err := fileutil.ReadConfigLines(path, 0)
	if err != nil {
		return c
	}
	for _, l := range lines {
		k, v, ok := strings.Cut(l, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		applyKey(&c, k, v)
	}
	return c
}

func applyKey(c *Config, k, v string) {
	asInt := func() (int, bool) {
		n, err := strconv.Atoi(v)
		return n, err == nil
	}
	switch k {
	case "current_rom":
		c.CurrentRom = v
	case "auto_boot_seconds":
		if n, ok := asInt(); ok {
			c.AutoBootSeconds = n
		}
	case "auto_boot_rom":
		c.AutoBootRom = v
	case "colors":
		if n, ok := asInt(); ok {
			c.Colors = n
		}
	case "brightness":
		if n, ok := asInt(); ok {
			c.Brightness = n
		}
	case "enable_adb":
		if n, ok := asInt(); ok {
			c.EnableAdb = n
		}
	case "hide_internal":
		if n, ok := asInt(); ok {
			c.HideInternal = n
		}
	case "int_display_name":
		c.IntDisplayName = v
	case "rotation":
		if n, ok := asInt(); ok {
			c.Rotation = n
		}
	default:
		// unknown keys are ignored on read, per the fixed-schema contract
	}
}

// Save writes every field in canonical order. Failure to open the file for
// write is logged but not returned as an error - callers historically had no
// error channel for this path, and a config-save failure should never abort
// an in-progress ROM operation.
func Save(path string, c Config) {
	f, err := os.Create(path)
	if err != nil {
		log.Logf("config: failed to save %s: %s", path, err)
		return
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	vals := c.values()
	for _, k := range keyOrder {
		fmt.Fprintf(w, "%s=%s\n", k, vals[k])
	}
	if err := w.Flush(); err != nil {
		log.Logf("config: failed to flush %s: %s", path, err)
	}
}
