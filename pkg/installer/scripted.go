// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package installer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	fp "path/filepath"

	"github.com/alecthomas/jsonschema"
	jsonschemav5 "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/multirom-project/multirom-core/pkg/hijack"
	"github.com/multirom-project/multirom-core/pkg/rom"
)

// Manifest is a scripted installer's declared shape: an ordered set of base
// folders (directories or loop images), a chosen root-dir tarball, and
// optional pre/post-install hook scripts. It is handed to us by an external
// manifest parser (out of scope, §1); we only validate and consume it.
type Manifest struct {
	Name        string       `json:"name" jsonschema:"required,description=Human-readable installer name"`
	RootTarball string       `json:"root_tarball" jsonschema:"required,description=Tarball extracted to the ROM root"`
	BaseFolders []BaseFolder `json:"base_folders" jsonschema:"maxItems=5"`
	PreInstall  string       `json:"pre_install,omitempty"`
	PostInstall string       `json:"post_install,omitempty"`
	ImageBacked bool         `json:"image_backed,omitempty"`
}

// manifestSchema is generated once from the Manifest struct (rather than
// hand-maintained as a parallel JSON file) so the validator never drifts
// from the Go type it's checking.
var manifestSchema = jsonschema.Reflect(&Manifest{})

// ValidateManifest checks raw JSON against the generated schema before any
// directory is created, returning every violation found.
func ValidateManifest(raw []byte) (*Manifest, error) {
	schemaJSON, err := json.Marshal(manifestSchema)
	if err != nil {
		return nil, fmt.Errorf("installer: marshaling manifest schema: %w", err)
	}
	compiler := jsonschemav5.NewCompiler()
	if err := compiler.AddResource("manifest.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("installer: compiling manifest schema: %w", err)
	}
	sch, err := compiler.Compile("manifest.json")
	if err != nil {
		return nil, fmt.Errorf("installer: compiling manifest schema: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("installer: parsing manifest: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("installer: manifest failed validation: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ScriptedInstallerSource populates a ROM from a validated Manifest: mount
// base images if image-backed, run pre_install, extract the root tarball
// and per-base-folder tarballs, run post_install, unmount base images.
type ScriptedInstallerSource struct {
	Manifest *Manifest
	Tarballs map[string]string // base folder name -> tarball path; "" key is the root tarball
}

var _ RomSource = (*ScriptedInstallerSource)(nil)

func (s *ScriptedInstallerSource) Kind() SourceKind { return KindScriptedInstaller }

func (s *ScriptedInstallerSource) PrepareLayout() (Layout, error) {
	if err := CheckFreeSpace(s.Manifest.BaseFolders); err != nil {
		return Layout{}, err
	}
	mode := rom.ScriptedInstallerExtDir
	if s.Manifest.ImageBacked {
		mode = rom.ScriptedInstallerExtImage
	}
	return Layout{Mode: mode, BaseFolders: s.Manifest.BaseFolders}, nil
}

func (s *ScriptedInstallerSource) Populate(ctx *Context) error {
	if s.Manifest.ImageBacked {
		for _, bf := range s.Manifest.BaseFolders {
			img := fp.Join(ctx.RomRoot, bf.Name+".img")
			mp := fp.Join(ctx.RomRoot, bf.Name)
			if err := os.MkdirAll(mp, 0755); err != nil {
				return err
			}
			if _, _, err := ctx.Run.Run("mount", "-o", "loop", img, mp); err != nil {
				return fmt.Errorf("installer: loop-mounting base folder %s: %w", bf.Name, err)
			}
		}
	}

	if s.Manifest.PreInstall != "" {
		if _, _, err := ctx.Run.RunIn(ctx.RomRoot, "sh", s.Manifest.PreInstall); err != nil {
			return fmt.Errorf("installer: pre_install hook: %w", err)
		}
	}

	if root, ok := s.Tarballs[""]; ok {
		if _, _, err := ctx.Run.Run("gnutar", "--numeric-owner", "-x", "-C", ctx.RomRoot, "-f", root); err != nil {
			return fmt.Errorf("installer: extracting root tarball: %w", err)
		}
	}
	for _, bf := range s.Manifest.BaseFolders {
		tb, ok := s.Tarballs[bf.Name]
		if !ok {
			continue
		}
		dest := fp.Join(ctx.RomRoot, bf.Name)
		if _, _, err := ctx.Run.Run("gnutar", "--numeric-owner", "-x", "-C", dest, "-f", tb); err != nil {
			return fmt.Errorf("installer: extracting base folder %s: %w", bf.Name, err)
		}
	}

	if s.Manifest.PostInstall != "" {
		if _, _, err := ctx.Run.RunIn(ctx.RomRoot, "sh", s.Manifest.PostInstall); err != nil {
			return fmt.Errorf("installer: post_install hook: %w", err)
		}
	}

	// Persist the validated manifest alongside the rom: rom.Directory.Classify
	// keys scripted-installer roms off its presence, and a later romctl
	// invocation may want to re-inspect what this rom was installed from.
	raw, err := json.Marshal(s.Manifest)
	if err != nil {
		return fmt.Errorf("installer: re-marshaling manifest: %w", err)
	}
	if err := os.WriteFile(fp.Join(ctx.RomRoot, "manifest.json"), raw, 0644); err != nil {
		return fmt.Errorf("installer: writing manifest.json: %w", err)
	}
	return nil
}

func (s *ScriptedInstallerSource) Finalize(ctx *Context) {
	if !s.Manifest.ImageBacked {
		return
	}
	for _, bf := range s.Manifest.BaseFolders {
		mp := fp.Join(ctx.RomRoot, bf.Name)
		if _, _, err := ctx.Run.Run("umount", mp); err != nil {
			_ = err // best-effort cleanup; Finalize never returns an error
		}
	}
}

var _ = hijack.ModeDirectory // scripted installs mount base images directly, no hijack needed
