// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package partition

import (
	"fmt"
	"os"
	fp "path/filepath"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"github.com/u-root/u-root/pkg/mount"

	"github.com/multirom-project/multirom-core/pkg/log"
)

// BlkidRunner is the single external call System needs at construction:
// the real partition table is discovered once from blkid(8) output (the
// partition table itself - sgdisk/parted edits - stays the external
// collaborator's job; System only ever mounts/unmounts/bind-mounts entries
// it already knows about).
type BlkidRunner interface {
	Blkid() (string, error)
}

// System is the production Manager: its initial table comes from a single
// blkid scan, and Mount/Unmount/Insert perform real mount(2)/umount(2)
// syscalls via u-root/pkg/mount rather than touching an in-memory fake.
type System struct {
	// FstabPath, if set, is where WriteFstab persists the current table.
	FstabPath string

	mu      sync.Mutex
	byMount map[string]Partition
	order   []string
	mounted map[string]*mount.MountPoint
}

var _ Manager = (*System)(nil)

// NewSystem scans blkid once to seed the table with every partition the
// kernel already knows about, each keyed by its block device path
// (/proc/mounts is not read).
func NewSystem(run BlkidRunner) (*System, error) {
	out, err := run.Blkid()
	if err != nil {
		return nil, fmt.Errorf("partition: scanning blkid: %w", err)
	}
	s := &System{byMount: map[string]Partition{}, mounted: map[string]*mount.MountPoint{}}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		p, ok := parseBlkidLine(line)
		if !ok {
			continue
		}
		s.byMount[p.MountPoint] = p
		s.order = append(s.order, p.MountPoint)
	}
	return s, nil
}

// parseBlkidLine turns a single `/dev/sda1: UUID="..." TYPE="ext4" ...` line
// into a Partition keyed by block device path (MountPoint holds the device
// path, and Mount does not change it, so Find and Mount key lookups by
// device).
func parseBlkidLine(line string) (Partition, bool) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return Partition{}, false
	}
	dev := line[:idx]
	fields, err := shlex.Split(line[idx+1:])
	if err != nil {
		return Partition{}, false
	}
	p := Partition{BlockDevice: dev, MountPoint: dev}
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.EqualFold(kv[0], "TYPE") {
			p.Display = strings.Trim(kv[1], `"`)
		}
	}
	return p, true
}

func (s *System) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{}
	for _, mp := range s.order {
		snap.parts = append(snap.parts, s.byMount[mp].Clone())
	}
	return snap
}

func (s *System) Restore(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byMount = map[string]Partition{}
	s.order = nil
	for _, p := range snap.parts {
		s.byMount[p.MountPoint] = p
		s.order = append(s.order, p.MountPoint)
	}
	return nil
}

func (s *System) Find(mountpoint string) (Partition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byMount[mountpoint]
	return p, ok
}

func (s *System) Remove(mountpoint string) error {
	if err := s.Unmount(mountpoint); err != nil {
		log.Logf("partition: unmounting %s during remove: %s", mountpoint, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byMount[mountpoint]; !ok {
		return fmt.Errorf("partition: no entry for %s", mountpoint)
	}
	delete(s.byMount, mountpoint)
	for i, mp := range s.order {
		if mp == mountpoint {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *System) Insert(p Partition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byMount[p.MountPoint]; exists {
		return fmt.Errorf("partition: %s already present", p.MountPoint)
	}
	if p.BlockDevice == "" {
		// Synthetic bind-mount partitions (hijack's sandbox entries) have no
		// real block device; give them a stable identity anyway so logs can
		// distinguish one synthesized partition from another.
		p.Display = uuid.NewString()
	}
	s.byMount[p.MountPoint] = p
	s.order = append(s.order, p.MountPoint)
	return nil
}

// Mount mounts the partition registered at mountpoint. An entry with
// StoragePath set is bind-mounted from StoragePath; everything else is a
// normal block-device or loop mount of BlockDevice.
func (s *System) Mount(mountpoint string) error {
	s.mu.Lock()
	p, ok := s.byMount[mountpoint]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("partition: no entry for %s", mountpoint)
	}

	var mp *mount.MountPoint
	var err error
	if p.StoragePath != "" {
		mp, err = mount.Mount(p.StoragePath, mountpoint, "", "", mount.MS_BIND)
	} else {
		mp, err = mount.Mount(p.BlockDevice, mountpoint, p.Display, "", 0)
	}
	if err != nil {
		return fmt.Errorf("partition: mounting %s at %s: %w", p.BlockDevice, mountpoint, err)
	}

	s.mu.Lock()
	p.Mounted = true
	s.byMount[mountpoint] = p
	s.mounted[mountpoint] = mp
	s.mu.Unlock()
	return nil
}

func (s *System) Unmount(mountpoint string) error {
	s.mu.Lock()
	p, ok := s.byMount[mountpoint]
	mp := s.mounted[mountpoint]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("partition: no entry for %s", mountpoint)
	}
	if mp != nil {
		if err := mp.Unmount(0); err != nil {
			return fmt.Errorf("partition: unmounting %s: %w", mountpoint, err)
		}
	}
	s.mu.Lock()
	p.Mounted = false
	s.byMount[mountpoint] = p
	delete(s.mounted, mountpoint)
	s.mu.Unlock()
	return nil
}

// WriteFstab writes the current table to FstabPath, if set, in the standard
// six-field fstab format, for the (rare) ROM types that chroot into the
// sandbox and expect to read their own mount table back. A zero-valued
// FstabPath is a deliberate no-op, matching InMemory's behavior for tests
// that never set one.
func (s *System) WriteFstab() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FstabPath == "" {
		return nil
	}
	var b strings.Builder
	for _, mp := range s.order {
		p := s.byMount[mp]
		dev := p.BlockDevice
		if dev == "" {
			dev = p.StoragePath
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\tdefaults\t0\t0\n", dev, mp, p.Display)
	}
	return os.WriteFile(fp.Clean(s.FstabPath), []byte(b.String()), 0644)
}
