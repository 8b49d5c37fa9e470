// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package partition defines the narrow surface the ROM-lifecycle engine
// needs from a device's partition manager: snapshot/restore of the table,
// lookup by mountpoint, and insertion/removal of synthetic entries. The
// engine never owns a concrete partitioning implementation; it is injected
// as an interface value, decoupling callers from any one concrete
// partition-table representation.
//
// Callers that would otherwise reach a process-global partition table
// singleton instead go through a Manager value received at construction
// time.
package partition

import "fmt"

// Kind distinguishes the handful of partition roles the engine cares about.
type Kind int

const (
	KindSystem Kind = iota
	KindData
	KindCache
	KindBoot
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindSystem:
		return "system"
	case KindData:
		return "data"
	case KindCache:
		return "cache"
	case KindBoot:
		return "boot"
	}
	return "other"
}

// Partition is a single entry in the device's partition table, as far as
// the engine needs to see it. Backup is the flag the device's backup/restore
// tooling consults to decide whether a partition's content is included in a
// TWRP-style backup (relevant after MountHijack relabels /data).
type Partition struct {
	Kind        Kind
	MountPoint  string
	Display     string
	BlockDevice string
	SymlinkPath string
	StoragePath string
	Backup      bool
	Mounted     bool
}

// Clone returns a deep (value) copy, since Partition holds no pointers.
func (p Partition) Clone() Partition { return p }

// Snapshot is an opaque saved copy of a Manager's table, returned by
// Snapshot and consumed by Restore. Callers must treat it as opaque; the
// hijack transaction's correctness depends on Restore reproducing it
// exactly (invariant 3: restore leaves the table bitwise-equal).
type Snapshot struct {
	parts []Partition
}

// HasParts reports whether the snapshot holds any entries - false for the
// zero Snapshot, used by hijack's unwind path to avoid restoring an
// unpopulated snapshot before Hijack has reached the Snapshot() call.
func (s Snapshot) HasParts() bool { return s.parts != nil }

// Manager is the injected partition-table surface. The production
// implementation, System, seeds its table from blkid and mounts with real
// mount(2) calls; tests use InMemory below.
type Manager interface {
	// Snapshot returns a deep copy of the current table.
	Snapshot() Snapshot
	// Restore replaces the current table with a previously captured one.
	Restore(Snapshot) error
	// Find returns the partition mounted at mountpoint, or ok=false.
	Find(mountpoint string) (Partition, bool)
	// Remove unmounts and deallocates the partition at mountpoint.
	Remove(mountpoint string) error
	// Insert adds a new synthetic partition to the table. It is not mounted
	// until Mount is called.
	Insert(p Partition) error
	// Mount mounts the partition previously inserted at mountpoint.
	Mount(mountpoint string) error
	// Unmount unmounts the partition at mountpoint without removing it from
	// the table.
	Unmount(mountpoint string) error
	// WriteFstab persists the current table as a device fstab.
	WriteFstab() error
}

// InMemory is a reference Manager used by tests and by the CLI's dry-run
// mode. It is not a production partition driver; it has no notion of real
// block devices, loop devices, or /proc/mounts.
type InMemory struct {
	byMount map[string]Partition
	order   []string
}

func NewInMemory(initial ...Partition) *InMemory {
	m := &InMemory{byMount: map[string]Partition{}}
	for _, p := range initial {
		m.byMount[p.MountPoint] = p
		m.order = append(m.order, p.MountPoint)
	}
	return m
}

var _ Manager = (*InMemory)(nil)

func (m *InMemory) Snapshot() Snapshot {
	s := Snapshot{}
	for _, mp := range m.order {
		s.parts = append(s.parts, m.byMount[mp].Clone())
	}
	return s
}

func (m *InMemory) Restore(s Snapshot) error {
	m.byMount = map[string]Partition{}
	m.order = nil
	for _, p := range s.parts {
		m.byMount[p.MountPoint] = p
		m.order = append(m.order, p.MountPoint)
	}
	return nil
}

func (m *InMemory) Find(mountpoint string) (Partition, bool) {
	p, ok := m.byMount[mountpoint]
	return p, ok
}

func (m *InMemory) Remove(mountpoint string) error {
	if _, ok := m.byMount[mountpoint]; !ok {
		return fmt.Errorf("partition: no entry for %s", mountpoint)
	}
	delete(m.byMount, mountpoint)
	for i, mp := range m.order {
		if mp == mountpoint {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *InMemory) Insert(p Partition) error {
	if _, exists := m.byMount[p.MountPoint]; exists {
		return fmt.Errorf("partition: %s already present", p.MountPoint)
	}
	m.byMount[p.MountPoint] = p
	m.order = append(m.order, p.MountPoint)
	return nil
}

func (m *InMemory) Mount(mountpoint string) error {
	p, ok := m.byMount[mountpoint]
	if !ok {
		return fmt.Errorf("partition: no entry for %s", mountpoint)
	}
	p.Mounted = true
	m.byMount[mountpoint] = p
	return nil
}

func (m *InMemory) Unmount(mountpoint string) error {
	p, ok := m.byMount[mountpoint]
	if !ok {
		return fmt.Errorf("partition: no entry for %s", mountpoint)
	}
	p.Mounted = false
	m.byMount[mountpoint] = p
	return nil
}

func (m *InMemory) WriteFstab() error { return nil }
