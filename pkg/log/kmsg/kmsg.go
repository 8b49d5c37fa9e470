// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package kmsg writes to the kernel ring buffer (/dev/kmsg). The trampoline
// runs before any console or recovery-UI sink is attached, so its earliest
// diagnostics (finding the MultiROM root, choosing a ROM to boot) have
// nowhere else to go. Process must run as root.
package kmsg

import (
	"fmt"
	"io"
	"os"

	"github.com/multirom-project/multirom-core/pkg/log"
)

type Priority uint

func Prio(f Facility, s Severity) Priority { return Priority(f*8) + Priority(s) }

type Facility uint

const (
	FacUser  Facility = 1
	FacSys   Facility = 3
	FacBoot  Facility = 4
	FacLocal Facility = 16
)

type Severity uint

const (
	SevEmerg Severity = iota
	SevAlert
	SevCrit
	SevError
	SevWarn
	SevNotice
)

var defaultPrio = &WithPrio{prio: Prio(FacUser, SevNotice)}

// Printf writes to /dev/kmsg and stderr using the default (user/notice)
// priority. kmsg is not kept open between calls - not for frequent use.
func Printf(f string, va ...interface{}) { defaultPrio.Printf(f, va...) }

type WithPrio struct {
	f    io.WriteCloser
	prio Priority
	pfx  string
}

func New(f Facility, s Severity, pfx string) *WithPrio {
	if f == 0 {
		fmt.Fprintln(os.Stderr, "cannot use facility 0")
		return nil
	}
	kmsg := openKmsg()
	if kmsg == nil {
		return nil
	}
	return &WithPrio{prio: Prio(f, s), f: kmsg, pfx: pfx}
}

func (km *WithPrio) Printf(f string, va ...interface{}) {
	msg := km.tag() + fmt.Sprintf(f, va...)
	fmt.Fprintln(os.Stderr, msg)
	km.write(msg)
}

// Logf writes to kmsg and forwards to pkg/log, without duplicating to
// stdout/stderr itself.
func (km *WithPrio) Logf(f string, va ...interface{}) {
	km.write(km.tag() + fmt.Sprintf(f, va...))
	log.Logf(f, va...)
}

func (km *WithPrio) tag() string {
	if km == nil {
		return ""
	}
	msg := fmt.Sprintf("<%d>", km.prio)
	if len(km.pfx) > 0 {
		msg += km.pfx + ": "
	}
	return msg
}

func (km *WithPrio) write(msg string) {
	if km == nil {
		return
	}
	kmsg := km.f
	if kmsg == nil {
		kmsg = openKmsg()
		if kmsg == nil {
			return
		}
		defer kmsg.Close()
	}
	fmt.Fprint(kmsg, msg)
}

func (km *WithPrio) Close() error {
	err := km.f.Close()
	km.f = nil
	return err
}

func openKmsg() *os.File {
	kmsg, err := os.OpenFile("/dev/kmsg", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open /dev/kmsg: %s\n", err)
		return nil
	}
	return kmsg
}
