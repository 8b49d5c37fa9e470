// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package uisink is a StackableLog that writes events flagged EndUser to an
// io.Writer - typically the recovery UI's console, but any writer works
// (serial port, pipe to a supervising process). This is the "line-oriented
// print sink on the UI thread" from the engine's concurrency model: the UI
// thread only ever reads from this sink, it never mutates engine state.
//
// Generalized from a line-oriented panel-display logger that wrote only to
// a physical LCD; this package has no hardware dependency.
package uisink

import (
	"fmt"
	"io"
	"sync"

	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/log/flags"
)

// Add installs a uisink writing entries matching opts to w. opts is normally
// flags.EndUser; pass flags.EndUser|flags.Fatal to also surface fatal errors.
func Add(w io.Writer, opts flags.Flag) error {
	return log.AddLogger(&Sink{w: w, opts: opts}, false)
}

type Sink struct {
	mu   sync.Mutex
	w    io.Writer
	opts flags.Flag
	next log.StackableLogger
}

var _ log.StackableLogger = (*Sink)(nil)

func (s *Sink) AddEntry(e log.LogEntry) {
	if e.Flags&s.opts != 0 {
		s.mu.Lock()
		fmt.Fprintf(s.w, e.Msg+"\n", e.Args...)
		s.mu.Unlock()
	}
	if s.next != nil {
		s.next.AddEntry(e)
	}
}

func (s *Sink) ForwardTo(sl log.StackableLogger) {
	if s.next == nil || sl == nil {
		s.next = sl
	} else {
		panic("next already set")
	}
}

const Ident = "uisink"

func (*Sink) Ident() string           { return Ident }
func (s *Sink) Next() log.StackableLogger { return s.next }
func (s *Sink) Finalize() {
	if s.next != nil {
		s.next.Finalize()
	}
}
