// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package testlog hijacks the output of
// github.com/multirom-project/multirom-core/pkg/log for the duration of a
// test, routing entries through testing.T instead of a real console, and
// disarming Fatalf's Terminator so a simulated fatal error doesn't reboot
// the test process.
package testlog

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/log/flags"
)

// TstLog conforms to log.StackableLogger. Construct via NewTestLog.
type TstLog struct {
	events     leChan
	t          *testing.T
	Buf        *bytes.Buffer
	MsgCount   int
	LogCount   int
	FatalCount int
	freeze     bool
	stderr     bool
	mu         sync.RWMutex
	bgWg       sync.WaitGroup
}

// NewTestLog installs a TstLog as the sole logger in the stack and disables
// Fatalf's real terminator. Do not share a TstLog between tests.
func NewTestLog(t *testing.T, bufferLog, stderr bool) (tlog *TstLog) {
	tlog = &TstLog{
		events: make(leChan, 1024),
		t:      t,
		stderr: stderr,
	}
	if bufferLog {
		tlog.Buf = new(bytes.Buffer)
	}
	tlog.bgWg.Add(1)
	go tlog.bgProc()
	log.NewLogStack(tlog)
	log.SetPrefix("test")
	log.SetFatalAction(log.FailAction{MsgPfx: "FATAL: ", Terminator: func() {}})
	return
}

var _ log.StackableLogger = (*TstLog)(nil)

func (tlog *TstLog) AddEntry(e log.LogEntry) {
	tlog.mu.RLock()
	freeze := tlog.freeze
	tlog.mu.RUnlock()
	if freeze {
		return
	}
	tlog.events <- e
}

const TstLogIdent = "tstLog"

func (*TstLog) Ident() string                      { return TstLogIdent }
func (tl *TstLog) Next() log.StackableLogger       { return nil }
func (*TstLog) Finalize()                          {}
func (tl *TstLog) ForwardTo(_ log.StackableLogger) {}

type leChan chan log.LogEntry

func (tlog *TstLog) bgProc() {
	defer tlog.bgWg.Done()
	for evt := range tlog.events {
		tlog.handleEvt(evt)
	}
}

func (tlog *TstLog) handleEvt(evt log.LogEntry) {
	f := "@" + evt.Time.Format(stampMilli) + ": " + evt.Msg
	switch {
	case evt.Flags&flags.Fatal != 0:
		tlog.FatalCount++
		tlog.t.Errorf(f, evt.Args...)
		return
	case evt.Flags&flags.EndUser != 0:
		tlog.MsgCount++
	default:
		tlog.LogCount++
	}
	if tlog.stderr {
		fmt.Fprintf(os.Stderr, f+"\n", evt.Args...)
	}
	if tlog.Buf != nil {
		fmt.Fprintf(tlog.Buf, evt.Msg+"\n", evt.Args...)
	} else {
		tlog.t.Logf(f, evt.Args...)
	}
}

const stampMilli = "15:04:05.000"

// Freeze drains and closes the event channel, restoring the default log
// stack. Call at the end of a test.
func (tlog *TstLog) Freeze() {
	tlog.mu.Lock()
	freeze := tlog.freeze
	tlog.mu.Unlock()
	if freeze {
		return
	}
	log.DefaultLogStack()
	log.SetFatalAction(log.DefaultFatal)

	tlog.mu.Lock()
	tlog.freeze = true
	tlog.mu.Unlock()

	for len(tlog.events) > 0 {
		time.Sleep(time.Millisecond)
	}
	close(tlog.events)
	tlog.bgWg.Wait()
}
