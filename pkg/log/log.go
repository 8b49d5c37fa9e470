// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package log is a stackable, multi-sink logger for the recovery engine.
// Every engine operation reports progress through this package rather than
// writing to stdout directly, so that the recovery UI, a serial console, and
// an in-memory buffer (for tests) can all observe the same stream of events.
//
// A StackableLogger forms a singly linked chain; AddEntry delivers an event
// to the head of the chain, and each logger decides whether to act on it and
// whether to forward it to the next one. The default chain holds a single
// memLog so that early-boot messages (emitted before any console exists)
// aren't lost.
package log

import (
	"fmt"
	"sync"
	"time"

	"github.com/multirom-project/multirom-core/pkg/log/flags"
)

type LogEntry struct {
	Time  time.Time
	Msg   string
	Args  []interface{}
	Flags flags.Flag
}

type StackableLogger interface {
	AddEntry(e LogEntry)
	ForwardTo(next StackableLogger)
	Ident() string
	Next() StackableLogger
	Finalize()
}

var (
	logStackMtx sync.Mutex
	logStack    StackableLogger
	prefix      string
)

func init() {
	DefaultLogStack()
}

// DefaultLogStack resets the chain to a single memLog. Used at startup and by
// tests that want to discard whatever chain a previous test installed.
func DefaultLogStack() {
	logStackMtx.Lock()
	defer logStackMtx.Unlock()
	logStack = &memLog{}
}

// NewLogStack replaces the entire chain with a single logger, typically used
// by testlog to hijack output for the duration of a test.
func NewLogStack(l StackableLogger) {
	logStackMtx.Lock()
	defer logStackMtx.Unlock()
	logStack = l
}

// AddLogger pushes a new logger onto the front of the chain (or the back, if
// last is true) so it receives every entry logged from then on. Entries
// logged earlier are not replayed to it.
func AddLogger(l StackableLogger, last bool) error {
	logStackMtx.Lock()
	defer logStackMtx.Unlock()
	if logStack == nil {
		logStack = l
		return nil
	}
	if last {
		cur := logStack
		for cur.Next() != nil {
			cur = cur.Next()
		}
		cur.ForwardTo(l)
		return nil
	}
	l.ForwardTo(logStack)
	logStack = l
	return nil
}

// RemoveLogger removes the first logger in the chain with the given Ident.
func RemoveLogger(ident string) {
	logStackMtx.Lock()
	defer logStackMtx.Unlock()
	if logStack == nil {
		return
	}
	if logStack.Ident() == ident {
		logStack.Finalize()
		logStack = logStack.Next()
		return
	}
	prev := logStack
	for cur := logStack.Next(); cur != nil; cur = cur.Next() {
		if cur.Ident() == ident {
			cur.Finalize()
			prev.ForwardTo(cur.Next())
			return
		}
		prev = cur
	}
}

// FindInStack returns the logger with the given Ident, or nil.
func FindInStack(ident string) StackableLogger {
	logStackMtx.Lock()
	defer logStackMtx.Unlock()
	for cur := logStack; cur != nil; cur = cur.Next() {
		if cur.Ident() == ident {
			return cur
		}
	}
	return nil
}

// InStack reports whether a logger with the given Ident is present.
func InStack(ident string) bool {
	return FindInStack(ident) != nil
}

func addEntry(e LogEntry) {
	logStackMtx.Lock()
	ls := logStack
	logStackMtx.Unlock()
	if ls != nil {
		ls.AddEntry(e)
	}
}

// SetPrefix records an operation name, read back with GetPrefix. It does not
// change log entries or what Fatalf does: testlog.NewTestLog sets the prefix
// "test" and separately installs a no-op Terminator via SetFatalAction.
func SetPrefix(p string) { logStackMtx.Lock(); prefix = p; logStackMtx.Unlock() }
func GetPrefix() string  { logStackMtx.Lock(); defer logStackMtx.Unlock(); return prefix }

// Msg logs a message flagged as ok-to-show-the-end-user (e.g. via the
// recovery UI's line sink, see log/uisink).
func Msg(m string) { addEntry(LogEntry{Time: time.Now(), Msg: m, Flags: flags.EndUser}) }
func Msgf(f string, va ...interface{}) {
	addEntry(LogEntry{Time: time.Now(), Msg: f, Args: va, Flags: flags.EndUser})
}

// Log/Logf/Logln record diagnostic detail not normally shown to the end user.
func Log(m string) { addEntry(LogEntry{Time: time.Now(), Msg: m}) }
func Logf(f string, va ...interface{}) {
	addEntry(LogEntry{Time: time.Now(), Msg: f, Args: va})
}
func Logln(va ...interface{}) {
	addEntry(LogEntry{Time: time.Now(), Msg: fmt.Sprintln(va...)})
}

// FailAction bundles the behavior of Fatalf: a message prefix, an optional
// pre-terminate hook (e.g. record the failure externally), and the
// terminator itself (reboot, os.Exit, or - in tests - a no-op).
type FailAction struct {
	MsgPfx     string
	Pre        func(f string, va ...interface{})
	Terminator func()
}

var DefaultFatal = FailAction{
	MsgPfx: "FATAL: ",
	Terminator: func() {
		panic("log.Fatalf: no terminator configured")
	},
}

var fatalMtx sync.Mutex
var fatalAction = DefaultFatal

func SetFatalAction(fa FailAction) {
	fatalMtx.Lock()
	defer fatalMtx.Unlock()
	fatalAction = fa
}

// Fatalf logs a fatal entry, runs the configured Pre hook, then the
// Terminator. Restoration code (MountHijack.Restore, BootHijack.Restore)
// never calls this - those paths log-and-continue by design, since the
// device is already in a degraded state.
func Fatalf(f string, va ...interface{}) {
	fatalMtx.Lock()
	fa := fatalAction
	fatalMtx.Unlock()
	msg := fa.MsgPfx + f
	addEntry(LogEntry{Time: time.Now(), Msg: msg, Args: va, Flags: flags.Fatal})
	if fa.Pre != nil {
		fa.Pre(msg, va...)
	}
	fa.Terminator()
}

// Preboot is a list of hooks run immediately before a reboot/power-cycle, in
// registration order. Ground: history.RebootHook is added here by callers
// that want a record of the outcome written before the device restarts.
var Preboot prebootList

type prebootList struct {
	mu    sync.Mutex
	hooks []func(success bool)
}

func (p *prebootList) Add(f func(success bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, f)
}

func (p *prebootList) Perform(success bool) {
	p.mu.Lock()
	hooks := append([]func(success bool){}, p.hooks...)
	p.mu.Unlock()
	for _, h := range hooks {
		h(success)
	}
}
