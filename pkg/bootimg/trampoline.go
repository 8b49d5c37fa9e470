// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package bootimg

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/prologic/bitcask"

	"github.com/multirom-project/multirom-core/pkg/log"
	"github.com/multirom-project/multirom-core/pkg/strs"
)

// VersionCache memoizes trampoline_version() probes, keyed by path+size+mtime,
// in an embedded bitcask store, since re-probing every candidate trampoline
// on every boot-image operation means spawning `strings` and the untrusted
// binary itself repeatedly.
type VersionCache struct {
	mu sync.Mutex
	db *bitcask.Bitcask
}

// OpenVersionCache opens (creating if needed) a bitcask store at dir.
func OpenVersionCache(dir string) (*VersionCache, error) {
	db, err := bitcask.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("bootimg: opening version cache: %w", err)
	}
	return &VersionCache{db: db}, nil
}

func (c *VersionCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func cacheKey(path string, size int64, mtimeUnixNano int64) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", path, size, mtimeUnixNano))
}

// Version returns the trampoline version embedded in the binary at path,
// consulting (and populating) the cache first. Returns -1 on any failure,
// matching the documented "silent mode" used during update-check paths.
func (c *VersionCache) Version(path string) int {
	fi, err := os.Stat(path)
	if err != nil {
		return -1
	}
	key := cacheKey(path, fi.Size(), fi.ModTime().UnixNano())
	if c != nil {
		c.mu.Lock()
		if cached, err := c.db.Get(key); err == nil {
			c.mu.Unlock()
			n, err := strconv.Atoi(string(cached))
			if err == nil {
				return n
			}
			return -1
		}
		c.mu.Unlock()
	}
	v := probeVersion(path)
	if c != nil {
		c.mu.Lock()
		_ = c.db.Put(key, []byte(strconv.Itoa(v)))
		c.mu.Unlock()
	}
	return v
}

// ProbeVersion runs the uncached probe directly; used when no VersionCache
// was configured.
func ProbeVersion(path string) int { return probeVersion(path) }

// trampolineVersionOf is an uncached convenience wrapper used by inject.go,
// where the ramdisk's extracted init is a one-shot scratch file never worth
// caching.
func trampolineVersionOf(path string) (int, error) {
	v := probeVersion(path)
	if v < 0 {
		return -1, fmt.Errorf("bootimg: could not determine trampoline version of %s", path)
	}
	return v, nil
}

// probeVersion implements: strings <path> | grep -q 'Running trampoline' &&
// <path> -v, parsing stdout as an integer version. It never executes a
// binary that doesn't first show the marker string, since path is of
// unknown provenance (it may be a ROM-bundled trampoline of unknown
// origin).
func probeVersion(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return -1
	}
	if !bytes.Contains(data, []byte(strs.TrampolineVersionMarker())) {
		return -1
	}
	out, err := exec.Command(path, "-v").Output()
	if err != nil {
		log.Logf("bootimg: probing trampoline version of %s: %s", path, err)
		return -1
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return -1
	}
	return n
}
