// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

// Package fileutil holds small filesystem helpers shared across the engine:
// header sniffing, MD5 compare (the "glue" component of the install
// pipeline), atomic renames, and a progress-reporting copy used by the
// boot-image writer.
package fileutil

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"io"
	"io/ioutil"
	"os"
	fp "path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/multirom-project/multirom-core/pkg/log"
)

var (
	xzId = [6]byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00} // fd 37 7a 58 5a 00 -> xz archive
)

//return n bytes from beginning of file
func ReadHeader(fname string, n int64) (head []byte, err error) {
	f, err := os.Open(fname)
	if err != nil {
		return
	}
	defer f.Close()
	head, err = ioutil.ReadAll(io.LimitReader(f, n))
	if int64(len(head)) < n {
		return nil, io.ErrUnexpectedEOF
	}
	return
}

//checks for XZ header
func IsXZ(fname string) bool {
	head, err := ReadHeader(fname, int64(len(xzId)))
	if err != nil {
		log.Logf("failed to read head bytes from %s: %s", fname, err)
		return false
	}
	return bytes.Equal(head, xzId[:])
}

// Checks for XZ header and stream option byte indicating sha256
func IsXZSha256(fname string) bool {
	sigLen := int64(len(xzId))
	head, err := ReadHeader(fname, sigLen+2)
	if err != nil {
		return false
	}
	if !bytes.Equal(head[:sigLen], xzId[:]) {
		return false
	}
	//https://tukaani.org/xz/xz-file-format.txt section 2.1.1.2
	//8th byte of file is 0x0A for SHA256
	if head[sigLen] == 0 && head[sigLen+1] == 0x0a {
		return true
	}
	return false
}

// Renames old in same dir, using newPfx + random suffix (via os.TempFile)
func RenameUnique(old, newPfx string) (success bool) {
	f, err := ioutil.TempFile(fp.Dir(old), newPfx)
	if err != nil {
		log.Logf("error %s creating temp name for %s", err, old)
		err = os.Remove(old)
		if err != nil {
			log.Logf("error %s deleting %s", err, old)
		}
		return false
	}
	newname := f.Name()
	f.Close()
	err = os.Remove(newname)
	if err != nil {
		log.Logf("error %s deleting temp file %s", err, newname)
	}
	err = os.Rename(old, newname)
	if err != nil {
		log.Logf("error %s renaming %s to %s", err, old, newname)
	}
	return err == nil
}

// WaitFor waits for a file to appear or times out. Returns true if file appears,
// false otherwise. Sleeps .1s between checks.
func WaitFor(path string, timeout time.Duration) (found bool) {
	stop := make(chan struct{})
	go func() {
		time.Sleep(timeout)
		close(stop)
	}()
	return WaitForChan(path, stop)
}

// WaitForChan is like WaitFor, but returns no later than when stop chan is closed
func WaitForChan(path string, stop chan struct{}) (found bool) {
	for {
		select {
		case <-stop:
			return
		case <-time.After(100 * time.Millisecond):
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			found = true
			break
		}
	}
	return
}

// ReadConfigLines reads a config file at the given path. Whitespace is
// stripped, as are comments (anything between # and \n). Individual lines
// are returned, up to maxLines (0 = unlimited). Used by config.Load.
func ReadConfigLines(path string, maxLines int) ([]string, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	var lines []string
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		l := strings.TrimSpace(scanner.Text())
		if strings.Contains(l, "#") {
			l = strings.TrimSpace(strings.SplitN(l, "#", 2)[0]) //get rid of the comment
		}
		if len(l) == 0 {
			continue
		}
		lines = append(lines, l)
		if maxLines > 0 && len(lines) == maxLines {
			log.Logf("ReadConfigLines: max lines (%d) read from %s", maxLines, path)
			break
		}
	}
	err = scanner.Err()
	if err != nil {
		return nil, err
	}
	return lines, nil
}

// MD5File returns the MD5 digest of a file's contents. Used by the installer
// to decide whether a trampoline copy already present in a ROM's boot tree
// matches the one bundled with the engine, avoiding a needless rewrite.
func MD5File(path string) (sum [16]byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	h := md5.New()
	if _, err = io.Copy(h, f); err != nil {
		return
	}
	copy(sum[:], h.Sum(nil))
	return
}

// SameContent reports whether two files have identical MD5 digests.
func SameContent(a, b string) (bool, error) {
	ha, err := MD5File(a)
	if err != nil {
		return false, err
	}
	hb, err := MD5File(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}

// FreeSpace returns the number of free bytes available to an unprivileged
// process on the filesystem containing path, used to decide whether a boot
// image can be rebuilt in place or needs the low-memory two-pass path.
func FreeSpace(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// IOCopy is an io.Copy loop that reports cumulative bytes written via
// progressFunc (nil to disable), used when writing a new boot image so
// callers can surface "Writing... NN%" progress.
func IOCopy(dst io.Writer, src io.Reader, progressFunc func(int64)) (written int64, err error) {
	buf := make([]byte, 32*1024)
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
				if progressFunc != nil {
					progressFunc(written)
				}
			}
			if ew != nil {
				err = ew
				break
			}
			if nr != nw {
				err = io.ErrShortWrite
				break
			}
		}
		if er == io.EOF {
			break
		}
		if er != nil {
			err = er
			break
		}
	}
	return
}

// ShowProgress prints periodic "<verb>... NN%" messages to the end user
// while a background goroutine decompresses or copies data, until done is
// closed. total is the expected final byte count; current is read
// repeatedly and may lag the true value slightly.
func ShowProgress(done chan struct{}, verb string, current *atomic.Int64, total int64) {
	if total <= 0 {
		<-done
		return
	}
	t := time.NewTicker(500 * time.Millisecond)
	defer t.Stop()
	last := -1
	for {
		select {
		case <-done:
			log.Msgf("%s... 100%%", verb)
			return
		case <-t.C:
			pct := int(float64(current.Load()) / float64(total) * 100)
			if pct > 100 {
				pct = 100
			}
			if pct != last {
				log.Msgf("%s... %d%%", verb, pct)
				last = pct
			}
		}
	}
}
