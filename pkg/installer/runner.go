// Copyright (C) 2015-2020 the Gprovision Authors. All Rights Reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//
// SPDX-License-Identifier: BSD-3-Clause
//

package installer

import (
	"bytes"
	"fmt"
	"os/exec"
)

// Runner isolates every subprocess invocation the installer pipelines need
// (make_ext4fs, simg2img, gnutar, apt-get, the external ZIP installer)
// behind a typed abstraction taking an argv vector, never a shell string,
// and capturing stdout/stderr for diagnostics and tests. Production code
// uses ExecRunner; tests substitute a fake that records invocations.
type Runner interface {
	Run(argv ...string) (stdout, stderr string, err error)
	RunIn(dir string, argv ...string) (stdout, stderr string, err error)
}

type ExecRunner struct{}

func (ExecRunner) Run(argv ...string) (string, string, error) {
	return ExecRunner{}.RunIn("", argv...)
}

func (ExecRunner) RunIn(dir string, argv ...string) (string, string, error) {
	if len(argv) == 0 {
		return "", "", fmt.Errorf("installer: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	var out, errb bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errb
	err := cmd.Run()
	if err != nil {
		err = fmt.Errorf("installer: %v: %w: %s", argv, err, errb.String())
	}
	return out.String(), errb.String(), err
}
