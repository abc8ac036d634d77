// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package chroot runs commands inside the installation target
package chroot

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

// Result is the outcome of a command run in the target
type Result struct {
	Command  string
	ExitCode int
	Output   string
}

// CommandError reports a command which exited with a non zero status
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%q failed in the target with exit code %d", e.Command, e.ExitCode)
}

// Executor runs commands with Root as their root directory
type Executor struct {
	Root   string
	Runner cmd.Runner
}

// HostRunner returns the runner used for the commands executed outside of
// the target
func (ex *Executor) HostRunner() cmd.Runner {
	if ex.Runner == nil {
		return cmd.Default()
	}
	return ex.Runner
}

func (ex *Executor) run(stdin io.Reader, args ...string) (*Result, error) {
	if len(args) == 0 {
		return nil, errors.Errorf("No command provided")
	}

	res := &Result{Command: strings.Join(args, " ")}

	lw := cmd.NewLogWriter()
	buf := bytes.NewBuffer(nil)

	full := append([]string{"chroot", ex.Root}, args...)
	err := ex.HostRunner().Run(io.MultiWriter(lw, buf), stdin, full...)
	lw.Flush()

	res.Output = buf.String()

	if err == nil {
		return res, nil
	}

	res.ExitCode = cmd.ExitCode(err)
	if res.ExitCode < 0 {
		// the chroot itself could not be started
		return res, errors.Wrap(err)
	}

	return res, &CommandError{Command: res.Command, ExitCode: res.ExitCode, Output: res.Output}
}

// Run executes args in the target. The output is sent to the log line by
// line as it is produced and is also kept in the result.
func (ex *Executor) Run(args ...string) (*Result, error) {
	return ex.run(nil, args...)
}

// RunWithInput is Run feeding in to the command stdin, used to hand over
// secrets without putting them on the command line
func (ex *Executor) RunWithInput(in string, args ...string) (*Result, error) {
	return ex.run(strings.NewReader(in), args...)
}

// RunShell executes a shell command line in the target
func (ex *Executor) RunShell(command string) (*Result, error) {
	return ex.run(nil, "/bin/sh", "-c", command)
}

// Shell attaches the console to an interactive shell in the target and
// waits for the operator to leave it
func (ex *Executor) Shell() error {
	log.Info("Starting an interactive shell in %s", ex.Root)

	err := cmd.Interactive(os.Stdin, os.Stdout, "chroot", ex.Root, "/bin/bash", "-l")
	if err != nil {
		return errors.Wrap(err)
	}

	return nil
}
