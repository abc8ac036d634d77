// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

// Runner executes an external program. out receives both stdout and stderr,
// in (when not nil) is fed to the program's stdin. A program terminating with
// a non zero status is reported as an *ExitError.
type Runner interface {
	Run(out io.Writer, in io.Reader, args ...string) error
}

// ExitError reports a program which ran to completion with a non zero status
type ExitError struct {
	Args []string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%q exited with code %d", strings.Join(e.Args, " "), e.Code)
}

// ExitCode extracts the exit status carried by err, it returns -1 if err
// doesn't carry one (i.e the program could not be started)
func ExitCode(err error) int {
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}

	return -1
}

// SystemRunner runs programs on the host with os/exec
type SystemRunner struct {
	Env map[string]string
}

var (
	// host tool output is parsed, keep it untranslated
	defaultRunner Runner = SystemRunner{Env: map[string]string{"LC_ALL": "C"}}
	runnerMu      sync.Mutex
)

// SetRunner replaces the runner used by the package level helpers and
// returns the previous one
func SetRunner(r Runner) Runner {
	runnerMu.Lock()
	defer runnerMu.Unlock()

	prev := defaultRunner
	defaultRunner = r
	return prev
}

// Default returns the runner used by the package level helpers
func Default() Runner {
	runnerMu.Lock()
	defer runnerMu.Unlock()

	return defaultRunner
}

// Run implements Runner
func (sr SystemRunner) Run(out io.Writer, in io.Reader, args ...string) error {
	if len(args) == 0 {
		return errors.Errorf("No command provided")
	}

	log.Debug("%s", strings.Join(args, " "))

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out

	if in != nil {
		cmd.Stdin = in
	}

	if len(sr.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range sr.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	err := cmd.Run()
	if err == nil {
		return nil
	}

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Args: args, Code: ee.ExitCode()}
	}

	return errors.Errorf("%s: %v", args[0], err)
}

// LogWriter is an io.Writer splitting whatever is written to it in lines
// and sending each complete line to the log as a debug entry
type LogWriter struct {
	partial bytes.Buffer
}

// NewLogWriter allocates a LogWriter
func NewLogWriter() *LogWriter {
	return &LogWriter{}
}

func (lw *LogWriter) Write(p []byte) (int, error) {
	_, _ = lw.partial.Write(p)

	for {
		line, err := lw.partial.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			lw.partial.Reset()
			lw.partial.WriteString(line)
			break
		}

		if line = strings.TrimRight(line, "\r\n"); line != "" {
			log.Debug("%s", line)
		}
	}

	return len(p), nil
}

// Flush logs a trailing line not terminated by a new line
func (lw *LogWriter) Flush() {
	if lw.partial.Len() > 0 {
		log.Debug("%s", lw.partial.String())
		lw.partial.Reset()
	}
}

// Run executes a command and uses writer to write both stdout and stderr
// args are the actual command and its arguments
func Run(writer io.Writer, args ...string) error {
	return Default().Run(writer, nil, args...)
}

// Output runs a command and returns its combined output
func Output(args ...string) (string, error) {
	w := bytes.NewBuffer(nil)
	err := Run(w, args...)
	return w.String(), err
}

// Interactive runs a program attached to the given console streams, its
// output is not logged
func Interactive(in io.Reader, out io.Writer, args ...string) error {
	if len(args) == 0 {
		return errors.Errorf("No command provided")
	}

	log.Debug("%s (interactive)", strings.Join(args, " "))

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()

	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Args: args, Code: ee.ExitCode()}
	}

	return err
}
