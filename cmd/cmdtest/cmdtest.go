// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package cmdtest provides a scriptable cmd.Runner for unit tests
package cmdtest

import (
	"io"
	"strings"
	"sync"

	"github.com/archstrap/archstrap/cmd"
)

// Call is a recorded program execution
type Call struct {
	Args  []string
	Stdin string
}

// String returns the command line of the call
func (c Call) String() string {
	return strings.Join(c.Args, " ")
}

// Rule scripts the outcome of every call whose command line contains Match
type Rule struct {
	Match  string
	Output string
	Code   int
	Err    error
}

// Runner records every call and answers according to its rules, calls
// matching no rule succeed with no output
type Runner struct {
	mu    sync.Mutex
	Rules []Rule
	Calls []Call
}

// New allocates a Runner with the given rules
func New(rules ...Rule) *Runner {
	return &Runner{Rules: rules}
}

// Run implements cmd.Runner
func (r *Runner) Run(out io.Writer, in io.Reader, args ...string) error {
	call := Call{Args: append([]string(nil), args...)}

	if in != nil {
		b, _ := io.ReadAll(in)
		call.Stdin = string(b)
	}

	r.mu.Lock()
	r.Calls = append(r.Calls, call)
	rules := r.Rules
	r.mu.Unlock()

	line := call.String()
	for _, rule := range rules {
		if !strings.Contains(line, rule.Match) {
			continue
		}

		if rule.Output != "" && out != nil {
			_, _ = io.WriteString(out, rule.Output)
		}

		if rule.Err != nil {
			return rule.Err
		}

		if rule.Code != 0 {
			return &cmd.ExitError{Args: call.Args, Code: rule.Code}
		}

		return nil
	}

	return nil
}

// Find returns the recorded calls whose command line contains match
func (r *Runner) Find(match string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found []Call
	for _, c := range r.Calls {
		if strings.Contains(c.String(), match) {
			found = append(found, c)
		}
	}

	return found
}

// Ran returns true if any recorded call contains match
func (r *Runner) Ran(match string) bool {
	return len(r.Find(match)) > 0
}

// Install makes r the default cmd runner and returns a function restoring
// the previous one
func (r *Runner) Install() func() {
	prev := cmd.SetRunner(r)
	return func() { cmd.SetRunner(prev) }
}
