// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package chroot

import (
	"fmt"
	"testing"

	"github.com/archstrap/archstrap/cmd/cmdtest"
	"github.com/archstrap/archstrap/errors"
)

func TestRun(t *testing.T) {
	runner := cmdtest.New(cmdtest.Rule{Match: "uname", Output: "Linux\n"})
	ex := &Executor{Root: "/mnt/target", Runner: runner}

	res, err := ex.Run("uname", "-s")
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	if res.Command != "uname -s" || res.ExitCode != 0 || res.Output != "Linux\n" {
		t.Fatalf("Unexpected result: %+v", res)
	}

	if !runner.Ran("chroot /mnt/target uname -s") {
		t.Fatalf("The command should run through chroot: %v", runner.Calls)
	}
}

func TestRunFailure(t *testing.T) {
	runner := cmdtest.New(cmdtest.Rule{Match: "mkinitcpio", Output: "==> ERROR: hook 'encrypt' not found\n", Code: 1})
	ex := &Executor{Root: "/mnt/target", Runner: runner}

	res, err := ex.Run("mkinitcpio", "-P")

	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("Run() should fail with a CommandError, got: %v", err)
	}

	if ce.ExitCode != 1 || ce.Command != "mkinitcpio -P" || ce.Output != res.Output {
		t.Fatalf("Unexpected error: %+v", ce)
	}

	if len(runner.Calls) != 1 {
		t.Fatalf("Failed commands must not be retried: %v", runner.Calls)
	}
}

func TestRunNotStarted(t *testing.T) {
	ex := &Executor{Root: "/mnt/target", Runner: cmdtest.New(cmdtest.Rule{Match: "chroot", Err: fmt.Errorf("no chroot binary")})}

	res, err := ex.Run("true")
	if err == nil || res.ExitCode != -1 {
		t.Fatalf("Run() should fail without exit code, got: %+v, %v", res, err)
	}

	var ce *CommandError
	if errors.As(err, &ce) {
		t.Fatal("A chroot which never started is not a CommandError")
	}
}

func TestRunWithInputAndShell(t *testing.T) {
	runner := cmdtest.New()
	ex := &Executor{Root: "/mnt/target", Runner: runner}

	if _, err := ex.RunWithInput("root:hash\n", "chpasswd", "-e"); err != nil {
		t.Fatalf("RunWithInput() failed: %v", err)
	}

	if calls := runner.Find("chpasswd"); len(calls) != 1 || calls[0].Stdin != "root:hash\n" {
		t.Fatalf("stdin was not forwarded: %v", calls)
	}

	if _, err := ex.RunShell("echo $HOME"); err != nil {
		t.Fatalf("RunShell() failed: %v", err)
	}

	if !runner.Ran("chroot /mnt/target /bin/sh -c echo $HOME") {
		t.Fatalf("RunShell() should run through /bin/sh: %v", runner.Calls)
	}

	if _, err := ex.Run(); err == nil {
		t.Fatal("Run() should fail without a command")
	}
}
