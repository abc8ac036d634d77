// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package services

import (
	"testing"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/cmd/cmdtest"
	"github.com/archstrap/archstrap/errors"
)

func TestUnitName(t *testing.T) {
	tests := []struct {
		name string
		unit string
	}{
		{"sshd", "sshd.service"},
		{"fstrim.timer", "fstrim.timer"},
		{"getty@tty1", "getty@tty1.service"},
	}

	for _, curr := range tests {
		if got := UnitName(curr.name); got != curr.unit {
			t.Fatalf("UnitName(%q) returned %q, expected %q", curr.name, got, curr.unit)
		}
	}
}

func TestEnable(t *testing.T) {
	runner := cmdtest.New()
	ex := &chroot.Executor{Root: "/mnt", Runner: runner}

	if err := Enable(ex, DefaultServices); err != nil {
		t.Fatalf("Enable() failed: %v", err)
	}

	if len(runner.Calls) != 2 {
		t.Fatalf("Expected 2 calls, got: %v", runner.Calls)
	}

	if got := runner.Calls[1].String(); got != "chroot /mnt systemctl enable sshd.service" {
		t.Fatalf("Unexpected call: %q", got)
	}
}

func TestEnableFailure(t *testing.T) {
	runner := cmdtest.New(cmdtest.Rule{Match: "enable bogus", Code: 1})
	ex := &chroot.Executor{Root: "/mnt", Runner: runner}

	err := Enable(ex, []string{"bogus", "sshd"})
	if err == nil {
		t.Fatal("Enable() should fail when systemctl fails")
	}

	var ce *chroot.CommandError
	if !errors.As(err, &ce) || ce.ExitCode != 1 {
		t.Fatalf("Enable() should report the command error, got: %v", err)
	}

	if runner.Ran("sshd") {
		t.Fatal("Enable() should stop at the first failure")
	}

	if err = Enable(ex, []string{"--now"}); !errors.IsValidationError(err) {
		t.Fatalf("Enable() should reject option-like names, got: %v", err)
	}
}
