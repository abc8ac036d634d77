// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package timezone

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/cmd/cmdtest"
)

func TestIsValidTimezone(t *testing.T) {
	runner := cmdtest.New(cmdtest.Rule{Match: "list-timezones", Output: "Europe/Berlin\nUTC\n"})
	defer runner.Install()()

	validTimezones = nil
	defer func() { validTimezones = nil }()

	if !IsValidTimezone(&TimeZone{Code: "UTC"}) {
		t.Fatal("UTC should be a valid time zone")
	}

	if IsValidTimezone(&TimeZone{Code: "Mars/Olympus_Mons"}) {
		t.Fatal("Unknown time zones should be rejected")
	}

	if len(runner.Calls) != 1 {
		t.Fatalf("The time zone list should be loaded once: %v", runner.Calls)
	}
}

func TestIsValidCode(t *testing.T) {
	for _, code := range []string{"UTC", "Europe/Berlin", "America/Argentina/Buenos_Aires", "Etc/GMT+3"} {
		if !IsValidCode(code) {
			t.Fatalf("%q should be a valid time zone code", code)
		}
	}

	for _, code := range []string{"", "../etc/passwd", "/UTC", "Europe//Berlin"} {
		if IsValidCode(code) {
			t.Fatalf("%q should be an invalid time zone code", code)
		}
	}
}

func TestSetTargetTimezone(t *testing.T) {
	root := t.TempDir()
	runner := cmdtest.New()
	ex := &chroot.Executor{Root: root, Runner: runner}

	if err := SetTargetTimezone(ex, "Europe/Berlin"); err == nil {
		t.Fatal("SetTargetTimezone() should fail when the zone file is missing")
	}

	zone := filepath.Join(root, ZoneInfoDir, "Europe", "Berlin")
	if err := os.MkdirAll(filepath.Dir(zone), 0755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(zone, []byte("TZif"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := SetTargetTimezone(ex, "Europe/Berlin"); err != nil {
		t.Fatalf("SetTargetTimezone() failed: %v", err)
	}

	if !runner.Ran("ln -sf /usr/share/zoneinfo/Europe/Berlin /etc/localtime") || !runner.Ran("hwclock --systohc") {
		t.Fatalf("Unexpected commands: %v", runner.Calls)
	}
}

func TestEnableTimeSync(t *testing.T) {
	root := t.TempDir()
	runner := cmdtest.New()
	ex := &chroot.Executor{Root: root, Runner: runner}

	if err := EnableTimeSync(ex, []string{"0.pool.ntp.org", "1.pool.ntp.org"}); err != nil {
		t.Fatalf("EnableTimeSync() failed: %v", err)
	}

	f, err := os.Open(filepath.Join(root, TimesyncdDropIn))
	if err != nil {
		t.Fatalf("The timesyncd drop-in was not written: %v", err)
	}
	defer func() { _ = f.Close() }()

	opts, err := unit.Deserialize(f)
	if err != nil {
		t.Fatalf("Could not parse the drop-in: %v", err)
	}

	if len(opts) != 1 || opts[0].Section != "Time" || opts[0].Value != "0.pool.ntp.org 1.pool.ntp.org" {
		t.Fatalf("Unexpected drop-in options: %v", opts)
	}

	if !runner.Ran("systemctl enable systemd-timesyncd.service") {
		t.Fatal("timesyncd was not enabled")
	}
}
