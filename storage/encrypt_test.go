// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"fmt"
	"strings"
	"testing"

	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/cmd/cmdtest"
	"github.com/archstrap/archstrap/errors"
)

const testPassphrase = "correct horse battery"

func uefiLayout(t *testing.T) *Layout {
	t.Helper()

	layout, err := Plan(testDevice(21*GiB, 512), Intent{Topology: TopologyUEFIBootRoot, Firmware: FirmwareUEFI})
	if err != nil {
		t.Fatalf("Plan() failed: %v", err)
	}

	return layout
}

func TestApplyEncryption(t *testing.T) {
	layout := uefiLayout(t)

	encrypted, err := ApplyEncryption(layout, Encryption{Passphrase: testPassphrase}, nil)
	if err != nil {
		t.Fatalf("ApplyEncryption() failed: %v", err)
	}

	if layout.Encrypted() {
		t.Fatal("ApplyEncryption() must not change its input")
	}

	boot, root := encrypted.Partitions[0], encrypted.Partitions[1]
	if boot.Encrypted {
		t.Fatal("The boot partition must not be encrypted")
	}

	if !root.Encrypted || root.MappedName != "cryptroot" {
		t.Fatalf("The root partition should be encrypted as cryptroot: %+v", root)
	}

	entries := map[string]string{}
	for _, e := range encrypted.MountEntries() {
		entries[e.MountPoint] = e.Device
	}

	if entries["/"] != "/dev/mapper/cryptroot" {
		t.Fatalf("Root should mount from the mapped device, got: %q", entries["/"])
	}

	if entries["/boot"] != "/dev/sda1" {
		t.Fatalf("Boot should mount from the raw partition, got: %q", entries["/boot"])
	}

	if _, err = ApplyEncryption(encrypted, Encryption{Passphrase: testPassphrase}, nil); err != ErrAlreadyEncrypted {
		t.Fatalf("Applying encryption twice should fail, got: %v", err)
	}
}

func TestApplyEncryptionErrors(t *testing.T) {
	layout := uefiLayout(t)
	enc := Encryption{Passphrase: testPassphrase}

	if _, err := ApplyEncryption(layout, Encryption{}, nil); err != ErrEmptyPassphrase {
		t.Fatalf("An empty passphrase should be rejected, got: %v", err)
	}

	none := func(p Partition) bool { return false }
	if _, err := ApplyEncryption(layout, enc, none); err != ErrNothingToEncrypt {
		t.Fatalf("Selecting no partition should be rejected, got: %v", err)
	}

	if _, err := ApplyEncryption(layout, Encryption{Scheme: "plain", Passphrase: testPassphrase}, nil); !errors.IsValidationError(err) {
		t.Fatalf("An unknown scheme should be rejected, got: %v", err)
	}

	layout.Freeze()
	if _, err := ApplyEncryption(layout, enc, nil); err != ErrLayoutFrozen {
		t.Fatalf("A frozen layout should be rejected, got: %v", err)
	}
}

func TestMappedName(t *testing.T) {
	tests := []struct {
		p    Partition
		name string
	}{
		{Partition{Number: 2, MountPoint: "/"}, "cryptroot"},
		{Partition{Number: 3, MountPoint: "/home"}, "crypthome"},
		{Partition{Number: 4, MountPoint: "/var/log"}, "cryptvar_log"},
		{Partition{Number: 5, MountPoint: "/srv/my-data"}, "cryptsrv_my_data"},
		{Partition{Number: 6}, "cryptpart6"},
	}

	for _, curr := range tests {
		if name := MappedName(curr.p); name != curr.name {
			t.Fatalf("MappedName(%q) returned %q, expected %q", curr.p.MountPoint, name, curr.name)
		}
	}
}

func TestSecretIsRedacted(t *testing.T) {
	enc := Encryption{Scheme: SchemeLUKS2, Passphrase: testPassphrase}

	for _, format := range []string{"%v", "%+v", "%#v", "%s"} {
		if out := fmt.Sprintf(format, enc); strings.Contains(out, testPassphrase) {
			t.Fatalf("Formatting with %s leaked the passphrase: %s", format, out)
		}
	}

	if enc.Passphrase.Reveal() != testPassphrase {
		t.Fatal("Reveal() should return the secret")
	}
}

func TestMapEncrypted(t *testing.T) {
	layout, err := ApplyEncryption(uefiLayout(t), Encryption{Passphrase: testPassphrase}, nil)
	if err != nil {
		t.Fatalf("ApplyEncryption() failed: %v", err)
	}

	runner := cmdtest.New()
	root := layout.Partitions[1]

	if err = root.MapEncrypted(runner, Encryption{Passphrase: testPassphrase}); err != nil {
		t.Fatalf("MapEncrypted() failed: %v", err)
	}

	if len(runner.Calls) != 2 {
		t.Fatalf("MapEncrypted() should format and open, got: %v", runner.Calls)
	}

	for _, c := range runner.Calls {
		if strings.Contains(c.String(), testPassphrase) {
			t.Fatalf("The passphrase must not be on the command line: %s", c)
		}

		if c.Stdin != testPassphrase {
			t.Fatalf("The passphrase should be sent on stdin: %s", c)
		}
	}

	format := runner.Calls[0].String()
	if !strings.Contains(format, "luksFormat /dev/sda2") || !strings.Contains(format, "--type luks2") {
		t.Fatalf("Unexpected format command: %s", format)
	}

	if !runner.Ran("luksOpen /dev/sda2 cryptroot") {
		t.Fatalf("The partition should be opened as cryptroot: %v", runner.Calls)
	}
}

func TestMapEncryptedFailureNamesDevice(t *testing.T) {
	layout, err := ApplyEncryption(uefiLayout(t), Encryption{Passphrase: testPassphrase}, nil)
	if err != nil {
		t.Fatalf("ApplyEncryption() failed: %v", err)
	}

	runner := cmdtest.New(cmdtest.Rule{Match: "luksFormat", Code: 5})

	err = layout.Partitions[1].MapEncrypted(runner, Encryption{Passphrase: testPassphrase})

	var de *DeviceError
	if !errors.As(err, &de) || de.Device != "/dev/sda2" {
		t.Fatalf("MapEncrypted() should fail naming the device, got: %v", err)
	}

	if cmd.ExitCode(err) != 5 {
		t.Fatalf("The tool exit code should be kept, got: %d", cmd.ExitCode(err))
	}

	if runner.Ran("luksOpen") {
		t.Fatal("luksOpen should not run after a failed luksFormat")
	}

	if err = layout.Partitions[0].MapEncrypted(runner, Encryption{Passphrase: testPassphrase}); err == nil {
		t.Fatal("MapEncrypted() should fail for a partition not marked encrypted")
	}
}

func TestIsValidPassphrase(t *testing.T) {
	tests := []struct {
		phrase string
		valid  bool
	}{
		{"", false},
		{"short", false},
		{"long enough", true},
		{"tab\tinside", false},
		{strings.Repeat("x", MaxPassphraseLength+1), false},
	}

	for _, curr := range tests {
		if valid, _ := IsValidPassphrase(curr.phrase); valid != curr.valid {
			t.Fatalf("IsValidPassphrase(%q) returned %v", curr.phrase, valid)
		}
	}
}
