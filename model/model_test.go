// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package model

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/storage"
	"github.com/archstrap/archstrap/user"
	"github.com/archstrap/archstrap/utils"
)

var (
	testsDir string
)

func init() {
	testsDir = os.Getenv("TESTS_DIR")
	if testsDir == "" {
		testsDir = filepath.Join("..", "tests")
	}

	utils.SetLocale("en_US.UTF-8")
}

func TestLoadFile(t *testing.T) {
	tests := []struct {
		file  string
		valid bool
	}{
		{"basic-valid-descriptor.yaml", true},
		{"real-example.yaml", true},
		{"valid-network.yaml", true},
		{"malformed-descriptor.yaml", false},
		{"no-target-device.yaml", false},
		{"invalid-topology.yaml", false},
		{"invalid-network.yaml", false},
		{"plain-password.yaml", false},
		{"invalid-bootloader.yaml", false},
	}

	for _, curr := range tests {
		path := filepath.Join(testsDir, curr.file)
		model, err := LoadFile(path)

		if curr.valid && err != nil {
			t.Fatalf("%s is a valid tests and shouldn't return an error: %v", curr.file, err)
		}

		if err == nil {
			err = model.Validate()
		}

		if curr.valid && err != nil {
			t.Fatalf("%s is a valid tests and shouldn't return an error: %v", curr.file, err)
		}

		if !curr.valid && err == nil {
			t.Fatalf("%s is an invalid test and should return an error", curr.file)
		}
	}
}

func TestDefaults(t *testing.T) {
	si, err := LoadFile(filepath.Join(testsDir, "basic-valid-descriptor.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	if strings.Join(si.Packages, " ") != "base linux linux-firmware" {
		t.Fatalf("Unexpected default packages: %v", si.Packages)
	}

	if strings.Join(si.Services, " ") != "NetworkManager sshd" {
		t.Fatalf("Unexpected default services: %v", si.Services)
	}

	if si.Hostname != "archlinux" || si.Keyboard != "us" || si.Timezone.Code != "UTC" ||
		si.Language.Code != "en_US.UTF-8" || !si.PostArchive {
		t.Fatalf("Unexpected defaults: %+v", si)
	}

	intent, err := si.Intent()
	if err != nil {
		t.Fatal(err)
	}

	if intent.Topology != storage.TopologyUEFIBootRoot || intent.Firmware != storage.FirmwareUEFI {
		t.Fatalf("Unexpected default intent: %+v", intent)
	}
}

func TestRealExample(t *testing.T) {
	si, err := LoadFile(filepath.Join(testsDir, "real-example.yaml"))
	if err != nil {
		t.Fatal(err)
	}

	intent, err := si.Intent()
	if err != nil {
		t.Fatal(err)
	}

	if intent.FsType != storage.FsBtrfs || intent.BootSize != storage.GiB || intent.RootSize != 40*storage.GiB {
		t.Fatalf("Unexpected intent: %+v", intent)
	}

	if si.SwapSize != 4*storage.GiB || len(si.Users) != 2 || !si.Users[0].Admin {
		t.Fatalf("Unexpected model: %+v", si)
	}

	if si.Customization == nil || si.Customization.Path != "/tmp/archstrap/post_install.sh" {
		t.Fatalf("Unexpected customization: %+v", si.Customization)
	}

	if !si.UKI || len(si.Mirrors) != 2 || si.Mirrors[1] != "https://geo.mirror.pkgbuild.com/$repo/os/$arch" {
		t.Fatalf("Unexpected boot images or mirrors: %v %v", si.UKI, si.Mirrors)
	}

	if err = si.Validate(); err != nil {
		t.Fatalf("The example should be valid: %v", err)
	}
}

func TestValidationErrors(t *testing.T) {
	si := NewSystemInstall()
	si.TargetDevice = "/dev/sda"
	si.Firmware = "uefi"

	if err := si.Validate(); err != nil {
		t.Fatalf("Default model should be valid: %v", err)
	}

	si.Hostname = "-bad"
	if err := si.Validate(); !errors.IsValidationError(err) {
		t.Fatalf("Invalid hostname should produce a validation error, got: %v", err)
	}

	si.Hostname = "good"
	si.Mirrors = []string{"mirror.example.org"}
	if err := si.Validate(); !errors.IsValidationError(err) {
		t.Fatalf("A mirror without scheme should produce a validation error, got: %v", err)
	}

	si.Mirrors = nil
	si.UKI = true
	si.Bootloader = "grub"
	if err := si.Validate(); !errors.IsValidationError(err) {
		t.Fatalf("Unified kernel images with grub should produce a validation error, got: %v", err)
	}

	si.UKI = false
	si.Bootloader = ""
	si.Firmware = "coreboot"
	if err := si.Validate(); !errors.IsValidationError(err) {
		t.Fatalf("Invalid firmware should produce a validation error, got: %v", err)
	}

	var nilModel *SystemInstall
	if err := nilModel.Validate(); err == nil {
		t.Fatal("A nil model should not validate")
	}
}

func TestUnreadable(t *testing.T) {
	if utils.IsRoot() {
		t.Skip("Running as 'root', not checking read permission")
	}

	file := filepath.Join(t.TempDir(), "unreadable.yaml")
	if err := os.WriteFile(file, []byte("targetDevice: /dev/sda\n"), 0111); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(file); err == nil {
		t.Fatal("Should have failed to read")
	}
}

func TestPackages(t *testing.T) {
	si := &SystemInstall{}

	if si.ContainsPackage("vim") {
		t.Fatal("Should return false since vim wasn't added to si")
	}

	si.AddPackage("vim")
	si.AddPackage("git")
	if !si.ContainsPackage("vim") {
		t.Fatal("Should return true since vim was added to si")
	}

	si.RemovePackage("vim")
	if si.ContainsPackage("vim") {
		t.Fatal("Should return false since vim was removed from si")
	}

	// duplicated
	si.AddPackage("git")
	if len(si.Packages) > 1 {
		t.Fatal("We should have handled the duplication")
	}
}

func TestUser(t *testing.T) {
	users := []*user.User{
		{Login: "login1", Password: "pwd1", Admin: false},
		{Login: "login2", Password: "pwd2", Admin: false},
		{Login: "login3", Password: "pwd3", Admin: false},
	}

	si := &SystemInstall{}

	for i, curr := range users {
		si.AddUser(curr)

		if len(si.Users) != i+1 {
			t.Fatal("User wasn't added")
		}
	}

	cl := len(si.Users)

	// don't add same user twice
	si.AddUser(users[0])
	if len(si.Users) != cl {
		t.Fatal("The AddUser() interface should prevent user duplication")
	}

	si.RemoveAllUsers()
	if len(si.Users) != 0 {
		t.Fatal("User list should be empty")
	}
}

func TestWriteFile(t *testing.T) {
	loaded, err := LoadFile(filepath.Join(testsDir, "real-example.yaml"))
	if err != nil {
		t.Fatal("Failed to load a valid descriptor")
	}

	path := filepath.Join(t.TempDir(), "archstrap.yaml")
	if err = loaded.Sanitized().WriteFile(path); err != nil {
		t.Fatalf("Failed to write descriptor, should be valid: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(string(content), configHeader) {
		t.Fatalf("Missing header: %s", content)
	}

	for _, secret := range []string{"$6$", "alice", "workstation"} {
		if strings.Contains(string(content), secret) {
			t.Fatalf("Sanitized descriptor leaks %q:\n%s", secret, content)
		}
	}

	reloaded, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if reloaded.TargetDevice != loaded.TargetDevice || reloaded.SwapSize != loaded.SwapSize ||
		reloaded.Language.Code != "de_DE.UTF-8" {
		t.Fatalf("Descriptor did not survive a write: %+v", reloaded)
	}

	if len(loaded.Users) != 2 {
		t.Fatal("Sanitized() must not alter the original model")
	}
}
