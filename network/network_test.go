// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package network

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/cmd/cmdtest"
)

func TestParseMode(t *testing.T) {
	if mode, err := ParseMode(""); err != nil || mode != NetworkManager {
		t.Fatalf("ParseMode(\"\") returned %q, %v", mode, err)
	}

	for _, curr := range []string{"networkmanager", "systemd-networkd", "copy-iso", "none"} {
		if _, err := ParseMode(curr); err != nil {
			t.Fatalf("ParseMode(%q) failed: %v", curr, err)
		}
	}

	if _, err := ParseMode("wicked"); err == nil {
		t.Fatal("ParseMode() should reject unknown modes")
	}
}

func TestIpAddress(t *testing.T) {
	tests := []struct {
		ip    string
		valid bool
	}{
		{"10.0.0.1", true},
		{"255.255.255.255", true},
		{"256.0.0.1", false},
		{"10.0.0", false},
		{"a.b.c.d", false},
	}

	for _, curr := range tests {
		if (IsValidIP(curr.ip) == "") != curr.valid {
			t.Fatalf("IsValidIP(%q) should be %v", curr.ip, curr.valid)
		}
	}
}

func TestNetmaskToCIDR(t *testing.T) {
	tests := []struct {
		mask string
		cidr int
	}{
		{"255.255.255.255", 32},
		{"255.255.255.0", 24},
		{"255.255.0.0", 16},
		{"255.0.0.0", 8},
		{"0.0.0.0", 0},
	}

	for _, curr := range tests {
		res, err := netMaskToCIDR(curr.mask)
		if err != nil {
			t.Fatal(err)
		}

		if res != curr.cidr {
			t.Fatalf("netMaskToCIDR() returned wrong value, expected: %d, got: %d", curr.cidr, res)
		}
	}

	for _, curr := range []string{"255.255.0", "255.256.0.0", "x.0.0.0"} {
		if _, err := netMaskToCIDR(curr); err == nil {
			t.Fatalf("netMaskToCIDR(%q) should fail", curr)
		}
	}
}

func TestStaticUnit(t *testing.T) {
	iface := &Interface{Name: "enp0s3", Address: "10.0.0.5", NetMask: "255.255.255.0", Gateway: "10.0.0.1"}

	if err := iface.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	r, err := iface.Unit()
	if err != nil {
		t.Fatal(err)
	}

	opts, err := unit.Deserialize(r)
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, opt := range opts {
		if opt.Section == "Network" && opt.Name == "Address" {
			found = opt.Value == "10.0.0.5/24"
		}
	}

	if !found {
		t.Fatalf("Static address missing from unit: %v", opts)
	}

	iface.DNS = "300.1.1.1"
	if err = iface.Validate(); err == nil {
		t.Fatal("Validate() should reject an invalid DNS address")
	}
}

func TestApplyNetworkd(t *testing.T) {
	root := t.TempDir()
	runner := cmdtest.New()
	ex := &chroot.Executor{Root: root, Runner: runner}

	if err := Apply(ex, Networkd, nil); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(root, ConfigDir, WiredUnit))
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(string(content), "DHCP=yes") || !strings.Contains(string(content), "Name=en*") {
		t.Fatalf("Unexpected DHCP unit: %s", content)
	}

	if !runner.Ran("systemctl enable systemd-networkd.service") || !runner.Ran("systemctl enable systemd-resolved.service") {
		t.Fatalf("systemd-networkd was not enabled: %v", runner.Calls)
	}
}

func TestApplyNetworkManager(t *testing.T) {
	runner := cmdtest.New()
	ex := &chroot.Executor{Root: t.TempDir(), Runner: runner}

	if err := Apply(ex, NetworkManager, nil); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if !runner.Ran("systemctl enable NetworkManager.service") {
		t.Fatalf("NetworkManager was not enabled: %v", runner.Calls)
	}

	runner = cmdtest.New()
	ex.Runner = runner

	if err := Apply(ex, None, nil); err != nil || len(runner.Calls) != 0 {
		t.Fatalf("Apply(None) should do nothing: %v %v", err, runner.Calls)
	}
}

func TestCopyNetwork(t *testing.T) {
	prev := HostConfigDir
	defer func() { HostConfigDir = prev }()

	HostConfigDir = t.TempDir()
	if err := os.WriteFile(filepath.Join(HostConfigDir, "50-dhcp.network"), []byte("[Match]\nName=*\n"), 0644); err != nil {
		t.Fatal(err)
	}

	root := t.TempDir()
	ex := &chroot.Executor{Root: root, Runner: cmdtest.New()}

	if err := Apply(ex, CopyISO, nil); err != nil {
		t.Fatalf("Apply(CopyISO) failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, ConfigDir, "50-dhcp.network")); err != nil {
		t.Fatalf("Network unit was not copied: %v", err)
	}
}
