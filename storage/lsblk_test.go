// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"testing"

	"github.com/archstrap/archstrap/cmd/cmdtest"
)

const lsblkOutputJSON = `{
   "blockdevices": [
      {"name":"sda", "path":"/dev/sda", "size":22548578304, "log-sec":512, "type":"disk", "model":"QEMU HARDDISK   ", "ro":false, "rm":false},
      {"name":"sr0", "path":"/dev/sr0", "size":1073741312, "log-sec":2048, "type":"rom", "model":"QEMU DVD-ROM", "ro":false, "rm":true},
      {"name":"nvme0n1", "size":"512110190592", "log-sec":"4096", "type":"disk", "model":null, "ro":"0", "rm":"1"}
   ]
}`

func TestParseLsblk(t *testing.T) {
	devs, err := parseLsblk([]byte(lsblkOutputJSON))
	if err != nil {
		t.Fatalf("parseLsblk() failed: %v", err)
	}

	if len(devs) != 2 {
		t.Fatalf("parseLsblk() should only return disks, got: %v", devs)
	}

	if devs[0].Path != "/dev/sda" || devs[0].Capacity != 21*GiB || devs[0].SectorSize != 512 || devs[0].Model != "QEMU HARDDISK" {
		t.Fatalf("Unexpected device: %+v", devs[0])
	}

	if devs[1].Path != "/dev/nvme0n1" || devs[1].SectorSize != 4096 || !devs[1].Removable || devs[1].ReadOnly {
		t.Fatalf("Unexpected device: %+v", devs[1])
	}

	if _, err = parseLsblk([]byte("{")); err == nil {
		t.Fatal("parseLsblk() should fail on invalid json")
	}
}

func TestListDevices(t *testing.T) {
	runner := cmdtest.New(cmdtest.Rule{Match: "lsblk", Output: lsblkOutputJSON})
	defer runner.Install()()

	devs, err := ListDevices()
	if err != nil {
		t.Fatalf("ListDevices() failed: %v", err)
	}

	if len(devs) != 2 {
		t.Fatalf("ListDevices() returned %v", devs)
	}
}

func TestDeviceValidate(t *testing.T) {
	tests := []struct {
		dev   Device
		valid bool
	}{
		{Device{Path: "/dev/sda", Capacity: GiB, SectorSize: 512}, true},
		{Device{Capacity: GiB, SectorSize: 512}, false},
		{Device{Path: "/dev/sda", Capacity: GiB, SectorSize: 520}, false},
		{Device{Path: "/dev/sda", Capacity: 100, SectorSize: 512}, false},
		{Device{Path: "/dev/sda", Capacity: GiB, SectorSize: 512, ReadOnly: true}, false},
	}

	for _, curr := range tests {
		if err := curr.dev.Validate(); (err == nil) != curr.valid {
			t.Fatalf("Validate(%+v) returned %v", curr.dev, err)
		}
	}

	if (Device{Path: "/dev/sda", Capacity: GiB + 100, SectorSize: 512}).UsableCapacity() != GiB {
		t.Fatal("UsableCapacity() should truncate to whole sectors")
	}
}
