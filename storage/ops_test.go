// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/archstrap/archstrap/cmd/cmdtest"
	"github.com/archstrap/archstrap/progress"
	"github.com/archstrap/archstrap/progress/progresstest"
)

func init() {
	progress.Set(&progresstest.Client{})
}

func TestPartitionCommands(t *testing.T) {
	layout := uefiLayout(t)

	cmds, err := PartitionCommands(layout, "gpt")
	if err != nil {
		t.Fatalf("PartitionCommands() failed: %v", err)
	}

	lines := []string{}
	for _, c := range cmds {
		lines = append(lines, strings.Join(c, " "))
	}
	all := strings.Join(lines, "\n")

	expected := []string{
		"parted --script /dev/sda mklabel gpt",
		"parted --script /dev/sda unit s mkpart ESP fat32 2048s 1050623s",
		"parted --script /dev/sda set 1 esp on",
		"sgdisk /dev/sda --typecode=2:4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709",
		"partprobe /dev/sda",
	}

	for _, e := range expected {
		if !strings.Contains(all, e) {
			t.Fatalf("Missing command %q in:\n%s", e, all)
		}
	}
}

func TestWritePartitionTableFreezes(t *testing.T) {
	layout := uefiLayout(t)
	runner := cmdtest.New()

	if err := WritePartitionTable(runner, layout, FirmwareUEFI); err != nil {
		t.Fatalf("WritePartitionTable() failed: %v", err)
	}

	if !layout.Frozen() {
		t.Fatal("WritePartitionTable() should freeze the layout")
	}

	if !runner.Ran("mklabel gpt") {
		t.Fatal("WritePartitionTable() should write a gpt label on UEFI")
	}

	if _, err := ApplyEncryption(layout, Encryption{Passphrase: testPassphrase}, nil); err != ErrLayoutFrozen {
		t.Fatalf("Encryption should be rejected after partitioning, got: %v", err)
	}

	calls := len(runner.Calls)
	if err := WritePartitionTable(runner, layout, FirmwareUEFI); err != ErrLayoutFrozen {
		t.Fatalf("A written layout should not be written again, got: %v", err)
	}

	if len(runner.Calls) != calls {
		t.Fatalf("Nothing should run for a frozen layout: %v", runner.Calls[calls:])
	}
}

func TestWritePartitionTableFailure(t *testing.T) {
	runner := cmdtest.New(cmdtest.Rule{Match: "mkpart", Code: 1})

	err := WritePartitionTable(runner, uefiLayout(t), FirmwareBIOS)
	if err == nil || !strings.Contains(err.Error(), "/dev/sda") {
		t.Fatalf("WritePartitionTable() should fail naming the device, got: %v", err)
	}

	if !runner.Ran("mklabel msdos") {
		t.Fatal("WritePartitionTable() should write a msdos label on BIOS")
	}

	if runner.Ran("partprobe") {
		t.Fatal("WritePartitionTable() should stop at the first failure")
	}
}

func TestMakeFsCommand(t *testing.T) {
	tests := []struct {
		p    Partition
		args string
	}{
		{Partition{Path: "/dev/sda1", FsType: FsVFAT, Label: "ESP"}, "mkfs.vfat -F32 -n ESP /dev/sda1"},
		{Partition{Path: "/dev/sda2", FsType: FsExt4, Label: "root"}, "mkfs.ext4 -F -b 4096 -L root /dev/sda2"},
		{Partition{Path: "/dev/sda2", FsType: FsXFS, Label: "averylonglabel"}, "mkfs.xfs -f -L averylonglab /dev/sda2"},
		{Partition{Path: "/dev/sda3", FsType: FsBtrfs, Encrypted: true, MappedName: "crypthome"},
			"mkfs.btrfs -f /dev/mapper/crypthome"},
	}

	for _, curr := range tests {
		args, err := MakeFsCommand(curr.p)
		if err != nil {
			t.Fatalf("MakeFsCommand() failed: %v", err)
		}

		if got := strings.Join(args, " "); got != curr.args {
			t.Fatalf("MakeFsCommand() returned %q, expected %q", got, curr.args)
		}
	}

	if err := MakeFs(cmdtest.New(), Partition{Path: "/dev/sda9"}); err != nil {
		t.Fatalf("MakeFs() should skip partitions without file system: %v", err)
	}
}

func TestCreateKeyFile(t *testing.T) {
	root := t.TempDir()

	kf, err := CreateKeyFile(root, "crypthome")
	if err != nil {
		t.Fatalf("CreateKeyFile() failed: %v", err)
	}

	if kf.Path != "/etc/cryptsetup-keys.d/crypthome.key" || kf.HostPath != filepath.Join(root, kf.Path) {
		t.Fatalf("Unexpected key file paths: %+v", kf)
	}

	fi, err := os.Stat(kf.HostPath)
	if err != nil {
		t.Fatalf("Key file was not written: %v", err)
	}

	if fi.Mode().Perm() != 0400 || fi.Size() != KeyFileSize {
		t.Fatalf("Unexpected key file mode %v or size %d", fi.Mode(), fi.Size())
	}
}

func TestCreateSwapFile(t *testing.T) {
	root := t.TempDir()
	runner := cmdtest.New()

	if err := CreateSwapFile(runner, root, MiB+1); err != nil {
		t.Fatalf("CreateSwapFile() failed: %v", err)
	}

	fi, err := os.Stat(filepath.Join(root, SwapfileName))
	if err != nil {
		t.Fatalf("Swap file was not written: %v", err)
	}

	if fi.Size() != int64(2*MiB) || fi.Mode().Perm() != 0600 {
		t.Fatalf("Unexpected swap file size %d or mode %v", fi.Size(), fi.Mode())
	}

	if !runner.Ran("mkswap " + filepath.Join(root, SwapfileName)) {
		t.Fatal("mkswap was not run")
	}
}
