// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/archstrap/archstrap/errors"
)

// FileSystem is a file system type a partition can be formatted with
type FileSystem string

const (
	// FsNone leaves the partition unformatted
	FsNone FileSystem = ""

	// FsVFAT is FAT32, used for the EFI system partition
	FsVFAT FileSystem = "vfat"

	// FsExt4 is ext4
	FsExt4 FileSystem = "ext4"

	// FsBtrfs is btrfs
	FsBtrfs FileSystem = "btrfs"

	// FsXFS is xfs
	FsXFS FileSystem = "xfs"
)

// ParseFileSystem converts a file system name, "fat32" is an alias of vfat
func ParseFileSystem(str string) (FileSystem, error) {
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "", "none":
		return FsNone, nil
	case "vfat", "fat32":
		return FsVFAT, nil
	case "ext4":
		return FsExt4, nil
	case "btrfs":
		return FsBtrfs, nil
	case "xfs":
		return FsXFS, nil
	}

	return FsNone, errors.ValidationErrorf("unsupported file system %q", str)
}

// SupportedFileSystems returns the file systems a data partition may use
func SupportedFileSystems() []FileSystem {
	return []FileSystem{FsExt4, FsBtrfs, FsXFS}
}

// IsSupportedFileSystem returns true if fs may be used by a data partition
func IsSupportedFileSystem(fs FileSystem) bool {
	for _, curr := range SupportedFileSystems() {
		if curr == fs {
			return true
		}
	}

	return false
}

// MaxLabelLength returns the maximum length of a label for
// the specified file system type
func (fs FileSystem) MaxLabelLength() int {
	switch fs {
	case FsExt4:
		return 16
	case FsXFS:
		return 12
	case FsBtrfs:
		return 255
	}

	return 11
}

// Flag marks a partition with a boot related role
type Flag uint8

const (
	// FlagESP marks the EFI system partition
	FlagESP Flag = 1 << iota

	// FlagLegacyBoot marks the partition holding the legacy boot loader files
	FlagLegacyBoot
)

// Partition is a single planned partition. Start and Length are exact byte
// quantities and always whole sectors of the device they were planned for.
type Partition struct {
	Number     int
	Start      Size
	Length     Size
	Remaining  bool
	FsType     FileSystem
	MountPoint string
	Label      string
	Flags      Flag
	Encrypted  bool
	MappedName string
	Path       string
}

// End returns the first byte after the partition. Layout.Validate rejects
// any partition whose end overflows, so the sum is exact for a valid layout.
func (p Partition) End() Size {
	return p.Start + p.Length
}

// Has returns true if the flag f is set
func (p Partition) Has(f Flag) bool {
	return p.Flags&f != 0
}

// IsBootCritical returns true for partitions the firmware or the boot loader
// must read before any unlock prompt is possible
func (p Partition) IsBootCritical() bool {
	if p.Has(FlagESP) {
		return true
	}

	switch filepath.Clean(p.MountPoint) {
	case "/boot", "/boot/efi":
		return true
	}

	return false
}

// MapperPath returns the mapped device file of an encrypted partition
func (p Partition) MapperPath() string {
	return filepath.Join("/dev/mapper", p.MappedName)
}

// FsDevicePath returns the device file holding the partition file system,
// for encrypted partitions that is the mapped device
func (p Partition) FsDevicePath() string {
	if p.Encrypted {
		return p.MapperPath()
	}

	return p.Path
}

func (p Partition) String() string {
	mp := p.MountPoint
	if mp == "" {
		mp = "-"
	}

	fs := string(p.FsType)
	if fs == "" {
		fs = "none"
	}

	desc := fmt.Sprintf("%-16s %-10s %-6s %10s at %s", p.Path, mp, fs, p.Length, p.Start)
	if p.Encrypted {
		desc = desc + " encrypted as " + p.MappedName
	}

	return desc
}
