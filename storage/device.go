// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"fmt"
	"strings"

	"github.com/siderolabs/go-blockdevice/v2/block"

	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/utils"
)

// DefaultSectorSize is assumed when the kernel doesn't report one
const DefaultSectorSize = 512 * Byte

// Device is a snapshot of a target block device geometry, the planner
// works on this snapshot and never queries the device again
type Device struct {
	Path       string
	Capacity   Size
	SectorSize Size
	Model      string
	ReadOnly   bool
	Removable  bool
}

// Firmware is the boot firmware interface of the running system
type Firmware int

const (
	// FirmwareBIOS legacy PC BIOS boot
	FirmwareBIOS Firmware = iota

	// FirmwareUEFI UEFI boot
	FirmwareUEFI
)

func (f Firmware) String() string {
	if f == FirmwareUEFI {
		return "uefi"
	}
	return "bios"
}

// DetectFirmware checks how the running system was booted
func DetectFirmware() Firmware {
	if utils.IsEFI() {
		return FirmwareUEFI
	}

	return FirmwareBIOS
}

// PartitionTableType returns the disk label used for the firmware
func (f Firmware) PartitionTableType() string {
	if f == FirmwareUEFI {
		return "gpt"
	}
	return "msdos"
}

// DescribeDevice opens path and snapshots its size and logical sector size
func DescribeDevice(path string) (Device, error) {
	bd, err := block.NewFromPath(path)
	if err != nil {
		return Device{}, errors.Errorf("open %s: %v", path, err)
	}

	defer func() { _ = bd.Close() }()

	size, err := bd.GetSize()
	if err != nil {
		return Device{}, errors.Errorf("size of %s: %v", path, err)
	}

	sector := Size(bd.GetSectorSize())
	if sector == 0 {
		sector = DefaultSectorSize
	}

	return Device{
		Path:       path,
		Capacity:   Size(size),
		SectorSize: sector,
	}, nil
}

// Validate checks the snapshot is usable for planning
func (d Device) Validate() error {
	if d.Path == "" {
		return errors.ValidationErrorf("device path is required")
	}

	if err := checkSector(d.SectorSize); err != nil {
		return err
	}

	if d.Capacity < d.SectorSize {
		return errors.ValidationErrorf("device %s has no usable capacity", d.Path)
	}

	if d.ReadOnly {
		return errors.ValidationErrorf("device %s is read-only", d.Path)
	}

	return nil
}

// UsableCapacity is the capacity truncated to a whole number of sectors
func (d Device) UsableCapacity() Size {
	c, err := d.Capacity.AlignDown(d.SectorSize)
	if err != nil {
		return 0
	}
	return c
}

// partitionSuffix returns the separator between the disk name and the
// partition number: nvme0n1p1, mmcblk0p1 and loop0p1 use "p"
func partitionSuffix(path string) string {
	for _, prefix := range []string{"/dev/nvme", "/dev/mmcblk", "/dev/loop", "/dev/md"} {
		if strings.HasPrefix(path, prefix) {
			return "p"
		}
	}

	return ""
}

// PartitionPath returns the device file of the partition number n
func (d Device) PartitionPath(n int) string {
	return fmt.Sprintf("%s%s%d", d.Path, partitionSuffix(d.Path), n)
}

func (d Device) String() string {
	desc := fmt.Sprintf("%s (%s)", d.Path, d.Capacity)
	if d.Model != "" {
		desc = fmt.Sprintf("%s %s", desc, d.Model)
	}
	return desc
}
