// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"fmt"
	"strconv"

	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/progress"
	"github.com/archstrap/archstrap/utils"
)

var (
	mkfsArgs = map[FileSystem][]string{
		FsExt4:  {"mkfs.ext4", "-F", "-b", "4096"},
		FsBtrfs: {"mkfs.btrfs", "-f"},
		FsXFS:   {"mkfs.xfs", "-f"},
		FsVFAT:  {"mkfs.vfat", "-F32"},
	}

	guidMap = map[string]string{
		"/":     "4F68BCE3-E8CD-4DB1-96E7-FBCAF984B709",
		"/home": "933AC7E1-2EB4-4F13-B844-0E14E2AEF915",
		"/srv":  "3B8F8425-20E0-4F3B-907F-1A25A76F98E8",
		"efi":   "C12A7328-F81F-11D2-BA4B-00A0C93EC93B",
	}
)

// partitionGUID returns the GPT type of p, "" keeps the parted default
func partitionGUID(p Partition) string {
	if p.Has(FlagESP) {
		return guidMap["efi"]
	}

	return guidMap[p.MountPoint]
}

func partitionName(p Partition) string {
	if p.Label != "" {
		return p.Label
	}
	return fmt.Sprintf("part%d", p.Number)
}

// partedFsType maps a file system to the type hint parted accepts
func partedFsType(fs FileSystem) string {
	switch fs {
	case FsVFAT:
		return "fat32"
	case FsNone:
		return ""
	}
	return string(fs)
}

// PartitionCommands returns the parted and sgdisk command lines creating
// layout on a blank device with table type label (gpt or msdos). Positions
// are given in sectors so parted does no rounding of its own.
func PartitionCommands(layout *Layout, label string) ([][]string, error) {
	sector := layout.Device.SectorSize
	if err := checkSector(sector); err != nil {
		return nil, err
	}

	dev := layout.Device.Path
	cmds := [][]string{
		{"wipefs", "--all", dev},
		{"parted", "--script", dev, "mklabel", label},
	}

	for _, p := range layout.Partitions {
		first := p.Start.Sectors(sector)
		last := p.End().Sectors(sector) - 1

		name := "primary"
		if label == "gpt" {
			name = partitionName(p)
		}

		mkpart := []string{"parted", "--script", dev, "unit", "s", "mkpart", name}
		if fs := partedFsType(p.FsType); fs != "" {
			mkpart = append(mkpart, fs)
		}
		mkpart = append(mkpart, fmt.Sprintf("%ds", first), fmt.Sprintf("%ds", last))
		cmds = append(cmds, mkpart)

		num := strconv.Itoa(p.Number)
		if p.Has(FlagESP) {
			cmds = append(cmds, []string{"parted", "--script", dev, "set", num, "esp", "on"})
		}

		if p.Has(FlagLegacyBoot) {
			cmds = append(cmds, []string{"parted", "--script", dev, "set", num, "boot", "on"})
		}

		if label != "gpt" {
			continue
		}

		if guid := partitionGUID(p); guid != "" && !p.Has(FlagESP) {
			cmds = append(cmds, []string{"sgdisk", dev, fmt.Sprintf("--typecode=%d:%s", p.Number, guid)})
		}
	}

	return append(cmds,
		[]string{"partprobe", dev},
		[]string{"udevadm", "settle"},
	), nil
}

// WritePartitionTable wipes the device and writes layout to it. The layout
// is frozen first, from here on it may no longer change. A frozen layout
// was written already and is never written again.
func WritePartitionTable(runner cmd.Runner, layout *Layout, fw Firmware) error {
	if layout.Frozen() {
		return ErrLayoutFrozen
	}

	if err := layout.Validate(); err != nil {
		return err
	}

	layout.Freeze()

	cmds, err := PartitionCommands(layout, fw.PartitionTableType())
	if err != nil {
		return err
	}

	msg := utils.Locale.Get("Writing partition table to: %s", layout.Device.Path)
	prg := progress.MultiStep(len(cmds), "%s", msg)
	log.Info("%s", msg)

	for idx, args := range cmds {
		if err := runDevice(runner, args[0], layout.Device.Path, "", args...); err != nil {
			prg.Failure()
			return err
		}
		prg.Partial(idx + 1)
	}

	prg.Success()

	return nil
}

// MakeFsCommand returns the mkfs command line formatting p
func MakeFsCommand(p Partition) ([]string, error) {
	base, ok := mkfsArgs[p.FsType]
	if !ok {
		return nil, errors.Errorf("MakeFs() not implemented for filesystem: %q", p.FsType)
	}

	args := append([]string(nil), base...)

	if p.Label != "" {
		label := p.Label
		if maxLen := p.FsType.MaxLabelLength(); len(label) > maxLen {
			label = label[:maxLen]
			log.Warning("Truncating file system label %q to %d characters: %q", p.Label, maxLen, label)
		}

		flag := "-L"
		if p.FsType == FsVFAT {
			flag = "-n"
		}
		args = append(args, flag, label)
	}

	return append(args, p.FsDevicePath()), nil
}

// MakeFs formats p, encrypted partitions are formatted through their
// mapped device which must be open already
func MakeFs(runner cmd.Runner, p Partition) error {
	if p.FsType == FsNone {
		log.Debug("Partition %s has no file system, skipping", p.Path)
		return nil
	}

	args, err := MakeFsCommand(p)
	if err != nil {
		return err
	}

	log.Info("Formatting %s as %s", p.FsDevicePath(), p.FsType)

	return runDevice(runner, "mkfs", p.FsDevicePath(), "", args...)
}
