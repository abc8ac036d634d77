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

// ErrLayoutFrozen is returned when a layout is changed after disk
// preparation started
var ErrLayoutFrozen = errors.ValidationErrorf("partition layout can not change once formatting started")

// Layout is the ordered list of partitions planned for a device
type Layout struct {
	Device     Device
	Partitions []Partition
	frozen     bool
}

// Freeze marks the layout as immutable, it's called right before the first
// destructive disk operation
func (l *Layout) Freeze() {
	l.frozen = true
}

// Frozen returns true once Freeze was called
func (l *Layout) Frozen() bool {
	return l.frozen
}

// Clone returns a mutable deep copy of l
func (l *Layout) Clone() *Layout {
	parts := make([]Partition, len(l.Partitions))
	copy(parts, l.Partitions)

	return &Layout{Device: l.Device, Partitions: parts}
}

// Validate checks the layout structure: partitions are
// sector aligned, strictly increasing and non-overlapping, at most one
// partition fills the remaining space and it is the last one, and nothing
// extends into the trailing margin
func (l *Layout) Validate() error {
	if len(l.Partitions) == 0 {
		return errors.ValidationErrorf("layout for %s has no partitions", l.Device.Path)
	}

	sector := l.Device.SectorSize
	if err := checkSector(sector); err != nil {
		return err
	}

	limit, err := l.Device.UsableCapacity().Sub(TrailingMargin)
	if err != nil {
		return errors.ValidationErrorf("device %s is smaller than the alignment margins", l.Device.Path)
	}

	var prevEnd Size
	mountPoints := map[string]bool{}

	for idx, p := range l.Partitions {
		if p.Length == 0 {
			return errors.ValidationErrorf("partition %d has zero length", p.Number)
		}

		if !p.Start.IsAligned(sector) || !p.Length.IsAligned(sector) {
			return errors.ValidationErrorf("partition %d is not aligned to %d byte sectors", p.Number, sector)
		}

		if idx > 0 && p.Start < prevEnd {
			return errors.ValidationErrorf("partition %d overlaps partition %d", p.Number, l.Partitions[idx-1].Number)
		}

		if p.Remaining && idx != len(l.Partitions)-1 {
			return errors.ValidationErrorf("only the last partition may fill the remaining space")
		}

		end, err := p.Start.Add(p.Length)
		if err != nil || end > limit {
			return errors.ValidationErrorf("partition %d ends past the usable capacity of %s", p.Number, l.Device.Path)
		}

		if p.MountPoint != "" {
			if mountPoints[p.MountPoint] {
				return errors.ValidationErrorf("mount point %s is used twice", p.MountPoint)
			}
			mountPoints[p.MountPoint] = true
		}

		prevEnd = end
	}

	if !mountPoints["/"] {
		return errors.ValidationErrorf("layout for %s has no root partition", l.Device.Path)
	}

	return nil
}

// Find returns the partition mounted at mountPoint
func (l *Layout) Find(mountPoint string) (*Partition, bool) {
	for idx := range l.Partitions {
		if l.Partitions[idx].MountPoint == mountPoint {
			return &l.Partitions[idx], true
		}
	}

	return nil, false
}

// Root returns the partition mounted at /
func (l *Layout) Root() *Partition {
	p, _ := l.Find("/")
	return p
}

// ESP returns the EFI system partition, if any
func (l *Layout) ESP() *Partition {
	for idx := range l.Partitions {
		if l.Partitions[idx].Has(FlagESP) {
			return &l.Partitions[idx]
		}
	}

	return nil
}

// Encrypted returns true if any partition is encrypted
func (l *Layout) Encrypted() bool {
	for _, p := range l.Partitions {
		if p.Encrypted {
			return true
		}
	}

	return false
}

// SetMountPoint changes the mount point of the partition number n
func (l *Layout) SetMountPoint(n int, mountPoint string) error {
	if l.frozen {
		return ErrLayoutFrozen
	}

	for idx := range l.Partitions {
		if l.Partitions[idx].Number == n {
			l.Partitions[idx].MountPoint = filepath.Clean(mountPoint)
			return nil
		}
	}

	return errors.ValidationErrorf("no partition number %d on %s", n, l.Device.Path)
}

// MountEntries returns a mount entry for every partition with a mount point,
// in mount order
func (l *Layout) MountEntries() []MountEntry {
	entries := []MountEntry{}

	for _, p := range l.Partitions {
		if p.MountPoint == "" || p.FsType == FsNone {
			continue
		}

		entries = append(entries, MountEntry{
			MountPoint: p.MountPoint,
			Device:     p.FsDevicePath(),
			FsType:     p.FsType,
			Options:    defaultMountOptions(p),
		})
	}

	return OrderForMount(entries)
}

func defaultMountOptions(p Partition) string {
	if p.FsType == FsVFAT {
		return "rw,relatime,fmask=0077,dmask=0077"
	}

	return "rw,relatime"
}

func (l *Layout) String() string {
	lines := []string{fmt.Sprintf("%s:", l.Device)}

	for _, p := range l.Partitions {
		lines = append(lines, "  "+p.String())
	}

	return strings.Join(lines, "\n")
}
