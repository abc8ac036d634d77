// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

const (
	// AlignmentMargin is left unallocated before the first partition
	AlignmentMargin = MiB

	// TrailingMargin is left unallocated after the last partition, it keeps
	// room for the backup GPT header
	TrailingMargin = MiB

	// DefaultBootSize is the default size of the boot partition
	DefaultBootSize = 512 * MiB

	// DefaultRootSize is the default size of the root partition when it is
	// followed by a separate home partition
	DefaultRootSize = 20 * GiB
)

// Topology is a named partition arrangement the operator may request
type Topology string

const (
	// TopologySingleRoot a single root partition filling the device
	TopologySingleRoot Topology = "single-root"

	// TopologyRootHome a fixed size root and a home filling the device
	TopologyRootHome Topology = "root-home"

	// TopologyUEFIBootRoot a boot ESP and a root filling the device
	TopologyUEFIBootRoot Topology = "uefi-boot-root"

	// TopologyUEFIBootRootHome a boot ESP, a fixed size root and a home
	// filling the device
	TopologyUEFIBootRootHome Topology = "uefi-boot-root-home"
)

// Topologies lists the supported topologies
func Topologies() []Topology {
	return []Topology{
		TopologySingleRoot,
		TopologyRootHome,
		TopologyUEFIBootRoot,
		TopologyUEFIBootRootHome,
	}
}

// ParseTopology converts a topology name
func ParseTopology(str string) (Topology, error) {
	for _, t := range Topologies() {
		if string(t) == strings.ToLower(strings.TrimSpace(str)) {
			return t, nil
		}
	}

	return "", errors.ValidationErrorf("unknown partition topology %q", str)
}

// HasBoot returns true if the topology has a separate boot partition
func (t Topology) HasBoot() bool {
	return t == TopologyUEFIBootRoot || t == TopologyUEFIBootRootHome
}

// HasHome returns true if the topology has a separate home partition
func (t Topology) HasHome() bool {
	return t == TopologyRootHome || t == TopologyUEFIBootRootHome
}

// Intent is the high level description of the wanted layout
type Intent struct {
	Topology Topology
	FsType   FileSystem
	BootSize Size
	RootSize Size
	Firmware Firmware
}

// PartitionRequest is a single partition the planner must place. Requests
// are placed in order, exactly one request, the last, fills the remaining
// space.
type PartitionRequest struct {
	MountPoint string
	FsType     FileSystem
	Size       Size
	Remaining  bool
	Flags      Flag
	Label      string
}

// InsufficientCapacityError reports a device too small for the requested
// layout, Shortfall is how many more bytes would be required
type InsufficientCapacityError struct {
	Device    string
	Required  Size
	Available Size
	Shortfall Size
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("device %s is too small: %s required, %s available (%s short)",
		e.Device, e.Required, e.Available, e.Shortfall)
}

// Requests expands the intent into the ordered partition requests
func (i Intent) Requests() ([]PartitionRequest, error) {
	fs := i.FsType
	if fs == FsNone {
		fs = FsExt4
	}

	if !IsSupportedFileSystem(fs) {
		return nil, errors.ValidationErrorf("%s can't be used for the root file system", fs)
	}

	bootSize := i.BootSize
	if bootSize == 0 {
		bootSize = DefaultBootSize
	}

	rootSize := i.RootSize
	if rootSize == 0 {
		rootSize = DefaultRootSize
	}

	reqs := []PartitionRequest{}

	// legacy firmware boots from the active partition instead of an ESP
	bootFlag := FlagESP
	if i.Firmware == FirmwareBIOS {
		bootFlag = FlagLegacyBoot
	}

	if i.Topology.HasBoot() {
		reqs = append(reqs, PartitionRequest{
			MountPoint: "/boot",
			FsType:     FsVFAT,
			Size:       bootSize,
			Flags:      bootFlag,
			Label:      "ESP",
		})
	}

	switch i.Topology {
	case TopologySingleRoot, TopologyUEFIBootRoot:
		reqs = append(reqs, PartitionRequest{
			MountPoint: "/",
			FsType:     fs,
			Remaining:  true,
			Label:      "root",
		})
	case TopologyRootHome, TopologyUEFIBootRootHome:
		reqs = append(reqs,
			PartitionRequest{
				MountPoint: "/",
				FsType:     fs,
				Size:       rootSize,
				Label:      "root",
			},
			PartitionRequest{
				MountPoint: "/home",
				FsType:     fs,
				Remaining:  true,
				Label:      "home",
			})
	default:
		return nil, errors.ValidationErrorf("unknown partition topology %q", i.Topology)
	}

	if i.Firmware == FirmwareBIOS && !i.Topology.HasBoot() {
		reqs[0].Flags |= FlagLegacyBoot
	}

	return reqs, nil
}

// Plan computes the partition layout for the intent on dev
func Plan(dev Device, intent Intent) (*Layout, error) {
	reqs, err := intent.Requests()
	if err != nil {
		return nil, err
	}

	return PlanRequests(dev, reqs)
}

func checkRequests(reqs []PartitionRequest) error {
	if len(reqs) == 0 {
		return errors.ValidationErrorf("at least one partition is required")
	}

	remaining := 0
	mountPoints := map[string]bool{}

	for idx, r := range reqs {
		if r.Remaining {
			remaining++
			if idx != len(reqs)-1 {
				return errors.ValidationErrorf("the partition filling the remaining space must be the last one")
			}
		} else if r.Size == 0 {
			return errors.ValidationErrorf("partition %d has no size", idx+1)
		}

		if r.MountPoint == "" {
			continue
		}

		if !filepath.IsAbs(r.MountPoint) {
			return errors.ValidationErrorf("mount point %q must be absolute", r.MountPoint)
		}

		mp := filepath.Clean(r.MountPoint)
		if mountPoints[mp] {
			return errors.ValidationErrorf("mount point %s is requested twice", mp)
		}
		mountPoints[mp] = true
	}

	if remaining != 1 {
		return errors.ValidationErrorf("exactly one partition must fill the remaining space, got %d", remaining)
	}

	return nil
}

func insufficient(dev Device, required, available Size) error {
	shortfall, _ := required.Sub(available)

	return &InsufficientCapacityError{
		Device:    dev.Path,
		Required:  required,
		Available: available,
		Shortfall: shortfall,
	}
}

// PlanRequests places reqs on dev. The first partition starts after the
// alignment margin, every start and length is rounded up to a whole sector,
// and the final partition takes what is left up to the trailing margin.
// PlanRequests is pure, dev is never touched.
func PlanRequests(dev Device, reqs []PartitionRequest) (*Layout, error) {
	if err := checkRequests(reqs); err != nil {
		return nil, err
	}

	sector := dev.SectorSize
	if err := checkSector(sector); err != nil {
		return nil, err
	}

	capacity := dev.UsableCapacity()

	start, err := AlignmentMargin.AlignUp(sector)
	if err != nil {
		return nil, err
	}

	layout := &Layout{Device: dev}

	for idx, r := range reqs {
		if start, err = start.AlignUp(sector); err != nil {
			return nil, err
		}

		p := Partition{
			Number:     idx + 1,
			Start:      start,
			Remaining:  r.Remaining,
			FsType:     r.FsType,
			MountPoint: r.MountPoint,
			Label:      r.Label,
			Flags:      r.Flags,
			Path:       dev.PartitionPath(idx + 1),
		}

		if p.MountPoint != "" {
			p.MountPoint = filepath.Clean(p.MountPoint)
		}

		if r.Remaining {
			// at least one whole sector must be left for the last partition
			required, err := start.Add(sector + TrailingMargin)
			if err != nil {
				return nil, err
			}

			if required > capacity {
				return nil, insufficient(dev, required, capacity)
			}

			length, _ := capacity.Sub(start + TrailingMargin)
			if p.Length, err = length.AlignDown(sector); err != nil {
				return nil, err
			}
		} else {
			if p.Length, err = r.Size.AlignUp(sector); err != nil {
				return nil, err
			}

			end, err := start.Add(p.Length)
			if err != nil {
				return nil, err
			}

			// fixed partitions must leave room for the margin and for the
			// remaining partition, which always follows them
			required, err := end.Add(sector + TrailingMargin)
			if err != nil {
				return nil, err
			}

			if required > capacity {
				return nil, insufficient(dev, required, capacity)
			}
		}

		layout.Partitions = append(layout.Partitions, p)
		start = p.End()
	}

	log.Debug("Planned layout %s", layout)

	return layout, nil
}
