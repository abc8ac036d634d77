// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

const mapperDir = "/dev/mapper/"

// parseMountSources returns the mounts at or below root found in a
// mountinfo file. MountPoint is the absolute host path.
func parseMountSources(sc *bufio.Scanner, root string) ([]MountEntry, error) {
	root = filepath.Clean(root)
	entries := []MountEntry{}

	for sc.Scan() {
		line := sc.Text()

		sep := strings.Index(line, " - ")
		if sep < 0 {
			continue
		}

		fields := strings.Fields(line[:sep])
		tail := strings.Fields(line[sep+3:])

		if len(fields) < 5 || len(tail) < 2 {
			continue
		}

		target := unescapeMountPath(fields[4])
		if target != root && !strings.HasPrefix(target, root+"/") {
			continue
		}

		entries = append(entries, MountEntry{
			MountPoint: target,
			Device:     unescapeMountPath(tail[1]),
			FsType:     FileSystem(tail[0]),
		})
	}

	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err)
	}

	return entries, nil
}

// MountedBelow lists what is currently mounted at or below root
func (sm *SystemMounter) MountedBelow(root string) ([]MountEntry, error) {
	f, err := os.Open(sm.MountInfo)
	if err != nil {
		return nil, errors.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	return parseMountSources(bufio.NewScanner(f), root)
}

// MountLister is a Mounter which can also list the current mounts
type MountLister interface {
	Mounter
	MountedBelow(root string) ([]MountEntry, error)
}

// UmountAll unmounts everything below root, children first, and closes the
// encrypted devices which were mounted there. It doesn't need the layout
// the target was installed with.
func UmountAll(root string, ml MountLister, runner cmd.Runner) error {
	if ml == nil {
		ml = NewSystemMounter()
	}

	entries, err := ml.MountedBelow(root)
	if err != nil {
		return err
	}

	var result *multierror.Error
	mapped := []string{}

	for _, e := range OrderForUnmount(entries) {
		if err = ml.Unmount(e.MountPoint); err != nil {
			result = multierror.Append(result, errors.Errorf("umount %s: %v", e.MountPoint, err))
			continue
		}

		log.Debug("Unmounted ok: %s", e.MountPoint)

		if strings.HasPrefix(e.Device, mapperDir) {
			mapped = append(mapped, strings.TrimPrefix(e.Device, mapperDir))
		}
	}

	for _, name := range mapped {
		err = runDevice(runner, "luksClose", mapperDir+name, "", "cryptsetup", "luksClose", name)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
