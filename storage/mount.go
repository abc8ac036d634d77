// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"

	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

// MountEntry is a file system to be mounted below the target root
type MountEntry struct {
	MountPoint string
	Device     string
	FsType     FileSystem
	Options    string
}

// Target returns where the entry is mounted when the target lives at root
func (e MountEntry) Target(root string) string {
	return filepath.Join(root, e.MountPoint)
}

func (e MountEntry) String() string {
	return fmt.Sprintf("%s on %s type %s (%s)", e.Device, e.MountPoint, e.FsType, e.Options)
}

func mountDepth(mountPoint string) int {
	mp := filepath.Clean(mountPoint)
	if mp == "/" {
		return 0
	}
	return strings.Count(mp, "/")
}

// OrderForMount returns a copy of entries sorted by path depth and then
// lexicographically, so every parent mounts before its children
func OrderForMount(entries []MountEntry) []MountEntry {
	ordered := append([]MountEntry(nil), entries...)

	sort.SliceStable(ordered, func(i, j int) bool {
		di, dj := mountDepth(ordered[i].MountPoint), mountDepth(ordered[j].MountPoint)
		if di != dj {
			return di < dj
		}
		return ordered[i].MountPoint < ordered[j].MountPoint
	})

	return ordered
}

// OrderForUnmount is the exact reverse of OrderForMount
func OrderForUnmount(entries []MountEntry) []MountEntry {
	ordered := OrderForMount(entries)

	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}

	return ordered
}

// Mounter performs the mount system calls, the installer replaces it in
// tests
type Mounter interface {
	Mount(source, target, fsType string, flags uintptr, data string) error
	Unmount(target string) error
	IsMounted(target string) (bool, error)
}

// SystemMounter mounts on the host and answers IsMounted from mountinfo
type SystemMounter struct {
	MountInfo string
}

// NewSystemMounter returns a mounter reading /proc/self/mountinfo
func NewSystemMounter() *SystemMounter {
	return &SystemMounter{MountInfo: "/proc/self/mountinfo"}
}

// Mount implements Mounter
func (sm *SystemMounter) Mount(source, target, fsType string, flags uintptr, data string) error {
	return syscall.Mount(source, target, fsType, flags, data)
}

// Unmount implements Mounter
func (sm *SystemMounter) Unmount(target string) error {
	return syscall.Unmount(target, syscall.MNT_DETACH)
}

// IsMounted implements Mounter
func (sm *SystemMounter) IsMounted(target string) (bool, error) {
	points, err := readMountInfo(sm.MountInfo)
	if err != nil {
		return false, err
	}

	return points[filepath.Clean(target)], nil
}

func readMountInfo(file string) (map[string]bool, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	return parseMountInfo(bufio.NewScanner(f))
}

// parseMountInfo collects the mount points (fifth field) of a mountinfo file
func parseMountInfo(sc *bufio.Scanner) (map[string]bool, error) {
	points := map[string]bool{}

	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		points[unescapeMountPath(fields[4])] = true
	}

	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err)
	}

	return points, nil
}

// unescapeMountPath decodes the octal escapes (\040 for space) the kernel
// uses in mount paths
func unescapeMountPath(path string) string {
	if !strings.Contains(path, `\`) {
		return path
	}

	var sb strings.Builder
	for i := 0; i < len(path); i++ {
		if path[i] == '\\' && i+3 < len(path) {
			if v, err := strconv.ParseUint(path[i+1:i+4], 8, 8); err == nil {
				sb.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		sb.WriteByte(path[i])
	}

	return sb.String()
}

var mountFlags = map[string]uintptr{
	"ro":          syscall.MS_RDONLY,
	"rw":          0,
	"defaults":    0,
	"relatime":    syscall.MS_RELATIME,
	"noatime":     syscall.MS_NOATIME,
	"strictatime": syscall.MS_STRICTATIME,
	"nodev":       syscall.MS_NODEV,
	"nosuid":      syscall.MS_NOSUID,
	"noexec":      syscall.MS_NOEXEC,
	"bind":        syscall.MS_BIND,
}

// splitOptions separates the options mapping to mount flags from the ones
// passed to the file system driver
func splitOptions(options string) (uintptr, string) {
	var flags uintptr
	data := []string{}

	for _, opt := range strings.Split(options, ",") {
		if opt = strings.TrimSpace(opt); opt == "" {
			continue
		}

		if f, ok := mountFlags[opt]; ok {
			flags |= f
			continue
		}

		data = append(data, opt)
	}

	return flags, strings.Join(data, ",")
}

// MountError reports the entry which could not be mounted
type MountError struct {
	MountPoint string
	Device     string
	Err        error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount %s on %s: %v", e.Device, e.MountPoint, e.Err)
}

// Unwrap returns the underlying mount failure
func (e *MountError) Unwrap() error {
	return e.Err
}

// MountSet is the ordered set of file systems making up the target root
type MountSet struct {
	Root    string
	Entries []MountEntry
	mounter Mounter
}

var metaFs = []struct {
	source string
	fsType string
}{
	{"/proc", "proc"},
	{"/sys", "sysfs"},
	{"/dev", "devtmpfs"},
}

// NewMountSet builds the mount set of layout below root
func NewMountSet(root string, layout *Layout, mounter Mounter) *MountSet {
	if mounter == nil {
		mounter = NewSystemMounter()
	}

	return &MountSet{
		Root:    filepath.Clean(root),
		Entries: layout.MountEntries(),
		mounter: mounter,
	}
}

// Missing returns the entries not currently mounted, in mount order
func (ms *MountSet) Missing() ([]MountEntry, error) {
	missing := []MountEntry{}

	for _, e := range ms.Entries {
		mounted, err := ms.mounter.IsMounted(e.Target(ms.Root))
		if err != nil {
			return nil, err
		}

		if !mounted {
			missing = append(missing, e)
		}
	}

	return missing, nil
}

// Mount mounts every entry not already mounted, parents first. It stops on
// the first failure, the entries mounted so far are left in place.
func (ms *MountSet) Mount() error {
	for _, e := range ms.Entries {
		target := e.Target(ms.Root)

		mounted, err := ms.mounter.IsMounted(target)
		if err != nil {
			return &MountError{MountPoint: e.MountPoint, Device: e.Device, Err: err}
		}

		if mounted {
			log.Debug("%s already mounted, skipping", target)
			continue
		}

		if err = os.MkdirAll(target, 0755); err != nil {
			return &MountError{MountPoint: e.MountPoint, Device: e.Device, Err: err}
		}

		flags, data := splitOptions(e.Options)
		if err = ms.mounter.Mount(e.Device, target, string(e.FsType), flags, data); err != nil {
			return &MountError{MountPoint: e.MountPoint, Device: e.Device, Err: err}
		}

		log.Debug("Mounted ok: %s", target)
	}

	return nil
}

// MountMetaFs bind mounts proc, sysfs and devfs in the target root
func (ms *MountSet) MountMetaFs() error {
	for _, m := range metaFs {
		target := filepath.Join(ms.Root, m.source)

		mounted, err := ms.mounter.IsMounted(target)
		if err != nil {
			return errors.Wrap(err)
		}

		if mounted {
			continue
		}

		if err = os.MkdirAll(target, 0755); err != nil {
			return errors.Errorf("mkdir %s: %v", target, err)
		}

		if err = ms.mounter.Mount(m.source, target, m.fsType, syscall.MS_BIND|syscall.MS_REC, ""); err != nil {
			return &MountError{MountPoint: m.source, Device: m.source, Err: err}
		}
	}

	return nil
}

// Unmount unmounts the meta file systems and every mounted entry, children
// first. It keeps going on failures and returns all of them.
func (ms *MountSet) Unmount() error {
	var result *multierror.Error

	targets := []string{}
	for i := len(metaFs) - 1; i >= 0; i-- {
		targets = append(targets, filepath.Join(ms.Root, metaFs[i].source))
	}

	for _, e := range OrderForUnmount(ms.Entries) {
		targets = append(targets, e.Target(ms.Root))
	}

	for _, target := range targets {
		mounted, err := ms.mounter.IsMounted(target)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}

		if !mounted {
			continue
		}

		if err = ms.mounter.Unmount(target); err != nil {
			result = multierror.Append(result, errors.Errorf("umount %s: %v", target, err))
			continue
		}

		log.Debug("Unmounted ok: %s", target)
	}

	return result.ErrorOrNil()
}
