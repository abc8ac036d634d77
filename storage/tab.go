// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/utils"
)

const (
	// FstabFile is the persisted mount table of the target
	FstabFile = "/etc/fstab"

	// CrypttabFile lists the encrypted devices unlocked after the root
	CrypttabFile = "/etc/crypttab"

	tabHeader = "# Generated by archstrap\n"
)

// DeviceUUID returns the UUID blkid reports for device
func DeviceUUID(runner cmd.Runner, device string) (string, error) {
	w := bytes.NewBuffer(nil)

	if err := runner.Run(w, nil, "blkid", "-s", "UUID", "-o", "value", device); err != nil {
		return "", &DeviceError{Op: "blkid", Device: device, Err: err}
	}

	uuid := strings.TrimSpace(w.String())
	if uuid == "" {
		return "", errors.Errorf("no UUID found for %s", device)
	}

	return uuid, nil
}

func fsckPass(mountPoint string) int {
	if mountPoint == "/" {
		return 1
	}
	return 2
}

// FstabLine formats a single mount table line
func FstabLine(source string, e MountEntry) string {
	return fmt.Sprintf("%s %s %s %s 0 %d", source, e.MountPoint, e.FsType, e.Options, fsckPass(e.MountPoint))
}

// FstabContent renders the mount table for entries, uuids maps a device
// to its file system UUID. Devices without UUID are referenced by path.
func FstabContent(entries []MountEntry, uuids map[string]string) string {
	var sb strings.Builder
	sb.WriteString(tabHeader)

	for _, e := range OrderForMount(entries) {
		source := e.Device
		if uuid, ok := uuids[e.Device]; ok {
			source = "UUID=" + uuid
		}
		sb.WriteString(FstabLine(source, e) + "\n")
	}

	return sb.String()
}

// CrypttabContent renders the crypttab for the encrypted partitions not
// unlocked by the initramfs, keys maps a mapped name to its key file path
// inside the target and uuids maps a partition path to its LUKS UUID
func CrypttabContent(layout *Layout, keys map[string]string, uuids map[string]string) string {
	var sb strings.Builder
	sb.WriteString(tabHeader)

	for _, p := range layout.Partitions {
		if !p.Encrypted || p.MountPoint == "/" {
			continue
		}

		source := p.Path
		if uuid, ok := uuids[p.Path]; ok {
			source = "UUID=" + uuid
		}

		key, ok := keys[p.MappedName]
		if !ok {
			key = "none"
		}

		sb.WriteString(fmt.Sprintf("%s %s %s luks\n", p.MappedName, source, key))
	}

	return sb.String()
}

func writeTab(root string, file string, content string, mode os.FileMode) error {
	path := filepath.Join(root, file)

	if err := utils.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return errors.Wrap(err)
	}

	log.Debug("Wrote %s", path)

	return nil
}

// WriteTabFiles writes fstab from the mount set and, if any non root
// partition is encrypted, crypttab
func WriteTabFiles(runner cmd.Runner, ms *MountSet, layout *Layout, keys map[string]string) error {
	fsUUIDs := map[string]string{}

	for _, e := range ms.Entries {
		uuid, err := DeviceUUID(runner, e.Device)
		if err != nil {
			return err
		}
		fsUUIDs[e.Device] = uuid
	}

	if err := writeTab(ms.Root, FstabFile, FstabContent(ms.Entries, fsUUIDs), 0644); err != nil {
		return err
	}

	luksUUIDs := map[string]string{}
	needCrypttab := false

	for _, p := range layout.Partitions {
		if !p.Encrypted || p.MountPoint == "/" {
			continue
		}

		uuid, err := DeviceUUID(runner, p.Path)
		if err != nil {
			return err
		}
		luksUUIDs[p.Path] = uuid
		needCrypttab = true
	}

	if !needCrypttab {
		return nil
	}

	return writeTab(ms.Root, CrypttabFile, CrypttabContent(layout, keys, luksUUIDs), 0600)
}

// AppendFstab adds line to the target fstab, the existing content is kept
func AppendFstab(root string, line string) error {
	path := filepath.Join(root, FstabFile)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err)
	}
	defer func() { _ = f.Close() }()

	if _, err = f.WriteString(line + "\n"); err != nil {
		return errors.Wrap(err)
	}

	return nil
}
