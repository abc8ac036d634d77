// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"

	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

const (
	// KeyFileDir holds the key files unlocking the non root partitions,
	// systemd-cryptsetup looks them up by mapped name
	KeyFileDir = "/etc/cryptsetup-keys.d"

	// KeyFileSize is the number of random bytes in a key file
	KeyFileSize = 512
)

// KeyFile is a generated key unlocking an encrypted partition at boot
type KeyFile struct {
	MappedName string

	// Path is the location inside the target
	Path string

	// HostPath is the location as seen by the running installer
	HostPath string
}

var keySource io.Reader = rand.Reader

// CreateKeyFile writes a fresh random key for mappedName in the target
// root, readable by root only
func CreateKeyFile(root string, mappedName string) (*KeyFile, error) {
	kf := &KeyFile{
		MappedName: mappedName,
		Path:       filepath.Join(KeyFileDir, mappedName+".key"),
	}
	kf.HostPath = filepath.Join(root, kf.Path)

	if err := os.MkdirAll(filepath.Dir(kf.HostPath), 0700); err != nil {
		return nil, errors.Errorf("mkdir %s: %v", filepath.Dir(kf.HostPath), err)
	}

	key := make([]byte, KeyFileSize)
	if _, err := io.ReadFull(keySource, key); err != nil {
		return nil, errors.Errorf("could not generate key for %s: %v", mappedName, err)
	}

	if err := os.WriteFile(kf.HostPath, key, 0400); err != nil {
		return nil, errors.Wrap(err)
	}

	// WriteFile keeps the mode of an existing file
	if err := os.Chmod(kf.HostPath, 0400); err != nil {
		return nil, errors.Wrap(err)
	}

	log.Debug("Created key file %s", kf.Path)

	return kf, nil
}
