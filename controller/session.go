// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package controller

import (
	"fmt"

	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/model"
	"github.com/archstrap/archstrap/storage"
)

// Stage is a step of the installation, stages run in their numeric order
type Stage int

const (
	// StagePrepare writes the partition table, LUKS containers and file systems
	StagePrepare Stage = iota

	// StageMount mounts the target file systems
	StageMount

	// StageSanity verifies every file system is mounted
	StageSanity

	// StageKeys creates the key files of the encrypted partitions
	StageKeys

	// StageBase installs the base packages and builds the boot images
	StageBase

	// StageBootloader installs the boot loader
	StageBootloader

	// StageNetwork configures the target network
	StageNetwork

	// StageIdentity creates the users and sets the root credential
	StageIdentity

	// StageLocale sets hostname, time zone, locale, keymap and time sync
	StageLocale

	// StageServices enables the requested services
	StageServices

	// StageMountTable writes fstab and crypttab
	StageMountTable

	// StageCustomization runs the customization payload
	StageCustomization

	// StageShell offers an interactive shell in the target
	StageShell
)

var stageNames = map[Stage]string{
	StagePrepare:       "disk preparation",
	StageMount:         "mount",
	StageSanity:        "sanity check",
	StageKeys:          "key material",
	StageBase:          "base population",
	StageBootloader:    "bootloader install",
	StageNetwork:       "network configuration",
	StageIdentity:      "identity provisioning",
	StageLocale:        "locale and time",
	StageServices:      "service enablement",
	StageMountTable:    "persistent mount table",
	StageCustomization: "customization handoff",
	StageShell:         "interactive shell",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage %d", int(s))
}

// Session is one installation run. The input fields are set once by
// NewSession, the stages only append derived state.
type Session struct {
	Model      *model.SystemInstall
	Passphrase storage.Secret
	RootDir    string
	Firmware   storage.Firmware

	Layout   *storage.Layout
	Mounts   *storage.MountSet
	KeyFiles []*storage.KeyFile

	prepared      bool
	baseInstalled bool
	tabWritten    bool
	completed     []Stage
}

// NewSession plans the target layout of dev for md. Every planning error
// is reported here, before anything is written to the device.
func NewSession(md *model.SystemInstall, dev storage.Device, passphrase storage.Secret, rootDir string) (*Session, error) {
	if err := md.Validate(); err != nil {
		return nil, err
	}

	intent, err := md.Intent()
	if err != nil {
		return nil, err
	}

	if err = dev.Validate(); err != nil {
		return nil, err
	}

	layout, err := storage.Plan(dev, intent)
	if err != nil {
		return nil, err
	}

	if md.Encrypt {
		scheme, err := storage.ParseScheme(md.EncryptionScheme)
		if err != nil {
			return nil, err
		}

		enc := storage.Encryption{Scheme: scheme, Passphrase: passphrase}
		if layout, err = storage.ApplyEncryption(layout, enc, nil); err != nil {
			return nil, err
		}
	}

	if rootDir == "" {
		return nil, errors.ValidationErrorf("A target root directory is required")
	}

	log.Debug("Planned layout:\n%s", layout)

	return &Session{
		Model:      md,
		Passphrase: passphrase,
		RootDir:    rootDir,
		Firmware:   intent.Firmware,
		Layout:     layout,
	}, nil
}

// Encryption returns the encryption descriptor of the session
func (s *Session) Encryption() storage.Encryption {
	scheme, _ := storage.ParseScheme(s.Model.EncryptionScheme)
	return storage.Encryption{Scheme: scheme, Passphrase: s.Passphrase}
}

// Completed returns the stages which finished, in order
func (s *Session) Completed() []Stage {
	return append([]Stage(nil), s.completed...)
}

// KeyFilePaths maps the mapped names to the key file paths in the target
func (s *Session) KeyFilePaths() map[string]string {
	keys := map[string]string{}

	for _, kf := range s.KeyFiles {
		keys[kf.MappedName] = kf.Path
	}

	return keys
}
