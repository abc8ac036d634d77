// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"fmt"
	"strings"

	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

// DeviceError reports a failed external tool operation on a device
type DeviceError struct {
	Op     string
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Device, e.Err)
}

// Unwrap returns the underlying tool error
func (e *DeviceError) Unwrap() error {
	return e.Err
}

func runDevice(runner cmd.Runner, op string, device string, stdin string, args ...string) error {
	lw := cmd.NewLogWriter()
	defer lw.Flush()

	var err error
	if stdin != "" {
		err = runner.Run(lw, strings.NewReader(stdin), args...)
	} else {
		err = runner.Run(lw, nil, args...)
	}

	if err != nil {
		return &DeviceError{Op: op, Device: device, Err: err}
	}

	return nil
}

// MapEncrypted formats the partition as a LUKS container and opens it under
// its mapped name. The passphrase is passed on stdin only.
func (p Partition) MapEncrypted(runner cmd.Runner, enc Encryption) error {
	if !p.Encrypted {
		return errors.Errorf("partition %s is not marked for encryption", p.Path)
	}

	if enc.Passphrase == "" {
		return ErrEmptyPassphrase
	}

	scheme, err := ParseScheme(string(enc.Scheme))
	if err != nil {
		return err
	}

	log.Info("Encrypting %s as %s", p.Path, p.MappedName)

	args := []string{
		"cryptsetup",
		"--batch-mode",
		"--type", string(scheme),
		"--hash=" + EncryptHash,
		"--cipher=" + EncryptCipher,
		fmt.Sprintf("--key-size=%d", EncryptKeySize),
		"--key-file=-",
		"luksFormat",
		p.Path,
	}

	if err := runDevice(runner, "luksFormat", p.Path, enc.Passphrase.Reveal(), args...); err != nil {
		return err
	}

	return p.OpenEncrypted(runner, enc.Passphrase)
}

// OpenEncrypted opens an already formatted LUKS partition
func (p Partition) OpenEncrypted(runner cmd.Runner, passphrase Secret) error {
	args := []string{
		"cryptsetup",
		"--key-file=-",
		"luksOpen",
		p.Path,
		p.MappedName,
	}

	return runDevice(runner, "luksOpen", p.Path, passphrase.Reveal(), args...)
}

// CloseEncrypted closes the mapped device of the partition
func (p Partition) CloseEncrypted(runner cmd.Runner) error {
	if !p.Encrypted {
		return nil
	}

	return runDevice(runner, "luksClose", p.MapperPath(), "", "cryptsetup", "luksClose", p.MappedName)
}

// AddKeyFile enrolls keyFile as an additional key of the partition, the
// existing passphrase authorizes the change
func (p Partition) AddKeyFile(runner cmd.Runner, passphrase Secret, keyFile string) error {
	args := []string{
		"cryptsetup",
		"--batch-mode",
		"--key-file=-",
		"luksAddKey",
		p.Path,
		keyFile,
	}

	return runDevice(runner, "luksAddKey", p.Path, passphrase.Reveal(), args...)
}
