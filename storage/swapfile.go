// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"os"
	"path/filepath"

	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

const (
	// SwapfileName is the default name of the swap file to create
	SwapfileName = "/var/swapfile"
)

// SwapFstabLine is the mount table line activating the swap file
func SwapFstabLine() string {
	return SwapfileName + " none swap defaults 0 0"
}

// CreateSwapFile is responsible for generating a valid swapfile
// on the installation target
func CreateSwapFile(runner cmd.Runner, rootDir string, size Size) error {
	// the swap file is only created in MiB increments
	size, err := size.AlignUp(MiB)
	if err != nil {
		return err
	}

	if size == 0 {
		return errors.ValidationErrorf("swap file size must be positive")
	}

	swapFile := filepath.Join(rootDir, SwapfileName)

	if err := allocateSwapFile(swapFile, size.Sectors(MiB)); err != nil {
		return err
	}

	return runDevice(runner, "mkswap", swapFile, "", "mkswap", swapFile)
}

func allocateSwapFile(swapFile string, blockCount uint64) error {
	block := make([]byte, MiB)

	if err := os.MkdirAll(filepath.Dir(swapFile), 0755); err != nil {
		return errors.Wrap(err)
	}

	// The permissions on the swap file should always be 0600
	f, err := os.OpenFile(swapFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err)
	}

	defer func() {
		_ = f.Close()
	}()

	bytesWritten := 0

	var i uint64
	for i = 0; i < blockCount; i++ {
		byteCount, err := f.Write(block)
		if err != nil {
			return errors.Wrap(err)
		}
		bytesWritten += byteCount
	}

	log.Debug("allocateSwapFile: Wrote %d bytes.", bytesWritten)

	return nil
}
