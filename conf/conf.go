// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package conf

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/archstrap/archstrap/utils"
)

const (
	// LogFile is the installation log file name
	LogFile = "archstrap.log"

	// ConfigFile is the install descriptor
	ConfigFile = "archstrap.yaml"

	// DefaultConfigDir is the system wide default configuration directory
	DefaultConfigDir = "/usr/share/defaults/archstrap"

	// CustomConfigDir directory contains custom configuration files
	// i.e per image configuration files
	CustomConfigDir = "/var/lib/archstrap"

	// DefaultMountRoot is where the target is assembled
	DefaultMountRoot = "/mnt/archstrap"

	// CustomizationDir is the fixed location, within the target, the
	// customization payload is copied to
	CustomizationDir = "/opt/archstrap"

	// DefaultCustomizationPayload is the host directory holding the payload
	// when the descriptor doesn't name one
	DefaultCustomizationPayload = "/tmp/archstrap"

	// CustomizationScript is the payload entry point
	CustomizationScript = "post_install.sh"

	// LockFile guards against two concurrent installer sessions
	LockFile = "/run/archstrap.lock"

	// SourcePath is the source path (within the .gopath)
	SourcePath = "src/github.com/archstrap/archstrap"
)

func isRunningFromSourceTree() (bool, string, error) {
	src, err := os.Executable()
	if err != nil {
		return false, src, err
	}
	src, err = filepath.Abs(filepath.Dir(src))
	if err != nil {
		return false, src, err
	}

	return !strings.HasPrefix(src, "/usr/bin"), src, nil
}

func lookupDefaultFile(file, pathPrefix string) (string, error) {
	if pathPrefix == "" {
		isSourceTree, sourcePath, err := isRunningFromSourceTree()
		if err != nil {
			return "", err
		}

		// use the config from source code's etc dir if not installed binary
		if isSourceTree {
			sourceRoot := strings.Replace(sourcePath, "bin", filepath.Join(SourcePath, "etc"), 1)
			candidate := filepath.Join(sourceRoot, file)
			if ok, _ := utils.FileExists(candidate); ok {
				return candidate, nil
			}
		}
	}

	custom := filepath.Join(pathPrefix, CustomConfigDir, file)

	if ok, _ := utils.FileExists(custom); ok {
		return custom, nil
	}

	return filepath.Join(pathPrefix, DefaultConfigDir, file), nil
}

// LookupDefaultConfig looks up the install descriptor
// Guesses if we're running from source code our from system, if we're running from
// source code directory then we loads the source default file, otherwise tried to load
// the system installed file
func LookupDefaultConfig() (string, error) {
	return lookupDefaultFile(ConfigFile, "")
}

// LookupDefaultChrootConfig looks up config file within the specified chroot
func LookupDefaultChrootConfig(path string) (string, error) {
	return lookupDefaultFile(ConfigFile, path)
}
