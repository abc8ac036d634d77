// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package hostname

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/utils"
)

var (
	startsWithExp = regexp.MustCompile(`^[0-9A-Za-z]`)
	hostnameExp   = regexp.MustCompile(`^[0-9A-Za-z]+[0-9A-Za-z-]*$`)
)

const (
	// MaxHostnameLength is the longest possible hostname
	MaxHostnameLength = 63

	// DefaultHostname is used when none is configured
	DefaultHostname = "archlinux"

	hostsTemplate = `127.0.0.1	localhost
::1		localhost
127.0.1.1	%s.localdomain	%s
`
)

// IsValidHostname returns error message or "" if is valid
// https://en.wikipedia.org/wiki/Hostname
func IsValidHostname(hostname string) string {
	if !startsWithExp.MatchString(hostname) {
		return utils.Locale.Get("Hostname can only start with alphanumeric")
	}
	if !hostnameExp.MatchString(hostname) {
		return utils.Locale.Get("Hostname can only contain alphanumeric and hyphen")
	}
	if len(hostname) > MaxHostnameLength {
		return utils.Locale.Get("Hostname can only have a maximum of %d characters", MaxHostnameLength)
	}

	return ""
}

// SetTargetHostname writes the target /etc/hostname and an /etc/hosts
// resolving the hostname locally
func SetTargetHostname(rootDir string, hostname string) error {
	if msg := IsValidHostname(hostname); msg != "" {
		return errors.ValidationErrorf("%s", msg)
	}

	hostDir := filepath.Join(rootDir, "etc")

	if err := utils.MkdirAll(hostDir, 0755); err != nil {
		return errors.Errorf("Failed to create directory (%v) %q", err, hostDir)
	}

	hostFile := filepath.Join(hostDir, "hostname")
	if err := os.WriteFile(hostFile, []byte(hostname+"\n"), 0644); err != nil {
		return errors.Errorf("Failed to create hostname file (%v) %q", err, hostFile)
	}

	hostsFile := filepath.Join(hostDir, "hosts")
	hosts := fmt.Sprintf(hostsTemplate, hostname, hostname)
	if err := os.WriteFile(hostsFile, []byte(hosts), 0644); err != nil {
		return errors.Errorf("Failed to create hosts file (%v) %q", err, hostsFile)
	}

	log.Debug("Set Installation Target (%q) hostname to %q", hostFile, hostname)

	return nil
}
