// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package services

import (
	"regexp"
	"strings"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

var (
	// DefaultServices are enabled when the descriptor doesn't list any
	DefaultServices = []string{"NetworkManager", "sshd"}

	unitExp = regexp.MustCompile(`^[a-zA-Z0-9:_.\\@-]+$`)
)

// UnitName appends the .service suffix to bare service names
func UnitName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}

	return name + ".service"
}

// IsValidService returns empty string if the service name is acceptable
// for systemctl
func IsValidService(name string) string {
	if name == "" || !unitExp.MatchString(name) || strings.HasPrefix(name, "-") {
		return "Invalid service name"
	}

	return ""
}

// Enable enables each service in the target, in order
func Enable(ex *chroot.Executor, services []string) error {
	for _, svc := range services {
		if msg := IsValidService(svc); msg != "" {
			return errors.ValidationErrorf("%s: %q", msg, svc)
		}

		log.Info("Enabling service %s", svc)

		if _, err := ex.Run("systemctl", "enable", UnitName(svc)); err != nil {
			return errors.Wrap(err)
		}
	}

	return nil
}
