// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package network

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/utils"
)

// Mode selects how the target system configures its network
type Mode string

// Interface is a static interface configuration applied with systemd-networkd
type Interface struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	NetMask string `yaml:"netmask"`
	Gateway string `yaml:"gateway,omitempty"`
	DNS     string `yaml:"dns,omitempty"`
}

const (
	// NetworkManager enables the NetworkManager daemon
	NetworkManager Mode = "networkmanager"

	// Networkd writes a DHCP .network unit and enables systemd-networkd
	Networkd Mode = "systemd-networkd"

	// CopyISO copies the live environment's systemd-networkd configuration
	CopyISO Mode = "copy-iso"

	// None leaves the network unconfigured
	None Mode = "none"

	// DefaultMode is used when the descriptor doesn't choose one
	DefaultMode = NetworkManager

	// ConfigDir is the systemd-networkd configuration directory
	ConfigDir = "/etc/systemd/network"

	// WiredUnit is the DHCP configuration written for the wired interfaces
	WiredUnit = "20-wired.network"

	wiredMatch = "en*"
)

var (
	validIPExp = regexp.MustCompile(`^((25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)(\.{1})){3}(25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?){1}$`)
	ifaceExp   = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,15}$`)

	// HostConfigDir is the live environment configuration copied by CopyISO
	HostConfigDir = ConfigDir

	modes = []Mode{NetworkManager, Networkd, CopyISO, None}
)

// ParseMode validates a network mode string, an empty string means the
// default mode
func ParseMode(str string) (Mode, error) {
	if str == "" {
		return DefaultMode, nil
	}

	for _, curr := range modes {
		if string(curr) == str {
			return curr, nil
		}
	}

	return "", errors.ValidationErrorf("Invalid network mode %q", str)
}

// Services returns the systemd units enabled for the mode
func (m Mode) Services() []string {
	switch m {
	case NetworkManager:
		return []string{"NetworkManager.service"}
	case Networkd, CopyISO:
		return []string{"systemd-networkd.service", "systemd-resolved.service"}
	}

	return nil
}

// Packages returns the packages the mode requires in the target
func (m Mode) Packages() []string {
	if m == NetworkManager {
		return []string{"networkmanager"}
	}

	return nil
}

// Validate checks the static interface configuration
func (i *Interface) Validate() error {
	if !ifaceExp.MatchString(i.Name) {
		return errors.ValidationErrorf("Invalid interface name %q", i.Name)
	}

	if msg := IsValidIP(i.Address); msg != "" {
		return errors.ValidationErrorf("Interface %s: %s address %q", i.Name, msg, i.Address)
	}

	if _, err := netMaskToCIDR(i.NetMask); err != nil {
		return errors.ValidationErrorf("Interface %s: invalid netmask %q", i.Name, i.NetMask)
	}

	for _, ip := range []string{i.Gateway, i.DNS} {
		if ip == "" {
			continue
		}

		if msg := IsValidIP(ip); msg != "" {
			return errors.ValidationErrorf("Interface %s: %s address %q", i.Name, msg, ip)
		}
	}

	return nil
}

func netMaskToCIDR(mask string) (num int, err error) {
	var tks = strings.Split(mask, ".")
	if len(tks) != 4 {
		return 0, errors.Errorf("Invalid mask: %s", mask)
	}

	var result uint32
	for _, octet := range tks {
		bt, err := strconv.ParseUint(octet, 10, 8)

		if err != nil {
			return 0, errors.Wrap(err)
		}

		result = result << 8
		result += uint32(bt)
	}

	bits := 0
	for result > 0 {
		rem := result & 1
		bits += int(rem)
		result = result >> 1
	}

	return bits, nil
}

// UnitFile returns the systemd-networkd unit name for the interface
func (i *Interface) UnitFile() string {
	return fmt.Sprintf("10-%s.network", i.Name)
}

// Unit serializes the static configuration as a .network unit
func (i *Interface) Unit() (io.Reader, error) {
	cidr, err := netMaskToCIDR(i.NetMask)
	if err != nil {
		return nil, err
	}

	opts := []*unit.UnitOption{
		unit.NewUnitOption("Match", "Name", i.Name),
		unit.NewUnitOption("Network", "Address", fmt.Sprintf("%s/%d", i.Address, cidr)),
	}

	if i.Gateway != "" {
		opts = append(opts, unit.NewUnitOption("Network", "Gateway", i.Gateway))
	}

	if i.DNS != "" {
		opts = append(opts, unit.NewUnitOption("Network", "DNS", i.DNS))
	}

	return unit.Serialize(opts), nil
}

// DHCPUnit is the .network unit enabling DHCP on every wired interface
func DHCPUnit() io.Reader {
	return unit.Serialize([]*unit.UnitOption{
		unit.NewUnitOption("Match", "Name", wiredMatch),
		unit.NewUnitOption("Network", "DHCP", "yes"),
	})
}

func writeUnit(rootDir string, name string, r io.Reader) error {
	dir := filepath.Join(rootDir, ConfigDir)

	if err := utils.MkdirAll(dir, 0755); err != nil {
		return err
	}

	content, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err)
	}

	if err = os.WriteFile(filepath.Join(dir, name), content, 0644); err != nil {
		return errors.Wrap(err)
	}

	return nil
}

// CopyNetworkInterfaces copies the live environment's network units into
// the target
func CopyNetworkInterfaces(rootDir string) error {
	entries, err := os.ReadDir(HostConfigDir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warning("No network configuration found at %s", HostConfigDir)
			return nil
		}
		return errors.Wrap(err)
	}

	dest := filepath.Join(rootDir, ConfigDir)
	if err = utils.MkdirAll(dest, 0755); err != nil {
		return err
	}

	for _, curr := range entries {
		if curr.IsDir() {
			continue
		}

		log.Debug("Copying network unit %s", curr.Name())

		if err = utils.CopyFile(filepath.Join(HostConfigDir, curr.Name()), filepath.Join(dest, curr.Name())); err != nil {
			return err
		}
	}

	return nil
}

// Apply configures the target network according to mode, static
// interfaces are only honoured by systemd-networkd
func Apply(ex *chroot.Executor, mode Mode, ifaces []*Interface) error {
	if ex.Root == "" {
		return errors.Errorf("Could not apply network settings, Invalid root directory: %s", ex.Root)
	}

	switch mode {
	case None:
		log.Info("Network configuration disabled, skipping")
		return nil
	case NetworkManager:
	case Networkd:
		if len(ifaces) == 0 {
			if err := writeUnit(ex.Root, WiredUnit, DHCPUnit()); err != nil {
				return err
			}
		}

		for _, curr := range ifaces {
			r, err := curr.Unit()
			if err != nil {
				return err
			}

			if err = writeUnit(ex.Root, curr.UnitFile(), r); err != nil {
				return err
			}
		}
	case CopyISO:
		if err := CopyNetworkInterfaces(ex.Root); err != nil {
			return err
		}
	default:
		return errors.Errorf("Unknown network mode: %s", mode)
	}

	for _, svc := range mode.Services() {
		if _, err := ex.Run("systemctl", "enable", svc); err != nil {
			return errors.Wrap(err)
		}
	}

	return nil
}

// IsValidIP returns empty string if IP address is valid
func IsValidIP(str string) string {
	if !validIPExp.MatchString(str) {
		return "Invalid"
	}

	return ""
}
