// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package model

import (
	"os"
	"regexp"

	"gopkg.in/yaml.v2"

	"github.com/archstrap/archstrap/bootloader"
	"github.com/archstrap/archstrap/encrypt"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/hostname"
	"github.com/archstrap/archstrap/language"
	"github.com/archstrap/archstrap/network"
	"github.com/archstrap/archstrap/pacstrap"
	"github.com/archstrap/archstrap/services"
	"github.com/archstrap/archstrap/storage"
	"github.com/archstrap/archstrap/timezone"
	"github.com/archstrap/archstrap/user"
	"github.com/archstrap/archstrap/utils"
)

// Version of archstrap.
// Also used by the Makefile for releases.
var Version = "0.3.0"

// PartitionLayout is the requested partition topology of the target device
type PartitionLayout struct {
	Topology   string       `yaml:"topology,omitempty"`
	FileSystem string       `yaml:"filesystem,omitempty"`
	BootSize   storage.Size `yaml:"bootSize,omitempty"`
	RootSize   storage.Size `yaml:"rootSize,omitempty"`
}

// Customization points to the post install script run in the target
type Customization struct {
	Path string `yaml:"path,omitempty"`
}

// SystemInstall represents the system install "configuration", the target
// device, packages to install and the target system identity
type SystemInstall struct {
	TargetDevice      string               `yaml:"targetDevice,omitempty"`
	Firmware          string               `yaml:"firmware,omitempty"`
	Layout            *PartitionLayout     `yaml:"layout,omitempty"`
	Encrypt           bool                 `yaml:"encrypt,omitempty"`
	EncryptionScheme  string               `yaml:"encryptionScheme,omitempty"`
	Hostname          string               `yaml:"hostname,omitempty"`
	Users             []*user.User         `yaml:"users,omitempty"`
	RootPassword      string               `yaml:"rootPassword,omitempty"`
	Services          []string             `yaml:"services,omitempty,flow"`
	Packages          []string             `yaml:"packages,omitempty,flow"`
	Mirrors           []string             `yaml:"mirrors,omitempty"`
	Timezone          *timezone.TimeZone   `yaml:"timezone,omitempty"`
	Language          *language.Language   `yaml:"locale,omitempty"`
	Keyboard          string               `yaml:"keyboard,omitempty"`
	Bootloader        string               `yaml:"bootloader,omitempty"`
	UKI               bool                 `yaml:"uki,omitempty"`
	Network           string               `yaml:"network,omitempty"`
	NetworkInterfaces []*network.Interface `yaml:"networkInterfaces,omitempty"`
	NTPServers        []string             `yaml:"ntpServers,omitempty,flow"`
	SwapSize          storage.Size         `yaml:"swapSize,omitempty"`
	Customization     *Customization       `yaml:"customization,omitempty"`
	Unattended        bool                 `yaml:"unattended,omitempty"`
	DryRun            bool                 `yaml:"dryRun,omitempty"`
	PostUnmount       bool                 `yaml:"postUnmount,omitempty"`
	PostArchive       bool                 `yaml:"postArchive,omitempty"`
	MountRoot         string               `yaml:"mountRoot,omitempty"`
}

const configHeader = "#archstrap-config\n"

var ntpExp = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)

// NewSystemInstall returns a model holding the default configuration
func NewSystemInstall() *SystemInstall {
	lang, _ := language.Parse(language.DefaultLanguage)

	return &SystemInstall{
		Layout:      &PartitionLayout{},
		Hostname:    hostname.DefaultHostname,
		Services:    append([]string(nil), services.DefaultServices...),
		Packages:    append([]string(nil), pacstrap.DefaultPackages...),
		Timezone:    &timezone.TimeZone{Code: timezone.DefaultTimezone},
		Language:    lang,
		Keyboard:    language.DefaultKeymap,
		Network:     string(network.DefaultMode),
		PostArchive: true,
	}
}

// ContainsPackage returns true if the data model has a package and false otherwise
func (si *SystemInstall) ContainsPackage(pkg string) bool {
	return utils.StringSliceContains(si.Packages, pkg)
}

// AddPackage adds a new package to the data model, we make sure to not duplicate entries
func (si *SystemInstall) AddPackage(pkg string) {
	si.Packages = utils.AppendUnique(si.Packages, pkg)
}

// RemovePackage removes a package from the data model
func (si *SystemInstall) RemovePackage(pkg string) {
	pkgs := []string{}

	for _, curr := range si.Packages {
		if curr != pkg {
			pkgs = append(pkgs, curr)
		}
	}

	si.Packages = pkgs
}

// RemoveAllUsers remove from the data model all previously added user
func (si *SystemInstall) RemoveAllUsers() {
	si.Users = []*user.User{}
}

// AddUser adds a new user to the data model, this function also prevents duplicate entries
func (si *SystemInstall) AddUser(usr *user.User) {
	for _, curr := range si.Users {
		if curr.Equals(usr) {
			return
		}
	}

	si.Users = append(si.Users, usr)
}

// FirmwareMode returns the firmware the target boots with, detected from
// the running system unless the descriptor forces it
func (si *SystemInstall) FirmwareMode() (storage.Firmware, error) {
	switch si.Firmware {
	case "":
		return storage.DetectFirmware(), nil
	case "uefi":
		return storage.FirmwareUEFI, nil
	case "bios":
		return storage.FirmwareBIOS, nil
	}

	return storage.FirmwareBIOS, errors.ValidationErrorf("Invalid firmware %q, use uefi or bios", si.Firmware)
}

// Intent converts the requested layout into a planner intent
func (si *SystemInstall) Intent() (storage.Intent, error) {
	var intent storage.Intent

	fw, err := si.FirmwareMode()
	if err != nil {
		return intent, err
	}

	layout := si.Layout
	if layout == nil {
		layout = &PartitionLayout{}
	}

	topology := layout.Topology
	if topology == "" {
		topology = string(storage.TopologySingleRoot)
		if fw == storage.FirmwareUEFI {
			topology = string(storage.TopologyUEFIBootRoot)
		}
	}

	if intent.Topology, err = storage.ParseTopology(topology); err != nil {
		return intent, err
	}

	if fw == storage.FirmwareUEFI && !intent.Topology.HasBoot() {
		return intent, errors.ValidationErrorf("Topology %s has no EFI system partition", intent.Topology)
	}

	if intent.FsType, err = storage.ParseFileSystem(layout.FileSystem); err != nil {
		return intent, err
	}

	intent.BootSize = layout.BootSize
	intent.RootSize = layout.RootSize
	intent.Firmware = fw

	return intent, nil
}

// Validate checks the model for possible inconsistencies or "minimum required"
// information
func (si *SystemInstall) Validate() error {
	// si will be nil if we fail to unmarshal
	if si == nil {
		return errors.ValidationErrorf("model is nil")
	}

	if si.TargetDevice == "" {
		return errors.ValidationErrorf("System Installation must provide a target device")
	}

	fw, err := si.FirmwareMode()
	if err != nil {
		return err
	}

	if _, err = si.Intent(); err != nil {
		return err
	}

	if _, err = storage.ParseScheme(si.EncryptionScheme); err != nil {
		return err
	}

	if msg := hostname.IsValidHostname(si.Hostname); msg != "" {
		return errors.ValidationErrorf("%s", msg)
	}

	for _, curr := range si.Users {
		if err = curr.Validate(); err != nil {
			return err
		}
	}

	if si.RootPassword != "" && !encrypt.IsHashed(si.RootPassword) {
		return errors.ValidationErrorf("rootPassword must be a crypt(3) hash")
	}

	if len(si.Packages) == 0 {
		return errors.ValidationErrorf("At least one package must be installed")
	}

	for _, curr := range si.Packages {
		if msg := pacstrap.IsValidPackage(curr); msg != "" {
			return errors.ValidationErrorf("%s: %q", msg, curr)
		}
	}

	for _, curr := range si.Mirrors {
		if msg := pacstrap.IsValidMirror(curr); msg != "" {
			return errors.ValidationErrorf("%s: %q", msg, curr)
		}
	}

	for _, curr := range si.Services {
		if msg := services.IsValidService(curr); msg != "" {
			return errors.ValidationErrorf("%s: %q", msg, curr)
		}
	}

	if si.Timezone == nil || !timezone.IsValidCode(si.Timezone.Code) {
		return errors.ValidationErrorf("Invalid time zone")
	}

	if si.Language == nil {
		return errors.ValidationErrorf("System Language not set")
	}

	if si.Keyboard == "" {
		return errors.ValidationErrorf("Keyboard not set")
	}

	kind, err := bootloader.Resolve(si.Bootloader, fw)
	if err != nil {
		return err
	}

	if si.UKI {
		if err = bootloader.CheckUKI(kind); err != nil {
			return err
		}
	}

	mode, err := network.ParseMode(si.Network)
	if err != nil {
		return err
	}

	if len(si.NetworkInterfaces) > 0 && mode != network.Networkd {
		return errors.ValidationErrorf("Static interfaces require the %s network mode", network.Networkd)
	}

	for _, curr := range si.NetworkInterfaces {
		if err = curr.Validate(); err != nil {
			return err
		}
	}

	for _, curr := range si.NTPServers {
		if !ntpExp.MatchString(curr) {
			return errors.ValidationErrorf("Invalid NTP server %q", curr)
		}
	}

	if si.Customization != nil {
		if si.Customization.Path == "" {
			return errors.ValidationErrorf("Customization requires a script path")
		}

		if user.Primary(si.Users) == "" {
			return errors.ValidationErrorf("Customization requires a non-root user")
		}
	}

	return nil
}

// LoadFile loads a model from a yaml file pointed by path, missing fields
// keep their default value
func LoadFile(path string) (*SystemInstall, error) {
	result := NewSystemInstall()

	if _, err := os.Stat(path); err == nil {
		configStr, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err)
		}

		err = yaml.Unmarshal(configStr, result)
		if err != nil {
			return nil, errors.Wrap(err)
		}
	}

	return result, nil
}

// Sanitized returns a copy of si without the target identity, it's the
// form saved alongside the install logs
func (si *SystemInstall) Sanitized() *SystemInstall {
	clone := *si

	clone.Users = nil
	clone.RootPassword = ""
	clone.Hostname = ""

	return &clone
}

// WriteFile writes a yaml formatted representation of si into the provided file path
func (si *SystemInstall) WriteFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	b, err := yaml.Marshal(si)
	if err != nil {
		return err
	}

	// Write our header
	_, err = f.WriteString(configHeader)
	if err != nil {
		return err
	}
	// Write our version
	_, err = f.WriteString("#generated by archstrap:" + Version + "\n")
	if err != nil {
		return err
	}

	_, err = f.Write(b)
	if err != nil {
		return err
	}

	return nil
}
