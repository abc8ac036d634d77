// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package pacstrap populates the target root with the base system and
// builds its boot images
package pacstrap

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/storage"
	"github.com/archstrap/archstrap/utils"
)

const (
	// MkinitcpioConf is the initramfs generator configuration of the target
	MkinitcpioConf = "/etc/mkinitcpio.conf"

	// EncryptHook unlocks the encrypted root from the initramfs
	EncryptHook = "encrypt"

	// MirrorList is the pacman mirror list, pacstrap copies the host one
	// into the target
	MirrorList = "/etc/pacman.d/mirrorlist"

	mirrorListHeader = "# Written by archstrap, in order of preference\n"
)

var (
	// DefaultPackages is the minimal base package set
	DefaultPackages = []string{"base", "linux", "linux-firmware"}

	// DefaultHooks are the stock mkinitcpio hooks
	DefaultHooks = []string{
		"base", "udev", "autodetect", "microcode", "modconf", "kms",
		"keyboard", "keymap", "consolefont", "block", "filesystems", "fsck",
	}

	fsPackages = map[storage.FileSystem]string{
		storage.FsVFAT:  "dosfstools",
		storage.FsExt4:  "e2fsprogs",
		storage.FsBtrfs: "btrfs-progs",
		storage.FsXFS:   "xfsprogs",
	}

	mirrorSchemes = map[string]bool{"http": true, "https": true, "ftp": true, "file": true}

	hooksExp   = regexp.MustCompile(`(?m)^HOOKS=.*$`)
	packageExp = regexp.MustCompile(`^[a-z0-9@._+][a-z0-9@._+-]*$`)
)

// IsValidPackage returns empty string if name is a valid package name
func IsValidPackage(name string) string {
	if !packageExp.MatchString(name) {
		return "Invalid package name"
	}

	return ""
}

// IsValidMirror returns empty string if server is a usable pacman Server
// value, $repo and $arch are left for pacman to expand
func IsValidMirror(server string) string {
	u, err := url.Parse(server)
	if err != nil || !mirrorSchemes[u.Scheme] {
		return "Invalid mirror URL"
	}

	if u.Scheme != "file" && u.Host == "" {
		return "Mirror URL has no host"
	}

	return ""
}

// MirrorListContent formats servers as a pacman mirror list
func MirrorListContent(servers []string) string {
	var sb strings.Builder

	sb.WriteString(mirrorListHeader)
	for _, curr := range servers {
		fmt.Fprintf(&sb, "Server = %s\n", curr)
	}

	return sb.String()
}

// SetMirrors replaces the mirror list at path with servers, pacstrap then
// downloads from them and copies the list into the target. No servers
// keeps the current list.
func SetMirrors(path string, servers []string) error {
	if len(servers) == 0 {
		log.Debug("No mirrors configured, keeping %s", path)
		return nil
	}

	for _, curr := range servers {
		if msg := IsValidMirror(curr); msg != "" {
			return errors.ValidationErrorf("%s: %q", msg, curr)
		}
	}

	if err := utils.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(MirrorListContent(servers)), 0644); err != nil {
		return errors.Wrap(err)
	}

	log.Info("Wrote %d mirrors to %s", len(servers), path)

	return nil
}

// Packages returns pkgs followed by the tools the layout needs at runtime
func Packages(pkgs []string, layout *storage.Layout) []string {
	result := []string{}
	seen := map[string]bool{}

	add := func(names ...string) {
		for _, curr := range names {
			if curr == "" || seen[curr] {
				continue
			}
			seen[curr] = true
			result = append(result, curr)
		}
	}

	add(pkgs...)

	if layout == nil {
		return result
	}

	for _, p := range layout.Partitions {
		add(fsPackages[p.FsType])
	}

	if layout.Encrypted() {
		add("cryptsetup")
	}

	return result
}

// Install runs pacstrap once against root, the host keyring is not copied
// into the target
func Install(runner cmd.Runner, root string, pkgs []string) error {
	if len(pkgs) == 0 {
		return errors.Errorf("No packages to install")
	}

	log.Info("Installing %d packages into %s", len(pkgs), root)

	lw := cmd.NewLogWriter()
	defer lw.Flush()

	args := append([]string{"pacstrap", "-K", root}, pkgs...)
	if err := runner.Run(lw, nil, args...); err != nil {
		return errors.Wrap(err)
	}

	return nil
}

// Hooks returns the mkinitcpio hooks, encrypted roots need the encrypt
// hook right before filesystems
func Hooks(encrypted bool) []string {
	if !encrypted {
		return append([]string(nil), DefaultHooks...)
	}

	hooks := []string{}
	for _, curr := range DefaultHooks {
		if curr == "filesystems" {
			hooks = append(hooks, EncryptHook)
		}
		hooks = append(hooks, curr)
	}

	return hooks
}

// HooksLine formats the HOOKS setting of mkinitcpio.conf
func HooksLine(hooks []string) string {
	return fmt.Sprintf("HOOKS=(%s)", strings.Join(hooks, " "))
}

// ConfigureInitramfs sets the mkinitcpio hooks of the target
func ConfigureInitramfs(rootDir string, encrypted bool) error {
	path := filepath.Join(rootDir, MkinitcpioConf)
	line := HooksLine(Hooks(encrypted))

	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err)
	}

	var result string
	if hooksExp.Match(content) {
		result = hooksExp.ReplaceAllLiteralString(string(content), line)
	} else {
		result = strings.TrimRight(string(content), "\n")
		if result != "" {
			result += "\n"
		}
		result += line + "\n"
	}

	if err = utils.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	if err = os.WriteFile(path, []byte(result), 0644); err != nil {
		return errors.Wrap(err)
	}

	return nil
}

// GenerateImages rebuilds every initramfs preset in the target
func GenerateImages(ex *chroot.Executor) error {
	if _, err := ex.Run("mkinitcpio", "-P"); err != nil {
		return errors.Wrap(err)
	}

	return nil
}
