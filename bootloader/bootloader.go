// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package bootloader installs and configures the target boot loader
package bootloader

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/storage"
	"github.com/archstrap/archstrap/utils"
)

// Kind is a supported boot loader
type Kind string

const (
	// SystemdBoot is systemd-boot, UEFI only
	SystemdBoot Kind = "systemd-boot"

	// Grub is GRUB, used for legacy BIOS and optionally on UEFI
	Grub Kind = "grub"

	// EntryName is the systemd-boot entry written for the installed kernel
	EntryName = "arch.conf"

	// GrubDefaults is the GRUB configuration template in the target
	GrubDefaults = "/etc/default/grub"

	// GrubConfig is the generated GRUB configuration
	GrubConfig = "/boot/grub/grub.cfg"

	loaderConf = `default %s
timeout 3
console-mode max
editor no
`

	entryConf = `title   Arch Linux
linux   /vmlinuz-linux
initrd  /initramfs-linux.img
options %s
`

	// KernelCmdlineFile is embedded by mkinitcpio in unified kernel images
	KernelCmdlineFile = "/etc/kernel/cmdline"

	// PresetFile is the mkinitcpio preset of the linux package
	PresetFile = "/etc/mkinitcpio.d/linux.preset"

	// UKIDir is where systemd-boot finds unified kernel images on the ESP
	UKIDir = "EFI/Linux"

	fallbackLoader = "EFI/BOOT/BOOTX64.EFI"
	systemdLoader  = "EFI/systemd/systemd-bootx64.efi"
)

var (
	// isVirtualBox is replaced by tests
	isVirtualBox = utils.IsVirtualBox

	presets        = []string{"default", "fallback"}
	presetImageExp = regexp.MustCompile(`(?m)^((?:default|fallback)_image=)`)
)

// Resolve validates the boot loader choice for the firmware, an empty
// kind selects systemd-boot on UEFI and grub on BIOS
func Resolve(kind string, fw storage.Firmware) (Kind, error) {
	switch Kind(kind) {
	case "":
		if fw == storage.FirmwareUEFI {
			return SystemdBoot, nil
		}
		return Grub, nil
	case SystemdBoot:
		if fw != storage.FirmwareUEFI {
			return "", errors.ValidationErrorf("systemd-boot requires UEFI firmware")
		}
		return SystemdBoot, nil
	case Grub:
		return Grub, nil
	}

	return "", errors.ValidationErrorf("Unsupported boot loader %q", kind)
}

// Packages returns the packages the boot loader needs in the target
func Packages(kind Kind, fw storage.Firmware) []string {
	if kind != Grub {
		return nil
	}

	if fw == storage.FirmwareUEFI {
		return []string{"grub", "efibootmgr"}
	}

	return []string{"grub"}
}

// KernelCmdline returns the root related kernel parameters, an encrypted
// root is unlocked by the initramfs encrypt hook
func KernelCmdline(ex *chroot.Executor, layout *storage.Layout) (string, error) {
	root := layout.Root()
	if root == nil {
		return "", errors.Errorf("No root partition in %s layout", layout.Device.Path)
	}

	if root.Encrypted {
		uuid, err := storage.DeviceUUID(ex.HostRunner(), root.Path)
		if err != nil {
			return "", err
		}

		return fmt.Sprintf("cryptdevice=UUID=%s:%s root=%s rw", uuid, root.MappedName, root.MapperPath()), nil
	}

	uuid, err := storage.DeviceUUID(ex.HostRunner(), root.FsDevicePath())
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("root=UUID=%s rw", uuid), nil
}

// CheckUKI returns an error if kind can't boot unified kernel images
func CheckUKI(kind Kind) error {
	if kind != SystemdBoot {
		return errors.ValidationErrorf("Unified kernel images require %s, not %s", SystemdBoot, kind)
	}

	return nil
}

// UKIName returns the file name of the unified kernel image of preset
func UKIName(preset string) string {
	if preset == "default" {
		return "arch-linux.efi"
	}

	return fmt.Sprintf("arch-linux-%s.efi", preset)
}

// UKIPresetContent switches a linux.preset content from initramfs images
// to unified kernel images written below esp
func UKIPresetContent(content string, esp string) string {
	content = presetImageExp.ReplaceAllString(content, "#$1")

	for _, preset := range presets {
		exp := regexp.MustCompile(`(?m)^#?` + preset + `_uki=.*$`)
		line := fmt.Sprintf("%s_uki=%q", preset, path.Join(esp, UKIDir, UKIName(preset)))
		content = setVar(content, exp, line)
	}

	return content
}

// ConfigureUKI makes mkinitcpio build unified kernel images embedding the
// kernel command line, the images are built with the other boot images
func ConfigureUKI(ex *chroot.Executor, layout *storage.Layout) error {
	esp, err := espMountPoint(layout)
	if err != nil {
		return err
	}

	cmdline, err := KernelCmdline(ex, layout)
	if err != nil {
		return err
	}

	if err = writeFile(filepath.Join(ex.Root, KernelCmdlineFile), cmdline+"\n"); err != nil {
		return err
	}

	preset := filepath.Join(ex.Root, PresetFile)

	content, err := os.ReadFile(preset)
	if err != nil {
		return errors.Errorf("Kernel preset missing (%v) %q", err, PresetFile)
	}

	if err = writeFile(preset, UKIPresetContent(string(content), esp)); err != nil {
		return err
	}

	log.Info("Unified kernel images will be written to %s", path.Join(esp, UKIDir))

	return utils.MkdirAll(filepath.Join(ex.Root, esp, UKIDir), 0755)
}

// Install installs kind in the target, the kernel images must already be
// in place. With uki the images boot without a loader entry.
func Install(ex *chroot.Executor, kind Kind, fw storage.Firmware, layout *storage.Layout, uki bool) error {
	if uki {
		if err := CheckUKI(kind); err != nil {
			return err
		}
	}

	cmdline, err := KernelCmdline(ex, layout)
	if err != nil {
		return err
	}

	log.Debug("Kernel command line: %s", cmdline)

	switch kind {
	case SystemdBoot:
		return installSystemdBoot(ex, layout, cmdline, uki)
	case Grub:
		return installGrub(ex, fw, layout, cmdline)
	}

	return errors.Errorf("Unsupported boot loader: %s", kind)
}

func espMountPoint(layout *storage.Layout) (string, error) {
	esp := layout.ESP()
	if esp == nil || esp.MountPoint == "" {
		return "", errors.ValidationErrorf("No mounted EFI system partition in %s layout", layout.Device.Path)
	}

	return esp.MountPoint, nil
}

func writeFile(path string, content string) error {
	if err := utils.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return errors.Wrap(err)
	}

	return nil
}

func installSystemdBoot(ex *chroot.Executor, layout *storage.Layout, cmdline string, uki bool) error {
	esp, err := espMountPoint(layout)
	if err != nil {
		return err
	}

	if esp != "/boot" {
		return errors.ValidationErrorf("systemd-boot needs the EFI system partition at /boot, found %s", esp)
	}

	if _, err = ex.Run("bootctl", "install", "--esp-path="+esp); err != nil {
		return errors.Wrap(err)
	}

	hostESP := filepath.Join(ex.Root, esp)

	entry := EntryName
	if uki {
		entry = UKIName("default")
	}

	if err = writeFile(filepath.Join(hostESP, "loader", "loader.conf"), fmt.Sprintf(loaderConf, entry)); err != nil {
		return err
	}

	if !uki {
		err = writeFile(filepath.Join(hostESP, "loader", "entries", EntryName), fmt.Sprintf(entryConf, cmdline))
		if err != nil {
			return err
		}
	}

	if !isVirtualBox() {
		return nil
	}

	// VirtualBox forgets the boot entries between power cycles
	fallback := filepath.Join(hostESP, fallbackLoader)
	if ok, _ := utils.FileExists(fallback); ok {
		return nil
	}

	loader := filepath.Join(hostESP, systemdLoader)
	if ok, _ := utils.FileExists(loader); !ok {
		log.Warning("VirtualBox detected but %s is missing, no removable media boot loader installed", systemdLoader)
		return nil
	}

	log.Info("VirtualBox detected, installing the removable media boot loader")

	if err = utils.MkdirAll(filepath.Dir(fallback), 0755); err != nil {
		return err
	}

	return utils.CopyFile(loader, fallback)
}

var grubCmdlineExp = regexp.MustCompile(`(?m)^#?GRUB_CMDLINE_LINUX=.*$`)
var grubCryptoExp = regexp.MustCompile(`(?m)^#?GRUB_ENABLE_CRYPTODISK=.*$`)

func setVar(content string, exp *regexp.Regexp, line string) string {
	if exp.MatchString(content) {
		return exp.ReplaceAllLiteralString(content, line)
	}

	content = strings.TrimRight(content, "\n")
	if content != "" {
		content += "\n"
	}

	return content + line + "\n"
}

// GrubDefaultsContent sets the kernel command line in a /etc/default/grub
// content, cryptodisk is enabled when /boot lives on an encrypted root
func GrubDefaultsContent(content string, cmdline string, cryptoDisk bool) string {
	content = setVar(content, grubCmdlineExp, fmt.Sprintf("GRUB_CMDLINE_LINUX=%q", cmdline))

	if cryptoDisk {
		content = setVar(content, grubCryptoExp, "GRUB_ENABLE_CRYPTODISK=y")
	}

	return content
}

func installGrub(ex *chroot.Executor, fw storage.Firmware, layout *storage.Layout, cmdline string) error {
	args := []string{"grub-install"}

	if fw == storage.FirmwareUEFI {
		esp, err := espMountPoint(layout)
		if err != nil {
			return err
		}
		args = append(args, "--target=x86_64-efi", "--efi-directory="+esp, "--bootloader-id=GRUB")

		if isVirtualBox() {
			args = append(args, "--removable")
		}
	} else {
		args = append(args, "--target=i386-pc", layout.Device.Path)
	}

	if _, err := ex.Run(args...); err != nil {
		return errors.Wrap(err)
	}

	path := filepath.Join(ex.Root, GrubDefaults)

	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err)
	}

	_, separateBoot := layout.Find("/boot")
	cryptoDisk := layout.Root().Encrypted && !separateBoot

	if err = writeFile(path, GrubDefaultsContent(string(content), cmdline, cryptoDisk)); err != nil {
		return err
	}

	if _, err = ex.Run("grub-mkconfig", "-o", GrubConfig); err != nil {
		return errors.Wrap(err)
	}

	return nil
}
