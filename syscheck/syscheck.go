// Copyright © 2019 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package syscheck

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/utils"
)

var (
	cpuInfoFile = "/proc/cpuinfo"
	efiDir      = "/sys/firmware/efi"
	lookPath    = exec.LookPath
	isVBox      = utils.IsVirtualBox

	// RequiredTools are the host programs every installation runs
	RequiredTools = []string{
		"pacstrap",
		"chroot",
		"wipefs",
		"parted",
		"sgdisk",
		"partprobe",
		"udevadm",
		"blkid",
		"cryptsetup",
		"mkfs.vfat",
		"mkfs.ext4",
		"mkswap",
	}
)

type check struct {
	desc string
	run  func() error
}

func getCPUFeature(feature string) error {
	cpuInfo, err := os.ReadFile(cpuInfoFile)
	if err != nil {
		log.Error("Unable to read %s", cpuInfoFile)
		return errors.New(utils.Locale.Get("Unable to read /proc/cpuinfo"))
	}

	for _, curr := range strings.Fields(string(cpuInfo)) {
		if curr == feature {
			return nil
		}
	}

	return errors.New(utils.Locale.Get("Missing CPU feature: ") + feature)
}

func getTool(tool string) error {
	if _, err := lookPath(tool); err != nil {
		return errors.New(utils.Locale.Get("Missing required program: ") + tool)
	}

	return nil
}

func checks() []check {
	result := []check{
		{
			desc: utils.Locale.Get("Checking for required CPU feature: %s", "lm"),
			run:  func() error { return getCPUFeature("lm") },
		},
	}

	for _, tool := range RequiredTools {
		result = append(result, check{
			desc: utils.Locale.Get("Checking for required program: %s", tool),
			run:  func() error { return getTool(tool) },
		})
	}

	return result
}

// firmwareReport describes how the host was booted, both UEFI and BIOS are
// supported so this is informative only
func firmwareReport() string {
	fw := "BIOS"
	if _, err := os.Stat(efiDir); err == nil {
		fw = "UEFI"
	}

	if isVBox() {
		return utils.Locale.Get("Firmware: %s (VirtualBox)", fw)
	}

	return utils.Locale.Get("Firmware: %s", fw)
}

// RunSystemCheck verifies the host is able to run an installation: x86_64
// CPU and every required program in the PATH
func RunSystemCheck(quiet bool) error {
	log.Info("Running system compatibility checks.")

	for _, curr := range checks() {
		if !quiet {
			fmt.Printf("%s", curr.desc)
		}

		err := curr.run()
		if err != nil {
			if !quiet {
				fmt.Printf(" [*failed*]\n")
				fmt.Println(err)
			}
			log.ErrorError(err)

			return err
		}

		if !quiet {
			fmt.Println(" [success]")
		}
	}

	report := firmwareReport()
	log.Info("%s", report)

	if !quiet {
		fmt.Println(report)
		fmt.Println("Success: System is compatible")
	}
	log.Info("Success: System is compatible")

	return nil
}
