// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/nightlyone/lockfile"
	flag "github.com/spf13/pflag"

	"github.com/archstrap/archstrap/args"
	"github.com/archstrap/archstrap/conf"
	"github.com/archstrap/archstrap/controller"
	"github.com/archstrap/archstrap/encrypt"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/frontend"
	"github.com/archstrap/archstrap/language"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/massinstall"
	"github.com/archstrap/archstrap/model"
	"github.com/archstrap/archstrap/storage"
	"github.com/archstrap/archstrap/syscheck"
	"github.com/archstrap/archstrap/timezone"
	"github.com/archstrap/archstrap/utils"
)

var (
	frontEndImpls []frontend.Frontend
)

func fatal(err error) {
	log.ErrorError(err)

	if errors.IsValidationError(err) {
		fmt.Println("Error: Invalid configuration:")
		fmt.Printf("  %s\n", err)
	} else {
		fmt.Printf("Error: %s\n", err)
	}

	os.Exit(1)
}

func initFrontendList() {
	frontEndImpls = []frontend.Frontend{
		massinstall.New(),
	}
}

// applyArgs lets the command line override the descriptor
func applyArgs(md *model.SystemInstall, options args.Args) {
	if md.Layout == nil {
		md.Layout = &model.PartitionLayout{}
	}

	if options.Device != "" {
		md.TargetDevice = options.Device
	}

	if options.Topology != "" {
		md.Layout.Topology = options.Topology
	}

	if options.FileSystem != "" {
		md.Layout.FileSystem = options.FileSystem
	}

	if options.EncryptSet {
		md.Encrypt = options.Encrypt
	}

	if options.Silent {
		md.Unattended = true
	}

	if options.DryRun {
		md.DryRun = true
	}

	if options.Customization != "" {
		md.Customization = &model.Customization{Path: options.Customization}
	}

	if options.MountRoot != "" {
		md.MountRoot = options.MountRoot
	}

	if options.ArchiveSet {
		md.PostArchive = options.Archive
	}

	if options.UnmountSet {
		md.PostUnmount = options.Unmount
	}
}

func mountRoot(md *model.SystemInstall, options args.Args) string {
	switch {
	case options.MountRoot != "":
		return options.MountRoot
	case md != nil && md.MountRoot != "":
		return md.MountRoot
	}

	return conf.DefaultMountRoot
}

func listDevices() error {
	devs, err := storage.ListDevices()
	if err != nil {
		return err
	}

	for _, curr := range devs {
		fmt.Println(curr)
	}

	return nil
}

func loadModel(options args.Args) (*model.SystemInstall, error) {
	var err error

	cf := options.ConfigFile
	if cf == "" {
		if cf, err = conf.LookupDefaultConfig(); err != nil {
			return nil, err
		}
	}

	log.Debug("Loading config file: %s", cf)

	md, err := model.LoadFile(cf)
	if err != nil {
		return nil, err
	}

	applyArgs(md, options)

	if !language.IsValidKeymap(md.Keyboard) {
		return nil, errors.ValidationErrorf("Invalid Keyboard '%s'", md.Keyboard)
	}

	if md.Timezone != nil && !timezone.IsValidTimezone(md.Timezone) {
		return nil, errors.ValidationErrorf("Invalid Time Zone '%s'", md.Timezone.Code)
	}

	return md, nil
}

func main() {
	var options args.Args

	if err := options.ParseArgs(); err != nil {
		if err == flag.ErrHelp {
			return
		}
		fmt.Println(err)
		os.Exit(1)
	}

	f, err := log.SetOutputFilename(options.LogFile)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	defer func() {
		_ = f.Close()
	}()

	_ = log.SetLogLevel(options.LogLevel)

	log.Info("%s: %s", path.Base(os.Args[0]), model.Version)

	if options.PamSalt != "" {
		hashed, errHash := encrypt.Crypt(options.PamSalt)
		if errHash != nil {
			fatal(errHash)
		}

		fmt.Println(hashed)
		return
	}

	if options.Version {
		fmt.Println(path.Base(os.Args[0]) + ": " + model.Version)
		return
	}

	if options.SystemCheck {
		if err = syscheck.RunSystemCheck(false); err != nil {
			os.Exit(1)
		}
		return
	}

	if options.ListDevices {
		if err = listDevices(); err != nil {
			fatal(err)
		}
		return
	}

	// First verify we are running as 'root' user which is required
	// for most of the Installation commands
	if err = utils.VerifyRootUser(); err != nil {
		fmt.Println(err)
		log.Error("Not running as root: %v", err)
		os.Exit(1)
	}

	lock, err := lockfile.New(conf.LockFile)
	if err != nil {
		fatal(errors.Wrap(err))
	}

	if err = lock.TryLock(); err != nil {
		fatal(errors.Errorf("Another installation is running (%s): %v", conf.LockFile, err))
	}
	defer func() { _ = lock.Unlock() }()

	if options.Teardown {
		if err = controller.Teardown(mountRoot(nil, options)); err != nil {
			fatal(err)
		}
		return
	}

	md, err := loadModel(options)
	if err != nil {
		fatal(err)
	}

	rootDir := mountRoot(md, options)
	if err = utils.MkdirAll(rootDir, 0755); err != nil {
		fatal(err)
	}

	initFrontendList()

	sigs := make(chan os.Signal, 1)
	done := make(chan error, 1)

	signal.Notify(sigs, os.Interrupt, syscall.SIGINT, syscall.SIGTERM,
		syscall.SIGHUP, syscall.SIGQUIT)

	go func() {
		for _, fe := range frontEndImpls {
			if !fe.MustRun(&options) {
				continue
			}

			done <- fe.Run(md, rootDir, options)
			return
		}

		done <- errors.Errorf("No frontend to run")
	}()

	go func() {
		s := <-sigs
		fmt.Println("Leaving...")
		log.Warning("Interrupted by signal: %s, %s may be left mounted", s, rootDir)
		done <- errors.Errorf("Interrupted by signal: %s", s)
	}()

	err = <-done

	signal.Reset()

	if err != nil {
		_ = lock.Unlock()
		fatal(err)
	}
}
