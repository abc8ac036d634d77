// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package controller

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/archstrap/archstrap/bootloader"
	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/conf"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/hostname"
	"github.com/archstrap/archstrap/language"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/model"
	"github.com/archstrap/archstrap/network"
	"github.com/archstrap/archstrap/pacstrap"
	"github.com/archstrap/archstrap/progress"
	"github.com/archstrap/archstrap/services"
	"github.com/archstrap/archstrap/storage"
	"github.com/archstrap/archstrap/timezone"
	"github.com/archstrap/archstrap/user"
	"github.com/archstrap/archstrap/utils"
)

// StageError reports the stage an installation aborted in
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("installation failed during %s: %v", e.Stage, e.Err)
}

// Unwrap returns the stage failure
func (e *StageError) Unwrap() error {
	return e.Err
}

// CustomizationError reports a customization script which exited with a
// non zero status
type CustomizationError struct {
	Script   string
	ExitCode int
	Err      error
}

func (e *CustomizationError) Error() string {
	return fmt.Sprintf("customization script %s failed with exit code %d", e.Script, e.ExitCode)
}

// Unwrap returns the command failure
func (e *CustomizationError) Unwrap() error {
	return e.Err
}

// Installer drives a session through the installation stages
type Installer struct {
	Runner  cmd.Runner
	Mounter storage.Mounter

	// Confirm asks the operator a yes/no question, nil answers no
	Confirm func(question string) bool

	// Shell attaches the operator to the target, defaults to a login shell
	Shell func(ex *chroot.Executor) error

	// MirrorList is the host mirror list pacstrap downloads from
	MirrorList string
}

type stageFunc func(in *Installer, s *Session, ex *chroot.Executor) error

var stages = []struct {
	stage Stage
	run   stageFunc
}{
	{StageMount, (*Installer).mount},
	{StageSanity, (*Installer).sanityCheck},
	{StageKeys, (*Installer).keyMaterial},
	{StageBase, (*Installer).basePopulation},
	{StageBootloader, (*Installer).installBootloader},
	{StageNetwork, (*Installer).configureNetwork},
	{StageIdentity, (*Installer).provisionIdentity},
	{StageLocale, (*Installer).configureLocale},
	{StageServices, (*Installer).enableServices},
	{StageMountTable, (*Installer).writeMountTable},
	{StageCustomization, (*Installer).customize},
	{StageShell, (*Installer).interactiveShell},
}

// New returns an installer running the host tools
func New() *Installer {
	return &Installer{
		Runner:  cmd.Default(),
		Mounter: storage.NewSystemMounter(),
	}
}

func (in *Installer) mirrorList() string {
	if in.MirrorList == "" {
		return pacstrap.MirrorList
	}
	return in.MirrorList
}

func (in *Installer) runner() cmd.Runner {
	if in.Runner == nil {
		return cmd.Default()
	}
	return in.Runner
}

// Install prepares the target device and runs every stage in order. The
// first failing stage aborts the installation and the target is left
// mounted for inspection.
func (in *Installer) Install(s *Session) error {
	if s.Mounts == nil {
		s.Mounts = storage.NewMountSet(s.RootDir, s.Layout, in.Mounter)
	}

	ex := &chroot.Executor{Root: s.Mounts.Root, Runner: in.runner()}

	if err := in.prepareDisk(s); err != nil {
		return &StageError{Stage: StagePrepare, Err: err}
	}

	for idx, curr := range stages {
		log.Info("Stage %d/%d: %s", idx+1, len(stages), curr.stage)

		if err := curr.run(in, s, ex); err != nil {
			log.Error("Stage %s failed, leaving %s mounted", curr.stage, s.Mounts.Root)
			return &StageError{Stage: curr.stage, Err: err}
		}

		s.completed = append(s.completed, curr.stage)
	}

	if err := SaveInstallResults(s.Mounts.Root, s.Model); err != nil {
		log.Warning("Could not save the installation results: %v", err)
	}

	if s.Model.PostUnmount {
		return in.Teardown(s)
	}

	return nil
}

// prepareDisk partitions and formats the device, at most once per
// session. A target already mounted, even partly, is the result of a
// previous run and is used as is, the mount stage completes it.
func (in *Installer) prepareDisk(s *Session) error {
	if s.prepared {
		log.Info("Disk already prepared in this session, skipping")
		return nil
	}

	missing, err := s.Mounts.Missing()
	if err != nil {
		return err
	}

	if len(missing) < len(s.Mounts.Entries) {
		log.Info("Target %s is already mounted, skipping disk preparation", s.Mounts.Root)
		s.Layout.Freeze()
		s.prepared = true
		return nil
	}

	runner := in.runner()

	if err = storage.WritePartitionTable(runner, s.Layout, s.Firmware); err != nil {
		return err
	}

	for _, p := range s.Layout.Partitions {
		if !p.Encrypted {
			continue
		}

		if err = p.MapEncrypted(runner, s.Encryption()); err != nil {
			return err
		}
	}

	for _, p := range s.Layout.Partitions {
		prg := progress.NewLoop("%s", utils.Locale.Get("Writing %s file system to %s", p.FsType, p.FsDevicePath()))
		if err = storage.MakeFs(runner, p); err != nil {
			prg.Failure()
			return err
		}
		prg.Success()
	}

	s.prepared = true

	return nil
}

func (in *Installer) mount(s *Session, ex *chroot.Executor) error {
	if err := s.Mounts.Mount(); err != nil {
		return err
	}

	return s.Mounts.MountMetaFs()
}

func (in *Installer) sanityCheck(s *Session, ex *chroot.Executor) error {
	missing, err := s.Mounts.Missing()
	if err != nil {
		return err
	}

	if len(missing) > 0 {
		names := []string{}
		for _, e := range missing {
			names = append(names, e.MountPoint)
		}
		return errors.Errorf("Target file systems not mounted: %s", strings.Join(names, ", "))
	}

	return nil
}

func (in *Installer) keyMaterial(s *Session, ex *chroot.Executor) error {
	if !s.Layout.Encrypted() {
		log.Debug("No encrypted partition, skipping key material")
		return nil
	}

	for _, p := range s.Layout.Partitions {
		// the root is unlocked with the passphrase by the initramfs
		if !p.Encrypted || p.MountPoint == "/" {
			continue
		}

		if _, ok := s.KeyFilePaths()[p.MappedName]; ok {
			continue
		}

		kf, err := storage.CreateKeyFile(s.Mounts.Root, p.MappedName)
		if err != nil {
			return err
		}

		if err = p.AddKeyFile(in.runner(), s.Passphrase, kf.HostPath); err != nil {
			return err
		}

		s.KeyFiles = append(s.KeyFiles, kf)
	}

	return nil
}

func (in *Installer) packages(s *Session) ([]string, error) {
	kind, err := bootloader.Resolve(s.Model.Bootloader, s.Firmware)
	if err != nil {
		return nil, err
	}

	mode, err := network.ParseMode(s.Model.Network)
	if err != nil {
		return nil, err
	}

	pkgs := append([]string(nil), s.Model.Packages...)
	pkgs = append(pkgs, bootloader.Packages(kind, s.Firmware)...)
	pkgs = append(pkgs, mode.Packages()...)

	for _, u := range s.Model.Users {
		if u.Admin {
			pkgs = append(pkgs, "sudo")
			break
		}
	}

	return pacstrap.Packages(pkgs, s.Layout), nil
}

func (in *Installer) basePopulation(s *Session, ex *chroot.Executor) error {
	if !s.baseInstalled {
		pkgs, err := in.packages(s)
		if err != nil {
			return err
		}

		if err = pacstrap.SetMirrors(in.mirrorList(), s.Model.Mirrors); err != nil {
			return err
		}

		prg := progress.NewLoop("%s", utils.Locale.Get("Installing the base system"))
		if err = pacstrap.Install(in.runner(), s.Mounts.Root, pkgs); err != nil {
			prg.Failure()
			return err
		}
		prg.Success()

		s.baseInstalled = true
	} else {
		log.Info("Base system already installed in this session, skipping")
	}

	root := s.Layout.Root()
	if err := pacstrap.ConfigureInitramfs(s.Mounts.Root, root != nil && root.Encrypted); err != nil {
		return err
	}

	if s.Model.UKI {
		if err := bootloader.ConfigureUKI(ex, s.Layout); err != nil {
			return err
		}
	}

	prg := progress.NewLoop("%s", utils.Locale.Get("Generating the kernel images"))
	if err := pacstrap.GenerateImages(ex); err != nil {
		prg.Failure()
		return err
	}
	prg.Success()

	return nil
}

func (in *Installer) installBootloader(s *Session, ex *chroot.Executor) error {
	kind, err := bootloader.Resolve(s.Model.Bootloader, s.Firmware)
	if err != nil {
		return err
	}

	prg := progress.NewLoop("%s", utils.Locale.Get("Installing boot loader"))
	if err = bootloader.Install(ex, kind, s.Firmware, s.Layout, s.Model.UKI); err != nil {
		prg.Failure()
		return err
	}
	prg.Success()

	return nil
}

func (in *Installer) configureNetwork(s *Session, ex *chroot.Executor) error {
	mode, err := network.ParseMode(s.Model.Network)
	if err != nil {
		return err
	}

	return network.Apply(ex, mode, s.Model.NetworkInterfaces)
}

func (in *Installer) provisionIdentity(s *Session, ex *chroot.Executor) error {
	return user.Apply(ex, s.Model.Users, s.Model.RootPassword)
}

func (in *Installer) configureLocale(s *Session, ex *chroot.Executor) error {
	md := s.Model

	if err := hostname.SetTargetHostname(ex.Root, md.Hostname); err != nil {
		return err
	}

	if err := timezone.SetTargetTimezone(ex, md.Timezone.Code); err != nil {
		return err
	}

	if err := language.SetTargetLanguage(ex, md.Language.Code); err != nil {
		return err
	}

	if err := language.SetTargetKeymap(ex.Root, md.Keyboard); err != nil {
		return err
	}

	return timezone.EnableTimeSync(ex, md.NTPServers)
}

func (in *Installer) enableServices(s *Session, ex *chroot.Executor) error {
	return services.Enable(ex, s.Model.Services)
}

func (in *Installer) writeMountTable(s *Session, ex *chroot.Executor) error {
	if s.tabWritten {
		log.Info("Mount table already written in this session, skipping")
		return nil
	}

	if err := storage.WriteTabFiles(in.runner(), s.Mounts, s.Layout, s.KeyFilePaths()); err != nil {
		return err
	}

	s.tabWritten = true

	if s.Model.SwapSize == 0 {
		return nil
	}

	if err := storage.CreateSwapFile(in.runner(), s.Mounts.Root, s.Model.SwapSize); err != nil {
		return err
	}

	return storage.AppendFstab(s.Mounts.Root, storage.SwapFstabLine())
}

// copyPayload copies the customization payload in the target and returns
// the script path as seen from the target
func copyPayload(rootDir string, path string) (string, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrap(err)
	}

	dest := filepath.Join(rootDir, conf.CustomizationDir)

	if fi.IsDir() {
		if err = utils.CopyDir(path, dest); err != nil {
			return "", err
		}
		return filepath.Join(conf.CustomizationDir, conf.CustomizationScript), nil
	}

	if err = utils.MkdirAll(dest, 0755); err != nil {
		return "", err
	}

	script := filepath.Join(conf.CustomizationDir, filepath.Base(path))
	if err = utils.CopyFile(path, filepath.Join(rootDir, script)); err != nil {
		return "", err
	}

	return script, nil
}

func (in *Installer) customize(s *Session, ex *chroot.Executor) error {
	if s.Model.Customization == nil {
		log.Info("No customization payload, skipping")
		return nil
	}

	login := user.Primary(s.Model.Users)
	if login == "" {
		return errors.ValidationErrorf("The customization script requires a non-root user")
	}

	script, err := copyPayload(ex.Root, s.Model.Customization.Path)
	if err != nil {
		return err
	}

	if _, err = ex.Run("chmod", "+x", script); err != nil {
		return errors.Wrap(err)
	}

	log.Info("Running customization script %s for %s", script, login)

	if _, err = ex.Run(script, login); err != nil {
		var ce *chroot.CommandError
		if errors.As(err, &ce) {
			return &CustomizationError{Script: script, ExitCode: ce.ExitCode, Err: err}
		}
		return err
	}

	return nil
}

// interactiveShell never fails the installation, the target is complete
// at this point
func (in *Installer) interactiveShell(s *Session, ex *chroot.Executor) error {
	if s.Model.Unattended {
		return nil
	}

	if in.Confirm == nil || !in.Confirm(utils.Locale.Get("Would you like to chroot into the newly created installation?")) {
		return nil
	}

	shell := in.Shell
	if shell == nil {
		shell = func(ex *chroot.Executor) error { return ex.Shell() }
	}

	if err := shell(ex); err != nil {
		log.Warning("Interactive shell failed: %v", err)
	}

	return nil
}

// Teardown unmounts the session target and closes its encrypted devices
func (in *Installer) Teardown(s *Session) error {
	log.Info("Tearing down %s", s.Mounts.Root)

	if err := s.Mounts.Unmount(); err != nil {
		return err
	}

	for _, p := range s.Layout.Partitions {
		if err := p.CloseEncrypted(in.runner()); err != nil {
			return err
		}
	}

	return nil
}

// Teardown unmounts whatever is mounted below rootDir and closes the
// encrypted devices mounted there, it's the separate teardown invocation
// for a target left mounted by a previous run
func Teardown(rootDir string) error {
	log.Info("Tearing down %s", rootDir)
	return storage.UmountAll(rootDir, nil, cmd.Default())
}

// SaveInstallResults saves the sanitized descriptor and the log file
// onto the target media
func SaveInstallResults(rootDir string, md *model.SystemInstall) error {
	if !md.PostArchive {
		log.Info("Skipping archiving of Installation results")
		return nil
	}

	log.Info("Saving Installation results to %s", rootDir)

	errMsgs := []string{}

	saveDir := filepath.Join(rootDir, "root")
	if err := utils.MkdirAll(saveDir, 0700); err != nil {
		// Fallback in the unlikely case we can't use root's home
		saveDir = rootDir
	}

	confFile := filepath.Join(saveDir, conf.ConfigFile)
	if err := md.Sanitized().WriteFile(confFile); err != nil {
		log.Error("Failed to write YAML file (%v) %q", err, confFile)
		errMsgs = append(errMsgs, "Failed to write YAML file")
	}

	logFile := filepath.Join(saveDir, conf.LogFile)
	if err := log.ArchiveLogFile(logFile); err != nil {
		errMsgs = append(errMsgs, "Failed to archive log file")
	}

	if len(errMsgs) > 0 {
		return errors.Errorf("%s", strings.Join(errMsgs, ";"))
	}

	return nil
}
