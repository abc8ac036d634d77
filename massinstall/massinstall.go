// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package massinstall

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh/terminal"

	"github.com/archstrap/archstrap/args"
	"github.com/archstrap/archstrap/controller"
	"github.com/archstrap/archstrap/encrypt"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/hostname"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/model"
	"github.com/archstrap/archstrap/progress"
	"github.com/archstrap/archstrap/storage"
	"github.com/archstrap/archstrap/user"
	"github.com/archstrap/archstrap/utils"
)

// ErrAborted is returned when the operator declines the installation plan
var ErrAborted = errors.ValidationErrorf("Installation aborted, nothing was written")

// MassInstall is the console frontend, it prompts for the missing
// installation details line by line and also implements the progress
// interface: progress.Client
type MassInstall struct {
	prgDesc  string
	prgIndex int
	step     int

	in        *bufio.Reader
	out       io.Writer
	secretTTY bool

	listDevices func() ([]storage.Device, error)
	describe    func(path string) (storage.Device, error)
	install     func(s *controller.Session, confirm func(string) bool) error
}

// New creates a new instance of MassInstall frontend implementation
func New() *MassInstall {
	return &MassInstall{
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
		secretTTY:   terminal.IsTerminal(int(os.Stdin.Fd())),
		listDevices: storage.ListDevices,
		describe:    storage.DescribeDevice,
		install: func(s *controller.Session, confirm func(string) bool) error {
			in := controller.New()
			in.Confirm = confirm
			return in.Install(s)
		},
	}
}

func printPipedStatus(mi *MassInstall) bool {
	isStdoutTTY := utils.IsStdoutTTY()
	mi.step++

	if !isStdoutTTY && mi.step == 1 {
		_, _ = fmt.Fprintln(mi.out, mi.prgDesc)
		return true
	} else if !isStdoutTTY {
		return true
	}

	return false
}

// Step is the progress step implementation for progress.Client interface
func (mi *MassInstall) Step() {
	if printPipedStatus(mi) {
		return
	}

	elms := []string{"|", "-", "\\", "|", "/", "-", "\\"}

	_, _ = fmt.Fprintf(mi.out, "%s [%s]\r", mi.prgDesc, elms[mi.prgIndex])

	if mi.prgIndex+1 == len(elms) {
		mi.prgIndex = 0
	} else {
		mi.prgIndex = mi.prgIndex + 1
	}
}

// LoopWaitDuration is part of the progress.Client implementation and returns the
// duration each loop progress step should wait
func (mi *MassInstall) LoopWaitDuration() time.Duration {
	return 50 * time.Millisecond
}

// Desc is part of the implementation for ProgresIface and is used to adjust the progress bar
// label content
func (mi *MassInstall) Desc(desc string) {
	mi.prgDesc = desc
}

// Partial is part of the progress.Client implementation and sets the progress bar based
// on actual progression
func (mi *MassInstall) Partial(total int, step int) {
	if printPipedStatus(mi) {
		return
	}

	_, _ = fmt.Fprintf(mi.out, "%s %.0f%%\r", mi.prgDesc, (float64(step)/float64(total))*100)
}

// Success is part of the progress.Client implementation and represents the
// successful progress completion of a task
func (mi *MassInstall) Success() {
	if !utils.IsStdoutTTY() {
		mi.step = 0
		return
	}

	mi.prgIndex = 0
	_, _ = fmt.Fprintf(mi.out, "%s [success]\n", mi.prgDesc)
}

// Failure is part of the progress.Client implementation and represents the
// unsuccessful progress completion of a task
func (mi *MassInstall) Failure() {
	if !utils.IsStdoutTTY() {
		mi.step = 0
		return
	}

	mi.prgIndex = 0
	_, _ = fmt.Fprintf(mi.out, "%s [*failed*]\n", mi.prgDesc)
}

// MustRun is part of the Frontend implementation, the console frontend
// handles every installation
func (mi *MassInstall) MustRun(args *args.Args) bool {
	return !args.Teardown
}

func (mi *MassInstall) printf(format string, a ...interface{}) {
	_, _ = fmt.Fprintf(mi.out, format, a...)
}

func (mi *MassInstall) readLine() (string, error) {
	line, err := mi.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", errors.Errorf("could not read the answer: %v", err)
	}

	return strings.TrimSpace(line), nil
}

// ask prints prompt and returns the answer, an empty answer selects def
func (mi *MassInstall) ask(prompt string, def string) (string, error) {
	if def != "" {
		mi.printf("%s [%s]: ", prompt, def)
	} else {
		mi.printf("%s: ", prompt)
	}

	answer, err := mi.readLine()
	if err != nil {
		return "", err
	}

	if answer == "" {
		answer = def
	}

	return answer, nil
}

// askValid asks until valid returns no error message for the answer
func (mi *MassInstall) askValid(prompt string, def string, valid func(string) string) (string, error) {
	for {
		answer, err := mi.ask(prompt, def)
		if err != nil {
			return "", err
		}

		if msg := valid(answer); msg != "" {
			mi.printf("%s\n", msg)
			continue
		}

		return answer, nil
	}
}

func (mi *MassInstall) secret(prompt string) (string, error) {
	mi.printf("%s: ", prompt)

	if !mi.secretTTY {
		return mi.readLine()
	}

	b, err := terminal.ReadPassword(int(os.Stdin.Fd()))
	mi.printf("\n")
	if err != nil {
		return "", errors.Wrap(err)
	}

	return string(b), nil
}

// secretTwice asks for a secret until it is valid and typed the same way
// twice, allowEmpty accepts an empty secret without confirmation
func (mi *MassInstall) secretTwice(prompt string, allowEmpty bool, valid func(string) (bool, string)) (string, error) {
	for {
		first, err := mi.secret(prompt)
		if err != nil {
			return "", err
		}

		if first == "" && allowEmpty {
			return "", nil
		}

		if ok, msg := valid(first); !ok {
			mi.printf("%s\n", msg)
			continue
		}

		second, err := mi.secret(utils.Locale.Get("Confirm"))
		if err != nil {
			return "", err
		}

		if first != second {
			mi.printf("%s\n", utils.Locale.Get("The entries do not match, try again"))
			continue
		}

		return first, nil
	}
}

func yesNo(answer string) (bool, bool) {
	va := map[string]bool{
		"y":   true,
		"yes": true,
		"n":   false,
		"no":  false,
	}

	v, ok := va[strings.ToLower(answer)]
	return v, ok
}

// confirm asks a yes/no question, a read failure answers no
func (mi *MassInstall) confirm(question string) bool {
	for {
		answer, err := mi.ask(question+" [y/N]", "")
		if err != nil {
			log.Warning("%v", err)
			return false
		}

		if answer == "" {
			return false
		}

		if v, ok := yesNo(answer); ok {
			return v
		}

		mi.printf("Invalid answer...\n")
	}
}

func (mi *MassInstall) chooseDevice() (string, error) {
	devs, err := mi.listDevices()
	if err != nil {
		return "", err
	}

	if len(devs) == 0 {
		return "", errors.ValidationErrorf("No block device available for installation")
	}

	mi.printf("%s\n", utils.Locale.Get("Available block devices:"))
	for idx, curr := range devs {
		mi.printf("  %d) %s\n", idx+1, curr)
	}

	var choice string
	_, err = mi.askValid(utils.Locale.Get("Target device"), "", func(answer string) string {
		if n, convErr := strconv.Atoi(answer); convErr == nil && n >= 1 && n <= len(devs) {
			choice = devs[n-1].Path
			return ""
		}

		for _, curr := range devs {
			if curr.Path == answer {
				choice = answer
				return ""
			}
		}

		return utils.Locale.Get("Select a device by number or path")
	})

	return choice, err
}

func validLogin(login string) string {
	_, msg := user.IsValidLogin(login)
	return msg
}

func (mi *MassInstall) askPassphrase() (storage.Secret, error) {
	phrase, err := mi.secretTwice(utils.Locale.Get("Disk encryption passphrase"), false, storage.IsValidPassphrase)
	return storage.Secret(phrase), err
}

func hasAdmin(users []*user.User) bool {
	for _, u := range users {
		if u.Admin {
			return true
		}
	}
	return false
}

// gather prompts for every detail md and the crypt file left out, an
// unattended installation fails instead of prompting
func (mi *MassInstall) gather(md *model.SystemInstall, passphrase *storage.Secret) error {
	var err error

	if md.TargetDevice == "" {
		if md.Unattended {
			return errors.ValidationErrorf("Unattended installation requires a target device")
		}

		if md.TargetDevice, err = mi.chooseDevice(); err != nil {
			return err
		}
	}

	if md.Encrypt && *passphrase == "" {
		if md.Unattended {
			return errors.ValidationErrorf("Unattended encrypted installation requires a crypt file")
		}

		if *passphrase, err = mi.askPassphrase(); err != nil {
			return err
		}
	}

	if md.Unattended {
		return nil
	}

	if len(md.Users) == 0 {
		login, err := mi.askValid(utils.Locale.Get("User login"), "", validLogin)
		if err != nil {
			return err
		}

		pwd, err := mi.secretTwice(utils.Locale.Get("Password of %s", login), false, user.IsValidPassword)
		if err != nil {
			return err
		}

		usr, err := user.NewUser(login, "", pwd, true)
		if err != nil {
			return err
		}

		md.AddUser(usr)
	}

	if md.RootPassword == "" {
		prompt := utils.Locale.Get("Root password")
		if hasAdmin(md.Users) {
			prompt = utils.Locale.Get("Root password (empty locks the root account)")
		}

		pwd, err := mi.secretTwice(prompt, hasAdmin(md.Users), user.IsValidPassword)
		if err != nil {
			return err
		}

		if pwd != "" {
			if md.RootPassword, err = encrypt.Crypt(pwd); err != nil {
				return err
			}
		}
	}

	md.Hostname, err = mi.askValid(utils.Locale.Get("Hostname"), md.Hostname, hostname.IsValidHostname)

	return err
}

func (mi *MassInstall) plan(md *model.SystemInstall, passphrase storage.Secret, rootDir string) (*controller.Session, error) {
	dev, err := mi.describe(md.TargetDevice)
	if err != nil {
		return nil, err
	}

	return controller.NewSession(md, dev, passphrase, rootDir)
}

func (mi *MassInstall) review(s *controller.Session) {
	md := s.Model

	mi.printf("\n%s\n", utils.Locale.Get("Installation plan"))
	mi.printf("%s\n", s.Layout)

	if s.Layout.Encrypted() {
		mi.printf("  encryption: %s\n", s.Encryption().Scheme)
	}

	logins := []string{}
	for _, u := range md.Users {
		logins = append(logins, u.Login)
	}

	mi.printf("  firmware:   %s\n", s.Firmware)
	mi.printf("  hostname:   %s\n", md.Hostname)
	mi.printf("  users:      %s\n", strings.Join(logins, ", "))
	mi.printf("  locale:     %s, keymap %s, time zone %s\n", md.Language.Code, md.Keyboard, md.Timezone.Code)
	mi.printf("  packages:   %s\n", strings.Join(md.Packages, " "))
	mi.printf("  services:   %s\n", strings.Join(md.Services, " "))
	mi.printf("\n")
}

// edit changes one planning input of md
func (mi *MassInstall) edit(md *model.SystemInstall, passphrase *storage.Secret) error {
	if md.Layout == nil {
		md.Layout = &model.PartitionLayout{}
	}

	mi.printf("  1) %s\n", utils.Locale.Get("Target device"))
	mi.printf("  2) %s\n", utils.Locale.Get("Partition topology"))
	mi.printf("  3) %s\n", utils.Locale.Get("File system"))
	mi.printf("  4) %s\n", utils.Locale.Get("Encryption"))
	mi.printf("  5) %s\n", utils.Locale.Get("Hostname"))

	choice, err := mi.askValid(utils.Locale.Get("Change"), "", func(answer string) string {
		if n, convErr := strconv.Atoi(answer); convErr != nil || n < 1 || n > 5 {
			return utils.Locale.Get("Select an entry by number")
		}
		return ""
	})
	if err != nil {
		return err
	}

	switch choice {
	case "1":
		md.TargetDevice, err = mi.chooseDevice()
	case "2":
		names := []string{}
		for _, curr := range storage.Topologies() {
			names = append(names, string(curr))
		}

		md.Layout.Topology, err = mi.askValid(strings.Join(names, ", "), md.Layout.Topology, func(answer string) string {
			if _, parseErr := storage.ParseTopology(answer); parseErr != nil {
				return parseErr.Error()
			}
			return ""
		})
	case "3":
		names := []string{}
		for _, curr := range storage.SupportedFileSystems() {
			names = append(names, string(curr))
		}

		md.Layout.FileSystem, err = mi.askValid(strings.Join(names, ", "), md.Layout.FileSystem, func(answer string) string {
			fs, parseErr := storage.ParseFileSystem(answer)
			if parseErr != nil {
				return parseErr.Error()
			}
			if fs != storage.FsNone && !storage.IsSupportedFileSystem(fs) {
				return utils.Locale.Get("%s can't be used for the root file system", fs)
			}
			return ""
		})
	case "4":
		md.Encrypt = mi.confirm(utils.Locale.Get("Encrypt the partitions not needed to boot?"))
		if md.Encrypt && *passphrase == "" {
			*passphrase, err = mi.askPassphrase()
		}
	case "5":
		md.Hostname, err = mi.askValid(utils.Locale.Get("Hostname"), md.Hostname, hostname.IsValidHostname)
	}

	return err
}

type reviewState int

const (
	stateReview reviewState = iota
	stateConfirm
	stateEdit
)

// confirmPlan plans the installation and loops through review, confirm
// and edit until the operator accepts or declines the plan. Nothing is
// written to the device before the plan is accepted.
func (mi *MassInstall) confirmPlan(md *model.SystemInstall, passphrase *storage.Secret, rootDir string) (*controller.Session, error) {
	state := stateReview

	s, err := mi.plan(md, *passphrase, rootDir)
	if err != nil {
		if md.Unattended {
			return nil, err
		}

		mi.printf("%s\n", err)
		state = stateEdit
	}

	for {
		switch state {
		case stateReview:
			mi.review(s)
			if md.Unattended {
				return s, nil
			}
			state = stateConfirm

		case stateConfirm:
			answer, err := mi.ask(utils.Locale.Get("All data on %s will be destroyed. Proceed? [y]es/[n]o/[e]dit", md.TargetDevice), "n")
			if err != nil {
				return nil, err
			}

			if answer == "e" || answer == "edit" {
				state = stateEdit
				continue
			}

			yes, ok := yesNo(answer)
			if !ok {
				mi.printf("Invalid answer...\n")
				continue
			}

			if !yes {
				return nil, ErrAborted
			}

			return s, nil

		case stateEdit:
			if err := mi.edit(md, passphrase); err != nil {
				return nil, err
			}

			if s, err = mi.plan(md, *passphrase, rootDir); err != nil {
				mi.printf("%s\n", err)
				continue
			}

			state = stateReview
		}
	}
}

func readCryptFile(path string) (storage.Secret, error) {
	if path == "" {
		return "", nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err)
	}

	return storage.Secret(strings.TrimRight(string(content), "\r\n")), nil
}

// Run is part of the Frontend implementation and is the actual entry point for the
// console frontend
func (mi *MassInstall) Run(md *model.SystemInstall, rootDir string, options args.Args) error {
	progress.Set(mi)

	log.Debug("Starting install")

	passphrase, err := readCryptFile(options.CryptPassFile)
	if err != nil {
		return err
	}

	if err = mi.gather(md, &passphrase); err != nil {
		return err
	}

	s, err := mi.confirmPlan(md, &passphrase, rootDir)
	if err != nil {
		return err
	}

	if md.DryRun {
		mi.printf("%s\n", utils.Locale.Get("Dry run, nothing was written to %s", md.TargetDevice))
		return nil
	}

	if err = mi.install(s, mi.confirm); err != nil {
		if !errors.IsValidationError(err) {
			mi.printf("ERROR: Installation has failed!\n")
		}
		return err
	}

	mi.printf("%s\n", utils.Locale.Get("Installation complete. You can now reboot."))

	return nil
}
