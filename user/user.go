// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package user

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/encrypt"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/progress"
	"github.com/archstrap/archstrap/utils"
)

// User abstracts a target system definition
type User struct {
	Login    string   `yaml:"login,omitempty"`
	UserName string   `yaml:"username,omitempty,flow"`
	Password string   `yaml:"password,omitempty,flow"`
	Admin    bool     `yaml:"admin,omitempty,flow"`
	SSHKeys  []string `yaml:"ssh-keys,omitempty,flow"`
}

const (
	// MaxUsernameLength is the longest possible username
	MaxUsernameLength = 64
	// MaxLoginLength is the longest possible login
	MaxLoginLength = 31
	// MinPasswordLength is the shortest possible password
	MinPasswordLength = 8
	// MaxPasswordLength is the longest possible password
	MaxPasswordLength = 255

	// AdminGroup members may use sudo
	AdminGroup = "wheel"

	// SudoersFile grants the admin group sudo rights
	SudoersFile = "/etc/sudoers.d/00_wheel"

	// UsernameCharRequirementMessage is basic username requirements
	UsernameCharRequirementMessage = "Username must contain only numbers, letters, commas, - or _"

	// UsernameMaxRequirementMessage is the basic username requirements
	UsernameMaxRequirementMessage = "UserName maximum length is %d"

	// LoginNonEmptyRequirementMessage is basic login requirements
	LoginNonEmptyRequirementMessage = "Login is required"

	// LoginMaxRequirementMessage is the basic login requirements
	LoginMaxRequirementMessage = "Login maximum length is %d"

	// LoginRegexRequirementMessage is the basic login requirements
	LoginRegexRequirementMessage = "Login must contain only numbers, lower case letters, - or _"

	// LoginReservedMessage rejects the system accounts
	LoginReservedMessage = "Login %s is reserved for a system account"

	// PasswordNonEmptyRequirementMessage is the basic password requirements
	PasswordNonEmptyRequirementMessage = "Password is required"

	// PasswordMinRequirementMessage is the basic password requirements
	PasswordMinRequirementMessage = "Password must be at least %d characters long"

	// PasswordMaxRequirementMessage is the basic password requirements
	PasswordMaxRequirementMessage = "Password may be at most %d characters long"
)

var (
	usernameExp = regexp.MustCompile("^([a-zA-Z]+[0-9a-zA-Z-_ ,'.]*|)$")
	loginExp    = regexp.MustCompile("^[a-z_][0-9a-z-_]*$")

	reservedLogins = []string{
		"root", "bin", "daemon", "mail", "ftp", "http", "nobody", "dbus",
		"systemd-journal-remote", "systemd-network", "systemd-resolve",
		"systemd-timesync", "systemd-coredump", "uuidd",
	}
)

// NewUser creates/allocates a new user handle, pwd may be a plain password
// or a crypt(3) hash
func NewUser(login string, username string, pwd string, admin bool) (*User, error) {
	hashed, err := encrypt.EnsureHashed(pwd)
	if err != nil {
		return nil, err
	}

	return &User{
		Login:    login,
		UserName: username,
		Password: hashed,
		Admin:    admin,
	}, nil
}

// SetPassword sets a users password
func (u *User) SetPassword(pwd string) error {
	hashed, err := encrypt.EnsureHashed(pwd)
	if err != nil {
		return err
	}

	u.Password = hashed
	return nil
}

// Equals returns true if u and usr point to the same struct or if both have
// the same Login string
func (u *User) Equals(usr *User) bool {
	return u == usr || u.Login == usr.Login
}

// Validate checks the user definition read from a descriptor
func (u *User) Validate() error {
	if ok, msg := IsValidLogin(u.Login); !ok {
		return errors.ValidationErrorf("%s", msg)
	}

	if ok, msg := IsValidUsername(u.UserName); !ok {
		return errors.ValidationErrorf("%s", msg)
	}

	if u.Password != "" && !encrypt.IsHashed(u.Password) {
		return errors.ValidationErrorf("password of user %s must be a crypt(3) hash", u.Login)
	}

	return nil
}

// Primary returns the login handed to the customization script: the first
// admin, or the first user when there is no admin
func Primary(users []*User) string {
	for _, u := range users {
		if u.Admin {
			return u.Login
		}
	}

	if len(users) > 0 {
		return users[0].Login
	}

	return ""
}

// Apply creates the users and sets their passwords in the target, rootHash
// (when not empty) becomes the root password. With admins and no root
// password the root account is locked.
func Apply(ex *chroot.Executor, users []*User, rootHash string) error {
	prg := progress.NewLoop("%s", utils.Locale.Get("Adding users"))

	haveAdmins := false

	for _, usr := range users {
		log.Info("Adding user '%s'", usr.Login)
		if err := usr.apply(ex); err != nil {
			prg.Failure()
			return err
		}

		if usr.Admin {
			haveAdmins = true
		}
	}

	if haveAdmins {
		if err := writeSudoers(ex.Root); err != nil {
			prg.Failure()
			return err
		}
	}

	var err error
	switch {
	case rootHash != "":
		log.Info("Setting the 'root' password")
		err = setPassword(ex, "root", rootHash)
	case haveAdmins:
		log.Info("Disabling the 'root' account.")
		err = disableRoot(ex)
	}

	if err != nil {
		prg.Failure()
		return err
	}

	prg.Success()
	return nil
}

func writeSudoers(rootDir string) error {
	path := filepath.Join(rootDir, SudoersFile)

	if err := utils.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	content := fmt.Sprintf("%%%s ALL=(ALL:ALL) ALL\n", AdminGroup)
	if err := os.WriteFile(path, []byte(content), 0440); err != nil {
		return errors.Wrap(err)
	}

	return nil
}

func setPassword(ex *chroot.Executor, login string, hash string) error {
	if _, err := ex.RunWithInput(fmt.Sprintf("%s:%s\n", login, hash), "chpasswd", "-e"); err != nil {
		return errors.Errorf("could not set the password of %s: %v", login, err)
	}

	return nil
}

// disableRoot will lockout the root account
// should be called only when adding an account which
// has been granted admin privileges (sudo)
func disableRoot(ex *chroot.Executor) error {
	if _, err := ex.Run("usermod", "--lock", "root"); err != nil {
		return errors.Wrap(err)
	}

	// How many days since the beginning of (UNIX) time
	days := fmt.Sprintf("%d", time.Now().Unix()/(24*60*60))

	// Set a password change date so we are not prompted
	// when sudo'ing to root account or when ssh'ing at root
	if _, err := ex.Run("chage", "--lastday", days, "root"); err != nil {
		return errors.Wrap(err)
	}

	return nil
}

func (u *User) exists(ex *chroot.Executor) bool {
	_, err := ex.Run("getent", "passwd", u.Login)
	return err == nil
}

// home returns the home directory of the user on the installation target
func (u *User) home(ex *chroot.Executor) string {
	home := filepath.Join("/home", u.Login)

	res, err := ex.Run("getent", "passwd", u.Login)
	if err != nil {
		return home
	}

	fields := strings.Split(strings.TrimSpace(res.Output), ":")
	if len(fields) >= 6 && fields[5] != "" {
		home = fields[5]
	}

	return home
}

// apply applies the user configuration to the target install
func (u *User) apply(ex *chroot.Executor) error {
	if u.exists(ex) {
		log.Info("Account '%s' already a defined system account, skipping add.", u.Login)
	} else {
		args := []string{"useradd", "--create-home", "--shell", "/bin/bash"}

		if u.UserName != "" {
			args = append(args, "--comment", u.UserName)
		}

		if u.Admin {
			args = append(args, "-G", AdminGroup)
		}

		if _, err := ex.Run(append(args, u.Login)...); err != nil {
			return errors.Wrap(err)
		}
	}

	if u.Password != "" {
		if err := setPassword(ex, u.Login, u.Password); err != nil {
			return err
		}
	}

	if len(u.SSHKeys) > 0 {
		if err := u.writeSSHKeys(ex); err != nil {
			return err
		}
	}

	return nil
}

func (u *User) writeSSHKeys(ex *chroot.Executor) error {
	sshDir := filepath.Join(u.home(ex), ".ssh")
	dpath := filepath.Join(ex.Root, sshDir)

	if err := utils.MkdirAll(dpath, 0700); err != nil {
		return err
	}

	content := strings.Join(u.SSHKeys, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dpath, "authorized_keys"), []byte(content), 0600); err != nil {
		return errors.Wrap(err)
	}

	if _, err := ex.Run("chown", "-R", fmt.Sprintf("%s:%s", u.Login, u.Login), sshDir); err != nil {
		return errors.Wrap(err)
	}

	return nil
}

// IsValidUsername checks the username restrictions
func IsValidUsername(username string) (bool, string) {
	if !usernameExp.MatchString(username) {
		return false, utils.Locale.Get(UsernameCharRequirementMessage)
	}

	if len(username) > MaxUsernameLength {
		return false, utils.Locale.Get(UsernameMaxRequirementMessage, MaxUsernameLength)
	}

	return true, ""
}

// IsValidLogin checks the minimum login requirements
func IsValidLogin(login string) (bool, string) {
	if login == "" {
		return false, utils.Locale.Get(LoginNonEmptyRequirementMessage)
	}

	if len(login) > MaxLoginLength {
		return false, utils.Locale.Get(LoginMaxRequirementMessage, MaxLoginLength)
	}

	if !loginExp.MatchString(login) {
		return false, utils.Locale.Get(LoginRegexRequirementMessage)
	}

	if utils.StringSliceContains(reservedLogins, login) {
		return false, utils.Locale.Get(LoginReservedMessage, login)
	}

	return true, ""
}

// IsValidPassword checks the minimum password requirements
func IsValidPassword(pwd string) (bool, string) {
	if pwd == "" {
		return false, utils.Locale.Get(PasswordNonEmptyRequirementMessage)
	}

	if len(pwd) < MinPasswordLength {
		return false, utils.Locale.Get(PasswordMinRequirementMessage, MinPasswordLength)
	}

	if len(pwd) > MaxPasswordLength {
		return false, utils.Locale.Get(PasswordMaxRequirementMessage, MaxPasswordLength)
	}

	return true, ""
}
