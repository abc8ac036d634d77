// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package user

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/cmd/cmdtest"
	"github.com/archstrap/archstrap/progress"
	"github.com/archstrap/archstrap/progress/progresstest"
	"github.com/archstrap/archstrap/utils"
)

func init() {
	utils.SetLocale("en_US.UTF-8")
	progress.Set(&progresstest.Client{})
}

const (
	offset = 10
)

// generateRandomString is a helper function to generate random string with
// alphabets, startwithchars is prepended to the random string
func generateRandomString(n int, startwithchars string) string {
	characterset := strings.Split("abcdefghijklmnopqrstuvwxyz", "")
	var random strings.Builder
	random.WriteString(startwithchars)
	for n > 0 {
		random.WriteString(characterset[rand.Intn(25)])
		n--
	}

	return random.String()
}

func TestPasswordValidation(t *testing.T) {
	tests := []struct {
		password string
		errStr   string
		valid    bool
	}{
		{"", "Password is required", false},
		{"a", "Password must be at least 8 characters long", false},
		{generateRandomString(MaxPasswordLength, "9!"), "Password may be at most 255 characters long", false},
		{"Mfgatcsc5!", "", true},
		{"84A562548463!", "", true},
	}

	for _, curr := range tests {
		valid, errStr := IsValidPassword(curr.password)
		if valid != curr.valid || errStr != curr.errStr {
			t.Fatalf("IsValidPassword() returned (%v,%s), want (%v,%s)", valid, errStr, curr.valid, curr.errStr)
		}
	}
}

func TestUsernameValidation(t *testing.T) {
	tests := []struct {
		username string
		errStr   string
		valid    bool
	}{
		{generateRandomString(MaxUsernameLength-offset, "9"), "Username must contain only numbers, letters, commas, - or _", false},
		{generateRandomString(MaxUsernameLength-offset, "_"), "Username must contain only numbers, letters, commas, - or _", false},
		{generateRandomString(MaxUsernameLength+1, ""), "UserName maximum length is 64", false},
		{generateRandomString(MaxUsernameLength-offset, "a-_ ,'."), "", true},
		{generateRandomString(MaxUsernameLength, ""), "", true},
		{"", "", true},
	}

	for _, curr := range tests {
		valid, errStr := IsValidUsername(curr.username)
		if valid != curr.valid || errStr != curr.errStr {
			t.Fatalf("IsValidUsername(%q) returned (%v,%s), want (%v,%s)", curr.username, valid, errStr, curr.valid, curr.errStr)
		}
	}
}

func TestLoginValidation(t *testing.T) {
	tests := []struct {
		login  string
		errStr string
		valid  bool
	}{
		{"", "Login is required", false},
		{generateRandomString(MaxLoginLength-offset, "9!"), "Login must contain only numbers, lower case letters, - or _", false},
		{"Archie", "Login must contain only numbers, lower case letters, - or _", false},
		{generateRandomString(MaxLoginLength+1, ""), "Login maximum length is 31", false},
		{"root", "Login root is reserved for a system account", false},
		{generateRandomString(MaxLoginLength-offset, "a9-_"), "", true},
		{generateRandomString(MaxLoginLength, ""), "", true},
	}

	for _, curr := range tests {
		valid, errStr := IsValidLogin(curr.login)
		if valid != curr.valid || errStr != curr.errStr {
			t.Fatalf("IsValidLogin(%q) returned (%v,%s), want (%v,%s)", curr.login, valid, errStr, curr.valid, curr.errStr)
		}
	}
}

func TestPrimary(t *testing.T) {
	users := []*User{{Login: "guest"}, {Login: "archie", Admin: true}}

	if p := Primary(users); p != "archie" {
		t.Fatalf("Primary() should prefer admins, got: %q", p)
	}

	if p := Primary(users[:1]); p != "guest" {
		t.Fatalf("Primary() returned %q", p)
	}

	if p := Primary(nil); p != "" {
		t.Fatalf("Primary() returned %q", p)
	}
}

func TestApply(t *testing.T) {
	root := t.TempDir()
	runner := cmdtest.New(cmdtest.Rule{Match: "getent passwd archie", Code: 2})
	ex := &chroot.Executor{Root: root, Runner: runner}

	usr, err := NewUser("archie", "Archie Linux", "archie-password", true)
	if err != nil {
		t.Fatalf("NewUser() failed: %v", err)
	}
	usr.SSHKeys = []string{"ssh-ed25519 AAAA archie@host"}

	if err = usr.Validate(); err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}

	if err = Apply(ex, []*User{usr}, ""); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if !runner.Ran("useradd --create-home --shell /bin/bash --comment Archie Linux -G wheel archie") {
		t.Fatalf("useradd was not run as expected: %v", runner.Calls)
	}

	chpasswd := runner.Find("chpasswd -e")
	if len(chpasswd) != 1 || !strings.HasPrefix(chpasswd[0].Stdin, "archie:$6$") {
		t.Fatalf("The password hash should be sent on stdin: %v", chpasswd)
	}

	if strings.Contains(chpasswd[0].String(), "$6$") {
		t.Fatal("The password hash must not be on the command line")
	}

	if !runner.Ran("usermod --lock root") {
		t.Fatal("The root account should be locked when only admins are defined")
	}

	sudoers, err := os.ReadFile(filepath.Join(root, SudoersFile))
	if err != nil || string(sudoers) != "%wheel ALL=(ALL:ALL) ALL\n" {
		t.Fatalf("Unexpected sudoers drop-in: %q, %v", sudoers, err)
	}

	keys, err := os.ReadFile(filepath.Join(root, "home", "archie", ".ssh", "authorized_keys"))
	if err != nil || string(keys) != "ssh-ed25519 AAAA archie@host\n" {
		t.Fatalf("Unexpected authorized_keys: %q, %v", keys, err)
	}
}

func TestApplyRootPassword(t *testing.T) {
	runner := cmdtest.New(cmdtest.Rule{Match: "getent", Code: 2})
	ex := &chroot.Executor{Root: t.TempDir(), Runner: runner}

	if err := Apply(ex, nil, "$6$salt$hash"); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	calls := runner.Find("chpasswd")
	if len(calls) != 1 || calls[0].Stdin != "root:$6$salt$hash\n" {
		t.Fatalf("The root password was not set: %v", runner.Calls)
	}

	if runner.Ran("usermod --lock") {
		t.Fatal("The root account must not be locked when it has a password")
	}
}

func TestApplyFailure(t *testing.T) {
	runner := cmdtest.New(
		cmdtest.Rule{Match: "getent", Code: 2},
		cmdtest.Rule{Match: "useradd", Code: 9},
	)
	ex := &chroot.Executor{Root: t.TempDir(), Runner: runner}

	if err := Apply(ex, []*User{{Login: "archie"}}, ""); err == nil {
		t.Fatal("Apply() should fail when useradd fails")
	}

	if runner.Ran("chpasswd") {
		t.Fatal("No password should be set after a failed useradd")
	}
}
