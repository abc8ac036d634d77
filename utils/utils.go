// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package utils

import (
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	"github.com/digitalocean/go-smbios/smbios"

	"github.com/archstrap/archstrap/errors"
)

// EFIFirmwareDir exists on systems booted in UEFI mode
var EFIFirmwareDir = "/sys/firmware/efi"

// MkdirAll similar to go's standard os.MkdirAll() this function creates a directory
// named path, along with any necessary parents but also checks if path exists and
// takes no action if that's true.
func MkdirAll(path string, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return errors.Errorf("mkdir %s: %v", path, err)
	}

	return nil
}

// CopyFile copies src file to dest keeping the source permission bits
func CopyFile(src string, dest string) error {
	destDir := filepath.Dir(dest)

	srcInfo, err := os.Stat(src)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Errorf("no such file: %s", src)
		}
		return errors.Wrap(err)
	}

	if _, err = os.Stat(destDir); err != nil {
		if os.IsNotExist(err) {
			return errors.Errorf("no such dest directory: %s", destDir)
		}
		return errors.Wrap(err)
	}

	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode()&os.ModePerm)
	if err != nil {
		return errors.Wrap(err)
	}

	if _, err = io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Errorf("copy %s to %s: %v", src, dest, err)
	}

	return out.Close()
}

// CopyDir recursively copies the regular files and directories under src
// into dest, dest is created if needed
func CopyDir(src string, dest string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		if info.IsDir() {
			return MkdirAll(target, info.Mode()&os.ModePerm)
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		return CopyFile(p, target)
	})
}

// FileExists returns true if the file or directory exists
// else it returns false and the associated error
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return true, err
}

// VerifyRootUser returns an error if we're not running as root
func VerifyRootUser() error {
	progName := path.Base(os.Args[0])

	if !IsRoot() {
		return errors.ValidationErrorf("%s MUST run as 'root' user to install! (uid=%d)",
			progName, os.Geteuid())
	}

	return nil
}

// IsRoot checks if the current User is root (UID 0)
// Mostly used in Go Testing
func IsRoot() bool {
	usr, err := user.Current()
	if err != nil {
		return false
	}

	return usr.Uid == "0"
}

// StringSliceContains returns true if sl contains str, returns false otherwise
func StringSliceContains(sl []string, str string) bool {
	for _, curr := range sl {
		if curr == str {
			return true
		}
	}
	return false
}

// AppendUnique appends the elements of add missing from sl, order is kept
func AppendUnique(sl []string, add ...string) []string {
	for _, curr := range add {
		if !StringSliceContains(sl, curr) {
			sl = append(sl, curr)
		}
	}

	return sl
}

// IsStdoutTTY returns true if the stdout is attached to a tty
func IsStdoutTTY() bool {
	var termios syscall.Termios

	fd := os.Stdout.Fd()
	ptr := uintptr(unsafe.Pointer(&termios))
	_, _, err := syscall.Syscall6(syscall.SYS_IOCTL, fd, syscall.TCGETS, ptr, 0, 0, 0)

	return err == 0
}

// IsEFI returns true if the running system was booted in UEFI mode
func IsEFI() bool {
	ok, _ := FileExists(EFIFirmwareDir)
	return ok
}

// IsVirtualBox returns true if the running system is executed
// from within VirtualBox
// Attempt to parse the System Management BIOS (SMBIOS) and
// Desktop Management Interface (DMI) to determine if we are
// executing inside a VirtualBox. Ignoring error conditions and
// assuming we are not VirtualBox.
func IsVirtualBox() bool {
	rc, _, err := smbios.Stream()
	if err != nil {
		return false
	}

	defer func() { _ = rc.Close() }()

	// https://www.dmtf.org/sites/default/files/standards/documents/DSP0134_3.1.1.pdf
	d := smbios.NewDecoder(rc)
	ss, err := d.Decode()
	if err != nil {
		return false
	}

	for _, s := range ss {
		// 7.2 System Information (Type 1)
		if s.Header.Type != 1 {
			continue
		}

		for _, str := range s.Strings {
			if strings.Contains(strings.ToLower(str), "virtualbox") {
				return true
			}
		}
	}

	return false
}
