// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"fmt"
	"strings"

	"github.com/huandu/xstrings"

	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
)

// Scheme is the on-disk encryption format
type Scheme string

const (
	// SchemeLUKS2 LUKS version 2, the default
	SchemeLUKS2 Scheme = "luks2"

	// SchemeLUKS1 LUKS version 1, required by boot loaders reading an
	// encrypted /boot
	SchemeLUKS1 Scheme = "luks1"

	// EncryptHash use for LUKS encryption
	EncryptHash = "sha256"

	// EncryptCipher use for LUKS encryption
	EncryptCipher = "aes-xts-plain64"

	// EncryptKeySize use for LUKS encryption
	EncryptKeySize = 512

	// MinPassphraseLength is the shortest possible passphrase
	MinPassphraseLength = 8

	// MaxPassphraseLength is the longest possible passphrase
	MaxPassphraseLength = 94
)

var (
	// ErrNothingToEncrypt is returned when the predicate selects no partition
	ErrNothingToEncrypt = errors.ValidationErrorf("no partition was selected for encryption")

	// ErrAlreadyEncrypted is returned when encryption is applied twice
	ErrAlreadyEncrypted = errors.ValidationErrorf("layout is already encrypted")

	// ErrEmptyPassphrase is returned when no passphrase was provided
	ErrEmptyPassphrase = errors.ValidationErrorf("encryption passphrase is required")
)

// ParseScheme converts a scheme name, empty means luks2
func ParseScheme(str string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(str))) {
	case "", SchemeLUKS2:
		return SchemeLUKS2, nil
	case SchemeLUKS1:
		return SchemeLUKS1, nil
	}

	return "", errors.ValidationErrorf("unsupported encryption scheme %q", str)
}

// Secret holds sensitive text, it's never printed or marshalled
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "********"
}

// GoString keeps %#v from leaking the secret
func (s Secret) GoString() string {
	return s.String()
}

// MarshalYAML never writes the secret out
func (s Secret) MarshalYAML() (interface{}, error) {
	return "", nil
}

// Reveal returns the actual secret text
func (s Secret) Reveal() string {
	return string(s)
}

// Encryption describes how the selected partitions are encrypted
type Encryption struct {
	Scheme     Scheme
	Passphrase Secret
}

// Predicate selects the partitions to encrypt
type Predicate func(p Partition) bool

// NotBootCritical selects every partition but the ones needed to boot
func NotBootCritical(p Partition) bool {
	return !p.IsBootCritical()
}

// MappedName derives the device-mapper name of an encrypted partition from
// its mount point: / is cryptroot, /home is crypthome and /var/log is
// cryptvar_log. Partitions without a mount point use their number.
func MappedName(p Partition) string {
	mp := strings.Trim(p.MountPoint, "/")

	switch {
	case p.MountPoint == "/":
		return "cryptroot"
	case mp == "":
		return fmt.Sprintf("cryptpart%d", p.Number)
	}

	return "crypt" + xstrings.Translate(strings.ToLower(mp), "/-. ", "____")
}

// ApplyEncryption returns a copy of layout with the partitions selected by
// pred marked as encrypted, a nil pred selects NotBootCritical. The input
// layout is never changed.
func ApplyEncryption(layout *Layout, enc Encryption, pred Predicate) (*Layout, error) {
	if layout.Frozen() {
		return nil, ErrLayoutFrozen
	}

	if layout.Encrypted() {
		return nil, ErrAlreadyEncrypted
	}

	if enc.Passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	if _, err := ParseScheme(string(enc.Scheme)); err != nil {
		return nil, err
	}

	if pred == nil {
		pred = NotBootCritical
	}

	result := layout.Clone()
	used := map[string]bool{}
	selected := 0

	for idx := range result.Partitions {
		p := &result.Partitions[idx]
		if !pred(*p) {
			continue
		}

		name := MappedName(*p)
		if used[name] {
			name = fmt.Sprintf("%s%d", name, p.Number)
		}
		used[name] = true

		p.Encrypted = true
		p.MappedName = name
		selected++

		log.Debug("Partition %s will be encrypted as %s", p.Path, name)
	}

	if selected == 0 {
		return nil, ErrNothingToEncrypt
	}

	return result, nil
}

func isPrintable(s string) bool {
	for _, c := range s {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}

// IsValidPassphrase checks the minimum passphrase requirements
func IsValidPassphrase(phrase string) (bool, string) {
	if phrase == "" {
		return false, "Passphrase is required"
	}

	if !isPrintable(phrase) {
		return false, "Passphrase may only contain 7-bit, printable characters"
	}

	if len(phrase) < MinPassphraseLength {
		return false, fmt.Sprintf("Passphrase must be at least %d characters long",
			MinPassphraseLength)
	}

	if len(phrase) > MaxPassphraseLength {
		return false, fmt.Sprintf("Passphrase may be at most %d characters long",
			MaxPassphraseLength)
	}

	return true, ""
}
