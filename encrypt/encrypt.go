// Copyright © 2019 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package encrypt

import (
	"crypto/rand"
	"regexp"

	"github.com/GehirnInc/crypt"
	// package requires import the hash method to blank
	_ "github.com/GehirnInc/crypt/sha512_crypt"

	"github.com/archstrap/archstrap/errors"
)

const (
	saltBytes = 19
	saltDict  = "./0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// shadow(5) hashes as produced by crypt(3): $id$[rounds=N$]salt$hash
var hashExp = regexp.MustCompile(`^\$(1|5|6|y|2[aby])\$[^$]+\$[./0-9A-Za-z$]+$`)

// CreateSalt generates a random salt for encrypting user password
func CreateSalt() (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	salt[0] = '$'
	salt[1] = '6'
	salt[2] = '$'

	for i := 3; i < saltBytes; i++ {
		salt[i] = saltDict[salt[i]%byte(len(saltDict))]
	}

	return string(salt), nil
}

// Crypt take a password and hashes with a random salt using SHA512
func Crypt(password string) (string, error) {
	if password == "" {
		return "", errors.ValidationErrorf("Cannot hash an empty password")
	}

	salt, err := CreateSalt()
	if err != nil {
		return "", errors.Errorf("Cannot generate salt: %v", err)
	}

	hash, err := crypt.SHA512.New().Generate([]byte(password), []byte(salt))
	if err != nil {
		return "", errors.Errorf("Cannot hash password: %v", err)
	}

	return hash, nil
}

// IsHashed returns true if str already is a crypt(3) hash, those are
// written to the target shadow file as they are
func IsHashed(str string) bool {
	return hashExp.MatchString(str)
}

// EnsureHashed hashes password unless it is a hash already
func EnsureHashed(password string) (string, error) {
	if IsHashed(password) {
		return password, nil
	}

	return Crypt(password)
}

// Verify checks password against a SHA512 hash
func Verify(hash string, password string) error {
	if !crypt.SHA512.Available() {
		return errors.Errorf("SHA512 crypt is not available")
	}

	if err := crypt.SHA512.New().Verify(hash, []byte(password)); err != nil {
		return errors.ValidationErrorf("Password does not match")
	}

	return nil
}
