// Copyright © 2019 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package encrypt

import (
	"strings"
	"testing"
)

func TestCrypt(t *testing.T) {
	str := "a string to be hashed"

	hashed, err := Crypt(str)
	if err != nil {
		t.Fatalf("Should not fail to hash the string: %v", err)
	}

	hashed2, err := Crypt(str)
	if err != nil {
		t.Fatalf("Should not fail to hash2 the string: %v", err)
	}

	if hashed2 == hashed {
		t.Fatalf("The hashes should not be the same")
	}

	if !strings.HasPrefix(hashed, "$6$") {
		t.Fatalf("Expected a SHA512 hash, got: %s", hashed)
	}

	if err = Verify(hashed, str); err != nil {
		t.Fatalf("Failed to verify hashed: %v", err)
	}

	if err = Verify(hashed2, str); err != nil {
		t.Fatalf("Failed to verify hashed2: %v", err)
	}
}

func TestFailCrypt(t *testing.T) {
	str := "a string to be hashed"
	str2 := "string to be hashed"

	hashed, err := Crypt(str)
	if err != nil {
		t.Fatalf("Should not fail to hash the string: %v", err)
	}

	if err = Verify(hashed, str2); err == nil {
		t.Fatalf("Should have Failed to verify hashed")
	}

	if _, err = Crypt(""); err == nil {
		t.Fatalf("Should not hash an empty password")
	}
}

func TestEnsureHashed(t *testing.T) {
	hashed, err := EnsureHashed("plain password")
	if err != nil {
		t.Fatalf("EnsureHashed() failed: %v", err)
	}

	if !IsHashed(hashed) {
		t.Fatalf("IsHashed() should detect %s", hashed)
	}

	again, err := EnsureHashed(hashed)
	if err != nil || again != hashed {
		t.Fatalf("EnsureHashed() should keep an existing hash, got: %s, %v", again, err)
	}

	for _, str := range []string{"", "password", "$6$", "$9$salt$hash"} {
		if IsHashed(str) {
			t.Fatalf("IsHashed(%q) should be false", str)
		}
	}
}
