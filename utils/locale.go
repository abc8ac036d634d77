// Copyright © 2019 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package utils

import (
	"github.com/leonelquinteros/gotext"
)

const (
	// LocaleDir is where the message catalogs are installed
	LocaleDir = "/usr/share/locale"

	// LocaleDomain is the message catalog domain
	LocaleDomain = "archstrap"
)

// Locale is the message catalog used for every user facing message,
// when no catalog is installed messages are returned untranslated
var Locale *gotext.Locale

func init() {
	SetLocale("en_US.UTF-8")
}

// SetLocale loads the message catalog for the given locale code
func SetLocale(code string) {
	Locale = gotext.NewLocale(LocaleDir, code)
	Locale.AddDomain(LocaleDomain)
}
