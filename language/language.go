// Copyright © 2019 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package language

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/utils"
)

// Language represents a system language, containing the locale code and lang tag representation
type Language struct {
	Code    string
	Charset string
	Tag     language.Tag
}

const (
	// DefaultLanguage is the default language string
	DefaultLanguage = "en_US.UTF-8"

	// DefaultKeymap is the default console keymap
	DefaultKeymap = "us"

	localeGenFile  = "/etc/locale.gen"
	localeConfFile = "/etc/locale.conf"
	vconsoleFile   = "/etc/vconsole.conf"
)

var (
	localeExp = regexp.MustCompile(`^([a-z]{2,3})(_[A-Z]{2})?(\.[0-9A-Za-z-]+)?(@[a-z]+)?$`)
	keymapExp = regexp.MustCompile(`^[0-9A-Za-z][0-9A-Za-z_.+-]*$`)

	validKeymaps []string
)

// Parse validates a locale code such as en_US.UTF-8 and resolves its
// language tag
func Parse(code string) (*Language, error) {
	m := localeExp.FindStringSubmatch(code)
	if m == nil {
		return nil, errors.ValidationErrorf("Invalid locale %q", code)
	}

	tag, err := language.Parse(m[1] + strings.Replace(m[2], "_", "-", 1))
	if err != nil {
		return nil, errors.ValidationErrorf("Invalid locale %q: %v", code, err)
	}

	charset := strings.TrimPrefix(m[3], ".")
	if charset == "" {
		charset = "ISO-8859-1"
	}

	return &Language{Code: code, Charset: charset, Tag: tag}, nil
}

// DisplayName returns the english name of the language, i.e American English
func (l *Language) DisplayName() string {
	return display.English.Tags().Name(l.Tag)
}

// MarshalYAML marshals Language into YAML format
func (l *Language) MarshalYAML() (interface{}, error) {
	return l.Code, nil
}

// UnmarshalYAML unmarshals Language from YAML format
func (l *Language) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var code string

	if err := unmarshal(&code); err != nil {
		return err
	}

	parsed, err := Parse(code)
	if err != nil {
		return err
	}

	*l = *parsed
	return nil
}

// Equals compares tow Language instances
func (l *Language) Equals(comp *Language) bool {
	if comp == nil {
		return false
	}

	return l.Code == comp.Code
}

// LocaleGenEntry is the locale.gen line enabling l
func (l *Language) LocaleGenEntry() string {
	return fmt.Sprintf("%s %s", l.Code, l.Charset)
}

// EnableLocaleGen uncomments entry in a locale.gen content, or appends it
// when the file doesn't list it
func EnableLocaleGen(content string, entry string) string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	found := false

	for idx, line := range lines {
		trimmed := strings.TrimSpace(strings.TrimLeft(line, "#"))
		if trimmed == entry {
			lines[idx] = entry
			found = true
		}
	}

	if !found {
		lines = append(lines, entry)
	}

	return strings.TrimLeft(strings.Join(lines, "\n"), "\n") + "\n"
}

// SetTargetLanguage generates the locale in the target and makes it the
// system default
func SetTargetLanguage(ex *chroot.Executor, code string) error {
	lang, err := Parse(code)
	if err != nil {
		return err
	}

	genFile := filepath.Join(ex.Root, localeGenFile)

	content, err := os.ReadFile(genFile)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err)
	}

	if err = utils.MkdirAll(filepath.Dir(genFile), 0755); err != nil {
		return err
	}

	if err = os.WriteFile(genFile, []byte(EnableLocaleGen(string(content), lang.LocaleGenEntry())), 0644); err != nil {
		return errors.Wrap(err)
	}

	if _, err = ex.Run("locale-gen"); err != nil {
		return errors.Wrap(err)
	}

	log.Debug("Setting target language to %s (%s)", lang.Code, lang.DisplayName())

	return writeConf(ex.Root, localeConfFile, "LANG="+lang.Code)
}

func writeConf(rootDir string, file string, line string) error {
	path := filepath.Join(rootDir, file)

	if err := utils.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(line+"\n"), 0644); err != nil {
		return errors.Errorf("Could not write %s: %v", file, err)
	}

	return nil
}

// LoadKeymaps loads the system's available keymaps
func LoadKeymaps() ([]string, error) {
	if validKeymaps != nil {
		return validKeymaps, nil
	}

	out, err := cmd.Output("localectl", "list-keymaps", "--no-pager")
	if err != nil {
		return nil, err
	}

	keymaps := []string{}
	for _, curr := range strings.Split(out, "\n") {
		if curr = strings.TrimSpace(curr); curr != "" {
			keymaps = append(keymaps, curr)
		}
	}

	validKeymaps = keymaps

	return validKeymaps, nil
}

// IsValidKeymap verifies the keymap is known to the host, when the host
// can't list keymaps only the syntax is checked
func IsValidKeymap(code string) bool {
	if !keymapExp.MatchString(code) {
		return false
	}

	keymaps, err := LoadKeymaps()
	if err != nil {
		log.Warning("Could not load the keymap list: %v", err)
		return true
	}

	return utils.StringSliceContains(keymaps, code)
}

// SetTargetKeymap sets the console keymap of the target
func SetTargetKeymap(rootDir string, keymap string) error {
	if !keymapExp.MatchString(keymap) {
		return errors.ValidationErrorf("Invalid keymap %q", keymap)
	}

	return writeConf(rootDir, vconsoleFile, "KEYMAP="+keymap)
}
