// Copyright © 2020 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package timezone

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/coreos/go-systemd/v22/unit"

	"github.com/archstrap/archstrap/chroot"
	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
	"github.com/archstrap/archstrap/log"
	"github.com/archstrap/archstrap/utils"
)

// TimeZone represents the system time zone
type TimeZone struct {
	Code string
}

const (
	// DefaultTimezone is the default timezone string
	DefaultTimezone = "UTC"

	// ZoneInfoDir holds the time zone database
	ZoneInfoDir = "/usr/share/zoneinfo"

	// TimesyncdDropIn configures the NTP servers of systemd-timesyncd
	TimesyncdDropIn = "/etc/systemd/timesyncd.conf.d/archstrap.conf"

	// TimesyncdService is enabled to keep the clock synchronized
	TimesyncdService = "systemd-timesyncd.service"
)

var (
	// validTimezones stores the list of all valid, known timezones
	validTimezones []*TimeZone

	codeExp = regexp.MustCompile(`^[A-Za-z0-9_+-]+(/[A-Za-z0-9_+-]+)*$`)
)

// MarshalYAML marshals TimeZone into YAML format
func (tz *TimeZone) MarshalYAML() (interface{}, error) {
	return tz.Code, nil
}

// UnmarshalYAML unmarshals TimeZone from YAML format
func (tz *TimeZone) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var code string

	if err := unmarshal(&code); err != nil {
		return err
	}

	tz.Code = code
	return nil
}

// Equals compares tow Timezone instances
func (tz *TimeZone) Equals(comp *TimeZone) bool {
	if comp == nil {
		return false
	}

	return tz.Code == comp.Code
}

// Load uses timedatectl to load the currently available timezones
func Load() ([]*TimeZone, error) {
	if validTimezones != nil {
		return validTimezones, nil
	}

	out, err := cmd.Output("timedatectl", "list-timezones")
	if err != nil {
		return nil, err
	}

	tzs := []*TimeZone{}
	for _, curr := range strings.Split(out, "\n") {
		if curr = strings.TrimSpace(curr); curr == "" {
			continue
		}

		tzs = append(tzs, &TimeZone{Code: curr})
	}

	validTimezones = tzs

	return validTimezones, nil
}

// IsValidCode checks the time zone is a plausible zoneinfo path, it doesn't
// consult the host database
func IsValidCode(code string) bool {
	return codeExp.MatchString(code)
}

// IsValidTimezone verifies if the given time zone is known to the host
func IsValidTimezone(t *TimeZone) bool {
	tzs, err := Load()
	if err != nil {
		log.Warning("Could not load the time zone list: %v", err)
		return false
	}

	for _, curr := range tzs {
		if curr.Equals(t) {
			return true
		}
	}

	return false
}

// SetTargetTimezone points the target /etc/localtime to the zone file and
// syncs the hardware clock
func SetTargetTimezone(ex *chroot.Executor, timezone string) error {
	tzFile := filepath.Join(ZoneInfoDir, timezone)

	if ok, err := utils.FileExists(filepath.Join(ex.Root, tzFile)); err != nil || !ok {
		return errors.Errorf("Target timezone file missing: %s", tzFile)
	}

	if _, err := ex.Run("ln", "-sf", tzFile, "/etc/localtime"); err != nil {
		return errors.Wrap(err)
	}

	if _, err := ex.Run("hwclock", "--systohc"); err != nil {
		return errors.Wrap(err)
	}

	return nil
}

// TimesyncdConfig returns the timesyncd drop-in selecting servers
func TimesyncdConfig(servers []string) io.Reader {
	opts := []*unit.UnitOption{
		unit.NewUnitOption("Time", "NTP", strings.Join(servers, " ")),
	}

	return unit.Serialize(opts)
}

// EnableTimeSync enables systemd-timesyncd in the target, servers (when
// any) replace the distribution NTP pool
func EnableTimeSync(ex *chroot.Executor, servers []string) error {
	if len(servers) > 0 {
		dropIn := filepath.Join(ex.Root, TimesyncdDropIn)

		if err := utils.MkdirAll(filepath.Dir(dropIn), 0755); err != nil {
			return err
		}

		content, err := io.ReadAll(TimesyncdConfig(servers))
		if err != nil {
			return errors.Wrap(err)
		}

		if err = os.WriteFile(dropIn, content, 0644); err != nil {
			return errors.Wrap(err)
		}
	}

	if _, err := ex.Run("systemctl", "enable", TimesyncdService); err != nil {
		return errors.Wrap(err)
	}

	return nil
}
