// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"math"
	"math/bits"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/archstrap/archstrap/errors"
)

// Size is an exact quantity of bytes, all the planning arithmetic is done
// with it and never with floating point values
type Size uint64

// Binary size units
const (
	Byte Size = 1
	KiB       = 1024 * Byte
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
	TiB       = 1024 * GiB
)

var (
	// ErrNegativeSize is returned when a subtraction would go below zero
	ErrNegativeSize = errors.ValidationErrorf("size subtraction result is negative")

	// ErrSizeOverflow is returned when an addition doesn't fit in 64 bits
	ErrSizeOverflow = errors.ValidationErrorf("size addition overflows")

	storageExp = regexp.MustCompile(`^([0-9]*(\.)?[0-9]*)([bkmgtp]{1}(b|ib){0,1}){0,1}$`)
)

// Bytes returns n bytes as a Size
func Bytes(n uint64) Size {
	return Size(n)
}

// Uint64 returns the byte count
func (s Size) Uint64() uint64 {
	return uint64(s)
}

// Add returns s + o, failing instead of wrapping around
func (s Size) Add(o Size) (Size, error) {
	sum, carry := bits.Add64(uint64(s), uint64(o), 0)
	if carry != 0 {
		return 0, ErrSizeOverflow
	}

	return Size(sum), nil
}

// Sub returns s - o, a negative result is an error and is never clamped
func (s Size) Sub(o Size) (Size, error) {
	if o > s {
		return 0, ErrNegativeSize
	}

	return s - o, nil
}

// Cmp returns -1, 0 or 1 if s is respectively smaller, equal or larger than o
func (s Size) Cmp(o Size) int {
	switch {
	case s < o:
		return -1
	case s > o:
		return 1
	}

	return 0
}

func checkSector(sector Size) error {
	if sector == 0 || sector&(sector-1) != 0 {
		return errors.ValidationErrorf("invalid sector size %d, must be a power of two", sector)
	}

	return nil
}

// AlignUp rounds s up to the next whole sector
func (s Size) AlignUp(sector Size) (Size, error) {
	if err := checkSector(sector); err != nil {
		return 0, err
	}

	rem := s % sector
	if rem == 0 {
		return s, nil
	}

	return s.Add(sector - rem)
}

// AlignDown truncates s to a whole number of sectors
func (s Size) AlignDown(sector Size) (Size, error) {
	if err := checkSector(sector); err != nil {
		return 0, err
	}

	return s - s%sector, nil
}

// IsAligned returns true if s is a whole number of sectors
func (s Size) IsAligned(sector Size) bool {
	return sector != 0 && s%sector == 0
}

// Sectors returns how many sectors fit in s
func (s Size) Sectors(sector Size) uint64 {
	if sector == 0 {
		return 0
	}

	return uint64(s / sector)
}

// String returns a human readable IEC representation (i.e 512 MiB)
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// MarshalYAML marshals Size into YAML format
func (s Size) MarshalYAML() (interface{}, error) {
	return formatSize(s), nil
}

// UnmarshalYAML unmarshals Size from YAML format
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string

	if err := unmarshal(&str); err != nil {
		return err
	}

	parsed, err := ParseSize(str)
	if err != nil {
		return err
	}

	*s = parsed
	return nil
}

// formatSize produces the shortest exact representation ParseSize accepts
func formatSize(s Size) string {
	units := []struct {
		unit Size
		name string
	}{
		{TiB, "TiB"},
		{GiB, "GiB"},
		{MiB, "MiB"},
		{KiB, "KiB"},
	}

	for _, u := range units {
		if s >= u.unit && s%u.unit == 0 {
			return strconv.FormatUint(uint64(s/u.unit), 10) + u.name
		}
	}

	return strconv.FormatUint(uint64(s), 10)
}

// ParseSize parses a size string. Plain numbers are bytes, the units
// k/m/g/t/p (optionally followed by b or ib) are always binary multiples.
func ParseSize(str string) (Size, error) {
	str = strings.ToLower(strings.TrimSpace(str))

	if str == "" {
		return 0, errors.ValidationErrorf("empty size")
	}

	if !storageExp.MatchString(str) {
		return 0, errors.ValidationErrorf("invalid size %q", str)
	}

	unit := storageExp.ReplaceAllString(str, `$3`)
	number := storageExp.ReplaceAllString(str, `$1`)

	if number == "" || number == "." {
		return 0, errors.ValidationErrorf("invalid size %q", str)
	}

	var mult Size
	switch strings.TrimSuffix(strings.TrimSuffix(unit, "ib"), "b") {
	case "":
		mult = Byte
	case "k":
		mult = KiB
	case "m":
		mult = MiB
	case "g":
		mult = GiB
	case "t":
		mult = TiB
	case "p":
		mult = 1024 * TiB
	default:
		return 0, errors.ValidationErrorf("invalid size unit %q", unit)
	}

	// integers are computed exactly, fractions are rounded to the byte
	if whole, err := strconv.ParseUint(number, 10, 64); err == nil {
		hi, lo := bits.Mul64(whole, uint64(mult))
		if hi != 0 {
			return 0, ErrSizeOverflow
		}
		return Size(lo), nil
	}

	fsize, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, errors.ValidationErrorf("invalid size %q", str)
	}

	bytes := math.Round(fsize * float64(mult))
	if bytes >= math.MaxUint64 {
		return 0, ErrSizeOverflow
	}

	return Size(bytes), nil
}
