// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package storage

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/archstrap/archstrap/cmd"
	"github.com/archstrap/archstrap/errors"
)

var lsblkBinary = "lsblk"

// lsblk prints numbers as strings on older util-linux versions, both forms
// are accepted
type lsblkUint uint64

func (u *lsblkUint) UnmarshalJSON(b []byte) error {
	str := strings.Trim(string(b), `"`)
	if str == "" || str == "null" {
		*u = 0
		return nil
	}

	v, err := strconv.ParseUint(str, 10, 64)
	if err != nil {
		return err
	}

	*u = lsblkUint(v)
	return nil
}

type lsblkBool bool

func (lb *lsblkBool) UnmarshalJSON(b []byte) error {
	switch strings.Trim(string(b), `"`) {
	case "true", "1":
		*lb = true
	default:
		*lb = false
	}
	return nil
}

type lsblkDevice struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      lsblkUint `json:"size"`
	LogSec    lsblkUint `json:"log-sec"`
	Type      string    `json:"type"`
	Model     string    `json:"model"`
	ReadOnly  lsblkBool `json:"ro"`
	Removable lsblkBool `json:"rm"`
}

type lsblkOutput struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

func parseLsblk(data []byte) ([]Device, error) {
	var out lsblkOutput

	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Errorf("parse lsblk output: %v", err)
	}

	result := []Device{}
	for _, bd := range out.BlockDevices {
		if bd.Type != "disk" && bd.Type != "loop" {
			continue
		}

		path := bd.Path
		if path == "" {
			path = "/dev/" + bd.Name
		}

		sector := Size(bd.LogSec)
		if sector == 0 {
			sector = DefaultSectorSize
		}

		result = append(result, Device{
			Path:       path,
			Capacity:   Size(bd.Size),
			SectorSize: sector,
			Model:      strings.TrimSpace(bd.Model),
			ReadOnly:   bool(bd.ReadOnly),
			Removable:  bool(bd.Removable),
		})
	}

	return result, nil
}

// ListDevices enumerates the whole disks available on the host
func ListDevices() ([]Device, error) {
	args := []string{
		lsblkBinary,
		"--json",
		"--bytes",
		"--nodeps",
		"--exclude", "1,2,11",
		"--output", "NAME,PATH,SIZE,LOG-SEC,TYPE,MODEL,RO,RM",
	}

	out, err := cmd.Output(args...)
	if err != nil {
		return nil, errors.Wrap(err)
	}

	return parseLsblk([]byte(out))
}
