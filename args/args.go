// Copyright © 2019 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package args

// Arguments which influence how this program executes
// Order of Precedence
// 1. Command Line Arguments -- Highest Priority
// 2. Kernel Command Line Arguments
// 3. Install descriptor
// 4. Program defaults -- Lowest Priority

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/archstrap/archstrap/conf"
	"github.com/archstrap/archstrap/log"
)

const (
	kernelCmdlineConf = "archstrap.descriptor"
	kernelCmdlineLog  = "archstrap.loglevel"
	logFileEnvironVar = "ARCHSTRAP_LOG_FILE"
)

var (
	kernelCmdlineFile = "/proc/cmdline"
)

// Args represents the user provided arguments
type Args struct {
	Version       bool
	LogFile       string
	LogLevel      int
	ConfigFile    string
	CryptPassFile string
	Device        string
	Topology      string
	FileSystem    string
	Encrypt       bool
	EncryptSet    bool
	Silent        bool
	DryRun        bool
	Customization string
	MountRoot     string
	Teardown      bool
	SystemCheck   bool
	PamSalt       string
	ListDevices   bool
	Archive       bool
	ArchiveSet    bool
	Unmount       bool
	UnmountSet    bool
}

func (args *Args) setKernelArgs() (err error) {
	var kernelCmd string

	if kernelCmd, err = args.readKernelCmd(); err != nil {
		return err
	}

	// Parse the kernel command for relevant installer options
	for _, curr := range strings.Fields(kernelCmd) {
		key, value, found := strings.Cut(curr, "=")
		if !found {
			continue
		}

		switch key {
		case kernelCmdlineConf:
			args.ConfigFile = value
		case kernelCmdlineLog:
			logLevel, convErr := strconv.Atoi(value)
			if convErr != nil || logLevel < log.LogLevelDebug || logLevel > log.LogLevelError {
				log.Warning("Ignoring invalid kernel parameter %s='%s'", kernelCmdlineLog, value)
				continue
			}
			args.LogLevel = logLevel
		}
	}

	return nil
}

// readKernelCmd returns the kernel command line
func (args *Args) readKernelCmd() (string, error) {
	content, err := os.ReadFile(kernelCmdlineFile)
	if err != nil {
		return "", err
	}

	return string(content), nil
}

func defaultLogFile() (string, error) {
	// use the env var ARCHSTRAP_LOG_FILE to determine the log file path
	if logFile := os.Getenv(logFileEnvironVar); logFile != "" {
		return logFile, nil
	}

	usr, err := user.Current()
	if err != nil {
		return "", err
	}

	return filepath.Join(usr.HomeDir, conf.LogFile), nil
}

func (args *Args) setCommandLineArgs(argv []string) (err error) {
	fs := flag.NewFlagSet("archstrap", flag.ContinueOnError)

	fs.BoolVarP(
		&args.Version, "version", "v", false, "Version of the Installer",
	)

	fs.StringVarP(
		&args.ConfigFile, "config", "c", args.ConfigFile, "Installation configuration file",
	)

	fs.StringVar(
		&args.CryptPassFile, "crypt-file", args.CryptPassFile, "File containing the cryptsetup password",
	)

	fs.StringVarP(
		&args.Device, "device", "d", args.Device, "Target block device, i.e /dev/sda",
	)

	fs.StringVar(
		&args.Topology, "topology", args.Topology,
		"Partition topology: single-root, root-home, uefi-boot-root or uefi-boot-root-home",
	)

	fs.StringVar(
		&args.FileSystem, "filesystem", args.FileSystem, "File system of root and home: ext4, btrfs or xfs",
	)

	fs.BoolVar(
		&args.Encrypt, "encrypt", false, "Encrypt every partition not needed to boot",
	)

	fs.BoolVar(
		&args.Silent, "silent", false, "Unattended installation, never prompt",
	)

	fs.BoolVar(
		&args.DryRun, "dry-run", false, "Plan and confirm the installation without writing anything",
	)

	fs.StringVar(
		&args.Customization, "customization", args.Customization,
		"Customization payload, a directory holding "+conf.CustomizationScript+" or a single script",
	)

	fs.StringVar(
		&args.MountRoot, "mount-root", args.MountRoot,
		"Directory the target is assembled in (default "+conf.DefaultMountRoot+")",
	)

	fs.BoolVar(
		&args.Teardown, "teardown", false, "Unmount a target left mounted by a previous run and exit",
	)

	fs.BoolVar(
		&args.SystemCheck, "system-check", false, "Verify current system is able to run the installer and exit",
	)

	fs.StringVar(
		&args.PamSalt, "genpass", "", "Generates a PAM compatible password hash based on the provided salt string",
	)

	fs.BoolVar(
		&args.ListDevices, "list-devices", false, "List the block devices available for installation and exit",
	)

	fs.BoolVar(
		&args.Archive, "archive", true, "Archive data to target after finishing",
	)

	fs.BoolVar(
		&args.Unmount, "unmount", false, "Unmount the target after a successful installation",
	)

	fs.IntVarP(
		&args.LogLevel,
		"log-level",
		"l",
		args.LogLevel,
		fmt.Sprintf("%d (debug), %d (info), %d (warning), %d (error)",
			log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarning, log.LogLevelError),
	)

	logFile, err := defaultLogFile()
	if err != nil {
		return err
	}

	fs.StringVar(
		&args.LogFile, "log-file", logFile, "The log file path",
	)

	fs.SortFlags = false
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of archstrap:\n%s", fs.FlagUsages())
	}

	if err = fs.Parse(argv); err != nil {
		return err
	}

	args.EncryptSet = fs.Changed("encrypt")
	args.ArchiveSet = fs.Changed("archive")
	args.UnmountSet = fs.Changed("unmount")

	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	if args.LogLevel < log.LogLevelDebug || args.LogLevel > log.LogLevelError {
		return fmt.Errorf("invalid log level %d", args.LogLevel)
	}

	if args.Teardown && args.DryRun {
		return errors.New("--teardown and --dry-run are mutually exclusive")
	}

	return nil
}

// ParseArgs will both parse the command line arguments to the program
// and read any options set on the kernel command line from boot-time
// setting the results into the Args member variables.
func (args *Args) ParseArgs() (err error) {
	// Set the default log level
	args.LogLevel = log.LogLevelInfo

	err = args.setKernelArgs()
	if err != nil {
		return err
	}

	return args.setCommandLineArgs(os.Args[1:])
}
