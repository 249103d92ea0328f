// Copyright (C) 2019  Lukas Dietrich <lukas@lukasdietrich.com>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/briefrelay/smtpd/config"
	"github.com/briefrelay/smtpd/internal/log"
)

const usageText = `
Usage:
  smtpd [OPTIONS] COMMAND

  A minimal RFC 5321 SMTP receiving server.

Version:
  %s

Commands:
  start     Start accepting connections
  shell     Start an interactive administration shell

Options:
%s
`

// Version is set at compile-time via -ldflags.
var Version = "dev"

func main() {
	var (
		configFilename string
		embedShell     bool
	)

	flags := pflag.NewFlagSet("smtpd", pflag.ContinueOnError)
	flags.StringVarP(&configFilename, "config", "c", "", "Path to a configuration file")
	flags.BoolVar(&embedShell, "shell", false,
		"Run an interactive shell in the foreground alongside the listener (start only)")
	flags.Usage = printUsage(flags)

	if err := flags.Parse(os.Args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}

		log.Fatal().Err(err).Msg("could not parse flags")
	}

	switch commandName := flags.Arg(1); commandName {
	case "start", "shell":
		config.Setup(configFilename)
		config.Print()
		runCommand(commandName, embedShell)
	default:
		flags.Usage()
	}
}

type command interface {
	run() error
}

func runCommand(commandName string, embedShell bool) {
	var (
		cmd command
		err error
	)

	switch commandName {
	case "start":
		cmd, err = newStartCommand(embedShell)
	case "shell":
		cmd, err = newShellCommand()
	}

	if err != nil {
		log.Fatal().Err(err).Msg("could not initialize the application")
	}

	if err := cmd.run(); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

func printUsage(flags *pflag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, usageText, Version, flags.FlagUsages())
	}
}
