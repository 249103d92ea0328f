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
	"github.com/briefrelay/smtpd/config"
	"github.com/briefrelay/smtpd/internal/log"
	"github.com/briefrelay/smtpd/internal/smtpd"
)

type startCommand struct {
	Supervisor *smtpd.Supervisor
	Audit      *smtpd.Audit
	EmbedShell bool
}

func newStartCommand(embedShell bool) (*startCommand, error) {
	c, err := config.Load()
	if err != nil {
		return nil, err
	}

	supervisor, audit, err := buildSupervisor(c)
	if err != nil {
		return nil, err
	}

	return &startCommand{Supervisor: supervisor, Audit: audit, EmbedShell: embedShell}, nil
}

func (s *startCommand) run() error {
	if s.Audit != nil {
		defer s.Audit.Close()
	}

	if !s.EmbedShell {
		log.Info().Msg("starting smtpd")
		return s.Supervisor.Start()
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Msg("starting smtpd")
		errs <- s.Supervisor.Start()
	}()

	shell := &shellCommand{Audit: s.Audit, Supervisor: s.Supervisor}
	if err := shell.run(); err != nil {
		return err
	}

	_ = s.Supervisor.Stop()
	return <-errs
}
