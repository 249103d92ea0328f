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
	"context"
	"io"

	"github.com/spf13/afero"

	"github.com/briefrelay/smtpd/config"
	"github.com/briefrelay/smtpd/internal/smtpd"
)

// buildSupervisor wires a Supervisor from the resolved Config. This
// plays the role the generated wire.go would in the upstream project;
// there is no codegen step here, just one constructor that lists out
// the dependency graph by hand.
func buildSupervisor(c config.Config) (*smtpd.Supervisor, *smtpd.Audit, error) {
	cache, err := smtpd.NewCache(afero.NewOsFs(), c.Cache.Directory, c.Cache.MemoryLimit)
	if err != nil {
		return nil, nil, err
	}

	var audit *smtpd.Audit
	if c.Audit.Enable {
		audit, err = smtpd.OpenAudit(c.Audit.Path)
		if err != nil {
			return nil, nil, err
		}
	}

	supervisor := smtpd.NewSupervisor(c.SupervisorConfig(), cache, discardInject, audit)
	return supervisor, audit, nil
}

// discardInject is the inject callback used when nothing downstream of
// acceptance has been wired up yet: it accepts the body and does
// nothing else with it. A deployment that needs to do something with
// accepted mail supplies its own InjectFunc here instead.
func discardInject(ctx context.Context, envelope smtpd.Envelope, body io.Reader) error {
	return nil
}
