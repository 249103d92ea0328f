// Copyright (C) 2020  Lukas Dietrich <lukas@lukasdietrich.com>
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
	"errors"
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell"

	"github.com/briefrelay/smtpd/config"
	"github.com/briefrelay/smtpd/internal/smtpd"
)

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}

// shellCommand is an interactive operator console. "sessions recent"
// reads the audit ledger and works whether or not a listener is live in
// this process. "sessions list"/"sessions kick" need the live
// Supervisor itself, so they are only available when the shell is
// embedded in a running "start" process (smtpd start --shell); a
// standalone "smtpd shell" process has no Supervisor to reach and
// reports as much.
type shellCommand struct {
	Audit      *smtpd.Audit
	Supervisor *smtpd.Supervisor

	// ownsAudit is true when this command opened Audit itself and must
	// close it; false when it was handed one opened by startCommand,
	// which closes it itself.
	ownsAudit bool
}

func newShellCommand() (*shellCommand, error) {
	c, err := config.Load()
	if err != nil {
		return nil, err
	}

	if !c.Audit.Enable {
		return nil, errors.New("shell requires audit.enable = true")
	}

	audit, err := smtpd.OpenAudit(c.Audit.Path)
	if err != nil {
		return nil, err
	}

	return &shellCommand{Audit: audit, ownsAudit: true}, nil
}

func (s *shellCommand) run() error {
	if s.ownsAudit && s.Audit != nil {
		defer s.Audit.Close()
	}

	shell := ishell.New()
	s.setupShell(shell)
	shell.Run()

	return nil
}

func (s *shellCommand) setupShell(shell *ishell.Shell) {
	shell.AddCmd(composeShellCmd(
		ishell.Cmd{
			Name: "sessions",
			Help: "inspect recorded and live connections",
		},
		[]*ishell.Cmd{
			{
				Name: "recent",
				Help: "list the most recent recorded connections",
				Func: s.wrapShellFunc(s.sessionsRecent),
			},
			{
				Name: "list",
				Help: "list connections currently live on the running supervisor",
				Func: s.wrapShellFunc(s.sessionsList),
			},
			{
				Name: "kick",
				Help: "kick <remoteAddr>: cancel the named connection's timeout token",
				Func: s.wrapShellFunc(s.sessionsKick),
			},
		},
	))
}

func (s *shellCommand) sessionsRecent(ctx shellContext) error {
	if s.Audit == nil {
		return errors.New("sessions recent requires audit.enable = true")
	}

	limit := 20
	if len(ctx.shell.Args) == 1 {
		if err := ctx.parseIntArg(0, &limit); err != nil {
			return err
		}
	} else if len(ctx.shell.Args) > 1 {
		return errors.New("Usage: sessions recent [LIMIT]")
	}

	records, err := s.Audit.Recent(context.Background(), limit)
	if err != nil {
		return err
	}

	ctx.printf("\n(%d) connections:\n", len(records))
	for _, r := range records {
		state := "-"
		if r.FinalState != nil {
			state = *r.FinalState
		}

		closed := "open"
		if r.ClosedAt != nil {
			closed = r.ClosedAt.Format("2006-01-02 15:04:05")
		}

		ctx.printf("\t#%d  %-22s accepted=%s closed=%s state=%s\n",
			r.ID, r.RemoteAddr,
			r.AcceptedAt.Format("2006-01-02 15:04:05"), closed, state)
	}
	ctx.printf("\n")

	return nil
}

func (s *shellCommand) sessionsList(ctx shellContext) error {
	if s.Supervisor == nil {
		return errors.New("sessions list requires a live supervisor: run as `smtpd start --shell`")
	}

	infos := s.Supervisor.List()
	ctx.printf("\n(%d) live connections:\n", len(infos))
	for _, info := range infos {
		ctx.printf("\t%-22s state=%s\n", info.RemoteAddr, info.State)
	}
	ctx.printf("\n")

	return nil
}

func (s *shellCommand) sessionsKick(ctx shellContext) error {
	if s.Supervisor == nil {
		return errors.New("sessions kick requires a live supervisor: run as `smtpd start --shell`")
	}

	if len(ctx.shell.Args) != 1 {
		return errors.New("Usage: sessions kick <remoteAddr>")
	}

	if !s.Supervisor.Kick(ctx.shell.Args[0]) {
		return fmt.Errorf("no live connection from %q", ctx.shell.Args[0])
	}

	ctx.printf("kicked %s\n", ctx.shell.Args[0])
	return nil
}

type shellContext struct {
	shell *ishell.Context
}

func (c *shellContext) printf(format string, v ...interface{}) {
	c.shell.Printf(format, v...)
}

func (c *shellContext) parseIntArg(i int, out *int) error {
	var err error
	*out, err = parseInt(c.shell.Args[i])
	return err
}

func composeShellCmd(cmd ishell.Cmd, children []*ishell.Cmd) *ishell.Cmd {
	for _, child := range children {
		cmd.AddCmd(child)
	}

	return &cmd
}

func (s *shellCommand) wrapShellFunc(fn func(shellContext) error) func(*ishell.Context) {
	return func(shell *ishell.Context) {
		ctx := shellContext{shell: shell}

		if err := fn(ctx); err != nil {
			shell.Err(err)
		}
	}
}
