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

package config

import (
	"time"

	"github.com/briefrelay/smtpd/internal/smtpd"
)

// General holds the server identity and bind address.
type General struct {
	Hostname    string
	BindAddress string
	BindPort    int
}

// Timeouts holds the three durations the timeout controller enforces
// per connection.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Close time.Duration
}

// Audit configures the connection-lifecycle ledger.
type Audit struct {
	Enable bool
	Path   string // sqlite3 file, or ":memory:"
}

// Cache configures the scratch area finished message bodies spill to
// once they exceed the in-memory limit.
type Cache struct {
	Directory   string
	MemoryLimit int64
}

// Config is the root of the application's configuration tree, as
// loaded from a file and/or the environment by viper.
type Config struct {
	General General

	Timeouts Timeouts

	MaxConnections int

	Audit Audit
	Cache Cache
}

// Default returns the configuration the server runs with if nothing
// else is supplied.
func Default() Config {
	smtpdDefault := smtpd.DefaultConfig("localhost")

	return Config{
		General: General{
			Hostname:    smtpdDefault.Hostname,
			BindAddress: smtpdDefault.BindAddress,
			BindPort:    smtpdDefault.BindPort,
		},
		Timeouts: Timeouts{
			Read:  smtpdDefault.ReadTimeout,
			Write: smtpdDefault.WriteTimeout,
			Close: smtpdDefault.CloseTimeout,
		},
		MaxConnections: smtpdDefault.MaxConnections,
		Audit: Audit{
			Enable: false,
			Path:   "audit.sqlite3",
		},
		Cache: Cache{
			Directory:   "cache",
			MemoryLimit: 1 << 20,
		},
	}
}

// SupervisorConfig projects this Config onto the smtpd.Config the
// Supervisor is constructed with.
func (c Config) SupervisorConfig() smtpd.Config {
	return smtpd.Config{
		Hostname:       c.General.Hostname,
		BindAddress:    c.General.BindAddress,
		BindPort:       c.General.BindPort,
		ReadTimeout:    c.Timeouts.Read,
		WriteTimeout:   c.Timeouts.Write,
		CloseTimeout:   c.Timeouts.Close,
		MaxConnections: c.MaxConnections,
	}
}
