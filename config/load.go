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
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/briefrelay/smtpd/internal/log"
)

func init() {
	def := Default()

	viper.SetDefault("general.hostname", def.General.Hostname)
	viper.SetDefault("general.bindaddress", def.General.BindAddress)
	viper.SetDefault("general.bindport", def.General.BindPort)

	viper.SetDefault("timeouts.read", def.Timeouts.Read)
	viper.SetDefault("timeouts.write", def.Timeouts.Write)
	viper.SetDefault("timeouts.close", def.Timeouts.Close)

	viper.SetDefault("maxconnections", def.MaxConnections)

	viper.SetDefault("audit.enable", def.Audit.Enable)
	viper.SetDefault("audit.path", def.Audit.Path)

	viper.SetDefault("cache.directory", def.Cache.Directory)
	viper.SetDefault("cache.memorylimit", def.Cache.MemoryLimit)
}

// Setup prepares viper to read from the environment (prefixed
// BRIEFSMTPD_, with "." replaced by "_") and, if filename is non-empty,
// from a configuration file.
func Setup(filename string) {
	viper.SetTypeByDefaultValue(true)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.SetEnvPrefix("BRIEFSMTPD")

	if filename != "" {
		Read(filename)
	} else {
		log.Info().Msg("no config file provided, using environment only")
	}
}

// Read loads filename into viper. A missing file is a warning, not a
// fatal error, since defaults plus environment may be enough.
func Read(filename string) {
	log.Info().Str("filename", filename).Msg("loading configuration")
	viper.SetConfigFile(filename)

	if err := viper.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			log.Warn().Err(err).Msg("configuration file missing")
		} else {
			log.Fatal().Err(err).Msg("could not load configuration")
		}
	}
}

// Print logs every resolved configuration key at debug level, sorted
// for stable output.
func Print() {
	keys := viper.AllKeys()
	sort.Strings(keys)

	for _, key := range keys {
		v, _ := json.Marshal(viper.Get(key))
		log.Debug().Str("key", key).RawJSON("value", v).Msg("configuration")
	}
}

// Load unmarshals the current viper state into a Config, starting from
// Default so unset fields remain sensible.
func Load() (Config, error) {
	c := Default()
	err := viper.Unmarshal(&c)
	return c, err
}
