/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2016 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cmd

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	null "gopkg.in/guregu/null.v3"
)

// Config holds every setting of a `timewarpd serve` invocation, merged from
// defaults, a config file plus the environment, and flags, highest
// precedence last (spec's ambient config layer — grounded on the teacher's layered
// flag/file/env Config, reimplemented on top of viper since neither
// kelseyhightower/envconfig nor shibukawa/configdir has a home in this
// module's dependency set — see DESIGN.md).
type Config struct {
	IngestAddr    null.String `mapstructure:"ingest-addr"`
	ClientAddr    null.String `mapstructure:"client-addr"`
	BinaryPath    null.String `mapstructure:"binary"`
	OnlyUserCode  null.Bool   `mapstructure:"only-user-code"`
	StartFromMain null.Bool   `mapstructure:"start-from-main"`
	LogOutput     null.String `mapstructure:"log-output"`
	LogFormat     null.String `mapstructure:"log-format"`
	Verbose       null.Bool   `mapstructure:"verbose"`
	Quiet         null.Bool   `mapstructure:"quiet"`
}

// Apply overlays every valid field of cfg onto c, returning the result; a
// Valid field in cfg wins, an invalid one leaves c's value untouched.
func (c Config) Apply(cfg Config) Config {
	if cfg.IngestAddr.Valid {
		c.IngestAddr = cfg.IngestAddr
	}
	if cfg.ClientAddr.Valid {
		c.ClientAddr = cfg.ClientAddr
	}
	if cfg.BinaryPath.Valid {
		c.BinaryPath = cfg.BinaryPath
	}
	if cfg.OnlyUserCode.Valid {
		c.OnlyUserCode = cfg.OnlyUserCode
	}
	if cfg.StartFromMain.Valid {
		c.StartFromMain = cfg.StartFromMain
	}
	if cfg.LogOutput.Valid {
		c.LogOutput = cfg.LogOutput
	}
	if cfg.LogFormat.Valid {
		c.LogFormat = cfg.LogFormat
	}
	if cfg.Verbose.Valid {
		c.Verbose = cfg.Verbose
	}
	if cfg.Quiet.Valid {
		c.Quiet = cfg.Quiet
	}
	return c
}

// defaultConfig is the baseline applied before any file/env/flag layer.
func defaultConfig() Config {
	return Config{
		IngestAddr: null.StringFrom(":9000"),
		ClientAddr: null.StringFrom(":9001"),
		LogOutput:  null.StringFrom("stderr"),
		LogFormat:  null.StringFrom("text"),
	}
}

// configFlagSet returns the flag set for `timewarpd serve`.
func configFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flags.SortFlags = false
	flags.StringP("ingest-addr", "i", "", "address the tracer ingest listener binds to")
	flags.StringP("client-addr", "a", "", "address the client query server binds to")
	flags.StringP("binary", "b", "", "path to the static ELF image being traced")
	flags.Bool("only-user-code", false, "recorded in the config only; serve does not apply it (CFG and trace-log requests carry their own only_user_code)")
	flags.Bool("start-from-main", false, "recorded in the config only; serve does not apply it (CFG requests carry their own start_from_main)")
	flags.String("log-output", "", "where logs are written: stderr, stdout")
	flags.String("log-format", "", "log output format: text, json, raw, logstash")
	flags.BoolP("verbose", "v", false, "enable debug-level logging")
	flags.BoolP("quiet", "q", false, "only log warnings and errors")
	flags.StringP("config", "c", "", "path to a config file (default: ./timewarpd.yaml)")
	return flags
}

// configFromFlags reads serve's flags into a Config, leaving fields the
// user never touched invalid so they don't clobber the file/env layers
// beneath them (mirrors the teacher's getNullString/getNullBool pattern).
func configFromFlags(flags *pflag.FlagSet) Config {
	return Config{
		IngestAddr:    getNullString(flags, "ingest-addr"),
		ClientAddr:    getNullString(flags, "client-addr"),
		BinaryPath:    getNullString(flags, "binary"),
		OnlyUserCode:  getNullBool(flags, "only-user-code"),
		StartFromMain: getNullBool(flags, "start-from-main"),
		LogOutput:     getNullString(flags, "log-output"),
		LogFormat:     getNullString(flags, "log-format"),
		Verbose:       getNullBool(flags, "verbose"),
		Quiet:         getNullBool(flags, "quiet"),
	}
}

// configFromViper reads whatever config file and TIMEWARPD_*-prefixed
// environment variables v picked up, via the mapstructure tags on Config.
func configFromViper(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// newViper builds a viper instance reading TIMEWARPD_*-prefixed env vars and
// an optional config file at configPath (or the default search path when
// configPath is empty). A missing default-path config file is not an error;
// an explicitly named one that can't be read is.
func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("TIMEWARPD")
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		return v, nil
	}

	v.SetConfigName("timewarpd")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/timewarpd")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}
	return v, nil
}
