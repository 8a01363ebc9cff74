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
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/liuxd6825/timewarpd/api"
	"github.com/liuxd6825/timewarpd/ingest"
	"github.com/liuxd6825/timewarpd/loader"
	"github.com/liuxd6825/timewarpd/session"
)

// newServeCmd builds `timewarpd serve`: it loads the optional static image,
// constructs the session Engine, and runs the tracer ingest listener and the
// client query server concurrently until one of them errors (spec §5/§6 —
// grounded on the teacher's run command's "construct engine, then drive it"
// shape, adapted from a single local run to two long-lived network
// listeners since this module's concurrency boundary is client connections,
// not VUs).
func newServeCmd(gs *globalState) *cobra.Command {
	flagSet := configFlagSet()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "ingest a trace and serve state/CFG/slice queries over it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(gs, cmd.Flags())
		},
	}
	cmd.Flags().AddFlagSet(flagSet)
	return cmd
}

// resolveConfig merges defaults, an optional config file/environment layer
// (via viper), and CLI flags, flags winning (mirrors the teacher's
// getConsolidatedConfig layering, minus the runner-supplied layer which has
// no analogue here).
func resolveConfig(flags *pflag.FlagSet) (Config, error) {
	cliConf := configFromFlags(flags)

	configPath, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	v, err := newViper(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("timewarpd: reading config: %w", err)
	}
	fileConf, err := configFromViper(v)
	if err != nil {
		return Config{}, fmt.Errorf("timewarpd: parsing config: %w", err)
	}

	cfg := defaultConfig().Apply(fileConf).Apply(cliConf)
	return cfg, nil
}

func runServe(gs *globalState, flags *pflag.FlagSet) error {
	cfg, err := resolveConfig(flags)
	if err != nil {
		return err
	}

	logLevel := logrus.InfoLevel
	if cfg.Verbose.ValueOrZero() {
		logLevel = logrus.DebugLevel
	}
	if cfg.Quiet.ValueOrZero() {
		logLevel = logrus.WarnLevel
	}
	setupLogger(gs.logger, cfg.LogFormat.ValueOrZero(), logLevel)
	if cfg.LogOutput.ValueOrZero() == "stdout" {
		gs.logger.SetOutput(os.Stdout)
	}

	var symbols *loader.SymbolTable
	if path := cfg.BinaryPath.ValueOrZero(); path != "" {
		symbols = loader.New()
	}

	engine := session.New(symbols, gs.logger)

	if symbols != nil {
		path := cfg.BinaryPath.ValueOrZero()
		if err := symbols.Load(gs.fs, path, engine.Indices); err != nil {
			gs.logger.WithError(err).WithField("binary", path).
				Warn("timewarpd: loading static image failed; continuing without static memory or symbols")
			engine = session.New(nil, gs.logger)
		}
	}

	hub := api.NewHub(engine, gs.logger)
	loop := ingest.New(engine, hub, gs.logger)

	ingestAddr := cfg.IngestAddr.ValueOrZero()
	ingestLn, err := net.Listen("tcp", ingestAddr)
	if err != nil {
		return fmt.Errorf("timewarpd: binding ingest listener on %q: %w", ingestAddr, err)
	}
	gs.logger.WithField("addr", ingestAddr).Info("timewarpd: accepting tracer connections")

	errCh := make(chan error, 2)
	go func() { errCh <- acceptIngestConns(ingestLn, loop, gs.logger) }()

	clientAddr := cfg.ClientAddr.ValueOrZero()
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	server := &http.Server{Addr: clientAddr, Handler: mux}
	gs.logger.WithField("addr", clientAddr).Info("timewarpd: serving client queries")
	go func() { errCh <- server.ListenAndServe() }()

	return <-errCh
}

// acceptIngestConns accepts tracer connections on ln, calling loop.Run once
// per connection (each in its own goroutine, all sharing the one loop) until
// ln is closed (spec §6: a tracer process connects once per traced run).
func acceptIngestConns(ln net.Listener, loop *ingest.Loop, logger *logrus.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			if err := loop.Run(conn); err != nil && logger != nil {
				logger.WithError(err).Warn("timewarpd: tracer connection ended with error")
			}
		}()
	}
}
