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

// Package cmd implements timewarpd's command-line interface.
package cmd

import (
	"context"
	"io"
	stdlog "log"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// globalState groups every piece of process-external state the command tree
// touches, so tests can swap in a fake filesystem/writer/signal source
// instead of the real OS ones (grounded on the teacher's globalState, pared
// down to what a single-process server actually needs — no terminal-color
// detection or env-driven default-flags layer, since those served k6's
// many-subcommand CLI rather than timewarpd's single `serve` entry point).
type globalState struct {
	ctx context.Context

	fs    afero.Fs
	stdIn io.Reader

	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)

	logger *logrus.Logger
}

// newGlobalState constructs a globalState bound to the real OS.
func newGlobalState(ctx context.Context) *globalState {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	return &globalState{
		ctx:          ctx,
		fs:           afero.NewOsFs(),
		stdIn:        os.Stdin,
		signalNotify: signal.Notify,
		signalStop:   signal.Stop,
		logger:       logger,
	}
}

// rootCommand is the top-level `timewarpd` command.
type rootCommand struct {
	globalState *globalState
	cmd         *cobra.Command
}

func newRootCommand(gs *globalState) *rootCommand {
	c := &rootCommand{globalState: gs}

	rootCmd := &cobra.Command{
		Use:           "timewarpd",
		Short:         "time-travel trace server",
		Long:          "timewarpd ingests a recorded instruction/memory trace and serves point-in-time state, control-flow, and backward-slice queries over it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SetIn(gs.stdIn)

	rootCmd.AddCommand(newServeCmd(gs))

	c.cmd = rootCmd
	return c
}

// Execute builds the command tree and runs it; called once from main().
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gs := newGlobalState(ctx)
	root := newRootCommand(gs)

	stdlog.SetOutput(gs.logger.Writer())

	if err := root.cmd.Execute(); err != nil {
		gs.logger.WithError(err).Error("timewarpd: fatal error")
		os.Exit(1)
	}
}
