/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/friendsincode/graphengine/internal/config"
	"github.com/friendsincode/graphengine/internal/events"
	"github.com/friendsincode/graphengine/internal/graph/manager"
	"github.com/friendsincode/graphengine/internal/graph/runtime"
	"github.com/friendsincode/graphengine/internal/logging"
	"github.com/friendsincode/graphengine/internal/mediaengine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the graph engine, opening the command endpoint if configured",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := logging.Setup(cfg.Environment)

	bus := events.NewBus()
	factory := mediaengine.NewFactory(cfg.GStreamerBin, log)
	m := manager.New(factory, bus, log)
	rt := runtime.New(m, cfg.CommandBind, log)

	if err := rt.Start(); err != nil {
		log.Error().Err(err).Msg("failed to start graph runtime")
		return err
	}
	log.Info().Str("environment", cfg.Environment).Msg("graph engine started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down graph engine")
	return rt.Shutdown()
}
