/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package logging configures the process-wide zerolog logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures zerolog for the process and returns the root logger.
// In "development" it logs at debug level to a human-readable console
// writer; otherwise it logs at info level as JSON to stdout.
func Setup(environment string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	var writer = os.Stdout
	var logger zerolog.Logger
	if environment == "development" {
		level = zerolog.DebugLevel
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer}).With().Timestamp().Logger().Level(level)
	} else {
		logger = zerolog.New(writer).With().Timestamp().Logger().Level(level)
	}

	log.Logger = logger
	return logger
}
