/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "graphengine",
	Short: "Process-resident live media-graph runtime",
	Long: `graphengine hosts a dynamic graph of audio/video nodes (sources,
destinations, mixers, video-generators), scheduled against wall-clock
cue/end times and driven through GStreamer, and exposes it to a
controller over a loopback JSON command endpoint.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
