/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version exposes the build-time version string.
package version

// Version is the current version of the runtime. Set at build time via
// ldflags:
//
//	-X github.com/friendsincode/graphengine/internal/version.Version=X.Y.Z
var Version = "0.1.0"
