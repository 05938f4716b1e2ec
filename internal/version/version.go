/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package version holds build metadata, set at link time with -ldflags "-X ...".
package version

import (
	"runtime"
	"strconv"
	"time"
)

const DevelopmentVersion = "dev"

var (
	ProductVersion = DevelopmentVersion
	CommitHash     = ""
	BuildTimestamp = "" // Unix seconds or RFC 3339
)

type Info struct {
	Version    string     `json:"version"`
	CommitHash string     `json:"commitHash,omitempty"`
	BuildTime  *time.Time `json:"buildTimestamp,omitempty"`
	GoVersion  string     `json:"goVersion"`
	Platform   string     `json:"platform"`

	// The wire protocol version sent in the debug runtime handshake.
	ProtocolVersion int `json:"protocolVersion"`
}

// Current returns the metadata of the running binary.
func Current(protocolVersion int) Info {
	info := Info{
		Version:         ProductVersion,
		CommitHash:      CommitHash,
		GoVersion:       runtime.Version(),
		Platform:        runtime.GOOS + "/" + runtime.GOARCH,
		ProtocolVersion: protocolVersion,
	}
	if info.Version == "" {
		info.Version = DevelopmentVersion
	}
	if buildTime, parsed := parseBuildTimestamp(BuildTimestamp); parsed {
		info.BuildTime = &buildTime
	}
	return info
}

func parseBuildTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
