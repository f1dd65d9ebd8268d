// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package version holds the build version, overridable at link time with
// -ldflags "-X github.com/qserver/qserver/pkg/version.Version=...".
package version

// Version is the server version string.
var Version = "0.5.0-dev"

// Commit is the source revision the binary was built from.
var Commit = ""
