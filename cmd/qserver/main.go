// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package main

import (
	"os"

	"github.com/qserver/qserver/cmd/qserver/app"
)

func main() {
	if err := app.QserverCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
