// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package app wires the qserver commands.
package app

import (
	"fmt"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/qserver/qserver/pkg/version"
)

var (
	// QserverCmd is the root command.
	QserverCmd = &cobra.Command{
		Use:   "qserver [command]",
		Short: "Quantitative data service at your service.",
		Long: `
QServer sits between many client sessions and a market-data store. It accepts
requests over a bidirectional transport, coalesces identical concurrent
requests into a single task, computes results through the configured data
provider and fans each result back out to every waiting session.`,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("QServer %s %s\n", version.Version, version.Commit)
		},
	}

	// confFilePath holds the path to the configuration file, required by
	// the start and run-task commands.
	confFilePath string
	flagNoColor  bool
)

func init() {
	QserverCmd.AddCommand(startCmd)
	QserverCmd.AddCommand(runTaskCmd)
	QserverCmd.AddCommand(versionCmd)

	QserverCmd.PersistentFlags().StringVarP(&confFilePath, "config", "c", "", "path to the server configuration file")
	QserverCmd.PersistentFlags().BoolVarP(&flagNoColor, "no-color", "n", false, "disable color output")
}

// setupLogger configures the process-wide logger from the configured level.
func setupLogger(level string) error {
	if flagNoColor {
		color.NoColor = true
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid logging_level %q: %w", level, err)
	}
	log.SetLevel(parsed)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: flagNoColor})
	return nil
}
