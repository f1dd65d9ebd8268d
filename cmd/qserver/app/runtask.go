// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qserver/qserver/pkg/config"
	"github.com/qserver/qserver/pkg/index"
	"github.com/qserver/qserver/pkg/processor"
	"github.com/qserver/qserver/pkg/queue"
	"github.com/qserver/qserver/pkg/task"
)

// runTaskCmd is the isolated per-task child. The worker pool spawns one of
// these per job; the envelope arrives on stdin and all broker and index
// connections are opened here, inside the child, so no socket crosses the
// process boundary.
var runTaskCmd = &cobra.Command{
	Use:    "run-task",
	Short:  "Execute a single task envelope from stdin",
	Hidden: true,
	RunE:   runTask,
}

func runTask(*cobra.Command, []string) error {
	if confFilePath == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(confFilePath)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg.LoggingLevel); err != nil {
		return err
	}

	body, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read task envelope: %w", err)
	}
	env, err := task.DecodeEnvelope(body)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prov, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	if prov == nil {
		return fmt.Errorf("run-task requires provider_uri to be configured")
	}

	ix, err := index.New(ctx, index.Options{Addr: cfg.RedisAddr(), DB: cfg.RedisTaskDB})
	if err != nil {
		return err
	}
	defer ix.Close()

	client, err := queue.Dial(ctx, cfg.AMQPAddr())
	if err != nil {
		return err
	}
	defer client.Close()
	msgCh, err := client.Channel(cfg.MessageQueue)
	if err != nil {
		return err
	}

	h := processor.NewHandler(cfg, prov, ix, newFingerprinter(prov), msgCh)
	return h.Handle(ctx, env)
}
