// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qserver/qserver/pkg/config"
	"github.com/qserver/qserver/pkg/gateway"
	"github.com/qserver/qserver/pkg/index"
	"github.com/qserver/qserver/pkg/processor"
	"github.com/qserver/qserver/pkg/provider"
	"github.com/qserver/qserver/pkg/provider/fileprovider"
	"github.com/qserver/qserver/pkg/queue"
	"github.com/qserver/qserver/pkg/task"
	"github.com/qserver/qserver/pkg/updater"
)

const (
	moduleRequestHandler = "request_handler"
	moduleDataProcessor  = "data_processor"
)

var (
	modules []string

	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start QServer",
		Long:  `Runs QServer in the foreground`,
		RunE:  start,
	}
)

func init() {
	startCmd.Flags().StringSliceVarP(&modules, "module", "m", []string{moduleRequestHandler, moduleDataProcessor},
		"modules to run (request_handler, data_processor)")
}

func start(*cobra.Command, []string) error {
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
	roles := make(map[string]bool, len(modules))
	for _, m := range modules {
		if m != moduleRequestHandler && m != moduleDataProcessor {
			return fmt.Errorf("unknown module %q", m)
		}
		roles[m] = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("QServer starting...")

	prov, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	fper := newFingerprinter(prov)

	client, err := queue.Dial(ctx, cfg.AMQPAddr())
	if err != nil {
		return err
	}
	defer client.Close()

	ix, err := index.New(ctx, index.Options{Addr: cfg.RedisAddr(), DB: cfg.RedisTaskDB})
	if err != nil {
		return err
	}
	defer ix.Close()

	eg, ctx := errgroup.WithContext(ctx)

	if roles[moduleRequestHandler] {
		taskCh, err := client.Channel(cfg.TaskQueue, cfg.MessageQueue)
		if err != nil {
			return err
		}
		respCh, err := client.Channel(cfg.MessageQueue)
		if err != nil {
			return err
		}
		if err := respCh.SetPrefetch(cfg.MaxConcurrency); err != nil {
			return err
		}
		gw, err := gateway.New(cfg, ix, fper, taskCh, respCh)
		if err != nil {
			return err
		}
		eg.Go(func() error { return gw.Run(ctx) })
	}

	if roles[moduleDataProcessor] {
		if prov == nil {
			return fmt.Errorf("data_processor requires provider_uri to be configured")
		}
		open := func(prefetch int) (processor.TaskChannel, error) {
			ch, err := client.Channel(cfg.TaskQueue)
			if err != nil {
				return nil, err
			}
			if err := ch.SetPrefetch(prefetch); err != nil {
				ch.Close()
				return nil, err
			}
			return ch, nil
		}
		proc := processor.New(cfg, open, ix, fper, &processor.ExecExecutor{ConfigPath: confFilePath})
		eg.Go(func() error { return proc.Run(ctx) })
	}

	if cfg.AutoUpdate && prov != nil {
		up := updater.New(cfg, prov)
		eg.Go(func() error { return up.Run(ctx) })
	}

	err = eg.Wait()
	if err != nil {
		return err
	}
	log.Info("QServer shut down cleanly")
	return nil
}

// buildProvider constructs the configured data provider. A server running
// only the request_handler role may omit provider_uri; coalescing then falls
// back to the built-in fingerprint.
func buildProvider(cfg *config.Config) (provider.Provider, error) {
	if cfg.ProviderURI == "" {
		return nil, nil
	}
	return fileprovider.New(fileprovider.Options{
		URI:                 cfg.ProviderURI,
		DatasetCacheDirName: cfg.DatasetCacheDirName,
	})
}

// newFingerprinter prefers the provider's own URI hook so gateway and worker
// keys match the provider's cache keys.
func newFingerprinter(prov provider.Provider) *task.Fingerprinter {
	if up, ok := prov.(provider.URIProvider); ok {
		return task.NewFingerprinter(func(kind task.Kind, args map[string]any) (task.Fingerprint, error) {
			uri, err := up.URI(string(kind), args)
			return task.Fingerprint(uri), err
		})
	}
	return task.NewFingerprinter(nil)
}
