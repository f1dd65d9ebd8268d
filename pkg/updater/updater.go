// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package updater refreshes the provider's shared caches on a daily
// schedule, so long-lived cache entries keep tracking the market-data store.
package updater

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qserver/qserver/pkg/config"
	"github.com/qserver/qserver/pkg/provider"
)

// Updater fires once a day at the configured update_time and refreshes every
// cache entry the provider reports.
type Updater struct {
	cfg   *config.Config
	prov  provider.Provider
	clock clock.Clock
}

// New builds an Updater on the wall clock.
func New(cfg *config.Config, prov provider.Provider) *Updater {
	return NewWithClock(cfg, prov, clock.New())
}

// NewWithClock builds an Updater on an explicit clock; tests pass a mock.
func NewWithClock(cfg *config.Config, prov provider.Provider, c clock.Clock) *Updater {
	return &Updater{cfg: cfg, prov: prov, clock: c}
}

// Run schedules daily refresh passes until ctx is canceled.
func (u *Updater) Run(ctx context.Context) error {
	fireAt, err := parseUpdateTime(u.cfg.UpdateTime)
	if err != nil {
		return err
	}
	log.Infof("cache updater scheduled daily at %s", u.cfg.UpdateTime)
	for {
		timer := u.clock.Timer(untilNext(u.clock.Now(), fireAt))
		select {
		case <-timer.C:
			if err := u.UpdateOnce(ctx); err != nil {
				// A failed pass is retried at the next fire time.
				log.WithError(err).Error("cache refresh pass failed")
			}
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// UpdateOnce runs a single refresh pass over every cache directory, with at
// most max_process refreshes in flight. Per-entry failures are logged and
// counted, never fatal.
func (u *Updater) UpdateOnce(ctx context.Context) error {
	cu, ok := u.prov.(provider.CacheUpdater)
	if !ok {
		log.Error("no cache mechanism detected, skipping refresh pass")
		return nil
	}
	dirs, err := cu.CacheDirs("day")
	if err != nil {
		return fmt.Errorf("list cache dirs: %w", err)
	}

	var entries []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() {
				entries = append(entries, path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan cache dir %s: %w", dir, err)
		}
	}

	log.Infof("refreshing %d cache entries", len(entries))
	var failed int64
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(u.cfg.MaxProcess)
	results := make(chan error, len(entries))
	for _, entry := range entries {
		entry := entry
		eg.Go(func() error {
			if err := cu.UpdateCache(ctx, entry); err != nil {
				log.WithError(err).Warnf("cache entry %s not refreshed", entry)
				results <- err
			}
			return nil
		})
	}
	eg.Wait() //nolint:errcheck // workers never return errors
	close(results)
	for range results {
		failed++
	}
	if failed > 0 {
		log.Warnf("cache refresh pass finished with %d failures", failed)
	} else {
		log.Info("cache refresh pass finished")
	}
	return nil
}

type timeOfDay struct {
	hour, minute int
}

func parseUpdateTime(s string) (timeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return timeOfDay{}, fmt.Errorf("parse update_time %q: %w", s, err)
	}
	return timeOfDay{hour: t.Hour(), minute: t.Minute()}, nil
}

func untilNext(now time.Time, at timeOfDay) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), at.hour, at.minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}
