// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package processor is the worker side of the dispatch fabric. A startup
// drain pass clears tasks left over from a previous crash, then max_process
// workers consume the task queue with prefetch 1, each job running in an
// isolated child process.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qserver/qserver/pkg/config"
	"github.com/qserver/qserver/pkg/index"
	"github.com/qserver/qserver/pkg/queue"
	"github.com/qserver/qserver/pkg/task"
	"github.com/qserver/qserver/pkg/telemetry"
)

// TaskChannel is one consumer channel onto the task queue. Every consumer
// obtains its own: broker channels are not shareable across goroutines, let
// alone address spaces.
type TaskChannel interface {
	Consume(ctx context.Context, queue string) (<-chan queue.Delivery, error)
	Depth(queue string) (int, error)
	Close() error
}

// OpenChannel opens a task-queue channel with the given prefetch.
type OpenChannel func(prefetch int) (TaskChannel, error)

// Executor runs one task to completion. The production executor spawns an
// isolated child process per job; see ExecExecutor.
type Executor interface {
	Execute(ctx context.Context, env *task.Envelope) error
}

// Processor is the data processor role.
type Processor struct {
	cfg  *config.Config
	open OpenChannel
	ix   index.Index
	fper *task.Fingerprinter
	exec Executor
}

// New builds a Processor.
func New(cfg *config.Config, open OpenChannel, ix index.Index, fper *task.Fingerprinter, exec Executor) *Processor {
	return &Processor{cfg: cfg, open: open, ix: ix, fper: fper, exec: exec}
}

// Run performs the startup drain pass and then consumes tasks until ctx is
// canceled.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.DrainStale(ctx); err != nil {
		return fmt.Errorf("startup drain pass: %w", err)
	}
	log.Info("data processor module start...")

	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.MaxProcess; i++ {
		worker := i
		eg.Go(func() error {
			return p.consume(ctx, worker)
		})
	}
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// DrainStale consumes whatever the task queue holds from before this start
// and deletes the matching WaitSets. Stale WaitSets point at sessions that
// died with the previous server; without this pass, redelivered tasks would
// notify ghosts. The pass ends when the queue reads empty or stays quiet for
// the inactivity timeout.
func (p *Processor) DrainStale(ctx context.Context) error {
	ch, err := p.open(p.cfg.MaxConcurrency)
	if err != nil {
		return err
	}
	defer ch.Close()

	drainCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	deliveries, err := ch.Consume(drainCtx, p.cfg.TaskQueue)
	if err != nil {
		return err
	}

	timer := time.NewTimer(p.cfg.DrainTimeout())
	defer timer.Stop()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			log.Info("clear old tasks...")
			p.clearOne(ctx, d.Body)
			if err := d.Ack(); err != nil {
				// Resilient by design of the pass: the entry
				// will be cleared again on the next restart.
				log.WithError(err).Warn("stale task ack failed")
				continue
			}
			telemetry.DrainedTasks.Inc()
			if depth, err := ch.Depth(p.cfg.TaskQueue); err == nil && depth == 0 {
				return nil
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(p.cfg.DrainTimeout())
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// clearOne deletes the WaitSet of one stale task. Decode or index errors are
// logged and skipped; the drain pass never aborts over a single entry.
func (p *Processor) clearOne(ctx context.Context, body []byte) {
	env, err := task.DecodeEnvelope(body)
	if err != nil {
		log.WithError(err).Warn("skipping undecodable stale task")
		return
	}
	fp, err := p.fper.Fingerprint(env.Meta.Kind, env.Args)
	if err != nil {
		log.WithError(err).Warn("cannot fingerprint stale task")
		return
	}
	if _, err := p.ix.Drain(ctx, string(fp)); err != nil {
		log.WithError(err).Warnf("cannot clear stale waitset %s", fp)
	}
}

// consume is one worker loop: own channel, prefetch 1, one isolated job at a
// time.
func (p *Processor) consume(ctx context.Context, worker int) error {
	ch, err := p.open(1)
	if err != nil {
		return err
	}
	defer ch.Close()

	deliveries, err := ch.Consume(ctx, p.cfg.TaskQueue)
	if err != nil {
		return err
	}
	for d := range deliveries {
		p.processOne(ctx, worker, &d)
	}
	return ctx.Err()
}

func (p *Processor) processOne(ctx context.Context, worker int, d *queue.Delivery) {
	// The message is acked whether or not the job succeeded: the outcome
	// has already been reported through the message queue, and re-running
	// a failed handler would not change it. Only the death of this whole
	// process leaves the message unacked, and the broker then redelivers.
	defer func() {
		if err := d.Ack(); err != nil {
			log.WithError(err).Warn("task ack failed")
		}
	}()

	env, err := task.DecodeEnvelope(d.Body)
	if err != nil {
		log.WithError(err).Error("discarding undecodable task")
		return
	}
	log.WithField("worker", worker).Infof("receive %s task from client %s", env.Meta.Kind, env.Meta.OriginSSID)

	if err := p.exec.Execute(ctx, env); err != nil {
		log.WithError(err).WithField("worker", worker).Errorf("%s task execution failed", env.Meta.Kind)
	}
}
