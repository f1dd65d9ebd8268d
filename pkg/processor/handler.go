// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package processor

import (
	"context"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	log "github.com/sirupsen/logrus"

	"github.com/qserver/qserver/pkg/config"
	"github.com/qserver/qserver/pkg/index"
	"github.com/qserver/qserver/pkg/provider"
	"github.com/qserver/qserver/pkg/queue"
	"github.com/qserver/qserver/pkg/task"
	"github.com/qserver/qserver/pkg/telemetry"
)

// Handler executes one task envelope end to end: it recomputes the
// fingerprint, runs the kind-specific provider call, drains the WaitSet and
// publishes the response envelope. Any handler-internal error becomes a
// status=INVALID response so waiters never hang.
type Handler struct {
	cfg  *config.Config
	prov provider.Provider
	ix   index.Index
	fper *task.Fingerprinter
	pub  queue.Publisher
}

// NewHandler builds a Handler. pub must publish to cfg.MessageQueue.
func NewHandler(cfg *config.Config, prov provider.Provider, ix index.Index, fper *task.Fingerprinter, pub queue.Publisher) *Handler {
	return &Handler{cfg: cfg, prov: prov, ix: ix, fper: fper, pub: pub}
}

// Handle processes one envelope. The fingerprint recomputed here must match
// the one the gateway used; both sides share the same Fingerprinter.
func (h *Handler) Handle(ctx context.Context, env *task.Envelope) error {
	fp, err := h.fper.Fingerprint(env.Meta.Kind, env.Args)
	if err != nil {
		return fmt.Errorf("refingerprint %s task: %w", env.Meta.Kind, err)
	}

	resp := h.run(ctx, env)
	telemetry.TasksProcessed.WithLabelValues(string(resp.Kind), fmt.Sprint(resp.Status)).Inc()

	ssids, err := h.drainWaiters(ctx, string(fp))
	if err != nil {
		return fmt.Errorf("drain waitset %s: %w", fp, err)
	}
	if len(ssids) == 0 {
		// Nobody is listening anymore; skip the publish.
		log.Debugf("no waiters left for %s task %s", env.Meta.Kind, fp)
		return nil
	}
	resp.SSIDs = ssids

	body, err := resp.Encode()
	if err != nil {
		return err
	}
	log.Infof("Publish %s message to queue for %d client(s)", resp.Kind, len(ssids))
	return h.pub.Publish(ctx, h.cfg.MessageQueue, body)
}

// drainWaiters retries a failing drain a few times before giving up; an
// unreachable index at response time would otherwise drop the whole WaitSet.
func (h *Handler) drainWaiters(ctx context.Context, fp string) ([]string, error) {
	return retry.DoWithData(
		func() ([]string, error) { return h.ix.Drain(ctx, fp) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("waitset drain attempt %d failed, retrying", n+1)
		}),
	)
}

// run dispatches to the kind handler and converts any failure into an
// INVALID response carrying the error message.
func (h *Handler) run(ctx context.Context, env *task.Envelope) *task.Response {
	var (
		data any
		err  error
	)
	switch env.Meta.Kind {
	case task.KindCalendar:
		data, err = h.calendar(ctx, env.Args)
	case task.KindInstrument:
		data, err = h.instrument(ctx, env.Args)
	case task.KindFeature:
		data, err = h.feature(ctx, env.Args)
	default:
		err = fmt.Errorf("unknown task kind %q", env.Meta.Kind)
	}
	if err != nil {
		log.WithError(err).Errorf("Error while processing %s request", env.Meta.Kind)
		return &task.Response{Kind: env.Meta.Kind, Status: task.StatusInvalid, DetailedInfo: err.Error()}
	}
	return &task.Response{Kind: env.Meta.Kind, Data: data, Status: task.StatusOK}
}

func (h *Handler) calendar(ctx context.Context, args map[string]any) (any, error) {
	var body task.CalendarArgs
	if err := task.Remarshal(args, &body); err != nil {
		return nil, fmt.Errorf("malformed calendar args: %w", err)
	}
	entries, err := h.prov.Calendar(ctx, provider.CalendarQuery{
		Start:  task.NormalizeTime(body.StartTime),
		End:    task.NormalizeTime(body.EndTime),
		Freq:   body.Freq,
		Future: body.Future,
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, t := range entries {
		out = append(out, formatTimestamp(t))
	}
	return out, nil
}

func (h *Handler) instrument(ctx context.Context, args map[string]any) (any, error) {
	var body task.InstrumentArgs
	if err := task.Remarshal(args, &body); err != nil {
		return nil, fmt.Errorf("malformed instrument args: %w", err)
	}
	result, err := h.prov.ListInstruments(ctx, provider.InstrumentQuery{
		Universe: body.Instruments,
		Start:    task.NormalizeTime(body.StartTime),
		End:      task.NormalizeTime(body.EndTime),
		Freq:     body.Freq,
		AsList:   body.AsList,
	})
	if err != nil {
		return nil, err
	}
	if result.Ranges != nil {
		// Clients receive ranges as [start, end] string pairs.
		out := make(map[string][][2]string, len(result.Ranges))
		for code, spans := range result.Ranges {
			pairs := make([][2]string, 0, len(spans))
			for _, span := range spans {
				pairs = append(pairs, [2]string{formatTimestamp(span.Start), formatTimestamp(span.End)})
			}
			out[code] = pairs
		}
		return out, nil
	}
	return result.List, nil
}

func (h *Handler) feature(ctx context.Context, args map[string]any) (any, error) {
	fp, ok := h.prov.(provider.FeatureProvider)
	if !ok {
		// Permanent configuration error: this deployment's provider
		// cannot serve feature requests at all.
		err := fmt.Errorf("the configured data provider has no features_uri method")
		log.WithError(err).Error("feature request cannot be served")
		return nil, err
	}
	var body task.FeatureArgs
	body.DiskCache = 1
	if err := task.Remarshal(args, &body); err != nil {
		return nil, fmt.Errorf("malformed feature args: %w", err)
	}
	uri, err := fp.FeaturesURI(ctx, provider.FeatureQuery{
		Instruments: body.Instruments,
		Fields:      body.Fields,
		Start:       task.NormalizeTime(body.StartTime),
		End:         task.NormalizeTime(body.EndTime),
		Freq:        body.Freq,
		DiskCache:   body.DiskCache,
	})
	if err != nil {
		return nil, err
	}
	// Only the locator travels back, never the dataset bytes.
	return uri, nil
}

// formatTimestamp renders a provider timestamp the way clients expect:
// date-only when the entry has no intraday component.
func formatTimestamp(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02 15:04:05")
}

// HandlerExecutor runs tasks in the current address space. It is the
// execution path inside the run-task child process, and the executor of
// choice in tests.
type HandlerExecutor struct {
	Handler *Handler
}

// Execute implements Executor.
func (e *HandlerExecutor) Execute(ctx context.Context, env *task.Envelope) error {
	return e.Handler.Handle(ctx, env)
}
