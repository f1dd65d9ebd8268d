// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qserver/qserver/pkg/config"
	"github.com/qserver/qserver/pkg/index"
	"github.com/qserver/qserver/pkg/provider"
	"github.com/qserver/qserver/pkg/provider/providertest"
	"github.com/qserver/qserver/pkg/queue/queuetest"
	"github.com/qserver/qserver/pkg/task"
)

func testConfig() *config.Config {
	return &config.Config{
		TaskQueue:         "tasks",
		MessageQueue:      "messages",
		MaxProcess:        2,
		MaxConcurrency:    4,
		InactivityTimeout: 0.1,
	}
}

func newTestIndex(t *testing.T) *index.RedisIndex {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return index.NewFromClient(client)
}

type handlerFixture struct {
	handler *Handler
	broker  *queuetest.Broker
	ix      *index.RedisIndex
	fper    *task.Fingerprinter
}

func newHandlerFixture(t *testing.T, prov provider.Provider) *handlerFixture {
	t.Helper()
	broker := queuetest.NewBroker()
	ix := newTestIndex(t)
	fper := task.NewFingerprinter(nil)
	return &handlerFixture{
		handler: NewHandler(testConfig(), prov, ix, fper, broker),
		broker:  broker,
		ix:      ix,
		fper:    fper,
	}
}

// enqueueWaiters registers ssids in the WaitSet of the envelope's fingerprint,
// the way the gateway would have before publishing the task.
func (f *handlerFixture) enqueueWaiters(t *testing.T, env *task.Envelope, ssids ...string) {
	t.Helper()
	fp, err := f.fper.Fingerprint(env.Meta.Kind, env.Args)
	require.NoError(t, err)
	for _, ssid := range ssids {
		_, err := f.ix.AppendAndCount(context.Background(), string(fp), ssid)
		require.NoError(t, err)
	}
}

func (f *handlerFixture) lastResponse(t *testing.T) *task.Response {
	t.Helper()
	msgs := f.broker.Messages("messages")
	require.Len(t, msgs, 1)
	resp, err := task.DecodeResponse(msgs[0])
	require.NoError(t, err)
	return resp
}

func TestHandleCalendarPublishesFormattedResult(t *testing.T) {
	prov := &providertest.Stub{
		CalendarFunc: func(q provider.CalendarQuery) ([]time.Time, error) {
			assert.Equal(t, "2020-01-01", q.Start)
			assert.Equal(t, "2020-01-05", q.End)
			assert.Equal(t, "day", q.Freq)
			return []time.Time{
				time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
				time.Date(2020, 1, 3, 9, 30, 0, 0, time.UTC),
			}, nil
		},
	}
	f := newHandlerFixture(t, prov)

	env := &task.Envelope{
		Meta: task.Meta{Kind: task.KindCalendar, OriginSSID: "ssid-a"},
		Args: map[string]any{"start_time": "2020-01-01", "end_time": "2020-01-05", "freq": "day"},
	}
	f.enqueueWaiters(t, env, "ssid-a", "ssid-b")

	require.NoError(t, f.handler.Handle(context.Background(), env))

	resp := f.lastResponse(t)
	assert.Equal(t, task.KindCalendar, resp.Kind)
	assert.Equal(t, task.StatusOK, resp.Status)
	assert.Equal(t, []any{"2020-01-02", "2020-01-03 09:30:00"}, resp.Data.([]any))
	assert.Equal(t, []string{"ssid-a", "ssid-b"}, resp.SSIDs)
}

func TestHandleNoneSentinelsReachProviderAsEmpty(t *testing.T) {
	var got provider.CalendarQuery
	prov := &providertest.Stub{
		CalendarFunc: func(q provider.CalendarQuery) ([]time.Time, error) {
			got = q
			return nil, nil
		},
	}
	f := newHandlerFixture(t, prov)

	env := &task.Envelope{
		Meta: task.Meta{Kind: task.KindCalendar, OriginSSID: "ssid-a"},
		Args: map[string]any{"start_time": "None", "end_time": "None", "freq": "day"},
	}
	f.enqueueWaiters(t, env, "ssid-a")

	require.NoError(t, f.handler.Handle(context.Background(), env))
	assert.Empty(t, got.Start)
	assert.Empty(t, got.End)
}

func TestHandleProviderErrorYieldsInvalidResponse(t *testing.T) {
	prov := &providertest.Stub{
		CalendarFunc: func(provider.CalendarQuery) ([]time.Time, error) {
			return nil, errors.New("store unreachable")
		},
	}
	f := newHandlerFixture(t, prov)

	env := &task.Envelope{
		Meta: task.Meta{Kind: task.KindCalendar, OriginSSID: "ssid-a"},
		Args: map[string]any{"freq": "day"},
	}
	f.enqueueWaiters(t, env, "ssid-a")

	require.NoError(t, f.handler.Handle(context.Background(), env))

	resp := f.lastResponse(t)
	assert.Equal(t, task.StatusInvalid, resp.Status)
	assert.Nil(t, resp.Data)
	assert.Contains(t, resp.DetailedInfo, "store unreachable")
}

func TestHandleInstrumentRangesAsPairs(t *testing.T) {
	prov := &providertest.Stub{
		ListInstrumentsFunc: func(q provider.InstrumentQuery) (provider.InstrumentResult, error) {
			return provider.InstrumentResult{
				Ranges: map[string][]provider.TimeRange{
					"sh600000": {{
						Start: time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
						End:   time.Date(2020, 1, 10, 0, 0, 0, 0, time.UTC),
					}},
				},
			}, nil
		},
	}
	f := newHandlerFixture(t, prov)

	env := &task.Envelope{
		Meta: task.Meta{Kind: task.KindInstrument, OriginSSID: "ssid-a"},
		Args: map[string]any{
			"instruments": map[string]any{"market": "csi300"},
			"freq":        "day",
			"as_list":     false,
		},
	}
	f.enqueueWaiters(t, env, "ssid-a")

	require.NoError(t, f.handler.Handle(context.Background(), env))

	resp := f.lastResponse(t)
	require.Equal(t, task.StatusOK, resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{[]any{"2020-01-02", "2020-01-10"}}, data["sh600000"])
}

func TestHandleFeatureReturnsLocator(t *testing.T) {
	var got provider.FeatureQuery
	prov := &providertest.FeatureStub{
		FeaturesURIFunc: func(q provider.FeatureQuery) (string, error) {
			got = q
			return "/cache/abcd.bin", nil
		},
	}
	f := newHandlerFixture(t, prov)

	env := &task.Envelope{
		Meta: task.Meta{Kind: task.KindFeature, OriginSSID: "ssid-a"},
		Args: map[string]any{
			"instruments": []any{"sh600000"},
			"fields":      []any{"$close"},
			"start_time":  "2020-01-01",
			"end_time":    "2020-01-05",
			"freq":        "day",
		},
	}
	f.enqueueWaiters(t, env, "ssid-a")

	require.NoError(t, f.handler.Handle(context.Background(), env))

	resp := f.lastResponse(t)
	assert.Equal(t, task.StatusOK, resp.Status)
	assert.Equal(t, "/cache/abcd.bin", resp.Data)
	// Unset disk_cache defaults to 1.
	assert.Equal(t, 1, got.DiskCache)
}

func TestHandleFeatureWithoutFeatureProvider(t *testing.T) {
	f := newHandlerFixture(t, &providertest.Stub{})

	env := &task.Envelope{
		Meta: task.Meta{Kind: task.KindFeature, OriginSSID: "ssid-a"},
		Args: map[string]any{"instruments": []any{"sh600000"}, "fields": []any{"$close"}, "freq": "day"},
	}
	f.enqueueWaiters(t, env, "ssid-a")

	require.NoError(t, f.handler.Handle(context.Background(), env))

	resp := f.lastResponse(t)
	assert.Equal(t, task.StatusInvalid, resp.Status)
	assert.Contains(t, resp.DetailedInfo, "features_uri")
}

func TestHandleSkipsPublishWithEmptyWaitSet(t *testing.T) {
	f := newHandlerFixture(t, &providertest.Stub{})

	env := &task.Envelope{
		Meta: task.Meta{Kind: task.KindCalendar, OriginSSID: "ssid-a"},
		Args: map[string]any{"freq": "day"},
	}
	// No waiters registered: the gateway side was drained already.

	require.NoError(t, f.handler.Handle(context.Background(), env))

	depth, err := f.broker.Depth("messages")
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "response without waiters must not be published")
}
