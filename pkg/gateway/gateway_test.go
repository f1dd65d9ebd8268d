// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qserver/qserver/pkg/config"
	"github.com/qserver/qserver/pkg/index"
	"github.com/qserver/qserver/pkg/processor"
	"github.com/qserver/qserver/pkg/provider"
	"github.com/qserver/qserver/pkg/provider/providertest"
	"github.com/qserver/qserver/pkg/queue/queuetest"
	"github.com/qserver/qserver/pkg/task"
)

func testConfig() *config.Config {
	return &config.Config{
		FlaskServer:       "127.0.0.1",
		FlaskPort:         9710,
		FlaskPingInterval: 1.0,
		TaskQueue:         "tasks",
		MessageQueue:      "messages",
		MaxProcess:        2,
		MaxConcurrency:    4,
		InactivityTimeout: 0.1,
		ClientVersion:     ">=0.4.0",
		LoggingLevel:      "debug",
	}
}

func testIndex(t *testing.T) (*index.RedisIndex, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return index.NewFromClient(client), client
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	ssid string
}

// dialClient connects a websocket client and consumes the connect event.
func dialClient(t *testing.T, srv *httptest.Server) *testClient {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}
	event, data := c.read()
	require.Equal(t, "connect", event)
	var connect struct {
		SSID string `json:"ssid"`
	}
	require.NoError(t, json.Unmarshal(data, &connect))
	require.NotEmpty(t, connect.SSID)
	c.ssid = connect.SSID
	return c
}

func (c *testClient) read() (string, json.RawMessage) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var fr Frame
	require.NoError(c.t, c.conn.ReadJSON(&fr))
	return fr.Event, fr.Data
}

func (c *testClient) send(event string, head map[string]any, body map[string]any) {
	c.t.Helper()
	data, err := json.Marshal(map[string]any{"head": head, "body": body})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(Frame{Event: event, Data: data}))
}

func (c *testClient) readResponse(event string) responseData {
	c.t.Helper()
	got, data := c.read()
	require.Equal(c.t, event, got)
	var resp responseData
	require.NoError(c.t, json.Unmarshal(data, &resp))
	return resp
}

type testGateway struct {
	gw     *Gateway
	broker *queuetest.Broker
	ix     *index.RedisIndex
	redis  *redis.Client
	srv    *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	cfg := testConfig()
	broker := queuetest.NewBroker()
	ix, client := testIndex(t)
	gw, err := New(cfg, ix, task.NewFingerprinter(nil), broker, broker)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(srv.Close)
	return &testGateway{gw: gw, broker: broker, ix: ix, redis: client, srv: srv}
}

func TestRejectsOldClientWithoutEnqueue(t *testing.T) {
	tg := newTestGateway(t)
	broker, srv := tg.broker, tg.srv
	client := dialClient(t, srv)

	client.send("calendar_request",
		map[string]any{"version": "0.3.0"},
		map[string]any{"start_time": "2020-01-01", "end_time": "2020-01-05", "freq": "day"})

	resp := client.readResponse("calendar_response")
	assert.Equal(t, task.StatusInvalid, resp.Status)
	assert.Nil(t, resp.Result)
	assert.Contains(t, resp.DetailedInfo, "version mismatch")

	depth, err := broker.Depth("tasks")
	require.NoError(t, err)
	assert.Equal(t, 0, depth, "rejected request must not be enqueued")
}

func TestValidRequestPublishesOneTask(t *testing.T) {
	tg := newTestGateway(t)
	broker, ix, srv := tg.broker, tg.ix, tg.srv
	client := dialClient(t, srv)

	client.send("calendar_request",
		map[string]any{"version": "0.4.1"},
		map[string]any{"start_time": "2020-01-01", "end_time": "2020-01-05", "freq": "day"})

	require.Eventually(t, func() bool {
		depth, err := broker.Depth("tasks")
		return err == nil && depth == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := broker.Messages("tasks")
	require.Len(t, msgs, 1)
	env, err := task.DecodeEnvelope(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, task.KindCalendar, env.Meta.Kind)
	assert.Equal(t, client.ssid, env.Meta.OriginSSID)

	// The session is the sole waiter for this fingerprint.
	fp, err := task.NewFingerprinter(nil).Fingerprint(env.Meta.Kind, env.Args)
	require.NoError(t, err)
	ssids, err := ix.Drain(context.Background(), string(fp))
	require.NoError(t, err)
	assert.Equal(t, []string{client.ssid}, ssids)
}

func TestIdenticalRequestsCoalesce(t *testing.T) {
	tg := newTestGateway(t)
	broker, srv := tg.broker, tg.srv

	// The instrument lists differ in order only; canonicalization makes
	// them the same fingerprint.
	orders := [][]any{
		{"sh600000", "sh000001"},
		{"sh000001", "sh600000"},
		{"sh600000", "sh000001"},
	}
	clients := []*testClient{dialClient(t, srv), dialClient(t, srv), dialClient(t, srv)}
	for i, c := range clients {
		c.send("feature_request", map[string]any{"version": "0.4.1"}, map[string]any{
			"instruments": orders[i],
			"fields":      []any{"$close"},
			"start_time":  "2020-01-01",
			"end_time":    "2020-01-05",
			"freq":        "day",
		})
	}

	// All three sessions end up in one WaitSet behind a single task.
	var fp task.Fingerprint
	require.Eventually(t, func() bool {
		msgs := broker.Messages("tasks")
		if len(msgs) != 1 {
			return false
		}
		env, err := task.DecodeEnvelope(msgs[0])
		if err != nil {
			return false
		}
		fp, err = task.NewFingerprinter(nil).Fingerprint(env.Meta.Kind, env.Args)
		if err != nil {
			return false
		}
		waiters, err := tg.redis.LLen(context.Background(), string(fp)).Result()
		return err == nil && waiters == 3
	}, 2*time.Second, 20*time.Millisecond)

	depth, err := broker.Depth("tasks")
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "identical concurrent requests must publish a single task")

	ssids, err := tg.ix.Drain(context.Background(), string(fp))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{clients[0].ssid, clients[1].ssid, clients[2].ssid}, ssids)
}

func TestEgressFansOutToAllWaiters(t *testing.T) {
	tg := newTestGateway(t)
	gw, broker, srv := tg.gw, tg.broker, tg.srv
	a := dialClient(t, srv)
	b := dialClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Respond(ctx) //nolint:errcheck

	resp := &task.Response{
		Kind:   task.KindCalendar,
		Data:   []string{"2020-01-02", "2020-01-03"},
		SSIDs:  []string{a.ssid, b.ssid, "gone-ssid"},
		Status: task.StatusOK,
	}
	body, err := resp.Encode()
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, "messages", body))

	for _, c := range []*testClient{a, b} {
		got := c.readResponse("calendar_response")
		assert.Equal(t, task.StatusOK, got.Status)
		assert.Equal(t, []any{"2020-01-02", "2020-01-03"}, got.Result)
	}
}

func TestEgressSkipsUnknownKind(t *testing.T) {
	tg := newTestGateway(t)
	gw, broker, srv := tg.gw, tg.broker, tg.srv
	client := dialClient(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Respond(ctx) //nolint:errcheck

	require.NoError(t, broker.Publish(ctx, "messages",
		[]byte(`{"type":"bogus","ssids":["`+client.ssid+`"],"data":null,"status":0}`)))

	// The message is acked and dropped, nothing reaches the client.
	require.Eventually(t, func() bool {
		depth, err := broker.Depth("messages")
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var fr Frame
	assert.Error(t, client.conn.ReadJSON(&fr), "no event expected for unknown kind")
}

// TestCoalescedRequestEndToEnd runs gateway and processor against the same
// in-memory broker and index: three identical requests yield one provider
// call and three responses.
func TestCoalescedRequestEndToEnd(t *testing.T) {
	cfg := testConfig()
	broker := queuetest.NewBroker()
	ix, _ := testIndex(t)
	fper := task.NewFingerprinter(nil)

	gw, err := New(cfg, ix, fper, broker, broker)
	require.NoError(t, err)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	// The stub sleeps long enough for all three appends to land before the
	// worker drains the WaitSet, so every session rides the same task.
	var calendarCalls atomic.Int32
	prov := &providertest.Stub{
		CalendarFunc: func(q provider.CalendarQuery) ([]time.Time, error) {
			calendarCalls.Add(1)
			time.Sleep(300 * time.Millisecond)
			return []time.Time{
				time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
				time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC),
			}, nil
		},
	}
	handler := processor.NewHandler(cfg, prov, ix, fper, broker)
	open := func(int) (processor.TaskChannel, error) {
		return queuetest.Channel(broker), nil
	}
	proc := processor.New(cfg, open, ix, fper, &processor.HandlerExecutor{Handler: handler})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Respond(ctx) //nolint:errcheck
	go proc.Run(ctx)   //nolint:errcheck

	clients := []*testClient{dialClient(t, srv), dialClient(t, srv), dialClient(t, srv)}
	for _, c := range clients {
		c.send("calendar_request",
			map[string]any{"version": "0.4.1"},
			map[string]any{"start_time": "2020-01-01", "end_time": "2020-01-05", "freq": "day"})
	}

	for _, c := range clients {
		resp := c.readResponse("calendar_response")
		assert.Equal(t, task.StatusOK, resp.Status)
		assert.Equal(t, []any{"2020-01-02", "2020-01-03"}, resp.Result)
	}
	assert.EqualValues(t, 1, calendarCalls.Load(), "identical requests must be computed once")
}
