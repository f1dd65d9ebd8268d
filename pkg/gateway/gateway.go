// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package gateway is the client-facing half of the dispatch fabric. The
// ingress side accepts websocket sessions, fingerprints each request and
// coalesces it through the index, publishing a task only for first-time
// fingerprints. The egress side consumes the message queue and fans each
// response out to every waiting session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/qserver/qserver/pkg/config"
	"github.com/qserver/qserver/pkg/index"
	"github.com/qserver/qserver/pkg/queue"
	"github.com/qserver/qserver/pkg/task"
	"github.com/qserver/qserver/pkg/telemetry"
)

// requestData is the decoded payload of a <kind>_request event. Body stays
// loosely typed: the gateway only needs it for fingerprinting and forwards
// it opaque.
type requestData struct {
	Head struct {
		Version string `json:"version"`
	} `json:"head"`
	Body map[string]any `json:"body"`
}

// responseData is the payload of a <kind>_response event.
type responseData struct {
	Result       any         `json:"result"`
	Status       task.Status `json:"status"`
	DetailedInfo any         `json:"detailed_info"`
}

// connectData is the payload of the connect event, echoing the assigned ssid.
type connectData struct {
	SSID string `json:"ssid"`
}

// Gateway is the request handler role: one ingress event loop and one egress
// event loop sharing the session transport.
type Gateway struct {
	cfg       *config.Config
	index     index.Index
	fper      *task.Fingerprinter
	tasks     queue.Publisher
	responses queue.Consumer
	sessions  *Registry
	checker   *VersionChecker
	upgrader  websocket.Upgrader
}

// New builds a Gateway. tasks must publish to cfg.TaskQueue; responses must
// consume cfg.MessageQueue with prefetch cfg.MaxConcurrency.
func New(cfg *config.Config, ix index.Index, fper *task.Fingerprinter, tasks queue.Publisher, responses queue.Consumer) (*Gateway, error) {
	checker, err := NewVersionChecker(cfg.ClientVersion)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		cfg:       cfg,
		index:     ix,
		fper:      fper,
		tasks:     tasks,
		responses: responses,
		sessions:  NewRegistry(),
		checker:   checker,
		upgrader: websocket.Upgrader{
			// Session auth is out of scope; accept any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Sessions exposes the live-session registry.
func (g *Gateway) Sessions() *Registry {
	return g.sessions
}

// Handler returns the gateway's HTTP surface: the websocket endpoint and the
// metrics endpoint.
func (g *Gateway) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", telemetry.Handler())
	r.HandleFunc("/ws", g.handleWS)
	return r
}

// Run serves the transport and the egress loop until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	srv := &http.Server{Addr: g.cfg.BindAddr(), Handler: g.Handler()}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Infof("request listener module start on %s", g.cfg.BindAddr())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		return g.Respond(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleWS upgrades one client connection into a session and runs its read
// loop.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	ssid := uuid.NewString()
	s := g.sessions.Add(ssid, conn)
	defer func() {
		g.sessions.Remove(ssid)
		conn.Close()
		log.Infof("Connection finished with client %s", ssid)
	}()
	log.Infof("Connection established with client %s", ssid)

	if err := s.Emit("connect", connectData{SSID: ssid}); err != nil {
		log.WithError(err).WithField("ssid", ssid).Warn("connect event failed")
		return
	}

	stopPing := make(chan struct{})
	defer close(stopPing)
	go g.keepalive(s, stopPing)

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).WithField("ssid", ssid).Debug("session read ended")
			}
			return
		}
		g.dispatch(r.Context(), s, &frame)
	}
}

func (g *Gateway) keepalive(s *Session, stop <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.PingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, s *Session, frame *Frame) {
	for _, kind := range task.Kinds {
		if frame.Event == kind.RequestEvent() {
			g.handleRequest(ctx, s, kind, frame.Data)
			return
		}
	}
	log.WithField("ssid", s.ID).Warnf("unrecognized event %q", frame.Event)
}

// handleRequest is the ingress path: version check, fingerprint, coalesce,
// publish iff first.
func (g *Gateway) handleRequest(ctx context.Context, s *Session, kind task.Kind, data json.RawMessage) {
	telemetry.RequestsReceived.WithLabelValues(string(kind)).Inc()
	logger := log.WithFields(log.Fields{"ssid": s.ID, "kind": kind})

	var req requestData
	if err := json.Unmarshal(data, &req); err != nil {
		logger.WithError(err).Error("malformed request body")
		g.emitInvalid(s, kind, "malformed request body: "+err.Error())
		return
	}
	logger.Infof("Received %s request from client", kind)

	if err := g.checker.Check(req.Head.Version); err != nil {
		telemetry.VersionRejections.Inc()
		logger.WithError(err).Error("client version rejected")
		g.emitInvalid(s, kind, err.Error())
		return
	}

	args := task.NormalizeArgs(req.Body)
	fp, err := g.fper.Fingerprint(kind, args)
	if err != nil {
		logger.WithError(err).Error("cannot fingerprint request")
		g.emitInvalid(s, kind, err.Error())
		return
	}

	n, err := g.index.AppendAndCount(ctx, string(fp), s.ID)
	if err != nil {
		logger.WithError(err).Error("coalescing index unavailable")
		g.emitInvalid(s, kind, "service unavailable: "+err.Error())
		return
	}
	if n > 1 {
		// An identical task is already in flight; its worker will
		// drain this ssid along with the rest of the WaitSet.
		telemetry.TasksCoalesced.WithLabelValues(string(kind)).Inc()
		logger.Debugf("coalesced onto in-flight task %s (waiters=%d)", fp, n)
		return
	}

	env := &task.Envelope{Meta: task.Meta{Kind: kind, OriginSSID: s.ID}, Args: args}
	body, err := env.Encode()
	if err != nil {
		logger.WithError(err).Error("cannot encode task envelope")
		g.abortTask(ctx, kind, string(fp), err)
		return
	}
	if err := g.tasks.Publish(ctx, g.cfg.TaskQueue, body); err != nil {
		logger.WithError(err).Error("task publish failed")
		g.abortTask(ctx, kind, string(fp), err)
		return
	}
	telemetry.TasksPublished.WithLabelValues(string(kind)).Inc()
	logger.Infof("Publish %s task to queue (fingerprint %s)", kind, fp)
}

// abortTask clears a WaitSet whose task could not be enqueued and tells every
// waiter. Without this, sessions that coalesced between the append and the
// failure would hang.
func (g *Gateway) abortTask(ctx context.Context, kind task.Kind, fp string, cause error) {
	ssids, err := g.index.Drain(ctx, fp)
	if err != nil {
		log.WithError(err).Errorf("cannot clear waitset %s after failed publish", fp)
		return
	}
	payload := responseData{Result: nil, Status: task.StatusInvalid, DetailedInfo: "service unavailable: " + cause.Error()}
	for _, ssid := range ssids {
		if _, err := g.sessions.Emit(ssid, kind.ResponseEvent(), payload); err != nil {
			log.WithError(err).WithField("ssid", ssid).Warn("abort emit failed")
		}
	}
}

func (g *Gateway) emitInvalid(s *Session, kind task.Kind, detail string) {
	payload := responseData{Result: nil, Status: task.StatusInvalid, DetailedInfo: detail}
	if err := s.Emit(kind.ResponseEvent(), payload); err != nil {
		log.WithError(err).WithField("ssid", s.ID).Warn("error response emit failed")
	}
}

// Respond is the egress loop: it consumes completed results from the message
// queue and emits one <kind>_response per waiting session.
func (g *Gateway) Respond(ctx context.Context) error {
	log.Info("request responder module start...")
	deliveries, err := g.responses.Consume(ctx, g.cfg.MessageQueue)
	if err != nil {
		return err
	}
	for d := range deliveries {
		g.respondOne(&d)
	}
	return ctx.Err()
}

func (g *Gateway) respondOne(d *queue.Delivery) {
	// The message is acked in every branch: a malformed or unknown
	// response cannot be repaired by redelivery.
	defer func() {
		if err := d.Ack(); err != nil {
			log.WithError(err).Warn("response ack failed")
		}
	}()

	resp, err := task.DecodeResponse(d.Body)
	if err != nil {
		log.WithError(err).Error("discarding malformed response envelope")
		return
	}
	if !resp.Kind.Valid() {
		log.Warnf("Unrecognized message type %q", resp.Kind)
		return
	}
	log.Infof("Receive %s message for %d client(s)", resp.Kind, len(resp.SSIDs))

	payload := responseData{Result: resp.Data, Status: resp.Status}
	if resp.DetailedInfo != "" {
		payload.DetailedInfo = resp.DetailedInfo
	}
	for _, ssid := range resp.SSIDs {
		delivered, err := g.sessions.Emit(ssid, resp.Kind.ResponseEvent(), payload)
		if err != nil {
			log.WithError(err).WithField("ssid", ssid).Warn("response emit failed")
			continue
		}
		if !delivered {
			// Client went away before its result arrived; the
			// computation is simply discarded for this ssid.
			log.Debugf("client %s disconnected before %s response", ssid, resp.Kind)
			continue
		}
		telemetry.ResponsesEmitted.WithLabelValues(string(resp.Kind)).Inc()
		log.Infof("Send %s response to client %s", resp.Kind, ssid)
	}
}
