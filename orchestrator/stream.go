package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/applaude-labs/applaude-go/internal/domain"
	"github.com/applaude-labs/applaude-go/internal/platform/auth"
)

// resyncInterval bounds how long a subscriber can lag when a hub event was dropped
// or sent by a replica whose notification was lost.
const resyncInterval = 5 * time.Second

// streamSink is one subscriber connection. Calls come from a single goroutine.
type streamSink interface {
	Ready(payload map[string]any) error
	Status(event statusEvent) error
	Heartbeat() error
}

type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func writeSSE(w http.ResponseWriter, event string, id string, payload any) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", blob); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

func (s sseSink) Ready(payload map[string]any) error {
	return writeSSE(s.w, "ready", "", payload)
}

func (s sseSink) Status(event statusEvent) error {
	return writeSSE(s.w, "status", strconv.Itoa(event.Seq), event)
}

func (s sseSink) Heartbeat() error {
	if _, err := fmt.Fprintf(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type wsSink struct {
	conn *websocket.Conn
}

func (s wsSink) write(v any) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer s.conn.SetWriteDeadline(time.Time{})
	return s.conn.WriteJSON(v)
}

func (s wsSink) Ready(payload map[string]any) error {
	payload["type"] = "ready"
	return s.write(payload)
}

func (s wsSink) Status(event statusEvent) error {
	return s.write(event)
}

func (s wsSink) Heartbeat() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
}

// streamStart resolves where a subscription begins. afterSeq < 0 means "from the current status".
type streamStart struct {
	run      domain.Run
	afterSeq int
}

func (api *orchestratorAPI) prepareStream(w http.ResponseWriter, r *http.Request) (auth.Identity, streamStart, bool) {
	identity, ok := api.identity(w, r)
	if !ok {
		return auth.Identity{}, streamStart{}, false
	}
	run, err := api.runs.Get(r.Context(), identity.AccountID, r.PathValue("run_id"))
	if err != nil {
		api.writeDomainError(w, r, err)
		return auth.Identity{}, streamStart{}, false
	}
	start := streamStart{run: run, afterSeq: -1}
	raw := strings.TrimSpace(r.URL.Query().Get("after_seq"))
	if raw == "" {
		raw = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	}
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			api.writeErrorDetail(w, r, http.StatusBadRequest, "invalid_input", "after_seq: must be a non-negative integer")
			return auth.Identity{}, streamStart{}, false
		}
		start.afterSeq = n
	}
	return identity, start, true
}

func (api *orchestratorAPI) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	identity, start, ok := api.prepareStream(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.writeError(w, r, http.StatusInternalServerError, "streaming_not_supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := api.follow(r.Context(), sseSink{w: w, flusher: flusher}, identity.AccountID, start, r.Header.Get("X-Request-Id"))
	if err != nil && !errors.Is(err, context.Canceled) {
		_ = writeSSE(w, "error", "", map[string]any{"error": "internal_error"})
		api.logger.Warn("run stream ended", "run_id", start.run.ID, "error", err)
	}
}

func (api *orchestratorAPI) handleWatchRunWS(w http.ResponseWriter, r *http.Request) {
	identity, start, ok := api.prepareStream(w, r)
	if !ok {
		return
	}
	conn, err := api.upgrader.Upgrade(w, r, nil)
	if err != nil {
		api.logger.Warn("websocket upgrade failed", "run_id", start.run.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	readTimeout := 3 * api.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	// The read loop only drains control frames; a read error means the client went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = api.follow(ctx, wsSink{conn: conn}, identity.AccountID, start, r.Header.Get("X-Request-Id"))
	closeCode, reason := websocket.CloseNormalClosure, "run finished"
	if err != nil && !errors.Is(err, context.Canceled) {
		closeCode, reason = websocket.CloseInternalServerErr, "internal_error"
		api.logger.Warn("run websocket ended", "run_id", start.run.ID, "error", err)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(time.Second))
}

// follow emits a run's transitions to sink in sequence order until the run is terminal or ctx ends.
// Hub events only trigger a re-read of the committed history, which keeps the stream monotonic.
func (api *orchestratorAPI) follow(ctx context.Context, sink streamSink, accountID string, start streamStart, requestID string) error {
	runID := start.run.ID
	events, release := api.hub.Subscribe(runID)
	defer release()
	if api.metrics != nil {
		defer api.metrics.SubscriptionOpened()()
	}

	if err := sink.Ready(map[string]any{
		"run_id":     runID,
		"server_ts":  api.now().Unix(),
		"request_id": requestID,
	}); err != nil {
		return err
	}

	history, err := api.runs.Transitions(ctx, accountID, runID)
	if err != nil {
		return err
	}

	var (
		lastSeq    int
		lastStatus domain.RunStatus
	)
	emit := func(t domain.Transition, withRun bool) error {
		if t.Seq <= lastSeq || domain.Regresses(lastStatus, t.To) {
			return nil
		}
		ev := statusEvent{Type: "status", RunID: runID, Seq: t.Seq, From: t.From, Status: t.To, OccurredAt: t.OccurredAt.UTC()}
		if withRun || t.To.Terminal() {
			run, err := api.runs.Get(ctx, accountID, runID)
			if err != nil {
				return err
			}
			view := toRunView(run)
			ev.Run = &view
		}
		if err := sink.Status(ev); err != nil {
			return err
		}
		lastSeq, lastStatus = t.Seq, t.To
		return nil
	}
	drain := func(list []domain.Transition) error {
		for _, t := range list {
			if lastStatus.Terminal() {
				return nil
			}
			if err := emit(t, false); err != nil {
				return err
			}
		}
		return nil
	}

	if start.afterSeq < 0 {
		if len(history) > 0 {
			if err := emit(history[len(history)-1], true); err != nil {
				return err
			}
		}
	} else {
		for _, t := range history {
			if t.Seq <= start.afterSeq {
				lastSeq, lastStatus = t.Seq, t.To
			}
		}
		if err := drain(history); err != nil {
			return err
		}
	}
	if lastStatus.Terminal() {
		return nil
	}

	heartbeat := time.NewTicker(api.heartbeat)
	defer heartbeat.Stop()
	resync := time.NewTicker(resyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			if err := sink.Heartbeat(); err != nil {
				return err
			}
			continue
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Seq <= lastSeq {
				continue
			}
		case <-resync.C:
		}

		history, err := api.runs.Transitions(ctx, accountID, runID)
		if err != nil {
			return err
		}
		if err := drain(history); err != nil {
			return err
		}
		if lastStatus.Terminal() {
			return nil
		}
	}
}
