package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/basket/taskcoord/internal/coordinator"
	"github.com/basket/taskcoord/internal/dispatcher"
)

// HTTPTransport serves JSON-RPC over HTTP POST, a sibling SSE heartbeat
// channel, and a /healthz probe (SPEC §4.5 "HTTP-with-event-stream
// adapter"). The core never pushes task updates over the SSE channel in
// v1; it carries only periodic heartbeats.
type HTTPTransport struct {
	dispatcher        *dispatcher.Dispatcher
	coord             *coordinator.Coordinator
	logger            *slog.Logger
	heartbeatInterval time.Duration
	requestTimeout    time.Duration
}

// NewHTTP builds an HTTP adapter. requestTimeout <= 0 disables the
// per-request deadline imposed around each dispatched call.
func NewHTTP(d *dispatcher.Dispatcher, c *coordinator.Coordinator, logger *slog.Logger, requestTimeout time.Duration) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{dispatcher: d, coord: c, logger: logger, heartbeatInterval: 15 * time.Second, requestTimeout: requestTimeout}
}

// Handler builds the mux the way gateway.Handler() does: one
// ServeMux wiring a handful of fixed paths, mirroring the teacher's
// /ws + /healthz split.
func (t *HTTPTransport) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", t.handleRPC)
	mux.HandleFunc("/events", t.handleEvents)
	mux.HandleFunc("/healthz", t.handleHealthz)
	return mux
}

func (t *HTTPTransport) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		t.writeJSON(w, http.StatusOK, errorResponse(nil, &dispatcher.RPCError{
			Code: dispatcher.CodeParseError, Message: "invalid JSON: " + err.Error(),
		}))
		return
	}

	id, hasID := decodeID(req.ID)
	t.logger.Info("http: request", "method", req.Method, "notification", !hasID)

	ctx := r.Context()
	if t.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}

	result, rerr := t.dispatcher.Dispatch(ctx, req.Method, req.Params)
	if !hasID {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if rerr == nil && ctx.Err() != nil {
		rerr = &dispatcher.RPCError{Code: dispatcher.CodeInternalError, Message: "request exceeded its deadline"}
	}
	if rerr != nil {
		t.writeJSON(w, http.StatusOK, errorResponse(id, rerr))
		return
	}
	t.writeJSON(w, http.StatusOK, resultResponse(id, result))
}

func (t *HTTPTransport) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleEvents serves per-session heartbeats over server-sent events.
// No task-update events are pushed here in v1 (SPEC §4.5).
func (t *HTTPTransport) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := uuid.NewString()
	t.logger.Info("http: event stream connected", "session_id", sessionID)
	defer t.logger.Info("http: event stream disconnected", "session_id", sessionID)

	ticker := time.NewTicker(t.heartbeatInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fmt.Fprintf(w, "event: heartbeat\ndata: %s\n\n", now.UTC().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

func (t *HTTPTransport) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := t.coord.HealthCheck(r.Context())
	payload := map[string]any{"healthy": healthy, "db_ok": healthy}
	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
