package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codenerd-orchestrator/internal/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleJobStream serves the per-job subscription over either a
// bidirectional websocket or a one-way NDJSON fallback (spec §4.5
// "Connection model").
func (g *Gateway) handleJobStream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	sub, err := g.SubscribeJob(r.Context(), jobID)
	if err == ErrUnknownJob {
		g.streamOrUpgrade(w, r, nil, nowFrame("error", Frame{"detail": "unknown job " + jobID}))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, types.ErrInternal, err.Error())
		return
	}
	g.streamOrUpgrade(w, r, sub, nil)
}

// handleGlobalStream serves the global subscription the same way.
func (g *Gateway) handleGlobalStream(w http.ResponseWriter, r *http.Request) {
	sub := g.SubscribeGlobal(r.Context())
	g.streamOrUpgrade(w, r, sub, nil)
}

// streamOrUpgrade upgrades to a websocket when the client asked for one,
// otherwise falls back to a newline-delimited JSON stream over the plain
// HTTP response (spec §4.5: "used for operational simplicity"). If
// immediateErr is set, it is written as the sole frame before closing.
func (g *Gateway) streamOrUpgrade(w http.ResponseWriter, r *http.Request, sub *Subscriber, immediateErr map[string]any) {
	if websocket.IsWebSocketUpgrade(r) {
		g.serveWebSocket(w, r, sub, immediateErr)
		return
	}
	g.serveNDJSON(w, r, sub, immediateErr)
}

func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request, sub *Subscriber, immediateErr map[string]any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if g.logger != nil {
			g.logger.Warn("websocket upgrade failed", zap.Error(err))
		}
		return
	}
	defer conn.Close()

	if immediateErr != nil {
		_ = conn.WriteJSON(immediateErr)
		return
	}
	defer sub.Close()

	ctx := r.Context()
	done := make(chan struct{})

	// Read loop: handles client-initiated ping frames (spec §4.5) and
	// detects disconnects. Invalid frames produce an error frame but
	// never close the connection.
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				_ = conn.WriteJSON(nowFrame("error", Frame{"detail": "invalid client frame"}))
				continue
			}
			if t, _ := msg["type"].(string); t == "ping" {
				_ = conn.WriteJSON(nowFrame("pong", nil))
			} else if t != "" {
				continue
			} else {
				_ = conn.WriteJSON(nowFrame("error", Frame{"detail": "unrecognized client frame"}))
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}
		frame, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
	}
}

func (g *Gateway) serveNDJSON(w http.ResponseWriter, r *http.Request, sub *Subscriber, immediateErr map[string]any) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	bw := bufio.NewWriter(w)
	flusher, canFlush := w.(http.Flusher)

	writeLine := func(v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			return false
		}
		if err := bw.Flush(); err != nil {
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}

	if immediateErr != nil {
		writeLine(immediateErr)
		return
	}
	defer sub.Close()

	ctx := r.Context()
	for {
		frame, ok := sub.Next(ctx)
		if !ok {
			return
		}
		if !writeLine(frame) {
			return
		}
	}
}

// keepaliveInterval is the ping interval New uses when Config leaves
// PingInterval unset.
const keepaliveInterval = 30 * time.Second
