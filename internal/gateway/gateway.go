// Package gateway implements the Streaming Gateway (spec §4.5): HTTP
// submission/snapshot endpoints plus per-job and global event subscriptions
// over the C1 event log. Grounded on the teacher's cmd/nerd/main.go wiring
// style and pkg/api/websocket.go's hub/broadcast shape (codeready-toolchain
// tarsy), adapted from a single in-memory broadcast hub to per-subscriber
// stream tailing: a subscriber gets a snapshot on connect and then every
// entry appended after it; earlier stream entries are not replayed.
package gateway

import (
	"time"

	"go.uber.org/zap"

	"codenerd-orchestrator/internal/coordination"
	"codenerd-orchestrator/internal/executor"
	"codenerd-orchestrator/internal/store"
)

// Frame is the language-neutral event shape every subscriber receives
// (spec §4.5): at minimum {event_type, timestamp}, plus payload fields.
type Frame map[string]any

// Gateway wires the HTTP surface and subscription fan-out to the
// executor/coordination collaborators it fronts.
type Gateway struct {
	store      store.Store
	executor   *executor.Executor
	discovery  *coordination.Discovery
	router     *coordination.Router
	breakers   *coordination.CircuitBreakers
	logger     *zap.Logger

	queueSize   int
	pingEvery   time.Duration
}

// Config carries the gateway's tunables (spec §6's implied defaults for
// subscriber cadence and backpressure).
type Config struct {
	SubscriberQueueSize int
	PingInterval        time.Duration
}

// New constructs a Gateway.
func New(st store.Store, exec *executor.Executor, disc *coordination.Discovery, router *coordination.Router, breakers *coordination.CircuitBreakers, cfg Config, logger *zap.Logger) *Gateway {
	qs := cfg.SubscriberQueueSize
	if qs <= 0 {
		qs = 256
	}
	ping := cfg.PingInterval
	if ping <= 0 {
		ping = keepaliveInterval
	}
	return &Gateway{
		store:     st,
		executor:  exec,
		discovery: disc,
		router:    router,
		breakers:  breakers,
		logger:    logger,
		queueSize: qs,
		pingEvery: ping,
	}
}

func nowFrame(eventType string, fields Frame) Frame {
	f := Frame{"event_type": eventType, "timestamp": time.Now().Format(time.RFC3339Nano)}
	for k, v := range fields {
		f[k] = v
	}
	return f
}
