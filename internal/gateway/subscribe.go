package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"codenerd-orchestrator/internal/store"
)

// ErrUnknownJob is returned by SubscribeJob for an unrecognized job id
// (spec §4.5: "on connect with an unknown jobId, emit one error frame and
// close").
var ErrUnknownJob = errors.New("unknown job")

// Subscriber is one per-connection bounded frame queue (spec §4.5
// "Backpressure"). Producers call push; consumers call next in a loop
// until it reports closed.
type Subscriber struct {
	mu       sync.Mutex
	buffer   []Frame
	capacity int
	closed   bool
	notify   chan struct{}
}

func newSubscriber(capacity int) *Subscriber {
	return &Subscriber{capacity: capacity, notify: make(chan struct{}, 1)}
}

func isTerminalFrame(f Frame) bool {
	switch f["event_type"] {
	case "task_completed", "task_failed":
		return true
	case "job_status_changed":
		switch f["status"] {
		case "COMPLETED", "FAILED", "CANCELED":
			return true
		}
	}
	return false
}

// push enqueues f. When the queue is full, the oldest non-terminal frame
// is dropped and a single backpressure marker is appended in its place
// (spec §4.5). Terminal frames are never dropped, so the queue may grow
// past capacity when every buffered frame is terminal.
func (s *Subscriber) push(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.buffer) >= s.capacity {
		for i, existing := range s.buffer {
			if !isTerminalFrame(existing) {
				s.buffer = append(s.buffer[:i], s.buffer[i+1:]...)
				s.buffer = append(s.buffer, nowFrame("backpressure", nil))
				break
			}
		}
	}
	s.buffer = append(s.buffer, f)
	s.signal()
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close marks the subscriber closed; buffered frames already queued are
// still delivered, but Next returns false once drained.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.signal()
	}
	s.mu.Unlock()
}

// Next blocks until a frame is available, the subscriber is closed and
// drained, or ctx is canceled.
func (s *Subscriber) Next(ctx context.Context) (Frame, bool) {
	for {
		s.mu.Lock()
		if len(s.buffer) > 0 {
			f := s.buffer[0]
			s.buffer = s.buffer[1:]
			s.mu.Unlock()
			return f, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-s.notify:
		}
	}
}

// SubscribeJob opens a per-job subscription: an initial job_status
// snapshot followed by every subsequent job-stream entry (spec §4.5).
func (g *Gateway) SubscribeJob(ctx context.Context, jobID string) (*Subscriber, error) {
	job, ok, err := g.executor.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownJob
	}

	taskIDs, err := g.executor.JobTaskIDs(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tasks := make([]any, 0, len(taskIDs))
	for _, tid := range taskIDs {
		if t, ok, err := g.executor.GetTask(ctx, tid); err == nil && ok {
			tasks = append(tasks, t)
		}
	}

	sub := newSubscriber(g.queueSize)
	sub.push(nowFrame("job_status", Frame{"job": job, "tasks": tasks}))

	go g.tailStream(ctx, store.JobStream(jobID), sub)
	return sub, nil
}

// SubscribeGlobal opens a global subscription: an initial connected
// frame followed by every job-scoped event plus agent health/discovery
// and routing events (spec §4.5).
func (g *Gateway) SubscribeGlobal(ctx context.Context) *Subscriber {
	sub := newSubscriber(g.queueSize)
	sub.push(nowFrame("connected", nil))

	for _, stream := range []string{
		store.StreamGlobalJobEvents,
		store.StreamAgentHealthEvents,
		store.StreamAgentDiscoveryEvents,
		store.StreamRoutingDecisions,
	} {
		go g.tailStream(ctx, stream, sub)
	}
	return sub
}

// tailStream polls stream from its current tail, decoding each entry into
// a Frame and pushing it to sub. When the poll times out with nothing new
// it pushes a keepalive pong frame, satisfying §4.5's "periodic pings"
// without inventing an event type outside the defined set.
func (g *Gateway) tailStream(ctx context.Context, stream string, sub *Subscriber) {
	lastID := g.latestEntryID(ctx, stream)
	for {
		select {
		case <-ctx.Done():
			sub.Close()
			return
		default:
		}

		entries, err := g.store.ReadFrom(ctx, stream, lastID, 100, g.pingEvery)
		if err != nil {
			if g.logger != nil {
				g.logger.Warn("tail stream failed", zap.String("stream", stream), zap.Error(err))
			}
			sub.Close()
			return
		}
		if len(entries) == 0 {
			sub.push(nowFrame("pong", nil))
			continue
		}
		for _, e := range entries {
			lastID = e.ID
			sub.push(decodeEntryFrame(e))
		}
	}
}

func (g *Gateway) latestEntryID(ctx context.Context, stream string) int64 {
	entries, err := g.store.ReadFrom(ctx, stream, 0, 1000000, 0)
	if err != nil || len(entries) == 0 {
		return 0
	}
	return entries[len(entries)-1].ID
}

// decodeEntryFrame converts a raw log entry into a wire frame, decoding
// known JSON-blob fields (progress, result) back into structures so
// clients never see double-encoded JSON strings (spec §4.5).
func decodeEntryFrame(e store.Entry) Frame {
	f := Frame{}
	for k, v := range e.Fields {
		f[k] = v
	}
	for _, key := range []string{"progress", "progress_summary", "result"} {
		raw, ok := f[key].(string)
		if !ok || raw == "" {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err == nil {
			f[key] = decoded
		}
	}
	if _, ok := f["timestamp"]; !ok {
		f["timestamp"] = time.Now().Format(time.RFC3339Nano)
	}
	return f
}
