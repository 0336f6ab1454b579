package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowgrid-dev/flowgrid/internal/bus"
	"github.com/flowgrid-dev/flowgrid/pkg/logging"
	"github.com/flowgrid-dev/flowgrid/pkg/observability"
)

// HeartbeatTopic is the event topic shells publish health snapshots to.
const HeartbeatTopic = "agent_health"

// EventHandler receives EVENT/ALERT/COMMAND messages on subscribed
// topics.
type EventHandler func(ctx context.Context, msg *bus.Message)

// Shell is the runtime wrapper every capability implementation plugs
// into. It owns the capability table, subscribes the bus on start, and
// tracks lifecycle state and health counters. Agents never call each
// other directly; all traffic flows through the shell's dispatch path.
type Shell struct {
	meta Metadata
	bus  *bus.Bus
	log  *slog.Logger

	handlers map[string]Handler
	onEvent  EventHandler
	limiter  *rate.Limiter

	heartbeatEvery time.Duration

	mu        sync.Mutex
	state     State
	status    Status
	processed int64
	errors    int64
	lastSeen  time.Time
	startedAt time.Time
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// ShellOption configures a Shell.
type ShellOption func(*Shell)

// WithShellLogger sets the shell logger.
func WithShellLogger(l *slog.Logger) ShellOption {
	return func(s *Shell) { s.log = l }
}

// WithEventHandler sets the handler invoked for messages on the
// metadata's subscribed topics.
func WithEventHandler(h EventHandler) ShellOption {
	return func(s *Shell) { s.onEvent = h }
}

// WithRateLimit throttles incoming requests to rps with the given
// burst. Requests over the limit receive an error response.
func WithRateLimit(rps float64, burst int) ShellOption {
	return func(s *Shell) { s.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithHeartbeat publishes periodic health events on HeartbeatTopic.
func WithHeartbeat(every time.Duration) ShellOption {
	return func(s *Shell) { s.heartbeatEvery = every }
}

// NewShell wraps a capability table in a runtime shell. Every
// capability declared in the metadata must have a handler and vice
// versa; a mismatch is a construction-time error, so an unknown
// capability can never reach dispatch.
func NewShell(meta Metadata, b *bus.Bus, handlers map[string]Handler, opts ...ShellOption) (*Shell, error) {
	declared := make(map[string]bool, len(meta.Capabilities))
	for _, c := range meta.Capabilities {
		declared[c.Name] = true
		if handlers[c.Name] == nil {
			return nil, fmt.Errorf("agent %q: capability %q has no handler", meta.AgentID, c.Name)
		}
	}
	for name := range handlers {
		if !declared[name] {
			return nil, fmt.Errorf("agent %q: handler %q not declared in metadata", meta.AgentID, name)
		}
	}

	s := &Shell{
		meta:     meta,
		bus:      b,
		handlers: handlers,
		state:    StateCreated,
		status:   StatusIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.Component(s.log, "agent").With("agent_id", meta.AgentID)
	return s, nil
}

// Metadata returns the immutable agent description.
func (s *Shell) Metadata() Metadata { return s.meta }

// Start subscribes the shell to the bus and transitions it to running.
// Every capability name becomes a request topic bound to the dispatch
// path; every subscribed topic is bound to the event handler.
func (s *Shell) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRunning || s.state == StateInitializing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateInitializing
	s.startedAt = time.Now()
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	for _, c := range s.meta.Capabilities {
		s.bus.Subscribe(c.Name, s.meta.AgentID, s.handleRequest)
	}
	for _, topic := range s.meta.SubscribesTo {
		s.bus.Subscribe(topic, s.meta.AgentID, s.handleEvent)
	}

	if s.heartbeatEvery > 0 {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}

	s.mu.Lock()
	s.state = StateRunning
	s.status = StatusIdle
	s.mu.Unlock()

	s.log.Info("agent started", "capabilities", len(s.meta.Capabilities))
	return nil
}

// Stop unsubscribes every topic the shell registered and transitions to
// stopped. It is idempotent.
func (s *Shell) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateCreated {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	stopCh := s.stopCh
	s.mu.Unlock()

	for _, c := range s.meta.Capabilities {
		s.bus.Unsubscribe(c.Name, s.meta.AgentID)
	}
	for _, topic := range s.meta.SubscribesTo {
		s.bus.Unsubscribe(topic, s.meta.AgentID)
	}

	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.status = StatusStopped
	s.mu.Unlock()

	s.log.Info("agent stopped")
	return nil
}

// State returns the current lifecycle state.
func (s *Shell) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Health returns a snapshot of the shell's counters.
func (s *Shell) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Health{
		AgentID:           s.meta.AgentID,
		Status:            s.status,
		MessagesProcessed: s.processed,
		Errors:            s.errors,
		LastActivityAt:    s.lastSeen,
	}
	if !s.startedAt.IsZero() {
		h.UptimeSeconds = time.Since(s.startedAt).Seconds()
	}
	return h
}

// PublishEvent publishes an event from this agent.
func (s *Shell) PublishEvent(ctx context.Context, topic string, data map[string]any) {
	s.bus.Publish(ctx, bus.NewEvent(s.meta.AgentID, topic, data))
}

// PublishAlert publishes an alert from this agent.
func (s *Shell) PublishAlert(ctx context.Context, topic string, data map[string]any) {
	s.bus.Publish(ctx, bus.NewAlert(s.meta.AgentID, topic, data))
}

// Request sends a request to another agent through the bus and waits
// for its response data.
func (s *Shell) Request(ctx context.Context, toAgent, topic string, data map[string]any, timeout time.Duration) (map[string]any, error) {
	resp, err := s.bus.Request(ctx, s.meta.AgentID, toAgent, topic, data, timeout)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// handleRequest is the dispatch entry point bound to capability topics.
func (s *Shell) handleRequest(ctx context.Context, msg *bus.Message) {
	if msg.Type != bus.TypeRequest {
		return
	}
	if msg.FromAgent == s.meta.AgentID {
		return
	}
	if msg.ToAgent != "" && msg.ToAgent != s.meta.AgentID {
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.bus.Respond(ctx, msg, s.meta.AgentID, map[string]any{
			"error": fmt.Sprintf("agent %q rejected request: rate limit exceeded", s.meta.AgentID),
		})
		return
	}

	data, err := s.dispatch(ctx, msg)
	if err != nil {
		s.bus.Respond(ctx, msg, s.meta.AgentID, map[string]any{"error": err.Error()})
		return
	}
	s.bus.Respond(ctx, msg, s.meta.AgentID, data)
}

// dispatch looks up the capability named by the topic and runs its
// handler. Failures are returned as errors, never propagated as panics
// to the bus.
func (s *Shell) dispatch(ctx context.Context, msg *bus.Message) (data map[string]any, err error) {
	handler, ok := s.handlers[msg.Topic]
	if !ok {
		observability.RecordAgentDispatch(s.meta.AgentID, msg.Topic, "not_found", 0)
		return nil, fmt.Errorf("agent %q: %w: %q", s.meta.AgentID, ErrCapabilityNotFound, msg.Topic)
	}

	s.setStatus(StatusBusy)
	started := time.Now()

	defer func() {
		elapsed := time.Since(started).Seconds()
		s.mu.Lock()
		s.lastSeen = time.Now()
		if err != nil {
			s.errors++
			s.status = StatusError
		} else {
			s.processed++
			s.status = StatusIdle
		}
		s.mu.Unlock()

		status := "ok"
		if err != nil {
			status = "error"
		}
		observability.RecordAgentDispatch(s.meta.AgentID, msg.Topic, status, elapsed)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %q: handler %q panicked: %v", s.meta.AgentID, msg.Topic, r)
		}
	}()

	return handler(ctx, msg.Data)
}

// handleEvent routes EVENT/ALERT/COMMAND traffic on subscribed topics.
func (s *Shell) handleEvent(ctx context.Context, msg *bus.Message) {
	if msg.Type == bus.TypeRequest || msg.Type == bus.TypeResponse {
		return
	}
	if msg.FromAgent == s.meta.AgentID {
		return
	}
	if s.onEvent == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.errors++
			s.mu.Unlock()
			s.log.Warn("event handler panicked", "topic", msg.Topic, "panic", r)
		}
	}()
	s.onEvent(ctx, msg)
}

func (s *Shell) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Shell) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			h := s.Health()
			s.PublishEvent(context.Background(), HeartbeatTopic, map[string]any{
				"agent_id":           h.AgentID,
				"status":             string(h.Status),
				"messages_processed": h.MessagesProcessed,
				"errors":             h.Errors,
				"uptime_seconds":     h.UptimeSeconds,
			})
		}
	}
}
