// Package eventrouter implements C5, the event router: it takes events
// arriving on a runner's attach session and fans them out to subscribers
// keyed by commandId, projectId, or the "status" topic, alongside the
// idempotent database side effects some event types trigger.
//
// Subscribers are kept in a map guarded by an RWMutex: Subscribe and
// Subscription.Close update it from the caller's goroutine, while a single
// goroutine (Run) processes routed events and fans them out. Route is the
// entry point the session's Receiver loop calls; it only enqueues (blocking
// while the intake buffer is full) and never waits on a slow subscriber.
package eventrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentryvibe/runnerbroker/broker/internal/registry"
	"github.com/sentryvibe/runnerbroker/broker/internal/repository"
	"github.com/sentryvibe/runnerbroker/shared/types"
	"github.com/sentryvibe/runnerbroker/shared/wire"
)

const (
	// incomingBufferSize bounds the router's intake queue. Route blocks
	// while this is full, which is how backpressure reaches the session's
	// read loop; a caller that wants to give up should pass a context with
	// a deadline.
	incomingBufferSize = 512

	// subscriberSendDeadline is how long the router waits for a slow
	// subscriber to accept an event before dropping its subscription.
	subscriberSendDeadline = 2 * time.Second

	statusTopic = "status"
)

func commandTopic(commandID string) string { return "cmd:" + commandID }
func projectTopic(projectID string) string { return "project:" + projectID }

// Subscription is a live registration on one topic. Events is the channel
// to read from; call Close when done to release server resources.
type Subscription struct {
	Events <-chan wire.Event
	topic  string
	ch     chan wire.Event
	router *Router
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.router.unsubscribe(s)
}

// AckNotifier is invoked when an ack event arrives, so the dispatcher (C4)
// can wake the pump waiting on it.
type AckNotifier func(commandID string)

type routedEvent struct {
	runnerID uuid.UUID
	event    wire.Event
}

// Router fans runner events out to topic subscribers and drives the
// persistence side effects spec §4.5 requires.
type Router struct {
	incoming chan routedEvent

	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}

	onAck            AckNotifier
	reg              *registry.Registry
	projects         repository.ProjectRepository
	runningProcesses repository.RunningProcessRepository
	logger           *zap.Logger
}

// New returns a Router. onAck is called for every ack event before topic
// fan-out.
func New(onAck AckNotifier, reg *registry.Registry, projects repository.ProjectRepository, runningProcesses repository.RunningProcessRepository, logger *zap.Logger) *Router {
	return &Router{
		incoming:         make(chan routedEvent, incomingBufferSize),
		subscribers:      make(map[string]map[*Subscription]struct{}),
		onAck:            onAck,
		reg:              reg,
		projects:         projects,
		runningProcesses: runningProcesses,
		logger:           logger.Named("eventrouter"),
	}
}

// Run processes incoming events until ctx is cancelled. Call it exactly
// once, in its own goroutine.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case re := <-r.incoming:
			r.handle(ctx, re.runnerID, re.event)
		case <-ctx.Done():
			return
		}
	}
}

// Route enqueues event for processing. It blocks while the intake buffer is
// full — the session's Receiver loop calling this directly is how
// backpressure from a stalled router reaches (and eventually disconnects)
// a misbehaving runner session, per spec §4.5.
func (r *Router) Route(ctx context.Context, runnerID uuid.UUID, event wire.Event) error {
	select {
	case r.incoming <- routedEvent{runnerID: runnerID, event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe registers a new subscription on topic. commandId/projectId
// topics are built with commandTopic/projectTopic; statusTopic is the
// runner-status fan-out.
func (r *Router) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic:  topic,
		ch:     make(chan wire.Event, 32),
		router: r,
	}
	sub.Events = sub.ch

	r.mu.Lock()
	if r.subscribers[topic] == nil {
		r.subscribers[topic] = make(map[*Subscription]struct{})
	}
	r.subscribers[topic][sub] = struct{}{}
	r.mu.Unlock()

	return sub
}

// SubscribeCommand is a convenience wrapper for Subscribe(commandTopic(id)).
func (r *Router) SubscribeCommand(commandID string) *Subscription { return r.Subscribe(commandTopic(commandID)) }

// SubscribeProject is a convenience wrapper for Subscribe(projectTopic(id)).
func (r *Router) SubscribeProject(projectID string) *Subscription { return r.Subscribe(projectTopic(projectID)) }

// SubscribeStatus is a convenience wrapper for Subscribe(statusTopic).
func (r *Router) SubscribeStatus() *Subscription { return r.Subscribe(statusTopic) }

func (r *Router) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[sub.topic]
	if !ok {
		return
	}
	if _, present := set[sub]; present {
		delete(set, sub)
		close(sub.ch)
		if len(set) == 0 {
			delete(r.subscribers, sub.topic)
		}
	}
}

// publish delivers event to every subscriber of topic. A subscriber that
// cannot accept it within subscriberSendDeadline is dropped — a slow
// consumer never stalls delivery to the rest.
func (r *Router) publish(topic string, event wire.Event) {
	r.mu.RLock()
	set := r.subscribers[topic]
	targets := make([]*Subscription, 0, len(set))
	for s := range set {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- event:
		case <-time.After(subscriberSendDeadline):
			r.logger.Warn("dropping slow event subscriber", zap.String("topic", topic))
			r.unsubscribe(sub)
		}
	}
}

func (r *Router) handle(ctx context.Context, runnerID uuid.UUID, event wire.Event) {
	switch event.Type {
	case types.EventAck:
		var payload wire.AckPayload
		if err := json.Unmarshal(event.Payload, &payload); err == nil && r.onAck != nil {
			r.onAck(payload.CommandID)
		}
		r.publish(commandTopic(event.CommandID), event)

	case types.EventLogChunk, types.EventBuildProgress, types.EventBuildStream,
		types.EventBuildCompleted, types.EventBuildFailed:
		r.publish(commandTopic(event.CommandID), event)

	case types.EventPortDetected:
		r.publish(projectTopic(event.ProjectID), event)
		r.persistPortDetected(ctx, event)

	case types.EventTunnelCreated:
		r.publish(projectTopic(event.ProjectID), event)
		r.persistTunnelCreated(ctx, event)

	case types.EventTunnelClosed:
		r.publish(projectTopic(event.ProjectID), event)
		// No persisted field to clear beyond what ProcessExited already
		// clears; tunnel closure alone does not imply the dev server died.

	case types.EventProcessExited:
		r.publish(projectTopic(event.ProjectID), event)
		r.persistProcessExited(ctx, event)

	case types.EventRunnerStatus:
		r.publish(statusTopic, event)
		if err := r.reg.BroadcastStatus(runnerID); err != nil {
			r.logger.Debug("heartbeat for unattached runner", zap.String("runner_id", runnerID.String()), zap.Error(err))
		}

	case types.EventError:
		r.publish(commandTopic(event.CommandID), event)
		r.closeCommandTopic(event.CommandID)

	default:
		// Unrecognized event types are delivered on both topics on a
		// best-effort basis so a forward-compatible subscriber still sees
		// them; nothing is persisted.
		if event.CommandID != "" {
			r.publish(commandTopic(event.CommandID), event)
		}
		if event.ProjectID != "" {
			r.publish(projectTopic(event.ProjectID), event)
		}
	}
}

// closeCommandTopic delivers no further events on a command's topic and
// tears down its subscriptions — used after a terminal event.
func (r *Router) closeCommandTopic(commandID string) {
	topic := commandTopic(commandID)
	r.mu.Lock()
	set := r.subscribers[topic]
	delete(r.subscribers, topic)
	r.mu.Unlock()
	for sub := range set {
		close(sub.ch)
	}
}

func (r *Router) persistPortDetected(ctx context.Context, event wire.Event) {
	var payload wire.PortDetectedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		r.logger.Warn("malformed port-detected payload", zap.Error(err))
		return
	}
	projectID, err := uuid.Parse(event.ProjectID)
	if err != nil {
		r.logger.Warn("port-detected event with invalid project id", zap.String("project_id", event.ProjectID))
		return
	}
	if err := r.projects.SetDevServerPort(ctx, projectID, payload.Port); err != nil {
		r.logger.Error("failed to persist detected port", zap.Error(err))
		return
	}
	if err := r.projects.SetDevServerStatus(ctx, projectID, string(types.DevServerRunning)); err != nil {
		r.logger.Error("failed to persist dev server status", zap.Error(err))
	}
}

func (r *Router) persistTunnelCreated(ctx context.Context, event wire.Event) {
	var payload wire.TunnelCreatedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		r.logger.Warn("malformed tunnel-created payload", zap.Error(err))
		return
	}
	projectID, err := uuid.Parse(event.ProjectID)
	if err != nil {
		r.logger.Warn("tunnel-created event with invalid project id", zap.String("project_id", event.ProjectID))
		return
	}
	if err := r.projects.UpdateTunnelURL(ctx, projectID, payload.URL); err != nil {
		r.logger.Error("failed to persist tunnel url", zap.Error(err))
	}
}

func (r *Router) persistProcessExited(ctx context.Context, event wire.Event) {
	var payload wire.ProcessExitedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		r.logger.Warn("malformed process-exited payload", zap.Error(err))
		return
	}
	projectID, err := uuid.Parse(event.ProjectID)
	if err != nil {
		r.logger.Warn("process-exited event with invalid project id", zap.String("project_id", event.ProjectID))
		return
	}

	status := string(types.DevServerFailed)
	if payload.ExitCode == 0 && payload.Signal == "" {
		status = string(types.DevServerStopped)
	}
	if err := r.projects.SetDevServerStatus(ctx, projectID, status); err != nil {
		r.logger.Error("failed to persist dev server status", zap.Error(err))
	}
	if err := r.projects.ClearDevServerRuntime(ctx, projectID); err != nil {
		r.logger.Error("failed to clear dev server runtime", zap.Error(err))
	}
	if err := r.runningProcesses.Delete(ctx, projectID); err != nil {
		r.logger.Error("failed to delete running process record", zap.Error(err))
	}
	if payload.QuickExit {
		msg := fmt.Sprintf("dev server exited quickly (exit code %d)", payload.ExitCode)
		if err := r.projects.SetErrorMessage(ctx, projectID, msg); err != nil {
			r.logger.Error("failed to persist quick-exit error message", zap.Error(err))
		}
	}
}
