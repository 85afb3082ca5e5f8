// Package session reacts to session lifecycle events on the bus. The
// listener auto-subscribes every session whose ROLE property matches a
// configured role to a topic selector, and drops the subscriptions again
// when the session closes.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jtarling/topicmirror/internal/pubsub"
	"github.com/jtarling/topicmirror/internal/topictree"
)

// Listener watches session open/close events and manages subscriptions for
// sessions matching its role.
type Listener struct {
	role     string
	selector topictree.Selector
	client   topictree.Client
	logger   *slog.Logger

	mu      sync.Mutex
	matched map[string]struct{}
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithLogger sets the logger used by the listener.
func WithLogger(l *slog.Logger) ListenerOption {
	return func(s *Listener) {
		s.logger = l
	}
}

// NewListener creates a listener that subscribes sessions carrying the given
// ROLE property value to the selector.
func NewListener(role string, sel topictree.Selector, client topictree.Client, opts ...ListenerOption) *Listener {
	l := &Listener{
		role:     role,
		selector: sel,
		client:   client,
		logger:   slog.Default().With("service", "session-listener"),
		matched:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start subscribes to session lifecycle topics on the bus. It returns once
// both subscriptions are registered; event handling runs in the background.
func (l *Listener) Start(ctx context.Context, sub pubsub.Subscriber) error {
	if err := sub.Subscribe(ctx, TopicOpened, l.handleOpened); err != nil {
		return fmt.Errorf("subscribing to %s: %w", TopicOpened, err)
	}
	if err := sub.Subscribe(ctx, TopicClosed, l.handleClosed); err != nil {
		return fmt.Errorf("subscribing to %s: %w", TopicClosed, err)
	}

	l.logger.Info("Session listener started", "role", l.role, "selector", l.selector.String())
	return nil
}

func (l *Listener) handleOpened(ctx context.Context, msg pubsub.Message) error {
	var event Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		l.logger.Error("Failed to unmarshal session opened event", "error", err)
		return nil
	}

	if event.Properties[PropertyRole] != l.role {
		l.logger.Debug("Session role does not match, ignoring",
			"session_id", event.SessionID,
			"role", event.Properties[PropertyRole])
		return nil
	}

	l.mu.Lock()
	if _, ok := l.matched[event.SessionID]; ok {
		l.mu.Unlock()
		return nil
	}
	l.matched[event.SessionID] = struct{}{}
	l.mu.Unlock()

	handler := func(ctx context.Context, path string, value []byte) {
		l.logger.Debug("Delivering topic value to session",
			"session_id", event.SessionID, "path", path, "bytes", len(value))
	}
	if err := l.client.Subscribe(ctx, event.SessionID, l.selector, handler); err != nil {
		l.logger.Error("Failed to subscribe session",
			"session_id", event.SessionID, "error", err)
		l.mu.Lock()
		delete(l.matched, event.SessionID)
		l.mu.Unlock()
		return nil
	}

	l.logger.Info("Subscribed session",
		"session_id", event.SessionID,
		"role", l.role,
		"selector", l.selector.String())
	return nil
}

func (l *Listener) handleClosed(ctx context.Context, msg pubsub.Message) error {
	var event Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		l.logger.Error("Failed to unmarshal session closed event", "error", err)
		return nil
	}

	l.mu.Lock()
	_, matched := l.matched[event.SessionID]
	delete(l.matched, event.SessionID)
	l.mu.Unlock()

	if !matched {
		return nil
	}

	if err := l.client.CloseSession(ctx, event.SessionID); err != nil {
		l.logger.Error("Failed to close session subscriptions",
			"session_id", event.SessionID, "error", err)
		return nil
	}

	l.logger.Info("Session closed, subscriptions dropped",
		"session_id", event.SessionID, "reason", event.Reason)
	return nil
}

// Matched returns the number of sessions currently auto-subscribed.
func (l *Listener) Matched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.matched)
}

// Announce publishes a session lifecycle event on the bus.
func Announce(ctx context.Context, pub pubsub.Publisher, topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling session event: %w", err)
	}
	return pub.Publish(ctx, pubsub.Message{Topic: topic, Payload: payload})
}
