package topictree

import (
	"context"
)

// NotificationKind classifies a topic-tree notification.
type NotificationKind string

const (
	// KindAdded reports a topic created after the listener registered.
	KindAdded NotificationKind = "added"
	// KindRemoved reports a topic removed from the tree.
	KindRemoved NotificationKind = "removed"
	// KindSelected reports a topic that already existed when the listener
	// registered, or that entered the listener's selection.
	KindSelected NotificationKind = "selected"
	// KindDeselected reports a topic that left the listener's selection.
	KindDeselected NotificationKind = "deselected"
)

// Notification is a single topic-tree event delivered to a registered listener.
type Notification struct {
	Kind NotificationKind
	Path string
}

// NotificationHandler processes topic-tree notifications. Handlers for one
// registration are invoked sequentially in delivery order.
type NotificationHandler func(ctx context.Context, n Notification)

// MissingTopicRequest is issued when a client asks for a topic that does not
// currently exist. Proceed must be invoked, successfully handled or not, to
// unblock the waiting subscriber.
type MissingTopicRequest struct {
	Path      string
	proceeded bool
}

// Proceed tells the server to continue with the original request.
func (r *MissingTopicRequest) Proceed() {
	r.proceeded = true
}

// Proceeded reports whether Proceed has been invoked.
func (r *MissingTopicRequest) Proceeded() bool {
	return r.proceeded
}

// MissingTopicHandler reacts to a missing-topic request, typically by
// creating the topic on demand.
type MissingTopicHandler func(ctx context.Context, req *MissingTopicRequest)

// ValueHandler receives the current value of a subscribed topic, first on
// subscription and then on every update.
type ValueHandler func(ctx context.Context, path string, value []byte)

// Registration is a handle on a registered listener.
type Registration interface {
	// Close unregisters the listener. No further events are delivered.
	Close() error
}

// SetOption configures topic creation during Set.
type SetOption func(*setOptions)

type setOptions struct {
	policy *RemovalPolicy
}

// WithRemovalPolicy attaches a removal policy when Set creates the topic.
// It has no effect on updates to an existing topic.
func WithRemovalPolicy(p RemovalPolicy) SetOption {
	return func(o *setOptions) {
		o.policy = &p
	}
}

// Client is the capability surface of the pub/sub server's topic tree. The
// server itself, its transport, and its delivery guarantees are external;
// everything here is a call across the process boundary.
type Client interface {
	// Set creates or updates the topic at path with the given value.
	Set(ctx context.Context, path string, value []byte, opts ...SetOption) error

	// Remove deletes the topic at path. Removing an already-absent topic is
	// not an error.
	Remove(ctx context.Context, path string) error

	// Exists reports whether a topic currently exists at path.
	Exists(ctx context.Context, path string) (bool, error)

	// Notifications registers a listener for topic-tree events matching the
	// selector. Topics that already exist are delivered as "selected" before
	// the call returns; subsequent delivery is asynchronous and unordered
	// with respect to the caller.
	Notifications(ctx context.Context, sel Selector, h NotificationHandler) (Registration, error)

	// OnMissingTopic registers a handler invoked when a client requests a
	// topic matching the selector that does not exist.
	OnMissingTopic(ctx context.Context, sel Selector, h MissingTopicHandler) (Registration, error)

	// Subscribe attaches a session to all topics matching the selector. The
	// handler receives current values and subsequent updates. Subscribing a
	// session to an exact path with no topic triggers missing-topic handling.
	Subscribe(ctx context.Context, sessionID string, sel Selector, h ValueHandler) error

	// CloseSession drops all of a session's subscriptions.
	CloseSession(ctx context.Context, sessionID string) error
}
