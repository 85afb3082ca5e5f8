package topictree

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jtarling/topicmirror/internal/pubsub"
)

const (
	// TopicUpdated is the bus topic carrying every topic value update.
	TopicUpdated = "topictree.updated"

	// metaKeyPath carries the topic path of a value update message.
	metaKeyPath = "path"
)

// topicState is the tree's record of a single topic.
type topicState struct {
	value       []byte
	policy      *RemovalPolicy
	subscribers int
	// belowSince is the start of the current window in which the subscriber
	// count has been below the policy threshold. Zero when at or above it,
	// or when no policy is attached.
	belowSince time.Time
}

type treeListener struct {
	sel Selector
	h   NotificationHandler
}

type missingListener struct {
	sel Selector
	h   MissingTopicHandler
}

// sessionState records a session's selectors and the cancel functions tearing
// down its bus subscriptions.
type sessionState struct {
	sels    []Selector
	cancels []context.CancelFunc
}

// Tree is an in-memory topic tree implementing Client. It stands in for the
// external pub/sub server: value updates fan out over the message bus, and
// topic-tree notifications are delivered to registered listeners in
// registration order.
type Tree struct {
	pub    pubsub.Publisher
	sub    pubsub.Subscriber
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	topics    map[string]*topicState
	listeners map[int]*treeListener
	missing   map[int]*missingListener
	sessions  map[string]*sessionState
	nextID    int
}

// Compile-time interface compliance check
var _ Client = (*Tree)(nil)

// TreeOption configures a Tree.
type TreeOption func(*Tree)

// WithLogger sets the logger used by the tree.
func WithLogger(l *slog.Logger) TreeOption {
	return func(t *Tree) {
		t.logger = l
	}
}

// WithNow overrides the tree's clock. Used by the removal-policy tests.
func WithNow(now func() time.Time) TreeOption {
	return func(t *Tree) {
		t.now = now
	}
}

// NewTree creates an empty in-memory topic tree on top of the given bus.
func NewTree(pub pubsub.Publisher, sub pubsub.Subscriber, opts ...TreeOption) *Tree {
	t := &Tree{
		pub:       pub,
		sub:       sub,
		logger:    slog.Default().With("service", "topictree"),
		now:       time.Now,
		topics:    make(map[string]*topicState),
		listeners: make(map[int]*treeListener),
		missing:   make(map[int]*missingListener),
		sessions:  make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Set creates or updates the topic at path.
func (t *Tree) Set(ctx context.Context, path string, value []byte, opts ...SetOption) error {
	var so setOptions
	for _, opt := range opts {
		opt(&so)
	}

	t.mu.Lock()
	st, existed := t.topics[path]
	if !existed {
		st = &topicState{policy: so.policy}
		st.subscribers = t.countSubscribersLocked(path)
		t.updateIdleLocked(st)
		t.topics[path] = st
	}
	st.value = value
	t.mu.Unlock()

	if !existed {
		t.notify(ctx, Notification{Kind: KindAdded, Path: path})
	}

	if err := t.pub.Publish(ctx, pubsub.Message{
		Topic:    TopicUpdated,
		Payload:  value,
		Metadata: map[string]string{metaKeyPath: path},
	}); err != nil {
		t.logger.Error("Failed to publish topic update", "path", path, "error", err)
		return err
	}
	return nil
}

// Remove deletes the topic at path. Removing an absent topic is a no-op.
func (t *Tree) Remove(ctx context.Context, path string) error {
	t.mu.Lock()
	_, existed := t.topics[path]
	delete(t.topics, path)
	t.mu.Unlock()

	if existed {
		t.notify(ctx, Notification{Kind: KindRemoved, Path: path})
	}
	return nil
}

// Exists reports whether a topic currently exists at path.
func (t *Tree) Exists(ctx context.Context, path string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.topics[path]
	return ok, nil
}

// Value returns the current value of a topic, if present.
func (t *Tree) Value(path string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.topics[path]
	if !ok {
		return nil, false
	}
	return st.value, true
}

// Policy returns the removal policy attached to a topic, if any.
func (t *Tree) Policy(path string) (RemovalPolicy, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.topics[path]
	if !ok || st.policy == nil {
		return RemovalPolicy{}, false
	}
	return *st.policy, true
}

type registration struct {
	close func()
}

func (r *registration) Close() error {
	r.close()
	return nil
}

// Notifications registers a topic-tree listener. Existing topics matching the
// selector are delivered as "selected" before the call returns.
func (t *Tree) Notifications(ctx context.Context, sel Selector, h NotificationHandler) (Registration, error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = &treeListener{sel: sel, h: h}

	existing := make([]string, 0)
	for path := range t.topics {
		if sel.Matches(path) {
			existing = append(existing, path)
		}
	}
	t.mu.Unlock()

	// Deterministic initial batch order.
	sort.Strings(existing)
	for _, path := range existing {
		h(ctx, Notification{Kind: KindSelected, Path: path})
	}

	return &registration{close: func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}}, nil
}

// OnMissingTopic registers a handler for requests against absent topics
// matching the selector.
func (t *Tree) OnMissingTopic(ctx context.Context, sel Selector, h MissingTopicHandler) (Registration, error) {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.missing[id] = &missingListener{sel: sel, h: h}
	t.mu.Unlock()

	return &registration{close: func() {
		t.mu.Lock()
		delete(t.missing, id)
		t.mu.Unlock()
	}}, nil
}

// Subscribe attaches a session to topics matching the selector. The handler
// is called with current values before streaming begins.
func (t *Tree) Subscribe(ctx context.Context, sessionID string, sel Selector, h ValueHandler) error {
	// A request for one specific topic that does not exist gives missing-topic
	// handlers a chance to create it before the subscription attaches.
	if sel.IsPath() {
		if ok, _ := t.Exists(ctx, sel.Path()); !ok {
			t.requestMissing(ctx, sel.Path())
		}
	}

	// Each subscription gets a context canceled by CloseSession so the bus
	// subscription does not outlive the session.
	subCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	sess, ok := t.sessions[sessionID]
	if !ok {
		sess = &sessionState{}
		t.sessions[sessionID] = sess
	}
	sess.sels = append(sess.sels, sel)
	sess.cancels = append(sess.cancels, cancel)
	type current struct {
		path  string
		value []byte
	}
	matched := make([]current, 0)
	for path, st := range t.topics {
		if sel.Matches(path) {
			st.subscribers = t.countSubscribersLocked(path)
			t.updateIdleLocked(st)
			matched = append(matched, current{path: path, value: st.value})
		}
	}
	t.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].path < matched[j].path })
	for _, c := range matched {
		h(ctx, c.path, c.value)
	}

	err := t.sub.Subscribe(subCtx, TopicUpdated, func(ctx context.Context, msg pubsub.Message) error {
		// Messages already in flight when the session closed are dropped.
		if subCtx.Err() != nil {
			return nil
		}
		path := msg.Metadata[metaKeyPath]
		if sel.Matches(path) {
			h(ctx, path, msg.Payload)
		}
		return nil
	})
	if err != nil {
		cancel()
		return err
	}
	return nil
}

// CloseSession drops all subscriptions held by a session. The session's bus
// subscriptions are canceled before the call returns; its handlers receive no
// further updates.
func (t *Tree) CloseSession(ctx context.Context, sessionID string) error {
	t.mu.Lock()
	sess := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	var sels []Selector
	var cancels []context.CancelFunc
	if sess != nil {
		sels = sess.sels
		cancels = sess.cancels
	}
	for path, st := range t.topics {
		for _, sel := range sels {
			if sel.Matches(path) {
				st.subscribers = t.countSubscribersLocked(path)
				t.updateIdleLocked(st)
				break
			}
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}

// Subscribers returns the current subscription count for a topic path.
func (t *Tree) Subscribers(path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countSubscribersLocked(path)
}

// ExpireIdle removes every topic whose removal-policy window has elapsed at
// the given instant and returns the removed paths.
func (t *Tree) ExpireIdle(ctx context.Context, now time.Time) []string {
	t.mu.Lock()
	expired := make([]string, 0)
	for path, st := range t.topics {
		if st.policy == nil || st.belowSince.IsZero() {
			continue
		}
		if now.Sub(st.belowSince) >= st.policy.For {
			delete(t.topics, path)
			expired = append(expired, path)
		}
	}
	t.mu.Unlock()

	sort.Strings(expired)
	for _, path := range expired {
		t.logger.Info("Removed idle topic", "path", path)
		t.notify(ctx, Notification{Kind: KindRemoved, Path: path})
	}
	return expired
}

// StartSweeper periodically applies removal policies until the context ends.
func (t *Tree) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				t.ExpireIdle(ctx, now)
			}
		}
	}()
}

// requestMissing invokes registered missing-topic handlers for a path. The
// protocol requires every request to proceed; a handler that forgets is
// logged so the bug is visible.
func (t *Tree) requestMissing(ctx context.Context, path string) {
	t.mu.Lock()
	handlers := make([]MissingTopicHandler, 0, len(t.missing))
	for _, ml := range t.missing {
		if ml.sel.Matches(path) {
			handlers = append(handlers, ml.h)
		}
	}
	t.mu.Unlock()

	for _, h := range handlers {
		req := &MissingTopicRequest{Path: path}
		h(ctx, req)
		if !req.proceeded {
			t.logger.Warn("Missing-topic handler did not proceed", "path", path)
		}
	}
}

// notify delivers a notification to every listener whose selector matches.
// Handlers run outside the tree lock so they may call back into the tree.
func (t *Tree) notify(ctx context.Context, n Notification) {
	t.mu.Lock()
	handlers := make([]NotificationHandler, 0, len(t.listeners))
	for _, l := range t.listeners {
		if l.sel.Matches(n.Path) {
			handlers = append(handlers, l.h)
		}
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(ctx, n)
	}
}

// countSubscribersLocked counts sessions holding a selector matching path.
func (t *Tree) countSubscribersLocked(path string) int {
	count := 0
	for _, sess := range t.sessions {
		for _, sel := range sess.sels {
			if sel.Matches(path) {
				count++
				break
			}
		}
	}
	return count
}

// updateIdleLocked opens or closes a topic's below-threshold window after a
// subscriber-count change.
func (t *Tree) updateIdleLocked(st *topicState) {
	if st.policy == nil {
		return
	}
	if st.subscribers < st.policy.Subscriptions {
		if st.belowSince.IsZero() {
			st.belowSince = t.now()
		}
	} else {
		st.belowSince = time.Time{}
	}
}
