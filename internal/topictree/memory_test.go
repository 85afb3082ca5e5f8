package topictree_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtarling/topicmirror/internal/pubsub"
	"github.com/jtarling/topicmirror/internal/topictree"
)

func newTestTree(t *testing.T, opts ...topictree.TreeOption) *topictree.Tree {
	t.Helper()
	bridge := pubsub.NewWatermillBridge()
	t.Cleanup(func() { _ = bridge.Close() })
	return topictree.NewTree(bridge, bridge, opts...)
}

// notificationRecorder collects notifications concurrently-safely.
type notificationRecorder struct {
	mu     sync.Mutex
	events []topictree.Notification
}

func (r *notificationRecorder) handler(ctx context.Context, n topictree.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, n)
}

func (r *notificationRecorder) snapshot() []topictree.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]topictree.Notification(nil), r.events...)
}

func TestTreeSetRemoveExists(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	ok, err := tree.Exists(ctx, "cdn/a.json")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{"a":1}`)))

	ok, err = tree.Exists(ctx, "cdn/a.json")
	require.NoError(t, err)
	assert.True(t, ok)

	value, ok := tree.Value("cdn/a.json")
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(value))

	require.NoError(t, tree.Remove(ctx, "cdn/a.json"))
	ok, err = tree.Exists(ctx, "cdn/a.json")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing an already-absent topic is not an error.
	require.NoError(t, tree.Remove(ctx, "cdn/a.json"))
}

func TestTreeNotifications(t *testing.T) {
	t.Run("existing topics are delivered as selected before registration returns", func(t *testing.T) {
		ctx := context.Background()
		tree := newTestTree(t)
		require.NoError(t, tree.Set(ctx, "cdn/b.json", []byte(`{}`)))
		require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{}`)))
		require.NoError(t, tree.Set(ctx, "other/x.json", []byte(`{}`)))

		rec := &notificationRecorder{}
		reg, err := tree.Notifications(ctx, topictree.SubtreeSelector("cdn"), rec.handler)
		require.NoError(t, err)
		defer reg.Close()

		assert.Equal(t, []topictree.Notification{
			{Kind: topictree.KindSelected, Path: "cdn/a.json"},
			{Kind: topictree.KindSelected, Path: "cdn/b.json"},
		}, rec.snapshot(), "initial batch delivers existing matching topics in path order")
	})

	t.Run("added and removed are delivered for matching paths only", func(t *testing.T) {
		ctx := context.Background()
		tree := newTestTree(t)

		rec := &notificationRecorder{}
		reg, err := tree.Notifications(ctx, topictree.SubtreeSelector("cdn"), rec.handler)
		require.NoError(t, err)
		defer reg.Close()

		require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{}`)))
		require.NoError(t, tree.Set(ctx, "other/x.json", []byte(`{}`)))
		require.NoError(t, tree.Remove(ctx, "cdn/a.json"))

		assert.Equal(t, []topictree.Notification{
			{Kind: topictree.KindAdded, Path: "cdn/a.json"},
			{Kind: topictree.KindRemoved, Path: "cdn/a.json"},
		}, rec.snapshot())
	})

	t.Run("updating an existing topic does not re-notify", func(t *testing.T) {
		ctx := context.Background()
		tree := newTestTree(t)
		require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{"v":1}`)))

		rec := &notificationRecorder{}
		reg, err := tree.Notifications(ctx, topictree.SubtreeSelector("cdn"), rec.handler)
		require.NoError(t, err)
		defer reg.Close()

		require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{"v":2}`)))
		assert.Equal(t, []topictree.Notification{
			{Kind: topictree.KindSelected, Path: "cdn/a.json"},
		}, rec.snapshot())
	})

	t.Run("closed registration receives nothing further", func(t *testing.T) {
		ctx := context.Background()
		tree := newTestTree(t)

		rec := &notificationRecorder{}
		reg, err := tree.Notifications(ctx, topictree.SubtreeSelector("cdn"), rec.handler)
		require.NoError(t, err)
		require.NoError(t, reg.Close())

		require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{}`)))
		assert.Empty(t, rec.snapshot())
	})
}

func TestTreeMissingTopicRequests(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)

	var requested []string
	reg, err := tree.OnMissingTopic(ctx, topictree.SubtreeSelector("cdn"),
		func(ctx context.Context, req *topictree.MissingTopicRequest) {
			requested = append(requested, req.Path)
			require.NoError(t, tree.Set(ctx, req.Path, []byte(`{"on":"demand"}`)))
			req.Proceed()
		})
	require.NoError(t, err)
	defer reg.Close()

	var received [][]byte
	var mu sync.Mutex
	err = tree.Subscribe(ctx, "session-1", topictree.PathSelector("cdn/new.json"),
		func(ctx context.Context, path string, value []byte) {
			mu.Lock()
			defer mu.Unlock()
			received = append(received, value)
		})
	require.NoError(t, err)

	assert.Equal(t, []string{"cdn/new.json"}, requested,
		"subscribing to an absent topic should fire the missing-topic handler")

	ok, err := tree.Exists(ctx, "cdn/new.json")
	require.NoError(t, err)
	assert.True(t, ok, "the handler created the topic before the subscription attached")

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, received, "the current value is delivered on subscribe")
	assert.JSONEq(t, `{"on":"demand"}`, string(received[0]))
}

func TestTreeSubscribeStreamsUpdates(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)
	require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{"v":1}`)))

	var mu sync.Mutex
	values := map[string][]string{}
	err := tree.Subscribe(ctx, "session-1", topictree.SubtreeSelector("cdn"),
		func(ctx context.Context, path string, value []byte) {
			mu.Lock()
			defer mu.Unlock()
			values[path] = append(values[path], string(value))
		})
	require.NoError(t, err)

	require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{"v":2}`)))
	require.NoError(t, tree.Set(ctx, "other/x.json", []byte(`{}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values["cdn/a.json"]) >= 2
	}, 2*time.Second, 10*time.Millisecond, "update should reach the subscriber over the bus")

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"v":1}`, values["cdn/a.json"][0], "current value first")
	assert.JSONEq(t, `{"v":2}`, values["cdn/a.json"][1], "then the update")
	assert.Empty(t, values["other/x.json"], "values outside the selector are filtered out")
}

func TestTreeSubscriberCounts(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)
	require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{}`)))

	noop := func(ctx context.Context, path string, value []byte) {}

	require.NoError(t, tree.Subscribe(ctx, "s1", topictree.SubtreeSelector("cdn"), noop))
	require.NoError(t, tree.Subscribe(ctx, "s2", topictree.PathSelector("cdn/a.json"), noop))
	assert.Equal(t, 2, tree.Subscribers("cdn/a.json"))

	// A session counts once per topic no matter how many selectors match.
	require.NoError(t, tree.Subscribe(ctx, "s1", topictree.PathSelector("cdn/a.json"), noop))
	assert.Equal(t, 2, tree.Subscribers("cdn/a.json"))

	require.NoError(t, tree.CloseSession(ctx, "s1"))
	assert.Equal(t, 1, tree.Subscribers("cdn/a.json"))

	require.NoError(t, tree.CloseSession(ctx, "s2"))
	assert.Equal(t, 0, tree.Subscribers("cdn/a.json"))
}

func TestTreeCloseSessionStopsDelivery(t *testing.T) {
	ctx := context.Background()
	tree := newTestTree(t)
	require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{"v":1}`)))

	var mu sync.Mutex
	delivered := 0
	err := tree.Subscribe(ctx, "s1", topictree.SubtreeSelector("cdn"),
		func(ctx context.Context, path string, value []byte) {
			mu.Lock()
			defer mu.Unlock()
			delivered++
		})
	require.NoError(t, err)

	require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{"v":2}`)))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 2
	}, 2*time.Second, 10*time.Millisecond, "current value plus one update before the close")

	require.NoError(t, tree.CloseSession(ctx, "s1"))
	assert.Zero(t, tree.Subscribers("cdn/a.json"))

	require.NoError(t, tree.Set(ctx, "cdn/a.json", []byte(`{"v":3}`)))
	assert.Never(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered != 2
	}, 300*time.Millisecond, 25*time.Millisecond,
		"a closed session must not keep receiving topic updates")
}

func TestTreeExpireIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tree := newTestTree(t, topictree.WithNow(func() time.Time { return now }))

	policy := topictree.RemovalPolicy{Subscriptions: 1, For: time.Minute}
	require.NoError(t, tree.Set(ctx, "cdn/idle.json", []byte(`{}`), topictree.WithRemovalPolicy(policy)))
	require.NoError(t, tree.Set(ctx, "cdn/pinned.json", []byte(`{}`)))

	t.Run("not yet eligible", func(t *testing.T) {
		removed := tree.ExpireIdle(ctx, now.Add(30*time.Second))
		assert.Empty(t, removed)
	})

	t.Run("removed after the full window with no subscribers", func(t *testing.T) {
		removed := tree.ExpireIdle(ctx, now.Add(time.Minute))
		assert.Equal(t, []string{"cdn/idle.json"}, removed)

		ok, err := tree.Exists(ctx, "cdn/idle.json")
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tree.Exists(ctx, "cdn/pinned.json")
		require.NoError(t, err)
		assert.True(t, ok, "topics without a policy are never expired")
	})

	t.Run("a subscriber resets the window", func(t *testing.T) {
		require.NoError(t, tree.Set(ctx, "cdn/busy.json", []byte(`{}`), topictree.WithRemovalPolicy(policy)))
		noop := func(ctx context.Context, path string, value []byte) {}
		require.NoError(t, tree.Subscribe(ctx, "s1", topictree.PathSelector("cdn/busy.json"), noop))

		removed := tree.ExpireIdle(ctx, now.Add(time.Hour))
		assert.Empty(t, removed, "a subscribed topic never becomes eligible")

		// The window restarts when the last subscriber leaves.
		now = now.Add(time.Hour)
		require.NoError(t, tree.CloseSession(ctx, "s1"))

		removed = tree.ExpireIdle(ctx, now.Add(30*time.Second))
		assert.Empty(t, removed)
		removed = tree.ExpireIdle(ctx, now.Add(time.Minute))
		assert.Equal(t, []string{"cdn/busy.json"}, removed)
	})
}
