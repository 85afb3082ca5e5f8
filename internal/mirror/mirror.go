// Package mirror keeps a subtree of server topics consistent with a
// directory of JSON files, in both directions: file changes on disk are
// pushed as topic updates, and missing-topic requests are satisfied by
// creating topics from matching files on demand.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"github.com/jtarling/topicmirror/internal/topictree"
)

// Mirror tracks the set of topic paths it believes exist under its root and
// mirrors filesystem change events into topic operations. The tracked set is
// the single source of truth for membership; every mutating operation checks
// it before acting so that interleaved filesystem events and server
// notifications cannot cause duplicate creates or double-removes.
type Mirror struct {
	root   string
	fs     afero.Fs
	client topictree.Client
	logger *slog.Logger
	policy topictree.RemovalPolicy

	mu      sync.Mutex
	tracked map[string]struct{}

	reg topictree.Registration
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithLogger sets the logger used by the mirror.
func WithLogger(l *slog.Logger) Option {
	return func(m *Mirror) {
		m.logger = l
	}
}

// WithRemovalPolicy overrides the removal policy attached to created topics.
func WithRemovalPolicy(p topictree.RemovalPolicy) Option {
	return func(m *Mirror) {
		m.policy = p
	}
}

// New creates a mirror for the given root. Topic paths double as
// slash-delimited file paths relative to the filesystem root, so the same
// string addresses both the file and the topic.
func New(root string, fsys afero.Fs, client topictree.Client, opts ...Option) *Mirror {
	m := &Mirror{
		root:    strings.TrimSuffix(root, "/"),
		fs:      fsys,
		client:  client,
		logger:  slog.Default().With("service", "mirror"),
		policy:  topictree.DefaultRemovalPolicy,
		tracked: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize registers for topic-tree notifications under the mirror root.
// The initial batch of currently-existing topics seeds the tracked set before
// Initialize returns; after that, notification delivery is asynchronous.
func (m *Mirror) Initialize(ctx context.Context) error {
	reg, err := m.client.Notifications(ctx, topictree.SubtreeSelector(m.root), m.handleNotification)
	if err != nil {
		return fmt.Errorf("registering topic notifications for %q: %w", m.root, err)
	}
	m.reg = reg

	m.logger.Info("Mirror initialized", "root", m.root, "tracked", len(m.Tracked()))
	return nil
}

// Close unregisters the notification listener.
func (m *Mirror) Close() error {
	if m.reg == nil {
		return nil
	}
	return m.reg.Close()
}

// handleNotification updates the mirror's local view of the topic tree.
// Server-driven adds and removes mutate the tracked set only; the server
// already holds the corresponding topic state.
func (m *Mirror) handleNotification(ctx context.Context, n topictree.Notification) {
	switch n.Kind {
	case topictree.KindAdded, topictree.KindSelected:
		if m.track(n.Path) {
			m.logger.Debug("Tracking topic", "path", n.Path, "kind", n.Kind)
		}
	case topictree.KindRemoved, topictree.KindDeselected:
		if m.untrack(n.Path) {
			m.logger.Debug("Untracking topic", "path", n.Path, "kind", n.Kind)
		}
	}
}

// OnFileChanged mirrors a created or modified file into its topic. The topic
// is created with the removal policy attached if the mirror does not already
// track it. A file that vanished before it could be read is skipped; invalid
// JSON leaves the topic in its previous state.
func (m *Mirror) OnFileChanged(ctx context.Context, path string) error {
	if !m.underRoot(path) {
		return nil
	}

	data, err := afero.ReadFile(m.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		// Race between change and delete; the removal event follows.
		m.logger.Info("File vanished before it could be mirrored", "path", path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %q: %w", path, err)
	}

	var payload json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parsing %q: %w", path, err)
	}

	var opts []topictree.SetOption
	if !m.isTracked(path) {
		opts = append(opts, topictree.WithRemovalPolicy(m.policy))
	}
	if err := m.client.Set(ctx, path, data, opts...); err != nil {
		return fmt.Errorf("updating topic %q: %w", path, err)
	}

	m.track(path)
	m.logger.Info("Mirrored file to topic", "path", path, "bytes", len(data))
	return nil
}

// OnFileRemoved mirrors a file deletion into a topic removal. The path leaves
// the tracked set immediately; the server's own removed notification, which
// may arrive later, is idempotent against the already-absent entry. Calling
// this for an untracked path is a no-op.
func (m *Mirror) OnFileRemoved(ctx context.Context, path string) error {
	if !m.untrack(path) {
		m.logger.Debug("Ignoring removal of untracked path", "path", path)
		return nil
	}

	if err := m.client.Remove(ctx, path); err != nil {
		return fmt.Errorf("removing topic %q: %w", path, err)
	}

	m.logger.Info("Removed topic for deleted file", "path", path)
	return nil
}

// OnMissingTopicRequested creates a topic on demand from its backing file.
// It never reports an error to the caller: the missing-topic protocol must
// always proceed so the server does not hang the waiting subscriber. A
// request with no backing file is simply unsatisfiable and logged as a
// warning; all other failures are logged and swallowed.
func (m *Mirror) OnMissingTopicRequested(ctx context.Context, path string) {
	if !m.underRoot(path) {
		m.logger.Debug("Ignoring missing-topic request outside root", "path", path)
		return
	}

	data, err := afero.ReadFile(m.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("No backing file for requested topic", "path", path)
		return
	}
	if err != nil {
		m.logger.Error("Failed to read backing file", "path", path, "error", err)
		return
	}

	var payload json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		m.logger.Error("Backing file is not valid JSON", "path", path, "error", err)
		return
	}

	if err := m.client.Set(ctx, path, data, topictree.WithRemovalPolicy(m.policy)); err != nil {
		m.logger.Error("Failed to create requested topic", "path", path, "error", err)
		return
	}

	m.track(path)
	m.logger.Info("Created topic on demand", "path", path)
}

// MissingTopicHandler adapts the mirror to the client's missing-topic
// registration. The request proceeds no matter what the mirror does.
func (m *Mirror) MissingTopicHandler() topictree.MissingTopicHandler {
	return func(ctx context.Context, req *topictree.MissingTopicRequest) {
		defer req.Proceed()
		m.OnMissingTopicRequested(ctx, req.Path)
	}
}

// Root returns the mirror's topic-tree root prefix.
func (m *Mirror) Root() string {
	return m.root
}

// Tracked returns a sorted snapshot of the tracked topic paths.
func (m *Mirror) Tracked() []string {
	m.mu.Lock()
	paths := make([]string, 0, len(m.tracked))
	for path := range m.tracked {
		paths = append(paths, path)
	}
	m.mu.Unlock()

	sort.Strings(paths)
	return paths
}

// IsTracked reports whether the mirror believes a topic exists at path.
func (m *Mirror) IsTracked(path string) bool {
	return m.isTracked(path)
}

func (m *Mirror) underRoot(path string) bool {
	return strings.HasPrefix(path, m.root+"/")
}

func (m *Mirror) isTracked(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tracked[path]
	return ok
}

// track inserts a path into the tracked set, reporting whether it was new.
// Paths outside the root are never tracked.
func (m *Mirror) track(path string) bool {
	if !m.underRoot(path) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[path]; ok {
		return false
	}
	m.tracked[path] = struct{}{}
	return true
}

// untrack removes a path from the tracked set, reporting whether it was
// present. Safe against entries the server already removed.
func (m *Mirror) untrack(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tracked[path]; !ok {
		return false
	}
	delete(m.tracked, path)
	return true
}
