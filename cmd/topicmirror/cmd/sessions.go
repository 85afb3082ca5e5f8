package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jtarling/topicmirror/internal/pubsub"
	"github.com/jtarling/topicmirror/internal/session"
	"github.com/jtarling/topicmirror/internal/topictree"
)

var simulateSessions bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Auto-subscribe sessions whose ROLE property matches a role",
	Long: `sessions listens for session open and close events and subscribes every
session whose ROLE property matches SESSION_ROLE to the topic subtree under
MIRROR_ROOT. Subscriptions are dropped again when the session closes.`,
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bridge := pubsub.NewWatermillBridge()
		defer bridge.Close()
		tree := topictree.NewTree(bridge, bridge)

		slog.Info("Connecting", "url", cfg.ServerURL, "principal", cfg.Principal)

		listener := session.NewListener(cfg.SessionRole, topictree.SubtreeSelector(cfg.MirrorRoot), tree)
		if err := listener.Start(ctx, bridge); err != nil {
			return err
		}

		if simulateSessions {
			go simulate(ctx, bridge, cfg.SessionRole)
		}

		<-ctx.Done()
		return nil
	},
}

// simulate opens a few synthetic sessions so the listener has something to
// react to when no real server is feeding the bus.
func simulate(ctx context.Context, pub pubsub.Publisher, role string) {
	roles := []string{role, "OTHER", role}
	for _, r := range roles {
		event := session.Event{
			SessionID:  uuid.NewString(),
			Properties: map[string]string{session.PropertyRole: r},
		}
		if err := session.Announce(ctx, pub, session.TopicOpened, event); err != nil {
			slog.Error("Failed to announce session", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func init() {
	sessionsCmd.Flags().BoolVar(&simulateSessions, "simulate", false,
		"open a few synthetic sessions for demonstration")
	rootCmd.AddCommand(sessionsCmd)
}
