package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jtarling/topicmirror/internal/pubsub"
	"github.com/jtarling/topicmirror/internal/topictree"
)

var listenCmd = &cobra.Command{
	Use:   "listen [selector]",
	Short: "Subscribe to a topic selector and log updates",
	Long: `listen subscribes to the given topic selector (default: the subtree under
MIRROR_ROOT) and logs every value update the server pushes.`,
	Args: cobra.MaximumNArgs(1),
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

		sel := topictree.SubtreeSelector(cfg.MirrorRoot)
		if len(args) == 1 {
			sel, err = topictree.ParseSelector(args[0])
			if err != nil {
				return err
			}
		}

		sessionID := uuid.NewString()
		handler := func(ctx context.Context, path string, value []byte) {
			slog.Info("Topic updated", "path", path, "value", string(value))
		}
		if err := tree.Subscribe(ctx, sessionID, sel, handler); err != nil {
			return err
		}

		slog.Info("Listening", "selector", sel.String(), "session_id", sessionID)
		<-ctx.Done()
		return tree.CloseSession(context.WithoutCancel(ctx), sessionID)
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
