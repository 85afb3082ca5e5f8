package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jtarling/topicmirror/internal/mirror"
	"github.com/jtarling/topicmirror/internal/pubsub"
	"github.com/jtarling/topicmirror/internal/topictree"
	"github.com/jtarling/topicmirror/internal/watcher"
)

var sweepInterval time.Duration

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Mirror a directory of JSON files into a topic subtree",
	Long: `mirror keeps the topic subtree under MIRROR_ROOT consistent with the
directory of the same name: file writes become topic updates, file removals
become topic removals, and missing-topic requests are satisfied on demand
from matching files.`,
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

		m := mirror.New(cfg.MirrorRoot, afero.NewOsFs(), tree)
		if err := m.Initialize(ctx); err != nil {
			return err
		}
		defer m.Close()

		reg, err := tree.OnMissingTopic(ctx, topictree.SubtreeSelector(cfg.MirrorRoot), m.MissingTopicHandler())
		if err != nil {
			return err
		}
		defer reg.Close()

		w := watcher.New(cfg.MirrorRoot, m)
		if err := w.Start(ctx); err != nil {
			return err
		}

		tree.StartSweeper(ctx, sweepInterval)

		slog.Info("Mirror running", "root", cfg.MirrorRoot)
		<-ctx.Done()
		return nil
	},
}

func init() {
	mirrorCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 10*time.Second,
		"how often topic removal policies are applied")
	rootCmd.AddCommand(mirrorCmd)
}
