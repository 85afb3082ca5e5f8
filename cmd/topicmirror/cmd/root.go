package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jtarling/topicmirror/internal/config"
	"github.com/jtarling/topicmirror/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "topicmirror",
	Short: "Tools that react to pub/sub server notifications",
	Long: `topicmirror is a small toolkit of programs that connect to a
publish/subscribe topic-tree server and react to server-pushed notifications.

Available commands:
  mirror      Mirror a directory of JSON files into a topic subtree
  sessions    Auto-subscribe sessions whose ROLE property matches a role
  listen      Subscribe to a topic selector and log updates

Use "topicmirror [command] --help" for more information about a command.`,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup initializes logging and loads the connection configuration shared by
// all subcommands.
func setup() (*config.Config, error) {
	logging.New()
	return config.New()
}
