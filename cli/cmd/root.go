package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"snapshot-tools/cli/api"
)

var (
	apiURL   string
	apiToken string
	client   *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "snapctl",
	Short: "Snapshot containers and export images through the snapshot backend",
	Long: `snapctl drives the snapshot-tools backend from the terminal.

Commit a container to a new image, save an image to a tar archive, and watch
the single running operation until it completes or fails.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL)
		client.Token = apiToken
	},
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("SNAPSHOT_URL")
	if defaultURL == "" {
		defaultURL = "unix:///run/guest-services/backend.sock"
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "backend URL (http://host:port or unix:///path/to.sock)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("SNAPSHOT_API_TOKEN"), "bearer token for the backend")
}
