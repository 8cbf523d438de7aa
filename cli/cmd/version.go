package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"snapshot-tools/cli/style"
)

var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print client and backend versions",
	Run: func(cmd *cobra.Command, args []string) {
		backend, err := client.Version()
		if err != nil {
			backend = style.Unhealthy.Render("unreachable")
		}

		fmt.Println(style.Banner.Render("snapctl"))
		fmt.Printf("  %s %s\n", style.Key.Render("Version"), style.Val.Render(Version))
		fmt.Printf("  %s %s\n", style.Key.Render("Backend"), style.Val.Render(backend))
		fmt.Printf("  %s %s\n", style.Key.Render("API"), style.Val.Render(apiURL))
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
