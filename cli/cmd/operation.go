package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"snapshot-tools/cli/api"
	"snapshot-tools/cli/style"
)

var (
	noWait    bool
	exportDir string
	exportAs  string
)

var commitCmd = &cobra.Command{
	Use:   "commit <container> <image-name>",
	Short: "Commit a container to a new image",
	Args:  cobra.ExactArgs(2),
	RunE:  runCommit,
}

var exportCmd = &cobra.Command{
	Use:   "export <image> <filename>",
	Short: "Save an image to a tar archive in the export directory",
	Long: `Save an image to <filename>.tar under the backend's export directory.

Characters that are not valid in file names are replaced with underscores.`,
	Args: cobra.ExactArgs(2),
	RunE: runExport,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the last operation record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.Reset(); err != nil {
			return explain(err)
		}
		fmt.Println(style.SuccessBox.Render("✓ Operation record cleared"))
		return nil
	},
}

var rmiCmd = &cobra.Command{
	Use:   "rmi <image>",
	Short: "Remove a local image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := client.RemoveImage(args[0]); err != nil {
			return explain(err)
		}
		fmt.Println(style.SuccessBox.Render("✓ Removed " + args[0]))
		return nil
	},
}

func init() {
	commitCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the operation is accepted")
	exportCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the operation is accepted")
	exportCmd.Flags().StringVar(&exportDir, "dir", "", "subdirectory of the export directory")
	exportCmd.Flags().StringVar(&exportAs, "image-name", "", "display name of the image")

	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(rmiCmd)
}

func runCommit(cmd *cobra.Command, args []string) error {
	err := client.Commit(api.CommitRequest{ContainerID: args[0], ImageName: args[1]})
	if err != nil {
		return explain(err)
	}
	return follow(fmt.Sprintf("Committing %s to %s", args[0], args[1]))
}

func runExport(cmd *cobra.Command, args []string) error {
	err := client.Export(api.ExportRequest{
		ImageID:        args[0],
		ImageName:      exportAs,
		ExportFilename: args[1],
		Directory:      exportDir,
	})
	if err != nil {
		return explain(err)
	}
	return follow(fmt.Sprintf("Saving %s", args[0]))
}

func follow(label string) error {
	if noWait {
		fmt.Println(style.DimText.Render("Accepted. Run `snapctl wait` to follow it."))
		return nil
	}
	return waitForOperation(label)
}

// explain renders backend rejections the user can act on.
func explain(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Conflict():
			fmt.Println(style.ErrorBox.Render("✗ " + apiErr.Message + "\n  run `snapctl wait` and try again"))
		case len(apiErr.Fields) > 0:
			fmt.Println(style.ErrorBox.Render(fmt.Sprintf("✗ %s: %v", apiErr.Message, apiErr.Fields)))
		default:
			fmt.Println(style.ErrorBox.Render("✗ " + apiErr.Message))
		}
	}
	return err
}
