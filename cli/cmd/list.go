package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"snapshot-tools/cli/style"
)

var containersCmd = &cobra.Command{
	Use:     "containers",
	Short:   "List all containers, running or not",
	Aliases: []string{"ps"},
	Args:    cobra.NoArgs,
	RunE:    runContainers,
}

var imagesCmd = &cobra.Command{
	Use:     "images",
	Short:   "List local images",
	Aliases: []string{"ls"},
	Args:    cobra.NoArgs,
	RunE:    runImages,
}

func init() {
	rootCmd.AddCommand(containersCmd)
	rootCmd.AddCommand(imagesCmd)
}

func runContainers(cmd *cobra.Command, args []string) error {
	containers, err := client.ListContainers()
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	if len(containers) == 0 {
		fmt.Println(style.DimText.Render("No containers."))
		return nil
	}

	header := fmt.Sprintf("  %-2s  %-12s  %-24s %-28s %s", "", "ID", "NAME", "IMAGE", "STATUS")
	fmt.Println(style.TableHeader.Render(header))
	for _, c := range containers {
		fmt.Printf("  %s  %s  %s %-28s %s\n",
			style.ContainerDot(c.State),
			style.ID.Render(shortID(c.ID)),
			style.Bold.Render(padRight(c.Names, 24)),
			truncate(c.Image, 28),
			style.DimText.Render(c.Status),
		)
	}
	return nil
}

func runImages(cmd *cobra.Command, args []string) error {
	images, err := client.ListImages()
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}
	if len(images) == 0 {
		fmt.Println(style.DimText.Render("No images."))
		return nil
	}

	header := fmt.Sprintf("  %-12s  %-40s %-10s %s", "ID", "REPOSITORY:TAG", "SIZE", "CREATED")
	fmt.Println(style.TableHeader.Render(header))
	for _, img := range images {
		created := "—"
		if !img.CreatedAt.IsZero() {
			created = img.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Printf("  %s  %s %-10s %s\n",
			style.ID.Render(shortID(img.ID)),
			style.Bold.Render(padRight(truncate(img.Repository+":"+img.Tag, 40), 40)),
			img.Size,
			style.DimText.Render(created),
		)
	}
	return nil
}
