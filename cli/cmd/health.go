package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"snapshot-tools/cli/style"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the backend and the services it depends on",
	Aliases: []string{"doctor", "h"},
	RunE:    runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	h, err := client.Health()
	if err != nil {
		fmt.Println(style.ErrorBox.Render("Cannot reach snapshot backend at " + apiURL))
		return err
	}

	fmt.Println(style.Banner.Render("SNAPSHOT HEALTH"))

	serviceNames := map[string]string{
		"docker": "Docker",
		"state":  "State file",
		"s3":     "S3 upload",
	}
	order := []string{"docker", "state", "s3"}
	allUp := true

	for _, key := range order {
		status := h.Services[key]
		var label string
		switch status {
		case "up":
			label = style.Healthy.Render("up")
		case "down", "corrupt":
			label = style.Unhealthy.Render(status)
			allUp = false
		default:
			label = style.DimText.Render(status)
		}
		fmt.Printf("  %s  %-14s %s\n", style.ServiceDot(status), style.Bold.Render(serviceNames[key]), label)
	}
	fmt.Println()
	if h.Engine != "" {
		fmt.Printf("  %s %s\n", style.Key.Render("Engine"), style.Val.Render(h.Engine))
	}
	fmt.Printf("  %s %s\n", style.Key.Render("Exports"), style.Val.Render(h.ExportDir))
	fmt.Printf("  %s %s\n", style.Key.Render("Listeners"), style.Val.Render(fmt.Sprint(h.Clients)))

	if allUp {
		fmt.Println(style.SuccessBox.Render("All services healthy"))
	} else {
		fmt.Println(style.ErrorBox.Render("Some services are down"))
	}
	return nil
}
