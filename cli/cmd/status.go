package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"snapshot-tools/cli/api"
	"snapshot-tools/cli/style"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show the current or last operation",
	Aliases: []string{"s"},
	Args:    cobra.NoArgs,
	RunE:    runStatus,
}

var followEvents bool

func init() {
	statusCmd.Flags().BoolVarP(&followEvents, "follow", "f", false, "stream operation events until interrupted")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	s, err := client.Status()
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}
	fmt.Println(renderStatus(s))
	if !followEvents {
		return nil
	}
	return streamEvents(cmd.Context())
}

func streamEvents(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := client.DialEvents(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Println(style.DimText.Render("  following events, ctrl+c to stop"))
	for {
		var evt api.Event
		if err := conn.ReadJSON(&evt); err != nil {
			return fmt.Errorf("event stream closed: %w", err)
		}
		fmt.Println(renderEvent(evt))
	}
}

func renderEvent(evt api.Event) string {
	status, _ := evt.Payload["status"].(string)
	subject, _ := evt.Payload["subject"].(string)
	line := fmt.Sprintf("  %s  %s %s %s",
		style.DimText.Render(evt.Timestamp.Local().Format(time.TimeOnly)),
		style.OperationDot(status),
		style.Bold.Render(evt.Type),
		style.ID.Render(subject),
	)
	if msg, ok := evt.Payload["error"].(string); ok && msg != "" {
		line += "\n" + style.ErrorBox.Render(msg)
	}
	return line
}

func renderStatus(s *api.Status) string {
	var b strings.Builder
	kvLine := func(k, v string) {
		b.WriteString("  ")
		b.WriteString(style.Key.Render(k))
		b.WriteString(style.Val.Render(v))
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("  %s  %s\n", style.OperationDot(s.Status), style.Bold.Render(s.Status)))
	if s.Operation != nil {
		kvLine("Operation", *s.Operation)
	}
	if s.Started != nil {
		kvLine("Started", fmt.Sprintf("%s (%s ago)", s.Started.Local().Format(time.DateTime), time.Since(*s.Started).Round(time.Second)))
	}
	if s.Error != nil {
		b.WriteString(style.ErrorBox.Render(*s.Error))
		b.WriteString("\n")
	}
	return b.String()
}
