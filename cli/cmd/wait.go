package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"snapshot-tools/cli/api"
	"snapshot-tools/cli/style"
)

const pollInterval = time.Second

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for the running operation to finish",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return waitForOperation("Waiting for operation")
	},
}

func init() {
	rootCmd.AddCommand(waitCmd)
}

func waitForOperation(label string) error {
	p := tea.NewProgram(newWaitModel(label))
	finalModel, err := p.Run()
	if err != nil {
		return err
	}
	wm := finalModel.(waitModel)
	if wm.err != nil {
		return wm.err
	}
	if wm.status != nil && wm.status.Status == "failed" {
		return errors.New("operation failed")
	}
	return nil
}

// --- Messages ---

type statusMsg struct{ status *api.Status }
type statusErr struct{ err error }

// --- Model ---

type waitModel struct {
	label   string
	spinner spinner.Model
	status  *api.Status
	started time.Time
	done    bool
	err     error
}

func newWaitModel(label string) waitModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(style.Primary)
	return waitModel{
		label:   label,
		spinner: s,
		started: time.Now(),
	}
}

func (m waitModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		pollStatus(0),
	)
}

func (m waitModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case statusMsg:
		m.status = msg.status
		if msg.status.Status != "running" {
			m.done = true
			return m, tea.Quit
		}
		return m, pollStatus(pollInterval)

	case statusErr:
		m.err = msg.err
		return m, tea.Quit
	}

	return m, nil
}

func (m waitModel) View() string {
	if m.err != nil {
		return style.ErrorBox.Render(fmt.Sprintf("✗ %s", m.err)) + "\n"
	}
	if m.done {
		switch m.status.Status {
		case "complete":
			return style.SuccessBox.Render(fmt.Sprintf("✓ %s complete", operationName(m.status))) + "\n"
		case "failed":
			return renderStatus(m.status)
		default:
			return style.DimText.Render("No operation running.") + "\n"
		}
	}
	elapsed := time.Since(m.started).Round(time.Second)
	return fmt.Sprintf("  %s %s... %s\n", m.spinner.View(), style.Bold.Render(m.label), style.DimText.Render(elapsed.String()))
}

func operationName(s *api.Status) string {
	if s.Operation == nil {
		return "operation"
	}
	return *s.Operation
}

func pollStatus(after time.Duration) tea.Cmd {
	return func() tea.Msg {
		time.Sleep(after)
		s, err := client.Status()
		if err != nil {
			return statusErr{err: err}
		}
		return statusMsg{status: s}
	}
}
