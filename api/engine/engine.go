package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"snapshot-tools/api/model"
)

// Engine is the container engine as seen by the backend.
type Engine interface {
	ListContainers(ctx context.Context) ([]model.Container, error)
	ListImages(ctx context.Context) ([]model.Image, error)
	Commit(ctx context.Context, containerID, imageName string) error
	Save(ctx context.Context, imageID, outputPath string) error
	RemoveImage(ctx context.Context, imageID string) error
	Version(ctx context.Context) (string, error)
}

var ErrParse = errors.New("parse engine output")

// CommandError is a CLI invocation that could not start or exited non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Describe renders err as newline-joined diagnostic text: an error kind,
// the message, and any captured command output. Nothing is truncated.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var cmdErr *CommandError
	switch {
	case errors.As(err, &cmdErr):
		parts := []string{"ExternalCommandError", err.Error()}
		if cmdErr.ExitCode != 0 {
			parts = append(parts, fmt.Sprintf("exit code %d", cmdErr.ExitCode))
		}
		if s := strings.TrimSpace(cmdErr.Stderr); s != "" {
			parts = append(parts, s)
		}
		return strings.Join(parts, "\n")
	case errors.Is(err, ErrParse):
		return "ParseError\n" + err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Canceled\n" + err.Error()
	default:
		return fmt.Sprintf("Error\n%s\n%T", err.Error(), err)
	}
}
