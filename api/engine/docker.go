package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"time"

	"snapshot-tools/api/model"
)

// Docker drives the docker CLI. Each call is one process; stdout is the
// result and stderr is kept for diagnostics.
type Docker struct {
	Binary string
}

func NewDocker(binary string) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{Binary: binary}
}

type containerLine struct {
	ID        *string `json:"ID"`
	Names     *string `json:"Names"`
	Image     *string `json:"Image"`
	Status    *string `json:"Status"`
	State     string  `json:"State"`
	CreatedAt *string `json:"CreatedAt"`
}

type imageLine struct {
	ID         *string `json:"ID"`
	Repository *string `json:"Repository"`
	Tag        *string `json:"Tag"`
	Size       *string `json:"Size"`
	CreatedAt  *string `json:"CreatedAt"`
}

func (d *Docker) ListContainers(ctx context.Context) ([]model.Container, error) {
	out, err := d.run(ctx, "ps", "--all", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	return parseContainers(out)
}

func (d *Docker) ListImages(ctx context.Context) ([]model.Image, error) {
	out, err := d.run(ctx, "image", "ls", "--all", "--format", "{{json .}}")
	if err != nil {
		return nil, err
	}
	return parseImages(out)
}

func (d *Docker) Commit(ctx context.Context, containerID, imageName string) error {
	start := time.Now()
	if _, err := d.run(ctx, "commit", containerID, imageName); err != nil {
		return err
	}
	log.Printf("engine: committed %s as %s in %s", containerID, imageName, time.Since(start).Round(time.Millisecond))
	return nil
}

func (d *Docker) Save(ctx context.Context, imageID, outputPath string) error {
	start := time.Now()
	if _, err := d.run(ctx, "save", imageID, "-o", outputPath); err != nil {
		return err
	}
	log.Printf("engine: saved %s to %s in %s", imageID, outputPath, time.Since(start).Round(time.Millisecond))
	return nil
}

func (d *Docker) RemoveImage(ctx context.Context, imageID string) error {
	_, err := d.run(ctx, "image", "rm", imageID)
	return err
}

func (d *Docker) Version(ctx context.Context) (string, error) {
	out, err := d.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

func (d *Docker) run(ctx context.Context, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		cmdErr := &CommandError{
			Args:   append([]string{filepath.Base(d.Binary)}, args...),
			Stderr: stderr.String(),
			Err:    err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return nil, cmdErr
	}
	return stdout.Bytes(), nil
}

func parseContainers(out []byte) ([]model.Container, error) {
	return parseLines(out, func(l containerLine) (model.Container, error) {
		if err := required(map[string]*string{
			"ID": l.ID, "Names": l.Names, "Image": l.Image, "Status": l.Status, "CreatedAt": l.CreatedAt,
		}); err != nil {
			return model.Container{}, err
		}
		created, err := model.ParseDockerDate(*l.CreatedAt)
		if err != nil {
			return model.Container{}, err
		}
		return model.Container{
			ID:        *l.ID,
			Names:     *l.Names,
			Image:     *l.Image,
			Status:    *l.Status,
			State:     l.State,
			CreatedAt: created,
		}, nil
	})
}

func parseImages(out []byte) ([]model.Image, error) {
	return parseLines(out, func(l imageLine) (model.Image, error) {
		if err := required(map[string]*string{
			"ID": l.ID, "Repository": l.Repository, "Tag": l.Tag, "Size": l.Size, "CreatedAt": l.CreatedAt,
		}); err != nil {
			return model.Image{}, err
		}
		created, err := model.ParseDockerDate(*l.CreatedAt)
		if err != nil {
			return model.Image{}, err
		}
		return model.Image{
			ID:         *l.ID,
			Repository: *l.Repository,
			Tag:        *l.Tag,
			Size:       *l.Size,
			CreatedAt:  created,
		}, nil
	})
}

// parseLines decodes one JSON object per non-blank line. Any bad line fails
// the whole listing; nothing is dropped.
func parseLines[L, R any](out []byte, convert func(L) (R, error)) ([]R, error) {
	results := []R{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var l L
		if err := json.Unmarshal(line, &l); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrParse, n, err)
		}
		r, err := convert(l)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrParse, n, err)
		}
		results = append(results, r)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return results, nil
}

func required(fields map[string]*string) error {
	for _, name := range []string{"ID", "Names", "Image", "Repository", "Tag", "Size", "Status", "CreatedAt"} {
		if v, ok := fields[name]; ok && v == nil {
			return fmt.Errorf("missing field %s", name)
		}
	}
	return nil
}
