package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"

	"github.com/spf13/afero"

	"snapshot-tools/api/model"
)

// Store persists the single State Record as an indented JSON file. An
// absent file means no operation has run yet.
//
// Store does not serialise writers; callers must not save concurrently.
type Store struct {
	fs   afero.Fs
	path string
}

func New(fsys afero.Fs, path string) *Store {
	return &Store{fs: fsys, path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the persisted record, or nil when there is none. A file that
// exists but does not parse is an error wrapping model.ErrCorruptState or
// model.ErrInvalidTimestamp, never nil.
func (s *Store) Load(ctx context.Context) (*model.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}

	st, err := model.ParseState(data)
	if err != nil {
		log.Printf("state: %s is unreadable: %v", s.path, err)
		return nil, fmt.Errorf("load state %s: %w", s.path, err)
	}
	return st, nil
}

// Save writes st atomically, replacing any prior record. A nil st removes
// the file; removing a missing file succeeds.
func (s *Store) Save(ctx context.Context, st *model.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st == nil {
		if err := s.fs.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete state %s: %w", s.path, err)
		}
		log.Printf("state: cleared %s", s.path)
		return nil
	}

	data, err := json.MarshalIndent(st, "", "\t")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(s.fs, s.path, data, 0o644); err != nil {
		return err
	}
	log.Printf("state: %s %s (%s)", st.Operation, st.Status, filepath.Base(s.path))
	return nil
}

// writeFileAtomic writes data to a temp file next to path and renames it
// over path, so readers see either the old or the new content.
func writeFileAtomic(fsys afero.Fs, path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fsys, dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer fsys.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fsys.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := fsys.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}
	return nil
}
