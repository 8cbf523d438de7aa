package operation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"snapshot-tools/api/engine"
	"snapshot-tools/api/hub"
	"snapshot-tools/api/model"
	"snapshot-tools/api/state"
)

var ErrConflict = errors.New("operation already in progress")

// ConflictError rejects a start request while another operation runs.
type ConflictError struct {
	Running model.Operation
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s operation already in progress", e.Running)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type Broadcaster interface {
	Broadcast(evt hub.Event)
}

// Uploader ships a finished export somewhere off the host.
type Uploader interface {
	ObjectKey(rel string) string
	Upload(ctx context.Context, key, filePath string) error
}

// Manager admits at most one running operation and runs it detached from
// the request that started it. The persisted record in Store is the only
// source of truth; nothing about the current operation is cached here.
type Manager struct {
	Engine     engine.Engine
	Store      *state.Store
	FS         afero.Fs
	ExportRoot string
	Events     Broadcaster
	Uploader   Uploader
	Now        func() time.Time

	mu sync.Mutex
	wg sync.WaitGroup
	// active is true while an executor in this process owns the running
	// record. Guarded by mu.
	active     bool
	retryDelay time.Duration
}

const persistAttempts = 3

func NewManager(e engine.Engine, store *state.Store, fsys afero.Fs, exportRoot string) *Manager {
	return &Manager{
		Engine:     e,
		Store:      store,
		FS:         fsys,
		ExportRoot: exportRoot,
		Now:        time.Now,
		retryDelay: 200 * time.Millisecond,
	}
}

// StartCommit validates req, persists a running commit record and starts
// the commit in the background. It returns once the record is on disk; the
// returned State is a snapshot of that record.
func (m *Manager) StartCommit(ctx context.Context, req model.CommitRequest) (*model.State, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	st := model.NewCommitState(model.CommitParams{
		ContainerID: req.ContainerID,
		ImageName:   req.ImageName,
	}, m.now())

	if err := m.admit(ctx, st, nil); err != nil {
		return nil, err
	}
	accepted := *st
	m.dispatch(st, func(ctx context.Context) error {
		return m.Engine.Commit(ctx, req.ContainerID, req.ImageName)
	})
	return &accepted, nil
}

// StartSave validates req, creates the export directory, persists a running
// save record and starts the export in the background.
func (m *Manager) StartSave(ctx context.Context, req model.SaveRequest) (*model.State, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	exportDir, relDir, err := m.exportDir(req.Directory)
	if err != nil {
		return nil, err
	}
	filename := ExportFilename(req.ExportFilename)
	outputPath := filepath.Join(exportDir, filename)

	st := model.NewSaveState(model.SaveParams{
		ImageID:        req.ImageID,
		ExportFilename: req.ExportFilename,
	}, m.now())

	prepare := func() error {
		if err := m.FS.MkdirAll(exportDir, 0o755); err != nil {
			return fmt.Errorf("create export directory %s: %w", exportDir, err)
		}
		return nil
	}
	if err := m.admit(ctx, st, prepare); err != nil {
		return nil, err
	}

	log.Printf("operation: export %s (%s) to %s", req.ImageID, req.ImageName, outputPath)
	accepted := *st
	m.dispatch(st, func(ctx context.Context) error {
		if err := m.Engine.Save(ctx, req.ImageID, outputPath); err != nil {
			return err
		}
		if m.Uploader == nil {
			return nil
		}
		key := m.Uploader.ObjectKey(filepath.ToSlash(filepath.Join(relDir, filename)))
		return m.Uploader.Upload(ctx, key, outputPath)
	})
	return &accepted, nil
}

// admit is the single-flight gate. The check for a running record and the
// write of the new one happen under one lock, so two concurrent starts
// cannot both pass. prepare runs after the check and before the write.
func (m *Manager) admit(ctx context.Context, st *model.State, prepare func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.Store.Load(ctx)
	if err != nil {
		return err
	}
	if current != nil && current.Status == model.StatusRunning {
		if m.active {
			log.Printf("operation: rejected %s, %s still running (%s)", st.Operation, current.Operation, current.Subject())
			return &ConflictError{Running: current.Operation}
		}
		log.Printf("operation: replacing orphaned %s record (%s)", current.Operation, current.Subject())
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			return err
		}
	}
	if err := m.Store.Save(ctx, st); err != nil {
		return fmt.Errorf("persist %s record: %w", st.Operation, err)
	}
	m.active = true
	return nil
}

// dispatch starts action in its own goroutine and returns immediately. The
// goroutine owns st from here on and persists its terminal status. It is
// not tied to any request context and has no timeout.
func (m *Manager) dispatch(st *model.State, action func(ctx context.Context) error) {
	m.broadcast("operation.started", st)
	log.Printf("operation: %s started (%s)", st.Operation, st.Subject())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := context.Background()
		start := time.Now()

		runErr := action(ctx)
		var transErr error
		if runErr != nil {
			transErr = st.Fail(engine.Describe(runErr))
		} else {
			transErr = st.Complete()
		}
		if transErr != nil {
			log.Printf("operation: %s: %v", st.Operation, transErr)
		}

		if err := m.finish(ctx, st); err != nil {
			log.Printf("operation: %s finished as %s but could not be persisted: %v", st.Operation, st.Status, err)
		}

		duration := time.Since(start).Round(time.Millisecond)
		if runErr != nil {
			log.Printf("operation: %s failed after %s: %v", st.Operation, duration, runErr)
			m.broadcast("operation.failed", st)
			return
		}
		log.Printf("operation: %s complete in %s", st.Operation, duration)
		m.broadcast("operation.complete", st)
	}()
}

// finish persists the terminal record and releases ownership. Ownership is
// released even when every attempt fails, so the record left on disk is
// treated as orphaned rather than blocking later starts.
func (m *Manager) finish(ctx context.Context, st *model.State) error {
	defer func() {
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
	}()

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		m.mu.Lock()
		err = m.Store.Save(ctx, st)
		m.mu.Unlock()
		if err == nil {
			return nil
		}
		log.Printf("operation: persist %s %s (attempt %d/%d): %v", st.Operation, st.Status, attempt, persistAttempts, err)
		if attempt < persistAttempts {
			time.Sleep(time.Duration(attempt) * m.retryDelay)
		}
	}
	return err
}

// Status reports the persisted record, or idle when there is none.
func (m *Manager) Status(ctx context.Context) (model.StatusView, error) {
	st, err := m.Store.Load(ctx)
	if err != nil {
		return model.StatusView{}, err
	}
	return st.View(), nil
}

// Reset removes the persisted record. An operation running in this process
// cannot be reset; an orphaned running record can.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.Store.Load(ctx)
	if err != nil && !errors.Is(err, model.ErrCorruptState) && !errors.Is(err, model.ErrInvalidTimestamp) {
		return err
	}
	if current != nil && current.Status == model.StatusRunning && m.active {
		return &ConflictError{Running: current.Operation}
	}
	return m.Store.Save(ctx, nil)
}

// Recover marks a running record that no executor in this process owns as
// failed, so status stops reporting an operation that will never finish.
func (m *Manager) Recover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.Store.Load(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.Status != model.StatusRunning || m.active {
		return nil
	}
	if err := current.Fail("Interrupted\nbackend restarted before the " + string(current.Operation) + " operation finished"); err != nil {
		return err
	}
	log.Printf("operation: recovered interrupted %s (%s)", current.Operation, current.Subject())
	return m.Store.Save(ctx, current)
}

// Wait blocks until every dispatched operation has persisted its result.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// exportDir resolves directory against the export root. The result must
// stay inside the root.
func (m *Manager) exportDir(directory string) (abs, rel string, err error) {
	root := filepath.Clean(m.ExportRoot)
	if strings.TrimSpace(directory) == "" {
		return root, "", nil
	}
	abs = filepath.Join(root, directory)
	rel, err = filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		res := model.ValidationResult{}
		res.Add(model.ValidationFinding{
			Check:    "request.directory.within_root",
			Severity: model.SeverityError,
			Message:  fmt.Sprintf("directory %q escapes the export root", directory),
			Field:    "directory",
		})
		return "", "", res.Err()
	}
	if rel == "." {
		rel = ""
	}
	return abs, rel, nil
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now()
	}
	return m.Now()
}

func (m *Manager) broadcast(eventType string, st *model.State) {
	if m.Events == nil {
		return
	}
	payload := map[string]interface{}{
		"status":  string(st.Status),
		"started": st.Started,
		"subject": st.Subject(),
	}
	if st.Error != "" {
		payload["error"] = st.Error
	}
	m.Events.Broadcast(hub.Event{
		Type:      eventType,
		Operation: string(st.Operation),
		Payload:   payload,
	})
}
