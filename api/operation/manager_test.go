package operation

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"snapshot-tools/api/engine"
	"snapshot-tools/api/hub"
	"snapshot-tools/api/model"
	"snapshot-tools/api/state"
)

const exportRoot = "/data/exports"

// fakeEngine records calls. When gate is non-nil, Commit and Save block
// until it is closed.
type fakeEngine struct {
	mu      sync.Mutex
	gate    chan struct{}
	err     error
	commits [][2]string
	saves   [][2]string
}

func (f *fakeEngine) wait() {
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeEngine) ListContainers(ctx context.Context) ([]model.Container, error) {
	return nil, nil
}

func (f *fakeEngine) ListImages(ctx context.Context) ([]model.Image, error) {
	return nil, nil
}

func (f *fakeEngine) Commit(ctx context.Context, containerID, imageName string) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, [2]string{containerID, imageName})
	return f.err
}

func (f *fakeEngine) Save(ctx context.Context, imageID, outputPath string) error {
	f.wait()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, [2]string{imageID, outputPath})
	return f.err
}

func (f *fakeEngine) RemoveImage(ctx context.Context, imageID string) error {
	return nil
}

func (f *fakeEngine) Version(ctx context.Context) (string, error) {
	return "test", nil
}

type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Broadcast(evt hub.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeUploader struct {
	key, path string
	err       error
}

func (u *fakeUploader) ObjectKey(rel string) string {
	return "exports/" + rel
}

func (u *fakeUploader) Upload(ctx context.Context, key, filePath string) error {
	u.key, u.path = key, filePath
	return u.err
}

func newTestManager(t *testing.T, eng *fakeEngine) (*Manager, afero.Fs) {
	t.Helper()
	fsys := afero.NewMemMapFs()
	m := NewManager(eng, state.New(fsys, "/data/export-state.json"), fsys, exportRoot)
	m.Now = func() time.Time { return time.Date(2025, 11, 2, 12, 0, 0, 0, time.UTC) }
	return m, fsys
}

func TestStatusIdle(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{})

	v, err := m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.IdleStatus(), v)
}

func TestCommitSuccess(t *testing.T) {
	defer goleak.VerifyNone(t)
	eng := &fakeEngine{}
	m, _ := newTestManager(t, eng)
	events := &recorder{}
	m.Events = events
	ctx := context.Background()

	st, err := m.StartCommit(ctx, model.CommitRequest{ContainerID: "c1", ImageName: "img:v1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, st.Status)
	m.Wait()

	v, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, v.Status)
	require.NotNil(t, v.Operation)
	assert.Equal(t, model.OperationCommit, *v.Operation)
	assert.Nil(t, v.Error)
	assert.Equal(t, [][2]string{{"c1", "img:v1"}}, eng.commits)
	assert.Equal(t, []string{"operation.started", "operation.complete"}, events.types())
}

func TestCommitFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	eng := &fakeEngine{err: &engine.CommandError{
		Args:     []string{"docker", "commit", "c1", "img"},
		ExitCode: 1,
		Stderr:   "Error response from daemon: no such container: c1\n",
		Err:      errors.New("exit status 1"),
	}}
	m, _ := newTestManager(t, eng)
	ctx := context.Background()

	_, err := m.StartCommit(ctx, model.CommitRequest{ContainerID: "c1", ImageName: "img"})
	require.NoError(t, err)
	m.Wait()

	v, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, v.Status)
	assert.Equal(t, model.OperationCommit, *v.Operation)
	require.NotNil(t, v.Error)
	assert.Contains(t, *v.Error, "no such container")
	assert.Contains(t, *v.Error, "ExternalCommandError")
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	m, fsys := newTestManager(t, &fakeEngine{})
	ctx := context.Background()

	_, err := m.StartCommit(ctx, model.CommitRequest{ContainerID: "c1"})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"imageName"}, verr.Fields())

	_, err = m.StartSave(ctx, model.SaveRequest{ExportFilename: "snap"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"imageId"}, verr.Fields())

	exists, _ := afero.Exists(fsys, m.Store.Path())
	assert.False(t, exists, "validation failures must not write state")
}

func TestStartWhileRunningConflicts(t *testing.T) {
	defer goleak.VerifyNone(t)
	eng := &fakeEngine{gate: make(chan struct{})}
	m, fsys := newTestManager(t, eng)
	ctx := context.Background()

	_, err := m.StartSave(ctx, model.SaveRequest{ImageID: "i1", ExportFilename: "snap"})
	require.NoError(t, err)
	before, err := afero.ReadFile(fsys, m.Store.Path())
	require.NoError(t, err)

	_, err = m.StartCommit(ctx, model.CommitRequest{ContainerID: "c1", ImageName: "img"})
	require.ErrorIs(t, err, ErrConflict)
	var cerr *ConflictError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, model.OperationSave, cerr.Running)
	assert.Contains(t, err.Error(), "save")

	_, err = m.StartSave(ctx, model.SaveRequest{ImageID: "i2", ExportFilename: "other"})
	assert.ErrorIs(t, err, ErrConflict)

	after, err := afero.ReadFile(fsys, m.Store.Path())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after), "conflict must leave the running record untouched")

	assert.ErrorIs(t, m.Reset(ctx), ErrConflict)

	close(eng.gate)
	m.Wait()
	assert.Empty(t, eng.commits)
	assert.Len(t, eng.saves, 1)
}

func TestConcurrentStartsAdmitOne(t *testing.T) {
	defer goleak.VerifyNone(t)
	eng := &fakeEngine{gate: make(chan struct{})}
	m, _ := newTestManager(t, eng)
	ctx := context.Background()

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.StartCommit(ctx, model.CommitRequest{ContainerID: "c", ImageName: "img"})
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrConflict)
		}()
	}
	wg.Wait()
	close(eng.gate)
	m.Wait()

	assert.Equal(t, 1, accepted)
	assert.Len(t, eng.commits, 1)
}

func TestTerminalRecordIsReplacedByNewStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	eng := &fakeEngine{}
	m, _ := newTestManager(t, eng)
	ctx := context.Background()

	_, err := m.StartCommit(ctx, model.CommitRequest{ContainerID: "c1", ImageName: "img"})
	require.NoError(t, err)
	m.Wait()

	_, err = m.StartSave(ctx, model.SaveRequest{ImageID: "i1", ExportFilename: "snap"})
	require.NoError(t, err)
	m.Wait()

	st, err := m.Store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.OperationSave, st.Operation)
	assert.Equal(t, model.StatusComplete, st.Status)
}

func TestSaveWithDirectory(t *testing.T) {
	defer goleak.VerifyNone(t)
	eng := &fakeEngine{}
	m, fsys := newTestManager(t, eng)
	ctx := context.Background()

	_, err := m.StartSave(ctx, model.SaveRequest{ImageID: "i1", ExportFilename: "snap", Directory: "sub"})
	require.NoError(t, err)
	m.Wait()

	isDir, err := afero.IsDir(fsys, exportRoot+"/sub")
	require.NoError(t, err)
	assert.True(t, isDir)
	assert.Equal(t, [][2]string{{"i1", exportRoot + "/sub/snap.tar"}}, eng.saves)

	v, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, v.Status)
	assert.Equal(t, model.OperationSave, *v.Operation)
}

func TestSaveSanitizesFilename(t *testing.T) {
	defer goleak.VerifyNone(t)
	eng := &fakeEngine{}
	m, _ := newTestManager(t, eng)

	_, err := m.StartSave(context.Background(), model.SaveRequest{ImageID: "i1", ExportFilename: "a/b:c"})
	require.NoError(t, err)
	m.Wait()

	require.Len(t, eng.saves, 1)
	assert.Equal(t, exportRoot+"/a_b_c.tar", eng.saves[0][1])

	st, err := m.Store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a/b:c", st.Save.ExportFilename)
}

func TestSaveRejectsEscapingDirectory(t *testing.T) {
	m, fsys := newTestManager(t, &fakeEngine{})

	_, err := m.StartSave(context.Background(), model.SaveRequest{ImageID: "i1", ExportFilename: "snap", Directory: "../../etc"})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"directory"}, verr.Fields())

	exists, _ := afero.Exists(fsys, "/etc")
	assert.False(t, exists)
}

func TestSaveUploads(t *testing.T) {
	defer goleak.VerifyNone(t)
	eng := &fakeEngine{}
	m, _ := newTestManager(t, eng)
	up := &fakeUploader{}
	m.Uploader = up
	ctx := context.Background()

	_, err := m.StartSave(ctx, model.SaveRequest{ImageID: "i1", ExportFilename: "snap", Directory: "nightly"})
	require.NoError(t, err)
	m.Wait()

	assert.Equal(t, "exports/nightly/snap.tar", up.key)
	assert.Equal(t, exportRoot+"/nightly/snap.tar", up.path)

	up.err = errors.New("bucket unreachable")
	_, err = m.StartSave(ctx, model.SaveRequest{ImageID: "i1", ExportFilename: "snap"})
	require.NoError(t, err)
	m.Wait()

	v, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, v.Status)
	assert.Contains(t, *v.Error, "bucket unreachable")
}

func TestRecoverMarksInterruptedRecordFailed(t *testing.T) {
	m, _ := newTestManager(t, &fakeEngine{})
	ctx := context.Background()

	stale := model.NewCommitState(model.CommitParams{ContainerID: "c1", ImageName: "img"}, time.Now())
	require.NoError(t, m.Store.Save(ctx, stale))

	require.NoError(t, m.Recover(ctx))

	v, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, v.Status)
	assert.Contains(t, *v.Error, "backend restarted")

	// A finished record is left alone.
	require.NoError(t, m.Recover(ctx))
	v2, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, v.Error, v2.Error)
}

func TestResetClearsRecord(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, fsys := newTestManager(t, &fakeEngine{})
	ctx := context.Background()

	_, err := m.StartCommit(ctx, model.CommitRequest{ContainerID: "c1", ImageName: "img"})
	require.NoError(t, err)
	m.Wait()

	require.NoError(t, m.Reset(ctx))
	v, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusIdle, v.Status)

	// A corrupt file can be reset too.
	require.NoError(t, afero.WriteFile(fsys, m.Store.Path(), []byte("{"), 0o644))
	_, err = m.Status(ctx)
	require.ErrorIs(t, err, model.ErrCorruptState)
	require.NoError(t, m.Reset(ctx))
	_, err = m.Status(ctx)
	require.NoError(t, err)
}

func TestCorruptStateBlocksStart(t *testing.T) {
	m, fsys := newTestManager(t, &fakeEngine{})
	require.NoError(t, afero.WriteFile(fsys, m.Store.Path(), []byte(`{"status":"running"}`), 0o644))

	_, err := m.StartCommit(context.Background(), model.CommitRequest{ContainerID: "c1", ImageName: "img"})
	assert.ErrorIs(t, err, model.ErrCorruptState)
}

func TestExportFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"snap", "snap.tar"},
		{"a/b:c", "a_b_c.tar"},
		{`x\y*z?"<>|`, "x_y_z_____.tar"},
		{"nginx:latest", "nginx_latest.tar"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExportFilename(tt.in), "ExportFilename(%q)", tt.in)
	}
}

// renameFailFs fails every Rename while failing is set, which breaks the
// state store's atomic write after the temp file is complete.
type renameFailFs struct {
	afero.Fs
	failing atomic.Bool
	renames atomic.Int32
}

func (f *renameFailFs) Rename(oldname, newname string) error {
	if f.failing.Load() {
		f.renames.Add(1)
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errors.New("disk full")}
	}
	return f.Fs.Rename(oldname, newname)
}

func TestTerminalPersistFailureDoesNotWedgeStarts(t *testing.T) {
	defer goleak.VerifyNone(t)
	fsys := &renameFailFs{Fs: afero.NewMemMapFs()}
	eng := &fakeEngine{gate: make(chan struct{})}
	m := NewManager(eng, state.New(fsys, "/data/export-state.json"), fsys, exportRoot)
	m.retryDelay = time.Millisecond
	ctx := context.Background()

	_, err := m.StartCommit(ctx, model.CommitRequest{ContainerID: "c1", ImageName: "img"})
	require.NoError(t, err)

	fsys.failing.Store(true)
	close(eng.gate)
	m.Wait()
	fsys.failing.Store(false)

	assert.Equal(t, int32(persistAttempts), fsys.renames.Load(), "terminal write should be retried")

	// The record on disk is stuck at running, but nothing owns it.
	v, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, v.Status)

	require.NoError(t, m.Reset(ctx))

	eng.gate = nil
	_, err = m.StartCommit(ctx, model.CommitRequest{ContainerID: "c2", ImageName: "img2"})
	require.NoError(t, err)
	m.Wait()

	v, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, v.Status)
}

func TestOrphanedRunningRecordIsReplaced(t *testing.T) {
	defer goleak.VerifyNone(t)
	m, _ := newTestManager(t, &fakeEngine{})
	ctx := context.Background()

	orphan := model.NewSaveState(model.SaveParams{ImageID: "i1", ExportFilename: "snap"}, time.Now())
	require.NoError(t, m.Store.Save(ctx, orphan))

	st, err := m.StartCommit(ctx, model.CommitRequest{ContainerID: "c1", ImageName: "img"})
	require.NoError(t, err)
	assert.Equal(t, model.OperationCommit, st.Operation)
	m.Wait()

	v, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, v.Status)
	assert.Equal(t, model.OperationCommit, *v.Operation)
}

func TestTerminalPersistRetrySucceeds(t *testing.T) {
	defer goleak.VerifyNone(t)
	fsys := &renameFailFs{Fs: afero.NewMemMapFs()}
	eng := &fakeEngine{gate: make(chan struct{})}
	m := NewManager(eng, state.New(fsys, "/data/export-state.json"), fsys, exportRoot)
	m.retryDelay = 50 * time.Millisecond
	ctx := context.Background()

	_, err := m.StartCommit(ctx, model.CommitRequest{ContainerID: "c1", ImageName: "img"})
	require.NoError(t, err)

	fsys.failing.Store(true)
	close(eng.gate)
	// Let the first attempt fail, then clear the fault before the retry.
	require.Eventually(t, func() bool { return fsys.renames.Load() >= 1 }, time.Second, time.Millisecond)
	fsys.failing.Store(false)
	m.Wait()

	v, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, v.Status)
}
