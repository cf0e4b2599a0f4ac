package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lupppig/backupx/internal/archive"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/yeka/zip"
)

const savedLine = "[10:15:30] [Server thread/INFO]: Saved the game"

var startTime = time.Date(2024, 3, 9, 10, 15, 30, 0, time.Local)

// mockHost records commands through testify and lets tests push output lines.
type mockHost struct {
	mock.Mock

	mu   sync.Mutex
	subs []func(string)
}

func (h *mockHost) SendCommand(cmd string) error {
	return h.Called(cmd).Error(0)
}

func (h *mockHost) Subscribe(fn func(line string)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs = append(h.subs, fn)
	return func() {}
}

func (h *mockHost) emit(line string) {
	h.mu.Lock()
	subs := append([]func(string){}, h.subs...)
	h.mu.Unlock()
	for _, fn := range subs {
		fn(line)
	}
}

type env struct {
	server  string
	staging string
	output  string
}

func newEnv(t *testing.T) env {
	t.Helper()
	root := t.TempDir()
	e := env{
		server:  filepath.Join(root, "server"),
		staging: filepath.Join(root, "backupx_temp"),
		output:  filepath.Join(root, "backupx"),
	}
	files := map[string]string{
		"world/level.dat":          "level",
		"world/session.lock":       "lock",
		"world/region/r.0.0.mca":   strings.Repeat("x", 4096),
		"world/data/session.lock/": "",
	}
	for name, content := range files {
		path := filepath.Join(e.server, filepath.FromSlash(name))
		if strings.HasSuffix(name, "/") {
			require.NoError(t, os.MkdirAll(path, 0755))
			continue
		}
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return e
}

func (e env) options(t *testing.T, format string) Options {
	t.Helper()
	f, err := archive.Lookup(format)
	require.NoError(t, err)
	saved, err := host.NewSaveMatcher("")
	require.NoError(t, err)
	return Options{
		ServerDir:  e.server,
		Sources:    []string{"world"},
		Ignore:     []string{"session.lock"},
		StagingDir: e.staging,
		OutputDir:  e.output,
		Format:     f,
		Commands:   host.DefaultCommands(),
		Saved:      saved.Match,
		Now:        func() time.Time { return startTime },
	}
}

func (e env) archives(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(e.output)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, d := range entries {
		names = append(names, d.Name())
	}
	return names
}

func zipNames(t *testing.T, path string) []string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

type jobLog struct {
	mu   sync.Mutex
	jobs []*Job
}

func (l *jobLog) BackupFinished(job *Job) {
	l.mu.Lock()
	l.jobs = append(l.jobs, job)
	l.mu.Unlock()
}

func (l *jobLog) all() []*Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Job{}, l.jobs...)
}

func TestRun_Offline(t *testing.T) {
	e := newEnv(t)
	o, err := NewOrchestrator(nil, e.options(t, "zip"))
	require.NoError(t, err)

	var completed, observed jobLog
	o.OnCompleted(completed.BackupFinished)
	o.AddObserver(&observed)

	path, err := o.Run(context.Background(), Request{Comment: `before/raid: "east"?`, Trigger: "test"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(e.output, "2024-03-09_10-15-30_beforeraid east.zip"), path)
	assert.Equal(t, []string{
		"world/",
		"world/data/",
		"world/data/session.lock/",
		"world/level.dat",
		"world/region/",
		"world/region/r.0.0.mca",
	}, zipNames(t, path))
	assert.NoDirExists(t, e.staging)
	assert.False(t, o.Context().Mutex.Locked())

	require.Len(t, completed.all(), 1)
	job := completed.all()[0]
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, path, job.OutputPath)
	assert.Equal(t, "test", job.Trigger)
	assert.Equal(t, 2, job.Files)
	assert.Positive(t, job.Size)
	assert.Len(t, observed.all(), 1)
}

func TestRun_SameSecondGetsDistinctNames(t *testing.T) {
	e := newEnv(t)
	o, err := NewOrchestrator(nil, e.options(t, "zip"))
	require.NoError(t, err)

	first, err := o.Run(context.Background(), Request{Comment: "raid"})
	require.NoError(t, err)
	second, err := o.Run(context.Background(), Request{Comment: "raid.zip"})
	require.NoError(t, err)
	third, err := o.Run(context.Background(), Request{Comment: "raid"})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(e.output, "2024-03-09_10-15-30_raid.zip"), first)
	assert.Equal(t, filepath.Join(e.output, "2024-03-09_10-15-30_raid_2.zip"), second)
	assert.Equal(t, filepath.Join(e.output, "2024-03-09_10-15-30_raid_3.zip"), third)
	assert.Len(t, e.archives(t), 3)
}

func TestRun_QuiescesHostAroundCopy(t *testing.T) {
	e := newEnv(t)
	h := &mockHost{}
	opts := e.options(t, "tar.gz")
	opts.Host = h
	opts.SuppressAutosave = true

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}

	h.On("SendCommand", "save-off").Return(nil).Once().Run(func(mock.Arguments) { record("save-off") })
	h.On("SendCommand", "save-all flush").Return(nil).Once().Run(func(mock.Arguments) {
		record("save-all")
		go h.emit(savedLine)
	})
	h.On("SendCommand", "save-on").Return(nil).Once().Run(func(mock.Arguments) { record("save-on") })

	o, err := NewOrchestrator(nil, opts)
	require.NoError(t, err)
	defer o.Close()

	path, err := o.Run(context.Background(), Request{
		Progress: func(s Stage) { record(string(s)) },
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.output, "2024-03-09_10-15-30.tar.gz"), path)

	h.AssertExpectations(t)
	assert.Equal(t, []string{"quiescing", "save-off", "save-all", "copying", "save-on", "archiving", "cleaning"}, events)
}

func TestRun_WithoutSuppressionOnlySaves(t *testing.T) {
	e := newEnv(t)
	h := &mockHost{}
	opts := e.options(t, "tar")
	opts.Host = h

	h.On("SendCommand", "save-all flush").Return(nil).Once().Run(func(mock.Arguments) { h.emit(savedLine) })

	o, err := NewOrchestrator(nil, opts)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), Request{})
	require.NoError(t, err)
	h.AssertExpectations(t)
	h.AssertNotCalled(t, "SendCommand", "save-off")
	h.AssertNotCalled(t, "SendCommand", "save-on")
}

func TestRun_ConcurrentRequestRejected(t *testing.T) {
	e := newEnv(t)
	h := &mockHost{}
	opts := e.options(t, "zip")
	opts.Host = h

	release := make(chan struct{})
	h.On("SendCommand", "save-all flush").Return(nil).Once().Run(func(mock.Arguments) {
		go func() {
			<-release
			h.emit(savedLine)
		}()
	})

	o, err := NewOrchestrator(nil, opts)
	require.NoError(t, err)
	var observed jobLog
	o.AddObserver(&observed)

	firstErr := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), Request{Comment: "first"})
		firstErr <- err
	}()
	require.Eventually(t, o.Context().Mutex.Locked, time.Second, 5*time.Millisecond)

	_, err = o.Run(context.Background(), Request{Comment: "second"})
	assert.True(t, apperrors.IsType(err, apperrors.TypeAlreadyInProgress))
	assert.Empty(t, e.archives(t))
	assert.Empty(t, observed.all())

	close(release)
	require.NoError(t, <-firstErr)
	assert.Equal(t, []string{"2024-03-09_10-15-30_first.zip"}, e.archives(t))
	h.AssertNumberOfCalls(t, "SendCommand", 1)
}

func TestRun_ShutdownDuringSaveWait(t *testing.T) {
	e := newEnv(t)
	h := &mockHost{}
	opts := e.options(t, "zip")
	opts.Host = h
	opts.SuppressAutosave = true

	waiting := make(chan struct{})
	h.On("SendCommand", "save-off").Return(nil).Once()
	h.On("SendCommand", "save-all flush").Return(nil).Once().Run(func(mock.Arguments) { close(waiting) })
	h.On("SendCommand", "save-on").Return(nil).Once()

	o, err := NewOrchestrator(nil, opts)
	require.NoError(t, err)
	var observed jobLog
	o.AddObserver(&observed)

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), Request{})
		done <- err
	}()
	<-waiting

	assert.True(t, o.Shutdown(5*time.Second))

	err = <-done
	assert.True(t, apperrors.IsType(err, apperrors.TypeInterrupted))
	assert.NoDirExists(t, e.staging)
	assert.Empty(t, e.archives(t))
	h.AssertExpectations(t)

	jobs := observed.all()
	require.Len(t, jobs, 1)
	assert.Equal(t, StatusFailed, jobs[0].Status)

	_, err = o.Run(context.Background(), Request{})
	assert.True(t, apperrors.IsType(err, apperrors.TypeInterrupted))
}

func TestRun_ContextCancelledDuringSaveWait(t *testing.T) {
	e := newEnv(t)
	h := &mockHost{}
	opts := e.options(t, "zip")
	opts.Host = h
	h.On("SendCommand", "save-all flush").Return(nil)

	o, err := NewOrchestrator(nil, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = o.Run(ctx, Request{})
	assert.True(t, apperrors.IsType(err, apperrors.TypeInterrupted))
	assert.False(t, o.Context().Mutex.Locked())
}

func TestRun_SourceMissing(t *testing.T) {
	e := newEnv(t)
	h := &mockHost{}
	opts := e.options(t, "zip")
	opts.Host = h
	opts.SuppressAutosave = true
	opts.Sources = []string{"world", "world_nether"}

	h.On("SendCommand", "save-off").Return(nil).Once()
	h.On("SendCommand", "save-all flush").Return(nil).Once().Run(func(mock.Arguments) { h.emit(savedLine) })
	h.On("SendCommand", "save-on").Return(nil).Once()

	o, err := NewOrchestrator(nil, opts)
	require.NoError(t, err)
	var completed, observed jobLog
	o.OnCompleted(completed.BackupFinished)
	o.AddObserver(&observed)

	_, err = o.Run(context.Background(), Request{})
	assert.True(t, apperrors.IsType(err, apperrors.TypeSourceMissing))
	assert.False(t, o.Context().Mutex.Locked())
	assert.NoDirExists(t, e.staging)
	assert.Empty(t, e.archives(t))
	assert.Empty(t, completed.all())
	require.Len(t, observed.all(), 1)
	assert.Equal(t, StatusFailed, observed.all()[0].Status)
	h.AssertExpectations(t)
}

func TestRun_SaveOffFailure(t *testing.T) {
	e := newEnv(t)
	h := &mockHost{}
	opts := e.options(t, "zip")
	opts.Host = h
	opts.SuppressAutosave = true

	h.On("SendCommand", "save-off").Return(apperrors.New(apperrors.TypeConnection, "server is not running", "")).Once()

	o, err := NewOrchestrator(nil, opts)
	require.NoError(t, err)

	_, err = o.Run(context.Background(), Request{})
	assert.True(t, apperrors.IsType(err, apperrors.TypeConnection))
	assert.False(t, o.Context().Mutex.Locked())
	h.AssertNotCalled(t, "SendCommand", "save-on")
}

func TestRun_PasswordOnTarWarns(t *testing.T) {
	e := newEnv(t)
	opts := e.options(t, "tar.xz")
	opts.Password = "hunter2"

	o, err := NewOrchestrator(nil, opts)
	require.NoError(t, err)
	var completed jobLog
	o.OnCompleted(completed.BackupFinished)

	path, err := o.Run(context.Background(), Request{Comment: "pw"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "_pw.tar.xz"))
	require.Len(t, completed.all(), 1)
	assert.Len(t, completed.all()[0].Warnings, 1)
}

func TestRun_ArchiveProgress(t *testing.T) {
	e := newEnv(t)
	o, err := NewOrchestrator(nil, e.options(t, "tar"))
	require.NoError(t, err)

	var total int64
	var seen int
	_, err = o.Run(context.Background(), Request{
		ArchiveProgress: func(n int64) func(int) {
			total = n
			return func(k int) { seen += k }
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4096+len("level")), total)
	assert.Equal(t, int(total), seen)
}

func TestShutdown_TimesOut(t *testing.T) {
	e := newEnv(t)
	o, err := NewOrchestrator(nil, e.options(t, "zip"))
	require.NoError(t, err)

	require.True(t, o.Context().Mutex.TryAcquire())
	assert.False(t, o.Shutdown(20*time.Millisecond))
	assert.True(t, o.Context().ShuttingDown())
}

func TestNewOrchestrator_Validation(t *testing.T) {
	e := newEnv(t)

	opts := e.options(t, "zip")
	opts.Format = archive.Format{}
	_, err := NewOrchestrator(nil, opts)
	assert.True(t, apperrors.IsType(err, apperrors.TypeUnsupportedFormat))

	opts = e.options(t, "zip")
	opts.Host = &mockHost{}
	opts.Saved = nil
	_, err = NewOrchestrator(nil, opts)
	assert.Error(t, err)
}

func TestSanitizeComment(t *testing.T) {
	assert.Equal(t, "abc", SanitizeComment(`a/b\c`))
	assert.Equal(t, "before raid", SanitizeComment(`before: raid*?"|<>`))
	assert.Equal(t, "", SanitizeComment(`///`))
}
