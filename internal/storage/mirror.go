package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lupppig/backupx/internal/backup"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
)

const (
	DefaultUploadTimeout = 30 * time.Minute
	mirrorQueueSize      = 8
)

type MirrorOptions struct {
	Timeout time.Duration
	Logger  *logger.Logger
	// OnResult is called once per target and archive with the scrubbed target location.
	OnResult func(target string, err error)
}

// Mirror copies every successful archive to its targets. Uploads run on a
// single background worker so a slow target never holds the backup mutex.
type Mirror struct {
	targets []Target
	opts    MirrorOptions
	log     *logger.Logger

	mu     sync.Mutex
	closed bool
	queue  chan string
	done   chan struct{}
}

func NewMirror(targets []Target, opts MirrorOptions) *Mirror {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultUploadTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	m := &Mirror{
		targets: targets,
		opts:    opts,
		log:     opts.Logger,
		queue:   make(chan string, mirrorQueueSize),
		done:    make(chan struct{}),
	}
	go m.loop()
	return m
}

// MirrorFromURIs opens a target per URI. On error the targets opened so far are closed.
func MirrorFromURIs(uris []string, sopts StorageOptions, opts MirrorOptions) (*Mirror, error) {
	var targets []Target
	for _, uri := range uris {
		t, err := FromURI(uri, sopts)
		if err != nil {
			for _, opened := range targets {
				opened.Close()
			}
			return nil, apperrors.Wrap(err, apperrors.TypeConfig, "invalid mirror target "+Scrub(uri), "")
		}
		targets = append(targets, t)
	}
	return NewMirror(targets, opts), nil
}

func (m *Mirror) BackupFinished(job *backup.Job) {
	if job.Status != backup.StatusSucceeded || job.OutputPath == "" || len(m.targets) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- job.OutputPath:
	default:
		m.log.Warn("Mirror queue full, skipping archive", "archive", filepath.Base(job.OutputPath))
	}
}

// Close waits for queued uploads to finish and closes every target.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done

	var first error
	for _, t := range m.targets {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Mirror) loop() {
	defer close(m.done)
	for archive := range m.queue {
		for _, t := range m.targets {
			err := m.upload(t, archive)
			if m.opts.OnResult != nil {
				m.opts.OnResult(Scrub(t.Location()), err)
			}
		}
	}
}

func (m *Mirror) upload(t Target, archive string) error {
	f, err := os.Open(archive)
	if err != nil {
		m.log.Error("Cannot open archive for mirroring", "archive", archive, "error", err)
		return apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to open archive", "")
	}
	defer f.Close()

	size := int64(-1)
	if fi, err := f.Stat(); err == nil {
		size = fi.Size()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()

	start := time.Now()
	location, err := t.Save(ctx, filepath.Base(archive), f, size)
	if err != nil {
		m.log.Error("Mirror upload failed", "target", Scrub(t.Location()), "error", err)
		return err
	}
	m.log.Info("Archive mirrored", "location", Scrub(location), "duration", time.Since(start).Round(time.Millisecond))
	return nil
}
