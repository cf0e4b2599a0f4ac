package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lupppig/backupx/internal/archive"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/lupppig/backupx/internal/snapshot"
)

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultDrainTimeout = 300 * time.Second

	timestampLayout = "2006-01-02_15-04-05"
)

// Orchestrator runs backups one at a time: quiesce the host, stage a copy,
// resume the host, archive the copy and clean up.
type Orchestrator struct {
	opts   Options
	octx   *OrchestratorContext
	copier *snapshot.Copier
	log    *logger.Logger

	unsubscribe func()

	subsMu    sync.RWMutex
	completed []func(*Job)
	observers []Observer
}

func NewOrchestrator(octx *OrchestratorContext, opts Options) (*Orchestrator, error) {
	if octx == nil {
		octx = NewOrchestratorContext()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Format.Name == "" {
		return nil, apperrors.New(apperrors.TypeUnsupportedFormat, "no archive format configured", "")
	}
	if opts.Host != nil && opts.Saved == nil {
		return nil, apperrors.New(apperrors.TypeConfig, "a save matcher is required when a host is attached", "")
	}
	if opts.StagingDir == "" || opts.OutputDir == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "staging_directory and output_directory are required", "")
	}

	o := &Orchestrator{
		opts: opts,
		octx: octx,
		copier: &snapshot.Copier{
			DataRoot:    opts.ServerDir,
			StagingRoot: opts.StagingDir,
			Ignore:      opts.Ignore,
			Logger:      opts.Logger,
		},
		log: opts.Logger.With("component", "backup"),
	}

	if opts.Host != nil {
		o.unsubscribe = opts.Host.Subscribe(func(line string) {
			if opts.Saved(line) {
				octx.MarkSaved()
			}
		})
	}
	return o, nil
}

// Context returns the shared state the orchestrator was built with.
func (o *Orchestrator) Context() *OrchestratorContext {
	return o.octx
}

// OnCompleted registers fn for successful runs only.
func (o *Orchestrator) OnCompleted(fn func(job *Job)) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	o.completed = append(o.completed, fn)
}

func (o *Orchestrator) AddObserver(obs Observer) {
	o.subsMu.Lock()
	defer o.subsMu.Unlock()
	o.observers = append(o.observers, obs)
}

// Close detaches from the host's output.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

// Shutdown stops new runs and waits up to timeout for a running one to end.
// The mutex stays held afterwards so nothing starts during teardown.
func (o *Orchestrator) Shutdown(timeout time.Duration) bool {
	o.octx.BeginShutdown()
	if o.octx.Mutex.Locked() {
		o.log.Info("Waiting for the running backup to finish", "timeout", timeout)
	}
	if !o.octx.Mutex.AcquireWithin(timeout) {
		o.log.Warn("Backup still running at shutdown, giving up on it", "timeout", timeout)
		return false
	}
	return true
}

// Run performs one backup and returns the archive path. A run that finds
// another in progress returns ErrAlreadyInProgress without touching anything.
func (o *Orchestrator) Run(ctx context.Context, req Request) (path string, err error) {
	if o.octx.ShuttingDown() {
		return "", apperrors.ErrInterrupted
	}
	if !o.octx.Mutex.TryAcquire() {
		return "", apperrors.ErrAlreadyInProgress
	}

	job := &Job{
		ID:         uuid.NewString(),
		Comment:    req.Comment,
		Trigger:    req.Trigger,
		StartTime:  o.opts.Now(),
		StagedPath: o.opts.StagingDir,
		Status:     StatusRunning,
	}
	log := o.log.With("job", job.ID[:8])

	resume := func() {}
	defer func() {
		o.octx.Mutex.Release()
		resume()
		o.finish(job, path, err, log)
	}()

	if o.octx.ShuttingDown() {
		return "", apperrors.ErrInterrupted
	}

	log.Info("Backup started", "trigger", req.Trigger, "comment", req.Comment)

	if h := o.opts.Host; h != nil {
		req.stage(StageQuiescing)
		if o.opts.SuppressAutosave {
			if err := h.SendCommand(o.opts.Commands.SaveOff); err != nil {
				return "", err
			}
			var once sync.Once
			resume = func() {
				once.Do(func() {
					if err := h.SendCommand(o.opts.Commands.SaveOn); err != nil {
						log.Error("Failed to re-enable auto-save", "error", err)
					}
				})
			}
		}
		if err := o.waitForSave(ctx); err != nil {
			return "", err
		}
	}

	req.stage(StageCopying)
	stats, err := o.copier.Copy(o.opts.Sources)
	resume()
	if err != nil {
		o.removeStaging(log)
		return "", err
	}
	job.Files = stats.Files
	log.Debug("Sources staged", "files", stats.Files, "dirs", stats.Dirs, "bytes", stats.Bytes, "ignored", stats.Ignored)

	if err := os.MkdirAll(o.opts.OutputDir, 0755); err != nil {
		o.removeStaging(log)
		return "", apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to create output directory", "Check permissions on output_directory.")
	}

	req.stage(StageArchiving)
	aopts := archive.Options{
		Password: o.opts.Password,
		SevenZip: o.opts.SevenZip,
		Logger:   log,
	}
	if req.ArchiveProgress != nil {
		if total, err := archive.TreeSize(o.opts.StagingDir); err == nil {
			aopts.OnProgress = req.ArchiveProgress(total)
		}
	}
	// An archive that has started is finished even if ctx ends.
	res, err := archive.NewWriter(o.opts.Format, aopts).Write(context.WithoutCancel(ctx), o.baseName(job), o.opts.StagingDir)
	if err != nil {
		o.removeStaging(log)
		return "", err
	}
	job.OutputPath = res.Path
	job.Size = res.Bytes
	job.Warnings = res.Warnings

	req.stage(StageCleaning)
	if err := os.RemoveAll(o.opts.StagingDir); err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to clean staging directory", fmt.Sprintf("The archive %s was written; remove %s by hand.", res.Path, o.opts.StagingDir))
	}

	return res.Path, nil
}

func (o *Orchestrator) waitForSave(ctx context.Context) error {
	o.octx.clearSaved()
	if err := o.opts.Host.SendCommand(o.opts.Commands.SaveAll); err != nil {
		return err
	}

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	for {
		if o.octx.Saved() {
			return nil
		}
		if o.octx.ShuttingDown() {
			return apperrors.ErrInterrupted
		}
		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.TypeInterrupted, "backup interrupted while waiting for the save", "")
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) baseName(job *Job) string {
	name := job.StartTime.Format(timestampLayout)
	if job.Comment != "" {
		if c := SanitizeComment(job.Comment); c != "" {
			name += "_" + c
		}
	}

	// Runs are serialized, so the first free name stays free until the writer creates it.
	stem := strings.TrimSuffix(filepath.Join(o.opts.OutputDir, name), o.opts.Format.Suffix)
	base := stem
	for n := 2; ; n++ {
		if _, err := os.Lstat(o.opts.Format.FileName(base)); os.IsNotExist(err) {
			return base
		}
		base = fmt.Sprintf("%s_%d", stem, n)
	}
}

func (o *Orchestrator) removeStaging(log *logger.Logger) {
	if err := os.RemoveAll(o.opts.StagingDir); err != nil {
		log.Warn("Failed to clean staging directory", "path", o.opts.StagingDir, "error", err)
	}
}

func (o *Orchestrator) finish(job *Job, path string, err error, log *logger.Logger) {
	job.Duration = o.opts.Now().Sub(job.StartTime)
	if err != nil {
		job.Status = StatusFailed
		job.Err = err
		if apperrors.IsType(err, apperrors.TypeInterrupted) {
			log.Warn("Backup interrupted", "error", err)
		} else {
			log.Error("Backup failed", "type", apperrors.TypeOf(err), "error", err)
		}
	} else {
		job.Status = StatusSucceeded
		job.OutputPath = path
		log.Info("Backup completed", "path", path, "size", job.Size, "duration", job.Duration.Round(100*time.Millisecond))
	}

	o.subsMu.RLock()
	completed := append([]func(*Job){}, o.completed...)
	observers := append([]Observer{}, o.observers...)
	o.subsMu.RUnlock()

	if err == nil {
		for _, fn := range completed {
			fn(job)
		}
	}
	for _, obs := range observers {
		obs.BackupFinished(job)
	}
}

var commentReplacer = strings.NewReplacer(
	"/", "", "\\", "", ":", "", "*", "", "?", "", "\"", "", "|", "", "<", "", ">", "",
)

// SanitizeComment drops characters that are unsafe in file names.
func SanitizeComment(comment string) string {
	return commentReplacer.Replace(comment)
}
