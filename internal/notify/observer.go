package notify

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/lupppig/backupx/internal/backup"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
)

const notifyTimeout = 15 * time.Second

// Observer forwards finished backups to a Notifier in the background.
type Observer struct {
	notifier Notifier
	log      *logger.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func NewObserver(n Notifier, log *logger.Logger) *Observer {
	if log == nil {
		log = logger.Nop()
	}
	return &Observer{notifier: n, log: log}
}

func (o *Observer) BackupFinished(job *backup.Job) {
	stats := StatsFromJob(job)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := o.notifier.Notify(ctx, stats); err != nil {
			o.log.Warn("Failed to send backup notification", "error", err)
		}
	}()
}

// Close waits for notifications in flight and ignores later backups.
func (o *Observer) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.pending.Wait()
}

func StatsFromJob(job *backup.Job) Stats {
	stats := Stats{
		Status:    StatusSuccess,
		Operation: "Backup",
		Trigger:   job.Trigger,
		Comment:   job.Comment,
		Size:      job.Size,
		Files:     job.Files,
		Duration:  job.Duration,
		Warnings:  job.Warnings,
		Error:     job.Err,
	}
	if job.OutputPath != "" {
		stats.FileName = filepath.Base(job.OutputPath)
	}
	switch {
	case job.Status == backup.StatusSucceeded:
	case apperrors.IsType(job.Err, apperrors.TypeInterrupted):
		stats.Status = StatusInterrupted
	default:
		stats.Status = StatusError
	}
	return stats
}
