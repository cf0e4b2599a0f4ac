package backup

import (
	"time"

	"github.com/lupppig/backupx/internal/archive"
	"github.com/lupppig/backupx/internal/host"
	"github.com/lupppig/backupx/internal/logger"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Stage is reported to the requester as a run moves forward.
type Stage string

const (
	StageQuiescing Stage = "quiescing"
	StageCopying   Stage = "copying"
	StageArchiving Stage = "archiving"
	StageCleaning  Stage = "cleaning"
)

// Job is one orchestration run. It is owned by the orchestrator until the run
// ends and handed read-only to subscribers afterwards.
type Job struct {
	ID         string
	Comment    string
	Trigger    string
	StartTime  time.Time
	Duration   time.Duration
	StagedPath string
	OutputPath string
	Size       int64
	Files      int
	Warnings   []string
	Status     Status
	Err        error
}

// Request describes who asked for a backup and how to keep them informed.
type Request struct {
	Comment string
	// Trigger names the requester, e.g. "console", "Steve" or "scheduler".
	Trigger  string
	Progress func(Stage)
	// ArchiveProgress, if set, is called with the staged size before archiving
	// and returns the callback fed with bytes archived.
	ArchiveProgress func(total int64) func(int)
}

func (r Request) stage(s Stage) {
	if r.Progress != nil {
		r.Progress(s)
	}
}

// Observer is told about every finished run, successful or not.
type Observer interface {
	BackupFinished(job *Job)
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(job *Job)

func (f ObserverFunc) BackupFinished(job *Job) { f(job) }

type Options struct {
	ServerDir  string
	Sources    []string
	Ignore     []string
	StagingDir string
	OutputDir  string
	Format     archive.Format
	Password   string
	SevenZip   string

	SuppressAutosave bool
	// Host is nil for offline runs; quiescing is skipped then.
	Host     host.Host
	Commands host.Commands
	// Saved recognises the host's save confirmation line.
	Saved func(line string) bool

	PollInterval time.Duration
	Now          func() time.Time
	Logger       *logger.Logger
}
