package notify

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusSuccess     Status = "success"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
)

// Stats describes one finished backup.
type Stats struct {
	Status    Status        `json:"status"`
	Operation string        `json:"operation"`
	Trigger   string        `json:"trigger"`
	Comment   string        `json:"comment,omitempty"`
	FileName  string        `json:"file_name,omitempty"`
	Size      int64         `json:"size"`
	Files     int           `json:"files"`
	Duration  time.Duration `json:"duration"`
	Warnings  []string      `json:"warnings,omitempty"`
	Error     error         `json:"-"`
}

type Notifier interface {
	Notify(ctx context.Context, stats Stats) error
}

type MultiNotifier struct {
	Notifiers []Notifier
}

// Notify calls every notifier even when one fails.
func (m *MultiNotifier) Notify(ctx context.Context, stats Stats) error {
	var errs []error
	for _, n := range m.Notifiers {
		if err := n.Notify(ctx, stats); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
