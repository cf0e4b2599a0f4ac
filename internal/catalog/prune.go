package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/lupppig/backupx/internal/errors"
)

// Retention decides which archives survive a prune. An archive is kept when any
// rule keeps it; a zero Retention keeps everything.
type Retention struct {
	Keep        int           `mapstructure:"keep"`
	MaxAge      time.Duration `mapstructure:"max_age"`
	KeepDaily   int           `mapstructure:"keep_daily"`
	KeepWeekly  int           `mapstructure:"keep_weekly"`
	KeepMonthly int           `mapstructure:"keep_monthly"`
	KeepYearly  int           `mapstructure:"keep_yearly"`
}

func (r Retention) Enabled() bool {
	return r.Keep > 0 || r.MaxAge > 0 || r.gfs()
}

func (r Retention) gfs() bool {
	return r.KeepDaily > 0 || r.KeepWeekly > 0 || r.KeepMonthly > 0 || r.KeepYearly > 0
}

// Expired returns the archives r would delete at now, newest first.
func (c *Catalog) Expired(r Retention, now time.Time) ([]Entry, error) {
	if !r.Enabled() {
		return nil, nil
	}
	entries, _, err := c.List(All)
	if err != nil {
		return nil, err
	}

	keep := make([]bool, len(entries))
	for i := 0; i < len(entries) && i < r.Keep; i++ {
		keep[i] = true
	}
	if r.MaxAge > 0 {
		for i, e := range entries {
			if now.Sub(e.ModTime) <= r.MaxAge {
				keep[i] = true
			}
		}
	}
	if r.gfs() {
		applyGFS(entries, r, keep, now.Location())
	}

	var expired []Entry
	for i, e := range entries {
		if !keep[i] {
			expired = append(expired, e)
		}
	}
	return expired, nil
}

// Prune deletes the archives r does not keep and returns them. Deletion
// carries on past individual failures; the first one is returned.
func (c *Catalog) Prune(r Retention, now time.Time) ([]Entry, error) {
	expired, err := c.Expired(r, now)
	if err != nil {
		return nil, err
	}

	var removed []Entry
	var first error
	for _, e := range expired {
		if err := os.Remove(filepath.Join(c.dir, e.Name)); err != nil {
			if first == nil {
				first = apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to delete expired backup "+e.Name, "")
			}
			continue
		}
		removed = append(removed, e)
	}
	return removed, first
}

// applyGFS keeps the newest archive of each of the most recent days, ISO
// weeks, months and years, up to the configured counts. Calendar buckets are
// taken in loc. entries is newest first.
func applyGFS(entries []Entry, r Retention, keep []bool, loc *time.Location) {
	type bucket struct {
		limit int
		key   func(time.Time) string
		seen  map[string]bool
	}
	buckets := []*bucket{
		{r.KeepDaily, func(t time.Time) string { return t.Format("2006-01-02") }, map[string]bool{}},
		{r.KeepWeekly, func(t time.Time) string {
			y, w := t.ISOWeek()
			return fmt.Sprintf("%d-W%02d", y, w)
		}, map[string]bool{}},
		{r.KeepMonthly, func(t time.Time) string { return t.Format("2006-01") }, map[string]bool{}},
		{r.KeepYearly, func(t time.Time) string { return t.Format("2006") }, map[string]bool{}},
	}

	for i, e := range entries {
		for _, b := range buckets {
			k := b.key(e.ModTime.In(loc))
			if len(b.seen) < b.limit && !b.seen[k] {
				b.seen[k] = true
				keep[i] = true
			}
		}
	}
}
