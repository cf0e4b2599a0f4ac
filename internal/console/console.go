// Package console parses backupx commands typed by the operator or by players
// and runs them against the orchestrator, catalog and scheduler.
package console

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lupppig/backupx/internal/backup"
	"github.com/lupppig/backupx/internal/catalog"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
)

const (
	DefaultPrefix    = "!!backupx"
	DefaultListLimit = 10

	nextTimeLayout = "2006/01/02 15:04:05"
)

// DefaultMinLevels are the levels required per command literal. Literals not
// listed need level 0.
func DefaultMinLevels() map[string]int {
	return map[string]int{
		"make":    LevelHelper,
		"list":    LevelGuest,
		"listall": LevelHelper,
	}
}

type Backups interface {
	Run(ctx context.Context, req backup.Request) (string, error)
}

type Catalog interface {
	List(limit int) ([]catalog.Entry, int, error)
}

// Timer is the automatic backup timer; nil when automatic backups are off.
type Timer interface {
	Reset(cancel bool) time.Time
}

type Config struct {
	Prefix    string
	MinLevels map[string]int
	Logger    *logger.Logger
}

type Dispatcher struct {
	prefix  string
	backups Backups
	catalog Catalog
	timer   Timer
	log     *logger.Logger

	mu     sync.RWMutex
	levels map[string]int

	wg sync.WaitGroup
}

func New(cfg Config, backups Backups, cat Catalog, timer Timer) *Dispatcher {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.MinLevels == nil {
		cfg.MinLevels = DefaultMinLevels()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Dispatcher{
		prefix:  cfg.Prefix,
		backups: backups,
		catalog: cat,
		timer:   timer,
		log:     cfg.Logger.With("component", "console"),
		levels:  cfg.MinLevels,
	}
}

func (d *Dispatcher) Prefix() string {
	return d.prefix
}

// SetMinLevels swaps the permission table, e.g. after a config reload.
func (d *Dispatcher) SetMinLevels(levels map[string]int) {
	d.mu.Lock()
	d.levels = levels
	d.mu.Unlock()
}

func (d *Dispatcher) minLevel(literal string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.levels[literal]
}

// Wait blocks until backups started by make have returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle runs line if it is a backupx command and reports whether it was one.
func (d *Dispatcher) Handle(ctx context.Context, src Source, line string) bool {
	line = strings.TrimSpace(line)
	head, rest := cut(line)
	if head != d.prefix {
		return false
	}

	literal, arg := cut(rest)
	if literal == "" {
		src.Reply(d.help())
		return true
	}

	switch literal {
	case "make", "list", "listall", "reset_timer":
	default:
		d.badArgument(src)
		return true
	}

	if lvl := d.minLevel(literal); src.Level() < lvl {
		d.log.Info("Command refused", "source", src.Name(), "command", literal, "level", src.Level(), "required", lvl)
		src.Reply("Permission denied!")
		return true
	}

	switch literal {
	case "make":
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.make(ctx, src, arg)
		}()
	case "list":
		limit := DefaultListLimit
		if arg != "" {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				d.badArgument(src)
				return true
			}
			limit = n
		}
		d.list(src, limit)
	case "listall":
		if arg != "" {
			d.badArgument(src)
			return true
		}
		d.list(src, catalog.All)
	case "reset_timer":
		if arg != "" {
			d.badArgument(src)
			return true
		}
		d.resetTimer(src)
	}
	return true
}

func (d *Dispatcher) help() string {
	return strings.Join([]string{
		"------ backupx ------",
		"Creates permanent backups of the server.",
		fmt.Sprintf("%s  show this help", d.prefix),
		fmt.Sprintf("%s make [<comment>]  create a backup, with an optional comment", d.prefix),
		fmt.Sprintf("%s list [<n>]  show the %d most recent backups, or n of them", d.prefix, DefaultListLimit),
		fmt.Sprintf("%s listall  show every backup", d.prefix),
		fmt.Sprintf("%s reset_timer  restart the automatic backup timer", d.prefix),
	}, "\n")
}

func (d *Dispatcher) badArgument(src Source) {
	src.Reply(fmt.Sprintf("Invalid arguments! Type %s for help.", d.prefix))
}

func (d *Dispatcher) make(ctx context.Context, src Source, comment string) {
	src.Reply("Backing up, please wait...")
	start := time.Now()

	path, err := d.backups.Run(ctx, backup.Request{
		Comment: comment,
		Trigger: src.Name(),
		Progress: func(s backup.Stage) {
			if s == backup.StageArchiving {
				src.Reply("Creating archive...")
			}
		},
	})
	switch {
	case err == nil:
		src.Reply(fmt.Sprintf("Backup done in %.1fs: %s", time.Since(start).Seconds(), filepath.Base(path)))
	case apperrors.IsType(err, apperrors.TypeAlreadyInProgress):
		src.Reply("A backup is already in progress, please don't repeat the command.")
	case apperrors.IsType(err, apperrors.TypeInterrupted):
		src.Reply("Backup interrupted by shutdown!")
	default:
		src.Reply(fmt.Sprintf("Backup failed: %v", err))
	}
}

func (d *Dispatcher) list(src Source, limit int) {
	entries, total, err := d.catalog.List(limit)
	if err != nil {
		d.log.Error("Failed to list backups", "error", err)
		src.Reply(fmt.Sprintf("Failed to list backups: %v", err))
		return
	}

	lines := []string{fmt.Sprintf("%d backups in total", total)}
	for i, e := range entries {
		lines = append(lines, fmt.Sprintf("%d. %s %s", i+1, e.Name, e.HumanSize()))
	}
	src.Reply(strings.Join(lines, "\n"))
}

func (d *Dispatcher) resetTimer(src Source) {
	if d.timer == nil {
		src.Reply("Automatic backups are not enabled.")
		return
	}
	next := d.timer.Reset(false)
	src.Reply("Timer reset.\nNext automatic backup: " + next.Format(nextTimeLayout))
}

func cut(s string) (head, rest string) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i], strings.TrimSpace(s[i+1:])
	}
	return s, ""
}
