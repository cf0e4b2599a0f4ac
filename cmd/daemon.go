package cmd

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/lupppig/backupx/internal/backup"
	"github.com/lupppig/backupx/internal/catalog"
	"github.com/lupppig/backupx/internal/config"
	"github.com/lupppig/backupx/internal/console"
	"github.com/lupppig/backupx/internal/host"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/lupppig/backupx/internal/metrics"
	"github.com/lupppig/backupx/internal/notify"
	"github.com/lupppig/backupx/internal/scheduler"
	"github.com/lupppig/backupx/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const hostStopGrace = 5 * time.Second

// daemon is everything `backupx run` wires around the server.
type daemon struct {
	loader *config.Loader
	cfg    *config.Config
	log    *logger.Logger

	// followLogLevel is false when --log-level pins the level.
	followLogLevel bool

	host     host.Host
	stopHost func(ctx context.Context) error
	hostDone <-chan struct{}
	hostErr  func() error

	orch     *backup.Orchestrator
	sched    *scheduler.Scheduler
	disp     *console.Dispatcher
	mirror   *storage.Mirror
	notifier *notify.Observer
	chat     *host.ChatMatcher

	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newDaemon(loader *config.Loader, cfg *config.Config, l *logger.Logger, echo io.Writer) (*daemon, error) {
	d := &daemon{loader: loader, cfg: cfg, log: l, followLogLevel: true}

	saved, err := host.NewSaveMatcher(cfg.Host.SavedPattern)
	if err != nil {
		return nil, err
	}
	d.chat, err = host.NewChatMatcher(cfg.Host.ChatPattern)
	if err != nil {
		return nil, err
	}

	if err := d.startHost(echo); err != nil {
		return nil, err
	}
	fail := func(err error) (*daemon, error) {
		d.teardown()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Host.StopTimeout+hostStopGrace)
		defer cancel()
		d.stopHost(ctx)
		return nil, err
	}

	opts := orchestratorOptions(cfg, l)
	opts.Host = d.host
	opts.Saved = saved.Match
	d.orch, err = backup.NewOrchestrator(nil, opts)
	if err != nil {
		return fail(err)
	}

	if cfg.Metrics.Listen != "" {
		d.registry = prometheus.NewRegistry()
		d.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if d.metrics, err = metrics.New(d.registry); err != nil {
			return fail(err)
		}
		d.orch.AddObserver(d.metrics)
	}

	cat := catalog.New(cfg.OutputDirectory)
	d.orch.AddObserver(pruneAfterBackup(cat, cfg.Retention, l))

	if n := notify.BuildNotifier(cfg); n != nil {
		d.notifier = notify.NewObserver(n, l)
		d.orch.AddObserver(d.notifier)
	}

	if len(cfg.Mirror.Targets) > 0 {
		mopts := storage.MirrorOptions{Logger: l.With("component", "mirror")}
		if d.metrics != nil {
			mopts.OnResult = d.metrics.RecordMirror
		}
		d.mirror, err = storage.MirrorFromURIs(cfg.Mirror.Targets, storage.StorageOptions{AllowInsecure: cfg.Mirror.AllowInsecure}, mopts)
		if err != nil {
			return fail(err)
		}
		d.orch.AddObserver(d.mirror)
	}

	var timer console.Timer
	if cfg.AutoBackupEnabled {
		d.sched, err = scheduler.New(scheduler.Config{
			Interval: cfg.AutoBackupInterval(),
			Cron:     cfg.AutoBackupCron,
			Logger:   l,
		}, d.scheduledBackup)
		if err != nil {
			return fail(err)
		}
		d.orch.OnCompleted(func(*backup.Job) { d.sched.BackupCompleted() })
		timer = d.sched
	}

	d.disp = console.New(console.Config{
		Prefix:    cfg.Prefix,
		MinLevels: cfg.MinimumPermissionLevel,
		Logger:    l,
	}, d.orch, cat, timer)

	return d, nil
}

func (d *daemon) startHost(echo io.Writer) error {
	hl := d.log.With("component", "host")

	if d.cfg.Attached() {
		t, err := host.NewTail(host.TailConfig{
			LogFile:     d.cfg.Host.LogFile,
			CommandFile: d.cfg.Host.CommandFile,
			Logger:      hl,
		})
		if err != nil {
			return err
		}
		if err := t.Start(); err != nil {
			return err
		}
		d.host = t
		d.stopHost = func(context.Context) error { return t.Stop() }
		d.hostErr = func() error { return nil }
		return nil
	}

	p, err := host.NewProcess(host.ProcessConfig{
		Command:     d.cfg.Host.Command,
		Dir:         d.cfg.Host.Dir,
		StopCommand: d.cfg.Host.Stop,
		StopTimeout: d.cfg.Host.StopTimeout,
		Echo:        echo,
		Logger:      hl,
	})
	if err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	d.host = p
	d.stopHost = p.Stop
	d.hostDone = p.Done()
	d.hostErr = p.Err
	return nil
}

func (d *daemon) scheduledBackup(ctx context.Context, comment string) error {
	_, err := d.orch.Run(ctx, backup.Request{Comment: comment, Trigger: "scheduler"})
	return err
}

// handleChat runs commands typed by players in chat.
func (d *daemon) handleChat(ctx context.Context, line string) {
	player, msg, ok := d.chat.Match(line)
	if !ok {
		return
	}
	level := d.loader.Config().Permissions.LevelOf(player)
	src := console.NewPlayer(player, level, d.host, d.cfg.Host.Commands, d.log)
	d.disp.Handle(ctx, src, msg)
}

// readConsole treats each operator line as a backupx command, or forwards it
// to the server when it is not one.
func (d *daemon) readConsole(ctx context.Context, in io.Reader, op console.Source) {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		line := sc.Text()
		if d.disp.Handle(ctx, op, line) {
			continue
		}
		if err := d.host.SendCommand(line); err != nil {
			d.log.Warn("Failed to forward console input", "error", err)
		}
	}
}

// run serves until ctx ends or the server exits, then shuts down in order:
// timer, running backup, console, server.
func (d *daemon) run(ctx context.Context, in io.Reader, op console.Source) error {
	cmdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubscribe := d.host.Subscribe(func(line string) { d.handleChat(cmdCtx, line) })
	defer unsubscribe()

	if in != nil {
		go d.readConsole(cmdCtx, in, op)
	}

	if d.registry != nil {
		go func() {
			if err := metrics.Serve(cmdCtx, d.cfg.Metrics.Listen, d.registry, d.log); err != nil {
				d.log.Error("Metrics endpoint stopped", "error", err)
			}
		}()
	}

	d.loader.Watch(d.log, func(c *config.Config) {
		d.disp.SetMinLevels(c.MinimumPermissionLevel)
		if d.followLogLevel {
			d.log.SetLevel(logger.ParseLevel(c.LogLevel))
		}
	})

	if d.sched != nil {
		next := d.sched.Start(cmdCtx)
		d.log.Info("Automatic backups enabled", "next", next.Format("2006/01/02 15:04:05"))
	}

	d.log.Info("backupx is running", "prefix", d.disp.Prefix(), "format", d.cfg.Format())

	var hostErr error
	select {
	case <-ctx.Done():
		d.log.Info("Shutting down")
	case <-d.hostDone:
		hostErr = d.hostErr()
		d.log.Warn("Server exited, shutting down", "error", hostErr)
	}

	if d.sched != nil {
		d.sched.Stop()
	}
	if d.orch.Shutdown(d.cfg.DrainTimeout) {
		d.disp.Wait()
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.Host.StopTimeout+hostStopGrace)
	defer stopCancel()
	if err := d.stopHost(stopCtx); err != nil {
		d.log.Warn("Server did not stop cleanly", "error", err)
	}

	d.teardown()
	return hostErr
}

func (d *daemon) teardown() {
	if d.notifier != nil {
		d.notifier.Close()
	}
	if d.mirror != nil {
		if err := d.mirror.Close(); err != nil {
			d.log.Warn("Failed to close mirror targets", "error", err)
		}
	}
	if d.orch != nil {
		d.orch.Close()
	}
}
