package host

import (
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/hpcloud/tail"
	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
)

type TailConfig struct {
	// LogFile is the server's live log, e.g. logs/latest.log.
	LogFile string
	// CommandFile is a FIFO (or plain file) the server reads console input from.
	CommandFile string
	// Poll uses polling instead of inotify, for network filesystems.
	Poll   bool
	Logger *logger.Logger
}

// Tail attaches to a server started elsewhere. Output is read by following its
// log file and commands are appended to its command file.
type Tail struct {
	cfg  TailConfig
	subs subscribers
	t    *tail.Tail

	mu   sync.Mutex
	done chan struct{}
}

func NewTail(cfg TailConfig) (*Tail, error) {
	if cfg.LogFile == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "host.log_file is required to attach to a running server", "")
	}
	if cfg.CommandFile == "" {
		return nil, apperrors.New(apperrors.TypeConfig, "host.command_file is required to attach to a running server", "")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Tail{cfg: cfg, done: make(chan struct{})}, nil
}

// Start follows the log from its current end. Earlier lines are never replayed.
func (h *Tail) Start() error {
	t, err := tail.TailFile(h.cfg.LogFile, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     h.cfg.Poll,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "failed to follow server log", "Check host.log_file.")
	}
	h.t = t
	h.cfg.Logger.Info("Attached to server log", "file", h.cfg.LogFile)

	go func() {
		defer close(h.done)
		for line := range t.Lines {
			if line.Err != nil {
				h.cfg.Logger.Warn("Server log read error", "error", line.Err)
				continue
			}
			h.subs.dispatch(line.Text)
		}
	}()
	return nil
}

func (h *Tail) SendCommand(cmd string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	// O_NONBLOCK makes opening a FIFO nobody reads fail instead of hang.
	f, err := os.OpenFile(h.cfg.CommandFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE|syscall.O_NONBLOCK, 0600)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "failed to open server command file", "Check host.command_file and that the server is reading it.")
	}
	if _, err := io.WriteString(f, cmd+"\n"); err != nil {
		f.Close()
		return apperrors.Wrap(err, apperrors.TypeConnection, "failed to write server command", "")
	}
	return f.Close()
}

func (h *Tail) Subscribe(fn func(line string)) func() {
	return h.subs.add(fn)
}

// Stop stops following the log. The server itself keeps running.
func (h *Tail) Stop() error {
	if h.t == nil {
		return nil
	}
	err := h.t.Stop()
	h.t.Cleanup()
	<-h.done
	return err
}
