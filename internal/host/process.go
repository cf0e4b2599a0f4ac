package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
)

type ProcessConfig struct {
	Command     []string
	Dir         string
	StopCommand string
	StopTimeout time.Duration
	// Echo receives every output line, usually the operator's terminal.
	Echo   io.Writer
	Logger *logger.Logger
}

// Process runs the server as a child and drives it through stdin.
type Process struct {
	cfg  ProcessConfig
	subs subscribers

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	done    chan struct{}
	waitErr error
}

func NewProcess(cfg ProcessConfig) (*Process, error) {
	if len(cfg.Command) == 0 {
		return nil, apperrors.New(apperrors.TypeConfig, "no server command configured", "Set host.command or pass the command after --.")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	return &Process{cfg: cfg, done: make(chan struct{})}, nil
}

func (p *Process) Start() error {
	cmd := exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	cmd.Dir = p.cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to open server stdin", "")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to open server stdout", "")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to open server stderr", "")
	}

	if err := cmd.Start(); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, fmt.Sprintf("failed to start server %q", p.cfg.Command[0]), "Check host.command and host.dir.")
	}
	p.cfg.Logger.Info("Server started", "pid", cmd.Process.Pid, "command", p.cfg.Command[0])

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go p.scan(stdout, &wg)
	go p.scan(stderr, &wg)

	go func() {
		// Wait must not run before the pipes are drained.
		wg.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.stdin = nil
		p.mu.Unlock()
		close(p.done)
		p.cfg.Logger.Info("Server exited", "error", err)
	}()
	return nil
}

func (p *Process) scan(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	err := readLines(r, maxLineLength, func(line string) {
		if p.cfg.Echo != nil {
			p.mu.Lock()
			fmt.Fprintln(p.cfg.Echo, line)
			p.mu.Unlock()
		}
		p.subs.dispatch(line)
	}, func(n int) {
		p.cfg.Logger.Warn("Dropped over-long server output line", "bytes", n)
	})
	if err != nil && !errors.Is(err, os.ErrClosed) {
		p.cfg.Logger.Warn("Stopped reading server output", "error", err)
	}
}

const maxLineLength = 1024 * 1024

// readLines calls emit for every line of r until EOF. Lines longer than max
// are skipped whole and reported to dropped, and reading carries on so the
// writer never blocks on a full pipe.
func readLines(r io.Reader, max int, emit func(string), dropped func(int)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	size := 0
	for {
		frag, more, err := br.ReadLine()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		size += len(frag)
		if size <= max {
			line = append(line, frag...)
		}
		if more {
			continue
		}
		if size > max {
			dropped(size)
		} else {
			emit(string(line))
		}
		line = line[:0]
		size = 0
	}
}

func (p *Process) SendCommand(cmd string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return apperrors.New(apperrors.TypeConnection, "server is not running", "")
	}
	if _, err := io.WriteString(p.stdin, cmd+"\n"); err != nil {
		return apperrors.Wrap(err, apperrors.TypeConnection, "failed to write server command", "")
	}
	return nil
}

func (p *Process) Subscribe(fn func(line string)) func() {
	return p.subs.add(fn)
}

// Done is closed once the server has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err is the exit error after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Stop asks the server to stop and kills it if it is still running after
// StopTimeout or when ctx ends.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	started := p.cmd != nil
	p.mu.Unlock()
	if !started {
		return nil
	}

	select {
	case <-p.done:
		return nil
	default:
	}

	if p.cfg.StopCommand != "" {
		if err := p.SendCommand(p.cfg.StopCommand); err != nil {
			p.cfg.Logger.Warn("Failed to send stop command", "error", err)
		}
	}

	timer := time.NewTimer(p.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		p.cfg.Logger.Warn("Server did not stop in time, killing it", "timeout", p.cfg.StopTimeout)
	case <-ctx.Done():
	}

	p.mu.Lock()
	err := p.cmd.Process.Kill()
	p.mu.Unlock()
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return apperrors.Wrap(err, apperrors.TypeInternal, "failed to kill server", "")
	}
	<-p.done
	return nil
}
