package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lupppig/backupx/internal/host"
	"github.com/lupppig/backupx/internal/logger"
)

// Permission levels.
const (
	LevelGuest = iota
	LevelUser
	LevelHelper
	LevelAdmin
	LevelOwner
)

const replyPrefix = "[backupx] "

// Source is whoever issued a command.
type Source interface {
	Name() string
	Level() int
	Reply(msg string)
}

// Operator is the terminal backupx runs in. It always has owner level.
type Operator struct {
	mu sync.Mutex
	w  io.Writer
}

func NewOperator(w io.Writer) *Operator {
	return &Operator{w: w}
}

func (o *Operator) Name() string { return "console" }
func (o *Operator) Level() int { return LevelOwner }

func (o *Operator) Reply(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, line := range strings.Split(msg, "\n") {
		fmt.Fprintln(o.w, replyPrefix+line)
	}
}

// Player is someone typing commands into the server chat. Replies are sent
// back as private messages through the host.
type Player struct {
	name     string
	level    int
	host     host.Host
	commands host.Commands
	log      *logger.Logger
}

func NewPlayer(name string, level int, h host.Host, cmds host.Commands, log *logger.Logger) *Player {
	if log == nil {
		log = logger.Nop()
	}
	return &Player{name: name, level: level, host: h, commands: cmds, log: log}
}

func (p *Player) Name() string { return p.name }
func (p *Player) Level() int { return p.level }

func (p *Player) Reply(msg string) {
	for _, line := range strings.Split(msg, "\n") {
		if err := p.host.SendCommand(p.commands.TellCommand(p.name, replyPrefix+line)); err != nil {
			p.log.Warn("Failed to reply to player", "player", p.name, "error", err)
			return
		}
	}
}
