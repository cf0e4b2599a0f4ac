// Package host talks to the server process being backed up: it sends console
// commands and delivers every output line to subscribers.
package host

import (
	"fmt"
	"sort"
	"sync"
)

// Host is the control channel to the live server.
type Host interface {
	// SendCommand writes one console command. It does not wait for a reply.
	SendCommand(cmd string) error
	// Subscribe registers fn for every output line. Lines arrive on a
	// background goroutine. The returned func removes the subscription.
	Subscribe(fn func(line string)) (cancel func())
}

// Commands are the server console commands backupx issues.
type Commands struct {
	SaveOff string `mapstructure:"save_off"`
	SaveOn  string `mapstructure:"save_on"`
	SaveAll string `mapstructure:"save_all"`
	Stop    string `mapstructure:"stop"`
	// Tell is a format string taking the player name and the message.
	Tell string `mapstructure:"tell"`
}

func DefaultCommands() Commands {
	return Commands{
		SaveOff: "save-off",
		SaveOn:  "save-on",
		SaveAll: "save-all flush",
		Stop:    "stop",
		Tell:    "tell %s %s",
	}
}

// TellCommand renders a private message to player.
func (c Commands) TellCommand(player, msg string) string {
	return fmt.Sprintf(c.Tell, player, msg)
}

type subscribers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(string)
}

func (s *subscribers) add(fn func(string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(string))
	}
	id := s.next
	s.next++
	s.fns[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) dispatch(line string) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(string), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(line)
	}
}
