package host

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) add(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func (l *lineLog) has(line string) func() bool {
	return func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		for _, got := range l.lines {
			if got == line {
				return true
			}
		}
		return false
	}
}

func TestSaveMatcher(t *testing.T) {
	m, err := NewSaveMatcher("")
	require.NoError(t, err)

	assert.True(t, m.Match("Saved the game"))
	assert.True(t, m.Match("[12:00:01] [Server thread/INFO]: Saved the game"))
	assert.False(t, m.Match("[12:00:01] [Server thread/INFO]: <Steve> Saved the game"))
	assert.False(t, m.Match("Saved the game and more"))

	custom, err := NewSaveMatcher(`^ALL DONE$`)
	require.NoError(t, err)
	assert.True(t, custom.Match("ALL DONE"))

	_, err = NewSaveMatcher("(")
	assert.Error(t, err)
}

func TestChatMatcher(t *testing.T) {
	m, err := NewChatMatcher("")
	require.NoError(t, err)

	player, msg, ok := m.Match("[12:00:01] [Server thread/INFO]: <Steve> !!backupx make before raid")
	require.True(t, ok)
	assert.Equal(t, "Steve", player)
	assert.Equal(t, "!!backupx make before raid", msg)

	_, _, ok = m.Match("[12:00:01] [Server thread/INFO]: Saved the game")
	assert.False(t, ok)

	_, err = NewChatMatcher(`<(\w+)> (.*)`)
	assert.Error(t, err)
}

func TestCommands_Tell(t *testing.T) {
	assert.Equal(t, "tell Alex backup done", DefaultCommands().TellCommand("Alex", "backup done"))
}

func TestSubscribers_Cancel(t *testing.T) {
	var subs subscribers
	var a, b lineLog
	cancelA := subs.add(a.add)
	subs.add(b.add)

	subs.dispatch("one")
	cancelA()
	cancelA()
	subs.dispatch("two")

	assert.Equal(t, []string{"one"}, a.lines)
	assert.Equal(t, []string{"one", "two"}, b.lines)
}

func TestProcess_CommandsAndStop(t *testing.T) {
	script := `while read line; do echo "got: $line"; if [ "$line" = stop ]; then exit 0; fi; done`
	p, err := NewProcess(ProcessConfig{
		Command:     []string{"sh", "-c", script},
		StopCommand: "stop",
		StopTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	var got lineLog
	p.Subscribe(got.add)
	require.NoError(t, p.Start())

	require.NoError(t, p.SendCommand("save-all flush"))
	assert.Eventually(t, got.has("got: save-all flush"), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))
	<-p.Done()
	assert.NoError(t, p.Err())
	assert.True(t, got.has("got: stop")())

	assert.Error(t, p.SendCommand("save-on"))
}

func TestProcess_KillAfterTimeout(t *testing.T) {
	p, err := NewProcess(ProcessConfig{
		Command:     []string{"sleep", "30"},
		StopCommand: "stop",
		StopTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, p.Start())

	start := time.Now()
	require.NoError(t, p.Stop(context.Background()))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Error(t, p.Err())
}

func TestReadLines_SkipsOverlongLines(t *testing.T) {
	input := "first\n" + strings.Repeat("a", 100) + "\nSaved the game\nlast"

	var got []string
	var dropped []int
	err := readLines(strings.NewReader(input), 32, func(line string) {
		got = append(got, line)
	}, func(n int) {
		dropped = append(dropped, n)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "Saved the game", "last"}, got)
	assert.Equal(t, []int{100}, dropped)
}

func TestProcess_KeepsReadingAfterHugeLine(t *testing.T) {
	script := `head -c 2000000 /dev/zero | tr '\0' a; echo; echo "Saved the game"; exec sleep 30`
	p, err := NewProcess(ProcessConfig{
		Command:     []string{"sh", "-c", script},
		StopTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	var got lineLog
	p.Subscribe(got.add)
	require.NoError(t, p.Start())
	defer p.Stop(context.Background())

	assert.Eventually(t, got.has("Saved the game"), 5*time.Second, 10*time.Millisecond)
}

func TestNewProcess_NoCommand(t *testing.T) {
	_, err := NewProcess(ProcessConfig{})
	assert.Error(t, err)
}

func TestTail_FollowsLogAndWritesCommands(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "latest.log")
	cmdFile := filepath.Join(dir, "console.in")
	require.NoError(t, os.WriteFile(logFile, []byte("[old] Saved the game\n"), 0644))

	h, err := NewTail(TailConfig{LogFile: logFile, CommandFile: cmdFile, Poll: true})
	require.NoError(t, err)

	var got lineLog
	h.Subscribe(got.add)
	require.NoError(t, h.Start())
	defer h.Stop()

	// Give the follower a moment to seek to the end.
	time.Sleep(300 * time.Millisecond)
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("[12:00:01] [Server thread/INFO]: Saved the game\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Eventually(t, got.has("[12:00:01] [Server thread/INFO]: Saved the game"), 5*time.Second, 20*time.Millisecond)
	assert.False(t, got.has("[old] Saved the game")())

	require.NoError(t, h.SendCommand("save-off"))
	require.NoError(t, h.SendCommand("save-all flush"))
	data, err := os.ReadFile(cmdFile)
	require.NoError(t, err)
	assert.Equal(t, "save-off\nsave-all flush\n", string(data))
}

func TestNewTail_RequiresPaths(t *testing.T) {
	_, err := NewTail(TailConfig{LogFile: "latest.log"})
	assert.Error(t, err)
	_, err = NewTail(TailConfig{CommandFile: "in"})
	assert.Error(t, err)
}
