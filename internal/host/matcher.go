package host

import (
	"regexp"

	apperrors "github.com/lupppig/backupx/internal/errors"
)

const (
	// DefaultSavedPattern matches the vanilla server's save confirmation, both
	// bare and behind the usual "[time] [thread/INFO]: " prefix.
	DefaultSavedPattern = `(^|\]: )Saved the game$`
	// DefaultChatPattern matches "<player> message" chat lines.
	DefaultChatPattern = `\]: <(?P<player>[^>]+)> (?P<message>.*)$`
)

// SaveMatcher recognises the line the server prints once a save has finished.
type SaveMatcher struct {
	re *regexp.Regexp
}

func NewSaveMatcher(pattern string) (*SaveMatcher, error) {
	if pattern == "" {
		pattern = DefaultSavedPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "invalid host.saved_pattern", "")
	}
	return &SaveMatcher{re: re}, nil
}

func (m *SaveMatcher) Match(line string) bool {
	return m.re.MatchString(line)
}

// ChatMatcher extracts the sender and text of a chat line.
type ChatMatcher struct {
	re      *regexp.Regexp
	player  int
	message int
}

func NewChatMatcher(pattern string) (*ChatMatcher, error) {
	if pattern == "" {
		pattern = DefaultChatPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeConfig, "invalid host.chat_pattern", "")
	}
	m := &ChatMatcher{re: re, player: re.SubexpIndex("player"), message: re.SubexpIndex("message")}
	if m.player < 0 || m.message < 0 {
		return nil, apperrors.New(apperrors.TypeConfig, "host.chat_pattern needs named groups player and message", "Use (?P<player>...) and (?P<message>...).")
	}
	return m, nil
}

func (m *ChatMatcher) Match(line string) (player, message string, ok bool) {
	sub := m.re.FindStringSubmatch(line)
	if sub == nil {
		return "", "", false
	}
	return sub[m.player], sub[m.message], true
}
