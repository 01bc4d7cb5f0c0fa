package slack

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	slackgo "github.com/slack-go/slack"
)

// UnknownAuthor is used for messages that carry neither a user nor a bot id.
const UnknownAuthor = "Unknown"

// Message is a history or replies entry decoded from the Web API.
type Message struct {
	User       string
	BotID      string
	SubType    string
	Timestamp  string
	ThreadTS   string
	Text       string
	ReplyCount int
}

func fromAPI(m slackgo.Message) Message {
	return Message{
		User:       m.User,
		BotID:      m.BotID,
		SubType:    m.SubType,
		Timestamp:  m.Timestamp,
		ThreadTS:   m.ThreadTimestamp,
		Text:       m.Text,
		ReplyCount: m.ReplyCount,
	}
}

// Author returns the identifier to resolve for the message.
func (m Message) Author() string {
	switch {
	case m.User != "":
		return m.User
	case m.BotID != "":
		return m.BotID
	default:
		return UnknownAuthor
	}
}

// AnchorsThread reports whether the message is the parent of a reply thread.
func (m Message) AnchorsThread() bool {
	return m.ThreadTS != "" && m.ThreadTS == m.Timestamp
}

// IsBot reports whether the message was posted by a bot or Slackbot.
func (m Message) IsBot() bool {
	return m.BotID != "" || m.SubType == "bot_message" || m.User == "USLACKBOT"
}

// Time parses the message timestamp.
func (m Message) Time() (time.Time, error) {
	return ParseTimestamp(m.Timestamp)
}

// ParseTimestamp converts a Slack "seconds.micros" timestamp to a time
// without going through float64, so boundary values compare exactly.
func ParseTimestamp(ts string) (time.Time, error) {
	secPart, fracPart, _ := strings.Cut(strings.TrimSpace(ts), ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
	}
	var nsec int64
	if fracPart != "" {
		if len(fracPart) > 9 {
			fracPart = fracPart[:9]
		}
		fracPart += strings.Repeat("0", 9-len(fracPart))
		nsec, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid slack timestamp %q: %w", ts, err)
		}
	}
	return time.Unix(sec, nsec), nil
}

// FormatTimestamp renders t the way the Web API expects oldest/latest.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
