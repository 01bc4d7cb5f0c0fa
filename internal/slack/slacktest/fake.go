// Package slacktest provides an in-memory Slack workspace implementing the
// Web API subset used by the exporter.
package slacktest

import (
	"context"
	"strconv"
	"sync"

	slackgo "github.com/slack-go/slack"

	"slack-thread-exporter/internal/slack"
)

var _ slack.API = (*Fake)(nil)

// Fake serves one channel's history and threads. History is returned in
// the order of Messages and is not narrowed by oldest/latest, so callers
// must filter on their side.
type Fake struct {
	mu sync.Mutex

	PageSize int
	Messages []slackgo.Message
	Threads  map[string][]slackgo.Message // thread ts -> replies, root excluded
	Users    map[string]string            // user id -> real name

	// Throttle makes the next n calls of a method return a rate-limit error.
	Throttle map[string]int
	// Fail makes every call of a method return the error.
	Fail map[string]error
	// FailAfter makes calls of a method fail once it has served n pages.
	FailAfter map[string]int

	calls map[string]int
}

func New() *Fake {
	return &Fake{
		PageSize:  100,
		Threads:   map[string][]slackgo.Message{},
		Users:     map[string]string{},
		Throttle:  map[string]int{},
		Fail:      map[string]error{},
		FailAfter: map[string]int{},
		calls:     map[string]int{},
	}
}

// Message builds a history entry.
func Message(user, ts, text string) slackgo.Message {
	var m slackgo.Message
	m.User = user
	m.Timestamp = ts
	m.Text = text
	return m
}

// AddRoot appends a root message to history.
func (f *Fake) AddRoot(user, ts, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Messages = append(f.Messages, Message(user, ts, text))
}

// AddThread appends a root message with replies.
func (f *Fake) AddThread(user, ts, text string, replies ...slackgo.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	root := Message(user, ts, text)
	root.ThreadTimestamp = ts
	root.ReplyCount = len(replies)
	f.Messages = append(f.Messages, root)
	for i := range replies {
		replies[i].ThreadTimestamp = ts
	}
	f.Threads[ts] = replies
}

// Calls reports how many times method was invoked.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// enter records a call and returns the error the call must fail with, if any.
func (f *Fake) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if n := f.Throttle[method]; n > 0 {
		f.Throttle[method] = n - 1
		return &slackgo.RateLimitedError{}
	}
	if err, ok := f.Fail[method]; ok {
		return err
	}
	return nil
}

func (f *Fake) pageBudgetSpent(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.FailAfter[method]
	if !ok {
		return false
	}
	if n == 0 {
		return true
	}
	f.FailAfter[method] = n - 1
	return false
}

func page(total, size int, cursor string) (start, end int, next string) {
	start, _ = strconv.Atoi(cursor)
	if size <= 0 {
		size = total
	}
	end = start + size
	if end >= total {
		return start, total, ""
	}
	return start, end, strconv.Itoa(end)
}

func (f *Fake) GetConversationHistoryContext(_ context.Context, p *slackgo.GetConversationHistoryParameters) (*slackgo.GetConversationHistoryResponse, error) {
	if err := f.enter("conversations.history"); err != nil {
		return nil, err
	}
	if f.pageBudgetSpent("conversations.history") {
		return nil, slackgo.SlackErrorResponse{Err: "internal_error"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	start, end, next := page(len(f.Messages), f.PageSize, p.Cursor)
	resp := &slackgo.GetConversationHistoryResponse{
		HasMore:  next != "",
		Messages: append([]slackgo.Message(nil), f.Messages[start:end]...),
	}
	resp.Ok = true
	resp.ResponseMetaData.NextCursor = next
	return resp, nil
}

// GetConversationRepliesContext repeats the root at the head of every page,
// as the real endpoint does.
func (f *Fake) GetConversationRepliesContext(_ context.Context, p *slackgo.GetConversationRepliesParameters) ([]slackgo.Message, bool, string, error) {
	if err := f.enter("conversations.replies"); err != nil {
		return nil, false, "", err
	}
	if f.pageBudgetSpent("conversations.replies") {
		return nil, false, "", slackgo.SlackErrorResponse{Err: "internal_error"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var root slackgo.Message
	found := false
	for _, m := range f.Messages {
		if m.Timestamp == p.Timestamp {
			root, found = m, true
			break
		}
	}
	if !found {
		return nil, false, "", slackgo.SlackErrorResponse{Err: "thread_not_found"}
	}
	replies := f.Threads[p.Timestamp]
	start, end, next := page(len(replies), f.PageSize, p.Cursor)
	out := append([]slackgo.Message{root}, replies[start:end]...)
	return out, next != "", next, nil
}

func (f *Fake) GetUserInfoContext(_ context.Context, id string) (*slackgo.User, error) {
	if err := f.enter("users.info"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name, ok := f.Users[id]
	if !ok {
		return nil, slackgo.SlackErrorResponse{Err: "user_not_found"}
	}
	return &slackgo.User{ID: id, RealName: name}, nil
}

func (f *Fake) GetBotInfoContext(_ context.Context, p slackgo.GetBotInfoParameters) (*slackgo.Bot, error) {
	if err := f.enter("bots.info"); err != nil {
		return nil, err
	}
	return nil, slackgo.SlackErrorResponse{Err: "bot_not_found"}
}

func (f *Fake) GetConversationInfoContext(_ context.Context, in *slackgo.GetConversationInfoInput) (*slackgo.Channel, error) {
	if err := f.enter("conversations.info"); err != nil {
		return nil, err
	}
	return nil, slackgo.SlackErrorResponse{Err: "channel_not_found"}
}

func (f *Fake) GetUserGroupsContext(context.Context, ...slackgo.GetUserGroupsOption) ([]slackgo.UserGroup, error) {
	if err := f.enter("usergroups.list"); err != nil {
		return nil, err
	}
	return nil, nil
}
