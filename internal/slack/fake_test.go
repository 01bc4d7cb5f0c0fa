package slack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	slackgo "github.com/slack-go/slack"

	"slack-thread-exporter/internal/ratelimit"
)

func apiMessage(user, ts, threadTS, text string) slackgo.Message {
	var m slackgo.Message
	m.User = user
	m.Timestamp = ts
	m.ThreadTimestamp = threadTS
	m.Text = text
	return m
}

func historyPage(hasMore bool, next string, msgs ...slackgo.Message) *slackgo.GetConversationHistoryResponse {
	resp := &slackgo.GetConversationHistoryResponse{HasMore: hasMore, Messages: msgs}
	resp.ResponseMetaData.NextCursor = next
	return resp
}

type repliesPage struct {
	msgs    []slackgo.Message
	hasMore bool
	next    string
	err     error
}

// fakeAPI serves canned pages keyed by cursor.
type fakeAPI struct {
	mu sync.Mutex

	history      map[string]*slackgo.GetConversationHistoryResponse
	historyErr   map[string]error
	historyCalls []slackgo.GetConversationHistoryParameters

	replies      map[string]repliesPage // key: threadTS + "/" + cursor
	repliesCalls int

	users     map[string]*slackgo.User
	bots      map[string]*slackgo.Bot
	channels  map[string]*slackgo.Channel
	groups    []slackgo.UserGroup
	userCalls map[string]int
	delay     time.Duration
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		history:    map[string]*slackgo.GetConversationHistoryResponse{},
		historyErr: map[string]error{},
		replies:    map[string]repliesPage{},
		users:      map[string]*slackgo.User{},
		bots:       map[string]*slackgo.Bot{},
		channels:   map[string]*slackgo.Channel{},
		userCalls:  map[string]int{},
	}
}

func (f *fakeAPI) GetConversationHistoryContext(_ context.Context, p *slackgo.GetConversationHistoryParameters) (*slackgo.GetConversationHistoryResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls = append(f.historyCalls, *p)
	if err, ok := f.historyErr[p.Cursor]; ok {
		return nil, err
	}
	if resp, ok := f.history[p.Cursor]; ok {
		return resp, nil
	}
	return historyPage(false, ""), nil
}

func (f *fakeAPI) GetConversationRepliesContext(_ context.Context, p *slackgo.GetConversationRepliesParameters) ([]slackgo.Message, bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repliesCalls++
	page, ok := f.replies[p.Timestamp+"/"+p.Cursor]
	if !ok {
		return nil, false, "", slackgo.SlackErrorResponse{Err: "thread_not_found"}
	}
	return page.msgs, page.hasMore, page.next, page.err
}

func (f *fakeAPI) GetUserInfoContext(_ context.Context, user string) (*slackgo.User, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userCalls[user]++
	if u, ok := f.users[user]; ok {
		return u, nil
	}
	return nil, slackgo.SlackErrorResponse{Err: "user_not_found"}
}

func (f *fakeAPI) GetBotInfoContext(_ context.Context, p slackgo.GetBotInfoParameters) (*slackgo.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.bots[p.Bot]; ok {
		return b, nil
	}
	return nil, slackgo.SlackErrorResponse{Err: "bot_not_found"}
}

func (f *fakeAPI) GetConversationInfoContext(_ context.Context, in *slackgo.GetConversationInfoInput) (*slackgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[in.ChannelID]; ok {
		return ch, nil
	}
	return nil, slackgo.SlackErrorResponse{Err: "channel_not_found"}
}

func (f *fakeAPI) GetUserGroupsContext(context.Context, ...slackgo.GetUserGroupsOption) ([]slackgo.UserGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.groups == nil {
		return nil, errors.New("missing_scope")
	}
	return f.groups, nil
}

func (f *fakeAPI) UserCalls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userCalls[id]
}

func testClient(t *testing.T, api API) *Client {
	t.Helper()
	caller := ratelimit.NewCaller(ratelimit.Policy{Base: time.Millisecond, Max: 4 * time.Millisecond, MaxRetries: 3})
	return NewClient(api, caller, WithPageLimit(2))
}

func user(id, realName string) *slackgo.User {
	return &slackgo.User{ID: id, RealName: realName}
}
