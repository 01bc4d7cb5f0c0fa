package slack

import (
	"context"
	"iter"
	"net/http"
	"time"

	slackgo "github.com/slack-go/slack"
	"go.uber.org/zap"

	"slack-thread-exporter/internal/ratelimit"
)

const (
	methodHistory      = "conversations.history"
	methodReplies      = "conversations.replies"
	methodUserInfo     = "users.info"
	methodBotInfo      = "bots.info"
	methodConversation = "conversations.info"
	methodUserGroups   = "usergroups.list"

	// DefaultPageLimit is Slack's recommended maximum page size.
	DefaultPageLimit = 200
)

// API is the part of *slackgo.Client the fetchers use.
type API interface {
	GetConversationHistoryContext(ctx context.Context, params *slackgo.GetConversationHistoryParameters) (*slackgo.GetConversationHistoryResponse, error)
	GetConversationRepliesContext(ctx context.Context, params *slackgo.GetConversationRepliesParameters) ([]slackgo.Message, bool, string, error)
	GetUserInfoContext(ctx context.Context, user string) (*slackgo.User, error)
	GetBotInfoContext(ctx context.Context, parameters slackgo.GetBotInfoParameters) (*slackgo.Bot, error)
	GetConversationInfoContext(ctx context.Context, input *slackgo.GetConversationInfoInput) (*slackgo.Channel, error)
	GetUserGroupsContext(ctx context.Context, options ...slackgo.GetUserGroupsOption) ([]slackgo.UserGroup, error)
}

var _ API = (*slackgo.Client)(nil)

// NewAPI builds a Web API client for token. apiURL must end with a slash;
// empty means https://slack.com/api/.
func NewAPI(token, apiURL string, httpClient *http.Client) *slackgo.Client {
	var opts []slackgo.Option
	if apiURL != "" {
		opts = append(opts, slackgo.OptionAPIURL(apiURL))
	}
	if httpClient != nil {
		opts = append(opts, slackgo.OptionHTTPClient(httpClient))
	}
	return slackgo.New(token, opts...)
}

// Client runs every Web API call through a rate-limited caller.
type Client struct {
	api       API
	caller    *ratelimit.Caller
	pageLimit int
	logger    *zap.Logger
}

type Option func(*Client)

func WithPageLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pageLimit = n
		}
	}
}

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

func NewClient(api API, caller *ratelimit.Caller, opts ...Option) *Client {
	c := &Client{
		api:       api,
		caller:    caller,
		pageLimit: DefaultPageLimit,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// History walks conversations.history for channelID between oldest and
// latest (zero values leave a bound open), page by page, in the order the
// API returns them. A failure on the first page is yielded as is; a failure
// on a later page is yielded as *TruncatedError after every earlier message.
func (c *Client) History(ctx context.Context, channelID string, oldest, latest time.Time) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		cursor := ""
		pages, total := 0, 0
		for {
			params := &slackgo.GetConversationHistoryParameters{
				ChannelID: channelID,
				Cursor:    cursor,
				Limit:     c.pageLimit,
				Inclusive: true,
			}
			if !oldest.IsZero() {
				params.Oldest = FormatTimestamp(oldest)
			}
			if !latest.IsZero() {
				params.Latest = FormatTimestamp(latest)
			}

			var resp *slackgo.GetConversationHistoryResponse
			err := c.caller.Do(ctx, methodHistory, func(ctx context.Context) error {
				r, err := c.api.GetConversationHistoryContext(ctx, params)
				if err != nil {
					return decode(methodHistory, err)
				}
				resp = r
				return nil
			})
			if err != nil {
				yield(Message{}, truncated(methodHistory, pages, total, err))
				return
			}

			pages++
			c.logger.Debug("retrieved history page",
				zap.String("channel", channelID),
				zap.Int("page", pages),
				zap.Int("messages", len(resp.Messages)),
				zap.Bool("has_more", resp.HasMore),
			)
			for _, m := range resp.Messages {
				total++
				if !yield(fromAPI(m), nil) {
					return
				}
			}

			cursor = resp.ResponseMetaData.NextCursor
			if !resp.HasMore || cursor == "" {
				return
			}
		}
	}
}

// Replies returns every reply of the thread rooted at threadTS, in API
// order, without the root itself. On a later-page failure the replies
// collected so far are returned together with a *TruncatedError.
func (c *Client) Replies(ctx context.Context, channelID, threadTS string) ([]Message, error) {
	var replies []Message
	cursor := ""
	pages := 0
	for {
		params := &slackgo.GetConversationRepliesParameters{
			ChannelID: channelID,
			Timestamp: threadTS,
			Cursor:    cursor,
			Limit:     c.pageLimit,
		}

		var (
			msgs    []slackgo.Message
			hasMore bool
			next    string
		)
		err := c.caller.Do(ctx, methodReplies, func(ctx context.Context) error {
			m, more, nc, err := c.api.GetConversationRepliesContext(ctx, params)
			if err != nil {
				return decode(methodReplies, err)
			}
			msgs, hasMore, next = m, more, nc
			return nil
		})
		if err != nil {
			return replies, truncated(methodReplies, pages, len(replies), err)
		}

		pages++
		for _, m := range msgs {
			// the parent is repeated at the head of every page
			if m.Timestamp == threadTS {
				continue
			}
			replies = append(replies, fromAPI(m))
		}

		if !hasMore || next == "" {
			break
		}
		cursor = next
	}

	c.logger.Debug("retrieved thread replies",
		zap.String("channel", channelID),
		zap.String("thread_ts", threadTS),
		zap.Int("replies", len(replies)),
		zap.Int("pages", pages),
	)
	return replies, nil
}

func (c *Client) userInfo(ctx context.Context, id string) (*slackgo.User, error) {
	var user *slackgo.User
	err := c.caller.Do(ctx, methodUserInfo, func(ctx context.Context) error {
		u, err := c.api.GetUserInfoContext(ctx, id)
		if err != nil {
			return decode(methodUserInfo, err)
		}
		user = u
		return nil
	})
	return user, err
}

func (c *Client) botInfo(ctx context.Context, id string) (*slackgo.Bot, error) {
	var bot *slackgo.Bot
	err := c.caller.Do(ctx, methodBotInfo, func(ctx context.Context) error {
		b, err := c.api.GetBotInfoContext(ctx, slackgo.GetBotInfoParameters{Bot: id})
		if err != nil {
			return decode(methodBotInfo, err)
		}
		bot = b
		return nil
	})
	return bot, err
}

func (c *Client) channelInfo(ctx context.Context, id string) (*slackgo.Channel, error) {
	var ch *slackgo.Channel
	err := c.caller.Do(ctx, methodConversation, func(ctx context.Context) error {
		r, err := c.api.GetConversationInfoContext(ctx, &slackgo.GetConversationInfoInput{ChannelID: id})
		if err != nil {
			return decode(methodConversation, err)
		}
		ch = r
		return nil
	})
	return ch, err
}

func (c *Client) userGroups(ctx context.Context) ([]slackgo.UserGroup, error) {
	var groups []slackgo.UserGroup
	err := c.caller.Do(ctx, methodUserGroups, func(ctx context.Context) error {
		g, err := c.api.GetUserGroupsContext(ctx)
		if err != nil {
			return decode(methodUserGroups, err)
		}
		groups = g
		return nil
	})
	return groups, err
}
