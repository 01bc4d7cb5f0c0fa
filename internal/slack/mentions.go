package slack

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// mentionRe matches <@U123>, <#C123|name>, <!here>, <!subteam^S123|@team>.
// Links such as <https://...|label> start with another character and are
// left untouched.
var mentionRe = regexp.MustCompile(`<([@#!])([^>|]+)(?:\|([^>]*))?>`)

// MentionRenderer rewrites Slack mention markup into readable text. Like
// Resolver it is scoped to one request.
type MentionRenderer struct {
	client *Client
	users  *Resolver

	mu       sync.Mutex
	channels map[string]string

	groupsOnce sync.Once
	groups     map[string]string
}

func (c *Client) NewMentionRenderer(users *Resolver) *MentionRenderer {
	return &MentionRenderer{client: c, users: users, channels: make(map[string]string)}
}

// Render returns text with user, channel, user-group and broadcast mentions
// replaced and HTML entities unescaped.
func (m *MentionRenderer) Render(ctx context.Context, text string) string {
	text = mentionRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := mentionRe.FindStringSubmatch(match)
		kind, id, label := sub[1], sub[2], sub[3]
		switch kind {
		case "@":
			return "@" + m.users.Resolve(ctx, id)
		case "#":
			if label != "" {
				return "#" + label
			}
			return "#" + m.channelName(ctx, id)
		default:
			return m.special(ctx, id, label, match)
		}
	})

	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&amp;", "&")
	return text
}

func (m *MentionRenderer) special(ctx context.Context, id, label, match string) string {
	switch {
	case strings.HasPrefix(id, "subteam^"):
		if label != "" {
			return "@" + strings.TrimPrefix(label, "@")
		}
		return "@" + m.groupHandle(ctx, strings.TrimPrefix(id, "subteam^"))
	case id == "here" || id == "channel" || id == "everyone":
		return "@" + id
	case label != "":
		return label
	default:
		return match
	}
}

func (m *MentionRenderer) channelName(ctx context.Context, id string) string {
	m.mu.Lock()
	name, ok := m.channels[id]
	m.mu.Unlock()
	if ok {
		return name
	}

	name = id
	ch, err := m.client.channelInfo(ctx, id)
	if err == nil && ch != nil && ch.Name != "" {
		name = ch.Name
	} else {
		m.client.logger.Debug("channel lookup failed, using raw id", zap.String("id", id), zap.Error(err))
	}

	m.mu.Lock()
	m.channels[id] = name
	m.mu.Unlock()
	return name
}

func (m *MentionRenderer) groupHandle(ctx context.Context, id string) string {
	m.groupsOnce.Do(func() {
		m.groups = make(map[string]string)
		groups, err := m.client.userGroups(ctx)
		if err != nil {
			m.client.logger.Debug("user group listing failed", zap.Error(err))
			return
		}
		for _, g := range groups {
			m.groups[g.ID] = g.Handle
		}
	})
	if h, ok := m.groups[id]; ok && h != "" {
		return h
	}
	return id
}
