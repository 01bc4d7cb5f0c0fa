package slack

import (
	"context"
	"strings"
	"sync"

	slackgo "github.com/slack-go/slack"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Resolver maps author identifiers to display names. A Resolver belongs to a
// single request: different requests may carry tokens with different
// visibility, so results must not leak between them.
type Resolver struct {
	client *Client

	mu    sync.Mutex
	names map[string]string
	group singleflight.Group
}

func (c *Client) NewResolver() *Resolver {
	return &Resolver{client: c, names: make(map[string]string)}
}

// Resolve returns the display name for id, or id itself when the lookup
// fails. Failures are remembered for the rest of the request.
func (r *Resolver) Resolve(ctx context.Context, id string) string {
	if id == "" || id == UnknownAuthor {
		return id
	}

	r.mu.Lock()
	name, ok := r.names[id]
	r.mu.Unlock()
	if ok {
		return name
	}

	v, _, _ := r.group.Do(id, func() (any, error) {
		r.mu.Lock()
		name, ok := r.names[id]
		r.mu.Unlock()
		if ok {
			return name, nil
		}
		name = r.lookup(ctx, id)
		r.mu.Lock()
		r.names[id] = name
		r.mu.Unlock()
		return name, nil
	})
	return v.(string)
}

// Cached reports how many identifiers have been resolved (or given up on).
func (r *Resolver) Cached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

func (r *Resolver) lookup(ctx context.Context, id string) string {
	if strings.HasPrefix(id, "B") {
		bot, err := r.client.botInfo(ctx, id)
		if err != nil || bot == nil || bot.Name == "" {
			r.client.logger.Debug("bot lookup failed, using raw id", zap.String("id", id), zap.Error(err))
			return id
		}
		return bot.Name
	}

	user, err := r.client.userInfo(ctx, id)
	if err != nil || user == nil {
		r.client.logger.Debug("user lookup failed, using raw id", zap.String("id", id), zap.Error(err))
		return id
	}
	return displayName(user, id)
}

func displayName(u *slackgo.User, fallback string) string {
	for _, s := range []string{u.RealName, u.Profile.RealName, u.Profile.DisplayName, u.Name} {
		if s != "" {
			return s
		}
	}
	return fallback
}
