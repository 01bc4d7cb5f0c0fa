// Package conversation turns a channel's history into dated threads with
// resolved authors and replies.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"slack-thread-exporter/internal/ratelimit"
	"slack-thread-exporter/internal/slack"
)

// Reply is one resolved thread reply.
type Reply struct {
	User      string `json:"user"`
	Date      string `json:"date"`
	Text      string `json:"text"`
	Timestamp string `json:"-"`
}

// Thread is a root message with its replies. Replies is never nil so it
// encodes as an empty array.
type Thread struct {
	Thread    string  `json:"thread"`
	Replies   []Reply `json:"replies"`
	Date      string  `json:"date"`
	Timestamp string  `json:"timestamp"`
	Author    string  `json:"-"`
	Text      string  `json:"-"`
}

// Order selects how roots are arranged in the output.
type Order string

const (
	OrderAPI         Order = "api"
	OrderOldestFirst Order = "oldest_first"
	OrderNewestFirst Order = "newest_first"
)

func ParseOrder(s string) (Order, error) {
	switch o := Order(s); o {
	case "":
		return OrderAPI, nil
	case OrderAPI, OrderOldestFirst, OrderNewestFirst:
		return o, nil
	default:
		return "", fmt.Errorf("unknown order %q", s)
	}
}

// Options tune a single Assemble call.
type Options struct {
	Workers         int
	Timeout         time.Duration
	Order           Order
	Location        *time.Location
	SkipBots        bool
	ResolveMentions bool
}

const DefaultWorkers = 4

func (o Options) normalized() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Order == "" {
		o.Order = OrderAPI
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	return o
}

// ClientFactory builds the Slack client a request uses for its token.
type ClientFactory func(token string) *slack.Client

// SlackClients builds per-request clients. Every client gets its own
// backoff state but shares the token's gate from Registry.
type SlackClients struct {
	APIURL     string
	HTTPClient *http.Client
	PageLimit  int
	Policy     ratelimit.Policy
	Registry   *ratelimit.Registry
	Observer   ratelimit.Observer
	Logger     *zap.Logger
}

func (s SlackClients) New(token string) *slack.Client {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []ratelimit.Option{ratelimit.WithLogger(logger)}
	if s.Registry != nil {
		opts = append(opts, ratelimit.WithGate(s.Registry.Gate(token)))
	}
	if s.Observer != nil {
		opts = append(opts, ratelimit.WithObserver(s.Observer))
	}
	caller := ratelimit.NewCaller(s.Policy, opts...)
	api := slack.NewAPI(token, s.APIURL, s.HTTPClient)
	return slack.NewClient(api, caller, slack.WithPageLimit(s.PageLimit), slack.WithLogger(logger))
}

type Assembler struct {
	clients ClientFactory
	opts    Options
	logger  *zap.Logger
}

func NewAssembler(clients ClientFactory, opts Options, logger *zap.Logger) *Assembler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{clients: clients, opts: opts.normalized(), logger: logger}
}

// WithOptions returns a copy of a using opts; the client factory and logger
// are kept.
func (a *Assembler) WithOptions(opts Options) *Assembler {
	return &Assembler{clients: a.clients, opts: opts.normalized(), logger: a.logger}
}

func (a *Assembler) Options() Options { return a.opts }

type root struct {
	msg    slack.Message
	at     time.Time
	thread *Thread
}

// request holds everything scoped to one Assemble call.
type request struct {
	opts    Options
	logger  *zap.Logger
	client  *slack.Client
	users   *slack.Resolver
	mention *slack.MentionRenderer
	channel string

	history error // set by collect

	mu        sync.Mutex
	truncated error // first truncated reply listing
}

// Assemble retrieves the threads whose root falls inside the request's date
// window. When history or a reply listing breaks off after some pages, the
// threads built so far are returned together with a *slack.TruncatedError.
func (a *Assembler) Assemble(ctx context.Context, req Request) ([]Thread, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	window, err := ParseWindow(req.StartDate, req.EndDate, a.opts.Location)
	if err != nil {
		return nil, err
	}

	parent := ctx
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	started := time.Now()
	client := a.clients(req.Token)
	r := &request{
		opts:    a.opts,
		logger:  a.logger.With(zap.String("channel", req.ChannelID)),
		client:  client,
		users:   client.NewResolver(),
		channel: req.ChannelID,
	}
	if a.opts.ResolveMentions {
		r.mention = client.NewMentionRenderer(r.users)
	}

	roots, werr := r.collect(ctx, window)
	if ctx.Err() != nil && parent.Err() == nil {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, a.opts.Timeout)
	}
	if werr != nil {
		return nil, werr
	}

	herr := r.history
	var trunc *slack.TruncatedError
	if herr != nil && !errors.As(herr, &trunc) {
		return nil, herr
	}
	if herr == nil {
		herr = r.truncated
	}

	threads := arrange(roots, a.opts.Order)
	r.logger.Info("assembled conversation threads",
		zap.Int("threads", len(threads)),
		zap.Int("identities", r.users.Cached()),
		zap.Bool("truncated", herr != nil),
		zap.Duration("took", time.Since(started)),
	)
	return threads, herr
}

// collect streams history and fans reply retrieval out to the worker pool.
// It returns the retained roots in encounter order and the first worker
// error; a history error is left in r.history.
func (r *request) collect(ctx context.Context, window DateWindow) ([]*root, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)

	from, to := window.Bounds()
	var roots []*root
	for msg, err := range r.client.History(gctx, r.channel, from, to) {
		if err != nil {
			r.history = err
			break
		}
		at, err := msg.Time()
		if err != nil {
			r.logger.Warn("skipping message with malformed timestamp", zap.String("ts", msg.Timestamp))
			continue
		}
		if !window.Contains(at) {
			continue
		}
		if r.opts.SkipBots && msg.IsBot() {
			continue
		}

		rt := &root{
			msg: msg,
			at:  at,
			thread: &Thread{
				Date:      r.date(at),
				Timestamp: msg.Timestamp,
				Replies:   []Reply{},
			},
		}
		roots = append(roots, rt)
		g.Go(func() error { return r.fill(gctx, rt) })
	}
	return roots, g.Wait()
}

func (r *request) fill(ctx context.Context, rt *root) error {
	th := rt.thread
	th.Author = r.users.Resolve(ctx, rt.msg.Author())
	th.Text = r.render(ctx, rt.msg.Text)
	th.Thread = fmt.Sprintf("%s | %s: %s", th.Author, th.Date, th.Text)

	if !rt.msg.AnchorsThread() {
		return nil
	}
	replies, err := r.client.Replies(ctx, r.channel, rt.msg.ThreadTS)
	if err != nil {
		var trunc *slack.TruncatedError
		if !errors.As(err, &trunc) {
			return err
		}
		r.mu.Lock()
		if r.truncated == nil {
			r.truncated = err
		}
		r.mu.Unlock()
	}

	for _, m := range replies {
		date := ""
		if at, err := m.Time(); err == nil {
			date = r.date(at)
		}
		th.Replies = append(th.Replies, Reply{
			User:      r.users.Resolve(ctx, m.Author()),
			Date:      date,
			Text:      r.render(ctx, m.Text),
			Timestamp: m.Timestamp,
		})
	}
	return nil
}

func (r *request) render(ctx context.Context, text string) string {
	if r.mention == nil {
		return text
	}
	return r.mention.Render(ctx, text)
}

func (r *request) date(t time.Time) string {
	return t.In(r.opts.Location).Format(displayLayout)
}

func arrange(roots []*root, order Order) []Thread {
	switch order {
	case OrderOldestFirst:
		sort.SliceStable(roots, func(i, j int) bool { return roots[i].at.Before(roots[j].at) })
	case OrderNewestFirst:
		sort.SliceStable(roots, func(i, j int) bool { return roots[i].at.After(roots[j].at) })
	}
	out := make([]Thread, 0, len(roots))
	for _, rt := range roots {
		out = append(out, *rt.thread)
	}
	return out
}
