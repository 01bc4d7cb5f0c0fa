// Command export-threads retrieves a channel's threads for a date range,
// prints them as JSON and optionally appends them to a Google Sheet.
//
//	SLACK_TOKEN=xoxb-... go run scripts/export-threads.go -channel C123 -start 2024-01-01 -end 2024-01-31
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	"slack-thread-exporter/internal/config"
	"slack-thread-exporter/internal/conversation"
	"slack-thread-exporter/internal/logging"
	"slack-thread-exporter/internal/ratelimit"
	"slack-thread-exporter/internal/sheets"
	"slack-thread-exporter/internal/slack"
)

const (
	exitFailure   = 1
	exitTruncated = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	channel := flag.String("channel", "", "Slack channel ID")
	start := flag.String("start", "", "first day, YYYY-MM-DD")
	end := flag.String("end", "", "last day, YYYY-MM-DD")
	configPath := flag.String("config", "", "config file (default $CONFIG_FILE or config.yaml)")
	spreadsheetID := flag.String("sheet", "", "spreadsheet ID to append rows to")
	tab := flag.String("tab", "Threads", "sheet tab name")
	credentials := flag.String("credentials", os.Getenv("GOOGLE_SHEETS_CREDENTIALS"), "service account file or JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitFailure
	}
	logger, _, err := logging.New(cfg.Logging.Level, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer logger.Sync()

	token, err := slackToken()
	if err != nil {
		logger.Error("no slack token", zap.Error(err))
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients := conversation.SlackClients{
		APIURL:    cfg.Slack.APIURL,
		PageLimit: cfg.Slack.PageLimit,
		Policy:    cfg.Policy(),
		Registry:  ratelimit.NewRegistry(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		Logger:    logger,
	}
	assembler := conversation.NewAssembler(clients.New, cfg.FetchOptions(), logger)

	threads, err := assembler.Assemble(ctx, conversation.Request{
		Token:     token,
		ChannelID: *channel,
		StartDate: *start,
		EndDate:   *end,
	})
	var trunc *slack.TruncatedError
	truncated := errors.As(err, &trunc)
	if err != nil && !truncated {
		logger.Error("retrieval failed", zap.Error(err))
		return exitFailure
	}
	if threads == nil {
		threads = []conversation.Thread{}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(threads); err != nil {
		logger.Error("write output", zap.Error(err))
		return exitFailure
	}

	if *spreadsheetID != "" {
		client, err := sheets.NewClient(ctx, *credentials, logger)
		if err != nil {
			logger.Error("sheets client", zap.Error(err))
			return exitFailure
		}
		if _, err := client.ExportThreads(ctx, *spreadsheetID, *tab, threads); err != nil {
			logger.Error("sheets export failed", zap.Error(err))
			return exitFailure
		}
	}

	if truncated {
		logger.Warn("output is partial", zap.Error(err))
		return exitTruncated
	}
	return 0
}

// slackToken reads SLACK_TOKEN, or prompts for it without echo when stdin
// is a terminal.
func slackToken() (string, error) {
	if token := strings.TrimSpace(os.Getenv("SLACK_TOKEN")); token != "" {
		return token, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("SLACK_TOKEN is not set and stdin is not a terminal")
	}

	fmt.Fprint(os.Stderr, "Slack token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}
