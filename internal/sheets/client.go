// Package sheets appends exported threads to a Google Sheets tab.
package sheets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"slack-thread-exporter/internal/conversation"
)

const (
	KindThread = "thread"
	KindReply  = "reply"

	columns = "A:E"
)

var header = []any{"Date", "User", "Text", "Timestamp", "Kind"}

type Client struct {
	service *sheets.Service
	logger  *zap.Logger
}

// NewClient builds a Sheets client. credentials is either a path to a
// service account file or the JSON itself; it may be empty when opts carry
// their own authentication.
func NewClient(ctx context.Context, credentials string, logger *zap.Logger, opts ...option.ClientOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if credentials != "" {
		data, err := credentialsData(credentials)
		if err != nil {
			return nil, err
		}
		logger.Debug("loaded google credentials", zap.Int("bytes", len(data)))
		opts = append(opts, option.WithCredentialsJSON(data))
	}

	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create sheets service: %w", err)
	}
	return &Client{service: service, logger: logger}, nil
}

// credentialsData treats short values ending in .json that do not look like
// a JSON object as file paths.
func credentialsData(credentials string) ([]byte, error) {
	isFilePath := len(credentials) < 512 &&
		strings.HasSuffix(credentials, ".json") &&
		!strings.HasPrefix(strings.TrimSpace(credentials), "{")
	if !isFilePath {
		return []byte(credentials), nil
	}
	data, err := os.ReadFile(credentials)
	if err != nil {
		return nil, fmt.Errorf("unable to read credentials file %q: %w", credentials, err)
	}
	return data, nil
}

// Rows flattens threads into one row per root followed by one row per reply:
// date, user, text, timestamp, kind.
func Rows(threads []conversation.Thread) [][]any {
	var rows [][]any
	for _, th := range threads {
		rows = append(rows, []any{th.Date, th.Author, th.Text, th.Timestamp, KindThread})
		for _, r := range th.Replies {
			rows = append(rows, []any{r.Date, r.User, r.Text, r.Timestamp, KindReply})
		}
	}
	return rows
}

// ExportThreads appends threads to sheetName, creating the tab with a header
// row when it is missing. Rows whose timestamp is already present in the tab
// are skipped, so exporting an overlapping window twice adds only new rows.
// It returns the number of rows appended.
func (c *Client) ExportThreads(ctx context.Context, spreadsheetID, sheetName string, threads []conversation.Thread) (int, error) {
	if err := c.ensureSheetExists(ctx, spreadsheetID, sheetName); err != nil {
		return 0, err
	}

	seen, err := c.existingTimestamps(ctx, spreadsheetID, sheetName)
	if err != nil {
		c.logger.Warn("could not check for duplicates", zap.String("sheet", sheetName), zap.Error(err))
		seen = map[string]bool{}
	}

	var rows [][]any
	for _, row := range Rows(threads) {
		if ts, _ := row[3].(string); seen[ts] {
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		c.logger.Info("nothing new to export", zap.String("sheet", sheetName))
		return 0, nil
	}

	_, err = c.service.Spreadsheets.Values.Append(spreadsheetID, sheetName+"!"+columns, &sheets.ValueRange{Values: rows}).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return 0, fmt.Errorf("unable to write data to sheet: %w", err)
	}
	c.logger.Info("exported rows", zap.String("sheet", sheetName), zap.Int("rows", len(rows)))
	return len(rows), nil
}

func (c *Client) existingTimestamps(ctx context.Context, spreadsheetID, sheetName string) (map[string]bool, error) {
	resp, err := c.service.Spreadsheets.Values.Get(spreadsheetID, sheetName+"!D:D").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(resp.Values))
	for _, row := range resp.Values {
		if len(row) > 0 {
			if ts, ok := row[0].(string); ok {
				seen[ts] = true
			}
		}
	}
	return seen, nil
}

func (c *Client) ensureSheetExists(ctx context.Context, spreadsheetID, sheetName string) error {
	spreadsheet, err := c.service.Spreadsheets.Get(spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to get spreadsheet: %w", err)
	}
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == sheetName {
			return nil
		}
	}

	c.logger.Info("creating sheet", zap.String("sheet", sheetName))
	create := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: sheetName}},
		}},
	}
	if _, err := c.service.Spreadsheets.BatchUpdate(spreadsheetID, create).Context(ctx).Do(); err != nil {
		return fmt.Errorf("unable to create sheet: %w", err)
	}

	_, err = c.service.Spreadsheets.Values.Update(spreadsheetID, sheetName+"!A1:E1", &sheets.ValueRange{Values: [][]any{header}}).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		c.logger.Warn("unable to add headers", zap.String("sheet", sheetName), zap.Error(err))
	}
	return nil
}
