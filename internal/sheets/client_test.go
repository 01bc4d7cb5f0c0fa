package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"slack-thread-exporter/internal/conversation"
)

func sampleThreads() []conversation.Thread {
	return []conversation.Thread{
		{
			Thread: "Alice | 15/01/2024: kickoff", Date: "15/01/2024", Timestamp: "1705312800.000100",
			Author: "Alice", Text: "kickoff",
			Replies: []conversation.Reply{
				{User: "Bob", Date: "15/01/2024", Text: "first", Timestamp: "1705312900.000200"},
			},
		},
		{
			Thread: "Bob | 16/01/2024: solo", Date: "16/01/2024", Timestamp: "1705399200.000000",
			Author: "Bob", Text: "solo", Replies: []conversation.Reply{},
		},
	}
}

func TestRows(t *testing.T) {
	assert.Equal(t, [][]any{
		{"15/01/2024", "Alice", "kickoff", "1705312800.000100", KindThread},
		{"15/01/2024", "Bob", "first", "1705312900.000200", KindReply},
		{"16/01/2024", "Bob", "solo", "1705399200.000000", KindThread},
	}, Rows(sampleThreads()))
	assert.Empty(t, Rows(nil))
}

func TestCredentialsData(t *testing.T) {
	inline := `{"type":"service_account"}`
	data, err := credentialsData(inline)
	require.NoError(t, err)
	assert.Equal(t, inline, string(data))

	path := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(path, []byte(inline), 0o600))
	data, err = credentialsData(path)
	require.NoError(t, err)
	assert.Equal(t, inline, string(data))

	_, err = credentialsData(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

// fakeSheets records calls against the subset of the Sheets v4 API the
// client uses.
type fakeSheets struct {
	mu       sync.Mutex
	titles   []string
	existing [][]any
	created  []string
	appended [][]any
	header   [][]any
}

func (f *fakeSheets) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	path := r.URL.Path

	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":batchUpdate"):
		var req struct {
			Requests []struct {
				AddSheet struct {
					Properties struct {
						Title string `json:"title"`
					} `json:"properties"`
				} `json:"addSheet"`
			} `json:"requests"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, rq := range req.Requests {
			f.created = append(f.created, rq.AddSheet.Properties.Title)
			f.titles = append(f.titles, rq.AddSheet.Properties.Title)
		}
		_, _ = w.Write([]byte(`{}`))

	case r.Method == http.MethodPost && strings.HasSuffix(path, ":append"):
		var vr struct {
			Values [][]any `json:"values"`
		}
		_ = json.NewDecoder(r.Body).Decode(&vr)
		f.appended = append(f.appended, vr.Values...)
		_, _ = w.Write([]byte(`{}`))

	case r.Method == http.MethodPut && strings.Contains(path, "/values/"):
		var vr struct {
			Values [][]any `json:"values"`
		}
		_ = json.NewDecoder(r.Body).Decode(&vr)
		f.header = vr.Values
		_, _ = w.Write([]byte(`{}`))

	case r.Method == http.MethodGet && strings.Contains(path, "/values/"):
		_ = json.NewEncoder(w).Encode(map[string]any{"values": f.existing})

	case r.Method == http.MethodGet:
		sheets := []map[string]any{}
		for _, title := range f.titles {
			sheets = append(sheets, map[string]any{"properties": map[string]any{"title": title}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"spreadsheetId": "sid", "sheets": sheets})

	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, f *fakeSheets) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewClient(context.Background(), "", nil,
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return c
}

func TestExportThreads_CreatesSheetAndAppends(t *testing.T) {
	f := &fakeSheets{titles: []string{"Other"}}
	c := newTestClient(t, f)

	n, err := c.ExportThreads(context.Background(), "sid", "Threads", sampleThreads())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"Threads"}, f.created)
	assert.Equal(t, [][]any{header}, f.header)
	require.Len(t, f.appended, 3)
	assert.Equal(t, []any{"15/01/2024", "Bob", "first", "1705312900.000200", KindReply}, f.appended[1])
}

func TestExportThreads_SkipsExistingRows(t *testing.T) {
	f := &fakeSheets{
		titles:   []string{"Threads"},
		existing: [][]any{{"Timestamp"}, {"1705312800.000100"}, {"1705312900.000200"}},
	}
	c := newTestClient(t, f)

	n, err := c.ExportThreads(context.Background(), "sid", "Threads", sampleThreads())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.created)
	require.Len(t, f.appended, 1)
	assert.Equal(t, "1705399200.000000", f.appended[0][3])

	f.existing = append(f.existing, []any{"1705399200.000000"})
	n, err = c.ExportThreads(context.Background(), "sid", "Threads", sampleThreads())
	require.NoError(t, err)
	assert.Zero(t, n)
}
