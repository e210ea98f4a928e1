package mailbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/option"

	"github.com/xkilldash9x/portal-login/internal/config"
	"github.com/xkilldash9x/portal-login/internal/retry"
)

// fakeGmail mimics the two users.messages endpoints the adapter calls.
type fakeGmail struct {
	messages  map[string]map[string]any
	order     []string
	listCalls atomic.Int32
	lastQuery atomic.Value
	formats   []string
}

func newFakeGmail() *fakeGmail {
	return &fakeGmail{messages: map[string]map[string]any{}}
}

func (f *fakeGmail) add(id string, delivered time.Time, snippet string) {
	f.order = append(f.order, id)
	// internalDate is serialized as a quoted int64 by the API.
	f.messages[id] = map[string]any{
		"id":           id,
		"threadId":     id,
		"internalDate": strconv.FormatInt(delivered.UnixMilli(), 10),
		"snippet":      snippet,
	}
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const prefix = "/gmail/v1/users/me/messages"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if id == "" {
		f.listCalls.Add(1)
		f.lastQuery.Store(r.URL.Query().Get("q"))
		refs := make([]map[string]string, 0, len(f.order))
		for _, mid := range f.order {
			refs = append(refs, map[string]string{"id": mid, "threadId": mid})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": refs, "resultSizeEstimate": len(refs)})
		return
	}

	f.formats = append(f.formats, r.URL.Query().Get("format"))
	msg, ok := f.messages[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found."}}`))
		return
	}
	_ = json.NewEncoder(w).Encode(msg)
}

func gmailTestOptions(srv *httptest.Server) []option.ClientOption {
	return []option.ClientOption{
		option.WithEndpoint(srv.URL + "/"),
		option.WithHTTPClient(srv.Client()),
	}
}

func testMailboxConfig() config.MailboxConfig {
	return config.MailboxConfig{UserID: "me", Sender: "otp@hackeru.com", MaxResults: 10, RequestsPerSecond: 100}
}

func TestGmail_ListAndGet(t *testing.T) {
	fake := newFakeGmail()
	delivered := time.UnixMilli(1709283600123)
	fake.add("18e0a", delivered, "Your OTP Code is 483920")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	g, err := NewGmail(context.Background(), staticCredential{valid: true}, testMailboxConfig(), gmailTestOptions(srv)...)
	require.NoError(t, err)

	ids, err := g.List(context.Background(), "from:otp@hackeru.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"18e0a"}, ids)
	assert.Equal(t, "from:otp@hackeru.com", fake.lastQuery.Load())

	msg, err := g.Get(context.Background(), "18e0a")
	require.NoError(t, err)
	assert.Equal(t, "18e0a", msg.ID)
	assert.True(t, delivered.Equal(msg.Delivered))
	assert.Equal(t, "Your OTP Code is 483920", msg.Snippet)
	assert.Equal(t, []string{"metadata"}, fake.formats)
}

func TestGmail_GetMissingMessage(t *testing.T) {
	srv := httptest.NewServer(newFakeGmail())
	defer srv.Close()

	g, err := NewGmail(context.Background(), staticCredential{valid: true}, testMailboxConfig(), gmailTestOptions(srv)...)
	require.NoError(t, err)

	_, err = g.Get(context.Background(), "nope")
	assert.Error(t, err)
}

func TestGmail_SourceEndToEnd(t *testing.T) {
	fake := newFakeGmail()
	fake.add("old", sessionStart.Add(-time.Minute), "Your OTP Code is 111111")
	fake.add("new", sessionStart.Add(30*time.Second), "Your OTP Code is 483920")
	srv := httptest.NewServer(fake)
	defer srv.Close()

	src := NewSource(GmailConnector(testMailboxConfig(), gmailTestOptions(srv)...), "otp@hackeru.com", zaptest.NewLogger(t))

	code, err := src.FetchOTP(context.Background(), staticCredential{valid: true}, sessionStart,
		retry.Policy{MaxAttempts: 3, Interval: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, Code("483920"), code)
	assert.Equal(t, int32(1), fake.listCalls.Load())
}
