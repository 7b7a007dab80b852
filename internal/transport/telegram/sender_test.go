package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "invoiced/pkg/logx"
)

type fakeAPI struct {
	mu   sync.Mutex
	sent []url.Values
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	vals := url.Values{}
	var params map[string]any
	if json.Unmarshal(body, &params) == nil {
		for k, v := range params {
			switch x := v.(type) {
			case string:
				vals.Set(k, x)
			default:
				b, _ := json.Marshal(x)
				vals.Set(k, string(b))
			}
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, vals)
	n := len(f.sent)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"ok": true,
		"result": map[string]any{
			"message_id": n,
			"date":       0,
			"chat":       map[string]any{"id": -100, "type": "supergroup"},
		},
	})
}

func (f *fakeAPI) calls() []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]url.Values(nil), f.sent...)
}

func TestSenderSendText(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, s.SendText(context.Background(), -100, 7, "job failed: inbox-poll"))
	calls := api.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "-100", calls[0].Get("chat_id"))
	assert.Equal(t, "7", calls[0].Get("message_thread_id"))
	assert.Equal(t, "job failed: inbox-poll", calls[0].Get("text"))
	assert.EqualValues(t, 1, s.Sent())
}

func TestSenderRejectsBadInput(t *testing.T) {
	_, err := New(Config{Token: " "}, logx.Nop())
	assert.Error(t, err)

	s, err := New(Config{Token: "123:abc", APIURL: "http://127.0.0.1:1"}, logx.Nop())
	require.NoError(t, err)
	assert.Error(t, s.SendText(context.Background(), 0, 0, "x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.SendText(ctx, 1, 0, "x"), context.Canceled)
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, splitText(long, 10))

	runes := strings.Repeat("é", 25)
	parts := splitText(runes, 10)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.LessOrEqual(t, utf8.RuneCountInString(p), 10)
	}
	assert.Equal(t, runes, strings.Join(parts, ""))
}
