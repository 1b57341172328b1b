package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	kit "yinchabot/internal/transport"
	logx "yinchabot/pkg/logx"
)

type fakeAPI struct {
	mu       sync.Mutex
	requests []getUpdatesParams
	result   string
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/getUpdates") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var p getUpdatesParams
		if err := json.Unmarshal(body, &p); err != nil {
			t.Errorf("decode getUpdates params: %v (%s)", err, body)
		}
		f.mu.Lock()
		f.requests = append(f.requests, p)
		res := f.result
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":`+res+`}`)
	}
}

func newTestAdapter(t *testing.T, url string) *Adapter {
	t.Helper()
	a, err := New(Config{Token: "123:abc", URL: url, PollTimeout: time.Second, Offline: true}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestNewRejectsEmptyToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Token: "  "}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestFetchUpdatesSendsRequestAndParsesRecords(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{result: `[
		{"update_id":5,"message":{"message_id":1,"text":"hi","chat":{"id":-100,"type":"supergroup","title":"G"},"from":{"id":42,"first_name":"Ann","username":"ann"}}},
		{"update_id":6,"message":"broken"},
		{"update_id":7,"edited_channel_post":{"message_id":3,"chat":{"id":-5,"type":"channel"}}}
	]`}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	got, err := a.FetchUpdates(context.Background(), kit.FetchRequest{
		Offset:         3,
		Timeout:        2 * time.Second,
		Limit:          10,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		t.Fatalf("FetchUpdates: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}

	api.mu.Lock()
	req := api.requests[0]
	api.mu.Unlock()
	if req.Offset != 3 || req.Timeout != 2 || req.Limit != 10 {
		t.Fatalf("request = %+v", req)
	}
	if len(req.AllowedUpdates) != 1 || req.AllowedUpdates[0] != "message" {
		t.Fatalf("allowed_updates = %v", req.AllowedUpdates)
	}

	first := got[0]
	if first.Err != nil || first.Update.ID != 5 || first.Update.Kind != kit.UpdateMessage {
		t.Fatalf("first = %+v", first)
	}
	m := first.Update.Message
	if m.ChatID != -100 || !m.IsGroup || m.FromUsername != "ann" || m.Text != "hi" {
		t.Fatalf("message = %+v", m)
	}

	if got[1].Err == nil {
		t.Fatal("expected parse error for malformed record")
	}
	if id, err := got[1].UpdateID(); err != nil || id != 6 {
		t.Fatalf("raw UpdateID = %d, %v; want 6", id, err)
	}

	if got[2].Err != nil || got[2].Update.Kind != kit.UpdateOther || got[2].Update.ID != 7 {
		t.Fatalf("third = %+v", got[2])
	}
}

func TestFetchUpdatesHonorsContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":[]}`)
	}))
	defer srv.Close()
	defer close(release)

	a := newTestAdapter(t, srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.FetchUpdates(ctx, kit.FetchRequest{Timeout: time.Second})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("FetchUpdates did not return promptly")
	}
}

func TestFetchUpdatesAfterClose(t *testing.T) {
	t.Parallel()
	api := &fakeAPI{result: `[]`}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	a := newTestAdapter(t, srv.URL)
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.FetchUpdates(context.Background(), kit.FetchRequest{}); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestDecodeUpdatesRejectsGarbage(t *testing.T) {
	t.Parallel()
	if _, err := decodeUpdates([]byte("not json")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  int
	}{
		{name: "short", in: "hello", limit: 10, want: 1},
		{name: "exact", in: strings.Repeat("a", 10), limit: 10, want: 1},
		{name: "hard split", in: strings.Repeat("a", 25), limit: 10, want: 3},
		{name: "newline split", in: strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6), limit: 10, want: 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := splitTelegramText(tt.in, tt.limit)
			if len(got) != tt.want {
				t.Fatalf("chunks = %d (%q), want %d", len(got), got, tt.want)
			}
			for _, c := range got {
				if n := len([]rune(c)); n > tt.limit {
					t.Fatalf("chunk len %d exceeds limit %d", n, tt.limit)
				}
			}
		})
	}
}
