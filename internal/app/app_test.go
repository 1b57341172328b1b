package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"yinchabot/internal/config"
	"yinchabot/internal/subscriber"
	"yinchabot/internal/trigger"
	logx "yinchabot/pkg/logx"
)

// botAPI fakes the handful of Bot API methods the app uses.
type botAPI struct {
	mu      sync.Mutex
	pending []string
	offsets []int32
	sent    []string
}

func (b *botAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		w.Header().Set("Content-Type", "application/json")
		switch method {
		case "getMe":
			_, _ = io.WriteString(w, `{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"Yin","username":"yinchabot","can_join_groups":true}}`)
		case "getUpdates":
			var p struct {
				Offset int32 `json:"offset"`
			}
			if err := json.Unmarshal(body, &p); err != nil {
				t.Errorf("getUpdates body: %v", err)
			}
			b.mu.Lock()
			b.offsets = append(b.offsets, p.Offset)
			res := "[" + strings.Join(b.pending, ",") + "]"
			b.pending = nil
			b.mu.Unlock()
			if res == "[]" {
				time.Sleep(20 * time.Millisecond)
			}
			_, _ = io.WriteString(w, `{"ok":true,"result":`+res+`}`)
		case "sendMessage", "sendVoice":
			b.mu.Lock()
			b.sent = append(b.sent, method+" "+string(body))
			b.mu.Unlock()
			_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":99,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`)
		default:
			http.NotFound(w, r)
		}
	}
}

func (b *botAPI) sentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

func writeJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestAppSubscribesGroupAndStopsGracefully(t *testing.T) {
	api := &botAPI{pending: []string{
		`{"update_id":10,"message":{"message_id":1,"date":0,"text":"/subscribe@yinchabot","chat":{"id":-100,"type":"supergroup","title":"G"},"from":{"id":42,"first_name":"Ann","username":"ann"}}}`,
	}}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	dir := t.TempDir()
	voices := filepath.Join(dir, "voices")
	if err := os.Mkdir(voices, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(voices, "a.ogg"), []byte("OggS"), 0o644); err != nil {
		t.Fatal(err)
	}
	subsPath := filepath.Join(dir, "Settings.json")
	cfgPath := filepath.Join(dir, "config.json")
	writeJSON(t, cfgPath, map[string]any{
		"telegram":    map[string]any{"api_url": srv.URL, "poll_timeout": "1s"},
		"logging":     map[string]any{"level": "error"},
		"trigger":     map[string]any{"schedule": "@yearly"},
		"subscribers": map[string]any{"path": subsPath},
		"media":       map[string]any{"voice_dir": voices},
	})
	env := map[string]string{config.EnvToken: "123:abc"}

	a, err := newApp(cfgPath, func(k string) string { return env[k] })
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for api.sentCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reply sent")
		}
		time.Sleep(10 * time.Millisecond)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.ListenerDone():
	default:
		t.Fatal("listener not terminal after Stop")
	}

	api.mu.Lock()
	sent := append([]string(nil), api.sent...)
	offsets := append([]int32(nil), api.offsets...)
	api.mu.Unlock()
	if !strings.HasPrefix(sent[0], "sendMessage") || !strings.Contains(sent[0], "Successful subscribe this group!") {
		t.Fatalf("reply = %s", sent[0])
	}
	if offsets[0] != 0 || offsets[len(offsets)-1] != 11 {
		t.Fatalf("offsets = %v", offsets)
	}

	s, err := subscriber.Open(subsPath, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if !s.Contains(-100) {
		t.Fatalf("subscriber file = %+v", s.All())
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	writeJSON(t, cfgPath, map[string]any{
		"trigger": map[string]any{"schedule": "not a cron"},
		"media":   map[string]any{"voice_dir": dir},
	})
	_, err := newApp(cfgPath, func(string) string { return "" })
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"telegram.token", "trigger"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      *config.StorageConfig
		enabled bool
		driver  string
		wantErr bool
	}{
		{name: "absent"},
		{name: "none", in: &config.StorageConfig{Driver: "None"}},
		{name: "file", in: &config.StorageConfig{Driver: "file", Path: "/x"}, enabled: true, driver: "file"},
		{name: "sqlite", in: &config.StorageConfig{Driver: " SQLite ", Path: "/x.db", BusyTimeout: "2s"}, enabled: true, driver: "sqlite"},
		{name: "bad busy", in: &config.StorageConfig{Driver: "sqlite", Path: "/x.db", BusyTimeout: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, enabled, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if enabled != tt.enabled || sc.Driver != tt.driver {
				t.Fatalf("got %+v enabled=%v", sc, enabled)
			}
		})
	}
}

func TestMapLogConfigDisablesTelegramWithoutChat(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Logging.Telegram.Enabled = true
	if got := mapLogConfig(cfg); got.Telegram.Enabled {
		t.Fatal("telegram sink enabled without group_log")
	}
	cfg.Telegram.GroupLog = "-1001"
	got := mapLogConfig(cfg)
	if !got.Telegram.Enabled || got.Telegram.ChatID != -1001 {
		t.Fatalf("telegram = %+v", got.Telegram)
	}
}

func TestMapListenerConfigDefaults(t *testing.T) {
	t.Parallel()
	lc, err := mapListenerConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if lc.Timeout != config.DefaultPollTimeout || lc.ErrorBackoff != config.DefaultErrorBackoff {
		t.Fatalf("listener config = %+v", lc)
	}
	if got := stopGrace(lc); got != config.DefaultPollTimeout+5*time.Second {
		t.Fatalf("stopGrace = %s", got)
	}
}

func TestClockRefSwap(t *testing.T) {
	t.Parallel()
	mk := func(schedule string) *trigger.Clock {
		c, err := trigger.New(trigger.Config{Schedule: schedule})
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	r := newClockRef(mk("0 15 * * *"))
	if r.Swap(mk("0 15 * * *")) {
		t.Fatal("identical schedule reported as changed")
	}
	if !r.Swap(mk("0 9 * * *")) {
		t.Fatal("new schedule not reported")
	}
	// 09:00:05 in UTC+8.
	now := time.Date(2024, 3, 1, 1, 0, 5, 0, time.UTC)
	if _, ok := r.Due(now); !ok {
		t.Fatal("swapped clock not used")
	}
}

func TestLatestCoalesces(t *testing.T) {
	t.Parallel()
	ch := make(chan *config.Config, 3)
	a, b, c := &config.Config{}, &config.Config{}, &config.Config{}
	ch <- b
	ch <- c
	if got := latest(a, ch); got != c {
		t.Fatal("latest did not return the newest config")
	}
	if got := latest(a, ch); got != a {
		t.Fatal("empty channel must keep the given config")
	}
}

func TestStopStepBoundsSlowStep(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	stopStep(context.Background(), logx.Nop(), "slow", 30*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	if took := time.Since(start); took > time.Second {
		t.Fatalf("stopStep took %s", took)
	}

	var ran atomic.Bool
	stopStep(context.Background(), logx.Nop(), "panics", time.Second, func(context.Context) error {
		ran.Store(true)
		panic("boom")
	})
	if !ran.Load() {
		t.Fatal("step did not run")
	}
}

func TestSdNotifier(t *testing.T) {
	t.Parallel()
	var states []string
	n := newSdNotifier(true, logx.Nop())
	n.notify = func(state string) (bool, error) {
		states = append(states, state)
		if state == "FAIL" {
			return false, errors.New("socket gone")
		}
		return true, nil
	}
	n.send("READY=1")
	n.send("FAIL")
	if strings.Join(states, ",") != "READY=1,FAIL" {
		t.Fatalf("states = %v", states)
	}

	off := newSdNotifier(false, logx.Nop())
	off.notify = func(string) (bool, error) {
		t.Fatal("disabled notifier sent")
		return false, nil
	}
	off.send("READY=1")
	if err := off.watchdog(context.Background()); err != nil {
		t.Fatal(err)
	}
}
