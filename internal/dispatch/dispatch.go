// Package dispatch reacts to listener events: group subscription commands
// and scheduled voice delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"yinchabot/internal/eventbus"
	"yinchabot/internal/listener"
	"yinchabot/internal/storage"
	"yinchabot/internal/subscriber"
	"yinchabot/internal/transport"
	logx "yinchabot/pkg/logx"
)

const (
	ReplySubscribed        = "Successful subscribe this group!"
	ReplyAlreadySubscribed = "This group is already subscribed."

	DefaultSubscribeCommand = "/subscribe"
	testCommand             = "/test"

	// dedupTTL outlives any firing window by far; keys only need to survive
	// until the occurrence is over.
	dedupTTL = 48 * time.Hour
)

// Subscriptions is the write side of the subscriber store.
type Subscriptions interface {
	Add(r subscriber.Record) (bool, error)
}

// VoicePicker chooses the file to send.
type VoicePicker interface {
	Pick() (string, error)
}

type Config struct {
	// BotUsername is matched case-insensitively in "/subscribe @<bot>".
	// Empty accepts the bare command.
	BotUsername      string
	SubscribeCommand string
	// Debug enables /test, which sends a voice immediately.
	Debug bool
	// RatePerSec limits voice uploads (0 = 1/s).
	RatePerSec float64
}

type Deps struct {
	Sender        transport.Sender
	Subscriptions Subscriptions
	Voices        VoicePicker
	// Store is optional; without it dedup only lasts for the process.
	Store storage.Store
	Bus   eventbus.Bus
	Log   logx.Logger
}

type Dispatcher struct {
	cfg     Config
	deps    Deps
	log     logx.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	delivered map[int64]time.Time // chat -> last occurrence delivered
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Sender == nil {
		return nil, errors.New("dispatch: sender is nil")
	}
	if deps.Subscriptions == nil {
		return nil, errors.New("dispatch: subscriptions is nil")
	}
	if deps.Voices == nil {
		return nil, errors.New("dispatch: voice picker is nil")
	}
	cfg.BotUsername = strings.TrimPrefix(strings.TrimSpace(cfg.BotUsername), "@")
	cfg.SubscribeCommand = strings.TrimSpace(cfg.SubscribeCommand)
	if cfg.SubscribeCommand == "" {
		cfg.SubscribeCommand = DefaultSubscribeCommand
	}
	if !strings.HasPrefix(cfg.SubscribeCommand, "/") {
		cfg.SubscribeCommand = "/" + cfg.SubscribeCommand
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:       cfg,
		deps:      deps,
		log:       log.With(logx.String("comp", "dispatch")),
		limiter:   rate.NewLimiter(rate.Limit(rps), 1),
		delivered: map[int64]time.Time{},
	}, nil
}

// HandleEvent implements listener.Handler. Only persistence failures of a
// subscription are returned; delivery problems are logged.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev listener.Event) error {
	switch ev.Kind {
	case listener.KindSynthetic:
		d.deliverScheduled(ctx, ev.ChatID, ev.FireAt)
		return nil
	case listener.KindLive:
		if ev.Update.Kind == transport.UpdateMessage && ev.Update.Message != nil {
			return d.handleMessage(ctx, ev.Update.Message)
		}
		return nil
	default:
		d.log.Warn("unknown event kind", logx.String("event", ev.String()))
		return nil
	}
}

func (d *Dispatcher) handleMessage(ctx context.Context, m *transport.Message) error {
	switch {
	case d.isCommand(m.Text, d.cfg.SubscribeCommand, true):
		if !m.IsGroup {
			d.log.Debug("subscribe ignored outside groups", logx.Int64("chat_id", m.ChatID))
			return nil
		}
		return d.subscribe(ctx, m)
	case d.cfg.Debug && d.isCommand(m.Text, testCommand, false):
		d.sendVoice(ctx, m.ChatID, "test", time.Time{})
	}
	return nil
}

// isCommand matches "<cmd> @bot" and "<cmd>@bot". With requireMention false
// the bare command matches too.
func (d *Dispatcher) isCommand(text, cmd string, requireMention bool) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 || len(fields) > 2 {
		return false
	}
	bot := d.cfg.BotUsername
	head, mention, hasAt := strings.Cut(fields[0], "@")
	if !strings.EqualFold(head, cmd) {
		return false
	}
	switch {
	case hasAt && len(fields) == 1:
		return bot == "" || strings.EqualFold(mention, bot)
	case hasAt:
		return false
	case len(fields) == 2:
		m, ok := strings.CutPrefix(fields[1], "@")
		return ok && (bot == "" || strings.EqualFold(m, bot))
	default:
		return bot == "" || !requireMention
	}
}

func (d *Dispatcher) subscribe(ctx context.Context, m *transport.Message) error {
	added, err := d.deps.Subscriptions.Add(subscriber.NewRecord(m.ChatID))
	d.audit(ctx, storage.AuditEntry{
		Action:        storage.ActionSubscribe,
		ChatID:        m.ChatID,
		ChatTitle:     m.ChatTitle,
		ActorID:       m.FromID,
		ActorUsername: m.FromUsername,
		OK:            err == nil,
		Error:         errString(err),
	})
	if err != nil {
		return fmt.Errorf("dispatch: subscribe chat %d: %w", m.ChatID, err)
	}

	fields := []logx.Field{
		logx.Int64("chat_id", m.ChatID),
		logx.String("chat_title", m.ChatTitle),
		logx.Int64("from_id", m.FromID),
		logx.String("from_name", m.FromName),
		logx.String("from_username", m.FromUsername),
	}
	reply := ReplyAlreadySubscribed
	if added {
		reply = ReplySubscribed
		d.log.Info("group subscribed", fields...)
		d.publish(eventbus.TypeSubscribed, map[string]any{"chat_id": m.ChatID})
	} else {
		d.log.Info("group already subscribed", fields...)
	}

	to := transport.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if _, err := d.deps.Sender.SendText(ctx, to, reply, &transport.SendOptions{ReplyToID: m.ID}); err != nil {
		d.log.Warn("subscribe reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
	return nil
}

// deliverScheduled sends one voice per chat and occurrence.
func (d *Dispatcher) deliverScheduled(ctx context.Context, chatID int64, fireAt time.Time) {
	d.mu.Lock()
	last, seen := d.delivered[chatID]
	d.mu.Unlock()
	if seen && last.Equal(fireAt) {
		return
	}

	key := DedupKey(chatID, fireAt)
	if st := d.deps.Store; st != nil {
		if _, ok, err := st.GetDedup(ctx, key); err != nil {
			d.log.Warn("dedup lookup failed; delivering anyway", logx.String("key", key), logx.Err(err))
		} else if ok {
			d.markDelivered(chatID, fireAt)
			d.log.Debug("scheduled voice already delivered", logx.String("key", key))
			return
		}
	}

	if !d.sendVoice(ctx, chatID, "scheduled", fireAt) {
		return
	}
	d.markDelivered(chatID, fireAt)
	if st := d.deps.Store; st != nil {
		if err := st.PutDedup(ctx, key, fireAt.Add(dedupTTL)); err != nil {
			d.log.Warn("dedup record failed", logx.String("key", key), logx.Err(err))
		}
	}
}

func (d *Dispatcher) markDelivered(chatID int64, fireAt time.Time) {
	d.mu.Lock()
	d.delivered[chatID] = fireAt
	d.mu.Unlock()
}

// sendVoice picks a file and sends it, reporting success.
func (d *Dispatcher) sendVoice(ctx context.Context, chatID int64, reason string, fireAt time.Time) bool {
	log := d.log.With(logx.Int64("chat_id", chatID), logx.String("reason", reason))
	path, err := d.deps.Voices.Pick()
	if err != nil {
		log.Error("no voice to send", logx.Err(err))
		d.audit(ctx, storage.AuditEntry{Action: storage.ActionVoice, ChatID: chatID, Error: err.Error()})
		return false
	}
	if err := d.limiter.Wait(ctx); err != nil {
		log.Debug("voice send aborted", logx.Err(err))
		return false
	}

	start := time.Now()
	_, err = d.deps.Sender.SendVoice(ctx, transport.ChatTarget{ChatID: chatID}, path, nil)
	d.audit(ctx, storage.AuditEntry{
		Action: storage.ActionVoice,
		ChatID: chatID,
		Target: filepath.Base(path),
		OK:     err == nil,
		Error:  errString(err),
	})
	if err != nil {
		log.Warn("voice send failed", logx.String("file", path), logx.Err(err))
		return false
	}
	log.Info("voice sent", logx.String("file", filepath.Base(path)), logx.Duration("took", time.Since(start)))
	data := map[string]any{"chat_id": chatID, "file": filepath.Base(path)}
	if !fireAt.IsZero() {
		data["occurrence"] = fireAt
	}
	d.publish(eventbus.TypeDelivered, data)
	return true
}

func (d *Dispatcher) audit(ctx context.Context, e storage.AuditEntry) {
	if d.deps.Store == nil {
		return
	}
	if err := d.deps.Store.AppendAudit(ctx, e); err != nil {
		d.log.Warn("audit append failed", logx.String("action", e.Action), logx.Err(err))
	}
}

func (d *Dispatcher) publish(typ string, data map[string]any) {
	if d.deps.Bus != nil {
		d.deps.Bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

// DedupKey identifies one scheduled delivery.
func DedupKey(chatID int64, fireAt time.Time) string {
	return fmt.Sprintf("voice:%d:%d", chatID, fireAt.Unix())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
