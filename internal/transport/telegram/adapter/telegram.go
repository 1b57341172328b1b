package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "yinchabot/internal/transport"
	logx "yinchabot/pkg/logx"
)

// Config configures the Telegram adapter.
type Config struct {
	Token string
	// URL overrides the Bot API endpoint (tests, local bot-api servers).
	URL string
	// PollTimeout is the server-side long-poll timeout; the HTTP client
	// deadline is derived from it.
	PollTimeout time.Duration
	// RemoveWebhook deletes a configured webhook before the first poll
	// (getUpdates fails with 409 while a webhook is set).
	RemoveWebhook bool
	// Offline skips getMe during construction.
	Offline bool
}

// httpSlack is added to the long-poll timeout to bound a single round trip.
const httpSlack = 15 * time.Second

// Adapter implements transport.Adapter on top of telebot.
//
// Polling is driven by the caller through FetchUpdates; telebot's own poller
// is never started.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	// baseCtx is cancelled by Close so waiting fetches return promptly.
	baseCtx   context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	inflight  sync.WaitGroup

	fetches     atomic.Uint64
	fetchErrors atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg.PollTimeout = timeout
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.URL),
		Token:   cfg.Token,
		Client:  newHTTPClient(timeout),
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{cfg: cfg, log: log, bot: b, baseCtx: ctx, cancel: cancel}, nil
}

// Prepare runs one-off setup before the first poll.
func (a *Adapter) Prepare(ctx context.Context) error {
	if !a.cfg.RemoveWebhook {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.RemoveWebhook(false); err != nil {
		return fmt.Errorf("telegram deleteWebhook: %w", err)
	}
	a.log.Info("webhook removed")
	return nil
}

func (a *Adapter) Me() kit.BotInfo {
	if a.bot == nil || a.bot.Me == nil {
		return kit.BotInfo{}
	}
	me := a.bot.Me
	return kit.BotInfo{
		ID:            me.ID,
		FirstName:     me.FirstName,
		Username:      me.Username,
		CanJoinGroups: me.CanJoinGroups,
	}
}

type getUpdatesParams struct {
	Offset         int32    `json:"offset"`
	Timeout        int      `json:"timeout"`
	Limit          int      `json:"limit,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
}

type rawResult struct {
	data []byte
	err  error
}

// FetchUpdates performs one getUpdates round trip.
//
// Records are decoded one by one: a record that does not decode is returned
// with its raw JSON and the decode error instead of failing the whole batch.
func (a *Adapter) FetchUpdates(ctx context.Context, req kit.FetchRequest) ([]kit.FetchedUpdate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := a.baseCtx.Err(); err != nil {
		return nil, errors.New("telegram adapter closed")
	}
	params := getUpdatesParams{
		Offset:         req.Offset,
		Timeout:        int(req.Timeout / time.Second),
		Limit:          req.Limit,
		AllowedUpdates: req.AllowedUpdates,
	}

	a.fetches.Add(1)
	a.inflight.Add(1)
	done := make(chan rawResult, 1)
	go func() {
		defer a.inflight.Done()
		data, err := a.bot.Raw("getUpdates", params)
		done <- rawResult{data: data, err: err}
	}()

	var res rawResult
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.baseCtx.Done():
		return nil, errors.New("telegram adapter closed")
	case res = <-done:
	}
	if res.err != nil {
		a.fetchErrors.Add(1)
		return nil, fmt.Errorf("telegram getUpdates: %w", res.err)
	}
	return decodeUpdates(res.data)
}

func decodeUpdates(data []byte) ([]kit.FetchedUpdate, error) {
	var resp struct {
		Result []json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("telegram getUpdates: decode response: %w", err)
	}
	out := make([]kit.FetchedUpdate, 0, len(resp.Result))
	for _, raw := range resp.Result {
		var u tele.Update
		if err := json.Unmarshal(raw, &u); err != nil {
			out = append(out, kit.FetchedUpdate{Raw: raw, Err: err})
			continue
		}
		up, err := convertUpdate(&u)
		if err != nil {
			out = append(out, kit.FetchedUpdate{Raw: raw, Err: err})
			continue
		}
		out = append(out, kit.FetchedUpdate{Update: up, Raw: raw})
	}
	return out, nil
}

func convertUpdate(u *tele.Update) (kit.Update, error) {
	if u.ID < math.MinInt32 || u.ID > math.MaxInt32 {
		return kit.Update{}, fmt.Errorf("update_id %d overflows int32", u.ID)
	}
	up := kit.Update{ID: int32(u.ID), Kind: kit.UpdateOther}
	switch {
	case u.Message != nil:
		up.Kind = kit.UpdateMessage
		up.Message = convertMessage(u.Message)
	case u.Callback != nil:
		cb := u.Callback
		up.Kind = kit.UpdateCallback
		up.Callback = &kit.Callback{ID: cb.ID, Data: cb.Data}
		if cb.Sender != nil {
			up.Callback.FromID = cb.Sender.ID
		}
		if m := cb.Message; m != nil && m.Chat != nil {
			up.Callback.ChatID = m.Chat.ID
			up.Callback.ThreadID = m.ThreadID
			up.Callback.MessageID = m.ID
		}
	}
	return up, nil
}

func convertMessage(m *tele.Message) *kit.Message {
	out := &kit.Message{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		Text:     m.Text,
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
		out.ChatTitle = m.Chat.Title
		out.IsGroup = m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup
	}
	if m.Sender != nil {
		out.FromID = m.Sender.ID
		out.FromName = m.Sender.FirstName
		out.FromUsername = m.Sender.Username
	}
	return out
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send,
// preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	if opt.ReplyToID != 0 {
		so.ReplyTo = &tele.Message{ID: opt.ReplyToID, Chat: &tele.Chat{ID: to.ChatID}}
		so.AllowWithoutReply = true
	}
	return so
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		so := sendOptions(to, opt)
		// Only the first chunk is a reply.
		if i > 0 {
			so.ReplyTo = nil
		}
		msg, err := a.bot.Send(chat, chunk, so)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendVoice uploads a local audio file as a voice message.
func (a *Adapter) SendVoice(ctx context.Context, to kit.ChatTarget, path string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	voice := &tele.Voice{File: tele.FromDisk(path)}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, voice, sendOptions(to, opt))
	if err != nil {
		return kit.MessageRef{}, err
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// Close aborts waiting fetches and waits (bounded by ctx) for their HTTP
// calls to unwind. It is idempotent.
func (a *Adapter) Close(ctx context.Context) error {
	a.closeOnce.Do(a.cancel)
	a.log.Info("closing",
		logx.Uint64("fetches", a.fetches.Load()),
		logx.Uint64("fetch_errors", a.fetchErrors.Load()),
	)

	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()

	// Grace window: a long-poll may still be parked server side.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram close cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram close grace elapsed; in-flight request abandoned")
		return nil
	}
}
