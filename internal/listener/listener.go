package listener

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"yinchabot/internal/eventbus"
	"yinchabot/internal/subscriber"
	"yinchabot/internal/transport"
	logx "yinchabot/pkg/logx"
)

// ErrClosed is returned by Next once the listener is terminal.
var ErrClosed = errors.New("listener: closed")

// Subscribers yields the chats that receive synthetic events. A read error
// is fatal for the listener.
type Subscribers interface {
	Snapshot() ([]subscriber.Record, error)
}

// Trigger reports whether a scheduled occurrence is currently firing.
type Trigger interface {
	Due(now time.Time) (occurrence time.Time, ok bool)
}

type Config struct {
	// Timeout is the long-poll timeout passed to getUpdates.
	Timeout time.Duration
	// Limit caps the batch size (0 = server default).
	Limit int
	// AllowedUpdates is sent with every request, including the drain fetch.
	AllowedUpdates []string
	// RepeatInWindow re-injects the same occurrence on every iteration inside
	// the trigger window instead of once.
	RepeatInWindow bool
	// ErrorBackoff delays the fetch following a failed one (0 = none). It
	// doubles per consecutive failure up to maxBackoff.
	ErrorBackoff time.Duration
}

const maxBackoff = 30 * time.Second

type Deps struct {
	Poller      transport.Poller
	Subscribers Subscribers
	Trigger     Trigger
	Flag        StopFlag
	Bus         eventbus.Bus
	Log         logx.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// state is owned by the loop and replaced wholesale after each step.
type state struct {
	cursor   int32
	terminal bool
	lastFire time.Time
	failures int
}

// Listener merges long-polled updates with scheduled synthetic events.
//
// Next holds a mutex for the whole iteration, so the poller never sees
// overlapping fetches.
type Listener struct {
	mu   sync.Mutex
	st   state
	cfg  Config
	deps Deps
	log  logx.Logger
}

func New(cfg Config, deps Deps) (*Listener, error) {
	if deps.Poller == nil {
		return nil, errors.New("listener: poller is nil")
	}
	if deps.Subscribers == nil {
		return nil, errors.New("listener: subscribers is nil")
	}
	if deps.Trigger == nil {
		return nil, errors.New("listener: trigger is nil")
	}
	if cfg.Timeout < 0 || cfg.Limit < 0 {
		return nil, fmt.Errorf("listener: invalid poll config timeout=%s limit=%d", cfg.Timeout, cfg.Limit)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.AllowedUpdates = slices.Clone(cfg.AllowedUpdates)
	return &Listener{
		cfg:  cfg,
		deps: deps,
		log:  log.With(logx.String("comp", "listener"), logx.String("session", uuid.NewString())),
	}, nil
}

// Cursor returns the offset the next fetch will use.
func (l *Listener) Cursor() int32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st.cursor
}

// Next runs one iteration.
//
// Fetch failures are reported in Chunk.Err and the listener keeps going. A
// subscriber read failure is returned as an error and ends the listener.
// Cancelling ctx aborts the iteration without changing state.
func (l *Listener) Next(ctx context.Context) (Chunk, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st.terminal {
		return Chunk{}, ErrClosed
	}
	next, c, err := l.step(ctx, l.st)
	l.st = next
	return c, err
}

func (l *Listener) step(ctx context.Context, st state) (state, Chunk, error) {
	if !l.deps.Flag.IsStopped() && st.failures > 0 && l.cfg.ErrorBackoff > 0 {
		if err := l.backoff(ctx, st.failures); err != nil {
			return st, Chunk{}, err
		}
	}
	if l.deps.Flag.IsStopped() {
		return l.drain(ctx, st)
	}

	var c Chunk
	recs, err := l.deps.Poller.FetchUpdates(ctx, l.request(st.cursor, l.cfg.Timeout, l.cfg.Limit))
	if err != nil {
		if ctx.Err() != nil {
			return st, Chunk{}, ctx.Err()
		}
		st.failures++
		c.Err = err
		l.log.Warn("fetch updates failed", logx.Err(err), logx.Int("failures", st.failures))
		l.publish(eventbus.TypeFetchError, map[string]any{"error": err.Error(), "failures": st.failures})
	} else {
		st.failures = 0
		st.cursor, c.Events = l.absorb(st.cursor, recs)
		if len(c.Events) > 0 {
			l.publish(eventbus.TypeListenerBatch, map[string]any{"events": len(c.Events), "cursor": st.cursor})
		}
	}

	st, synth, err := l.inject(st)
	if err != nil {
		st.terminal = true
		l.deps.Flag.finish()
		l.log.Error("listener stopped on fatal error", logx.Err(err))
		return st, Chunk{}, err
	}
	c.Events = append(c.Events, synth...)
	c.Cursor = st.cursor
	return st, c, nil
}

func (l *Listener) request(offset int32, timeout time.Duration, limit int) transport.FetchRequest {
	return transport.FetchRequest{
		Offset:         offset,
		Timeout:        timeout,
		Limit:          limit,
		AllowedUpdates: slices.Clone(l.cfg.AllowedUpdates),
	}
}

// absorb advances the cursor over every record with a usable id and returns
// the live events for records that parsed.
func (l *Listener) absorb(cursor int32, recs []transport.FetchedUpdate) (int32, []Event) {
	next := cursor
	events := make([]Event, 0, len(recs))
	for _, r := range recs {
		id, err := r.UpdateID()
		if err != nil {
			l.log.Error("update has no usable id", logx.Err(err), logx.String("raw", string(r.Raw)))
			continue
		}
		if id >= next {
			next = id
			if id < math.MaxInt32 {
				next = id + 1
			}
		}
		if r.Err != nil {
			l.log.Error("malformed update dropped",
				logx.Int64("update_id", int64(id)),
				logx.Err(r.Err),
				logx.String("raw", string(r.Raw)),
			)
			continue
		}
		// A cursor saturated at MaxInt32 cannot move past that id, so the
		// update is treated as acknowledged once it has been delivered.
		if id < cursor || (id == math.MaxInt32 && cursor == math.MaxInt32) {
			l.log.Debug("stale update skipped", logx.Int64("update_id", int64(id)), logx.Int64("cursor", int64(cursor)))
			continue
		}
		events = append(events, Live(r.Update))
	}
	return next, events
}

// inject reads the subscriber list and, when the trigger is due, returns one
// synthetic event per subscriber.
func (l *Listener) inject(st state) (state, []Event, error) {
	subs, err := l.deps.Subscribers.Snapshot()
	if err != nil {
		return st, nil, fmt.Errorf("listener: read subscribers: %w", err)
	}
	occ, ok := l.deps.Trigger.Due(l.deps.Now())
	if !ok || len(subs) == 0 {
		return st, nil, nil
	}
	if !l.cfg.RepeatInWindow && occ.Equal(st.lastFire) {
		return st, nil, nil
	}
	st.lastFire = occ
	events := make([]Event, 0, len(subs))
	for _, s := range subs {
		events = append(events, Synthetic(s.ChatID, occ))
	}
	l.log.Info("trigger fired", logx.Time("occurrence", occ), logx.Int("subscribers", len(subs)))
	l.publish(eventbus.TypeTriggerFired, map[string]any{"occurrence": occ, "subscribers": len(subs)})
	return st, events, nil
}

// drain performs the handshake fetch that confirms the cursor to the server,
// then marks the listener terminal whatever its outcome.
func (l *Listener) drain(ctx context.Context, st state) (state, Chunk, error) {
	_, err := l.deps.Poller.FetchUpdates(ctx, l.request(st.cursor, 0, 1))
	st.terminal = true
	l.deps.Flag.finish()
	l.publish(eventbus.TypeListenerStopped, map[string]any{"cursor": st.cursor})
	if err != nil {
		if ctx.Err() != nil {
			return st, Chunk{}, ctx.Err()
		}
		l.log.Warn("drain fetch failed", logx.Err(err), logx.Int64("cursor", int64(st.cursor)))
		return st, Chunk{Err: err, Cursor: st.cursor, Final: true}, nil
	}
	l.log.Info("listener stopped", logx.Int64("cursor", int64(st.cursor)))
	return st, Chunk{}, ErrClosed
}

func (l *Listener) backoff(ctx context.Context, failures int) error {
	d := l.cfg.ErrorBackoff
	for i := 1; i < failures && d < maxBackoff; i++ {
		d *= 2
	}
	d = min(d, maxBackoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-l.deps.Flag.stopped():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// abort makes the listener terminal without a drain fetch.
func (l *Listener) abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.st.terminal {
		l.st.terminal = true
		l.deps.Flag.finish()
		l.publish(eventbus.TypeListenerStopped, map[string]any{"cursor": l.st.cursor, "aborted": true})
	}
}

func (l *Listener) publish(typ string, data map[string]any) {
	if l.deps.Bus == nil {
		return
	}
	l.deps.Bus.Publish(eventbus.Event{Type: typ, Time: l.deps.Now(), Data: data})
}

// Handler consumes events one at a time. An error ends Run.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

type HandlerFunc func(ctx context.Context, ev Event) error

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Run drives the listener until it is terminal. Fetch errors are logged by
// the loop and skipped. Cancelling ctx is a clean (hard) stop.
func (l *Listener) Run(ctx context.Context, h Handler) error {
	for {
		c, err := l.Next(ctx)
		switch {
		case errors.Is(err, ErrClosed):
			return nil
		case err != nil:
			if ctx.Err() != nil {
				l.abort()
				return nil
			}
			return err
		}
		for _, ev := range c.Events {
			if err := h.HandleEvent(ctx, ev); err != nil {
				return fmt.Errorf("listener: handle %s: %w", ev, err)
			}
		}
	}
}

// Events exposes the stream as a lazy sequence. A fetch failure is yielded
// as (zero Event, err) ahead of the chunk's synthetic events and iteration
// continues; a fatal error is yielded last.
func (l *Listener) Events(ctx context.Context) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			c, err := l.Next(ctx)
			switch {
			case errors.Is(err, ErrClosed):
				return
			case err != nil:
				if ctx.Err() != nil {
					l.abort()
					return
				}
				yield(Event{}, err)
				return
			}
			if c.Err != nil && !yield(Event{}, c.Err) {
				return
			}
			for _, ev := range c.Events {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}
}
