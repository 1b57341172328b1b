package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateCallback UpdateKind = "callback"
	UpdateOther    UpdateKind = "other"
)

// Update is a transport-neutral view of one getUpdates record.
type Update struct {
	ID       int32
	Kind     UpdateKind
	Message  *Message
	Callback *Callback
}

type Message struct {
	ID           int
	ChatID       int64
	ChatTitle    string
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromName     string
	FromUsername string
	Text         string
	IsGroup      bool
}

type Callback struct {
	ID        string
	FromID    int64
	ChatID    int64
	ThreadID  int
	MessageID int
	Data      string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyToID threads the message as a reply (0 = plain message).
	ReplyToID int
}

// FetchRequest is the payload of one long-poll round trip.
//
// Timeout == 0 asks the server to answer immediately; Limit == 0 leaves the
// batch size to the server default. AllowedUpdates nil keeps the server-side
// filter from the previous call (Telegram semantics).
type FetchRequest struct {
	Offset         int32
	Timeout        time.Duration
	Limit          int
	AllowedUpdates []string
}

// FetchedUpdate is one record of a fetch result: either a parsed Update
// (Err == nil) or the raw value that failed to parse.
type FetchedUpdate struct {
	Update Update
	Raw    json.RawMessage
	Err    error
}

var ErrNoUpdateID = errors.New("update_id missing")

// UpdateID returns the record id, falling back to the raw update_id field
// when the record failed to parse.
func (f FetchedUpdate) UpdateID() (int32, error) {
	if f.Err == nil {
		return f.Update.ID, nil
	}
	return ExtractUpdateID(f.Raw)
}

// ExtractUpdateID reads the numeric update_id from a raw getUpdates record.
func ExtractUpdateID(raw json.RawMessage) (int32, error) {
	var probe struct {
		UpdateID *json.Number `json:"update_id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return 0, fmt.Errorf("extract update_id: %w", err)
	}
	if probe.UpdateID == nil {
		return 0, ErrNoUpdateID
	}
	v, err := probe.UpdateID.Int64()
	if err != nil {
		return 0, fmt.Errorf("extract update_id: %w", err)
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, fmt.Errorf("extract update_id: %d overflows int32", v)
	}
	return int32(v), nil
}

// Poller performs a single getUpdates-style round trip.
type Poller interface {
	FetchUpdates(ctx context.Context, req FetchRequest) ([]FetchedUpdate, error)
}

// Sender delivers outgoing messages.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendVoice(ctx context.Context, to ChatTarget, path string, opt *SendOptions) (MessageRef, error)
}

// BotInfo describes the bot account (getMe).
type BotInfo struct {
	ID            int64
	FirstName     string
	Username      string
	CanJoinGroups bool
}

type Adapter interface {
	Poller
	Sender
	Me() BotInfo
	Close(ctx context.Context) error
}
