package listener

import (
	"fmt"
	"time"

	"yinchabot/internal/transport"
)

type Kind uint8

const (
	// KindLive is an update received from the Bot API.
	KindLive Kind = iota + 1
	// KindSynthetic is a scheduled fire event for one subscribed chat.
	KindSynthetic
)

func (k Kind) String() string {
	switch k {
	case KindLive:
		return "live"
	case KindSynthetic:
		return "synthetic"
	default:
		return "unknown"
	}
}

// Event is one item of the merged stream.
//
// Live events carry Update. Synthetic events carry ChatID and FireAt (the
// trigger occurrence) and never affect the cursor.
type Event struct {
	Kind   Kind
	Update transport.Update
	ChatID int64
	FireAt time.Time
}

func Live(u transport.Update) Event { return Event{Kind: KindLive, Update: u} }

func Synthetic(chatID int64, fireAt time.Time) Event {
	return Event{Kind: KindSynthetic, ChatID: chatID, FireAt: fireAt}
}

func (e Event) IsSynthetic() bool { return e.Kind == KindSynthetic }

func (e Event) String() string {
	if e.Kind == KindSynthetic {
		return fmt.Sprintf("synthetic(chat=%d at=%s)", e.ChatID, e.FireAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("live(update=%d kind=%s)", e.Update.ID, e.Update.Kind)
}

// Chunk is the output of one loop iteration: live events in arrival order,
// then synthetic events. Err is set when the fetch failed; synthetic events
// may still be present in that case.
type Chunk struct {
	Events []Event
	Err    error
	Cursor int32
	// Final marks the error chunk produced by a failed drain fetch.
	Final bool
}
