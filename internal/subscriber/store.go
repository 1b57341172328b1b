package subscriber

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	logx "yinchabot/pkg/logx"
)

// DefaultTimezone is the label stored for new records. It is informational;
// the trigger uses one zone for everyone.
const DefaultTimezone = "UTC+8"

const (
	appDirName   = "YinChaBot"
	fileName     = "Settings.json"
	subscribeKey = "subscribe"
)

var (
	// ErrCorrupt wraps parse failures of an existing settings file.
	ErrCorrupt = errors.New("subscriber: settings file is corrupt")
	// ErrClosed is returned by Snapshot after Close.
	ErrClosed = errors.New("subscriber: store closed")
)

// Record is one subscribed chat. Two records are the same subscription when
// their ChatID matches.
type Record struct {
	ChatID   int64  `json:"chat_id"`
	Timezone string `json:"timezone"`
}

func NewRecord(chatID int64) Record {
	return Record{ChatID: chatID, Timezone: DefaultTimezone}
}

func (r Record) Equal(o Record) bool { return r.ChatID == o.ChatID }

// Store is the persisted subscriber list.
//
// The whole file is rewritten (truncate, encode, fsync) on every mutation.
// Top-level keys other than "subscribe" are kept as-is.
type Store struct {
	path string
	log  logx.Logger

	mu     sync.RWMutex
	recs   []Record
	extra  map[string]json.RawMessage
	closed bool
	// written is the file content as last read or written by the store.
	written []byte
}

// DefaultPath returns <user config dir>/YinChaBot/Settings.json.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("subscriber: resolve config dir: %w", err)
	}
	return filepath.Join(dir, appDirName, fileName), nil
}

// Open loads the store at path, creating the file (and its directory) when
// it does not exist yet.
func Open(path string, log logx.Logger) (*Store, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, log: log.With(logx.String("comp", "subscriber"))}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("subscriber: create dir: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			return nil, fmt.Errorf("subscriber: create %s: %w", path, err)
		}
		s.log.Info("settings file created", logx.String("path", path))
	} else if err != nil {
		return nil, fmt.Errorf("subscriber: stat %s: %w", path, err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("subscriber: read %s: %w", path, err)
	}
	doc, err := parseDocument(b)
	if err != nil {
		return nil, err
	}
	s.recs, s.extra, s.written = doc.recs, doc.extra, b
	if doc.dirty {
		if err := s.writeLocked(); err != nil {
			return nil, err
		}
	}
	s.log.Info("subscribers loaded", logx.String("path", path), logx.Int("count", len(s.recs)))
	return s, nil
}

type document struct {
	recs  []Record
	extra map[string]json.RawMessage
	// dirty is set when the on-disk form differs from the normalized one.
	dirty bool
}

func parseDocument(b []byte) (document, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(b, &top); err != nil {
		return document{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if top == nil {
		return document{}, fmt.Errorf("%w: top-level value is not an object", ErrCorrupt)
	}
	doc := document{extra: top}
	raw, ok := top[subscribeKey]
	delete(top, subscribeKey)
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		doc.recs = []Record{}
		doc.dirty = true
		return doc, nil
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return document{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, subscribeKey, err)
	}
	doc.recs = make([]Record, 0, len(list))
	for i, item := range list {
		var r struct {
			ChatID   *int64  `json:"chat_id"`
			Timezone *string `json:"timezone"`
		}
		if err := json.Unmarshal(item, &r); err != nil {
			return document{}, fmt.Errorf("%w: %s[%d]: %v", ErrCorrupt, subscribeKey, i, err)
		}
		if r.ChatID == nil {
			return document{}, fmt.Errorf("%w: %s[%d]: chat_id missing", ErrCorrupt, subscribeKey, i)
		}
		rec := NewRecord(*r.ChatID)
		if r.Timezone != nil {
			rec.Timezone = *r.Timezone
		} else {
			doc.dirty = true
		}
		if slices.ContainsFunc(doc.recs, rec.Equal) {
			doc.dirty = true
			continue
		}
		doc.recs = append(doc.recs, rec)
	}
	return doc, nil
}

func (s *Store) Path() string { return s.path }

// Add inserts r unless a record with the same ChatID exists. It reports
// whether an insert happened. When the rewrite fails the insert is undone
// and the error returned.
func (s *Store) Add(r Record) (bool, error) {
	if r.Timezone == "" {
		r.Timezone = DefaultTimezone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.recs, r.Equal) {
		return false, nil
	}
	s.recs = append(s.recs, r)
	if err := s.writeLocked(); err != nil {
		s.recs = s.recs[:len(s.recs)-1]
		return false, err
	}
	s.log.Info("subscriber added", logx.Int64("chat_id", r.ChatID), logx.Int("count", len(s.recs)))
	return true, nil
}

// All returns a copy of the records in insertion order.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.recs)
}

// Snapshot is All with an error once the store is closed.
func (s *Store) Snapshot() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return slices.Clone(s.recs), nil
}

func (s *Store) Contains(chatID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.ContainsFunc(s.recs, func(r Record) bool { return r.ChatID == chatID })
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

// Reload re-reads the file. On a parse error the in-memory list is kept and
// the error (wrapping ErrCorrupt) returned. It reports whether the list
// changed. The lock is held throughout so a concurrent Add is never lost,
// and content equal to the store's own last write is ignored.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("subscriber: read %s: %w", s.path, err)
	}
	if bytes.Equal(b, s.written) {
		return false, nil
	}
	doc, err := parseDocument(b)
	if err != nil {
		return false, err
	}
	changed := !slices.Equal(s.recs, doc.recs)
	s.recs, s.extra, s.written = doc.recs, doc.extra, b
	return changed, nil
}

// Close makes Snapshot fail. The file is left untouched.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) writeLocked() error {
	out := make(map[string]json.RawMessage, len(s.extra)+1)
	for k, v := range s.extra {
		out[k] = v
	}
	recs := s.recs
	if recs == nil {
		recs = []Record{}
	}
	list, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("subscriber: encode: %w", err)
	}
	out[subscribeKey] = list

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("subscriber: encode: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("subscriber: open %s: %w", s.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return fmt.Errorf("subscriber: write %s: %w", s.path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("subscriber: sync %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("subscriber: close %s: %w", s.path, err)
	}
	s.written = buf.Bytes()
	return nil
}
