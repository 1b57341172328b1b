package subscriber

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	logx "yinchabot/pkg/logx"
)

func readDoc(t *testing.T, path string) map[string]json.RawMessage {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("decode %s: %v (%s)", path, err, b)
	}
	return doc
}

func fileRecords(t *testing.T, path string) []Record {
	t.Helper()
	var recs []Record
	if err := json.Unmarshal(readDoc(t, path)[subscribeKey], &recs); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	return recs
}

func TestOpenCreatesEmptyDocument(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "Settings.json")

	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n := len(s.All()); n != 0 {
		t.Fatalf("records = %d, want 0", n)
	}
	raw, ok := readDoc(t, path)[subscribeKey]
	if !ok {
		t.Fatal("subscribe key missing after Open")
	}
	if string(raw) != "[]" {
		t.Fatalf("subscribe = %s, want []", raw)
	}
}

func TestAddDeduplicatesInMemoryAndOnDisk(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "Settings.json")
	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	added, err := s.Add(NewRecord(-1001))
	if err != nil || !added {
		t.Fatalf("first Add = %v, %v; want true, nil", added, err)
	}
	added, err = s.Add(Record{ChatID: -1001, Timezone: "UTC"})
	if err != nil || added {
		t.Fatalf("second Add = %v, %v; want false, nil", added, err)
	}
	if _, err := s.Add(NewRecord(-1002)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got := s.All()
	if len(got) != 2 || got[0].ChatID != -1001 || got[1].ChatID != -1002 {
		t.Fatalf("All = %+v", got)
	}
	if got[0].Timezone != DefaultTimezone {
		t.Fatalf("timezone = %q, want %q", got[0].Timezone, DefaultTimezone)
	}
	onDisk := fileRecords(t, path)
	if len(onDisk) != 2 || onDisk[0] != got[0] || onDisk[1] != got[1] {
		t.Fatalf("file records = %+v, want %+v", onDisk, got)
	}

	// A fresh store sees the same list.
	again, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if n := again.Len(); n != 2 {
		t.Fatalf("reopened len = %d, want 2", n)
	}
}

func TestOpenNormalizesExistingDocument(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "Settings.json")
	in := `{"owner":"ops","subscribe":[{"chat_id":1},{"chat_id":1,"timezone":"UTC"},{"chat_id":2,"timezone":"UTC+9"}]}`
	if err := os.WriteFile(path, []byte(in), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := []Record{{ChatID: 1, Timezone: DefaultTimezone}, {ChatID: 2, Timezone: "UTC+9"}}
	got := s.All()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("All = %+v, want %+v", got, want)
	}
	doc := readDoc(t, path)
	if string(doc["owner"]) != `"ops"` {
		t.Fatalf("extra key lost: %s", doc["owner"])
	}
	if n := len(fileRecords(t, path)); n != 2 {
		t.Fatalf("file records = %d, want 2", n)
	}
}

func TestOpenCorruptFile(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{oops"},
		{name: "array", body: "[]"},
		{name: "subscribe not a list", body: `{"subscribe":{}}`},
		{name: "missing chat id", body: `{"subscribe":[{"timezone":"UTC"}]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "Settings.json")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Open(path, logx.Nop())
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Open err = %v, want ErrCorrupt", err)
			}
			b, _ := os.ReadFile(path)
			if string(b) != tt.body {
				t.Fatalf("corrupt file was rewritten: %s", b)
			}
		})
	}
}

func TestAddRollsBackOnWriteFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "Settings.json")
	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Replacing the file with a directory makes the rewrite fail.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	added, err := s.Add(NewRecord(7))
	if err == nil || added {
		t.Fatalf("Add = %v, %v; want false and an error", added, err)
	}
	if s.Contains(7) {
		t.Fatal("failed insert was not rolled back")
	}
}

func TestReloadKeepsListOnCorruptEdit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "Settings.json")
	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Add(NewRecord(1)); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte(`{"subscribe":[{"chat_id":1},{"chat_id":3}]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err := s.Reload()
	if err != nil || !changed {
		t.Fatalf("Reload = %v, %v; want true, nil", changed, err)
	}
	if !s.Contains(3) {
		t.Fatal("reload did not pick up chat 3")
	}

	if err := os.WriteFile(path, []byte(`{"subscribe":`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Reload(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Reload err = %v, want ErrCorrupt", err)
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d after corrupt reload, want 2", s.Len())
	}
}

func TestReloadDoesNotLoseConcurrentAdds(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "Settings.json")
	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= n; i++ {
			if _, err := s.Add(NewRecord(i)); err != nil {
				t.Errorf("Add(%d): %v", i, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for range n {
			if _, err := s.Reload(); err != nil {
				t.Errorf("Reload: %v", err)
				return
			}
		}
	}()
	wg.Wait()

	if got := s.Len(); got != n {
		t.Fatalf("in-memory has %d records after %d adds", got, n)
	}
	if got := len(fileRecords(t, path)); got != n {
		t.Fatalf("file has %d records after %d adds", got, n)
	}
}

func TestReloadIgnoresOwnWrite(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "Settings.json")
	s, err := Open(path, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Add(NewRecord(7)); err != nil {
		t.Fatal(err)
	}
	changed, err := s.Reload()
	if err != nil || changed {
		t.Fatalf("Reload after own write = %v, %v; want false, nil", changed, err)
	}
	if !s.Contains(7) {
		t.Fatal("record lost after reload of own write")
	}
}

func TestSnapshotAfterClose(t *testing.T) {
	t.Parallel()
	s, err := Open(filepath.Join(t.TempDir(), "Settings.json"), logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Snapshot(); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	_ = s.Close()
	if _, err := s.Snapshot(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Snapshot err = %v, want ErrClosed", err)
	}
}

func TestRecordEqualityIgnoresTimezone(t *testing.T) {
	t.Parallel()
	if !(Record{ChatID: 5, Timezone: "UTC"}).Equal(NewRecord(5)) {
		t.Fatal("records with the same chat id must be equal")
	}
	if NewRecord(5).Equal(NewRecord(6)) {
		t.Fatal("different chat ids must not be equal")
	}
}
