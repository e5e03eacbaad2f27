package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/convo-recorder/crypto"
	"github.com/onnwee/convo-recorder/record"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func sampleSnapshot(state record.State, text string) record.SessionSnapshot {
	return record.SessionSnapshot{
		State: state,
		Messages: []record.MessageRecord{{
			ID:        7,
			Date:      time.Unix(1700000000, 0).UTC(),
			UserID:    42,
			FirstName: "ada",
			Body:      record.TextBody{Text: text},
		}},
		Folder:   "1700000000",
		FileName: "2023-11-14 22:13:20.csv",
		PromptID: 9,
	}
}

func checkSnapshot(t *testing.T, got record.SessionSnapshot, want record.SessionSnapshot) {
	t.Helper()
	if got.State != want.State || got.Folder != want.Folder || got.FileName != want.FileName || got.PromptID != want.PromptID {
		t.Fatalf("snapshot mismatch: got %+v want %+v", got, want)
	}
	if len(got.Messages) != len(want.Messages) {
		t.Fatalf("messages: got %d want %d", len(got.Messages), len(want.Messages))
	}
	for i := range got.Messages {
		g, w := got.Messages[i], want.Messages[i]
		if g.ID != w.ID || g.UserID != w.UserID || !g.Date.Equal(w.Date) || g.Body.Content() != w.Body.Content() {
			t.Fatalf("message %d: got %+v want %+v", i, g, w)
		}
	}
}

func newEncryptor(t *testing.T) crypto.Encryptor {
	t.Helper()
	enc, err := crypto.NewAESEncryptor(testKey)
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	return enc
}

// exerciseStore runs the common contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store, got %d entries", len(got))
	}

	a := sampleSnapshot(record.StateWriting, "hello")
	b := sampleSnapshot(record.StateWaitStop, "bye")
	if err := s.Save(ctx, map[int64]record.SessionSnapshot{-100: a, -200: b}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	checkSnapshot(t, got[-100], a)
	checkSnapshot(t, got[-200], b)

	c := sampleSnapshot(record.StateIdle, "third")
	if err := s.Put(ctx, -300, c); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Remove(ctx, -100); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, -999); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
	got, _ = s.Load(ctx)
	if _, ok := got[-100]; ok {
		t.Fatal("removed entry still present")
	}
	checkSnapshot(t, got[-300], c)

	// Save replaces everything.
	if err := s.Save(ctx, map[int64]record.SessionSnapshot{-400: a}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ = s.Load(ctx)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry after replace, got %d", len(got))
	}
	checkSnapshot(t, got[-400], a)
}

func TestFileStore(t *testing.T) {
	s, err := Open(Options{Backend: BackendFile, Path: filepath.Join(t.TempDir(), "nested", "sessions.json")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStoreEncrypted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s := NewFileStore(path, newEncryptor(t))
	exerciseStore(t, s)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "hello") {
		t.Fatal("plaintext message found in encrypted file")
	}

	// Without the key the entries are unreadable and skipped.
	plain := NewFileStore(path, nil)
	got, err := plain.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected encrypted entries to be skipped, got %d", len(got))
	}
}

func TestFileStoreSkipsMalformedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	doc := `{
  "-1": {"status": 3, "messages": [], "folder": "1", "file_name": "a.csv"},
  "abc": {"status": 0, "messages": []},
  "-2": "not-a-snapshot",
  "-3": [1, 2, 3]
}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := NewFileStore(path, nil).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 readable entry, got %d", len(got))
	}
	if got[-1].State != record.StateWriting || got[-1].Folder != "1" {
		t.Fatalf("unexpected entry: %+v", got[-1])
	}
}

func TestFileStoreCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileStore(path, nil).Load(context.Background()); err == nil {
		t.Fatal("expected error for corrupt document")
	}
}

func TestFileStoreLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")
	s := NewFileStore(path, nil)
	if err := s.Put(context.Background(), -1, sampleSnapshot(record.StateIdle, "x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestBoltStore(t *testing.T) {
	s, err := Open(Options{Backend: BackendBolt, Path: filepath.Join(t.TempDir(), "sessions.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestBoltStoreEncryptedReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	enc := newEncryptor(t)
	s, err := OpenBolt(path, enc)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	want := sampleSnapshot(record.StateWriting, "secret")
	if err := s.Put(context.Background(), -5, want); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = OpenBolt(path, enc)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	checkSnapshot(t, got[-5], want)
}

func TestOpenValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"file without path", Options{Backend: BackendFile}},
		{"bolt without path", Options{Backend: BackendBolt}},
		{"postgres without db", Options{Backend: BackendPostgres}},
		{"unknown backend", Options{Backend: "redis", Path: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Open(tt.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
