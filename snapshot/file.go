package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/onnwee/convo-recorder/crypto"
	"github.com/onnwee/convo-recorder/record"
)

// FileStore keeps every session in one JSON document keyed by chat id.
// Writes go to a temp file and are renamed into place.
type FileStore struct {
	path  string
	codec codec
	mu    sync.Mutex
}

// NewFileStore returns a store writing to path. enc may be nil.
func NewFileStore(path string, enc crypto.Encryptor) *FileStore {
	return &FileStore{path: path, codec: codec{enc: enc}}
}

func (f *FileStore) readDoc() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path) // #nosec G304 - path comes from configuration
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]json.RawMessage), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}
	doc := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot file: %w", err)
	}
	return doc, nil
}

func (f *FileStore) writeDoc(doc map[string]json.RawMessage) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot file: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to save snapshot file: %w", err)
	}
	return nil
}

// Load returns every readable entry. Malformed entries are logged and skipped.
func (f *FileStore) Load(_ context.Context) (map[int64]record.SessionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDoc()
	if err != nil {
		return nil, err
	}
	out := make(map[int64]record.SessionSnapshot, len(doc))
	for k, raw := range doc {
		id, err := parseChatKey(k)
		if err != nil {
			slog.Warn("skipping snapshot entry with bad key", slog.String("key", k))
			continue
		}
		snap, err := f.codec.decode(raw)
		if err != nil {
			slog.Warn("skipping malformed snapshot entry", slog.Int64("chat_id", id), slog.Any("err", err))
			continue
		}
		out[id] = snap
	}
	return out, nil
}

// Save replaces the document with all.
func (f *FileStore) Save(_ context.Context, all map[int64]record.SessionSnapshot) error {
	doc := make(map[string]json.RawMessage, len(all))
	for id, snap := range all {
		raw, err := f.codec.encode(snap)
		if err != nil {
			return err
		}
		doc[chatKey(id)] = raw
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeDoc(doc)
}

// Put writes one entry, keeping the others.
func (f *FileStore) Put(_ context.Context, chatID int64, snap record.SessionSnapshot) error {
	raw, err := f.codec.encode(snap)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDoc()
	if err != nil {
		return err
	}
	doc[chatKey(chatID)] = raw
	return f.writeDoc(doc)
}

// Remove deletes one entry.
func (f *FileStore) Remove(_ context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, err := f.readDoc()
	if err != nil {
		return err
	}
	if _, ok := doc[chatKey(chatID)]; !ok {
		return nil
	}
	delete(doc, chatKey(chatID))
	return f.writeDoc(doc)
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }
