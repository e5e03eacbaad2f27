package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/onnwee/convo-recorder/crypto"
	"github.com/onnwee/convo-recorder/record"
)

var sessionsBucket = []byte("sessions")

// BoltStore keeps one bbolt key per chat in the "sessions" bucket.
type BoltStore struct {
	db    *bolt.DB
	codec codec
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string, enc crypto.Encryptor) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}
	return &BoltStore{db: db, codec: codec{enc: enc}}, nil
}

// Load reads every entry, skipping malformed ones.
func (b *BoltStore) Load(_ context.Context) (map[int64]record.SessionSnapshot, error) {
	out := make(map[int64]record.SessionSnapshot)
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(sessionsBucket)
		if bk == nil {
			return nil
		}
		return bk.ForEach(func(k, v []byte) error {
			id, err := parseChatKey(string(k))
			if err != nil {
				return nil
			}
			snap, err := b.codec.decode(v)
			if err != nil {
				slog.Warn("skipping malformed snapshot entry", slog.Int64("chat_id", id), slog.Any("err", err))
				return nil
			}
			out[id] = snap
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Save recreates the bucket to reflect all exactly.
func (b *BoltStore) Save(_ context.Context, all map[int64]record.SessionSnapshot) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(sessionsBucket) != nil {
			if err := tx.DeleteBucket(sessionsBucket); err != nil {
				return err
			}
		}
		bk, err := tx.CreateBucket(sessionsBucket)
		if err != nil {
			return err
		}
		for id, snap := range all {
			raw, err := b.codec.encode(snap)
			if err != nil {
				return err
			}
			if err := bk.Put([]byte(chatKey(id)), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Put writes one entry.
func (b *BoltStore) Put(_ context.Context, chatID int64, snap record.SessionSnapshot) error {
	raw, err := b.codec.encode(snap)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(sessionsBucket)
		if err != nil {
			return err
		}
		return bk.Put([]byte(chatKey(chatID)), raw)
	})
}

// Remove deletes one entry.
func (b *BoltStore) Remove(_ context.Context, chatID int64) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(sessionsBucket)
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(chatKey(chatID)))
	})
}

// Close releases the file lock.
func (b *BoltStore) Close() error { return b.db.Close() }
