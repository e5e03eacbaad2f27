package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/onnwee/convo-recorder/db"
	"github.com/onnwee/convo-recorder/record"
)

// PostgresStore keeps one record_sessions row per chat. Encryption at rest
// is handled by the db package.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open, migrated database.
func NewPostgresStore(dbc *sql.DB) *PostgresStore { return &PostgresStore{db: dbc} }

func toRow(chatID int64, snap record.SessionSnapshot) (db.SessionRow, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return db.SessionRow{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	return db.SessionRow{ChatID: chatID, Status: int(snap.State), Payload: raw}, nil
}

// Load reads every row, skipping malformed payloads.
func (p *PostgresStore) Load(ctx context.Context) (map[int64]record.SessionSnapshot, error) {
	rows, err := db.LoadSessions(ctx, p.db)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]record.SessionSnapshot, len(rows))
	for _, r := range rows {
		var snap record.SessionSnapshot
		if err := json.Unmarshal(r.Payload, &snap); err != nil {
			slog.Warn("skipping malformed snapshot row", slog.Int64("chat_id", r.ChatID), slog.Any("err", err))
			continue
		}
		out[r.ChatID] = snap
	}
	return out, nil
}

// Save replaces the table contents with all.
func (p *PostgresStore) Save(ctx context.Context, all map[int64]record.SessionSnapshot) error {
	rows := make([]db.SessionRow, 0, len(all))
	for id, snap := range all {
		r, err := toRow(id, snap)
		if err != nil {
			return err
		}
		rows = append(rows, r)
	}
	return db.ReplaceSessions(ctx, p.db, rows)
}

// Put upserts one row.
func (p *PostgresStore) Put(ctx context.Context, chatID int64, snap record.SessionSnapshot) error {
	r, err := toRow(chatID, snap)
	if err != nil {
		return err
	}
	return db.UpsertSession(ctx, p.db, r)
}

// Remove deletes one row.
func (p *PostgresStore) Remove(ctx context.Context, chatID int64) error {
	return db.DeleteSession(ctx, p.db, chatID)
}

// Close leaves the shared connection open.
func (p *PostgresStore) Close() error { return nil }
