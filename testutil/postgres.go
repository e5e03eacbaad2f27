package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/convo-recorder/db"
)

// SetupTestDB opens TEST_PG_DSN, migrates it and empties the session table.
// It skips the test if TEST_PG_DSN is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `DELETE FROM record_sessions`); err != nil {
		database.Close()
		t.Fatalf("failed to clear sessions: %v", err)
	}
	t.Cleanup(func() {
		_, _ = database.ExecContext(context.Background(), `DELETE FROM record_sessions`)
		database.Close()
	})
	return database
}
