package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/onnwee/convo-recorder/crypto"
	"github.com/onnwee/convo-recorder/db"
	"github.com/onnwee/convo-recorder/record"
	"github.com/onnwee/convo-recorder/snapshot"
)

func newSnapshotCmd(g *globalOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect and migrate persisted sessions",
	}
	cmd.AddCommand(newSnapshotShowCmd(g), newSnapshotEncryptCmd(g))
	return cmd
}

// openStore opens the configured backend. The returned close func releases
// the store and any database handle.
func openStore(ctx context.Context, g *globalOpts) (snapshot.Store, *sql.DB, func(), error) {
	enc, err := crypto.FromKey(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		return nil, nil, nil, err
	}
	opts := snapshot.Options{Backend: g.backend, Path: g.path, Encryptor: enc}
	var database *sql.DB
	if g.backend == snapshot.BackendPostgres {
		database, err = db.Open(g.dsn)
		if err != nil {
			return nil, nil, nil, err
		}
		if err := database.PingContext(ctx); err != nil {
			_ = database.Close()
			return nil, nil, nil, fmt.Errorf("connect database: %w", err)
		}
		opts.DB = database
	}
	store, err := snapshot.Open(opts)
	if err != nil {
		if database != nil {
			_ = database.Close()
		}
		return nil, nil, nil, err
	}
	closeFn := func() {
		_ = store.Close()
		if database != nil {
			_ = database.Close()
		}
	}
	return store, database, closeFn, nil
}

type sessionView struct {
	ChatID   int64  `json:"chat_id"`
	State    string `json:"state"`
	Messages int    `json:"messages"`
	Folder   string `json:"folder,omitempty"`
	FileName string `json:"file_name,omitempty"`
	PromptID int    `json:"edit_msg,omitempty"`
}

func newSnapshotShowCmd(g *globalOpts) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print persisted sessions as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, closeFn, err := openStore(ctx, g)
			if err != nil {
				return err
			}
			defer closeFn()
			snaps, err := store.Load(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if full {
				return enc.Encode(snaps)
			}
			return enc.Encode(summarize(snaps))
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "include buffered messages")
	return cmd
}

func summarize(snaps map[int64]record.SessionSnapshot) []sessionView {
	out := make([]sessionView, 0, len(snaps))
	for id, s := range snaps {
		out = append(out, sessionView{
			ChatID:   id,
			State:    s.State.String(),
			Messages: len(s.Messages),
			Folder:   s.Folder,
			FileName: s.FileName,
			PromptID: s.PromptID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

func newSnapshotEncryptCmd(g *globalOpts) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "encrypt",
		Short: "Rewrite plaintext session snapshots encrypted with ENCRYPTION_KEY",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if os.Getenv("ENCRYPTION_KEY") == "" {
				return fmt.Errorf("ENCRYPTION_KEY is required")
			}
			store, database, closeFn, err := openStore(ctx, g)
			if err != nil {
				return err
			}
			defer closeFn()

			if database != nil {
				n, err := db.EncryptPlaintextSessions(ctx, database, dryRun)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d session(s)\n", verb(dryRun), n)
				return nil
			}

			// File and bolt entries are re-encoded on save; plaintext entries
			// still decode with a key configured.
			snaps, err := store.Load(ctx)
			if err != nil {
				return err
			}
			if !dryRun {
				if err := store.Save(ctx, snaps); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d session(s)\n", verb(dryRun), len(snaps))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	return cmd
}

func verb(dryRun bool) string {
	if dryRun {
		return "would encrypt"
	}
	return "encrypted"
}
