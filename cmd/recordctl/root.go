package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/convo-recorder/config"
)

type globalOpts struct {
	recordsDir string
	backend    string
	path       string
	dsn        string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:           "recordctl",
		Short:         "Inspect and maintain conversation recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			lvl := slog.LevelWarn
			if g.verbose {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
			return g.resolve()
		},
	}
	root.PersistentFlags().StringVar(&g.recordsDir, "records-dir", "", "records directory (default $RECORDS_DIR)")
	root.PersistentFlags().StringVar(&g.backend, "backend", "", "snapshot backend: file, bolt or postgres (default $SNAPSHOT_BACKEND)")
	root.PersistentFlags().StringVar(&g.path, "path", "", "snapshot file for the file and bolt backends (default $SNAPSHOT_PATH)")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(newRecordsCmd(g), newSnapshotCmd(g))
	return root
}

// resolve fills unset flags from the service configuration.
func (g *globalOpts) resolve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if g.recordsDir == "" {
		g.recordsDir = cfg.RecordsDir
	}
	if g.backend == "" {
		g.backend = cfg.SnapshotBackend
	}
	g.backend = strings.ToLower(g.backend)
	if g.path == "" {
		g.path = cfg.SnapshotPath
		if g.backend != cfg.SnapshotBackend {
			g.path = config.DefaultSnapshotPath(g.backend)
		}
	}
	g.dsn = cfg.DBDsn
	return nil
}
