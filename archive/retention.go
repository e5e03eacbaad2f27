package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/onnwee/convo-recorder/telemetry"
)

// RetentionPolicy defines which finished recordings to clean up.
type RetentionPolicy struct {
	// KeepLastNDays: recordings older than this many days are eligible for cleanup (0 = disabled)
	KeepLastNDays int
	// KeepLastN: keep only the N most recent recordings per chat (0 = disabled)
	KeepLastN int
	// DryRun: log what would be removed without deleting
	DryRun bool
	// Interval: how often the cleanup job runs
	Interval time.Duration
}

// Enabled reports whether any rule is configured.
func (p RetentionPolicy) Enabled() bool { return p.KeepLastNDays > 0 || p.KeepLastN > 0 }

// LoadRetentionPolicy loads the retention policy from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{
		Interval: 6 * time.Hour,
	}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastNDays = n
		}
	}
	if s := os.Getenv("RETENTION_KEEP_COUNT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepLastN = n
		}
	}
	if os.Getenv("RETENTION_DRY_RUN") == "1" {
		policy.DryRun = true
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// InUse reports whether a recording is still open. chatDir is the folder
// name returned by ChatDir.
type InUse func(chatDir, key string) bool

// RetentionResult summarizes one cleanup pass.
type RetentionResult struct {
	Removed    int
	Kept       int
	Skipped    int // open recordings
	BytesFreed int64
}

// Prune removes finished recordings that fall outside policy. Open
// recordings are never touched. now is the reference time for the age rule.
func (w *Writer) Prune(ctx context.Context, policy RetentionPolicy, inUse InUse, now time.Time) (RetentionResult, error) {
	var res RetentionResult
	if !policy.Enabled() {
		return res, nil
	}
	logger := w.log.With(slog.String("component", "retention_cleanup"), slog.Bool("dry_run", policy.DryRun))

	chats, err := os.ReadDir(w.root)
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("read records dir: %w", err)
	}
	cutoff := now.Add(-time.Duration(policy.KeepLastNDays) * 24 * time.Hour)

	for _, chat := range chats {
		if !chat.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		chatPath := filepath.Join(w.root, chat.Name())
		keys, err := listKeys(chatPath)
		if err != nil {
			logger.Warn("failed to list recordings", slog.String("chat", chat.Name()), slog.Any("err", err))
			continue
		}

		retained := make(map[string]struct{})
		if policy.KeepLastN > 0 {
			start := max(len(keys)-policy.KeepLastN, 0)
			for _, k := range keys[start:] {
				retained[k] = struct{}{}
			}
		}
		for _, k := range keys {
			if _, ok := retained[k]; ok {
				res.Kept++
				continue
			}
			if inUse != nil && inUse(chat.Name(), k) {
				res.Skipped++
				logger.Debug("skipping open recording", slog.String("chat", chat.Name()), slog.String("key", k))
				continue
			}
			ts, _ := strconv.ParseInt(k, 10, 64)
			if policy.KeepLastNDays > 0 && !time.Unix(ts, 0).Before(cutoff) {
				res.Kept++
				continue
			}

			dir := filepath.Join(chatPath, k)
			size := dirSize(dir)
			if policy.DryRun {
				logger.Info("dry-run: would delete recording", slog.String("dir", dir), slog.Int64("size_bytes", size))
				res.Removed++
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				logger.Warn("failed to delete recording", slog.String("dir", dir), slog.Any("err", err))
				continue
			}
			res.Removed++
			res.BytesFreed += size
			telemetry.Inc(telemetry.RetentionRemoved)
			logger.Info("deleted recording", slog.String("dir", dir), slog.Int64("size_bytes", size))
		}
	}
	logger.Info("retention cleanup completed",
		slog.Int("removed", res.Removed),
		slog.Int("kept", res.Kept),
		slog.Int("skipped", res.Skipped),
		slog.Int64("bytes_freed", res.BytesFreed))
	return res, nil
}

func dirSize(dir string) int64 {
	var n int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			n += info.Size()
		}
		return nil
	})
	return n
}
