// Package maintenance runs the recorder's periodic housekeeping: snapshot
// flushes, confirmation token pruning and archive retention.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/onnwee/convo-recorder/archive"
	"github.com/onnwee/convo-recorder/record"
)

const (
	defaultFlushEvery  = 30 * time.Second
	defaultTokensEvery = time.Minute
)

// Recorder is the part of *record.Controller housekeeping needs.
type Recorder interface {
	Flush(ctx context.Context) error
	PruneTokens() int
	Status() []record.SessionStatus
}

// Pruner removes old recordings. *archive.Writer implements it.
type Pruner interface {
	Prune(ctx context.Context, policy archive.RetentionPolicy, inUse archive.InUse, now time.Time) (archive.RetentionResult, error)
}

// Scheduler owns the cron instance driving housekeeping jobs.
type Scheduler struct {
	rec    Recorder
	pruner Pruner
	policy archive.RetentionPolicy
	cron   *cron.Cron
	now    func() time.Time
	log    *slog.Logger

	flushEvery  time.Duration
	tokensEvery time.Duration
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, mostly for tests.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for retention age checks.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithFlushInterval sets how often dirty sessions are persisted.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.flushEvery = d
		}
	}
}

// WithRetention enables archive cleanup with policy.
func WithRetention(p Pruner, policy archive.RetentionPolicy) Option {
	return func(s *Scheduler) {
		s.pruner = p
		s.policy = policy
	}
}

// New builds a scheduler for rec. Retention is off unless WithRetention is
// given an enabled policy.
func New(rec Recorder, opts ...Option) *Scheduler {
	s := &Scheduler{
		rec:         rec,
		now:         time.Now,
		log:         slog.Default().With(slog.String("component", "maintenance")),
		flushEvery:  defaultFlushEvery,
		tokensEvery: defaultTokensEvery,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

func every(d time.Duration) string { return "@every " + d.String() }

func (s *Scheduler) retentionEnabled() bool {
	return s.pruner != nil && s.policy.Enabled()
}

// Start registers the jobs and starts the cron scheduler. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(every(s.flushEvery), func() {
		if err := s.rec.Flush(ctx); err != nil {
			s.log.Warn("snapshot flush failed", slog.Any("err", err))
		}
	}); err != nil {
		return fmt.Errorf("schedule flush: %w", err)
	}
	if _, err := s.cron.AddFunc(every(s.tokensEvery), func() {
		if n := s.rec.PruneTokens(); n > 0 {
			s.log.Debug("pruned confirmation tokens", slog.Int("count", n))
		}
	}); err != nil {
		return fmt.Errorf("schedule token prune: %w", err)
	}
	if s.retentionEnabled() {
		interval := s.policy.Interval
		if interval <= 0 {
			interval = 6 * time.Hour
		}
		if _, err := s.cron.AddFunc(every(interval), func() {
			if _, err := s.prune(ctx); err != nil {
				s.log.Warn("retention cleanup failed", slog.Any("err", err))
			}
		}); err != nil {
			return fmt.Errorf("schedule retention: %w", err)
		}
		s.log.Info("retention policy enabled",
			slog.Int("keep_days", s.policy.KeepLastNDays),
			slog.Int("keep_count", s.policy.KeepLastN),
			slog.Bool("dry_run", s.policy.DryRun),
			slog.Duration("interval", interval))
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce runs every job sequentially and aggregates their errors.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs error
	if err := s.rec.Flush(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	s.rec.PruneTokens()
	if s.retentionEnabled() {
		if _, err := s.prune(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *Scheduler) prune(ctx context.Context) (archive.RetentionResult, error) {
	return s.pruner.Prune(ctx, s.policy, OpenRecordings(s.rec.Status()), s.now())
}

// OpenRecordings reports recordings still referenced by a live session.
func OpenRecordings(sessions []record.SessionStatus) archive.InUse {
	open := make(map[string]struct{}, len(sessions))
	for _, st := range sessions {
		if st.Archive != "" {
			open[archive.ChatDir(st.ChatID)+"/"+st.Archive] = struct{}{}
		}
	}
	return func(chatDir, key string) bool {
		_, ok := open[chatDir+"/"+key]
		return ok
	}
}
