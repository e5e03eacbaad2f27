package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"github.com/onnwee/convo-recorder/archive"
	"github.com/onnwee/convo-recorder/record"
)

type fakeRecorder struct {
	mu       sync.Mutex
	flushErr error
	flushes  int
	prunes   int
	status   []record.SessionStatus
}

func (f *fakeRecorder) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func (f *fakeRecorder) PruneTokens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes++
	return 0
}

func (f *fakeRecorder) Status() []record.SessionStatus { return f.status }

type fakePruner struct {
	err    error
	now    time.Time
	policy archive.RetentionPolicy
	inUse  archive.InUse
	calls  int
}

func (p *fakePruner) Prune(_ context.Context, policy archive.RetentionPolicy, inUse archive.InUse, now time.Time) (archive.RetentionResult, error) {
	p.calls++
	p.policy, p.inUse, p.now = policy, inUse, now
	return archive.RetentionResult{}, p.err
}

func TestRunOnce(t *testing.T) {
	now := time.Date(2024, 2, 10, 15, 0, 0, 0, time.UTC)
	rec := &fakeRecorder{status: []record.SessionStatus{{ChatID: -100, Archive: "1700000000"}}}
	pruner := &fakePruner{}
	policy := archive.RetentionPolicy{KeepLastN: 3}
	s := New(rec, WithRetention(pruner, policy), WithNow(func() time.Time { return now }))

	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if rec.flushes != 1 || rec.prunes != 1 || pruner.calls != 1 {
		t.Fatalf("flushes=%d prunes=%d retention=%d", rec.flushes, rec.prunes, pruner.calls)
	}
	if !pruner.now.Equal(now) || pruner.policy.KeepLastN != 3 {
		t.Fatalf("prune called with now=%v policy=%+v", pruner.now, pruner.policy)
	}
	if !pruner.inUse("100", "1700000000") {
		t.Fatal("open recording not protected")
	}
}

func TestRunOnceAggregatesErrors(t *testing.T) {
	rec := &fakeRecorder{flushErr: errors.New("disk full")}
	pruner := &fakePruner{err: errors.New("permission denied")}
	s := New(rec, WithRetention(pruner, archive.RetentionPolicy{KeepLastNDays: 7}))

	err := s.RunOnce(context.Background())
	if got := len(multierr.Errors(err)); got != 2 {
		t.Fatalf("errors = %d (%v), want 2", got, err)
	}
}

func TestRunOnceRetentionDisabled(t *testing.T) {
	pruner := &fakePruner{}
	s := New(&fakeRecorder{}, WithRetention(pruner, archive.RetentionPolicy{}))
	if err := s.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if pruner.calls != 0 {
		t.Fatal("disabled policy must not prune")
	}
}

func TestOpenRecordings(t *testing.T) {
	inUse := OpenRecordings([]record.SessionStatus{
		{ChatID: -100, Archive: "1700000000"},
		{ChatID: 42, Archive: "1700003600"},
		{ChatID: -7},
	})
	tests := []struct {
		chat, key string
		want      bool
	}{
		{"100", "1700000000", true},
		{"42", "1700003600", true},
		{"100", "1700003600", false},
		{"7", "", false},
	}
	for _, tt := range tests {
		if got := inUse(tt.chat, tt.key); got != tt.want {
			t.Errorf("inUse(%s, %s) = %v, want %v", tt.chat, tt.key, got, tt.want)
		}
	}
}

func TestStartRegistersJobs(t *testing.T) {
	tests := []struct {
		name   string
		policy archive.RetentionPolicy
		want   int
	}{
		{"without retention", archive.RetentionPolicy{}, 2},
		{"with retention", archive.RetentionPolicy{KeepLastN: 5, Interval: time.Hour}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := cron.New()
			s := New(&fakeRecorder{}, WithCron(c), WithFlushInterval(10*time.Second), WithRetention(&fakePruner{}, tt.policy))
			if err := s.Start(context.Background()); err != nil {
				t.Fatalf("Start: %v", err)
			}
			defer s.Stop()
			if got := len(c.Entries()); got != tt.want {
				t.Fatalf("entries = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestEvery(t *testing.T) {
	if _, err := cron.ParseStandard(every(90 * time.Second)); err != nil {
		t.Fatalf("schedule %q rejected: %v", every(90*time.Second), err)
	}
}
