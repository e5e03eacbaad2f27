package record

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type confirmKind int

const (
	confirmStart confirmKind = iota
	confirmStop
)

func (k confirmKind) String() string {
	if k == confirmStop {
		return "stop"
	}
	return "start"
}

// pendingAction is what a confirmation token resolves to.
type pendingAction struct {
	ChatID  int64
	Kind    confirmKind
	Expires time.Time
}

// tokenTable maps opaque reply tokens to pending confirmations. Entries
// expire after their TTL and are removed exactly once.
type tokenTable struct {
	mu      sync.Mutex
	entries map[string]pendingAction
	now     func() time.Time
}

func newTokenTable(now func() time.Time) *tokenTable {
	return &tokenTable{entries: make(map[string]pendingAction), now: now}
}

func (t *tokenTable) issue(chatID int64, kind confirmKind, ttl time.Duration) string {
	tok := uuid.NewString()
	t.mu.Lock()
	t.entries[tok] = pendingAction{ChatID: chatID, Kind: kind, Expires: t.now().Add(ttl)}
	t.mu.Unlock()
	return tok
}

// lookup returns the live entry for tok. Expired entries are dropped.
func (t *tokenTable) lookup(tok string) (pendingAction, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[tok]
	if !ok {
		return pendingAction{}, false
	}
	if !t.now().Before(p.Expires) {
		delete(t.entries, tok)
		return pendingAction{}, false
	}
	return p, true
}

// consume removes tok and reports whether it was present.
func (t *tokenTable) consume(tok string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[tok]
	delete(t.entries, tok)
	return ok
}

// prune drops expired entries and returns how many were removed.
func (t *tokenTable) prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	n := 0
	for tok, p := range t.entries {
		if !now.Before(p.Expires) {
			delete(t.entries, tok)
			n++
		}
	}
	return n
}

func (t *tokenTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
