package record

import (
	"fmt"
	"sync"
	"time"
)

// Archive describes the on-disk recording a session is writing to.
type Archive struct {
	Key  string // session directory name (unix start time)
	File string // transcript file name inside that directory
}

// Session is the recording state of one conversation. Its fields are only
// mutated from the conversation's strand while holding mu.
type Session struct {
	ChatID        int64
	State         State
	Buffer        *Ring
	Archive       *Archive
	PromptID      int
	CoolDownUntil time.Time
	AutoOffered   bool

	mu      sync.Mutex
	confirm *confirmation
	idle    timerHandle
	held    []MessageRecord // messages received during WAIT_STOP
	dirty   bool
}

func newSession(chatID int64, capacity int) *Session {
	return &Session{ChatID: chatID, Buffer: NewRing(capacity)}
}

// SessionSnapshot is the persisted form of a session. It is a pure function
// of State, Buffer, Archive, PromptID and the messages held during WAIT_STOP.
type SessionSnapshot struct {
	State    State           `json:"status"`
	Messages []MessageRecord `json:"messages"`
	Folder   string          `json:"folder,omitempty"`
	FileName string          `json:"file_name,omitempty"`
	PromptID int             `json:"edit_msg,omitempty"`
	Held     []MessageRecord `json:"held,omitempty"` // not yet in the transcript
}

// Snapshot captures the durable fields of s.
func (s *Session) Snapshot() SessionSnapshot {
	snap := SessionSnapshot{
		State:    s.State,
		Messages: s.Buffer.Items(),
		PromptID: s.PromptID,
	}
	if s.State == StateWaitStop && len(s.held) > 0 {
		snap.Held = append([]MessageRecord(nil), s.held...)
	}
	if s.Archive != nil {
		snap.Folder = s.Archive.Key
		snap.FileName = s.Archive.File
	}
	return snap
}

// Validate rejects snapshots that cannot be restored.
func (snap SessionSnapshot) Validate() error {
	if !snap.State.Valid() {
		return fmt.Errorf("invalid status %d", int(snap.State))
	}
	if snap.State.Recording() && (snap.Folder == "" || snap.FileName == "") {
		return fmt.Errorf("status %s without archive descriptor", snap.State)
	}
	return nil
}

// restoreSession rebuilds a session from a snapshot without touching timers.
func restoreSession(chatID int64, snap SessionSnapshot, capacity int) (*Session, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	s := newSession(chatID, capacity)
	s.State = snap.State
	s.PromptID = snap.PromptID
	for _, m := range snap.Messages {
		s.Buffer.Push(m)
	}
	if snap.Folder != "" {
		s.Archive = &Archive{Key: snap.Folder, File: snap.FileName}
	}
	if snap.State == StateWaitStop {
		s.held = snap.Held
	}
	return s, nil
}

// SessionStatus is a read-only view of a session.
type SessionStatus struct {
	ChatID        int64     `json:"chat_id"`
	State         string    `json:"state"`
	Buffered      int       `json:"buffered"`
	Capacity      int       `json:"capacity"`
	Archive       string    `json:"archive,omitempty"`
	AutoOffered   bool      `json:"auto_offered"`
	CoolDownUntil time.Time `json:"cool_down_until,omitzero"`
	Pending       bool      `json:"pending_confirmation"`
}
