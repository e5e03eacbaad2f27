package record

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fakeClock fires timers synchronously from Advance, in deadline order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward by d, firing every timer that comes due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		live := c.timers[:0]
		for _, t := range c.timers {
			if t.stopped || t.fired {
				continue
			}
			live = append(live, t)
			if !t.at.After(target) && (next == nil || t.at.Before(next.at)) {
				next = t
			}
		}
		c.timers = live
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.fn()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type sentMessage struct {
	chatID int64
	msgID  int
	text   string
	opts   SendOptions
}

type fakeMessenger struct {
	mu           sync.Mutex
	next         int
	sent         []sentMessage
	edits        []sentMessage
	info         map[int64]ChatInfo
	failMarkdown bool
	failSends    int // number of upcoming SendMessage calls to reject
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{info: make(map[int64]ChatInfo)}
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.failSends > 0 {
		m.failSends--
		return 0, errors.New("Too Many Requests: retry after 1")
	}
	if m.failMarkdown && opts.Markdown {
		return 0, errors.New("Bad Request: can't parse entities")
	}
	m.next++
	m.sent = append(m.sent, sentMessage{chatID: chatID, msgID: m.next, text: text, opts: opts})
	return m.next, nil
}

func (m *fakeMessenger) EditMessage(ctx context.Context, chatID int64, msgID int, text string, opts SendOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.failMarkdown && opts.Markdown {
		return errors.New("Bad Request: can't parse entities")
	}
	m.edits = append(m.edits, sentMessage{chatID: chatID, msgID: msgID, text: text, opts: opts})
	return nil
}

func (m *fakeMessenger) DownloadFile(context.Context, string, string) error { return nil }

func (m *fakeMessenger) SendDocument(context.Context, int64, string, string) error { return nil }

func (m *fakeMessenger) ChatInfo(_ context.Context, chatID int64) (ChatInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.info[chatID]; ok {
		return info, nil
	}
	return ChatInfo{Type: "supergroup", Title: "chat " + strconv.FormatInt(chatID, 10)}, nil
}

func (m *fakeMessenger) messages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

func (m *fakeMessenger) lastEdit() (sentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return sentMessage{}, false
	}
	return m.edits[len(m.edits)-1], true
}

// lastToken returns the token of the newest prompt sent to chatID.
func (m *fakeMessenger) lastToken(chatID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].chatID == chatID && m.sent[i].opts.Confirm != nil {
			return m.sent[i].opts.Confirm.Token
		}
	}
	return ""
}

func (m *fakeMessenger) countContaining(sub string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sent {
		if strings.Contains(s.text, sub) {
			n++
		}
	}
	return n
}

type fakeArchiver struct {
	mu        sync.Mutex
	keys      map[int64][]string
	rows      map[string][]MessageRecord
	fetched   []int64
	exported  []string
	deleted   []string
	createErr error
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{keys: make(map[int64][]string), rows: make(map[string][]MessageRecord)}
}

func (a *fakeArchiver) Create(chatID int64, started time.Time) (Archive, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return Archive{}, a.createErr
	}
	key := strconv.FormatInt(started.Unix(), 10)
	a.keys[chatID] = append(a.keys[chatID], key)
	return Archive{Key: key, File: started.UTC().Format("2006-01-02 15:04:05") + ".csv"}, nil
}

func (a *fakeArchiver) Append(_ int64, arch Archive, recs ...MessageRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows[arch.Key] = append(a.rows[arch.Key], recs...)
	return nil
}

func (a *fakeArchiver) Fetch(_ context.Context, _ int64, _ Archive, rec MessageRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetched = append(a.fetched, rec.ID)
}

func (a *fakeArchiver) has(chatID int64, key string) bool {
	for _, k := range a.keys[chatID] {
		if k == key {
			return true
		}
	}
	return false
}

func (a *fakeArchiver) Export(_ context.Context, chatID int64, key string, _ int64, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.has(chatID, key) {
		return ErrNoRecords
	}
	a.exported = append(a.exported, key)
	return nil
}

func (a *fakeArchiver) Delete(chatID int64, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.has(chatID, key) {
		return ErrNoRecords
	}
	a.deleted = append(a.deleted, key)
	return nil
}

func (a *fakeArchiver) List(chatID int64) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.keys[chatID]...), nil
}

func (a *fakeArchiver) Drain(context.Context) error { return nil }

func (a *fakeArchiver) rowsFor(key string) []MessageRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MessageRecord(nil), a.rows[key]...)
}

func (a *fakeArchiver) exports() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.exported...)
}

// memStore keeps snapshots as JSON so restores go through the wire format.
type memStore struct {
	mu   sync.Mutex
	data map[int64][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[int64][]byte)} }

func (m *memStore) Load(context.Context) (map[int64]SessionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]SessionSnapshot, len(m.data))
	for id, raw := range m.data {
		var snap SessionSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			continue
		}
		out[id] = snap
	}
	return out, nil
}

func (m *memStore) Save(_ context.Context, all map[int64]SessionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[int64][]byte, len(all))
	for id, snap := range all {
		raw, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		m.data[id] = raw
	}
	return nil
}

func (m *memStore) Put(_ context.Context, chatID int64, snap SessionSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[chatID] = raw
	m.mu.Unlock()
	return nil
}

func (m *memStore) Remove(_ context.Context, chatID int64) error {
	m.mu.Lock()
	delete(m.data, chatID)
	m.mu.Unlock()
	return nil
}

type staticRegistry struct {
	mu       sync.Mutex
	enrolled map[int64]bool
	disabled map[int64]bool
}

func newStaticRegistry(ids ...int64) *staticRegistry {
	r := &staticRegistry{enrolled: make(map[int64]bool), disabled: make(map[int64]bool)}
	for _, id := range ids {
		r.enrolled[id] = true
	}
	return r
}

func (r *staticRegistry) Enrolled(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enrolled[id]
}

func (r *staticRegistry) RecordingEnabled(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.disabled[id]
}

func (r *staticRegistry) disable(id int64) {
	r.mu.Lock()
	r.disabled[id] = true
	r.mu.Unlock()
}

type harness struct {
	ctrl  *Controller
	clock *fakeClock
	msgr  *fakeMessenger
	arch  *fakeArchiver
	store *memStore
}

func newHarness(cfg Config, opts ...Option) *harness {
	h := &harness{
		clock: newFakeClock(),
		msgr:  newFakeMessenger(),
		arch:  newFakeArchiver(),
		store: newMemStore(),
	}
	h.ctrl = h.build(cfg, opts...)
	return h
}

func (h *harness) build(cfg Config, opts ...Option) *Controller {
	opts = append([]Option{WithClock(h.clock)}, opts...)
	return New(h.msgr, h.arch, h.store, cfg, opts...)
}

const testChat int64 = -100200300

func (h *harness) say(id int64, text string) {
	h.ctrl.OnMessage(context.Background(), Event{
		ChatID:    testChat,
		ChatType:  "supergroup",
		ChatTitle: "robots",
		MessageID: id,
		Date:      h.clock.Now(),
		UserID:    42,
		FirstName: "Ada",
		Body:      TextBody{Text: text},
	})
}

func (h *harness) state() State {
	s := h.ctrl.lookup(testChat)
	if s == nil {
		return StateIdle
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func (h *harness) session() *Session { return h.ctrl.lookup(testChat) }

func (h *harness) reply(answer bool) error {
	return h.ctrl.Resolve(context.Background(), testChat, h.msgr.lastToken(testChat), answer)
}

// startRecording drives a fresh session into WRITING.
func (h *harness) startRecording(firstID int64) {
	h.say(firstID, "let's go #start")
	_ = h.reply(true)
}
