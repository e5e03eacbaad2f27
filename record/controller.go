// Package record implements the conversation recording controller.
//
// Every enrolled conversation owns a Session: a bounded buffer of recent
// messages and a four-state machine (idle, waiting for a start confirmation,
// writing, waiting for a stop confirmation). Recording starts from a #start
// tag or when the conversation gets hot, always after a yes/no prompt with a
// countdown; it stops from a #stop tag, an operator request or an idle
// timeout, again after a prompt. Finished recordings are exported back to
// the conversation through an Archiver.
//
// Events, timer fires and prompt replies for one conversation are serialized
// on a per-conversation strand, so session state is never touched
// concurrently. Sessions are snapshotted through a Store and restored by
// Startup.
package record

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/onnwee/convo-recorder/telemetry"
)

// Config holds the controller tunables.
type Config struct {
	Capacity        int           // ring buffer size (msgs)
	IdleTimeout     time.Duration // silence before asking to stop (timeout)
	HotWindow       time.Duration // max span of the recent half-buffer to count as hot (min_start)
	CoolDown        time.Duration // auto-offer suppression after a decline (d_start)
	ConfirmWait     time.Duration
	ConfirmInterval time.Duration
	StopOnShutdown  bool // finalize and export active recordings on Shutdown
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		Capacity:        10,
		IdleTimeout:     10 * time.Minute,
		HotWindow:       10 * time.Minute,
		CoolDown:        10 * time.Minute,
		ConfirmWait:     60 * time.Second,
		ConfirmInterval: 10 * time.Second,
	}
}

func (cfg Config) withDefaults() Config {
	def := DefaultConfig()
	if cfg.Capacity < 1 {
		cfg.Capacity = def.Capacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.HotWindow <= 0 {
		cfg.HotWindow = def.HotWindow
	}
	if cfg.CoolDown < 0 {
		cfg.CoolDown = def.CoolDown
	}
	if cfg.ConfirmWait <= 0 {
		cfg.ConfirmWait = def.ConfirmWait
	}
	if cfg.ConfirmInterval <= 0 {
		cfg.ConfirmInterval = def.ConfirmInterval
	}
	return cfg
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock overrides wall time and timers, primarily for tests.
func WithClock(clk Clock) Option {
	return func(c *Controller) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// WithGuard replaces the eligibility guard (default: NotPrivate).
func WithGuard(g Guard) Option {
	return func(c *Controller) {
		if g != nil {
			c.guard = g
		}
	}
}

// WithLogger sets the logger used by the controller.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// Controller owns every recording session of the process.
type Controller struct {
	msgr   Messenger
	arch   Archiver
	store  Store
	clock  Clock
	guard  Guard
	log    *slog.Logger
	tokens *tokenTable

	mu       sync.Mutex
	cfg      Config
	sessions map[int64]*Session
	strands  map[int64]*strand
	chats    map[int64]ChatInfo
	base     context.Context
	closed   bool

	exports sync.WaitGroup

	// observe, when set, sees every state machine edge taken.
	observe func(chatID int64, from, to State)
}

// New builds a controller. Call Startup before feeding events.
func New(msgr Messenger, arch Archiver, store Store, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		msgr:     msgr,
		arch:     arch,
		store:    store,
		clock:    SystemClock(),
		guard:    NotPrivate(),
		log:      slog.Default().With(slog.String("component", "recorder")),
		cfg:      cfg.withDefaults(),
		sessions: make(map[int64]*Session),
		strands:  make(map[int64]*strand),
		chats:    make(map[int64]ChatInfo),
		base:     context.Background(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tokens = newTokenTable(c.clock.Now)
	return c
}

func (c *Controller) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

func (c *Controller) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base
}

// dispatch runs fn on the conversation's strand with the session locked.
// When create is false and no session exists, fn receives nil; if the
// conversation has no strand either, fn runs on the caller's goroutine.
func (c *Controller) dispatch(chatID int64, create bool, fn func(*Session)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st, ok := c.strands[chatID]
	if !ok {
		if !create && c.sessions[chatID] == nil {
			c.mu.Unlock()
			fn(nil)
			return
		}
		st = newStrand()
		c.strands[chatID] = st
	}
	c.mu.Unlock()

	st.post(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		s := c.sessions[chatID]
		if s == nil && create {
			s = newSession(chatID, c.cfg.Capacity)
			s.dirty = true
			c.sessions[chatID] = s
			c.log.Debug("session created", slog.Int64("chat_id", chatID))
		}
		c.mu.Unlock()

		if s == nil {
			fn(nil)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		fn(s)
	})
}

// retire drops the strand of a discarded conversation once nothing else is
// queued on it. Called from that strand, so only the running callback counts.
func (c *Controller) retire(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.strands[chatID]
	if !ok || c.sessions[chatID] != nil {
		return
	}
	if st.pending() == 0 {
		delete(c.strands, chatID)
	}
}

// onTimer dispatches a timer fire for s0, dropping it if the session was
// discarded or replaced meanwhile.
func (c *Controller) onTimer(s0 *Session, fn func(*Session)) {
	c.dispatch(s0.ChatID, false, func(s *Session) {
		if s == nil || s != s0 {
			return
		}
		fn(s)
	})
}

func (c *Controller) lookup(chatID int64) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[chatID]
}

func (c *Controller) list() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out
}

// transition moves s along an edge of the state machine.
func (c *Controller) transition(s *Session, to State) bool {
	from := s.State
	if !CanTransition(from, to) {
		c.log.Error("rejected session transition",
			slog.Int64("chat_id", s.ChatID),
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return false
	}
	s.State = to
	s.dirty = true
	if c.observe != nil {
		c.observe(s.ChatID, from, to)
	}
	telemetry.ObserveTransition(from.String(), to.String())
	c.log.Info("session transition",
		slog.Int64("chat_id", s.ChatID),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	return true
}

// remember caches chat metadata carried by inbound events.
func (c *Controller) remember(chatID int64, chatType, title string) {
	if chatType == "" && title == "" {
		return
	}
	c.mu.Lock()
	c.chats[chatID] = ChatInfo{Type: chatType, Title: title}
	c.mu.Unlock()
}

func (c *Controller) chatInfo(ctx context.Context, chatID int64) ChatInfo {
	c.mu.Lock()
	info, ok := c.chats[chatID]
	c.mu.Unlock()
	if ok {
		return info
	}
	info, err := c.msgr.ChatInfo(ctx, chatID)
	if err != nil {
		c.log.Warn("chat info lookup failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
		return ChatInfo{}
	}
	c.remember(chatID, info.Type, info.Title)
	return info
}

// IsEligible reports whether recording applies to chatID.
func (c *Controller) IsEligible(ctx context.Context, chatID int64) bool {
	info := c.chatInfo(ctx, chatID)
	return c.guard(ctx, Target{ChatID: chatID, ChatType: info.Type})
}

// OnMessage ingests a new inbound message.
func (c *Controller) OnMessage(ctx context.Context, ev Event) {
	c.ingest(ctx, ev)
}

// OnEditedMessage ingests an edit as a new record flagged Edited. Edits never
// trigger control tags or the hot-conversation heuristic.
func (c *Controller) OnEditedMessage(ctx context.Context, ev Event) {
	ev.Edited = true
	c.ingest(ctx, ev)
}

func (c *Controller) ingest(ctx context.Context, ev Event) {
	c.remember(ev.ChatID, ev.ChatType, ev.ChatTitle)
	if !c.guard(ctx, Target{ChatID: ev.ChatID, ChatType: ev.ChatType}) {
		if c.lookup(ev.ChatID) != nil {
			c.Discard(ctx, ev.ChatID)
		}
		return
	}
	rec := ev.record()
	c.dispatch(ev.ChatID, true, func(s *Session) { c.handle(c.baseContext(), s, rec) })
}

func (c *Controller) handle(ctx context.Context, s *Session, rec MessageRecord) {
	cfg := c.config()
	s.Buffer.Push(rec)
	s.dirty = true
	telemetry.CountMessage(s.State == StateWriting)

	switch s.State {
	case StateWriting:
		c.write(s, rec)
		c.armIdle(s)
	case StateWaitStop:
		s.held = append(s.held, rec)
	}
	if rec.Edited {
		return
	}

	tags := parseTags(rec.Body)
	switch {
	case tags.start && s.State == StateIdle:
		c.offerStart(ctx, s, false)
	case tags.stop && s.State == StateWriting:
		c.askStop(ctx, s, textAskStop)
	}

	if s.State == StateIdle && !c.clock.Now().Before(s.CoolDownUntil) && isHot(s.Buffer, cfg.HotWindow) {
		c.offerStart(ctx, s, true)
	}
}

// isHot reports whether the newest half of the buffer, rounded up, arrived
// within window. It only looks once the buffer holds more than half its
// capacity.
func isHot(buf *Ring, window time.Duration) bool {
	if buf.Len() <= buf.Cap()/2 {
		return false
	}
	first := buf.At(buf.Len() - (buf.Cap()+1)/2)
	last, _ := buf.Last()
	return last.Date.Sub(first.Date) <= window
}

// write appends rec to the open transcript and queues its attachment.
func (c *Controller) write(s *Session, recs ...MessageRecord) {
	if s.Archive == nil || len(recs) == 0 {
		return
	}
	if err := c.arch.Append(s.ChatID, *s.Archive, recs...); err != nil {
		c.log.Error("transcript append failed",
			slog.Int64("chat_id", s.ChatID),
			slog.String("archive", s.Archive.Key),
			slog.Any("err", err))
	}
	for _, m := range recs {
		if _, ok := AttachmentOf(m.Body); ok {
			c.arch.Fetch(c.baseContext(), s.ChatID, *s.Archive, m)
		}
	}
}

func (c *Controller) armIdle(s0 *Session) {
	s0.idle.arm(c.clock, c.config().IdleTimeout, func(gen uint64) {
		c.onTimer(s0, func(s *Session) {
			if !s.idle.consume(gen) || s.State != StateWriting {
				return
			}
			c.log.Info("idle timeout", slog.Int64("chat_id", s.ChatID))
			c.askStop(c.baseContext(), s, textIdle)
		})
	})
}

func (c *Controller) offerStart(ctx context.Context, s *Session, auto bool) {
	if !c.transition(s, StateWaitStart) {
		return
	}
	s.AutoOffered = auto
	text := textAskStart
	if auto {
		text = textHot
	}
	c.openConfirm(ctx, s, confirmStart, text, false)
}

func (c *Controller) askStop(ctx context.Context, s *Session, text string) {
	s.idle.cancel()
	if !c.transition(s, StateWaitStop) {
		return
	}
	c.openConfirm(ctx, s, confirmStop, text, true)
}

func (c *Controller) startRecording(ctx context.Context, s *Session, promptID int) {
	if s.State != StateWaitStart {
		return
	}
	arch, err := c.arch.Create(s.ChatID, c.clock.Now())
	if err != nil {
		c.log.Error("archive create failed", slog.Int64("chat_id", s.ChatID), slog.Any("err", err))
		c.transition(s, StateIdle)
		s.AutoOffered = false
		c.edit(ctx, s.ChatID, promptID, textStartFailed, SendOptions{})
		return
	}
	c.transition(s, StateWriting)
	s.Archive = &arch
	s.AutoOffered = false
	s.CoolDownUntil = time.Time{}
	c.write(s, s.Buffer.Items()...)
	c.armIdle(s)
	c.edit(ctx, s.ChatID, promptID, textRecording, SendOptions{Markdown: true})
}

func (c *Controller) declineStart(ctx context.Context, s *Session, promptID int) {
	if !c.transition(s, StateIdle) {
		return
	}
	if s.AutoOffered {
		s.CoolDownUntil = c.clock.Now().Add(c.config().CoolDown)
		c.log.Info("auto-offer cool-down armed",
			slog.Int64("chat_id", s.ChatID),
			slog.Time("until", s.CoolDownUntil))
	}
	s.AutoOffered = false
	c.edit(ctx, s.ChatID, promptID, textNextTime, SendOptions{Markdown: true})
}

func (c *Controller) stopRecording(ctx context.Context, s *Session, promptID int) {
	if !c.transition(s, StateIdle) {
		return
	}
	c.finalize(s)
	c.edit(ctx, s.ChatID, promptID, textStopped, SendOptions{Markdown: true})
}

func (c *Controller) resumeRecording(ctx context.Context, s *Session, promptID int) {
	if !c.transition(s, StateWriting) {
		return
	}
	c.write(s, s.held...)
	s.held = nil
	c.armIdle(s)
	c.edit(ctx, s.ChatID, promptID, textRecording, SendOptions{Markdown: true})
}

// finalize closes the open archive, exports it to the conversation in the
// background and resets the session buffer.
func (c *Controller) finalize(s *Session) {
	s.idle.cancel()
	if s.Archive != nil {
		c.exportAsync(s.ChatID, s.Archive.Key)
	}
	s.Archive = nil
	s.held = nil
	s.Buffer.Reset()
	s.dirty = true
}

func (c *Controller) exportAsync(chatID int64, key string) {
	ctx := c.baseContext()
	c.exports.Add(1)
	go func() {
		defer c.exports.Done()
		caption := exportCaption(c.chatInfo(ctx, chatID).Title, chatID)
		err := c.arch.Export(ctx, chatID, key, chatID, caption)
		switch {
		case err == nil:
			c.log.Info("recording exported", slog.Int64("chat_id", chatID), slog.String("archive", key))
		case errors.Is(err, ErrNoRecords):
			c.send(ctx, chatID, textNoRecords, SendOptions{})
		default:
			c.log.Error("recording export failed", slog.Int64("chat_id", chatID), slog.String("archive", key), slog.Any("err", err))
		}
	}()
}

// send delivers text, retrying once without rich formatting. Failures are
// logged and dropped; the returned id is 0 in that case.
func (c *Controller) send(ctx context.Context, chatID int64, text string, opts SendOptions) int {
	id, err := c.msgr.SendMessage(ctx, chatID, text, opts)
	if err == nil {
		return id
	}
	if ClassifyDeliveryError(err) == DeliveryRetryable {
		opts.Markdown = false
		if id, err = c.msgr.SendMessage(ctx, chatID, stripMarkdown(text), opts); err == nil {
			return id
		}
	}
	telemetry.CountDeliveryFailure("send")
	c.log.Warn("message delivery failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
	return 0
}

func (c *Controller) edit(ctx context.Context, chatID int64, msgID int, text string, opts SendOptions) {
	if msgID == 0 {
		c.send(ctx, chatID, text, opts)
		return
	}
	err := c.msgr.EditMessage(ctx, chatID, msgID, text, opts)
	if err == nil {
		return
	}
	if ClassifyDeliveryError(err) == DeliveryRetryable {
		opts.Markdown = false
		if err = c.msgr.EditMessage(ctx, chatID, msgID, stripMarkdown(text), opts); err == nil {
			return
		}
	}
	telemetry.CountDeliveryFailure("edit")
	c.log.Warn("message edit failed", slog.Int64("chat_id", chatID), slog.Int("msg_id", msgID), slog.Any("err", err))
}

// RequestStop is the operator stop. Outside WRITING it only explains that
// nothing is being recorded. The prompt may be sent after the caller
// returns, so it does not use the caller's context.
func (c *Controller) RequestStop(_ context.Context, chatID int64) {
	c.dispatch(chatID, false, func(s *Session) {
		ctx := c.baseContext()
		switch {
		case s != nil && s.State == StateWriting:
			c.askStop(ctx, s, textAskStop)
		case s != nil && s.State == StateWaitStop:
			// a stop prompt is already open
		default:
			c.send(ctx, chatID, textNotRecording, SendOptions{})
		}
	})
}

// IsActive reports whether key is the archive currently open for chatID.
func (c *Controller) IsActive(chatID int64, key string) bool {
	s := c.lookup(chatID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Archive != nil && s.Archive.Key == key
}

// RequestExport sends a finished recording of chatID to chat `to`.
func (c *Controller) RequestExport(ctx context.Context, chatID int64, key string, to int64) error {
	if c.IsActive(chatID, key) {
		return ErrRecordingActive
	}
	caption := exportCaption(c.chatInfo(ctx, chatID).Title, chatID)
	err := c.arch.Export(ctx, chatID, key, to, caption)
	if errors.Is(err, ErrNoRecords) {
		c.send(ctx, to, textNoRecords, SendOptions{})
	}
	return err
}

// RequestDelete removes a finished recording of chatID.
func (c *Controller) RequestDelete(ctx context.Context, chatID int64, key string) error {
	_, span := telemetry.StartSpan(ctx, "record", "delete", telemetry.ChatAttr(chatID))
	defer span.End()
	if c.IsActive(chatID, key) {
		return ErrRecordingActive
	}
	if err := c.arch.Delete(chatID, key); err != nil {
		if !errors.Is(err, ErrNoRecords) {
			telemetry.RecordError(span, err)
		}
		return err
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

// Records lists the finished recordings of chatID, hiding the open one.
func (c *Controller) Records(chatID int64) ([]string, error) {
	keys, err := c.arch.List(chatID)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if !c.IsActive(chatID, k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// SetCapacity resizes every buffer, keeping the newest entries.
func (c *Controller) SetCapacity(n int) {
	if n < 1 {
		return
	}
	c.mu.Lock()
	c.cfg.Capacity = n
	c.mu.Unlock()
	for _, s := range c.list() {
		c.dispatch(s.ChatID, false, func(s *Session) {
			if s == nil {
				return
			}
			s.Buffer.Resize(n)
			s.dirty = true
		})
	}
}

// ApplyConfig swaps the tunables. Running timers keep their deadline; the
// next arm uses the new values.
func (c *Controller) ApplyConfig(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	prev := c.cfg.Capacity
	c.cfg = cfg
	c.mu.Unlock()
	if cfg.Capacity != prev {
		c.SetCapacity(cfg.Capacity)
	}
}

// Reconcile discards sessions of conversations that are no longer eligible.
func (c *Controller) Reconcile(ctx context.Context) {
	for _, s := range c.list() {
		if !c.IsEligible(ctx, s.ChatID) {
			c.Discard(ctx, s.ChatID)
		}
	}
}

// Discard drops the session of chatID, finalizing and exporting an open
// recording first.
func (c *Controller) Discard(_ context.Context, chatID int64) {
	c.dispatch(chatID, false, func(s *Session) {
		if s == nil {
			return
		}
		c.closeConfirm(s)
		s.idle.cancel()
		if s.State.Recording() {
			c.finalize(s)
		}
		c.mu.Lock()
		delete(c.sessions, chatID)
		c.mu.Unlock()
		c.retire(chatID)
		if err := c.store.Remove(c.baseContext(), chatID); err != nil {
			c.log.Warn("snapshot remove failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
		}
		c.log.Info("session discarded", slog.Int64("chat_id", chatID), slog.String("state", s.State.String()))
	})
}

// Flush persists every session changed since the last flush.
func (c *Controller) Flush(ctx context.Context) error {
	var errs error
	counts := make(map[string]int, 4)
	for _, s := range c.list() {
		s.mu.Lock()
		counts[s.State.String()]++
		if !s.dirty {
			s.mu.Unlock()
			continue
		}
		snap := s.Snapshot()
		s.dirty = false
		s.mu.Unlock()

		if err := c.store.Put(ctx, s.ChatID, snap); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("flush session %d: %w", s.ChatID, err))
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
		}
	}
	for _, st := range AllStates() {
		telemetry.SetSessions(st.String(), counts[st.String()])
	}
	return errs
}

// PruneTokens drops expired confirmation tokens.
func (c *Controller) PruneTokens() int { return c.tokens.prune() }

// Status returns a read-only view of every session.
func (c *Controller) Status() []SessionStatus {
	sessions := c.list()
	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		st := SessionStatus{
			ChatID:        s.ChatID,
			State:         s.State.String(),
			Buffered:      s.Buffer.Len(),
			Capacity:      s.Buffer.Cap(),
			AutoOffered:   s.AutoOffered,
			CoolDownUntil: s.CoolDownUntil,
			Pending:       s.confirm != nil,
		}
		if s.Archive != nil {
			st.Archive = s.Archive.Key
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Startup restores persisted sessions. Sessions that were recording resume
// WRITING with a fresh idle timer and a "restored" notice, after writing the
// messages held by an unanswered stop prompt; pending start prompts are
// dropped back to IDLE. Call it before adapters deliver events.
func (c *Controller) Startup(ctx context.Context) error {
	c.mu.Lock()
	c.base = context.WithoutCancel(ctx)
	capacity := c.cfg.Capacity
	c.mu.Unlock()

	snaps, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	ids := make([]int64, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	restored, resumed := 0, 0
	for _, chatID := range ids {
		s, err := restoreSession(chatID, snaps[chatID], capacity)
		if err != nil {
			c.log.Warn("skipping unrestorable session", slog.Int64("chat_id", chatID), slog.Any("err", err))
			continue
		}
		if !c.IsEligible(ctx, chatID) {
			if s.State.Recording() && s.Archive != nil {
				c.exportAsync(chatID, s.Archive.Key)
			}
			if err := c.store.Remove(ctx, chatID); err != nil {
				c.log.Warn("snapshot remove failed", slog.Int64("chat_id", chatID), slog.Any("err", err))
			}
			continue
		}

		switch s.State {
		case StateWaitStart:
			s.State = StateIdle
			s.dirty = true
		case StateWaitStop:
			s.State = StateWriting
			s.dirty = true
		}

		c.mu.Lock()
		c.sessions[chatID] = s
		c.mu.Unlock()
		restored++

		if s.State == StateWriting {
			s.mu.Lock()
			c.write(s, s.held...)
			s.held = nil
			c.armIdle(s)
			s.mu.Unlock()
			c.send(ctx, chatID, textRestored, SendOptions{Markdown: true})
			resumed++
		}
	}
	c.log.Info("sessions restored", slog.Int("sessions", restored), slog.Int("recording", resumed))
	return nil
}

// Shutdown stops accepting events, cancels timers, waits for exports and
// downloads, then writes a full snapshot.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	stopAll := c.cfg.StopOnShutdown
	c.mu.Unlock()

	all := make(map[int64]SessionSnapshot)
	for _, s := range c.list() {
		s.mu.Lock()
		c.closeConfirm(s)
		s.idle.cancel()
		if stopAll && s.State.Recording() {
			// forced close, not a user transition
			s.State = StateIdle
			c.finalize(s)
			c.send(ctx, s.ChatID, textStopped, SendOptions{Markdown: true})
		}
		all[s.ChatID] = s.Snapshot()
		s.dirty = false
		s.mu.Unlock()
	}

	var errs error
	if err := waitGroup(ctx, &c.exports); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("wait exports: %w", err))
	}
	if err := c.arch.Drain(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("drain downloads: %w", err))
	}
	if err := c.store.Save(ctx, all); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("save sessions: %w", err))
	}
	c.log.Info("recorder stopped", slog.Int("sessions", len(all)))
	return errs
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
