package record

import (
	"context"
	"time"

	"github.com/onnwee/convo-recorder/telemetry"
)

// confirmation is an outstanding yes/no prompt with a visible countdown.
type confirmation struct {
	token    string
	kind     confirmKind
	text     string
	def      bool
	msgID    int
	deadline time.Time
	tick     timerHandle
}

func (cf *confirmation) controls() SendOptions {
	return SendOptions{Markdown: true, Confirm: &ConfirmControls{Token: cf.token}}
}

// openConfirm replaces any prompt outstanding for s with a new one.
func (c *Controller) openConfirm(ctx context.Context, s *Session, kind confirmKind, text string, def bool) {
	c.closeConfirm(s)
	cfg := c.config()

	cf := &confirmation{
		token:    c.tokens.issue(s.ChatID, kind, cfg.ConfirmWait+cfg.ConfirmInterval),
		kind:     kind,
		text:     text,
		def:      def,
		deadline: c.clock.Now().Add(cfg.ConfirmWait),
	}
	cf.msgID = c.send(ctx, s.ChatID, countdown(text, cfg.ConfirmWait), cf.controls())
	s.confirm = cf
	s.PromptID = cf.msgID
	s.dirty = true
	c.scheduleTick(s, cf, min(cfg.ConfirmInterval, cfg.ConfirmWait))
}

func (c *Controller) scheduleTick(s0 *Session, cf *confirmation, d time.Duration) {
	cf.tick.arm(c.clock, d, func(gen uint64) {
		c.onTimer(s0, func(s *Session) {
			if s.confirm != cf || !cf.tick.consume(gen) {
				return
			}
			c.tick(s, cf)
		})
	})
}

// tick re-renders the countdown or resolves to the default at the deadline.
func (c *Controller) tick(s *Session, cf *confirmation) {
	ctx := c.baseContext()
	left := cf.deadline.Sub(c.clock.Now())
	if left <= 0 {
		c.resolve(ctx, s, cf.def, "timeout")
		return
	}
	text := countdown(cf.text, left)
	if cf.msgID == 0 {
		// the prompt never got through; later ticks edit the one sent now
		cf.msgID = c.send(ctx, s.ChatID, text, cf.controls())
		s.PromptID = cf.msgID
		s.dirty = true
	} else {
		c.edit(ctx, s.ChatID, cf.msgID, text, cf.controls())
	}
	c.scheduleTick(s, cf, min(c.config().ConfirmInterval, left))
}

// closeConfirm cancels the outstanding prompt of s, if any.
func (c *Controller) closeConfirm(s *Session) {
	if s.confirm == nil {
		return
	}
	s.confirm.tick.cancel()
	c.tokens.consume(s.confirm.token)
	s.confirm = nil
}

// resolve applies the outcome of the outstanding prompt exactly once.
func (c *Controller) resolve(ctx context.Context, s *Session, answer bool, how string) {
	cf := s.confirm
	if cf == nil {
		return
	}
	c.closeConfirm(s)
	telemetry.CountConfirmation(cf.kind.String(), how, answer)

	switch cf.kind {
	case confirmStart:
		if answer {
			c.startRecording(ctx, s, cf.msgID)
		} else {
			c.declineStart(ctx, s, cf.msgID)
		}
	case confirmStop:
		if answer {
			c.stopRecording(ctx, s, cf.msgID)
		} else {
			c.resumeRecording(ctx, s, cf.msgID)
		}
	}
}

// Resolve applies an inline reply. Unknown or expired tokens get a "no
// longer valid" reply in chatID (when non-zero) and change nothing.
func (c *Controller) Resolve(ctx context.Context, chatID int64, token string, answer bool) error {
	p, ok := c.tokens.lookup(token)
	if !ok || (chatID != 0 && p.ChatID != chatID) {
		if chatID != 0 {
			c.send(ctx, chatID, textNotValid, SendOptions{})
		}
		return ErrUnknownToken
	}
	c.dispatch(p.ChatID, false, func(s *Session) {
		ctx := c.baseContext()
		if s == nil || s.confirm == nil || s.confirm.token != token {
			c.send(ctx, p.ChatID, textNotValid, SendOptions{})
			return
		}
		c.resolve(ctx, s, answer, "reply")
	})
	return nil
}
