package telegram

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/convo-recorder/record"
)

// Sink receives inbound traffic. *record.Controller implements it.
type Sink interface {
	OnMessage(ctx context.Context, ev record.Event)
	OnEditedMessage(ctx context.Context, ev record.Event)
	Resolve(ctx context.Context, chatID int64, token string, answer bool) error
	RequestStop(ctx context.Context, chatID int64)
}

// Poller long-polls getUpdates and dispatches to a Sink.
type Poller struct {
	client  *Client
	sink    Sink
	timeout int // getUpdates long-poll seconds
	backoff time.Duration
	offset  int64
	log     *slog.Logger
}

// NewPoller returns a poller using a 30s long-poll.
func NewPoller(c *Client, sink Sink) *Poller {
	return &Poller{
		client:  c,
		sink:    sink,
		timeout: 30,
		backoff: time.Second,
		log:     slog.Default().With(slog.String("component", "telegram")),
	}
}

type getUpdatesParams struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// Run polls until ctx is cancelled. Transport errors are logged and retried.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("telegram polling started")
	for {
		if ctx.Err() != nil {
			return nil
		}
		var updates []Update
		err := p.client.call(ctx, "getUpdates", getUpdatesParams{
			Offset:         p.offset,
			Timeout:        p.timeout,
			AllowedUpdates: []string{"message", "edited_message", "callback_query"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := p.backoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = time.Duration(apiErr.RetryAfter) * time.Second
			}
			p.log.Warn("getUpdates failed", slog.Any("err", err), slog.Duration("retry_in", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			p.dispatch(ctx, u)
		}
	}
}

func (p *Poller) dispatch(ctx context.Context, u Update) {
	switch {
	case u.CallbackQuery != nil:
		p.handleCallback(ctx, u.CallbackQuery)
	case u.EditedMessage != nil:
		p.sink.OnEditedMessage(ctx, toEvent(u.EditedMessage, true))
	case u.Message != nil:
		if isCommand(u.Message.Text, "stop") {
			p.sink.RequestStop(ctx, u.Message.Chat.ID)
			return
		}
		p.sink.OnMessage(ctx, toEvent(u.Message, false))
	}
}

func (p *Poller) handleCallback(ctx context.Context, q *CallbackQuery) {
	token, answer, ok := parseCallback(q.Data)
	if !ok || q.Message == nil {
		return
	}
	if err := p.client.AnswerCallback(ctx, q.ID, ""); err != nil {
		p.log.Debug("answerCallbackQuery failed", slog.Any("err", err))
	}
	if err := p.sink.Resolve(ctx, q.Message.Chat.ID, token, answer); err != nil {
		p.log.Debug("confirmation not applied", slog.Int64("chat_id", q.Message.Chat.ID), slog.Any("err", err))
	}
}

// parseCallback decodes "rec:<token>:yes|no".
func parseCallback(data string) (token string, answer bool, ok bool) {
	rest, found := strings.CutPrefix(data, callbackPrefix)
	if !found {
		return "", false, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", false, false
	}
	switch rest[i+1:] {
	case "yes":
		return rest[:i], true, true
	case "no":
		return rest[:i], false, true
	}
	return "", false, false
}

// isCommand matches "/name", "/name@bot" and "/name args".
func isCommand(text, name string) bool {
	first, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd, _, _ := strings.Cut(first, "@")
	return cmd == "/"+name
}

func toEvent(m *Message, edited bool) record.Event {
	ev := record.Event{
		ChatID:    m.Chat.ID,
		ChatType:  m.Chat.Type,
		ChatTitle: m.Chat.Title,
		MessageID: m.MessageID,
		Date:      time.Unix(m.Date, 0).UTC(),
		Edited:    edited,
		Body:      toBody(m),
	}
	if edited && m.EditDate != 0 {
		ev.Date = time.Unix(m.EditDate, 0).UTC()
	}
	if m.From != nil {
		ev.UserID = m.From.ID
		ev.FirstName = m.From.FirstName
		ev.Username = m.From.Username
	}
	if m.ReplyToMessage != nil {
		ev.ReplyID = m.ReplyToMessage.MessageID
	}
	if m.ForwardFrom != nil {
		ev.ForwardFrom = m.ForwardFrom.ID
	}
	return ev
}

func toBody(m *Message) record.Body {
	switch {
	case len(m.Photo) > 0:
		// Sizes come smallest first.
		best := m.Photo[len(m.Photo)-1]
		return record.PhotoBody{
			Attachment: record.Attachment{FileID: best.FileID, FileName: best.FileID + ".jpg"},
			Caption:    m.Caption,
		}
	case m.Document != nil:
		name := m.Document.FileName
		if name == "" {
			name = m.Document.FileID
		}
		return record.DocumentBody{
			Attachment: record.Attachment{FileID: m.Document.FileID, FileName: name},
			Caption:    m.Caption,
		}
	case m.Voice != nil:
		return record.VoiceBody{
			Attachment: record.Attachment{FileID: m.Voice.FileID, FileName: m.Voice.FileID + ".ogg"},
			Duration:   time.Duration(m.Voice.Duration) * time.Second,
		}
	}
	return record.TextBody{Text: m.Text}
}
