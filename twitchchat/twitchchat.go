package twitchchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/convo-recorder/record"
)

// ErrUnsupported is returned for operations IRC cannot carry.
var ErrUnsupported = errors.New("twitchchat: not supported over IRC")

// codeLen is how much of a confirmation token viewers have to type.
const codeLen = 6

// maxMsgLen is the Twitch limit for one chat line.
const maxMsgLen = 500

var answerRe = regexp.MustCompile(`^!(yes|no)\s+([0-9a-fA-F]+)\s*$`)

// Sink receives inbound traffic. *record.Controller implements it.
type Sink interface {
	OnMessage(ctx context.Context, ev record.Event)
	Resolve(ctx context.Context, chatID int64, token string, answer bool) error
	RequestStop(ctx context.Context, chatID int64)
}

// ircClient is the part of *twitch.Client the adapter uses.
type ircClient interface {
	Say(channel, text string)
	Join(channels ...string)
	Connect() error
	Disconnect() error
	OnPrivateMessage(func(twitch.PrivateMessage))
}

// Adapter implements record.Messenger for Twitch chat.
type Adapter struct {
	client   ircClient
	channels []string
	log      *slog.Logger

	mu    sync.Mutex
	sink  Sink
	rooms map[int64]string            // room id -> channel login
	codes map[int64]map[string]string // room id -> code -> token
	seq   int64
	msgs  map[string]int64 // twitch message id -> local id, for replies
}

// New returns an adapter that logs in as username and joins channels.
func New(username, oauthToken string, channels ...string) *Adapter {
	return newAdapter(twitch.NewClient(username, oauthToken), channels)
}

func newAdapter(c ircClient, channels []string) *Adapter {
	a := &Adapter{
		client:   c,
		channels: channels,
		log:      slog.Default().With(slog.String("component", "twitchchat")),
		rooms:    make(map[int64]string),
		codes:    make(map[int64]map[string]string),
		msgs:     make(map[string]int64),
	}
	c.OnPrivateMessage(a.handlePrivate)
	return a
}

// Run joins the channels and blocks until ctx ends or the connection fails.
func (a *Adapter) Run(ctx context.Context, sink Sink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.client.Disconnect()
		case <-done:
		}
	}()
	defer close(done)

	a.client.Join(a.channels...)
	err := a.client.Connect()
	if ctx.Err() != nil || errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (a *Adapter) handlePrivate(msg twitch.PrivateMessage) {
	roomID, err := strconv.ParseInt(msg.RoomID, 10, 64)
	if err != nil {
		a.log.Debug("message without room id", slog.String("channel", msg.Channel))
		return
	}

	a.mu.Lock()
	sink := a.sink
	a.rooms[roomID] = msg.Channel
	a.seq++
	localID := a.seq
	if len(a.msgs) > 10000 {
		a.msgs = make(map[string]int64)
	}
	a.msgs[msg.ID] = localID
	var replyID int64
	if parent := msg.Tags["reply-parent-msg-id"]; parent != "" {
		replyID = a.msgs[parent]
	}
	a.mu.Unlock()
	if sink == nil {
		return
	}
	ctx := context.Background()
	text := strings.TrimSpace(msg.Message)

	if m := answerRe.FindStringSubmatch(text); m != nil {
		token, ok := a.takeCode(roomID, strings.ToLower(m[2]))
		if !ok {
			// Unknown codes still get the generic reply.
			token = m[2]
		}
		_ = sink.Resolve(ctx, roomID, token, m[1] == "yes")
		return
	}
	if text == "!recstop" && isModerator(msg.User) {
		sink.RequestStop(ctx, roomID)
		return
	}

	userID, _ := strconv.ParseInt(msg.User.ID, 10, 64)
	date := msg.Time
	if date.IsZero() {
		date = time.Now()
	}
	sink.OnMessage(ctx, record.Event{
		ChatID:    roomID,
		ChatType:  "group",
		ChatTitle: msg.Channel,
		MessageID: localID,
		Date:      date,
		UserID:    userID,
		FirstName: msg.User.DisplayName,
		Username:  msg.User.Name,
		ReplyID:   replyID,
		Body:      record.TextBody{Text: msg.Message},
	})
}

func isModerator(u twitch.User) bool {
	return u.Badges["broadcaster"] > 0 || u.Badges["moderator"] > 0
}

func shortCode(token string) string {
	code := strings.ReplaceAll(token, "-", "")
	if len(code) > codeLen {
		code = code[:codeLen]
	}
	return strings.ToLower(code)
}

func (a *Adapter) takeCode(roomID int64, code string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	tok, ok := a.codes[roomID][code]
	if ok {
		delete(a.codes[roomID], code)
	}
	return tok, ok
}

func (a *Adapter) channel(chatID int64) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.rooms[chatID]
	if !ok {
		return "", fmt.Errorf("twitchchat: chat not found: %d", chatID)
	}
	return ch, nil
}

// plain drops the markdown emphasis used by the recorder texts.
func plain(text string, markdown bool) string {
	if markdown {
		text = strings.NewReplacer("*", "", "_", "").Replace(text)
	}
	return strings.ReplaceAll(text, "\n", " ")
}

func (a *Adapter) say(channel, text string) {
	for len(text) > maxMsgLen {
		a.client.Say(channel, text[:maxMsgLen])
		text = text[maxMsgLen:]
	}
	a.client.Say(channel, text)
}

// SendMessage implements record.Messenger. Prompts get an answer hint.
func (a *Adapter) SendMessage(_ context.Context, chatID int64, text string, opts record.SendOptions) (int, error) {
	ch, err := a.channel(chatID)
	if err != nil {
		return 0, err
	}
	line := plain(text, opts.Markdown)
	if opts.Confirm != nil {
		code := shortCode(opts.Confirm.Token)
		a.mu.Lock()
		if a.codes[chatID] == nil {
			a.codes[chatID] = make(map[string]string)
		}
		a.codes[chatID][code] = opts.Confirm.Token
		a.mu.Unlock()
		line = fmt.Sprintf("%s (reply !yes %s or !no %s)", line, code, code)
	}
	a.say(ch, line)
	a.mu.Lock()
	a.seq++
	id := a.seq
	a.mu.Unlock()
	return int(id), nil
}

// EditMessage implements record.Messenger. Countdown updates are dropped;
// other edits are posted as a new line.
func (a *Adapter) EditMessage(ctx context.Context, chatID int64, _ int, text string, opts record.SendOptions) error {
	if opts.Confirm != nil {
		return nil
	}
	_, err := a.SendMessage(ctx, chatID, text, opts)
	return err
}

// DownloadFile implements record.Messenger. Twitch chat has no attachments.
func (a *Adapter) DownloadFile(context.Context, string, string) error { return ErrUnsupported }

// SendDocument implements record.Messenger. Twitch chat cannot carry files.
func (a *Adapter) SendDocument(context.Context, int64, string, string) error { return ErrUnsupported }

// ChatInfo implements record.Messenger. Channels are always group chats.
func (a *Adapter) ChatInfo(_ context.Context, chatID int64) (record.ChatInfo, error) {
	ch, err := a.channel(chatID)
	if err != nil {
		return record.ChatInfo{}, err
	}
	return record.ChatInfo{Type: "group", Title: ch}, nil
}
