package twitchchat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/convo-recorder/record"
)

type fakeIRC struct {
	mu      sync.Mutex
	said    []string
	joined  []string
	handler func(twitch.PrivateMessage)
	stop    chan struct{}
}

func newFakeIRC() *fakeIRC { return &fakeIRC{stop: make(chan struct{})} }

func (f *fakeIRC) Say(channel, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, channel+": "+text)
}
func (f *fakeIRC) Join(channels ...string) { f.joined = append(f.joined, channels...) }
func (f *fakeIRC) Connect() error {
	<-f.stop
	return twitch.ErrClientDisconnected
}
func (f *fakeIRC) Disconnect() error {
	close(f.stop)
	return nil
}
func (f *fakeIRC) OnPrivateMessage(fn func(twitch.PrivateMessage)) { f.handler = fn }

func (f *fakeIRC) lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.said...)
}

type resolveCall struct {
	chatID int64
	token  string
	answer bool
}

type fakeSink struct {
	events   []record.Event
	resolves []resolveCall
	stops    []int64
}

func (s *fakeSink) OnMessage(_ context.Context, ev record.Event) { s.events = append(s.events, ev) }
func (s *fakeSink) Resolve(_ context.Context, chatID int64, token string, answer bool) error {
	s.resolves = append(s.resolves, resolveCall{chatID, token, answer})
	return nil
}
func (s *fakeSink) RequestStop(_ context.Context, chatID int64) { s.stops = append(s.stops, chatID) }

func setup(t *testing.T) (*Adapter, *fakeIRC, *fakeSink) {
	t.Helper()
	irc := newFakeIRC()
	a := newAdapter(irc, []string{"robots"})
	sink := &fakeSink{}
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
	return a, irc, sink
}

func privmsg(id, text string, badges map[string]int) twitch.PrivateMessage {
	return twitch.PrivateMessage{
		User:    twitch.User{ID: "77", Name: "ada", DisplayName: "Ada", Badges: badges},
		Message: text,
		Channel: "robots",
		RoomID:  "1234",
		ID:      id,
		Time:    time.Unix(1700000000, 0),
		Tags:    map[string]string{},
	}
}

func TestInboundMessageBecomesEvent(t *testing.T) {
	a, irc, sink := setup(t)
	irc.handler(privmsg("m-1", "hello #start", nil))
	reply := privmsg("m-2", "hi back", nil)
	reply.Tags["reply-parent-msg-id"] = "m-1"
	irc.handler(reply)

	if len(sink.events) != 2 {
		t.Fatalf("events = %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.ChatID != 1234 || ev.ChatType != "group" || ev.UserID != 77 || ev.FirstName != "Ada" || ev.Username != "ada" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Body.Content() != "hello #start" {
		t.Fatalf("body = %q", ev.Body.Content())
	}
	if sink.events[1].ReplyID != ev.MessageID || ev.MessageID == 0 {
		t.Fatalf("reply id = %d, want %d", sink.events[1].ReplyID, ev.MessageID)
	}
	info, err := a.ChatInfo(context.Background(), 1234)
	if err != nil || info.Title != "robots" || info.Type != "group" {
		t.Fatalf("ChatInfo = %+v, %v", info, err)
	}
}

func TestPromptCodeResolves(t *testing.T) {
	a, irc, sink := setup(t)
	irc.handler(privmsg("m-1", "hi", nil))

	token := "ABCDEF12-3456-7890-abcd-ef1234567890"
	_, err := a.SendMessage(context.Background(), 1234, "📼 Do you want *record* this chat? 📼",
		record.SendOptions{Markdown: true, Confirm: &record.ConfirmControls{Token: token}})
	if err != nil {
		t.Fatal(err)
	}
	lines := irc.lines()
	last := lines[len(lines)-1]
	if strings.Contains(last, "*") || !strings.Contains(last, "!yes abcdef") || !strings.HasPrefix(last, "robots: ") {
		t.Fatalf("prompt line = %q", last)
	}

	irc.handler(privmsg("m-2", "!yes ABCDEF", nil))
	if len(sink.resolves) != 1 || sink.resolves[0] != (resolveCall{1234, token, true}) {
		t.Fatalf("resolves = %+v", sink.resolves)
	}
	// The code is single use; a second answer is passed through as unknown.
	irc.handler(privmsg("m-3", "!no abcdef", nil))
	if len(sink.resolves) != 2 || sink.resolves[1].token == token {
		t.Fatalf("second resolve = %+v", sink.resolves)
	}
	if len(sink.events) != 1 {
		t.Fatalf("answers must not be recorded, events = %d", len(sink.events))
	}
}

func TestEditsAndUnsupported(t *testing.T) {
	a, irc, _ := setup(t)
	irc.handler(privmsg("m-1", "hi", nil))
	before := len(irc.lines())

	ctx := context.Background()
	if err := a.EditMessage(ctx, 1234, 1, "tick (30s left)", record.SendOptions{Confirm: &record.ConfirmControls{Token: "t"}}); err != nil {
		t.Fatal(err)
	}
	if len(irc.lines()) != before {
		t.Fatal("countdown edits must be dropped")
	}
	if err := a.EditMessage(ctx, 1234, 1, "Ok next time!", record.SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if len(irc.lines()) != before+1 {
		t.Fatal("plain edits are re-sent")
	}

	if err := a.DownloadFile(ctx, "f", "/tmp/x"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("DownloadFile err = %v", err)
	}
	if err := a.SendDocument(ctx, 1234, "/tmp/x", "c"); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("SendDocument err = %v", err)
	}
	if _, err := a.SendMessage(ctx, 999, "x", record.SendOptions{}); err == nil {
		t.Fatal("unknown room must fail")
	}
}

func TestRecStopNeedsModerator(t *testing.T) {
	_, irc, sink := setup(t)
	irc.handler(privmsg("m-1", "!recstop", nil))
	if len(sink.stops) != 0 {
		t.Fatal("viewers cannot stop a recording")
	}
	if len(sink.events) != 1 {
		t.Fatal("a viewer's !recstop is an ordinary message")
	}
	irc.handler(privmsg("m-2", "!recstop", map[string]int{"moderator": 1}))
	if len(sink.stops) != 1 || sink.stops[0] != 1234 {
		t.Fatalf("stops = %v", sink.stops)
	}
}

func TestLongLinesAreSplit(t *testing.T) {
	a, irc, _ := setup(t)
	irc.handler(privmsg("m-1", "hi", nil))
	before := len(irc.lines())
	if _, err := a.SendMessage(context.Background(), 1234, strings.Repeat("x", 1200), record.SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if got := len(irc.lines()) - before; got != 3 {
		t.Fatalf("lines = %d, want 3", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	irc := newFakeIRC()
	a := newAdapter(irc, []string{"robots", "other"})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx, &fakeSink{}) }()
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if len(irc.joined) != 2 {
		t.Fatalf("joined = %v", irc.joined)
	}
}
