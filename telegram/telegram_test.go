package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/convo-recorder/record"
	"github.com/onnwee/convo-recorder/testutil"
)

func newTestClient(t *testing.T) (*Client, *testutil.MockTelegramServer) {
	t.Helper()
	m := testutil.NewMockTelegramServer(t)
	c := NewClient(testutil.BotToken, m.URL+"/")
	return c, m
}

func TestSendMessageWithConfirmControls(t *testing.T) {
	c, m := newTestClient(t)
	m.MockResult("sendMessage", map[string]any{"message_id": 77, "chat": map[string]any{"id": -100, "type": "group"}, "date": 1})

	id, err := c.SendMessage(context.Background(), -100, "*Start?*", record.SendOptions{
		Markdown: true,
		Confirm:  &record.ConfirmControls{Token: "tok-1"},
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != 77 {
		t.Fatalf("id = %d, want 77", id)
	}

	calls := m.Calls("sendMessage")
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	var got sendMessageParams
	if err := json.Unmarshal(calls[0].Body, &got); err != nil {
		t.Fatal(err)
	}
	if got.ChatID != -100 || got.ParseMode != "Markdown" || got.Text != "*Start?*" {
		t.Fatalf("params = %+v", got)
	}
	if got.ReplyMarkup == nil || len(got.ReplyMarkup.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", got.ReplyMarkup)
	}
	row := got.ReplyMarkup.InlineKeyboard[0]
	if row[0].CallbackData != "rec:tok-1:yes" || row[1].CallbackData != "rec:tok-1:no" {
		t.Fatalf("callback data = %q %q", row[0].CallbackData, row[1].CallbackData)
	}
}

func TestSendMessagePlain(t *testing.T) {
	c, m := newTestClient(t)
	m.MockResult("sendMessage", map[string]any{"message_id": 1})
	if _, err := c.SendMessage(context.Background(), 5, "hi", record.SendOptions{}); err != nil {
		t.Fatal(err)
	}
	body := string(m.Calls("sendMessage")[0].Body)
	if strings.Contains(body, "parse_mode") || strings.Contains(body, "reply_markup") {
		t.Fatalf("plain send carried markup: %s", body)
	}
}

func TestAPIErrorsClassify(t *testing.T) {
	tests := []struct {
		name string
		code int
		desc string
		want record.DeliveryClass
	}{
		{"blocked", 403, "Forbidden: bot was blocked by the user", record.DeliveryFatal},
		{"kicked", 403, "Forbidden: bot was kicked from the group chat", record.DeliveryFatal},
		{"gone", 400, "Bad Request: chat not found", record.DeliveryFatal},
		{"not modified", 400, "Bad Request: message is not modified", record.DeliveryFatal},
		{"markup", 400, "Bad Request: can't parse entities", record.DeliveryRetryable},
		{"flood", 429, "Too Many Requests: retry after 3", record.DeliveryRetryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, m := newTestClient(t)
			m.MockError("editMessageText", tt.code, tt.desc)
			err := c.EditMessage(context.Background(), 1, 2, "x", record.SendOptions{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.code {
				t.Fatalf("err = %v", err)
			}
			if got := record.ClassifyDeliveryError(err); got != tt.want {
				t.Fatalf("class = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTransportErrorHidesToken(t *testing.T) {
	c := NewClient(testutil.BotToken, "http://127.0.0.1:1")
	_, err := c.SendMessage(context.Background(), 1, "x", record.SendOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), testutil.BotToken) {
		t.Fatalf("token leaked: %v", err)
	}
}

func TestChatInfo(t *testing.T) {
	c, m := newTestClient(t)
	m.MockResult("getChat", map[string]any{"id": -100, "type": "supergroup", "title": "Ops"})
	info, err := c.ChatInfo(context.Background(), -100)
	if err != nil {
		t.Fatal(err)
	}
	if info.Type != "supergroup" || info.Title != "Ops" {
		t.Fatalf("info = %+v", info)
	}
}

func TestDownloadFile(t *testing.T) {
	c, m := newTestClient(t)
	m.MockFile("F1", "photos/file_1.jpg", []byte("jpegdata"))
	dst := filepath.Join(t.TempDir(), "12_F1.jpg")

	if err := c.DownloadFile(context.Background(), "F1", dst); err != nil {
		t.Fatalf("DownloadFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil || string(got) != "jpegdata" {
		t.Fatalf("content = %q, %v", got, err)
	}
	if _, err := os.Stat(dst + ".part"); !os.IsNotExist(err) {
		t.Fatal("temporary file left behind")
	}
}

func TestDownloadFileMissing(t *testing.T) {
	c, m := newTestClient(t)
	m.MockResult("getFile", map[string]string{"file_id": "F1", "file_path": "gone.jpg"})
	dst := filepath.Join(t.TempDir(), "x.jpg")
	if err := c.DownloadFile(context.Background(), "F1", dst); err == nil {
		t.Fatal("expected error for 404 download")
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatal("destination should not exist")
	}
}

func TestSendDocument(t *testing.T) {
	c, m := newTestClient(t)
	var (
		mu                           sync.Mutex
		chat, caption, name, content string
	)
	m.Handle("sendDocument", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			testutil.WriteError(w, 400, "Bad Request: "+err.Error())
			return
		}
		f, hdr, err := r.FormFile("document")
		if err != nil {
			testutil.WriteError(w, 400, "Bad Request: no document")
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		mu.Lock()
		chat, caption, name, content = r.FormValue("chat_id"), r.FormValue("caption"), hdr.Filename, string(data)
		mu.Unlock()
		testutil.WriteResult(w, map[string]any{"message_id": 9})
	})

	path := filepath.Join(t.TempDir(), "1700000000.zip")
	if err := os.WriteFile(path, []byte("PK"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := c.SendDocument(context.Background(), -100, path, "Recording 1700000000"); err != nil {
		t.Fatalf("SendDocument: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if chat != "-100" || caption != "Recording 1700000000" || name != "1700000000.zip" || content != "PK" {
		t.Fatalf("upload = chat %q caption %q name %q content %q", chat, caption, name, content)
	}
}

func TestParseCallback(t *testing.T) {
	tests := []struct {
		data   string
		token  string
		answer bool
		ok     bool
	}{
		{"rec:abc:yes", "abc", true, true},
		{"rec:abc:no", "abc", false, true},
		{"rec:a:b:yes", "a:b", true, true},
		{"rec::yes", "", false, false},
		{"rec:abc:maybe", "", false, false},
		{"other:abc:yes", "", false, false},
		{"", "", false, false},
	}
	for _, tt := range tests {
		token, answer, ok := parseCallback(tt.data)
		if token != tt.token || answer != tt.answer || ok != tt.ok {
			t.Errorf("parseCallback(%q) = %q %v %v", tt.data, token, answer, ok)
		}
	}
}

func TestIsCommand(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"/stop", true},
		{"/stop@recorder_bot", true},
		{"  /stop now", true},
		{"/stopped", false},
		{"stop", false},
		{"please /stop", false},
	}
	for _, tt := range tests {
		if got := isCommand(tt.text, "stop"); got != tt.want {
			t.Errorf("isCommand(%q) = %v", tt.text, got)
		}
	}
}

func TestToEvent(t *testing.T) {
	m := &Message{
		MessageID:      10,
		From:           &User{ID: 42, FirstName: "Ada", Username: "ada"},
		Chat:           Chat{ID: -100, Type: "group", Title: "Ops"},
		Date:           1700000000,
		Caption:        "look",
		ReplyToMessage: &Message{MessageID: 9},
		ForwardFrom:    &User{ID: 7},
		Photo:          []PhotoSize{{FileID: "small"}, {FileID: "big"}},
	}
	ev := toEvent(m, false)
	if ev.ChatID != -100 || ev.MessageID != 10 || ev.UserID != 42 || ev.Username != "ada" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.ReplyID != 9 || ev.ForwardFrom != 7 || !ev.Date.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("event meta = %+v", ev)
	}
	photo, ok := ev.Body.(record.PhotoBody)
	if !ok || photo.FileID != "big" || photo.Caption != "look" {
		t.Fatalf("body = %#v", ev.Body)
	}

	tests := []struct {
		name string
		msg  Message
		kind record.BodyKind
	}{
		{"text", Message{Text: "hi"}, record.KindText},
		{"document", Message{Document: &Document{FileID: "D", FileName: "a.pdf"}}, record.KindDocument},
		{"voice", Message{Voice: &Voice{FileID: "V", Duration: 3}}, record.KindVoice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.msg
			if got := toEvent(&msg, false).Body.Kind(); got != tt.kind {
				t.Fatalf("kind = %s, want %s", got, tt.kind)
			}
		})
	}

	edited := toEvent(&Message{MessageID: 3, Date: 100, EditDate: 200, Text: "fixed"}, true)
	if !edited.Edited || edited.Date.Unix() != 200 {
		t.Fatalf("edited = %+v", edited)
	}
}

type resolveCall struct {
	chatID int64
	token  string
	answer bool
}

type fakeSink struct {
	mu       sync.Mutex
	messages []record.Event
	edits    []record.Event
	resolves []resolveCall
	stops    []int64
	done     chan struct{}
	want     int
}

func (f *fakeSink) tick() {
	if len(f.messages)+len(f.edits)+len(f.resolves)+len(f.stops) == f.want {
		close(f.done)
	}
}

func (f *fakeSink) OnMessage(_ context.Context, ev record.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, ev)
	f.tick()
}

func (f *fakeSink) OnEditedMessage(_ context.Context, ev record.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, ev)
	f.tick()
}

func (f *fakeSink) Resolve(_ context.Context, chatID int64, token string, answer bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolves = append(f.resolves, resolveCall{chatID, token, answer})
	f.tick()
	return nil
}

func (f *fakeSink) RequestStop(_ context.Context, chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, chatID)
	f.tick()
}

func TestPollerDispatch(t *testing.T) {
	c, m := newTestClient(t)
	chat := map[string]any{"id": -100, "type": "group"}
	updates := []map[string]any{
		{"update_id": 5, "message": map[string]any{"message_id": 1, "chat": chat, "date": 1700000000, "text": "hello"}},
		{"update_id": 6, "edited_message": map[string]any{"message_id": 1, "chat": chat, "date": 1700000000, "edit_date": 1700000060, "text": "hello!"}},
		{"update_id": 7, "message": map[string]any{"message_id": 2, "chat": chat, "date": 1700000001, "text": "/stop"}},
		{"update_id": 8, "callback_query": map[string]any{"id": "cb1", "from": map[string]any{"id": 1}, "data": "rec:tok:yes", "message": map[string]any{"message_id": 3, "chat": chat, "date": 1}}},
	}
	var (
		mu      sync.Mutex
		offsets []int64
	)
	m.Handle("getUpdates", func(w http.ResponseWriter, r *http.Request) {
		var p getUpdatesParams
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		offsets = append(offsets, p.Offset)
		mu.Unlock()
		if p.Offset == 0 {
			testutil.WriteResult(w, updates)
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(20 * time.Millisecond):
		}
		testutil.WriteResult(w, []any{})
	})
	m.MockResult("answerCallbackQuery", true)

	sink := &fakeSink{done: make(chan struct{}), want: 4}
	p := NewPoller(c, sink)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	select {
	case <-sink.done:
	case <-time.After(5 * time.Second):
		t.Fatal("updates not dispatched")
	}
	// Let at least one follow-up poll carry the new offset.
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(offsets)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.messages) != 1 || sink.messages[0].Body.Content() != "hello" {
		t.Fatalf("messages = %+v", sink.messages)
	}
	if len(sink.edits) != 1 || !sink.edits[0].Edited {
		t.Fatalf("edits = %+v", sink.edits)
	}
	if len(sink.stops) != 1 || sink.stops[0] != -100 {
		t.Fatalf("stops = %v", sink.stops)
	}
	if len(sink.resolves) != 1 || sink.resolves[0] != (resolveCall{-100, "tok", true}) {
		t.Fatalf("resolves = %+v", sink.resolves)
	}
	if len(m.Calls("answerCallbackQuery")) != 1 {
		t.Fatal("callback not answered")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(offsets) < 2 || offsets[1] != 9 {
		t.Fatalf("offsets = %v, want second poll at 9", offsets)
	}
}

func TestPollerRetriesAfterError(t *testing.T) {
	c, m := newTestClient(t)
	var (
		mu    sync.Mutex
		calls int
	)
	m.Handle("getUpdates", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			testutil.WriteError(w, 502, "Bad Gateway")
			return
		}
		testutil.WriteResult(w, []map[string]any{
			{"update_id": 1, "message": map[string]any{"message_id": 1, "chat": map[string]any{"id": 1, "type": "private"}, "date": 1, "text": "x"}},
		})
	})
	sink := &fakeSink{done: make(chan struct{}), want: 1}
	p := NewPoller(c, sink)
	p.backoff = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	select {
	case <-sink.done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not recover")
	}
}
