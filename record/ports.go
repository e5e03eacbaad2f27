package record

import (
	"context"
	"time"
)

// ChatInfo is the platform metadata of a conversation.
type ChatInfo struct {
	Type  string // "private", "group", "supergroup", "channel"
	Title string
}

// ConfirmControls asks the adapter to attach yes/no controls that reply
// with Token.
type ConfirmControls struct {
	Token string
}

// SendOptions tune how a message is rendered.
type SendOptions struct {
	Markdown bool
	Confirm  *ConfirmControls
}

// Messenger is the outbound side of the chat platform adapter.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) (int, error)
	EditMessage(ctx context.Context, chatID int64, msgID int, text string, opts SendOptions) error
	DownloadFile(ctx context.Context, fileID, dst string) error
	SendDocument(ctx context.Context, chatID int64, path, caption string) error
	ChatInfo(ctx context.Context, chatID int64) (ChatInfo, error)
}

// Archiver writes transcripts and delivers finished recordings.
type Archiver interface {
	Create(chatID int64, started time.Time) (Archive, error)
	Append(chatID int64, a Archive, recs ...MessageRecord) error
	Fetch(ctx context.Context, chatID int64, a Archive, rec MessageRecord)
	Export(ctx context.Context, chatID int64, key string, to int64, caption string) error
	Delete(chatID int64, key string) error
	List(chatID int64) ([]string, error)
	Drain(ctx context.Context) error
}

// Store persists session snapshots. Load skips entries it cannot decode.
type Store interface {
	Load(ctx context.Context) (map[int64]SessionSnapshot, error)
	Save(ctx context.Context, all map[int64]SessionSnapshot) error
	Put(ctx context.Context, chatID int64, snap SessionSnapshot) error
	Remove(ctx context.Context, chatID int64) error
}

// Event is an inbound message as delivered by an adapter.
type Event struct {
	ChatID      int64
	ChatType    string
	ChatTitle   string
	MessageID   int64
	Date        time.Time
	UserID      int64
	FirstName   string
	Username    string
	ReplyID     int64
	ForwardFrom int64
	Edited      bool
	Body        Body
}

func (e Event) record() MessageRecord {
	return MessageRecord{
		ID:          e.MessageID,
		Date:        e.Date.UTC().Truncate(time.Second),
		UserID:      e.UserID,
		FirstName:   e.FirstName,
		Username:    e.Username,
		ReplyID:     e.ReplyID,
		ForwardFrom: e.ForwardFrom,
		Edited:      e.Edited,
		Body:        e.Body,
	}
}
