package record

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// BodyKind tags the variant carried by a MessageRecord.
type BodyKind string

const (
	KindText     BodyKind = "text"
	KindPhoto    BodyKind = "photo"
	KindDocument BodyKind = "document"
	KindVoice    BodyKind = "voice"
)

// Body is the payload of a message. Implementations are TextBody, PhotoBody,
// DocumentBody and VoiceBody.
type Body interface {
	Kind() BodyKind
	// Content returns the user-authored text (message text or caption).
	Content() string
}

// Attachment identifies a platform file that still has to be downloaded.
type Attachment struct {
	FileID   string
	FileName string
}

type TextBody struct{ Text string }

type PhotoBody struct {
	Attachment
	Caption string
}

type DocumentBody struct {
	Attachment
	Caption string
}

type VoiceBody struct {
	Attachment
	Duration time.Duration
}

func (TextBody) Kind() BodyKind     { return KindText }
func (PhotoBody) Kind() BodyKind    { return KindPhoto }
func (DocumentBody) Kind() BodyKind { return KindDocument }
func (VoiceBody) Kind() BodyKind    { return KindVoice }

func (b TextBody) Content() string     { return b.Text }
func (b PhotoBody) Content() string    { return b.Caption }
func (b DocumentBody) Content() string { return b.Caption }
func (VoiceBody) Content() string      { return "" }

// AttachmentOf returns the pending download carried by b, if any.
func AttachmentOf(b Body) (Attachment, bool) {
	switch v := b.(type) {
	case PhotoBody:
		return v.Attachment, v.FileID != ""
	case DocumentBody:
		return v.Attachment, v.FileID != ""
	case VoiceBody:
		return v.Attachment, v.FileID != ""
	}
	return Attachment{}, false
}

// MessageRecord is one buffered inbound message.
type MessageRecord struct {
	ID          int64
	Date        time.Time
	UserID      int64
	FirstName   string
	Username    string
	ReplyID     int64 // 0 when the message is not a reply
	ForwardFrom int64 // 0 when the message is not forwarded
	Edited      bool
	Body        Body
}

// messageJSON is the persisted form. Dates are epoch seconds.
type messageJSON struct {
	ID          int64    `json:"msg_id"`
	Date        int64    `json:"date"`
	UserID      int64    `json:"user_id"`
	FirstName   string   `json:"firstname"`
	Username    string   `json:"username,omitempty"`
	ReplyID     int64    `json:"reply_id,omitempty"`
	ForwardFrom int64    `json:"forward_from,omitempty"`
	Edited      bool     `json:"edit"`
	Kind        BodyKind `json:"kind"`
	Text        string   `json:"text,omitempty"`
	FileID      string   `json:"file_id,omitempty"`
	FileName    string   `json:"file_name,omitempty"`
	Duration    int64    `json:"duration,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m MessageRecord) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		ID:          m.ID,
		Date:        m.Date.Unix(),
		UserID:      m.UserID,
		FirstName:   m.FirstName,
		Username:    m.Username,
		ReplyID:     m.ReplyID,
		ForwardFrom: m.ForwardFrom,
		Edited:      m.Edited,
	}
	switch b := m.Body.(type) {
	case TextBody:
		out.Kind, out.Text = KindText, b.Text
	case PhotoBody:
		out.Kind, out.Text, out.FileID, out.FileName = KindPhoto, b.Caption, b.FileID, b.FileName
	case DocumentBody:
		out.Kind, out.Text, out.FileID, out.FileName = KindDocument, b.Caption, b.FileID, b.FileName
	case VoiceBody:
		out.Kind, out.FileID, out.FileName = KindVoice, b.FileID, b.FileName
		out.Duration = int64(b.Duration / time.Second)
	case nil:
		out.Kind = KindText
	default:
		return nil, fmt.Errorf("unsupported message body %T", m.Body)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Unknown body kinds are an error.
func (m *MessageRecord) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var body Body
	att := Attachment{FileID: in.FileID, FileName: in.FileName}
	switch in.Kind {
	case KindText, "":
		body = TextBody{Text: in.Text}
	case KindPhoto:
		body = PhotoBody{Attachment: att, Caption: in.Text}
	case KindDocument:
		body = DocumentBody{Attachment: att, Caption: in.Text}
	case KindVoice:
		body = VoiceBody{Attachment: att, Duration: time.Duration(in.Duration) * time.Second}
	default:
		return fmt.Errorf("unknown message kind %q", in.Kind)
	}
	*m = MessageRecord{
		ID:          in.ID,
		Date:        time.Unix(in.Date, 0).UTC(),
		UserID:      in.UserID,
		FirstName:   in.FirstName,
		Username:    in.Username,
		ReplyID:     in.ReplyID,
		ForwardFrom: in.ForwardFrom,
		Edited:      in.Edited,
		Body:        body,
	}
	return nil
}

var hashtagRe = regexp.MustCompile(`#(\w+)`)

type controlTags struct{ start, stop bool }

// parseTags extracts the #start and #stop control tags from a message body.
func parseTags(b Body) controlTags {
	var t controlTags
	if b == nil {
		return t
	}
	for _, m := range hashtagRe.FindAllStringSubmatch(b.Content(), -1) {
		switch m[1] {
		case "start":
			t.start = true
		case "stop":
			t.stop = true
		}
	}
	return t
}
