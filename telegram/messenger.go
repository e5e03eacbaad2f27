package telegram

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/onnwee/convo-recorder/record"
)

const callbackPrefix = "rec:"

// callbackData encodes a confirmation answer for an inline button.
func callbackData(token string, yes bool) string {
	if yes {
		return callbackPrefix + token + ":yes"
	}
	return callbackPrefix + token + ":no"
}

func keyboard(c *record.ConfirmControls) *InlineKeyboardMarkup {
	if c == nil {
		return nil
	}
	return &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{
		{Text: "Yes", CallbackData: callbackData(c.Token, true)},
		{Text: "No", CallbackData: callbackData(c.Token, false)},
	}}}
}

type sendMessageParams struct {
	ChatID      int64                 `json:"chat_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

type editMessageParams struct {
	ChatID      int64                 `json:"chat_id"`
	MessageID   int                   `json:"message_id"`
	Text        string                `json:"text"`
	ParseMode   string                `json:"parse_mode,omitempty"`
	ReplyMarkup *InlineKeyboardMarkup `json:"reply_markup,omitempty"`
}

func parseMode(opts record.SendOptions) string {
	if opts.Markdown {
		return "Markdown"
	}
	return ""
}

// SendMessage posts text and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts record.SendOptions) (int, error) {
	var msg Message
	err := c.call(ctx, "sendMessage", sendMessageParams{
		ChatID:      chatID,
		Text:        text,
		ParseMode:   parseMode(opts),
		ReplyMarkup: keyboard(opts.Confirm),
	}, &msg)
	if err != nil {
		return 0, err
	}
	return int(msg.MessageID), nil
}

// EditMessage replaces the text (and buttons) of a message the bot sent.
func (c *Client) EditMessage(ctx context.Context, chatID int64, msgID int, text string, opts record.SendOptions) error {
	return c.call(ctx, "editMessageText", editMessageParams{
		ChatID:      chatID,
		MessageID:   msgID,
		Text:        text,
		ParseMode:   parseMode(opts),
		ReplyMarkup: keyboard(opts.Confirm),
	}, nil)
}

// ChatInfo reports the chat type and title.
func (c *Client) ChatInfo(ctx context.Context, chatID int64) (record.ChatInfo, error) {
	var chat Chat
	if err := c.call(ctx, "getChat", map[string]int64{"chat_id": chatID}, &chat); err != nil {
		return record.ChatInfo{}, err
	}
	return record.ChatInfo{Type: chat.Type, Title: chat.Title}, nil
}

// AnswerCallback acknowledges an inline button press so the client stops
// showing a spinner.
func (c *Client) AnswerCallback(ctx context.Context, id, text string) error {
	params := map[string]string{"callback_query_id": id}
	if text != "" {
		params["text"] = text
	}
	return c.call(ctx, "answerCallbackQuery", params, nil)
}

// DownloadFile resolves fileID with getFile and stores its content at dst.
func (c *Client) DownloadFile(ctx context.Context, fileID, dst string) error {
	var f File
	if err := c.call(ctx, "getFile", map[string]string{"file_id": fileID}, &f); err != nil {
		return err
	}
	if f.FilePath == "" {
		return fmt.Errorf("telegram getFile: no file_path for %s", fileID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(f.FilePath), nil)
	if err != nil {
		return err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("telegram download: %w", redact(err, c.Token))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram download %s: HTTP %d", f.FilePath, resp.StatusCode)
	}

	tmp := dst + ".part"
	out, err := os.Create(tmp) //nolint:gosec // dst is built by the archive writer
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("telegram download %s: %w", f.FilePath, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// SendDocument uploads the file at path to chatID.
func (c *Client) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	f, err := os.Open(path) //nolint:gosec // path comes from the archive writer
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chat_id", strconv.FormatInt(chatID, 10))
	if caption != "" {
		_ = mw.WriteField("caption", caption)
	}
	part, err := mw.CreateFormFile("document", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendDocument"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, "sendDocument", nil)
}

var _ record.Messenger = (*Client)(nil)
