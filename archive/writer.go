// Package archive stores recordings on disk and ships them back to chats.
//
// Layout: <root>/<chat>/<key>/<transcript>.csv plus downloaded attachments,
// where <chat> is the absolute chat id and <key> the unix start time of the
// recording. Transcripts are tab-separated with a fixed header.
package archive

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/convo-recorder/record"
	"github.com/onnwee/convo-recorder/telemetry"
)

// ErrNoRecords is returned when a recording directory does not exist.
var ErrNoRecords = record.ErrNoRecords

// Header is the transcript column order.
var Header = []string{"date", "user_id", "firstname", "msg_id", "edit", "reply_id", "forward_from", "text"}

const (
	dateLayout = "2006-01-02 15:04:05-07:00"
	fileLayout = "2006-01-02 15:04:05"
)

// Downloader fetches a platform file to a local path.
type Downloader interface {
	DownloadFile(ctx context.Context, fileID, dst string) error
}

// Sender uploads a local file to a chat.
type Sender interface {
	SendDocument(ctx context.Context, chatID int64, path, caption string) error
}

// Options tunes a Writer.
type Options struct {
	MaxConcurrentDownloads int           // default 1
	ExportWait             time.Duration // max wait for pending downloads before an export (default 2m)
	Logger                 *slog.Logger
}

// Writer implements record.Archiver on the local filesystem.
type Writer struct {
	root       string
	dl         Downloader
	send       Sender
	slots      downloadSlots
	exportWait time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	pending map[string]*sync.WaitGroup // recording dir -> downloads in flight
	all     sync.WaitGroup
}

var _ record.Archiver = (*Writer)(nil)

// New returns a Writer rooted at root. The directory is created lazily.
func New(root string, dl Downloader, send Sender, opts Options) *Writer {
	if opts.ExportWait <= 0 {
		opts.ExportWait = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &Writer{
		root:       root,
		dl:         dl,
		send:       send,
		slots:      newDownloadSlots(opts.MaxConcurrentDownloads),
		exportWait: opts.ExportWait,
		log:        opts.Logger.With(slog.String("component", "archive")),
		pending:    make(map[string]*sync.WaitGroup),
	}
	w.log.Info("download concurrency limit initialized", slog.Int("max_concurrent", cap(w.slots)))
	return w
}

// Root returns the records directory.
func (w *Writer) Root() string { return w.root }

// ChatDir returns the folder name used for chatID.
func ChatDir(chatID int64) string {
	if chatID < 0 {
		chatID = -chatID
	}
	return strconv.FormatInt(chatID, 10)
}

func (w *Writer) chatPath(chatID int64) string {
	return filepath.Join(w.root, ChatDir(chatID))
}

// recordPath resolves a recording directory, rejecting keys that are not
// unix timestamps.
func (w *Writer) recordPath(chatID int64, key string) (string, error) {
	if _, err := strconv.ParseInt(key, 10, 64); err != nil || strings.HasPrefix(key, "-") {
		return "", fmt.Errorf("invalid record key %q: %w", key, ErrNoRecords)
	}
	return filepath.Join(w.chatPath(chatID), key), nil
}

// Create opens a new recording directory and writes the transcript header.
func (w *Writer) Create(chatID int64, started time.Time) (record.Archive, error) {
	started = started.UTC()
	a := record.Archive{
		Key:  strconv.FormatInt(started.Unix(), 10),
		File: started.Format(fileLayout) + ".csv",
	}
	dir := filepath.Join(w.chatPath(chatID), a.Key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return record.Archive{}, fmt.Errorf("create record dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, a.File), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return record.Archive{}, fmt.Errorf("create transcript: %w", err)
	}
	cw := newTSV(f)
	if err := cw.Write(Header); err != nil {
		_ = f.Close()
		return record.Archive{}, fmt.Errorf("write header: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		_ = f.Close()
		return record.Archive{}, fmt.Errorf("write header: %w", err)
	}
	if err := f.Close(); err != nil {
		return record.Archive{}, fmt.Errorf("close transcript: %w", err)
	}
	w.log.Info("recording created", slog.Int64("chat_id", chatID), slog.String("dir", dir))
	return a, nil
}

func newTSV(f *os.File) *csv.Writer {
	cw := csv.NewWriter(f)
	cw.Comma = '\t'
	return cw
}

// Append writes recs to the transcript in order.
func (w *Writer) Append(chatID int64, a record.Archive, recs ...record.MessageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	path := filepath.Join(w.chatPath(chatID), a.Key, a.File)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer func() { _ = f.Close() }()

	cw := newTSV(f)
	for _, m := range recs {
		if err := cw.Write(Row(m)); err != nil {
			return fmt.Errorf("write row %d: %w", m.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Row renders m as a transcript row.
func Row(m record.MessageRecord) []string {
	reply, fwd := "", ""
	if m.ReplyID != 0 {
		reply = strconv.FormatInt(m.ReplyID, 10)
	}
	if m.ForwardFrom != 0 {
		fwd = strconv.FormatInt(m.ForwardFrom, 10)
	}
	return []string{
		m.Date.UTC().Format(dateLayout),
		strconv.FormatInt(m.UserID, 10),
		m.FirstName,
		strconv.FormatInt(m.ID, 10),
		strconv.FormatBool(m.Edited),
		reply,
		fwd,
		TranscriptText(m),
	}
}

// TranscriptText is the text column for m. Attachments are referenced by
// their stored file name.
func TranscriptText(m record.MessageRecord) string {
	switch b := m.Body.(type) {
	case record.TextBody:
		return b.Text
	case record.PhotoBody:
		return withCaption("Attached photo "+StoredName(m), b.Caption)
	case record.DocumentBody:
		return withCaption("Attached document: "+StoredName(m), b.Caption)
	case record.VoiceBody:
		return "Attached voice " + StoredName(m)
	}
	return ""
}

func withCaption(s, caption string) string {
	if caption == "" {
		return s
	}
	return s + " - Caption: " + caption
}

// StoredName is the file name an attachment of m is downloaded to.
func StoredName(m record.MessageRecord) string {
	att, ok := record.AttachmentOf(m.Body)
	if !ok {
		return ""
	}
	name := filepath.Base(att.FileName)
	if name == "." || name == string(filepath.Separator) || name == "" {
		switch m.Body.Kind() {
		case record.KindPhoto:
			name = att.FileID + ".jpg"
		case record.KindVoice:
			name = att.FileID + ".ogg"
		default:
			name = att.FileID
		}
	}
	return fmt.Sprintf("%d_%s", m.ID, name)
}

func (w *Writer) downloads(dir string) *sync.WaitGroup {
	w.mu.Lock()
	defer w.mu.Unlock()
	wg, ok := w.pending[dir]
	if !ok {
		wg = &sync.WaitGroup{}
		w.pending[dir] = wg
	}
	return wg
}

// Fetch downloads the attachment of rec into the recording directory in the
// background. Failures are logged; the transcript row stays.
func (w *Writer) Fetch(ctx context.Context, chatID int64, a record.Archive, rec record.MessageRecord) {
	att, ok := record.AttachmentOf(rec.Body)
	if !ok || w.dl == nil {
		return
	}
	dir := filepath.Join(w.chatPath(chatID), a.Key)
	dst := filepath.Join(dir, StoredName(rec))
	wg := w.downloads(dir)
	wg.Add(1)
	w.all.Add(1)
	go func() {
		defer w.all.Done()
		defer wg.Done()
		if !w.slots.acquire(ctx) {
			w.log.Warn("attachment download canceled", slog.Int64("chat_id", chatID), slog.Int64("msg_id", rec.ID))
			return
		}
		defer w.slots.release()

		telemetry.Inc(telemetry.DownloadsStarted)
		telemetry.AddInFlight(1)
		defer telemetry.AddInFlight(-1)
		var err error
		telemetry.TimeFunc(telemetry.DownloadDuration, func() {
			err = w.dl.DownloadFile(ctx, att.FileID, dst)
		})
		if err != nil {
			telemetry.Inc(telemetry.DownloadsFailed)
			w.log.Error("attachment download failed",
				slog.Int64("chat_id", chatID),
				slog.Int64("msg_id", rec.ID),
				slog.String("file_id", att.FileID),
				slog.Any("err", err))
			return
		}
		telemetry.Inc(telemetry.DownloadsSucceeded)
		w.log.Debug("attachment stored", slog.Int64("chat_id", chatID), slog.String("path", dst))
	}()
}

// waitDownloads blocks until the downloads queued for dir finish, or the
// export wait elapses.
func (w *Writer) waitDownloads(ctx context.Context, dir string) {
	w.mu.Lock()
	wg, ok := w.pending[dir]
	w.mu.Unlock()
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, w.exportWait)
	defer cancel()
	if err := wait(wctx, wg); err != nil {
		w.log.Warn("exporting with downloads still pending", slog.String("dir", dir), slog.Any("err", err))
		return
	}
	w.mu.Lock()
	if w.pending[dir] == wg {
		delete(w.pending, dir)
	}
	w.mu.Unlock()
}

// Export sends recording key of chatID to chat `to`: the transcript alone,
// or a zip bundle when attachments were stored.
func (w *Writer) Export(ctx context.Context, chatID int64, key string, to int64, caption string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "archive", "export", telemetry.ChatAttr(chatID))
	defer span.End()
	defer func() {
		if err != nil && !errors.Is(err, ErrNoRecords) {
			telemetry.Inc(telemetry.ExportsFailed)
			telemetry.RecordError(span, err)
		}
	}()

	dir, err := w.recordPath(chatID, key)
	if err != nil {
		return err
	}
	files, err := listFiles(dir)
	if err != nil {
		return err
	}
	w.waitDownloads(ctx, dir)
	if files, err = listFiles(dir); err != nil {
		return err
	}

	telemetry.TimeFunc(telemetry.ExportDuration, func() {
		if len(files) == 1 {
			err = w.send.SendDocument(ctx, to, filepath.Join(dir, files[0]), caption)
			return
		}
		var bundle string
		bundle, err = Bundle(dir, filepath.Join(w.chatPath(chatID), key+".zip"))
		if err != nil {
			return
		}
		defer func() { _ = os.Remove(bundle) }()
		err = w.send.SendDocument(ctx, to, bundle, caption)
	})
	if err != nil {
		return fmt.Errorf("export %s/%s: %w", ChatDir(chatID), key, err)
	}
	telemetry.Inc(telemetry.ExportsSucceeded)
	telemetry.SetSpanSuccess(span)
	w.log.Info("recording sent", slog.Int64("chat_id", chatID), slog.String("key", key), slog.Int64("to", to), slog.Int("files", len(files)))
	return nil
}

// listFiles returns the regular files of dir, sorted. A missing or empty
// directory is ErrNoRecords.
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoRecords
	}
	if err != nil {
		return nil, fmt.Errorf("read record dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			out = append(out, e.Name())
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecords
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes recording key of chatID.
func (w *Writer) Delete(chatID int64, key string) error {
	dir, err := w.recordPath(chatID, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return ErrNoRecords
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove record dir: %w", err)
	}
	_ = os.Remove(dir + ".zip")
	w.log.Info("recording deleted", slog.Int64("chat_id", chatID), slog.String("key", key))
	return nil
}

// List returns the recording keys of chatID, oldest first.
func (w *Writer) List(chatID int64) ([]string, error) {
	return listKeys(w.chatPath(chatID))
}

func listKeys(chatPath string) ([]string, error) {
	entries, err := os.ReadDir(chatPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read chat dir: %w", err)
	}
	type keyed struct {
		name string
		ts   int64
	}
	var ks []keyed
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		ks = append(ks, keyed{e.Name(), ts})
	}
	sort.Slice(ks, func(i, j int) bool { return ks[i].ts < ks[j].ts })
	out := make([]string, len(ks))
	for i, k := range ks {
		out[i] = k.name
	}
	return out, nil
}

// Drain waits for every queued download.
func (w *Writer) Drain(ctx context.Context) error {
	return wait(ctx, &w.all)
}

func wait(ctx context.Context, wg *sync.WaitGroup) error {
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
